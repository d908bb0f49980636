package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9000
  password: hunter2
max_retries: 2
request_timeout: 30s
skip_non_pro: false
custom_system: "be brief"
cooldown:
  mode: exponential
  base: 1m
  max: 10m
model_aliases:
  - alias: sonnet
    model: claude-sonnet-4-5-20250929
credentials:
  - kind: claude_web
    secret: sk-ant-sid01-abc
    org_id: org-1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8484, cfg.Server.Port)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.SkipRateLimited)
	assert.Equal(t, "claude-cli", cfg.ClaudeCodeClientID)
	assert.Equal(t, CooldownFixed, cfg.Cooldown.Mode)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Server.Password)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.SkipNonPro)
	assert.True(t, cfg.SkipRestricted, "unset keys keep their defaults")
	assert.Equal(t, CooldownExponential, cfg.Cooldown.Mode)
	assert.Equal(t, time.Minute, cfg.Cooldown.Base)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Aliases()["sonnet"])
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "org-1", cfg.Credentials[0].OrgID)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("RELAY_MAX_RETRIES", "7")
	t.Setenv("RELAY_SERVER__PASSWORD", "from-env")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, "from-env", cfg.Server.Password)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, false},
		{"bad cooldown mode", func(c *Config) { c.Cooldown.Mode = "random" }, false},
		{"bad selection", func(c *Config) { c.Selection = "random" }, false},
		{"bad secret key", func(c *Config) { c.SecretKey = "short" }, false},
		{"alias without target", func(c *Config) { c.ModelAliases = []ModelAlias{{Alias: "x"}} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	holder := NewHolder(cfg)
	w := NewWatcher(path, holder, logger)
	w.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 1)
	go func() {
		_ = w.Watch(ctx, func(newCfg, _ *Config) {
			select {
			case reloaded <- newCfg.MaxRetries:
			default:
			}
		})
	}()

	// 等待 watcher 就绪后再写入
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, "max_retries: 2", "max_retries: 3", 1)), 0o600))

	select {
	case n := <-reloaded:
		assert.Equal(t, 3, n)
		assert.Equal(t, 3, holder.Current().MaxRetries)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestReloadKeepsPreviousConfigOnError(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	holder := NewHolder(cfg)
	w := NewWatcher(path, holder, logrus.New())

	require.NoError(t, os.WriteFile(path, []byte("max_retries: -4\n"), 0o600))
	assert.Error(t, w.Reload(nil))
	assert.Equal(t, 2, holder.Current().MaxRetries)
}
