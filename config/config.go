package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix 环境变量前缀，嵌套键用双下划线分隔：RELAY_SERVER__PORT
const EnvPrefix = "RELAY_"

// Config 网关运行配置（核心只读）
type Config struct {
	Server   ServerConfig `koanf:"server"`
	Database string       `koanf:"database"`
	// SecretKey 非空时凭证在数据库中以 AES-GCM 加密保存
	SecretKey string `koanf:"secret_key"`
	LogLevel  string `koanf:"log_level"`
	LogFile   string `koanf:"log_file"`
	LogMaxMB  int    `koanf:"log_max_size_mb"`

	MaxRetries     int           `koanf:"max_retries"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	PreserveChats  bool          `koanf:"preserve_chats"`

	SkipNonPro      bool   `koanf:"skip_non_pro"`
	SkipRestricted  bool   `koanf:"skip_restricted"`
	SkipRateLimited bool   `koanf:"skip_rate_limited"`
	Selection       string `koanf:"selection"`

	CustomPrompt       string `koanf:"custom_prompt"`
	CustomH            string `koanf:"custom_h"`
	CustomA            string `koanf:"custom_a"`
	CustomSystem       string `koanf:"custom_system"`
	ClaudeCodeClientID string `koanf:"claude_code_client_id"`

	Proxy       string `koanf:"proxy"`
	Fingerprint string `koanf:"fingerprint"`

	Cooldown       CooldownConfig `koanf:"cooldown"`
	Upstream       UpstreamConfig `koanf:"upstream"`
	VertexLocation string         `koanf:"vertex_location"`

	ModelAliases      []ModelAlias     `koanf:"model_aliases"`
	ReconcileSchedule string           `koanf:"reconcile_schedule"`
	Credentials       []CredentialSeed `koanf:"credentials"`
}

// ServerConfig HTTP 入口配置
type ServerConfig struct {
	Host          string  `koanf:"host"`
	Port          int     `koanf:"port"`
	Password      string  `koanf:"password"`
	AdminPassword string  `koanf:"admin_password"`
	RateLimit     float64 `koanf:"rate_limit"`
	RateBurst     int     `koanf:"rate_burst"`
}

// CooldownConfig 限流退避策略
type CooldownConfig struct {
	Mode string        `koanf:"mode"` // fixed | exponential
	Base time.Duration `koanf:"base"`
	Max  time.Duration `koanf:"max"`
}

// UpstreamConfig 各提供商的上游地址
type UpstreamConfig struct {
	ClaudeWeb  string `koanf:"claude_web"`
	ClaudeCode string `koanf:"claude_code"`
	Gemini     string `koanf:"gemini"`
	Vertex     string `koanf:"vertex"`
}

// ModelAlias maps a client-facing model name to the upstream one. A list is
// used instead of a map because model names contain the koanf delimiter.
type ModelAlias struct {
	Alias string `koanf:"alias"`
	Model string `koanf:"model"`
}

// CredentialSeed 配置文件中声明的凭证，启动及热加载时导入存储
type CredentialSeed struct {
	Kind   string   `koanf:"kind"`
	Secret string   `koanf:"secret"`
	OrgID  string   `koanf:"org_id"`
	Models []string `koanf:"models"`
}

const (
	CooldownFixed       = "fixed"
	CooldownExponential = "exponential"

	SelectionLRU       = "lru"
	SelectionFillFirst = "fill_first"
)

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8484,
			RateLimit: 10,
			RateBurst: 20,
		},
		Database:           "relay.db",
		LogLevel:           "info",
		LogMaxMB:           50,
		MaxRetries:         5,
		RequestTimeout:     10 * time.Minute,
		SkipNonPro:         true,
		SkipRestricted:     true,
		SkipRateLimited:    true,
		Selection:          SelectionLRU,
		CustomH:            "Human",
		CustomA:            "Assistant",
		ClaudeCodeClientID: "claude-cli",
		Cooldown: CooldownConfig{
			Mode: CooldownFixed,
			Base: 5 * time.Minute,
			Max:  5 * time.Hour,
		},
		Upstream: UpstreamConfig{
			ClaudeWeb:  "https://claude.ai",
			ClaudeCode: "https://api.anthropic.com",
			Gemini:     "https://generativelanguage.googleapis.com",
			Vertex:     "https://aiplatform.googleapis.com",
		},
		VertexLocation:    "us-central1",
		ReconcileSchedule: "@every 5m",
	}
}

// Load 读取配置：默认值 < YAML 文件 < 环境变量
// path 为空或文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值范围
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Cooldown.Mode {
	case CooldownFixed, CooldownExponential:
	default:
		return fmt.Errorf("cooldown.mode must be %q or %q, got %q", CooldownFixed, CooldownExponential, c.Cooldown.Mode)
	}
	if c.Cooldown.Base <= 0 {
		return errors.New("cooldown.base must be positive")
	}
	if c.Cooldown.Max < c.Cooldown.Base {
		c.Cooldown.Max = c.Cooldown.Base
	}
	switch c.Selection {
	case SelectionLRU, SelectionFillFirst:
	default:
		return fmt.Errorf("selection must be %q or %q, got %q", SelectionLRU, SelectionFillFirst, c.Selection)
	}
	switch n := len(c.SecretKey); n {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("secret_key must be 16, 24 or 32 bytes, got %d", n)
	}
	for i, a := range c.ModelAliases {
		if a.Alias == "" || a.Model == "" {
			return fmt.Errorf("model_aliases[%d]: alias and model are required", i)
		}
	}
	return nil
}

// Aliases 将别名列表转成查找表
func (c *Config) Aliases() map[string]string {
	m := make(map[string]string, len(c.ModelAliases))
	for _, a := range c.ModelAliases {
		m[a.Alias] = a.Model
	}
	return m
}

// Addr 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Holder 持有当前生效的配置，热加载时原子替换
type Holder struct {
	v atomic.Pointer[Config]
}

// NewHolder 创建配置持有者
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.v.Store(cfg)
	return h
}

// Current 返回当前配置快照，调用方不得修改
func (h *Holder) Current() *Config {
	return h.v.Load()
}

// Swap 替换配置并返回旧值
func (h *Holder) Swap(cfg *Config) *Config {
	return h.v.Swap(cfg)
}
