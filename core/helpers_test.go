package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"llm-relay/core/security"
	"llm-relay/models"
)

// newTestDB 每个测试独立的内存数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T) *GormStore {
	return NewGormStore(newTestDB(t), newTestLogger(), security.NewNoOpSecretProvider())
}

// seedCredential 直接写入存储
func seedCredential(t *testing.T, store CredentialStore, kind models.ProviderKind, secret string, health models.Health) models.Credential {
	t.Helper()
	cred := models.NewCredential(kind, secret)
	cred.Health = health
	require.NoError(t, store.Save(context.Background(), cred))
	return cred
}

func newTestPool(t *testing.T, store CredentialStore, opts PoolOptions) *Pool {
	t.Helper()
	if opts.Cooldown.Base == 0 {
		opts.Cooldown = CooldownPolicy{Base: time.Minute, Max: time.Hour}
	}
	pool, err := NewPool(context.Background(), store, newTestLogger(), opts)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memoryRecorder 收集调度日志
type memoryRecorder struct {
	mu   sync.Mutex
	logs []*models.DispatchLog
}

func (r *memoryRecorder) Log(log *models.DispatchLog) {
	r.mu.Lock()
	r.logs = append(r.logs, log)
	r.mu.Unlock()
}

func (r *memoryRecorder) Last() *models.DispatchLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.logs) == 0 {
		return nil
	}
	return r.logs[len(r.logs)-1]
}
