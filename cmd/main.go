package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"llm-relay/config"
	"llm-relay/core"
	"llm-relay/core/adapter"
	"llm-relay/core/security"
	"llm-relay/models"
)

func main() {
	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// 创建日志器
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	// 🔇 关闭 Gin Debug 模式输出
	gin.SetMode(gin.ReleaseMode)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	setLogLevel(log, cfg.LogLevel)
	if cfg.Server.Password == "" {
		log.Warn("⚠️ server.password not set, relay endpoints accept any client")
	}

	var rotator *core.LogRotator
	if cfg.LogFile != "" {
		rotator, err = core.NewLogRotator(cfg.LogFile, cfg.LogMaxMB, core.DefaultLogBackups)
		if err != nil {
			log.Fatal("Failed to open log file: ", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	// 初始化数据库
	db, err := initDatabase(log, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	var secrets core.SecretProvider
	if cfg.SecretKey != "" {
		aes, err := security.NewAESSecretProvider(cfg.SecretKey)
		if err != nil {
			log.Fatal("Invalid secret_key: ", err)
		}
		secrets = aes
	} else {
		log.Warn("⚠️ secret_key not set, credentials are stored in plaintext")
		secrets = security.NewNoOpSecretProvider()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 凭证池
	store := core.NewGormStore(db, log, secrets)
	pool, err := core.NewPool(ctx, store, log, core.PoolOptionsFrom(cfg))
	if err != nil {
		log.Fatal("Failed to load credential pool: ", err)
	}
	importSeeds(ctx, pool, cfg.Credentials, log)

	clients, err := core.NewHTTPClientFactory(cfg.Proxy, cfg.Fingerprint)
	if err != nil {
		log.Fatal("Invalid proxy settings: ", err)
	}
	counter, err := adapter.NewTokenCounter()
	if err != nil {
		log.Fatal("Failed to load tokenizer: ", err)
	}

	metrics := core.NewMetrics(nil)
	go metrics.WatchPool(ctx, pool)
	dispatchLog := core.NewAsyncDispatchLogger(db, log)

	holder := config.NewHolder(cfg)
	dispatcher := core.NewDispatcher(pool, clients, holder, counter, log, metrics, dispatchLog)

	scheduler := core.NewMaintenanceScheduler(pool, metrics, log)
	if err := scheduler.Start(ctx, cfg.ReconcileSchedule); err != nil {
		log.Fatal("Failed to start scheduler: ", err)
	}

	limiter := NewIPRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	go limiter.Cleanup(ctx)

	// 配置热加载
	watcher := config.NewWatcher(configPath, holder, log)
	go func() {
		err := watcher.Watch(ctx, func(newCfg, oldCfg *config.Config) {
			setLogLevel(log, newCfg.LogLevel)
			pool.Configure(core.PoolOptionsFrom(newCfg))
			if newCfg.Proxy != oldCfg.Proxy || newCfg.Fingerprint != oldCfg.Fingerprint {
				if err := clients.Update(newCfg.Proxy, newCfg.Fingerprint); err != nil {
					log.Errorf("❌ Failed to apply proxy settings: %v", err)
				}
			}
			importSeeds(ctx, pool, newCfg.Credentials, log)
			if err := pool.Reconcile(ctx); err != nil {
				log.Errorf("❌ Reconcile after reload failed: %v", err)
			}
			if newCfg.ReconcileSchedule != oldCfg.ReconcileSchedule {
				if err := scheduler.Reschedule(ctx, newCfg.ReconcileSchedule); err != nil {
					log.Errorf("❌ %v", err)
				}
			}
			limiter.SetLimits(rate.Limit(newCfg.Server.RateLimit), newCfg.Server.RateBurst)
			if newCfg.Addr() != oldCfg.Addr() {
				log.Warn("⚠️ server.host/port changed, restart required")
			}
		})
		if err != nil {
			log.Errorf("❌ Config watcher stopped: %v", err)
		}
	}()

	// 创建Gin引擎
	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())
	engine.Use(requestIDMiddleware())

	srv := &server{
		holder:      holder,
		pool:        pool,
		dispatcher:  dispatcher,
		counter:     counter,
		dispatchLog: dispatchLog,
		metrics:     metrics,
		limiter:     limiter,
		logger:      log,
		startedAt:   time.Now(),
	}
	setupRoutes(engine, srv)

	// 流式响应可能持续数分钟，不设置 WriteTimeout
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// 启动服务器
	go func() {
		log.Infof("🚀 Starting LLM Relay on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// SIGHUP 轮转日志，SIGINT/SIGTERM 优雅关闭
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig != syscall.SIGHUP {
			break
		}
		if rotator == nil {
			continue
		}
		if err := rotator.Rotate(); err != nil {
			log.Errorf("❌ Log rotation failed: %v", err)
		} else {
			log.Info("🔄 Log file rotated")
		}
	}
	log.Info("Shutting down server...")

	// 设置超时以完成正在进行的请求
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	cancel()
	scheduler.Stop()
	dispatchLog.Close()
	pool.Close()
	log.Info("💀 Server exited")
	if rotator != nil {
		log.SetOutput(os.Stdout)
		rotator.Close()
	}
}

// initDatabase 初始化数据库
func initDatabase(log *logrus.Logger, path string) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 自动迁移
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Infof("Database initialized successfully (%s)", path)
	return db, nil
}

// importSeeds 导入配置文件中声明的凭证，已存在的跳过
func importSeeds(ctx context.Context, pool *core.Pool, seeds []config.CredentialSeed, log *logrus.Logger) {
	added := 0
	for i, seed := range seeds {
		kind, err := models.ParseProviderKind(seed.Kind)
		if err != nil {
			log.Warnf("⚠️ credentials[%d]: %v", i, err)
			continue
		}
		_, err = pool.Submit(ctx, models.Credential{
			Kind:   kind,
			Secret: seed.Secret,
			OrgID:  seed.OrgID,
			Models: seed.Models,
		})
		switch {
		case errors.Is(err, core.ErrCredentialExists):
		case err != nil:
			log.Warnf("⚠️ credentials[%d]: %v", i, err)
		default:
			added++
		}
	}
	if added > 0 {
		log.Infof("📊 Imported %d credential(s) from config", added)
	}
}

func setLogLevel(log *logrus.Logger, level string) {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("⚠️ Unknown log_level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}
