package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// MaintenanceScheduler 定时与存储对账并输出凭证池摘要
// 冷却到期仍由 Select 懒惰处理，这里不做过期清理
type MaintenanceScheduler struct {
	pool    *Pool
	metrics *Metrics
	logger  *logrus.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool
}

// NewMaintenanceScheduler 创建维护任务调度器
func NewMaintenanceScheduler(pool *Pool, metrics *Metrics, logger *logrus.Logger) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		pool:    pool,
		metrics: metrics,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start 按 cron 表达式（支持 @every 5m）启动；表达式为空时不启动
func (s *MaintenanceScheduler) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule == "" {
		s.logger.Info("Reconcile schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}

	id, err := s.cron.AddFunc(schedule, func() { s.RunOnce(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.running = true
	s.logger.Infof("⏰ Maintenance scheduler started (%s)", schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Reschedule 配置热加载后替换调度表达式
func (s *MaintenanceScheduler) Reschedule(ctx context.Context, schedule string) error {
	if _, err := cron.ParseStandard(schedule); schedule != "" && err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	s.mu.Lock()
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
	if schedule == "" {
		s.mu.Unlock()
		return nil
	}
	id, err := s.cron.AddFunc(schedule, func() { s.RunOnce(ctx) })
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to schedule reconcile: %w", err)
	}
	s.entryID = id
	if !s.running {
		s.cron.Start()
		s.running = true
	}
	s.mu.Unlock()
	return nil
}

// RunOnce 执行一次对账并输出摘要
func (s *MaintenanceScheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.pool.Reconcile(ctx); err != nil {
		s.logger.Errorf("❌ Scheduled reconcile failed: %v", err)
	}
	stats := s.pool.Stats()
	s.metrics.ObservePool(stats)
	s.logger.Info("📊 Pool summary: " + summarize(stats))
}

// Stop 停止调度并等待正在运行的任务结束
func (s *MaintenanceScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

func summarize(stats []PoolStat) string {
	if len(stats) == 0 {
		return "empty"
	}
	parts := make([]string, 0, len(stats))
	for _, st := range stats {
		parts = append(parts, fmt.Sprintf("%s/%s=%d(in_flight=%d)", st.Kind, st.State, st.Count, st.InFlight))
	}
	return strings.Join(parts, " ")
}
