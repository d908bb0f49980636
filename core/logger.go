package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"llm-relay/models"
)

// DefaultLogRetention 调度日志保留条数
const DefaultLogRetention = 1000

// AsyncDispatchLogger 异步调度日志记录器
type AsyncDispatchLogger struct {
	db        *gorm.DB
	logChan   chan *models.DispatchLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	retention int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncDispatchLogger 创建新的异步日志记录器
func NewAsyncDispatchLogger(db *gorm.DB, logger *logrus.Logger) *AsyncDispatchLogger {
	l := &AsyncDispatchLogger{
		db:        db,
		logChan:   make(chan *models.DispatchLog, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,             // 批量插入大小
		flushTime: 5 * time.Second, // 最长等待时间
		retention: DefaultLogRetention,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Log 提交日志到队列
func (l *AsyncDispatchLogger) Log(log *models.DispatchLog) {
	select {
	case l.logChan <- log:
	default:
		// 队列满了直接丢弃，不能阻塞请求
		l.logger.Warn("Log channel full, dropping dispatch log")
	}
}

// Recent 最近的调度日志，新的在前
func (l *AsyncDispatchLogger) Recent(limit int) ([]models.DispatchLog, error) {
	var logs []models.DispatchLog
	err := l.db.Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}

func (l *AsyncDispatchLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncDispatchLogger) workerLoop() {
	var batch []*models.DispatchLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case log := <-l.logChan:
			batch = append(batch, log)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前刷新剩余日志
		drain:
			for {
				select {
				case log := <-l.logChan:
					batch = append(batch, log)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

// flush 批量写入数据库并裁剪旧记录
func (l *AsyncDispatchLogger) flush(logs []*models.DispatchLog) {
	if len(logs) == 0 {
		return
	}

	l.logger.Debugf("[Logger] Flushing %d dispatch logs to DB...", len(logs))

	// 1. 批量插入
	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[Logger] Failed to flush logs: %v", err)
		return
	}

	// 2. 只保留最新的 retention 条
	var pivotID uint
	l.db.Model(&models.DispatchLog{}).Select("id").Order("id desc").Offset(l.retention).Limit(1).Scan(&pivotID)
	if pivotID > 0 {
		l.db.Where("id <= ?", pivotID).Delete(&models.DispatchLog{})
	}
}

// Close 关闭日志记录器并写完队列中的日志
func (l *AsyncDispatchLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
