package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultLogBackups 默认保留的历史日志数量
const DefaultLogBackups = 3

// LogRotator 按大小轮转的日志文件写入器
// relay.log -> relay.log.1 -> relay.log.2 ... 超出 backups 的最旧文件被删除
type LogRotator struct {
	filename string
	maxSize  int64
	backups  int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewLogRotator 创建轮转写入器，maxSizeMB <= 0 表示不轮转
func NewLogRotator(filename string, maxSizeMB, backups int) (*LogRotator, error) {
	if backups < 1 {
		backups = 1
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) << 20,
		backups:  backups,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) open() error {
	f, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write 实现 io.Writer，写满时先轮转再写入
func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.maxSize > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotateLocked(); err != nil {
			// 轮转失败时继续写当前文件，日志不能丢
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate 立即轮转（例如收到 SIGHUP）
func (r *LogRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	return r.rotateLocked()
}

func (r *LogRotator) rotateLocked() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	// 从最旧的开始依次后移
	os.Remove(r.backupName(r.backups))
	for i := r.backups - 1; i >= 1; i-- {
		if _, err := os.Stat(r.backupName(i)); err == nil {
			os.Rename(r.backupName(i), r.backupName(i+1))
		}
	}
	renameErr := os.Rename(r.filename, r.backupName(1))

	// 无论重命名是否成功都要重新打开，保证后续写入可用
	if err := r.open(); err != nil {
		return err
	}
	return renameErr
}

func (r *LogRotator) backupName(i int) string {
	return fmt.Sprintf("%s.%d", r.filename, i)
}

// Close 关闭文件
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
