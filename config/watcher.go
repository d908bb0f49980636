package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher 监听配置文件变化，去抖后重新加载并回调
// 监听所在目录而不是文件本身，编辑器的原子替换（rename）也能被捕获
type Watcher struct {
	path     string
	holder   *Holder
	logger   *logrus.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher 创建配置监听器
func NewWatcher(path string, holder *Holder, logger *logrus.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		holder:   holder,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
}

// Watch blocks until ctx is done. onReload receives the new and previous
// config after the holder has been swapped; a file that fails to load or
// validate keeps the previous config active.
func (w *Watcher) Watch(ctx context.Context, onReload func(newCfg, oldCfg *Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Infof("👀 Watching config file %s", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("config watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.trigger(func() { w.reload(onReload) })
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("config watcher errors channel closed")
			}
			w.logger.Errorf("Config watcher error: %v", err)
		}
	}
}

// Reload 立即重新加载一次（也供管理接口手动触发）
func (w *Watcher) Reload(onReload func(newCfg, oldCfg *Config)) error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	old := w.holder.Swap(cfg)
	if onReload != nil {
		onReload(cfg, old)
	}
	return nil
}

func (w *Watcher) reload(onReload func(newCfg, oldCfg *Config)) {
	if err := w.Reload(onReload); err != nil {
		w.logger.Errorf("❌ Config reload failed, keeping previous config: %v", err)
		return
	}
	w.logger.Info("🔄 Config reloaded")
}

func (w *Watcher) trigger(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, fn)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
