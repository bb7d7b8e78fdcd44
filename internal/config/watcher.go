package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// 热加载只接管运行期可安全变更的键：请求上限、超时、上传清理
// 策略、会话配置和处理器配置。监听地址、竞技场数量等启动期尺寸不动。
func applyReloadable(dst, src *Config) {
	dst.Limits.MaxParamsBytes = src.Limits.MaxParamsBytes
	dst.Limits.MaxStdinBytes = src.Limits.MaxStdinBytes
	dst.Limits.MaxRequestTime = src.Limits.MaxRequestTime
	dst.Upload = src.Upload
	dst.Session = src.Session
	dst.Handler = src.Handler
}

// Watcher 监视配置文件变更并热加载
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *logrus.Entry
}

// NewWatcher 创建配置文件监视器
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:   store,
		watcher: fw,
		done:    make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "config_watcher",
		}),
	}, nil
}

// Start 开始监视。监视目录而非文件本身，编辑器原子替换时
// 文件级 watch 会丢失。
func (w *Watcher) Start() error {
	cfg := w.store.Get()
	if cfg.ConfigFile == "" {
		return nil
	}
	dir := filepath.Dir(cfg.ConfigFile)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.loop(cfg.ConfigFile)
	w.log.Infof("监视配置文件 %s", cfg.ConfigFile)
	return nil
}

func (w *Watcher) loop(path string) {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// 编辑器常产生连续多个事件，合并 200ms 内的变更
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				w.reload(path)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("配置监视错误: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload(path string) {
	fresh, err := Load(path)
	if err != nil {
		w.log.Errorf("热加载配置失败，保留旧配置: %v", err)
		return
	}
	next := *w.store.Get()
	applyReloadable(&next, fresh)
	w.store.Swap(&next)
	w.log.Infof("配置已热加载: %s", path)
}

// Stop 停止监视
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}
