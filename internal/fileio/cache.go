package fileio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// 文件缓存用于会话和端点文件等小文件的重复加载，
// 以 mtime 失效，按 TTL 和总字节数做周期性收缩。

type cachedFile struct {
	content   []byte
	mtime     time.Time
	size      int64
	lastCheck time.Time
}

// Cache 整文件读缓存
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*cachedFile
	totalSize   int64
	maxSize     int64
	ttl         time.Duration
	callCounter atomic.Uint32

	log *logrus.Entry
}

// Stats 缓存统计
type Stats struct {
	TotalEntries int
	TotalSize    int64
	MaxSize      int64
}

// NewCache 创建文件缓存
func NewCache(maxSize int64, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 16 * 1024 * 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		entries: make(map[string]*cachedFile),
		maxSize: maxSize,
		ttl:     ttl,
		log: logrus.WithFields(logrus.Fields{
			"component": "file_cache",
		}),
	}
}

// ReadFile 读取整个文件，命中且 mtime 未变时直接返回缓存内容。
// 返回的切片属于缓存，调用方不得修改。
func (c *Cache) ReadFile(filename string) ([]byte, error) {
	st, err := os.Stat(filename)
	if err != nil {
		c.mu.Lock()
		c.removeLocked(filename)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.entries[filename]; ok && e.mtime.Equal(st.ModTime()) && e.size == st.Size() {
		e.lastCheck = time.Now()
		content := e.content
		c.maybeMaintainLocked()
		c.mu.Unlock()
		return content, nil
	}
	c.mu.Unlock()

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.removeLocked(filename)
	c.entries[filename] = &cachedFile{
		content:   content,
		mtime:     st.ModTime(),
		size:      st.Size(),
		lastCheck: time.Now(),
	}
	c.totalSize += int64(len(content))
	c.maybeMaintainLocked()
	c.mu.Unlock()
	return content, nil
}

func (c *Cache) removeLocked(filename string) {
	if e, ok := c.entries[filename]; ok {
		c.totalSize -= int64(len(e.content))
		delete(c.entries, filename)
	}
}

// 每 10 次访问做一轮 TTL 过期和容量收缩
func (c *Cache) maybeMaintainLocked() {
	if c.callCounter.Add(1)%10 != 0 {
		return
	}
	now := time.Now()
	for name, e := range c.entries {
		if now.Sub(e.lastCheck) > c.ttl {
			c.totalSize -= int64(len(e.content))
			delete(c.entries, name)
		}
	}
	for c.totalSize > c.maxSize && len(c.entries) > 0 {
		var oldestName string
		var oldest time.Time
		for name, e := range c.entries {
			if oldestName == "" || e.lastCheck.Before(oldest) {
				oldestName = name
				oldest = e.lastCheck
			}
		}
		c.totalSize -= int64(len(c.entries[oldestName].content))
		delete(c.entries, oldestName)
	}
}

// GetStats 返回缓存统计
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalEntries: len(c.entries),
		TotalSize:    c.totalSize,
		MaxSize:      c.maxSize,
	}
}

// WriteFile 原子写整个文件：先写临时文件再重命名
func WriteFile(filename string, content []byte) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("重命名失败: %w", err)
	}
	return nil
}
