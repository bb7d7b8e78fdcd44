package config

import "sync/atomic"

// Store 配置的原子快照容器。反应堆和 worker 每次操作读取
// 当前快照，热加载通过 Swap 整体替换，读取方永远看到一致的配置。
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore 创建配置容器
func NewStore(c *Config) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Get 返回当前配置快照，调用方不得修改
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Swap 替换配置快照
func (s *Store) Swap(c *Config) {
	s.current.Store(c)
}
