package arena

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Arena 定长的 bump 分配器。分配只移动游标，释放时整体重置，
// 单个竞技场同一时刻只借给一个请求使用。
type Arena struct {
	data   []byte
	offset int
	slot   int // 在管理器里的槽位编号
}

func newArena(capacity, slot int) *Arena {
	return &Arena{data: make([]byte, capacity), slot: slot}
}

// Alloc 按对齐要求分配 size 字节，空间不足时返回 nil 且不产生副作用
func (a *Arena) Alloc(size, align int) []byte {
	if size < 0 || align <= 0 {
		return nil
	}
	off := a.offset
	if rem := off % align; rem != 0 {
		off += align - rem
	}
	if off+size > len(a.data) {
		return nil
	}
	a.offset = off + size
	return a.data[off : off+size : off+size]
}

// AllocCopy 分配并拷贝 src，失败返回 nil
func (a *Arena) AllocCopy(src []byte) []byte {
	buf := a.Alloc(len(src), 1)
	if buf == nil {
		return nil
	}
	copy(buf, src)
	return buf
}

// Reset 游标归零，此前分配出去的所有切片立即失效
func (a *Arena) Reset() {
	a.offset = 0
}

// Len 当前已分配字节数
func (a *Arena) Len() int { return a.offset }

// Cap 总容量
func (a *Arena) Cap() int { return len(a.data) }

// Remaining 剩余可分配字节数
func (a *Arena) Remaining() int { return len(a.data) - a.offset }

// Slot 管理器槽位编号
func (a *Arena) Slot() int { return a.slot }

// ReleaseObserver 在竞技场归还后被调用，用于恢复 accept 和重新驱动
// 等待中的连接。回调在持有管理器锁之外执行。
type ReleaseObserver func()

// Manager 固定数量竞技场的池。耗尽即背压信号：暂停 accept、
// 停止消费记录，归还时再恢复，从不向客户端报错。
type Manager struct {
	mu        sync.Mutex
	arenas    []*Arena
	inUse     []bool
	observers []ReleaseObserver

	available atomic.Int64

	log *logrus.Entry
}

// NewManager 创建 count 个容量为 capacity 字节的竞技场
func NewManager(count, capacity int) *Manager {
	m := &Manager{
		arenas: make([]*Arena, count),
		inUse:  make([]bool, count),
		log: logrus.WithFields(logrus.Fields{
			"component": "arena_manager",
		}),
	}
	for i := range m.arenas {
		m.arenas[i] = newArena(capacity, i)
	}
	m.available.Store(int64(count))
	return m
}

// Available 空闲竞技场数量，反应堆无锁观测用
func (m *Manager) Available() int64 {
	return m.available.Load()
}

// Count 竞技场总数
func (m *Manager) Count() int {
	return len(m.arenas)
}

// Get 取一个空闲竞技场，全部占用时返回 nil。
// 返回的竞技场游标已归零。
func (m *Manager) Get() *Arena {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, used := range m.inUse {
		if !used {
			m.inUse[i] = true
			m.available.Add(-1)
			return m.arenas[i]
		}
	}
	return nil
}

// Release 归还竞技场：重置、标记空闲、递增计数，然后触发观察者
func (m *Manager) Release(a *Arena) {
	if a == nil {
		return
	}
	m.mu.Lock()
	if a.slot < 0 || a.slot >= len(m.inUse) || !m.inUse[a.slot] {
		m.mu.Unlock()
		m.log.Errorf("释放未占用的竞技场 slot=%d", a.slot)
		return
	}
	a.Reset()
	m.inUse[a.slot] = false
	m.available.Add(1)
	obs := m.observers
	m.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

// OnRelease 注册归还观察者。注册须在反应堆启动前完成。
func (m *Manager) OnRelease(fn ReleaseObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}
