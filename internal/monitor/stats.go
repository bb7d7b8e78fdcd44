package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Udo/wasapi/internal/arena"
	"github.com/Udo/wasapi/internal/worker"
	"github.com/sirupsen/logrus"
)

// Stats 运行状态快照
type Stats struct {
	Uptime          float64 `json:"uptime_sec"`
	Goroutines      int     `json:"goroutines"`
	HeapAllocBytes  uint64  `json:"heap_alloc_bytes"`
	ArenasTotal     int     `json:"arenas_total"`
	ArenasAvailable int64   `json:"arenas_available"`
	WorkerQueue     int     `json:"worker_queue"`
	RequestsServed  int64   `json:"requests_served"`
}

// Monitor 周期性打印运行状态
type Monitor struct {
	arenas    *arena.Manager
	pool      *worker.Pool
	startTime time.Time
	served    atomic.Int64
	done      chan struct{}
	log       *logrus.Entry
}

// NewMonitor 创建监控器
func NewMonitor(arenas *arena.Manager, pool *worker.Pool) *Monitor {
	return &Monitor{
		arenas:    arenas,
		pool:      pool,
		startTime: time.Now(),
		done:      make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "monitor",
		}),
	}
}

// RecordRequest 累加已服务请求数，任意线程可调用
func (m *Monitor) RecordRequest() {
	m.served.Add(1)
}

// Snapshot 采集当前快照
func (m *Monitor) Snapshot() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Stats{
		Uptime:          time.Since(m.startTime).Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocBytes:  ms.HeapAlloc,
		ArenasTotal:     m.arenas.Count(),
		ArenasAvailable: m.arenas.Available(),
		WorkerQueue:     m.pool.QueueDepth(),
		RequestsServed:  m.served.Load(),
	}
}

// Start 每 interval 打印一次状态
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := m.Snapshot()
				m.log.Infof("运行状态 uptime=%.0fs goroutines=%d heap=%dKB arenas=%d/%d queue=%d served=%d",
					s.Uptime, s.Goroutines, s.HeapAllocBytes/1024,
					s.ArenasAvailable, s.ArenasTotal, s.WorkerQueue, s.RequestsServed)
			case <-m.done:
				return
			}
		}
	}()
}

// Stop 停止监控
func (m *Monitor) Stop() {
	close(m.done)
}
