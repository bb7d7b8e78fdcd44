package worker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Task 不透明的工作闭包
type Task func()

// Pool 有界工作池：N 个 goroutine 从互斥锁加条件变量保护的
// FIFO 队列取任务执行。本层不做优先级和超时，超时由反应堆
// 的定期巡检负责。
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	stopping bool
	running  bool
	wg       sync.WaitGroup

	log *logrus.Entry
}

// NewPool 创建工作池，需要调用 Start 才会开始执行任务
func NewPool() *Pool {
	p := &Pool{
		log: logrus.WithFields(logrus.Fields{
			"component": "worker_pool",
		}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start 启动 n 个工作 goroutine，重复调用无效果
func (p *Pool) Start(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || n <= 0 {
		return
	}
	p.stopping = false
	p.running = true
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
	p.log.Debugf("工作池已启动 workers=%d", n)
}

// Enqueue 入队任务，仅在 Shutdown 之后返回 false
func (p *Pool) Enqueue(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return true
}

// QueueDepth 当前排队任务数，监控用
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown 停止接收新任务，唤醒并等待所有工作 goroutine 退出，
// 丢弃尚未执行的任务
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()

	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.running = false
	p.mu.Unlock()
	if dropped > 0 {
		p.log.Warnf("关闭时丢弃 %d 个排队任务", dropped)
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.stopping && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if p.stopping {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		if t != nil {
			t()
		}
	}
}
