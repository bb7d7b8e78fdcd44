package fcgi

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Udo/wasapi/internal/poller"
	"github.com/Udo/wasapi/internal/request"
)

const (
	maxEvents            = 64
	readChunk            = 4096
	housekeepingInterval = 100 * time.Millisecond
	waitTimeoutMS        = 1000
)

type loopState struct {
	ep           *poller.Epoll
	notifier     *poller.Notifier
	ticker       *poller.Ticker
	listener     *poller.Listener
	acceptPaused bool
}

// Notifier 返回引擎的唤醒描述符，竞技场归还观察者用它
// 把恢复逻辑送回 IO 线程
func (e *Engine) Notifier() *poller.Notifier {
	if e.loop == nil {
		return nil
	}
	return e.loop.notifier
}

// Serve 运行 FastCGI 反应堆直到 stop 置位并完成排空。
// 监听失败等启动错误直接返回。
func (e *Engine) Serve(stop *atomic.Bool) error {
	cfg := e.cfg.Get()

	listener, err := poller.Listen(cfg.FastCGI.Port, cfg.FastCGI.SocketPath, cfg.FastCGI.Backlog)
	if err != nil {
		return fmt.Errorf("创建 FastCGI 监听失败: %w", err)
	}
	ep, err := poller.NewEpoll(maxEvents)
	if err != nil {
		listener.Close()
		return err
	}
	notifier, err := poller.NewNotifier()
	if err != nil {
		listener.Close()
		ep.Close()
		return err
	}
	ticker, err := poller.NewTicker(housekeepingInterval)
	if err != nil {
		listener.Close()
		ep.Close()
		notifier.Close()
		return err
	}
	e.loop = &loopState{
		ep:       ep,
		notifier: notifier,
		ticker:   ticker,
		listener: listener,
	}
	defer e.teardown()

	et := uint32(poller.EventIn) | poller.EventET
	if err := ep.Add(listener.FD(), et); err != nil {
		return fmt.Errorf("注册监听描述符失败: %w", err)
	}
	if err := ep.Add(notifier.FD(), et); err != nil {
		return fmt.Errorf("注册唤醒描述符失败: %w", err)
	}
	if err := ep.Add(ticker.FD(), et); err != nil {
		return fmt.Errorf("注册定时描述符失败: %w", err)
	}

	e.log.Infof("FastCGI 服务监听 %s", listener.Addr())

	events := make([]poller.Event, maxEvents)
	var shutdownStart time.Time
	accepting := true

	for {
		if stop.Load() {
			if shutdownStart.IsZero() {
				shutdownStart = time.Now()
				if accepting && !e.loop.acceptPaused {
					ep.Del(listener.FD())
				}
				accepting = false
				e.log.Info("停止接收新连接，排空在途请求")
			}
			elapsed := time.Since(shutdownStart)
			budget := time.Duration(e.cfg.Get().Shutdown.GracefulTimeoutMS) * time.Millisecond
			if e.drained() || elapsed > budget {
				break
			}
		}

		n, err := ep.Wait(waitTimeoutMS, events)
		if err != nil {
			e.log.Errorf("epoll_wait 失败: %v", err)
			break
		}
		for i := 0; i < n; i++ {
			fd := events[i].FD
			evs := events[i].Events
			switch fd {
			case listener.FD():
				if accepting {
					e.handleAccept()
				}
			case notifier.FD():
				notifier.Drain()
				e.processPending()
				e.flushDirty()
				if e.loop.acceptPaused && accepting && e.arenas.Available() > 0 {
					e.resumeAccept()
				}
				e.processWaitingConns()
				e.drainCloseQueue()
			case ticker.FD():
				ticker.Drain()
				e.housekeeping()
			default:
				e.handleIO(fd, evs)
			}
		}
	}
	return nil
}

func (e *Engine) teardown() {
	for fd, c := range e.conns {
		e.cleanupConnRequests(c)
		poller.CloseFD(fd)
	}
	e.conns = make(map[int]*Conn)
	e.loop.ticker.Close()
	e.loop.notifier.Close()
	e.loop.ep.Close()
	e.loop.listener.Close()
	e.loop = nil
	e.log.Info("FastCGI 反应堆已退出")
}

// drained 停机排空判定：没有在途请求、worker 和未发送数据
func (e *Engine) drained() bool {
	for _, c := range e.conns {
		if len(c.requests) > 0 || c.activeWorkers.Load() > 0 || c.outPending() > 0 {
			return false
		}
	}
	return true
}

// handleAccept 接受新连接。竞技场耗尽时暂停 accept，
// 保证不接下服务不了的连接。
func (e *Engine) handleAccept() {
	if e.arenas.Available() == 0 {
		e.pauseAccept()
		return
	}
	for {
		fd, err := e.loop.listener.Accept()
		if err != nil {
			e.log.Errorf("accept 失败: %v", err)
			return
		}
		if fd < 0 {
			return
		}
		c := newConn(fd)
		c.epollMask = uint32(poller.EventIn) | poller.EventET
		if err := e.loop.ep.Add(fd, c.epollMask); err != nil {
			e.log.Errorf("注册连接失败 fd=%d: %v", fd, err)
			poller.CloseFD(fd)
			continue
		}
		e.conns[fd] = c
		e.log.Debugf("接受连接 fd=%d", fd)
		if e.arenas.Available() == 0 {
			e.pauseAccept()
			return
		}
	}
}

func (e *Engine) pauseAccept() {
	if e.loop.acceptPaused {
		return
	}
	if err := e.loop.ep.Del(e.loop.listener.FD()); err != nil {
		e.log.Errorf("摘除监听描述符失败: %v", err)
	} else {
		e.log.Debug("竞技场耗尽，暂停 accept")
	}
	e.loop.acceptPaused = true
}

func (e *Engine) resumeAccept() {
	if !e.loop.acceptPaused {
		return
	}
	et := uint32(poller.EventIn) | poller.EventET
	if err := e.loop.ep.Add(e.loop.listener.FD(), et); err != nil {
		e.log.Errorf("恢复监听描述符失败: %v", err)
	} else {
		e.log.Debug("恢复 accept")
	}
	e.loop.acceptPaused = false
}

// processWaitingConns 竞技场归还后重新驱动等待中的连接
func (e *Engine) processWaitingConns() {
	budget := e.arenas.Available()
	if budget <= 0 || len(e.waitingConns) == 0 {
		return
	}
	initial := len(e.waitingConns)
	for i := 0; i < initial && budget > 0 && len(e.waitingConns) > 0; i++ {
		fd := e.waitingConns[0]
		e.waitingConns = e.waitingConns[1:]
		c, ok := e.conns[fd]
		if !ok || c.closed.Load() {
			continue
		}
		wasWaiting := c.waitingForArena
		e.processConn(c)
		if wasWaiting && !c.waitingForArena {
			budget--
			e.flushConn(c)
		} else if c.waitingForArena {
			e.waitingConns = append(e.waitingConns, fd)
		}
	}
}

// processConn 对连接跑一遍记录解析
func (e *Engine) processConn(c *Conn) {
	if c.closed.Load() {
		return
	}
	if !e.processBuffer(c) {
		c.closed.Store(true)
	}
}

// handleIO 单个连接的就绪事件处理
func (e *Engine) handleIO(fd int, events uint32) {
	c, ok := e.conns[fd]
	if !ok {
		return
	}
	if events&(poller.EventHup|poller.EventErr) != 0 {
		c.closed.Store(true)
	}

	if events&poller.EventIn != 0 {
		e.readAll(c)
		prevWait := c.waitingForArena
		e.processConn(c)
		if !prevWait && c.waitingForArena {
			e.waitingConns = append(e.waitingConns, fd)
		}
		e.flushConn(c)
	}
	if events&poller.EventOut != 0 {
		e.flushConn(c)
	}

	e.sweepRequests(c)

	if e.shouldCloseConn(c) {
		e.closeQueue = append(e.closeQueue, fd)
	}
	e.drainCloseQueue()
}

func (e *Engine) readAll(c *Conn) {
	var buf [readChunk]byte
	for {
		n, eof, again, err := poller.Recv(c.fd, buf[:])
		if n > 0 {
			c.inBuf = append(c.inBuf, buf[:n]...)
			continue
		}
		if again {
			return
		}
		if eof {
			c.closed.Store(true)
			return
		}
		if err != nil {
			e.log.Errorf("recv 失败 fd=%d: %v", c.fd, err)
			c.closed.Store(true)
			return
		}
	}
}

// flushDirty 待发列表消化后立刻尝试把新数据发出去
func (e *Engine) flushDirty() {
	for _, c := range e.conns {
		if c.outPending() > 0 {
			e.flushConn(c)
		}
	}
}

// flushConn 边沿触发式排空发送缓冲：发完关写兴趣，
// EAGAIN 保留游标开写兴趣，出错标记关闭
func (e *Engine) flushConn(c *Conn) {
	for {
		remaining := c.outPending()
		if remaining == 0 {
			e.updateWriteInterest(c, false)
			if c.outPos != 0 {
				c.outBuf = c.outBuf[:0]
				c.outPos = 0
			}
			if e.shouldCloseConn(c) {
				e.closeQueue = append(e.closeQueue, c.fd)
			}
			return
		}
		n, again, err := poller.Send(c.fd, c.outBuf[c.outPos:])
		if n > 0 {
			c.outPos += n
			continue
		}
		if again {
			e.updateWriteInterest(c, true)
			return
		}
		if err != nil {
			e.log.Errorf("send 失败 fd=%d: %v", c.fd, err)
			c.closed.Store(true)
			return
		}
	}
}

func (e *Engine) updateWriteInterest(c *Conn, want bool) {
	if e.loop == nil {
		return
	}
	base := uint32(poller.EventIn) | poller.EventET
	desired := base
	if want {
		desired |= uint32(poller.EventOut)
	}
	if desired == c.epollMask {
		return
	}
	if err := e.loop.ep.Mod(c.fd, desired); err != nil {
		e.log.Errorf("修改兴趣掩码失败 fd=%d: %v", c.fd, err)
		return
	}
	c.epollMask = desired
	c.wantWrite = want
}

func (e *Engine) drainCloseQueue() {
	if len(e.closeQueue) == 0 {
		return
	}
	local := e.closeQueue
	e.closeQueue = nil
	for _, fd := range local {
		if c, ok := e.conns[fd]; ok && e.shouldCloseConn(c) {
			e.closeConn(fd, "idle")
		}
	}
}

func (e *Engine) closeConn(fd int, reason string) {
	c, ok := e.conns[fd]
	if !ok {
		return
	}
	e.cleanupConnRequests(c)
	if e.loop != nil {
		e.loop.ep.Del(fd)
	}
	poller.CloseFD(fd)
	delete(e.conns, fd)
	e.log.Debugf("关闭连接 fd=%d (%s)", fd, reason)
}

// cleanupConnRequests 连接关闭时终结并归还所有请求
func (e *Engine) cleanupConnRequests(c *Conn) {
	for id, r := range c.requests {
		if r == nil {
			continue
		}
		if !r.Has(request.Responded) {
			e.finalizeRequest(r)
		}
		delete(c.requests, id)
		e.releaseRequest(r)
	}
}
