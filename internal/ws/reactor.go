package ws

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Udo/wasapi/internal/poller"
)

const (
	maxEvents     = 64
	readChunk     = 4096
	waitTimeoutMS = 1000
)

type loopState struct {
	ep       *poller.Epoll
	notifier *poller.Notifier
	listener *poller.Listener
}

// Serve 运行 WebSocket 反应堆直到 stop 置位并完成排空
func (e *Engine) Serve(stop *atomic.Bool) error {
	cfg := e.cfg.Get()

	listener, err := poller.Listen(cfg.WS.Port, cfg.WS.SocketPath, cfg.WS.Backlog)
	if err != nil {
		return fmt.Errorf("创建 WebSocket 监听失败: %w", err)
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
	e.loop = &loopState{ep: ep, notifier: notifier, listener: listener}
	defer e.teardown()

	et := uint32(poller.EventIn) | poller.EventET
	if err := ep.Add(listener.FD(), et); err != nil {
		return fmt.Errorf("注册监听描述符失败: %w", err)
	}
	if err := ep.Add(notifier.FD(), et); err != nil {
		return fmt.Errorf("注册唤醒描述符失败: %w", err)
	}

	e.log.Infof("WebSocket 服务监听 %s", listener.Addr())

	events := make([]poller.Event, maxEvents)
	var shutdownStart time.Time
	accepting := true

	for {
		if stop.Load() {
			if shutdownStart.IsZero() {
				shutdownStart = time.Now()
				ep.Del(listener.FD())
				accepting = false
				e.log.Info("停止接收新连接，排空在途消息")
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
			default:
				e.handleIO(fd, evs)
			}
		}
	}
	return nil
}

func (e *Engine) teardown() {
	for fd := range e.clients {
		poller.CloseFD(fd)
	}
	e.clients = make(map[int]*Client)
	e.loop.notifier.Close()
	e.loop.ep.Close()
	e.loop.listener.Close()
	e.loop = nil
	e.log.Info("WebSocket 反应堆已退出")
}

func (e *Engine) drained() bool {
	for _, c := range e.clients {
		if c.outPending() > 0 {
			return false
		}
	}
	e.pendingMu.Lock()
	n := len(e.pending)
	e.pendingMu.Unlock()
	return n == 0
}

func (e *Engine) handleAccept() {
	for {
		fd, err := e.loop.listener.Accept()
		if err != nil {
			e.log.Errorf("accept 失败: %v", err)
			return
		}
		if fd < 0 {
			return
		}
		c := newClient(fd)
		c.epollMask = uint32(poller.EventIn) | poller.EventET
		if err := e.loop.ep.Add(fd, c.epollMask); err != nil {
			e.log.Errorf("注册连接失败 fd=%d: %v", fd, err)
			poller.CloseFD(fd)
			continue
		}
		e.clients[fd] = c
		e.log.Debugf("接受连接 fd=%d", fd)
	}
}

func (e *Engine) handleIO(fd int, events uint32) {
	c, ok := e.clients[fd]
	if !ok {
		return
	}
	if events&(poller.EventHup|poller.EventErr) != 0 {
		c.closed.Store(true)
	}

	if events&poller.EventIn != 0 {
		e.readAll(c)
		if !c.closed.Load() {
			e.processInput(c)
		}
	}
	e.flushClient(c)

	if c.closed.Load() && c.outPending() == 0 {
		e.closeClient(fd)
	}
}

func (e *Engine) readAll(c *Client) {
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

// flushClient 排空发送缓冲，EAGAIN 保留游标并维持写兴趣
func (e *Engine) flushClient(c *Client) {
	for {
		remaining := c.outPending()
		if remaining == 0 {
			e.updateWriteInterest(c, false)
			if c.outPos != 0 {
				c.outBuf = c.outBuf[:0]
				c.outPos = 0
			}
			if c.closeAfterFlush {
				c.closed.Store(true)
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

func (e *Engine) updateWriteInterest(c *Client, want bool) {
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
}

func (e *Engine) closeClient(fd int) {
	if _, ok := e.clients[fd]; !ok {
		return
	}
	e.loop.ep.Del(fd)
	poller.CloseFD(fd)
	delete(e.clients, fd)
	e.log.Debugf("关闭连接 fd=%d", fd)
}
