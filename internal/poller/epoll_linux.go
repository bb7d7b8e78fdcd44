//go:build linux

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// 事件掩码，对外屏蔽 epoll 常量
const (
	EventIn  = unix.EPOLLIN
	EventOut = unix.EPOLLOUT
	EventHup = unix.EPOLLHUP
	EventErr = unix.EPOLLERR
	// EventET 边沿触发
	EventET = unix.EPOLLET
)

// Epoll 边沿触发的事件多路分发器
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

// Event 一次就绪事件
type Event struct {
	FD     int
	Events uint32
}

// NewEpoll 创建 epoll 实例
func NewEpoll(maxEvents int) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Add 注册描述符
func (e *Epoll) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Mod 修改描述符的兴趣掩码
func (e *Epoll) Mod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Del 摘除描述符
func (e *Epoll) Del(fd int) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait 阻塞等待就绪事件，最多 timeoutMS 毫秒。
// EINTR 当作空结果返回，交给调用方的循环条件处理。
func (e *Epoll) Wait(timeoutMS int, out []Event) (int, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = Event{FD: int(e.events[i].Fd), Events: e.events[i].Events}
	}
	return n, nil
}

// Close 释放 epoll 实例
func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}
