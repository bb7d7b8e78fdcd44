//go:build linux

package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Ticker 定期巡检定时器，基于 timerfd，到期由 epoll 通知
type Ticker struct {
	fd int
}

// NewTicker 创建周期定时器
func NewTicker(interval time.Duration) (*Ticker, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("timerfd_settime: %w", err)
	}
	return &Ticker{fd: fd}, nil
}

// FD 用于 epoll 注册
func (t *Ticker) FD() int { return t.fd }

// Drain 一次读取吃掉所有到期计数
func (t *Ticker) Drain() {
	var buf [8]byte
	unix.Read(t.fd, buf[:])
}

// Close 关闭描述符
func (t *Ticker) Close() error {
	return unix.Close(t.fd)
}
