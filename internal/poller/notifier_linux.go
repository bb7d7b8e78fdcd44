//go:build linux

package poller

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Notifier 跨线程唤醒原语。worker 写入累加一个 uint64，
// 反应堆读取即清空。每个反应堆恰好持有一个。
type Notifier struct {
	fd int
}

// NewNotifier 创建 eventfd
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Notifier{fd: fd}, nil
}

// FD 用于 epoll 注册
func (n *Notifier) FD() int { return n.fd }

// Signal 写 1 唤醒反应堆，尽力而为
func (n *Notifier) Signal() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(n.fd, buf[:])
}

// Drain 清空累计值
func (n *Notifier) Drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(n.fd, buf[:]); err != nil {
			return
		}
	}
}

// Close 关闭描述符
func (n *Notifier) Close() error {
	return unix.Close(n.fd)
}
