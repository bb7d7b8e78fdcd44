//go:build linux

package poller

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Listener 非阻塞监听套接字，TCP 或 UNIX 域二选一
type Listener struct {
	fd       int
	unixPath string
	addr     string
}

// Listen 创建监听套接字。socketPath 非空时监听 UNIX 域套接字
//（先删除旧文件，权限 0777），否则监听 TCP 端口。
func Listen(port int, socketPath string, backlog int) (*Listener, error) {
	if socketPath != "" {
		return listenUnix(socketPath, backlog)
	}
	return listenTCP(port, backlog)
}

func listenTCP(port, backlog int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket inet: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind inet: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Listener{fd: fd, addr: fmt.Sprintf("tcp:%d", port)}, nil
}

func listenUnix(path string, backlog int) (*Listener, error) {
	os.Remove(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket unix: %w", err)
	}
	old := unix.Umask(0)
	sa := &unix.SockaddrUnix{Name: path}
	err = unix.Bind(fd, sa)
	unix.Umask(old)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind unix: %w", err)
	}
	// 权限修改失败不阻断启动
	_ = os.Chmod(path, 0777)
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Listener{fd: fd, unixPath: path, addr: path}, nil
}

// FD 监听描述符
func (l *Listener) FD() int { return l.fd }

// Addr 可读的监听地址
func (l *Listener) Addr() string { return l.addr }

// Accept 接受一个连接并设为非阻塞，没有等待连接时返回 (-1, nil)
func (l *Listener) Accept() (int, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil
		}
		return -1, err
	}
	return fd, nil
}

// Close 关闭监听套接字，UNIX 域时一并删除路径
func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	if l.unixPath != "" {
		os.Remove(l.unixPath)
	}
	return err
}
