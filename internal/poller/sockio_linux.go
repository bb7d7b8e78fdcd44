//go:build linux

package poller

import "golang.org/x/sys/unix"

// Recv 非阻塞读。返回 (n, eof, again, err)：
// eof 表示对端关闭，again 表示本轮数据已读尽。
func Recv(fd int, buf []byte) (int, bool, bool, error) {
	n, err := unix.Read(fd, buf)
	if n > 0 {
		return n, false, false, nil
	}
	if n == 0 && err == nil {
		return 0, true, false, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, false, true, nil
	}
	if err == unix.EINTR {
		return 0, false, false, nil
	}
	return 0, false, false, err
}

// Send 非阻塞写。返回 (n, again, err)
func Send(fd int, buf []byte) (int, bool, error) {
	n, err := unix.Write(fd, buf)
	if n > 0 {
		return n, false, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, true, nil
	}
	if err == unix.EINTR {
		return 0, false, nil
	}
	return 0, false, err
}

// CloseFD 关闭连接描述符
func CloseFD(fd int) {
	unix.Close(fd)
}
