package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenTCP4 binds an IPv4 listener with SO_REUSEADDR set, matching the
// quick-restart behaviour clients rely on between sessions. Pass "0" to
// let the kernel pick the port; the chosen port is returned.
func listenTCP4(port string) (net.Listener, int, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp4", ":"+port)
	if err != nil {
		return nil, 0, err
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// setSendBuffer requests the given send buffer size and reads back what
// the kernel actually granted.
func setSendBuffer(tc *net.TCPConn, size int) (int, error) {
	if err := tc.SetWriteBuffer(size); err != nil {
		return 0, fmt.Errorf("set send buffer: %w", err)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var got int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		got, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, err
	}
	return got, sockErr
}

// writeAll pushes the whole buffer through the connection.
func writeAll(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
