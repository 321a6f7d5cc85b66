//go:build linux

package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/encodeous/fibd/wire"
	"golang.org/x/sys/unix"
)

const DefaultBackend = BackendNetlink

type nlSocket struct {
	fd     int
	pid    uint32
	closed sync.Once
}

func openNetlinkSocket(groups uint32, rcvbuf int, nonblock bool) (*nlSocket, error) {
	typ := unix.SOCK_RAW | unix.SOCK_CLOEXEC
	if nonblock {
		typ |= unix.SOCK_NONBLOCK
	}
	fd, err := unix.Socket(unix.AF_NETLINK, typ, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if rcvbuf > 0 {
		// SO_RCVBUFFORCE needs CAP_NET_ADMIN; fall back to the capped option
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, rcvbuf); err != nil {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
				_ = unix.Close(fd)
				return nil, fmt.Errorf("set receive buffer: %w", err)
			}
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink getsockname: %w", err)
	}
	nl, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink getsockname: unexpected address %T", sa)
	}
	return &nlSocket{fd: fd, pid: nl.Pid}, nil
}

func (s *nlSocket) Send(b []byte) error {
	for {
		err := unix.Sendto(s.fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func (s *nlSocket) Recv(b []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(s.fd, b, 0)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (s *nlSocket) Wait(ctx context.Context) error {
	return pollReadable(ctx, s.fd)
}

func (s *nlSocket) PortID() uint32 {
	return s.pid
}

func (s *nlSocket) Close() error {
	var err error
	s.closed.Do(func() {
		err = unix.Close(s.fd)
	})
	return err
}

func openNetlink(cfg Config) (Channel, error) {
	groups := cfg.Groups
	if groups == 0 {
		groups = wire.DefaultGroups
	}
	// the command socket blocks for acknowledgements
	cmd, err := openNetlinkSocket(0, 0, false)
	if err != nil {
		return nil, err
	}
	listen, err := openNetlinkSocket(groups, cfg.RcvBuf, true)
	if err != nil {
		_ = cmd.Close()
		return nil, err
	}
	cfg.logger().Debug("opened netlink channel", "cmd_pid", cmd.pid, "listen_pid", listen.pid, "groups", fmt.Sprintf("%#x", groups))
	return NewNetlink(cmd, listen, cfg), nil
}

func openRtsock(Config) (Channel, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, BackendRtsock)
}
