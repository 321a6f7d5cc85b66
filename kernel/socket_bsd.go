//go:build darwin || freebsd

package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/encodeous/fibd/wire"
	xroute "golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

const DefaultBackend = BackendRtsock

func nativeLayout() *wire.RtsockLayout {
	if runtime.GOOS == "darwin" {
		return &wire.Darwin
	}
	return &wire.FreeBSD
}

type rtSocket struct {
	fd     int
	closed sync.Once
}

func openRouteSocket(write bool, rcvbuf int) (*rtSocket, error) {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return nil, fmt.Errorf("routing socket: %w", err)
	}
	unix.CloseOnExec(fd)
	s := &rtSocket{fd: fd}
	if write {
		// the write socket only reports errno, it never reads
		if err := unix.Shutdown(fd, unix.SHUT_RD); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("routing socket shutdown: %w", err)
		}
		return s, nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("routing socket nonblock: %w", err)
	}
	if rcvbuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("set receive buffer: %w", err)
		}
	}
	return s, nil
}

func (s *rtSocket) Send(b []byte) error {
	for {
		_, err := unix.Write(s.fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func (s *rtSocket) Recv(b []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, b)
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

func (s *rtSocket) Wait(ctx context.Context) error {
	return pollReadable(ctx, s.fd)
}

func (s *rtSocket) PortID() uint32 {
	return uint32(os.Getpid())
}

func (s *rtSocket) Close() error {
	var err error
	s.closed.Do(func() {
		err = unix.Close(s.fd)
	})
	return err
}

// sysctlDump reads interfaces, addresses and both routing tables.
func sysctlDump(layout *wire.RtsockLayout) ([]Notification, error) {
	var out []Notification
	for _, q := range []struct {
		af  int
		typ xroute.RIBType
	}{
		{unix.AF_UNSPEC, xroute.RIBTypeInterface},
		{unix.AF_INET, xroute.RIBTypeRoute},
		{unix.AF_INET6, xroute.RIBTypeRoute},
	} {
		b, err := xroute.FetchRIB(q.af, q.typ, 0)
		if err != nil {
			return nil, fmt.Errorf("fetch rib af=%d: %w", q.af, err)
		}
		notes, err := splitDump(layout, b)
		if err != nil {
			return nil, err
		}
		out = append(out, notes...)
	}
	return out, nil
}

func openRtsock(cfg Config) (Channel, error) {
	cmd, err := openRouteSocket(true, 0)
	if err != nil {
		return nil, err
	}
	listen, err := openRouteSocket(false, cfg.RcvBuf)
	if err != nil {
		_ = cmd.Close()
		return nil, err
	}
	layout := nativeLayout()
	cfg.logger().Debug("opened routing socket channel", "abi", layout.Name, "pid", os.Getpid())
	return NewRtsock(cmd, listen, layout, int32(os.Getpid()), sysctlDump, cfg), nil
}

func openNetlink(Config) (Channel, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, BackendNetlink)
}
