package kernel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"

	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"golang.org/x/sys/unix"
)

const (
	BackendNetlink = "netlink"
	BackendRtsock  = "rtsock"
)

var (
	// ErrWouldBlock is returned by a non-blocking Socket with nothing to read.
	ErrWouldBlock = errors.New("operation would block")
	// ErrChannelFailed marks a channel whose notification socket hit a fatal error.
	ErrChannelFailed = errors.New("kernel channel failed")
	// ErrNoReply is returned when a request's reply never arrives.
	ErrNoReply = errors.New("no reply from kernel")
	// ErrUnsupported is returned for a backend or operation this system lacks.
	ErrUnsupported = errors.New("backend not supported on this system")
)

// Channel is the daemon's connection to the kernel forwarding table.
// A Channel is owned by a single goroutine; only Wait may be called from another.
type Channel interface {
	// Route programs one route change and waits for the kernel to acknowledge it.
	Route(cmd wire.Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) error
	// Dump reads the current links, addresses and routes.
	Dump(ctx context.Context) ([]Notification, error)
	// Poll drains pending notifications without blocking.
	Poll() iter.Seq2[Notification, error]
	// Wait blocks until notifications are ready to be polled.
	Wait(ctx context.Context) error
	Backend() string
	Close() error
}

// Socket is a raw kernel socket. Recv on a non-blocking socket returns
// ErrWouldBlock when no data is queued.
type Socket interface {
	Send(b []byte) error
	Recv(b []byte) (int, error)
	Wait(ctx context.Context) error
	PortID() uint32
	Close() error
}

type Config struct {
	Backend  string
	Protocol uint8
	Groups   uint32
	RcvBuf   int
	Log      *slog.Logger
}

func (c *Config) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

type NotifyKind uint8

const (
	NotifyLink NotifyKind = iota + 1
	NotifyAddr
	NotifyRoute
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyLink:
		return "link"
	case NotifyAddr:
		return "addr"
	case NotifyRoute:
		return "route"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Notification is a decoded kernel change, from a dump or the notification socket.
type Notification struct {
	Kind    NotifyKind
	Delete  bool
	MsgType string
	Seq     uint32

	// link and address changes
	Ifindex uint32
	Name    string
	Up      bool
	Addr    netip.Addr

	// address and route changes
	Prefix netip.Prefix

	// route changes
	Entry    *route.Entry
	Protocol uint8
	Table    uint32
	// Own is set for routes carrying this daemon's protocol marker.
	Own bool
	// Ignored is set for routes the kernel manages itself, such as redirects
	// and local or broadcast entries.
	Ignored bool
}

func (n Notification) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", n.Kind.String()),
		slog.String("type", n.MsgType),
		slog.Bool("delete", n.Delete),
	}
	switch n.Kind {
	case NotifyLink:
		attrs = append(attrs, slog.Any("ifindex", n.Ifindex), slog.String("name", n.Name), slog.Bool("up", n.Up))
	case NotifyAddr:
		attrs = append(attrs, slog.Any("ifindex", n.Ifindex), slog.String("prefix", n.Prefix.String()))
	case NotifyRoute:
		attrs = append(attrs, slog.String("prefix", n.Prefix.String()), slog.Any("proto", n.Protocol), slog.Any("table", n.Table))
		if n.Entry != nil {
			attrs = append(attrs, slog.String("entry", n.Entry.String()))
		}
	}
	return slog.GroupValue(attrs...)
}

// Error is a kernel transaction failure that is not a tolerated race.
type Error struct {
	MsgType string
	Seq     uint32
	Prefix  netip.Prefix
	Errno   unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("kernel rejected %s seq %d for %s: %s", e.MsgType, e.Seq, e.Prefix, e.Errno.Error())
}

func (e *Error) Unwrap() error {
	return e.Errno
}

// benignRace reports whether errno means another actor got there first:
// deleting a route that is already gone, or adding one that already exists.
func benignRace(cmd wire.Cmd, errno unix.Errno) bool {
	switch cmd {
	case wire.CmdDelete:
		return errno == unix.ESRCH || errno == unix.ENODEV
	case wire.CmdAdd, wire.CmdReplace:
		return errno == unix.EEXIST
	}
	return false
}

// Open creates the channel for the configured backend, or the platform default.
func Open(cfg Config) (Channel, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = DefaultBackend
	}
	switch backend {
	case BackendNetlink:
		return openNetlink(cfg)
	case BackendRtsock:
		return openRtsock(cfg)
	}
	return nil, fmt.Errorf("unknown kernel backend %q", backend)
}
