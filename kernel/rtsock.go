package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"time"

	"github.com/encodeous/fibd/perf"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"golang.org/x/sys/unix"
)

// Rtsock is a Channel over BSD routing sockets. The routing socket has no
// separate acknowledgement: the errno of the write is the kernel's answer.
type Rtsock struct {
	cmd    Socket
	listen Socket
	layout *wire.RtsockLayout
	pid    int32
	seq    int32
	dump   func(layout *wire.RtsockLayout) ([]Notification, error)
	log    *slog.Logger
	buf    []byte
	failed error
}

// NewRtsock builds a channel over already opened sockets. dump reads the
// routing table through sysctl, since the routing socket cannot.
func NewRtsock(cmd, listen Socket, layout *wire.RtsockLayout, pid int32, dump func(*wire.RtsockLayout) ([]Notification, error), cfg Config) *Rtsock {
	return &Rtsock{
		cmd:    cmd,
		listen: listen,
		layout: layout,
		pid:    pid,
		seq:    int32(time.Now().Unix() & 0x7fffffff),
		dump:   dump,
		log:    cfg.logger().With("backend", BackendRtsock, "abi", layout.Name),
		buf:    make([]byte, recvBufSize),
	}
}

func (r *Rtsock) Backend() string {
	return BackendRtsock
}

func (r *Rtsock) Route(cmd wire.Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) error {
	err := r.write(cmd, prefix, e, install)
	var kerr *Error
	if cmd == wire.CmdReplace && errors.As(err, &kerr) && kerr.Errno == unix.ESRCH {
		// RTM_CHANGE only modifies existing routes
		return r.write(wire.CmdAdd, prefix, e, install)
	}
	return err
}

func (r *Rtsock) write(cmd wire.Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) error {
	r.seq++
	seq := r.seq
	b, err := r.layout.EncodeRoute(cmd, seq, prefix, e, install)
	if err != nil {
		return err
	}
	name := wire.RtmTypeName(b[3])
	start := time.Now()
	perf.KernelRequests.Add(1)
	err = r.cmd.Send(b)
	perf.KernelLatency.Add(float64(time.Since(start).Microseconds()))
	if err == nil {
		r.log.Debug("kernel request acknowledged", "type", name, "seq", seq, "prefix", prefix, "cmd", cmd)
		return nil
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		perf.KernelErrors.Add(1)
		r.log.Error("kernel request failed", "type", name, "seq", seq, "prefix", prefix, "error", err)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if benignRace(cmd, errno) {
		perf.KernelRaces.Add(1)
		r.log.Debug("kernel race tolerated", "type", name, "seq", seq, "prefix", prefix, "errno", errno.Error())
		return nil
	}
	if cmd == wire.CmdReplace && errno == unix.ESRCH {
		return &Error{MsgType: name, Seq: uint32(seq), Prefix: prefix, Errno: errno}
	}
	perf.KernelErrors.Add(1)
	r.log.Error("kernel rejected request", "type", name, "seq", seq, "prefix", prefix, "errno", errno.Error())
	return &Error{MsgType: name, Seq: uint32(seq), Prefix: prefix, Errno: errno}
}

func (r *Rtsock) Dump(ctx context.Context) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.dump == nil {
		return nil, fmt.Errorf("%w: routing table dump", ErrUnsupported)
	}
	return r.dump(r.layout)
}

func (r *Rtsock) Poll() iter.Seq2[Notification, error] {
	return func(yield func(Notification, error) bool) {
		for {
			if r.failed != nil {
				yield(Notification{}, r.failed)
				return
			}
			cnt, err := r.listen.Recv(r.buf)
			if errors.Is(err, ErrWouldBlock) {
				return
			}
			if err != nil {
				r.failed = fmt.Errorf("%w: %w", ErrChannelFailed, err)
				r.log.Error("notification socket failed", "error", err)
				_ = r.listen.Close()
				continue
			}
			msg, err := r.layout.Parse(r.buf[:cnt])
			if err != nil {
				perf.MalformedMessages.Add(1)
				r.log.Warn("dropping malformed notification", "error", err)
				continue
			}
			note, ok := convertRtsock(msg, r.pid)
			if !ok {
				continue
			}
			perf.KernelNotifications.Add(1)
			if !yield(note, nil) {
				return
			}
		}
	}
}

// convertRtsock maps a parsed message to a Notification. Route messages sent
// by pid, failed requests and RTM_GET replies are dropped.
func convertRtsock(msg wire.RtsockMessage, pid int32) (Notification, bool) {
	switch m := msg.(type) {
	case *wire.RtsockRoute:
		if m.Type == wire.RtmGet || m.PID == pid || m.Errno != 0 {
			return Notification{}, false
		}
		return routeNotification(m), true
	case *wire.RtsockAddr:
		return Notification{
			Kind:    NotifyAddr,
			MsgType: wire.RtmTypeName(m.Type),
			Delete:  m.Type == wire.RtmDelAddr,
			Ifindex: uint32(m.Index),
			Prefix:  m.Prefix(),
			Addr:    m.Addr,
		}, true
	case *wire.RtsockLink:
		return Notification{
			Kind:    NotifyLink,
			MsgType: wire.RtmTypeName(m.Type),
			Ifindex: uint32(m.Index),
			Up:      m.Up(),
		}, true
	}
	return Notification{}, false
}

func routeNotification(m *wire.RtsockRoute) Notification {
	return Notification{
		Kind:    NotifyRoute,
		MsgType: wire.RtmTypeName(m.Type),
		Seq:     uint32(m.Seq),
		Delete:  m.Type == wire.RtmDelete,
		Prefix:  m.Dst,
		Entry:   m.Entry(),
		Table:   route.MainTable,
		Own:     m.Flags&wire.RtfProto1 != 0,
		// cloned, redirect and interface routes belong to the kernel
		Ignored: m.Flags&wire.RtfDynamic != 0 || (m.Flags&wire.RtfStatic == 0 && m.Flags&wire.RtfGateway == 0),
	}
}

// splitDump decodes a sysctl table dump, a run of length-prefixed messages.
// Route entries in a dump carry RTM_GET and are reported as additions.
func splitDump(layout *wire.RtsockLayout, b []byte) ([]Notification, error) {
	var out []Notification
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: trailing %d bytes in table dump", wire.ErrMalformed, len(b))
		}
		n := int(binary.NativeEndian.Uint16(b[0:2]))
		if n < 4 || n > len(b) {
			return nil, fmt.Errorf("%w: dump message length %d exceeds %d remaining", wire.ErrMalformed, n, len(b))
		}
		msg, err := layout.Parse(b[:n])
		b = b[n:]
		if err != nil {
			perf.MalformedMessages.Add(1)
			continue
		}
		if rt, ok := msg.(*wire.RtsockRoute); ok && rt.Type == wire.RtmGet {
			if rt.Errno == 0 {
				note := routeNotification(rt)
				note.MsgType = wire.RtmTypeName(wire.RtmAdd)
				out = append(out, note)
			}
			continue
		}
		if note, ok := convertRtsock(msg, 0); ok {
			out = append(out, note)
		}
	}
	return out, nil
}

func (r *Rtsock) Wait(ctx context.Context) error {
	return r.listen.Wait(ctx)
}

func (r *Rtsock) Close() error {
	return errors.Join(r.cmd.Close(), r.listen.Close())
}
