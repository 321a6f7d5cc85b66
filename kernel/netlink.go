package kernel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"time"

	"github.com/encodeous/fibd/perf"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"github.com/mdlayher/netlink"
)

const recvBufSize = 1 << 16

// Netlink is a Channel over two NETLINK_ROUTE sockets: a command socket for
// requests and a listener subscribed to change notifications.
type Netlink struct {
	cmd    Socket
	listen Socket
	proto  uint8
	seq    uint32
	log    *slog.Logger
	buf    []byte
	failed error
}

// NewNetlink builds a channel over already opened sockets.
func NewNetlink(cmd, listen Socket, cfg Config) *Netlink {
	proto := cfg.Protocol
	if proto == 0 {
		proto = wire.ProtoZebra
	}
	return &Netlink{
		cmd:    cmd,
		listen: listen,
		proto:  proto,
		seq:    uint32(time.Now().Unix()),
		log:    cfg.logger().With("backend", BackendNetlink),
		buf:    make([]byte, recvBufSize),
	}
}

func (n *Netlink) Backend() string {
	return BackendNetlink
}

func (n *Netlink) nextSeq() uint32 {
	n.seq++
	return n.seq
}

// request sends b and reads the command socket until the request finishes.
// There is no timeout: a kernel that never answers is a liveness bug.
func (n *Netlink) request(b []byte, seq uint32, typ netlink.HeaderType) (*request, error) {
	req := &request{seq: seq, pid: n.cmd.PortID(), typ: typ}
	if err := n.cmd.Send(b); err != nil {
		return nil, fmt.Errorf("send %s: %w", wire.MsgTypeName(typ), err)
	}
	for !req.finished() {
		cnt, err := n.cmd.Recv(n.buf)
		if errors.Is(err, ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %s seq %d", ErrNoReply, wire.MsgTypeName(typ), seq)
		}
		if err != nil {
			return nil, fmt.Errorf("recv %s: %w", wire.MsgTypeName(typ), err)
		}
		for msg, err := range wire.Split(n.buf[:cnt]) {
			if err != nil {
				perf.MalformedMessages.Add(1)
				n.log.Warn("dropping malformed reply", "type", wire.MsgTypeName(typ), "seq", seq, "error", err)
				break
			}
			ours, err := req.handle(msg)
			if err != nil {
				perf.MalformedMessages.Add(1)
				n.log.Warn("dropping malformed ack", "seq", seq, "error", err)
				continue
			}
			if !ours {
				n.log.Debug("skipping reply for another request", "type", wire.MsgTypeName(msg.Header.Type), "seq", msg.Header.Sequence, "want", seq)
				continue
			}
			if req.finished() {
				break
			}
		}
	}
	return req, nil
}

func (n *Netlink) Route(cmd wire.Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) error {
	seq := n.nextSeq()
	msg := wire.BuildRoute(cmd, prefix, e, install, wire.RouteOptions{
		Protocol: n.proto,
		Flags:    netlink.Acknowledge,
		Seq:      seq,
	})
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	name := wire.MsgTypeName(msg.Header.Type)
	start := time.Now()
	perf.KernelRequests.Add(1)
	req, err := n.request(b, seq, msg.Header.Type)
	perf.KernelLatency.Add(float64(time.Since(start).Microseconds()))
	if err != nil {
		perf.KernelErrors.Add(1)
		n.log.Error("kernel request failed", "type", name, "seq", seq, "prefix", prefix, "error", err)
		return err
	}
	if req.state != stateError {
		n.log.Debug("kernel request acknowledged", "type", name, "seq", seq, "prefix", prefix, "cmd", cmd)
		return nil
	}
	if benignRace(cmd, req.errno) {
		perf.KernelRaces.Add(1)
		n.log.Debug("kernel race tolerated", "type", name, "seq", seq, "prefix", prefix, "errno", req.errno.Error())
		return nil
	}
	perf.KernelErrors.Add(1)
	kerr := &Error{MsgType: name, Seq: seq, Prefix: prefix, Errno: req.errno}
	n.log.Error("kernel rejected request", "type", name, "seq", seq, "prefix", prefix, "errno", req.errno.Error())
	return kerr
}

func (n *Netlink) Dump(ctx context.Context) ([]Notification, error) {
	var out []Notification
	for _, typ := range []netlink.HeaderType{wire.MsgGetLink, wire.MsgGetAddr, wire.MsgGetRoute} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seq := n.nextSeq()
		b, err := wire.DumpRequest(typ, 0, seq)
		if err != nil {
			return nil, err
		}
		req, err := n.request(b, seq, typ)
		if err != nil {
			return nil, err
		}
		if req.state == stateError {
			return nil, &Error{MsgType: wire.MsgTypeName(typ), Seq: seq, Errno: req.errno}
		}
		for _, msg := range req.replies {
			note, ok, err := n.decode(msg)
			if err != nil {
				perf.MalformedMessages.Add(1)
				n.log.Warn("dropping malformed dump entry", "type", wire.MsgTypeName(msg.Header.Type), "seq", msg.Header.Sequence, "error", err)
				continue
			}
			if ok {
				out = append(out, note)
			}
		}
		n.log.Debug("dump complete", "type", wire.MsgTypeName(typ), "entries", len(req.replies))
	}
	return out, nil
}

func (n *Netlink) Poll() iter.Seq2[Notification, error] {
	return func(yield func(Notification, error) bool) {
		for {
			if n.failed != nil {
				yield(Notification{}, n.failed)
				return
			}
			cnt, err := n.listen.Recv(n.buf)
			if errors.Is(err, ErrWouldBlock) {
				return
			}
			if err != nil {
				n.failed = fmt.Errorf("%w: %w", ErrChannelFailed, err)
				n.log.Error("notification socket failed", "error", err)
				_ = n.listen.Close()
				continue
			}
			for msg, err := range wire.Split(n.buf[:cnt]) {
				if err != nil {
					perf.MalformedMessages.Add(1)
					n.log.Warn("dropping malformed notification", "error", err)
					break
				}
				if n.fromSelf(msg.Header) {
					n.log.Debug("dropping own notification", "type", wire.MsgTypeName(msg.Header.Type), "seq", msg.Header.Sequence)
					continue
				}
				note, ok, err := n.decode(msg)
				if err != nil {
					perf.MalformedMessages.Add(1)
					n.log.Warn("dropping malformed notification", "type", wire.MsgTypeName(msg.Header.Type), "seq", msg.Header.Sequence, "error", err)
					continue
				}
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
}

// fromSelf reports whether a notification echoes one of our own requests.
// Address changes are tagged with the sender's port id but must still be processed.
func (n *Netlink) fromSelf(h netlink.Header) bool {
	if h.PID == 0 || h.PID != n.cmd.PortID() {
		return false
	}
	return h.Type != wire.MsgNewAddr && h.Type != wire.MsgDelAddr
}

func (n *Netlink) decode(msg netlink.Message) (Notification, bool, error) {
	note := Notification{MsgType: wire.MsgTypeName(msg.Header.Type), Seq: msg.Header.Sequence}
	switch msg.Header.Type {
	case wire.MsgNewLink, wire.MsgDelLink:
		m, err := wire.DecodeLink(msg)
		if err != nil {
			return note, false, err
		}
		note.Kind = NotifyLink
		note.Delete = msg.Header.Type == wire.MsgDelLink
		note.Ifindex = m.Index
		note.Name = m.Name
		note.Up = m.Up()
	case wire.MsgNewAddr, wire.MsgDelAddr:
		m, err := wire.DecodeAddr(msg)
		if err != nil {
			return note, false, err
		}
		note.Kind = NotifyAddr
		note.Delete = msg.Header.Type == wire.MsgDelAddr
		note.Ifindex = m.Index
		note.Prefix = m.Prefix()
		note.Addr = m.Addr()
	case wire.MsgNewRoute, wire.MsgDelRoute:
		m, err := wire.DecodeRoute(msg)
		if err != nil {
			return note, false, err
		}
		note.Kind = NotifyRoute
		note.Delete = msg.Header.Type == wire.MsgDelRoute
		note.Prefix = m.Prefix()
		note.Entry = m.Entry()
		note.Protocol = m.Protocol
		note.Table = m.Table
		note.Own = m.Protocol == n.proto
		note.Ignored = m.Protocol == wire.ProtoKernel || m.Protocol == wire.ProtoRedirect ||
			(m.Type != wire.RouteUnicast && m.Type != wire.RouteBlackhole &&
				m.Type != wire.RouteUnreachable && m.Type != wire.RouteProhibit)
	default:
		return note, false, nil
	}
	return note, true, nil
}

// Wait blocks until the listener is readable.
func (n *Netlink) Wait(ctx context.Context) error {
	return n.listen.Wait(ctx)
}

func (n *Netlink) Close() error {
	return errors.Join(n.cmd.Close(), n.listen.Close())
}
