package wire

import (
	"fmt"
	"iter"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// rtnetlink message types, see <linux/rtnetlink.h>
const (
	MsgNewLink  netlink.HeaderType = 16
	MsgDelLink  netlink.HeaderType = 17
	MsgGetLink  netlink.HeaderType = 18
	MsgNewAddr  netlink.HeaderType = 20
	MsgDelAddr  netlink.HeaderType = 21
	MsgGetAddr  netlink.HeaderType = 22
	MsgNewRoute netlink.HeaderType = 24
	MsgDelRoute netlink.HeaderType = 25
	MsgGetRoute netlink.HeaderType = 26
)

// multicast groups, see RTMGRP_* in <linux/rtnetlink.h>
const (
	GroupLink       uint32 = 0x1
	GroupIPv4Ifaddr uint32 = 0x10
	GroupIPv4Route  uint32 = 0x40
	GroupIPv6Ifaddr uint32 = 0x100
	GroupIPv6Route  uint32 = 0x400

	DefaultGroups = GroupLink | GroupIPv4Ifaddr | GroupIPv4Route | GroupIPv6Ifaddr | GroupIPv6Route
)

// route protocols (rtm_protocol)
const (
	ProtoUnspec   uint8 = 0
	ProtoRedirect uint8 = 1
	ProtoKernel   uint8 = 2
	ProtoBoot     uint8 = 3
	ProtoStatic   uint8 = 4
	ProtoZebra    uint8 = 11
)

// address families as the kernel numbers them
const (
	afUnspec uint8 = 0
	afInet   uint8 = 2
	afInet6  uint8 = 10
)

const (
	headerLen = 16
	alignTo   = 4
)

func align(n int) int {
	return (n + alignTo - 1) &^ (alignTo - 1)
}

var msgNames = map[netlink.HeaderType]string{
	netlink.Noop:    "NLMSG_NOOP",
	netlink.Error:   "NLMSG_ERROR",
	netlink.Done:    "NLMSG_DONE",
	netlink.Overrun: "NLMSG_OVERRUN",
	MsgNewLink:      "RTM_NEWLINK",
	MsgDelLink:      "RTM_DELLINK",
	MsgGetLink:      "RTM_GETLINK",
	MsgNewAddr:      "RTM_NEWADDR",
	MsgDelAddr:      "RTM_DELADDR",
	MsgGetAddr:      "RTM_GETADDR",
	MsgNewRoute:     "RTM_NEWROUTE",
	MsgDelRoute:     "RTM_DELROUTE",
	MsgGetRoute:     "RTM_GETROUTE",
}

// MsgTypeName returns the kernel name of a netlink message type, for logging.
func MsgTypeName(t netlink.HeaderType) string {
	if name, ok := msgNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RTM_%d", uint16(t))
}

// Split walks a datagram that may hold several netlink messages. Each message
// is yielded with an owned copy of its payload. A header that overruns the
// datagram ends the walk with an error, since later boundaries are unknowable.
func Split(b []byte) iter.Seq2[netlink.Message, error] {
	return func(yield func(netlink.Message, error) bool) {
		off := 0
		for len(b)-off >= headerLen {
			c := newCursor(b[off:], nlenc.NativeEndian())
			h := netlink.Header{
				Length:   c.u32("nlmsg_len"),
				Type:     netlink.HeaderType(c.u16("nlmsg_type")),
				Flags:    netlink.HeaderFlags(c.u16("nlmsg_flags")),
				Sequence: c.u32("nlmsg_seq"),
				PID:      c.u32("nlmsg_pid"),
			}
			if h.Length < headerLen || int(h.Length) > len(b)-off {
				yield(netlink.Message{}, malformed("nlmsg_len out of range", off))
				return
			}
			data := make([]byte, int(h.Length)-headerLen)
			copy(data, b[off+headerLen:off+int(h.Length)])
			if !yield(netlink.Message{Header: h, Data: data}, nil) {
				return
			}
			off += align(int(h.Length))
		}
		if off < len(b) && len(b)-off < headerLen && !allZero(b[off:]) {
			yield(netlink.Message{}, malformed("trailing bytes after last message", off))
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// marshal frames body behind a netlink header. The header length is filled in.
func marshal(h netlink.Header, body []byte) ([]byte, error) {
	body = pad(body)
	h.Length = uint32(headerLen + len(body))
	return netlink.Message{Header: h, Data: body}.MarshalBinary()
}

func pad(b []byte) []byte {
	if n := align(len(b)); n != len(b) {
		b = append(b, make([]byte, n-len(b))...)
	}
	return b
}

// Ack is the body of an NLMSG_ERROR reply. Errno is zero for a plain acknowledgement.
type Ack struct {
	Errno    int32
	Original netlink.Header
}

// DecodeAck decodes the payload of an NLMSG_ERROR message. The kernel reports
// failures as a negative errno; Errno holds the positive value.
func DecodeAck(data []byte) (*Ack, error) {
	c := newCursor(data, nlenc.NativeEndian())
	code := c.i32("nlmsgerr.error")
	a := &Ack{Errno: -code}
	if c.remaining() >= headerLen {
		a.Original = netlink.Header{
			Length:   c.u32("nlmsgerr.msg.len"),
			Type:     netlink.HeaderType(c.u16("nlmsgerr.msg.type")),
			Flags:    netlink.HeaderFlags(c.u16("nlmsgerr.msg.flags")),
			Sequence: c.u32("nlmsgerr.msg.seq"),
			PID:      c.u32("nlmsgerr.msg.pid"),
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return a, nil
}

// EncodeAck builds an NLMSG_ERROR message acknowledging orig with errno.
func EncodeAck(orig netlink.Header, pid uint32, errno int32) ([]byte, error) {
	body := make([]byte, 4+headerLen)
	ne := nlenc.NativeEndian()
	ne.PutUint32(body[0:4], uint32(-errno))
	ne.PutUint32(body[4:8], orig.Length)
	ne.PutUint16(body[8:10], uint16(orig.Type))
	ne.PutUint16(body[10:12], uint16(orig.Flags))
	ne.PutUint32(body[12:16], orig.Sequence)
	ne.PutUint32(body[16:20], orig.PID)
	return marshal(netlink.Header{
		Type:     netlink.Error,
		Sequence: orig.Sequence,
		PID:      pid,
	}, body)
}

// EncodeDone builds the NLMSG_DONE terminator of a multipart reply.
func EncodeDone(seq, pid uint32) ([]byte, error) {
	return marshal(netlink.Header{
		Type:     netlink.Done,
		Flags:    netlink.Multi,
		Sequence: seq,
		PID:      pid,
	}, make([]byte, 4))
}

// DumpRequest builds an RTM_GET* dump request for the given family (0 for all).
func DumpRequest(t netlink.HeaderType, family uint8, seq uint32) ([]byte, error) {
	var body []byte
	switch t {
	case MsgGetLink:
		body = make([]byte, ifinfoLen)
	case MsgGetAddr:
		body = make([]byte, ifaddrLen)
	case MsgGetRoute:
		body = make([]byte, rtmsgLen)
	default:
		return nil, fmt.Errorf("%s is not a dump request", MsgTypeName(t))
	}
	body[0] = family
	return marshal(netlink.Header{
		Type:     t,
		Flags:    netlink.Request | netlink.Dump,
		Sequence: seq,
	}, body)
}

// attrTable tracks attributes that fit a fixed per-family table. Types above
// the table are skipped; more in-table attributes than slots is ErrTruncated.
type attrTable struct {
	name  string
	max   uint16
	count int
}

func (t *attrTable) admit(typ uint16, off int) (bool, error) {
	if typ == 0 || typ > t.max {
		return false, nil
	}
	t.count++
	if t.count > int(t.max)+1 {
		return false, truncated(t.name+" attribute table", off)
	}
	return true, nil
}

func familyWidth(family uint8) (int, bool) {
	switch family {
	case afInet:
		return 4, true
	case afInet6:
		return 16, true
	}
	return 0, false
}
