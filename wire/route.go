package wire

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/encodeous/fibd/route"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// rtattr types, see <linux/rtnetlink.h>
const (
	rtaDst       uint16 = 1
	rtaSrc       uint16 = 2
	rtaIif       uint16 = 3
	rtaOif       uint16 = 4
	rtaGateway   uint16 = 5
	rtaPriority  uint16 = 6
	rtaPrefSrc   uint16 = 7
	rtaMetrics   uint16 = 8
	rtaMultipath uint16 = 9
	rtaFlow      uint16 = 11
	rtaTable     uint16 = 15
	rtaMark      uint16 = 16
	rtaMax       uint16 = 30
)

// route types (rtm_type)
const (
	RouteUnicast     uint8 = 1
	RouteLocal       uint8 = 2
	RouteBroadcast   uint8 = 3
	RouteMulticast   uint8 = 5
	RouteBlackhole   uint8 = 6
	RouteUnreachable uint8 = 7
	RouteProhibit    uint8 = 8
)

const (
	ScopeUniverse uint8 = 0
	ScopeLink     uint8 = 253
	ScopeHost     uint8 = 254
	ScopeNowhere  uint8 = 255
)

// rtnh_flags
const (
	NexthopDead      uint8 = 0x1
	NexthopPervasive uint8 = 0x2
	NexthopOnlink    uint8 = 0x4
	NexthopOffload   uint8 = 0x8
	NexthopLinkdown  uint8 = 0x10
)

const (
	rtmsgLen     = 12
	rtnexthopLen = 8
	tableUnspec  = 0
	tableCompat  = 252
)

// Cmd is the kernel operation a route message performs.
type Cmd uint8

const (
	CmdAdd Cmd = iota + 1
	CmdReplace
	CmdDelete
)

func (c Cmd) String() string {
	switch c {
	case CmdAdd:
		return "add"
	case CmdReplace:
		return "replace"
	case CmdDelete:
		return "delete"
	}
	return fmt.Sprintf("cmd(%d)", uint8(c))
}

// RouteNexthop is one rtnexthop record of an RTA_MULTIPATH attribute.
type RouteNexthop struct {
	Flags   uint8
	Hops    uint8
	Ifindex uint32
	Gateway netip.Addr
}

// RouteMsg is a decoded RTM_NEWROUTE / RTM_DELROUTE message.
type RouteMsg struct {
	Header    netlink.Header
	Family    route.Family
	DstLen    uint8
	SrcLen    uint8
	Tos       uint8
	Table     uint32
	Protocol  uint8
	Scope     uint8
	Type      uint8
	Flags     uint32
	Dst       netip.Addr
	Gateway   netip.Addr
	Oif       uint32
	PrefSrc   netip.Addr
	Priority  uint32
	Multipath []RouteNexthop
}

// RouteOptions carries the header fields a caller controls when building a message.
type RouteOptions struct {
	Protocol uint8
	Flags    netlink.HeaderFlags
	Seq      uint32
	PID      uint32
}

// BuildRoute renders a route change as a netlink message. install is the
// resolved set of concrete nexthops to program; nexthops not in it are ignored.
// A delete with no install set carries only the prefix.
func BuildRoute(cmd Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop, opts RouteOptions) *RouteMsg {
	prefix = prefix.Masked()
	m := &RouteMsg{
		Header: netlink.Header{
			Flags:    netlink.Request | opts.Flags,
			Sequence: opts.Seq,
			PID:      opts.PID,
		},
		Family:   route.FamilyOf(prefix),
		DstLen:   uint8(prefix.Bits()),
		Table:    route.MainTable,
		Protocol: opts.Protocol,
		Scope:    ScopeUniverse,
		Type:     RouteUnicast,
		Dst:      prefix.Addr(),
	}
	switch cmd {
	case CmdAdd:
		m.Header.Type = MsgNewRoute
		m.Header.Flags |= netlink.Create
	case CmdReplace:
		m.Header.Type = MsgNewRoute
		m.Header.Flags |= netlink.Create | netlink.Replace
	case CmdDelete:
		m.Header.Type = MsgDelRoute
		m.Scope = ScopeNowhere
	}
	if e == nil {
		return m
	}
	if e.Table != 0 {
		m.Table = e.Table
	}
	m.Priority = e.Metric

	switch {
	case e.Flags&route.FlagBlackhole != 0:
		m.Type = RouteBlackhole
		return m
	case e.Flags&route.FlagReject != 0:
		m.Type = RouteUnreachable
		return m
	}

	nhs := make([]route.Nexthop, 0, len(install))
	for _, nh := range install {
		if nh.Kind == route.KindBlackhole {
			m.Type = RouteBlackhole
			return m
		}
		nhs = append(nhs, nh)
	}
	for _, nh := range nhs {
		if nh.Src.IsValid() {
			m.PrefSrc = nh.Src
			break
		}
	}
	switch len(nhs) {
	case 0:
	case 1:
		nh := nhs[0]
		m.Gateway = nh.Gateway
		m.Oif = nh.Ifindex
		if nh.Flags&route.NhOnlink != 0 {
			m.Flags |= uint32(NexthopOnlink)
		}
		if !nh.Gateway.IsValid() && cmd != CmdDelete {
			m.Scope = ScopeLink
		}
	default:
		m.Multipath = make([]RouteNexthop, 0, len(nhs))
		for _, nh := range nhs {
			rnh := RouteNexthop{Ifindex: nh.Ifindex, Gateway: nh.Gateway}
			if nh.Weight > 0 {
				rnh.Hops = nh.Weight - 1
			}
			if nh.Flags&route.NhOnlink != 0 {
				rnh.Flags |= NexthopOnlink
			}
			m.Multipath = append(m.Multipath, rnh)
		}
	}
	return m
}

// Prefix returns the destination of the route.
func (m *RouteMsg) Prefix() netip.Prefix {
	dst := m.Dst
	if !dst.IsValid() {
		if m.Family == route.FamilyV4 {
			dst = netip.IPv4Unspecified()
		} else {
			dst = netip.IPv6Unspecified()
		}
	}
	return netip.PrefixFrom(dst, int(m.DstLen)).Masked()
}

// Nexthops converts the wire nexthops to the RIB representation. The
// preferred source, carried once per message, is attached to every nexthop.
func (m *RouteMsg) Nexthops() []route.Nexthop {
	switch m.Type {
	case RouteBlackhole, RouteUnreachable, RouteProhibit:
		return []route.Nexthop{route.BlackholeNexthop()}
	}
	var nhs []route.Nexthop
	if len(m.Multipath) > 0 {
		nhs = make([]route.Nexthop, 0, len(m.Multipath))
		for _, rnh := range m.Multipath {
			nh := wireNexthop(rnh.Gateway, rnh.Ifindex, rnh.Flags)
			nh.Weight = rnh.Hops + 1
			nhs = append(nhs, nh)
		}
	} else if m.Gateway.IsValid() || m.Oif != 0 {
		nhs = []route.Nexthop{wireNexthop(m.Gateway, m.Oif, uint8(m.Flags))}
	}
	for i := range nhs {
		nhs[i].Src = m.PrefSrc
	}
	return nhs
}

func wireNexthop(gw netip.Addr, ifindex uint32, flags uint8) route.Nexthop {
	var nh route.Nexthop
	if gw.IsValid() {
		nh = route.GatewayNexthop(gw, ifindex)
	} else {
		nh = route.IfindexNexthop(ifindex)
	}
	if flags&NexthopOnlink != 0 {
		nh.Flags |= route.NhOnlink
	}
	return nh
}

// Entry converts a kernel route to a RIB entry of type Kernel.
func (m *RouteMsg) Entry() *route.Entry {
	e := &route.Entry{
		Type:     route.Kernel,
		Table:    m.Table,
		Metric:   m.Priority,
		Nexthops: m.Nexthops(),
	}
	switch m.Type {
	case RouteBlackhole:
		e.Flags |= route.FlagBlackhole
	case RouteUnreachable, RouteProhibit:
		e.Flags |= route.FlagReject
	}
	return e
}

// Marshal encodes the message, header included.
func (m *RouteMsg) Marshal() ([]byte, error) {
	width := m.Family.Width()
	ae := netlink.NewAttributeEncoder()
	addr := func(typ uint16, a netip.Addr) error {
		if !a.IsValid() {
			return nil
		}
		if a.BitLen()/8 != width {
			return fmt.Errorf("route %s: attribute %d has %d byte address, message family needs %d", m.Prefix(), typ, a.BitLen()/8, width)
		}
		ae.Bytes(typ, a.AsSlice())
		return nil
	}

	if err := addr(rtaDst, m.Dst); err != nil {
		return nil, err
	}
	if m.Table >= 256 {
		ae.Uint32(rtaTable, m.Table)
	}
	if m.Priority != 0 {
		ae.Uint32(rtaPriority, m.Priority)
	}
	if err := addr(rtaPrefSrc, m.PrefSrc); err != nil {
		return nil, err
	}
	if err := addr(rtaGateway, m.Gateway); err != nil {
		return nil, err
	}
	if m.Oif != 0 {
		ae.Uint32(rtaOif, m.Oif)
	}
	if len(m.Multipath) > 0 {
		for _, rnh := range m.Multipath {
			if rnh.Gateway.IsValid() && rnh.Gateway.BitLen()/8 != width {
				return nil, fmt.Errorf("route %s: multipath gateway %s does not match family", m.Prefix(), rnh.Gateway)
			}
		}
		ae.Do(rtaMultipath, m.encodeMultipath)
	}
	attrs, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode route attributes: %w", err)
	}

	body := make([]byte, rtmsgLen, rtmsgLen+len(attrs))
	body[0] = familyByte(m.Family)
	body[1] = m.DstLen
	body[2] = m.SrcLen
	body[3] = m.Tos
	if m.Table < 256 {
		body[4] = uint8(m.Table)
	} else {
		body[4] = tableUnspec
	}
	body[5] = m.Protocol
	body[6] = m.Scope
	body[7] = m.Type
	nlenc.PutUint32(body[8:12], m.Flags)
	body = append(body, attrs...)
	return marshal(m.Header, body)
}

func (m *RouteMsg) encodeMultipath() ([]byte, error) {
	var out []byte
	for _, rnh := range m.Multipath {
		nested := netlink.NewAttributeEncoder()
		if rnh.Gateway.IsValid() {
			nested.Bytes(rtaGateway, rnh.Gateway.AsSlice())
		}
		attrs, err := nested.Encode()
		if err != nil {
			return nil, err
		}
		rec := make([]byte, rtnexthopLen, rtnexthopLen+len(attrs))
		nlenc.PutUint16(rec[0:2], uint16(rtnexthopLen+len(attrs)))
		rec[2] = rnh.Flags
		rec[3] = rnh.Hops
		nlenc.PutUint32(rec[4:8], rnh.Ifindex)
		out = append(out, append(rec, attrs...)...)
	}
	return out, nil
}

func familyByte(f route.Family) uint8 {
	if f == route.FamilyV4 {
		return afInet
	}
	return afInet6
}

// DecodeRoute decodes an RTM_NEWROUTE or RTM_DELROUTE message.
func DecodeRoute(msg netlink.Message) (*RouteMsg, error) {
	if msg.Header.Type != MsgNewRoute && msg.Header.Type != MsgDelRoute {
		return nil, malformed("not a route message: "+MsgTypeName(msg.Header.Type), 0)
	}
	c := newCursor(msg.Data, nlenc.NativeEndian())
	family := c.u8("rtm_family")
	m := &RouteMsg{Header: msg.Header}
	m.DstLen = c.u8("rtm_dst_len")
	m.SrcLen = c.u8("rtm_src_len")
	m.Tos = c.u8("rtm_tos")
	m.Table = uint32(c.u8("rtm_table"))
	m.Protocol = c.u8("rtm_protocol")
	m.Scope = c.u8("rtm_scope")
	m.Type = c.u8("rtm_type")
	m.Flags = c.u32("rtm_flags")
	if c.err != nil {
		return nil, c.err
	}
	width, ok := familyWidth(family)
	if !ok {
		return nil, malformed(fmt.Sprintf("unsupported route family %d", family), 0)
	}
	if width == 4 {
		m.Family = route.FamilyV4
	} else {
		m.Family = route.FamilyV6
	}
	if int(m.DstLen) > width*8 {
		return nil, malformed("rtm_dst_len exceeds address width", 1)
	}

	ad, err := netlink.NewAttributeDecoder(msg.Data[rtmsgLen:])
	if err != nil {
		return nil, malformed("route attributes: "+err.Error(), rtmsgLen)
	}
	table := attrTable{name: "route", max: rtaMax}
	for ad.Next() {
		ok, err := table.admit(ad.Type(), rtmsgLen)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch ad.Type() {
		case rtaDst:
			m.Dst, err = addrOfWidth(ad.Bytes(), width, "RTA_DST")
		case rtaGateway:
			m.Gateway, err = addrOfWidth(ad.Bytes(), width, "RTA_GATEWAY")
		case rtaPrefSrc:
			m.PrefSrc, err = addrOfWidth(ad.Bytes(), width, "RTA_PREFSRC")
		case rtaOif:
			m.Oif, err = u32Attr(ad.Bytes(), "RTA_OIF")
		case rtaPriority:
			m.Priority, err = u32Attr(ad.Bytes(), "RTA_PRIORITY")
		case rtaTable:
			m.Table, err = u32Attr(ad.Bytes(), "RTA_TABLE")
		case rtaMultipath:
			m.Multipath, err = decodeMultipath(ad.Bytes(), width)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := ad.Err(); err != nil {
		return nil, malformed("route attributes: "+err.Error(), rtmsgLen)
	}
	return m, nil
}

func u32Attr(b []byte, what string) (uint32, error) {
	if len(b) != 4 {
		return 0, malformed(what+": expected 4 bytes", 0)
	}
	return nlenc.Uint32(b), nil
}

// decodeMultipath walks the rtnexthop records of an RTA_MULTIPATH attribute.
func decodeMultipath(b []byte, width int) ([]RouteNexthop, error) {
	var out []RouteNexthop
	off := 0
	for len(b)-off >= rtnexthopLen {
		c := newCursor(b[off:], nlenc.NativeEndian())
		l := int(c.u16("rtnh_len"))
		rnh := RouteNexthop{
			Flags:   c.u8("rtnh_flags"),
			Hops:    c.u8("rtnh_hops"),
			Ifindex: c.u32("rtnh_ifindex"),
		}
		if l < rtnexthopLen || l > len(b)-off {
			return nil, malformed("rtnh_len out of range", off)
		}
		nested := b[off+rtnexthopLen : off+l]
		if len(nested) > 0 {
			ad, err := netlink.NewAttributeDecoder(nested)
			if err != nil {
				return nil, malformed("rtnexthop attributes: "+err.Error(), off)
			}
			for ad.Next() {
				if ad.Type() != rtaGateway {
					continue
				}
				rnh.Gateway, err = addrOfWidth(ad.Bytes(), width, "RTA_MULTIPATH gateway")
				if err != nil {
					return nil, err
				}
			}
			if err := ad.Err(); err != nil {
				return nil, malformed("rtnexthop attributes: "+err.Error(), off)
			}
		}
		out = append(out, rnh)
		off += align(l)
	}
	if off < len(b) {
		return nil, malformed("trailing bytes in RTA_MULTIPATH", off)
	}
	return out, nil
}

// IsDecodeError reports whether err came from decoding wire input.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrTruncated)
}
