package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"

	"github.com/encodeous/fibd/route"
)

// routing socket message types, see <net/route.h>
const (
	RtmAdd      uint8 = 0x1
	RtmDelete   uint8 = 0x2
	RtmChange   uint8 = 0x3
	RtmGet      uint8 = 0x4
	RtmRedirect uint8 = 0x6
	RtmMiss     uint8 = 0x7
	RtmNewAddr  uint8 = 0xc
	RtmDelAddr  uint8 = 0xd
	RtmIfInfo   uint8 = 0xe

	RtmVersion uint8 = 5
)

// rtm_flags
const (
	RtfUp        uint32 = 0x1
	RtfGateway   uint32 = 0x2
	RtfHost      uint32 = 0x4
	RtfReject    uint32 = 0x8
	RtfDynamic   uint32 = 0x10
	RtfStatic    uint32 = 0x800
	RtfBlackhole uint32 = 0x1000
	RtfProto1    uint32 = 0x8000
)

// rtm_addrs bits, in wire order
const (
	RtaDst     uint32 = 0x1
	RtaGateway uint32 = 0x2
	RtaNetmask uint32 = 0x4
	RtaGenmask uint32 = 0x8
	RtaIfp     uint32 = 0x10
	RtaIfa     uint32 = 0x20
	RtaAuthor  uint32 = 0x40
	RtaBrd     uint32 = 0x80

	rtaxDst     = 0
	rtaxGateway = 1
	rtaxNetmask = 2
	rtaxIfp     = 4
	rtaxIfa     = 5
	rtaxMax     = 8
)

const (
	bsdAFInet = 2
	bsdAFLink = 18

	sockaddrInetLen  = 16
	sockaddrInet6Len = 28
)

// RtsockLayout describes the routing socket ABI of one BSD-derived system.
// Header sizes differ between systems because rt_metrics is built from
// u_long on FreeBSD and from uint32 on Darwin.
type RtsockLayout struct {
	Name            string
	RouteHeaderLen  int
	IfaHeaderLen    int
	IfHeaderLen     int
	Align           int
	AFInet6         uint8
	LinkSockaddrLen int
}

var (
	FreeBSD = RtsockLayout{
		Name:            "freebsd",
		RouteHeaderLen:  152,
		IfaHeaderLen:    20,
		IfHeaderLen:     168,
		Align:           8,
		AFInet6:         28,
		LinkSockaddrLen: 54,
	}
	Darwin = RtsockLayout{
		Name:            "darwin",
		RouteHeaderLen:  92,
		IfaHeaderLen:    20,
		IfHeaderLen:     112,
		Align:           4,
		AFInet6:         30,
		LinkSockaddrLen: 20,
	}
)

var rtsockOrder binary.ByteOrder = binary.NativeEndian

var rtmNames = map[uint8]string{
	RtmAdd:      "RTM_ADD",
	RtmDelete:   "RTM_DELETE",
	RtmChange:   "RTM_CHANGE",
	RtmGet:      "RTM_GET",
	RtmRedirect: "RTM_REDIRECT",
	RtmMiss:     "RTM_MISS",
	RtmNewAddr:  "RTM_NEWADDR",
	RtmDelAddr:  "RTM_DELADDR",
	RtmIfInfo:   "RTM_IFINFO",
}

func RtmTypeName(t uint8) string {
	if name, ok := rtmNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RTM_%d", t)
}

// RtsockMessage is a decoded routing socket message.
type RtsockMessage interface {
	MsgType() uint8
}

// RtsockRoute is a decoded RTM_ADD / RTM_DELETE / RTM_CHANGE / RTM_GET message.
type RtsockRoute struct {
	Type        uint8
	Index       uint16
	Flags       uint32
	Addrs       uint32
	PID         int32
	Seq         int32
	Errno       int32
	Dst         netip.Prefix
	Gateway     netip.Addr
	GatewayLink uint16
	Ifa         netip.Addr
}

func (m *RtsockRoute) MsgType() uint8 { return m.Type }

// Nexthops converts the routing socket gateway to the RIB representation.
// The routing socket carries at most one gateway per message.
func (m *RtsockRoute) Nexthops() []route.Nexthop {
	if m.Flags&(RtfBlackhole|RtfReject) != 0 {
		return []route.Nexthop{route.BlackholeNexthop()}
	}
	switch {
	case m.Gateway.IsValid():
		nh := route.GatewayNexthop(m.Gateway, uint32(m.Index))
		nh.Src = m.Ifa
		return []route.Nexthop{nh}
	case m.GatewayLink != 0:
		return []route.Nexthop{route.IfindexNexthop(uint32(m.GatewayLink))}
	case m.Index != 0:
		return []route.Nexthop{route.IfindexNexthop(uint32(m.Index))}
	}
	return nil
}

func (m *RtsockRoute) Entry() *route.Entry {
	e := &route.Entry{
		Type:     route.Kernel,
		Table:    route.MainTable,
		Nexthops: m.Nexthops(),
	}
	if m.Flags&RtfBlackhole != 0 {
		e.Flags |= route.FlagBlackhole
	}
	if m.Flags&RtfReject != 0 {
		e.Flags |= route.FlagReject
	}
	return e
}

// RtsockAddr is a decoded RTM_NEWADDR / RTM_DELADDR message.
type RtsockAddr struct {
	Type      uint8
	Index     uint16
	Flags     uint32
	Addr      netip.Addr
	PrefixLen int
}

func (m *RtsockAddr) MsgType() uint8 { return m.Type }

func (m *RtsockAddr) Prefix() netip.Prefix {
	return netip.PrefixFrom(m.Addr, m.PrefixLen).Masked()
}

// RtsockLink is a decoded RTM_IFINFO message.
type RtsockLink struct {
	Type  uint8
	Index uint16
	Flags uint32
}

func (m *RtsockLink) MsgType() uint8 { return m.Type }

func (m *RtsockLink) Up() bool {
	return m.Flags&IffUp != 0 && m.Flags&IffRunning != 0
}

type rawSockaddr struct {
	present bool
	family  uint8
	data    []byte
}

// Parse decodes one routing socket message. Message types that carry no
// routing state yield (nil, nil).
func (l *RtsockLayout) Parse(b []byte) (RtsockMessage, error) {
	c := newCursor(b, rtsockOrder)
	msglen := int(c.u16("rtm_msglen"))
	version := c.u8("rtm_version")
	typ := c.u8("rtm_type")
	if c.err != nil {
		return nil, c.err
	}
	if msglen < 4 || msglen > len(b) {
		return nil, malformed("rtm_msglen out of range", 0)
	}
	if version != RtmVersion {
		return nil, malformed(fmt.Sprintf("unsupported routing socket version %d", version), 2)
	}
	b = b[:msglen]
	switch typ {
	case RtmAdd, RtmDelete, RtmChange, RtmGet:
		return l.parseRoute(b, typ)
	case RtmNewAddr, RtmDelAddr:
		return l.parseAddr(b, typ)
	case RtmIfInfo:
		return l.parseLink(b, typ)
	}
	return nil, nil
}

func (l *RtsockLayout) parseRoute(b []byte, typ uint8) (*RtsockRoute, error) {
	if len(b) < l.RouteHeaderLen {
		return nil, malformed("short rt_msghdr", len(b))
	}
	c := newCursor(b, rtsockOrder)
	c.skip(4, "rtm_msglen")
	m := &RtsockRoute{Type: typ}
	m.Index = c.u16("rtm_index")
	c.skip(2, "rtm_spare")
	m.Flags = c.u32("rtm_flags")
	m.Addrs = c.u32("rtm_addrs")
	m.PID = c.i32("rtm_pid")
	m.Seq = c.i32("rtm_seq")
	m.Errno = c.i32("rtm_errno")
	if c.err != nil {
		return nil, c.err
	}
	sas, err := l.sockaddrs(b[l.RouteHeaderLen:], m.Addrs, l.RouteHeaderLen)
	if err != nil {
		return nil, err
	}

	dst := sas[rtaxDst]
	width, err := l.width(dst.family)
	if !dst.present || err != nil {
		return nil, malformed("route without an inet destination", l.RouteHeaderLen)
	}
	addr, err := l.inetAddr(dst, width)
	if err != nil {
		return nil, err
	}
	ones := width * 8
	if sas[rtaxNetmask].present && m.Flags&RtfHost == 0 {
		ones, err = l.maskLen(sas[rtaxNetmask], width)
		if err != nil {
			return nil, err
		}
	}
	m.Dst = netip.PrefixFrom(addr, ones).Masked()

	if gw := sas[rtaxGateway]; gw.present {
		switch gw.family {
		case bsdAFLink:
			m.GatewayLink = linkIndex(gw)
		case bsdAFInet, l.AFInet6:
			gwWidth, _ := l.width(gw.family)
			if gwWidth != width {
				return nil, malformed("gateway family does not match destination", l.RouteHeaderLen)
			}
			m.Gateway, err = l.inetAddr(gw, width)
			if err != nil {
				return nil, err
			}
			if m.Gateway.Is6() && m.Gateway.IsLinkLocalUnicast() {
				var scope uint16
				m.Gateway, scope = clearEmbeddedScope(m.Gateway)
				if m.Index == 0 {
					m.Index = scope
				}
			}
		}
	}
	if ifa := sas[rtaxIfa]; ifa.present && (ifa.family == bsdAFInet || ifa.family == l.AFInet6) {
		ifaWidth, _ := l.width(ifa.family)
		if ifaWidth != width {
			return nil, malformed("interface address family does not match destination", l.RouteHeaderLen)
		}
		m.Ifa, err = l.inetAddr(ifa, width)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (l *RtsockLayout) parseAddr(b []byte, typ uint8) (*RtsockAddr, error) {
	if len(b) < l.IfaHeaderLen {
		return nil, malformed("short ifa_msghdr", len(b))
	}
	c := newCursor(b, rtsockOrder)
	c.skip(4, "ifam_msglen")
	addrs := c.u32("ifam_addrs")
	m := &RtsockAddr{Type: typ}
	m.Flags = c.u32("ifam_flags")
	m.Index = c.u16("ifam_index")
	if c.err != nil {
		return nil, c.err
	}
	sas, err := l.sockaddrs(b[l.IfaHeaderLen:], addrs, l.IfaHeaderLen)
	if err != nil {
		return nil, err
	}
	ifa := sas[rtaxIfa]
	width, err := l.width(ifa.family)
	if !ifa.present || err != nil {
		return nil, malformed("address message without an inet address", l.IfaHeaderLen)
	}
	if m.Addr, err = l.inetAddr(ifa, width); err != nil {
		return nil, err
	}
	if m.Addr.Is6() && m.Addr.IsLinkLocalUnicast() {
		m.Addr, _ = clearEmbeddedScope(m.Addr)
	}
	m.PrefixLen = width * 8
	if sas[rtaxNetmask].present {
		if m.PrefixLen, err = l.maskLen(sas[rtaxNetmask], width); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (l *RtsockLayout) parseLink(b []byte, typ uint8) (*RtsockLink, error) {
	if len(b) < 16 {
		return nil, malformed("short if_msghdr", len(b))
	}
	c := newCursor(b, rtsockOrder)
	c.skip(8, "ifm_header")
	m := &RtsockLink{Type: typ}
	m.Flags = c.u32("ifm_flags")
	m.Index = c.u16("ifm_index")
	return m, c.err
}

// sockaddrs splits the variable-length sockaddr area into the slots selected by
// addrs. Each sockaddr is padded to the layout alignment, and an sa_len of zero
// still occupies one alignment unit.
func (l *RtsockLayout) sockaddrs(b []byte, addrs uint32, base int) ([rtaxMax]rawSockaddr, error) {
	var out [rtaxMax]rawSockaddr
	off := 0
	for i := 0; i < rtaxMax; i++ {
		if addrs&(1<<i) == 0 {
			continue
		}
		if off >= len(b) {
			return out, malformed(fmt.Sprintf("sockaddr %d missing", i), base+off)
		}
		saLen := int(b[off])
		if saLen == 0 {
			out[i] = rawSockaddr{present: true}
			off += l.Align
			continue
		}
		if saLen > len(b)-off {
			return out, malformed(fmt.Sprintf("sockaddr %d overruns message", i), base+off)
		}
		sa := rawSockaddr{present: true, data: make([]byte, saLen)}
		copy(sa.data, b[off:off+saLen])
		if saLen >= 2 {
			sa.family = sa.data[1]
		}
		out[i] = sa
		off += l.roundup(saLen)
	}
	return out, nil
}

func (l *RtsockLayout) roundup(n int) int {
	return (n + l.Align - 1) &^ (l.Align - 1)
}

func (l *RtsockLayout) width(family uint8) (int, error) {
	switch family {
	case bsdAFInet:
		return 4, nil
	case l.AFInet6:
		return 16, nil
	}
	return 0, fmt.Errorf("family %d is not inet", family)
}

func (l *RtsockLayout) addrOffset(width int) int {
	if width == 4 {
		return 4
	}
	return 8
}

func (l *RtsockLayout) inetAddr(sa rawSockaddr, width int) (netip.Addr, error) {
	off := l.addrOffset(width)
	if len(sa.data) < off+width {
		return netip.Addr{}, malformed("inet sockaddr shorter than its address", 0)
	}
	return addrOfWidth(sa.data[off:off+width], width, "sockaddr")
}

// maskLen reads a netmask sockaddr, which the kernel may truncate after the
// last non-zero byte and whose family may be unset.
func (l *RtsockLayout) maskLen(sa rawSockaddr, width int) (int, error) {
	off := l.addrOffset(width)
	mask := make([]byte, width)
	if len(sa.data) > off {
		copy(mask, sa.data[off:])
	}
	ones := 0
	for i, v := range mask {
		n := bits.LeadingZeros8(^v)
		ones += n
		if n < 8 {
			if v<<n != 0 || !allZero(mask[i+1:]) {
				return 0, malformed("non-contiguous netmask", 0)
			}
			break
		}
	}
	return ones, nil
}

func linkIndex(sa rawSockaddr) uint16 {
	if len(sa.data) < 4 {
		return 0
	}
	return rtsockOrder.Uint16(sa.data[2:4])
}

// clearEmbeddedScope strips the KAME scope id the BSD kernels store in bytes
// 2-3 of link-local addresses.
func clearEmbeddedScope(a netip.Addr) (netip.Addr, uint16) {
	b := a.As16()
	scope := binary.BigEndian.Uint16(b[2:4])
	b[2], b[3] = 0, 0
	return netip.AddrFrom16(b), scope
}

// EncodeRoute renders a route change as a routing socket message. The
// routing socket has no multipath form, so only the first nexthop of install
// is programmed.
func (l *RtsockLayout) EncodeRoute(cmd Cmd, seq int32, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) ([]byte, error) {
	prefix = prefix.Masked()
	width := prefix.Addr().BitLen() / 8
	var typ uint8
	switch cmd {
	case CmdAdd:
		typ = RtmAdd
	case CmdReplace:
		typ = RtmChange
	case CmdDelete:
		typ = RtmDelete
	default:
		return nil, fmt.Errorf("unknown command %d", cmd)
	}

	flags := RtfUp | RtfStatic | RtfProto1
	var index uint16
	var gw []byte
	if e != nil && e.Discard() {
		if e.Flags&route.FlagBlackhole != 0 {
			flags |= RtfBlackhole
		} else {
			flags |= RtfReject
		}
		lo := netip.IPv6Loopback()
		if width == 4 {
			lo = netip.AddrFrom4([4]byte{127, 0, 0, 1})
		}
		gw = l.inetSockaddr(lo)
		flags |= RtfGateway
	} else if len(install) > 0 {
		nh := install[0]
		switch {
		case nh.Kind == route.KindBlackhole:
			flags |= RtfBlackhole | RtfGateway
			lo := netip.IPv6Loopback()
			if width == 4 {
				lo = netip.AddrFrom4([4]byte{127, 0, 0, 1})
			}
			gw = l.inetSockaddr(lo)
		case nh.Gateway.IsValid():
			if nh.Gateway.BitLen()/8 != width {
				return nil, fmt.Errorf("route %s: gateway %s does not match family", prefix, nh.Gateway)
			}
			flags |= RtfGateway
			gw = l.inetSockaddr(nh.Gateway)
			index = uint16(nh.Ifindex)
		case nh.Ifindex != 0:
			index = uint16(nh.Ifindex)
			gw = l.linkSockaddr(index)
		}
	}
	addrs := RtaDst
	host := prefix.Bits() == width*8
	if host {
		flags |= RtfHost
	}
	if gw != nil {
		addrs |= RtaGateway
	}
	if !host {
		addrs |= RtaNetmask
	}

	buf := make([]byte, l.RouteHeaderLen)
	buf = append(buf, l.pad(l.inetSockaddr(prefix.Addr()))...)
	if gw != nil {
		buf = append(buf, l.pad(gw)...)
	}
	if !host {
		mask := netip.PrefixFrom(prefix.Addr(), prefix.Bits())
		buf = append(buf, l.pad(l.maskSockaddr(mask))...)
	}
	if len(buf) > 0xffff {
		return nil, fmt.Errorf("routing socket message too long")
	}
	rtsockOrder.PutUint16(buf[0:2], uint16(len(buf)))
	buf[2] = RtmVersion
	buf[3] = typ
	rtsockOrder.PutUint16(buf[4:6], index)
	rtsockOrder.PutUint32(buf[8:12], flags)
	rtsockOrder.PutUint32(buf[12:16], addrs)
	rtsockOrder.PutUint32(buf[20:24], uint32(seq))
	return buf, nil
}

func (l *RtsockLayout) pad(sa []byte) []byte {
	if n := l.roundup(len(sa)); n != len(sa) {
		sa = append(sa, make([]byte, n-len(sa))...)
	}
	return sa
}

func (l *RtsockLayout) inetSockaddr(a netip.Addr) []byte {
	if a.Is4() {
		sa := make([]byte, sockaddrInetLen)
		sa[0] = sockaddrInetLen
		sa[1] = bsdAFInet
		b := a.As4()
		copy(sa[4:8], b[:])
		return sa
	}
	sa := make([]byte, sockaddrInet6Len)
	sa[0] = sockaddrInet6Len
	sa[1] = l.AFInet6
	b := a.As16()
	copy(sa[8:24], b[:])
	return sa
}

func (l *RtsockLayout) maskSockaddr(p netip.Prefix) []byte {
	width := p.Addr().BitLen() / 8
	mask := make([]byte, width)
	for i := 0; i < p.Bits(); i++ {
		mask[i/8] |= 0x80 >> (i % 8)
	}
	var sa []byte
	if width == 4 {
		sa = l.inetSockaddr(netip.AddrFrom4([4]byte(mask)))
	} else {
		sa = l.inetSockaddr(netip.AddrFrom16([16]byte(mask)))
	}
	return sa
}

func (l *RtsockLayout) linkSockaddr(index uint16) []byte {
	sa := make([]byte, l.LinkSockaddrLen)
	sa[0] = uint8(l.LinkSockaddrLen)
	sa[1] = bsdAFLink
	rtsockOrder.PutUint16(sa[2:4], index)
	return sa
}
