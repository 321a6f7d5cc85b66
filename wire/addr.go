package wire

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

const (
	ifaAddress uint16 = 1
	ifaLocal   uint16 = 2
	ifaLabel   uint16 = 3
	ifaFlags   uint16 = 8
	ifaMax     uint16 = 12

	ifaddrLen = 8
)

// AddrMsg is a decoded RTM_NEWADDR / RTM_DELADDR message.
type AddrMsg struct {
	Header    netlink.Header
	Family    uint8
	PrefixLen uint8
	Flags     uint32
	Scope     uint8
	Index     uint32
	Address   netip.Addr
	Local     netip.Addr
	Label     string
}

// Prefix returns the connected prefix the address implies. On point-to-point
// links IFA_ADDRESS is the peer and the connected route points at it.
func (m *AddrMsg) Prefix() netip.Prefix {
	a := m.Address
	if !a.IsValid() {
		a = m.Local
	}
	if !a.IsValid() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(a, int(m.PrefixLen)).Masked()
}

// Addr is the local address assigned to the interface.
func (m *AddrMsg) Addr() netip.Addr {
	if m.Local.IsValid() {
		return m.Local
	}
	return m.Address
}

func DecodeAddr(msg netlink.Message) (*AddrMsg, error) {
	if msg.Header.Type != MsgNewAddr && msg.Header.Type != MsgDelAddr {
		return nil, malformed("not an address message: "+MsgTypeName(msg.Header.Type), 0)
	}
	c := newCursor(msg.Data, nlenc.NativeEndian())
	m := &AddrMsg{Header: msg.Header}
	m.Family = c.u8("ifa_family")
	m.PrefixLen = c.u8("ifa_prefixlen")
	m.Flags = uint32(c.u8("ifa_flags"))
	m.Scope = c.u8("ifa_scope")
	m.Index = c.u32("ifa_index")
	if c.err != nil {
		return nil, c.err
	}
	width, ok := familyWidth(m.Family)
	if !ok {
		return nil, malformed(fmt.Sprintf("unsupported address family %d", m.Family), 0)
	}
	if int(m.PrefixLen) > width*8 {
		return nil, malformed("ifa_prefixlen exceeds address width", 1)
	}
	ad, err := netlink.NewAttributeDecoder(msg.Data[ifaddrLen:])
	if err != nil {
		return nil, malformed("address attributes: "+err.Error(), ifaddrLen)
	}
	table := attrTable{name: "address", max: ifaMax}
	for ad.Next() {
		ok, err := table.admit(ad.Type(), ifaddrLen)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch ad.Type() {
		case ifaAddress:
			m.Address, err = addrOfWidth(ad.Bytes(), width, "IFA_ADDRESS")
		case ifaLocal:
			m.Local, err = addrOfWidth(ad.Bytes(), width, "IFA_LOCAL")
		case ifaLabel:
			m.Label = string(bytes.TrimRight(ad.Bytes(), "\x00"))
		case ifaFlags:
			m.Flags, err = u32Attr(ad.Bytes(), "IFA_FLAGS")
		}
		if err != nil {
			return nil, err
		}
	}
	if err := ad.Err(); err != nil {
		return nil, malformed("address attributes: "+err.Error(), ifaddrLen)
	}
	return m, nil
}

func (m *AddrMsg) Marshal() ([]byte, error) {
	width, ok := familyWidth(m.Family)
	if !ok {
		return nil, fmt.Errorf("unsupported address family %d", m.Family)
	}
	ae := netlink.NewAttributeEncoder()
	for _, a := range []struct {
		typ  uint16
		addr netip.Addr
	}{{ifaAddress, m.Address}, {ifaLocal, m.Local}} {
		if !a.addr.IsValid() {
			continue
		}
		if a.addr.BitLen()/8 != width {
			return nil, fmt.Errorf("address %s does not match family %d", a.addr, m.Family)
		}
		ae.Bytes(a.typ, a.addr.AsSlice())
	}
	if m.Label != "" {
		ae.String(ifaLabel, m.Label)
	}
	if m.Flags > 0xff {
		ae.Uint32(ifaFlags, m.Flags)
	}
	attrs, err := ae.Encode()
	if err != nil {
		return nil, err
	}
	body := make([]byte, ifaddrLen, ifaddrLen+len(attrs))
	body[0] = m.Family
	body[1] = m.PrefixLen
	body[2] = uint8(m.Flags)
	body[3] = m.Scope
	nlenc.PutUint32(body[4:8], m.Index)
	return marshal(m.Header, append(body, attrs...))
}

// NewAddrMsg builds an address message assigning prefix to ifindex.
func NewAddrMsg(t netlink.HeaderType, ifindex uint32, prefix netip.Prefix) *AddrMsg {
	family := afInet
	if !prefix.Addr().Is4() {
		family = afInet6
	}
	return &AddrMsg{
		Header:    netlink.Header{Type: t},
		Family:    family,
		PrefixLen: uint8(prefix.Bits()),
		Index:     ifindex,
		Address:   prefix.Addr(),
		Local:     prefix.Addr(),
	}
}
