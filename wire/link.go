package wire

import (
	"bytes"
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

const (
	iflaAddress   uint16 = 1
	iflaIfname    uint16 = 3
	iflaMtu       uint16 = 4
	iflaOperstate uint16 = 16
	iflaMax       uint16 = 65

	ifinfoLen = 16
)

// interface flags shared by Linux and the BSDs
const (
	IffUp      uint32 = 0x1
	IffRunning uint32 = 0x40
)

// LinkMsg is a decoded RTM_NEWLINK / RTM_DELLINK message.
type LinkMsg struct {
	Header    netlink.Header
	Family    uint8
	Type      uint16
	Index     uint32
	Flags     uint32
	Change    uint32
	Name      string
	MTU       uint32
	Hardware  net.HardwareAddr
	OperState uint8
}

// Up reports whether the link is administratively up and running.
func (m *LinkMsg) Up() bool {
	return m.Header.Type != MsgDelLink && m.Flags&IffUp != 0 && m.Flags&IffRunning != 0
}

func DecodeLink(msg netlink.Message) (*LinkMsg, error) {
	if msg.Header.Type != MsgNewLink && msg.Header.Type != MsgDelLink {
		return nil, malformed("not a link message: "+MsgTypeName(msg.Header.Type), 0)
	}
	c := newCursor(msg.Data, nlenc.NativeEndian())
	m := &LinkMsg{Header: msg.Header}
	m.Family = c.u8("ifi_family")
	c.skip(1, "ifi_pad")
	m.Type = c.u16("ifi_type")
	m.Index = c.u32("ifi_index")
	m.Flags = c.u32("ifi_flags")
	m.Change = c.u32("ifi_change")
	if c.err != nil {
		return nil, c.err
	}
	ad, err := netlink.NewAttributeDecoder(msg.Data[ifinfoLen:])
	if err != nil {
		return nil, malformed("link attributes: "+err.Error(), ifinfoLen)
	}
	table := attrTable{name: "link", max: iflaMax}
	for ad.Next() {
		ok, err := table.admit(ad.Type(), ifinfoLen)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch ad.Type() {
		case iflaIfname:
			m.Name = string(bytes.TrimRight(ad.Bytes(), "\x00"))
		case iflaMtu:
			m.MTU, err = u32Attr(ad.Bytes(), "IFLA_MTU")
		case iflaAddress:
			m.Hardware = net.HardwareAddr(ad.Bytes())
		case iflaOperstate:
			b := ad.Bytes()
			if len(b) != 1 {
				err = malformed("IFLA_OPERSTATE: expected 1 byte", ifinfoLen)
			} else {
				m.OperState = b[0]
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if err := ad.Err(); err != nil {
		return nil, malformed("link attributes: "+err.Error(), ifinfoLen)
	}
	return m, nil
}

func (m *LinkMsg) Marshal() ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	if m.Name != "" {
		ae.String(iflaIfname, m.Name)
	}
	if m.MTU != 0 {
		ae.Uint32(iflaMtu, m.MTU)
	}
	if len(m.Hardware) > 0 {
		ae.Bytes(iflaAddress, m.Hardware)
	}
	if m.OperState != 0 {
		ae.Uint8(iflaOperstate, m.OperState)
	}
	attrs, err := ae.Encode()
	if err != nil {
		return nil, err
	}
	body := make([]byte, ifinfoLen, ifinfoLen+len(attrs))
	body[0] = m.Family
	nlenc.PutUint16(body[2:4], m.Type)
	nlenc.PutUint32(body[4:8], m.Index)
	nlenc.PutUint32(body[8:12], m.Flags)
	nlenc.PutUint32(body[12:16], m.Change)
	return marshal(m.Header, append(body, attrs...))
}
