package wire

import (
	"encoding/binary"
	"net/netip"
)

// cursor reads fixed-size fields from a wire buffer. Every read is bounds
// checked and returns an owned copy; once a read fails all later reads fail.
type cursor struct {
	b     []byte
	off   int
	order binary.ByteOrder
	err   error
}

func newCursor(b []byte, order binary.ByteOrder) *cursor {
	return &cursor{b: b, order: order}
}

func (c *cursor) need(n int, what string) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.off+n > len(c.b) {
		c.err = malformed(what, c.off)
		return false
	}
	return true
}

func (c *cursor) u8(what string) uint8 {
	if !c.need(1, what) {
		return 0
	}
	v := c.b[c.off]
	c.off++
	return v
}

func (c *cursor) u16(what string) uint16 {
	if !c.need(2, what) {
		return 0
	}
	v := c.order.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32(what string) uint32 {
	if !c.need(4, what) {
		return 0
	}
	v := c.order.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *cursor) i32(what string) int32 {
	return int32(c.u32(what))
}

// bytes returns a copy of the next n bytes.
func (c *cursor) bytes(n int, what string) []byte {
	if !c.need(n, what) {
		return nil
	}
	out := make([]byte, n)
	copy(out, c.b[c.off:c.off+n])
	c.off += n
	return out
}

func (c *cursor) skip(n int, what string) {
	if c.need(n, what) {
		c.off += n
	}
}

// rest returns a copy of everything after the cursor and consumes it.
func (c *cursor) rest() []byte {
	if c.err != nil {
		return nil
	}
	return c.bytes(len(c.b)-c.off, "")
}

func (c *cursor) remaining() int {
	if c.err != nil {
		return 0
	}
	return len(c.b) - c.off
}

// addrOfWidth builds an address from b, which must be exactly width bytes long.
func addrOfWidth(b []byte, width int, what string) (netip.Addr, error) {
	if len(b) != width {
		return netip.Addr{}, malformed(what+": address width mismatch", 0)
	}
	switch width {
	case 4:
		return netip.AddrFrom4([4]byte(b)), nil
	case 16:
		return netip.AddrFrom16([16]byte(b)), nil
	}
	return netip.Addr{}, malformed(what+": unsupported address width", 0)
}
