// Package fpm encodes routes for a Forwarding Plane Manager peer and streams
// them to it.
package fpm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
)

const (
	HeaderLen  = 4
	Version    = 1
	MaxMsgLen  = 4096
	minRouteNL = 16 + 12

	// MinFrame is the smallest frame the encoder can produce.
	MinFrame = HeaderLen + minRouteNL
)

var (
	// ErrSkip means nothing needs to reach the peer for this destination.
	ErrSkip        = errors.New("nothing to send")
	ErrShortBuffer = errors.New("fpm: buffer too short")
)

// Format is the payload encoding, carried in the frame header.
type Format uint8

const (
	FormatNetlink  Format = 1
	FormatProtobuf Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatNetlink:
		return "netlink"
	case FormatProtobuf:
		return "protobuf"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "netlink":
		return FormatNetlink, nil
	case "protobuf", "pb":
		return FormatProtobuf, nil
	}
	return 0, fmt.Errorf("unknown fpm format %q", s)
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// EncodeForFPM writes one framed route message for d into buf and returns
// its length. Nothing is written when buf is too short.
func EncodeForFPM(buf []byte, cmd wire.Cmd, d *rib.Dest, f Format) (int, error) {
	if len(buf) < MinFrame {
		return 0, ErrShortBuffer
	}
	sel := d.Selected()
	hops := d.Forwarding()
	if cmd != wire.CmdDelete {
		if sel == nil || (len(hops) == 0 && !sel.Discard()) {
			return 0, ErrSkip
		}
	} else {
		sel, hops = nil, nil
	}

	var payload []byte
	var err error
	switch f {
	case FormatNetlink:
		payload, err = encodeNetlink(cmd, d, sel, hops)
	case FormatProtobuf:
		payload = encodeProtobuf(cmd, d, sel, hops)
	default:
		return 0, fmt.Errorf("unknown fpm format %d", f)
	}
	if err != nil {
		return 0, err
	}
	n := HeaderLen + len(payload)
	if n > MaxMsgLen {
		return 0, fmt.Errorf("fpm: %s message for %s is %d bytes, above %d", f, d.Prefix, n, MaxMsgLen)
	}
	if len(buf) < n {
		return 0, ErrShortBuffer
	}
	buf[0] = Version
	buf[1] = uint8(f)
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	copy(buf[HeaderLen:], payload)
	return n, nil
}

// encodeNetlink builds the route message the same way the kernel channel
// does, whichever kernel backend is in use.
func encodeNetlink(cmd wire.Cmd, d *rib.Dest, sel *route.Entry, hops []route.Nexthop) ([]byte, error) {
	if cmd == wire.CmdReplace {
		cmd = wire.CmdAdd
	}
	msg := wire.BuildRoute(cmd, d.Prefix, sel, hops, wire.RouteOptions{Protocol: wire.ProtoZebra})
	return msg.Marshal()
}

// Frame is one decoded FPM frame.
type Frame struct {
	Format  Format
	Payload []byte
}

// DecodeFrame splits the first frame off b.
func DecodeFrame(b []byte) (Frame, []byte, error) {
	if len(b) < HeaderLen {
		return Frame{}, b, fmt.Errorf("%w: short fpm header", wire.ErrMalformed)
	}
	if b[0] != Version {
		return Frame{}, b, fmt.Errorf("%w: fpm version %d", wire.ErrMalformed, b[0])
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n < HeaderLen || n > len(b) {
		return Frame{}, b, fmt.Errorf("%w: fpm length %d with %d bytes", wire.ErrMalformed, n, len(b))
	}
	return Frame{Format: Format(b[1]), Payload: b[HeaderLen:n]}, b[n:], nil
}
