package fpm

import (
	"net/netip"
	"testing"

	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type nopFIB struct{}

func (nopFIB) Route(wire.Cmd, netip.Prefix, *route.Entry, []route.Nexthop) error { return nil }

func processed(t *testing.T, prefix string, e *route.Entry) *rib.Dest {
	t.Helper()
	s := rib.NewStore(rib.Options{FIB: nopFIB{}})
	for i := uint32(1); i <= 4; i++ {
		s.SetLink(i, true)
	}
	p := netip.MustParsePrefix(prefix)
	require.NoError(t, s.Add(p, e))
	s.ProcessQueue()
	d := s.Dest(p)
	require.NotNil(t, d)
	return d
}

func staticVia(gws ...string) *route.Entry {
	e := &route.Entry{Type: route.Static}
	for i, gw := range gws {
		e.Nexthops = append(e.Nexthops, route.GatewayNexthop(netip.MustParseAddr(gw), uint32(i+1)))
	}
	return e
}

func decodeNetlink(t *testing.T, b []byte) *wire.RouteMsg {
	t.Helper()
	f, rest, err := DecodeFrame(b)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, FormatNetlink, f.Format)
	var out *wire.RouteMsg
	for msg, err := range wire.Split(f.Payload) {
		require.NoError(t, err)
		out, err = wire.DecodeRoute(msg)
		require.NoError(t, err)
	}
	require.NotNil(t, out)
	return out
}

func TestEncode_ShortBuffer(t *testing.T) {
	d := processed(t, "10.0.0.0/24", staticVia("192.0.2.1", "192.0.2.2", "192.0.2.3"))

	buf := make([]byte, MinFrame-1)
	n, err := EncodeForFPM(buf, wire.CmdAdd, d, FormatNetlink)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Zero(t, n)

	// big enough for framing, too small for three nexthops
	buf = make([]byte, MinFrame)
	n, err = EncodeForFPM(buf, wire.CmdAdd, d, FormatNetlink)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Zero(t, n)
	assert.Equal(t, make([]byte, MinFrame), buf, "nothing is written on failure")
}

func TestEncode_Add(t *testing.T) {
	d := processed(t, "10.0.0.0/24", staticVia("192.0.2.1"))
	buf := make([]byte, MaxMsgLen)
	n, err := EncodeForFPM(buf, wire.CmdAdd, d, FormatNetlink)
	require.NoError(t, err)
	assert.Equal(t, byte(Version), buf[0])

	m := decodeNetlink(t, buf[:n])
	assert.Equal(t, wire.MsgNewRoute, m.Header.Type)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), m.Prefix())
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), m.Gateway)
	assert.Equal(t, uint32(1), m.Oif)
	assert.Equal(t, wire.ProtoZebra, m.Protocol)

	// replace is sent as an add
	n, err = EncodeForFPM(buf, wire.CmdReplace, d, FormatNetlink)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgNewRoute, decodeNetlink(t, buf[:n]).Header.Type)
}

func TestEncode_DeleteMinimal(t *testing.T) {
	d := &rib.Dest{Prefix: netip.MustParsePrefix("2001:db8:5::/48")}
	buf := make([]byte, MaxMsgLen)
	n, err := EncodeForFPM(buf, wire.CmdDelete, d, FormatNetlink)
	require.NoError(t, err)

	m := decodeNetlink(t, buf[:n])
	assert.Equal(t, wire.MsgDelRoute, m.Header.Type)
	assert.Equal(t, d.Prefix, m.Prefix())
	assert.False(t, m.Gateway.IsValid())
	assert.Zero(t, m.Oif)
	assert.Empty(t, m.Multipath)
}

func TestEncode_Skip(t *testing.T) {
	d := &rib.Dest{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	buf := make([]byte, MaxMsgLen)
	_, err := EncodeForFPM(buf, wire.CmdAdd, d, FormatNetlink)
	assert.ErrorIs(t, err, ErrSkip)

	// selected, but every nexthop is down
	d = processed(t, "10.0.0.0/24", &route.Entry{
		Type:     route.Static,
		Nexthops: []route.Nexthop{route.IfindexNexthop(9)},
	})
	_, err = EncodeForFPM(buf, wire.CmdAdd, d, FormatProtobuf)
	assert.ErrorIs(t, err, ErrSkip)
}

func TestEncode_Blackhole(t *testing.T) {
	d := processed(t, "198.51.100.0/24", &route.Entry{Type: route.Static, Flags: route.FlagBlackhole})
	buf := make([]byte, MaxMsgLen)
	n, err := EncodeForFPM(buf, wire.CmdAdd, d, FormatNetlink)
	require.NoError(t, err)
	m := decodeNetlink(t, buf[:n])
	assert.Equal(t, wire.RouteBlackhole, m.Type)
	assert.False(t, m.Gateway.IsValid())
	assert.Zero(t, m.Oif)
}

// fields decodes one level of a protobuf message, keeping the last value of each field.
func fields(t *testing.T, b []byte) map[protowire.Number][]byte {
	t.Helper()
	out := make(map[protowire.Number][]byte)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			require.GreaterOrEqual(t, n, 0)
			out[num] = protowire.AppendVarint(nil, v)
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			require.GreaterOrEqual(t, n, 0)
			out[num] = protowire.AppendFixed32(nil, v)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, n, 0)
			out[num] = v
			b = b[n:]
		default:
			t.Fatalf("unexpected wire type %d", typ)
		}
	}
	return out
}

func varint(t *testing.T, b []byte) uint64 {
	v, n := protowire.ConsumeVarint(b)
	require.GreaterOrEqual(t, n, 0)
	return v
}

func TestEncode_Protobuf(t *testing.T) {
	d := processed(t, "10.0.0.0/24", staticVia("192.0.2.1"))
	buf := make([]byte, MaxMsgLen)
	n, err := EncodeForFPM(buf, wire.CmdAdd, d, FormatProtobuf)
	require.NoError(t, err)
	f, _, err := DecodeFrame(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, FormatProtobuf, f.Format)

	msg := fields(t, f.Payload)
	assert.Equal(t, uint64(msgTypeAdd), varint(t, msg[fieldMsgType]))
	add := fields(t, msg[fieldAddRoute])
	assert.Equal(t, uint64(afIPv4), varint(t, add[fieldAddressFamily]))
	assert.Equal(t, uint64(4), varint(t, add[fieldProtocol]))
	key := fields(t, add[fieldKey])
	assert.Equal(t, []byte{10, 0, 0, 0}, key[fieldPrefixBytes])
	assert.Equal(t, uint64(24), varint(t, key[fieldPrefixLength]))

	nh := fields(t, add[fieldNexthops])
	ifid := fields(t, nh[fieldNexthopIf])
	assert.Equal(t, uint64(1), varint(t, ifid[fieldIfIndex]))
	v4 := fields(t, fields(t, nh[fieldNexthopAddress])[fieldAddrV4])
	gw, _ := protowire.ConsumeFixed32(v4[fieldV4Value])
	assert.Equal(t, uint32(0xc0000201), gw)

	n, err = EncodeForFPM(buf, wire.CmdDelete, &rib.Dest{Prefix: d.Prefix}, FormatProtobuf)
	require.NoError(t, err)
	f, _, err = DecodeFrame(buf[:n])
	require.NoError(t, err)
	msg = fields(t, f.Payload)
	assert.Equal(t, uint64(msgTypeDelete), varint(t, msg[fieldMsgType]))
	assert.Contains(t, msg, protowire.Number(fieldDeleteRoute))
}

func TestDecodeFrame(t *testing.T) {
	_, _, err := DecodeFrame([]byte{1, 1})
	assert.ErrorIs(t, err, wire.ErrMalformed)
	_, _, err = DecodeFrame([]byte{2, 1, 0, 4})
	assert.ErrorIs(t, err, wire.ErrMalformed)
	_, _, err = DecodeFrame([]byte{1, 1, 0, 9, 0})
	assert.ErrorIs(t, err, wire.ErrMalformed)

	f, rest, err := DecodeFrame([]byte{1, 2, 0, 5, 0xaa, 0xbb})
	require.NoError(t, err)
	assert.Equal(t, FormatProtobuf, f.Format)
	assert.Equal(t, []byte{0xaa}, f.Payload)
	assert.Equal(t, []byte{0xbb}, rest)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatNetlink, f)
	require.NoError(t, f.UnmarshalText([]byte("protobuf")))
	assert.Equal(t, FormatProtobuf, f)
	_, err = ParseFormat("json")
	assert.Error(t, err)
}
