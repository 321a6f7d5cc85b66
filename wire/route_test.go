package wire

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/encodeous/fibd/route"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, b []byte) netlink.Message {
	t.Helper()
	var msgs []netlink.Message
	for msg, err := range Split(b) {
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	require.Len(t, msgs, 1)
	return msgs[0]
}

func roundTrip(t *testing.T, m *RouteMsg) *RouteMsg {
	t.Helper()
	b, err := m.Marshal()
	require.NoError(t, err)
	got, err := DecodeRoute(decodeOne(t, b))
	require.NoError(t, err)
	assert.Equal(t, uint32(len(b)), got.Header.Length)
	got.Header.Length = 0
	return got
}

func TestRouteRoundTrip(t *testing.T) {
	gw4 := netip.MustParseAddr("192.0.2.1")
	src4 := netip.MustParseAddr("192.0.2.10")
	opts := RouteOptions{Protocol: ProtoZebra, Seq: 42, PID: 7}

	tests := []struct {
		name    string
		cmd     Cmd
		prefix  netip.Prefix
		entry   *route.Entry
		install []route.Nexthop
	}{
		{
			name:    "single gateway",
			cmd:     CmdAdd,
			prefix:  netip.MustParsePrefix("10.0.0.0/24"),
			entry:   &route.Entry{Type: route.Static, Distance: 1},
			install: []route.Nexthop{route.GatewayNexthop(gw4, 3)},
		},
		{
			name:    "interface only",
			cmd:     CmdReplace,
			prefix:  netip.MustParsePrefix("10.1.0.0/16"),
			entry:   &route.Entry{Type: route.Static, Metric: 20},
			install: []route.Nexthop{route.IfindexNexthop(5)},
		},
		{
			name:   "multipath v6",
			cmd:    CmdAdd,
			prefix: netip.MustParsePrefix("2001:db8::/32"),
			entry:  &route.Entry{Type: route.Ospf6, Table: 1000},
			install: []route.Nexthop{
				{Kind: route.KindGatewayIfindex, Gateway: netip.MustParseAddr("fe80::1"), Ifindex: 2, Weight: 1},
				{Kind: route.KindGatewayIfindex, Gateway: netip.MustParseAddr("fe80::2"), Ifindex: 3, Weight: 4},
				{Kind: route.KindIfindex, Ifindex: 4, Weight: 1, Flags: route.NhOnlink},
			},
		},
		{
			name:    "blackhole",
			cmd:     CmdAdd,
			prefix:  netip.MustParsePrefix("198.51.100.0/24"),
			entry:   &route.Entry{Type: route.Static, Flags: route.FlagBlackhole},
			install: []route.Nexthop{route.BlackholeNexthop()},
		},
		{
			name:   "reject",
			cmd:    CmdAdd,
			prefix: netip.MustParsePrefix("198.51.100.0/25"),
			entry:  &route.Entry{Type: route.Static, Flags: route.FlagReject},
		},
		{
			name:    "preferred source",
			cmd:     CmdAdd,
			prefix:  netip.MustParsePrefix("0.0.0.0/0"),
			entry:   &route.Entry{Type: route.Bgp},
			install: []route.Nexthop{{Kind: route.KindGatewayIfindex, Gateway: gw4, Ifindex: 3, Src: src4}},
		},
		{
			name:   "delete prefix only",
			cmd:    CmdDelete,
			prefix: netip.MustParsePrefix("10.0.0.0/24"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := BuildRoute(tt.cmd, tt.prefix, tt.entry, tt.install, opts)
			got := roundTrip(t, m)
			assert.Equal(t, m, got)
			assert.Equal(t, tt.prefix, got.Prefix())
		})
	}
}

func TestRouteRoundTrip_Nexthops(t *testing.T) {
	src := netip.MustParseAddr("10.9.9.9")
	install := []route.Nexthop{
		{Kind: route.KindGatewayIfindex, Gateway: netip.MustParseAddr("10.0.0.1"), Ifindex: 2, Weight: 1, Src: src},
		{Kind: route.KindGatewayIfindex, Gateway: netip.MustParseAddr("10.0.0.2"), Ifindex: 3, Weight: 2, Src: src},
	}
	m := BuildRoute(CmdAdd, netip.MustParsePrefix("172.16.0.0/12"), &route.Entry{Type: route.Isis}, install, RouteOptions{})
	got := roundTrip(t, m)
	assert.Equal(t, install, got.Nexthops())
	assert.Equal(t, src, got.PrefSrc)
}

func TestBuildRoute_SingleNexthopAttributes(t *testing.T) {
	m := BuildRoute(CmdAdd, netip.MustParsePrefix("10.0.0.0/24"),
		&route.Entry{Type: route.Static, Distance: 1},
		[]route.Nexthop{route.GatewayNexthop(netip.MustParseAddr("192.0.2.1"), 3)},
		RouteOptions{Protocol: ProtoZebra})
	b, err := m.Marshal()
	require.NoError(t, err)

	msg := decodeOne(t, b)
	assert.Equal(t, MsgNewRoute, msg.Header.Type)
	assert.NotZero(t, msg.Header.Flags&netlink.Create)
	assert.Zero(t, msg.Header.Flags&netlink.Replace)

	ad, err := netlink.NewAttributeDecoder(msg.Data[rtmsgLen:])
	require.NoError(t, err)
	var types []uint16
	for ad.Next() {
		types = append(types, ad.Type())
	}
	require.NoError(t, ad.Err())
	assert.Contains(t, types, rtaGateway)
	assert.Contains(t, types, rtaOif)
	assert.NotContains(t, types, rtaMultipath)
}

func TestBuildRoute_BlackholeHasNoGateway(t *testing.T) {
	m := BuildRoute(CmdAdd, netip.MustParsePrefix("10.0.0.0/8"),
		&route.Entry{Flags: route.FlagBlackhole},
		[]route.Nexthop{route.GatewayNexthop(netip.MustParseAddr("192.0.2.1"), 3)},
		RouteOptions{})
	assert.Equal(t, RouteBlackhole, m.Type)
	assert.False(t, m.Gateway.IsValid())
	assert.Zero(t, m.Oif)
	assert.Nil(t, m.Multipath)
}

func TestMarshal_RejectsMixedWidths(t *testing.T) {
	m := BuildRoute(CmdAdd, netip.MustParsePrefix("10.0.0.0/8"), &route.Entry{},
		[]route.Nexthop{route.GatewayNexthop(netip.MustParseAddr("2001:db8::1"), 1)}, RouteOptions{})
	_, err := m.Marshal()
	assert.Error(t, err)
}

func rtmsgBody(family uint8, dstLen uint8, attrs []byte) []byte {
	body := make([]byte, rtmsgLen)
	body[0] = family
	body[1] = dstLen
	body[4] = uint8(route.MainTable)
	body[7] = RouteUnicast
	return append(body, attrs...)
}

func encodeAttrs(t *testing.T, fn func(ae *netlink.AttributeEncoder)) []byte {
	t.Helper()
	ae := netlink.NewAttributeEncoder()
	fn(ae)
	b, err := ae.Encode()
	require.NoError(t, err)
	return b
}

func TestDecodeRoute_MixedWidthIsMalformed(t *testing.T) {
	attrs := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(rtaDst, []byte{10, 0, 0, 0})
		ae.Bytes(rtaGateway, netip.MustParseAddr("2001:db8::1").AsSlice())
	})
	_, err := DecodeRoute(netlink.Message{
		Header: netlink.Header{Type: MsgNewRoute},
		Data:   rtmsgBody(afInet, 8, attrs),
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRoute_OversizedAddressIsMalformed(t *testing.T) {
	attrs := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(rtaDst, []byte{10, 0, 0, 0, 0})
	})
	_, err := DecodeRoute(netlink.Message{
		Header: netlink.Header{Type: MsgNewRoute},
		Data:   rtmsgBody(afInet, 8, attrs),
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRoute_TableOverflowIsTruncated(t *testing.T) {
	attrs := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		for i := 0; i <= int(rtaMax)+1; i++ {
			ae.Uint32(rtaOif, uint32(i))
		}
	})
	_, err := DecodeRoute(netlink.Message{
		Header: netlink.Header{Type: MsgNewRoute},
		Data:   rtmsgBody(afInet, 8, attrs),
	})
	assert.ErrorIs(t, err, ErrTruncated)
	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}

func TestDecodeRoute_SkipsUnknownAttributes(t *testing.T) {
	attrs := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(rtaDst, []byte{10, 0, 0, 0})
		ae.Uint32(rtaMark, 99)
		ae.Uint64(rtaMax+10, 12345)
		ae.Uint32(rtaOif, 4)
	})
	m, err := DecodeRoute(netlink.Message{
		Header: netlink.Header{Type: MsgNewRoute},
		Data:   rtmsgBody(afInet, 8, attrs),
	})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), m.Prefix())
	assert.Equal(t, uint32(4), m.Oif)
}

func TestDecodeRoute_EmptyMultipath(t *testing.T) {
	attrs := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(rtaDst, []byte{10, 0, 0, 0})
		ae.Bytes(rtaMultipath, nil)
	})
	m, err := DecodeRoute(netlink.Message{
		Header: netlink.Header{Type: MsgNewRoute},
		Data:   rtmsgBody(afInet, 8, attrs),
	})
	require.NoError(t, err)
	assert.Empty(t, m.Multipath)
	assert.Empty(t, m.Nexthops())
}

func TestDecodeRoute_BadMultipathRecord(t *testing.T) {
	rec := make([]byte, rtnexthopLen)
	nlenc.PutUint16(rec[0:2], 64)
	attrs := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(rtaMultipath, rec)
	})
	_, err := DecodeRoute(netlink.Message{
		Header: netlink.Header{Type: MsgNewRoute},
		Data:   rtmsgBody(afInet, 8, attrs),
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRoute_NeverPanics(t *testing.T) {
	m := BuildRoute(CmdAdd, netip.MustParsePrefix("2001:db8::/48"), &route.Entry{Metric: 5}, []route.Nexthop{
		{Kind: route.KindGatewayIfindex, Gateway: netip.MustParseAddr("fe80::1"), Ifindex: 2, Weight: 1},
		{Kind: route.KindGatewayIfindex, Gateway: netip.MustParseAddr("fe80::2"), Ifindex: 3, Weight: 1},
	}, RouteOptions{})
	b, err := m.Marshal()
	require.NoError(t, err)
	data := b[headerLen:]

	for i := 0; i < len(data); i++ {
		assert.NotPanics(t, func() {
			_, err := DecodeRoute(netlink.Message{Header: netlink.Header{Type: MsgNewRoute}, Data: data[:i]})
			if i < rtmsgLen {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		garbage := make([]byte, rng.IntN(128))
		for j := range garbage {
			garbage[j] = byte(rng.Uint32())
		}
		assert.NotPanics(t, func() {
			_, _ = DecodeRoute(netlink.Message{Header: netlink.Header{Type: MsgNewRoute}, Data: garbage})
			_, _ = DecodeLink(netlink.Message{Header: netlink.Header{Type: MsgNewLink}, Data: garbage})
			_, _ = DecodeAddr(netlink.Message{Header: netlink.Header{Type: MsgNewAddr}, Data: garbage})
			for range Split(garbage) {
			}
		})
	}
}

func TestDecodeRoute_WrongType(t *testing.T) {
	_, err := DecodeRoute(netlink.Message{Header: netlink.Header{Type: MsgNewLink}, Data: make([]byte, 32)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRoute_UnknownFamily(t *testing.T) {
	_, err := DecodeRoute(netlink.Message{Header: netlink.Header{Type: MsgNewRoute}, Data: rtmsgBody(7, 0, nil)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRouteMsg_Entry(t *testing.T) {
	m := BuildRoute(CmdAdd, netip.MustParsePrefix("10.0.0.0/24"), &route.Entry{Flags: route.FlagReject, Metric: 7}, nil, RouteOptions{})
	e := roundTrip(t, m).Entry()
	assert.Equal(t, route.Kernel, e.Type)
	assert.NotZero(t, e.Flags&route.FlagReject)
	assert.Equal(t, uint32(7), e.Metric)
	assert.Equal(t, []route.Nexthop{route.BlackholeNexthop()}, e.Nexthops)
}
