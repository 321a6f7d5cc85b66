package fpm

import (
	"net/netip"

	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers and enums of the fpm.Message schema shipped with FRR.
const (
	msgTypeAdd    = 1
	msgTypeDelete = 2

	fieldMsgType     = 1
	fieldAddRoute    = 2
	fieldDeleteRoute = 3

	fieldVrfID          = 1
	fieldAddressFamily  = 2
	fieldSubAF          = 3
	fieldKey            = 4
	fieldRouteType      = 5
	fieldProtocol       = 6
	fieldMetric         = 8
	fieldNexthops       = 9
	fieldPrefixBytes    = 1
	fieldPrefixLength   = 2
	fieldNexthopIf      = 2
	fieldNexthopAddress = 3
	fieldIfIndex        = 1
	fieldAddrV4         = 1
	fieldAddrV6         = 2
	fieldV4Value        = 1
	fieldV6Bytes        = 1

	afIPv4         = 1
	afIPv6         = 2
	safUnicast     = 1
	routeNormal    = 1
	routeUnreach   = 2
	routeBlackhole = 3
)

var protoProtocol = map[route.Type]uint64{
	route.System:  1,
	route.Connect: 2,
	route.Kernel:  3,
	route.Static:  4,
	route.Rip:     5,
	route.Ripng:   6,
	route.Ospf:    7,
	route.Ospf6:   7,
	route.Isis:    8,
	route.Bgp:     9,
}

const protoOther = 10

func encodeProtobuf(cmd wire.Cmd, d *rib.Dest, sel *route.Entry, hops []route.Nexthop) []byte {
	var b []byte
	if cmd == wire.CmdDelete {
		b = protowire.AppendTag(b, fieldMsgType, protowire.VarintType)
		b = protowire.AppendVarint(b, msgTypeDelete)
		b = protowire.AppendTag(b, fieldDeleteRoute, protowire.BytesType)
		return protowire.AppendBytes(b, routeKey(nil, d.Prefix))
	}
	b = protowire.AppendTag(b, fieldMsgType, protowire.VarintType)
	b = protowire.AppendVarint(b, msgTypeAdd)
	b = protowire.AppendTag(b, fieldAddRoute, protowire.BytesType)
	return protowire.AppendBytes(b, addRoute(d.Prefix, sel, hops))
}

// routeKey appends the fields AddRoute and DeleteRoute share.
func routeKey(b []byte, p netip.Prefix) []byte {
	af := uint64(afIPv4)
	if p.Addr().Is6() {
		af = afIPv6
	}
	b = protowire.AppendTag(b, fieldVrfID, protowire.VarintType)
	b = protowire.AppendVarint(b, 0)
	b = protowire.AppendTag(b, fieldAddressFamily, protowire.VarintType)
	b = protowire.AppendVarint(b, af)
	b = protowire.AppendTag(b, fieldSubAF, protowire.VarintType)
	b = protowire.AppendVarint(b, safUnicast)

	var key []byte
	key = protowire.AppendTag(key, fieldPrefixBytes, protowire.BytesType)
	key = protowire.AppendBytes(key, p.Masked().Addr().AsSlice())
	key = protowire.AppendTag(key, fieldPrefixLength, protowire.VarintType)
	key = protowire.AppendVarint(key, uint64(p.Bits()))
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	return protowire.AppendBytes(b, key)
}

func addRoute(p netip.Prefix, e *route.Entry, hops []route.Nexthop) []byte {
	b := routeKey(nil, p)
	rt := uint64(routeNormal)
	switch {
	case e.Flags&route.FlagReject != 0:
		rt = routeUnreach
	case e.Flags&route.FlagBlackhole != 0:
		rt = routeBlackhole
	}
	for _, nh := range hops {
		if nh.Kind == route.KindBlackhole {
			rt = routeBlackhole
		}
	}
	b = protowire.AppendTag(b, fieldRouteType, protowire.VarintType)
	b = protowire.AppendVarint(b, rt)

	proto, ok := protoProtocol[e.Type]
	if !ok {
		proto = protoOther
	}
	b = protowire.AppendTag(b, fieldProtocol, protowire.VarintType)
	b = protowire.AppendVarint(b, proto)
	b = protowire.AppendTag(b, fieldMetric, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(int32(e.Metric))))

	if rt != routeNormal {
		return b
	}
	for _, nh := range hops {
		b = protowire.AppendTag(b, fieldNexthops, protowire.BytesType)
		b = protowire.AppendBytes(b, nexthop(nh))
	}
	return b
}

func nexthop(nh route.Nexthop) []byte {
	var b []byte
	if nh.Ifindex != 0 {
		var ifid []byte
		ifid = protowire.AppendTag(ifid, fieldIfIndex, protowire.VarintType)
		ifid = protowire.AppendVarint(ifid, uint64(nh.Ifindex))
		b = protowire.AppendTag(b, fieldNexthopIf, protowire.BytesType)
		b = protowire.AppendBytes(b, ifid)
	}
	if nh.Gateway.IsValid() {
		var addr, inner []byte
		if nh.Gateway.Is4() {
			a := nh.Gateway.As4()
			inner = protowire.AppendTag(inner, fieldV4Value, protowire.Fixed32Type)
			inner = protowire.AppendFixed32(inner, uint32(a[0])<<24|uint32(a[1])<<16|uint32(a[2])<<8|uint32(a[3]))
			addr = protowire.AppendTag(addr, fieldAddrV4, protowire.BytesType)
		} else {
			inner = protowire.AppendTag(inner, fieldV6Bytes, protowire.BytesType)
			inner = protowire.AppendBytes(inner, nh.Gateway.AsSlice())
			addr = protowire.AppendTag(addr, fieldAddrV6, protowire.BytesType)
		}
		addr = protowire.AppendBytes(addr, inner)
		b = protowire.AppendTag(b, fieldNexthopAddress, protowire.BytesType)
		b = protowire.AppendBytes(b, addr)
	}
	return b
}
