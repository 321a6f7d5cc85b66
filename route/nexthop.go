package route

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

type NexthopKind uint8

const (
	KindIfindex NexthopKind = iota + 1
	KindGateway
	KindGatewayIfindex
	KindRecursive
	KindBlackhole
)

func (k NexthopKind) String() string {
	switch k {
	case KindIfindex:
		return "ifindex"
	case KindGateway:
		return "gateway"
	case KindGatewayIfindex:
		return "gateway-ifindex"
	case KindRecursive:
		return "recursive"
	case KindBlackhole:
		return "blackhole"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type NexthopFlags uint8

const (
	// NhActive marks a nexthop as reachable after resolution, and therefore eligible for the kernel.
	NhActive NexthopFlags = 1 << iota
	// NhFIB marks a nexthop as currently installed in the kernel.
	NhFIB
	NhRecursive
	NhOnlink
)

func (f NexthopFlags) String() string {
	parts := make([]string, 0, 4)
	if f&NhActive != 0 {
		parts = append(parts, "active")
	}
	if f&NhFIB != 0 {
		parts = append(parts, "fib")
	}
	if f&NhRecursive != 0 {
		parts = append(parts, "recursive")
	}
	if f&NhOnlink != 0 {
		parts = append(parts, "onlink")
	}
	return strings.Join(parts, "|")
}

// Nexthop is one forwarding instruction of a route. Resolved holds the result of
// chasing a recursive nexthop exactly one level, and is never itself recursive.
type Nexthop struct {
	Kind     NexthopKind
	Gateway  netip.Addr
	Ifindex  uint32
	Target   netip.Prefix
	Src      netip.Addr
	Weight   uint8
	Flags    NexthopFlags
	Resolved []Nexthop
}

func IfindexNexthop(ifindex uint32) Nexthop {
	return Nexthop{Kind: KindIfindex, Ifindex: ifindex}
}

func GatewayNexthop(gw netip.Addr, ifindex uint32) Nexthop {
	if ifindex == 0 {
		return Nexthop{Kind: KindGateway, Gateway: gw}
	}
	return Nexthop{Kind: KindGatewayIfindex, Gateway: gw, Ifindex: ifindex}
}

func RecursiveNexthop(target netip.Prefix) Nexthop {
	return Nexthop{Kind: KindRecursive, Target: target.Masked()}
}

func BlackholeNexthop() Nexthop {
	return Nexthop{Kind: KindBlackhole}
}

func (n *Nexthop) Eligible() bool {
	return n.Flags&NhActive != 0
}

func (n *Nexthop) Installed() bool {
	return n.Flags&NhFIB != 0
}

func (n *Nexthop) IsRecursive() bool {
	return n.Kind == KindRecursive || n.Flags&NhRecursive != 0
}

// SameForwarding compares the forwarding instruction, ignoring resolution state.
func (n *Nexthop) SameForwarding(o *Nexthop) bool {
	return n.Kind == o.Kind &&
		n.Gateway == o.Gateway &&
		n.Ifindex == o.Ifindex &&
		n.Target == o.Target &&
		n.Src == o.Src &&
		n.Weight == o.Weight &&
		n.Flags&NhOnlink == o.Flags&NhOnlink
}

func (n Nexthop) Clone() Nexthop {
	n.Resolved = slices.Clone(n.Resolved)
	return n
}

func (n Nexthop) String() string {
	var sb strings.Builder
	switch n.Kind {
	case KindIfindex:
		fmt.Fprintf(&sb, "dev %d", n.Ifindex)
	case KindGateway:
		fmt.Fprintf(&sb, "via %s", n.Gateway)
	case KindGatewayIfindex:
		fmt.Fprintf(&sb, "via %s dev %d", n.Gateway, n.Ifindex)
	case KindRecursive:
		fmt.Fprintf(&sb, "recursive %s", n.Target)
	case KindBlackhole:
		sb.WriteString("blackhole")
	default:
		sb.WriteString(n.Kind.String())
	}
	if n.Src.IsValid() {
		fmt.Fprintf(&sb, " src %s", n.Src)
	}
	if n.Flags != 0 {
		fmt.Fprintf(&sb, " [%s]", n.Flags)
	}
	return sb.String()
}
