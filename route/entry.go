package route

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
)

type Flags uint16

const (
	FlagSelfRoute Flags = 1 << iota
	FlagStatic
	FlagReject
	FlagBlackhole
	FlagSelected
	FlagIBGP
)

// bookkeeping flags are maintained by the RIB and never compared between submissions.
const bookkeeping = FlagSelected

func (f Flags) String() string {
	parts := make([]string, 0, 6)
	for _, v := range []struct {
		f    Flags
		name string
	}{
		{FlagSelfRoute, "self"},
		{FlagStatic, "static"},
		{FlagReject, "reject"},
		{FlagBlackhole, "blackhole"},
		{FlagSelected, "selected"},
		{FlagIBGP, "ibgp"},
	} {
		if f&v.f != 0 {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "|")
}

const MainTable uint32 = 254

// Entry is a single route submitted by one source for one prefix.
type Entry struct {
	Type     Type
	Instance uint16
	Table    uint32
	Distance uint8
	Metric   uint32
	Flags    Flags
	Nexthops []Nexthop
	Uptime   time.Time
}

// Discard reports whether the route drops traffic instead of forwarding it.
func (e *Entry) Discard() bool {
	return e.Flags&(FlagBlackhole|FlagReject) != 0
}

func (e *Entry) Selected() bool {
	return e.Flags&FlagSelected != 0
}

// SameSource reports whether o replaces e on add. Connected routes are also
// keyed on their interface, since one prefix may be attached to several links.
func (e *Entry) SameSource(o *Entry) bool {
	if e.Type != o.Type || e.Instance != o.Instance {
		return false
	}
	if e.Type == Connect {
		return e.firstIfindex() == o.firstIfindex()
	}
	return true
}

func (e *Entry) firstIfindex() uint32 {
	for _, nh := range e.Nexthops {
		if nh.Ifindex != 0 {
			return nh.Ifindex
		}
	}
	return 0
}

// Same reports whether two entries are functionally identical.
func (e *Entry) Same(o *Entry) bool {
	if e.Type != o.Type || e.Instance != o.Instance || e.Table != o.Table ||
		e.Distance != o.Distance || e.Metric != o.Metric ||
		e.Flags&^bookkeeping != o.Flags&^bookkeeping {
		return false
	}
	return slices.EqualFunc(e.Nexthops, o.Nexthops, func(a, b Nexthop) bool {
		return a.SameForwarding(&b)
	})
}

// UsesIfindex reports whether any nexthop, resolved or not, goes through ifindex.
func (e *Entry) UsesIfindex(ifindex uint32) bool {
	for _, nh := range e.Nexthops {
		if nh.Ifindex == ifindex {
			return true
		}
		for _, r := range nh.Resolved {
			if r.Ifindex == ifindex {
				return true
			}
		}
	}
	return false
}

func (e *Entry) HasRecursive() bool {
	return slices.ContainsFunc(e.Nexthops, func(nh Nexthop) bool {
		return nh.Kind == KindRecursive
	})
}

// ClearFIB drops the installed marker from every nexthop.
func (e *Entry) ClearFIB() {
	for i := range e.Nexthops {
		e.Nexthops[i].Flags &^= NhFIB
		for j := range e.Nexthops[i].Resolved {
			e.Nexthops[i].Resolved[j].Flags &^= NhFIB
		}
	}
}

func (e *Entry) Clone() *Entry {
	c := *e
	c.Nexthops = make([]Nexthop, len(e.Nexthops))
	for i, nh := range e.Nexthops {
		c.Nexthops[i] = nh.Clone()
	}
	return &c
}

func (e *Entry) String() string {
	nhs := make([]string, 0, len(e.Nexthops))
	for _, nh := range e.Nexthops {
		nhs = append(nhs, nh.String())
	}
	return fmt.Sprintf("%s[%d/%d] table %d flags %s nexthops {%s}",
		e.Type, e.Distance, e.Metric, e.Table, e.Flags, strings.Join(nhs, ", "))
}

// Better reports whether e should be selected over o. The order is total:
// distance, type precedence, metric, then instance.
func (e *Entry) Better(o *Entry) bool {
	if e.Distance != o.Distance {
		return e.Distance < o.Distance
	}
	if ep, op := e.Type.Precedence(), o.Type.Precedence(); ep != op {
		return ep < op
	}
	if e.Metric != o.Metric {
		return e.Metric < o.Metric
	}
	if e.Instance != o.Instance {
		return e.Instance < o.Instance
	}
	return e.firstIfindex() < o.firstIfindex()
}

// Family of a prefix, used to pick address widths on the wire.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func FamilyOf(p netip.Prefix) Family {
	if p.Addr().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// Width is the byte width of an address of this family.
func (f Family) Width() int {
	if f == FamilyV4 {
		return 4
	}
	return 16
}

func (f Family) String() string {
	if f == FamilyV4 {
		return "ipv4"
	}
	return "ipv6"
}
