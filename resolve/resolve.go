// Package resolve decides which nexthops of a route can be installed.
package resolve

import (
	"net/netip"

	"github.com/encodeous/fibd/route"
)

type LinkState interface {
	LinkUp(ifindex uint32) bool
}

// RouteLookup finds the selected entry of the most specific destination
// covering a prefix, skipping destinations without a selected entry.
type RouteLookup interface {
	Covering(p netip.Prefix) (netip.Prefix, *route.Entry)
}

type Resolver struct {
	Links  LinkState
	Routes RouteLookup
	// Multipath caps the nexthops pushed to the kernel; zero means no cap.
	Multipath int
}

type Result struct {
	// Install holds the forwarding nexthops to program, recursive ones replaced by their resolution.
	Install []route.Nexthop
	// Active counts active nexthops of the entry, including those beyond the cap.
	Active int
}

// Resolve recomputes the active flag and resolution of every nexthop of e.
// Recursive nexthops are followed exactly one level.
func (r *Resolver) Resolve(e *route.Entry) Result {
	var res Result
	for i := range e.Nexthops {
		nh := &e.Nexthops[i]
		nh.Flags &^= route.NhActive
		nh.Resolved = nil
		if nh.Kind == route.KindRecursive {
			nh.Flags |= route.NhRecursive
			nh.Resolved = r.recursive(nh)
			if len(nh.Resolved) > 0 {
				nh.Flags |= route.NhActive
			}
		} else if resolved, ok := r.direct(*nh); ok {
			nh.Flags |= route.NhActive
			if resolved.Ifindex != nh.Ifindex {
				nh.Resolved = []route.Nexthop{resolved}
			}
		}
		if !nh.Eligible() {
			continue
		}
		res.Active++
		if nh.Resolved == nil {
			res.Install = r.appendCapped(res.Install, *nh)
			continue
		}
		for _, rn := range nh.Resolved {
			if !rn.Src.IsValid() {
				rn.Src = nh.Src
			}
			res.Install = r.appendCapped(res.Install, rn)
		}
	}
	if e.Discard() {
		res.Install = nil
		res.Active = max(res.Active, 1)
	}
	return res
}

func (r *Resolver) appendCapped(install []route.Nexthop, nh route.Nexthop) []route.Nexthop {
	if r.Multipath > 0 && len(install) >= r.Multipath {
		return install
	}
	for _, in := range install {
		if in.SameForwarding(&nh) {
			return install
		}
	}
	nh.Resolved = nil
	nh.Flags = nh.Flags&route.NhOnlink | route.NhActive
	return append(install, nh)
}

// direct resolves a non-recursive nexthop. A gateway without an interface is
// reachable through the connected route covering it.
func (r *Resolver) direct(nh route.Nexthop) (route.Nexthop, bool) {
	switch nh.Kind {
	case route.KindBlackhole:
		return nh, true
	case route.KindIfindex, route.KindGatewayIfindex:
		return nh, r.Links != nil && r.Links.LinkUp(nh.Ifindex)
	case route.KindGateway:
		if r.Routes == nil || nh.Flags&route.NhOnlink != 0 {
			return nh, false
		}
		_, conn := r.Routes.Covering(netip.PrefixFrom(nh.Gateway, nh.Gateway.BitLen()))
		if conn == nil || conn.Type != route.Connect {
			return nh, false
		}
		for _, cn := range conn.Nexthops {
			if cn.Ifindex != 0 && r.Links != nil && r.Links.LinkUp(cn.Ifindex) {
				out := route.GatewayNexthop(nh.Gateway, cn.Ifindex)
				out.Src, out.Weight, out.Flags = nh.Src, nh.Weight, nh.Flags
				return out, true
			}
		}
	}
	return nh, false
}

// recursive resolves nh through the selected entry covering its target. That
// entry must not itself recurse; deeper chains stay unresolved.
func (r *Resolver) recursive(nh *route.Nexthop) []route.Nexthop {
	if r.Routes == nil {
		return nil
	}
	_, via := r.Routes.Covering(nh.Target)
	if via == nil || via.HasRecursive() {
		return nil
	}
	if via.Discard() {
		return []route.Nexthop{route.BlackholeNexthop()}
	}
	gw := nh.Gateway
	if !gw.IsValid() && nh.Target.IsSingleIP() {
		gw = nh.Target.Addr()
	}
	var out []route.Nexthop
	for _, vn := range via.Nexthops {
		if vn.IsRecursive() {
			return nil
		}
		resolved, ok := r.direct(vn)
		if !ok {
			continue
		}
		resolved.Flags = resolved.Flags&route.NhOnlink | route.NhActive
		resolved.Resolved = nil
		if vn.Kind == route.KindIfindex && gw.IsValid() {
			// an interface route delivers the gateway on link
			resolved = route.GatewayNexthop(gw, vn.Ifindex)
			resolved.Flags |= route.NhActive
		}
		resolved.Weight = nh.Weight
		out = append(out, resolved)
	}
	return out
}
