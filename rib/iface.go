package rib

import (
	"errors"
	"net/netip"

	"github.com/encodeous/fibd/route"
)

// SetLink records the operational state of an interface and re-queues every
// destination whose routes might change with it.
func (s *Store) SetLink(ifindex uint32, up bool) {
	if prev, ok := s.links[ifindex]; ok && prev == up {
		return
	}
	s.links[ifindex] = up
	s.log.Debug("link state changed", "ifindex", ifindex, "up", up)
	s.requeueLink(ifindex)
}

// RemoveLink forgets an interface that no longer exists.
func (s *Store) RemoveLink(ifindex uint32) {
	if _, ok := s.links[ifindex]; !ok {
		return
	}
	delete(s.links, ifindex)
	s.log.Debug("link removed", "ifindex", ifindex)
	s.requeueLink(ifindex)
}

func (s *Store) requeueLink(ifindex uint32) {
	var queue []*Dest
	for _, t := range []*bartTable{&s.unicast, &s.multicast} {
		for _, d := range t.All() {
			if d.queued != 0 {
				continue
			}
			for _, e := range d.Entries {
				if e.UsesIfindex(ifindex) || hasUnboundNexthop(e) {
					queue = append(queue, d)
					break
				}
			}
		}
	}
	for _, d := range queue {
		s.queue.Enqueue(d, d.Entries[0].Type.Class())
	}
}

// hasUnboundNexthop reports whether e resolves through other routes, so any
// interface may affect it.
func hasUnboundNexthop(e *route.Entry) bool {
	for _, nh := range e.Nexthops {
		if nh.Kind == route.KindRecursive || nh.Kind == route.KindGateway {
			return true
		}
	}
	return false
}

// AddAddr injects the connected route implied by an interface address.
func (s *Store) AddAddr(ifindex uint32, prefix netip.Prefix) error {
	return s.Add(prefix.Masked(), &route.Entry{
		Type:     route.Connect,
		Nexthops: []route.Nexthop{route.IfindexNexthop(ifindex)},
	})
}

// DelAddr withdraws the connected route of an interface address.
func (s *Store) DelAddr(ifindex uint32, prefix netip.Prefix) error {
	err := s.Delete(prefix.Masked(), route.Connect, Selector{Ifindex: ifindex})
	if errors.Is(err, ErrNoSuchRoute) {
		return nil
	}
	return err
}
