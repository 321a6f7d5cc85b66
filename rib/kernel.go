package rib

import (
	"errors"
	"net/netip"
	"slices"

	"github.com/encodeous/fibd/kernel"
	"github.com/encodeous/fibd/route"
)

// Notify folds a kernel notification into the RIB. Changes made by other
// actors are confirmations at best; the exception is a deletion of a route
// this daemon installed, which is the only evidence the FIB lost it.
func (s *Store) Notify(n kernel.Notification) {
	switch n.Kind {
	case kernel.NotifyLink:
		switch {
		case n.Delete:
			s.RemoveLink(n.Ifindex)
		default:
			s.SetLink(n.Ifindex, n.Up)
		}
	case kernel.NotifyAddr:
		if !n.Prefix.IsValid() {
			return
		}
		var err error
		if n.Delete {
			err = s.DelAddr(n.Ifindex, n.Prefix)
		} else {
			err = s.AddAddr(n.Ifindex, n.Prefix)
		}
		if err != nil {
			s.log.Warn("failed to apply address change", "notification", n, "error", err)
		}
	case kernel.NotifyRoute:
		s.notifyRoute(n)
	}
}

func (s *Store) notifyRoute(n kernel.Notification) {
	if n.Ignored || n.Entry == nil || !n.Prefix.IsValid() {
		return
	}
	if n.Table != 0 && n.Table != s.table {
		return
	}
	prefix := n.Prefix.Masked()
	if n.Own {
		if !n.Delete {
			// our own change, echoed by another socket
			return
		}
		d := s.dest(prefix, false, false)
		if d == nil || d.installed == nil {
			return
		}
		s.log.Warn("route removed from kernel behind our back", "prefix", prefix)
		d.installed = nil
		d.installedHops = nil
		d.stale = false
		if sel := d.Selected(); sel != nil {
			sel.ClearFIB()
			s.queue.Enqueue(d, sel.Type.Class())
		}
		return
	}
	if n.Delete {
		err := s.Delete(prefix, route.Kernel, Selector{})
		if err != nil && !errors.Is(err, ErrNoSuchRoute) {
			s.log.Warn("failed to remove kernel route", "prefix", prefix, "error", err)
		}
		return
	}
	e := n.Entry.Clone()
	e.Type = route.Kernel
	e.Table = s.table
	if err := s.Add(prefix, e); err != nil {
		s.log.Warn("failed to add kernel route", "prefix", prefix, "error", err)
	}
}

// AdoptSelfRoute records a route a previous run of this daemon left in the
// kernel. It is treated as installed, so a fresh selection replaces it in
// place, and it is removed by Sweep if nothing claims the prefix by then.
func (s *Store) AdoptSelfRoute(prefix netip.Prefix, e *route.Entry) {
	prefix = prefix.Masked()
	e = e.Clone()
	e.Type = route.Kernel
	e.Flags = e.Flags&^route.FlagSelected | route.FlagSelfRoute
	e.Table = s.table
	d := s.dest(prefix, false, true)
	if i := d.findEntry(isSelfRoute); i >= 0 {
		d.Entries[i] = e
	} else {
		d.Entries = append(d.Entries, e)
	}
	if d.installed == nil {
		d.installed = e.Clone()
		d.installedHops = installable(e)
		d.stale = true
	}
}

// installable is the nexthop list a route read back from the kernel was installed with.
func installable(e *route.Entry) []route.Nexthop {
	if e.Discard() {
		return nil
	}
	out := make([]route.Nexthop, 0, len(e.Nexthops))
	for _, nh := range e.Nexthops {
		nh.Flags = nh.Flags&route.NhOnlink | route.NhActive
		nh.Resolved = nil
		out = append(out, nh)
	}
	return out
}

// Sweep drops the routes adopted at startup and queues their destinations,
// withdrawing from the kernel whatever was not claimed in the meantime.
func (s *Store) Sweep() int {
	var swept []*Dest
	for _, d := range s.unicast.All() {
		if slices.ContainsFunc(d.Entries, isSelfRoute) {
			swept = append(swept, d)
		}
	}
	for _, d := range swept {
		d.Entries = slices.DeleteFunc(d.Entries, isSelfRoute)
		if d.stale {
			s.queue.Enqueue(d, route.ClassConnected)
		}
		s.Release(d)
	}
	if len(swept) > 0 {
		s.log.Info("swept routes left by a previous run", "count", len(swept))
	}
	return len(swept)
}

func isSelfRoute(e *route.Entry) bool {
	return e.Flags&route.FlagSelfRoute != 0
}

type addrKey struct {
	ifindex uint32
	prefix  netip.Prefix
}

// Resync folds a full kernel dump into the RIB. Routes this daemon owns
// are adopted where nothing is installed yet; links, addresses and
// foreign routes missing from the dump are removed, and destinations whose
// installed route vanished or whose last transaction failed are queued to be
// programmed again. It returns
// the number of adopted routes, which stay until the next Sweep.
func (s *Store) Resync(notes []kernel.Notification) int {
	links := make(map[uint32]bool)
	addrs := make(map[addrKey]bool)
	foreign := make(map[netip.Prefix]bool)
	own := make(map[netip.Prefix]bool)
	adopted := 0

	for _, n := range notes {
		switch n.Kind {
		case kernel.NotifyLink:
			links[n.Ifindex] = true
		case kernel.NotifyAddr:
			addrs[addrKey{n.Ifindex, n.Prefix.Masked()}] = true
		case kernel.NotifyRoute:
			if n.Ignored || n.Entry == nil || !n.Prefix.IsValid() || (n.Table != 0 && n.Table != s.table) {
				continue
			}
			p := n.Prefix.Masked()
			if n.Own {
				own[p] = true
				if d := s.dest(p, false, false); d == nil || d.installed == nil {
					s.AdoptSelfRoute(p, n.Entry)
					adopted++
				}
				continue
			}
			foreign[p] = true
		}
		if !n.Delete {
			s.Notify(n)
		}
	}

	var gone []*Dest
	for p, d := range s.unicast.All() {
		vanished := d.installed != nil && !own[p]
		retry := d.LastErr != nil
		n := len(d.Entries)
		d.Entries = slices.DeleteFunc(d.Entries, func(e *route.Entry) bool {
			switch {
			case isSelfRoute(e):
				return false
			case e.Type == route.Kernel:
				return !foreign[p]
			case e.Type == route.Connect:
				return !slices.ContainsFunc(e.Nexthops, func(nh route.Nexthop) bool {
					return addrs[addrKey{nh.Ifindex, p}]
				})
			}
			return false
		})
		if vanished {
			d.installed = nil
			d.installedHops = nil
			d.stale = false
			if sel := d.Selected(); sel != nil {
				sel.ClearFIB()
			}
		}
		if vanished || retry || len(d.Entries) != n {
			gone = append(gone, d)
		}
	}
	for _, d := range gone {
		s.queue.Enqueue(d, route.ClassConnected)
	}
	for ifindex := range s.links {
		if !links[ifindex] {
			s.RemoveLink(ifindex)
		}
	}
	s.log.Info("resynchronized with kernel", "notifications", len(notes), "adopted", adopted, "changed", len(gone))
	return adopted
}
