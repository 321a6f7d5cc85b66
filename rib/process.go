package rib

import (
	"slices"

	"github.com/encodeous/fibd/perf"
	"github.com/encodeous/fibd/resolve"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
)

// ProcessQueue drains the meta-queue and returns how many destinations were processed.
func (s *Store) ProcessQueue() int {
	perf.RibQueueLength.Add(float64(s.queue.Len()))
	n := 0
	for s.ProcessOne() {
		n++
	}
	return n
}

// ProcessOne processes the next queued destination. It reports false when
// the queue is empty.
func (s *Store) ProcessOne() bool {
	d := s.queue.DrainOne()
	if d == nil {
		return false
	}
	perf.RibProcessed.Add(1)
	s.process(d)
	return true
}

func (s *Store) selectBest(d *Dest) (*route.Entry, resolve.Result) {
	var best *route.Entry
	var bestRes resolve.Result
	for _, e := range d.Entries {
		e.Flags &^= route.FlagSelected
		if isSelfRoute(e) || e.Distance == route.DistanceInfinity {
			continue
		}
		res := s.resolver.Resolve(e)
		if res.Active == 0 {
			continue
		}
		if best == nil || e.Better(best) {
			best, bestRes = e, res
		}
	}
	if best != nil {
		best.Flags |= route.FlagSelected
	}
	return best, bestRes
}

func (s *Store) process(d *Dest) {
	best, res := s.selectBest(d)
	s.rpfCache.DeleteAll()

	for _, e := range d.Entries {
		if e != best {
			e.ClearFIB()
		}
	}
	var ev Event
	if d.Multicast {
		ev = Event{Kind: EventWithdrawn, Prefix: d.Prefix, Dest: d}
		if best != nil {
			ev.Kind, ev.Entry, ev.Install = EventInstalled, best, res.Install
		}
	} else {
		ev = s.sync(d, best, res)
	}
	s.log.Debug("processed destination", "event", ev)
	s.emit(ev)

	moved := (best != nil) != d.forwarding || !sameHops(d.forwardingHops, res.Install)
	d.forwarding = best != nil
	d.forwardingHops = slices.Clone(res.Install)
	if moved && !d.Multicast {
		s.requeueDependents(d)
	}
	s.Release(d)
}

// inKernel reports whether routes of this type are placed in the kernel by the
// kernel itself.
func inKernel(e *route.Entry) bool {
	return e.Type == route.Kernel || e.Type == route.Connect
}

// sync issues at most one kernel transaction bringing the installed
// snapshot of d in line with best.
func (s *Store) sync(d *Dest, best *route.Entry, res resolve.Result) Event {
	ev := Event{Prefix: d.Prefix, Dest: d, Entry: best, Install: res.Install}
	var want *route.Entry
	switch {
	case best == nil:
	case inKernel(best):
		markFIB(best, res.Install)
	case s.excluded(d.Prefix):
		s.log.Debug("prefix excluded from kernel", "prefix", d.Prefix)
	default:
		want = best
	}

	if want != nil && d.installed != nil && d.installed.Table != want.Table {
		// a replace cannot move a route between tables
		if err := s.withdraw(d); err != nil {
			return s.failed(ev, d, best, err)
		}
		ev.Changed = true
	}

	switch {
	case want == nil && d.installed == nil:
		ev.Kind = EventWithdrawn
		if best != nil && inKernel(best) {
			ev.Kind = EventInstalled
		}
		return ev
	case want == nil && d.stale && slices.ContainsFunc(d.Entries, isSelfRoute):
		// adopted at startup, left for Sweep
		ev.Kind = EventWithdrawn
		return ev
	case want == nil:
		if err := s.withdraw(d); err != nil {
			return s.failed(ev, d, best, err)
		}
		ev.Changed = true
		ev.Kind = EventWithdrawn
		if best != nil && inKernel(best) {
			ev.Kind = EventInstalled
		}
		return ev
	}

	if d.installed != nil && d.installed.Same(want) && sameHops(d.installedHops, res.Install) {
		markFIB(want, res.Install)
		ev.Kind = EventInstalled
		return ev
	}
	cmd := wire.CmdAdd
	if d.installed != nil {
		cmd = wire.CmdReplace
	}
	if err := s.route(cmd, d, want, res.Install); err != nil {
		return s.failed(ev, d, best, err)
	}
	d.installed = want.Clone()
	d.installed.Flags &^= route.FlagSelected
	d.installedHops = slices.Clone(res.Install)
	d.stale = false
	d.LastErr = nil
	markFIB(want, res.Install)
	ev.Kind = EventInstalled
	ev.Changed = true
	return ev
}

func (s *Store) route(cmd wire.Cmd, d *Dest, e *route.Entry, install []route.Nexthop) error {
	if s.fib == nil {
		return ErrNoFIB
	}
	return s.fib.Route(cmd, d.Prefix, e, install)
}

func (s *Store) withdraw(d *Dest) error {
	if err := s.route(wire.CmdDelete, d, d.installed, d.installedHops); err != nil {
		return err
	}
	d.installed = nil
	d.installedHops = nil
	d.stale = false
	d.LastErr = nil
	return nil
}

// failed records a rejected transaction. The destination is not re-queued;
// the next change to it retries.
func (s *Store) failed(ev Event, d *Dest, best *route.Entry, err error) Event {
	d.LastErr = err
	if best != nil && !inKernel(best) {
		best.ClearFIB()
	}
	s.log.Warn("kernel transaction failed", "prefix", d.Prefix, "error", err)
	ev.Kind = EventFailed
	ev.Err = err
	return ev
}

func sameHop(a, b *route.Nexthop) bool {
	return a.Kind == b.Kind && a.Gateway == b.Gateway && a.Ifindex == b.Ifindex
}

func sameHops(a, b []route.Nexthop) bool {
	return slices.EqualFunc(a, b, func(x, y route.Nexthop) bool {
		return x.SameForwarding(&y)
	})
}

// markFIB flags the nexthops of e that ended up in install, and clears the rest.
func markFIB(e *route.Entry, install []route.Nexthop) {
	in := func(nh *route.Nexthop) bool {
		for i := range install {
			if sameHop(nh, &install[i]) {
				return true
			}
		}
		return false
	}
	for i := range e.Nexthops {
		nh := &e.Nexthops[i]
		nh.Flags &^= route.NhFIB
		if !nh.Eligible() {
			continue
		}
		if len(nh.Resolved) == 0 {
			if in(nh) {
				nh.Flags |= route.NhFIB
			}
			continue
		}
		for j := range nh.Resolved {
			rn := &nh.Resolved[j]
			rn.Flags &^= route.NhFIB
			if in(rn) {
				rn.Flags |= route.NhFIB
				nh.Flags |= route.NhFIB
			}
		}
	}
}

// requeueDependents queues destinations whose resolution may go through d.
func (s *Store) requeueDependents(d *Dest) {
	var deps []*Dest
	for _, other := range s.unicast.All() {
		if other == d || other.queued != 0 {
			continue
		}
		if dependsOn(other, d) {
			deps = append(deps, other)
		}
	}
	for _, dep := range deps {
		sel := dep.Selected()
		class := route.ClassOther
		if sel != nil {
			class = sel.Type.Class()
		} else if len(dep.Entries) > 0 {
			class = dep.Entries[0].Type.Class()
		}
		s.queue.Enqueue(dep, class)
	}
}

func dependsOn(other, d *Dest) bool {
	for _, e := range other.Entries {
		for _, nh := range e.Nexthops {
			switch nh.Kind {
			case route.KindRecursive:
				if d.Prefix.Bits() <= nh.Target.Bits() && d.Prefix.Contains(nh.Target.Addr()) {
					return true
				}
			case route.KindGateway:
				if d.Prefix.Contains(nh.Gateway) {
					return true
				}
			}
		}
	}
	return false
}
