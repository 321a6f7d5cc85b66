package rib

import (
	"net/netip"
	"slices"

	"github.com/encodeous/fibd/route"
)

// Dest is every route known for one prefix, plus what this daemon last
// programmed into the kernel for it.
type Dest struct {
	Prefix    netip.Prefix
	Multicast bool
	Entries   []*route.Entry
	// LastErr is the error of the most recent failed kernel transaction.
	LastErr error

	installed     *route.Entry
	installedHops []route.Nexthop

	// forwarding state seen by the last processing pass, used to find
	// destinations resolving through this one
	forwarding     bool
	forwardingHops []route.Nexthop

	// queued is the sub-queue class plus one, zero when not queued.
	queued uint8
	// stale is set while installed is a route adopted from a previous run
	stale      bool
	fpmSent    bool
	fpmPending bool
}

// Selected returns the entry chosen by the last processing pass.
func (d *Dest) Selected() *route.Entry {
	for _, e := range d.Entries {
		if e.Selected() {
			return e
		}
	}
	return nil
}

// Installed returns a snapshot of the route this daemon has in the kernel.
func (d *Dest) Installed() (*route.Entry, []route.Nexthop) {
	return d.installed, d.installedHops
}

// Forwarding returns the nexthops the selected entry resolved to in the last
// processing pass, whether this daemon or the kernel installed them.
func (d *Dest) Forwarding() []route.Nexthop {
	return d.forwardingHops
}

func (d *Dest) Queued() (route.Class, bool) {
	if d.queued == 0 {
		return 0, false
	}
	return route.Class(d.queued - 1), true
}

func (d *Dest) FPMSent() bool    { return d.fpmSent }
func (d *Dest) FPMPending() bool { return d.fpmPending }

func (d *Dest) SetFPMSent(v bool)    { d.fpmSent = v }
func (d *Dest) SetFPMPending(v bool) { d.fpmPending = v }

// usable reports whether lookups may stop at d.
func (d *Dest) usable() bool {
	sel := d.Selected()
	if sel == nil {
		return false
	}
	return sel.Discard() || slices.ContainsFunc(sel.Nexthops, func(nh route.Nexthop) bool {
		return nh.Eligible()
	})
}

// removable reports whether nothing keeps d alive in the table.
func (d *Dest) removable() bool {
	return len(d.Entries) == 0 && d.installed == nil && d.queued == 0 && !d.fpmSent && !d.fpmPending
}

func (d *Dest) findEntry(fn func(e *route.Entry) bool) int {
	return slices.IndexFunc(d.Entries, fn)
}
