// Package rib holds every route submitted to the daemon, selects one per
// prefix and keeps the kernel forwarding table in step with the selection.
package rib

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"time"

	"github.com/encodeous/fibd/resolve"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"github.com/gaissmai/bart"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrNoSuchRoute   = errors.New("no such route")
	ErrInvalidPrefix = errors.New("invalid prefix")
	ErrNoFIB         = errors.New("no kernel channel attached")
)

// FIB programs routes into the kernel. kernel.Channel implements it.
type FIB interface {
	Route(cmd wire.Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) error
}

type Options struct {
	FIB         FIB
	Multipath   int
	Distances   route.Distances
	RPFMode     RPFMode
	RPFCacheTTL time.Duration
	// Exclude lists prefixes that are never programmed into the kernel.
	Exclude []netip.Prefix
	// Table is the kernel table whose notifications are reconciled.
	Table    uint32
	Listener func(Event)
	Log      *slog.Logger
}

type bartTable = bart.Table[*Dest]

type Store struct {
	unicast   bartTable
	multicast bartTable
	exclude   bart.Table[struct{}]
	queue     MetaQueue
	links     map[uint32]bool
	fib       FIB
	resolver  resolve.Resolver
	distances route.Distances
	table     uint32
	rpfMode   RPFMode
	rpfCache  *ttlcache.Cache[netip.Addr, rpfResult]
	listener  func(Event)
	log       *slog.Logger
}

func NewStore(opts Options) *Store {
	s := &Store{
		links:     make(map[uint32]bool),
		fib:       opts.FIB,
		distances: opts.Distances,
		table:     opts.Table,
		rpfMode:   opts.RPFMode,
		listener:  opts.Listener,
		log:       opts.Log,
	}
	if s.table == 0 {
		s.table = route.MainTable
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	ttl := opts.RPFCacheTTL
	if ttl <= 0 {
		ttl = DefaultRPFCacheTTL
	}
	s.rpfCache = ttlcache.New[netip.Addr, rpfResult](
		ttlcache.WithTTL[netip.Addr, rpfResult](ttl),
		ttlcache.WithDisableTouchOnHit[netip.Addr, rpfResult](),
	)
	s.resolver = resolve.Resolver{Links: s, Routes: s, Multipath: opts.Multipath}
	for _, p := range opts.Exclude {
		s.exclude.Insert(p.Masked(), struct{}{})
	}
	return s
}

func (s *Store) tableFor(multicast bool) *bart.Table[*Dest] {
	if multicast {
		return &s.multicast
	}
	return &s.unicast
}

func (s *Store) dest(prefix netip.Prefix, multicast bool, create bool) *Dest {
	t := s.tableFor(multicast)
	if d, ok := t.Get(prefix); ok {
		return d
	}
	if !create {
		return nil
	}
	d := &Dest{Prefix: prefix, Multicast: multicast}
	t.Insert(prefix, d)
	return d
}

// Add submits e for the unicast prefix. An entry from the same source is
// replaced, unless the two are functionally identical.
func (s *Store) Add(prefix netip.Prefix, e *route.Entry) error {
	return s.add(prefix, e, false)
}

// AddMulticast submits e to the multicast RIB used for RPF lookups. Those
// routes are never programmed into the kernel.
func (s *Store) AddMulticast(prefix netip.Prefix, e *route.Entry) error {
	return s.add(prefix, e, true)
}

func (s *Store) add(prefix netip.Prefix, e *route.Entry, multicast bool) error {
	if !prefix.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidPrefix, prefix)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("add %s: invalid route type %d", prefix, e.Type)
	}
	prefix = prefix.Masked()
	e = e.Clone()
	e.Flags &^= route.FlagSelected
	if e.Table == 0 {
		e.Table = s.table
	}
	if e.Distance == 0 {
		e.Distance = s.distances.For(e.Type, e.Flags)
	}
	if e.Uptime.IsZero() {
		e.Uptime = time.Now()
	}

	d := s.dest(prefix, multicast, true)
	if i := d.findEntry(func(o *route.Entry) bool { return !isSelfRoute(o) && o.SameSource(e) }); i >= 0 {
		switch {
		case !d.Entries[i].Same(e):
			d.Entries[i] = e
		case d.LastErr == nil:
			s.log.Debug("ignoring identical route", "prefix", prefix, "type", e.Type)
			return nil
		default:
			s.log.Debug("retrying route after failed transaction", "prefix", prefix, "type", e.Type, "error", d.LastErr)
		}
	} else {
		d.Entries = append(d.Entries, e)
	}
	s.queue.Enqueue(d, e.Type.Class())
	return nil
}

// Selector picks the entries of one type a delete applies to. Zero fields
// match anything.
type Selector struct {
	Instance uint16
	Gateway  netip.Addr
	Ifindex  uint32
}

func (sel Selector) matches(t route.Type, e *route.Entry) bool {
	if e.Type != t || e.Instance != sel.Instance {
		return false
	}
	if sel.Ifindex != 0 && !e.UsesIfindex(sel.Ifindex) {
		return false
	}
	if sel.Gateway.IsValid() {
		for _, nh := range e.Nexthops {
			if nh.Gateway == sel.Gateway {
				return true
			}
		}
		return false
	}
	return true
}

// Delete withdraws the first entry of type t matching sel.
func (s *Store) Delete(prefix netip.Prefix, t route.Type, sel Selector) error {
	return s.delete(prefix, t, sel, false)
}

func (s *Store) DeleteMulticast(prefix netip.Prefix, t route.Type, sel Selector) error {
	return s.delete(prefix, t, sel, true)
}

func (s *Store) delete(prefix netip.Prefix, t route.Type, sel Selector, multicast bool) error {
	if !prefix.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidPrefix, prefix)
	}
	prefix = prefix.Masked()
	d := s.dest(prefix, multicast, false)
	if d == nil {
		return fmt.Errorf("delete %s %s: %w", t, prefix, ErrNoSuchRoute)
	}
	i := d.findEntry(func(e *route.Entry) bool {
		return !isSelfRoute(e) && sel.matches(t, e)
	})
	if i < 0 {
		return fmt.Errorf("delete %s %s: %w", t, prefix, ErrNoSuchRoute)
	}
	d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
	s.queue.Enqueue(d, t.Class())
	return nil
}

// ForEach calls fn for every entry of the unicast prefix.
func (s *Store) ForEach(prefix netip.Prefix, fn func(e *route.Entry)) {
	d := s.dest(prefix.Masked(), false, false)
	if d == nil {
		return
	}
	for _, e := range d.Entries {
		fn(e)
	}
}

// Lookup returns the selected entry of exactly prefix.
func (s *Store) Lookup(prefix netip.Prefix) *route.Entry {
	d := s.dest(prefix.Masked(), false, false)
	if d == nil {
		return nil
	}
	return d.Selected()
}

// Dest returns the unicast destination for prefix, if any.
func (s *Store) Dest(prefix netip.Prefix) *Dest {
	return s.dest(prefix.Masked(), false, false)
}

// Match returns the most specific unicast destination covering addr that has
// a usable selected route.
func (s *Store) Match(addr netip.Addr) *Dest {
	return s.match(&s.unicast, netip.PrefixFrom(addr, addr.BitLen()), (*Dest).usable)
}

func (s *Store) match(t *bart.Table[*Dest], p netip.Prefix, ok func(*Dest) bool) *Dest {
	if !p.IsValid() {
		return nil
	}
	var best *Dest
	for sp, d := range t.Supernets(p) {
		if ok(d) && (best == nil || sp.Bits() > best.Prefix.Bits()) {
			best = d
		}
	}
	return best
}

// Covering implements resolve.RouteLookup over the unicast table.
func (s *Store) Covering(p netip.Prefix) (netip.Prefix, *route.Entry) {
	d := s.match(&s.unicast, p, func(d *Dest) bool { return d.Selected() != nil })
	if d == nil {
		return netip.Prefix{}, nil
	}
	return d.Prefix, d.Selected()
}

// LinkUp implements resolve.LinkState.
func (s *Store) LinkUp(ifindex uint32) bool {
	return s.links[ifindex]
}

// All iterates over every unicast destination.
func (s *Store) All() iter.Seq2[netip.Prefix, *Dest] {
	return s.unicast.All()
}

func (s *Store) AllMulticast() iter.Seq2[netip.Prefix, *Dest] {
	return s.multicast.All()
}

func (s *Store) QueueLen() int {
	return s.queue.Len()
}

// Release drops d from its table once nothing references it.
func (s *Store) Release(d *Dest) {
	if !d.removable() {
		return
	}
	t := s.tableFor(d.Multicast)
	if cur, ok := t.Get(d.Prefix); ok && cur == d {
		t.Delete(d.Prefix)
		s.rpfCache.DeleteAll()
	}
}

func (s *Store) excluded(p netip.Prefix) bool {
	for range s.exclude.Supernets(p) {
		return true
	}
	return false
}

func (s *Store) emit(ev Event) {
	if s.listener != nil {
		s.listener(ev)
	}
}
