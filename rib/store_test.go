package rib

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fibCall struct {
	cmd     wire.Cmd
	prefix  netip.Prefix
	entry   *route.Entry
	install []route.Nexthop
}

type fakeFIB struct {
	calls []fibCall
	err   error
}

func (f *fakeFIB) Route(cmd wire.Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) error {
	f.calls = append(f.calls, fibCall{cmd: cmd, prefix: prefix, entry: e, install: install})
	return f.err
}

func (f *fakeFIB) cmds() []wire.Cmd {
	out := make([]wire.Cmd, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.cmd)
	}
	return out
}

func newTestStore(t *testing.T, opts Options) (*Store, *fakeFIB) {
	t.Helper()
	fib := &fakeFIB{}
	opts.FIB = fib
	s := NewStore(opts)
	for i := uint32(1); i <= 4; i++ {
		s.SetLink(i, true)
	}
	return s, fib
}

func pfx(s string) netip.Prefix { return netip.MustParsePrefix(s) }
func addr(s string) netip.Addr  { return netip.MustParseAddr(s) }

func static(distance uint8, gw string, ifindex uint32) *route.Entry {
	return &route.Entry{
		Type:     route.Static,
		Distance: distance,
		Nexthops: []route.Nexthop{route.GatewayNexthop(addr(gw), ifindex)},
	}
}

func TestStore_InstallStatic(t *testing.T) {
	s, fib := newTestStore(t, Options{})
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	assert.Equal(t, 1, s.ProcessQueue())

	require.Len(t, fib.calls, 1)
	c := fib.calls[0]
	assert.Equal(t, wire.CmdAdd, c.cmd)
	assert.Equal(t, p, c.prefix)

	// a single nexthop goes out as RTA_GATEWAY + RTA_OIF
	msg := wire.BuildRoute(c.cmd, c.prefix, c.entry, c.install, wire.RouteOptions{Protocol: wire.ProtoZebra})
	assert.Equal(t, addr("192.0.2.1"), msg.Gateway)
	assert.Equal(t, uint32(3), msg.Oif)
	assert.Empty(t, msg.Multipath)

	sel := s.Lookup(p)
	require.NotNil(t, sel)
	assert.Equal(t, route.Static, sel.Type)
	assert.True(t, sel.Selected())
	assert.True(t, sel.Nexthops[0].Installed())
}

func TestStore_KernelThenStatic(t *testing.T) {
	s, fib := newTestStore(t, Options{})
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, static(10, "192.0.2.1", 3)))
	require.NoError(t, s.Add(p, &route.Entry{
		Type:     route.Kernel,
		Nexthops: []route.Nexthop{route.GatewayNexthop(addr("192.0.2.254"), 3)},
	}))
	s.ProcessQueue()
	assert.Equal(t, route.Kernel, s.Lookup(p).Type)
	assert.Empty(t, fib.calls, "kernel routes are already in the kernel")

	require.NoError(t, s.Delete(p, route.Kernel, Selector{}))
	s.ProcessQueue()
	sel := s.Lookup(p)
	require.NotNil(t, sel)
	assert.Equal(t, route.Static, sel.Type)
	assert.Equal(t, []wire.Cmd{wire.CmdAdd}, fib.cmds())
}

func TestStore_IdempotentAdd(t *testing.T) {
	s, fib := newTestStore(t, Options{})
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	s.ProcessQueue()
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	assert.Zero(t, s.QueueLen())
	s.ProcessQueue()
	assert.Len(t, fib.calls, 1)
}

func TestStore_ReplaceAndWithdraw(t *testing.T) {
	var events []Event
	s, fib := newTestStore(t, Options{Listener: func(ev Event) { events = append(events, ev) }})
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	s.ProcessQueue()
	require.NoError(t, s.Add(p, static(1, "192.0.2.9", 3)))
	s.ProcessQueue()
	require.NoError(t, s.Delete(p, route.Static, Selector{Gateway: addr("192.0.2.9")}))
	s.ProcessQueue()

	assert.Equal(t, []wire.Cmd{wire.CmdAdd, wire.CmdReplace, wire.CmdDelete}, fib.cmds())
	assert.Equal(t, addr("192.0.2.9"), fib.calls[2].install[0].Gateway)
	assert.Nil(t, s.Dest(p), "empty destination is released")

	require.Len(t, events, 3)
	assert.Equal(t, EventInstalled, events[0].Kind)
	assert.Equal(t, EventInstalled, events[1].Kind)
	assert.Equal(t, EventWithdrawn, events[2].Kind)
	assert.True(t, events[2].Changed)
}

func TestStore_DeleteMissing(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	p := pfx("10.0.0.0/24")
	assert.ErrorIs(t, s.Delete(p, route.Static, Selector{}), ErrNoSuchRoute)
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	assert.ErrorIs(t, s.Delete(p, route.Static, Selector{Instance: 2}), ErrNoSuchRoute)
	assert.ErrorIs(t, s.Delete(p, route.Static, Selector{Ifindex: 4}), ErrNoSuchRoute)
	assert.ErrorIs(t, s.Delete(netip.Prefix{}, route.Static, Selector{}), ErrInvalidPrefix)
}

func TestStore_TransactionFailure(t *testing.T) {
	var events []Event
	s, fib := newTestStore(t, Options{Listener: func(ev Event) { events = append(events, ev) }})
	fib.err = unix.ENETUNREACH
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	s.ProcessQueue()

	d := s.Dest(p)
	require.NotNil(t, d)
	assert.ErrorIs(t, d.LastErr, unix.ENETUNREACH)
	assert.False(t, d.Selected().Nexthops[0].Installed())
	installed, _ := d.Installed()
	assert.Nil(t, installed)
	assert.Zero(t, s.QueueLen(), "failures are not retried by the RIB")
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)

	fib.err = nil
	require.NoError(t, s.Add(p, static(1, "192.0.2.2", 3)))
	s.ProcessQueue()
	assert.NoError(t, d.LastErr)
	assert.Equal(t, []wire.Cmd{wire.CmdAdd, wire.CmdAdd}, fib.cmds())
}

func TestStore_IdenticalAddRetriesAfterFailure(t *testing.T) {
	s, fib := newTestStore(t, Options{})
	fib.err = unix.ENETUNREACH
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	s.ProcessQueue()
	d := s.Dest(p)
	require.NotNil(t, d)
	require.ErrorIs(t, d.LastErr, unix.ENETUNREACH)

	fib.err = nil
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	assert.Equal(t, 1, s.QueueLen(), "resubmitting a failed route queues it again")
	s.ProcessQueue()

	assert.NoError(t, d.LastErr)
	assert.Equal(t, []wire.Cmd{wire.CmdAdd, wire.CmdAdd}, fib.cmds())
	assert.True(t, d.Selected().Nexthops[0].Installed())
	installed, _ := d.Installed()
	assert.NotNil(t, installed)
}

func TestStore_InfiniteDistanceNeverSelected(t *testing.T) {
	s, fib := newTestStore(t, Options{})
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, &route.Entry{
		Type:     route.Olsr,
		Nexthops: []route.Nexthop{route.GatewayNexthop(addr("192.0.2.1"), 3)},
	}))
	require.NoError(t, s.Add(p, static(route.DistanceInfinity, "192.0.2.2", 3)))
	s.ProcessQueue()

	assert.Nil(t, s.Lookup(p))
	assert.Empty(t, fib.calls)

	require.NoError(t, s.Add(p, &route.Entry{
		Type:     route.Static,
		Instance: 1,
		Nexthops: []route.Nexthop{route.GatewayNexthop(addr("192.0.2.3"), 3)},
	}))
	s.ProcessQueue()
	sel := s.Lookup(p)
	require.NotNil(t, sel)
	assert.Equal(t, uint16(1), sel.Instance)
	assert.Equal(t, []wire.Cmd{wire.CmdAdd}, fib.cmds())
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestStore_SelectionDeterminism(t *testing.T) {
	hop := []route.Nexthop{route.GatewayNexthop(addr("192.0.2.1"), 1)}
	entries := []*route.Entry{
		{Type: route.Bgp, Distance: 20, Nexthops: hop},
		{Type: route.Rip, Distance: 20, Nexthops: hop},
		{Type: route.Ospf, Distance: 20, Metric: 50, Nexthops: hop},
		{Type: route.Isis, Distance: 20, Nexthops: hop},
		{Type: route.Static, Distance: 30, Nexthops: hop},
	}
	p := pfx("172.16.0.0/12")
	perms := permutations(len(entries))
	require.Len(t, perms, 120)
	for _, perm := range perms {
		s, _ := newTestStore(t, Options{})
		for _, i := range perm {
			require.NoError(t, s.Add(p, entries[i]))
		}
		s.ProcessQueue()
		sel := s.Lookup(p)
		require.NotNil(t, sel)
		assert.Equal(t, route.Ospf, sel.Type, "order %v", perm)

		selected := 0
		s.ForEach(p, func(e *route.Entry) {
			if e.Selected() {
				selected++
			}
		})
		assert.Equal(t, 1, selected)
	}
}

func TestStore_LinkDownWithdraws(t *testing.T) {
	s, fib := newTestStore(t, Options{})
	p := pfx("10.0.0.0/24")
	require.NoError(t, s.Add(p, static(1, "192.0.2.1", 3)))
	s.ProcessQueue()

	s.SetLink(3, false)
	assert.Equal(t, 1, s.QueueLen())
	s.ProcessQueue()
	assert.Nil(t, s.Lookup(p))

	s.SetLink(3, true)
	s.ProcessQueue()
	assert.Equal(t, []wire.Cmd{wire.CmdAdd, wire.CmdDelete, wire.CmdAdd}, fib.cmds())
}

func TestStore_RecursiveThroughConnected(t *testing.T) {
	s, fib := newTestStore(t, Options{})
	bgp := pfx("203.0.113.0/24")
	require.NoError(t, s.Add(bgp, &route.Entry{
		Type:     route.Bgp,
		Nexthops: []route.Nexthop{route.RecursiveNexthop(pfx("10.0.0.5/32"))},
	}))
	s.ProcessQueue()
	assert.Empty(t, fib.calls, "unresolvable until the connected route appears")

	require.NoError(t, s.AddAddr(3, pfx("10.0.0.1/24")))
	s.ProcessQueue()
	require.Len(t, fib.calls, 1)
	c := fib.calls[0]
	assert.Equal(t, bgp, c.prefix)
	require.Len(t, c.install, 1)
	assert.Equal(t, addr("10.0.0.5"), c.install[0].Gateway)
	assert.Equal(t, uint32(3), c.install[0].Ifindex)
	assert.Equal(t, route.DistanceEBGP, s.Lookup(bgp).Distance)

	sel := s.Lookup(bgp)
	assert.True(t, sel.Nexthops[0].Installed())
	assert.True(t, sel.Nexthops[0].Resolved[0].Installed())

	require.NoError(t, s.DelAddr(3, pfx("10.0.0.1/24")))
	s.ProcessQueue()
	assert.Equal(t, []wire.Cmd{wire.CmdAdd, wire.CmdDelete}, fib.cmds())
}

func TestStore_MultipathCap(t *testing.T) {
	s, fib := newTestStore(t, Options{Multipath: 2})
	e := &route.Entry{Type: route.Ospf}
	for i := uint32(1); i <= 4; i++ {
		e.Nexthops = append(e.Nexthops, route.GatewayNexthop(netip.AddrFrom4([4]byte{192, 0, 2, byte(i)}), i))
	}
	p := pfx("10.8.0.0/16")
	require.NoError(t, s.Add(p, e))
	s.ProcessQueue()

	require.Len(t, fib.calls, 1)
	assert.Len(t, fib.calls[0].install, 2)
	sel := s.Lookup(p)
	installed := 0
	for _, nh := range sel.Nexthops {
		assert.True(t, nh.Eligible())
		if nh.Installed() {
			installed++
		}
	}
	assert.Equal(t, 2, installed)
}

func TestStore_Excluded(t *testing.T) {
	s, fib := newTestStore(t, Options{Exclude: []netip.Prefix{pfx("10.0.0.0/8")}})
	require.NoError(t, s.Add(pfx("10.1.0.0/16"), static(1, "192.0.2.1", 1)))
	require.NoError(t, s.Add(pfx("11.0.0.0/8"), static(1, "192.0.2.1", 1)))
	s.ProcessQueue()
	require.Len(t, fib.calls, 1)
	assert.Equal(t, pfx("11.0.0.0/8"), fib.calls[0].prefix)
	assert.NotNil(t, s.Lookup(pfx("10.1.0.0/16")), "excluded routes are still selected")
}

func TestStore_MatchSkipsUnusable(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	require.NoError(t, s.Add(pfx("10.0.0.0/8"), static(1, "192.0.2.1", 1)))
	require.NoError(t, s.Add(pfx("10.1.0.0/16"), static(1, "192.0.2.1", 9)))
	s.ProcessQueue()

	d := s.Match(addr("10.1.2.3"))
	require.NotNil(t, d)
	assert.Equal(t, pfx("10.0.0.0/8"), d.Prefix)
	assert.Nil(t, s.Match(addr("192.168.0.1")))
}

func TestStore_InvalidAdd(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	assert.ErrorIs(t, s.Add(netip.Prefix{}, static(1, "192.0.2.1", 1)), ErrInvalidPrefix)
	err := s.Add(pfx("10.0.0.0/8"), &route.Entry{Type: 200})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidPrefix))
}

func TestStore_NoFIB(t *testing.T) {
	s := NewStore(Options{})
	s.SetLink(1, true)
	require.NoError(t, s.Add(pfx("10.0.0.0/8"), static(1, "192.0.2.1", 1)))
	s.ProcessQueue()
	assert.ErrorIs(t, s.Dest(pfx("10.0.0.0/8")).LastErr, ErrNoFIB)
}
