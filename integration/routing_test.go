//go:build integration && linux

package integration

import (
	"net"
	"net/netip"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/encodeous/fibd/kernel"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/fibd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// newNamespace creates an empty network namespace and a handle into it
// without leaving the calling thread inside.
func newNamespace(t *testing.T) (netns.NsHandle, *netlink.Handle) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root to create a network namespace")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	orig, err := netns.Get()
	require.NoError(t, err)
	defer orig.Close()
	ns, err := netns.New()
	require.NoError(t, err)
	require.NoError(t, netns.Set(orig))
	t.Cleanup(func() { ns.Close() })

	h, err := netlink.NewHandleAt(ns)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return ns, h
}

// openIn opens kernel channels inside ns. Sockets keep the namespace they
// were created in, so only the open itself needs the thread switched.
func openIn(ns netns.NsHandle) func(kernel.Config) (kernel.Channel, error) {
	return func(cfg kernel.Config) (kernel.Channel, error) {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		orig, err := netns.Get()
		if err != nil {
			return nil, err
		}
		defer orig.Close()
		if err := netns.Set(ns); err != nil {
			return nil, err
		}
		defer netns.Set(orig)
		return kernel.Open(cfg)
	}
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen())}
}

func findRoute(h *netlink.Handle, p netip.Prefix) (netlink.Route, bool) {
	family := netlink.FAMILY_V4
	if p.Addr().Is6() {
		family = netlink.FAMILY_V6
	}
	routes, err := h.RouteListFiltered(family, &netlink.Route{Dst: ipNet(p), Table: int(route.MainTable)},
		netlink.RT_FILTER_DST|netlink.RT_FILTER_TABLE)
	if err != nil || len(routes) == 0 {
		return netlink.Route{}, false
	}
	return routes[0], true
}

func waitRoute(h *netlink.Handle, p netip.Prefix, present bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := findRoute(h, p); ok == present {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func TestKernelRouting(t *testing.T) {
	ns, h := newNamespace(t)

	dummy := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "fib0"}}
	require.NoError(t, h.LinkAdd(dummy))
	link, err := h.LinkByName("fib0")
	require.NoError(t, err)
	require.NoError(t, h.LinkSetUp(link))
	addr, err := netlink.ParseAddr("10.0.0.10/24")
	require.NoError(t, err)
	require.NoError(t, h.AddrAdd(link, addr))

	vh := &VirtualHarness{
		Config: state.Config{
			Backend:    kernel.BackendNetlink,
			SweepDelay: time.Second,
			StaticRoutes: []state.StaticRoute{
				{Prefix: staticPrefix, Gateway: netip.MustParseAddr("10.0.0.1")},
				{Prefix: netip.MustParsePrefix("10.2.0.0/16"), Blackhole: true},
			},
		},
		Open: openIn(ns),
	}
	errs := vh.Start()
	defer vh.Stop()

	require.True(t, waitRoute(h, staticPrefix, true, 3*time.Second), "static route not installed")
	r, _ := findRoute(h, staticPrefix)
	assert.Equal(t, netlink.RouteProtocol(wire.ProtoZebra), r.Protocol)
	assert.Equal(t, "10.0.0.1", r.Gw.String())
	assert.Equal(t, link.Attrs().Index, r.LinkIndex)

	bh, ok := findRoute(h, netip.MustParsePrefix("10.2.0.0/16"))
	require.True(t, ok)
	assert.Equal(t, 6, bh.Type) // RTN_BLACKHOLE

	// a route added by someone else is learned, not fought over
	foreign := netip.MustParsePrefix("10.5.0.0/24")
	require.NoError(t, h.RouteAdd(&netlink.Route{
		Dst:       ipNet(foreign),
		Gw:        net.ParseIP("10.0.0.2"),
		LinkIndex: link.Attrs().Index,
		Protocol:  netlink.RouteProtocol(wire.ProtoStatic),
	}))
	require.True(t, vh.Eventually(func(s *state.State) bool {
		e := s.RIB.Lookup(foreign)
		return e != nil && e.Type == route.Kernel
	}, 3*time.Second))

	// deleting our route outside the daemon gets it reinstalled
	r, _ = findRoute(h, staticPrefix)
	require.NoError(t, h.RouteDel(&r))
	assert.True(t, waitRoute(h, staticPrefix, true, 3*time.Second), "route not reinstalled")

	select {
	case err := <-errs:
		t.Error(err)
	default:
	}
}

func TestKernelSweep(t *testing.T) {
	ns, h := newNamespace(t)

	dummy := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "fib0"}}
	require.NoError(t, h.LinkAdd(dummy))
	link, err := h.LinkByName("fib0")
	require.NoError(t, err)
	require.NoError(t, h.LinkSetUp(link))
	addr, err := netlink.ParseAddr("10.0.0.10/24")
	require.NoError(t, err)
	require.NoError(t, h.AddrAdd(link, addr))

	stale := netip.MustParsePrefix("10.9.0.0/24")
	require.NoError(t, h.RouteAdd(&netlink.Route{
		Dst:       ipNet(stale),
		Gw:        net.ParseIP("10.0.0.3"),
		LinkIndex: link.Attrs().Index,
		Protocol:  netlink.RouteProtocol(wire.ProtoZebra),
	}))

	vh := &VirtualHarness{
		Config: state.Config{SweepDelay: 500 * time.Millisecond},
		Open:   openIn(ns),
	}
	vh.Start()
	defer vh.Stop()

	_, ok := findRoute(h, stale)
	assert.True(t, ok, "stale route removed before the sweep")
	assert.True(t, waitRoute(h, stale, false, 3*time.Second), "stale route was not swept")
}
