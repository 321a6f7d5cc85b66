//go:build integration

package integration

import (
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/fibd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var (
	staticPrefix = netip.MustParsePrefix("10.1.0.0/24")
	staticV6     = netip.MustParsePrefix("2001:db8:1::/48")
)

func withStatic(vh *VirtualHarness) {
	vh.Config.StaticRoutes = []state.StaticRoute{
		{Prefix: staticPrefix, Gateway: netip.MustParseAddr("10.0.0.1")},
		{Prefix: staticV6, Gateway: netip.MustParseAddr("2001:db8::1")},
		{Prefix: netip.MustParsePrefix("10.2.0.0/16"), Blackhole: true},
	}
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := NewVirtualHarness()
	errs := vh.Start()
	select {
	case <-time.After(500 * time.Millisecond):
	case err := <-errs:
		t.Error(err)
	}
	vh.Stop()
}

func TestStaticRoutesInstalled(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := NewVirtualHarness()
	withStatic(vh)
	errs := vh.Start()
	defer vh.Stop()

	require.True(t, vh.Installed(staticPrefix, 2*time.Second))
	require.True(t, vh.Installed(staticV6, 2*time.Second))
	require.True(t, vh.Installed(netip.MustParsePrefix("10.2.0.0/16"), 2*time.Second))

	m, _ := vh.Kernel.Route(staticPrefix)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), m.Gateway)
	assert.Equal(t, wire.ProtoZebra, m.Protocol)
	bh, _ := vh.Kernel.Route(netip.MustParsePrefix("10.2.0.0/16"))
	assert.Equal(t, wire.RouteBlackhole, bh.Type)

	// connected routes belong to the kernel and are never programmed
	_, ok := vh.Kernel.Route(netip.MustParsePrefix("10.0.0.0/24"))
	assert.False(t, ok)

	installed := Do(vh, func(s *state.State) bool {
		d := s.RIB.Dest(staticPrefix)
		if d == nil {
			return false
		}
		e, _ := d.Installed()
		return e != nil && d.LastErr == nil
	})
	assert.True(t, installed)

	select {
	case err := <-errs:
		t.Error(err)
	default:
	}
}

func TestLinkDownWithdraws(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := NewVirtualHarness()
	withStatic(vh)
	vh.Start()
	defer vh.Stop()

	require.True(t, vh.Installed(staticPrefix, 2*time.Second))

	vh.Kernel.SetLink(2, false)
	assert.True(t, vh.Withdrawn(staticPrefix, 2*time.Second), "static route survived its link going down")
	assert.True(t, vh.Withdrawn(staticV6, 2*time.Second))
	// discard routes do not depend on any link
	_, ok := vh.Kernel.Route(netip.MustParsePrefix("10.2.0.0/16"))
	assert.True(t, ok)

	vh.Kernel.SetLink(2, true)
	assert.True(t, vh.Installed(staticPrefix, 2*time.Second), "static route not restored after link up")
}

func TestAddressRemovalWithdraws(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := NewVirtualHarness()
	withStatic(vh)
	vh.Start()
	defer vh.Stop()

	require.True(t, vh.Installed(staticPrefix, 2*time.Second))
	vh.Kernel.DelAddr(2, netip.MustParsePrefix("10.0.0.10/24"))
	assert.True(t, vh.Withdrawn(staticPrefix, 2*time.Second))
	// the v6 gateway is still reachable
	_, ok := vh.Kernel.Route(staticV6)
	assert.True(t, ok)

	vh.Kernel.AddAddr(2, netip.MustParsePrefix("10.0.0.10/24"))
	assert.True(t, vh.Installed(staticPrefix, 2*time.Second))
}

func TestForeignRouteLearned(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := NewVirtualHarness()
	vh.Start()
	defer vh.Stop()

	foreign := netip.MustParsePrefix("10.5.0.0/24")
	vh.Kernel.AddRoute(foreign, &route.Entry{
		Nexthops: []route.Nexthop{route.GatewayNexthop(netip.MustParseAddr("10.0.0.2"), 2)},
	}, wire.ProtoStatic)

	require.True(t, vh.Eventually(func(s *state.State) bool {
		e := s.RIB.Lookup(foreign)
		return e != nil && e.Type == route.Kernel
	}, 2*time.Second))

	vh.Kernel.RemoveRoute(foreign)
	assert.True(t, vh.Eventually(func(s *state.State) bool {
		return s.RIB.Lookup(foreign) == nil
	}, 2*time.Second))
}

func TestRecursiveStatic(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := NewVirtualHarness()
	withStatic(vh)
	recursive := netip.MustParsePrefix("192.168.50.0/24")
	vh.Config.StaticRoutes = append(vh.Config.StaticRoutes, state.StaticRoute{
		Prefix: recursive,
		Via:    netip.MustParsePrefix("10.1.0.0/24"),
	})
	vh.Start()
	defer vh.Stop()

	require.True(t, vh.Installed(recursive, 2*time.Second))
	m, _ := vh.Kernel.Route(recursive)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), m.Gateway, "recursive route should use the gateway of its via route")

	vh.Kernel.SetLink(2, false)
	assert.True(t, vh.Withdrawn(recursive, 2*time.Second))
}
