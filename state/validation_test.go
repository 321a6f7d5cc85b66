package state

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticRouteValidator_Valid(t *testing.T) {
	p := netip.MustParsePrefix("10.0.0.0/24")
	assert.NoError(t, StaticRouteValidator(StaticRoute{Prefix: p, Gateway: netip.MustParseAddr("192.0.2.1")}))
	assert.NoError(t, StaticRouteValidator(StaticRoute{Prefix: p, Gateway: netip.MustParseAddr("192.0.2.1"), Ifindex: 2}))
	assert.NoError(t, StaticRouteValidator(StaticRoute{Prefix: p, Ifindex: 2}))
	assert.NoError(t, StaticRouteValidator(StaticRoute{Prefix: p, Via: netip.MustParsePrefix("198.51.100.0/24")}))
	assert.NoError(t, StaticRouteValidator(StaticRoute{Prefix: p, Blackhole: true}))
}

func TestStaticRouteValidator_Invalid(t *testing.T) {
	p := netip.MustParsePrefix("10.0.0.0/24")
	gw := netip.MustParseAddr("192.0.2.1")
	assert.Error(t, StaticRouteValidator(StaticRoute{Gateway: gw}))
	assert.Error(t, StaticRouteValidator(StaticRoute{Prefix: p}))
	assert.Error(t, StaticRouteValidator(StaticRoute{Prefix: p, Gateway: gw, Blackhole: true}))
	assert.Error(t, StaticRouteValidator(StaticRoute{Prefix: p, Reject: true, Ifindex: 3}))
	assert.Error(t, StaticRouteValidator(StaticRoute{Prefix: p, Gateway: netip.MustParseAddr("2001:db8::1")}))
	assert.Error(t, StaticRouteValidator(StaticRoute{Prefix: p, Via: netip.MustParsePrefix("2001:db8::/32")}))
	assert.Error(t, StaticRouteValidator(StaticRoute{Prefix: p, Via: netip.MustParsePrefix("10.0.0.7/24")}))
	assert.Error(t, StaticRouteValidator(StaticRoute{Prefix: p, Blackhole: true, Multicast: true}))
}

func TestConfigValidator_Tags(t *testing.T) {
	assert.NoError(t, ConfigValidator(&Config{}))
	assert.ErrorContains(t, ConfigValidator(&Config{Backend: "ioctl"}), "backend: must be one of")
	assert.ErrorContains(t, ConfigValidator(&Config{Multipath: -1}), "multipath")
	assert.ErrorContains(t, ConfigValidator(&Config{FPM: FPMCfg{Address: "nope"}}), "fpm.address")
	assert.ErrorContains(t, ConfigValidator(&Config{DebugAddr: "localhost"}), "debug_addr")
}

func TestConfigValidator_Hand(t *testing.T) {
	assert.Error(t, ConfigValidator(&Config{Distances: map[string]uint8{"eigrp": 90}}))
	assert.NoError(t, ConfigValidator(&Config{Distances: map[string]uint8{"ospf": 90}}))
	assert.Error(t, ConfigValidator(&Config{ExcludePrefixes: []netip.Prefix{{}}}))
	assert.Error(t, ConfigValidator(&Config{LogPath: filepath.Join(t.TempDir(), "missing", "fibd.log")}))
	assert.NoError(t, ConfigValidator(&Config{LogPath: filepath.Join(t.TempDir(), "fibd.log")}))
}
