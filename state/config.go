package state

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/cilium/cilium/pkg/ip"
	"github.com/encodeous/fibd/fpm"
	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/goccy/go-yaml"
)

// Config is the daemon configuration, usually read from fibd.yaml
type Config struct {
	// Backend is the kernel backend, defaults to the platform's native one
	Backend string `yaml:"backend,omitempty" validate:"omitempty,oneof=netlink rtsock"`
	// Table is the kernel table routes are installed into
	Table uint32 `yaml:"table,omitempty"`
	// Protocol marks installed routes, so they can be told apart from foreign ones
	Protocol uint8 `yaml:"protocol,omitempty"`
	// Multipath caps the nexthops of one route, 0 means unlimited
	Multipath int `yaml:"multipath,omitempty" validate:"gte=0,lte=256"`
	// RcvBuf is the notification socket buffer in bytes
	RcvBuf int `yaml:"rcvbuf,omitempty" validate:"gte=0"`
	// Distances overrides the administrative distance of a route type
	Distances   map[string]uint8 `yaml:"distances,omitempty"`
	RPFMode     rib.RPFMode      `yaml:"rpf_mode,omitempty"`
	RPFCacheTTL time.Duration    `yaml:"rpf_cache_ttl,omitempty" validate:"gte=0"`
	// SweepDelay is the grace period for routes left over from a previous run
	SweepDelay time.Duration `yaml:"sweep_delay,omitempty" validate:"gte=0"`
	// ExcludePrefixes are never programmed into the kernel
	ExcludePrefixes []netip.Prefix `yaml:"exclude_prefixes,omitempty"`
	StaticRoutes    []StaticRoute  `yaml:"static_routes,omitempty" validate:"dive"`
	FPM             FPMCfg         `yaml:"fpm,omitempty"`
	// LogPath, if not empty, fibd will also write to this file
	LogPath string `yaml:"log_path,omitempty"`
	// DebugAddr serves /debug when set
	DebugAddr string `yaml:"debug_addr,omitempty" validate:"omitempty,hostname_port"`
}

type FPMCfg struct {
	Enabled   bool       `yaml:"enabled,omitempty"`
	Address   string     `yaml:"address,omitempty" validate:"omitempty,hostname_port"`
	Format    fpm.Format `yaml:"format,omitempty"`
	QueueSize int        `yaml:"queue_size,omitempty" validate:"gte=0"`
}

// StaticRoute is a configured route. Exactly one of Gateway, Via, Ifindex,
// Blackhole or Reject picks the forwarding behaviour, except that Gateway
// may be combined with Ifindex.
type StaticRoute struct {
	Prefix    netip.Prefix `yaml:"prefix"`
	Gateway   netip.Addr   `yaml:"gateway,omitempty"`
	Ifindex   uint32       `yaml:"ifindex,omitempty"`
	Via       netip.Prefix `yaml:"via,omitempty"` // resolved recursively through the table
	Blackhole bool         `yaml:"blackhole,omitempty"`
	Reject    bool         `yaml:"reject,omitempty"`
	Distance  uint8        `yaml:"distance,omitempty"`
	Metric    uint32       `yaml:"metric,omitempty"`
	Multicast bool         `yaml:"multicast,omitempty"` // install into the multicast RIB used for RPF
}

// Entry converts the static route into the entry submitted to the RIB.
func (r StaticRoute) Entry() *route.Entry {
	e := &route.Entry{
		Type:     route.Static,
		Distance: r.Distance,
		Metric:   r.Metric,
		Flags:    route.FlagStatic,
	}
	switch {
	case r.Blackhole:
		e.Flags |= route.FlagBlackhole
		e.Nexthops = []route.Nexthop{route.BlackholeNexthop()}
	case r.Reject:
		e.Flags |= route.FlagReject
		e.Nexthops = []route.Nexthop{route.BlackholeNexthop()}
	case r.Via.IsValid():
		e.Nexthops = []route.Nexthop{route.RecursiveNexthop(r.Via)}
	case r.Gateway.IsValid():
		e.Nexthops = []route.Nexthop{route.GatewayNexthop(r.Gateway, r.Ifindex)}
	default:
		e.Nexthops = []route.Nexthop{route.IfindexNexthop(r.Ifindex)}
	}
	return e
}

// RouteDistances converts the configured overrides, keyed by route type name.
func (c *Config) RouteDistances() (route.Distances, error) {
	if len(c.Distances) == 0 {
		return nil, nil
	}
	d := make(route.Distances, len(c.Distances))
	for name, v := range c.Distances {
		t, err := route.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("distances: %w", err)
		}
		d[t] = v
	}
	return d, nil
}

// ApplyDefaults fills in every unset field.
func (c *Config) ApplyDefaults() {
	if c.Table == 0 {
		c.Table = route.MainTable
	}
	if c.Protocol == 0 {
		c.Protocol = DefaultProtocol
	}
	if c.RcvBuf == 0 {
		c.RcvBuf = DefaultRcvBuf
	}
	if c.RPFCacheTTL == 0 {
		c.RPFCacheTTL = rib.DefaultRPFCacheTTL
	}
	if c.SweepDelay == 0 {
		c.SweepDelay = SweepDelay
	}
	if c.FPM.Address == "" {
		c.FPM.Address = fpm.DefaultAddress
	}
	if c.FPM.Format == 0 {
		c.FPM.Format = fpm.FormatNetlink
	}
	if c.FPM.QueueSize == 0 {
		c.FPM.QueueSize = fpm.DefaultQueueSize
	}
}

// ExpandConfig normalizes the configuration after it has been validated.
func ExpandConfig(cfg *Config) {
	cfg.ApplyDefaults()
	cfg.ExcludePrefixes = CoalescePrefix(cfg.ExcludePrefixes)
	for i, r := range cfg.StaticRoutes {
		cfg.StaticRoutes[i].Prefix = r.Prefix.Masked()
		if r.Via.IsValid() {
			cfg.StaticRoutes[i].Via = r.Via.Masked()
		}
	}
}

// ParseConfig decodes, validates and expands a YAML configuration.
func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := ConfigValidator(&cfg); err != nil {
		return nil, err
	}
	ExpandConfig(&cfg)
	return &cfg, nil
}

func ReadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func toIPNets(prefixes []netip.Prefix) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		if p.IsValid() {
			nets = append(nets, &net.IPNet{
				IP:   p.Addr().AsSlice(),
				Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
			})
		}
	}
	return nets
}

func fromIPNets(nets []*net.IPNet) []netip.Prefix {
	output := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		if addr, ok := netip.AddrFromSlice(n.IP); ok {
			ones, _ := n.Mask.Size()
			output = append(output, netip.PrefixFrom(addr.Unmap(), ones))
		}
	}
	return output
}

// CoalescePrefix merges adjacent and overlapping prefixes.
func CoalescePrefix(prefixes []netip.Prefix) []netip.Prefix {
	if len(prefixes) == 0 {
		return nil
	}
	ipv4, ipv6 := ip.CoalesceCIDRs(toIPNets(prefixes))
	return fromIPNets(append(ipv4, ipv6...))
}
