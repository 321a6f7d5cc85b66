package rib

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RPFMode selects how multicast reverse-path lookups combine the multicast
// and unicast tables.
type RPFMode uint8

const (
	RPFMribThenUrib RPFMode = iota
	RPFMribOnly
	RPFUribOnly
	RPFLowerDistance
	RPFLongerPrefix
)

const DefaultRPFCacheTTL = 5 * time.Second

var rpfModeNames = map[RPFMode]string{
	RPFMribThenUrib:  "mrib-then-urib",
	RPFMribOnly:      "mrib-only",
	RPFUribOnly:      "urib-only",
	RPFLowerDistance: "lower-distance",
	RPFLongerPrefix:  "longer-prefix",
}

func (m RPFMode) String() string {
	if s, ok := rpfModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("rpf-mode(%d)", uint8(m))
}

func ParseRPFMode(s string) (RPFMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RPFMribThenUrib, nil
	}
	for m, name := range rpfModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown rpf mode %q", s)
}

func (m RPFMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *RPFMode) UnmarshalText(b []byte) error {
	v, err := ParseRPFMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

type rpfResult struct {
	dest *Dest
}

// MatchMulticast performs a reverse-path lookup for a multicast source.
// Results are cached until the next processed change or the cache TTL.
func (s *Store) MatchMulticast(addr netip.Addr) *Dest {
	if item := s.rpfCache.Get(addr); item != nil {
		return item.Value().dest
	}
	d := s.matchMulticast(addr)
	s.rpfCache.Set(addr, rpfResult{dest: d}, ttlcache.DefaultTTL)
	return d
}

func (s *Store) matchMulticast(addr netip.Addr) *Dest {
	p := netip.PrefixFrom(addr, addr.BitLen())
	mrib := func() *Dest { return s.match(&s.multicast, p, (*Dest).usable) }
	urib := func() *Dest { return s.match(&s.unicast, p, (*Dest).usable) }

	switch s.rpfMode {
	case RPFMribOnly:
		return mrib()
	case RPFUribOnly:
		return urib()
	case RPFLowerDistance:
		m, u := mrib(), urib()
		if m == nil || u == nil {
			return first(m, u)
		}
		// ties go to the multicast table
		if u.Selected().Distance < m.Selected().Distance {
			return u
		}
		return m
	case RPFLongerPrefix:
		m, u := mrib(), urib()
		if m == nil || u == nil {
			return first(m, u)
		}
		if u.Prefix.Bits() > m.Prefix.Bits() {
			return u
		}
		return m
	default:
		if m := mrib(); m != nil {
			return m
		}
		return urib()
	}
}

func first(ds ...*Dest) *Dest {
	for _, d := range ds {
		if d != nil {
			return d
		}
	}
	return nil
}
