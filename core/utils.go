package core

import (
	"net/netip"
	"reflect"

	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/fibd/wire"
)

func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// TryGet is Get for modules that may not be loaded.
func TryGet[T state.Module](s *state.State) (T, bool) {
	t := reflect.TypeFor[T]()
	m, ok := s.Modules[t.String()].(T)
	return m, ok
}

// kernelFIB routes RIB transactions to whichever channel is currently open.
type kernelFIB struct {
	s *state.State
}

func (f kernelFIB) Route(cmd wire.Cmd, prefix netip.Prefix, e *route.Entry, install []route.Nexthop) error {
	if f.s.Kernel == nil {
		return rib.ErrNoFIB
	}
	return f.s.Kernel.Route(cmd, prefix, e, install)
}
