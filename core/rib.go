package core

import (
	"fmt"

	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/state"
)

// RIB owns the route store and hands its events to the other modules.
type RIB struct {
	listeners []func(rib.Event)
}

func (r *RIB) Init(s *state.State) error {
	s.Log.Debug("init rib")
	distances, err := s.RouteDistances()
	if err != nil {
		return err
	}
	s.RIB = rib.NewStore(rib.Options{
		FIB:         kernelFIB{s},
		Multipath:   s.Multipath,
		Distances:   distances,
		RPFMode:     s.RPFMode,
		RPFCacheTTL: s.RPFCacheTTL,
		Exclude:     s.ExcludePrefixes,
		Table:       s.Table,
		Listener:    r.emit,
		Log:         s.Log.With("module", "rib"),
	})
	if t, ok := TryGet[*Trace](s); ok {
		r.Listen(t.Publish)
	}
	for _, sr := range s.StaticRoutes {
		if err := AddStatic(s, sr); err != nil {
			return err
		}
	}
	s.Log.Info("loaded static routes", "count", len(s.StaticRoutes))
	return nil
}

// Listen registers fn to be called on the main loop for every processed destination.
func (r *RIB) Listen(fn func(rib.Event)) {
	r.listeners = append(r.listeners, fn)
}

func (r *RIB) emit(ev rib.Event) {
	for _, fn := range r.listeners {
		fn(ev)
	}
}

func AddStatic(s *state.State, sr state.StaticRoute) error {
	var err error
	if sr.Multicast {
		err = s.RIB.AddMulticast(sr.Prefix, sr.Entry())
	} else {
		err = s.RIB.Add(sr.Prefix, sr.Entry())
	}
	if err != nil {
		return fmt.Errorf("static route %s: %w", sr.Prefix, err)
	}
	return nil
}

func (r *RIB) Cleanup(s *state.State) error {
	r.listeners = nil
	return nil
}
