package core

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/metric"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouteView struct {
	Type     string    `json:"type"`
	Instance uint16    `json:"instance,omitempty"`
	Distance uint8     `json:"distance"`
	Metric   uint32    `json:"metric"`
	Flags    string    `json:"flags,omitempty"`
	Selected bool      `json:"selected"`
	Nexthops []string  `json:"nexthops"`
	Uptime   time.Time `json:"uptime"`
}

type DestView struct {
	Prefix    string      `json:"prefix"`
	Multicast bool        `json:"multicast,omitempty"`
	Installed bool        `json:"installed"`
	Queued    string      `json:"queued,omitempty"`
	Error     string      `json:"error,omitempty"`
	Routes    []RouteView `json:"routes"`
}

func viewDest(d *rib.Dest) DestView {
	v := DestView{
		Prefix:    d.Prefix.String(),
		Multicast: d.Multicast,
		Routes:    make([]RouteView, 0, len(d.Entries)),
	}
	if e, _ := d.Installed(); e != nil {
		v.Installed = true
	}
	if c, ok := d.Queued(); ok {
		v.Queued = c.String()
	}
	if d.LastErr != nil {
		v.Error = d.LastErr.Error()
	}
	for _, e := range d.Entries {
		v.Routes = append(v.Routes, viewEntry(e))
	}
	return v
}

func viewEntry(e *route.Entry) RouteView {
	rv := RouteView{
		Type:     e.Type.String(),
		Instance: e.Instance,
		Distance: e.Distance,
		Metric:   e.Metric,
		Flags:    e.Flags.String(),
		Selected: e.Selected(),
		Nexthops: make([]string, 0, len(e.Nexthops)),
		Uptime:   e.Uptime,
	}
	for _, nh := range e.Nexthops {
		rv.Nexthops = append(rv.Nexthops, nh.String())
	}
	return rv
}

// SnapshotRIB renders every destination. It must run on the main loop.
func SnapshotRIB(s *state.State) []DestView {
	out := make([]DestView, 0)
	for _, d := range s.RIB.All() {
		out = append(out, viewDest(d))
	}
	for _, d := range s.RIB.AllMulticast() {
		out = append(out, viewDest(d))
	}
	return out
}

// Debug serves read-only introspection over HTTP.
type Debug struct {
	srv  *http.Server
	done chan struct{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// lookup answers a query on the main loop.
func lookup[T any](e *state.Env, w http.ResponseWriter, fn func(s *state.State) (T, error)) {
	v, err := state.DispatchWait(e, fn)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func addrParam(w http.ResponseWriter, r *http.Request) (netip.Addr, bool) {
	a, err := netip.ParseAddr(r.URL.Query().Get("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return netip.Addr{}, false
	}
	return a, true
}

func NewDebugRouter(e *state.Env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/debug", func(r chi.Router) {
		r.Handle("/metrics", metric.Handler(metric.Exposed))
		r.Handle("/vars", expvar.Handler())
		r.Get("/rib", func(w http.ResponseWriter, r *http.Request) {
			lookup(e, w, func(s *state.State) ([]DestView, error) {
				return SnapshotRIB(s), nil
			})
		})
		r.Get("/rib/match", func(w http.ResponseWriter, r *http.Request) {
			a, ok := addrParam(w, r)
			if !ok {
				return
			}
			lookup(e, w, func(s *state.State) (*DestView, error) {
				d := s.RIB.Match(a)
				if d == nil {
					return nil, nil
				}
				v := viewDest(d)
				return &v, nil
			})
		})
		r.Get("/rpf", func(w http.ResponseWriter, r *http.Request) {
			a, ok := addrParam(w, r)
			if !ok {
				return
			}
			lookup(e, w, func(s *state.State) (*DestView, error) {
				d := s.RIB.MatchMulticast(a)
				if d == nil {
					return nil, nil
				}
				v := viewDest(d)
				return &v, nil
			})
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			lookup(e, w, func(s *state.State) (map[string]any, error) {
				st := map[string]any{
					"kernel": nil,
					"queue":  s.RIB.QueueLen(),
				}
				if s.Kernel != nil {
					st["kernel"] = s.Kernel.Backend()
				}
				if f, ok := TryGet[*FPM](s); ok {
					st["fpm_connected"] = f.client.Connected()
				}
				return st, nil
			})
		})
	})
	return r
}

func (d *Debug) Init(s *state.State) error {
	ln, err := net.Listen("tcp", s.DebugAddr)
	if err != nil {
		return err
	}
	s.Log.Info("serving debug endpoints", "addr", ln.Addr().String())
	d.srv = &http.Server{
		Handler:           NewDebugRouter(s.Env),
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Log.Error("debug server stopped", "error", err)
		}
	}()
	return nil
}

func (d *Debug) Cleanup(s *state.State) error {
	if d.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.srv.Shutdown(ctx)
	<-d.done
	return err
}
