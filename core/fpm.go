package core

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/encodeous/fibd/fpm"
	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/fibd/wire"
)

// FPM mirrors the selected routes to an FPM peer. Destinations are marked
// pending as the RIB processes them and encoded in batches on the main loop.
type FPM struct {
	client    *fpm.Client
	buf       []byte
	pending   []*rib.Dest
	scheduled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (f *FPM) Init(s *state.State) error {
	s.Log.Debug("init fpm", "address", s.FPM.Address, "format", s.FPM.Format)
	f.client = fpm.NewClient(s.FPM.Address, s.FPM.QueueSize, s.Log.With("module", "fpm"))
	f.buf = make([]byte, fpm.MaxMsgLen)
	f.client.OnConnect = func() {
		s.Dispatch(func(s *state.State) error {
			f.markAll(s)
			return nil
		})
	}
	Get[*RIB](s).Listen(func(ev rib.Event) {
		f.mark(s, ev.Dest)
	})

	ctx, cancel := context.WithCancel(s.Context)
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		if err := f.client.Run(ctx); err != nil && ctx.Err() == nil {
			s.Log.Error("fpm client stopped", "error", err)
		}
	}()
	return nil
}

func (f *FPM) mark(s *state.State, d *rib.Dest) {
	if d == nil || d.Multicast || d.FPMPending() {
		return
	}
	d.SetFPMPending(true)
	f.pending = append(f.pending, d)
	f.schedule(s, state.FPMFlushDelay)
}

// markAll queues the whole table for a peer that just connected.
func (f *FPM) markAll(s *state.State) {
	var forgotten []*rib.Dest
	for _, d := range s.RIB.All() {
		d.SetFPMSent(false)
		if d.Selected() != nil {
			f.mark(s, d)
		} else if !d.FPMPending() {
			forgotten = append(forgotten, d)
		}
	}
	for _, d := range forgotten {
		s.RIB.Release(d)
	}
	s.Log.Info("fpm peer connected, sending full table", "routes", len(f.pending))
}

func (f *FPM) schedule(s *state.State, delay time.Duration) {
	if f.scheduled {
		return
	}
	f.scheduled = true
	s.ScheduleTask(f.flush, delay)
}

func (f *FPM) flush(s *state.State) error {
	f.scheduled = false
	n := min(len(f.pending), state.FPMFlushBatch)
	for _, d := range f.pending[:n] {
		f.send(s, d)
	}
	f.pending = slices.Delete(f.pending, 0, n)
	if len(f.pending) > 0 {
		f.schedule(s, 0)
	}
	return nil
}

func (f *FPM) send(s *state.State, d *rib.Dest) {
	d.SetFPMPending(false)
	defer s.RIB.Release(d)

	cmd := wire.CmdAdd
	if sel := d.Selected(); sel == nil || (len(d.Forwarding()) == 0 && !sel.Discard()) {
		if !d.FPMSent() {
			return
		}
		cmd = wire.CmdDelete
	}
	n, err := fpm.EncodeForFPM(f.buf, cmd, d, s.FPM.Format)
	if errors.Is(err, fpm.ErrSkip) {
		return
	}
	if err != nil {
		s.Log.Warn("failed to encode fpm message", "prefix", d.Prefix, "error", err)
		return
	}
	if f.client.Enqueue(slices.Clone(f.buf[:n])) {
		d.SetFPMSent(cmd == wire.CmdAdd)
	}
}

func (f *FPM) Cleanup(s *state.State) error {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	return nil
}
