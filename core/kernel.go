package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/encodeous/fibd/kernel"
	"github.com/encodeous/fibd/state"
)

// Kernel keeps a channel to the kernel open, folds its notifications into
// the RIB, and reopens it with a full resync when notifications are lost.
type Kernel struct {
	Open func(kernel.Config) (kernel.Channel, error)

	sweep *time.Timer
	stop  context.CancelFunc
	// done is closed when the watcher of the active channel exits
	done chan struct{}
	wg   sync.WaitGroup
}

func (k *Kernel) config(s *state.State) kernel.Config {
	return kernel.Config{
		Backend:  s.Backend,
		Protocol: s.Protocol,
		RcvBuf:   s.RcvBuf,
		Log:      s.Log.With("module", "kernel"),
	}
}

func (k *Kernel) Init(s *state.State) error {
	s.Log.Debug("init kernel channel")
	if k.Open == nil {
		k.Open = kernel.Open
	}
	return k.open(s)
}

func (k *Kernel) open(s *state.State) error {
	ch, err := k.Open(k.config(s))
	if err != nil {
		return fmt.Errorf("open kernel channel: %w", err)
	}
	s.Kernel = ch
	if err := k.resync(s); err != nil {
		s.Kernel = nil
		ch.Close()
		return err
	}
	k.watch(s, ch)
	return nil
}

// resync reads the whole kernel state and reconciles the RIB with it.
func (k *Kernel) resync(s *state.State) error {
	notes, err := s.Kernel.Dump(s.Context)
	switch {
	case errors.Is(err, kernel.ErrUnsupported):
		s.Log.Warn("kernel dump not supported, starting without kernel state", "backend", s.Kernel.Backend())
		notes = nil
	case err != nil:
		return fmt.Errorf("dump kernel state: %w", err)
	}
	if adopted := s.RIB.Resync(notes); adopted > 0 {
		k.scheduleSweep(s)
	}
	s.RIB.ProcessQueue()
	return nil
}

func (k *Kernel) scheduleSweep(s *state.State) {
	if k.sweep != nil {
		k.sweep.Stop()
	}
	s.Log.Info("scheduled sweep of routes left by a previous run", "delay", s.SweepDelay)
	k.sweep = s.ScheduleTask(func(s *state.State) error {
		s.RIB.Sweep()
		s.RIB.ProcessQueue()
		return nil
	}, s.SweepDelay)
}

// watch waits for notifications off the main loop and drains them on it.
func (k *Kernel) watch(s *state.State, ch kernel.Channel) {
	ctx, cancel := context.WithCancel(s.Context)
	done := make(chan struct{})
	k.stop, k.done = cancel, done
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer close(done)
		for {
			err := ch.Wait(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.Dispatch(func(s *state.State) error {
					k.fail(s, ch, err)
					return nil
				})
				return
			}
			more, err := state.DispatchWait(s.Env, func(s *state.State) (bool, error) {
				return k.drain(s, ch), nil
			})
			if err != nil || !more {
				return
			}
		}
	}()
}

// drain applies every pending notification. It reports false once ch is
// no longer the active channel.
func (k *Kernel) drain(s *state.State, ch kernel.Channel) bool {
	if s.Kernel != ch {
		return false
	}
	for n, err := range ch.Poll() {
		if err != nil {
			if errors.Is(err, kernel.ErrChannelFailed) {
				k.fail(s, ch, err)
				return false
			}
			s.Log.Warn("dropped kernel notification", "error", err)
			continue
		}
		s.Log.Debug("kernel notification", "notification", n)
		s.RIB.Notify(n)
	}
	s.RIB.ProcessQueue()
	return true
}

func (k *Kernel) fail(s *state.State, ch kernel.Channel, err error) {
	if s.Kernel != ch {
		return
	}
	s.Log.Error("kernel channel failed, reopening", "error", err, "delay", state.ReopenDelay)
	k.stop()
	s.Kernel = nil
	// ch is closed only after its watcher exits
	done, log := k.done, s.Log
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		<-done
		if err := ch.Close(); err != nil {
			log.Debug("close failed channel", "error", err)
		}
	}()
	s.ScheduleTask(k.reopen, state.ReopenDelay)
}

func (k *Kernel) reopen(s *state.State) error {
	if s.Kernel != nil || s.Stopping.Load() {
		return nil
	}
	if err := k.open(s); err != nil {
		s.Log.Error("failed to reopen kernel channel", "error", err)
		s.ScheduleTask(k.reopen, state.ReopenDelay)
		return nil
	}
	s.Log.Info("kernel channel reopened", "backend", s.Kernel.Backend())
	return nil
}

func (k *Kernel) Cleanup(s *state.State) error {
	if k.sweep != nil {
		k.sweep.Stop()
	}
	if k.stop != nil {
		k.stop()
	}
	k.wg.Wait()
	if s.Kernel == nil {
		return nil
	}
	err := s.Kernel.Close()
	s.Kernel = nil
	return err
}
