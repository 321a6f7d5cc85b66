package core

import (
	"time"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/state"
)

// TraceEvent is a copy of a RIB event that is safe to read off the main loop.
type TraceEvent struct {
	Time    time.Time
	Kind    rib.EventKind
	Prefix  string
	Entry   *route.Entry
	Install []route.Nexthop
	Changed bool
	Err     error
}

// Trace fans RIB events out to subscribers, and optionally logs them.
type Trace struct {
	broadcast.Broadcaster
	Log  bool
	sub  chan interface{}
	done chan struct{}
}

func (t *Trace) Init(s *state.State) error {
	t.Broadcaster = broadcast.NewBroadcaster(1024)
	if t.Log {
		t.sub = make(chan interface{}, 256)
		t.Register(t.sub)
		t.done = make(chan struct{})
		go func() {
			defer close(t.done)
			for v := range t.sub {
				ev := v.(TraceEvent)
				s.Log.Info("trace", "kind", ev.Kind, "prefix", ev.Prefix, "changed", ev.Changed, "entry", ev.Entry, "error", ev.Err)
			}
		}()
	}
	return nil
}

// Publish submits ev without blocking the main loop. Events are dropped
// when subscribers fall behind.
func (t *Trace) Publish(ev rib.Event) {
	te := TraceEvent{
		Time:    time.Now(),
		Kind:    ev.Kind,
		Prefix:  ev.Prefix.String(),
		Changed: ev.Changed,
		Err:     ev.Err,
	}
	if ev.Entry != nil {
		te.Entry = ev.Entry.Clone()
	}
	for _, nh := range ev.Install {
		te.Install = append(te.Install, nh.Clone())
	}
	t.TrySubmit(te)
}

func (t *Trace) Cleanup(s *state.State) error {
	if t.Broadcaster == nil {
		return nil
	}
	if t.sub != nil {
		t.Unregister(t.sub)
	}
	err := t.Broadcaster.Close()
	if t.sub != nil {
		close(t.sub)
		<-t.done
	}
	return err
}
