package rib

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/encodeous/fibd/route"
)

type EventKind uint8

const (
	// EventInstalled means the destination has a selected route in the kernel,
	// programmed by this daemon or owned by the kernel itself.
	EventInstalled EventKind = iota + 1
	// EventWithdrawn means nothing is forwarding for the destination any more.
	EventWithdrawn
	// EventFailed means the kernel rejected the transaction.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventInstalled:
		return "installed"
	case EventWithdrawn:
		return "withdrawn"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event reports the outcome of processing one destination.
type Event struct {
	Kind    EventKind
	Prefix  netip.Prefix
	Dest    *Dest
	Entry   *route.Entry
	Install []route.Nexthop
	// Changed is set when the kernel state of the destination changed.
	Changed bool
	Err     error
}

func (ev Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", ev.Kind.String()),
		slog.String("prefix", ev.Prefix.String()),
		slog.Bool("changed", ev.Changed),
	}
	if ev.Entry != nil {
		attrs = append(attrs, slog.String("entry", ev.Entry.String()))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}
