package state

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/encodeous/fibd/kernel"
	"github.com/encodeous/fibd/rib"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules map[string]Module
	RIB     *rib.Store
	// Kernel is nil while no kernel channel is open.
	Kernel kernel.Channel
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	Config
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Log      *slog.Logger
	Started  atomic.Bool
	Stopping atomic.Bool
}
