package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/encodeous/fibd/kernel"
	"github.com/encodeous/fibd/perf"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Options controls a single run of the daemon.
type Options struct {
	Level slog.Level
	// Trace logs every RIB event.
	Trace bool
	// Open replaces kernel.Open, mainly for tests.
	Open func(kernel.Config) (kernel.Channel, error)
	// Ready is called on the main loop once every module is initialized.
	Ready func(s *state.State)
	// Context stops the daemon when done, in addition to SIGINT and SIGTERM.
	Context context.Context
}

func setupTracing(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := trace.Start(f); err != nil {
		f.Close()
		return nil, err
	}
	log.Println("Started tracing")
	return func() {
		trace.Stop()
		f.Close()
	}, nil
}

// Bootstrap reads the configuration and runs the daemon until it is stopped.
func Bootstrap(configPath string, verbose bool, traceEvents bool, runtimeTrace string) error {
	if runtimeTrace != "" {
		stop, err := setupTracing(runtimeTrace)
		if err != nil {
			return err
		}
		defer stop()
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	cfg, err := state.ReadConfig(configPath)
	if err != nil {
		return err
	}
	return Start(*cfg, Options{Level: level, Trace: traceEvents})
}

func newLogger(cfg *state.Config, level slog.Level) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			TimeFormat:   "15:04:05.000",
			CustomPrefix: "fibd",
		}))

	closer := func() {}
	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = func() { f.Close() }
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func Start(cfg state.Config, opts Options) error {
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	logger, closeLog, err := newLogger(&cfg, opts.Level)
	if err != nil {
		return err
	}
	defer closeLog()

	dispatch := make(chan func(*state.State) error, state.DispatchQueueSize)

	s := &state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			Config:          cfg,
			Log:             logger,
		},
	}

	s.Log.Info("init modules")
	if err := initModules(s, opts); err != nil {
		Stop(s)
		return err
	}
	s.Log.Info("init modules complete")
	s.Log.Info("fibd has been initialized. To gracefully exit, send SIGINT or Ctrl+C.",
		"backend", s.Kernel.Backend(), "table", cfg.Table)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
	}()

	if opts.Ready != nil {
		s.Dispatch(func(s *state.State) error {
			opts.Ready(s)
			return nil
		})
	}
	return MainLoop(s, dispatch)
}

func initModules(s *state.State, opts Options) error {
	modules := []state.Module{
		&Trace{Log: opts.Trace},
		&RIB{},
		&Kernel{Open: opts.Open},
	}
	if s.FPM.Enabled {
		modules = append(modules, &FPM{})
	}
	if s.DebugAddr != "" {
		modules = append(modules, &Debug{})
	}

	for _, module := range modules {
		name := reflect.TypeOf(module).String()
		s.Modules[name] = module
		if err := module.Init(s); err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	var loopErr error
	for {
		select {
		case fun := <-dispatch:
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				loopErr = err
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > state.DispatchWarnLatency {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return loopErr
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
