// Package shutdown coordinates process teardown: it closes the HTTP listener
// and then runs registered cleanup handlers one at a time in ascending
// priority order, each bounded by its own timeout, under a global force-exit
// deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

const (
	DefaultForceExitTimeout = 30 * time.Second
	DefaultHandlerTimeout   = 5 * time.Second
	DefaultServerTimeout    = 10 * time.Second
)

// Conventional priorities; lower runs first
const (
	PriorityWorkers  = 10
	PriorityQueue    = 20
	PriorityRelay    = 30
	PriorityExternal = 40
	PriorityDatabase = 50
)

var (
	// ErrShuttingDown is returned by Register once the handler list is frozen
	ErrShuttingDown = errors.New("shutdown in progress: registration closed")
	// ErrAlreadyShuttingDown is returned by every Shutdown call after the first
	ErrAlreadyShuttingDown = errors.New("shutdown already in progress")
)

// State of an Orchestrator. It only moves forward.
type State int32

const (
	Running State = iota
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Server is the listener closed before any handler runs. *http.Server
// satisfies it.
type Server interface {
	Shutdown(ctx context.Context) error
}

// HandlerFunc releases one resource. It should return once ctx is done.
type HandlerFunc func(ctx context.Context) error

type cleanupHandler struct {
	name     string
	priority int
	fn       HandlerFunc
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithForceExitTimeout sets the global deadline after which the process exits
// with code 1
func WithForceExitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.forceExitTimeout = d
		}
	}
}

// WithHandlerTimeout bounds each cleanup handler
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithServerTimeout bounds the wait for in-flight requests
func WithServerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.serverTimeout = d
		}
	}
}

// WithExitFunc replaces os.Exit for the force-exit path
func WithExitFunc(exit func(code int)) Option {
	return func(o *Orchestrator) {
		if exit != nil {
			o.exit = exit
		}
	}
}

// Orchestrator owns the shutdown state of one process
type Orchestrator struct {
	logger           *slog.Logger
	forceExitTimeout time.Duration
	handlerTimeout   time.Duration
	serverTimeout    time.Duration
	exit             func(code int)

	mu       sync.Mutex
	state    State
	handlers []cleanupHandler
	server   Server
}

// New creates an Orchestrator in the Running state
func New(logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:           logger,
		forceExitTimeout: DefaultForceExitTimeout,
		handlerTimeout:   DefaultHandlerTimeout,
		serverTimeout:    DefaultServerTimeout,
		exit:             os.Exit,
		state:            Running,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a cleanup handler. Handlers with equal priority run in
// registration order.
func (o *Orchestrator) Register(name string, priority int, fn HandlerFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Running {
		o.logger.Warn("Cleanup handler registered after shutdown started",
			slog.String("handler", name),
		)
		return ErrShuttingDown
	}

	o.handlers = append(o.handlers, cleanupHandler{name: name, priority: priority, fn: fn})
	return nil
}

// SetServer sets the listener to close first
func (o *Orchestrator) SetServer(srv Server) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.server = srv
}

// IsShuttingDown reports whether Shutdown has been called
func (o *Orchestrator) IsShuttingDown() bool {
	return o.State() != Running
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Shutdown runs the teardown sequence once. Handler failures are logged and do
// not stop the sequence; the returned error reports only a failure to close
// the listener or a fault in the sequence itself.
func (o *Orchestrator) Shutdown(ctx context.Context) (err error) {
	o.mu.Lock()
	if o.state != Running {
		state := o.state
		o.mu.Unlock()
		o.logger.Warn("Shutdown already in progress, ignoring",
			slog.String("state", state.String()),
		)
		return ErrAlreadyShuttingDown
	}
	o.state = ShuttingDown
	handlers := append([]cleanupHandler(nil), o.handlers...)
	server := o.server
	o.mu.Unlock()

	start := time.Now()
	o.logger.Info("Shutdown started",
		slog.Int("handlers", len(handlers)),
		slog.Duration("force_exit_timeout", o.forceExitTimeout),
	)

	forceExit := time.AfterFunc(o.forceExitTimeout, func() {
		o.logger.Error("Shutdown deadline exceeded, forcing exit",
			slog.Duration("elapsed", time.Since(start)),
		)
		o.exit(1)
	})
	defer forceExit.Stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown sequence panicked: %v", r)
			o.logger.Error("Shutdown sequence panicked",
				slog.Any("panic", r),
			)
		}
		o.mu.Lock()
		o.state = Terminated
		o.mu.Unlock()
	}()

	if server != nil {
		if serverErr := o.shutdownServer(ctx, server); serverErr != nil {
			err = serverErr
		}
	}

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].priority < handlers[j].priority
	})

	for _, h := range handlers {
		handlerStart := time.Now()
		if handlerErr := o.runHandler(ctx, h); handlerErr != nil {
			o.logger.Error("Cleanup handler failed",
				slog.String("handler", h.name),
				slog.Int("priority", h.priority),
				slog.Duration("duration", time.Since(handlerStart)),
				slog.String("error", handlerErr.Error()),
			)
			continue
		}
		o.logger.Info("Cleanup handler finished",
			slog.String("handler", h.name),
			slog.Int("priority", h.priority),
			slog.Duration("duration", time.Since(handlerStart)),
		)
	}

	o.logger.Info("Shutdown complete",
		slog.Duration("elapsed", time.Since(start)),
	)
	return err
}

func (o *Orchestrator) shutdownServer(ctx context.Context, server Server) error {
	o.logger.Info("Closing HTTP listener")

	serverCtx, cancel := context.WithTimeout(ctx, o.serverTimeout)
	defer cancel()

	if err := server.Shutdown(serverCtx); err != nil {
		o.logger.Error("HTTP server shutdown failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// runHandler races one handler against the per-handler timeout. A handler
// that ignores its context keeps running in the background after the timeout.
func (o *Orchestrator) runHandler(ctx context.Context, h cleanupHandler) error {
	handlerCtx, cancel := context.WithTimeout(ctx, o.handlerTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		errCh <- h.fn(handlerCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-handlerCtx.Done():
		return fmt.Errorf("handler did not finish within %s: %w", o.handlerTimeout, handlerCtx.Err())
	}
}

// WaitForSignal blocks until one of signals arrives (SIGINT and SIGTERM by
// default) or ctx is canceled, runs Shutdown and returns the process exit
// code. Signals received while shutting down are logged and ignored.
func (o *Orchestrator) WaitForSignal(ctx context.Context, signals ...os.Signal) int {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		o.logger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-ctx.Done():
		o.logger.Info("Context canceled, shutting down")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				o.logger.Warn("Received signal during shutdown, ignoring",
					slog.String("signal", sig.String()),
				)
			case <-done:
				return
			}
		}
	}()

	if err := o.Shutdown(context.Background()); err != nil {
		return 1
	}
	return 0
}
