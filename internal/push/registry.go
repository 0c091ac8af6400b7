// Package push keeps the long-lived server-push connections of this process,
// keyed by user id, so background work can reach the browser that asked for it.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultHeartbeatInterval keeps idle connections alive through proxies that
// drop quiet streams after about a minute
const DefaultHeartbeatInterval = 30 * time.Second

// Sink is one open push channel. Implementations must be safe for concurrent
// Send calls and must be comparable (pointer types).
type Sink interface {
	Send(frame []byte) error
	Close() error
}

type client struct {
	sink     Sink
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *client) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Registry maps user ids to their single live push connection.
type Registry struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger, heartbeatInterval time.Duration) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Registry{
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		clients:           make(map[string]*client),
	}
}

// AddClient registers sink for userID and starts its heartbeat. A sink already
// registered for the user is superseded and closed.
func (r *Registry) AddClient(userID string, sink Sink) {
	c := &client{sink: sink, stop: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sink.Close()
		return
	}
	previous := r.clients[userID]
	r.clients[userID] = c
	count := len(r.clients)
	r.mu.Unlock()

	if previous != nil {
		previous.halt()
		if err := previous.sink.Close(); err != nil {
			r.logger.Warn("Failed to close superseded push connection",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
		}
		r.logger.Info("Push connection superseded",
			slog.String("user_id", userID),
		)
	}

	go r.heartbeat(userID, c)

	r.logger.Info("Push client registered",
		slog.String("user_id", userID),
		slog.Int("clients", count),
	)
}

// RemoveClient stops the heartbeat and forgets the user's connection. Removing
// an absent client is a no-op.
func (r *Registry) RemoveClient(userID string) {
	r.mu.Lock()
	c, ok := r.clients[userID]
	delete(r.clients, userID)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.halt()

	r.logger.Info("Push client removed",
		slog.String("user_id", userID),
	)
}

// Release removes userID only while sink is still its registered connection.
// Handlers call it on disconnect so a superseded connection cannot evict its
// replacement.
func (r *Registry) Release(userID string, sink Sink) bool {
	r.mu.Lock()
	c, ok := r.clients[userID]
	if !ok || c.sink != sink {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, userID)
	r.mu.Unlock()

	c.halt()
	r.logger.Info("Push client released",
		slog.String("user_id", userID),
	)
	return true
}

// release is Release keyed by the registry entry itself
func (r *Registry) release(userID string, c *client) {
	r.mu.Lock()
	if r.clients[userID] == c {
		delete(r.clients, userID)
	}
	r.mu.Unlock()
	c.halt()
}

// SendToClient writes data as one frame to the user's connection. When the user
// has no connection the call is a silent no-op: results are never queued.
func (r *Registry) SendToClient(userID string, data any) error {
	r.mu.Lock()
	c, ok := r.clients[userID]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("No push connection for user, dropping message",
			slog.String("user_id", userID),
		)
		return nil
	}

	frame, err := EncodeFrame(data)
	if err != nil {
		return err
	}

	if err := c.sink.Send(frame); err != nil {
		r.release(userID, c)
		return fmt.Errorf("failed to push to user %s: %w", userID, err)
	}

	r.logger.Debug("Push message delivered",
		slog.String("user_id", userID),
		slog.Int("frame_size", len(frame)),
	)
	return nil
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close stops every heartbeat, closes every sink and refuses later
// registrations. It is meant to run when the HTTP server begins shutting down.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := r.clients
	r.clients = make(map[string]*client)
	r.mu.Unlock()

	for userID, c := range clients {
		c.halt()
		if err := c.sink.Close(); err != nil {
			r.logger.Warn("Failed to close push connection",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
		}
	}

	r.logger.Info("Push registry closed",
		slog.Int("closed_connections", len(clients)),
	)
}

// CloseAfter returns a hook that runs drain, bounded by timeout, and then
// closes the registry. Work still finishing during the drain can push its
// results to connections that are open. A nil drain closes at once.
func (r *Registry) CloseAfter(drain func(context.Context) error, timeout time.Duration) func() {
	return func() {
		if drain != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := drain(ctx); err != nil {
				r.logger.Warn("Drain before closing push connections failed",
					slog.Any("error", err),
				)
			}
			cancel()
		}
		r.Close()
	}
}

func (r *Registry) heartbeat(userID string, c *client) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.sink.Send(HeartbeatFrame); err != nil {
				r.logger.Info("Heartbeat failed, dropping push client",
					slog.String("user_id", userID),
					slog.Any("error", err),
				)
				r.release(userID, c)
				return
			}
		}
	}
}
