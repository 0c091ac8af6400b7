package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// relayPublishTimeout bounds a single relay publish
const relayPublishTimeout = 5 * time.Second

// Envelope carries one delivery between processes
type Envelope struct {
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// Publisher publishes raw payloads to a named channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Relay forwards deliveries to the process that holds the push connections.
// It has the same SendToClient contract as Registry, so a worker running in a
// separate process can use it in place of a local registry.
type Relay struct {
	publisher Publisher
	channel   string
	logger    *slog.Logger
}

// NewRelay creates a relay publishing on channel
func NewRelay(publisher Publisher, channel string, logger *slog.Logger) *Relay {
	return &Relay{publisher: publisher, channel: channel, logger: logger}
}

// SendToClient publishes data for userID. Whether a connection exists is only
// known on the receiving side, where a miss is a silent no-op.
func (r *Relay) SendToClient(userID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode relayed message: %w", err)
	}

	payload, err := json.Marshal(Envelope{UserID: userID, Data: raw})
	if err != nil {
		return fmt.Errorf("failed to encode relay envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()

	if err := r.publisher.Publish(ctx, r.channel, payload); err != nil {
		return fmt.Errorf("failed to relay message for user %s: %w", userID, err)
	}

	r.logger.Debug("Push message relayed",
		slog.String("user_id", userID),
		slog.String("channel", r.channel),
	)
	return nil
}

// Forward delivers relayed envelopes into registry until payloads is closed or
// ctx is done. Each envelope is delivered on its own goroutine so a client that
// stopped reading delays only its own frames. Forward returns once every
// delivery it started has finished.
func Forward(ctx context.Context, payloads <-chan string, registry *Registry, logger *slog.Logger) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-payloads:
			if !ok {
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil || env.UserID == "" {
				logger.Warn("Dropping malformed relay envelope",
					slog.Int("size", len(payload)),
				)
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := registry.SendToClient(env.UserID, env.Data); err != nil {
					logger.Warn("Failed to deliver relayed message",
						slog.String("user_id", env.UserID),
						slog.Any("error", err),
					)
				}
			}()
		}
	}
}
