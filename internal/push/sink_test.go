package push

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/recipe-be/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stallingWriter is a client that never reads: Write blocks until its write
// deadline passes
type stallingWriter struct {
	header   http.Header
	mu       sync.Mutex
	deadline time.Time
	started  chan struct{}
	once     sync.Once
}

func newStallingWriter() *stallingWriter {
	return &stallingWriter{header: make(http.Header), started: make(chan struct{})}
}

func (w *stallingWriter) Header() http.Header { return w.header }
func (w *stallingWriter) WriteHeader(int)     {}
func (w *stallingWriter) Flush()              {}

func (w *stallingWriter) SetWriteDeadline(t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = t
	return nil
}

func (w *stallingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.started) })
	for {
		w.mu.Lock()
		deadline := w.deadline
		w.mu.Unlock()
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamSink_WriteTimeout(t *testing.T) {
	sink, err := NewStreamSink(newStallingWriter(), WithWriteTimeout(50*time.Millisecond))
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() { sent <- sink.Send(HeartbeatFrame) }()

	select {
	case err := <-sent:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not give up on a client that stopped reading")
	}
}

func TestStreamSink_CloseDoesNotWaitForStalledWrite(t *testing.T) {
	w := newStallingWriter()
	sink, err := NewStreamSink(w, WithWriteTimeout(time.Hour))
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() { sent <- sink.Send(HeartbeatFrame) }()
	<-w.started

	closed := make(chan struct{})
	go func() {
		_ = sink.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a pending write")
	}
	select {
	case <-sink.Done():
	default:
		t.Fatal("Done not closed")
	}

	select {
	case err := <-sent:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending write was not cut short by Close")
	}
	sink.Wait()
}

func TestForward_StalledClientDoesNotBlockOthers(t *testing.T) {
	registry := newTestRegistry()

	stalled := newStallingWriter()
	stalledSink, err := NewStreamSink(stalled, WithWriteTimeout(time.Hour))
	require.NoError(t, err)
	registry.AddClient("A", stalledSink)

	healthy := &recordingSink{}
	registry.AddClient("B", healthy)

	envelope := func(userID string) string {
		raw, err := json.Marshal(Envelope{UserID: userID, Data: json.RawMessage(`{"status":"error","message":"x"}`)})
		require.NoError(t, err)
		return string(raw)
	}

	payloads := make(chan string, 2)
	payloads <- envelope("A")
	payloads <- envelope("B")
	close(payloads)

	forwarded := make(chan struct{})
	go func() {
		Forward(context.Background(), payloads, registry, logger.NewDiscard())
		close(forwarded)
	}()

	<-stalled.started
	require.Eventually(t, func() bool { return len(healthy.Frames()) == 1 },
		time.Second, 5*time.Millisecond, "healthy client starved by a stalled one")

	registryClosed := make(chan struct{})
	go func() {
		registry.Close()
		close(registryClosed)
	}()

	select {
	case <-registryClosed:
	case <-time.After(time.Second):
		t.Fatal("Registry.Close blocked on a stalled client")
	}
	select {
	case <-stalledSink.Done():
	default:
		t.Fatal("stalled sink Done not closed")
	}

	select {
	case <-forwarded:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after the stalled write was cut short")
	}
}
