package push

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWriteTimeout bounds a single frame write to a client that stopped
// reading
const DefaultWriteTimeout = 10 * time.Second

var (
	// ErrSinkClosed is returned by Send after Close
	ErrSinkClosed = errors.New("push connection closed")

	// ErrStreamingUnsupported is returned when the response writer cannot flush
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// StreamSink writes frames to an HTTP response and flushes each one. The
// handler that owns the response must stay in its ServeHTTP call until Done is
// closed and then call Wait before returning.
type StreamSink struct {
	// mu serializes writes only. Close never takes it.
	mu           sync.Mutex
	w            http.ResponseWriter
	flusher      http.Flusher
	rc           *http.ResponseController
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// SinkOption configures a StreamSink
type SinkOption func(*StreamSink)

// WithWriteTimeout sets the per-frame write deadline. Zero disables it.
func WithWriteTimeout(d time.Duration) SinkOption {
	return func(s *StreamSink) {
		s.writeTimeout = d
	}
}

// NewStreamSink wraps w, which must implement http.Flusher
func NewStreamSink(w http.ResponseWriter, opts ...SinkOption) (*StreamSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	s := &StreamSink{
		w:            w,
		flusher:      flusher,
		rc:           http.NewResponseController(w),
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send writes one frame and flushes it to the client. A client that does not
// drain the frame within the write timeout gets an error; writers without
// deadline support are written to unbounded.
func (s *StreamSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSinkClosed
	}

	if s.writeTimeout > 0 {
		// ErrNotSupported leaves the write unbounded
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if s.closed.Load() {
			return ErrSinkClosed
		}
		defer func() {
			if !s.closed.Load() {
				_ = s.rc.SetWriteDeadline(time.Time{})
			}
		}()
	}

	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close marks the sink closed and releases Done without waiting for a write in
// progress. A pending write is cut short through an expired deadline. It is
// idempotent.
func (s *StreamSink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.rc.SetWriteDeadline(time.Now())
	})
	return nil
}

// Done is closed by Close
func (s *StreamSink) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until no write is in progress. The owning handler calls it
// after Close so the response is not written to once ServeHTTP returns.
func (s *StreamSink) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
}
