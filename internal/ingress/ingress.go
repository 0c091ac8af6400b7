// Package ingress bounds inbound byte streams while they are still arriving.
//
// Both the Writer (push side) and the Reader (pull side) count every chunk
// before forwarding it and refuse the first chunk that takes the running total
// past the limit. Nothing beyond the chunk in hand is buffered, so an oversized
// upload is rejected from partial data.
package ingress

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxBytes is the limit used when a non-positive limit is given.
const DefaultMaxBytes int64 = 5 << 20

// ErrEntityTooLarge matches every *TooLargeError via errors.Is.
var ErrEntityTooLarge = errors.New("request entity too large")

// TooLargeError reports the limit that was crossed and how many bytes had
// arrived when it happened.
type TooLargeError struct {
	Limit    int64
	Received int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("payload exceeds the maximum size of %d bytes", e.Limit)
}

func (e *TooLargeError) Is(target error) bool {
	return target == ErrEntityTooLarge
}

// Option configures a Writer or Reader.
type Option func(*bound)

// WithOnReject registers fn to be called exactly once, at the moment the limit
// is crossed. Callers use it to tell the producer to stop sending.
func WithOnReject(fn func(*TooLargeError)) Option {
	return func(b *bound) {
		b.onReject = fn
	}
}

// bound is the counter shared by Writer and Reader. It is not safe for
// concurrent use; a byte stream has a single producer.
type bound struct {
	limit    int64
	count    int64
	rejected *TooLargeError
	onReject func(*TooLargeError)
}

func newBound(limit int64, opts []Option) bound {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	b := bound{limit: limit}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// admit accounts for n incoming bytes and reports whether they may be forwarded.
func (b *bound) admit(n int) error {
	if b.rejected != nil {
		return b.rejected
	}

	b.count += int64(n)
	if b.count <= b.limit {
		return nil
	}

	b.rejected = &TooLargeError{Limit: b.limit, Received: b.count}
	if b.onReject != nil {
		b.onReject(b.rejected)
	}
	return b.rejected
}

// Count returns the number of bytes seen so far, including a rejected chunk.
func (b *bound) Count() int64 { return b.count }

// Limit returns the configured maximum.
func (b *bound) Limit() int64 { return b.limit }

// Err returns the rejection, or nil while the stream is within bounds.
func (b *bound) Err() error {
	if b.rejected == nil {
		return nil
	}
	return b.rejected
}

// Writer forwards chunks to dst until the cumulative size exceeds the limit.
type Writer struct {
	bound
	dst io.Writer
}

// NewWriter wraps dst with a size limit.
func NewWriter(dst io.Writer, limit int64, opts ...Option) *Writer {
	return &Writer{bound: newBound(limit, opts), dst: dst}
}

// Write forwards p unchanged, or forwards nothing and returns a *TooLargeError
// once the limit has been crossed.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.admit(len(p)); err != nil {
		return 0, err
	}
	return w.dst.Write(p)
}

// Reader yields bytes from src until the cumulative size exceeds the limit.
type Reader struct {
	bound
	src io.Reader
}

// NewReader wraps src with a size limit.
func NewReader(src io.Reader, limit int64, opts ...Option) *Reader {
	return &Reader{bound: newBound(limit, opts), src: src}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.rejected != nil {
		return 0, r.rejected
	}

	n, err := r.src.Read(p)
	if n > 0 {
		if admitErr := r.admit(n); admitErr != nil {
			return 0, admitErr
		}
	}
	return n, err
}
