package push

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/recipe-be/internal/recipe"
	"github.com/cuongbtq/recipe-be/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures frames written to it
type recordingSink struct {
	mu      sync.Mutex
	frames  []string
	closed  bool
	sendErr error
}

func (s *recordingSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *recordingSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestRegistry() *Registry {
	// Long interval keeps heartbeats out of delivery assertions
	return NewRegistry(logger.NewDiscard(), time.Hour)
}

func TestRegistry_TargetedDelivery(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	a, b := &recordingSink{}, &recordingSink{}
	r.AddClient("A", a)
	r.AddClient("B", b)

	require.NoError(t, r.SendToClient("A", ErrorResult("nope")))

	assert.Equal(t, []string{"data: {\"status\":\"error\",\"message\":\"nope\"}\n\n"}, a.Frames())
	assert.Empty(t, b.Frames())
}

func TestRegistry_SendToAbsentClientIsSilent(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	other := &recordingSink{}
	r.AddClient("B", other)

	assert.NoError(t, r.SendToClient("A", ErrorResult("lost")))
	assert.Empty(t, other.Frames())
}

func TestRegistry_RegistrationReplaces(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	first, second := &recordingSink{}, &recordingSink{}
	r.AddClient("A", first)
	r.AddClient("A", second)

	assert.Equal(t, 1, r.Count())
	assert.True(t, first.IsClosed(), "superseded connection is closed")

	require.NoError(t, r.SendToClient("A", SuccessResult(nil)))
	assert.Empty(t, first.Frames())
	assert.Len(t, second.Frames(), 1)

	// The superseded handler exiting must not evict its replacement
	assert.False(t, r.Release("A", first))
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Release("A", second))
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RemoveClientIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	r.AddClient("A", &recordingSink{})
	r.AddClient("B", &recordingSink{})
	before := r.Count()

	assert.NotPanics(t, func() { r.RemoveClient("never-registered") })
	assert.Equal(t, before, r.Count())

	r.RemoveClient("A")
	assert.Equal(t, before-1, r.Count())
	assert.NotPanics(t, func() { r.RemoveClient("A") })
	assert.Equal(t, before-1, r.Count())
}

func TestRegistry_SendFailureDropsClient(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	broken := &recordingSink{sendErr: errors.New("broken pipe")}
	r.AddClient("A", broken)

	err := r.SendToClient("A", ErrorResult("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := NewRegistry(logger.NewDiscard(), 10*time.Millisecond)
	defer r.Close()

	sink := &recordingSink{}
	r.AddClient("A", sink)

	require.Eventually(t, func() bool {
		return len(sink.Frames()) >= 2
	}, time.Second, 5*time.Millisecond)
	for _, frame := range sink.Frames() {
		assert.Equal(t, string(HeartbeatFrame), frame)
	}

	r.RemoveClient("A")
	time.Sleep(30 * time.Millisecond)
	stopped := len(sink.Frames())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, len(sink.Frames()), "heartbeat stops after removal")
}

func TestRegistry_HeartbeatFailureDropsClient(t *testing.T) {
	r := NewRegistry(logger.NewDiscard(), 5*time.Millisecond)
	defer r.Close()

	r.AddClient("A", &recordingSink{sendErr: errors.New("gone")})

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_Close(t *testing.T) {
	r := newTestRegistry()

	a, b := &recordingSink{}, &recordingSink{}
	r.AddClient("A", a)
	r.AddClient("B", b)

	r.Close()
	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
	assert.Equal(t, 0, r.Count())

	late := &recordingSink{}
	r.AddClient("C", late)
	assert.True(t, late.IsClosed())
	assert.Equal(t, 0, r.Count())

	assert.NotPanics(t, r.Close)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		userID := fmt.Sprintf("U%d", i%5)
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.AddClient(userID, &recordingSink{})
		}()
		go func() {
			defer wg.Done()
			_ = r.SendToClient(userID, ErrorResult("x"))
		}()
		go func() {
			defer wg.Done()
			r.RemoveClient(userID)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Count(), 5)
}

func TestEncodeFrame(t *testing.T) {
	recipes := []recipe.Recipe{{
		Title:       "Omelette",
		Ingredients: []recipe.Ingredient{{Name: "egg", Quantity: "2"}},
		Steps:       []string{"Whisk", "Fry"},
	}}

	frame, err := EncodeFrame(SuccessResult(recipes))
	require.NoError(t, err)
	assert.Equal(t,
		"data: {\"status\":\"success\",\"recipes\":[{\"title\":\"Omelette\",\"ingredients\":[{\"name\":\"egg\",\"quantity\":\"2\"}],\"steps\":[\"Whisk\",\"Fry\"]}]}\n\n",
		string(frame))

	_, err = EncodeFrame(make(chan int))
	assert.Error(t, err)
}

func TestStreamSink(t *testing.T) {
	rec := httptest.NewRecorder()

	sink, err := NewStreamSink(rec)
	require.NoError(t, err)

	require.NoError(t, sink.Send(HeartbeatFrame))
	assert.Equal(t, ": heartbeat\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)

	require.NoError(t, sink.Close())
	select {
	case <-sink.Done():
	default:
		t.Fatal("Done not closed")
	}

	assert.ErrorIs(t, sink.Send(HeartbeatFrame), ErrSinkClosed)
	assert.NoError(t, sink.Close())
}

func TestRegistry_CloseAfterDrain(t *testing.T) {
	r := newTestRegistry()
	sink := &recordingSink{}
	r.AddClient("U1", sink)

	drain := func(ctx context.Context) error {
		// an in-flight job finishing during shutdown
		assert.False(t, sink.IsClosed())
		return r.SendToClient("U1", ErrorResult("late"))
	}

	r.CloseAfter(drain, time.Second)()

	assert.Equal(t, []string{"data: {\"status\":\"error\",\"message\":\"late\"}\n\n"}, sink.Frames())
	assert.True(t, sink.IsClosed())
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_CloseAfterBoundsDrain(t *testing.T) {
	r := newTestRegistry()
	sink := &recordingSink{}
	r.AddClient("U1", sink)

	var drainErr error
	r.CloseAfter(func(ctx context.Context) error {
		<-ctx.Done()
		drainErr = ctx.Err()
		return drainErr
	}, 20*time.Millisecond)()

	assert.ErrorIs(t, drainErr, context.DeadlineExceeded)
	assert.True(t, sink.IsClosed())

	r.CloseAfter(nil, time.Second)()
}
