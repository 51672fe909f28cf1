package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/termd/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	b := NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := newTestBus(t)

	var got []string
	_, err := b.Subscribe("terminal.session.created", func(ctx context.Context, e *Event) error {
		got = append(got, e.ID)
		return nil
	})
	require.NoError(t, err)

	// Handlers run on the publishing goroutine, so no waiting is needed
	// and the order must be exactly the publish order.
	var want []string
	for i := 0; i < 100; i++ {
		e := NewEvent("terminal.session.created", "test", nil)
		want = append(want, e.ID)
		require.NoError(t, b.Publish(context.Background(), "terminal.session.created", e))
	}
	assert.Equal(t, want, got)
}

func TestMemoryBusFanOut(t *testing.T) {
	b := newTestBus(t)

	counts := make([]int, 3)
	for i := 0; i < 3; i++ {
		i := i
		_, err := b.Subscribe("terminal.surface.connected", func(ctx context.Context, e *Event) error {
			assert.Equal(t, "abc", e.Data["surface_id"])
			counts[i]++
			return nil
		})
		require.NoError(t, err)
	}

	e := NewEvent("terminal.surface.connected", "gateway", map[string]interface{}{"surface_id": "abc"})
	require.NoError(t, b.Publish(context.Background(), "terminal.surface.connected", e))

	assert.Equal(t, []int{1, 1, 1}, counts)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	delivered := 0
	sub, err := b.Subscribe("terminal.session.exited", func(ctx context.Context, e *Event) error {
		delivered++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "terminal.session.exited", NewEvent("terminal.session.exited", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "terminal.session.exited", NewEvent("terminal.session.exited", "test", nil)))

	assert.Equal(t, 1, delivered)
	assert.False(t, sub.IsValid())
}

func TestMemoryBusWildcardMatching(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"terminal.session.*", "terminal.session.created", true},
		{"terminal.session.*", "terminal.session.exited", true},
		{"terminal.session.*", "terminal.surface.connected", false},
		{"terminal.session.*", "terminal.session.a.b", false},
		{"terminal.>", "terminal.session.created", true},
		{"terminal.>", "terminal.flow.backpressure", true},
		{"terminal.>", "other.subject", false},
		{"terminal.>", "terminal", false},
		{"terminal.session.created", "terminal.session.created", true},
		{"terminal.session.created", "terminal.session.createdlater", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			b := newTestBus(t)

			delivered := 0
			_, err := b.Subscribe(tt.pattern, func(ctx context.Context, e *Event) error {
				delivered++
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, b.Publish(context.Background(), tt.subject, NewEvent(tt.subject, "test", nil)))

			if tt.match {
				assert.Equal(t, 1, delivered)
			} else {
				assert.Zero(t, delivered)
			}
		})
	}
}

func TestMemoryBusQueueGroupRoundRobin(t *testing.T) {
	b := newTestBus(t)

	memberCounts := make([]int, 3)
	for i := 0; i < 3; i++ {
		i := i
		_, err := b.QueueSubscribe("terminal.session.*", "persisters", func(ctx context.Context, e *Event) error {
			memberCounts[i]++
			return nil
		})
		require.NoError(t, err)
	}

	// A plain subscriber next to the group still sees every event.
	plain := 0
	_, err := b.Subscribe("terminal.session.*", func(ctx context.Context, e *Event) error {
		plain++
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(context.Background(), "terminal.session.created", NewEvent("terminal.session.created", "test", nil)))
	}

	assert.Equal(t, []int{2, 2, 2}, memberCounts)
	assert.Equal(t, 6, plain)
}

func TestMemoryBusCloseRejectsActivity(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	b := NewMemoryEventBus(log)

	sub, err := b.Subscribe("terminal.session.*", func(ctx context.Context, e *Event) error { return nil })
	require.NoError(t, err)
	require.True(t, b.IsConnected())

	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.Error(t, b.Publish(context.Background(), "terminal.session.created", NewEvent("terminal.session.created", "test", nil)))
	_, err = b.Subscribe("terminal.session.*", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryBusConcurrentPublishers(t *testing.T) {
	b := newTestBus(t)

	var delivered atomic.Int64
	_, err := b.Subscribe("terminal.flow.backpressure", func(ctx context.Context, e *Event) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	const publishers, perPublisher = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = b.Publish(context.Background(), "terminal.flow.backpressure", NewEvent("terminal.flow.backpressure", "flow", nil))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(publishers*perPublisher), delivered.Load())
}

func TestMemoryBusHandlerErrorDoesNotStopOthers(t *testing.T) {
	b := newTestBus(t)

	second := 0
	_, err := b.Subscribe("terminal.session.*", func(ctx context.Context, e *Event) error {
		return errors.New("handler failed")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("terminal.session.*", func(ctx context.Context, e *Event) error {
		second++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "terminal.session.created", NewEvent("terminal.session.created", "test", nil)))
	assert.Equal(t, 1, second)
}

func TestMemoryBusHandlerMayPublish(t *testing.T) {
	b := newTestBus(t)

	followUps := 0
	_, err := b.Subscribe("terminal.session.exited", func(ctx context.Context, e *Event) error {
		followUps++
		return nil
	})
	require.NoError(t, err)

	// The bus lock is released before handlers run, so a handler can
	// publish a follow-up event without deadlocking.
	_, err = b.Subscribe("terminal.session.created", func(ctx context.Context, e *Event) error {
		return b.Publish(ctx, "terminal.session.exited", NewEvent("terminal.session.exited", "test", nil))
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "terminal.session.created", NewEvent("terminal.session.created", "test", nil)))
	assert.Equal(t, 1, followUps)
}

func TestMemoryBusSlowHandlerPreservesOrder(t *testing.T) {
	b := newTestBus(t)

	var got []string
	_, err := b.Subscribe("terminal.session.*", func(ctx context.Context, e *Event) error {
		time.Sleep(time.Millisecond)
		got = append(got, e.Data["seq"].(string))
		return nil
	})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 10; i++ {
		seq := fmt.Sprintf("%d", i)
		want = append(want, seq)
		e := NewEvent("terminal.session.running", "test", map[string]interface{}{"seq": seq})
		require.NoError(t, b.Publish(context.Background(), "terminal.session.running", e))
	}
	assert.Equal(t, want, got)
}

func TestNewEventFields(t *testing.T) {
	before := time.Now().UTC()
	e := NewEvent("terminal.session.created", "registry", map[string]interface{}{"session_id": 1})

	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err)
	assert.Equal(t, "terminal.session.created", e.Type)
	assert.Equal(t, "registry", e.Source)
	assert.Equal(t, 1, e.Data["session_id"])
	assert.False(t, e.Timestamp.Before(before))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}
