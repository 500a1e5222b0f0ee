package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
)

func TestService_PublishSyncDeliversInOrder(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	var mu sync.Mutex
	var received []int
	_, err := service.Subscribe(interfaces.EventBatchProgress, func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event.Payload.(int))
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventBatchProgress, Payload: i}))
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, received)
}

func TestService_PublishAsync(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := service.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobCompleted}))
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestService_Unsubscribe(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	var first, second atomic.Int32
	id1, err := service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	id2, err := service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, service.Unsubscribe(interfaces.EventJobFailed, id1))
	assert.Error(t, service.Unsubscribe(interfaces.EventJobFailed, id1))

	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed}))
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestService_PublishSyncCollectsErrors(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	boom := errors.New("boom")
	_, err := service.Subscribe(interfaces.EventBatchFailed, func(ctx context.Context, event interfaces.Event) error {
		return boom
	})
	require.NoError(t, err)
	_, err = service.Subscribe(interfaces.EventBatchFailed, func(ctx context.Context, event interfaces.Event) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	err = service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventBatchFailed})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestService_Close(t *testing.T) {
	service := NewService(arbor.NewLogger())
	_, err := service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error { return nil })
	require.NoError(t, err)

	require.NoError(t, service.Close())

	assert.ErrorIs(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed}), ErrClosed)
	_, err = service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestService_SubscribeNilHandler(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	_, err := service.Subscribe(interfaces.EventJobFailed, nil)
	assert.Error(t, err)
}
