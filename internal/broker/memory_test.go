package broker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPublishRoutesByPriority(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Publish(ctx, Envelope{JobID: uuid.New()}, 9, 0)
	require.NoError(t, err)
	_, err = m.Publish(ctx, Envelope{JobID: uuid.New()}, 3, 0)
	require.NoError(t, err)

	depths, err := m.Depths(ctx, []string{QueueHigh, QueueNormal})
	require.NoError(t, err)
	require.Equal(t, int64(1), depths[QueueHigh])
	require.Equal(t, int64(1), depths[QueueNormal])
}

func TestConsumeDeliversAndAcks(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := uuid.New()
	_, err := m.Publish(ctx, Envelope{JobID: jobID}, 9, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, []string{QueueHigh}, func(ctx context.Context, d Delivery) error {
			require.Equal(t, jobID, d.Envelope.JobID)
			require.NoError(t, d.Ack(ctx))
			cancel()
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	depths, err := m.Depths(context.Background(), []string{QueueHigh})
	require.NoError(t, err)
	require.Equal(t, int64(0), depths[QueueHigh])
}

func TestNackRequeueRedelivers(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := uuid.New()
	_, err := m.Publish(ctx, Envelope{JobID: jobID}, 9, 0)
	require.NoError(t, err)

	attempts := 0
	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, []string{QueueHigh}, func(ctx context.Context, d Delivery) error {
			attempts++
			if attempts == 1 {
				require.NoError(t, d.Nack(ctx, true))
				return nil
			}
			require.NoError(t, d.Ack(ctx))
			cancel()
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
	require.Equal(t, 2, attempts)
}

func TestRetryIncrementsRetryCountAndRoutesToRetryQueue(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Retry(ctx, Envelope{JobID: uuid.New(), RetryCount: 1}, 0)
	require.NoError(t, err)

	depths, err := m.Depths(ctx, []string{QueueRetry})
	require.NoError(t, err)
	require.Equal(t, int64(1), depths[QueueRetry])
}

func TestMoveToDLQ(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Move(ctx, Envelope{JobID: uuid.New()}, QueueDLQ))

	depths, err := m.Depths(ctx, []string{QueueDLQ})
	require.NoError(t, err)
	require.Equal(t, int64(1), depths[QueueDLQ])
}

func TestDelayedPublishNotImmediatelyVisible(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Publish(ctx, Envelope{JobID: uuid.New()}, 9, 50*time.Millisecond)
	require.NoError(t, err)

	consumeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	gotEarly := make(chan bool, 1)
	go func() {
		err := m.Consume(consumeCtx, []string{QueueHigh}, func(ctx context.Context, d Delivery) error {
			gotEarly <- true
			return d.Ack(ctx)
		})
		if err != nil {
			gotEarly <- false
		}
	}()
	select {
	case got := <-gotEarly:
		require.False(t, got, "delayed message must not be delivered before its delay elapses")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("consume goroutine did not exit")
	}
}
