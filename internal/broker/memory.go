package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Broker implementation backing unit tests and
// single-process development mode. It satisfies the same Broker
// interface as the Redis-backed implementation: a delivery handed to a
// consumer is tracked in-flight until Ack; Nack(requeue=true) appends it
// to the tail of its queue so a later Consume call redelivers it. There
// is no visibility timeout: a delivery that is never acked or nacked
// (for example because its consumer returned an error) stays in-flight
// and is not redelivered.
type Memory struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]queued
	inFlight map[string]queued
	closed  bool
}

type queued struct {
	taskID   string
	queue    string
	priority int
	envelope Envelope
	readyAt  time.Time
}

// NewMemory builds an empty in-process broker.
func NewMemory() *Memory {
	m := &Memory{
		queues:   make(map[string][]queued),
		inFlight: make(map[string]queued),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Publish(ctx context.Context, env Envelope, priority int, delay time.Duration) (string, error) {
	return m.enqueue(QueueForPriority(priority), env, priority, delay)
}

func (m *Memory) Retry(ctx context.Context, env Envelope, delay time.Duration) (string, error) {
	env.RetryCount++
	return m.enqueue(QueueRetry, env, 5, delay)
}

func (m *Memory) Move(ctx context.Context, env Envelope, queue string) error {
	_, err := m.enqueue(queue, env, 0, 0)
	return err
}

func (m *Memory) enqueue(queue string, env Envelope, priority int, delay time.Duration) (string, error) {
	taskID := uuid.NewString()
	item := queued{taskID: taskID, queue: queue, priority: priority, envelope: env, readyAt: time.Now().Add(delay)}

	m.mu.Lock()
	m.queues[queue] = append(m.queues[queue], item)
	m.mu.Unlock()
	m.cond.Broadcast()

	return taskID, nil
}

// Consume blocks pulling ready deliveries from queues until ctx is
// cancelled, invoking handler synchronously (one in-flight delivery per
// call, matching "at most one in-flight message per worker slot").
func (m *Memory) Consume(ctx context.Context, queues []string, handler Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			m.cond.Broadcast()
		case <-stop:
		}
	}()

	for {
		item, ok := m.dequeue(ctx, queues)
		if !ok {
			return ctx.Err()
		}

		delivery := Delivery{
			TaskID:   item.taskID,
			Queue:    item.queue,
			Priority: item.priority,
			Envelope: item.envelope,
			ack: func(ctx context.Context) error {
				m.mu.Lock()
				delete(m.inFlight, item.taskID)
				m.mu.Unlock()
				return nil
			},
			nack: func(ctx context.Context, requeue bool) error {
				m.mu.Lock()
				delete(m.inFlight, item.taskID)
				if requeue {
					m.queues[item.queue] = append(m.queues[item.queue], item)
				}
				m.mu.Unlock()
				m.cond.Broadcast()
				return nil
			},
		}

		if err := handler(ctx, delivery); err != nil {
			return err
		}
	}
}

func (m *Memory) dequeue(ctx context.Context, queues []string) (queued, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.closed || ctx.Err() != nil {
			return queued{}, false
		}

		now := time.Now()
		var nextReady time.Time
		for _, q := range queues {
			items := m.queues[q]
			for i, it := range items {
				if it.readyAt.After(now) {
					if nextReady.IsZero() || it.readyAt.Before(nextReady) {
						nextReady = it.readyAt
					}
					continue
				}
				m.queues[q] = append(items[:i:i], items[i+1:]...)
				m.inFlight[it.taskID] = it
				return it, true
			}
		}

		// A delayed (future readyAt) entry needs its own wakeup —
		// otherwise it's only re-examined on the next unrelated
		// Broadcast (enqueue, Ack, Close), which can deliver a backoff
		// retry late when nothing else is happening on the broker.
		if !nextReady.IsZero() {
			timer := time.AfterFunc(nextReady.Sub(now), m.cond.Broadcast)
			m.cond.Wait()
			timer.Stop()
			continue
		}

		m.cond.Wait()
	}
}

func (m *Memory) Revoke(ctx context.Context, taskID string) error {
	m.mu.Lock()
	delete(m.inFlight, taskID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Depths(ctx context.Context, queues []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[string]int64, len(queues))
	for _, q := range queues {
		depths[q] = int64(len(m.queues[q]))
	}
	return depths, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}
