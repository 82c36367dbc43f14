// Package broker wraps an external message broker behind the narrow
// contract the worker runtime and the job API need: publish with
// priority routing, late-ack consumption, best-effort revoke, and
// backoff-scheduled retry. The interface shape is grounded on the
// QueueBackend contract found in the wider example corpus
// (capability-gated Enqueue/Dequeue/Ack/Nack/Move), narrowed to exactly
// the verbs the transcription pipeline uses.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue names. Priority selects one of the first three; jobs.dlq only
// ever receives terminally failed envelopes via Move.
const (
	QueueHigh   = "jobs.high"
	QueueNormal = "jobs.normal"
	QueueRetry  = "jobs.retry"
	QueueDLQ    = "jobs.dlq"
)

// QueueForPriority maps a priority in [0,9] to the queue it is
// published on. Priorities 8 and 9 (9 is the job API's upload path) land
// on jobs.high; everything below 8 lands on jobs.normal, and retries always
// re-publish to jobs.retry regardless of original priority.
func QueueForPriority(priority int) string {
	if priority >= 8 {
		return QueueHigh
	}
	return QueueNormal
}

// Envelope is the JSON message body carried on every queue.
type Envelope struct {
	JobID      uuid.UUID `json:"job_id"`
	FilePath   string    `json:"file_path"`
	ModelTier  string    `json:"model_tier"`
	Language   string    `json:"language"`
	RetryCount int       `json:"retry_count"`
}

// Marshal serializes the envelope to JSON bytes.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses JSON bytes into an Envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// Delivery is a message handed to a Consume handler. TaskID is the
// broker-assigned identifier used for Revoke; Ack/Nack must be called
// exactly once per delivery.
type Delivery struct {
	TaskID   string
	Queue    string
	Priority int
	Envelope Envelope

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

// Ack acknowledges successful or terminal handling of the delivery.
func (d Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Nack signals the delivery was not handled; requeue controls whether
// the broker redelivers it immediately (used for crash recovery, not
// for application-level retry scheduling — application retries use
// Retry instead, which re-publishes with a delay).
func (d Delivery) Nack(ctx context.Context, requeue bool) error { return d.nack(ctx, requeue) }

// Handler processes one Delivery. The worker runtime is the only
// caller; it always Acks or Nacks before returning.
type Handler func(ctx context.Context, d Delivery) error

// Broker is the contract the worker runtime and job API depend on.
// Concrete adapters (Memory, Redis) live at the edges.
type Broker interface {
	// Publish enqueues payload on the queue selected by priority,
	// optionally delayed, and returns a broker-assigned task id.
	Publish(ctx context.Context, env Envelope, priority int, delay time.Duration) (taskID string, err error)
	// Consume pulls from queues and invokes handler for each delivery,
	// blocking until ctx is cancelled. At most one in-flight delivery
	// occupies a given worker slot at a time.
	Consume(ctx context.Context, queues []string, handler Handler) error
	// Revoke best-effort cancels a consumed-but-not-yet-acked task.
	Revoke(ctx context.Context, taskID string) error
	// Retry re-publishes msg to jobs.retry after delay, incrementing
	// retry_count.
	Retry(ctx context.Context, env Envelope, delay time.Duration) (taskID string, err error)
	// Move re-publishes env to queue verbatim (used to copy a
	// terminally failed envelope into jobs.dlq).
	Move(ctx context.Context, env Envelope, queue string) error
	// Depths reports the current length of each named queue, used by
	// the admin health endpoint.
	Depths(ctx context.Context, queues []string) (map[string]int64, error)
	// Close releases broker resources.
	Close() error
}
