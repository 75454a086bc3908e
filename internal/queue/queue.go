// Package queue implements the durable Redis-backed task queue: priority
// and delayed enqueue, per-category consumer concurrency, exponential
// backoff retries, and stalled-claim recovery.
//
// Delivery is at-least-once. Every handler must tolerate re-invocation;
// idempotency is a consumer-side contract.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Job categories used by this system. The simulation category runs at
// concurrency 1 per process (see config) to keep the ledger-history read
// sequential per instance.
const (
	CategorySimulation = "simulation"
	CategoryPDF        = "pdf"
	CategoryEmail      = "email"
	CategorySMS        = "sms"
	CategoryPush       = "push"
)

var (
	// ErrExhausted is returned by Nack when an item has used its last attempt.
	ErrExhausted = errors.New("queue item attempts exhausted")
)

// Envelope is the durable wire form of one queued item.
type Envelope struct {
	ID          string          `json:"id"`
	Category    string          `json:"category"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	// RemoveOnFail discards the item once attempts are exhausted instead of
	// retaining it on the failed list for operator inspection. High-value
	// categories (simulation) keep it false.
	RemoveOnFail bool      `json:"remove_on_fail"`
	Stalled      int       `json:"stalled"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Options controls a single enqueue. Zero values fall back to the queue's
// defaults.
type Options struct {
	Priority     int
	Delay        time.Duration
	Attempts     int
	BackoffBase  time.Duration
	RemoveOnFail bool
}

// Delivery is what a handler receives: the envelope plus derived flags.
type Delivery struct {
	Envelope Envelope
	// Attempt is the 1-based number of this delivery.
	Attempt int
	// IsFinalAttempt is true when a failure of this delivery will exhaust
	// the item. Handlers use it to decide terminal vs. retryable bookkeeping.
	IsFinalAttempt bool
	// Stalled is true when this delivery is the automatic single retry of a
	// claim whose consumer stopped heartbeating.
	Stalled bool
}

// Handler processes one delivery. Returning an error triggers the queue's
// retry/backoff bookkeeping.
type Handler func(ctx context.Context, d Delivery) error

// RetryPolicy is the data-driven retry configuration applied when an
// enqueue leaves Options fields zero.
type RetryPolicy struct {
	Attempts    int
	BackoffBase time.Duration
}

// maxBackoff bounds the doubling delay.
const maxBackoff = time.Hour

// Backoff returns the delay before redelivering after the given 1-based
// failed attempt: base, 2*base, 4*base, ... capped at maxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := p.BackoffBase << shift
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func newEnvelopeID() string {
	return uuid.NewString()
}
