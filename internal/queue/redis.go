package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the Redis-backed task queue. Per category it keeps:
//
//	<prefix>:<cat>:pending    ZSET  score packs priority (major) + sequence (minor)
//	<prefix>:<cat>:delayed    ZSET  scored by ready-at unix millis
//	<prefix>:<cat>:claims     HASH  receipt -> envelope JSON
//	<prefix>:<cat>:visibility ZSET  receipt -> visible-at unix millis
//	<prefix>:<cat>:failed     LIST  retained exhausted envelopes
//	<prefix>:<cat>:seq        counter for FIFO ordering within a priority
type Queue struct {
	client     *redis.Client
	prefix     string
	policy     RetryPolicy
	visibility time.Duration
}

// prioritySpan is the score stride between adjacent priorities; sequence
// numbers below it preserve FIFO within one priority level.
const prioritySpan = 1e12

// NewQueue creates a Queue from a Redis URL.
func NewQueue(redisURL, prefix string, policy RetryPolicy, visibility time.Duration) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = 5 * time.Second
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Queue{
		client:     redis.NewClient(opts),
		prefix:     prefix,
		policy:     policy,
		visibility: visibility,
	}, nil
}

func (q *Queue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }
func (q *Queue) Close() error                   { return q.client.Close() }

func (q *Queue) pendingKey(cat string) string    { return q.prefix + ":" + cat + ":pending" }
func (q *Queue) delayedKey(cat string) string    { return q.prefix + ":" + cat + ":delayed" }
func (q *Queue) claimsKey(cat string) string     { return q.prefix + ":" + cat + ":claims" }
func (q *Queue) visibilityKey(cat string) string { return q.prefix + ":" + cat + ":visibility" }
func (q *Queue) failedKey(cat string) string     { return q.prefix + ":" + cat + ":failed" }
func (q *Queue) seqKey(cat string) string        { return q.prefix + ":" + cat + ":seq" }

// Enqueue adds one item and returns its handle (the envelope ID).
// Delivery is at-least-once to exactly one concurrent consumer slot.
func (q *Queue) Enqueue(ctx context.Context, category string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	env := Envelope{
		ID:           newEnvelopeID(),
		Category:     category,
		Payload:      raw,
		Priority:     opts.Priority,
		MaxAttempts:  opts.Attempts,
		BackoffBase:  opts.BackoffBase,
		RemoveOnFail: opts.RemoveOnFail,
		EnqueuedAt:   time.Now().UTC(),
	}
	if env.MaxAttempts < 1 {
		env.MaxAttempts = q.policy.Attempts
	}
	if env.BackoffBase <= 0 {
		env.BackoffBase = q.policy.BackoffBase
	}

	if opts.Delay > 0 {
		readyAt := time.Now().Add(opts.Delay)
		if err := q.addDelayed(ctx, env, readyAt); err != nil {
			return "", err
		}
		return env.ID, nil
	}
	if err := q.addPending(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (q *Queue) addPending(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	seq, err := q.client.Incr(ctx, q.seqKey(env.Category)).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	// Lower score pops first: higher priority pushes the score down a full
	// span, the sequence keeps FIFO among equals.
	score := float64(-env.Priority)*prioritySpan + float64(seq)
	err = q.client.ZAdd(ctx, q.pendingKey(env.Category), redis.Z{Score: score, Member: string(data)}).Err()
	if err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

func (q *Queue) addDelayed(ctx context.Context, env Envelope, readyAt time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	err = q.client.ZAdd(ctx, q.delayedKey(env.Category), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("add delayed: %w", err)
	}
	return nil
}

// PromoteDue moves delayed items whose ready-at has passed onto the pending
// set. Called by the consumer loop; safe to run from many instances since
// ZRem only succeeds for the instance that actually removed the member.
func (q *Queue) PromoteDue(ctx context.Context, category string, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(category), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range delayed: %w", err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(category), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove delayed: %w", err)
		}
		if removed == 0 {
			continue // another instance won this member
		}
		var env Envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			continue // undecodable member is dropped with the ZRem above
		}
		if err := q.addPending(ctx, env); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Claim holds one in-flight delivery.
type Claim struct {
	Receipt  string
	Envelope Envelope
}

// ClaimOne pops the best pending item and records the claim with a
// visibility deadline. Returns nil when the category is idle.
func (q *Queue) ClaimOne(ctx context.Context, category string) (*Claim, error) {
	popped, err := q.client.ZPopMin(ctx, q.pendingKey(category), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop pending: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	raw, _ := popped[0].Member.(string)

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	receipt := newEnvelopeID()
	visibleAt := time.Now().Add(q.visibility)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.claimsKey(category), receipt, raw)
	pipe.ZAdd(ctx, q.visibilityKey(category), redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: receipt,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record claim: %w", err)
	}
	return &Claim{Receipt: receipt, Envelope: env}, nil
}

// ExtendClaim pushes the claim's visibility deadline out. The consumer's
// heartbeat while a long handler runs.
func (q *Queue) ExtendClaim(ctx context.Context, category, receipt string) error {
	visibleAt := time.Now().Add(q.visibility)
	err := q.client.ZAdd(ctx, q.visibilityKey(category), redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: receipt,
	}).Err()
	if err != nil {
		return fmt.Errorf("extend claim: %w", err)
	}
	return nil
}

// Ack removes a completed claim.
func (q *Queue) Ack(ctx context.Context, category string, c *Claim) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.claimsKey(category), c.Receipt)
	pipe.ZRem(ctx, q.visibilityKey(category), c.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack records a failed delivery: the item is redelivered after exponential
// backoff until its attempts are exhausted, then retained on the failed
// list (or discarded when RemoveOnFail). Returns ErrExhausted in the
// terminal case so the consumer can log it as such.
func (q *Queue) Nack(ctx context.Context, category string, c *Claim) error {
	if err := q.Ack(ctx, category, c); err != nil {
		return err
	}

	env := c.Envelope
	env.Attempts++
	if env.Attempts >= env.MaxAttempts {
		if env.RemoveOnFail {
			return ErrExhausted
		}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode failed envelope: %w", err)
		}
		if err := q.client.LPush(ctx, q.failedKey(category), string(data)).Err(); err != nil {
			return fmt.Errorf("retain failed envelope: %w", err)
		}
		return ErrExhausted
	}

	policy := RetryPolicy{Attempts: env.MaxAttempts, BackoffBase: env.BackoffBase}
	readyAt := time.Now().Add(policy.Backoff(env.Attempts))
	return q.addDelayed(ctx, env, readyAt)
}

// RequeueStalled finds claims whose visibility deadline has passed —
// consumers that died mid-delivery — and requeues each once. A claim that
// stalls a second time goes to the failed list instead of looping forever.
// Returns the envelopes that were requeued so the caller can raise the
// stalled signal.
func (q *Queue) RequeueStalled(ctx context.Context, category string, now time.Time) ([]Envelope, error) {
	receipts, err := q.client.ZRangeByScore(ctx, q.visibilityKey(category), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: 100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range visibility: %w", err)
	}

	var requeued []Envelope
	for _, receipt := range receipts {
		raw, err := q.client.HGet(ctx, q.claimsKey(category), receipt).Result()
		if err == redis.Nil {
			_ = q.client.ZRem(ctx, q.visibilityKey(category), receipt).Err()
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("load stalled claim: %w", err)
		}

		removed, err := q.client.ZRem(ctx, q.visibilityKey(category), receipt).Result()
		if err != nil {
			return requeued, fmt.Errorf("remove stalled visibility: %w", err)
		}
		if removed == 0 {
			continue // another recovery loop won this receipt
		}
		_ = q.client.HDel(ctx, q.claimsKey(category), receipt).Err()

		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		env.Stalled++
		if env.Stalled > 1 {
			data, _ := json.Marshal(env)
			_ = q.client.LPush(ctx, q.failedKey(category), string(data)).Err()
			continue
		}
		if err := q.addPending(ctx, env); err != nil {
			return requeued, err
		}
		requeued = append(requeued, env)
	}
	return requeued, nil
}

// FailedCount reports retained exhausted items for a category.
func (q *Queue) FailedCount(ctx context.Context, category string) (int64, error) {
	n, err := q.client.LLen(ctx, q.failedKey(category)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed count: %w", err)
	}
	return n, nil
}
