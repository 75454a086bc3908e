package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Consumer runs one category's handler at a fixed concurrency. Each slot is
// an independent poll loop; a separate goroutine promotes due delayed items
// and recovers stalled claims.
type Consumer struct {
	queue        *Queue
	category     string
	concurrency  int
	handler      Handler
	pollInterval time.Duration
	stalledEvery time.Duration
	// OnStalled, when set, is invoked for every claim the recovery loop
	// requeues — the "stalled" signal.
	OnStalled func(env Envelope)

	logger *slog.Logger
}

// NewConsumer wires a handler to a category.
func NewConsumer(q *Queue, category string, concurrency int, handler Handler, pollInterval, stalledEvery time.Duration, logger *slog.Logger) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if stalledEvery <= 0 {
		stalledEvery = 30 * time.Second
	}
	return &Consumer{
		queue:        q,
		category:     category,
		concurrency:  concurrency,
		handler:      handler,
		pollInterval: pollInterval,
		stalledEvery: stalledEvery,
		logger:       logger.With("category", category),
	}
}

// Run blocks until ctx is cancelled and all slots have drained.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.maintenanceLoop(ctx)
	}()

	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			c.pollLoop(ctx, slot)
		}(i)
	}

	wg.Wait()
}

func (c *Consumer) pollLoop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		claim, err := c.queue.ClaimOne(ctx, c.category)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("claim failed", "slot", slot, "error", err)
			c.sleep(ctx)
			continue
		}
		if claim == nil {
			c.sleep(ctx)
			continue
		}

		c.runOne(ctx, claim)
	}
}

func (c *Consumer) runOne(ctx context.Context, claim *Claim) {
	env := claim.Envelope
	attempt := env.Attempts + 1
	d := Delivery{
		Envelope:       env,
		Attempt:        attempt,
		IsFinalAttempt: attempt >= env.MaxAttempts,
		Stalled:        env.Stalled > 0,
	}

	// Heartbeat the claim while the handler runs so a slow AI call is not
	// mistaken for a dead consumer.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, claim.Receipt)

	err := c.handler(ctx, d)
	stopHeartbeat()

	if err != nil {
		nackErr := c.queue.Nack(ctx, c.category, claim)
		if nackErr == ErrExhausted {
			c.logger.Error("item exhausted", "item_id", env.ID, "attempts", attempt, "error", err)
			return
		}
		if nackErr != nil {
			c.logger.Error("nack failed", "item_id", env.ID, "error", nackErr)
			return
		}
		c.logger.Warn("item failed, will retry", "item_id", env.ID, "attempt", attempt, "error", err)
		return
	}

	if err := c.queue.Ack(ctx, c.category, claim); err != nil {
		c.logger.Error("ack failed", "item_id", env.ID, "error", err)
	}
}

func (c *Consumer) heartbeat(ctx context.Context, receipt string) {
	interval := c.queue.visibility / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.queue.ExtendClaim(ctx, c.category, receipt); err != nil && ctx.Err() == nil {
				c.logger.Warn("heartbeat failed", "receipt", receipt, "error", err)
			}
		}
	}
}

// maintenanceLoop promotes due delayed items frequently and sweeps stalled
// claims on the slower stalled interval.
func (c *Consumer) maintenanceLoop(ctx context.Context) {
	promote := time.NewTicker(c.pollInterval)
	defer promote.Stop()
	stalled := time.NewTicker(c.stalledEvery)
	defer stalled.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := c.queue.PromoteDue(ctx, c.category, time.Now()); err != nil && ctx.Err() == nil {
				c.logger.Error("promote delayed failed", "error", err)
			}
		case <-stalled.C:
			envs, err := c.queue.RequeueStalled(ctx, c.category, time.Now())
			if err != nil && ctx.Err() == nil {
				c.logger.Error("stalled recovery failed", "error", err)
				continue
			}
			for _, env := range envs {
				c.logger.Warn("stalled claim requeued", "item_id", env.ID, "stalled", env.Stalled)
				if c.OnStalled != nil {
					c.OnStalled(env)
				}
			}
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}
