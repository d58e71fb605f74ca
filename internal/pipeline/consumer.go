// Package pipeline contains the queue consumers that drive an order from
// notification to delivery: the generic consumer loop plus the download
// and processing stage handlers.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"order-activity-relay/internal/config"
	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/queue"
	"order-activity-relay/internal/telemetry"
)

// JobQueue is the stage handoff consumed and produced by the pipeline.
type JobQueue interface {
	Enqueue(ctx context.Context, id string, payload []byte) error
	Receive(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, id string) error
	Release(ctx context.Context, id string, delay time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DeadLetter(ctx context.Context, id string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// FailureStore is the slice of the record store the consumer loop needs to
// make failures durably visible.
type FailureStore interface {
	RecordFailure(ctx context.Context, orderID string, attempts int, lastErr string) error
	MarkFailed(ctx context.Context, orderID string, attempts int, lastErr string) (bool, error)
}

// Handler runs one stage for one delivered job. deliveries is how many
// times the job has been handed out, this attempt included.
type Handler func(ctx context.Context, payload []byte, deliveries int) error

// Consumer drives one stage's execution loop against its queue.
type Consumer struct {
	cfg    config.Config
	name   string
	queue  JobQueue
	store  FailureStore
	handle Handler
	log    *slog.Logger
}

func NewConsumer(cfg config.Config, name string, q JobQueue, st FailureStore, handle Handler, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{cfg: cfg, name: name, queue: q, store: st, handle: handle, log: log.With("queue", name)}
}

// Run pulls jobs until context cancellation. Every failure path records the
// attempt durably: transient errors reschedule the job with backoff until
// the delivery budget runs out, permanent errors dead-letter at once.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = c.queue.PromoteScheduled(ctx, time.Now(), int64(c.cfg.ScheduledBatchSize))
		if reclaimed, _ := c.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			c.log.Warn("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := c.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(c.name).Set(float64(depth))
		}

		d, err := c.queue.Receive(ctx)
		if err != nil || d == nil {
			if err != nil {
				c.log.Error("receive failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		err = c.handle(ctx, d.Payload, d.Deliveries)
		if err == nil {
			_ = c.queue.Ack(ctx, d.ID)
			telemetry.InFlightGauge.Dec()
			continue
		}

		orderID := orderIDOf(d.Payload)
		if faults.IsPermanent(err) || d.Deliveries >= c.cfg.MaxDeliveries {
			if _, mErr := c.store.MarkFailed(ctx, orderID, d.Deliveries, err.Error()); mErr != nil {
				c.log.Error("mark failed", "order_id", orderID, "error", mErr)
			}
			_ = c.queue.DeadLetter(ctx, d.ID)
			telemetry.StageDeadLetter.Inc()
			c.log.Error("job dead-lettered", "order_id", orderID, "deliveries", d.Deliveries, "error", err)
		} else {
			if rErr := c.store.RecordFailure(ctx, orderID, d.Deliveries, err.Error()); rErr != nil {
				c.log.Error("record failure", "order_id", orderID, "error", rErr)
			}
			backoff := backoffWithJitter(c.cfg.BackoffInitial, c.cfg.BackoffMax, d.Deliveries)
			_ = c.queue.Release(ctx, d.ID, backoff)
			telemetry.StageRetries.Inc()
			c.log.Warn("job scheduled for redelivery", "order_id", orderID, "deliveries", d.Deliveries, "backoff", backoff, "error", err)
		}
		telemetry.InFlightGauge.Dec()
	}
}

// orderIDOf extracts the order from either job descriptor; both carry the
// same field.
func orderIDOf(payload []byte) string {
	var probe struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.OrderID
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
