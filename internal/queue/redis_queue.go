// Package queue implements the at-least-once handoff between pipeline
// stages on Redis: a ready list per queue, an in-flight set with a
// visibility timeout, a scheduled set for deferred redelivery, and a
// dead-letter list for jobs that exhausted their budget. Jobs carry their
// full payload so a stage can be replayed from the queue alone.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue coordinates ready, in-flight, and scheduled jobs for one stage.
type Queue struct {
	client        *redis.Client
	name          string
	visibilityTTL time.Duration
	dlqKey        string
}

// Delivery is one received job plus its redelivery count.
type Delivery struct {
	ID         string
	Payload    []byte
	Deliveries int
}

// New builds a queue client for the named stage queue.
func New(client *redis.Client, name string, visibility time.Duration, dlqKey string) *Queue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	if dlqKey == "" {
		dlqKey = "queue:dlq"
	}
	return &Queue{
		client:        client,
		name:          name,
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
	}
}

func (q *Queue) readyKey() string     { return fmt.Sprintf("queue:ready:%s", q.name) }
func (q *Queue) inflightKey() string  { return fmt.Sprintf("queue:inflight:%s", q.name) }
func (q *Queue) scheduledKey() string { return fmt.Sprintf("queue:scheduled:%s", q.name) }
func (q *Queue) metaPrefix() string   { return fmt.Sprintf("queue:meta:%s:", q.name) }
func (q *Queue) metaKey(id string) string {
	return q.metaPrefix() + id
}

// Enqueue inserts a job with its payload into the ready queue.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "payload", payload)
	pipe.RPush(ctx, q.readyKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Receive pops the next ready job, moves it in-flight with a visibility
// deadline, and increments its delivery count. Returns nil when the queue
// is empty.
func (q *Queue) Receive(ctx context.Context) (*Delivery, error) {
	keys := []string{q.readyKey(), q.inflightKey(), q.metaPrefix()}
	res, err := receiveScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return nil, fmt.Errorf("unexpected result from receive script: %T", res)
	}
	id, _ := arr[0].(string)
	deliveries, _ := arr[1].(int64)
	payload, _ := arr[2].(string)
	return &Delivery{ID: id, Payload: []byte(payload), Deliveries: int(deliveries)}, nil
}

// Ack removes a completed job from in-flight tracking and drops its meta.
func (q *Queue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Release returns an in-flight job to the queue for redelivery, after an
// optional delay. The delivery count survives for the next attempt.
func (q *Queue) Release(ctx context.Context, id string, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), id)
	if delay > 0 {
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.RPush(ctx, q.readyKey(), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It
// returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey(), id)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims in-flight jobs whose lease timed out, making them
// visible again.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeadLetter moves a job's payload to the dead-letter list for operational
// inspection and removes it from the queue.
func (q *Queue) DeadLetter(ctx context.Context, id string) error {
	payload, err := q.client.HGet(ctx, q.metaKey(id), "payload").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := q.client.TxPipeline()
	if payload != "" {
		pipe.RPush(ctx, q.dlqKey, payload)
	}
	pipe.ZRem(ctx, q.inflightKey(), id)
	pipe.Del(ctx, q.metaKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered payloads.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey()).Result()
}

var receiveScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  local d = redis.call('HINCRBY', KEYS[3] .. job, 'deliveries', 1)
  local p = redis.call('HGET', KEYS[3] .. job, 'payload')
  if not p then p = '' end
  return {job, d, p}
end
return nil
`)
