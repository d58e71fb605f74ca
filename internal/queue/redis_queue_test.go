package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "download", 30*time.Second, "queue:dlq")
}

func TestEnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1", []byte(`{"order_id":"TEST-001"}`)))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "job-1", d.ID)
	assert.Equal(t, 1, d.Deliveries)
	assert.JSONEq(t, `{"order_id":"TEST-001"}`, string(d.Payload))

	require.NoError(t, q.Ack(ctx, d.ID))

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestReleaseSchedulesRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1", []byte(`{"order_id":"TEST-001"}`)))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Release(ctx, d.ID, time.Minute))

	// Not visible before the delay elapses.
	d2, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d2)

	promoted, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	d3, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d3)
	assert.Equal(t, 2, d3.Deliveries, "delivery count survives release")
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1", []byte(`{}`)))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	// Worker crashed: lease expires, job becomes visible again.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, ids)

	d2, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, 2, d2.Deliveries)
}

func TestDeadLetterPreservesPayload(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "job-1", []byte(`{"order_id":"TEST-001"}`)))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.DeadLetter(ctx, d.ID))

	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"order_id":"TEST-001"}`, items[0])

	d2, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d2)
}

func TestReadyDepth(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "a", []byte(`{}`)))
	require.NoError(t, q.Enqueue(ctx, "b", []byte(`{}`)))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}
