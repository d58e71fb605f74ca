package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/models"
	"order-activity-relay/internal/queue"
	"order-activity-relay/internal/store"
	"order-activity-relay/internal/transform"
	"order-activity-relay/internal/upstream"
)

// fakeStore is an in-memory stand-in for the Postgres record store with the
// same conditional-advance semantics.
type fakeStore struct {
	mu           sync.Mutex
	records      map[string]*models.OrderRecord
	messages     map[string]models.MessageDetail
	orderDetails map[string]json.RawMessage
	failures     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:      make(map[string]*models.OrderRecord),
		messages:     make(map[string]models.MessageDetail),
		orderDetails: make(map[string]json.RawMessage),
	}
}

func (f *fakeStore) setState(orderID string, state models.OrderState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[orderID] = &models.OrderRecord{OrderID: orderID, State: state}
}

func (f *fakeStore) GetOrderRecord(_ context.Context, orderID string) (models.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[orderID]
	if !ok {
		return models.OrderRecord{}, faults.NotFound("order record %s not found", orderID)
	}
	return *rec, nil
}

func (f *fakeStore) PutMessage(_ context.Context, m models.MessageDetail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.OrderID+"|"+m.MessageID] = m
	return nil
}

func (f *fakeStore) PutOrderDetail(_ context.Context, orderID, fetchAttemptID string, raw json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderDetails[orderID+"|"+fetchAttemptID] = raw
	return nil
}

func (f *fakeStore) AdvanceState(_ context.Context, orderID string, target models.OrderState, attempts int, upd store.StateUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[orderID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, from := range models.AllowedFrom(target) {
		if rec.State == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	rec.State = target
	rec.Attempts = attempts
	rec.LastError = ""
	if upd.BlobKey != "" {
		rec.BlobKey = upd.BlobKey
	}
	if upd.Checksum != "" {
		rec.Checksum = upd.Checksum
	}
	return true, nil
}

func (f *fakeStore) RecordFailure(_ context.Context, orderID string, attempts int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[orderID]; ok {
		rec.Attempts = attempts
		rec.LastError = lastErr
	}
	f.failures = append(f.failures, orderID)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, orderID string, attempts int, lastErr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[orderID]
	if !ok || rec.State == models.StateProcessed {
		return false, nil
	}
	rec.State = models.StateFailed
	rec.Attempts = attempts
	rec.LastError = lastErr
	return true, nil
}

// fakeQueue records produced jobs and serves scripted deliveries.
type fakeQueue struct {
	mu           sync.Mutex
	enqueued     []queuedJob
	pending      []*queue.Delivery
	acked        []string
	released     []string
	releaseDelay []time.Duration
	deadLettered []string
}

type queuedJob struct {
	id      string
	payload []byte
}

func (f *fakeQueue) Enqueue(_ context.Context, id string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, queuedJob{id: id, payload: payload})
	return nil
}

func (f *fakeQueue) Receive(_ context.Context) (*queue.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	d := f.pending[0]
	f.pending = f.pending[1:]
	return d, nil
}

func (f *fakeQueue) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeQueue) Release(_ context.Context, id string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	f.releaseDelay = append(f.releaseDelay, delay)
	return nil
}

func (f *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) { return 0, nil }
func (f *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (f *fakeQueue) DeadLetter(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLettered = append(f.deadLettered, id)
	return nil
}

func (f *fakeQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

// fakeFetcher serves canned upstream responses.
type fakeFetcher struct {
	mu           sync.Mutex
	orderRaw     json.RawMessage
	orderErr     error
	message      *upstream.Message
	messageRaw   json.RawMessage
	messageErr   error
	orderCalls   int
	messageCalls int
}

func (f *fakeFetcher) FetchOrder(_ context.Context, _ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	return f.orderRaw, f.orderErr
}

func (f *fakeFetcher) FetchMessage(_ context.Context, _, _ string) (*upstream.Message, json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageCalls++
	if f.messageErr != nil {
		return nil, nil, f.messageErr
	}
	return f.message, f.messageRaw, nil
}

// fakeSubmitter fails a configured number of times before succeeding.
type fakeSubmitter struct {
	mu           sync.Mutex
	failuresLeft int
	failWith     error
	submissions  []transform.Canonical
}

func (f *fakeSubmitter) Submit(_ context.Context, order transform.Canonical) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return f.failWith
	}
	f.submissions = append(f.submissions, order)
	return nil
}

// memBlob is an in-memory blob store.
type memBlob struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{data: make(map[string][]byte)}
}

func (m *memBlob) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = body
	return nil
}

func (m *memBlob) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.data[key]
	if !ok {
		return nil, faults.NotFound("blob %s not found", key)
	}
	return body, nil
}
