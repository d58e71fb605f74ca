package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-activity-relay/internal/config"
	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/models"
)

type stubStore struct {
	mu         sync.Mutex
	activities []models.ActivityNotification
	notified   []string
	records    map[string]models.OrderRecord
	messages   map[string][]models.MessageDetail
	retried    map[string]models.OrderRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		records:  make(map[string]models.OrderRecord),
		messages: make(map[string][]models.MessageDetail),
		retried:  make(map[string]models.OrderRecord),
	}
}

func (s *stubStore) PutActivity(_ context.Context, n models.ActivityNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, n)
	return nil
}

func (s *stubStore) EnsureNotified(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, orderID)
	return true, nil
}

func (s *stubStore) GetOrderRecord(_ context.Context, orderID string) (models.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[orderID]
	if !ok {
		return models.OrderRecord{}, faults.NotFound("order record %s not found", orderID)
	}
	return rec, nil
}

func (s *stubStore) ListMessages(_ context.Context, orderID string) ([]models.MessageDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[orderID], nil
}

func (s *stubStore) ListActivities(context.Context, string, string) ([]models.ActivityNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activities, nil
}

func (s *stubStore) RetryFailed(_ context.Context, orderID string) (models.OrderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.retried[orderID]
	return rec, ok, nil
}

type stubEnqueuer struct {
	mu       sync.Mutex
	payloads [][]byte
	dlq      []string
}

func (s *stubEnqueuer) Enqueue(_ context.Context, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *stubEnqueuer) DLQPeek(context.Context, int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlq, nil
}

func testServer(st *stubStore, download, processing *stubEnqueuer) http.Handler {
	cfg := config.Config{WebhookUsername: "qualia", WebhookPassword: "hunter2"}
	return New(cfg, st, download, processing, nil, nil).Router()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.SetBasicAuth("qualia", "hunter2")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWebhookAcceptsValidActivity(t *testing.T) {
	st := newStubStore()
	download := &stubEnqueuer{}
	h := testServer(st, download, &stubEnqueuer{})

	rr := doRequest(t, h, http.MethodPost, "/webhooks/activity",
		`{"description":"New order","type":"order_request","order_id":"TEST-001"}`, true)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp activityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "TEST-001", resp.OrderID)
	assert.NotEmpty(t, resp.RequestID)

	require.Len(t, st.activities, 1)
	assert.Equal(t, models.ActivityOrderRequest, st.activities[0].ActivityType)
	assert.Equal(t, []string{"TEST-001"}, st.notified)

	require.Len(t, download.payloads, 1)
	var job models.DownloadJob
	require.NoError(t, json.Unmarshal(download.payloads[0], &job))
	assert.Equal(t, "TEST-001", job.OrderID)
	assert.NotEmpty(t, job.JobID)
}

func TestWebhookRejectsUnknownType(t *testing.T) {
	st := newStubStore()
	download := &stubEnqueuer{}
	h := testServer(st, download, &stubEnqueuer{})

	rr := doRequest(t, h, http.MethodPost, "/webhooks/activity",
		`{"description":"x","type":"order_shipped","order_id":"TEST-001"}`, true)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Empty(t, st.activities, "rejected notification is not recorded")
	assert.Empty(t, download.payloads)
}

func TestWebhookRequiresMessageIDForMessages(t *testing.T) {
	h := testServer(newStubStore(), &stubEnqueuer{}, &stubEnqueuer{})

	rr := doRequest(t, h, http.MethodPost, "/webhooks/activity",
		`{"description":"New message","type":"message","order_id":"TEST-001"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/webhooks/activity",
		`{"description":"New message","type":"message","order_id":"TEST-001","message_id":"MSG-9"}`, true)
	assert.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	h := testServer(newStubStore(), &stubEnqueuer{}, &stubEnqueuer{})
	rr := doRequest(t, h, http.MethodPost, "/webhooks/activity", "{not json", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthRequired(t *testing.T) {
	h := testServer(newStubStore(), &stubEnqueuer{}, &stubEnqueuer{})

	rr := doRequest(t, h, http.MethodPost, "/webhooks/activity",
		`{"description":"x","type":"order_request","order_id":"TEST-001"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")

	rr = doRequest(t, h, http.MethodGet, "/orders/TEST-001", "", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealthzIsOpen(t *testing.T) {
	h := testServer(newStubStore(), &stubEnqueuer{}, &stubEnqueuer{})
	rr := doRequest(t, h, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGetOrder(t *testing.T) {
	st := newStubStore()
	st.records["TEST-001"] = models.OrderRecord{
		OrderID: "TEST-001", State: models.StateProcessed, Attempts: 2,
	}
	h := testServer(st, &stubEnqueuer{}, &stubEnqueuer{})

	rr := doRequest(t, h, http.MethodGet, "/orders/TEST-001", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var rec models.OrderRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, models.StateProcessed, rec.State)
	assert.Equal(t, 2, rec.Attempts)

	rr = doRequest(t, h, http.MethodGet, "/orders/UNKNOWN", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRetryFailedOrderWithBlobGoesToProcessing(t *testing.T) {
	st := newStubStore()
	st.retried["TEST-001"] = models.OrderRecord{
		OrderID: "TEST-001",
		State:   models.StateDownloaded,
		BlobKey: "orders/2026/08/TEST-001/a.json",
	}
	download := &stubEnqueuer{}
	processing := &stubEnqueuer{}
	h := testServer(st, download, processing)

	rr := doRequest(t, h, http.MethodPost, "/orders/TEST-001/retry", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Empty(t, download.payloads)
	require.Len(t, processing.payloads, 1)
	var job models.ProcessingJob
	require.NoError(t, json.Unmarshal(processing.payloads[0], &job))
	assert.Equal(t, "orders/2026/08/TEST-001/a.json", job.BlobKey)
}

func TestRetryFailedOrderWithoutBlobRedownloads(t *testing.T) {
	st := newStubStore()
	st.retried["TEST-001"] = models.OrderRecord{OrderID: "TEST-001", State: models.StateNotified}
	download := &stubEnqueuer{}
	processing := &stubEnqueuer{}
	h := testServer(st, download, processing)

	rr := doRequest(t, h, http.MethodPost, "/orders/TEST-001/retry", "", true)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Empty(t, processing.payloads)
	require.Len(t, download.payloads, 1)
}

func TestRetryNonFailedOrderConflicts(t *testing.T) {
	h := testServer(newStubStore(), &stubEnqueuer{}, &stubEnqueuer{})
	rr := doRequest(t, h, http.MethodPost, "/orders/TEST-001/retry", "", true)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDLQListing(t *testing.T) {
	download := &stubEnqueuer{dlq: []string{`{"order_id":"TEST-001"}`}}
	h := testServer(newStubStore(), download, &stubEnqueuer{})

	rr := doRequest(t, h, http.MethodGet, "/dlq", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.JSONEq(t, `{"order_id":"TEST-001"}`, string(resp.Items[0]))
}
