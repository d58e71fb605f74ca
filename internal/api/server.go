// Package api exposes the ingress and operator HTTP surface: the activity
// webhook, stored-record queries, explicit retry of failed orders, and
// dead-letter inspection.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"order-activity-relay/internal/config"
	"order-activity-relay/internal/models"
	"order-activity-relay/internal/ratelimit"
	"order-activity-relay/internal/telemetry"
)

// Store is the record-store surface the API reads and writes.
type Store interface {
	PutActivity(ctx context.Context, n models.ActivityNotification) error
	EnsureNotified(ctx context.Context, orderID string) (bool, error)
	GetOrderRecord(ctx context.Context, orderID string) (models.OrderRecord, error)
	ListMessages(ctx context.Context, orderID string) ([]models.MessageDetail, error)
	ListActivities(ctx context.Context, orderID, typePrefix string) ([]models.ActivityNotification, error)
	RetryFailed(ctx context.Context, orderID string) (models.OrderRecord, bool, error)
}

// Enqueuer is the queue surface the API produces to.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload []byte) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires the HTTP handlers for the ingress service.
type Server struct {
	cfg        config.Config
	store      Store
	download   Enqueuer
	processing Enqueuer
	limiter    *ratelimit.TokenBucket
	validate   *validator.Validate
	log        *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate
// limiting (tests, single-tenant deployments).
func New(cfg config.Config, st Store, download, processing Enqueuer, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		download:   download,
		processing: processing,
		limiter:    limiter,
		validate:   validator.New(),
		log:        log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Post("/webhooks/activity", s.handleActivity)
		r.Get("/orders/{orderID}", s.handleGetOrder)
		r.Get("/orders/{orderID}/messages", s.handleListMessages)
		r.Get("/orders/{orderID}/activities", s.handleListActivities)
		r.Post("/orders/{orderID}/retry", s.handleRetry)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

// basicAuth rejects unauthenticated calls before any store access.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.WebhookUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.WebhookPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="restricted"`)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type activityRequest struct {
	Description string `json:"description" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=order_request order_cancelled order_completed order_revision_requested message documents"`
	OrderID     string `json:"order_id" validate:"required"`
	MessageID   string `json:"message_id" validate:"required_if=Type message"`
}

type activityResponse struct {
	Status       string `json:"status"`
	OrderID      string `json:"order_id"`
	ActivityType string `json:"activity_type"`
	RequestID    string `json:"request_id"`
}

// handleActivity is the webhook ingress. It records the notification,
// ensures the order's processing record exists, and queues the download;
// no upstream or internal API call happens on this path.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()[:8]

	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.WebhooksRejected.Inc()
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		telemetry.WebhooksRejected.Inc()
		http.Error(w, "invalid notification: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	activityType, err := models.ParseActivityType(req.Type)
	if err != nil {
		telemetry.WebhooksRejected.Inc()
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if s.limiter != nil {
		user, _, _ := r.BasicAuth()
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+user)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	notification := models.ActivityNotification{
		OrderID:      req.OrderID,
		ActivityType: activityType,
		Description:  req.Description,
		MessageID:    req.MessageID,
		ReceivedAtMs: time.Now().UnixMilli(),
	}
	if err := s.store.PutActivity(r.Context(), notification); err != nil {
		s.log.Error("store activity", "order_id", req.OrderID, "request_id", requestID, "error", err)
		http.Error(w, "failed to record notification", http.StatusInternalServerError)
		return
	}
	// The state row must exist before the download worker can pick up the
	// job, or the worker's conditional advance would find nothing to move.
	if _, err := s.store.EnsureNotified(r.Context(), req.OrderID); err != nil {
		s.log.Error("ensure notified", "order_id", req.OrderID, "request_id", requestID, "error", err)
		http.Error(w, "failed to record order state", http.StatusInternalServerError)
		return
	}

	job := models.DownloadJob{
		JobID:        uuid.New().String(),
		OrderID:      req.OrderID,
		ActivityType: activityType,
		MessageID:    req.MessageID,
	}
	body, _ := json.Marshal(job)
	if err := s.download.Enqueue(r.Context(), job.JobID, body); err != nil {
		// The notification is durable; the sender may redeliver and the
		// upserts absorb the duplicate.
		s.log.Error("enqueue download", "order_id", req.OrderID, "request_id", requestID, "error", err)
		http.Error(w, "failed to queue download", http.StatusInternalServerError)
		return
	}

	telemetry.WebhooksAccepted.Inc()
	s.log.Info("activity accepted", "order_id", req.OrderID, "activity_type", req.Type, "request_id", requestID)
	writeJSON(w, http.StatusAccepted, activityResponse{
		Status:       "accepted",
		OrderID:      req.OrderID,
		ActivityType: req.Type,
		RequestID:    requestID,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	rec, err := s.store.GetOrderRecord(r.Context(), orderID)
	if err != nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	messages, err := s.store.ListMessages(r.Context(), orderID)
	if err != nil {
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": orderID,
		"count":    len(messages),
		"messages": messages,
	})
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	typePrefix := r.URL.Query().Get("type")
	activities, err := s.store.ListActivities(r.Context(), orderID, typePrefix)
	if err != nil {
		http.Error(w, "failed to list activities", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   orderID,
		"count":      len(activities),
		"activities": activities,
	})
}

// handleRetry is the explicit operator path out of FAILED. With a recorded
// blob the order re-enters the processing queue; without one it is
// re-downloaded from scratch.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	rec, retried, err := s.store.RetryFailed(r.Context(), orderID)
	if err != nil {
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	if !retried {
		http.Error(w, "order is not in FAILED state", http.StatusConflict)
		return
	}

	if rec.State == models.StateDownloaded {
		job := models.ProcessingJob{
			JobID:          uuid.New().String(),
			OrderID:        orderID,
			ActivityType:   models.ActivityOrderRequest,
			BlobKey:        rec.BlobKey,
			Checksum:       rec.Checksum,
			FetchAttemptID: uuid.New().String(),
		}
		body, _ := json.Marshal(job)
		if err := s.processing.Enqueue(r.Context(), job.JobID, body); err != nil {
			http.Error(w, "failed to queue processing retry", http.StatusInternalServerError)
			return
		}
	} else {
		job := models.DownloadJob{
			JobID:        uuid.New().String(),
			OrderID:      orderID,
			ActivityType: models.ActivityOrderRequest,
		}
		body, _ := json.Marshal(job)
		if err := s.download.Enqueue(r.Context(), job.JobID, body); err != nil {
			http.Error(w, "failed to queue download retry", http.StatusInternalServerError)
			return
		}
	}

	s.log.Info("order retry queued", "order_id", orderID, "state", rec.State)
	writeJSON(w, http.StatusOK, map[string]string{"status": "retry queued", "state": string(rec.State)})
}

// handleDLQ returns dead-lettered job payloads for inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.download.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	jobs := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		jobs = append(jobs, json.RawMessage(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
