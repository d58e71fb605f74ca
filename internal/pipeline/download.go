package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"order-activity-relay/internal/blob"
	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/models"
	"order-activity-relay/internal/store"
	"order-activity-relay/internal/telemetry"
	"order-activity-relay/internal/upstream"
)

// DownloadStore is the slice of the record store the download stage writes.
type DownloadStore interface {
	GetOrderRecord(ctx context.Context, orderID string) (models.OrderRecord, error)
	PutMessage(ctx context.Context, m models.MessageDetail) error
	PutOrderDetail(ctx context.Context, orderID, fetchAttemptID string, raw json.RawMessage) error
	AdvanceState(ctx context.Context, orderID string, target models.OrderState, attempts int, upd store.StateUpdate) (bool, error)
}

// Fetcher is the upstream API surface the download stage consumes.
type Fetcher interface {
	FetchOrder(ctx context.Context, orderID string) (json.RawMessage, error)
	FetchMessage(ctx context.Context, orderID, messageID string) (*upstream.Message, json.RawMessage, error)
}

// Downloader consumes download jobs: it fetches full detail from the
// upstream API, archives the raw payload, records the detail, and hands the
// order to the processing queue.
type Downloader struct {
	store      DownloadStore
	blobs      blob.Store
	fetcher    Fetcher
	processing JobQueue
	log        *slog.Logger
}

func NewDownloader(st DownloadStore, blobs blob.Store, fetcher Fetcher, processing JobQueue, log *slog.Logger) *Downloader {
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{store: st, blobs: blobs, fetcher: fetcher, processing: processing, log: log}
}

// Handle runs one download job. Safe under redelivery: a duplicate job for
// an already-downloaded order is a no-op success, except message jobs,
// which always append their message detail (late messages arrive after the
// order itself is downloaded).
func (h *Downloader) Handle(ctx context.Context, payload []byte, deliveries int) error {
	var job models.DownloadJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return faults.Permanent("decode download job: %v", err)
	}
	if job.OrderID == "" {
		return faults.Permanent("download job without order_id")
	}

	if job.ActivityType == models.ActivityMessage {
		return h.downloadMessage(ctx, job, deliveries)
	}
	return h.downloadOrder(ctx, job, deliveries)
}

func (h *Downloader) downloadOrder(ctx context.Context, job models.DownloadJob, deliveries int) error {
	rec, err := h.store.GetOrderRecord(ctx, job.OrderID)
	if err != nil && !faults.IsNotFound(err) {
		return err
	}
	if err == nil && rec.Reached(models.StateDownloaded) {
		h.log.Info("order already downloaded, skipping", "order_id", job.OrderID, "state", rec.State)
		return nil
	}

	raw, err := h.fetcher.FetchOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}

	attemptID := uuid.New().String()
	key := blob.Key(job.OrderID, attemptID, time.Now().UTC())
	if err := h.blobs.Put(ctx, key, raw, "application/json"); err != nil {
		return err
	}
	checksum := blob.Checksum(raw)

	if err := h.store.PutOrderDetail(ctx, job.OrderID, attemptID, raw); err != nil {
		return err
	}
	advanced, err := h.store.AdvanceState(ctx, job.OrderID, models.StateDownloaded, deliveries, store.StateUpdate{
		BlobKey:  key,
		Checksum: checksum,
	})
	if err != nil {
		return err
	}
	if !advanced {
		// A concurrent worker won the transition; its processing job is
		// already queued.
		h.log.Info("download raced, state already advanced", "order_id", job.OrderID)
		return nil
	}

	if err := h.enqueueProcessing(ctx, job, key, checksum, attemptID); err != nil {
		return err
	}
	telemetry.DownloadSuccess.Inc()
	h.log.Info("order downloaded", "order_id", job.OrderID, "blob_key", key, "deliveries", deliveries)
	return nil
}

func (h *Downloader) downloadMessage(ctx context.Context, job models.DownloadJob, deliveries int) error {
	if job.MessageID == "" {
		return faults.Permanent("message download job without message_id")
	}

	msg, raw, err := h.fetcher.FetchMessage(ctx, job.OrderID, job.MessageID)
	if err != nil {
		return err
	}

	attemptID := uuid.New().String()
	key := blob.Key(job.OrderID, attemptID, time.Now().UTC())
	if err := h.blobs.Put(ctx, key, raw, "application/json"); err != nil {
		return err
	}

	detail := models.MessageDetail{
		OrderID:     job.OrderID,
		MessageID:   msg.MessageID,
		FromName:    msg.FromName,
		Text:        msg.Text,
		CreatedAt:   msg.CreatedDate,
		Read:        msg.Read,
		FetchedAtMs: time.Now().UnixMilli(),
	}
	for _, a := range msg.Attachments {
		detail.Attachments = append(detail.Attachments, models.Attachment{
			ID:   a.ID,
			Name: a.Name,
			URL:  a.URL,
			Tag:  a.Tag,
		})
	}
	// Upsert keyed on (order, message): redelivering the same job overwrites
	// the one record instead of duplicating it.
	if err := h.store.PutMessage(ctx, detail); err != nil {
		return err
	}

	_, err = h.store.AdvanceState(ctx, job.OrderID, models.StateDownloaded, deliveries, store.StateUpdate{
		BlobKey:  key,
		Checksum: blob.Checksum(raw),
	})
	if err != nil {
		return err
	}

	if err := h.enqueueProcessing(ctx, job, key, blob.Checksum(raw), attemptID); err != nil {
		return err
	}
	telemetry.DownloadSuccess.Inc()
	h.log.Info("message downloaded", "order_id", job.OrderID, "message_id", job.MessageID, "deliveries", deliveries)
	return nil
}

func (h *Downloader) enqueueProcessing(ctx context.Context, job models.DownloadJob, blobKey, checksum, attemptID string) error {
	next := models.ProcessingJob{
		JobID:          uuid.New().String(),
		OrderID:        job.OrderID,
		ActivityType:   job.ActivityType,
		BlobKey:        blobKey,
		Checksum:       checksum,
		FetchAttemptID: attemptID,
	}
	body, err := json.Marshal(next)
	if err != nil {
		return faults.Permanent("marshal processing job: %v", err)
	}
	if err := h.processing.Enqueue(ctx, next.JobID, body); err != nil {
		return faults.Transient("enqueue processing job: %v", err)
	}
	return nil
}
