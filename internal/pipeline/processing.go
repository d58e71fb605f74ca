package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"order-activity-relay/internal/blob"
	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/models"
	"order-activity-relay/internal/store"
	"order-activity-relay/internal/telemetry"
	"order-activity-relay/internal/transform"
)

// ProcessingStore is the slice of the record store the processing stage
// reads and advances.
type ProcessingStore interface {
	GetOrderRecord(ctx context.Context, orderID string) (models.OrderRecord, error)
	AdvanceState(ctx context.Context, orderID string, target models.OrderState, attempts int, upd store.StateUpdate) (bool, error)
}

// Submitter delivers canonical orders to the internal system of record.
type Submitter interface {
	Submit(ctx context.Context, order transform.Canonical) error
}

// Processor consumes processing jobs: it loads the archived raw payload,
// transforms it to the canonical schema, and delivers it internally.
type Processor struct {
	store     ProcessingStore
	blobs     blob.Store
	submitter Submitter
	log       *slog.Logger
}

func NewProcessor(st ProcessingStore, blobs blob.Store, submitter Submitter, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{store: st, blobs: blobs, submitter: submitter, log: log}
}

// Handle runs one processing job. Redelivery of a job for an order that is
// already PROCESSED is a no-op success and never re-invokes the internal
// API.
func (h *Processor) Handle(ctx context.Context, payload []byte, deliveries int) error {
	var job models.ProcessingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return faults.Permanent("decode processing job: %v", err)
	}
	if job.OrderID == "" || job.BlobKey == "" {
		return faults.Permanent("processing job missing order_id or blob_key")
	}

	rec, err := h.store.GetOrderRecord(ctx, job.OrderID)
	if err != nil && !faults.IsNotFound(err) {
		return err
	}
	if err == nil && rec.State == models.StateProcessed {
		h.log.Info("order already processed, skipping", "order_id", job.OrderID)
		return nil
	}

	if job.ActivityType == models.ActivityMessage {
		// Message payloads have no canonical order form; the download stage
		// already recorded the message detail. Nothing to deliver.
		h.log.Info("message payload requires no delivery", "order_id", job.OrderID, "blob_key", job.BlobKey)
		return nil
	}

	if _, err := h.store.AdvanceState(ctx, job.OrderID, models.StateProcessing, deliveries, store.StateUpdate{}); err != nil {
		return err
	}

	raw, err := h.blobs.Get(ctx, job.BlobKey)
	if err != nil {
		// A missing blob is permanent: redelivery cannot restore it.
		return err
	}
	if job.Checksum != "" && blob.Checksum(raw) != job.Checksum {
		return faults.Permanent("blob %s checksum mismatch", job.BlobKey)
	}

	order, err := transform.Decode(raw)
	if err != nil {
		return err
	}
	canonical, err := transform.Transform(order)
	if err != nil {
		return err
	}

	if err := h.submitter.Submit(ctx, canonical); err != nil {
		return err
	}

	if _, err := h.store.AdvanceState(ctx, job.OrderID, models.StateProcessed, deliveries, store.StateUpdate{}); err != nil {
		return err
	}
	telemetry.ProcessedSuccess.Inc()
	h.log.Info("order processed", "order_id", job.OrderID, "external_order_id", canonical.ExternalOrderID, "deliveries", deliveries)
	return nil
}
