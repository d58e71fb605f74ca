// Package store persists pipeline records in Postgres. Two logical record
// families share one physical key space (partition key = order ID, sort key
// = tagged record discriminator): the append-only notification/detail log
// and the single per-order processing state row. Every write is a
// single-row idempotent upsert; state advancement is a conditional update
// so duplicate or stale jobs can never regress an order.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/models"
)

// Sort-key prefixes multiplexed over the records table.
const (
	sortState         = "STATE"
	prefixActivity    = "ACTIVITY#"
	PrefixMessage     = "MESSAGE#"
	prefixOrderDetail = "ORDER#"
	kindActivity      = "activity"
	kindMessage       = "message"
	kindOrderDetail   = "order"
	kindState         = "state"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func activitySortKey(t models.ActivityType, receivedAtMs int64) string {
	// Fixed-width millis keep lexical order equal to chronological order.
	return fmt.Sprintf("%s%s#%013d", prefixActivity, t, receivedAtMs)
}

// PutActivity upserts one notification record. Redelivery of the exact same
// notification (same order, type, timestamp) overwrites in place.
func (s *Store) PutActivity(ctx context.Context, n models.ActivityNotification) error {
	doc, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (partition_key, sort_key, kind, doc, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key, sort_key) DO UPDATE
		SET doc = EXCLUDED.doc, updated_at_ms = EXCLUDED.updated_at_ms
	`, n.OrderID, activitySortKey(n.ActivityType, n.ReceivedAtMs), kindActivity, doc, n.ReceivedAtMs)
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	return nil
}

// ListActivities returns the notification log for an order in chronological
// order, optionally narrowed by an activity-type prefix.
func (s *Store) ListActivities(ctx context.Context, orderID, typePrefix string) ([]models.ActivityNotification, error) {
	docs, err := s.queryDocs(ctx, orderID, prefixActivity+typePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.ActivityNotification, 0, len(docs))
	for _, d := range docs {
		var n models.ActivityNotification
		if err := json.Unmarshal(d, &n); err != nil {
			return nil, fmt.Errorf("unmarshal activity: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// PutMessage upserts full message detail keyed by (order, message).
func (s *Store) PutMessage(ctx context.Context, m models.MessageDetail) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (partition_key, sort_key, kind, doc, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key, sort_key) DO UPDATE
		SET doc = EXCLUDED.doc, updated_at_ms = EXCLUDED.updated_at_ms
	`, m.OrderID, PrefixMessage+m.MessageID, kindMessage, doc, m.FetchedAtMs)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// ListMessages returns stored message detail for an order.
func (s *Store) ListMessages(ctx context.Context, orderID string) ([]models.MessageDetail, error) {
	docs, err := s.queryDocs(ctx, orderID, PrefixMessage)
	if err != nil {
		return nil, err
	}
	out := make([]models.MessageDetail, 0, len(docs))
	for _, d := range docs {
		var m models.MessageDetail
		if err := json.Unmarshal(d, &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// PutOrderDetail stores an order detail snapshot fetched by the download
// stage, keyed by fetch attempt.
func (s *Store) PutOrderDetail(ctx context.Context, orderID, fetchAttemptID string, raw json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (partition_key, sort_key, kind, doc, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key, sort_key) DO UPDATE
		SET doc = EXCLUDED.doc, updated_at_ms = EXCLUDED.updated_at_ms
	`, orderID, prefixOrderDetail+fetchAttemptID, kindOrderDetail, raw, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert order detail: %w", err)
	}
	return nil
}

func (s *Store) queryDocs(ctx context.Context, partitionKey, sortPrefix string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM records
		WHERE partition_key = $1 AND sort_key LIKE $2 || '%'
		ORDER BY sort_key
	`, partitionKey, sortPrefix)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var d []byte
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetOrderRecord fetches the processing state row for an order.
func (s *Store) GetOrderRecord(ctx context.Context, orderID string) (models.OrderRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT state, attempts, COALESCE(last_error, ''), COALESCE(blob_key, ''), COALESCE(checksum, ''), updated_at_ms
		FROM records WHERE partition_key = $1 AND sort_key = $2
	`, orderID, sortState)

	rec := models.OrderRecord{OrderID: orderID}
	err := row.Scan(&rec.State, &rec.Attempts, &rec.LastError, &rec.BlobKey, &rec.Checksum, &rec.UpdatedAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OrderRecord{}, faults.NotFound("order record %s not found", orderID)
	}
	if err != nil {
		return models.OrderRecord{}, fmt.Errorf("scan order record: %w", err)
	}
	return rec, nil
}

// EnsureNotified creates the state row in NOTIFIED if absent. Existing rows
// are untouched, so a duplicate webhook can never move an order backward.
func (s *Store) EnsureNotified(ctx context.Context, orderID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO records (partition_key, sort_key, kind, state, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key, sort_key) DO NOTHING
	`, orderID, sortState, kindState, models.StateNotified, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("ensure notified: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// StateUpdate carries optional fields recorded alongside a transition.
type StateUpdate struct {
	BlobKey  string
	Checksum string
}

// AdvanceState applies target only when the order currently sits in one of
// the states the machine allows it from. Returns false when the row was in
// some other state already (duplicate delivery: caller treats as no-op).
// attempts records how many deliveries the winning job took.
func (s *Store) AdvanceState(ctx context.Context, orderID string, target models.OrderState, attempts int, upd StateUpdate) (bool, error) {
	from := models.AllowedFrom(target)
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE records
		SET state = $3,
		    attempts = $4,
		    blob_key = COALESCE(NULLIF($5, ''), blob_key),
		    checksum = COALESCE(NULLIF($6, ''), checksum),
		    last_error = NULL,
		    updated_at_ms = $7
		WHERE partition_key = $1 AND sort_key = $2 AND state = ANY($8)
	`, orderID, sortState, target, attempts, upd.BlobKey, upd.Checksum, time.Now().UnixMilli(), fromStrs)
	if err != nil {
		return false, fmt.Errorf("advance state to %s: %w", target, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordFailure durably notes a failed delivery attempt without changing
// state; the job stays eligible for queue redelivery.
func (s *Store) RecordFailure(ctx context.Context, orderID string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE records SET attempts = $3, last_error = $4, updated_at_ms = $5
		WHERE partition_key = $1 AND sort_key = $2
	`, orderID, sortState, attempts, lastErr, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// MarkFailed transitions an order to FAILED with the terminal error. A row
// already in PROCESSED is left alone.
func (s *Store) MarkFailed(ctx context.Context, orderID string, attempts int, lastErr string) (bool, error) {
	from := models.AllowedFrom(models.StateFailed)
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET state = $3, attempts = $4, last_error = $5, updated_at_ms = $6
		WHERE partition_key = $1 AND sort_key = $2 AND state = ANY($7)
	`, orderID, sortState, models.StateFailed, attempts, lastErr, time.Now().UnixMilli(), fromStrs)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RetryFailed is the explicit operator path out of FAILED: back to
// DOWNLOADED when a raw payload blob was recorded (processing can be
// replayed), otherwise back to NOTIFIED for a fresh download. It acts only
// on rows currently in FAILED.
func (s *Store) RetryFailed(ctx context.Context, orderID string) (models.OrderRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE records
		SET state = CASE WHEN COALESCE(blob_key, '') <> '' THEN $3 ELSE $4 END,
		    last_error = NULL,
		    attempts = 0,
		    updated_at_ms = $5
		WHERE partition_key = $1 AND sort_key = $2 AND state = $6
		RETURNING state, COALESCE(blob_key, ''), COALESCE(checksum, '')
	`, orderID, sortState, models.StateDownloaded, models.StateNotified,
		time.Now().UnixMilli(), models.StateFailed)

	rec := models.OrderRecord{OrderID: orderID}
	err := row.Scan(&rec.State, &rec.BlobKey, &rec.Checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OrderRecord{}, false, nil
	}
	if err != nil {
		return models.OrderRecord{}, false, fmt.Errorf("retry failed order: %w", err)
	}
	return rec, true, nil
}
