// Package blob stores raw fetched payloads. The download stage writes,
// the processing stage reads; nothing here is ever mutated in place.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Store is the raw payload store shared by the download and processing
// stages. Get returns a NotFound fault for evicted or unknown keys.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key builds the payload key for one fetch attempt of an order.
func Key(orderID, fetchAttemptID string, now time.Time) string {
	return fmt.Sprintf("orders/%d/%02d/%s/%s.json", now.Year(), now.Month(), orderID, fetchAttemptID)
}

// Checksum returns the hex sha256 of a payload, recorded alongside the key
// so the processing stage can detect corruption.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
