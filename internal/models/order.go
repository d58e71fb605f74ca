package models

// OrderState enumerates the processing lifecycle persisted per order.
type OrderState string

const (
	StateNotified   OrderState = "NOTIFIED"
	StateDownloaded OrderState = "DOWNLOADED"
	StateProcessing OrderState = "PROCESSING"
	StateProcessed  OrderState = "PROCESSED"
	StateFailed     OrderState = "FAILED"
)

// allowedFrom defines the forward transitions of the state machine. FAILED is
// reachable from any non-terminal state; leaving FAILED requires an explicit
// operator retry (see Store.RetryFailed), never a delayed duplicate job.
var allowedFrom = map[OrderState][]OrderState{
	StateDownloaded: {StateNotified},
	StateProcessing: {StateDownloaded, StateProcessing},
	StateProcessed:  {StateProcessing},
	StateFailed:     {StateNotified, StateDownloaded, StateProcessing},
}

// AllowedFrom returns the states an order may be in for a transition into
// target to be applied.
func AllowedFrom(target OrderState) []OrderState {
	return allowedFrom[target]
}

// OrderRecord tracks pipeline progress for a single order. There is exactly
// one logical record per order; all writes are conditional single-row updates.
type OrderRecord struct {
	OrderID     string     `json:"order_id"`
	State       OrderState `json:"state"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	BlobKey     string     `json:"blob_key,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
	UpdatedAtMs int64      `json:"updated_at_ms"`
}

// Reached reports whether the record's state is at or past s in the forward
// ordering NOTIFIED < DOWNLOADED < PROCESSING < PROCESSED. FAILED never
// counts as having reached anything.
func (r OrderRecord) Reached(s OrderState) bool {
	return stateRank(r.State) >= stateRank(s) && r.State != StateFailed
}

func stateRank(s OrderState) int {
	switch s {
	case StateNotified:
		return 1
	case StateDownloaded:
		return 2
	case StateProcessing:
		return 3
	case StateProcessed:
		return 4
	default:
		return 0
	}
}
