package models

// DownloadJob asks the download stage to fetch full detail for an order
// activity. It carries everything needed to replay the fetch without
// consulting the notification log first.
type DownloadJob struct {
	JobID        string       `json:"job_id"`
	OrderID      string       `json:"order_id"`
	ActivityType ActivityType `json:"activity_type"`
	MessageID    string       `json:"message_id,omitempty"`
}

// ProcessingJob asks the processing stage to transform and deliver a raw
// payload previously stored by the download stage.
type ProcessingJob struct {
	JobID          string       `json:"job_id"`
	OrderID        string       `json:"order_id"`
	ActivityType   ActivityType `json:"activity_type"`
	BlobKey        string       `json:"blob_key"`
	Checksum       string       `json:"checksum,omitempty"`
	FetchAttemptID string       `json:"fetch_attempt_id"`
}
