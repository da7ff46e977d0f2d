package model

import (
	"io"
	"time"
)

// Status of a processed upload.
type Status string

const StatusUploaded Status = "UPLOADED"

// UploadRequest is a single file part handed over by the HTTP layer.
type UploadRequest struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	// CapturedAt is the client supplied capture time, nil when absent.
	CapturedAt *time.Time
}

// UploadResult is returned to the client and published to the queue.
type UploadResult struct {
	ImageID    string   `json:"image_id"`
	StorageKey string   `json:"storage_key"`
	Metadata   Metadata `json:"metadata"`
	Status     Status   `json:"status"`
}

// Metadata carries the timestamps of an upload.
type Metadata struct {
	CapturedAt  string `json:"capturedAt"`
	ProcessedAt string `json:"processedAt"`
}
