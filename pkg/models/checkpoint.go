package models

import "time"

// Checkpoint is the last successful scan watermark of a source.
type Checkpoint struct {
	SourceID          string    `json:"source_id"`
	LastScanTimestamp time.Time `json:"last_scan_timestamp"`
}
