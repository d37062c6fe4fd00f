package models

import (
	"strings"
	"time"
)

// DuplicateLog records a collapsed group of duplicate connections for one
// user pair, for user awareness and diagnostics.
type DuplicateLog struct {
	ID           string   `db:"id" json:"id"`
	PairKey      string   `db:"pair_key" json:"pair_key"`
	KeptID       string   `db:"kept_id" json:"kept_id"`
	DiscardedIDs []string `db:"discarded_ids" json:"discarded_ids"`
	DetectedAt   int64    `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for DuplicateLog.
func (DuplicateLog) TableName() string {
	return "duplicate_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (d *DuplicateLog) DetectedAtTime() time.Time {
	return time.UnixMilli(d.DetectedAt)
}

// JoinedDiscardedIDs returns the discarded ids as a comma-separated list.
func (d *DuplicateLog) JoinedDiscardedIDs() string {
	return strings.Join(d.DiscardedIDs, ",")
}

// SyncResult summarises one background reconciliation pass.
type SyncResult struct {
	Fetched    int           `json:"fetched"`
	Upserted   int           `json:"upserted"`
	Removed    int           `json:"removed"`
	Protected  int           `json:"protected"`
	Suppressed int           `json:"suppressed"`
	Duplicates int           `json:"duplicates"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
}
