package models

import "time"

// SyncState holds the reconciliation cursor for one worker. LastSyncedAt only
// moves forward, and only after a reconciliation pass completes cleanly.
type SyncState struct {
	WorkerID     string `gorm:"primaryKey;size:64"`
	LastSyncedAt time.Time
	UpdatedAt    time.Time
}
