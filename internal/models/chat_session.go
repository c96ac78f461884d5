package models

import "time"

// ChatSession is the durable record of a chat session delegated to a worker.
// RemoteSessionID is the agent-runtime session bound to it, empty until the
// first message arrives and the remote session is created.
type ChatSession struct {
	ID               string `gorm:"primaryKey;size:64"`
	WorkerID         string `gorm:"size:64;index"`
	RemoteSessionID  string `gorm:"size:64;index"`
	Model            string `gorm:"size:128"`
	Name             string `gorm:"size:256"`
	Status           string `gorm:"size:16;index"` // active, ended
	DeletedInRuntime bool   `gorm:"default:false"`
	LastSyncedNameAt *time.Time
	CreatedAt        time.Time
}

// ChatSession status constants.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)
