package models

import "time"

// Worker status constants.
const (
	WorkerStatusPending  = "pending"
	WorkerStatusApproved = "approved"
	WorkerStatusOnline   = "online"
	WorkerStatusOffline  = "offline"
)

// Worker represents one registered worker process on a machine.
type Worker struct {
	ID            string `gorm:"primaryKey;size:64"`
	MachineID     string `gorm:"size:64;index"`
	SecretHash    string `gorm:"size:128"`
	Status        string `gorm:"size:16;index"`
	Approved      bool   `gorm:"default:false"`
	Models        string `gorm:"type:text"` // JSON array of published models
	LastHeartbeat time.Time
	CreatedAt     time.Time
}
