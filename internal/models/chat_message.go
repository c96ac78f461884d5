package models

import "time"

// Message role and state constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	MessageStateComplete  = "complete"
	MessageStateStreaming = "streaming"
	MessageStatePending   = "pending"
)

// ChatMessage is one message in a chat session. Assistant messages are
// created in the pending state by the chat layer and filled in by the worker
// as the agent runtime streams output.
type ChatMessage struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"size:64;index"`
	Role      string `gorm:"size:16"`
	State     string `gorm:"size:16;index"`
	Content   string `gorm:"type:mediumtext"`
	Reasoning string `gorm:"type:mediumtext"`
	Parts     string `gorm:"type:mediumtext"` // JSON array of structured parts
	Model     string `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageChunk is one streamed fragment of an assistant message. Sequence is
// strictly increasing per message so the chat UI can order fragments.
type MessageChunk struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:64;index:idx_message_seq"`
	Sequence  int    `gorm:"index:idx_message_seq"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}
