// Package store provides the coordination store port: the worker's only
// window onto the durable record of workers, sessions, and messages. The
// concrete implementation in this package speaks to the shared SQL store
// through GORM; everything above it depends only on the Store interface.
package store

import (
	"context"
	"time"

	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/ident"
)

// RegistrationResult reports the outcome of a worker registration attempt.
type RegistrationResult struct {
	Approved bool
	Status   string
}

// SessionRecord is the store's view of one chat session.
type SessionRecord struct {
	ID               ident.SessionID
	RemoteSessionID  ident.RemoteSessionID
	Model            string
	Name             string
	Status           string
	DeletedInRuntime bool
	LastSyncedNameAt *time.Time
	CreatedAt        time.Time
}

// MessageRecord is the store's view of one chat message.
type MessageRecord struct {
	ID        ident.MessageID
	SessionID ident.SessionID
	Role      string
	State     string
	Content   string
	Model     string
	CreatedAt time.Time
}

// SessionCallback receives a full snapshot of the worker's sessions.
type SessionCallback func(sessions []SessionRecord)

// MessageCallback receives a full snapshot of the worker's messages.
type MessageCallback func(messages []MessageRecord)

// Store is the coordination store port. Subscriptions deliver a full
// snapshot on the first callback and again on every observed change; they
// may redeliver, so consumers must handle events idempotently.
type Store interface {
	Register(ctx context.Context, machineID ident.MachineID, workerID ident.WorkerID, secret string) (RegistrationResult, error)
	Heartbeat(ctx context.Context) error
	MarkConnected(ctx context.Context) error
	SetOffline(ctx context.Context) error
	PublishModels(ctx context.Context, models []agent.Model) error

	SubscribeSessions(ctx context.Context, cb SessionCallback) (cancel func(), err error)
	SubscribeMessages(ctx context.Context, cb MessageCallback) (cancel func(), err error)

	WriteChunk(ctx context.Context, sessionID ident.SessionID, messageID ident.MessageID, chunk string, sequence int) error
	CompleteMessage(ctx context.Context, sessionID ident.SessionID, messageID ident.MessageID, content, reasoning, parts string) error
	SessionReady(ctx context.Context, sessionID ident.SessionID, remoteID ident.RemoteSessionID) error

	ActiveSessions(ctx context.Context) ([]SessionRecord, error)
	UpdateSessionName(ctx context.Context, sessionID ident.SessionID, name string) (changed bool, err error)
	MarkSessionDeleted(ctx context.Context, sessionID ident.SessionID) error
	CreateSyncedSession(ctx context.Context, remoteID ident.RemoteSessionID, model, name string) (ident.SessionID, error)

	LastSyncTimestamp(ctx context.Context) (time.Time, error)
	UpdateLastSyncTimestamp(ctx context.Context, ts time.Time) error
}
