package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPollInterval is the default subscription polling interval.
const DefaultPollInterval = 2 * time.Second

// DBStore implements Store against the shared SQL coordination store.
type DBStore struct {
	db           *gorm.DB
	workerID     ident.WorkerID
	pollInterval time.Duration
}

// Opts holds parameters for creating a DBStore.
type Opts struct {
	PollInterval time.Duration // subscription polling interval; default DefaultPollInterval
}

// New creates a DBStore bound to one worker.
func New(db *gorm.DB, workerID ident.WorkerID, opts Opts) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if workerID == "" {
		return nil, fmt.Errorf("store: worker ID is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &DBStore{db: db, workerID: workerID, pollInterval: interval}, nil
}

// Register creates the worker row on first contact (status pending, not
// approved) or verifies the secret against the existing row. A secret
// mismatch is reported as an invalid token so the classifier treats it as
// an authorization failure.
func (s *DBStore) Register(ctx context.Context, machineID ident.MachineID, workerID ident.WorkerID, secret string) (RegistrationResult, error) {
	if machineID == "" {
		return RegistrationResult{}, fmt.Errorf("store: machine ID is required")
	}
	if workerID == "" {
		return RegistrationResult{}, fmt.Errorf("store: worker ID is required")
	}

	hash := hashSecret(secret)

	var w models.Worker
	err := s.db.WithContext(ctx).Where("id = ?", workerID.String()).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w = models.Worker{
			ID:            workerID.String(),
			MachineID:     machineID.String(),
			SecretHash:    hash,
			Status:        models.WorkerStatusPending,
			LastHeartbeat: time.Now(),
			CreatedAt:     time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(&w).Error; err != nil {
			return RegistrationResult{}, fmt.Errorf("store: register %s: %w", workerID, err)
		}
		return RegistrationResult{Approved: false, Status: models.WorkerStatusPending}, nil
	}
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("store: register %s: %w", workerID, err)
	}

	if w.SecretHash != hash {
		return RegistrationResult{}, fmt.Errorf("store: register %s: invalid token", workerID)
	}

	return RegistrationResult{Approved: w.Approved, Status: w.Status}, nil
}

// Heartbeat bumps the worker's last_heartbeat. Zero rows affected means the
// worker row was deleted out from under us and is reported as an error.
func (s *DBStore) Heartbeat(ctx context.Context) error {
	result := s.db.WithContext(ctx).Model(&models.Worker{}).
		Where("id = ?", s.workerID.String()).
		Update("last_heartbeat", time.Now())
	if result.Error != nil {
		return fmt.Errorf("store: heartbeat %s: %w", s.workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: heartbeat %s: worker not found", s.workerID)
	}
	return nil
}

// MarkConnected sets the worker's status to online.
func (s *DBStore) MarkConnected(ctx context.Context) error {
	return s.setStatus(ctx, models.WorkerStatusOnline)
}

// SetOffline sets the worker's status to offline.
func (s *DBStore) SetOffline(ctx context.Context) error {
	return s.setStatus(ctx, models.WorkerStatusOffline)
}

func (s *DBStore) setStatus(ctx context.Context, status string) error {
	result := s.db.WithContext(ctx).Model(&models.Worker{}).
		Where("id = ?", s.workerID.String()).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("store: set status %s: %w", status, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: set status %s: worker not found: %s", status, s.workerID)
	}
	return nil
}

// PublishModels stores the runtime's model list on the worker row so the
// chat layer can offer a model picker.
func (s *DBStore) PublishModels(ctx context.Context, list []agent.Model) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("store: marshal models: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&models.Worker{}).
		Where("id = ?", s.workerID.String()).
		Update("models", string(data))
	if result.Error != nil {
		return fmt.Errorf("store: publish models: %w", result.Error)
	}
	return nil
}

// WriteChunk appends one streamed fragment to an assistant message and marks
// the message as streaming.
func (s *DBStore) WriteChunk(ctx context.Context, sessionID ident.SessionID, messageID ident.MessageID, chunk string, sequence int) error {
	if messageID == "" {
		return fmt.Errorf("store: message ID is required")
	}
	if sequence < 0 {
		return fmt.Errorf("store: chunk sequence must be non-negative, got %d", sequence)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.MessageChunk{
			MessageID: messageID.String(),
			Sequence:  sequence,
			Content:   chunk,
			CreatedAt: time.Now(),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatMessage{}).
			Where("id = ? AND state <> ?", messageID.String(), models.MessageStateComplete).
			Update("state", models.MessageStateStreaming).Error
	})
	if err != nil {
		return fmt.Errorf("store: write chunk %s/%d: %w", messageID, sequence, err)
	}
	return nil
}

// CompleteMessage writes the final accumulated message state. Idempotent:
// completing an already-complete message overwrites with the same content.
func (s *DBStore) CompleteMessage(ctx context.Context, sessionID ident.SessionID, messageID ident.MessageID, content, reasoning, parts string) error {
	if messageID == "" {
		return fmt.Errorf("store: message ID is required")
	}
	result := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", messageID.String()).
		Updates(map[string]interface{}{
			"content":   content,
			"reasoning": reasoning,
			"parts":     parts,
			"state":     models.MessageStateComplete,
		})
	if result.Error != nil {
		return fmt.Errorf("store: complete message %s: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: complete message %s: message not found", messageID)
	}
	return nil
}

// SessionReady binds a remote runtime session to a chat session. The
// binding is assign-once: rebinding to a different remote session fails.
func (s *DBStore) SessionReady(ctx context.Context, sessionID ident.SessionID, remoteID ident.RemoteSessionID) error {
	if sessionID == "" {
		return fmt.Errorf("store: session ID is required")
	}

	var sess models.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID.String()).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: session not found: %s", sessionID)
		}
		return fmt.Errorf("store: session ready %s: %w", sessionID, err)
	}

	if sess.RemoteSessionID != "" && sess.RemoteSessionID != remoteID.String() {
		return fmt.Errorf("store: session %s already bound to remote %s", sessionID, sess.RemoteSessionID)
	}

	result := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", sessionID.String()).
		Updates(map[string]interface{}{
			"remote_session_id": remoteID.String(),
			"status":            models.SessionStatusActive,
		})
	if result.Error != nil {
		return fmt.Errorf("store: session ready %s: %w", sessionID, result.Error)
	}
	return nil
}

// ActiveSessions returns all active sessions assigned to this worker.
func (s *DBStore) ActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	var rows []models.ChatSession
	if err := s.db.WithContext(ctx).
		Where("worker_id = ? AND status = ?", s.workerID.String(), models.SessionStatusActive).
		Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: active sessions: %w", err)
	}

	out := make([]SessionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, sessionRecord(r))
	}
	return out, nil
}

// UpdateSessionName sets a session's name, reporting whether anything
// actually changed. The last-synced timestamp is bumped either way so
// reconciliation can tell synced-but-unchanged from never-synced.
func (s *DBStore) UpdateSessionName(ctx context.Context, sessionID ident.SessionID, name string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("store: session ID is required")
	}

	var sess models.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID.String()).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("store: session not found: %s", sessionID)
		}
		return false, fmt.Errorf("store: update name %s: %w", sessionID, err)
	}

	now := time.Now()
	changed := sess.Name != name
	result := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", sessionID.String()).
		Updates(map[string]interface{}{
			"name":                name,
			"last_synced_name_at": &now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: update name %s: %w", sessionID, result.Error)
	}
	return changed, nil
}

// MarkSessionDeleted soft-deletes a session whose remote counterpart
// disappeared from the runtime.
func (s *DBStore) MarkSessionDeleted(ctx context.Context, sessionID ident.SessionID) error {
	if sessionID == "" {
		return fmt.Errorf("store: session ID is required")
	}
	result := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", sessionID.String()).
		Updates(map[string]interface{}{
			"deleted_in_runtime": true,
			"status":             models.SessionStatusEnded,
		})
	if result.Error != nil {
		return fmt.Errorf("store: mark deleted %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: session not found: %s", sessionID)
	}
	return nil
}

// CreateSyncedSession creates a chat session record for a runtime session
// that has no store counterpart (created directly against the runtime).
func (s *DBStore) CreateSyncedSession(ctx context.Context, remoteID ident.RemoteSessionID, model, name string) (ident.SessionID, error) {
	if remoteID == "" {
		return "", fmt.Errorf("store: remote session ID is required")
	}

	id, err := ident.GenerateSessionID()
	if err != nil {
		return "", fmt.Errorf("store: create synced session: %w", err)
	}

	sess := models.ChatSession{
		ID:              id.String(),
		WorkerID:        s.workerID.String(),
		RemoteSessionID: remoteID.String(),
		Model:           model,
		Name:            name,
		Status:          models.SessionStatusActive,
		CreatedAt:       time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return "", fmt.Errorf("store: create synced session for %s: %w", remoteID, err)
	}
	return id, nil
}

// LastSyncTimestamp returns the reconciliation cursor, zero if no pass has
// completed yet.
func (s *DBStore) LastSyncTimestamp(ctx context.Context) (time.Time, error) {
	var st models.SyncState
	err := s.db.WithContext(ctx).Where("worker_id = ?", s.workerID.String()).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last sync timestamp: %w", err)
	}
	return st.LastSyncedAt, nil
}

// UpdateLastSyncTimestamp advances the reconciliation cursor. The cursor
// never moves backward; a stale timestamp is rejected.
func (s *DBStore) UpdateLastSyncTimestamp(ctx context.Context, ts time.Time) error {
	current, err := s.LastSyncTimestamp(ctx)
	if err != nil {
		return err
	}
	if ts.Before(current) {
		return fmt.Errorf("store: sync cursor would move backward: %s < %s",
			ts.Format(time.RFC3339), current.Format(time.RFC3339))
	}

	st := models.SyncState{
		WorkerID:     s.workerID.String(),
		LastSyncedAt: ts,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_synced_at"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("store: update sync timestamp: %w", err)
	}
	return nil
}

func sessionRecord(r models.ChatSession) SessionRecord {
	return SessionRecord{
		ID:               ident.SessionID(r.ID),
		RemoteSessionID:  ident.RemoteSessionID(r.RemoteSessionID),
		Model:            r.Model,
		Name:             r.Name,
		Status:           r.Status,
		DeletedInRuntime: r.DeletedInRuntime,
		LastSyncedNameAt: r.LastSyncedNameAt,
		CreatedAt:        r.CreatedAt,
	}
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
