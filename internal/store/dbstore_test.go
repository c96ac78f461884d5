package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWorker = ident.WorkerID("wkr-test0001")

func openTestStore(t *testing.T) (*DBStore, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := New(gdb, testWorker, Opts{PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, gdb
}

func seedSession(t *testing.T, gdb *gorm.DB, sess models.ChatSession) {
	t.Helper()
	if sess.WorkerID == "" {
		sess.WorkerID = testWorker.String()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if err := gdb.Create(&sess).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func seedMessage(t *testing.T, gdb *gorm.DB, msg models.ChatMessage) {
	t.Helper()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := gdb.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, testWorker, Opts{}); err == nil {
		t.Error("expected error for nil db")
	}
	gdb, _ := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if _, err := New(gdb, "", Opts{}); err == nil {
		t.Error("expected error for empty worker ID")
	}
}

func TestRegister_FirstContactCreatesPending(t *testing.T) {
	s, gdb := openTestStore(t)

	res, err := s.Register(context.Background(), "mach-1", testWorker, "s3cret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Approved {
		t.Error("fresh registration must not be approved")
	}
	if res.Status != models.WorkerStatusPending {
		t.Errorf("Status = %q", res.Status)
	}

	var w models.Worker
	if err := gdb.First(&w, "id = ?", testWorker.String()).Error; err != nil {
		t.Fatalf("worker row: %v", err)
	}
	if w.SecretHash == "" || w.SecretHash == "s3cret" {
		t.Errorf("secret stored in the clear or missing: %q", w.SecretHash)
	}
}

func TestRegister_SecretMismatch(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "mach-1", testWorker, "right"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := s.Register(ctx, "mach-1", testWorker, "wrong")
	if err == nil {
		t.Fatal("expected error for secret mismatch")
	}
	if !strings.Contains(err.Error(), "invalid token") {
		t.Errorf("error = %q, want invalid token marker", err)
	}
}

func TestRegister_Approved(t *testing.T) {
	s, gdb := openTestStore(t)
	ctx := context.Background()

	s.Register(ctx, "mach-1", testWorker, "s3cret")
	gdb.Model(&models.Worker{}).Where("id = ?", testWorker.String()).
		Updates(map[string]interface{}{"approved": true, "status": models.WorkerStatusApproved})

	res, err := s.Register(ctx, "mach-1", testWorker, "s3cret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !res.Approved {
		t.Error("expected approved")
	}
}

func TestHeartbeat(t *testing.T) {
	s, gdb := openTestStore(t)
	ctx := context.Background()

	// No worker row yet: heartbeat must fail loudly.
	if err := s.Heartbeat(ctx); err == nil {
		t.Fatal("expected error for missing worker row")
	}

	s.Register(ctx, "mach-1", testWorker, "s3cret")
	before := time.Now().Add(-time.Hour)
	gdb.Model(&models.Worker{}).Where("id = ?", testWorker.String()).
		Update("last_heartbeat", before)

	if err := s.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	var w models.Worker
	gdb.First(&w, "id = ?", testWorker.String())
	if !w.LastHeartbeat.After(before) {
		t.Error("last_heartbeat not advanced")
	}
}

func TestStatusTransitions(t *testing.T) {
	s, gdb := openTestStore(t)
	ctx := context.Background()
	s.Register(ctx, "mach-1", testWorker, "s3cret")

	if err := s.MarkConnected(ctx); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	var w models.Worker
	gdb.First(&w, "id = ?", testWorker.String())
	if w.Status != models.WorkerStatusOnline {
		t.Errorf("status = %q", w.Status)
	}

	if err := s.SetOffline(ctx); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	gdb.First(&w, "id = ?", testWorker.String())
	if w.Status != models.WorkerStatusOffline {
		t.Errorf("status = %q", w.Status)
	}
}

func TestPublishModels(t *testing.T) {
	s, gdb := openTestStore(t)
	ctx := context.Background()
	s.Register(ctx, "mach-1", testWorker, "s3cret")

	err := s.PublishModels(ctx, []agent.Model{{ID: "gpt-x", Name: "GPT X", Provider: "openai"}})
	if err != nil {
		t.Fatalf("PublishModels: %v", err)
	}
	var w models.Worker
	gdb.First(&w, "id = ?", testWorker.String())
	if !strings.Contains(w.Models, "gpt-x") {
		t.Errorf("models column = %q", w.Models)
	}
}

func TestWriteChunk_And_CompleteMessage(t *testing.T) {
	s, gdb := openTestStore(t)
	ctx := context.Background()

	seedSession(t, gdb, models.ChatSession{ID: "chat-1"})
	seedMessage(t, gdb, models.ChatMessage{
		ID: "msg-a1", SessionID: "chat-1",
		Role: models.RoleAssistant, State: models.MessageStatePending,
	})

	for i, text := range []string{"Hello", " world"} {
		if err := s.WriteChunk(ctx, "chat-1", "msg-a1", text, i); err != nil {
			t.Fatalf("WriteChunk %d: %v", i, err)
		}
	}

	var msg models.ChatMessage
	gdb.First(&msg, "id = ?", "msg-a1")
	if msg.State != models.MessageStateStreaming {
		t.Errorf("state = %q", msg.State)
	}
	var chunks []models.MessageChunk
	gdb.Where("message_id = ?", "msg-a1").Order("sequence ASC").Find(&chunks)
	if len(chunks) != 2 || chunks[0].Sequence != 0 || chunks[1].Sequence != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}

	if err := s.CompleteMessage(ctx, "chat-1", "msg-a1", "Hello world", "thought", "[]"); err != nil {
		t.Fatalf("CompleteMessage: %v", err)
	}
	gdb.First(&msg, "id = ?", "msg-a1")
	if msg.State != models.MessageStateComplete || msg.Content != "Hello world" || msg.Reasoning != "thought" {
		t.Errorf("message = %+v", msg)
	}
}

func TestWriteChunk_NegativeSequence(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.WriteChunk(context.Background(), "chat-1", "msg-a1", "x", -1); err == nil {
		t.Fatal("expected error for negative sequence")
	}
}

func TestSessionReady_AssignOnce(t *testing.T) {
	s, gdb := openTestStore(t)
	ctx := context.Background()
	seedSession(t, gdb, models.ChatSession{ID: "chat-1"})

	if err := s.SessionReady(ctx, "chat-1", "rs-1"); err != nil {
		t.Fatalf("SessionReady: %v", err)
	}
	// Same remote ID again is fine (redelivery).
	if err := s.SessionReady(ctx, "chat-1", "rs-1"); err != nil {
		t.Fatalf("SessionReady repeat: %v", err)
	}
	// A different remote ID is not.
	if err := s.SessionReady(ctx, "chat-1", "rs-2"); err == nil {
		t.Fatal("expected error rebinding to a different remote session")
	}
}

func TestActiveSessions_FiltersWorkerAndStatus(t *testing.T) {
	s, gdb := openTestStore(t)

	seedSession(t, gdb, models.ChatSession{ID: "chat-1"})
	seedSession(t, gdb, models.ChatSession{ID: "chat-2", Status: models.SessionStatusEnded})
	seedSession(t, gdb, models.ChatSession{ID: "chat-3", WorkerID: "wkr-other"})

	sessions, err := s.ActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "chat-1" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestUpdateSessionName(t *testing.T) {
	s, gdb := openTestStore(t)
	ctx := context.Background()
	seedSession(t, gdb, models.ChatSession{ID: "chat-1", Name: "old"})

	changed, err := s.UpdateSessionName(ctx, "chat-1", "new name")
	if err != nil {
		t.Fatalf("UpdateSessionName: %v", err)
	}
	if !changed {
		t.Error("expected changed = true")
	}

	changed, err = s.UpdateSessionName(ctx, "chat-1", "new name")
	if err != nil {
		t.Fatalf("UpdateSessionName repeat: %v", err)
	}
	if changed {
		t.Error("expected changed = false for same name")
	}

	var sess models.ChatSession
	gdb.First(&sess, "id = ?", "chat-1")
	if sess.LastSyncedNameAt == nil {
		t.Error("last_synced_name_at not set")
	}
}

func TestMarkSessionDeleted(t *testing.T) {
	s, gdb := openTestStore(t)
	seedSession(t, gdb, models.ChatSession{ID: "chat-1"})

	if err := s.MarkSessionDeleted(context.Background(), "chat-1"); err != nil {
		t.Fatalf("MarkSessionDeleted: %v", err)
	}
	var sess models.ChatSession
	gdb.First(&sess, "id = ?", "chat-1")
	if !sess.DeletedInRuntime || sess.Status != models.SessionStatusEnded {
		t.Errorf("session = %+v", sess)
	}

	if err := s.MarkSessionDeleted(context.Background(), "chat-missing"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestCreateSyncedSession(t *testing.T) {
	s, gdb := openTestStore(t)

	id, err := s.CreateSyncedSession(context.Background(), "rs-77", "gpt-x", "imported work")
	if err != nil {
		t.Fatalf("CreateSyncedSession: %v", err)
	}
	if !strings.HasPrefix(id.String(), "chat-") {
		t.Errorf("id = %q", id)
	}

	var sess models.ChatSession
	gdb.First(&sess, "id = ?", id.String())
	if sess.RemoteSessionID != "rs-77" || sess.Model != "gpt-x" || sess.Status != models.SessionStatusActive {
		t.Errorf("session = %+v", sess)
	}
	if sess.WorkerID != testWorker.String() {
		t.Errorf("worker = %q", sess.WorkerID)
	}
}

func TestSyncCursor_Monotonic(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	ts, err := s.LastSyncTimestamp(ctx)
	if err != nil {
		t.Fatalf("LastSyncTimestamp: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("initial cursor = %v, want zero", ts)
	}

	now := time.Now().Truncate(time.Second)
	if err := s.UpdateLastSyncTimestamp(ctx, now); err != nil {
		t.Fatalf("UpdateLastSyncTimestamp: %v", err)
	}
	got, _ := s.LastSyncTimestamp(ctx)
	if !got.Equal(now) {
		t.Errorf("cursor = %v, want %v", got, now)
	}

	// Backward movement is rejected; the cursor stays put.
	if err := s.UpdateLastSyncTimestamp(ctx, now.Add(-time.Minute)); err == nil {
		t.Fatal("expected error moving cursor backward")
	}
	got, _ = s.LastSyncTimestamp(ctx)
	if !got.Equal(now) {
		t.Errorf("cursor moved to %v", got)
	}

	// Forward movement is fine.
	later := now.Add(time.Minute)
	if err := s.UpdateLastSyncTimestamp(ctx, later); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
}
