package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/models"
)

// SubscribeSessions starts a polling subscription over the worker's active
// sessions. The callback receives a full snapshot immediately and again
// whenever the set changes. The returned cancel function stops the poll
// loop and waits for it to exit.
func (s *DBStore) SubscribeSessions(ctx context.Context, cb SessionCallback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("store: session callback is required")
	}
	return s.poll(ctx, "sessions", func(ctx context.Context) (string, func(), error) {
		sessions, err := s.ActiveSessions(ctx)
		if err != nil {
			return "", nil, err
		}
		return sessionFingerprint(sessions), func() { cb(sessions) }, nil
	})
}

// SubscribeMessages starts a polling subscription over all messages in the
// worker's active sessions, with the same snapshot semantics as
// SubscribeSessions.
func (s *DBStore) SubscribeMessages(ctx context.Context, cb MessageCallback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("store: message callback is required")
	}
	return s.poll(ctx, "messages", func(ctx context.Context) (string, func(), error) {
		msgs, err := s.workerMessages(ctx)
		if err != nil {
			return "", nil, err
		}
		return messageFingerprint(msgs), func() { cb(msgs) }, nil
	})
}

// poll runs fetch on the store's poll interval and invokes the returned
// deliver closure whenever the snapshot fingerprint changes. Fetch errors
// are logged and retried on the next tick; they never kill the loop.
func (s *DBStore) poll(ctx context.Context, name string, fetch func(context.Context) (string, func(), error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		var lastPrint string
		first := true
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			print, deliver, err := fetch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("store: %s subscription poll: %v", name, err)
				}
			} else if first || print != lastPrint {
				deliver()
				lastPrint = print
				first = false
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// workerMessages returns every message belonging to this worker's active
// sessions, oldest first.
func (s *DBStore) workerMessages(ctx context.Context) ([]MessageRecord, error) {
	var rows []models.ChatMessage
	err := s.db.WithContext(ctx).
		Joins("JOIN chat_sessions ON chat_sessions.id = chat_messages.session_id").
		Where("chat_sessions.worker_id = ? AND chat_sessions.status = ?",
			s.workerID.String(), models.SessionStatusActive).
		Order("chat_messages.created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: worker messages: %w", err)
	}

	out := make([]MessageRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, MessageRecord{
			ID:        ident.MessageID(r.ID),
			SessionID: ident.SessionID(r.SessionID),
			Role:      r.Role,
			State:     r.State,
			Content:   r.Content,
			Model:     r.Model,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// sessionFingerprint summarizes a session snapshot cheaply enough to detect
// changes between polls.
func sessionFingerprint(sessions []SessionRecord) string {
	print := fmt.Sprintf("n=%d", len(sessions))
	for _, s := range sessions {
		print += fmt.Sprintf("|%s:%s:%s:%s", s.ID, s.RemoteSessionID, s.Name, s.Status)
	}
	return print
}

func messageFingerprint(msgs []MessageRecord) string {
	print := fmt.Sprintf("n=%d", len(msgs))
	for _, m := range msgs {
		print += fmt.Sprintf("|%s:%s", m.ID, m.State)
	}
	return print
}
