// Package notify turns the store's redelivered snapshot feeds into exactly
// one signal per new session and per new user message. The store may push
// the same full snapshot many times; the notifier owns the seen/processed
// bookkeeping that makes downstream handling idempotent.
package notify

import (
	"fmt"
	"log"
	"sort"

	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

// SessionHandler is invoked once per newly observed active session.
type SessionHandler func(sess store.SessionRecord) error

// MessageHandler is invoked once per newly completed user message, with the
// paired assistant message to stream the reply into.
type MessageHandler func(userMsg store.MessageRecord, target ident.MessageID) error

// Notifier deduplicates session and message snapshots. Entities present in
// the very first snapshot of each feed existed before this process attached
// and are recorded without signaling.
type Notifier struct {
	onSession SessionHandler
	onMessage MessageHandler

	seenSessions      map[ident.SessionID]struct{}
	processedMessages map[ident.MessageID]struct{}
	sessionsPrimed    bool
	messagesPrimed    bool
}

// New creates a Notifier with the given handlers. Both are required.
func New(onSession SessionHandler, onMessage MessageHandler) *Notifier {
	return &Notifier{
		onSession:         onSession,
		onMessage:         onMessage,
		seenSessions:      make(map[ident.SessionID]struct{}),
		processedMessages: make(map[ident.MessageID]struct{}),
	}
}

// HandleSessions consumes one session snapshot. The first snapshot primes
// the seen set silently; later snapshots signal each unseen active session
// exactly once. Handler errors are logged, never propagated: a bad session
// must not kill the subscription.
//
// Not safe for concurrent use; the subscription delivers snapshots
// sequentially from a single goroutine.
func (n *Notifier) HandleSessions(snapshot []store.SessionRecord) {
	if !n.sessionsPrimed {
		for _, s := range snapshot {
			n.seenSessions[s.ID] = struct{}{}
		}
		n.sessionsPrimed = true
		return
	}

	for _, s := range snapshot {
		if _, ok := n.seenSessions[s.ID]; ok {
			continue
		}
		if s.Status != models.SessionStatusActive {
			continue
		}
		n.seenSessions[s.ID] = struct{}{}
		if err := n.invokeSession(s); err != nil {
			log.Printf("notify: session handler for %s: %v", s.ID, err)
		}
	}
}

// HandleMessages consumes one message snapshot. A user message is new when
// it is complete and not yet processed; its signal carries the earliest
// not-yet-complete assistant message created after it in the same session.
// With no pair available the message is left unprocessed so a later
// snapshot, where the assistant row exists, can retry.
func (n *Notifier) HandleMessages(snapshot []store.MessageRecord) {
	if !n.messagesPrimed {
		for _, m := range snapshot {
			n.processedMessages[m.ID] = struct{}{}
		}
		n.messagesPrimed = true
		return
	}

	for _, m := range snapshot {
		if m.Role != models.RoleUser || m.State != models.MessageStateComplete {
			continue
		}
		if _, ok := n.processedMessages[m.ID]; ok {
			continue
		}

		target, ok := pairAssistant(snapshot, m)
		if !ok {
			log.Printf("notify: no pending assistant message paired with %s in %s; skipping", m.ID, m.SessionID)
			continue
		}

		n.processedMessages[m.ID] = struct{}{}
		if err := n.invokeMessage(m, target); err != nil {
			log.Printf("notify: message handler for %s: %v", m.ID, err)
		}
	}
}

// invokeSession shields the subscription from handler panics.
func (n *Notifier) invokeSession(s store.SessionRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return n.onSession(s)
}

func (n *Notifier) invokeMessage(m store.MessageRecord, target ident.MessageID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return n.onMessage(m, target)
}

// pairAssistant finds the earliest assistant message in the same session
// that was created after the user message and is not complete.
func pairAssistant(snapshot []store.MessageRecord, user store.MessageRecord) (ident.MessageID, bool) {
	var candidates []store.MessageRecord
	for _, m := range snapshot {
		if m.SessionID != user.SessionID || m.Role != models.RoleAssistant {
			continue
		}
		if m.State == models.MessageStateComplete {
			continue
		}
		if !m.CreatedAt.After(user.CreatedAt) {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0].ID, true
}
