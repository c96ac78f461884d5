// Package registry owns the worker's active sessions. It creates remote
// runtime sessions lazily at first-message time, routes prompts into the
// runtime, and streams the output back into the coordination store.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/store"
)

// errorMarker prefixes the chat-visible text written when a message fails.
const errorMarker = "Error: "

// Session is a read-only snapshot of one registry entry.
type Session struct {
	ChatSessionID   ident.SessionID
	RemoteSessionID ident.RemoteSessionID
	Model           string
	StartedAt       time.Time
	Initializing    bool
}

// entry is the mutable registry record. Its mutex serializes message
// processing for the session: concurrent prompts into one session would
// interleave runtime calls.
type entry struct {
	mu sync.Mutex

	chatSessionID   ident.SessionID
	remoteSessionID ident.RemoteSessionID
	model           string
	startedAt       time.Time
	initializing    bool
}

// Registry tracks the worker's sessions. All methods are safe for
// concurrent use.
type Registry struct {
	store   store.Store
	runtime agent.Runtime
	out     io.Writer

	mu       sync.Mutex
	sessions map[ident.SessionID]*entry
}

// New creates a Registry over the given ports.
func New(st store.Store, rt agent.Runtime, out io.Writer) (*Registry, error) {
	if st == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("registry: runtime is required")
	}
	if out == nil {
		out = io.Discard
	}
	return &Registry{
		store:    st,
		runtime:  rt,
		out:      out,
		sessions: make(map[ident.SessionID]*entry),
	}, nil
}

// StartSession registers a chat session. If the store already holds a
// remote-session binding for it (a restart), the binding is restored and no
// runtime session is created; otherwise the session is registered pending,
// with the remote session deferred until the first message names a model.
func (r *Registry) StartSession(ctx context.Context, chatSessionID ident.SessionID) error {
	if chatSessionID == "" {
		return fmt.Errorf("registry: chat session ID is required")
	}

	r.mu.Lock()
	if _, ok := r.sessions[chatSessionID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	// Look for an existing binding outside the lock; the store call can
	// suspend.
	existing, err := r.findStored(ctx, chatSessionID)
	if err != nil {
		return fmt.Errorf("registry: start session %s: %w", chatSessionID, err)
	}

	e := &entry{
		chatSessionID: chatSessionID,
		startedAt:     time.Now(),
		initializing:  true,
	}
	if existing != nil && existing.RemoteSessionID != "" {
		e.remoteSessionID = existing.RemoteSessionID
		e.model = existing.Model
		e.initializing = false
		fmt.Fprintf(r.out, "Session %s restored (remote %s)\n", chatSessionID, existing.RemoteSessionID)
	} else {
		fmt.Fprintf(r.out, "Session %s registered (pending first message)\n", chatSessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[chatSessionID]; ok {
		return nil
	}
	r.sessions[chatSessionID] = e
	return nil
}

// ProcessMessage runs one user message through the agent runtime, streaming
// visible content to the store as sequenced chunks and writing the final
// accumulated state when the stream ends. Failures are contained: they are
// surfaced as an error chunk and a completed message, never as a worker
// crash or a message stuck in streaming state.
//
// Processing is serialized per chat session; a concurrent call for the same
// session waits its turn.
func (r *Registry) ProcessMessage(ctx context.Context, chatSessionID ident.SessionID, messageID ident.MessageID, content, model string) error {
	r.mu.Lock()
	e, ok := r.sessions[chatSessionID]
	r.mu.Unlock()

	if !ok {
		fmt.Fprintf(r.out, "Message %s for unknown session %s\n", messageID, chatSessionID)
		r.reportError(ctx, chatSessionID, messageID, "", fmt.Errorf("session not found: %s", chatSessionID))
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Bind a remote session lazily: the model is only known now.
	if e.remoteSessionID == "" {
		if err := r.bindRemote(ctx, e, model); err != nil {
			r.reportError(ctx, chatSessionID, messageID, "", err)
			return nil
		}
	}

	// Per-message model override.
	if model != "" && model != e.model {
		fmt.Fprintf(r.out, "Session %s model %q -> %q\n", chatSessionID, e.model, model)
		e.model = model
	}

	accumulated, reasoning, parts, err := r.stream(ctx, e, chatSessionID, messageID, content, model)
	if err != nil {
		r.reportError(ctx, chatSessionID, messageID, accumulated, err)
		return nil
	}

	partsJSON := encodeParts(parts)
	if err := r.store.CompleteMessage(ctx, chatSessionID, messageID, accumulated, reasoning, partsJSON); err != nil {
		return fmt.Errorf("registry: complete message %s: %w", messageID, err)
	}
	return nil
}

// EndSession removes the in-memory entry. The remote runtime session is
// left alive; reconciliation re-adopts it if the chat session is still
// active upstream.
func (r *Registry) EndSession(chatSessionID ident.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, chatSessionID)
}

// PurgeSession removes the entry and deletes the bound remote session from
// the runtime. Used on operator request; runtime errors are logged, the
// entry is removed regardless.
func (r *Registry) PurgeSession(ctx context.Context, chatSessionID ident.SessionID) {
	r.mu.Lock()
	e, ok := r.sessions[chatSessionID]
	delete(r.sessions, chatSessionID)
	r.mu.Unlock()

	if ok && e.remoteSessionID != "" {
		if err := r.runtime.DeleteSession(ctx, e.remoteSessionID); err != nil {
			log.Printf("registry: delete remote session %s: %v", e.remoteSessionID, err)
		}
	}
}

// Sessions returns a snapshot of all registry entries.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, Session{
			ChatSessionID:   e.chatSessionID,
			RemoteSessionID: e.remoteSessionID,
			Model:           e.model,
			StartedAt:       e.startedAt,
			Initializing:    e.initializing,
		})
	}
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// bindRemote creates the runtime session, binds it to the entry, and tells
// the store the session is ready. Caller holds e.mu.
func (r *Registry) bindRemote(ctx context.Context, e *entry, model string) error {
	if model == "" {
		return fmt.Errorf("registry: session %s: model is required to create a remote session", e.chatSessionID)
	}

	info, err := r.runtime.CreateSession(ctx, model)
	if err != nil {
		return fmt.Errorf("registry: create remote session for %s: %w", e.chatSessionID, err)
	}

	e.remoteSessionID = info.ID
	e.model = model
	e.initializing = false
	fmt.Fprintf(r.out, "Session %s bound to remote %s (model %s)\n", e.chatSessionID, info.ID, model)

	if err := r.store.SessionReady(ctx, e.chatSessionID, info.ID); err != nil {
		return fmt.Errorf("registry: session ready %s: %w", e.chatSessionID, err)
	}
	return nil
}

// stream sends the prompt and forwards visible content chunks as they
// arrive. Reasoning is retained for the final write but never forwarded
// live. Caller holds e.mu.
func (r *Registry) stream(ctx context.Context, e *entry, chatSessionID ident.SessionID, messageID ident.MessageID, content, model string) (accumulated, reasoning string, parts []json.RawMessage, err error) {
	s, err := r.runtime.SendPrompt(ctx, e.remoteSessionID, content, model)
	if err != nil {
		return "", "", nil, fmt.Errorf("registry: send prompt: %w", err)
	}
	defer s.Close()

	seq := 0
	for {
		u, recvErr := s.Recv()
		if recvErr == io.EOF {
			return accumulated, reasoning, parts, nil
		}
		if recvErr != nil {
			return accumulated, reasoning, parts, fmt.Errorf("registry: stream: %w", recvErr)
		}

		switch {
		case u.Content != "":
			accumulated += u.Content
			if werr := r.store.WriteChunk(ctx, chatSessionID, messageID, u.Content, seq); werr != nil {
				return accumulated, reasoning, parts, fmt.Errorf("registry: write chunk %d: %w", seq, werr)
			}
			seq++
		case u.Reasoning != "":
			reasoning += u.Reasoning
		case u.Part != nil:
			parts = append(parts, json.RawMessage(u.Part))
		}
	}
}

// reportError writes a single error chunk and completes the message so it
// never sits in streaming state forever. Store failures here are logged and
// swallowed: there is nothing further to do for this message.
func (r *Registry) reportError(ctx context.Context, chatSessionID ident.SessionID, messageID ident.MessageID, accumulated string, cause error) {
	log.Printf("registry: message %s failed: %v", messageID, cause)

	chunk := errorMarker + cause.Error()
	if err := r.store.WriteChunk(ctx, chatSessionID, messageID, chunk, errorChunkSequence); err != nil {
		log.Printf("registry: write error chunk for %s: %v", messageID, err)
	}

	final := chunk
	if accumulated != "" {
		final = accumulated + "\n\n" + chunk
	}
	if err := r.store.CompleteMessage(ctx, chatSessionID, messageID, final, "", ""); err != nil {
		log.Printf("registry: complete failed message %s: %v", messageID, err)
	}
}

// errorChunkSequence places error chunks after any real chunk without
// tracking the exact count across the failure path.
const errorChunkSequence = 1 << 20

// findStored looks up this chat session among the store's active sessions.
func (r *Registry) findStored(ctx context.Context, chatSessionID ident.SessionID) (*store.SessionRecord, error) {
	sessions, err := r.store.ActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].ID == chatSessionID {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

func encodeParts(parts []json.RawMessage) string {
	if len(parts) == 0 {
		return ""
	}
	data, err := json.Marshal(parts)
	if err != nil {
		log.Printf("registry: marshal parts: %v", err)
		return ""
	}
	return string(data)
}
