// Package agent provides the client port for the local agent runtime: the
// server that actually executes model sessions and streams their output.
package agent

import (
	"context"

	"github.com/zulandar/signalbox/internal/ident"
)

// Model describes one model the runtime can run.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// SessionInfo describes a session as the runtime reports it.
type SessionInfo struct {
	ID    ident.RemoteSessionID `json:"id"`
	Title string                `json:"title,omitempty"`
}

// Update is one streamed unit of session output. At most one field is set
// per update: visible content, model reasoning, or a structured part (tool
// result etc.) as raw JSON.
type Update struct {
	Content   string
	Reasoning string
	Part      []byte
}

// Stream yields prompt output units. Recv returns io.EOF when the stream
// has completed cleanly.
type Stream interface {
	Recv() (Update, error)
	Close() error
}

// Runtime is the port the worker uses to drive the agent runtime.
type Runtime interface {
	ListModels(ctx context.Context) ([]Model, error)
	CreateSession(ctx context.Context, model string) (SessionInfo, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	GetSession(ctx context.Context, id ident.RemoteSessionID) (SessionInfo, error)
	SendPrompt(ctx context.Context, id ident.RemoteSessionID, content, model string) (Stream, error)
	DeleteSession(ctx context.Context, id ident.RemoteSessionID) error
	Close() error
}
