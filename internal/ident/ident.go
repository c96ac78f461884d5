// Package ident defines the typed identifiers shared across the worker.
// Each identifier kind is a distinct string type so a machine ID can never
// be passed where a session ID is expected.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// MachineID identifies the physical or virtual machine the worker runs on.
type MachineID string

// WorkerID identifies one worker process registration in the store.
type WorkerID string

// SessionID identifies a chat session in the coordination store. This is
// the stable external key for a session; it never changes across restarts.
type SessionID string

// RemoteSessionID identifies a session inside the agent runtime. Bound to a
// chat session at most once, lazily, at first-message time.
type RemoteSessionID string

// MessageID identifies a chat message in the coordination store.
type MessageID string

func (id MachineID) String() string       { return string(id) }
func (id WorkerID) String() string        { return string(id) }
func (id SessionID) String() string       { return string(id) }
func (id RemoteSessionID) String() string { return string(id) }
func (id MessageID) String() string       { return string(id) }

// ParseMachineID validates a raw machine ID.
func ParseMachineID(raw string) (MachineID, error) {
	if err := validate("machine", raw); err != nil {
		return "", err
	}
	return MachineID(raw), nil
}

// ParseWorkerID validates a raw worker ID.
func ParseWorkerID(raw string) (WorkerID, error) {
	if err := validate("worker", raw); err != nil {
		return "", err
	}
	return WorkerID(raw), nil
}

// ParseSessionID validates a raw chat session ID.
func ParseSessionID(raw string) (SessionID, error) {
	if err := validate("session", raw); err != nil {
		return "", err
	}
	return SessionID(raw), nil
}

// ParseRemoteSessionID validates a raw agent-runtime session ID.
func ParseRemoteSessionID(raw string) (RemoteSessionID, error) {
	if err := validate("remote session", raw); err != nil {
		return "", err
	}
	return RemoteSessionID(raw), nil
}

// ParseMessageID validates a raw message ID.
func ParseMessageID(raw string) (MessageID, error) {
	if err := validate("message", raw); err != nil {
		return "", err
	}
	return MessageID(raw), nil
}

// GenerateWorkerID creates a unique worker ID in wkr-xxxxxxxx format
// (8-char hex).
func GenerateWorkerID() (WorkerID, error) {
	s, err := generate("wkr")
	return WorkerID(s), err
}

// GenerateSessionID creates a unique chat session ID in chat-xxxxxxxx format.
func GenerateSessionID() (SessionID, error) {
	s, err := generate("chat")
	return SessionID(s), err
}

// GenerateMessageID creates a unique message ID in msg-xxxxxxxx format.
func GenerateMessageID() (MessageID, error) {
	s, err := generate("msg")
	return MessageID(s), err
}

func generate(prefix string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("ident: generate %s ID: %w", prefix, err)
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

const maxIDLen = 128

// validate rejects empty, whitespace-padded, or oversized identifiers.
func validate(kind, raw string) error {
	if raw == "" {
		return fmt.Errorf("ident: %s ID is required", kind)
	}
	if strings.TrimSpace(raw) != raw {
		return fmt.Errorf("ident: %s ID %q has surrounding whitespace", kind, raw)
	}
	if len(raw) > maxIDLen {
		return fmt.Errorf("ident: %s ID exceeds %d characters", kind, maxIDLen)
	}
	return nil
}
