// Package telegraph delivers worker lifecycle notifications to chat
// platforms (Slack, Discord). Delivery is outbound-only and best-effort: a
// dead chat adapter never affects the worker itself.
package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"
)

// Severity classifies an event for display.
type Severity string

// Event severities.
const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Field is a key-value pair displayed alongside an event.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Event is one notification formatted for chat display.
type Event struct {
	Title     string
	Body      string
	Severity  Severity
	Fields    []Field
	Timestamp time.Time
}

// Adapter is a platform-specific delivery backend.
type Adapter interface {
	// Name identifies the platform, e.g. "slack".
	Name() string

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Send delivers one event to the platform.
	Send(ctx context.Context, ev Event) error

	// Close shuts the adapter down.
	Close() error
}

// Telegraph fans events out to its connected adapters.
type Telegraph struct {
	adapters []Adapter
	out      io.Writer
}

// New creates a Telegraph over the given adapters.
func New(out io.Writer, adapters ...Adapter) *Telegraph {
	if out == nil {
		out = io.Discard
	}
	return &Telegraph{adapters: adapters, out: out}
}

// Connect connects every adapter. An adapter that fails to connect is
// dropped and logged; notifications are not worth failing startup over.
func (t *Telegraph) Connect(ctx context.Context) {
	connected := t.adapters[:0]
	for _, a := range t.adapters {
		if err := a.Connect(ctx); err != nil {
			log.Printf("telegraph: connect %s: %v", a.Name(), err)
			continue
		}
		fmt.Fprintf(t.out, "Telegraph adapter %s connected\n", a.Name())
		connected = append(connected, a)
	}
	t.adapters = connected
}

// Publish sends an event to every connected adapter. Send errors are
// logged, never propagated.
func (t *Telegraph) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, a := range t.adapters {
		if err := a.Send(ctx, ev); err != nil {
			log.Printf("telegraph: send via %s: %v", a.Name(), err)
		}
	}
}

// Close closes every adapter.
func (t *Telegraph) Close() {
	for _, a := range t.adapters {
		if err := a.Close(); err != nil {
			log.Printf("telegraph: close %s: %v", a.Name(), err)
		}
	}
}

// Len returns the number of connected adapters.
func (t *Telegraph) Len() int { return len(t.adapters) }
