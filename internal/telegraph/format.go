package telegraph

import (
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/lifecycle"
)

// transitionSeverity maps the state a transition lands in to a display
// severity.
func transitionSeverity(to lifecycle.State) Severity {
	switch to {
	case lifecycle.StateReady:
		return SeveritySuccess
	case lifecycle.StateError:
		return SeverityError
	case lifecycle.StateStopping, lifecycle.StateStopped:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// TransitionEvent formats one lifecycle transition for chat.
func TransitionEvent(workerID string, tr lifecycle.Transition) Event {
	ev := Event{
		Title:     fmt.Sprintf("Worker %s: %s -> %s", workerID, tr.From, tr.To),
		Severity:  transitionSeverity(tr.To),
		Timestamp: tr.Timestamp,
		Fields: []Field{
			{Name: "Event", Value: string(tr.Event), Short: true},
			{Name: "State", Value: string(tr.To), Short: true},
		},
	}
	if tr.Err != nil {
		ev.Body = tr.Err.Error()
	}
	return ev
}

// Status is a point-in-time summary of the worker for the digest.
type Status struct {
	WorkerID  string
	State     lifecycle.State
	Sessions  int
	StartedAt time.Time
	LastError error
}

// DigestEvent formats a periodic status digest for chat.
func DigestEvent(s Status, now time.Time) Event {
	severity := SeverityInfo
	if s.State == lifecycle.StateError {
		severity = SeverityError
	}

	ev := Event{
		Title:     fmt.Sprintf("Worker %s status: %s", s.WorkerID, s.State),
		Severity:  severity,
		Timestamp: now,
		Fields: []Field{
			{Name: "Sessions", Value: fmt.Sprintf("%d", s.Sessions), Short: true},
			{Name: "Uptime", Value: formatUptime(now.Sub(s.StartedAt)), Short: true},
		},
	}
	if s.LastError != nil {
		ev.Body = "Last error: " + s.LastError.Error()
	}
	return ev
}

// formatUptime renders a duration as a coarse human-readable string.
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
