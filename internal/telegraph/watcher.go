package telegraph

import (
	"context"
	"time"

	"github.com/zulandar/signalbox/internal/lifecycle"
)

// DefaultWatchInterval is how often the watcher polls the transition
// history.
const DefaultWatchInterval = 2 * time.Second

// HistoryFunc returns the worker's transition history, oldest first.
type HistoryFunc func() []lifecycle.Transition

// WatchTransitions polls the history and publishes every transition that
// appears after the first poll. The first poll primes silently: transitions
// from before the watcher attached are old news. Blocks until ctx is
// cancelled.
func (t *Telegraph) WatchTransitions(ctx context.Context, workerID string, history HistoryFunc, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	lastSeen := latestTimestamp(history())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transitions := history()
			for _, tr := range transitions {
				if !tr.Timestamp.After(lastSeen) {
					continue
				}
				t.Publish(ctx, TransitionEvent(workerID, tr))
			}
			if ts := latestTimestamp(transitions); ts.After(lastSeen) {
				lastSeen = ts
			}
		}
	}
}

func latestTimestamp(transitions []lifecycle.Transition) time.Time {
	var latest time.Time
	for _, tr := range transitions {
		if tr.Timestamp.After(latest) {
			latest = tr.Timestamp
		}
	}
	return latest
}
