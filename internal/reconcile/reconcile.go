// Package reconcile keeps three views of the worker's sessions aligned: the
// in-memory registry, the coordination store's durable record, and the agent
// runtime's own session list. They diverge across process restarts, sessions
// created directly against the runtime, and out-of-band deletions.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/store"
)

// Default write batching. Writes queued by a pass run in small batches with
// a pause in between rather than all at once; a pass over a large session
// list must not flood the store or the runtime.
const (
	DefaultBatchSize  = 5
	DefaultBatchDelay = 200 * time.Millisecond
	DefaultModelTTL   = time.Minute
)

// SessionEnder is the slice of the registry the reconciler needs: dropping
// sessions that disappeared upstream.
type SessionEnder interface {
	EndSession(id ident.SessionID)
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	NameUpdates int
	Deletes     int
	Creates     int
}

// Writes returns the total number of store writes the pass issued.
func (s Stats) Writes() int {
	return s.NameUpdates + s.Deletes + s.Creates
}

// Reconciler runs reconciliation passes. One Reconciler is owned by the
// lifecycle controller and invoked from a single timer goroutine.
type Reconciler struct {
	store    store.Store
	runtime  agent.Runtime
	registry SessionEnder
	out      io.Writer

	batchSize  int
	batchDelay time.Duration

	modelTTL      time.Duration
	cachedModels  []agent.Model
	modelsFetched time.Time
}

// Opts holds parameters for creating a Reconciler.
type Opts struct {
	BatchSize  int
	BatchDelay time.Duration
	ModelTTL   time.Duration
	Out        io.Writer
}

// New creates a Reconciler over the given ports.
func New(st store.Store, rt agent.Runtime, reg SessionEnder, opts Opts) (*Reconciler, error) {
	if st == nil {
		return nil, fmt.Errorf("reconcile: store is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("reconcile: runtime is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("reconcile: registry is required")
	}

	r := &Reconciler{
		store:      st,
		runtime:    rt,
		registry:   reg,
		out:        opts.Out,
		batchSize:  opts.BatchSize,
		batchDelay: opts.BatchDelay,
		modelTTL:   opts.ModelTTL,
	}
	if r.out == nil {
		r.out = io.Discard
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.batchDelay < 0 {
		r.batchDelay = DefaultBatchDelay
	}
	if r.modelTTL <= 0 {
		r.modelTTL = DefaultModelTTL
	}
	return r, nil
}

// writeOp is one queued store write.
type writeOp struct {
	desc string
	run  func(ctx context.Context) error
}

// Pass runs one reconciliation pass. The cursor only advances to the pass
// start time when every queued write succeeded; a failed pass retries with
// the same cursor next interval. A pass that finds no differences performs
// no writes.
func (r *Reconciler) Pass(ctx context.Context) (Stats, error) {
	passStart := time.Now()
	var stats Stats

	cursor, err := r.store.LastSyncTimestamp(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: read cursor: %w", err)
	}

	// Both full lists: the runtime has no timestamp filter to delta against.
	upstream, err := r.runtime.ListSessions(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: list runtime sessions: %w", err)
	}
	stored, err := r.store.ActiveSessions(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: list store sessions: %w", err)
	}

	upstreamByID := make(map[ident.RemoteSessionID]agent.SessionInfo, len(upstream))
	for _, u := range upstream {
		upstreamByID[u.ID] = u
	}
	boundRemotes := make(map[ident.RemoteSessionID]bool, len(stored))

	var queue []writeOp

	for _, sess := range stored {
		sess := sess
		if sess.RemoteSessionID == "" {
			// Pending session, nothing to compare yet.
			continue
		}
		boundRemotes[sess.RemoteSessionID] = true

		remote, exists := upstreamByID[sess.RemoteSessionID]
		if !exists {
			if sess.DeletedInRuntime {
				continue
			}
			stats.Deletes++
			queue = append(queue, writeOp{
				desc: fmt.Sprintf("soft-delete %s (remote %s gone)", sess.ID, sess.RemoteSessionID),
				run: func(ctx context.Context) error {
					if err := r.store.MarkSessionDeleted(ctx, sess.ID); err != nil {
						return err
					}
					r.registry.EndSession(sess.ID)
					return nil
				},
			})
			continue
		}

		if r.nameNeedsSync(sess, remote, cursor) {
			stats.NameUpdates++
			queue = append(queue, writeOp{
				desc: fmt.Sprintf("sync name of %s to %q", sess.ID, remote.Title),
				run: func(ctx context.Context) error {
					_, err := r.store.UpdateSessionName(ctx, sess.ID, remote.Title)
					return err
				},
			})
		}
	}

	// Adopt runtime sessions the store has never heard of.
	for _, u := range upstream {
		u := u
		if boundRemotes[u.ID] {
			continue
		}
		stats.Creates++
		queue = append(queue, writeOp{
			desc: fmt.Sprintf("adopt runtime session %s", u.ID),
			run: func(ctx context.Context) error {
				model, err := r.defaultModel(ctx)
				if err != nil {
					return err
				}
				_, err = r.store.CreateSyncedSession(ctx, u.ID, model, u.Title)
				return err
			},
		})
	}

	if err := r.execute(ctx, queue); err != nil {
		return stats, err
	}

	if err := r.store.UpdateLastSyncTimestamp(ctx, passStart); err != nil {
		return stats, fmt.Errorf("reconcile: advance cursor: %w", err)
	}

	if stats.Writes() > 0 {
		fmt.Fprintf(r.out, "Reconciled: %d name updates, %d deletes, %d adoptions\n",
			stats.NameUpdates, stats.Deletes, stats.Creates)
	}
	return stats, nil
}

// nameNeedsSync reports whether the stored session's name is out of date
// against the runtime title: changed, never synced, or synced before the
// cursor.
func (r *Reconciler) nameNeedsSync(sess store.SessionRecord, remote agent.SessionInfo, cursor time.Time) bool {
	if sess.Name != remote.Title {
		return true
	}
	if sess.LastSyncedNameAt == nil {
		return true
	}
	return sess.LastSyncedNameAt.Before(cursor)
}

// execute runs queued writes in bounded batches with a pause between
// batches. The first failing write aborts the pass.
func (r *Reconciler) execute(ctx context.Context, queue []writeOp) error {
	for start := 0; start < len(queue); start += r.batchSize {
		end := start + r.batchSize
		if end > len(queue) {
			end = len(queue)
		}

		for _, op := range queue[start:end] {
			if err := op.run(ctx); err != nil {
				return fmt.Errorf("reconcile: %s: %w", op.desc, err)
			}
		}

		if end < len(queue) && r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}
	}
	return nil
}

// defaultModel returns the runtime's first advertised model, cached for the
// duration of a pass and a short TTL beyond it so adopting many sessions in
// one pass costs one model-list call, not one per session.
func (r *Reconciler) defaultModel(ctx context.Context) (string, error) {
	if time.Since(r.modelsFetched) > r.modelTTL || r.cachedModels == nil {
		models, err := r.runtime.ListModels(ctx)
		if err != nil {
			return "", fmt.Errorf("list models: %w", err)
		}
		r.cachedModels = models
		r.modelsFetched = time.Now()
	}
	if len(r.cachedModels) == 0 {
		return "", nil
	}
	return r.cachedModels[0].ID, nil
}
