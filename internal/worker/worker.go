// Package worker implements the lifecycle controller: the long-running loop
// that registers this worker with the coordination store, connects to the
// agent runtime, and keeps both sides synchronized until told to stop.
package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/lifecycle"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/reconcile"
	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/store"
)

const (
	// DefaultRecoverDelay is the pause before re-registering after a
	// recoverable failure.
	DefaultRecoverDelay = 3 * time.Second

	// shutdownTimeout bounds the teardown writes once the run context is
	// already cancelled.
	shutdownTimeout = 10 * time.Second
)

// Worker is the lifecycle controller. Create one with New, drive it with
// Run, and stop it with Stop or by cancelling Run's context.
type Worker struct {
	cfg       *config.Config
	machineID ident.MachineID
	workerID  ident.WorkerID

	store      store.Store
	runtime    agent.Runtime
	registry   *registry.Registry
	reconciler *reconcile.Reconciler
	machine    *lifecycle.Machine
	out        io.Writer

	recoverDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc

	msgWG sync.WaitGroup
}

// Opts holds optional parameters for creating a Worker.
type Opts struct {
	Out          io.Writer
	RecoverDelay time.Duration
}

// New creates a Worker over the given ports. The config must carry valid
// machine and worker IDs.
func New(cfg *config.Config, st store.Store, rt agent.Runtime, opts Opts) (*Worker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("worker: config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("worker: runtime is required")
	}

	machineID, err := ident.ParseMachineID(cfg.MachineID)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	workerID, err := ident.ParseWorkerID(cfg.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	reg, err := registry.New(st, rt, out)
	if err != nil {
		return nil, err
	}
	rec, err := reconcile.New(st, rt, reg, reconcile.Opts{Out: out})
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:          cfg,
		machineID:    machineID,
		workerID:     workerID,
		store:        st,
		runtime:      rt,
		registry:     reg,
		reconciler:   rec,
		machine:      lifecycle.NewMachine(),
		out:          out,
		recoverDelay: opts.RecoverDelay,
	}
	if w.recoverDelay <= 0 {
		w.recoverDelay = DefaultRecoverDelay
	}
	return w, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() lifecycle.State { return w.machine.State() }

// IsReady reports whether the worker is in the ready state.
func (w *Worker) IsReady() bool { return w.machine.State() == lifecycle.StateReady }

// Err returns the last captured lifecycle error, nil after a recovery.
func (w *Worker) Err() error { return w.machine.Err() }

// History returns the bounded lifecycle transition history, oldest first.
func (w *Worker) History() []lifecycle.Transition { return w.machine.History() }

// Sessions returns a snapshot of the registry's tracked sessions.
func (w *Worker) Sessions() []registry.Session { return w.registry.Sessions() }

// Stop requests shutdown. Run performs the teardown and returns; Stop does
// not wait for it.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

// Run drives the worker through its lifecycle until a fatal error or a stop
// request. Recoverable failures loop back through registration; everything
// else tears the worker down. Run returns nil on a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.machine.Transition(lifecycle.EventStart); err != nil {
		return err
	}
	fmt.Fprintf(w.out, "Worker %s starting (machine %s)\n", w.workerID, w.machineID)

	var fatal error
	for {
		err := w.session(ctx)
		if err != nil && ctx.Err() != nil {
			// A stop request surfaced as a cancelled store or runtime
			// call; this is a clean stop, not a failure.
			err = nil
		}
		if err == nil {
			break
		}

		if ferr := w.machine.Fail(err); ferr != nil {
			log.Printf("worker: record failure: %v", ferr)
		}

		switch lifecycle.Classify(err, w.machine.State()) {
		case lifecycle.StrategyRecover:
			fmt.Fprintf(w.out, "Recovering from: %v\n", err)
			if terr := w.machine.Transition(lifecycle.EventRecover); terr != nil {
				fatal = err
				break
			}
			sleepWithContext(ctx, w.recoverDelay)
			if ctx.Err() != nil {
				break
			}
			continue
		case lifecycle.StrategyIgnore:
		default:
			fatal = err
		}
		break
	}

	w.shutdown(fatal)
	if fatal != nil {
		return fmt.Errorf("worker: %w", fatal)
	}
	return nil
}

// session runs one registration-to-ready pass. It returns nil when the
// context is cancelled and an error on any failure; the caller decides
// whether that failure is recoverable.
func (w *Worker) session(ctx context.Context) error {
	res, err := w.store.Register(ctx, w.machineID, w.workerID, w.cfg.Secret)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if res.Approved {
		if err := w.machine.Transition(lifecycle.EventRegistered); err != nil {
			return err
		}
	} else {
		if err := w.machine.Transition(lifecycle.EventWaitApproval); err != nil {
			return err
		}
		fmt.Fprintf(w.out, "Registered as %s, waiting for approval (status %s)\n", w.workerID, res.Status)
		if err := w.awaitApproval(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := w.machine.Transition(lifecycle.EventApproved); err != nil {
			return err
		}
	}

	if err := w.connect(ctx); err != nil {
		return err
	}
	if err := w.machine.Transition(lifecycle.EventConnected); err != nil {
		return err
	}
	fmt.Fprintf(w.out, "Worker ready\n")

	return w.ready(ctx)
}

// awaitApproval polls registration until the store reports approval or the
// context is cancelled.
func (w *Worker) awaitApproval(ctx context.Context) error {
	for {
		sleepWithContext(ctx, w.cfg.Intervals.ApprovalPoll())
		if ctx.Err() != nil {
			return nil
		}

		res, err := w.store.Register(ctx, w.machineID, w.workerID, w.cfg.Secret)
		if err != nil {
			return fmt.Errorf("approval poll: %w", err)
		}
		if res.Approved {
			return nil
		}
	}
}

// connect verifies the agent runtime is reachable, marks the worker
// connected in the store, publishes the runtime's model list, and restores
// the store's active sessions into the registry.
func (w *Worker) connect(ctx context.Context) error {
	models, err := w.runtime.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("connect runtime: %w", err)
	}

	if err := w.store.MarkConnected(ctx); err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	if err := w.store.PublishModels(ctx, models); err != nil {
		return fmt.Errorf("publish models: %w", err)
	}
	fmt.Fprintf(w.out, "Connected, %d models published\n", len(models))

	sessions, err := w.store.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	for _, s := range sessions {
		if err := w.registry.StartSession(ctx, s.ID); err != nil {
			log.Printf("worker: restore session %s: %v", s.ID, err)
		}
	}
	return nil
}

// ready holds the worker in the ready state: subscriptions feed the
// notifier, the heartbeat keeps the store's liveness record fresh, and the
// reconciler runs on its interval. Returns nil when the context is
// cancelled, or the failure that knocked the worker out of ready.
func (w *Worker) ready(ctx context.Context) error {
	// A fresh notifier per attach: the first snapshot of each feed
	// describes pre-existing state and must prime silently.
	notifier := notify.New(w.sessionHandler(ctx), w.messageHandler(ctx))

	cancelSessions, err := w.store.SubscribeSessions(ctx, notifier.HandleSessions)
	if err != nil {
		return fmt.Errorf("subscribe sessions: %w", err)
	}
	defer cancelSessions()

	cancelMessages, err := w.store.SubscribeMessages(ctx, notifier.HandleMessages)
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	defer cancelMessages()

	hbErr := w.startHeartbeat(ctx)

	ticker := time.NewTicker(w.cfg.Intervals.Reconcile())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-hbErr:
			return err
		case <-ticker.C:
			// A failed pass keeps its cursor and retries next interval.
			if _, err := w.reconciler.Pass(ctx); err != nil {
				log.Printf("worker: reconcile: %v", err)
			}
		}
	}
}

// startHeartbeat launches the heartbeat goroutine. The returned channel
// receives the first heartbeat failure; the goroutine exits with it.
func (w *Worker) startHeartbeat(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(w.cfg.Intervals.Heartbeat())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.Heartbeat(ctx); err != nil {
					errCh <- fmt.Errorf("heartbeat: %w", err)
					return
				}
			}
		}
	}()

	return errCh
}

// sessionHandler adapts the notifier's new-session signal to the registry.
func (w *Worker) sessionHandler(ctx context.Context) notify.SessionHandler {
	return func(s store.SessionRecord) error {
		return w.registry.StartSession(ctx, s.ID)
	}
}

// messageHandler adapts the notifier's new-message signal to the registry.
// Processing happens on its own goroutine so a long-streaming reply in one
// session never blocks the snapshot feed or other sessions; the registry
// serializes per session.
func (w *Worker) messageHandler(ctx context.Context) notify.MessageHandler {
	return func(m store.MessageRecord, target ident.MessageID) error {
		if err := w.machine.AssertState(lifecycle.StateReady); err != nil {
			return err
		}

		w.msgWG.Add(1)
		go func() {
			defer w.msgWG.Done()
			if err := w.registry.ProcessMessage(ctx, m.SessionID, target, m.Content, m.Model); err != nil {
				log.Printf("worker: process message %s: %v", m.ID, err)
			}
		}()
		return nil
	}
}

// shutdown performs the two-phase terminal transition: enter stopping,
// drain in-flight messages, drop sessions, mark the worker offline, then
// complete into stopped. Teardown uses its own bounded context because the
// run context is already cancelled by the time we get here.
func (w *Worker) shutdown(cause error) {
	if err := w.machine.Transition(lifecycle.EventStop); err != nil {
		// Mid-phase states have no stop edge; route through error.
		if cause == nil {
			cause = fmt.Errorf("stop requested")
		}
		if ferr := w.machine.Fail(cause); ferr != nil {
			log.Printf("worker: shutdown transition: %v", ferr)
		}
		if err := w.machine.Transition(lifecycle.EventStop); err != nil {
			log.Printf("worker: shutdown transition: %v", err)
		}
	}
	fmt.Fprintf(w.out, "Worker stopping...\n")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	w.msgWG.Wait()

	for _, s := range w.registry.Sessions() {
		w.registry.EndSession(s.ChatSessionID)
	}

	if err := w.store.SetOffline(ctx); err != nil {
		log.Printf("worker: set offline: %v", err)
	}

	if err := w.machine.Complete(); err != nil {
		log.Printf("worker: complete shutdown: %v", err)
	}
	fmt.Fprintf(w.out, "Worker stopped.\n")
}

// sleepWithContext sleeps for d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
