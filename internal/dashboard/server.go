// Package dashboard serves a local status API for one worker: lifecycle
// state, transition history, and tracked sessions, plus a server-sent event
// stream of new transitions.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/lifecycle"
	"github.com/zulandar/signalbox/internal/registry"
)

// StatusSource is the slice of the worker the dashboard reads. All methods
// must be safe for concurrent use.
type StatusSource interface {
	State() lifecycle.State
	Err() error
	History() []lifecycle.Transition
	Sessions() []registry.Session
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Source StatusSource
	Port   int
	Out    io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Source == nil {
		return fmt.Errorf("dashboard: source is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := newRouter(opts.Source)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the Gin router with all dashboard routes.
func newRouter(src StatusSource) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth(src))
	router.GET("/api/status", handleStatus(src))
	router.GET("/api/history", handleHistory(src))
	router.GET("/api/sessions", handleSessions(src))
	router.GET("/api/events", handleSSE(src))

	return router
}

// statusView is the /api/status response body.
type statusView struct {
	State    string `json:"state"`
	Ready    bool   `json:"ready"`
	Error    string `json:"error,omitempty"`
	Sessions int    `json:"sessions"`
}

// transitionView is one history entry in the /api/history response.
type transitionView struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// sessionView is one session in the /api/sessions response.
type sessionView struct {
	ID           string    `json:"id"`
	RemoteID     string    `json:"remote_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	Initializing bool      `json:"initializing"`
}

func handleHealth(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := http.StatusOK
		if src.State() == lifecycle.StateError {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"state": string(src.State())})
	}
}

func handleStatus(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		view := statusView{
			State:    string(src.State()),
			Ready:    src.State() == lifecycle.StateReady,
			Sessions: len(src.Sessions()),
		}
		if err := src.Err(); err != nil {
			view.Error = err.Error()
		}
		c.JSON(http.StatusOK, view)
	}
}

func handleHistory(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		history := src.History()
		views := make([]transitionView, 0, len(history))
		for _, tr := range history {
			views = append(views, toTransitionView(tr))
		}
		c.JSON(http.StatusOK, views)
	}
}

func handleSessions(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := src.Sessions()
		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, sessionView{
				ID:           s.ChatSessionID.String(),
				RemoteID:     s.RemoteSessionID.String(),
				Model:        s.Model,
				StartedAt:    s.StartedAt,
				Initializing: s.Initializing,
			})
		}
		c.JSON(http.StatusOK, views)
	}
}

func toTransitionView(tr lifecycle.Transition) transitionView {
	view := transitionView{
		From:      string(tr.From),
		To:        string(tr.To),
		Event:     string(tr.Event),
		Timestamp: tr.Timestamp,
	}
	if tr.Err != nil {
		view.Error = tr.Err.Error()
	}
	return view
}
