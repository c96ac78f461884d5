package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/store"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Chat session management commands",
	}

	cmd.AddCommand(newSessionPurgeCmd())
	return cmd
}

func newSessionPurgeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge <session-id>",
		Short: "End a chat session and delete its runtime session",
		Long:  "Marks the chat session deleted in the coordination store and removes the bound session from the local agent runtime.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionPurge(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}

func runSessionPurge(cmd *cobra.Command, configPath, rawID string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	sessionID, err := ident.ParseSessionID(rawID)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Store.Host, cfg.Store.Port, cfg.Store.Database)
	if err != nil {
		return err
	}
	st, err := store.New(gormDB, ident.WorkerID(cfg.WorkerID), store.Opts{})
	if err != nil {
		return err
	}

	sessions, err := st.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	var rec *store.SessionRecord
	for i := range sessions {
		if sessions[i].ID == sessionID {
			rec = &sessions[i]
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("session %s not found or not active", sessionID)
	}

	if rec.RemoteSessionID != "" {
		rt, err := agent.NewClient(agent.ClientOpts{
			BaseURL:    cfg.Agent.BaseURL,
			WorkingDir: cfg.Agent.WorkingDir,
		})
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.DeleteSession(ctx, rec.RemoteSessionID); err != nil {
			return fmt.Errorf("delete runtime session %s: %w", rec.RemoteSessionID, err)
		}
		fmt.Fprintf(out, "Deleted runtime session %s\n", rec.RemoteSessionID)
	}

	if err := st.MarkSessionDeleted(ctx, sessionID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s purged\n", sessionID)
	return nil
}
