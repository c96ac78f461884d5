package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/agent"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/dashboard"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/ident"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/telegraph"
	"github.com/zulandar/signalbox/internal/telegraph/discord"
	"github.com/zulandar/signalbox/internal/telegraph/slack"
	"github.com/zulandar/signalbox/internal/worker"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker daemon",
		Long:  "Registers the worker with the coordination store, connects to the agent runtime, and serves chat sessions until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded config for worker %q from %s\n", cfg.WorkerID, configPath)

	if cfg.Secret == "" {
		secret, err := promptSecret(out)
		if err != nil {
			return err
		}
		cfg.Secret = secret
	}

	gormDB, err := db.Connect(cfg.Store.Host, cfg.Store.Port, cfg.Store.Database)
	if err != nil {
		return err
	}

	st, err := store.New(gormDB, ident.WorkerID(cfg.WorkerID), store.Opts{})
	if err != nil {
		return err
	}
	rt, err := agent.NewClient(agent.ClientOpts{
		BaseURL:    cfg.Agent.BaseURL,
		WorkingDir: cfg.Agent.WorkingDir,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	w, err := worker.New(cfg, st, rt, worker.Opts{Out: out})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Dashboard.Port > 0 {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				Source: w,
				Port:   cfg.Dashboard.Port,
				Out:    out,
			}); err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}

	startTelegraph(ctx, cfg, w, out)

	return w.Run(ctx)
}

// startTelegraph wires chat notifications if any adapter is configured.
func startTelegraph(ctx context.Context, cfg *config.Config, w *worker.Worker, out io.Writer) {
	var adapters []telegraph.Adapter

	if cfg.Telegraph.Slack.BotToken != "" {
		a, err := slack.New(slack.AdapterOpts{
			BotToken:  cfg.Telegraph.Slack.BotToken,
			ChannelID: cfg.Telegraph.Slack.ChannelID,
		})
		if err != nil {
			log.Printf("telegraph: slack: %v", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	if cfg.Telegraph.Discord.BotToken != "" {
		a, err := discord.New(discord.AdapterOpts{
			BotToken:  cfg.Telegraph.Discord.BotToken,
			ChannelID: cfg.Telegraph.Discord.ChannelID,
		})
		if err != nil {
			log.Printf("telegraph: discord: %v", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	if len(adapters) == 0 {
		return
	}

	tg := telegraph.New(out, adapters...)
	tg.Connect(ctx)
	if tg.Len() == 0 {
		return
	}

	go func() {
		<-ctx.Done()
		tg.Close()
	}()

	go tg.WatchTransitions(ctx, cfg.WorkerID, w.History, 0)

	if cfg.Telegraph.DigestCron != "" {
		startedAt := time.Now()
		go func() {
			err := tg.RunDigest(ctx, cfg.Telegraph.DigestCron, func() telegraph.Status {
				return telegraph.Status{
					WorkerID:  cfg.WorkerID,
					State:     w.State(),
					Sessions:  len(w.Sessions()),
					StartedAt: startedAt,
					LastError: w.Err(),
				}
			})
			if err != nil {
				log.Printf("telegraph: %v", err)
			}
		}()
	}
}
