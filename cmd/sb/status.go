package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show this worker's record in the coordination store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Store.Host, cfg.Store.Port, cfg.Store.Database)
	if err != nil {
		return err
	}

	var w models.Worker
	if err := gormDB.Where("id = ?", cfg.WorkerID).First(&w).Error; err != nil {
		return fmt.Errorf("worker %s not registered: %w", cfg.WorkerID, err)
	}

	fmt.Fprintf(out, "Worker:    %s (machine %s)\n", w.ID, w.MachineID)
	fmt.Fprintf(out, "Status:    %s\n", w.Status)
	fmt.Fprintf(out, "Approved:  %v\n", w.Approved)
	if w.LastHeartbeat.IsZero() {
		fmt.Fprintf(out, "Heartbeat: never\n")
	} else {
		fmt.Fprintf(out, "Heartbeat: %s ago\n", time.Since(w.LastHeartbeat).Round(time.Second))
	}

	var sessions int64
	gormDB.Model(&models.ChatSession{}).
		Where("worker_id = ? AND status = ?", cfg.WorkerID, models.SessionStatusActive).
		Count(&sessions)
	fmt.Fprintf(out, "Sessions:  %d active\n", sessions)

	return nil
}
