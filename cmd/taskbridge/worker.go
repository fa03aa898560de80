package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/taskbridge/taskbridge/internal/logging"
	"github.com/taskbridge/taskbridge/internal/worker/config"
	"github.com/taskbridge/taskbridge/internal/worker/hub"
	"github.com/taskbridge/taskbridge/worker"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	hubURL := fs.String("hub", "http://localhost:8420", "Hub server URL")
	dataDir := fs.String("data-dir", defaultWorkerDataDir(), "data directory")
	userID := fs.String("user", "", "owner user id (required for first-time registration)")
	name := fs.String("name", defaultWorkerName(), "instance name")
	vmType := fs.String("vm-type", "local", "VM type label")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.PrintBanner("worker", version, *hubURL)

	cfg := &config.Config{
		HubURL:  *hubURL,
		DataDir: *dataDir,
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check if we already have credentials from a previous registration.
	state, err := cfg.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if state == nil || state.AuthToken == "" {
		if *userID == "" {
			return fmt.Errorf("-user is required for first-time registration")
		}
		result, err := hub.Register(ctx, cfg.HubURL, *userID, *name, *vmType)
		if err != nil {
			return fmt.Errorf("registration: %w", err)
		}

		state = &config.State{
			InstanceID: result.InstanceID,
			AuthToken:  result.AuthToken,
			UserID:     *userID,
		}

		if err := cfg.SaveState(state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}

		slog.Info("credentials saved", "path", cfg.StatePath())
	}

	slog.Info("starting worker",
		"instance_id", state.InstanceID,
		"hub", cfg.HubURL,
	)

	return worker.Run(ctx, worker.RunConfig{
		HubURL:     cfg.HubURL,
		InstanceID: state.InstanceID,
		AuthToken:  state.AuthToken,
		UserID:     state.UserID,
		OnDeregister: func() {
			slog.Info("instance unregistered by hub, clearing state and shutting down")
			_ = cfg.ClearState()
			stop()
		},
	})
}

func defaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return hostname
}

func defaultWorkerDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "taskbridge", "worker")
	}
	return filepath.Join(home, ".config", "taskbridge", "worker")
}
