package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dosewatch/internal/clock"
	"dosewatch/internal/config"
	"dosewatch/internal/connectivity"
	"dosewatch/internal/cooldown"
	"dosewatch/internal/daemon"
	"dosewatch/internal/db"
	"dosewatch/internal/notify"
	"dosewatch/internal/queue"
	"dosewatch/internal/remote"
	"dosewatch/internal/session"
	"dosewatch/internal/undo"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for dosewatchd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.RemoteBaseURL, "remote-url", cfg.RemoteBaseURL, "remote medication service base URL")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	clk := clock.System{}
	api := remote.NewClient(cfg.RemoteBaseURL, cfg.DeviceToken, cfg.RequestTimeout)
	// Start offline: the probe flips the monitor once the remote answers.
	conn := connectivity.NewMonitor(false)
	q := queue.New(store, api, conn, cfg, clk)

	coord, err := session.NewCoordinator(ctx, cfg, store, q,
		cooldown.NewGuard(cfg.Cooldowns),
		undo.NewController(cfg.UndoWindow, clk),
		notify.NewMemoryScheduler(), clk)
	if err != nil {
		fatal(err)
	}

	go q.Run(ctx)
	go coord.RunRollover(ctx)
	go conn.RunProbe(ctx, cfg.ProbeInterval, api.Ping)
	go drainWarnings(ctx, q)

	srv := daemon.NewServer(cfg, coord, q, conn)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func drainWarnings(ctx context.Context, q *queue.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.Warnings():
			_, _ = fmt.Fprintf(os.Stderr, "dosewatchd: %s\n", msg)
		}
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "dosewatchd: %v\n", err)
	os.Exit(1)
}
