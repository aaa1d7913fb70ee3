package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/prism/internal/api"
	"github.com/nugget/prism/internal/buildinfo"
	"github.com/nugget/prism/internal/connwatch"
	"github.com/nugget/prism/internal/notify"
)

// shutdownTimeout bounds draining in-flight requests on exit.
const shutdownTimeout = 10 * time.Second

func serveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), g.configPath)
		},
	}
}

// runServe is the primary operating mode. It wires the engine, starts
// the API server and the optional MQTT publisher, and blocks until
// SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The MQTT publisher marks the instance offline
//  4. Provider watchers stop and the database is closed
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadLogged(configPath, stdout)
	if err != nil {
		return err
	}

	hub := notify.NewHub(logger)
	notifiers := notify.Multi{hub}

	// The publisher drops events until Start has connected.
	var publisher *notify.MQTTPublisher
	if cfg.MQTT.Configured() {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		instanceID, err := notify.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = notify.NewMQTTPublisher(cfg.MQTT, instanceID, logger)
		notifiers = append(notifiers, publisher)
	}

	a, err := openApp(cfg, logger, notifiers)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("starting", "build", buildinfo.String())
	logger.Info("engine configured",
		"model_tier", a.cfg.Engine.ModelTier,
		"max_steps", a.cfg.Engine.MaxSteps,
		"max_concurrent", a.cfg.Engine.MaxConcurrent,
		"capabilities", len(a.registry.Names()),
		"tiers", a.router.Tiers(),
		"database", a.cfg.Database.Path,
	)

	watch := connwatch.NewManager(connwatch.DefaultSchedule(), logger)
	defer watch.Stop()
	for _, name := range a.router.Providers() {
		watch.Watch(ctx, "llm/"+name, func(ctx context.Context) error {
			return a.router.PingProvider(ctx, name)
		}, nil)
	}

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, api.Deps{
		Cycles:    a.engine,
		Snapshots: a.snapshots,
		Ledger:    a.ledger,
		Books:     a.books,
		Stream:    hub,
		Notifier:  notifiers,
		Services:  watch,
		Usage:     a.usage,
	}, logger)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return server.Start(gctx)
	})
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "stream_clients", hub.Clients())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if publisher != nil {
		grp.Go(func() error {
			if err := publisher.Start(gctx); err != nil {
				return fmt.Errorf("mqtt: %w", err)
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return publisher.Stop(stopCtx)
		})
	}

	if err := grp.Wait(); err != nil {
		return err
	}
	logger.Info("prism stopped")
	return nil
}
