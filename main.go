package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"probefleet/internal/association"
	"probefleet/internal/config"
	"probefleet/internal/db"
	"probefleet/internal/exporter"
	"probefleet/internal/handlers"
	"probefleet/internal/identity"
	"probefleet/internal/push"
	"probefleet/internal/status"
)

// app holds the long-lived components of the service
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *db.Store
	exporter  *exporter.Exporter
	hostKeys  *exporter.HostKeyRegistry
	runs      *push.RunRegistry
	tracker   *status.Tracker
	allocator *identity.Allocator
	handshake *association.Service
	pushes    *push.Orchestrator
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	exp := exporter.New(cfg.AnsiblePath, cfg.Organization)
	hostKeys := exporter.NewHostKeyRegistry(exp.Layout, store, logger)
	runs := push.NewRunRegistry(exp.Layout)
	tracker := status.NewTracker(exp.Layout, runs, store, status.Options{
		Freshness:       cfg.StatusFreshness,
		RestampInterval: cfg.StatusRestampInterval,
		Logger:          logger,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		exporter:  exp,
		hostKeys:  hostKeys,
		runs:      runs,
		tracker:   tracker,
		allocator: identity.NewAllocator(store, nil, logger),
		handshake: association.NewService(store, hostKeys, cfg.AssociationPeriod, nil, logger),
		pushes: push.NewOrchestrator(store, exp, hostKeys, runs,
			push.TCPProber{Timeout: cfg.ReachabilityTimeout},
			push.ExecSpawner{Logger: logger},
			tracker,
			push.Options{
				Runner:      cfg.Runner,
				Playbook:    cfg.PlaybookPath(),
				MinInterval: cfg.PushMinInterval,
				Logger:      logger,
			}),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// loadApp reads the configuration, installs the default logger and opens the store
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	return newApp(cfg, logger)
}

func main() {
	root := &cobra.Command{
		Use:           "probefleet",
		Short:         "Manage a fleet of measurement probes connected through reverse SSH tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), authorizedKeysCmd(), userCmd(), exportCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	// Runs started before a restart keep their host keys trusted.
	if err := a.hostKeys.Publish(ctx); err != nil {
		a.logger.Error("publishing host key registry", "error", err)
	}

	h := handlers.New(handlers.Deps{
		Store:     a.store,
		Allocator: a.allocator,
		Handshake: a.handshake,
		Exporter:  a.exporter,
		HostKeys:  a.hostKeys,
		Pushes:    a.pushes,
		Tracker:   a.tracker,
		Logger:    a.logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server started", "addr", "http://localhost"+srv.Addr, "config_tree", a.cfg.AnsiblePath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
