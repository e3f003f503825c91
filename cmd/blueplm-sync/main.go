package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bluerobotics/blueplm-sync/internal/batch"
	"github.com/bluerobotics/blueplm-sync/internal/cad"
	"github.com/bluerobotics/blueplm-sync/internal/config"
	"github.com/bluerobotics/blueplm-sync/internal/engine"
	"github.com/bluerobotics/blueplm-sync/internal/lockcoord"
	"github.com/bluerobotics/blueplm-sync/internal/logging"
	"github.com/bluerobotics/blueplm-sync/internal/reconcile"
	"github.com/bluerobotics/blueplm-sync/internal/remote"
	"github.com/bluerobotics/blueplm-sync/internal/state"
	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

var Version = "dev"

// refreshInterval is the periodic full reconciliation; the watcher and
// the change feed keep things current in between.
const refreshInterval = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("blueplm-sync starting",
		slog.String("version", Version),
		slog.String("vault", cfg.VaultDir),
		slog.String("remote", cfg.RemoteURL),
		slog.Bool("feed", cfg.FeedEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v, err := vault.New(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}

	policy, err := vault.LoadPolicy(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("loading ignore policy: %w", err)
	}

	store, err := state.Load(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("loading sidecar state: %w", err)
	}
	defer store.Close()

	machineID, err := store.MachineID()
	if err != nil {
		return fmt.Errorf("reading machine id: %w", err)
	}

	logger.Info("identity",
		slog.String("user", cfg.UserID),
		slog.String("machine", cfg.MachineName),
		slog.String("machine_id", machineID),
	)

	catalog := vault.NewCatalog()
	recon := reconcile.New(store, catalog, logger)
	client := remote.NewClient(cfg.RemoteURL, cfg.APIToken, logger)
	cache := remote.NewRecordCache(client, recon, logger)
	locks := lockcoord.New(client, recon, cfg.UserID, machineID, logger)

	eng := engine.New(engine.Deps{
		Vault:      v,
		Policy:     policy,
		Catalog:    catalog,
		Store:      store,
		Service:    client,
		Cache:      cache,
		Reconciler: recon,
		Locks:      locks,
		Executor:   batch.NewExecutor(cfg.BatchConcurrency, logger),
		Logger:     logger,
		UserID:     cfg.UserID,
		MachineID:  machineID,
		CAD:        cad.NewClient(cfg.CADServiceURL, logger),
	})

	if err := eng.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Watch(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := eng.Refresh(gctx); err != nil {
					logger.Warn("periodic refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	if cfg.FeedEnabled {
		feed := remote.NewFeed(cfg.RemoteURL, cfg.APIToken, logger)

		g.Go(func() error {
			return feed.Run(gctx, eng.HandleRemoteChange)
		})
	}

	return g.Wait()
}
