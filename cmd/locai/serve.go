package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/locai/internal/backup"
	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/internal/storage/remote"
	"github.com/scrypster/locai/internal/storage/sqlite"
	"github.com/scrypster/locai/pkg/types"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr           string
		origins        []string
		backupInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local store to remote clients over websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == config.BackendRemote {
				return types.NewError(types.KindConfiguration, "serve needs a local backend, not remote")
			}
			if addr == "" {
				addr = cfg.Remote.ListenAddr()
			}

			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			logger := m.Logger()
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := m.Close(closeCtx); err != nil {
					logger.Error("close manager", "err", err)
				}
			}()

			if backupInterval > 0 && cfg.Storage.Backend == config.BackendSQLite {
				svc, err := backup.NewService(backup.Config{
					DBPath:    filepath.Join(cfg.Storage.DataDir, sqlite.DatabaseFile),
					Dir:       cfg.Backup.Dir,
					Interval:  backupInterval,
					Retention: cfg.Backup.Retention,
					Verify:    cfg.Backup.Verify,
				}, backup.WithLogger(logger))
				if err != nil {
					return err
				}
				go func() {
					if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("backup service stopped", "err", err)
					}
				}()
				defer func() { _ = svc.Stop() }()
			}

			srv := &http.Server{
				Addr: addr,
				Handler: remote.NewServer(m.Storage(), remote.ServerOptions{
					RatePerSec:     cfg.Remote.RateLimitPerSec,
					Burst:          cfg.Remote.RateBurst,
					OriginPatterns: origins,
					Logger:         logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("serving", "addr", addr, "backend", cfg.Storage.Backend)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return types.Wrap(types.KindConnection, err, "listen on %s", addr)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from remote.host and remote.port)")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed browser origin patterns")
	cmd.Flags().DurationVar(&backupInterval, "backup-interval", 0, "take scheduled sqlite backups at this interval")
	return cmd
}
