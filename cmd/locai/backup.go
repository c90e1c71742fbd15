package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scrypster/locai/internal/backup"
	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/internal/storage/sqlite"
	"github.com/scrypster/locai/pkg/types"
)

func newBackupCmd(a *app) *cobra.Command {
	var dest string

	service := func() (*backup.Service, error) {
		cfg, err := a.config()
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Backend != config.BackendSQLite {
			return nil, types.Errorf(types.KindFeatureNotEnabled, "backups need the sqlite backend, not %s", cfg.Storage.Backend)
		}
		dir := cfg.Backup.Dir
		if dest != "" {
			dir = dest
		}
		return backup.NewService(backup.Config{
			DBPath:    filepath.Join(cfg.Storage.DataDir, sqlite.DatabaseFile),
			Dir:       dir,
			Interval:  time.Hour,
			Retention: cfg.Backup.Retention,
			Verify:    cfg.Backup.Verify,
		})
	}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the sqlite database and prune old backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			res, err := svc.BackupNow(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backup written to %s (%s, %s)\n", res.Path, humanize.Bytes(uint64(res.Size)), res.Duration.Round(time.Millisecond))
			if res.Verified {
				fmt.Fprintln(out, "integrity check passed")
			}
			if len(res.Pruned) > 0 {
				fmt.Fprintf(out, "pruned %d old backups\n", len(res.Pruned))
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dest, "dest", "", "backup directory (overrides backup.dir)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			backups, err := svc.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tSIZE\tTAKEN")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", filepath.Base(b.Path), humanize.Bytes(uint64(b.Size)), humanize.Time(b.Timestamp))
			}
			return tw.Flush()
		},
	}

	restore := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Replace the database with a verified backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			if err := svc.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored from %s\n", args[0])
			return nil
		},
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Report backup freshness and disk use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			h, err := svc.HealthCheck()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:  %s\n", h.Status)
			if h.Message != "" {
				fmt.Fprintf(out, "message: %s\n", h.Message)
			}
			fmt.Fprintf(out, "backups: %d (%s)\n", h.TotalBackups, humanize.Bytes(uint64(h.DiskSpaceUsed)))
			if !h.LastBackup.IsZero() {
				fmt.Fprintf(out, "last:    %s\n", humanize.Time(h.LastBackup))
			}
			if h.Status != "healthy" {
				return types.NewError(types.KindOperation, h.Message)
			}
			return nil
		},
	}

	cmd.AddCommand(list, restore, health)
	return cmd
}
