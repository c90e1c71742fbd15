package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/locai/internal/logging"
	"github.com/scrypster/locai/pkg/hooks"
)

// newEventsCmd tails the event files written by a manager running with
// hooks.event_files enabled, printing one JSON line per event.
func newEventsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print memory events written to the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			w := hooks.NewEventWatcher(cfg.Storage.DataDir, func(e hooks.Event) {
				e.Memory, e.Previous = nil, nil
				_ = enc.Encode(e)
			}, logging.Default())
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()
			<-ctx.Done()
			return nil
		},
	}
}
