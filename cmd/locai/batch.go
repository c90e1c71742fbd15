package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/locai/pkg/types"
)

func newBatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Apply batch operation files",
	}

	var transactional bool
	apply := &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a JSON or YAML batch file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close(ctx) }()

			resp, err := m.ExecuteBatchFile(ctx, args[0], transactional)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range resp.Results {
				if r.Succeeded() {
					fmt.Fprintf(out, "  [%d] ok      %s\n", r.OperationIndex, r.ResourceID)
					continue
				}
				fmt.Fprintf(out, "  [%d] %-7s %s\n", r.OperationIndex, r.ErrorCode, r.Error)
			}
			mode := "sequential"
			if resp.Transaction {
				mode = "transaction " + resp.TransactionID
			}
			fmt.Fprintf(out, "%d completed, %d failed (%s, %s)\n", resp.Completed, resp.Failed, mode, resp.Elapsed.Round(time.Microsecond))
			if resp.Failed > 0 {
				return types.Errorf(types.KindOperation, "%d of %d operations failed", resp.Failed, len(resp.Results))
			}
			return nil
		},
	}
	apply.Flags().BoolVarP(&transactional, "transactional", "t", false, "apply all operations or none")

	cmd.AddCommand(apply)
	return cmd
}
