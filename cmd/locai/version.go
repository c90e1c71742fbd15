package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scrypster/locai/pkg/types"
)

func newVersionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Create, list and check out versions",
	}

	var session, topic string
	create := &cobra.Command{
		Use:   "create [description]",
		Short: "Checkpoint every memory, entity and relationship",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if session != "" && topic != "" {
				return types.NewError(types.KindValidation, "--session and --topic are exclusive")
			}
			desc := strings.Join(args, " ")
			ctx := cmd.Context()
			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close(ctx) }()

			var v *types.Version
			switch {
			case session != "":
				v, err = m.CreateConversationVersion(ctx, session, desc)
			case topic != "":
				v, err = m.CreateKnowledgeVersion(ctx, topic, desc)
			default:
				v, err = m.CreateVersion(ctx, desc, nil)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created version %s (%s)\n", v.ID, v.SnapshotType())
			return nil
		},
	}
	create.Flags().StringVar(&session, "session", "", "tag the version as a conversation snapshot of this session")
	create.Flags().StringVar(&topic, "topic", "", "tag the version as a knowledge snapshot of this topic")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close(ctx) }()

			versions, err := m.ListVersions(ctx, limit, 0)
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no versions")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tCREATED\tDESCRIPTION")
			for _, v := range versions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.SnapshotType(), humanize.Time(v.CreatedAt), v.Description)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum versions to show (0 for all)")

	checkout := &cobra.Command{
		Use:   "checkout <id>",
		Short: "Replace the live records with those of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close(ctx) }()

			ok, err := m.CheckoutVersion(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return types.Errorf(types.KindNotFound, "version %s not found", args[0])
			}
			n, err := m.CountMemories(ctx, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked out %s, %d memories\n", args[0], n)
			return nil
		},
	}

	cmd.AddCommand(create, list, checkout)
	return cmd
}
