package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/pkg/scoring"
	"github.com/scrypster/locai/pkg/types"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		limit  int
		preset string
		rrf    bool
		tags   []string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over memories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ok := scoring.Preset(preset)
			if !ok {
				return types.Errorf(types.KindValidation, "unknown scoring preset %q", preset)
			}
			req := search.Request{
				Query:   strings.Join(args, " "),
				Limit:   limit,
				Scoring: &cfg,
			}
			if rrf {
				req.Fusion = search.FusionRRF
			}
			if len(tags) > 0 {
				req.Filter = &search.Filter{Tags: tags}
			}

			ctx := cmd.Context()
			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close(ctx) }()

			results, err := m.Search(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "no matches")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(out, "%6.3f  %s  %s\n", r.Score, r.Memory.ID, snippet(r.Memory.Content, 72))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", search.DefaultLimit, "maximum results")
	cmd.Flags().StringVar(&preset, "preset", "default", "scoring preset: default, recency, semantic or importance")
	cmd.Flags().BoolVar(&rrf, "rrf", false, "use reciprocal rank fusion")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "only memories with one of these tags")
	return cmd
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
