package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nasfront/internal/model"
	"nasfront/internal/space"
	nasapi "nasfront/pkg/nasfront"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		spacePath string
		runID     string
		sampler   string
		budget    int
		workers   int
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Start a new search run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := a.loadDefinition(spacePath)
			if err != nil {
				return err
			}
			cfg := a.cfg
			req := nasapi.SearchRequest{
				RunID:      runID,
				Definition: def,
				Sampler:    cfg.Sampler.Name,
				Seed:       cfg.Sampler.Seed,
				Budget:     cfg.Search.Budget,
				Bounds:     cfg.Search.Bounds,
				Settings: model.RunSettings{
					PopulationSize:   cfg.Sampler.PopulationSize,
					SampleSize:       cfg.Sampler.SampleSize,
					Eps:              cfg.Sampler.Eps,
					MaxRetries:       cfg.Sampler.MaxRetries,
					Workers:          cfg.Search.Workers,
					Presample:        cfg.Search.Presample,
					PresampleFactor:  cfg.Search.PresampleFactor,
					ConstraintPolicy: cfg.Search.ConstraintPolicy,
					MaxIdleRounds:    cfg.Search.MaxIdleRounds,
				},
			}
			// Eps 0 in the config means pure exploitation, not the client default.
			if req.Settings.Eps == 0 {
				req.Settings.Eps = -1
			}
			flags := cmd.Flags()
			if flags.Changed("sampler") {
				req.Sampler = sampler
			}
			if flags.Changed("budget") {
				req.Budget = budget
			}
			if flags.Changed("workers") {
				req.Settings.Workers = workers
			}
			if flags.Changed("seed") {
				req.Seed = seed
			}

			c, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			summary, err := c.Search(cmd.Context(), req)
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}
	cmd.Flags().StringVar(&spacePath, "space", "", "search space definition (YAML)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&sampler, "sampler", "", "sampler name")
	cmd.Flags().IntVar(&budget, "budget", 0, "number of evaluated configurations")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent evaluations per round")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampler seed")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var req nasapi.ResumeRequest
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a recorded run from its history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.RunID == "" {
				return fmt.Errorf("--run-id is required")
			}
			c, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			summary, err := c.Resume(cmd.Context(), req)
			if summary.RunID != "" {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().IntVar(&req.Budget, "budget", 0, "new total budget (keeps the recorded one when 0)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var req nasapi.HistoryRequest
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the evaluated configurations of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			history, err := c.History(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range history {
				fmt.Fprintf(out, "index=%d %s params=%s\n", r.Index, formatMetrics(r.Metrics), formatParams(r.Parameters))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the most recent run")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "max results (0 for all)")
	return cmd
}

func newLineageCmd(a *app) *cobra.Command {
	var req nasapi.LineageRequest
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Print where each proposal of a run came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			lineage, err := c.Lineage(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range lineage {
				mutation := rec.Mutation
				if mutation == "" {
					mutation = "-"
				}
				fmt.Fprintf(out, "index=%d origin=%s parent=%d mutation=%s status=%s fingerprint=%s\n",
					rec.Index, rec.Origin, rec.ParentIndex, mutation, rec.Status, rec.Fingerprint)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the most recent run")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "max records (0 for all)")
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var req nasapi.RunsRequest
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			runs, err := c.Runs(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, run := range runs {
				fmt.Fprintf(out, "run_id=%s sampler=%s status=%s budget=%s seed=%d created=%q\n",
					run.ID, run.Sampler, run.Status, humanize.Comma(int64(run.Budget)), run.Seed, humanize.Time(run.CreatedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "max runs (0 for all)")
	return cmd
}

func printSummary(out io.Writer, s nasapi.SearchSummary) {
	fmt.Fprintf(out, "run_id=%s status=%s history=%d evaluated=%d proposed=%d filtered=%d failed=%d exhausted=%t\n",
		s.RunID, s.Status, s.History, s.Evaluated, s.Proposed, s.Filtered, s.Failed, s.Exhausted)
	if s.Best != nil {
		fmt.Fprintf(out, "best index=%d %s params=%s\n", s.Best.Index, formatMetrics(s.Best.Metrics), formatParams(s.Best.Parameters))
	}
}

func formatMetrics(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + humanize.CommafWithDigits(m[k], 4)
	}
	return strings.Join(parts, " ")
}

// formatParams renders a parameter map as sorted node_argument=value pairs.
func formatParams(params map[string]any) string {
	cfg, err := space.ConfigFromValues(params)
	if err != nil {
		return fmt.Sprint(params)
	}
	flat := space.FlattenConfig(cfg)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, flat[k])
	}
	return strings.Join(parts, ",")
}
