package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/annometa/internal/cascade"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Apply every pending outbox operation to the search index",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(rootOpts, cmd)
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := a.sync.Drain(cmd.Context())
			if err != nil {
				return out.Fail("sync", err)
			}
			return out.Success(map[string]int{"applied": applied}, fmt.Sprintf("✓ applied %d operation(s)", applied))
		},
	}
}

// ReapResult reports one purge sweep.
type ReapResult struct {
	Purged   int `json:"purged"`
	Deferred int `json:"deferred"`
	Orphans  int `json:"orphans"`
}

// NewReapCommand creates the reap command.
func NewReapCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one purge sweep",
		Long: `Purge tombstoned entities, deleting objects no other entity references,
then sweep orphaned resource rows. Entities whose objects could not be
deleted are deferred to the next sweep.`,
		Args: usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(rootOpts, cmd)
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.reaper.Sweep(cmd.Context())
			if err != nil {
				return out.Fail("reap", err)
			}
			return out.Success(reapResult(res), fmt.Sprintf("✓ purged %d, deferred %d, orphans %d",
				res.Purged, res.Deferred, res.Orphans))
		},
	}
}

func reapResult(res cascade.SweepResult) ReapResult {
	return ReapResult{Purged: res.Purged, Deferred: res.Deferred, Orphans: res.Orphans}
}

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Project int64
	Params  string
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count and size media per section",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(opts, cmd)
		},
	}
	cmd.Flags().Int64Var(&opts.Project, "project", 0, "project id (required)")
	cmd.Flags().StringVar(&opts.Params, "params", "", "URL-encoded filter parameters")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runStats(opts *StatsOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)
	params, err := parseParams(opts.Params)
	if err != nil {
		return out.Fail("stats", err)
	}
	a, err := openApp(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.service.SectionStats(cmd.Context(), opts.Project, params)
	if err != nil {
		return out.Fail("stats", err)
	}
	sections := make([]int64, 0, len(stats))
	for id := range stats {
		sections = append(sections, id)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i] < sections[j] })

	var b strings.Builder
	for _, id := range sections {
		row, err := json.Marshal(stats[id])
		if err != nil {
			return out.Fail("stats", err)
		}
		fmt.Fprintf(&b, "section %d: %s\n", id, row)
	}
	fmt.Fprintf(&b, "(%d section(s))", len(sections))
	return out.Success(stats, b.String())
}
