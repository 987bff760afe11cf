package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeline/forgeline/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show pipeline runs, or one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := newStore(cfg)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")

		if len(args) == 1 {
			ps, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				data, _ := json.MarshalIndent(ps, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			printRunDetail(cmd, ps)
			return nil
		}

		statusFilter, _ := cmd.Flags().GetString("status")
		runs, err := store.List(statusFilter)
		if err != nil {
			return err
		}
		if format == "json" {
			data, _ := json.MarshalIndent(runs, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printRunList(cmd, runs)
		return nil
	},
}

func printRunList(cmd *cobra.Command, runs []pipeline.PipelineState) {
	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	fmt.Fprintf(w, "%-36s %-12s %-22s %-6s %-8s %s\n", "RUN", "STATUS", "PHASE", "SCORE", "COST", "NAME")
	for _, ps := range runs {
		fmt.Fprintf(w, "%-36s %-12s %-22s %-6.2f %-8.2f %s\n",
			ps.RunID, ps.Status, ps.CurrentPhase, ps.Score, ps.Cost.Total, ps.Name)
	}
}

func printRunDetail(cmd *cobra.Command, ps *pipeline.PipelineState) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run:     %s (%s)\n", ps.RunID, ps.Name)
	fmt.Fprintf(w, "Status:  %s\n", ps.Status)
	fmt.Fprintf(w, "Phase:   %s\n", ps.CurrentPhase)
	if len(ps.CompletedPhases) > 0 {
		fmt.Fprintf(w, "History: %s\n", strings.Join(ps.CompletedPhases, " → "))
	}
	fmt.Fprintf(w, "Score:   %.2f\n", ps.Score)
	fmt.Fprintf(w, "Cost:    %.2f total\n", ps.Cost.Total)
	if ps.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", ps.Error)
	}

	if ps.GateReport != nil {
		fmt.Fprintf(w, "\nGate (%d attempts): %s — %d violations (%d blocking)\n",
			ps.GateAttempts, ps.GateReport.Overall,
			ps.GateReport.TotalViolations, ps.GateReport.BlockingViolations)
		for _, lr := range ps.GateReport.Layers {
			fmt.Fprintf(w, "  %-22s %-8s %d violations\n", lr.Layer, lr.Verdict, len(lr.Violations))
		}
	}

	if open := ps.OpenFindings(); len(open) > 0 {
		counts := ps.CountOpenByPriority()
		fmt.Fprintf(w, "\nOpen findings: %d (P0=%d P1=%d P2=%d P3=%d)\n", len(open),
			counts[pipeline.P0], counts[pipeline.P1], counts[pipeline.P2], counts[pipeline.P3])
	}

	if len(ps.FixPasses) > 0 {
		fmt.Fprintf(w, "\nFix passes:\n")
		for _, fp := range ps.FixPasses {
			fmt.Fprintf(w, "  pass %d: %d/%d resolved, %d new, %d reappeared, score %.2f",
				fp.Pass, fp.Resolved, fp.Attempted, fp.New, fp.Reappeared, fp.Score)
			if fp.StopReason != "" {
				fmt.Fprintf(w, " (stopped: %s)", fp.StopReason)
			}
			fmt.Fprintln(w)
		}
	}
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("status", "", "Filter runs by status")
}
