package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted pipeline run from its last snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ps, err := a.store.Get(args[0])
		if err != nil {
			return err
		}

		installStopHandler(a, cancel)

		fmt.Fprintf(cmd.OutOrStdout(), "resuming run %s from phase %s\n", ps.RunID, ps.CurrentPhase)
		if err := drive(ctx, a, ps, true); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s finished: %s (score %.2f)\n", ps.RunID, ps.Status, ps.Score)
		return nil
	},
}
