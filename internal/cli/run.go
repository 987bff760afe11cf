package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgeline/forgeline/internal/phase"
	"github.com/forgeline/forgeline/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run [run-id]",
	Short: "Drive a pipeline run to completion",
	Long: `Drives a run through every phase until it completes or fails. With no
argument a new run is created first. SIGINT or SIGTERM stops the run
gracefully between phases; in-flight workers receive a terminate signal and
the snapshot stays resumable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		var ps *pipeline.PipelineState
		if len(args) == 1 {
			ps, err = a.store.Get(args[0])
		} else {
			ps, err = a.store.Create(a.cfg.Pipeline.Name, phase.PhaseInit)
		}
		if err != nil {
			return err
		}

		installStopHandler(a, cancel)

		fmt.Fprintf(cmd.OutOrStdout(), "run %s started\n", ps.RunID)
		if err := drive(ctx, a, ps, false); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s finished: %s (score %.2f)\n", ps.RunID, ps.Status, ps.Score)
		return nil
	},
}

// installStopHandler wires SIGINT/SIGTERM to a graceful stop: flag the
// runner (checked between phases) and cancel the context (terminates
// in-flight workers).
func installStopHandler(a *app, cancel context.CancelFunc) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		a.runner.RequestStop()
		cancel()
	}()
}

// drive runs or resumes a pipeline and normalizes the stop outcome.
func drive(ctx context.Context, a *app, ps *pipeline.PipelineState, resume bool) error {
	var err error
	if resume {
		err = a.runner.Resume(ctx, ps)
	} else {
		err = a.runner.Run(ctx, ps)
	}
	if errors.Is(err, phase.ErrStopped) {
		return fmt.Errorf("run %s stopped in phase %s; resume with: forgeline resume %s",
			ps.RunID, ps.CurrentPhase, ps.RunID)
	}
	return err
}
