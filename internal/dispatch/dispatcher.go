// Package dispatch runs the builder fleet: one subprocess per service spec,
// each in an isolated working directory with a filtered environment, under a
// bounded concurrency pool. Individual worker failures degrade to
// BuilderResult.Success=false; only dispatcher-level faults return errors.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgeline/forgeline/internal/config"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// WorkerConfigName is the per-worker configuration file written before launch.
const WorkerConfigName = "worker.json"

// Dispatcher launches and supervises build workers.
type Dispatcher struct {
	cmd         Commander
	log         *zap.Logger
	command     string
	args        []string
	concurrency int
	cfg         config.Workers
	baseEnv     []string
}

// New creates a Dispatcher executing real subprocesses.
func New(cfg config.Workers, log *zap.Logger) *Dispatcher {
	return NewWithCommander(cfg, log, &ExecCommander{})
}

// NewWithCommander creates a Dispatcher with an injected Commander.
func NewWithCommander(cfg config.Workers, log *zap.Logger, cmd Commander) *Dispatcher {
	return &Dispatcher{
		cmd:         cmd,
		log:         log,
		command:     cfg.Command,
		args:        cfg.Args,
		concurrency: cfg.Concurrency,
		cfg:         cfg,
		baseEnv:     FilterEnv(os.Environ(), cfg.EnvAllow, cfg.EnvBlock),
	}
}

// workerConfig is the document written into each worker directory before
// its subprocess starts.
type workerConfig struct {
	Spec       pipeline.ServiceSpec `json:"spec"`
	Generation int                  `json:"generation"`
	Depth      string               `json:"depth"`
}

// Dispatch runs one worker per spec under the concurrency cap and returns a
// BuilderResult per spec, in spec order. The batch is only returned once
// every worker has completed or been force-terminated. Only dispatcher-level
// faults (working directory creation, spawn failure) produce an error.
func (d *Dispatcher) Dispatch(ctx context.Context, runDir string, specs []pipeline.ServiceSpec, generation int) ([]pipeline.BuilderResult, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	// Prepare all working directories up front so directory faults surface
	// before any subprocess starts.
	dirs := make([]string, len(specs))
	for i, spec := range specs {
		dir := filepath.Join(runDir, "workers", spec.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create worker dir %s: %w", dir, err)
		}
		wc := workerConfig{Spec: spec, Generation: generation, Depth: "full"}
		if err := pipeline.WriteJSON(filepath.Join(dir, WorkerConfigName), wc); err != nil {
			return nil, fmt.Errorf("write worker config %s: %w", spec.Name, err)
		}
		dirs[i] = dir
	}

	results := make([]pipeline.BuilderResult, len(specs))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range specs {
		i := i
		g.Go(func() error {
			res, err := d.runWorker(ctx, dirs[i], specs[i].Name, generation, nil, d.cfg.TimeoutDuration())
			if err != nil {
				return err
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dispatch batch: %w", err)
	}

	return results, nil
}

// runWorker executes one subprocess and converts its outcome into a
// BuilderResult. extraArgs lets fix-pass re-dispatches request quick depth.
func (d *Dispatcher) runWorker(ctx context.Context, dir, name string, generation int, extraArgs []string, timeout time.Duration) (*pipeline.BuilderResult, error) {
	args := append(append([]string{}, d.args...), "--config", WorkerConfigName)
	args = append(args, extraArgs...)

	exec, err := d.cmd.Run(ctx, RunSpec{
		Dir:     dir,
		Command: d.command,
		Args:    args,
		Env:     d.baseEnv,
		Timeout: timeout,
		Grace:   d.cfg.GraceDuration(),
	})
	if err != nil {
		return nil, err
	}

	st, artErr := ReadStatusArtifact(dir)
	if artErr != nil {
		d.log.Warn("worker status artifact unusable, substituting defaults",
			zap.String("worker", name),
			zap.Error(artErr))
	}

	missing := VerifyOutputs(dir)
	success := st.Success && exec.ExitCode == 0 && !exec.TimedOut
	if success && len(missing) > 0 {
		d.log.Warn("worker claimed success without required outputs, downgrading",
			zap.String("worker", name),
			zap.Strings("missing", missing))
		success = false
	}

	if exec.TimedOut {
		d.log.Warn("worker exceeded its timeout",
			zap.String("worker", name),
			zap.String("last_phase", exec.LastPhase),
			zap.Duration("duration", exec.Duration))
	}

	return &pipeline.BuilderResult{
		Worker:           name,
		Generation:       generation,
		Success:          success,
		TestsPassed:      st.TestsPassed,
		TestsTotal:       st.TestsTotal,
		ConvergenceRatio: st.ConvergenceRatio,
		Cost:             st.Cost,
		ExitCode:         exec.ExitCode,
		Stdout:           truncate(exec.Stdout, 16<<10),
		Stderr:           truncate(exec.Stderr, 16<<10),
		Duration:         exec.Duration.String(),
		CompletedPhases:  st.CompletedPhases,
		MissingOutputs:   missing,
		TimedOut:         exec.TimedOut,
	}, nil
}

// IsCorruptArtifact reports whether err came from an unusable status file.
func IsCorruptArtifact(err error) bool {
	return errors.Is(err, ErrCorruptArtifact)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}
