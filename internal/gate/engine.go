// Package gate runs the layered quality verification engine. Layers execute
// in a fixed order; once a blocking layer fails, remaining blocking layers
// are skipped and the advisory layer still runs for telemetry.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// Target is the integrated output under verification.
type Target struct {
	RunDir     string
	Results    []pipeline.BuilderResult
	Plan       *pipeline.Plan
	WorkerDirs map[string]string
}

// Layer is one verification layer. Run must not panic; defects are
// expressed as violations, and an error means the layer itself could not
// execute (which the engine records as a failure, not a crash).
type Layer interface {
	Name() string
	Blocking() bool
	Run(ctx context.Context, target *Target) (pipeline.Verdict, []pipeline.Violation, error)
}

// Engine executes layers in order and aggregates a single verdict.
type Engine struct {
	layers []Layer
	log    *zap.Logger
}

// NewEngine creates an engine over the given ordered layers.
func NewEngine(log *zap.Logger, layers ...Layer) *Engine {
	return &Engine{layers: layers, log: log}
}

// Run evaluates every layer under the fail-fast policy and aggregates the
// overall verdict plus violation counts.
func (e *Engine) Run(ctx context.Context, target *Target) *pipeline.GateReport {
	report := &pipeline.GateReport{}
	blockingFailed := false

	for _, layer := range e.layers {
		lr := pipeline.LayerReport{Layer: layer.Name(), Blocking: layer.Blocking()}

		if blockingFailed && layer.Blocking() {
			lr.Verdict = pipeline.VerdictSkipped
			report.Layers = append(report.Layers, lr)
			continue
		}

		start := time.Now()
		verdict, violations, err := layer.Run(ctx, target)
		lr.DurationMs = time.Since(start).Milliseconds()
		lr.Violations = violations

		if err != nil {
			e.log.Error("gate layer could not execute",
				zap.String("layer", layer.Name()),
				zap.Error(err))
			verdict = pipeline.VerdictFailed
			lr.Violations = append(lr.Violations, pipeline.Violation{
				Category: "layer_error",
				Location: layer.Name(),
				Severity: "high",
				Message:  err.Error(),
				Source:   layer.Name(),
			})
		}

		// The adversarial layer is advisory: findings are recorded but the
		// verdict never blocks promotion.
		if !layer.Blocking() {
			verdict = pipeline.VerdictPassed
		}

		lr.Verdict = verdict
		report.Layers = append(report.Layers, lr)

		if layer.Blocking() && verdict == pipeline.VerdictFailed {
			blockingFailed = true
		}

		e.log.Info("gate layer evaluated",
			zap.String("layer", layer.Name()),
			zap.String("verdict", string(verdict)),
			zap.Int("violations", len(lr.Violations)))
	}

	report.Overall = aggregate(report.Layers)
	for _, lr := range report.Layers {
		report.TotalViolations += len(lr.Violations)
		if lr.Blocking {
			report.BlockingViolations += len(lr.Violations)
		}
	}
	return report
}

// aggregate computes the overall verdict: FAILED if any blocking layer
// failed, PARTIAL if any blocking layer was partial and none failed,
// PASSED otherwise.
func aggregate(layers []pipeline.LayerReport) pipeline.Verdict {
	partial := false
	for _, lr := range layers {
		if !lr.Blocking {
			continue
		}
		switch lr.Verdict {
		case pipeline.VerdictFailed:
			return pipeline.VerdictFailed
		case pipeline.VerdictPartial:
			partial = true
		}
	}
	if partial {
		return pipeline.VerdictPartial
	}
	return pipeline.VerdictPassed
}
