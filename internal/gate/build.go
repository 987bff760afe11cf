package gate

import (
	"context"
	"fmt"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// BuildLayer evaluates each worker's build outcome: success flag, test pass
// rate, self-reported convergence, and required-artifact presence.
type BuildLayer struct {
	TestPassThreshold float64
	ConvergenceFloor  float64
}

func (l *BuildLayer) Name() string   { return "build_evaluation" }
func (l *BuildLayer) Blocking() bool { return true }

func (l *BuildLayer) Run(_ context.Context, target *Target) (pipeline.Verdict, []pipeline.Violation, error) {
	if len(target.Results) == 0 {
		return pipeline.VerdictFailed, []pipeline.Violation{{
			Category: "build_failure",
			Location: "fleet",
			Severity: "critical",
			Message:  "no builder results to evaluate",
			Source:   l.Name(),
		}}, nil
	}

	var violations []pipeline.Violation
	passed := 0

	for _, r := range target.Results {
		ok := true

		if !r.Success {
			ok = false
			violations = append(violations, pipeline.Violation{
				Category: "build_failure",
				Location: r.Worker,
				Severity: "critical",
				Message:  fmt.Sprintf("worker exited %d (timed out: %v)", r.ExitCode, r.TimedOut),
				Source:   l.Name(),
			})
		}

		if r.TestsTotal > 0 {
			rate := float64(r.TestsPassed) / float64(r.TestsTotal)
			if rate < l.TestPassThreshold {
				ok = false
				violations = append(violations, pipeline.Violation{
					Category: "test_failure",
					Location: r.Worker,
					Severity: "high",
					Message:  fmt.Sprintf("test pass rate %.2f below threshold %.2f (%d/%d)", rate, l.TestPassThreshold, r.TestsPassed, r.TestsTotal),
					Source:   l.Name(),
				})
			}
		}

		if r.ConvergenceRatio < l.ConvergenceFloor {
			ok = false
			violations = append(violations, pipeline.Violation{
				Category: "low_convergence",
				Location: r.Worker,
				Severity: "medium",
				Message:  fmt.Sprintf("self-reported convergence %.2f below floor %.2f", r.ConvergenceRatio, l.ConvergenceFloor),
				Source:   l.Name(),
			})
		}

		for _, m := range r.MissingOutputs {
			ok = false
			violations = append(violations, pipeline.Violation{
				Category: "missing_artifact",
				Location: r.Worker + "/" + m,
				Severity: "high",
				Message:  fmt.Sprintf("required output %q not produced", m),
				Source:   l.Name(),
			})
		}

		if ok {
			passed++
		}
	}

	switch {
	case passed == len(target.Results):
		return pipeline.VerdictPassed, violations, nil
	case passed > 0:
		return pipeline.VerdictPartial, violations, nil
	default:
		return pipeline.VerdictFailed, violations, nil
	}
}
