package gate

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// stubLayer returns a canned verdict.
type stubLayer struct {
	name       string
	blocking   bool
	verdict    pipeline.Verdict
	violations []pipeline.Violation
	err        error
	ran        bool
}

func (s *stubLayer) Name() string   { return s.name }
func (s *stubLayer) Blocking() bool { return s.blocking }
func (s *stubLayer) Run(context.Context, *Target) (pipeline.Verdict, []pipeline.Violation, error) {
	s.ran = true
	return s.verdict, s.violations, s.err
}

func layerVerdict(t *testing.T, report *pipeline.GateReport, name string) pipeline.Verdict {
	t.Helper()
	for _, lr := range report.Layers {
		if lr.Layer == name {
			return lr.Verdict
		}
	}
	t.Fatalf("layer %q not in report", name)
	return ""
}

func TestFailFastSkipsLaterBlockingLayers(t *testing.T) {
	l1 := &stubLayer{name: "build", blocking: true, verdict: pipeline.VerdictFailed,
		violations: []pipeline.Violation{{Category: "build_failure", Location: "a", Severity: "critical"}}}
	l2 := &stubLayer{name: "contract", blocking: true, verdict: pipeline.VerdictPassed}
	l3 := &stubLayer{name: "scan", blocking: true, verdict: pipeline.VerdictPassed}
	l4 := &stubLayer{name: "adversarial", blocking: false, verdict: pipeline.VerdictFailed,
		violations: []pipeline.Violation{{Category: "swallowed_error", Location: "a/x", Severity: "low"}}}

	engine := NewEngine(zap.NewNop(), l1, l2, l3, l4)
	report := engine.Run(context.Background(), &Target{})

	if got := layerVerdict(t, report, "contract"); got != pipeline.VerdictSkipped {
		t.Errorf("contract verdict = %s, want SKIPPED", got)
	}
	if got := layerVerdict(t, report, "scan"); got != pipeline.VerdictSkipped {
		t.Errorf("scan verdict = %s, want SKIPPED", got)
	}
	if l2.ran || l3.ran {
		t.Error("skipped blocking layers must not execute")
	}

	// The advisory layer still runs for telemetry, and its verdict is forced
	// to PASSED even though it reported FAILED.
	if !l4.ran {
		t.Error("advisory layer should still run after a blocking failure")
	}
	if got := layerVerdict(t, report, "adversarial"); got != pipeline.VerdictPassed {
		t.Errorf("adversarial verdict = %s, want forced PASSED", got)
	}

	if report.Overall != pipeline.VerdictFailed {
		t.Errorf("Overall = %s, want FAILED", report.Overall)
	}
	if report.TotalViolations != 2 {
		t.Errorf("TotalViolations = %d, want 2", report.TotalViolations)
	}
	if report.BlockingViolations != 1 {
		t.Errorf("BlockingViolations = %d, want 1", report.BlockingViolations)
	}
}

func TestAggregatePartial(t *testing.T) {
	engine := NewEngine(zap.NewNop(),
		&stubLayer{name: "build", blocking: true, verdict: pipeline.VerdictPassed},
		&stubLayer{name: "scan", blocking: true, verdict: pipeline.VerdictPartial,
			violations: []pipeline.Violation{{Category: "cors_wildcard", Location: "a/main.go", Severity: "high"}}},
	)
	report := engine.Run(context.Background(), &Target{})
	if report.Overall != pipeline.VerdictPartial {
		t.Errorf("Overall = %s, want PARTIAL", report.Overall)
	}
}

func TestAggregateAllPassed(t *testing.T) {
	engine := NewEngine(zap.NewNop(),
		&stubLayer{name: "build", blocking: true, verdict: pipeline.VerdictPassed},
		&stubLayer{name: "scan", blocking: true, verdict: pipeline.VerdictPassed},
		&stubLayer{name: "adversarial", blocking: false, verdict: pipeline.VerdictPassed},
	)
	report := engine.Run(context.Background(), &Target{})
	if report.Overall != pipeline.VerdictPassed {
		t.Errorf("Overall = %s, want PASSED", report.Overall)
	}
}

func TestLayerErrorBecomesFailure(t *testing.T) {
	engine := NewEngine(zap.NewNop(),
		&stubLayer{name: "contract", blocking: true, err: errors.New("collaborator unreachable")},
	)
	report := engine.Run(context.Background(), &Target{})

	if report.Overall != pipeline.VerdictFailed {
		t.Errorf("Overall = %s, want FAILED when a layer errors", report.Overall)
	}
	violations := report.AllViolations()
	if len(violations) != 1 || violations[0].Category != "layer_error" {
		t.Errorf("violations = %v, want one layer_error", violations)
	}
}

func TestSkippedVerdictDoesNotBlockPromotion(t *testing.T) {
	engine := NewEngine(zap.NewNop(),
		&stubLayer{name: "build", blocking: true, verdict: pipeline.VerdictPassed},
		&stubLayer{name: "contract", blocking: true, verdict: pipeline.VerdictSkipped},
	)
	report := engine.Run(context.Background(), &Target{})
	if report.Overall != pipeline.VerdictPassed {
		t.Errorf("Overall = %s, want PASSED when a layer self-skips", report.Overall)
	}
}
