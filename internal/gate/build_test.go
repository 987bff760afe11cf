package gate

import (
	"context"
	"testing"

	"github.com/forgeline/forgeline/internal/pipeline"
)

func buildLayer() *BuildLayer {
	return &BuildLayer{TestPassThreshold: 0.9, ConvergenceFloor: 0.5}
}

func TestBuildLayerNoResults(t *testing.T) {
	verdict, violations, err := buildLayer().Run(context.Background(), &Target{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != pipeline.VerdictFailed {
		t.Errorf("verdict = %s, want FAILED with no results", verdict)
	}
	if len(violations) != 1 || violations[0].Category != "build_failure" {
		t.Errorf("violations = %v, want one build_failure", violations)
	}
}

func TestBuildLayerAllPassed(t *testing.T) {
	target := &Target{Results: []pipeline.BuilderResult{
		{Worker: "a", Success: true, TestsPassed: 10, TestsTotal: 10, ConvergenceRatio: 0.95},
		{Worker: "b", Success: true, TestsPassed: 18, TestsTotal: 20, ConvergenceRatio: 0.8},
	}}
	verdict, violations, err := buildLayer().Run(context.Background(), target)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != pipeline.VerdictPassed {
		t.Errorf("verdict = %s, want PASSED", verdict)
	}
	if len(violations) != 0 {
		t.Errorf("violations = %v, want none", violations)
	}
}

func TestBuildLayerPartialAndCategories(t *testing.T) {
	target := &Target{Results: []pipeline.BuilderResult{
		{Worker: "good", Success: true, TestsPassed: 10, TestsTotal: 10, ConvergenceRatio: 0.9},
		{Worker: "flaky", Success: true, TestsPassed: 5, TestsTotal: 10, ConvergenceRatio: 0.3,
			MissingOutputs: []string{"deploy.yaml"}},
		{Worker: "broken", Success: false, ExitCode: 2, ConvergenceRatio: 0.9},
	}}
	verdict, violations, err := buildLayer().Run(context.Background(), target)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != pipeline.VerdictPartial {
		t.Errorf("verdict = %s, want PARTIAL (one of three passed)", verdict)
	}

	byCategory := map[string]int{}
	for _, v := range violations {
		byCategory[v.Category]++
	}
	if byCategory["build_failure"] != 1 {
		t.Errorf("build_failure count = %d, want 1", byCategory["build_failure"])
	}
	if byCategory["test_failure"] != 1 {
		t.Errorf("test_failure count = %d, want 1", byCategory["test_failure"])
	}
	if byCategory["low_convergence"] != 1 {
		t.Errorf("low_convergence count = %d, want 1", byCategory["low_convergence"])
	}
	if byCategory["missing_artifact"] != 1 {
		t.Errorf("missing_artifact count = %d, want 1", byCategory["missing_artifact"])
	}
}

func TestBuildLayerAllFailed(t *testing.T) {
	target := &Target{Results: []pipeline.BuilderResult{
		{Worker: "a", Success: false, ExitCode: 1},
		{Worker: "b", Success: false, TimedOut: true, ExitCode: -1},
	}}
	verdict, _, err := buildLayer().Run(context.Background(), target)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != pipeline.VerdictFailed {
		t.Errorf("verdict = %s, want FAILED", verdict)
	}
}
