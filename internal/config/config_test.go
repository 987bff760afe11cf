package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forgeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
pipeline:
  name: demo
  requirements_file: /tmp/reqs.md
  workers:
    command: builder
  collaborators:
    requirements_url: http://localhost:7001
    contracts_url: http://localhost:7002
    code_intel_url: http://localhost:7003
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Pipeline

	if p.MaxIterations != 50 {
		t.Errorf("MaxIterations = %d, want 50", p.MaxIterations)
	}
	if p.PlanningRetries != 2 {
		t.Errorf("PlanningRetries = %d, want 2", p.PlanningRetries)
	}
	if p.MaxGateAttempts != 3 {
		t.Errorf("MaxGateAttempts = %d, want 3", p.MaxGateAttempts)
	}
	if p.TransientRetries != 2 {
		t.Errorf("TransientRetries = %d, want 2", p.TransientRetries)
	}
	if p.Workers.Concurrency != 3 {
		t.Errorf("Workers.Concurrency = %d, want 3", p.Workers.Concurrency)
	}
	if p.Gate.TestPassThreshold != 0.9 {
		t.Errorf("TestPassThreshold = %v, want 0.9", p.Gate.TestPassThreshold)
	}
	if len(p.Gate.Scanners) != 6 {
		t.Errorf("Scanners = %v, want all six defaults", p.Gate.Scanners)
	}
	if p.Fix.MaxPasses != 5 {
		t.Errorf("Fix.MaxPasses = %d, want 5", p.Fix.MaxPasses)
	}
	if p.Fix.ConvergenceThreshold != 0.85 {
		t.Errorf("Fix.ConvergenceThreshold = %v, want 0.85", p.Fix.ConvergenceThreshold)
	}
	if p.Budget.CeilingUSD != 100 {
		t.Errorf("Budget.CeilingUSD = %v, want 100", p.Budget.CeilingUSD)
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"  max_gate_attempts: 7\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.MaxGateAttempts != 7 {
		t.Errorf("MaxGateAttempts = %d, want 7", cfg.Pipeline.MaxGateAttempts)
	}
}

func TestLoadBadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "pipeline: [not a map")); err == nil {
		t.Fatal("Load should fail on malformed YAML")
	}
}

func TestDurationHelpers(t *testing.T) {
	w := Workers{Timeout: "5m", GracePeriod: "3s"}
	if got := w.TimeoutDuration(); got != 5*time.Minute {
		t.Errorf("TimeoutDuration = %v, want 5m", got)
	}
	if got := w.GraceDuration(); got != 3*time.Second {
		t.Errorf("GraceDuration = %v, want 3s", got)
	}

	// Empty and invalid values fall back to defaults.
	var zero Workers
	if got := zero.TimeoutDuration(); got != 30*time.Minute {
		t.Errorf("default TimeoutDuration = %v, want 30m", got)
	}
	bad := Workers{Timeout: "not-a-duration", GracePeriod: "-2s"}
	if got := bad.TimeoutDuration(); got != 30*time.Minute {
		t.Errorf("invalid TimeoutDuration = %v, want fallback 30m", got)
	}
	if got := bad.GraceDuration(); got != 10*time.Second {
		t.Errorf("negative GraceDuration = %v, want fallback 10s", got)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	errs := Validate(cfg)
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}

	for _, want := range []string{
		"pipeline.name",
		"pipeline.requirements_file",
		"pipeline.workers.command",
		"pipeline.collaborators.requirements_url",
		"pipeline.collaborators.contracts_url",
		"pipeline.collaborators.code_intel_url",
	} {
		if !fields[want] {
			t.Errorf("Validate missing error for %s (got %v)", want, errs)
		}
	}
}

func TestValidateScannerNames(t *testing.T) {
	reqs := filepath.Join(t.TempDir(), "reqs.md")
	if err := os.WriteFile(reqs, []byte("build me a service"), 0o644); err != nil {
		t.Fatalf("write reqs: %v", err)
	}

	cfg := &Config{Pipeline: Pipeline{
		Name:             "demo",
		RequirementsFile: reqs,
		Workers:          Workers{Command: "builder"},
		Collaborators: Collaborators{
			RequirementsURL: "http://a", ContractsURL: "http://b", CodeIntelURL: "http://c",
		},
		Gate: Gate{Scanners: []string{"secrets", "nonsense"}},
	}}
	applyDefaults(cfg)

	errs := Validate(cfg)
	if len(errs) != 1 {
		t.Fatalf("Validate = %v, want exactly one error", errs)
	}
	if !strings.Contains(errs[0].Error(), "nonsense") {
		t.Errorf("error = %q, want mention of bad scanner name", errs[0].Error())
	}
}

func TestValidateThresholdRanges(t *testing.T) {
	reqs := filepath.Join(t.TempDir(), "reqs.md")
	if err := os.WriteFile(reqs, []byte("x"), 0o644); err != nil {
		t.Fatalf("write reqs: %v", err)
	}

	cfg := &Config{Pipeline: Pipeline{
		Name:             "demo",
		RequirementsFile: reqs,
		Workers:          Workers{Command: "builder"},
		Collaborators: Collaborators{
			RequirementsURL: "http://a", ContractsURL: "http://b", CodeIntelURL: "http://c",
		},
		Gate: Gate{TestPassThreshold: 1.5},
		Fix:  Fix{ConvergenceThreshold: 2},
	}}
	applyDefaults(cfg)

	errs := Validate(cfg)
	if len(errs) != 2 {
		t.Fatalf("Validate = %v, want two range errors", errs)
	}
}
