package config

import (
	"fmt"
	"os"
)

// ValidationError represents a single validation issue with a config.
// Configuration errors are the only fault class allowed to escape the
// orchestrator boundary, so they are raised before any run state exists.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// knownScanners is the set of valid system-scan layer scanner names.
var knownScanners = map[string]bool{
	"secrets": true,
	"cors":    true,
	"logging": true,
	"tracing": true,
	"health":  true,
	"deploy":  true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if p.RequirementsFile == "" {
		errs = append(errs, ValidationError{Field: "pipeline.requirements_file", Message: "is required"})
	} else if _, err := os.Stat(p.RequirementsFile); err != nil {
		errs = append(errs, ValidationError{
			Field:   "pipeline.requirements_file",
			Message: fmt.Sprintf("not readable: %v", err),
		})
	}
	if p.Workers.Command == "" {
		errs = append(errs, ValidationError{Field: "pipeline.workers.command", Message: "is required"})
	}
	if p.Collaborators.RequirementsURL == "" {
		errs = append(errs, ValidationError{Field: "pipeline.collaborators.requirements_url", Message: "is required"})
	}
	if p.Collaborators.ContractsURL == "" {
		errs = append(errs, ValidationError{Field: "pipeline.collaborators.contracts_url", Message: "is required"})
	}
	if p.Collaborators.CodeIntelURL == "" {
		errs = append(errs, ValidationError{Field: "pipeline.collaborators.code_intel_url", Message: "is required"})
	}

	for i, name := range p.Gate.Scanners {
		if !knownScanners[name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.gate.scanners[%d]", i),
				Message: fmt.Sprintf("unrecognized scanner %q", name),
			})
		}
	}

	if p.Gate.TestPassThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.gate.test_pass_threshold",
			Message: "must be in (0, 1]",
		})
	}
	if p.Fix.ConvergenceThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.fix.convergence_threshold",
			Message: "must be in (0, 1]",
		})
	}

	return errs
}
