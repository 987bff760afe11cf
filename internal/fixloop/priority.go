package fixloop

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// Deterministic classification rules, checked in order. First match wins;
// anything ambiguous lands at P2.
var priorityRules = []struct {
	priority pipeline.Priority
	match    func(category, severity string) bool
}{
	{pipeline.P0, func(c, s string) bool {
		return s == "critical" || s == "fatal" ||
			strings.Contains(c, "build_failure") ||
			strings.Contains(c, "secret_leakage")
	}},
	{pipeline.P1, func(c, s string) bool {
		return s == "high" ||
			strings.Contains(c, "test_failure") ||
			strings.Contains(c, "contract") ||
			strings.Contains(c, "breaking_change") ||
			strings.Contains(c, "missing_artifact")
	}},
	{pipeline.P3, func(c, s string) bool {
		return s == "info" || s == "style" ||
			strings.Contains(c, "todo_density") ||
			strings.Contains(c, "unstructured_logging")
	}},
}

// ClassifyPriority maps a finding onto a remediation priority using the
// deterministic rule table. Unmatched findings default to P2.
func ClassifyPriority(f pipeline.Finding) pipeline.Priority {
	category := strings.ToLower(f.Category)
	severity := strings.ToLower(f.Severity)
	for _, rule := range priorityRules {
		if rule.match(category, severity) {
			return rule.priority
		}
	}
	return pipeline.P2
}

// FindingFromViolation mints a Finding for a gate violation. The worker the
// violation points at becomes the finding's component.
func FindingFromViolation(v pipeline.Violation) pipeline.Finding {
	component := v.Location
	if i := strings.IndexByte(component, '/'); i > 0 {
		component = component[:i]
	}
	f := pipeline.Finding{
		ID:        uuid.NewString(),
		System:    v.Source,
		Component: component,
		Category:  v.Category,
		Severity:  v.Severity,
		Location:  v.Location,
		Evidence:  v.Message,
		Status:    pipeline.FindingOpen,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	f.Priority = ClassifyPriority(f)
	return f
}
