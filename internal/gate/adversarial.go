package gate

import (
	"context"
	"regexp"
	"strings"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// AdversarialLayer runs heuristic edge-case and anti-pattern checks against
// generated output. It is advisory: the engine records its findings but
// forces its verdict to PASSED, so it never blocks promotion.
type AdversarialLayer struct{}

func (l *AdversarialLayer) Name() string   { return "adversarial" }
func (l *AdversarialLayer) Blocking() bool { return false }

var (
	panicInHandler = regexp.MustCompile(`panic\(`)
	swallowedError = regexp.MustCompile(`(?m)(?:_\s*=\s*err\b|except:\s*pass|catch\s*\(\s*\w*\s*\)\s*\{\s*\})`)
	todoMarker     = regexp.MustCompile(`(?i)\b(?:TODO|FIXME|XXX)\b`)
	sleepRetry     = regexp.MustCompile(`(?:time\.Sleep|sleep\(|setTimeout)\s*\(`)
)

func (l *AdversarialLayer) Run(_ context.Context, target *Target) (pipeline.Verdict, []pipeline.Violation, error) {
	var violations []pipeline.Violation
	for _, dir := range orderedWorkerDirs(target) {
		eachSourceFile(dir, func(rel, content string) {
			if !isSourceExt(rel) || strings.Contains(rel, "test") {
				return
			}
			if loc := panicInHandler.FindStringIndex(content); loc != nil {
				line := 1 + strings.Count(content[:loc[0]], "\n")
				violations = append(violations, violationAt(l.Name(), "panic_in_service", "medium", dir, rel,
					fmtLine("panic in service code", line)))
			}
			if loc := swallowedError.FindStringIndex(content); loc != nil {
				line := 1 + strings.Count(content[:loc[0]], "\n")
				violations = append(violations, violationAt(l.Name(), "swallowed_error", "low", dir, rel,
					fmtLine("error silently discarded", line)))
			}
			if marks := todoMarker.FindAllStringIndex(content, -1); len(marks) > 5 {
				violations = append(violations, violationAt(l.Name(), "todo_density", "info", dir, rel,
					"more than five unresolved TODO markers"))
			}
			if loc := sleepRetry.FindStringIndex(content); loc != nil {
				line := 1 + strings.Count(content[:loc[0]], "\n")
				violations = append(violations, violationAt(l.Name(), "sleep_based_retry", "info", dir, rel,
					fmtLine("sleep-based timing instead of bounded retry", line)))
			}
		})
	}
	return pipeline.VerdictPassed, violations, nil
}
