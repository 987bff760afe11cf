package gate

import (
	"regexp"
	"strings"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// secretScanner flags credential material left in generated output.
type secretScanner struct{}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)(?:password|passwd|api[_-]?key|secret)\s*[:=]\s*["'][^"']{8,}["']`),
}

func (s *secretScanner) Name() string { return "secrets" }

func (s *secretScanner) Scan(dir string) []pipeline.Violation {
	var out []pipeline.Violation
	eachSourceFile(dir, func(rel, content string) {
		for _, re := range secretPatterns {
			if loc := re.FindStringIndex(content); loc != nil {
				line := 1 + strings.Count(content[:loc[0]], "\n")
				out = append(out, violationAt(s.Name(), "secret_leakage", "critical", dir, rel,
					fmtLine("credential-like material in generated output", line)))
			}
		}
	})
	return out
}

// corsScanner flags wildcard cross-origin policies.
type corsScanner struct{}

var corsWildcard = regexp.MustCompile(`(?i)(?:access-control-allow-origin["'\s:=]+\*|allow[_-]?origins?\s*[:=]\s*\[?\s*["']\*["'])`)

func (s *corsScanner) Name() string { return "cors" }

func (s *corsScanner) Scan(dir string) []pipeline.Violation {
	var out []pipeline.Violation
	eachSourceFile(dir, func(rel, content string) {
		if loc := corsWildcard.FindStringIndex(content); loc != nil {
			line := 1 + strings.Count(content[:loc[0]], "\n")
			out = append(out, violationAt(s.Name(), "cors_wildcard", "high", dir, rel,
				fmtLine("wildcard CORS origin", line)))
		}
	})
	return out
}

// loggingScanner flags services writing to stdout instead of a structured
// logger.
type loggingScanner struct{}

var printfLogging = regexp.MustCompile(`(?:fmt\.Print|console\.log|System\.out\.print|print\()`)

func (s *loggingScanner) Name() string { return "logging" }

func (s *loggingScanner) Scan(dir string) []pipeline.Violation {
	var out []pipeline.Violation
	eachSourceFile(dir, func(rel, content string) {
		if !isSourceExt(rel) || strings.Contains(rel, "test") {
			return
		}
		if loc := printfLogging.FindStringIndex(content); loc != nil {
			line := 1 + strings.Count(content[:loc[0]], "\n")
			out = append(out, violationAt(s.Name(), "unstructured_logging", "low", dir, rel,
				fmtLine("print-style logging instead of structured logger", line)))
		}
	})
	return out
}

// tracingScanner checks that HTTP handlers propagate trace context.
type tracingScanner struct{}

var traceHeaders = regexp.MustCompile(`(?i)(?:traceparent|x-request-id|x-b3-traceid)`)
var httpHandlerHint = regexp.MustCompile(`(?:http\.Handle|app\.(?:get|post|put|delete)\(|@app\.route|router\.)`)

func (s *tracingScanner) Name() string { return "tracing" }

func (s *tracingScanner) Scan(dir string) []pipeline.Violation {
	hasHandlers := false
	hasTracing := false
	eachSourceFile(dir, func(rel, content string) {
		if !isSourceExt(rel) {
			return
		}
		if httpHandlerHint.MatchString(content) {
			hasHandlers = true
		}
		if traceHeaders.MatchString(content) {
			hasTracing = true
		}
	})
	if hasHandlers && !hasTracing {
		return []pipeline.Violation{violationAt(s.Name(), "missing_trace_propagation", "medium", dir, "src",
			"HTTP handlers present but no trace header propagation found")}
	}
	return nil
}

// healthScanner checks for a health endpoint.
type healthScanner struct{}

var healthEndpoint = regexp.MustCompile(`(?i)["'/](?:healthz?|health[_-]?check|livez|readyz)["'/\s]`)

func (s *healthScanner) Name() string { return "health" }

func (s *healthScanner) Scan(dir string) []pipeline.Violation {
	found := false
	eachSourceFile(dir, func(rel, content string) {
		if healthEndpoint.MatchString(content) {
			found = true
		}
	})
	if !found {
		return []pipeline.Violation{violationAt(s.Name(), "missing_health_endpoint", "medium", dir, "src",
			"no health endpoint detected in generated service")}
	}
	return nil
}

// deployScanner hardens the deployment descriptor.
type deployScanner struct{}

var deployRisks = []struct {
	re       *regexp.Regexp
	category string
	severity string
	message  string
}{
	{regexp.MustCompile(`privileged:\s*true`), "deploy_privileged", "critical", "container requests privileged mode"},
	{regexp.MustCompile(`runAsUser:\s*0\b`), "deploy_root_user", "high", "container runs as root"},
	{regexp.MustCompile(`image:\s*\S+:latest\b`), "deploy_latest_tag", "low", "image pinned to :latest"},
	{regexp.MustCompile(`hostNetwork:\s*true`), "deploy_host_network", "high", "pod attaches to host network"},
}

func (s *deployScanner) Name() string { return "deploy" }

func (s *deployScanner) Scan(dir string) []pipeline.Violation {
	var out []pipeline.Violation
	eachSourceFile(dir, func(rel, content string) {
		if !strings.HasSuffix(rel, ".yaml") && !strings.HasSuffix(rel, ".yml") {
			return
		}
		for _, risk := range deployRisks {
			if loc := risk.re.FindStringIndex(content); loc != nil {
				line := 1 + strings.Count(content[:loc[0]], "\n")
				out = append(out, violationAt(s.Name(), risk.category, risk.severity, dir, rel,
					fmtLine(risk.message, line)))
			}
		}
	})
	return out
}
