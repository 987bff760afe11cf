package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// FixInstructionsName is the artifact the dispatcher writes into a worker
// directory to hand it prioritized findings for a quick remediation run.
const FixInstructionsName = "fix_instructions.json"

// fixInstructions is the document a worker consumes during a fix pass.
type fixInstructions struct {
	WrittenAt string             `json:"written_at"`
	Pass      int                `json:"pass"`
	Findings  []pipeline.Finding `json:"findings"`
}

// FeedViolations serializes prioritized findings into one worker's directory
// and re-invokes only that worker at quick depth. The findings are ordered
// P0 first so the worker spends its budget where it matters.
func (d *Dispatcher) FeedViolations(ctx context.Context, workerDir string, findings []pipeline.Finding, pass int, timeout time.Duration) (*pipeline.BuilderResult, error) {
	ordered := append([]pipeline.Finding{}, findings...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
	})

	doc := fixInstructions{
		WrittenAt: time.Now().UTC().Format(time.RFC3339),
		Pass:      pass,
		Findings:  ordered,
	}
	if err := pipeline.WriteJSON(filepath.Join(workerDir, FixInstructionsName), doc); err != nil {
		return nil, fmt.Errorf("write fix instructions: %w", err)
	}

	if timeout <= 0 {
		timeout = d.cfg.TimeoutDuration()
	}

	name := filepath.Base(workerDir)
	return d.runWorker(ctx, workerDir, name, pass, []string{"--depth", "quick", "--fix", FixInstructionsName}, timeout)
}
