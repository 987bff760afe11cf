package fixloop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// Feeder re-invokes one worker with prioritized findings at quick depth.
type Feeder interface {
	FeedViolations(ctx context.Context, workerDir string, findings []pipeline.Finding, pass int, timeout time.Duration) (*pipeline.BuilderResult, error)
}

// Rescanner re-runs the minimum verification surface over the worker
// directories a fix pass touched.
type Rescanner interface {
	Rescan(ctx context.Context, dirs map[string]string) ([]pipeline.Violation, error)
}

// Config is the fix-loop policy.
type Config struct {
	MaxPasses            int
	ConvergenceThreshold float64
	EffectivenessFloor   float64
	RegressionCeiling    float64
	Budget               float64
	FeedTimeout          time.Duration
}

// Controller drives bounded fix passes: feed findings to workers, rescan,
// diff, and decide whether another pass is worth its cost.
type Controller struct {
	feeder Feeder
	scan   Rescanner
	log    *zap.Logger
	cfg    Config
}

// NewController builds a fix-loop controller.
func NewController(log *zap.Logger, feeder Feeder, scan Rescanner, cfg Config) *Controller {
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 5
	}
	if cfg.ConvergenceThreshold <= 0 {
		cfg.ConvergenceThreshold = 0.85
	}
	return &Controller{feeder: feeder, scan: scan, log: log, cfg: cfg}
}

// ExecuteFixPass runs one remediation pass over the currently open findings
// and returns the pass metrics plus the cost it incurred. Worker feed
// failures degrade the pass (those findings stay open) but never abort it;
// only orchestrator-side faults return an error.
func (c *Controller) ExecuteFixPass(ctx context.Context, state *pipeline.PipelineState, workerDirs map[string]string, pass int) (PassMetrics, float64, error) {
	open := state.OpenFindings()
	metrics := PassMetrics{Pass: pass}
	if len(open) == 0 {
		return metrics, 0, nil
	}

	before, err := TakeViolationSnapshot(open)
	if err != nil {
		return metrics, 0, fmt.Errorf("snapshot before pass %d: %w", pass, err)
	}

	// Findings that were resolved in earlier passes; a location from this set
	// showing up again is a reappearance, not a new defect.
	fixed := make(Snapshot)
	for _, f := range state.Findings {
		if f.Status == pipeline.FindingFixed {
			fixed.add(f.Category, f.Location)
		}
	}

	for i := range state.Findings {
		if state.Findings[i].Priority == "" {
			state.Findings[i].Priority = ClassifyPriority(state.Findings[i])
		}
	}

	byComponent := make(map[string][]pipeline.Finding)
	for _, f := range open {
		byComponent[f.Component] = append(byComponent[f.Component], f)
	}
	components := make([]string, 0, len(byComponent))
	for comp := range byComponent {
		components = append(components, comp)
	}
	sort.Strings(components)

	var cost float64
	touched := make(map[string]string)

	for _, comp := range components {
		group := byComponent[comp]

		dir, ok := workerDirs[comp]
		if !ok {
			// No worker owns this finding, so no fix can be attempted this
			// pass. It stays open and does not count toward the metrics.
			c.log.Warn("no worker owns findings, left open",
				zap.String("component", comp),
				zap.Int("pass", pass),
				zap.Int("findings", len(group)))
			continue
		}
		metrics.Attempted += len(group)

		result, err := c.feeder.FeedViolations(ctx, dir, group, pass, c.cfg.FeedTimeout)
		if err != nil {
			c.log.Warn("fix feed failed, findings stay open",
				zap.String("worker", comp),
				zap.Int("pass", pass),
				zap.Int("findings", len(group)),
				zap.Error(err))
			continue
		}
		cost += result.Cost
		touched[comp] = dir
		if !result.Success {
			c.log.Warn("fix worker run unsuccessful",
				zap.String("worker", comp),
				zap.Int("pass", pass),
				zap.Int("exit_code", result.ExitCode))
		}
	}

	var afterViolations []pipeline.Violation
	if len(touched) > 0 {
		afterViolations, err = c.scan.Rescan(ctx, touched)
		if err != nil {
			return metrics, cost, fmt.Errorf("rescan after pass %d: %w", pass, err)
		}
	}
	after, err := TakeViolationSnapshot(afterViolations)
	if err != nil {
		return metrics, cost, fmt.Errorf("snapshot after pass %d: %w", pass, err)
	}

	regressions := DetectRegressions(before, after, fixed)

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range state.Findings {
		f := &state.Findings[i]
		switch f.Status {
		case pipeline.FindingOpen, pipeline.FindingReopened:
			if _, ok := touched[f.Component]; !ok {
				continue
			}
			if !after.Has(f.Category, f.Location) {
				f.Status = pipeline.FindingFixed
				f.FixPass = pass
				f.Verification = "rescan_clean"
				metrics.Resolved++
			}
		case pipeline.FindingFixed:
			if after.Has(f.Category, f.Location) {
				f.Status = pipeline.FindingReopened
				f.FixPass = pass
				f.Verification = "rescan_reappeared"
			}
		}
	}

	// Mint findings for defects this pass introduced.
	for _, v := range afterViolations {
		if !isNewRegression(regressions, v.Category, v.Location) {
			continue
		}
		nf := FindingFromViolation(v)
		nf.FixPass = pass
		nf.CreatedAt = now
		state.Findings = append(state.Findings, nf)
	}

	for _, r := range regressions {
		switch r.Kind {
		case RegressionNew:
			metrics.New++
		case RegressionReappeared:
			metrics.Reappeared++
		}
	}
	if metrics.Attempted > 0 {
		metrics.Effectiveness = float64(metrics.Resolved) / float64(metrics.Attempted)
		metrics.DiscoveryRate = float64(metrics.New) / float64(metrics.Attempted)
	}
	// Regression rate is damage per fix applied. With zero fixes applied,
	// every regression counts whole so a destructive pass still trips the
	// ceiling.
	if regressed := metrics.New + metrics.Reappeared; metrics.Resolved > 0 {
		metrics.RegressionRate = float64(regressed) / float64(metrics.Resolved)
	} else {
		metrics.RegressionRate = float64(regressed)
	}

	c.log.Info("fix pass complete",
		zap.Int("pass", pass),
		zap.Int("attempted", metrics.Attempted),
		zap.Int("resolved", metrics.Resolved),
		zap.Int("new", metrics.New),
		zap.Int("reappeared", metrics.Reappeared),
		zap.Float64("effectiveness", metrics.Effectiveness))

	return metrics, cost, nil
}

func isNewRegression(regressions []Regression, category, location string) bool {
	for _, r := range regressions {
		if r.Kind == RegressionNew && r.Category == category && r.Location == location {
			return true
		}
	}
	return false
}

// LoopResult is the fix loop's final verdict.
type LoopResult struct {
	Reason   string
	Score    float64
	HardStop bool
	Passes   int
}

// RunFixLoop runs fix passes until a stop criterion fires. Every pass
// appends an audit record to the state's ledger; the caller persists state
// between passes.
func (c *Controller) RunFixLoop(ctx context.Context, state *pipeline.PipelineState, workerDirs map[string]string) (LoopResult, error) {
	counts := state.CountOpenByPriority()
	conv := &ConvergenceState{
		InitialWeightedTotal: WeightedMass(counts[pipeline.P0], counts[pipeline.P1], counts[pipeline.P2]),
	}
	spent := state.Cost.Total
	passes := 0

	for {
		counts = state.CountOpenByPriority()
		dec := conv.CheckConvergence(
			counts[pipeline.P0], counts[pipeline.P1], counts[pipeline.P2],
			passes, c.cfg.MaxPasses,
			spent, c.cfg.Budget,
			c.cfg.EffectivenessFloor, c.cfg.RegressionCeiling, c.cfg.ConvergenceThreshold,
		)
		state.Score = dec.Score
		if dec.ShouldStop {
			if n := len(state.FixPasses); n > 0 && passes > 0 {
				state.FixPasses[n-1].StopReason = dec.Reason
			}
			c.log.Info("fix loop stopped",
				zap.String("reason", dec.Reason),
				zap.Float64("score", dec.Score),
				zap.Bool("hard_stop", dec.HardStop),
				zap.Int("passes", passes))
			return LoopResult{Reason: dec.Reason, Score: dec.Score, HardStop: dec.HardStop, Passes: passes}, nil
		}

		pass := state.FixPassCount + 1
		metrics, cost, err := c.ExecuteFixPass(ctx, state, workerDirs, pass)
		if err != nil {
			return LoopResult{Passes: passes}, err
		}
		conv.Record(metrics)
		spent += cost
		state.Cost.Add("fix_pass", cost)
		state.FixPassCount = pass
		passes++

		counts = state.CountOpenByPriority()
		score := ComputeConvergence(counts[pipeline.P0], counts[pipeline.P1], counts[pipeline.P2], conv.InitialWeightedTotal)
		state.Score = score
		state.FixPasses = append(state.FixPasses, pipeline.FixPassRecord{
			Pass:                   pass,
			Attempted:              metrics.Attempted,
			Resolved:               metrics.Resolved,
			New:                    metrics.New,
			Reappeared:             metrics.Reappeared,
			FixEffectiveness:       metrics.Effectiveness,
			RegressionRate:         metrics.RegressionRate,
			NewDefectDiscoveryRate: metrics.DiscoveryRate,
			Score:                  score,
			Cost:                   cost,
		})
	}
}
