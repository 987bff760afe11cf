package fixloop

// Severity weights for the convergence score. P3 carries no weight: style
// findings never hold the pipeline hostage.
const (
	weightP0 = 0.4
	weightP1 = 0.3
	weightP2 = 0.1
)

// WeightedMass is the severity-weighted defect mass for the given open
// finding counts.
func WeightedMass(p0, p1, p2 int) float64 {
	return float64(p0)*weightP0 + float64(p1)*weightP1 + float64(p2)*weightP2
}

// ComputeConvergence returns the normalized remaining-severity score in
// [0, 1]: 1.0 means converged. Defined as 1.0 when the initial weighted
// total is zero — nothing was ever broken.
func ComputeConvergence(p0, p1, p2 int, initialWeightedTotal float64) float64 {
	if initialWeightedTotal <= 0 {
		return 1.0
	}
	score := 1 - WeightedMass(p0, p1, p2)/initialWeightedTotal
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Stop reasons returned by CheckConvergence, hard stops first.
const (
	StopP0P1Clear         = "p0_p1_clear"
	StopMaxPasses         = "max_passes_reached"
	StopBudgetExhausted   = "budget_exhausted"
	StopLowEffectiveness  = "low_effectiveness"
	StopRegressionCeiling = "regression_ceiling"
	StopConverged         = "converged"
)

// PassMetrics is the per-pass effectiveness/regression record kept in the
// rolling convergence history.
type PassMetrics struct {
	Pass           int
	Attempted      int
	Resolved       int
	New            int
	Reappeared     int
	Effectiveness  float64
	RegressionRate float64
	DiscoveryRate  float64
}

// ConvergenceState tracks weighted remaining severity and the rolling
// per-pass history. It is recomputed every pass.
type ConvergenceState struct {
	InitialWeightedTotal float64
	History              []PassMetrics
}

// Record appends a pass's metrics to the rolling history.
func (c *ConvergenceState) Record(m PassMetrics) {
	c.History = append(c.History, m)
}

// lastTwo returns the most recent two entries, or false if fewer exist.
func (c *ConvergenceState) lastTwo() (PassMetrics, PassMetrics, bool) {
	n := len(c.History)
	if n < 2 {
		return PassMetrics{}, PassMetrics{}, false
	}
	return c.History[n-2], c.History[n-1], true
}

// StopDecision is the termination verdict for the fix loop.
type StopDecision struct {
	ShouldStop bool    `json:"should_stop"`
	Reason     string  `json:"reason,omitempty"`
	Score      float64 `json:"score"`
	HardStop   bool    `json:"is_hard_stop"`
}

// CheckConvergence evaluates the five hard stops in order, then the soft
// convergence criterion. One of the hard stops always eventually fires, so
// any loop driven by this decision terminates.
func (c *ConvergenceState) CheckConvergence(p0, p1, p2, pass, maxPasses int, spent, budget, effectivenessFloor, regressionCeiling, softThreshold float64) StopDecision {
	score := ComputeConvergence(p0, p1, p2, c.InitialWeightedTotal)

	if p0 == 0 && p1 == 0 {
		return StopDecision{ShouldStop: true, Reason: StopP0P1Clear, Score: score, HardStop: true}
	}
	if pass >= maxPasses {
		return StopDecision{ShouldStop: true, Reason: StopMaxPasses, Score: score, HardStop: true}
	}
	if budget > 0 && spent >= budget {
		return StopDecision{ShouldStop: true, Reason: StopBudgetExhausted, Score: score, HardStop: true}
	}
	if prev, last, ok := c.lastTwo(); ok {
		if prev.Effectiveness < effectivenessFloor && last.Effectiveness < effectivenessFloor {
			return StopDecision{ShouldStop: true, Reason: StopLowEffectiveness, Score: score, HardStop: true}
		}
		if prev.RegressionRate > regressionCeiling && last.RegressionRate > regressionCeiling {
			return StopDecision{ShouldStop: true, Reason: StopRegressionCeiling, Score: score, HardStop: true}
		}
	}

	if score >= softThreshold {
		return StopDecision{ShouldStop: true, Reason: StopConverged, Score: score}
	}
	return StopDecision{Score: score}
}
