package pipeline

// SchemaVersion is the current snapshot schema. Loaders reject snapshots
// written with any other version rather than guessing at field meanings.
const SchemaVersion = 1

// Pipeline status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Priority is the remediation priority of a finding.
type Priority string

const (
	P0 Priority = "P0" // build-breaking / fatal
	P1 Priority = "P1" // test or contract failure
	P2 Priority = "P2" // warning
	P3 Priority = "P3" // style / informational
)

// Rank orders priorities for sorting, P0 first. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case P0:
		return 0
	case P1:
		return 1
	case P2:
		return 2
	case P3:
		return 3
	default:
		return 4
	}
}

// Finding resolution statuses.
const (
	FindingOpen     = "OPEN"
	FindingFixed    = "FIXED"
	FindingReopened = "REOPENED"
)

// Verdict is the outcome of a gate layer or the gate as a whole.
type Verdict string

const (
	VerdictPassed  Verdict = "PASSED"
	VerdictPartial Verdict = "PARTIAL"
	VerdictFailed  Verdict = "FAILED"
	VerdictSkipped Verdict = "SKIPPED"
)

// PipelineState is the top-level persisted state for a single run.
type PipelineState struct {
	SchemaVersion   int            `json:"schema_version"`
	RunID           string         `json:"run_id"`
	Name            string         `json:"name"`
	CurrentPhase    string         `json:"current_phase"`
	CompletedPhases []string       `json:"completed_phases"`
	Status          string         `json:"status"`
	PhaseRetries    map[string]int `json:"phase_retries,omitempty"`
	GateAttempts    int            `json:"gate_attempts"`
	FixPassCount    int            `json:"fix_pass_count"`

	Plan           *Plan              `json:"plan,omitempty"`
	Findings       []Finding          `json:"findings,omitempty"`
	BuilderResults []BuilderResult    `json:"builder_results,omitempty"`
	GateReport     *GateReport        `json:"gate_report,omitempty"`
	Integration    *IntegrationReport `json:"integration,omitempty"`
	FixPasses      []FixPassRecord    `json:"fix_passes,omitempty"`
	Score          float64            `json:"score"`
	Cost           CostLedger         `json:"cost"`

	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Plan is the decomposed service plan produced by the requirements collaborator.
type Plan struct {
	Services []ServiceSpec `json:"services"`
	Issues   []PlanIssue   `json:"issues,omitempty"`
}

// ServiceSpec describes one service a worker will generate.
type ServiceSpec struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Operations   []string `json:"operations,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	ContractID   string   `json:"contract_id,omitempty"`
	// ContractTests are the contract-derived test cases fetched during
	// registration; they travel to the worker inside its config.
	ContractTests []string `json:"contract_tests,omitempty"`
}

// PlanIssue is a problem the requirements collaborator found while decomposing.
type PlanIssue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Finding is a recorded defect with priority and resolution status.
// Findings are never deleted; the fix loop is the only thing that mutates them.
type Finding struct {
	ID             string   `json:"id"`
	Priority       Priority `json:"priority"`
	System         string   `json:"system"`
	Component      string   `json:"component,omitempty"`
	Category       string   `json:"category"`
	Severity       string   `json:"severity,omitempty"`
	Location       string   `json:"location,omitempty"`
	Evidence       string   `json:"evidence"`
	Recommendation string   `json:"recommendation,omitempty"`
	Status         string   `json:"status"`
	FixPass        int      `json:"fix_pass,omitempty"`
	Verification   string   `json:"verification,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

// BuilderResult is one worker's outcome for one dispatch generation.
// Immutable once created; re-dispatch produces a new generation.
type BuilderResult struct {
	Worker           string   `json:"worker"`
	Generation       int      `json:"generation"`
	Success          bool     `json:"success"`
	TestsPassed      int      `json:"tests_passed"`
	TestsTotal       int      `json:"tests_total"`
	ConvergenceRatio float64  `json:"convergence_ratio"`
	Cost             float64  `json:"cost"`
	ExitCode         int      `json:"exit_code"`
	Stdout           string   `json:"stdout,omitempty"`
	Stderr           string   `json:"stderr,omitempty"`
	Duration         string   `json:"duration"`
	CompletedPhases  []string `json:"completed_phases,omitempty"`
	MissingOutputs   []string `json:"missing_outputs,omitempty"`
	TimedOut         bool     `json:"timed_out,omitempty"`
}

// Violation is a single gate-detected defect at a location.
type Violation struct {
	Category string `json:"category"`
	Location string `json:"location"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// LayerReport is the outcome of one verification layer.
type LayerReport struct {
	Layer      string      `json:"layer"`
	Blocking   bool        `json:"blocking"`
	Verdict    Verdict     `json:"verdict"`
	Violations []Violation `json:"violations,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// GateReport aggregates all layer results into a single verdict.
type GateReport struct {
	Layers             []LayerReport `json:"layers"`
	Overall            Verdict       `json:"overall_verdict"`
	TotalViolations    int           `json:"total_violations"`
	BlockingViolations int           `json:"blocking_violations"`
}

// AllViolations returns every violation across all layers.
func (g *GateReport) AllViolations() []Violation {
	var out []Violation
	for _, l := range g.Layers {
		out = append(out, l.Violations...)
	}
	return out
}

// IntegrationReport records what the integration phase produced.
type IntegrationReport struct {
	Artifacts []string `json:"artifacts"`
	DeadCode  []string `json:"dead_code,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// FixPassRecord is the persisted audit entry for one fix pass.
type FixPassRecord struct {
	Pass                   int     `json:"pass"`
	Attempted              int     `json:"attempted"`
	Resolved               int     `json:"resolved"`
	New                    int     `json:"new"`
	Reappeared             int     `json:"reappeared"`
	FixEffectiveness       float64 `json:"fix_effectiveness"`
	RegressionRate         float64 `json:"regression_rate"`
	NewDefectDiscoveryRate float64 `json:"new_defect_discovery_rate"`
	Score                  float64 `json:"score"`
	StopReason             string  `json:"stop_reason,omitempty"`
	Cost                   float64 `json:"cost"`
}

// CostLedger accumulates spend per phase and in total.
type CostLedger struct {
	Total    float64            `json:"total"`
	PerPhase map[string]float64 `json:"per_phase,omitempty"`
}

// Add records cost against a phase and the running total.
func (c *CostLedger) Add(phase string, amount float64) {
	if amount == 0 {
		return
	}
	if c.PerPhase == nil {
		c.PerPhase = make(map[string]float64)
	}
	c.PerPhase[phase] += amount
	c.Total += amount
}

// OpenFindings returns findings still awaiting a fix (OPEN or REOPENED).
func (s *PipelineState) OpenFindings() []Finding {
	var out []Finding
	for _, f := range s.Findings {
		if f.Status == FindingOpen || f.Status == FindingReopened {
			out = append(out, f)
		}
	}
	return out
}

// CountOpenByPriority tallies open findings per priority bucket.
func (s *PipelineState) CountOpenByPriority() map[Priority]int {
	counts := make(map[Priority]int)
	for _, f := range s.OpenFindings() {
		counts[f.Priority]++
	}
	return counts
}

// MarkPhaseCompleted appends a phase to the completed set exactly once,
// preserving order. The completed set only ever grows.
func (s *PipelineState) MarkPhaseCompleted(phase string) {
	for _, p := range s.CompletedPhases {
		if p == phase {
			return
		}
	}
	s.CompletedPhases = append(s.CompletedPhases, phase)
}

// LatestGeneration returns the highest dispatch generation recorded, or 0.
func (s *PipelineState) LatestGeneration() int {
	gen := 0
	for _, r := range s.BuilderResults {
		if r.Generation > gen {
			gen = r.Generation
		}
	}
	return gen
}

// ResultsForGeneration returns the builder results of one dispatch generation.
func (s *PipelineState) ResultsForGeneration(gen int) []BuilderResult {
	var out []BuilderResult
	for _, r := range s.BuilderResults {
		if r.Generation == gen {
			out = append(out, r)
		}
	}
	return out
}
