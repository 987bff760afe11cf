// Package phase drives a pipeline run through its fixed lifecycle. The
// machine is a guarded transition table over the persisted state; every
// transition is snapshotted before and after so a crash at any point leaves
// a resumable run on disk.
package phase

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/forgeline/forgeline/internal/config"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// Phase names. Two are terminal.
const (
	PhaseInit            = "init"
	PhasePlanning        = "planning"
	PhasePlanReview      = "plan_review"
	PhaseContracts       = "contracts_registering"
	PhaseWorkersRunning  = "workers_running"
	PhaseWorkersComplete = "workers_complete"
	PhaseIntegrating     = "integrating"
	PhaseQualityGate     = "quality_gate"
	PhaseFixPass         = "fix_pass"
	PhaseComplete        = "complete"
	PhaseFailed          = "failed"
)

// Trigger names a transition request.
type Trigger string

const (
	TriggerBegin               Trigger = "begin"
	TriggerPlanningDone        Trigger = "planningDone"
	TriggerRetryPlanning       Trigger = "retryPlanning"
	TriggerApprovePlan         Trigger = "approvePlan"
	TriggerContractsRegistered Trigger = "contractsRegistered"
	TriggerWorkersDone         Trigger = "workersDone"
	TriggerStartIntegration    Trigger = "startIntegration"
	TriggerIntegrationDone     Trigger = "integrationDone"
	TriggerGatePassed          Trigger = "gatePassed"
	TriggerGateNeedsFix        Trigger = "gateNeedsFix"
	TriggerFixDone             Trigger = "fixDone"
	TriggerForceComplete       Trigger = "forceComplete"
	TriggerFailAny             Trigger = "failAny"
)

// IsTerminal reports whether a phase accepts no further transitions.
func IsTerminal(phase string) bool {
	return phase == PhaseComplete || phase == PhaseFailed
}

// TransitionError is a trigger rejected by the table or a guard.
type TransitionError struct {
	Trigger Trigger
	From    string
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s from %s rejected: %s", e.Trigger, e.From, e.Reason)
}

type guardFunc func(*pipeline.PipelineState, *config.Pipeline) error

type transition struct {
	from  string
	to    string
	guard guardFunc
}

func guardErr(reason string) error { return fmt.Errorf("%s", reason) }

// transitions is the full guarded table. failAny is handled separately since
// it applies from any non-terminal phase.
var transitions = map[Trigger]transition{
	TriggerBegin: {PhaseInit, PhasePlanning, func(ps *pipeline.PipelineState, cfg *config.Pipeline) error {
		if cfg.RequirementsFile == "" {
			return guardErr("no requirements file configured")
		}
		return nil
	}},
	TriggerPlanningDone: {PhasePlanning, PhasePlanReview, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		if ps.Plan == nil || len(ps.Plan.Services) == 0 {
			return guardErr("no plan produced")
		}
		return nil
	}},
	TriggerRetryPlanning: {PhasePlanning, PhasePlanning, func(ps *pipeline.PipelineState, cfg *config.Pipeline) error {
		if ps.PhaseRetries[PhasePlanning] >= cfg.PlanningRetries {
			return guardErr("planning retries exhausted")
		}
		return nil
	}},
	TriggerApprovePlan: {PhasePlanReview, PhaseContracts, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		if ps.Plan == nil {
			return guardErr("no plan to approve")
		}
		for _, issue := range ps.Plan.Issues {
			if issue.Severity == "error" {
				return guardErr("plan has blocking issues: " + issue.Message)
			}
		}
		return nil
	}},
	TriggerContractsRegistered: {PhaseContracts, PhaseWorkersRunning, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		for _, svc := range ps.Plan.Services {
			if svc.ContractID == "" {
				return guardErr("service " + svc.Name + " has no registered contract")
			}
		}
		return nil
	}},
	TriggerWorkersDone: {PhaseWorkersRunning, PhaseWorkersComplete, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		if len(ps.ResultsForGeneration(ps.LatestGeneration())) == 0 {
			return guardErr("no builder results collected")
		}
		return nil
	}},
	TriggerStartIntegration: {PhaseWorkersComplete, PhaseIntegrating, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		for _, r := range ps.ResultsForGeneration(ps.LatestGeneration()) {
			if r.Success {
				return nil
			}
		}
		return guardErr("no worker succeeded")
	}},
	TriggerIntegrationDone: {PhaseIntegrating, PhaseQualityGate, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		if ps.Integration == nil {
			return guardErr("no integration report")
		}
		return nil
	}},
	TriggerGatePassed: {PhaseQualityGate, PhaseComplete, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		if ps.GateReport == nil || ps.GateReport.Overall != pipeline.VerdictPassed {
			return guardErr("gate verdict is not PASSED")
		}
		return nil
	}},
	TriggerGateNeedsFix: {PhaseQualityGate, PhaseFixPass, func(ps *pipeline.PipelineState, cfg *config.Pipeline) error {
		if ps.GateReport == nil {
			return guardErr("no gate report")
		}
		if ps.GateAttempts >= cfg.MaxGateAttempts {
			return guardErr("gate attempts exhausted")
		}
		return nil
	}},
	TriggerFixDone: {PhaseFixPass, PhaseWorkersRunning, func(ps *pipeline.PipelineState, _ *config.Pipeline) error {
		if ps.FixPassCount > 0 {
			return nil
		}
		// A loop that stopped before its first pass is still a valid exit when
		// nothing P0/P1 remains open: the run goes back through the gate and
		// the attempt budget decides its fate.
		counts := ps.CountOpenByPriority()
		if counts[pipeline.P0]+counts[pipeline.P1] == 0 {
			return nil
		}
		return guardErr("no fix pass was applied")
	}},
	TriggerForceComplete: {PhaseQualityGate, PhaseComplete, func(ps *pipeline.PipelineState, cfg *config.Pipeline) error {
		if !cfg.AdvisoryOnly {
			return guardErr("not in advisory-only mode")
		}
		return nil
	}},
}

// resumeTable maps an interrupted phase to the trigger that re-enters the
// flow. Phases absent from the table simply re-run their handler, which is
// idempotent at phase granularity.
var resumeTable = map[string]Trigger{
	PhaseWorkersComplete: TriggerStartIntegration,
}

// ResumeTrigger returns the trigger used to resume an interrupted phase, or
// false when the phase re-runs its handler instead.
func ResumeTrigger(phase string) (Trigger, bool) {
	t, ok := resumeTable[phase]
	return t, ok
}

// Machine applies guarded transitions to a run's persisted state. State is
// saved immediately before and after every transition so a crash between the
// two writes loses nothing but the transition itself.
type Machine struct {
	store *pipeline.Store
	cfg   *config.Pipeline
	log   *zap.Logger
}

// NewMachine creates a state machine over a store.
func NewMachine(store *pipeline.Store, cfg *config.Pipeline, log *zap.Logger) *Machine {
	return &Machine{store: store, cfg: cfg, log: log}
}

// Fire applies a trigger. On guard or table rejection the state is left
// untouched and a *TransitionError is returned; persistence failures escape
// as-is since the orchestrator cannot proceed without durable state.
func (m *Machine) Fire(ps *pipeline.PipelineState, trigger Trigger) error {
	if IsTerminal(ps.CurrentPhase) {
		return &TransitionError{Trigger: trigger, From: ps.CurrentPhase, Reason: "phase is terminal"}
	}

	var to string
	if trigger == TriggerFailAny {
		to = PhaseFailed
	} else {
		t, ok := transitions[trigger]
		if !ok {
			return &TransitionError{Trigger: trigger, From: ps.CurrentPhase, Reason: "unknown trigger"}
		}
		if ps.CurrentPhase != t.from {
			return &TransitionError{Trigger: trigger, From: ps.CurrentPhase, Reason: "trigger not valid in this phase"}
		}
		if err := t.guard(ps, m.cfg); err != nil {
			return &TransitionError{Trigger: trigger, From: ps.CurrentPhase, Reason: err.Error()}
		}
		to = t.to
	}

	if err := m.store.Save(ps); err != nil {
		return fmt.Errorf("persist before transition %s: %w", trigger, err)
	}

	from := ps.CurrentPhase
	if from != to {
		ps.MarkPhaseCompleted(from)
	}
	ps.CurrentPhase = to

	switch {
	case to == PhaseComplete:
		ps.Status = pipeline.StatusCompleted
	case to == PhaseFailed:
		ps.Status = pipeline.StatusFailed
	default:
		ps.Status = pipeline.StatusInProgress
	}

	switch trigger {
	case TriggerRetryPlanning:
		if ps.PhaseRetries == nil {
			ps.PhaseRetries = map[string]int{}
		}
		ps.PhaseRetries[PhasePlanning]++
	case TriggerGateNeedsFix:
		ps.GateAttempts++
	}

	if err := m.store.Save(ps); err != nil {
		return fmt.Errorf("persist after transition %s: %w", trigger, err)
	}

	m.log.Info("phase transition",
		zap.String("run", ps.RunID),
		zap.String("trigger", string(trigger)),
		zap.String("from", from),
		zap.String("to", to))
	return nil
}
