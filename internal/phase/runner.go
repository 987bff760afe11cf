package phase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forgeline/forgeline/internal/audit"
	"github.com/forgeline/forgeline/internal/collab"
	"github.com/forgeline/forgeline/internal/config"
	"github.com/forgeline/forgeline/internal/fixloop"
	"github.com/forgeline/forgeline/internal/gate"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// Planner decomposes a requirements document into a service plan.
type Planner interface {
	Decompose(ctx context.Context, text string) (*pipeline.Plan, []pipeline.PlanIssue, error)
}

// ContractRegistry is the contract-lifecycle surface the runner consumes.
type ContractRegistry interface {
	ValidateSpec(ctx context.Context, spec pipeline.ServiceSpec) error
	CreateContract(ctx context.Context, spec pipeline.ServiceSpec) (string, error)
	GenerateTests(ctx context.Context, contractID string) ([]string, error)
	MarkImplemented(ctx context.Context, contractID string) error
}

// CodeIndex is the code-intelligence surface the runner consumes.
type CodeIndex interface {
	RegisterArtifact(ctx context.Context, service, path string) error
	CheckDeadCode(ctx context.Context, service string) ([]string, error)
}

// FleetDispatcher launches the builder fleet for one generation.
type FleetDispatcher interface {
	Dispatch(ctx context.Context, runDir string, specs []pipeline.ServiceSpec, generation int) ([]pipeline.BuilderResult, error)
}

// GateRunner evaluates the layered quality gate.
type GateRunner interface {
	Run(ctx context.Context, target *gate.Target) *pipeline.GateReport
}

// FixRunner drives the bounded fix loop.
type FixRunner interface {
	RunFixLoop(ctx context.Context, state *pipeline.PipelineState, workerDirs map[string]string) (fixloop.LoopResult, error)
}

// ErrStopped is returned when a shutdown signal interrupts the run between
// phases. The persisted snapshot remains resumable.
var ErrStopped = errors.New("phase: run stopped by signal")

// Runner executes phase handlers and fires transitions until the run reaches
// a terminal phase. Transitions are serialized; handlers may fan out
// internally (the dispatcher's worker pool).
type Runner struct {
	machine *Machine
	store   *pipeline.Store
	cfg     *config.Pipeline
	log     *zap.Logger

	planner   Planner
	contracts ContractRegistry
	codeIntel CodeIndex
	fleet     FleetDispatcher
	gate      GateRunner
	fixer     FixRunner
	ledger    *audit.Ledger

	stop atomic.Bool
}

// NewRunner wires the runner's collaborators.
func NewRunner(
	machine *Machine,
	store *pipeline.Store,
	cfg *config.Pipeline,
	log *zap.Logger,
	planner Planner,
	contracts ContractRegistry,
	codeIntel CodeIndex,
	fleet FleetDispatcher,
	gateRunner GateRunner,
	fixer FixRunner,
	ledger *audit.Ledger,
) *Runner {
	return &Runner{
		machine:   machine,
		store:     store,
		cfg:       cfg,
		log:       log,
		planner:   planner,
		contracts: contracts,
		codeIntel: codeIntel,
		fleet:     fleet,
		gate:      gateRunner,
		fixer:     fixer,
		ledger:    ledger,
	}
}

// RequestStop flags the run for graceful shutdown. The flag is checked
// between phases; in-flight workers are cancelled through the context.
func (r *Runner) RequestStop() {
	r.stop.Store(true)
}

// hardIterationCap bounds the main loop even if configuration sets nothing,
// so a transition-logic defect can never spin forever.
const hardIterationCap = 50

// Run drives the pipeline from its current phase to a terminal phase.
func (r *Runner) Run(ctx context.Context, ps *pipeline.PipelineState) error {
	cap := r.cfg.MaxIterations
	if cap <= 0 || cap > hardIterationCap {
		cap = hardIterationCap
	}

	for i := 0; i < cap; i++ {
		if IsTerminal(ps.CurrentPhase) {
			if ps.CurrentPhase == PhaseFailed {
				return fmt.Errorf("pipeline failed: %s", ps.Error)
			}
			return nil
		}
		if r.stop.Load() {
			if err := r.store.Save(ps); err != nil {
				return err
			}
			r.ledger.LogEvent(ctx, ps.RunID, "stopped", ps.CurrentPhase, "")
			return ErrStopped
		}
		if err := r.checkBudget(ctx, ps); err != nil {
			return err
		}

		if err := r.step(ctx, ps); err != nil {
			return err
		}
	}

	r.failRun(ctx, ps, fmt.Errorf("iteration cap (%d) reached without terminating", cap))
	return fmt.Errorf("pipeline failed: %s", ps.Error)
}

// Resume re-enters an interrupted run. Phases with a resume trigger fire it;
// all others simply re-run their handler, which is idempotent.
func (r *Runner) Resume(ctx context.Context, ps *pipeline.PipelineState) error {
	if IsTerminal(ps.CurrentPhase) {
		return fmt.Errorf("run %s already reached %s", ps.RunID, ps.CurrentPhase)
	}
	r.ledger.LogEvent(ctx, ps.RunID, "resumed", ps.CurrentPhase, "")
	if trigger, ok := ResumeTrigger(ps.CurrentPhase); ok {
		if err := r.machine.Fire(ps, trigger); err != nil {
			var te *TransitionError
			if !errors.As(err, &te) {
				return err
			}
			// Guard rejected the resume trigger: fall through and let the
			// phase handler re-run, it will fire the right transition.
			r.log.Warn("resume trigger rejected, re-running phase",
				zap.String("phase", ps.CurrentPhase),
				zap.String("reason", te.Reason))
		}
	}
	return r.Run(ctx, ps)
}

// step runs one phase handler and fires its outgoing transition.
func (r *Runner) step(ctx context.Context, ps *pipeline.PipelineState) error {
	r.log.Info("entering phase",
		zap.String("run", ps.RunID),
		zap.String("phase", ps.CurrentPhase))
	r.ledger.LogEvent(ctx, ps.RunID, "phase_start", ps.CurrentPhase, "")

	var err error
	switch ps.CurrentPhase {
	case PhaseInit:
		err = r.machine.Fire(ps, TriggerBegin)
	case PhasePlanning:
		err = r.runPlanning(ctx, ps)
	case PhasePlanReview:
		err = r.machine.Fire(ps, TriggerApprovePlan)
	case PhaseContracts:
		err = r.runContracts(ctx, ps)
	case PhaseWorkersRunning:
		err = r.runWorkers(ctx, ps)
	case PhaseWorkersComplete:
		err = r.machine.Fire(ps, TriggerStartIntegration)
	case PhaseIntegrating:
		err = r.runIntegration(ctx, ps)
	case PhaseQualityGate:
		err = r.runGate(ctx, ps)
	case PhaseFixPass:
		err = r.runFixPass(ctx, ps)
	default:
		err = fmt.Errorf("no handler for phase %s", ps.CurrentPhase)
	}

	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			r.failRun(ctx, ps, err)
			return nil
		}
		if errors.Is(err, pipeline.ErrBudgetExceeded) {
			r.failRun(ctx, ps, err)
			return err
		}
		if r.retryTransient(ps, err) {
			return nil
		}
		// Anything else is a phase-internal fault that could not be converted
		// into a guard condition. The run fails but stays diagnosable.
		r.failRun(ctx, ps, err)
		return nil
	}
	return nil
}

// retryTransient re-runs the current phase after a transient fault, up to the
// configured bound. Only phases whose handlers are idempotent are eligible;
// planning manages its own retries through the retryPlanning trigger.
func (r *Runner) retryTransient(ps *pipeline.PipelineState, cause error) bool {
	switch ps.CurrentPhase {
	case PhaseContracts, PhaseIntegrating:
	default:
		return false
	}
	if ps.PhaseRetries[ps.CurrentPhase] >= r.cfg.TransientRetries {
		return false
	}
	if ps.PhaseRetries == nil {
		ps.PhaseRetries = map[string]int{}
	}
	ps.PhaseRetries[ps.CurrentPhase]++
	if err := r.store.Save(ps); err != nil {
		r.log.Error("could not persist retry count", zap.Error(err))
		return false
	}
	r.log.Warn("phase failed, retrying",
		zap.String("run", ps.RunID),
		zap.String("phase", ps.CurrentPhase),
		zap.Int("attempt", ps.PhaseRetries[ps.CurrentPhase]),
		zap.Error(cause))
	return true
}

// runPlanning decomposes requirements into a plan, retrying transient
// collaborator failures up to the configured bound.
func (r *Runner) runPlanning(ctx context.Context, ps *pipeline.PipelineState) error {
	text, err := os.ReadFile(r.cfg.RequirementsFile)
	if err != nil {
		return fmt.Errorf("read requirements: %w", err)
	}

	plan, issues, err := r.planner.Decompose(ctx, string(text))
	if err != nil {
		if retryErr := r.machine.Fire(ps, TriggerRetryPlanning); retryErr == nil {
			r.log.Warn("planning failed, retrying",
				zap.Int("attempt", ps.PhaseRetries[PhasePlanning]),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("decompose requirements: %w", err)
	}

	plan.Issues = issues
	ps.Plan = plan
	return r.machine.Fire(ps, TriggerPlanningDone)
}

// runContracts registers a contract for every planned service and pulls the
// contract-derived test cases into the spec so workers can target them.
// Already registered services are skipped so a resumed or retried run does
// not duplicate them.
func (r *Runner) runContracts(ctx context.Context, ps *pipeline.PipelineState) error {
	for i := range ps.Plan.Services {
		svc := &ps.Plan.Services[i]
		if svc.ContractID != "" {
			continue
		}
		if err := r.contracts.ValidateSpec(ctx, *svc); err != nil {
			return fmt.Errorf("contract validation: %w", err)
		}
		id, err := r.contracts.CreateContract(ctx, *svc)
		if err != nil {
			return fmt.Errorf("contract registration: %w", err)
		}
		svc.ContractID = id

		tests, err := r.contracts.GenerateTests(ctx, id)
		if err != nil && !errors.Is(err, collab.ErrNotFound) {
			return fmt.Errorf("contract tests: %w", err)
		}
		svc.ContractTests = tests

		if err := r.store.Save(ps); err != nil {
			return err
		}
	}
	return r.machine.Fire(ps, TriggerContractsRegistered)
}

// runWorkers dispatches a new builder generation across the fleet.
func (r *Runner) runWorkers(ctx context.Context, ps *pipeline.PipelineState) error {
	generation := ps.LatestGeneration() + 1
	results, err := r.fleet.Dispatch(ctx, r.store.RunDir(ps.RunID), ps.Plan.Services, generation)
	if err != nil {
		return fmt.Errorf("dispatch generation %d: %w", generation, err)
	}

	ps.BuilderResults = append(ps.BuilderResults, results...)
	for _, res := range results {
		ps.Cost.Add(PhaseWorkersRunning, res.Cost)
	}
	if err := r.store.Save(ps); err != nil {
		return err
	}
	return r.machine.Fire(ps, TriggerWorkersDone)
}

// runIntegration indexes successful workers' output and records what came
// out the other side.
func (r *Runner) runIntegration(ctx context.Context, ps *pipeline.PipelineState) error {
	report := &pipeline.IntegrationReport{
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	for _, res := range ps.ResultsForGeneration(ps.LatestGeneration()) {
		if !res.Success {
			continue
		}
		dir := r.store.WorkerDir(ps.RunID, res.Worker)
		if err := r.codeIntel.RegisterArtifact(ctx, res.Worker, dir); err != nil {
			return fmt.Errorf("register artifact: %w", err)
		}
		report.Artifacts = append(report.Artifacts, dir)

		if id := r.contractID(ps, res.Worker); id != "" {
			if err := r.contracts.MarkImplemented(ctx, id); err != nil {
				return fmt.Errorf("mark implemented: %w", err)
			}
		}

		dead, err := r.codeIntel.CheckDeadCode(ctx, res.Worker)
		if err != nil {
			if errors.Is(err, collab.ErrNotFound) {
				continue
			}
			return fmt.Errorf("check dead code: %w", err)
		}
		report.DeadCode = append(report.DeadCode, dead...)
	}

	ps.Integration = report
	return r.machine.Fire(ps, TriggerIntegrationDone)
}

// runGate evaluates the quality gate and routes the verdict: promotion, a
// fix cycle, or advisory force-complete once fix attempts are spent.
func (r *Runner) runGate(ctx context.Context, ps *pipeline.PipelineState) error {
	target := &gate.Target{
		RunDir:     r.store.RunDir(ps.RunID),
		Results:    ps.ResultsForGeneration(ps.LatestGeneration()),
		Plan:       ps.Plan,
		WorkerDirs: r.workerDirs(ps),
	}
	report := r.gate.Run(ctx, target)
	ps.GateReport = report
	r.recordFindings(ps, report)
	if err := r.store.Save(ps); err != nil {
		return err
	}
	r.ledger.LogGateRun(ctx, ps.RunID, ps.GateAttempts+1, string(report.Overall), report.TotalViolations, report.BlockingViolations)

	if report.Overall == pipeline.VerdictPassed {
		return r.machine.Fire(ps, TriggerGatePassed)
	}

	if err := r.machine.Fire(ps, TriggerGateNeedsFix); err == nil {
		return nil
	}

	// Fix attempts are exhausted. Advisory mode promotes anyway; otherwise
	// the run fails with the report preserved for diagnosis.
	if err := r.machine.Fire(ps, TriggerForceComplete); err == nil {
		r.log.Warn("gate not passed, promoted in advisory-only mode",
			zap.String("verdict", string(report.Overall)),
			zap.Int("blocking_violations", report.BlockingViolations))
		return nil
	}
	return &TransitionError{
		Trigger: TriggerGatePassed,
		From:    PhaseQualityGate,
		Reason:  fmt.Sprintf("gate verdict %s after %d attempts", report.Overall, ps.GateAttempts),
	}
}

// runFixPass drives the bounded fix loop, then sends the fleet back out for
// a full rebuild of what changed.
func (r *Runner) runFixPass(ctx context.Context, ps *pipeline.PipelineState) error {
	result, err := r.fixer.RunFixLoop(ctx, ps, r.workerDirs(ps))
	if err != nil {
		return fmt.Errorf("fix loop: %w", err)
	}
	if err := r.store.Save(ps); err != nil {
		return err
	}
	r.ledger.LogFixLoop(ctx, ps.RunID, result.Reason, result.Score, result.Passes)

	if result.Reason == fixloop.StopBudgetExhausted {
		return pipeline.ErrBudgetExceeded
	}
	return r.machine.Fire(ps, TriggerFixDone)
}

// recordFindings mints findings for blocking violations the run is not
// already tracking. Findings are append-only; the fix loop owns their status.
func (r *Runner) recordFindings(ps *pipeline.PipelineState, report *pipeline.GateReport) {
	tracked := make(map[string]struct{})
	for _, f := range ps.Findings {
		if f.Status == pipeline.FindingOpen || f.Status == pipeline.FindingReopened {
			tracked[f.Category+"\x00"+f.Location] = struct{}{}
		}
	}
	for _, lr := range report.Layers {
		if !lr.Blocking {
			continue
		}
		for _, v := range lr.Violations {
			key := v.Category + "\x00" + v.Location
			if _, ok := tracked[key]; ok {
				continue
			}
			tracked[key] = struct{}{}
			ps.Findings = append(ps.Findings, fixloop.FindingFromViolation(v))
		}
	}
}

// checkBudget enforces the cost ceiling between phases: persist, fail, and
// surface the typed error so callers can distinguish it from a crash.
func (r *Runner) checkBudget(ctx context.Context, ps *pipeline.PipelineState) error {
	ceiling := r.cfg.Budget.CeilingUSD
	if ceiling <= 0 || ps.Cost.Total < ceiling {
		return nil
	}
	err := fmt.Errorf("%w: spent %.2f of %.2f", pipeline.ErrBudgetExceeded, ps.Cost.Total, ceiling)
	r.failRun(ctx, ps, err)
	return err
}

// failRun fires failAny with the cause recorded on the snapshot.
func (r *Runner) failRun(ctx context.Context, ps *pipeline.PipelineState, cause error) {
	ps.Error = cause.Error()
	if err := r.machine.Fire(ps, TriggerFailAny); err != nil {
		// Terminal already, or persistence is broken. Log and move on; the
		// pre-transition snapshot is the best record we have.
		r.log.Error("could not record failure transition", zap.Error(err))
	}
	r.ledger.LogEvent(ctx, ps.RunID, "failed", ps.CurrentPhase, cause.Error())
	r.log.Error("pipeline failed",
		zap.String("run", ps.RunID),
		zap.String("phase", ps.CurrentPhase),
		zap.Error(cause))
}

func (r *Runner) workerDirs(ps *pipeline.PipelineState) map[string]string {
	dirs := make(map[string]string)
	if ps.Plan == nil {
		return dirs
	}
	for _, svc := range ps.Plan.Services {
		dirs[svc.Name] = r.store.WorkerDir(ps.RunID, svc.Name)
	}
	return dirs
}

func (r *Runner) contractID(ps *pipeline.PipelineState, worker string) string {
	for _, svc := range ps.Plan.Services {
		if svc.Name == worker {
			return svc.ContractID
		}
	}
	return ""
}
