package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/forgeline/forgeline/internal/audit"
	"github.com/forgeline/forgeline/internal/collab"
	"github.com/forgeline/forgeline/internal/config"
	"github.com/forgeline/forgeline/internal/dispatch"
	"github.com/forgeline/forgeline/internal/fixloop"
	"github.com/forgeline/forgeline/internal/gate"
	"github.com/forgeline/forgeline/internal/logging"
	"github.com/forgeline/forgeline/internal/phase"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// app bundles everything a command needs after wiring.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *pipeline.Store
	runner *phase.Runner
	ledger *audit.Ledger
}

func (a *app) close() {
	a.ledger.Close()
	_ = a.log.Sync()
}

// loadConfig reads the config from --config or the default search paths and
// validates it.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flagConfig != "" {
		cfg, err = config.Load(flagConfig)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

// newStore opens the run store, preferring the configured directory.
func newStore(cfg *config.Config) (*pipeline.Store, error) {
	if cfg.Pipeline.RunDir != "" {
		return pipeline.NewStore(cfg.Pipeline.RunDir), nil
	}
	return pipeline.DefaultStore()
}

// newApp wires the full orchestrator: store, collaborator clients, the
// dispatcher, the gate layers, the fix-loop controller, and the audit ledger.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(flagVerbose)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	p := &cfg.Pipeline
	collabTimeout := p.Collaborators.TimeoutDuration()
	requirements := collab.NewRequirementsClient(p.Collaborators.RequirementsURL, collabTimeout)
	contracts := collab.NewContractsClient(p.Collaborators.ContractsURL, collabTimeout)
	codeIntel := collab.NewCodeIntelClient(p.Collaborators.CodeIntelURL, collabTimeout)

	dispatcher := dispatch.New(p.Workers, log)

	scanLayer := gate.NewScanLayer(p.Gate.Scanners)
	engine := gate.NewEngine(log,
		&gate.BuildLayer{
			TestPassThreshold: p.Gate.TestPassThreshold,
			ConvergenceFloor:  p.Gate.ConvergenceFloor,
		},
		&gate.ContractLayer{Checker: contracts, Index: codeIntel},
		scanLayer,
		&gate.AdversarialLayer{},
	)

	fixer := fixloop.NewController(log, dispatcher, scanLayer, fixloop.Config{
		MaxPasses:            p.Fix.MaxPasses,
		ConvergenceThreshold: p.Fix.ConvergenceThreshold,
		EffectivenessFloor:   p.Fix.EffectivenessFloor,
		RegressionCeiling:    p.Fix.RegressionCeiling,
		Budget:               p.Budget.CeilingUSD,
		FeedTimeout:          p.Fix.FeedTimeoutDuration(),
	})

	ledger, err := audit.Open(ctx, p.Audit.DSN, log)
	if err != nil {
		return nil, err
	}

	machine := phase.NewMachine(store, p, log)
	runner := phase.NewRunner(machine, store, p, log,
		requirements, contracts, codeIntel, dispatcher, engine, fixer, ledger)

	return &app{cfg: cfg, log: log, store: store, runner: runner, ledger: ledger}, nil
}
