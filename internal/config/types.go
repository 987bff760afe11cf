package config

import "time"

// Config is the top-level structure parsed from the pipeline YAML file.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full orchestration run: input, budget, worker fleet,
// gate policy, fix-loop policy, and collaborator endpoints.
type Pipeline struct {
	Name             string `yaml:"name"`
	RequirementsFile string `yaml:"requirements_file"`
	RunDir           string `yaml:"run_dir"`

	// AdvisoryOnly promotes the run to complete even when the gate does not
	// pass, once fix attempts are exhausted. Findings are still recorded.
	AdvisoryOnly bool `yaml:"advisory_only"`

	MaxIterations   int `yaml:"max_iterations"`
	PlanningRetries int `yaml:"planning_retries"`
	MaxGateAttempts int `yaml:"max_gate_attempts"`

	// TransientRetries bounds how often a phase whose handler is idempotent
	// (contract registration, integration) is re-run after a transient
	// collaborator fault before the run fails.
	TransientRetries int `yaml:"transient_retries"`

	Budget        Budget        `yaml:"budget"`
	Workers       Workers       `yaml:"workers"`
	Gate          Gate          `yaml:"gate"`
	Fix           Fix           `yaml:"fix"`
	Collaborators Collaborators `yaml:"collaborators"`
	Audit         Audit         `yaml:"audit"`
}

// Budget caps total spend across all phases and fix passes.
type Budget struct {
	CeilingUSD float64 `yaml:"ceiling_usd"`
}

// Workers configures the builder fleet.
type Workers struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	Concurrency int      `yaml:"concurrency"`
	Timeout     string   `yaml:"timeout"`
	GracePeriod string   `yaml:"grace_period"`
	EnvAllow    []string `yaml:"env_allow"`
	EnvBlock    []string `yaml:"env_block"`
}

// TimeoutDuration returns the per-worker wall-clock timeout.
func (w Workers) TimeoutDuration() time.Duration {
	return parseDuration(w.Timeout, 30*time.Minute)
}

// GraceDuration returns the terminate-to-kill grace period.
func (w Workers) GraceDuration() time.Duration {
	return parseDuration(w.GracePeriod, 10*time.Second)
}

// Gate configures the verification layers.
type Gate struct {
	TestPassThreshold float64  `yaml:"test_pass_threshold"`
	ConvergenceFloor  float64  `yaml:"convergence_floor"`
	PartialTolerant   bool     `yaml:"partial_tolerant"`
	Scanners          []string `yaml:"scanners"`
}

// Fix configures the remediation loop.
type Fix struct {
	MaxPasses            int     `yaml:"max_passes"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	EffectivenessFloor   float64 `yaml:"effectiveness_floor"`
	RegressionCeiling    float64 `yaml:"regression_ceiling"`
	FeedTimeout          string  `yaml:"feed_timeout"`
}

// FeedTimeoutDuration returns the timeout for a quick-depth fix re-dispatch.
func (f Fix) FeedTimeoutDuration() time.Duration {
	return parseDuration(f.FeedTimeout, 10*time.Minute)
}

// Collaborators holds the base URLs of the three analysis services.
type Collaborators struct {
	RequirementsURL string `yaml:"requirements_url"`
	ContractsURL    string `yaml:"contracts_url"`
	CodeIntelURL    string `yaml:"code_intel_url"`
	Timeout         string `yaml:"timeout"`
}

// TimeoutDuration returns the HTTP timeout for collaborator calls.
func (c Collaborators) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 60*time.Second)
}

// Audit enables the Postgres event ledger when a DSN is set.
type Audit struct {
	DSN string `yaml:"dsn"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
