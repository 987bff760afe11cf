package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a pipeline configuration from the given YAML file,
// then applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./forgeline.yaml, ~/.forgeline/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"forgeline.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".forgeline", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// applyDefaults fills in unset fields with conservative defaults.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline

	if p.MaxIterations <= 0 {
		p.MaxIterations = 50
	}
	if p.PlanningRetries <= 0 {
		p.PlanningRetries = 2
	}
	if p.MaxGateAttempts <= 0 {
		p.MaxGateAttempts = 3
	}
	if p.TransientRetries <= 0 {
		p.TransientRetries = 2
	}
	if p.Workers.Concurrency <= 0 {
		p.Workers.Concurrency = 3
	}
	if p.Gate.TestPassThreshold <= 0 {
		p.Gate.TestPassThreshold = 0.9
	}
	if p.Gate.ConvergenceFloor <= 0 {
		p.Gate.ConvergenceFloor = 0.5
	}
	if len(p.Gate.Scanners) == 0 {
		p.Gate.Scanners = []string{
			"secrets", "cors", "logging", "tracing", "health", "deploy",
		}
	}
	if p.Fix.MaxPasses <= 0 {
		p.Fix.MaxPasses = 5
	}
	if p.Fix.ConvergenceThreshold <= 0 {
		p.Fix.ConvergenceThreshold = 0.85
	}
	if p.Fix.EffectivenessFloor <= 0 {
		p.Fix.EffectivenessFloor = 0.1
	}
	if p.Fix.RegressionCeiling <= 0 {
		p.Fix.RegressionCeiling = 0.5
	}
	if p.Budget.CeilingUSD <= 0 {
		p.Budget.CeilingUSD = 100
	}
}
