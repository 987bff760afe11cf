package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorruptArtifact signals a worker's status file was missing or
// unparseable. Callers substitute safe defaults and log the anomaly; this
// error never fails a batch.
var ErrCorruptArtifact = errors.New("dispatch: corrupt status artifact")

// StatusArtifactName is the file each worker writes into its working
// directory to report its own outcome.
const StatusArtifactName = "status.json"

// WorkerStatus is the worker-reported outcome document.
type WorkerStatus struct {
	Success          bool     `json:"success"`
	TestsPassed      int      `json:"tests_passed"`
	TestsTotal       int      `json:"tests_total"`
	ConvergenceRatio float64  `json:"convergence_ratio"`
	Cost             float64  `json:"cost"`
	Health           string   `json:"health"`
	CompletedPhases  []string `json:"completed_phases"`
}

// safeDefaults is what a missing or corrupt artifact degrades to.
func safeDefaults() WorkerStatus {
	return WorkerStatus{Success: false, Health: "unknown"}
}

// ReadStatusArtifact parses the worker's status document. On a missing or
// corrupt file it returns safe defaults alongside ErrCorruptArtifact so the
// caller can log the anomaly without failing.
func ReadStatusArtifact(dir string) (WorkerStatus, error) {
	path := filepath.Join(dir, StatusArtifactName)
	data, err := os.ReadFile(path)
	if err != nil {
		return safeDefaults(), fmt.Errorf("%w: read %s: %v", ErrCorruptArtifact, path, err)
	}
	var st WorkerStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return safeDefaults(), fmt.Errorf("%w: parse %s: %v", ErrCorruptArtifact, path, err)
	}
	return st, nil
}

// requiredOutputs are the files a worker must produce for a claimed success
// to stand: generated source, tests, and a deployment descriptor.
var requiredOutputs = []string{"src", "tests", "deploy.yaml"}

// VerifyOutputs returns the required outputs missing from a worker
// directory. An empty slice means the worker's claim can be trusted.
func VerifyOutputs(dir string) []string {
	var missing []string
	for _, name := range requiredOutputs {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}
