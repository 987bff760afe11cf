package pipeline

import "errors"

// ErrNotFound is returned when a run does not exist or its snapshot was
// written with an incompatible schema version.
var ErrNotFound = errors.New("pipeline: run not found")

// ErrBudgetExceeded signals the configured cost ceiling has been crossed.
// The orchestrator treats it as fatal but shuts down gracefully: the
// snapshot is persisted before the run transitions to failed.
var ErrBudgetExceeded = errors.New("pipeline: budget ceiling exceeded")
