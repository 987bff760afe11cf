package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// procPhase tracks where a worker subprocess is in its lifecycle. Modeling
// this explicitly keeps timeout behavior deterministic and testable.
type procPhase int

const (
	procRunning procPhase = iota
	procSignaled
	procKilled
	procReaped
)

func (p procPhase) String() string {
	switch p {
	case procRunning:
		return "running"
	case procSignaled:
		return "signaled"
	case procKilled:
		return "killed"
	case procReaped:
		return "reaped"
	}
	return "unknown"
}

// RunSpec describes one subprocess invocation.
type RunSpec struct {
	Dir     string
	Command string
	Args    []string
	Env     []string
	Timeout time.Duration
	Grace   time.Duration
}

// ExecResult is the raw outcome of one subprocess invocation. A timed-out
// or crashed worker still yields an ExecResult; only spawn-level faults
// surface as errors.
type ExecResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	LastPhase string
}

// Commander abstracts subprocess execution for testability.
type Commander interface {
	Run(ctx context.Context, spec RunSpec) (*ExecResult, error)
}

// ExecCommander runs workers as real OS subprocesses in their own process
// group so that terminate/kill reaches the whole worker tree.
type ExecCommander struct{}

// proc is the per-subprocess lifecycle holder.
type proc struct {
	cmd   *exec.Cmd
	mu    sync.Mutex
	phase procPhase
}

func (p *proc) setPhase(ph procPhase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

func (p *proc) currentPhase() procPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// signalGroup sends sig to the subprocess's process group.
func (p *proc) signalGroup(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	// Negative pid addresses the process group created by Setpgid.
	_ = syscall.Kill(-p.cmd.Process.Pid, sig)
}

// Run executes the worker, enforcing the wall-clock timeout with a
// graceful-terminate then force-kill escalation. It always produces an
// ExecResult once the process has been started; only a failure to spawn
// at all returns an error.
func (e *ExecCommander) Run(ctx context.Context, spec RunSpec) (*ExecResult, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	p := &proc{cmd: cmd, phase: procRunning}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	timedOut := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.setPhase(procReaped)
	case <-ctx.Done():
		timedOut = e.terminate(p, done, grace)
	case <-timer.C:
		timedOut = e.terminate(p, done, grace)
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if timedOut && exitCode == 0 {
		exitCode = -1
	}

	return &ExecResult{
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		TimedOut:  timedOut,
		LastPhase: p.currentPhase().String(),
	}, nil
}

// terminate walks the subprocess through signaled → killed → reaped.
// Returns true to indicate the worker did not finish on its own.
func (e *ExecCommander) terminate(p *proc, done chan error, grace time.Duration) bool {
	p.setPhase(procSignaled)
	p.signalGroup(syscall.SIGTERM)

	select {
	case <-done:
		p.setPhase(procReaped)
		return true
	case <-time.After(grace):
	}

	p.setPhase(procKilled)
	p.signalGroup(syscall.SIGKILL)
	<-done
	p.setPhase(procReaped)
	return true
}
