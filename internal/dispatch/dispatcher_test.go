package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/forgeline/forgeline/internal/config"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// fakeCommander records invocations and simulates worker behavior per
// directory. onRun, if set, decides the result; otherwise every worker
// succeeds after writing a clean status artifact.
type fakeCommander struct {
	mu      sync.Mutex
	active  int
	peak    int
	runs    []RunSpec
	onRun   func(spec RunSpec) (*ExecResult, error)
	runGate time.Duration
}

func (f *fakeCommander) Run(_ context.Context, spec RunSpec) (*ExecResult, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.runs = append(f.runs, spec)
	f.mu.Unlock()

	if f.runGate > 0 {
		time.Sleep(f.runGate)
	}

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.onRun != nil {
		return f.onRun(spec)
	}
	return &ExecResult{ExitCode: 0, Duration: time.Millisecond, LastPhase: "reaped"}, nil
}

func (f *fakeCommander) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func testDispatcher(t *testing.T, concurrency int, cmd Commander) *Dispatcher {
	t.Helper()
	cfg := config.Workers{
		Command:     "builder",
		Concurrency: concurrency,
		Timeout:     "1m",
		GracePeriod: "1s",
	}
	return NewWithCommander(cfg, zap.NewNop(), cmd)
}

func specs(names ...string) []pipeline.ServiceSpec {
	out := make([]pipeline.ServiceSpec, len(names))
	for i, n := range names {
		out[i] = pipeline.ServiceSpec{Name: n}
	}
	return out
}

// writeWorkerSuccess fakes a worker that wrote a clean status artifact plus
// all required outputs.
func writeWorkerSuccess(t *testing.T, dir string, status string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, StatusArtifactName), []byte(status), 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
	for _, name := range []string{"src", "tests"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "deploy.yaml"), []byte("kind: Deployment\n"), 0o644); err != nil {
		t.Fatalf("write deploy: %v", err)
	}
}

const goodStatus = `{"success": true, "tests_passed": 10, "tests_total": 10, "convergence_ratio": 0.95, "cost": 1.25, "health": "ok", "completed_phases": ["scaffold", "implement", "test"]}`

func TestDispatchBoundedConcurrency(t *testing.T) {
	runDir := t.TempDir()
	fake := &fakeCommander{runGate: 50 * time.Millisecond}
	fake.onRun = func(spec RunSpec) (*ExecResult, error) {
		writeWorkerSuccess(t, spec.Dir, goodStatus)
		return &ExecResult{ExitCode: 0, Duration: time.Millisecond, LastPhase: "reaped"}, nil
	}
	d := testDispatcher(t, 2, fake)

	results, err := d.Dispatch(context.Background(), runDir, specs("a", "b", "c"), 1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if peak := fake.peakConcurrency(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result[%d] (%s): Success = false, want true", i, r.Worker)
		}
		if r.Generation != 1 {
			t.Errorf("result[%d]: Generation = %d, want 1", i, r.Generation)
		}
	}
	// Results stay in spec order regardless of completion order.
	for i, want := range []string{"a", "b", "c"} {
		if results[i].Worker != want {
			t.Errorf("results[%d].Worker = %q, want %q", i, results[i].Worker, want)
		}
	}
}

func TestDispatchWritesWorkerConfig(t *testing.T) {
	runDir := t.TempDir()
	fake := &fakeCommander{}
	fake.onRun = func(spec RunSpec) (*ExecResult, error) {
		writeWorkerSuccess(t, spec.Dir, goodStatus)
		return &ExecResult{ExitCode: 0}, nil
	}
	d := testDispatcher(t, 1, fake)

	if _, err := d.Dispatch(context.Background(), runDir, specs("orders"), 2); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var wc workerConfig
	if err := pipeline.ReadJSON(filepath.Join(runDir, "workers", "orders", WorkerConfigName), &wc); err != nil {
		t.Fatalf("read worker config: %v", err)
	}
	if wc.Spec.Name != "orders" {
		t.Errorf("config Spec.Name = %q, want %q", wc.Spec.Name, "orders")
	}
	if wc.Generation != 2 {
		t.Errorf("config Generation = %d, want 2", wc.Generation)
	}
	if wc.Depth != "full" {
		t.Errorf("config Depth = %q, want %q", wc.Depth, "full")
	}
}

func TestDispatchTimeoutStillReturnsBatch(t *testing.T) {
	runDir := t.TempDir()
	fake := &fakeCommander{}
	fake.onRun = func(spec RunSpec) (*ExecResult, error) {
		if filepath.Base(spec.Dir) == "slow" {
			return &ExecResult{ExitCode: -1, TimedOut: true, Duration: time.Minute, LastPhase: "killed"}, nil
		}
		writeWorkerSuccess(t, spec.Dir, goodStatus)
		return &ExecResult{ExitCode: 0, Duration: time.Millisecond, LastPhase: "reaped"}, nil
	}
	d := testDispatcher(t, 2, fake)

	results, err := d.Dispatch(context.Background(), runDir, specs("slow", "fast"), 1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (batch must complete despite timeout)", len(results))
	}

	slow := results[0]
	if slow.Success {
		t.Error("timed-out worker: Success = true, want false")
	}
	if !slow.TimedOut {
		t.Error("timed-out worker: TimedOut = false, want true")
	}
	if slow.ExitCode == 0 {
		t.Errorf("timed-out worker: ExitCode = 0, want nonzero")
	}
	if !results[1].Success {
		t.Error("unaffected worker should still succeed")
	}
}

func TestDispatchCorruptArtifactSafeDefaults(t *testing.T) {
	runDir := t.TempDir()
	fake := &fakeCommander{}
	fake.onRun = func(spec RunSpec) (*ExecResult, error) {
		// Exit 0 but write garbage instead of a status document.
		if err := os.WriteFile(filepath.Join(spec.Dir, StatusArtifactName), []byte("{broken"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return &ExecResult{ExitCode: 0, LastPhase: "reaped"}, nil
	}
	d := testDispatcher(t, 1, fake)

	results, err := d.Dispatch(context.Background(), runDir, specs("w"), 1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	r := results[0]
	if r.Success {
		t.Error("corrupt artifact: Success = true, want false (safe default)")
	}
	if r.TestsPassed != 0 || r.TestsTotal != 0 || r.Cost != 0 {
		t.Errorf("corrupt artifact should yield zeroed stats, got %+v", r)
	}
}

func TestDispatchClaimedSuccessDowngraded(t *testing.T) {
	runDir := t.TempDir()
	fake := &fakeCommander{}
	fake.onRun = func(spec RunSpec) (*ExecResult, error) {
		// Status claims success but no outputs are produced.
		if err := os.WriteFile(filepath.Join(spec.Dir, StatusArtifactName), []byte(goodStatus), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return &ExecResult{ExitCode: 0, LastPhase: "reaped"}, nil
	}
	d := testDispatcher(t, 1, fake)

	results, err := d.Dispatch(context.Background(), runDir, specs("liar"), 1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	r := results[0]
	if r.Success {
		t.Error("claimed success without outputs must be downgraded to failure")
	}
	if len(r.MissingOutputs) != 3 {
		t.Errorf("MissingOutputs = %v, want all three required outputs", r.MissingOutputs)
	}
}

func TestDispatchSpawnFaultFailsBatch(t *testing.T) {
	runDir := t.TempDir()
	fake := &fakeCommander{}
	fake.onRun = func(spec RunSpec) (*ExecResult, error) {
		return nil, os.ErrPermission
	}
	d := testDispatcher(t, 1, fake)

	if _, err := d.Dispatch(context.Background(), runDir, specs("w"), 1); err == nil {
		t.Fatal("spawn-level fault must surface as a dispatcher error")
	}
}

func TestDispatchEmptySpecs(t *testing.T) {
	d := testDispatcher(t, 1, &fakeCommander{})
	results, err := d.Dispatch(context.Background(), t.TempDir(), nil, 1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil for empty specs", results)
	}
}

func TestFeedViolationsWritesOrderedInstructions(t *testing.T) {
	workerDir := t.TempDir()
	fake := &fakeCommander{}
	fake.onRun = func(spec RunSpec) (*ExecResult, error) {
		writeWorkerSuccess(t, spec.Dir, goodStatus)
		return &ExecResult{ExitCode: 0, LastPhase: "reaped"}, nil
	}
	d := testDispatcher(t, 1, fake)

	findings := []pipeline.Finding{
		{ID: "low", Priority: pipeline.P3, Category: "unstructured_logging"},
		{ID: "crit", Priority: pipeline.P0, Category: "secret_leakage"},
		{ID: "mid", Priority: pipeline.P2, Category: "cors_wildcard"},
	}
	result, err := d.FeedViolations(context.Background(), workerDir, findings, 2, time.Minute)
	if err != nil {
		t.Fatalf("FeedViolations: %v", err)
	}
	if result.Generation != 2 {
		t.Errorf("Generation = %d, want pass number 2", result.Generation)
	}

	var doc fixInstructions
	if err := pipeline.ReadJSON(filepath.Join(workerDir, FixInstructionsName), &doc); err != nil {
		t.Fatalf("read instructions: %v", err)
	}
	if doc.Pass != 2 {
		t.Errorf("doc.Pass = %d, want 2", doc.Pass)
	}
	wantOrder := []string{"crit", "mid", "low"}
	for i, want := range wantOrder {
		if doc.Findings[i].ID != want {
			t.Errorf("findings[%d].ID = %q, want %q (P0 first)", i, doc.Findings[i].ID, want)
		}
	}

	// The re-dispatch must request quick depth with the instruction file.
	last := fake.runs[len(fake.runs)-1]
	if !contains(last.Args, "--depth") || !contains(last.Args, "quick") || !contains(last.Args, FixInstructionsName) {
		t.Errorf("fix re-dispatch args = %v, want quick depth with %s", last.Args, FixInstructionsName)
	}
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
