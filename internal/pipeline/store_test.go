package pipeline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	ps, err := s.Create("demo", "init")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ps.RunID == "" {
		t.Fatal("RunID should not be empty")
	}
	if ps.Name != "demo" {
		t.Errorf("Name = %q, want %q", ps.Name, "demo")
	}
	if ps.CurrentPhase != "init" {
		t.Errorf("CurrentPhase = %q, want %q", ps.CurrentPhase, "init")
	}
	if ps.Status != StatusPending {
		t.Errorf("Status = %q, want %q", ps.Status, StatusPending)
	}
	if ps.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", ps.SchemaVersion, SchemaVersion)
	}
	if ps.CreatedAt == "" {
		t.Error("CreatedAt should not be empty")
	}

	got, err := s.Get(ps.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("Get Name = %q, want %q", got.Name, "demo")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	ps, err := s.Create("roundtrip", "init")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ps.CurrentPhase = "quality_gate"
	ps.Status = StatusInProgress
	ps.CompletedPhases = []string{"init", "planning", "plan_review"}
	ps.GateAttempts = 2
	ps.FixPassCount = 3
	ps.Score = 0.87
	ps.Plan = &Plan{Services: []ServiceSpec{{Name: "orders", ContractID: "c-1"}}}
	ps.Findings = []Finding{{
		ID: "f-1", Priority: P1, System: "gate", Category: "test_failure",
		Location: "orders/src", Evidence: "3 tests failing", Status: FindingOpen,
		CreatedAt: "2026-08-20T10:00:00Z",
	}}
	ps.BuilderResults = []BuilderResult{{
		Worker: "orders", Generation: 1, Success: true,
		TestsPassed: 9, TestsTotal: 10, ConvergenceRatio: 0.9,
		Cost: 1.5, Duration: "3m0s",
	}}
	ps.GateReport = &GateReport{
		Overall: VerdictPartial,
		Layers: []LayerReport{{
			Layer: "build_evaluation", Blocking: true, Verdict: VerdictPartial,
			Violations: []Violation{{Category: "test_failure", Location: "orders/src", Severity: "high", Message: "below threshold"}},
		}},
		TotalViolations: 1, BlockingViolations: 1,
	}
	ps.FixPasses = []FixPassRecord{{Pass: 1, Attempted: 4, Resolved: 3, FixEffectiveness: 0.75, Score: 0.8}}
	ps.Cost.Add("workers_running", 1.5)

	if err := s.Save(ps); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(ps.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// UpdatedAt changes on every Save; compare the rest field-for-field.
	ps.UpdatedAt = got.UpdatedAt
	if !reflect.DeepEqual(ps, got) {
		t.Errorf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", ps, got)
	}
}

func TestGetMissingRun(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("no-such-run"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing run: err = %v, want ErrNotFound", err)
	}
}

func TestGetSchemaMismatch(t *testing.T) {
	s := newTestStore(t)

	ps, err := s.Create("old-schema", "init")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Rewrite the snapshot with a future schema version.
	path := filepath.Join(s.RunDir(ps.RunID), "pipeline.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	raw["schema_version"] = SchemaVersion + 1
	data, _ = json.Marshal(raw)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	if _, err := s.Get(ps.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get mismatched schema: err = %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)

	ps, err := s.Create("upd", "init")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Update(ps.RunID, func(p *PipelineState) {
		p.Status = StatusInProgress
		p.CurrentPhase = "planning"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get(ps.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", got.Status, StatusInProgress)
	}
	if got.CurrentPhase != "planning" {
		t.Errorf("CurrentPhase = %q, want %q", got.CurrentPhase, "planning")
	}
}

func TestListFiltersAndSkipsBroken(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.Create("a", "init")
	b, _ := s.Create("b", "init")
	_ = s.Update(b.RunID, func(p *PipelineState) { p.Status = StatusCompleted })

	// A corrupt snapshot must be skipped, not fail the listing.
	broken := filepath.Join(s.BaseDir(), "broken-run")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(broken, "pipeline.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d runs, want 2", len(all))
	}

	completed, err := s.List(StatusCompleted)
	if err != nil {
		t.Fatalf("List completed: %v", err)
	}
	if len(completed) != 1 || completed[0].RunID != b.RunID {
		t.Errorf("List completed = %v, want just %s", completed, b.RunID)
	}
	_ = a
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	ps, _ := s.Create("gone", "init")
	if err := s.Delete(ps.RunID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ps.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ps.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete twice: err = %v, want ErrNotFound", err)
	}
}
