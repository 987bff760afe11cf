package fixloop

import (
	"fmt"
	"sort"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// Snapshot is the canonical violation form the fix loop operates on: a
// mapping from category code to the set of affected locations. It is
// captured immediately before and after each fix pass and used only for
// diffing.
type Snapshot map[string]map[string]struct{}

// add records a location under a category.
func (s Snapshot) add(category, location string) {
	set, ok := s[category]
	if !ok {
		set = make(map[string]struct{})
		s[category] = set
	}
	set[location] = struct{}{}
}

// Has reports whether a category contains a location.
func (s Snapshot) Has(category, location string) bool {
	set, ok := s[category]
	if !ok {
		return false
	}
	_, ok = set[location]
	return ok
}

// TakeViolationSnapshot normalizes any of the accepted violation shapes into
// the canonical form. Shape detection happens only here, at the boundary;
// everything downstream works on Snapshot. Accepted shapes:
//
//   - []pipeline.Violation — a flat violation list
//   - map[string][]string — a pre-grouped category→locations map
//   - *pipeline.GateReport — a wrapped report carrying violations per layer
//   - []pipeline.Finding — open findings with category/location
//   - Snapshot — already canonical (copied, not aliased)
func TakeViolationSnapshot(input any) (Snapshot, error) {
	snap := make(Snapshot)
	switch v := input.(type) {
	case nil:
		return snap, nil
	case Snapshot:
		for cat, set := range v {
			for loc := range set {
				snap.add(cat, loc)
			}
		}
	case []pipeline.Violation:
		for _, viol := range v {
			snap.add(viol.Category, viol.Location)
		}
	case map[string][]string:
		for cat, locs := range v {
			for _, loc := range locs {
				snap.add(cat, loc)
			}
		}
	case *pipeline.GateReport:
		if v == nil {
			return snap, nil
		}
		for _, viol := range v.AllViolations() {
			snap.add(viol.Category, viol.Location)
		}
	case []pipeline.Finding:
		for _, f := range v {
			snap.add(f.Category, f.Location)
		}
	default:
		return nil, fmt.Errorf("fixloop: unsupported violation shape %T", input)
	}
	return snap, nil
}

// Regression kinds.
const (
	RegressionNew        = "new"
	RegressionReappeared = "reappeared"
)

// Regression is one location that got worse across a fix pass.
type Regression struct {
	Category string `json:"category"`
	Location string `json:"location"`
	Kind     string `json:"kind"`
}

// DetectRegressions diffs two snapshots per category. A location that was
// marked fixed but appears in after has reappeared; otherwise a location
// present in after but absent from before's category is new. The result is
// ordered by category then location so output is deterministic.
func DetectRegressions(before, after, fixed Snapshot) []Regression {
	var out []Regression
	for cat, set := range after {
		for loc := range set {
			switch {
			case fixed.Has(cat, loc):
				out = append(out, Regression{Category: cat, Location: loc, Kind: RegressionReappeared})
			case !before.Has(cat, loc):
				out = append(out, Regression{Category: cat, Location: loc, Kind: RegressionNew})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
