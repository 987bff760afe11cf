package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgeline/forgeline/internal/collab"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// ContractChecker is the slice of the contract collaborator this layer
// consumes.
type ContractChecker interface {
	DetectBreakingChanges(ctx context.Context, service string) ([]collab.BreakingChange, error)
	CheckCompliance(ctx context.Context, service string) (*collab.ComplianceReport, error)
}

// InterfaceIndex is the slice of the code-intelligence collaborator this
// layer consumes: the indexed live interface of each generated service.
type InterfaceIndex interface {
	GetServiceInterface(ctx context.Context, service string) (*collab.ServiceInterface, error)
}

// ContractLayer validates live interfaces against previously registered
// contracts. Breaking changes and unimplemented planned operations surface
// as high-severity violations.
type ContractLayer struct {
	Checker ContractChecker
	Index   InterfaceIndex
}

func (l *ContractLayer) Name() string   { return "contract_compliance" }
func (l *ContractLayer) Blocking() bool { return true }

func (l *ContractLayer) Run(ctx context.Context, target *Target) (pipeline.Verdict, []pipeline.Violation, error) {
	if target.Plan == nil || len(target.Plan.Services) == 0 {
		return pipeline.VerdictSkipped, nil, nil
	}

	var violations []pipeline.Violation
	compliant := 0

	for _, svc := range target.Plan.Services {
		svcOK := true

		iface, err := l.Index.GetServiceInterface(ctx, svc.Name)
		switch {
		case errors.Is(err, collab.ErrNotFound):
			svcOK = false
			violations = append(violations, pipeline.Violation{
				Category: "missing_artifact",
				Location: svc.Name,
				Severity: "high",
				Message:  "service interface was never indexed",
				Source:   l.Name(),
			})
		case err != nil:
			return pipeline.VerdictFailed, violations, fmt.Errorf("service interface for %s: %w", svc.Name, err)
		default:
			for _, op := range missingOperations(svc.Operations, iface.Operations) {
				svcOK = false
				violations = append(violations, pipeline.Violation{
					Category: "contract_violation",
					Location: svc.Name,
					Severity: "high",
					Message:  fmt.Sprintf("planned operation %s is not in the live interface", op),
					Source:   l.Name(),
				})
			}
		}

		changes, err := l.Checker.DetectBreakingChanges(ctx, svc.Name)
		if err != nil {
			return pipeline.VerdictFailed, violations, fmt.Errorf("breaking changes for %s: %w", svc.Name, err)
		}
		for _, ch := range changes {
			svcOK = false
			sev := ch.Severity
			if sev == "" {
				sev = "high"
			}
			violations = append(violations, pipeline.Violation{
				Category: "breaking_change",
				Location: svc.Name + "/" + ch.Path,
				Severity: sev,
				Message:  fmt.Sprintf("%s: %s", ch.Kind, ch.Detail),
				Source:   l.Name(),
			})
		}

		report, err := l.Checker.CheckCompliance(ctx, svc.Name)
		if err != nil {
			return pipeline.VerdictFailed, violations, fmt.Errorf("compliance for %s: %w", svc.Name, err)
		}
		if !report.Compliant {
			svcOK = false
			for _, v := range report.Violations {
				violations = append(violations, pipeline.Violation{
					Category: "contract_violation",
					Location: svc.Name,
					Severity: "high",
					Message:  v,
					Source:   l.Name(),
				})
			}
		}

		if svcOK {
			compliant++
		}
	}

	switch {
	case compliant == len(target.Plan.Services):
		return pipeline.VerdictPassed, violations, nil
	case compliant > 0:
		return pipeline.VerdictPartial, violations, nil
	default:
		return pipeline.VerdictFailed, violations, nil
	}
}

func missingOperations(planned, live []string) []string {
	have := make(map[string]struct{}, len(live))
	for _, op := range live {
		have[op] = struct{}{}
	}
	var missing []string
	for _, op := range planned {
		if _, ok := have[op]; !ok {
			missing = append(missing, op)
		}
	}
	return missing
}
