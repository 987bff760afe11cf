package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// ContractsClient talks to the contract-lifecycle collaborator.
type ContractsClient struct {
	c *client
}

// NewContractsClient creates a client against the given base URL.
func NewContractsClient(baseURL string, timeout time.Duration) *ContractsClient {
	return &ContractsClient{c: newClient(baseURL, timeout)}
}

// BreakingChange describes an incompatibility between a registered contract
// and a live interface.
type BreakingChange struct {
	Service  string `json:"service"`
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// ComplianceReport is the collaborator's verdict on one service's contract.
type ComplianceReport struct {
	Service    string   `json:"service"`
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations,omitempty"`
}

type createContractResponse struct {
	ContractID string `json:"contract_id"`
}

// CreateContract registers a contract for a planned service and returns its id.
func (c *ContractsClient) CreateContract(ctx context.Context, spec pipeline.ServiceSpec) (string, error) {
	var resp createContractResponse
	if err := c.c.post(ctx, "/contracts", spec, &resp); err != nil {
		return "", fmt.Errorf("create contract %s: %w", spec.Name, err)
	}
	if resp.ContractID == "" {
		return "", fmt.Errorf("create contract %s: empty contract id", spec.Name)
	}
	return resp.ContractID, nil
}

// ValidateSpec asks the collaborator to validate a service spec against its
// schema rules before any worker is dispatched for it.
func (c *ContractsClient) ValidateSpec(ctx context.Context, spec pipeline.ServiceSpec) error {
	if err := c.c.post(ctx, "/contracts/validate", spec, nil); err != nil {
		return fmt.Errorf("validate spec %s: %w", spec.Name, err)
	}
	return nil
}

type breakingChangesResponse struct {
	Changes []BreakingChange `json:"changes"`
}

// DetectBreakingChanges compares the live interface of a service against its
// registered contract.
func (c *ContractsClient) DetectBreakingChanges(ctx context.Context, service string) ([]BreakingChange, error) {
	var resp breakingChangesResponse
	if err := c.c.get(ctx, "/contracts/"+service+"/breaking-changes", &resp); err != nil {
		return nil, fmt.Errorf("detect breaking changes %s: %w", service, err)
	}
	return resp.Changes, nil
}

// MarkImplemented records that a contract now has a concrete implementation.
func (c *ContractsClient) MarkImplemented(ctx context.Context, contractID string) error {
	if err := c.c.post(ctx, "/contracts/"+contractID+"/implemented", nil, nil); err != nil {
		return fmt.Errorf("mark implemented %s: %w", contractID, err)
	}
	return nil
}

type generateTestsResponse struct {
	Tests []string `json:"tests"`
}

// GenerateTests asks the collaborator for contract-derived test cases.
func (c *ContractsClient) GenerateTests(ctx context.Context, contractID string) ([]string, error) {
	var resp generateTestsResponse
	if err := c.c.post(ctx, "/contracts/"+contractID+"/tests", nil, &resp); err != nil {
		return nil, fmt.Errorf("generate tests %s: %w", contractID, err)
	}
	return resp.Tests, nil
}

// CheckCompliance validates a service's live interface against its contract.
func (c *ContractsClient) CheckCompliance(ctx context.Context, service string) (*ComplianceReport, error) {
	var resp ComplianceReport
	if err := c.c.get(ctx, "/contracts/"+service+"/compliance", &resp); err != nil {
		return nil, fmt.Errorf("check compliance %s: %w", service, err)
	}
	return &resp, nil
}
