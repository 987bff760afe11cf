package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeline/forgeline/internal/pipeline"
)

// RequirementsClient talks to the requirements-decomposition collaborator.
type RequirementsClient struct {
	c *client
}

// NewRequirementsClient creates a client against the given base URL.
func NewRequirementsClient(baseURL string, timeout time.Duration) *RequirementsClient {
	return &RequirementsClient{c: newClient(baseURL, timeout)}
}

type decomposeRequest struct {
	Text string `json:"text"`
}

type decomposeResponse struct {
	Plan   *pipeline.Plan       `json:"plan"`
	Issues []pipeline.PlanIssue `json:"issues,omitempty"`
}

// Decompose turns a requirements document into a service plan plus any
// issues the collaborator flagged while decomposing.
func (r *RequirementsClient) Decompose(ctx context.Context, text string) (*pipeline.Plan, []pipeline.PlanIssue, error) {
	var resp decomposeResponse
	if err := r.c.post(ctx, "/decompose", decomposeRequest{Text: text}, &resp); err != nil {
		return nil, nil, fmt.Errorf("decompose: %w", err)
	}
	if resp.Plan == nil {
		return nil, resp.Issues, fmt.Errorf("decompose: collaborator returned no plan")
	}
	return resp.Plan, resp.Issues, nil
}
