package collab

import (
	"context"
	"fmt"
	"time"
)

// CodeIntelClient talks to the code-intelligence collaborator.
type CodeIntelClient struct {
	c *client
}

// NewCodeIntelClient creates a client against the given base URL.
func NewCodeIntelClient(baseURL string, timeout time.Duration) *CodeIntelClient {
	return &CodeIntelClient{c: newClient(baseURL, timeout)}
}

type registerArtifactRequest struct {
	Service string `json:"service"`
	Path    string `json:"path"`
}

// RegisterArtifact points the collaborator at a worker's generated output so
// it can index it.
func (c *CodeIntelClient) RegisterArtifact(ctx context.Context, service, path string) error {
	if err := c.c.post(ctx, "/artifacts", registerArtifactRequest{Service: service, Path: path}, nil); err != nil {
		return fmt.Errorf("register artifact %s: %w", service, err)
	}
	return nil
}

// ServiceInterface is the indexed public surface of a generated service.
type ServiceInterface struct {
	Service    string   `json:"service"`
	Operations []string `json:"operations"`
	Endpoints  []string `json:"endpoints,omitempty"`
}

// GetServiceInterface returns the indexed interface of a service.
func (c *CodeIntelClient) GetServiceInterface(ctx context.Context, service string) (*ServiceInterface, error) {
	var resp ServiceInterface
	if err := c.c.get(ctx, "/services/"+service+"/interface", &resp); err != nil {
		return nil, fmt.Errorf("get service interface %s: %w", service, err)
	}
	return &resp, nil
}

type deadCodeResponse struct {
	Locations []string `json:"locations"`
}

// CheckDeadCode returns locations the collaborator believes are unreachable.
func (c *CodeIntelClient) CheckDeadCode(ctx context.Context, service string) ([]string, error) {
	var resp deadCodeResponse
	if err := c.c.get(ctx, "/services/"+service+"/dead-code", &resp); err != nil {
		return nil, fmt.Errorf("check dead code %s: %w", service, err)
	}
	return resp.Locations, nil
}
