// Package collab holds the HTTP clients for the three analysis services the
// orchestrator consumes: requirements decomposition, contract lifecycle, and
// code intelligence. Only the request/response contracts are modeled here;
// the services' internals are someone else's problem.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when a collaborator reports the requested entity
// does not exist.
var ErrNotFound = errors.New("collab: not found")

// ValidationError is returned when a collaborator rejects a request payload.
type ValidationError struct {
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("collab: validation failed: %s", e.Message)
	}
	return fmt.Sprintf("collab: validation failed: %s (%s)", e.Message, strings.Join(e.Issues, "; "))
}

// client is the shared HTTP plumbing for all collaborator clients.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// post sends in as a JSON body and decodes the response into out (when
// out is non-nil). 404 maps to ErrNotFound, 422 to *ValidationError.
func (c *client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// get issues a GET and decodes the response into out.
func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity:
		ve := &ValidationError{}
		if err := json.NewDecoder(resp.Body).Decode(ve); err != nil {
			ve.Message = "unparseable validation response"
		}
		return ve
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
