// Package workflow dispatches GitHub Actions workflows via the REST API.
//
// Gates, deploys, and agent launches all run as workflows in the target
// repository. Windlass triggers them with workflow_dispatch events and
// receives results back through authenticated HTTP callbacks.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Dispatcher triggers a named workflow file on a git ref with string inputs.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowFile, ref string, inputs map[string]string) error
}

// Client calls the GitHub Actions REST API.
type Client struct {
	apiURL string
	token  string
	repo   string // "owner/name"
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a dispatch client for one repository.
// apiURL is the API base (https://api.github.com or a GHES endpoint).
func NewClient(apiURL, token, repo string, logger *slog.Logger) *Client {
	return &Client{
		apiURL: apiURL,
		token:  token,
		repo:   repo,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Dispatch triggers workflowFile on ref. The API returns 204 with no body on
// success; anything else is an error.
func (c *Client) Dispatch(ctx context.Context, workflowFile, ref string, inputs map[string]string) error {
	body, err := json.Marshal(dispatchRequest{Ref: ref, Inputs: inputs})
	if err != nil {
		return fmt.Errorf("workflow: marshal dispatch: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches", c.apiURL, c.repo, workflowFile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("workflow: build dispatch request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("workflow: dispatch %s: %w", workflowFile, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("workflow: dispatch %s on %s: status %d: %s",
			workflowFile, ref, resp.StatusCode, string(detail))
	}

	c.logger.Info("dispatched workflow", "workflow", workflowFile, "ref", ref)
	return nil
}
