package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

// Client talks to the control plane's HTTP API with a bearer credential.
// Runners use it to fetch authoritative desired state and report observed
// status.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates an API client.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do issues a request and decodes the response into out when non-nil.
// API error bodies are mapped back onto the error taxonomy; transport
// failures are transient.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Buffer
	if in != nil {
		body = &bytes.Buffer{}
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return apierror.Internal(err)
		}
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apierror.Internal(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierror.Transient("control plane request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		msg := eb.Message
		if msg == "" {
			msg = resp.Status
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return apierror.NotAuthenticated(msg)
		case resp.StatusCode == http.StatusForbidden:
			return apierror.Denied(msg)
		case resp.StatusCode == http.StatusNotFound:
			return apierror.NotFound(msg)
		case resp.StatusCode == http.StatusBadRequest:
			return apierror.WrongParameters(msg)
		case resp.StatusCode == http.StatusConflict:
			return apierror.Conflict(msg)
		case resp.StatusCode >= 500:
			return apierror.Transient(msg, nil)
		default:
			return apierror.New(apierror.TypeInternal, msg)
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apierror.Transient("failed to decode control plane response", err)
		}
	}
	return nil
}

// GetDeployment fetches one deployment's desired-state record.
func (c *Client) GetDeployment(ctx context.Context, workspaceID, id string) (*types.Deployment, error) {
	var d types.Deployment
	path := fmt.Sprintf("/workspace/%s/deployment/%s", workspaceID, id)
	if err := c.do(ctx, http.MethodGet, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListRunnerDeployments fetches every deployment bound to the runner.
func (c *Client) ListRunnerDeployments(ctx context.Context, workspaceID, runnerID string) ([]*types.Deployment, error) {
	var out []*types.Deployment
	path := fmt.Sprintf("/workspace/%s/runner/%s/deployment", workspaceID, runnerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportStatus pushes an observed deployment status to the control plane.
func (c *Client) ReportStatus(ctx context.Context, workspaceID, id string, status types.DeploymentStatus) error {
	path := fmt.Sprintf("/workspace/%s/deployment/%s/status", workspaceID, id)
	body := map[string]string{"status": string(status)}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}
