package instance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// RemoteProvider talks to an external instance provider over its REST API.
// The provider owns the sandbox lifecycle; this client only reads status,
// resumes, and relays tool calls.
type RemoteProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewRemoteProvider creates a client for the provider at endpoint.
func NewRemoteProvider(endpoint, apiKey string, logger *zap.Logger) *RemoteProvider {
	return &RemoteProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 90 * time.Second},
		logger:   logger,
	}
}

type remoteInstance struct {
	Status       string       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
}

// Status fetches the provider's view of the instance.
func (p *RemoteProvider) Status(ctx context.Context, instanceID string) (plan.InstanceStatus, error) {
	var inst remoteInstance
	if err := p.do(ctx, http.MethodGet, "/v1/instances/"+instanceID, nil, &inst); err != nil {
		return "", fmt.Errorf("fetch instance %s: %w", instanceID, err)
	}
	switch inst.Status {
	case "running":
		return plan.InstanceRunning, nil
	case "paused", "pausing":
		return plan.InstancePaused, nil
	case "stopped", "terminated":
		return plan.InstanceStopped, nil
	default:
		return plan.InstanceError, nil
	}
}

// Resume asks the provider to unpause the instance and waits for it to
// report running, up to a short poll budget.
func (p *RemoteProvider) Resume(ctx context.Context, instanceID string) error {
	if err := p.do(ctx, http.MethodPost, "/v1/instances/"+instanceID+"/resume", nil, nil); err != nil {
		return fmt.Errorf("resume instance %s: %w", instanceID, err)
	}
	for i := 0; i < 10; i++ {
		st, err := p.Status(ctx, instanceID)
		if err != nil {
			return err
		}
		if st == plan.InstanceRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("instance %s did not reach running after resume", instanceID)
}

// Connect returns a tool surface bound to the instance.
func (p *RemoteProvider) Connect(ctx context.Context, instanceID string) (ToolSurface, Capabilities, error) {
	var inst remoteInstance
	if err := p.do(ctx, http.MethodGet, "/v1/instances/"+instanceID, nil, &inst); err != nil {
		return nil, Capabilities{}, fmt.Errorf("connect instance %s: %w", instanceID, err)
	}
	return &remoteSurface{provider: p, instanceID: instanceID}, inst.Capabilities, nil
}

type remoteSurface struct {
	provider   *RemoteProvider
	instanceID string
}

type remoteToolRequest struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type remoteToolResponse struct {
	Text       string `json:"text"`
	Screenshot string `json:"screenshot,omitempty"`
	IsError    bool   `json:"is_error"`
}

func (s *remoteSurface) Execute(ctx context.Context, tool string, argsJSON string) (*Result, error) {
	req := remoteToolRequest{Tool: tool, Args: json.RawMessage(argsJSON)}
	var resp remoteToolResponse
	err := s.provider.do(ctx, http.MethodPost, "/v1/instances/"+s.instanceID+"/tools", req, &resp)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", tool, err)
	}

	res := &Result{Text: resp.Text, IsError: resp.IsError}
	if resp.Screenshot != "" {
		shot, decErr := base64.StdEncoding.DecodeString(resp.Screenshot)
		if decErr != nil {
			s.provider.logger.Warn("screenshot payload not decodable", zap.Error(decErr))
		} else {
			res.Screenshot = shot
		}
	}
	return res, nil
}

// do sends one API call, mapping provider status codes onto the fatal error
// classes so the retry wrapper short-circuits correctly.
func (p *RemoteProvider) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: provider returned %d", ErrAuthRequired, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: provider returned %d", ErrInvalidArgument, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("provider returned %d for %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
