// Package agentclient is the uniform request/response adapter for the
// remote agent capabilities. It hides transport, retries transient
// failures, and reports cost and latency per call.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"agentfactory/backend/internal/config"
	"agentfactory/backend/internal/logging"
)

// operationPaths maps each registered agent id to its invocation path.
var operationPaths = map[string]string{
	"stakeholder": "/collect_feedback",
	"pm":          "/schedule",
	"it":          "/advice",
	"dba":         "/design_schema",
	"ui":          "/generate_ui",
	"code":        "/generate_code",
	"qa":          "/run_qa",
	"security":    "/scan_security",
	"patch":       "/patch_code",
}

// Result is the outcome of one successful agent invocation.
type Result struct {
	Output  json.RawMessage
	Cost    float64
	Elapsed time.Duration
}

// Invoker invokes one registered agent capability with a JSON payload.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, payload map[string]any) (*Result, error)
}

// HTTPClient is the HTTP implementation of Invoker. Each agent is an
// independently deployed service accepting POSTed JSON.
type HTTPClient struct {
	endpoints  map[string]string
	pricing    map[string]float64
	maxRetries int
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPClient creates an HTTPClient from the agent section of the config.
func NewHTTPClient(cfg *config.Config, logger *logging.Logger) *HTTPClient {
	return &HTTPClient{
		endpoints:  cfg.Agents.Endpoints,
		pricing:    cfg.Pricing,
		maxRetries: cfg.Agents.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Agents.Timeout},
		logger:     logger.WithComponent("agentclient"),
	}
}

// agentResponse is the envelope every agent wraps around its output.
type agentResponse struct {
	ModelName string `json:"model_name"`
	Usage     struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Cost  *float64 `json:"cost,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Invoke posts the payload to the agent's endpoint. Transport and timeout
// failures are retried with exponential backoff up to the configured bound;
// validation failures surface immediately.
func (c *HTTPClient) Invoke(ctx context.Context, agentID string, payload map[string]any) (*Result, error) {
	base, ok := c.endpoints[agentID]
	if !ok {
		return nil, &AgentError{Agent: agentID, Kind: KindValidation, Err: fmt.Errorf("unknown agent id %q", agentID)}
	}
	path, ok := operationPaths[agentID]
	if !ok {
		return nil, &AgentError{Agent: agentID, Kind: KindValidation, Err: fmt.Errorf("no operation path for agent %q", agentID)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &AgentError{Agent: agentID, Kind: KindValidation, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	start := time.Now()
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)

	raw, err := backoff.RetryWithData(func() ([]byte, error) {
		return c.post(ctx, agentID, base+path, body)
	}, bo)
	elapsed := time.Since(start)
	if err != nil {
		var agentErr *AgentError
		if errors.As(err, &agentErr) {
			return nil, agentErr
		}
		return nil, &AgentError{Agent: agentID, Kind: KindTransport, Err: err}
	}

	var envelope agentResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &AgentError{Agent: agentID, Kind: KindValidation, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if envelope.Error != "" {
		return nil, &AgentError{Agent: agentID, Kind: KindValidation, Err: errors.New(envelope.Error)}
	}

	cost := c.cost(envelope)
	c.logger.Debug("agent %s responded in %s (cost %.4f)", agentID, elapsed, cost)

	return &Result{Output: raw, Cost: cost, Elapsed: elapsed}, nil
}

// post performs one attempt. Errors it returns are either retryable
// (transport, timeout, 5xx) or wrapped in backoff.Permanent.
func (c *HTTPClient) post(ctx context.Context, agentID, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(&AgentError{Agent: agentID, Kind: KindValidation, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			kind = KindTimeout
		}
		c.logger.Warn("agent %s call failed (%s), will retry: %v", agentID, kind, err)
		return nil, &AgentError{Agent: agentID, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AgentError{Agent: agentID, Kind: KindTransport, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &AgentError{Agent: agentID, Kind: KindTransport, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(&AgentError{Agent: agentID, Kind: KindValidation, Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)})
	}
	return raw, nil
}

// cost converts the reported usage into USD. An explicit cost field from
// the agent wins over the token-based estimate.
func (c *HTTPClient) cost(envelope agentResponse) float64 {
	if envelope.Cost != nil {
		return *envelope.Cost
	}
	price := c.pricing[envelope.ModelName]
	return float64(envelope.Usage.TotalTokens) / 1000.0 * price
}
