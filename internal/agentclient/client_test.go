package agentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfactory/backend/internal/config"
	"agentfactory/backend/internal/logging"
)

func newTestClient(t *testing.T, agentURL string) *HTTPClient {
	t.Helper()
	cfg := &config.Config{}
	cfg.Agents.Endpoints = map[string]string{"code": agentURL}
	cfg.Agents.Timeout = 2 * time.Second
	cfg.Agents.MaxRetries = 2
	cfg.Pricing = map[string]float64{"o4-mini": 0.004}
	return NewHTTPClient(cfg, logging.NewLogger())
}

func TestInvokeComputesCostFromUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate_code", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"model_name":"o4-mini","usage":{"total_tokens":2000},"code":"print('hi')"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	res, err := client.Invoke(context.Background(), "code", map[string]any{"prompt": "todo app"})
	require.NoError(t, err)

	// 2000 tokens at 0.004 USD per 1k.
	assert.InDelta(t, 0.008, res.Cost, 1e-9)
	assert.Contains(t, string(res.Output), "print('hi')")
	assert.Greater(t, res.Elapsed, time.Duration(0))
}

func TestInvokePrefersExplicitCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model_name":"o4-mini","usage":{"total_tokens":2000},"cost":0.5}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	res, err := client.Invoke(context.Background(), "code", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Cost, 1e-9)
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"model_name":"o4-mini","usage":{"total_tokens":100}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Invoke(context.Background(), "code", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeDoesNotRetryValidationFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"missing prompt"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Invoke(context.Background(), "code", nil)

	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindValidation, agentErr.Kind)
	assert.False(t, agentErr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvokeSurfacesAgentReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model overloaded, rejected"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Invoke(context.Background(), "code", nil)

	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindValidation, agentErr.Kind)
	assert.Contains(t, agentErr.Error(), "model overloaded")
}

func TestInvokeExhaustsRetriesAsTransport(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Invoke(context.Background(), "code", nil)

	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindTransport, agentErr.Kind)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeUnknownAgent(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:0")
	_, err := client.Invoke(context.Background(), "fortune_teller", nil)

	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindValidation, agentErr.Kind)
}
