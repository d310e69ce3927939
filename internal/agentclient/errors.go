package agentclient

import "fmt"

// ErrorKind classifies an agent invocation failure. Transport and timeout
// failures are transient and retried; validation failures are not.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
)

// AgentError is the failure of one agent invocation after the retry policy
// has been applied.
type AgentError struct {
	Agent string
	Kind  ErrorKind
	Err   error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s error: %v", e.Agent, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the per-call retry policy applies to this kind
// of failure.
func (e *AgentError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout
}
