// Package invoker defines the contract for executing single calls
// against model-serving endpoints, plus wrappers for retry and
// per-provider concurrency limiting. The concrete wire protocol of a
// provider stays behind the Invoker interface.
package invoker

import (
	"context"
	"fmt"
	"time"
)

// ErrorKind classifies provider failures
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindUnavailable    ErrorKind = "unavailable"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindAuth           ErrorKind = "auth"
	KindUnknown        ErrorKind = "unknown"
)

// ProviderError is a failure reported by a model provider. Drivers
// absorb these per unit; they never abort a whole job.
type ProviderError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

// Transient reports whether retrying the same call may succeed
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// ToolDef describes a tool exposed to the model for tool-calling evals
type ToolDef struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolCall is one tool invocation the model requested in its response
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Request describes one call against a model-serving endpoint
type Request struct {
	Target string             `json:"target"`
	Params map[string]float64 `json:"params,omitempty"`
	Prompt string             `json:"prompt"`
	Tools  []ToolDef          `json:"tools,omitempty"`
}

// Usage reports token consumption for one call
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Result is the outcome of one successful model call
type Result struct {
	Output    string        `json:"output"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Usage     Usage         `json:"usage"`
	CostUSD   float64       `json:"cost_usd"`
	Latency   time.Duration `json:"-"`
}

// Invoker executes one call against a model-serving endpoint
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Invoker interface. Used by tests.
type Func func(ctx context.Context, req Request) (*Result, error)

// Invoke implements Invoker
func (f Func) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
