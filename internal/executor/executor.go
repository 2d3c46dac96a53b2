// Package executor wraps internal/tools.Registry with the safety
// pre-check, per-tool timeout enforcement, and output redaction
// required between a planned action and its dispatch.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/aegis/internal/safety"
	"github.com/nugget/aegis/internal/tools"
)

// defaultTimeout applies when a tool declares no TimeoutSeconds,
// mirroring internal/tools.ShellExec's own default/cap pattern.
const defaultTimeout = 30 * time.Second

// Result is the uniform tool-invocation contract: tools never throw,
// so every failure — including a safety rejection
// or a declared-timeout expiry — surfaces as Success=false with an
// Error string rather than a panic or an unchecked error return.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Redacted bool
	Duration time.Duration
	TimedOut bool
}

// Executor dispatches one planned action at a time through the safety
// validator and the tool registry.
type Executor struct {
	registry  *tools.Registry
	validator *safety.Validator
}

// New constructs an Executor. validator must not be nil — every
// dispatch is safety-checked, per rule enforcement being
// non-optional.
func New(registry *tools.Registry, validator *safety.Validator) *Executor {
	return &Executor{registry: registry, validator: validator}
}

// Execute runs tool name with the given JSON-encoded arguments,
// enforcing the tool's declared timeout (or defaultTimeout) and
// scanning/redacting the output for credential-shaped substrings
// before returning it.
func (e *Executor) Execute(ctx context.Context, name string, argsJSON string) Result {
	tool := e.registry.Get(name)
	if tool == nil {
		return Result{Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return Result{Error: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	if err := e.validator.ValidateAction(safety.Action{Tool: name, Parameters: args}); err != nil {
		return Result{Error: err.Error()}
	}

	timeout := defaultTimeout
	if tool.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := e.registry.Execute(callCtx, name, argsJSON)
	elapsed := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return Result{Duration: elapsed, TimedOut: true, Error: "timeout"}
		}
		return Result{Duration: elapsed, Error: err.Error()}
	}

	redacted, found := safety.ScanAndRedact(output)
	return Result{Success: true, Output: redacted, Redacted: found, Duration: elapsed}
}
