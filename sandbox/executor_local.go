// Copyright 2026 Cordon Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PassthroughExecutor invokes handlers in-process with no isolation. Intended
// for tests; selecting it outside a test environment emits a warning.
type PassthroughExecutor struct {
	timeout time.Duration
}

// NewPassthroughExecutor creates the passthrough strategy.
func NewPassthroughExecutor(timeout time.Duration) *PassthroughExecutor {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &PassthroughExecutor{timeout: timeout}
}

// Strategy implements Executor.
func (e *PassthroughExecutor) Strategy() string { return "passthrough" }

// Execute implements Executor. The environment blocklist still applies.
func (e *PassthroughExecutor) Execute(ctx context.Context, input *ExecuteInput) *Result {
	start := time.Now()
	sandboxID := newSandboxID()

	finish := func(r *Result) *Result {
		r.Duration = time.Since(start)
		return r
	}

	if err := input.Validate(); err != nil {
		return finish(deny(sandboxID, ReasonInvalidInput, err.Error()))
	}
	if err := ValidateEnvNames(input.Env); err != nil {
		return finish(deny(sandboxID, ReasonBlockedEnvVarRequested, err.Error()))
	}
	if input.Handler == nil {
		return finish(deny(sandboxID, ReasonInvalidInput, "no in-process handler"))
	}

	timeout := e.timeout
	if input.Timeout > 0 {
		timeout = input.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerOutcome struct {
		value map[string]any
		err   error
	}
	done := make(chan handlerOutcome, 1)
	go func() {
		value, err := input.Handler(execCtx, input.Args)
		done <- handlerOutcome{value, err}
	}()

	select {
	case out := <-done:
		result := &Result{SandboxID: sandboxID, Success: out.err == nil, Value: out.value}
		if out.err != nil {
			result.Error = out.err.Error()
			result.ExitCode = 1
		}
		return finish(result)
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return finish(&Result{
				SandboxID:     sandboxID,
				Error:         ctx.Err().Error(),
				ExitCode:      1,
				FailureReason: ReasonUnknownError,
			})
		}
		return finish(&Result{
			SandboxID:     sandboxID,
			TimedOut:      true,
			ExitCode:      TimeoutExitCode,
			Error:         fmt.Sprintf("execution exceeded %s", timeout),
			FailureReason: ReasonExecutionTimeout,
		})
	}
}

// DenyExecutor refuses every execution with a fixed failure reason. It is the
// fail-closed stand-in when isolation cannot be provided.
type DenyExecutor struct {
	reason FailureReason
	detail string
}

// NewDenyExecutor creates the fail-closed strategy.
func NewDenyExecutor(reason FailureReason, detail string) *DenyExecutor {
	if reason == "" {
		reason = ReasonDockerNotAvailable
	}
	return &DenyExecutor{reason: reason, detail: detail}
}

// Strategy implements Executor.
func (e *DenyExecutor) Strategy() string { return "deny" }

// Execute implements Executor. The handler is never invoked.
func (e *DenyExecutor) Execute(ctx context.Context, input *ExecuteInput) *Result {
	sandboxID := newSandboxID()
	detail := e.detail
	if detail == "" {
		detail = "sandbox isolation unavailable"
	}
	slog.Warn("sandbox execution denied", "sandbox_id", sandboxID,
		"reason", string(e.reason))
	return deny(sandboxID, e.reason, detail)
}
