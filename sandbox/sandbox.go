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

// Package sandbox runs side-effect-capable tool handlers under isolation and
// buffers their mutations as staged changes until an explicit commit.
//
// The isolation strategy is chosen once at construction: a Docker container
// with resource limits, a fail-closed denier, or an opt-in passthrough for
// tests. When isolation is unavailable the sandbox denies with a specific
// failure reason and the handler is never invoked.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/schema"
)

// FailureReason is the closed enumeration of sandbox denial and failure
// codes.
type FailureReason string

const (
	ReasonDockerNotAvailable       FailureReason = "DOCKER_NOT_AVAILABLE"
	ReasonDockerNotRunning         FailureReason = "DOCKER_NOT_RUNNING"
	ReasonImagePullFailed          FailureReason = "IMAGE_PULL_FAILED"
	ReasonBlockedEnvVarRequested   FailureReason = "BLOCKED_ENV_VAR_REQUESTED"
	ReasonInvalidInput             FailureReason = "INVALID_INPUT"
	ReasonNetworkAllowlistInvalid  FailureReason = "NETWORK_ALLOWLIST_INVALID"
	ReasonArtifactsDirCreateFailed FailureReason = "ARTIFACTS_DIR_CREATION_FAILED"
	ReasonExecutionTimeout         FailureReason = "EXECUTION_TIMEOUT"
	ReasonContainerStartupFailed   FailureReason = "CONTAINER_STARTUP_FAILED"
	ReasonUnknownError             FailureReason = "UNKNOWN_ERROR"
)

// TimeoutExitCode is reported when the wall-clock timeout kills the
// container.
const TimeoutExitCode = 124

// Environment variable names refused outright, in addition to any name
// containing SECRET, PASSWORD, or PRIVATE_KEY.
var blockedEnvVars = map[string]struct{}{
	"API_KEY":                        {},
	"OPENAI_API_KEY":                 {},
	"ANTHROPIC_API_KEY":              {},
	"GEMINI_API_KEY":                 {},
	"AWS_ACCESS_KEY_ID":              {},
	"AWS_SECRET_ACCESS_KEY":          {},
	"AWS_SESSION_TOKEN":              {},
	"GOOGLE_APPLICATION_CREDENTIALS": {},
	"AZURE_CLIENT_SECRET":            {},
	"GITHUB_TOKEN":                   {},
	"GITLAB_TOKEN":                   {},
	"NPM_TOKEN":                      {},
	"SLACK_TOKEN":                    {},
	"SLACK_BOT_TOKEN":                {},
	"STRIPE_API_KEY":                 {},
	"TWILIO_AUTH_TOKEN":              {},
	"SENDGRID_API_KEY":               {},
	"OAUTH_CLIENT_SECRET":            {},
	"DATABASE_URL":                   {},
}

// EnvVarBlocked reports whether an environment variable name is refused.
func EnvVarBlocked(name string) bool {
	upper := strings.ToUpper(name)
	if strings.Contains(upper, "SECRET") ||
		strings.Contains(upper, "PASSWORD") ||
		strings.Contains(upper, "PRIVATE_KEY") {
		return true
	}
	_, blocked := blockedEnvVars[upper]
	return blocked
}

// ValidateEnvNames rejects any blocked environment variable name. Used both
// at configuration time (startup failure) and per-execution (denial).
func ValidateEnvNames(env map[string]string) error {
	for name := range env {
		if EnvVarBlocked(name) {
			return fmt.Errorf("blocked environment variable: %s", name)
		}
	}
	return nil
}

// HandlerFunc is an in-process tool handler. It is only ever invoked by the
// passthrough strategy or after the isolation envelope admits the call.
type HandlerFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// ChangeType classifies a staged mutation.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// StagedChange is a mutation captured in a sandbox's ledger, not yet applied
// to production.
type StagedChange struct {
	ID         string         `json:"id"`
	SandboxID  string         `json:"sandbox_id"`
	Tool       string         `json:"tool"`
	ChangeType ChangeType     `json:"change_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ExecuteInput describes one sandboxed tool invocation.
type ExecuteInput struct {
	ToolName string
	Args     map[string]any

	// Handler is the in-process form of the tool, used by the passthrough
	// strategy.
	Handler HandlerFunc

	// Command overrides the container command for the Docker strategy. When
	// empty the executor's default runner command is used.
	Command []string

	// Env is passed into the execution environment after blocklist
	// validation.
	Env map[string]string

	// NetworkAllowlist enables outbound network access to the listed hosts.
	// Empty means no network.
	NetworkAllowlist []string

	// Timeout overrides the executor's default wall-clock limit.
	Timeout time.Duration

	// Staging metadata recorded with the resulting staged change.
	ChangeType ChangeType
	EntityType string
	EntityID   string
}

// Validate checks the minimum shape of an input for any strategy.
func (in *ExecuteInput) Validate() error {
	if in == nil {
		return schema.FailClosed("sandbox.input")
	}
	if strings.TrimSpace(in.ToolName) == "" {
		return schema.FailClosed("sandbox.tool_name")
	}
	if in.Handler == nil && len(in.Command) == 0 {
		return schema.FailClosed("sandbox.handler")
	}
	if in.ChangeType != "" {
		switch in.ChangeType {
		case ChangeCreate, ChangeUpdate, ChangeDelete:
		default:
			return schema.FailClosed("sandbox.change_type")
		}
	}
	return nil
}

// Result is the outcome of one execute call. A denial carries DeniedByPolicy
// and a FailureReason; the handler was not invoked.
type Result struct {
	SandboxID      string         `json:"sandbox_id"`
	Success        bool           `json:"success"`
	Value          map[string]any `json:"value,omitempty"`
	Error          string         `json:"error,omitempty"`
	ArtifactPaths  []string       `json:"artifact_paths,omitempty"`
	Duration       time.Duration  `json:"duration"`
	TimedOut       bool           `json:"timed_out"`
	ExitCode       int            `json:"exit_code"`
	Stdout         string         `json:"stdout,omitempty"`
	Stderr         string         `json:"stderr,omitempty"`
	FailureReason  FailureReason  `json:"failure_reason,omitempty"`
	DeniedByPolicy bool           `json:"denied_by_policy"`
}

// deny builds a policy-denial result for a sandbox id.
func deny(sandboxID string, reason FailureReason, detail string) *Result {
	return &Result{
		SandboxID:      sandboxID,
		Success:        false,
		Error:          detail,
		FailureReason:  reason,
		DeniedByPolicy: true,
	}
}

// newSandboxID generates the stable id assigned to one execute call.
func newSandboxID() string {
	return "cordon-sbx-" + uuid.NewString()[:8]
}

// Executor is an isolation strategy.
type Executor interface {
	// Execute runs one tool invocation. It always returns a result; isolation
	// failures surface as denials, never as invoked handlers.
	Execute(ctx context.Context, input *ExecuteInput) *Result

	// Strategy names the isolation strategy for logs and audit.
	Strategy() string
}

// Sandbox couples an isolation strategy with the staged-change ledger.
// The ledger is partitioned by sandbox id and not shared across sandboxes.
type Sandbox struct {
	executor      Executor
	artifactsRoot string

	mu     sync.Mutex
	staged map[string][]*StagedChange
}

// New creates a sandbox service over an isolation strategy.
func New(executor Executor, artifactsRoot string) *Sandbox {
	if artifactsRoot == "" {
		artifactsRoot = filepath.Join(os.TempDir(), "cordon-artifacts")
	}
	return &Sandbox{
		executor:      executor,
		artifactsRoot: artifactsRoot,
		staged:        make(map[string][]*StagedChange),
	}
}

// Strategy names the underlying isolation strategy.
func (s *Sandbox) Strategy() string { return s.executor.Strategy() }

// Execute runs the input under the configured strategy and, on success,
// records the result as a staged change in the sandbox's ledger.
func (s *Sandbox) Execute(ctx context.Context, input *ExecuteInput) *Result {
	result := s.executor.Execute(ctx, input)
	if !result.Success {
		return result
	}

	change := &StagedChange{
		ID:         uuid.NewString(),
		SandboxID:  result.SandboxID,
		Tool:       input.ToolName,
		ChangeType: input.ChangeType,
		EntityType: input.EntityType,
		EntityID:   input.EntityID,
		Payload:    result.Value,
		CreatedAt:  time.Now().UTC(),
	}
	if change.ChangeType == "" {
		change.ChangeType = ChangeCreate
	}

	s.mu.Lock()
	s.staged[result.SandboxID] = append(s.staged[result.SandboxID], change)
	s.mu.Unlock()

	return result
}

// GetStagedChanges returns the ledger for a sandbox in insertion order.
func (s *Sandbox) GetStagedChanges(sandboxID string) []*StagedChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := s.staged[sandboxID]
	out := make([]*StagedChange, len(changes))
	copy(out, changes)
	return out
}

// CommitChanges hands the ledger to the caller for materialization and clears
// it. The changes are either all committed or all discarded; domain code
// performs the actual writes.
func (s *Sandbox) CommitChanges(sandboxID string) ([]*StagedChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes, ok := s.staged[sandboxID]
	if !ok || len(changes) == 0 {
		return nil, fmt.Errorf("no staged changes for sandbox %s", sandboxID)
	}
	delete(s.staged, sandboxID)
	return changes, nil
}

// RollbackChanges discards the ledger for a sandbox.
func (s *Sandbox) RollbackChanges(sandboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, sandboxID)
}

// Cleanup removes the sandbox's artifacts directory and clears its state.
func (s *Sandbox) Cleanup(sandboxID string) error {
	s.RollbackChanges(sandboxID)
	if sandboxID == "" {
		return nil
	}
	dir := filepath.Join(s.artifactsRoot, sandboxID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove artifacts dir: %w", err)
	}
	return nil
}
