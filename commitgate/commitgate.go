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

// Package commitgate is the commit boundary: the sole legitimate path from an
// agent to a production mutation. It owns the five named commit actions and
// verifies, independently of the trust gate, that an approved, unexpired,
// reviewer-passed request backs every execution.
package commitgate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/audit"
	"github.com/cordonlabs/cordon/sandbox"
	"github.com/cordonlabs/cordon/schema"
)

// CommitAction is one of the five production write paths.
type CommitAction struct {
	Name                string
	MinTrustLevel       schema.TrustLevel
	Risk                schema.Risk
	AutoApproveEligible bool
}

// The fixed commit-tool registry. send_invoice is L4 and, like
// mark_checkpoint_complete, never auto-approvable.
var commitActions = []CommitAction{
	{Name: "apply_changes", MinTrustLevel: schema.L3, Risk: schema.RiskHigh, AutoApproveEligible: true},
	{Name: "publish_daily_brief", MinTrustLevel: schema.L3, Risk: schema.RiskHigh, AutoApproveEligible: true},
	{Name: "post_alert", MinTrustLevel: schema.L3, Risk: schema.RiskHigh, AutoApproveEligible: true},
	{Name: "mark_checkpoint_complete", MinTrustLevel: schema.L3, Risk: schema.RiskHigh, AutoApproveEligible: false},
	{Name: "send_invoice", MinTrustLevel: schema.L4, Risk: schema.RiskCritical, AutoApproveEligible: false},
}

// Actions returns the commit-tool registry.
func Actions() []CommitAction {
	out := make([]CommitAction, len(commitActions))
	copy(out, commitActions)
	return out
}

// ActionNames returns the commit action names as a set, in the shape the
// trust gate consumes.
func ActionNames() map[string]struct{} {
	names := make(map[string]struct{}, len(commitActions))
	for _, a := range commitActions {
		names[a.Name] = struct{}{}
	}
	return names
}

// Lookup resolves a tool name to its commit action. It accepts the bare
// action name, a {domain}.commit_{action} tool name, or a commit_{action}
// alias.
func Lookup(toolName string) (CommitAction, bool) {
	action := toolName
	if i := strings.LastIndex(action, "."); i >= 0 {
		action = action[i+1:]
	}
	action = strings.TrimPrefix(action, "commit_")
	for _, a := range commitActions {
		if a.Name == action {
			return a, true
		}
	}
	return CommitAction{}, false
}

// Handler materializes one commit action. Handlers must be idempotent per
// commit id.
type Handler func(ctx context.Context, commit *Commit) (map[string]any, error)

// Commit is the context handed to an action handler.
type Commit struct {
	CommitID      string
	RunID         string
	Action        CommitAction
	Args          map[string]any
	Request       *approval.Request
	StagedChanges []*sandbox.StagedChange
}

// Result is the outcome of one commit attempt. A blocked commit carries a
// reason beginning "fail-closed:" naming the gate that failed.
type Result struct {
	CommitID       string         `json:"commit_id"`
	Allowed        bool           `json:"allowed"`
	Reason         string         `json:"reason,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	ChangesApplied int            `json:"changes_applied"`
	Error          string         `json:"error,omitempty"`
}

// Eligibility is the outcome of the eight-gate verification.
type Eligibility struct {
	Eligible bool
	Reason   string
	Action   CommitAction
	Request  *approval.Request
}

// ApprovalReader is the slice of the approval store the boundary reads.
type ApprovalReader interface {
	GetRequestsByRunID(ctx context.Context, runID string) ([]*approval.Request, error)
}

// Metrics receives per-attempt measurements. Optional.
type Metrics interface {
	RecordCommitAttempt(ctx context.Context, action string, committed bool)
}

// Boundary verifies and executes commit actions.
type Boundary struct {
	approvals ApprovalReader
	sandbox   *sandbox.Sandbox
	audits    audit.Store
	handlers  map[string]Handler
	metrics   Metrics
	now       func() time.Time
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithMetrics wires commit-attempt measurements.
func WithMetrics(m Metrics) Option {
	return func(b *Boundary) { b.metrics = m }
}

// New creates a commit boundary with the built-in action handlers. audits may
// be nil in tests; sandbox is required for apply_changes.
func New(approvals ApprovalReader, sbx *sandbox.Sandbox, audits audit.Store, opts ...Option) *Boundary {
	b := &Boundary{
		approvals: approvals,
		sandbox:   sbx,
		audits:    audits,
		handlers:  make(map[string]Handler),
		now:       func() time.Time { return time.Now().UTC() },
	}
	b.handlers["apply_changes"] = b.applyChanges
	b.handlers["publish_daily_brief"] = publishDailyBrief
	b.handlers["post_alert"] = postAlert
	b.handlers["mark_checkpoint_complete"] = markCheckpointComplete
	b.handlers["send_invoice"] = sendInvoice
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHandler replaces the handler for an action. Domain adapters install
// their materialization here.
func (b *Boundary) RegisterHandler(action string, h Handler) error {
	if _, ok := Lookup(action); !ok {
		return fmt.Errorf("unknown commit action %q", action)
	}
	b.handlers[action] = h
	return nil
}

func ineligible(format string, args ...any) *Eligibility {
	return &Eligibility{Eligible: false, Reason: "fail-closed: " + fmt.Sprintf(format, args...)}
}

// VerifyCommitEligibility runs the eight gates in sequence. Every gate must
// pass; each failure names the gate in its reason.
func (b *Boundary) VerifyCommitEligibility(ctx context.Context, runID, toolName string) *Eligibility {
	// Gate 1: inputs.
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(toolName) == "" {
		return ineligible("run id and tool name are required")
	}

	// Gate 2: commit-tool registry membership.
	action, ok := Lookup(toolName)
	if !ok {
		return ineligible("%s is not a commit tool", toolName)
	}

	// Gate 3: a matching approval request exists for the run.
	requests, err := b.approvals.GetRequestsByRunID(ctx, runID)
	if err != nil {
		return ineligible("approval store error: %v", err)
	}
	if len(requests) == 0 {
		return ineligible("no approval request for run %s", runID)
	}
	var req *approval.Request
	for _, r := range requests {
		if r.ActionType == action.Name || r.ActionType == toolName {
			req = r
			break
		}
	}
	if req == nil {
		return ineligible("no approval request matches %s", toolName)
	}

	// Gate 4: trust level meets the action's minimum.
	if req.TrustLevel.Rank() < action.MinTrustLevel.Rank() {
		return ineligible("trust level %s below minimum %s for %s",
			req.TrustLevel, action.MinTrustLevel, action.Name)
	}

	// Gate 5: approved.
	if req.Status != approval.StatusApproved {
		return ineligible("approval status is %s, not APPROVED", req.Status)
	}

	// Gate 6: reviewer verdict PASS.
	if req.ReviewerVerdict != schema.VerdictPass {
		return ineligible("reviewer verdict is not PASS")
	}

	// Gate 7: not expired.
	if req.Expired(b.now()) {
		return ineligible("approval expired at %s", req.ExpiresAt.Format(time.RFC3339))
	}

	// Gate 8: apply_changes needs a non-empty staged-change set.
	if action.Name == "apply_changes" {
		sandboxID := req.SandboxID()
		if sandboxID == "" {
			return ineligible("no sandbox associated with apply_changes")
		}
		if b.sandbox == nil || len(b.sandbox.GetStagedChanges(sandboxID)) == 0 {
			return ineligible("no staged changes to apply in sandbox %s", sandboxID)
		}
	}

	return &Eligibility{Eligible: true, Action: action, Request: req}
}

// ExecuteCommit verifies eligibility and dispatches to the action handler.
// Every attempt, blocked or executed, emits exactly one audit event at stage
// commit carrying the commit id.
func (b *Boundary) ExecuteCommit(ctx context.Context, toolName, runID string, args map[string]any) *Result {
	commitID := uuid.NewString()
	result := &Result{CommitID: commitID}

	defer func() {
		if b.metrics == nil {
			return
		}
		name := toolName
		if action, ok := Lookup(toolName); ok {
			name = action.Name
		}
		b.metrics.RecordCommitAttempt(ctx, name, result.Allowed && result.Error == "")
	}()

	elig := b.VerifyCommitEligibility(ctx, runID, toolName)
	if !elig.Eligible {
		result.Reason = elig.Reason
		b.auditCommit(ctx, toolName, runID, args, elig.Request, result)
		return result
	}

	commit := &Commit{
		CommitID: commitID,
		RunID:    runID,
		Action:   elig.Action,
		Args:     args,
		Request:  elig.Request,
	}

	if elig.Action.Name == "apply_changes" {
		changes, err := b.sandbox.CommitChanges(elig.Request.SandboxID())
		if err != nil {
			result.Reason = "fail-closed: " + err.Error()
			b.auditCommit(ctx, toolName, runID, args, elig.Request, result)
			return result
		}
		commit.StagedChanges = changes
	}

	handler, ok := b.handlers[elig.Action.Name]
	if !ok {
		result.Reason = fmt.Sprintf("fail-closed: no handler for commit action %s", elig.Action.Name)
		b.auditCommit(ctx, toolName, runID, args, elig.Request, result)
		return result
	}

	result.Allowed = true
	output, err := handler(ctx, commit)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Output = output
		result.ChangesApplied = len(commit.StagedChanges)
	}

	b.auditCommit(ctx, toolName, runID, args, elig.Request, result)
	return result
}

// auditCommit emits the single audit event for a commit attempt. Audit
// failures are logged, never propagated.
func (b *Boundary) auditCommit(ctx context.Context, toolName, runID string, args map[string]any, req *approval.Request, result *Result) {
	if b.audits == nil {
		return
	}

	event := &audit.Event{
		Domain:     "unknown",
		Workflow:   "unknown",
		Agent:      "commit-boundary",
		RunID:      runID,
		TrustLevel: schema.L4,
		Stage:      schema.StageCommit,
		Intent:     fmt.Sprintf("commit %s", toolName),
		ToolName:   toolName,
		ToolArgs:   args,
		ToolResult: map[string]any{
			"commit_id":       result.CommitID,
			"allowed":         result.Allowed,
			"changes_applied": result.ChangesApplied,
		},
		Confidence: 1,
	}
	if req != nil {
		event.Domain = req.Domain
		event.Workflow = req.Workflow
		event.Agent = req.Requester
		event.TrustLevel = req.TrustLevel
		event.ApprovalRequestID = req.ID
		event.SandboxID = req.SandboxID()
	}
	switch {
	case result.Error != "":
		event.Errors = []string{result.Error}
		event.Summary = fmt.Sprintf("commit %s failed", toolName)
	case !result.Allowed:
		event.Errors = []string{result.Reason}
		event.Summary = fmt.Sprintf("commit %s blocked", toolName)
	default:
		event.Summary = fmt.Sprintf("commit %s applied %d change(s)", toolName, result.ChangesApplied)
	}

	if _, err := b.audits.Append(ctx, event); err != nil {
		slog.Error("failed to audit commit", "tool", toolName, "run_id", runID, "error", err)
	}
}

// Built-in handlers. They produce the durable commit records; domains
// override them with their own materialization via RegisterHandler.

func (b *Boundary) applyChanges(ctx context.Context, c *Commit) (map[string]any, error) {
	entities := make([]string, 0, len(c.StagedChanges))
	for _, ch := range c.StagedChanges {
		entities = append(entities, string(ch.ChangeType)+":"+ch.EntityType)
	}
	return map[string]any{
		"commit_id": c.CommitID,
		"applied":   len(c.StagedChanges),
		"entities":  entities,
	}, nil
}

func publishDailyBrief(ctx context.Context, c *Commit) (map[string]any, error) {
	return map[string]any{
		"commit_id": c.CommitID,
		"brief_ref": fmt.Sprintf("brief/%s", c.CommitID),
	}, nil
}

func postAlert(ctx context.Context, c *Commit) (map[string]any, error) {
	return map[string]any{
		"commit_id": c.CommitID,
		"alert_ref": fmt.Sprintf("alert/%s", c.CommitID),
	}, nil
}

func markCheckpointComplete(ctx context.Context, c *Commit) (map[string]any, error) {
	return map[string]any{
		"commit_id":  c.CommitID,
		"checkpoint": c.Args["checkpoint_id"],
	}, nil
}

func sendInvoice(ctx context.Context, c *Commit) (map[string]any, error) {
	return map[string]any{
		"commit_id":   c.CommitID,
		"invoice_ref": fmt.Sprintf("invoice/%s", c.CommitID),
	}, nil
}
