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

// Package orchestrator runs trust-gated workflows: it drives each stage's
// agent through the LLM, dispatches tool calls through the router, captures
// the reviewer verdict, and manages the approval pause around the commit
// stage.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/audit"
	"github.com/cordonlabs/cordon/commitgate"
	"github.com/cordonlabs/cordon/gate"
	"github.com/cordonlabs/cordon/llm"
	"github.com/cordonlabs/cordon/router"
	"github.com/cordonlabs/cordon/schema"
)

// Run terminal statuses.
const (
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusRequiresApproval = "requires_approval"
)

const defaultMaxTurns = 8

// RunResult is the outcome of one workflow run.
type RunResult struct {
	RunID             string
	Status            string
	FinalResult       string
	Events            []*audit.Event
	Duration          time.Duration
	ApprovalRequestID string
	Verdict           schema.Verdict
	TokensUsed        int
}

// Metrics receives per-run measurements. Optional.
type Metrics interface {
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
}

// Tracer emits spans for stages, model calls, and tool dispatches. Optional.
type Tracer interface {
	StartStage(ctx context.Context, stage schema.Stage, agent string) (context.Context, trace.Span)
	StartLLMCall(ctx context.Context, model string, maxTokens int, temperature float64) (context.Context, trace.Span)
	StartToolCall(ctx context.Context, toolName, callID string, stage schema.Stage) (context.Context, trace.Span)
	AddDecision(span trace.Span, d *gate.Decision)
	AddLLMUsage(span trace.Span, inputTokens, outputTokens int)
	RecordError(span trace.Span, err error)
}

// Orchestrator executes workflows.
type Orchestrator struct {
	router    *router.Router
	provider  llm.Provider
	audits    audit.Store
	approvals approval.Store
	boundary  *commitgate.Boundary
	metrics   Metrics
	tracer    Tracer
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithApprovalStore enables the commit-stage approval flow.
func WithApprovalStore(s approval.Store) Option {
	return func(o *Orchestrator) { o.approvals = s }
}

// WithCommitBoundary wires the direct commit path used after auto-approval.
func WithCommitBoundary(b *commitgate.Boundary) Option {
	return func(o *Orchestrator) { o.boundary = b }
}

// WithMetrics wires model-call measurements.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer wires span emission for stages, model calls, and tool dispatches.
func WithTracer(t Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. Router, provider, and audit store are
// mandatory.
func New(rt *router.Router, provider llm.Provider, audits audit.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:   rt,
		provider: provider,
		audits:   audits,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the mutable state threaded through one workflow execution.
type run struct {
	id       string
	workflow *schema.WorkflowDefinition
	domain   string
	verdict  schema.Verdict
	result   *RunResult

	// pendingCommit is the last commit tool the gate held for approval
	// during the commit stage.
	pendingCommit *pendingCommit
	// sandboxID is the most recent sandbox this run staged changes in.
	sandboxID string
	// reviewerNotes is the reviewer stage's final text.
	reviewerNotes string
}

type pendingCommit struct {
	toolName            string
	args                map[string]any
	trustLevel          schema.TrustLevel
	autoApproveEligible bool
}

// Execute runs the workflow against the input until it completes, fails, or
// pauses for human approval.
func (o *Orchestrator) Execute(ctx context.Context, workflow *schema.WorkflowDefinition, input string) *RunResult {
	start := o.now()
	r := &run{
		id:       uuid.NewString(),
		workflow: workflow,
		result:   &RunResult{Status: StatusFailed},
	}
	r.result.RunID = r.id
	defer func() {
		r.result.Duration = o.now().Sub(start)
		r.result.Verdict = r.verdict
	}()

	if workflow == nil {
		o.audit(ctx, r, schema.StagePlan, "run rejected", "", []string{"fail-closed: workflow"})
		r.result.FinalResult = "fail-closed: workflow"
		return r.result
	}
	r.domain = string(workflow.Domain)
	if err := workflow.Validate(); err != nil {
		o.audit(ctx, r, schema.StagePlan, "workflow validation failed", "", []string{err.Error()})
		r.result.FinalResult = err.Error()
		return r.result
	}

	stageInput := input
	for _, stage := range workflow.Stages {
		agent := workflow.AgentForStage(stage)
		if agent == nil {
			msg := fmt.Sprintf("no agent for stage %s", stage)
			o.audit(ctx, r, stage, msg, "", []string{msg})
			r.result.FinalResult = msg
			return r.result
		}

		if stage == schema.StageCommit && r.verdict == "" {
			msg := "commit stage reached without a reviewer verdict"
			o.audit(ctx, r, stage, msg, "", []string{msg})
			r.result.FinalResult = msg
			return r.result
		}

		stageCtx := ctx
		var span trace.Span
		if o.tracer != nil {
			stageCtx, span = o.tracer.StartStage(ctx, stage, agent.Name)
		}

		text, err := o.runAgent(stageCtx, r, agent, stage, stageInput)
		if err != nil {
			if o.tracer != nil {
				o.tracer.RecordError(span, err)
			}
			endSpan(span)
			o.audit(ctx, r, stage, fmt.Sprintf("stage %s failed", stage), "", []string{err.Error()})
			r.result.FinalResult = err.Error()
			return r.result
		}

		if stage == schema.StageReview {
			r.reviewerNotes = text
			verdict, found := ParseVerdict(text)
			if !found {
				endSpan(span)
				msg := "reviewer produced no verdict"
				o.audit(ctx, r, stage, msg, "", []string{msg})
				r.result.FinalResult = msg
				return r.result
			}
			r.verdict = verdict
			if verdict == schema.VerdictFail {
				endSpan(span)
				o.audit(ctx, r, stage, "reviewer FAIL — commit blocked", "", nil)
				r.result.FinalResult = text
				return r.result
			}
		}

		if stage == schema.StageCommit && r.pendingCommit != nil {
			done, res := o.resolveCommit(stageCtx, r)
			if !done {
				endSpan(span)
				return res
			}
			text = res.FinalResult
		}

		endSpan(span)
		stageInput = text
		r.result.FinalResult = text
	}

	r.result.Status = StatusCompleted
	o.audit(ctx, r, lastStage(workflow), "run completed", "", nil)
	return r.result
}

func lastStage(w *schema.WorkflowDefinition) schema.Stage {
	return w.Stages[len(w.Stages)-1]
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// runAgent drives one agent's LLM loop, dispatching tool calls through the
// router with the current reviewer verdict threaded in.
func (o *Orchestrator) runAgent(ctx context.Context, r *run, agent *schema.AgentDefinition, stage schema.Stage, input string) (string, error) {
	maxTurns := agent.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	tools := o.agentTools(agent)
	messages := []llm.Message{
		{Role: "system", Content: agent.SystemPrompt},
		{Role: "user", Content: input},
	}

	var lastText string
	for turn := 0; turn < maxTurns; turn++ {
		callCtx := ctx
		var span trace.Span
		if o.tracer != nil {
			callCtx, span = o.tracer.StartLLMCall(ctx, o.provider.ModelName(), 0, 0)
		}
		callStart := time.Now()
		reply, err := o.provider.Generate(callCtx, messages, tools)
		if o.metrics != nil {
			var in, out int
			if reply != nil {
				in, out = reply.InputTokens, reply.OutputTokens
			}
			o.metrics.RecordLLMCall(ctx, o.provider.ModelName(), time.Since(callStart), in, out, err)
		}
		if err != nil {
			if o.tracer != nil {
				o.tracer.RecordError(span, err)
			}
			endSpan(span)
			return "", fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		if o.tracer != nil {
			o.tracer.AddLLMUsage(span, reply.InputTokens, reply.OutputTokens)
		}
		endSpan(span)
		r.result.TokensUsed += reply.TokensUsed
		lastText = reply.Text

		if len(reply.ToolCalls) == 0 {
			return reply.Text, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   reply.Text,
			ToolCalls: reply.ToolCalls,
		})
		for _, tc := range reply.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    o.dispatchToolCall(ctx, r, agent, stage, tc),
			})
		}
	}
	slog.Warn("agent exhausted max turns", "agent", agent.Name, "run_id", r.id, "max_turns", maxTurns)
	return lastText, nil
}

func (o *Orchestrator) agentTools(agent *schema.AgentDefinition) []*schema.ToolDefinition {
	var tools []*schema.ToolDefinition
	for _, def := range o.router.Tools() {
		if agent.AllowsTool(def.Name) {
			tools = append(tools, def)
		}
	}
	return tools
}

// dispatchToolCall routes one model-issued call and renders the result for
// the conversation.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, r *run, agent *schema.AgentDefinition, stage schema.Stage, tc llm.ToolCall) string {
	if !agent.AllowsTool(tc.Name) {
		return fmt.Sprintf(`{"error": "tool %s is not allowed for agent %s"}`, tc.Name, agent.Name)
	}

	callCtx := ctx
	var span trace.Span
	if o.tracer != nil {
		callCtx, span = o.tracer.StartToolCall(ctx, tc.Name, tc.ID, stage)
		defer endSpan(span)
	}

	res := o.router.Call(callCtx, &router.CallRequest{
		ToolName: tc.Name,
		Args:     tc.Arguments,
		Stage:    stage,
		Context: &gate.CallContext{
			Domain:          r.domain,
			Workflow:        r.workflow.Name,
			Agent:           agent.Name,
			RunID:           r.id,
			Intent:          fmt.Sprintf("%s stage tool call", stage),
			ReviewerVerdict: r.verdict,
		},
	})
	if o.tracer != nil && res.Decision != nil {
		o.tracer.AddDecision(span, res.Decision)
	}

	if res.Sandbox != nil && res.Sandbox.Success {
		r.sandboxID = res.Sandbox.SandboxID
	}

	if !res.Allowed {
		d := res.Decision
		if d.RequiresApproval && d.CommitTool && stage == schema.StageCommit {
			r.pendingCommit = &pendingCommit{
				toolName:            tc.Name,
				args:                tc.Arguments,
				trustLevel:          d.TrustLevel,
				autoApproveEligible: d.AutoApproveEligible,
			}
			return fmt.Sprintf(`{"status": "pending_approval", "reason": %q}`, d.Reason)
		}
		return fmt.Sprintf(`{"error": %q}`, d.Reason)
	}

	if res.Error != "" {
		return fmt.Sprintf(`{"error": %q}`, res.Error)
	}
	payload, err := json.Marshal(res.Output)
	if err != nil {
		return `{"error": "unencodable tool result"}`
	}
	return string(payload)
}

// resolveCommit handles the held commit tool after the commit-stage agent
// finishes: it creates the approval request and either auto-approves and
// commits, or pauses the run. Returns done=true when the run may complete.
func (o *Orchestrator) resolveCommit(ctx context.Context, r *run) (bool, *RunResult) {
	pc := r.pendingCommit

	if o.approvals == nil || o.boundary == nil {
		o.audit(ctx, r, schema.StageCommit, "paused: requires human approval", "",
			[]string{"no approval store configured"})
		r.result.Status = StatusRequiresApproval
		r.result.FinalResult = fmt.Sprintf("commit tool %s requires human approval", pc.toolName)
		return false, r.result
	}

	action, ok := commitgate.Lookup(pc.toolName)
	if !ok {
		msg := fmt.Sprintf("fail-closed: %s is not a commit tool", pc.toolName)
		o.audit(ctx, r, schema.StageCommit, msg, "", []string{msg})
		r.result.FinalResult = msg
		return false, r.result
	}

	payload := map[string]any{"args": pc.args}
	if r.sandboxID != "" {
		payload["sandbox_id"] = r.sandboxID
	}
	req, err := o.approvals.CreateRequest(ctx, &approval.Request{
		Domain:          r.domain,
		RunID:           r.id,
		Workflow:        r.workflow.Name,
		Requester:       "orchestrator",
		TrustLevel:      action.MinTrustLevel,
		ActionType:      action.Name,
		ActionPayload:   payload,
		ReviewerVerdict: r.verdict,
		ReviewerNotes:   r.reviewerNotes,
	})
	if err != nil {
		o.audit(ctx, r, schema.StageCommit, "approval request creation failed", "", []string{err.Error()})
		r.result.FinalResult = err.Error()
		return false, r.result
	}
	r.result.ApprovalRequestID = req.ID

	if req.AutoApproveEligible && r.verdict == schema.VerdictPass {
		decision, err := o.approvals.AutoApprove(ctx, req.ID)
		if err != nil {
			o.audit(ctx, r, schema.StageCommit, "auto-approve failed", "", []string{err.Error()})
			r.result.FinalResult = err.Error()
			return false, r.result
		}
		if decision != nil {
			o.audit(ctx, r, schema.StageCommit,
				fmt.Sprintf("auto-approved %s", action.Name), req.ID, nil)

			commit := o.boundary.ExecuteCommit(ctx, pc.toolName, r.id, pc.args)
			if !commit.Allowed || commit.Error != "" {
				reason := commit.Reason
				if reason == "" {
					reason = commit.Error
				}
				r.result.FinalResult = reason
				return false, r.result
			}
			out, _ := json.Marshal(commit.Output)
			r.result.FinalResult = string(out)
			return true, r.result
		}
	}

	o.audit(ctx, r, schema.StageCommit, "paused: requires human approval", req.ID, nil)
	r.result.Status = StatusRequiresApproval
	r.result.FinalResult = fmt.Sprintf("approval request %s awaiting human decision", req.ID)
	return false, r.result
}

// audit emits an orchestrator lifecycle event and captures it on the result.
// Failures are logged, never propagated.
func (o *Orchestrator) audit(ctx context.Context, r *run, stage schema.Stage, summary, approvalID string, errs []string) {
	if o.audits == nil {
		return
	}
	domain := r.domain
	if domain == "" {
		domain = "unknown"
	}
	workflow := "unknown"
	if r.workflow != nil {
		workflow = r.workflow.Name
	}
	event := &audit.Event{
		Domain:     domain,
		Workflow:   workflow,
		Agent:      "orchestrator",
		RunID:      r.id,
		TrustLevel: schema.L0,
		Stage:      stage,
		Intent:     "workflow lifecycle",
		Summary:    summary,
		Errors:     errs,
		Confidence: 1,
		SandboxID:  r.sandboxID,
	}
	event.ApprovalRequestID = approvalID
	if len(errs) > 0 {
		event.TrustLevel = schema.L4
	}
	if _, err := o.audits.Append(ctx, event); err != nil {
		slog.Error("failed to audit run event", "run_id", r.id, "error", err)
		return
	}
	r.result.Events = append(r.result.Events, event)
}
