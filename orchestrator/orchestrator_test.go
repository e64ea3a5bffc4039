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

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/audit"
	"github.com/cordonlabs/cordon/commitgate"
	"github.com/cordonlabs/cordon/gate"
	"github.com/cordonlabs/cordon/llm"
	"github.com/cordonlabs/cordon/router"
	"github.com/cordonlabs/cordon/schema"
)

// scriptedProvider replays a fixed sequence of turns.
type scriptedProvider struct {
	turns []*llm.Turn
	calls int
}

func (p *scriptedProvider) Generate(ctx context.Context, messages []llm.Message, tools []*schema.ToolDefinition) (*llm.Turn, error) {
	if p.calls >= len(p.turns) {
		return nil, fmt.Errorf("script exhausted after %d turns", p.calls)
	}
	turn := p.turns[p.calls]
	p.calls++
	return turn, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

type memAudit struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (m *memAudit) Append(ctx context.Context, e *audit.Event) (*audit.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return &audit.AppendResult{EventID: fmt.Sprintf("ev-%d", len(m.events)), Persisted: true}, nil
}

func (m *memAudit) Query(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	return nil, nil
}

func (m *memAudit) Stats(ctx context.Context, runID string) (*audit.Stats, error) {
	return nil, nil
}

func (m *memAudit) Close() error { return nil }

func (m *memAudit) summaries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Summary)
	}
	return out
}

// memApprovals is an in-memory approval.Store with the eligibility and
// transition behavior the orchestrator depends on.
type memApprovals struct {
	mu       sync.Mutex
	requests map[string]*approval.Request
	seq      int
}

func newMemApprovals() *memApprovals {
	return &memApprovals{requests: map[string]*approval.Request{}}
}

var autoApproveAllow = map[string]bool{
	"post_alert": true, "publish_daily_brief": true, "apply_changes": true,
}

func (s *memApprovals) CreateRequest(ctx context.Context, r *approval.Request) (*approval.Request, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cp := *r
	cp.ID = fmt.Sprintf("req-%d", s.seq)
	cp.Status = approval.StatusPending
	cp.ExpiresAt = time.Now().Add(time.Hour)
	cp.AutoApproveEligible = cp.TrustLevel != schema.L4 &&
		cp.ReviewerVerdict == schema.VerdictPass && autoApproveAllow[cp.ActionType]
	s.requests[cp.ID] = &cp
	return &cp, nil
}

func (s *memApprovals) GetRequest(ctx context.Context, id string) (*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return r, nil
}

func (s *memApprovals) GetPendingRequests(ctx context.Context, f approval.PendingFilter) ([]*approval.Request, error) {
	return nil, nil
}

func (s *memApprovals) GetRequestsByRunID(ctx context.Context, runID string) ([]*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*approval.Request
	for _, r := range s.requests {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memApprovals) IsApproved(ctx context.Context, id string) (bool, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Status == approval.StatusApproved, nil
}

func (s *memApprovals) IsPending(ctx context.Context, id string) (bool, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Status == approval.StatusPending, nil
}

func (s *memApprovals) ExpireStaleRequests(ctx context.Context) (int, error) { return 0, nil }

func (s *memApprovals) CreateDecision(ctx context.Context, d *approval.Decision) (*approval.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[d.RequestID]
	if !ok {
		return nil, approval.ErrNotFound
	}
	if r.Status != approval.StatusPending {
		return nil, approval.ErrAlreadyDecided
	}
	if d.Decision == approval.DecisionApprove {
		r.Status = approval.StatusApproved
	} else {
		r.Status = approval.StatusRejected
	}
	return d, nil
}

func (s *memApprovals) GetDecision(ctx context.Context, requestID string) (*approval.Decision, error) {
	return nil, approval.ErrNotFound
}

func (s *memApprovals) AutoApprove(ctx context.Context, requestID string) (*approval.Decision, error) {
	r, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil
	}
	if !r.AutoApproveEligible || r.ReviewerVerdict != schema.VerdictPass {
		return nil, nil
	}
	return s.CreateDecision(ctx, &approval.Decision{
		RequestID: requestID,
		DecidedBy: approval.DecidedByAutoApprove,
		Decision:  approval.DecisionApprove,
	})
}

func (s *memApprovals) Close() error { return nil }

type llmCallRecord struct {
	model        string
	inputTokens  int
	outputTokens int
	failed       bool
}

type memMetrics struct {
	mu       sync.Mutex
	llmCalls []llmCallRecord
}

func (m *memMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmCalls = append(m.llmCalls, llmCallRecord{
		model:        model,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		failed:       err != nil,
	})
}

// memTracer counts span starts; spans themselves stay nil.
type memTracer struct {
	mu        sync.Mutex
	stages    []string
	llmStarts int
	tools     []string
	decisions int
	usageIn   int
	usageOut  int
	errors    int
}

func (m *memTracer) StartStage(ctx context.Context, stage schema.Stage, agent string) (context.Context, trace.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, string(stage))
	return ctx, nil
}

func (m *memTracer) StartLLMCall(ctx context.Context, model string, maxTokens int, temperature float64) (context.Context, trace.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmStarts++
	return ctx, nil
}

func (m *memTracer) StartToolCall(ctx context.Context, toolName, callID string, stage schema.Stage) (context.Context, trace.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = append(m.tools, toolName)
	return ctx, nil
}

func (m *memTracer) AddDecision(span trace.Span, d *gate.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions++
}

func (m *memTracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageIn += inputTokens
	m.usageOut += outputTokens
}

func (m *memTracer) RecordError(span trace.Span, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func opsWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:   "daily_ops_brief",
		Domain: schema.DomainASI,
		Stages: []schema.Stage{schema.StagePlan, schema.StageExecute, schema.StageReview, schema.StageCommit},
		Agents: []schema.AgentDefinition{
			{Name: "asi-planner", Role: schema.RolePlanner, SystemPrompt: "Plan the brief.",
				AllowedTools: []string{"asi.get_bookings"}},
			{Name: "asi-worker", Role: schema.RoleWorker, SystemPrompt: "Do the work.",
				AllowedTools: []string{"asi.get_bookings", "asi.commit_post_alert", "land.commit_send_invoice"}},
			{Name: "asi-reviewer", Role: schema.RoleReviewer, SystemPrompt: "Review it."},
		},
	}
}

type harness struct {
	orch      *Orchestrator
	audits    *memAudit
	approvals *memApprovals
	provider  *scriptedProvider
}

func newHarness(t *testing.T, turns []*llm.Turn, opts ...Option) *harness {
	t.Helper()
	audits := &memAudit{}
	approvals := newMemApprovals()
	g := gate.New(gate.Config{CommitTools: commitgate.ActionNames()}, approvals)
	rt := router.New(g, audits)

	register := func(def *schema.ToolDefinition) {
		require.NoError(t, rt.Register(def,
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"ok": true}, nil
			}))
	}
	register(&schema.ToolDefinition{Name: "asi.get_bookings",
		Capability: schema.CapabilityRead, Risk: schema.RiskLow})
	register(&schema.ToolDefinition{Name: "asi.commit_post_alert",
		Capability: schema.CapabilitySideEffects, Risk: schema.RiskHigh})
	register(&schema.ToolDefinition{Name: "land.commit_send_invoice",
		Capability: schema.CapabilitySideEffects, Risk: schema.RiskCritical})

	provider := &scriptedProvider{turns: turns}
	boundary := commitgate.New(approvals, nil, audits)
	orchOpts := append([]Option{
		WithApprovalStore(approvals),
		WithCommitBoundary(boundary),
	}, opts...)
	orch := New(rt, provider, audits, orchOpts...)
	return &harness{orch: orch, audits: audits, approvals: approvals, provider: provider}
}

func text(s string) *llm.Turn { return &llm.Turn{Text: s, TokensUsed: 5} }

func TestExecuteAutoApprovedCommit(t *testing.T) {
	h := newHarness(t, []*llm.Turn{
		text("plan: summarize bookings and flag anomalies"),
		text("brief drafted"),
		text("Totals reconcile. **VERDICT: PASS**"),
		{ToolCalls: []llm.ToolCall{{ID: "tu-1", Name: "asi.commit_post_alert",
			Arguments: map[string]any{"severity": "info"}}}},
		text("alert posted"),
	})

	res := h.orch.Execute(context.Background(), opsWorkflow(), "run the daily brief")

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, schema.VerdictPass, res.Verdict)
	assert.NotEmpty(t, res.ApprovalRequestID)
	assert.Contains(t, res.FinalResult, "commit_id")
	assert.Equal(t, 5, h.provider.calls)
	assert.Positive(t, res.TokensUsed)

	req, err := h.approvals.GetRequest(context.Background(), res.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, req.Status)
	assert.Equal(t, "post_alert", req.ActionType)
	assert.Equal(t, schema.VerdictPass, req.ReviewerVerdict)

	summaries := h.audits.summaries()
	assert.Contains(t, summaries, "auto-approved post_alert")
	assert.Contains(t, summaries, "run completed")
}

func TestExecuteReviewerFailBlocksCommit(t *testing.T) {
	h := newHarness(t, []*llm.Turn{
		text("plan ready"),
		text("brief drafted"),
		text("Occupancy numbers do not reconcile. VERDICT: FAIL"),
	})

	res := h.orch.Execute(context.Background(), opsWorkflow(), "run the daily brief")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schema.VerdictFail, res.Verdict)
	assert.Contains(t, res.FinalResult, "VERDICT: FAIL")
	assert.Equal(t, 3, h.provider.calls, "commit agent never invoked")
	assert.Contains(t, h.audits.summaries(), "reviewer FAIL — commit blocked")
}

func TestExecuteL4PausesForHumanApproval(t *testing.T) {
	h := newHarness(t, []*llm.Turn{
		text("plan ready"),
		text("invoice drafted"),
		text("VERDICT: PASS"),
		{ToolCalls: []llm.ToolCall{{ID: "tu-1", Name: "land.commit_send_invoice",
			Arguments: map[string]any{"amount": 120.0}}}},
		text("waiting"),
	})

	res := h.orch.Execute(context.Background(), opsWorkflow(), "invoice the tenant")

	assert.Equal(t, StatusRequiresApproval, res.Status)
	require.NotEmpty(t, res.ApprovalRequestID)
	assert.Contains(t, res.FinalResult, "awaiting human decision")

	req, err := h.approvals.GetRequest(context.Background(), res.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)
	assert.Equal(t, "send_invoice", req.ActionType)
	assert.Equal(t, schema.L4, req.TrustLevel)
	assert.False(t, req.AutoApproveEligible)
	assert.Contains(t, h.audits.summaries(), "paused: requires human approval")
}

func TestExecuteValidationFailures(t *testing.T) {
	t.Run("nil workflow", func(t *testing.T) {
		h := newHarness(t, nil)
		res := h.orch.Execute(context.Background(), nil, "go")
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.FinalResult, "fail-closed")
	})

	t.Run("commit without review", func(t *testing.T) {
		h := newHarness(t, nil)
		w := opsWorkflow()
		w.Stages = []schema.Stage{schema.StagePlan, schema.StageCommit}
		res := h.orch.Execute(context.Background(), w, "go")
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.FinalResult, "without preceding review")
		assert.Zero(t, h.provider.calls)
	})

	t.Run("reviewer without verdict", func(t *testing.T) {
		h := newHarness(t, []*llm.Turn{
			text("plan ready"),
			text("work done"),
			text("Seems plausible overall."),
		})
		res := h.orch.Execute(context.Background(), opsWorkflow(), "go")
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.FinalResult, "no verdict")
	})

	t.Run("provider error fails the stage", func(t *testing.T) {
		h := newHarness(t, nil) // empty script errors on first call
		res := h.orch.Execute(context.Background(), opsWorkflow(), "go")
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.FinalResult, "script exhausted")
	})
}

func TestExecuteToolLoop(t *testing.T) {
	h := newHarness(t, []*llm.Turn{
		{ToolCalls: []llm.ToolCall{{ID: "tu-1", Name: "asi.get_bookings",
			Arguments: map[string]any{"date": "2026-08-24"}}}},
		text("plan built from bookings"),
		text("work done"),
		text("VERDICT: FAIL"),
	})

	res := h.orch.Execute(context.Background(), opsWorkflow(), "go")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 4, h.provider.calls, "tool turn plus three stage turns")

	// The read call went through the router and was audited.
	var sawToolEvent bool
	for _, e := range h.audits.events {
		if e.ToolName == "asi.get_bookings" {
			sawToolEvent = true
			assert.Equal(t, schema.L0, e.TrustLevel)
		}
	}
	assert.True(t, sawToolEvent)
}

func TestExecuteObservabilityHooks(t *testing.T) {
	t.Run("stages, model calls, and tool dispatches are measured", func(t *testing.T) {
		metrics := &memMetrics{}
		tracer := &memTracer{}
		h := newHarness(t, []*llm.Turn{
			{ToolCalls: []llm.ToolCall{{ID: "tu-1", Name: "asi.get_bookings",
				Arguments: map[string]any{"date": "2026-08-24"}}},
				InputTokens: 40, OutputTokens: 12, TokensUsed: 52},
			text("plan built from bookings"),
			text("work done"),
			text("VERDICT: FAIL"),
		}, WithMetrics(metrics), WithTracer(tracer))

		res := h.orch.Execute(context.Background(), opsWorkflow(), "go")
		assert.Equal(t, StatusFailed, res.Status)

		require.Len(t, metrics.llmCalls, 4)
		for _, call := range metrics.llmCalls {
			assert.Equal(t, "scripted", call.model)
			assert.False(t, call.failed)
		}
		assert.Equal(t, 40, metrics.llmCalls[0].inputTokens)
		assert.Equal(t, 12, metrics.llmCalls[0].outputTokens)

		assert.Equal(t, []string{"plan", "execute", "review"}, tracer.stages,
			"reviewer FAIL stops before the commit stage")
		assert.Equal(t, 4, tracer.llmStarts)
		assert.Equal(t, []string{"asi.get_bookings"}, tracer.tools)
		assert.Equal(t, 1, tracer.decisions)
		assert.Equal(t, 40, tracer.usageIn)
		assert.Equal(t, 12, tracer.usageOut)
		assert.Zero(t, tracer.errors)
	})

	t.Run("provider failures are measured and recorded on the span", func(t *testing.T) {
		metrics := &memMetrics{}
		tracer := &memTracer{}
		h := newHarness(t, nil, WithMetrics(metrics), WithTracer(tracer))

		res := h.orch.Execute(context.Background(), opsWorkflow(), "go")
		assert.Equal(t, StatusFailed, res.Status)

		require.Len(t, metrics.llmCalls, 1)
		assert.True(t, metrics.llmCalls[0].failed)
		// Once on the model-call span, once on the stage span.
		assert.Equal(t, 2, tracer.errors)
	})
}

func TestExecuteDisallowedToolNeverDispatched(t *testing.T) {
	h := newHarness(t, []*llm.Turn{
		{ToolCalls: []llm.ToolCall{{ID: "tu-1", Name: "asi.commit_post_alert"}}},
		text("plan ready"),
		text("work done"),
		text("VERDICT: FAIL"),
	})

	// Planner is not allowed the commit tool; the router never sees it.
	res := h.orch.Execute(context.Background(), opsWorkflow(), "go")
	assert.Equal(t, StatusFailed, res.Status)
	for _, e := range h.audits.events {
		assert.NotEqual(t, "asi.commit_post_alert", e.ToolName)
	}
}
