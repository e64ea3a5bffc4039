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

package gate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/schema"
)

type fakeApprovalReader struct {
	requests []*approval.Request
	err      error
}

func (f *fakeApprovalReader) GetRequestsByRunID(ctx context.Context, runID string) ([]*approval.Request, error) {
	return f.requests, f.err
}

func (f *fakeApprovalReader) GetRequest(ctx context.Context, id string) (*approval.Request, error) {
	for _, r := range f.requests {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, approval.ErrNotFound
}

func commitTools() map[string]struct{} {
	return map[string]struct{}{
		"apply_changes":            {},
		"publish_daily_brief":      {},
		"post_alert":               {},
		"mark_checkpoint_complete": {},
		"send_invoice":             {},
	}
}

func testContext() *CallContext {
	return &CallContext{
		Domain:   "asi",
		Workflow: "daily_ops_brief",
		Agent:    "ops-worker",
		RunID:    "run-1",
		Intent:   "collect bookings",
	}
}

func toolDef(name string, cap schema.Capability, risk schema.Risk, mode schema.ExecutionMode) *schema.ToolDefinition {
	return &schema.ToolDefinition{
		Name:          name,
		Description:   "test tool",
		Capability:    cap,
		Risk:          risk,
		ExecutionMode: mode,
	}
}

func TestDeriveTrustLevel(t *testing.T) {
	g := New(Config{}, nil)

	tests := []struct {
		name string
		cap  schema.Capability
		risk schema.Risk
		want schema.TrustLevel
	}{
		{"read low", schema.CapabilityRead, schema.RiskLow, schema.L0},
		{"propose low", schema.CapabilityPropose, schema.RiskLow, schema.L1},
		{"write medium", schema.CapabilityWrite, schema.RiskMedium, schema.L2},
		{"read high", schema.CapabilityRead, schema.RiskHigh, schema.L2},
		{"side effects high", schema.CapabilitySideEffects, schema.RiskHigh, schema.L3},
		{"critical always L4", schema.CapabilityRead, schema.RiskCritical, schema.L4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := toolDef("asi.t", tt.cap, tt.risk, schema.ExecutionDirect)
			assert.Equal(t, tt.want, g.DeriveTrustLevel(def))
		})
	}

	t.Run("override wins", func(t *testing.T) {
		g := New(Config{
			TrustOverrides: map[string]schema.TrustLevel{"asi.t": schema.L3},
		}, nil)
		def := toolDef("asi.t", schema.CapabilityRead, schema.RiskLow, schema.ExecutionDirect)
		assert.Equal(t, schema.L3, g.DeriveTrustLevel(def))
	})
}

func TestEvaluate(t *testing.T) {
	g := New(Config{CommitTools: commitTools()}, nil)

	t.Run("L0 read allowed in plan", func(t *testing.T) {
		def := toolDef("asi.get_bookings", schema.CapabilityRead, schema.RiskLow, schema.ExecutionDirect)
		d := g.Evaluate(def, schema.StagePlan, testContext())
		assert.True(t, d.Allowed)
		assert.Equal(t, schema.L0, d.TrustLevel)
		assert.False(t, d.Sandboxed)
		assert.False(t, d.RequiresApproval)
	})

	t.Run("validation failures deny at L4", func(t *testing.T) {
		tests := []struct {
			name string
			call func() *Decision
		}{
			{"nil definition", func() *Decision {
				return g.Evaluate(nil, schema.StagePlan, testContext())
			}},
			{"invalid definition", func() *Decision {
				def := toolDef("", schema.CapabilityRead, schema.RiskLow, schema.ExecutionDirect)
				return g.Evaluate(def, schema.StagePlan, testContext())
			}},
			{"unknown stage", func() *Decision {
				def := toolDef("asi.t", schema.CapabilityRead, schema.RiskLow, schema.ExecutionDirect)
				return g.Evaluate(def, schema.Stage("deploy"), testContext())
			}},
			{"missing run id", func() *Decision {
				def := toolDef("asi.t", schema.CapabilityRead, schema.RiskLow, schema.ExecutionDirect)
				c := testContext()
				c.RunID = ""
				return g.Evaluate(def, schema.StagePlan, c)
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				d := tt.call()
				assert.False(t, d.Allowed)
				assert.Equal(t, schema.L4, d.TrustLevel)
				assert.Contains(t, d.Reason, "FAIL CLOSED:")
			})
		}
	})

	t.Run("trust level above stage maximum denied", func(t *testing.T) {
		def := toolDef("asi.stage_write", schema.CapabilityWrite, schema.RiskMedium, schema.ExecutionDirect)
		d := g.Evaluate(def, schema.StagePlan, testContext())
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "exceeds stage")
		assert.Equal(t, schema.L2, d.TrustLevel)
	})

	t.Run("capability outside stage set denied", func(t *testing.T) {
		def := toolDef("asi.notify", schema.CapabilitySideEffects, schema.RiskLow, schema.ExecutionDirect)
		d := g.Evaluate(def, schema.StageExecute, testContext())
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "not allowed in stage")
	})

	t.Run("execute stage sandboxes writes", func(t *testing.T) {
		def := toolDef("asi.stage_booking_create", schema.CapabilityWrite, schema.RiskMedium, schema.ExecutionSandboxOnly)
		d := g.Evaluate(def, schema.StageExecute, testContext())
		assert.True(t, d.Allowed)
		assert.Equal(t, schema.L2, d.TrustLevel)
		assert.True(t, d.Sandboxed)
	})

	t.Run("L4 always denied pending approval", func(t *testing.T) {
		def := toolDef("asi.commit_send_invoice", schema.CapabilitySideEffects, schema.RiskCritical, schema.ExecutionSandboxOnly)
		d := g.Evaluate(def, schema.StageCommit, testContext())
		assert.False(t, d.Allowed)
		assert.Equal(t, schema.L4, d.TrustLevel)
		assert.True(t, d.RequiresApproval)
		assert.True(t, d.Sandboxed)
		assert.True(t, d.PendingApprovalCheck)
		assert.Contains(t, d.Reason, "human approval required")
	})

	t.Run("commit tool in commit stage defers to approval state", func(t *testing.T) {
		def := toolDef("asi.commit_post_alert", schema.CapabilitySideEffects, schema.RiskHigh, schema.ExecutionSandboxOnly)
		d := g.Evaluate(def, schema.StageCommit, testContext())
		assert.False(t, d.Allowed)
		assert.Equal(t, schema.L3, d.TrustLevel)
		assert.True(t, d.CommitTool)
		assert.True(t, d.PendingApprovalCheck)
	})
}

func TestEvaluateWithApproval(t *testing.T) {
	def := toolDef("asi.commit_post_alert", schema.CapabilitySideEffects, schema.RiskHigh, schema.ExecutionSandboxOnly)
	future := time.Now().Add(time.Hour)

	request := func(status approval.Status, verdict schema.Verdict, eligible bool) *approval.Request {
		return &approval.Request{
			ID:                  "req-1",
			RunID:               "run-1",
			Workflow:            "daily_ops_brief",
			TrustLevel:          schema.L3,
			ActionType:          "post_alert",
			Status:              status,
			ExpiresAt:           future,
			ReviewerVerdict:     verdict,
			AutoApproveEligible: eligible,
		}
	}

	t.Run("allowed decisions pass through untouched", func(t *testing.T) {
		g := New(Config{CommitTools: commitTools()}, &fakeApprovalReader{})
		readDef := toolDef("asi.get_bookings", schema.CapabilityRead, schema.RiskLow, schema.ExecutionDirect)
		d := g.EvaluateWithApproval(context.Background(), readDef, schema.StagePlan, testContext())
		assert.True(t, d.Allowed)
	})

	t.Run("no matching request denied", func(t *testing.T) {
		g := New(Config{CommitTools: commitTools()}, &fakeApprovalReader{})
		d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, testContext())
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "approval request required")
	})

	t.Run("no request for L4 mentions human approval", func(t *testing.T) {
		g := New(Config{CommitTools: commitTools()}, &fakeApprovalReader{})
		l4 := toolDef("asi.commit_send_invoice", schema.CapabilitySideEffects, schema.RiskCritical, schema.ExecutionSandboxOnly)
		d := g.EvaluateWithApproval(context.Background(), l4, schema.StageCommit, testContext())
		assert.False(t, d.Allowed)
		assert.Equal(t, schema.L4, d.TrustLevel)
		assert.Contains(t, d.Reason, "human approval required")
	})

	t.Run("approved with PASS verdict allowed", func(t *testing.T) {
		reader := &fakeApprovalReader{requests: []*approval.Request{
			request(approval.StatusApproved, schema.VerdictPass, false),
		}}
		g := New(Config{CommitTools: commitTools()}, reader)
		d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, testContext())
		assert.True(t, d.Allowed)
		assert.Equal(t, "req-1", d.ApprovalRequestID)
	})

	t.Run("approved without PASS verdict denied in commit", func(t *testing.T) {
		reader := &fakeApprovalReader{requests: []*approval.Request{
			request(approval.StatusApproved, "", false),
		}}
		g := New(Config{CommitTools: commitTools()}, reader)
		d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, testContext())
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "reviewer PASS")
	})

	t.Run("pending eligible with caller PASS flags auto-approve", func(t *testing.T) {
		reader := &fakeApprovalReader{requests: []*approval.Request{
			request(approval.StatusPending, schema.VerdictPass, true),
		}}
		g := New(Config{CommitTools: commitTools()}, reader)
		c := testContext()
		c.ReviewerVerdict = schema.VerdictPass
		d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, c)
		assert.False(t, d.Allowed)
		assert.True(t, d.AutoApproveEligible)
	})

	t.Run("pending without eligibility awaits a human", func(t *testing.T) {
		reader := &fakeApprovalReader{requests: []*approval.Request{
			request(approval.StatusPending, schema.VerdictPass, false),
		}}
		g := New(Config{CommitTools: commitTools()}, reader)
		d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, testContext())
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "awaiting human approval")
		assert.False(t, d.AutoApproveEligible)
	})

	t.Run("rejected and expired are terminal denials", func(t *testing.T) {
		for _, status := range []approval.Status{approval.StatusRejected, approval.StatusExpired} {
			reader := &fakeApprovalReader{requests: []*approval.Request{
				request(status, schema.VerdictPass, false),
			}}
			g := New(Config{CommitTools: commitTools()}, reader)
			d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, testContext())
			assert.False(t, d.Allowed, string(status))
			assert.False(t, d.PendingApprovalCheck, string(status))
		}
	})

	t.Run("store error maps to denial", func(t *testing.T) {
		reader := &fakeApprovalReader{err: fmt.Errorf("connection refused")}
		g := New(Config{CommitTools: commitTools()}, reader)
		d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, testContext())
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "approval store error")
	})

	t.Run("suffix alias matches prefixed tool name", func(t *testing.T) {
		req := request(approval.StatusApproved, schema.VerdictPass, false)
		req.ActionType = "commit_post_alert"
		reader := &fakeApprovalReader{requests: []*approval.Request{req}}
		g := New(Config{CommitTools: commitTools()}, reader)
		d := g.EvaluateWithApproval(context.Background(), def, schema.StageCommit, testContext())
		assert.True(t, d.Allowed)
	})
}
