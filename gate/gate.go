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

// Package gate implements the trust gate: the policy engine deciding, for
// every tool call, whether it may run, under which trust level, whether it is
// sandboxed, and whether it needs an approval.
//
// Policy outcomes are values, not errors. A denial carries a reason string
// beginning "FAIL CLOSED:"; errors are reserved for the gate's own
// dependencies, and any such error is mapped to a denial at this boundary.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/schema"
)

// StagePolicy is the per-stage upper bound on trust level and capabilities.
type StagePolicy struct {
	MaxTrustLevel            schema.TrustLevel   `yaml:"max_trust_level"`
	AllowedCapabilities      []schema.Capability `yaml:"allowed_capabilities"`
	Sandboxed                bool                `yaml:"sandboxed"`
	RequiresReviewerApproval bool                `yaml:"requires_reviewer_approval"`
}

func (p StagePolicy) allowsCapability(c schema.Capability) bool {
	for _, allowed := range p.AllowedCapabilities {
		if allowed == c {
			return true
		}
	}
	return false
}

// DefaultStagePolicies returns the built-in per-stage policies.
func DefaultStagePolicies() map[schema.Stage]StagePolicy {
	return map[schema.Stage]StagePolicy{
		schema.StagePlan: {
			MaxTrustLevel:       schema.L1,
			AllowedCapabilities: []schema.Capability{schema.CapabilityRead, schema.CapabilityPropose},
		},
		schema.StageExecute: {
			MaxTrustLevel:       schema.L2,
			AllowedCapabilities: []schema.Capability{schema.CapabilityRead, schema.CapabilityPropose, schema.CapabilityWrite},
			Sandboxed:           true,
		},
		schema.StageReview: {
			MaxTrustLevel:       schema.L1,
			AllowedCapabilities: []schema.Capability{schema.CapabilityRead, schema.CapabilityPropose},
		},
		schema.StageCommit: {
			MaxTrustLevel: schema.L4,
			AllowedCapabilities: []schema.Capability{
				schema.CapabilityRead, schema.CapabilityPropose,
				schema.CapabilityWrite, schema.CapabilitySideEffects,
			},
			Sandboxed:                true,
			RequiresReviewerApproval: true,
		},
	}
}

// Config tunes the gate. Zero value gives the defaults.
type Config struct {
	// ApprovalThreshold is the highest trust level that runs without an
	// approval. Defaults to L2.
	ApprovalThreshold schema.TrustLevel `yaml:"approval_threshold"`

	// SandboxWrites forces sandboxing for WRITE and SIDE_EFFECTS
	// capabilities in any stage.
	SandboxWrites bool `yaml:"sandbox_writes"`

	// TrustOverrides pins a trust level per tool name, winning over the
	// risk/capability derivation.
	TrustOverrides map[string]schema.TrustLevel `yaml:"trust_overrides"`

	// StagePolicies overrides individual stage policies.
	StagePolicies map[schema.Stage]StagePolicy `yaml:"stage_policies"`

	// CommitTools names the commit boundary's tools and action types. A tool
	// whose name or action appears here is flagged as a commit tool.
	CommitTools map[string]struct{} `yaml:"-"`
}

// CallContext identifies the caller of one tool invocation.
type CallContext struct {
	Domain   string
	Workflow string
	Agent    string
	RunID    string
	Intent   string

	// ReviewerVerdict is the verdict captured so far in the run, threaded in
	// by the orchestrator. It feeds the auto-approve eligibility flag.
	ReviewerVerdict schema.Verdict
}

// Validate checks the minimum caller identity.
func (c *CallContext) Validate() error {
	if c == nil {
		return schema.FailClosed("context")
	}
	if strings.TrimSpace(c.Agent) == "" {
		return schema.FailClosed("context.agent")
	}
	if strings.TrimSpace(c.RunID) == "" {
		return schema.FailClosed("context.run_id")
	}
	return nil
}

// Decision is the gate's verdict on one tool call.
type Decision struct {
	Allowed    bool
	TrustLevel schema.TrustLevel
	Reason     string

	Sandboxed        bool
	RequiresApproval bool
	CommitTool       bool

	// PendingApprovalCheck marks a denial that is not terminal: the caller
	// must consult approval state (EvaluateWithApproval does this when an
	// approval reader is wired).
	PendingApprovalCheck bool

	// AutoApproveEligible flags a pending request the orchestrator may
	// auto-approve.
	AutoApproveEligible bool

	// ApprovalRequestID is the matched request, when one was found.
	ApprovalRequestID string

	// ApprovalStatus is the matched request's status at evaluation time.
	// Empty when no request was consulted or matched.
	ApprovalStatus approval.Status
}

// ApprovalReader is the slice of the approval store the gate reads. Keeping
// it to the read methods breaks the store/gate dependency cycle.
type ApprovalReader interface {
	GetRequestsByRunID(ctx context.Context, runID string) ([]*approval.Request, error)
	GetRequest(ctx context.Context, id string) (*approval.Request, error)
}

// Gate evaluates stage policies and trust levels.
type Gate struct {
	cfg      Config
	policies map[schema.Stage]StagePolicy
	approval ApprovalReader
}

// New creates a gate. reader may be nil; EvaluateWithApproval then degrades
// to the synchronous Evaluate.
func New(cfg Config, reader ApprovalReader) *Gate {
	if cfg.ApprovalThreshold == "" {
		cfg.ApprovalThreshold = schema.L2
	}
	policies := DefaultStagePolicies()
	for stage, p := range cfg.StagePolicies {
		policies[stage] = p
	}
	return &Gate{cfg: cfg, policies: policies, approval: reader}
}

// DeriveTrustLevel computes a tool's trust level from its definition. An
// explicit override in the gate config wins.
func (g *Gate) DeriveTrustLevel(def *schema.ToolDefinition) schema.TrustLevel {
	if level, ok := g.cfg.TrustOverrides[def.Name]; ok && level.Valid() {
		return level
	}
	switch {
	case def.Risk == schema.RiskCritical:
		return schema.L4
	case def.Risk == schema.RiskHigh && def.Capability == schema.CapabilitySideEffects:
		return schema.L3
	case def.Risk == schema.RiskHigh || def.Capability == schema.CapabilityWrite:
		return schema.L2
	case def.Capability == schema.CapabilityPropose:
		return schema.L1
	default:
		return schema.L0
	}
}

// isCommitTool reports whether the tool's name or action is a commit action.
// Domain tools expose commit actions as {domain}.commit_{action}.
func (g *Gate) isCommitTool(def *schema.ToolDefinition) bool {
	if len(g.cfg.CommitTools) == 0 {
		return false
	}
	if _, ok := g.cfg.CommitTools[def.Name]; ok {
		return true
	}
	action := def.Action()
	if _, ok := g.cfg.CommitTools[action]; ok {
		return true
	}
	_, ok := g.cfg.CommitTools[strings.TrimPrefix(action, "commit_")]
	return ok
}

func denied(level schema.TrustLevel, format string, args ...any) *Decision {
	return &Decision{
		Allowed:    false,
		TrustLevel: level,
		Reason:     "FAIL CLOSED: " + fmt.Sprintf(format, args...),
	}
}

// Evaluate runs the synchronous policy check. It never consults the approval
// store; a commit tool in the commit stage comes back denied with
// PendingApprovalCheck set.
func (g *Gate) Evaluate(def *schema.ToolDefinition, stage schema.Stage, callCtx *CallContext) *Decision {
	// Validation failures report L4: an unidentifiable call gets the most
	// restrictive treatment.
	if def == nil {
		return denied(schema.L4, "missing tool definition")
	}
	if err := def.Validate(); err != nil {
		return denied(schema.L4, "invalid tool definition: %v", err)
	}
	if !stage.Valid() {
		return denied(schema.L4, "unknown stage %q", string(stage))
	}
	if err := callCtx.Validate(); err != nil {
		return denied(schema.L4, "invalid call context: %v", err)
	}
	policy, ok := g.policies[stage]
	if !ok {
		return denied(schema.L4, "no policy for stage %q", string(stage))
	}

	level := g.DeriveTrustLevel(def)
	commitTool := g.isCommitTool(def)

	if !level.AtMost(policy.MaxTrustLevel) {
		d := denied(level, "trust level %s exceeds stage %s maximum %s",
			level, stage, policy.MaxTrustLevel)
		d.CommitTool = commitTool
		return d
	}
	if !policy.allowsCapability(def.Capability) {
		d := denied(level, "capability %s not allowed in stage %s",
			def.Capability, stage)
		d.CommitTool = commitTool
		return d
	}

	sandboxed := policy.Sandboxed ||
		def.ExecutionMode == schema.ExecutionSandboxOnly ||
		(g.cfg.SandboxWrites &&
			(def.Capability == schema.CapabilityWrite || def.Capability == schema.CapabilitySideEffects))

	requiresApproval := !level.AtMost(g.cfg.ApprovalThreshold) ||
		policy.RequiresReviewerApproval ||
		commitTool

	if level == schema.L4 {
		d := denied(level, "human approval required for %s", def.Name)
		d.Sandboxed = true
		d.RequiresApproval = true
		d.CommitTool = commitTool
		d.PendingApprovalCheck = true
		return d
	}

	if commitTool && stage == schema.StageCommit {
		d := denied(level, "approval verification required for commit tool %s", def.Name)
		d.Sandboxed = sandboxed
		d.RequiresApproval = true
		d.CommitTool = true
		d.PendingApprovalCheck = true
		return d
	}

	return &Decision{
		Allowed:          true,
		TrustLevel:       level,
		Sandboxed:        sandboxed,
		RequiresApproval: requiresApproval,
		CommitTool:       commitTool,
	}
}

// EvaluateWithApproval runs Evaluate and, when the denial is pending an
// approval check, resolves it against the approval store. Store errors map to
// denial; the handler is never invoked on a store error.
func (g *Gate) EvaluateWithApproval(ctx context.Context, def *schema.ToolDefinition, stage schema.Stage, callCtx *CallContext) *Decision {
	d := g.Evaluate(def, stage, callCtx)
	if d.Allowed || !d.PendingApprovalCheck {
		return d
	}
	if g.approval == nil {
		return d
	}

	requests, err := g.approval.GetRequestsByRunID(ctx, callCtx.RunID)
	if err != nil {
		out := denied(d.TrustLevel, "approval store error: %v", err)
		out.RequiresApproval = true
		out.CommitTool = d.CommitTool
		return out
	}

	req := matchRequest(requests, def)
	if req == nil {
		reason := "approval request required for " + def.Name
		if d.TrustLevel == schema.L4 {
			reason += " (human approval required)"
		}
		out := denied(d.TrustLevel, "%s", reason)
		out.RequiresApproval = true
		out.Sandboxed = d.Sandboxed
		out.CommitTool = d.CommitTool
		return out
	}

	out := *d
	out.ApprovalRequestID = req.ID
	out.ApprovalStatus = req.Status

	policy := g.policies[stage]
	switch req.Status {
	case approval.StatusApproved:
		if policy.RequiresReviewerApproval && req.ReviewerVerdict != schema.VerdictPass {
			out.Allowed = false
			out.Reason = fmt.Sprintf("FAIL CLOSED: approval %s lacks reviewer PASS verdict", req.ID)
			return &out
		}
		out.Allowed = true
		out.Reason = ""
		out.PendingApprovalCheck = false
		return &out
	case approval.StatusPending:
		if req.AutoApproveEligible && callCtx.ReviewerVerdict == schema.VerdictPass {
			out.AutoApproveEligible = true
			out.Reason = fmt.Sprintf("FAIL CLOSED: approval %s pending (auto-approve eligible)", req.ID)
			return &out
		}
		out.Reason = fmt.Sprintf("FAIL CLOSED: approval %s awaiting human approval", req.ID)
		return &out
	case approval.StatusRejected:
		out.Reason = fmt.Sprintf("FAIL CLOSED: approval %s was rejected", req.ID)
		out.PendingApprovalCheck = false
		return &out
	case approval.StatusExpired:
		out.Reason = fmt.Sprintf("FAIL CLOSED: approval %s expired", req.ID)
		out.PendingApprovalCheck = false
		return &out
	default:
		out.Reason = fmt.Sprintf("FAIL CLOSED: approval %s in unknown status %q", req.ID, string(req.Status))
		out.PendingApprovalCheck = false
		return &out
	}
}

// matchRequest finds the newest request whose action type names the tool.
// Exact matches on the full name or the tool's action win; a suffix match is
// honored as a compatibility alias and logged.
func matchRequest(requests []*approval.Request, def *schema.ToolDefinition) *approval.Request {
	for _, req := range requests {
		if req.ActionType == def.Name || req.ActionType == def.Action() {
			return req
		}
	}
	for _, req := range requests {
		if req.ActionType != "" && strings.HasSuffix(def.Name, req.ActionType) {
			slog.Debug("approval matched by action-type suffix alias",
				"tool", def.Name, "action_type", req.ActionType, "request_id", req.ID)
			return req
		}
	}
	return nil
}
