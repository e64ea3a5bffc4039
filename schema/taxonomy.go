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

// Package schema defines the trust taxonomy shared by every component of the
// gateway: trust levels, capabilities, risk classes, workflow stages, agent
// roles, and the tool/agent/workflow definition types built from them.
//
// All enumerations are closed. Every cross-component boundary validates its
// inputs against this taxonomy and rejects unknown values with a
// "fail-closed: <field>" error; nothing is silently coerced.
package schema

import "fmt"

// TrustLevel is the ordinal oversight level assigned to a tool call.
// Levels are totally ordered: L0 < L1 < L2 < L3 < L4.
type TrustLevel string

const (
	// L0 is full autonomy: read-only operations.
	L0 TrustLevel = "L0"
	// L1 is proposal: the agent may draft but causes no side effects.
	L1 TrustLevel = "L1"
	// L2 is sandboxed mutation: reversible, staged changes only.
	L2 TrustLevel = "L2"
	// L3 is an external side effect: reviewer approval required.
	L3 TrustLevel = "L3"
	// L4 is irreversible or critical: human approval mandatory,
	// never auto-approved.
	L4 TrustLevel = "L4"
)

var trustLevelRank = map[TrustLevel]int{L0: 0, L1: 1, L2: 2, L3: 3, L4: 4}

// Valid reports whether the trust level is a member of the closed enum.
func (l TrustLevel) Valid() bool {
	_, ok := trustLevelRank[l]
	return ok
}

// Rank returns the ordinal position of the level (L0=0 .. L4=4).
// Unknown levels rank above L4 so that comparisons fail closed.
func (l TrustLevel) Rank() int {
	if r, ok := trustLevelRank[l]; ok {
		return r
	}
	return len(trustLevelRank)
}

// AtMost reports whether l <= max in the trust-level order.
func (l TrustLevel) AtMost(max TrustLevel) bool {
	return l.Rank() <= max.Rank()
}

// ParseTrustLevel converts a string into a TrustLevel, rejecting unknown values.
func ParseTrustLevel(s string) (TrustLevel, error) {
	l := TrustLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("fail-closed: trust_level %q", s)
	}
	return l, nil
}

// Capability describes what a tool is allowed to do to the host system.
type Capability string

const (
	CapabilityRead        Capability = "READ"
	CapabilityPropose     Capability = "PROPOSE"
	CapabilityWrite       Capability = "WRITE"
	CapabilitySideEffects Capability = "SIDE_EFFECTS"
)

// Valid reports whether the capability is a member of the closed enum.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityRead, CapabilityPropose, CapabilityWrite, CapabilitySideEffects:
		return true
	}
	return false
}

// Risk classifies the blast radius of a tool.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Valid reports whether the risk is a member of the closed enum.
func (r Risk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ExecutionMode selects how a tool handler may be invoked.
type ExecutionMode string

const (
	ExecutionDirect      ExecutionMode = "DIRECT"
	ExecutionSandboxOnly ExecutionMode = "SANDBOX_ONLY"
)

// Valid reports whether the execution mode is a member of the closed enum.
func (m ExecutionMode) Valid() bool {
	return m == ExecutionDirect || m == ExecutionSandboxOnly
}

// Verification describes what kind of check a tool result must pass.
type Verification string

const (
	VerificationNone          Verification = "NONE"
	VerificationRules         Verification = "RULES"
	VerificationMultiAgent    Verification = "MULTI_AGENT"
	VerificationHumanApproval Verification = "HUMAN_APPROVAL"
)

// Valid reports whether the verification kind is a member of the closed enum.
func (v Verification) Valid() bool {
	switch v {
	case VerificationNone, VerificationRules, VerificationMultiAgent, VerificationHumanApproval:
		return true
	}
	return false
}

// Stage is a step of a trust-gated workflow.
type Stage string

const (
	StagePlan    Stage = "plan"
	StageExecute Stage = "execute"
	StageReview  Stage = "review"
	StageCommit  Stage = "commit"
)

// Valid reports whether the stage is a member of the closed enum.
func (s Stage) Valid() bool {
	switch s {
	case StagePlan, StageExecute, StageReview, StageCommit:
		return true
	}
	return false
}

// AgentRole is the role an agent plays within a workflow.
type AgentRole string

const (
	RolePlanner  AgentRole = "planner"
	RoleWorker   AgentRole = "worker"
	RoleReviewer AgentRole = "reviewer"
)

// Valid reports whether the role is a member of the closed enum.
func (r AgentRole) Valid() bool {
	switch r {
	case RolePlanner, RoleWorker, RoleReviewer:
		return true
	}
	return false
}

// RoleForStage returns the agent role that must drive the given stage.
func RoleForStage(s Stage) AgentRole {
	switch s {
	case StagePlan:
		return RolePlanner
	case StageReview:
		return RoleReviewer
	default:
		return RoleWorker
	}
}

// Domain identifies a registered business vertical. The enum is closed at
// schema boundaries; audit payloads may carry free-form domain text.
type Domain string

const (
	DomainASI  Domain = "asi"
	DomainLand Domain = "land"
)

// Valid reports whether the domain is a member of the closed enum.
func (d Domain) Valid() bool {
	return d == DomainASI || d == DomainLand
}

// Verdict is the PASS/FAIL decision produced by a reviewer agent.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Valid reports whether the verdict is a member of the closed enum.
func (v Verdict) Valid() bool {
	return v == VerdictPass || v == VerdictFail
}

// FailClosed builds the canonical fail-closed validation error for a field.
func FailClosed(field string) error {
	return fmt.Errorf("fail-closed: %s", field)
}
