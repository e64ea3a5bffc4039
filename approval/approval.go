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

// Package approval provides the approval request and decision store gating
// L3/L4 actions. A request is created PENDING and transitions exactly once to
// APPROVED, REJECTED, or EXPIRED. Decisions are serialized per-request by a
// uniqueness constraint; a second decision surfaces as ErrAlreadyDecided.
package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cordonlabs/cordon/schema"
)

// Sentinel errors for terminal-state conflicts.
var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrExpired        = errors.New("approval request expired")
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// DecisionKind is the outcome recorded by a decision.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "APPROVE"
	DecisionReject  DecisionKind = "REJECT"
)

// DecidedByAutoApprove is the decided-by identifier recorded when the store
// itself grants an approval through the auto-approve gates.
const DecidedByAutoApprove = "system:auto-approve"

// Default request lifetimes by trust level.
const (
	DefaultTTL   = 3600 * time.Second
	DefaultTTLL4 = 86400 * time.Second
)

// Default eligibility lists. An action type or workflow name in the deny set
// is never auto-approvable; one in the allow set is, given a PASS verdict and
// trust level below L4. Everything else defaults to ineligible.
var (
	DefaultAutoApproveDeny = []string{
		"send_invoice",
		"mark_checkpoint_complete",
		"billing_reconciliation",
		"compliance_audit_pack",
	}
	DefaultAutoApproveAllow = []string{
		"post_alert",
		"publish_daily_brief",
		"apply_changes",
		"daily_ops_brief",
		"alert_triage",
	}
)

// Request is an approval request for a single gated action.
type Request struct {
	ID                  string            `json:"id"`
	CreatedAt           time.Time         `json:"created_at"`
	Domain              string            `json:"domain"`
	RunID               string            `json:"run_id"`
	Workflow            string            `json:"workflow"`
	Requester           string            `json:"requester"`
	TrustLevel          schema.TrustLevel `json:"trust_level"`
	ActionType          string            `json:"action_type"`
	ActionPayload       map[string]any    `json:"action_payload,omitempty"`
	Context             map[string]any    `json:"context,omitempty"`
	ReviewerVerdict     schema.Verdict    `json:"reviewer_verdict,omitempty"`
	ReviewerNotes       string            `json:"reviewer_notes,omitempty"`
	Status              Status            `json:"status"`
	ExpiresAt           time.Time         `json:"expires_at"`
	AutoApproveEligible bool              `json:"auto_approve_eligible"`
	AutoApproveReason   string            `json:"auto_approve_reason,omitempty"`
}

// Validate checks the caller-supplied fields of a new request.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return schema.FailClosed("request.domain")
	}
	if strings.TrimSpace(r.RunID) == "" {
		return schema.FailClosed("request.run_id")
	}
	if strings.TrimSpace(r.Workflow) == "" {
		return schema.FailClosed("request.workflow")
	}
	if strings.TrimSpace(r.Requester) == "" {
		return schema.FailClosed("request.requester")
	}
	if !r.TrustLevel.Valid() {
		return schema.FailClosed("request.trust_level")
	}
	if strings.TrimSpace(r.ActionType) == "" {
		return schema.FailClosed("request.action_type")
	}
	if r.ReviewerVerdict != "" && !r.ReviewerVerdict.Valid() {
		return schema.FailClosed("request.reviewer_verdict")
	}
	return nil
}

// Expired reports whether the request's lifetime has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// SandboxID returns the sandbox id attached to the action payload, when the
// requester staged changes before asking for approval.
func (r *Request) SandboxID() string {
	if v, ok := r.ActionPayload["sandbox_id"].(string); ok {
		return v
	}
	return ""
}

// Decision is the single terminal decision for a request.
type Decision struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	RequestID string         `json:"request_id"`
	DecidedBy string         `json:"decided_by"`
	Decision  DecisionKind   `json:"decision"`
	Notes     string         `json:"notes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks the caller-supplied fields of a new decision.
func (d *Decision) Validate() error {
	if strings.TrimSpace(d.RequestID) == "" {
		return schema.FailClosed("decision.request_id")
	}
	if strings.TrimSpace(d.DecidedBy) == "" {
		return schema.FailClosed("decision.decided_by")
	}
	if d.Decision != DecisionApprove && d.Decision != DecisionReject {
		return schema.FailClosed("decision.decision")
	}
	return nil
}

// PendingFilter narrows GetPendingRequests. Zero values match everything.
type PendingFilter struct {
	Domain     string
	Workflow   string
	RunID      string
	TrustLevel schema.TrustLevel
	Limit      int
}

// Store is the approval operation surface.
type Store interface {
	// CreateRequest validates the request, computes expiry and auto-approve
	// eligibility, and persists it with status PENDING.
	CreateRequest(ctx context.Context, r *Request) (*Request, error)

	// GetRequest returns the request by id, or ErrNotFound.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// GetPendingRequests returns requests with status PENDING whose expiry
	// has not passed, newest first.
	GetPendingRequests(ctx context.Context, f PendingFilter) ([]*Request, error)

	// GetRequestsByRunID returns all requests for a run, newest first.
	GetRequestsByRunID(ctx context.Context, runID string) ([]*Request, error)

	// IsApproved reports whether the request exists with status APPROVED.
	IsApproved(ctx context.Context, id string) (bool, error)

	// IsPending reports whether the request exists with status PENDING and
	// has not expired.
	IsPending(ctx context.Context, id string) (bool, error)

	// ExpireStaleRequests transitions all PENDING requests past their expiry
	// to EXPIRED and returns the count. Idempotent.
	ExpireStaleRequests(ctx context.Context) (int, error)

	// CreateDecision records the terminal decision for a still-pending,
	// unexpired request and transitions its status in the same transaction.
	// Returns ErrNotFound, ErrAlreadyDecided, or ErrExpired on conflict.
	CreateDecision(ctx context.Context, d *Decision) (*Decision, error)

	// GetDecision returns the decision for a request, or ErrNotFound.
	GetDecision(ctx context.Context, requestID string) (*Decision, error)

	// AutoApprove runs the eligibility gates against the stored request and,
	// when all pass, records an APPROVE decision with decided-by
	// "system:auto-approve". A gate failure returns (nil, nil) — no decision
	// produced; only storage failures return an error.
	AutoApprove(ctx context.Context, requestID string) (*Decision, error)

	// Close releases resources.
	Close() error
}

// computeEligibility applies the auto-approve eligibility rules at request
// creation time.
func computeEligibility(r *Request, deny, allow []string) (bool, string) {
	if r.TrustLevel == schema.L4 {
		return false, "L4 requires human approval"
	}
	if r.ReviewerVerdict != schema.VerdictPass {
		return false, "reviewer verdict is not PASS"
	}
	for _, name := range deny {
		if r.ActionType == name || r.Workflow == name {
			return false, "action is on the auto-approve deny list"
		}
	}
	for _, name := range allow {
		if r.ActionType == name || r.Workflow == name {
			return true, "reviewer PASS on allow-listed action"
		}
	}
	return false, "action is not on the auto-approve allow list"
}
