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

// Package audit provides the append-only event sink recording every tool-call
// decision and its result.
//
// Stores offer two delivery modes. Fire-and-forget (the default) hands the
// event to a background writer and returns immediately; a later persistence
// failure is logged but never propagated, because the gating decision has
// semantic priority over the audit trail. Synchronous mode awaits persistence
// and surfaces the error.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/schema"
)

// Event is a single append-only audit record of an agent action.
type Event struct {
	ID                string            `json:"id"`
	CreatedAt         time.Time         `json:"created_at"`
	Domain            string            `json:"domain"`
	Workflow          string            `json:"workflow"`
	Agent             string            `json:"agent"`
	RunID             string            `json:"run_id"`
	TrustLevel        schema.TrustLevel `json:"trust_level"`
	Stage             schema.Stage      `json:"stage"`
	Intent            string            `json:"intent"`
	ToolName          string            `json:"tool_name,omitempty"`
	ToolArgs          map[string]any    `json:"tool_args,omitempty"`
	ToolResult        map[string]any    `json:"tool_result,omitempty"`
	ArtifactRefs      []string          `json:"artifact_refs,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	Errors            []string          `json:"errors,omitempty"`
	Summary           string            `json:"summary,omitempty"`
	Confidence        float64           `json:"confidence,omitempty"`
	ApprovalRequestID string            `json:"approval_request_id,omitempty"`
	SandboxID         string            `json:"sandbox_id,omitempty"`
	SandboxArtifacts  []string          `json:"sandbox_artifacts,omitempty"`
}

// Validate checks the required fields of an event.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Domain) == "" {
		return schema.FailClosed("event.domain")
	}
	if strings.TrimSpace(e.Workflow) == "" {
		return schema.FailClosed("event.workflow")
	}
	if strings.TrimSpace(e.Agent) == "" {
		return schema.FailClosed("event.agent")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return schema.FailClosed("event.run_id")
	}
	if !e.TrustLevel.Valid() {
		return schema.FailClosed("event.trust_level")
	}
	if !e.Stage.Valid() {
		return schema.FailClosed("event.stage")
	}
	if strings.TrimSpace(e.Intent) == "" {
		return schema.FailClosed("event.intent")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return schema.FailClosed("event.confidence")
	}
	return nil
}

// normalize assigns an id and timestamp when absent.
func (e *Event) normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

// AppendResult reports the outcome of an Append call. EventID is set even on
// validation failure so callers can correlate the rejection.
type AppendResult struct {
	EventID   string
	Persisted bool
}

// Filter narrows a Query. Zero values match everything. Results are always
// ordered by creation time descending.
type Filter struct {
	RunID      string
	Workflow   string
	Agent      string
	Domain     string
	TrustLevel schema.TrustLevel
	Stage      schema.Stage
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Stats buckets event counts for a run (or the whole log when runID is empty).
type Stats struct {
	Total        int            `json:"total"`
	ByTrustLevel map[string]int `json:"by_trust_level"`
	ByStage      map[string]int `json:"by_stage"`
	ByDomain     map[string]int `json:"by_domain"`
	ByTool       map[string]int `json:"by_tool"`
	ErrorCount   int            `json:"error_count"`
}

// Store is the audit log operation surface.
type Store interface {
	// Append records an event. On validation failure it returns a result
	// carrying an event id without persisting, plus the validation error.
	Append(ctx context.Context, e *Event) (*AppendResult, error)

	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]*Event, error)

	// Stats returns counts bucketed by trust level, stage, domain, and tool,
	// plus a count of events carrying a non-empty errors array.
	Stats(ctx context.Context, runID string) (*Stats, error)

	// Close flushes any background writer and releases resources.
	Close() error
}
