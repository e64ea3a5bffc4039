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

// Package asiops is the reference adapter for the asi operations domain. It
// supplies the daily_ops_brief and alert_triage workflows with read, staging,
// and commit tools, and serves as the template for host-written adapters.
package asiops

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/adapter"
	"github.com/cordonlabs/cordon/schema"
)

const version = "1.0.0"

type getBookingsArgs struct {
	Date  string `json:"date,omitempty" jsonschema:"description=Filter bookings by ISO date"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum rows to return"`
}

type draftBriefArgs struct {
	Bookings int    `json:"bookings" jsonschema:"description=Booking count for the period"`
	Alerts   int    `json:"alerts,omitempty" jsonschema:"description=Open alert count"`
	Notes    string `json:"notes,omitempty"`
}

type stageBookingArgs struct {
	Customer string `json:"customer" jsonschema:"description=Customer name"`
	Slot     string `json:"slot" jsonschema:"description=Requested slot, RFC3339"`
}

type postAlertArgs struct {
	Channel string `json:"channel" jsonschema:"description=Destination channel"`
	Message string `json:"message" jsonschema:"description=Alert body"`
}

type publishBriefArgs struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// New builds the asi operations adapter.
func New() *adapter.DomainAdapter {
	return &adapter.DomainAdapter{
		Domain:  schema.DomainASI,
		Name:    "ASI Operations",
		Version: version,
		Tools: []adapter.Tool{
			{
				Definition: &schema.ToolDefinition{
					Name:          "asi.get_bookings",
					Description:   "List bookings for a period.",
					Capability:    schema.CapabilityRead,
					Risk:          schema.RiskLow,
					ExecutionMode: schema.ExecutionDirect,
					Verification:  schema.VerificationNone,
					InputSchema:   schema.MustInputSchemaFor[getBookingsArgs](),
				},
				Handler: getBookings,
			},
			{
				Definition: &schema.ToolDefinition{
					Name:          "asi.draft_brief",
					Description:   "Draft the daily operations brief from period counts.",
					Capability:    schema.CapabilityPropose,
					Risk:          schema.RiskMedium,
					ExecutionMode: schema.ExecutionDirect,
					Verification:  schema.VerificationMultiAgent,
					InputSchema:   schema.MustInputSchemaFor[draftBriefArgs](),
				},
				Handler: draftBrief,
			},
			{
				Definition: &schema.ToolDefinition{
					Name:          "asi.stage_booking_create",
					Description:   "Stage a booking creation for later commit.",
					Capability:    schema.CapabilityWrite,
					Risk:          schema.RiskMedium,
					ExecutionMode: schema.ExecutionSandboxOnly,
					Verification:  schema.VerificationRules,
					InputSchema:   schema.MustInputSchemaFor[stageBookingArgs](),
				},
				Handler: stageBookingCreate,
			},
			{
				Definition: &schema.ToolDefinition{
					Name:          "asi.commit_post_alert",
					Description:   "Post an operational alert to the on-call channel.",
					Capability:    schema.CapabilitySideEffects,
					Risk:          schema.RiskHigh,
					ExecutionMode: schema.ExecutionDirect,
					Verification:  schema.VerificationHumanApproval,
					InputSchema:   schema.MustInputSchemaFor[postAlertArgs](),
				},
				Handler: commitPostAlert,
			},
			{
				Definition: &schema.ToolDefinition{
					Name:          "asi.commit_publish_daily_brief",
					Description:   "Publish the reviewed daily brief to subscribers.",
					Capability:    schema.CapabilitySideEffects,
					Risk:          schema.RiskHigh,
					ExecutionMode: schema.ExecutionDirect,
					Verification:  schema.VerificationHumanApproval,
					InputSchema:   schema.MustInputSchemaFor[publishBriefArgs](),
				},
				Handler: commitPublishDailyBrief,
			},
		},
		Agents:    agents(),
		Workflows: workflows(),
		Config: adapter.Config{
			TrustOverrides: map[string]schema.TrustLevel{
				"asi.get_bookings": schema.L0,
			},
		},
	}
}

func agents() []schema.AgentDefinition {
	return []schema.AgentDefinition{
		{
			Name:         "asi-planner",
			Role:         schema.RolePlanner,
			SystemPrompt: "Plan the operations run. Inspect bookings before proposing steps.",
			AllowedTools: []string{"asi.get_bookings"},
		},
		{
			Name:         "asi-worker",
			Role:         schema.RoleWorker,
			SystemPrompt: "Execute the plan. Stage writes; never publish without a commit stage.",
			AllowedTools: []string{
				"asi.get_bookings",
				"asi.draft_brief",
				"asi.stage_booking_create",
				"asi.commit_post_alert",
				"asi.commit_publish_daily_brief",
			},
		},
		{
			Name:         "asi-reviewer",
			Role:         schema.RoleReviewer,
			SystemPrompt: "Review the produced brief. End with VERDICT: PASS or VERDICT: FAIL.",
			AllowedTools: []string{"asi.get_bookings"},
		},
	}
}

func workflows() []schema.WorkflowDefinition {
	stages := []schema.Stage{schema.StagePlan, schema.StageExecute, schema.StageReview, schema.StageCommit}
	return []schema.WorkflowDefinition{
		{
			Name:   "daily_ops_brief",
			Domain: schema.DomainASI,
			Stages: stages,
			Agents: agents(),
		},
		{
			Name:   "alert_triage",
			Domain: schema.DomainASI,
			Stages: stages,
			Agents: agents(),
		},
	}
}

// Handlers return canned data; a production adapter would call the booking
// system here.

func getBookings(ctx context.Context, args map[string]any) (map[string]any, error) {
	limit := 10
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	bookings := []map[string]any{
		{"id": "bk-1001", "customer": "Harbor Cafe", "slot": "2026-08-24T09:00:00Z", "status": "confirmed"},
		{"id": "bk-1002", "customer": "Northside Clinic", "slot": "2026-08-24T13:30:00Z", "status": "pending"},
		{"id": "bk-1003", "customer": "Delta Logistics", "slot": "2026-08-25T08:00:00Z", "status": "confirmed"},
	}
	if limit < len(bookings) {
		bookings = bookings[:limit]
	}
	return map[string]any{"bookings": bookings, "count": len(bookings)}, nil
}

func draftBrief(ctx context.Context, args map[string]any) (map[string]any, error) {
	bookings, _ := args["bookings"].(float64)
	alerts, _ := args["alerts"].(float64)
	body := fmt.Sprintf("Daily brief: %d bookings scheduled, %d alerts open.", int(bookings), int(alerts))
	if notes, ok := args["notes"].(string); ok && notes != "" {
		body += " Notes: " + notes
	}
	return map[string]any{"draft_id": uuid.NewString(), "body": body}, nil
}

func stageBookingCreate(ctx context.Context, args map[string]any) (map[string]any, error) {
	customer, _ := args["customer"].(string)
	if customer == "" {
		return nil, fmt.Errorf("customer is required")
	}
	return map[string]any{
		"staged":   true,
		"customer": customer,
		"slot":     args["slot"],
	}, nil
}

func commitPostAlert(ctx context.Context, args map[string]any) (map[string]any, error) {
	message, _ := args["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	return map[string]any{
		"posted":  true,
		"channel": args["channel"],
		"at":      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func commitPublishDailyBrief(ctx context.Context, args map[string]any) (map[string]any, error) {
	title, _ := args["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	return map[string]any{
		"published": true,
		"title":     title,
		"at":        time.Now().UTC().Format(time.RFC3339),
	}, nil
}
