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

// Package landops is the reference adapter for the land domain: parcel
// lookups, checkpoint completion, and invoicing. Its commit tools exercise
// the human-approval path — send_invoice is never auto-approved.
package landops

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/adapter"
	"github.com/cordonlabs/cordon/schema"
)

const version = "1.0.0"

type getParcelsArgs struct {
	Region string `json:"region,omitempty" jsonschema:"description=Filter parcels by region code"`
}

type markCheckpointArgs struct {
	CheckpointID string `json:"checkpoint_id" jsonschema:"description=Checkpoint to close"`
}

type sendInvoiceArgs struct {
	ParcelID string  `json:"parcel_id" jsonschema:"description=Parcel being invoiced"`
	Amount   float64 `json:"amount" jsonschema:"description=Invoice amount"`
	Currency string  `json:"currency,omitempty"`
}

// New builds the land adapter.
func New() *adapter.DomainAdapter {
	return &adapter.DomainAdapter{
		Domain:  schema.DomainLand,
		Name:    "Land Operations",
		Version: version,
		Tools: []adapter.Tool{
			{
				Definition: &schema.ToolDefinition{
					Name:          "land.get_parcels",
					Description:   "List parcels and their survey status.",
					Capability:    schema.CapabilityRead,
					Risk:          schema.RiskLow,
					ExecutionMode: schema.ExecutionDirect,
					Verification:  schema.VerificationNone,
					InputSchema:   schema.MustInputSchemaFor[getParcelsArgs](),
				},
				Handler: getParcels,
			},
			{
				Definition: &schema.ToolDefinition{
					Name:          "land.commit_mark_checkpoint_complete",
					Description:   "Mark a survey checkpoint complete.",
					Capability:    schema.CapabilitySideEffects,
					Risk:          schema.RiskHigh,
					ExecutionMode: schema.ExecutionDirect,
					Verification:  schema.VerificationHumanApproval,
					InputSchema:   schema.MustInputSchemaFor[markCheckpointArgs](),
				},
				Handler: commitMarkCheckpointComplete,
			},
			{
				Definition: &schema.ToolDefinition{
					Name:          "land.commit_send_invoice",
					Description:   "Send an invoice for a surveyed parcel.",
					Capability:    schema.CapabilitySideEffects,
					Risk:          schema.RiskCritical,
					ExecutionMode: schema.ExecutionDirect,
					Verification:  schema.VerificationHumanApproval,
					InputSchema:   schema.MustInputSchemaFor[sendInvoiceArgs](),
				},
				Handler: commitSendInvoice,
			},
		},
		Agents:    agents(),
		Workflows: workflows(),
	}
}

func agents() []schema.AgentDefinition {
	return []schema.AgentDefinition{
		{
			Name:         "land-planner",
			Role:         schema.RolePlanner,
			SystemPrompt: "Plan the invoicing run over surveyed parcels.",
			AllowedTools: []string{"land.get_parcels"},
		},
		{
			Name:         "land-worker",
			Role:         schema.RoleWorker,
			SystemPrompt: "Execute the plan. Invoices go through the commit stage only.",
			AllowedTools: []string{
				"land.get_parcels",
				"land.commit_mark_checkpoint_complete",
				"land.commit_send_invoice",
			},
		},
		{
			Name:         "land-reviewer",
			Role:         schema.RoleReviewer,
			SystemPrompt: "Review invoice amounts against parcel records. End with VERDICT: PASS or VERDICT: FAIL.",
			AllowedTools: []string{"land.get_parcels"},
		},
	}
}

func workflows() []schema.WorkflowDefinition {
	return []schema.WorkflowDefinition{
		{
			Name:   "invoice_run",
			Domain: schema.DomainLand,
			Stages: []schema.Stage{schema.StagePlan, schema.StageExecute, schema.StageReview, schema.StageCommit},
			Agents: agents(),
		},
	}
}

func getParcels(ctx context.Context, args map[string]any) (map[string]any, error) {
	parcels := []map[string]any{
		{"id": "pl-204", "region": "north", "survey": "complete", "owner": "Meridian Holdings"},
		{"id": "pl-311", "region": "east", "survey": "pending", "owner": "R. Alvarez"},
	}
	if region, ok := args["region"].(string); ok && region != "" {
		filtered := parcels[:0:0]
		for _, p := range parcels {
			if p["region"] == region {
				filtered = append(filtered, p)
			}
		}
		parcels = filtered
	}
	return map[string]any{"parcels": parcels, "count": len(parcels)}, nil
}

func commitMarkCheckpointComplete(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, _ := args["checkpoint_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("checkpoint_id is required")
	}
	return map[string]any{
		"checkpoint_id": id,
		"completed":     true,
		"at":            time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func commitSendInvoice(ctx context.Context, args map[string]any) (map[string]any, error) {
	parcelID, _ := args["parcel_id"].(string)
	if parcelID == "" {
		return nil, fmt.Errorf("parcel_id is required")
	}
	amount, _ := args["amount"].(float64)
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return map[string]any{
		"invoice_id": uuid.NewString(),
		"parcel_id":  parcelID,
		"amount":     amount,
		"sent":       true,
	}, nil
}
