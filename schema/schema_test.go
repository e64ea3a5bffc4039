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

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustLevelOrdering(t *testing.T) {
	levels := []TrustLevel{L0, L1, L2, L3, L4}
	for i := 0; i < len(levels)-1; i++ {
		assert.Less(t, levels[i].Rank(), levels[i+1].Rank())
		assert.True(t, levels[i].AtMost(levels[i+1]))
		assert.False(t, levels[i+1].AtMost(levels[i]))
	}
}

func TestTrustLevelUnknownFailsClosed(t *testing.T) {
	bogus := TrustLevel("L9")
	assert.False(t, bogus.Valid())
	// Unknown levels must rank above L4 so comparisons deny.
	assert.False(t, bogus.AtMost(L4))

	_, err := ParseTrustLevel("medium")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail-closed")
}

func TestClosedEnums(t *testing.T) {
	assert.True(t, CapabilityRead.Valid())
	assert.False(t, Capability("EXECUTE").Valid())

	assert.True(t, RiskCritical.Valid())
	assert.False(t, Risk("EXTREME").Valid())

	assert.True(t, StageCommit.Valid())
	assert.False(t, Stage("deploy").Valid())

	assert.True(t, RoleReviewer.Valid())
	assert.False(t, AgentRole("auditor").Valid())

	assert.True(t, DomainASI.Valid())
	assert.False(t, Domain("retail").Valid())
}

func TestRoleForStage(t *testing.T) {
	assert.Equal(t, RolePlanner, RoleForStage(StagePlan))
	assert.Equal(t, RoleWorker, RoleForStage(StageExecute))
	assert.Equal(t, RoleReviewer, RoleForStage(StageReview))
	assert.Equal(t, RoleWorker, RoleForStage(StageCommit))
}

func TestToolDefinitionValidate(t *testing.T) {
	valid := ToolDefinition{
		Name:          "asi.get_bookings",
		Description:   "List bookings",
		Capability:    CapabilityRead,
		Risk:          RiskLow,
		ExecutionMode: ExecutionDirect,
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "asi", valid.DomainPrefix())
	assert.Equal(t, "get_bookings", valid.Action())

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Capability: CapabilityRead, Risk: RiskLow}},
		{"bad capability", ToolDefinition{Name: "asi.x", Capability: "EXEC", Risk: RiskLow}},
		{"bad risk", ToolDefinition{Name: "asi.x", Capability: CapabilityRead, Risk: "SEVERE"}},
		{"bad mode", ToolDefinition{Name: "asi.x", Capability: CapabilityRead, Risk: RiskLow, ExecutionMode: "CONTAINER"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "fail-closed")
		})
	}
}

func TestWorkflowValidate(t *testing.T) {
	planner := AgentDefinition{Name: "planner", Role: RolePlanner, MaxTurns: 3}
	worker := AgentDefinition{Name: "worker", Role: RoleWorker, MaxTurns: 5}
	reviewer := AgentDefinition{Name: "reviewer", Role: RoleReviewer, MaxTurns: 2}

	t.Run("valid full pipeline", func(t *testing.T) {
		w := WorkflowDefinition{
			Name:   "daily_ops_brief",
			Domain: DomainASI,
			Stages: []Stage{StagePlan, StageExecute, StageReview, StageCommit},
			Agents: []AgentDefinition{planner, worker, reviewer},
		}
		require.NoError(t, w.Validate())
		assert.Equal(t, "reviewer", w.AgentForStage(StageReview).Name)
		assert.Equal(t, "worker", w.AgentForStage(StageCommit).Name)
	})

	t.Run("commit without review", func(t *testing.T) {
		w := WorkflowDefinition{
			Name:   "bad",
			Domain: DomainASI,
			Stages: []Stage{StagePlan, StageExecute, StageCommit},
			Agents: []AgentDefinition{planner, worker, reviewer},
		}
		err := w.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "commit stage without preceding review")
	})

	t.Run("review after commit", func(t *testing.T) {
		w := WorkflowDefinition{
			Name:   "bad",
			Domain: DomainASI,
			Stages: []Stage{StageCommit, StageReview},
			Agents: []AgentDefinition{worker, reviewer},
		}
		require.Error(t, w.Validate())
	})

	t.Run("missing role for stage", func(t *testing.T) {
		w := WorkflowDefinition{
			Name:   "bad",
			Domain: DomainASI,
			Stages: []Stage{StagePlan, StageExecute},
			Agents: []AgentDefinition{worker},
		}
		err := w.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no agent with role")
	})

	t.Run("open domain rejected", func(t *testing.T) {
		w := WorkflowDefinition{
			Name:   "bad",
			Domain: "retail",
			Stages: []Stage{StagePlan},
			Agents: []AgentDefinition{planner},
		}
		require.Error(t, w.Validate())
	})
}

func TestInputSchemaFor(t *testing.T) {
	type args struct {
		Query string `json:"query" jsonschema:"required,description=Booking query"`
		Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
	}
	m, err := InputSchemaFor[args]()
	require.NoError(t, err)
	assert.Equal(t, "object", m["type"])
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
}
