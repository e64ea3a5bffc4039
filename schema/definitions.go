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
	"fmt"
	"strings"
)

// ToolDefinition declares a tool that agents may invoke through the router.
// Definitions are immutable once registered. Names follow the
// "{domain}.{action}" convention.
type ToolDefinition struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description" yaml:"description"`
	Capability    Capability     `json:"capability" yaml:"capability"`
	Risk          Risk           `json:"risk" yaml:"risk"`
	ExecutionMode ExecutionMode  `json:"execution_mode" yaml:"execution_mode"`
	Verification  Verification   `json:"verification" yaml:"verification"`
	InputSchema   map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// Validate rejects ill-formed tool definitions.
func (d ToolDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return FailClosed("tool.name")
	}
	if !d.Capability.Valid() {
		return FailClosed("tool.capability")
	}
	if !d.Risk.Valid() {
		return FailClosed("tool.risk")
	}
	if d.ExecutionMode != "" && !d.ExecutionMode.Valid() {
		return FailClosed("tool.execution_mode")
	}
	if d.Verification != "" && !d.Verification.Valid() {
		return FailClosed("tool.verification")
	}
	return nil
}

// DomainPrefix returns the "{domain}" portion of the tool name, or "" when the
// name carries no dot.
func (d ToolDefinition) DomainPrefix() string {
	if i := strings.IndexByte(d.Name, '.'); i > 0 {
		return d.Name[:i]
	}
	return ""
}

// Action returns the final "{action}" segment of the tool name.
func (d ToolDefinition) Action() string {
	if i := strings.LastIndexByte(d.Name, '.'); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

// AgentDefinition declares an agent participating in workflows.
type AgentDefinition struct {
	Name         string    `json:"name" yaml:"name"`
	Role         AgentRole `json:"role" yaml:"role"`
	SystemPrompt string    `json:"system_prompt" yaml:"system_prompt"`
	AllowedTools []string  `json:"allowed_tools" yaml:"allowed_tools"`
	MaxTurns     int       `json:"max_turns" yaml:"max_turns"`
}

// Validate rejects ill-formed agent definitions.
func (a AgentDefinition) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return FailClosed("agent.name")
	}
	if !a.Role.Valid() {
		return FailClosed("agent.role")
	}
	if a.MaxTurns < 0 {
		return FailClosed("agent.max_turns")
	}
	return nil
}

// AllowsTool reports whether the agent may call the named tool. An empty
// allowlist allows nothing; agents must be granted tools explicitly.
func (a AgentDefinition) AllowsTool(name string) bool {
	for _, t := range a.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// WorkflowDefinition declares an ordered sequence of trust-gated stages and
// the agents that drive them.
type WorkflowDefinition struct {
	Name   string            `json:"name" yaml:"name"`
	Domain Domain            `json:"domain" yaml:"domain"`
	Stages []Stage           `json:"stages" yaml:"stages"`
	Agents []AgentDefinition `json:"agents" yaml:"agents"`
}

// Validate enforces the workflow invariants: a commit stage requires a prior
// review stage, and every stage must have an agent whose role matches.
func (w WorkflowDefinition) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return FailClosed("workflow.name")
	}
	if !w.Domain.Valid() {
		return FailClosed("workflow.domain")
	}
	if len(w.Stages) == 0 {
		return FailClosed("workflow.stages")
	}
	reviewIdx, commitIdx := -1, -1
	for i, s := range w.Stages {
		if !s.Valid() {
			return FailClosed(fmt.Sprintf("workflow.stages[%d]", i))
		}
		switch s {
		case StageReview:
			reviewIdx = i
		case StageCommit:
			commitIdx = i
		}
	}
	if commitIdx >= 0 && (reviewIdx < 0 || reviewIdx >= commitIdx) {
		return fmt.Errorf("fail-closed: workflow %q has commit stage without preceding review", w.Name)
	}
	for _, a := range w.Agents {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	for _, s := range w.Stages {
		if w.AgentForStage(s) == nil {
			return fmt.Errorf("fail-closed: workflow %q stage %q has no agent with role %q", w.Name, s, RoleForStage(s))
		}
	}
	return nil
}

// AgentForStage resolves the first agent whose role matches the stage, or nil.
func (w WorkflowDefinition) AgentForStage(s Stage) *AgentDefinition {
	want := RoleForStage(s)
	for i := range w.Agents {
		if w.Agents[i].Role == want {
			return &w.Agents[i]
		}
	}
	return nil
}

// HasStage reports whether the workflow contains the given stage.
func (w WorkflowDefinition) HasStage(s Stage) bool {
	for _, st := range w.Stages {
		if st == s {
			return true
		}
	}
	return false
}
