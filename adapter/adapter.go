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

// Package adapter defines the plug-in surface through which business verticals
// contribute tools, agents, and workflows to the gateway. Adapters are
// validated on registration and read-mostly afterwards.
package adapter

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/cordonlabs/cordon/gate"
	"github.com/cordonlabs/cordon/router"
	"github.com/cordonlabs/cordon/schema"
)

// Hook is an optional lifecycle callback.
type Hook func(ctx context.Context) error

// WorkflowHook fires around workflow runs.
type WorkflowHook func(ctx context.Context, workflow, runID string) error

// Tool pairs a definition with its in-process handler.
type Tool struct {
	Definition *schema.ToolDefinition
	Handler    router.Handler
}

// Config is the partial gate configuration an adapter contributes for its own
// tools. Zero values leave the host configuration untouched.
type Config struct {
	ApprovalThreshold schema.TrustLevel            `yaml:"approval_threshold,omitempty"`
	SandboxWrites     *bool                        `yaml:"sandbox_writes,omitempty"`
	TrustOverrides    map[string]schema.TrustLevel `yaml:"trust_overrides,omitempty"`

	// Extra carries adapter-specific settings the host passes through opaque.
	// Adapters decode it with DecodeExtra.
	Extra map[string]any `yaml:"extra,omitempty"`
}

// DecodeExtra decodes the opaque settings block into an adapter-owned struct.
func (c Config) DecodeExtra(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: false,
		TagName:     "yaml",
	})
	if err != nil {
		return err
	}
	return dec.Decode(c.Extra)
}

// ApplyTo folds the adapter's partial config into a gate config.
func (c Config) ApplyTo(dst *gate.Config) {
	if c.ApprovalThreshold != "" {
		dst.ApprovalThreshold = c.ApprovalThreshold
	}
	if c.SandboxWrites != nil {
		dst.SandboxWrites = *c.SandboxWrites
	}
	if len(c.TrustOverrides) > 0 {
		if dst.TrustOverrides == nil {
			dst.TrustOverrides = map[string]schema.TrustLevel{}
		}
		for name, level := range c.TrustOverrides {
			dst.TrustOverrides[name] = level
		}
	}
}

// DomainAdapter is one vertical's contribution to the gateway.
type DomainAdapter struct {
	Domain  schema.Domain
	Name    string
	Version string

	Tools     []Tool
	Agents    []schema.AgentDefinition
	Workflows []schema.WorkflowDefinition
	Config    Config

	OnInitialize       Hook
	OnShutdown         Hook
	OnWorkflowStart    WorkflowHook
	OnWorkflowComplete WorkflowHook
}

// ValidationResult separates hard failures from reportable findings.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// Valid reports whether registration may proceed.
func (v *ValidationResult) Valid() bool { return len(v.Errors) == 0 }

func (v *ValidationResult) errorf(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (v *ValidationResult) warnf(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

// Validate applies the adapter contract. Errors block registration; warnings
// are surfaced to the operator and otherwise ignored.
func (a *DomainAdapter) Validate() *ValidationResult {
	res := &ValidationResult{}
	if a == nil {
		res.errorf("adapter is nil")
		return res
	}
	if !a.Domain.Valid() {
		res.errorf("unknown domain %q", string(a.Domain))
	}
	if strings.TrimSpace(a.Name) == "" {
		res.errorf("adapter name is required")
	}
	if !semverRe.MatchString(a.Version) {
		res.errorf("version %q is not semver", a.Version)
	}

	prefix := string(a.Domain) + "."
	toolNames := map[string]struct{}{}
	for i, t := range a.Tools {
		if t.Definition == nil {
			res.errorf("tool[%d] has no definition", i)
			continue
		}
		if err := t.Definition.Validate(); err != nil {
			res.errorf("tool %s: %v", t.Definition.Name, err)
			continue
		}
		if t.Handler == nil {
			res.errorf("tool %s has no handler", t.Definition.Name)
		}
		if _, dup := toolNames[t.Definition.Name]; dup {
			res.errorf("tool %s registered twice", t.Definition.Name)
		}
		toolNames[t.Definition.Name] = struct{}{}
		if !strings.HasPrefix(t.Definition.Name, prefix) {
			res.warnf("tool %s is not prefixed with %q", t.Definition.Name, prefix)
		}
	}

	for _, agent := range a.Agents {
		if err := agent.Validate(); err != nil {
			res.errorf("agent %s: %v", agent.Name, err)
			continue
		}
		for _, ref := range agent.AllowedTools {
			if _, ok := toolNames[ref]; !ok {
				res.warnf("agent %s allows unknown tool %s", agent.Name, ref)
			}
		}
	}

	for _, w := range a.Workflows {
		if w.Domain != a.Domain {
			res.errorf("workflow %s belongs to domain %q, adapter is %q",
				w.Name, string(w.Domain), string(a.Domain))
			continue
		}
		if err := w.Validate(); err != nil {
			res.errorf("workflow %s: %v", w.Name, err)
		}
	}
	return res
}

// Initialize runs the adapter's on-initialize hook, when present.
func (a *DomainAdapter) Initialize(ctx context.Context) error {
	if a.OnInitialize == nil {
		return nil
	}
	return a.OnInitialize(ctx)
}

// Shutdown runs the adapter's on-shutdown hook, when present.
func (a *DomainAdapter) Shutdown(ctx context.Context) error {
	if a.OnShutdown == nil {
		return nil
	}
	return a.OnShutdown(ctx)
}

// Workflow returns the named workflow, when the adapter carries it.
func (a *DomainAdapter) Workflow(name string) (*schema.WorkflowDefinition, bool) {
	for i := range a.Workflows {
		if a.Workflows[i].Name == name {
			return &a.Workflows[i], true
		}
	}
	return nil, false
}

// Merge combines adapters into one. The first adapter's identity and config
// win; tool, agent, and workflow sets concatenate; lifecycle hooks chain in
// registration order, except shutdown which unwinds in reverse.
func Merge(adapters ...*DomainAdapter) *DomainAdapter {
	if len(adapters) == 0 {
		return nil
	}
	out := &DomainAdapter{
		Domain:  adapters[0].Domain,
		Name:    adapters[0].Name,
		Version: adapters[0].Version,
		Config:  adapters[0].Config,
	}
	for _, a := range adapters {
		out.Tools = append(out.Tools, a.Tools...)
		out.Agents = append(out.Agents, a.Agents...)
		out.Workflows = append(out.Workflows, a.Workflows...)
	}
	out.OnInitialize = chainHooks(collectHooks(adapters, func(a *DomainAdapter) Hook { return a.OnInitialize }))
	out.OnShutdown = chainHooks(reverseHooks(collectHooks(adapters, func(a *DomainAdapter) Hook { return a.OnShutdown })))
	out.OnWorkflowStart = chainWorkflowHooks(collectWorkflowHooks(adapters,
		func(a *DomainAdapter) WorkflowHook { return a.OnWorkflowStart }))
	out.OnWorkflowComplete = chainWorkflowHooks(collectWorkflowHooks(adapters,
		func(a *DomainAdapter) WorkflowHook { return a.OnWorkflowComplete }))
	return out
}

func collectHooks(adapters []*DomainAdapter, pick func(*DomainAdapter) Hook) []Hook {
	var hooks []Hook
	for _, a := range adapters {
		if h := pick(a); h != nil {
			hooks = append(hooks, h)
		}
	}
	return hooks
}

func reverseHooks(hooks []Hook) []Hook {
	for i, j := 0, len(hooks)-1; i < j; i, j = i+1, j-1 {
		hooks[i], hooks[j] = hooks[j], hooks[i]
	}
	return hooks
}

func chainHooks(hooks []Hook) Hook {
	switch len(hooks) {
	case 0:
		return nil
	case 1:
		return hooks[0]
	}
	return func(ctx context.Context) error {
		for _, h := range hooks {
			if err := h(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func collectWorkflowHooks(adapters []*DomainAdapter, pick func(*DomainAdapter) WorkflowHook) []WorkflowHook {
	var hooks []WorkflowHook
	for _, a := range adapters {
		if h := pick(a); h != nil {
			hooks = append(hooks, h)
		}
	}
	return hooks
}

func chainWorkflowHooks(hooks []WorkflowHook) WorkflowHook {
	switch len(hooks) {
	case 0:
		return nil
	case 1:
		return hooks[0]
	}
	return func(ctx context.Context, workflow, runID string) error {
		for _, h := range hooks {
			if err := h(ctx, workflow, runID); err != nil {
				return err
			}
		}
		return nil
	}
}
