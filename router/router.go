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

// Package router dispatches tool calls through the trust gate, the sandbox,
// and the commit boundary. Every call it observes — allowed or denied,
// success or failure — produces exactly one audit event.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/audit"
	"github.com/cordonlabs/cordon/commitgate"
	"github.com/cordonlabs/cordon/gate"
	"github.com/cordonlabs/cordon/registry"
	"github.com/cordonlabs/cordon/sandbox"
	"github.com/cordonlabs/cordon/schema"
)

// Handler executes a tool in-process.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Metrics receives per-call measurements. Optional.
type Metrics interface {
	RecordToolCall(ctx context.Context, tool string, stage schema.Stage, outcome string, duration time.Duration)
	RecordGateDecision(ctx context.Context, trustLevel schema.TrustLevel, allowed bool)
}

// registration pairs a definition with its handler and compiled input schema.
type registration struct {
	def      *schema.ToolDefinition
	handler  Handler
	compiled *jsonschema.Schema
}

// CallRequest is one tool invocation.
type CallRequest struct {
	ToolName string
	Args     map[string]any
	Stage    schema.Stage
	Context  *gate.CallContext
}

// CallResult is the outcome of one invocation. Denials are values, not
// errors: Allowed is false and the gate decision carries the reason.
type CallResult struct {
	ToolName string
	Allowed  bool
	Decision *gate.Decision
	Output   map[string]any
	Sandbox  *sandbox.Result
	Error    string
	EventID  string
}

// Router registers (definition, handler) pairs and routes calls through the
// policy stack.
type Router struct {
	tools    *registry.BaseRegistry[*registration]
	gate     *gate.Gate
	sandbox  *sandbox.Sandbox
	boundary *commitgate.Boundary
	audits   audit.Store
	metrics  Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithSandbox wires the sandbox used for gated executions.
func WithSandbox(sbx *sandbox.Sandbox) Option {
	return func(r *Router) { r.sandbox = sbx }
}

// WithCommitBoundary wires the second verification barrier for commit tools.
func WithCommitBoundary(b *commitgate.Boundary) Option {
	return func(r *Router) { r.boundary = b }
}

// WithMetrics wires call measurements.
func WithMetrics(m Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a router. The gate and audit store are mandatory; everything
// else is optional.
func New(g *gate.Gate, audits audit.Store, opts ...Option) *Router {
	r := &Router{
		tools:  registry.NewBaseRegistry[*registration](),
		gate:   g,
		audits: audits,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Ill-formed definitions and nil handlers are rejected;
// a non-empty input schema is compiled once here so calls validate cheaply.
func (r *Router) Register(def *schema.ToolDefinition, handler Handler) error {
	if def == nil {
		return schema.FailClosed("tool definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return schema.FailClosed("tool handler")
	}

	reg := &registration{def: def, handler: handler}
	if len(def.InputSchema) > 0 {
		compiled, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("invalid input schema for %s: %w", def.Name, err)
		}
		reg.compiled = compiled
	}
	return r.tools.Register(def.Name, reg)
}

// Tools returns the registered tool definitions, sorted by name.
func (r *Router) Tools() []*schema.ToolDefinition {
	names := r.tools.Names()
	defs := make([]*schema.ToolDefinition, 0, len(names))
	for _, name := range names {
		if reg, ok := r.tools.Get(name); ok {
			defs = append(defs, reg.def)
		}
	}
	return defs
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so number types match what the validator
	// expects.
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, parsed); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Call routes one tool invocation. The handler runs only after the gate (and,
// for commit tools, the commit boundary) admits the call; exactly one audit
// event records the outcome either way.
func (r *Router) Call(ctx context.Context, req *CallRequest) *CallResult {
	start := time.Now()
	result := &CallResult{ToolName: req.ToolName}

	outcome := "denied"
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordToolCall(ctx, req.ToolName, req.Stage, outcome, time.Since(start))
		}
	}()

	if strings.TrimSpace(req.ToolName) == "" {
		result.Decision = deniedDecision(schema.L4, "missing tool name")
		r.emit(ctx, req, result, nil)
		return result
	}
	if err := req.Context.Validate(); err != nil {
		result.Decision = deniedDecision(schema.L4, "invalid call context: %v", err)
		r.emit(ctx, req, result, nil)
		return result
	}

	reg, ok := r.tools.Get(req.ToolName)
	if !ok {
		result.Decision = deniedDecision(schema.L4, "unknown tool %s", req.ToolName)
		r.emit(ctx, req, result, nil)
		return result
	}
	if reg.handler == nil {
		result.Decision = deniedDecision(schema.L4, "no handler for tool %s", req.ToolName)
		r.emit(ctx, req, result, reg.def)
		return result
	}

	if reg.compiled != nil {
		if err := validateArgs(reg.compiled, req.Args); err != nil {
			result.Decision = deniedDecision(schema.L4, "invalid arguments for %s: %v", req.ToolName, err)
			r.emit(ctx, req, result, reg.def)
			return result
		}
	}

	decision := r.gate.EvaluateWithApproval(ctx, reg.def, req.Stage, req.Context)
	result.Decision = decision
	if r.metrics != nil {
		r.metrics.RecordGateDecision(ctx, decision.TrustLevel, decision.Allowed)
	}
	if !decision.Allowed {
		r.emit(ctx, req, result, reg.def)
		return result
	}

	// Commit tools pass a second, independent barrier before the handler.
	if decision.CommitTool && r.boundary != nil {
		elig := r.boundary.VerifyCommitEligibility(ctx, req.Context.RunID, req.ToolName)
		if !elig.Eligible {
			d := *decision
			d.Allowed = false
			d.Reason = "FAIL CLOSED: " + elig.Reason
			result.Decision = &d
			r.emit(ctx, req, result, reg.def)
			return result
		}
	}

	if decision.Sandboxed {
		if r.sandbox == nil {
			d := *decision
			d.Allowed = false
			d.Reason = fmt.Sprintf("FAIL CLOSED: %s requires a sandbox and none is configured", req.ToolName)
			result.Decision = &d
			r.emit(ctx, req, result, reg.def)
			return result
		}
		sbxResult := r.sandbox.Execute(ctx, &sandbox.ExecuteInput{
			ToolName:   req.ToolName,
			Args:       req.Args,
			Handler:    sandbox.HandlerFunc(reg.handler),
			EntityType: reg.def.Action(),
		})
		result.Sandbox = sbxResult
		if sbxResult.DeniedByPolicy {
			d := *decision
			d.Allowed = false
			d.Reason = fmt.Sprintf("FAIL CLOSED: sandbox denied (%s): %s",
				sbxResult.FailureReason, sbxResult.Error)
			result.Decision = &d
			r.emit(ctx, req, result, reg.def)
			return result
		}
		result.Allowed = true
		result.Output = sbxResult.Value
		if !sbxResult.Success {
			result.Error = sbxResult.Error
			outcome = "failed"
		} else {
			outcome = "ok"
		}
		r.emit(ctx, req, result, reg.def)
		return result
	}

	result.Allowed = true
	output, err := reg.handler(ctx, req.Args)
	if err != nil {
		result.Error = err.Error()
		outcome = "failed"
	} else {
		result.Output = output
		outcome = "ok"
	}
	r.emit(ctx, req, result, reg.def)
	return result
}

// CallParallel dispatches a batch concurrently and collects results keyed by
// tool name. Order between calls is not defined.
func (r *Router) CallParallel(ctx context.Context, reqs []*CallRequest) map[string]*CallResult {
	results := make(map[string]*CallResult, len(reqs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range reqs {
		g.Go(func() error {
			res := r.Call(gctx, req)
			mu.Lock()
			results[req.ToolName] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func deniedDecision(level schema.TrustLevel, format string, args ...any) *gate.Decision {
	return &gate.Decision{
		Allowed:    false,
		TrustLevel: level,
		Reason:     "FAIL CLOSED: " + fmt.Sprintf(format, args...),
	}
}

func validateArgs(compiled *jsonschema.Schema, args map[string]any) error {
	// Normalize through JSON so ints become float64 and nested structs
	// become maps, matching the validator's expectations.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	return compiled.Validate(instance)
}

// emit writes the single audit event for a call. Audit failures are logged
// and never change the result.
func (r *Router) emit(ctx context.Context, req *CallRequest, result *CallResult, def *schema.ToolDefinition) {
	if r.audits == nil {
		return
	}

	event := &audit.Event{
		Domain:     "unknown",
		Workflow:   "unknown",
		Agent:      "unknown",
		Stage:      req.Stage,
		ToolName:   req.ToolName,
		ToolArgs:   req.Args,
		TrustLevel: schema.L4,
		Confidence: 1,
	}
	if !event.Stage.Valid() {
		event.Stage = schema.StageExecute
	}
	if req.Context != nil {
		if req.Context.Domain != "" {
			event.Domain = req.Context.Domain
		}
		if req.Context.Workflow != "" {
			event.Workflow = req.Context.Workflow
		}
		if req.Context.Agent != "" {
			event.Agent = req.Context.Agent
		}
		event.RunID = req.Context.RunID
		event.Intent = req.Context.Intent
	}
	if event.RunID == "" {
		event.RunID = "unknown"
	}
	if event.Intent == "" {
		event.Intent = "call " + req.ToolName
	}
	if result.Decision != nil {
		event.TrustLevel = result.Decision.TrustLevel
		event.ApprovalRequestID = result.Decision.ApprovalRequestID
	}
	if result.Sandbox != nil {
		event.SandboxID = result.Sandbox.SandboxID
		event.SandboxArtifacts = result.Sandbox.ArtifactPaths
	}

	switch {
	case !result.Allowed && result.Decision != nil && result.Decision.RequiresApproval &&
		(result.Decision.ApprovalStatus == "" || result.Decision.ApprovalStatus == approval.StatusPending):
		event.Summary = fmt.Sprintf("%s pending approval", req.ToolName)
		event.Warnings = []string{result.Decision.Reason}
	case !result.Allowed:
		event.Summary = fmt.Sprintf("%s denied", req.ToolName)
		event.Errors = []string{result.Decision.Reason}
	case result.Error != "":
		event.Summary = fmt.Sprintf("%s failed", req.ToolName)
		event.Errors = []string{result.Error}
		event.ToolResult = result.Output
	default:
		event.Summary = fmt.Sprintf("%s ok", req.ToolName)
		event.ToolResult = result.Output
	}

	appendResult, err := r.audits.Append(ctx, event)
	if err != nil {
		slog.Error("failed to audit tool call", "tool", req.ToolName, "error", err)
		return
	}
	result.EventID = appendResult.EventID
}
