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

// Package observability provides OpenTelemetry tracing and Prometheus metrics
// for the gateway: spans around runs, gate decisions, tool calls, LLM calls,
// and commit attempts, plus counters and histograms exported via Prometheus.
//
// Configure observability in cordon.yaml:
//
//	observability:
//	  tracing:
//	    enabled: true
//	    exporter: otlp
//	    endpoint: localhost:4317
//	    sampling_rate: 1.0
//	    service_name: cordon
//	  metrics:
//	    enabled: true
//	    endpoint: /metrics
package observability

// =============================================================================
// GenAI Semantic Conventions (OpenTelemetry GenAI SIG)
// =============================================================================

const (
	// AttrGenAISystem identifies the GenAI system producing the span.
	AttrGenAISystem = "gen_ai.system"

	// AttrGenAIOperationName is the operation being performed.
	// Values: "chat", "execute_tool"
	AttrGenAIOperationName = "gen_ai.operation.name"

	// AttrGenAIRequestModel is the name of the model being used.
	AttrGenAIRequestModel = "gen_ai.request.model"

	// AttrGenAIRequestTemperature is the temperature parameter.
	AttrGenAIRequestTemperature = "gen_ai.request.temperature"

	// AttrGenAIRequestMaxTokens is the maximum tokens requested.
	AttrGenAIRequestMaxTokens = "gen_ai.request.max_tokens"

	// AttrGenAIUsageInputTokens is the number of input tokens.
	AttrGenAIUsageInputTokens = "gen_ai.usage.input_tokens"

	// AttrGenAIUsageOutputTokens is the number of output tokens.
	AttrGenAIUsageOutputTokens = "gen_ai.usage.output_tokens"

	// AttrGenAIToolName is the name of the tool being called.
	AttrGenAIToolName = "gen_ai.tool.name"

	// AttrGenAIToolCallID is the unique ID of the tool call.
	AttrGenAIToolCallID = "gen_ai.tool.call.id"
)

// =============================================================================
// Cordon-Specific Attributes
// =============================================================================

const (
	// AttrCordonRunID is the workflow run identifier.
	AttrCordonRunID = "cordon.run_id"

	// AttrCordonWorkflow is the workflow name.
	AttrCordonWorkflow = "cordon.workflow"

	// AttrCordonDomain is the business domain (asi, land).
	AttrCordonDomain = "cordon.domain"

	// AttrCordonAgent is the acting agent.
	AttrCordonAgent = "cordon.agent"

	// AttrCordonStage is the workflow stage (plan, execute, review, commit).
	AttrCordonStage = "cordon.stage"

	// AttrCordonTrustLevel is the classified trust level (L0..L4).
	AttrCordonTrustLevel = "cordon.trust_level"

	// AttrCordonDecisionAllowed records the gate verdict for a call.
	AttrCordonDecisionAllowed = "cordon.decision.allowed"

	// AttrCordonDecisionReason is the gate's denial reason, if any.
	AttrCordonDecisionReason = "cordon.decision.reason"

	// AttrCordonSandboxID is the sandbox execution identifier.
	AttrCordonSandboxID = "cordon.sandbox_id"

	// AttrCordonApprovalID is the approval request identifier.
	AttrCordonApprovalID = "cordon.approval_request_id"

	// AttrCordonCommitAction is the commit action being attempted.
	AttrCordonCommitAction = "cordon.commit.action"

	// AttrCordonVerdict is the reviewer verdict (PASS, FAIL).
	AttrCordonVerdict = "cordon.verdict"
)

// =============================================================================
// Error Attributes
// =============================================================================

const (
	// AttrErrorType is the type of error that occurred.
	AttrErrorType = "error.type"

	// AttrErrorMessage is the error message.
	AttrErrorMessage = "error.message"
)

// =============================================================================
// Span Names
// =============================================================================

const (
	// SpanRun is the top-level span for a workflow run.
	SpanRun = "cordon.run"

	// SpanStage is a span for a single workflow stage.
	SpanStage = "cordon.stage"

	// SpanLLMCall is a span for an LLM API call.
	SpanLLMCall = "cordon.llm.call"

	// SpanToolCall is a span for a routed tool call.
	SpanToolCall = "cordon.tool.call"

	// SpanCommit is a span for a commit boundary attempt.
	SpanCommit = "cordon.commit"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	// DefaultServiceName is the default service name for tracing.
	DefaultServiceName = "cordon"

	// DefaultSamplingRate is the default trace sampling rate.
	DefaultSamplingRate = 1.0

	// DefaultOTLPEndpoint is the default OTLP endpoint.
	DefaultOTLPEndpoint = "localhost:4317"

	// DefaultMetricsPath is the default Prometheus metrics endpoint.
	DefaultMetricsPath = "/metrics"
)

// GenAI operation names for AttrGenAIOperationName.
const (
	OpChat     = "chat"
	OpToolCall = "execute_tool"
)
