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

package observability

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/schema"
)

// Metrics exposes gateway measurements through a Prometheus registry. All
// record methods are nil-safe so callers can hold a disabled *Metrics.
type Metrics struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider

	toolDuration   metric.Float64Histogram
	toolCallsTotal metric.Int64Counter

	gateDecisions metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	commitAttempts    metric.Int64Counter
	approvalDecisions metric.Int64Counter
}

// NewMetrics builds the Prometheus-backed metrics set. Returns an inert
// instance when metrics are disabled.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("cordon")

	m := &Metrics{registry: registry, provider: provider}

	m.toolDuration, err = meter.Float64Histogram(
		"cordon_tool_call_duration_seconds",
		metric.WithDescription("Routed tool call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	m.toolCallsTotal, err = meter.Int64Counter(
		"cordon_tool_calls_total",
		metric.WithDescription("Total routed tool calls by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	m.gateDecisions, err = meter.Int64Counter(
		"cordon_gate_decisions_total",
		metric.WithDescription("Total trust gate decisions by trust level and verdict"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate decisions counter: %w", err)
	}

	m.llmDuration, err = meter.Float64Histogram(
		"cordon_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	m.llmInputTokens, err = meter.Int64Counter(
		"cordon_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	m.llmOutputTokens, err = meter.Int64Counter(
		"cordon_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	m.llmErrorsTotal, err = meter.Int64Counter(
		"cordon_llm_errors_total",
		metric.WithDescription("Total LLM request errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	m.commitAttempts, err = meter.Int64Counter(
		"cordon_commit_attempts_total",
		metric.WithDescription("Total commit boundary attempts by action and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit attempts counter: %w", err)
	}

	m.approvalDecisions, err = meter.Int64Counter(
		"cordon_approval_decisions_total",
		metric.WithDescription("Total approval request decisions by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval decisions counter: %w", err)
	}

	return m, nil
}

// Registry returns the Prometheus registry backing this metrics set, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *promclient.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordToolCall satisfies the router's metrics hook.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, stage schema.Stage, outcome string, duration time.Duration) {
	if m == nil || m.toolDuration == nil || m.toolCallsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("stage", string(stage)),
		attribute.String("outcome", outcome),
	)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
}

// RecordGateDecision counts a trust gate verdict.
func (m *Metrics) RecordGateDecision(ctx context.Context, trustLevel schema.TrustLevel, allowed bool) {
	if m == nil || m.gateDecisions == nil {
		return
	}
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trust_level", string(trustLevel)),
		attribute.Bool("allowed", allowed),
	))
}

// RecordLLMCall records an LLM round trip.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordCommitAttempt counts a commit boundary attempt.
func (m *Metrics) RecordCommitAttempt(ctx context.Context, action string, committed bool) {
	if m == nil || m.commitAttempts == nil {
		return
	}
	outcome := "blocked"
	if committed {
		outcome = "committed"
	}
	m.commitAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// RecordApprovalDecision counts an approval request reaching a terminal or
// pending status.
func (m *Metrics) RecordApprovalDecision(ctx context.Context, status approval.Status) {
	if m == nil || m.approvalDecisions == nil {
		return
	}
	m.approvalDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
