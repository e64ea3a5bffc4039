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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cordonlabs/cordon/gate"
	"github.com/cordonlabs/cordon/schema"
)

// Tracer wraps the OpenTelemetry tracer with gateway-specific helpers. A nil
// Tracer is valid and produces no-op spans, so callers never branch on
// whether tracing is configured.
type Tracer struct {
	provider    *sdktrace.TracerProvider
	tracer      trace.Tracer
	serviceName string
}

// NewTracer creates a Tracer from configuration. Returns (nil, nil) when
// tracing is disabled.
func NewTracer(ctx context.Context, cfg *TracingConfig) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String(AttrGenAISystem, "cordon"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider:    provider,
		tracer:      provider.Tracer(cfg.ServiceName),
		serviceName: cfg.ServiceName,
	}, nil
}

func createExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		return createOTLPExporter(ctx, cfg)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

func createOTLPExporter(ctx context.Context, cfg *TracingConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}

	if cfg.IsInsecure() {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartRun begins the top-level span for a workflow run.
func (t *Tracer) StartRun(ctx context.Context, runID, workflow string, domain schema.Domain) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRun,
		trace.WithAttributes(
			attribute.String(AttrCordonRunID, runID),
			attribute.String(AttrCordonWorkflow, workflow),
			attribute.String(AttrCordonDomain, string(domain)),
		),
	)
}

// StartStage begins a span for a single workflow stage.
func (t *Tracer) StartStage(ctx context.Context, stage schema.Stage, agent string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanStage,
		trace.WithAttributes(
			attribute.String(AttrCordonStage, string(stage)),
			attribute.String(AttrCordonAgent, agent),
		),
	)
}

// StartLLMCall begins a span for an LLM API call.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, maxTokens int, temperature float64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrGenAIOperationName, OpChat),
		attribute.String(AttrGenAIRequestModel, model),
	}
	if maxTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrGenAIRequestMaxTokens, maxTokens))
	}
	if temperature > 0 {
		attrs = append(attrs, attribute.Float64(AttrGenAIRequestTemperature, temperature))
	}
	return t.Start(ctx, SpanLLMCall, trace.WithAttributes(attrs...))
}

// StartToolCall begins a span for a routed tool call.
func (t *Tracer) StartToolCall(ctx context.Context, toolName, callID string, stage schema.Stage) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolCall,
		trace.WithAttributes(
			attribute.String(AttrGenAIOperationName, OpToolCall),
			attribute.String(AttrGenAIToolName, toolName),
			attribute.String(AttrGenAIToolCallID, callID),
			attribute.String(AttrCordonStage, string(stage)),
		),
	)
}

// StartCommit begins a span for a commit boundary attempt.
func (t *Tracer) StartCommit(ctx context.Context, action, approvalID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanCommit,
		trace.WithAttributes(
			attribute.String(AttrCordonCommitAction, action),
			attribute.String(AttrCordonApprovalID, approvalID),
		),
	)
}

// AddDecision records the trust gate's verdict on a span.
func (t *Tracer) AddDecision(span trace.Span, decision *gate.Decision) {
	if span == nil || decision == nil {
		return
	}
	span.SetAttributes(
		attribute.Bool(AttrCordonDecisionAllowed, decision.Allowed),
		attribute.String(AttrCordonTrustLevel, string(decision.TrustLevel)),
	)
	if !decision.Allowed {
		span.SetAttributes(attribute.String(AttrCordonDecisionReason, decision.Reason))
	}
	if decision.ApprovalRequestID != "" {
		span.SetAttributes(attribute.String(AttrCordonApprovalID, decision.ApprovalRequestID))
	}
}

// AddSandbox records the sandbox execution ID on a span.
func (t *Tracer) AddSandbox(span trace.Span, sandboxID string) {
	if span == nil || sandboxID == "" {
		return
	}
	span.SetAttributes(attribute.String(AttrCordonSandboxID, sandboxID))
}

// AddVerdict records the reviewer verdict on a span.
func (t *Tracer) AddVerdict(span trace.Span, verdict schema.Verdict) {
	if span == nil || verdict == "" {
		return
	}
	span.SetAttributes(attribute.String(AttrCordonVerdict, string(verdict)))
}

// AddLLMUsage adds token usage information to a span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrGenAIUsageInputTokens, inputTokens),
		attribute.Int(AttrGenAIUsageOutputTokens, outputTokens),
	)
}

// RecordError records an error on a span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String(AttrErrorType, fmt.Sprintf("%T", err)),
		attribute.String(AttrErrorMessage, err.Error()),
	)
}

// Shutdown gracefully shuts down the tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan() trace.Span {
	_, span := trace.NewNoopTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
