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

// Command cordon is the CLI for the trust-enforcement gateway.
//
// Usage:
//
//	cordon run daily_ops_brief --config cordon.yaml
//	cordon pending --config cordon.yaml
//	cordon approve <request-id> --by ops@example.com
//	cordon serve --config cordon.yaml
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/cordonlabs/cordon"
	"github.com/cordonlabs/cordon/adapter"
	"github.com/cordonlabs/cordon/adapter/asiops"
	"github.com/cordonlabs/cordon/adapter/landops"
	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/audit"
	"github.com/cordonlabs/cordon/commitgate"
	"github.com/cordonlabs/cordon/config"
	"github.com/cordonlabs/cordon/gate"
	"github.com/cordonlabs/cordon/llm"
	"github.com/cordonlabs/cordon/logger"
	"github.com/cordonlabs/cordon/observability"
	"github.com/cordonlabs/cordon/orchestrator"
	"github.com/cordonlabs/cordon/router"
	"github.com/cordonlabs/cordon/sandbox"
	"github.com/cordonlabs/cordon/schema"
	"github.com/cordonlabs/cordon/server"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Run      RunCmd      `cmd:"" help:"Execute a workflow through the gateway."`
	Pending  PendingCmd  `cmd:"" help:"List pending approval requests."`
	Approve  ApproveCmd  `cmd:"" help:"Approve a pending request."`
	Reject   RejectCmd   `cmd:"" help:"Reject a pending request."`
	Sweep    SweepCmd    `cmd:"" help:"Expire stale pending requests."`
	Serve    ServeCmd    `cmd:"" help:"Start the admin server."`

	Config    string `short:"c" help:"Path to config file." default:"cordon.yaml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:""`
}

// loadConfig loads env files and the YAML configuration, then initializes the
// process logger from the merged settings (CLI flags win).
func (cli *CLI) loadConfig() (*config.Config, func(), error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, err
	}

	levelStr := cfg.Logging.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	output := cfg.Logging.Output
	if cli.LogFile != "" {
		output = cli.LogFile
	}

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {}
	out := os.Stderr
	if output != "" {
		f, closeFn, err := logger.OpenLogFile(output)
		if err != nil {
			return nil, nil, err
		}
		out, cleanup = f, closeFn
	}
	logger.Init(level, out, format)
	return cfg, cleanup, nil
}

// openStores opens the shared database pool and both SQL stores on it.
func openStores(cfg *config.Config) (audit.Store, *approval.SQLStore, *sql.DB, error) {
	driver := cfg.Database.Dialect
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to reach database: %w", err)
	}

	var auditOpts []audit.SQLStoreOption
	if cfg.Audit.Synchronous {
		auditOpts = append(auditOpts, audit.WithSynchronousWrites())
	}
	audits, err := audit.NewSQLStore(db, cfg.Database.Dialect, auditOpts...)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	approvalOpts := []approval.SQLStoreOption{
		approval.WithTTLs(
			time.Duration(cfg.Approval.TTLSeconds)*time.Second,
			time.Duration(cfg.Approval.TTLL4Seconds)*time.Second,
		),
	}
	if len(cfg.Approval.AutoApproveAllow) > 0 || len(cfg.Approval.AutoApproveDeny) > 0 {
		deny := cfg.Approval.AutoApproveDeny
		if len(deny) == 0 {
			deny = approval.DefaultAutoApproveDeny
		}
		allow := cfg.Approval.AutoApproveAllow
		if len(allow) == 0 {
			allow = approval.DefaultAutoApproveAllow
		}
		approvalOpts = append(approvalOpts, approval.WithAutoApproveLists(deny, allow))
	}
	approvals, err := approval.NewSQLStore(db, cfg.Database.Dialect, approvalOpts...)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return audits, approvals, db, nil
}

// builtinAdapters returns the adapters compiled into this binary. Hosts that
// embed the gateway register their own.
func builtinAdapters() (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	for _, a := range []*adapter.DomainAdapter{asiops.New(), landops.New()} {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()
	return ctx, cancel
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := cordon.Version
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("cordon version %s\n", version)
	return nil
}

// ValidateCmd checks a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("%s is valid (%d llm providers, dialect %s)\n",
		cli.Config, len(cfg.LLMs), cfg.Database.Dialect)
	return nil
}

// RunCmd executes a workflow end to end.
type RunCmd struct {
	Workflow string `arg:"" help:"Workflow name (e.g. daily_ops_brief)."`
	Input    string `help:"Initial instruction for the planner." default:"Run the workflow for today."`
	LLM      string `help:"Named LLM provider from config." default:"main"`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	audits, approvals, db, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer audits.Close()

	adapters, err := builtinAdapters()
	if err != nil {
		return err
	}

	var workflow *schema.WorkflowDefinition
	var owner *adapter.DomainAdapter
	for _, a := range adapters.List() {
		if w, ok := a.Workflow(c.Workflow); ok {
			workflow, owner = w, a
			break
		}
	}
	if workflow == nil {
		return fmt.Errorf("no adapter provides workflow %q", c.Workflow)
	}

	executor, err := sandbox.NewExecutorFromConfig(cfg.Sandbox.FactoryConfig())
	if err != nil {
		return fmt.Errorf("failed to build sandbox executor: %w", err)
	}
	sbx := sandbox.New(executor, cfg.Sandbox.ArtifactsRoot)

	metrics, err := observability.NewMetrics(cfg.Observability.Metrics)
	if err != nil {
		return err
	}
	defer metrics.Shutdown(context.Background())
	tracer, err := observability.NewTracer(ctx, &cfg.Observability.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	gateCfg := cfg.Gate
	gateCfg.CommitTools = commitgate.ActionNames()
	for _, a := range adapters.List() {
		a.Config.ApplyTo(&gateCfg)
	}
	g := gate.New(gateCfg, approvals)
	boundary := commitgate.New(approvals, sbx, audits, commitgate.WithMetrics(metrics))

	rt := router.New(g, audits,
		router.WithSandbox(sbx),
		router.WithCommitBoundary(boundary),
		router.WithMetrics(metrics),
	)
	if err := adapters.InstallTools(rt); err != nil {
		return err
	}

	llmCfg, ok := cfg.LLMs[c.LLM]
	if !ok {
		return fmt.Errorf("llm provider %q not configured", c.LLM)
	}
	providers := llm.NewRegistry()
	defer providers.Close()
	provider, err := providers.CreateFromConfig(c.LLM, &llmCfg)
	if err != nil {
		return err
	}

	if err := owner.Initialize(ctx); err != nil {
		return fmt.Errorf("adapter init: %w", err)
	}
	defer func() {
		if err := owner.Shutdown(context.Background()); err != nil {
			slog.Error("adapter shutdown failed", "error", err)
		}
	}()

	orchOpts := []orchestrator.Option{
		orchestrator.WithApprovalStore(approvals),
		orchestrator.WithCommitBoundary(boundary),
		orchestrator.WithMetrics(metrics),
	}
	if tracer != nil {
		orchOpts = append(orchOpts, orchestrator.WithTracer(tracer))
	}
	orch := orchestrator.New(rt, provider, audits, orchOpts...)

	runCtx, span := tracer.StartRun(ctx, "", workflow.Name, workflow.Domain)
	result := orch.Execute(runCtx, workflow, c.Input)
	tracer.AddVerdict(span, result.Verdict)
	span.End()
	out := map[string]any{
		"run_id":       result.RunID,
		"status":       result.Status,
		"final_result": result.FinalResult,
		"verdict":      result.Verdict,
		"tokens_used":  result.TokensUsed,
		"duration":     result.Duration.String(),
	}
	if result.ApprovalRequestID != "" {
		out["approval_request_id"] = result.ApprovalRequestID
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if result.Status == orchestrator.StatusFailed {
		return fmt.Errorf("run %s failed", result.RunID)
	}
	return nil
}

// PendingCmd lists pending approval requests.
type PendingCmd struct {
	Domain   string `help:"Filter by domain."`
	Workflow string `help:"Filter by workflow."`
	RunID    string `name:"run-id" help:"Filter by run id."`
	Limit    int    `help:"Maximum rows." default:"50"`
}

func (c *PendingCmd) Run(cli *CLI) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	audits, approvals, db, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer audits.Close()

	requests, err := approvals.GetPendingRequests(context.Background(), approval.PendingFilter{
		Domain:   c.Domain,
		Workflow: c.Workflow,
		RunID:    c.RunID,
		Limit:    c.Limit,
	})
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println("no pending approval requests")
		return nil
	}
	return printJSON(requests)
}

// decide records a human decision against a request.
func decide(cli *CLI, requestID string, kind approval.DecisionKind, by, notes string) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	audits, approvals, db, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer audits.Close()

	decision, err := approvals.CreateDecision(context.Background(), &approval.Decision{
		RequestID: requestID,
		DecidedBy: by,
		Decision:  kind,
		Notes:     notes,
	})
	if err != nil {
		return err
	}
	return printJSON(decision)
}

// ApproveCmd approves a pending request.
type ApproveCmd struct {
	ID    string `arg:"" help:"Approval request id."`
	By    string `required:"" help:"Identity of the approver."`
	Notes string `help:"Decision notes."`
}

func (c *ApproveCmd) Run(cli *CLI) error {
	return decide(cli, c.ID, approval.DecisionApprove, c.By, c.Notes)
}

// RejectCmd rejects a pending request.
type RejectCmd struct {
	ID    string `arg:"" help:"Approval request id."`
	By    string `required:"" help:"Identity of the approver."`
	Notes string `help:"Decision notes."`
}

func (c *RejectCmd) Run(cli *CLI) error {
	return decide(cli, c.ID, approval.DecisionReject, c.By, c.Notes)
}

// SweepCmd expires stale pending requests.
type SweepCmd struct{}

func (c *SweepCmd) Run(cli *CLI) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	audits, approvals, db, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer audits.Close()

	count, err := approvals.ExpireStaleRequests(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("expired %d stale requests\n", count)
	return nil
}

// ServeCmd runs the admin server.
type ServeCmd struct {
	Port  int  `help:"Override the configured port."`
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	audits, approvals, db, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer audits.Close()

	metrics, err := observability.NewMetrics(cfg.Observability.Metrics)
	if err != nil {
		return err
	}
	defer metrics.Shutdown(context.Background())

	tracer, err := observability.NewTracer(ctx, &cfg.Observability.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	if c.Watch {
		watcher, err := config.NewWatcher(cli.Config, func(next *config.Config) {
			deny := next.Approval.AutoApproveDeny
			if len(deny) == 0 {
				deny = approval.DefaultAutoApproveDeny
			}
			allow := next.Approval.AutoApproveAllow
			if len(allow) == 0 {
				allow = approval.DefaultAutoApproveAllow
			}
			approvals.SetAutoApprovePolicy(deny, allow)
			slog.Info("configuration reloaded",
				"auto_approve_allow", len(allow),
				"auto_approve_deny", len(deny))
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	port := cfg.Server.Port
	if c.Port != 0 {
		port = c.Port
	}
	srv, err := server.New(server.Config{
		Host:        cfg.Server.Host,
		Port:        port,
		MetricsPath: cfg.Observability.Metrics.Endpoint,
	}, approvals, audits, server.WithMetrics(metrics))
	if err != nil {
		return err
	}

	fmt.Printf("cordon admin server ready\n")
	fmt.Printf("   Pending:  http://%s:%d/v1/approvals/pending\n", cfg.Server.Host, port)
	fmt.Printf("   Audit:    http://%s:%d/v1/audit/events\n", cfg.Server.Host, port)
	fmt.Printf("   Health:   http://%s:%d/healthz\n", cfg.Server.Host, port)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:  http://%s:%d%s\n", cfg.Server.Host, port, cfg.Observability.Metrics.Endpoint)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("cordon"),
		kong.Description("Trust-enforcement gateway for autonomous agent tool calls."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}
