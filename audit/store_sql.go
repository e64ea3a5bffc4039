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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cordonlabs/cordon/schema"
)

const (
	createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS agent_action_events (
    id VARCHAR(36) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    domain VARCHAR(64) NOT NULL,
    workflow VARCHAR(255) NOT NULL,
    agent VARCHAR(255) NOT NULL,
    run_id VARCHAR(36) NOT NULL,
    trust_level VARCHAR(2) NOT NULL,
    stage VARCHAR(16) NOT NULL,
    intent TEXT NOT NULL,
    tool_name VARCHAR(255),
    tool_args_json TEXT,
    tool_result_json TEXT,
    artifact_refs_json TEXT,
    warnings_json TEXT,
    errors_json TEXT,
    summary TEXT,
    confidence DOUBLE PRECISION,
    approval_request_id VARCHAR(36),
    sandbox_id VARCHAR(64),
    sandbox_artifacts_json TEXT
)`

	defaultAsyncQueueSize = 1024
)

// Separate index statements for SQLite compatibility.
var createEventsIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_run_id ON agent_action_events(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_domain_workflow ON agent_action_events(domain, workflow)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at ON agent_action_events(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_trust_stage ON agent_action_events(trust_level, stage)`,
	`CREATE INDEX IF NOT EXISTS idx_events_tool_name ON agent_action_events(tool_name)`,
	`CREATE INDEX IF NOT EXISTS idx_events_approval_id ON agent_action_events(approval_request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_sandbox_id ON agent_action_events(sandbox_id)`,
}

// eventRow is the flat database representation of an Event.
type eventRow struct {
	ID                   string
	CreatedAt            time.Time
	Domain               string
	Workflow             string
	Agent                string
	RunID                string
	TrustLevel           string
	Stage                string
	Intent               string
	ToolName             sql.NullString
	ToolArgsJSON         sql.NullString
	ToolResultJSON       sql.NullString
	ArtifactRefsJSON     sql.NullString
	WarningsJSON         sql.NullString
	ErrorsJSON           sql.NullString
	Summary              sql.NullString
	Confidence           sql.NullFloat64
	ApprovalRequestID    sql.NullString
	SandboxID            sql.NullString
	SandboxArtifactsJSON sql.NullString
}

// SQLStore is a SQL-backed audit Store supporting postgres, mysql, and sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect string

	async   bool
	queue   chan *Event
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithSynchronousWrites makes Append await persistence and surface errors
// instead of handing events to the background writer.
func WithSynchronousWrites() SQLStoreOption {
	return func(s *SQLStore) { s.async = false }
}

// NewSQLStore creates a SQL-backed audit store. Fire-and-forget delivery is
// the default; pass WithSynchronousWrites for synchronous mode.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string, opts ...SQLStoreOption) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		async:   true,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if s.async {
		s.queue = make(chan *Event, defaultAsyncQueueSize)
		go s.writeLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createEventsTableSQL); err != nil {
		return fmt.Errorf("failed to create agent_action_events table: %w", err)
	}
	for _, stmt := range createEventsIndexSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append records an event. In fire-and-forget mode it returns as soon as the
// event is handed to the background writer; persistence failures are logged,
// never propagated. Validation failures never persist and carry the event id.
func (s *SQLStore) Append(ctx context.Context, e *Event) (*AppendResult, error) {
	if e == nil {
		return &AppendResult{}, schema.FailClosed("event")
	}
	e.normalize()
	if err := e.Validate(); err != nil {
		return &AppendResult{EventID: e.ID}, err
	}

	if !s.async {
		if err := s.insert(ctx, e); err != nil {
			return &AppendResult{EventID: e.ID}, fmt.Errorf("failed to persist audit event: %w", err)
		}
		return &AppendResult{EventID: e.ID, Persisted: true}, nil
	}

	select {
	case s.queue <- e:
	default:
		// Queue saturated. Fall back to an inline write so the event is not
		// lost; the caller still never sees the persistence error.
		slog.Warn("audit queue full, writing inline", "event_id", e.ID)
		if err := s.insert(ctx, e); err != nil {
			slog.Error("audit event persistence failed", "event_id", e.ID, "error", err)
		}
	}
	return &AppendResult{EventID: e.ID, Persisted: true}, nil
}

func (s *SQLStore) writeLoop() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.insert(ctx, e); err != nil {
			slog.Error("audit event persistence failed", "event_id", e.ID, "run_id", e.RunID, "error", err)
		}
		cancel()
	}
}

func (s *SQLStore) insert(ctx context.Context, e *Event) error {
	row, err := eventToRow(e)
	if err != nil {
		return err
	}

	query := s.rebind(`
INSERT INTO agent_action_events (
    id, created_at, domain, workflow, agent, run_id, trust_level, stage, intent,
    tool_name, tool_args_json, tool_result_json, artifact_refs_json,
    warnings_json, errors_json, summary, confidence, approval_request_id,
    sandbox_id, sandbox_artifacts_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.CreatedAt, row.Domain, row.Workflow, row.Agent, row.RunID,
		row.TrustLevel, row.Stage, row.Intent, row.ToolName, row.ToolArgsJSON,
		row.ToolResultJSON, row.ArtifactRefsJSON, row.WarningsJSON,
		row.ErrorsJSON, row.Summary, row.Confidence, row.ApprovalRequestID,
		row.SandboxID, row.SandboxArtifactsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Query returns events matching the filter, ordered by creation time
// descending.
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.RunID != "" {
		add("run_id = ?", f.RunID)
	}
	if f.Workflow != "" {
		add("workflow = ?", f.Workflow)
	}
	if f.Agent != "" {
		add("agent = ?", f.Agent)
	}
	if f.Domain != "" {
		add("domain = ?", f.Domain)
	}
	if f.TrustLevel != "" {
		add("trust_level = ?", string(f.TrustLevel))
	}
	if f.Stage != "" {
		add("stage = ?", string(f.Stage))
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < ?", f.Until)
	}

	query := `
SELECT id, created_at, domain, workflow, agent, run_id, trust_level, stage, intent,
       tool_name, tool_args_json, tool_result_json, artifact_refs_json,
       warnings_json, errors_json, summary, confidence, approval_request_id,
       sandbox_id, sandbox_artifacts_json
FROM agent_action_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(
			&row.ID, &row.CreatedAt, &row.Domain, &row.Workflow, &row.Agent,
			&row.RunID, &row.TrustLevel, &row.Stage, &row.Intent, &row.ToolName,
			&row.ToolArgsJSON, &row.ToolResultJSON, &row.ArtifactRefsJSON,
			&row.WarningsJSON, &row.ErrorsJSON, &row.Summary, &row.Confidence,
			&row.ApprovalRequestID, &row.SandboxID, &row.SandboxArtifactsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e, err := rowToEvent(&row)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats returns counts bucketed by trust level, stage, domain, and tool, plus
// a count of events carrying a non-empty errors array. An empty runID covers
// the whole log.
func (s *SQLStore) Stats(ctx context.Context, runID string) (*Stats, error) {
	stats := &Stats{
		ByTrustLevel: make(map[string]int),
		ByStage:      make(map[string]int),
		ByDomain:     make(map[string]int),
		ByTool:       make(map[string]int),
	}

	scope := ""
	var args []any
	if runID != "" {
		scope = " WHERE run_id = ?"
		args = append(args, runID)
	}

	countBy := func(column string, into map[string]int) error {
		query := s.rebind(fmt.Sprintf(
			"SELECT %s, COUNT(*) FROM agent_action_events%s GROUP BY %s", column, scope, column))
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to count by %s: %w", column, err)
		}
		defer rows.Close()
		for rows.Next() {
			var key sql.NullString
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			if key.Valid && key.String != "" {
				into[key.String] = n
			}
		}
		return rows.Err()
	}

	if err := countBy("trust_level", stats.ByTrustLevel); err != nil {
		return nil, err
	}
	if err := countBy("stage", stats.ByStage); err != nil {
		return nil, err
	}
	if err := countBy("domain", stats.ByDomain); err != nil {
		return nil, err
	}
	if err := countBy("tool_name", stats.ByTool); err != nil {
		return nil, err
	}
	for _, n := range stats.ByTrustLevel {
		stats.Total += n
	}

	errQuery := s.rebind(
		"SELECT COUNT(*) FROM agent_action_events" + scope +
			func() string {
				if scope == "" {
					return " WHERE errors_json IS NOT NULL AND errors_json <> '' AND errors_json <> '[]'"
				}
				return " AND errors_json IS NOT NULL AND errors_json <> '' AND errors_json <> '[]'"
			}())
	if err := s.db.QueryRowContext(ctx, errQuery, args...).Scan(&stats.ErrorCount); err != nil {
		return nil, fmt.Errorf("failed to count error events: %w", err)
	}

	return stats, nil
}

// Close drains the background writer and waits for pending inserts.
func (s *SQLStore) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.async {
		close(s.queue)
	}
	<-s.done
	return nil
}

// eventToRow converts an Event to its flat database representation.
func eventToRow(e *Event) (*eventRow, error) {
	marshal := func(v any, empty string) (sql.NullString, error) {
		switch x := v.(type) {
		case map[string]any:
			if len(x) == 0 {
				return sql.NullString{String: empty, Valid: true}, nil
			}
		case []string:
			if len(x) == 0 {
				return sql.NullString{String: empty, Valid: true}, nil
			}
		}
		data, err := json.Marshal(v)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("failed to marshal event field: %w", err)
		}
		return sql.NullString{String: string(data), Valid: true}, nil
	}

	row := &eventRow{
		ID:         e.ID,
		CreatedAt:  e.CreatedAt,
		Domain:     e.Domain,
		Workflow:   e.Workflow,
		Agent:      e.Agent,
		RunID:      e.RunID,
		TrustLevel: string(e.TrustLevel),
		Stage:      string(e.Stage),
		Intent:     e.Intent,
		Summary:    sql.NullString{String: e.Summary, Valid: e.Summary != ""},
		Confidence: sql.NullFloat64{Float64: e.Confidence, Valid: true},
		ToolName:   sql.NullString{String: e.ToolName, Valid: e.ToolName != ""},
		ApprovalRequestID: sql.NullString{
			String: e.ApprovalRequestID, Valid: e.ApprovalRequestID != ""},
		SandboxID: sql.NullString{String: e.SandboxID, Valid: e.SandboxID != ""},
	}

	var err error
	if row.ToolArgsJSON, err = marshal(e.ToolArgs, "{}"); err != nil {
		return nil, err
	}
	if row.ToolResultJSON, err = marshal(e.ToolResult, "{}"); err != nil {
		return nil, err
	}
	if row.ArtifactRefsJSON, err = marshal(e.ArtifactRefs, "[]"); err != nil {
		return nil, err
	}
	if row.WarningsJSON, err = marshal(e.Warnings, "[]"); err != nil {
		return nil, err
	}
	if row.ErrorsJSON, err = marshal(e.Errors, "[]"); err != nil {
		return nil, err
	}
	if row.SandboxArtifactsJSON, err = marshal(e.SandboxArtifacts, "[]"); err != nil {
		return nil, err
	}
	return row, nil
}

// rowToEvent converts a database row back into an Event. Round-trips with
// eventToRow.
func rowToEvent(row *eventRow) (*Event, error) {
	e := &Event{
		ID:                row.ID,
		CreatedAt:         row.CreatedAt,
		Domain:            row.Domain,
		Workflow:          row.Workflow,
		Agent:             row.Agent,
		RunID:             row.RunID,
		TrustLevel:        schema.TrustLevel(row.TrustLevel),
		Stage:             schema.Stage(row.Stage),
		Intent:            row.Intent,
		ToolName:          row.ToolName.String,
		Summary:           row.Summary.String,
		ApprovalRequestID: row.ApprovalRequestID.String,
		SandboxID:         row.SandboxID.String,
	}
	if row.Confidence.Valid {
		e.Confidence = row.Confidence.Float64
	}

	unmarshal := func(src sql.NullString, dst any) error {
		if !src.Valid || src.String == "" || src.String == "{}" || src.String == "[]" {
			return nil
		}
		if err := json.Unmarshal([]byte(src.String), dst); err != nil {
			return fmt.Errorf("failed to unmarshal event field: %w", err)
		}
		return nil
	}
	if err := unmarshal(row.ToolArgsJSON, &e.ToolArgs); err != nil {
		return nil, err
	}
	if err := unmarshal(row.ToolResultJSON, &e.ToolResult); err != nil {
		return nil, err
	}
	if err := unmarshal(row.ArtifactRefsJSON, &e.ArtifactRefs); err != nil {
		return nil, err
	}
	if err := unmarshal(row.WarningsJSON, &e.Warnings); err != nil {
		return nil, err
	}
	if err := unmarshal(row.ErrorsJSON, &e.Errors); err != nil {
		return nil, err
	}
	if err := unmarshal(row.SandboxArtifactsJSON, &e.SandboxArtifacts); err != nil {
		return nil, err
	}
	return e, nil
}

// Compile-time interface compliance check
var _ Store = (*SQLStore)(nil)
