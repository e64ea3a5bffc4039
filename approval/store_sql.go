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

package approval

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

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/schema"
)

const (
	createRequestsTableSQL = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id VARCHAR(36) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    domain VARCHAR(64) NOT NULL,
    run_id VARCHAR(36) NOT NULL,
    workflow VARCHAR(255) NOT NULL,
    requester VARCHAR(255) NOT NULL,
    trust_level VARCHAR(2) NOT NULL,
    action_type VARCHAR(255) NOT NULL,
    action_payload_json TEXT,
    status VARCHAR(16) NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    context_json TEXT,
    reviewer_verdict VARCHAR(4),
    reviewer_notes TEXT,
    auto_approve_eligible BOOLEAN NOT NULL,
    auto_approve_reason TEXT
)`

	createDecisionsTableSQL = `
CREATE TABLE IF NOT EXISTS approval_decisions (
    id VARCHAR(36) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    approval_request_id VARCHAR(36) NOT NULL UNIQUE REFERENCES approval_requests(id) ON DELETE CASCADE,
    decided_by VARCHAR(255) NOT NULL,
    decision VARCHAR(8) NOT NULL,
    notes TEXT,
    metadata_json TEXT
)`
)

var createApprovalIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_approvals_run_id ON approval_requests(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_domain_status ON approval_requests(domain, status)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_expires_at ON approval_requests(expires_at)`,
}

// requestRow is the flat database representation of a Request.
type requestRow struct {
	ID                  string
	CreatedAt           time.Time
	Domain              string
	RunID               string
	Workflow            string
	Requester           string
	TrustLevel          string
	ActionType          string
	ActionPayloadJSON   sql.NullString
	Status              string
	ExpiresAt           time.Time
	ContextJSON         sql.NullString
	ReviewerVerdict     sql.NullString
	ReviewerNotes       sql.NullString
	AutoApproveEligible bool
	AutoApproveReason   sql.NullString
}

// SQLStore is a SQL-backed approval Store supporting postgres, mysql, and
// sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
	ttl     time.Duration
	ttlL4   time.Duration

	mu    sync.RWMutex
	deny  []string
	allow []string
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) { s.now = now }
}

// WithTTLs overrides the request lifetimes. The L4 lifetime applies to
// requests classified L4; everything else uses ttl.
func WithTTLs(ttl, ttlL4 time.Duration) SQLStoreOption {
	return func(s *SQLStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if ttlL4 > 0 {
			s.ttlL4 = ttlL4
		}
	}
}

// WithAutoApproveLists replaces the default deny and allow lists.
func WithAutoApproveLists(deny, allow []string) SQLStoreOption {
	return func(s *SQLStore) {
		s.deny = deny
		s.allow = allow
	}
}

// SetAutoApprovePolicy replaces the auto-approve deny and allow lists at
// runtime. Requests created after the call compute eligibility against the
// new lists; already-stored requests keep their recorded eligibility.
func (s *SQLStore) SetAutoApprovePolicy(deny, allow []string) {
	s.mu.Lock()
	s.deny = deny
	s.allow = allow
	s.mu.Unlock()
}

// NewSQLStore creates a SQL-backed approval store.
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
		now:     func() time.Time { return time.Now().UTC() },
		ttl:     DefaultTTL,
		ttlL4:   DefaultTTLL4,
		deny:    DefaultAutoApproveDeny,
		allow:   DefaultAutoApproveAllow,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createRequestsTableSQL); err != nil {
		return fmt.Errorf("failed to create approval_requests table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createDecisionsTableSQL); err != nil {
		return fmt.Errorf("failed to create approval_decisions table: %w", err)
	}
	for _, stmt := range createApprovalIndexSQL {
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

// CreateRequest validates the request, computes expiry and auto-approve
// eligibility, and persists it with status PENDING.
func (s *SQLStore) CreateRequest(ctx context.Context, r *Request) (*Request, error) {
	if r == nil {
		return nil, schema.FailClosed("request")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	req := *r
	req.ID = uuid.NewString()
	req.CreatedAt = s.now()
	req.Status = StatusPending
	if req.ExpiresAt.IsZero() {
		ttl := s.ttl
		if req.TrustLevel == schema.L4 {
			ttl = s.ttlL4
		}
		req.ExpiresAt = req.CreatedAt.Add(ttl)
	}
	s.mu.RLock()
	deny, allow := s.deny, s.allow
	s.mu.RUnlock()
	req.AutoApproveEligible, req.AutoApproveReason = computeEligibility(&req, deny, allow)

	row, err := requestToRow(&req)
	if err != nil {
		return nil, err
	}

	query := s.rebind(`
INSERT INTO approval_requests (
    id, created_at, domain, run_id, workflow, requester, trust_level,
    action_type, action_payload_json, status, expires_at, context_json,
    reviewer_verdict, reviewer_notes, auto_approve_eligible, auto_approve_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.CreatedAt, row.Domain, row.RunID, row.Workflow,
		row.Requester, row.TrustLevel, row.ActionType, row.ActionPayloadJSON,
		row.Status, row.ExpiresAt, row.ContextJSON, row.ReviewerVerdict,
		row.ReviewerNotes, row.AutoApproveEligible, row.AutoApproveReason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert approval request: %w", err)
	}
	return &req, nil
}

const selectRequestColumns = `
SELECT id, created_at, domain, run_id, workflow, requester, trust_level,
       action_type, action_payload_json, status, expires_at, context_json,
       reviewer_verdict, reviewer_notes, auto_approve_eligible, auto_approve_reason
FROM approval_requests`

func scanRequest(scanner interface{ Scan(...any) error }) (*Request, error) {
	var row requestRow
	err := scanner.Scan(
		&row.ID, &row.CreatedAt, &row.Domain, &row.RunID, &row.Workflow,
		&row.Requester, &row.TrustLevel, &row.ActionType, &row.ActionPayloadJSON,
		&row.Status, &row.ExpiresAt, &row.ContextJSON, &row.ReviewerVerdict,
		&row.ReviewerNotes, &row.AutoApproveEligible, &row.AutoApproveReason,
	)
	if err != nil {
		return nil, err
	}
	return rowToRequest(&row)
}

// GetRequest returns the request by id, or ErrNotFound.
func (s *SQLStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	if id == "" {
		return nil, schema.FailClosed("request.id")
	}
	query := s.rebind(selectRequestColumns + " WHERE id = ?")
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return req, nil
}

// GetPendingRequests returns PENDING, unexpired requests matching the filter,
// newest first. Expired-but-unswept records are excluded.
func (s *SQLStore) GetPendingRequests(ctx context.Context, f PendingFilter) ([]*Request, error) {
	where := []string{"status = ?", "expires_at > ?"}
	args := []any{string(StatusPending), s.now()}
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.TrustLevel != "" {
		where = append(where, "trust_level = ?")
		args = append(args, string(f.TrustLevel))
	}

	query := selectRequestColumns + " WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}
	return s.queryRequests(ctx, s.rebind(query), args...)
}

// GetRequestsByRunID returns all requests for a run, newest first.
func (s *SQLStore) GetRequestsByRunID(ctx context.Context, runID string) ([]*Request, error) {
	if runID == "" {
		return nil, schema.FailClosed("run_id")
	}
	query := s.rebind(selectRequestColumns + " WHERE run_id = ? ORDER BY created_at DESC")
	return s.queryRequests(ctx, query, runID)
}

func (s *SQLStore) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// IsApproved reports whether the request exists with status APPROVED.
func (s *SQLStore) IsApproved(ctx context.Context, id string) (bool, error) {
	req, err := s.GetRequest(ctx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return req.Status == StatusApproved, nil
}

// IsPending reports whether the request exists with status PENDING and has
// not expired.
func (s *SQLStore) IsPending(ctx context.Context, id string) (bool, error) {
	req, err := s.GetRequest(ctx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return req.Status == StatusPending && !req.Expired(s.now()), nil
}

// ExpireStaleRequests transitions all PENDING requests past their expiry to
// EXPIRED and returns the count. Idempotent.
func (s *SQLStore) ExpireStaleRequests(ctx context.Context) (int, error) {
	query := s.rebind(
		"UPDATE approval_requests SET status = ? WHERE status = ? AND expires_at <= ?")
	res, err := s.db.ExecContext(ctx, query,
		string(StatusExpired), string(StatusPending), s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired requests: %w", err)
	}
	return int(n), nil
}

// CreateDecision records the terminal decision for a request and transitions
// its status in the same transaction. A second decision for the same request
// fails with ErrAlreadyDecided; the request keeps its first decision.
func (s *SQLStore) CreateDecision(ctx context.Context, d *Decision) (*Decision, error) {
	if d == nil {
		return nil, schema.FailClosed("decision")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return s.decide(ctx, d, "")
}

// decide runs the transactional decision insert. A non-empty autoReason also
// updates the request's auto_approve_reason in the same transaction.
func (s *SQLStore) decide(ctx context.Context, d *Decision, autoReason string) (*Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var expiresAt time.Time
	query := s.rebind("SELECT status, expires_at FROM approval_requests WHERE id = ?")
	err = tx.QueryRowContext(ctx, query, d.RequestID).Scan(&status, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	switch Status(status) {
	case StatusPending:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrAlreadyDecided
	}
	if !s.now().Before(expiresAt) {
		return nil, ErrExpired
	}

	// The UNIQUE constraint is the backstop for concurrent writers; this read
	// gives the common case a distinguishable error without parsing driver
	// messages.
	var existing int
	query = s.rebind("SELECT COUNT(*) FROM approval_decisions WHERE approval_request_id = ?")
	if err := tx.QueryRowContext(ctx, query, d.RequestID).Scan(&existing); err != nil {
		return nil, fmt.Errorf("failed to check existing decision: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyDecided
	}

	dec := *d
	dec.ID = uuid.NewString()
	dec.CreatedAt = s.now()

	metadataJSON := sql.NullString{String: "{}", Valid: true}
	if len(dec.Metadata) > 0 {
		data, err := json.Marshal(dec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decision metadata: %w", err)
		}
		metadataJSON.String = string(data)
	}

	query = s.rebind(`
INSERT INTO approval_decisions (
    id, created_at, approval_request_id, decided_by, decision, notes, metadata_json
) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		dec.ID, dec.CreatedAt, dec.RequestID, dec.DecidedBy,
		string(dec.Decision), dec.Notes, metadataJSON)
	if err != nil {
		// A concurrent decider can slip between the count check and this
		// insert; the UNIQUE constraint catches it.
		if isUniqueViolation(err) {
			return nil, ErrAlreadyDecided
		}
		return nil, fmt.Errorf("failed to insert approval decision: %w", err)
	}

	newStatus := StatusApproved
	if dec.Decision == DecisionReject {
		newStatus = StatusRejected
	}
	query = s.rebind("UPDATE approval_requests SET status = ? WHERE id = ?")
	if _, err := tx.ExecContext(ctx, query, string(newStatus), dec.RequestID); err != nil {
		return nil, fmt.Errorf("failed to transition request status: %w", err)
	}

	if autoReason != "" {
		query = s.rebind("UPDATE approval_requests SET auto_approve_reason = ? WHERE id = ?")
		if _, err := tx.ExecContext(ctx, query, autoReason, dec.RequestID); err != nil {
			return nil, fmt.Errorf("failed to record auto-approve reason: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}
	return &dec, nil
}

// isUniqueViolation matches the unique-constraint error text of the three
// supported drivers: sqlite, postgres, and mysql.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}

// GetDecision returns the decision for a request, or ErrNotFound.
func (s *SQLStore) GetDecision(ctx context.Context, requestID string) (*Decision, error) {
	if requestID == "" {
		return nil, schema.FailClosed("request_id")
	}
	query := s.rebind(`
SELECT id, created_at, approval_request_id, decided_by, decision, notes, metadata_json
FROM approval_decisions WHERE approval_request_id = ?`)

	var (
		d            Decision
		kind         string
		notes        sql.NullString
		metadataJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&d.ID, &d.CreatedAt, &d.RequestID, &d.DecidedBy, &kind, &notes, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval decision: %w", err)
	}
	d.Decision = DecisionKind(kind)
	d.Notes = notes.String
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision metadata: %w", err)
		}
	}
	return &d, nil
}

// AutoApprove runs the six eligibility gates against the stored request and,
// when all pass, records an APPROVE decision with decided-by
// "system:auto-approve". Gate failures produce no decision and no error.
func (s *SQLStore) AutoApprove(ctx context.Context, requestID string) (*Decision, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err == ErrNotFound {
		slog.Debug("auto-approve skipped: request not found", "request_id", requestID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	skip := func(reason string) (*Decision, error) {
		slog.Debug("auto-approve skipped", "request_id", requestID, "reason", reason)
		return nil, nil
	}
	if req.TrustLevel == schema.L4 {
		return skip("L4 requires human approval")
	}
	if req.Status != StatusPending {
		return skip("request is not pending")
	}
	if !req.AutoApproveEligible {
		return skip("request is not auto-approve eligible")
	}
	if req.ReviewerVerdict != schema.VerdictPass {
		return skip("reviewer verdict is not PASS")
	}
	if req.Expired(s.now()) {
		return skip("request expired")
	}

	dec, err := s.decide(ctx, &Decision{
		RequestID: requestID,
		DecidedBy: DecidedByAutoApprove,
		Decision:  DecisionApprove,
		Notes:     "auto-approved: " + req.AutoApproveReason,
	}, "auto-approved: "+req.AutoApproveReason)
	if err == ErrAlreadyDecided || err == ErrExpired || err == ErrNotFound {
		// Lost a race with another decider; policy says no decision produced.
		slog.Debug("auto-approve lost race", "request_id", requestID, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// Close is a no-op; the store does not own the database handle.
func (s *SQLStore) Close() error { return nil }

// requestToRow converts a Request to its flat database representation.
func requestToRow(r *Request) (*requestRow, error) {
	marshal := func(m map[string]any) (sql.NullString, error) {
		if len(m) == 0 {
			return sql.NullString{String: "{}", Valid: true}, nil
		}
		data, err := json.Marshal(m)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("failed to marshal request field: %w", err)
		}
		return sql.NullString{String: string(data), Valid: true}, nil
	}

	row := &requestRow{
		ID:                  r.ID,
		CreatedAt:           r.CreatedAt,
		Domain:              r.Domain,
		RunID:               r.RunID,
		Workflow:            r.Workflow,
		Requester:           r.Requester,
		TrustLevel:          string(r.TrustLevel),
		ActionType:          r.ActionType,
		Status:              string(r.Status),
		ExpiresAt:           r.ExpiresAt,
		ReviewerVerdict:     sql.NullString{String: string(r.ReviewerVerdict), Valid: r.ReviewerVerdict != ""},
		ReviewerNotes:       sql.NullString{String: r.ReviewerNotes, Valid: r.ReviewerNotes != ""},
		AutoApproveEligible: r.AutoApproveEligible,
		AutoApproveReason:   sql.NullString{String: r.AutoApproveReason, Valid: r.AutoApproveReason != ""},
	}

	var err error
	if row.ActionPayloadJSON, err = marshal(r.ActionPayload); err != nil {
		return nil, err
	}
	if row.ContextJSON, err = marshal(r.Context); err != nil {
		return nil, err
	}
	return row, nil
}

// rowToRequest converts a database row back into a Request. Round-trips with
// requestToRow.
func rowToRequest(row *requestRow) (*Request, error) {
	r := &Request{
		ID:                  row.ID,
		CreatedAt:           row.CreatedAt,
		Domain:              row.Domain,
		RunID:               row.RunID,
		Workflow:            row.Workflow,
		Requester:           row.Requester,
		TrustLevel:          schema.TrustLevel(row.TrustLevel),
		ActionType:          row.ActionType,
		Status:              Status(row.Status),
		ExpiresAt:           row.ExpiresAt,
		ReviewerVerdict:     schema.Verdict(row.ReviewerVerdict.String),
		ReviewerNotes:       row.ReviewerNotes.String,
		AutoApproveEligible: row.AutoApproveEligible,
		AutoApproveReason:   row.AutoApproveReason.String,
	}

	unmarshal := func(src sql.NullString, dst *map[string]any) error {
		if !src.Valid || src.String == "" || src.String == "{}" {
			return nil
		}
		if err := json.Unmarshal([]byte(src.String), dst); err != nil {
			return fmt.Errorf("failed to unmarshal request field: %w", err)
		}
		return nil
	}
	if err := unmarshal(row.ActionPayloadJSON, &r.ActionPayload); err != nil {
		return nil, err
	}
	if err := unmarshal(row.ContextJSON, &r.Context); err != nil {
		return nil, err
	}
	return r, nil
}

// Compile-time interface compliance check
var _ Store = (*SQLStore)(nil)
