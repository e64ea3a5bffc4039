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
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/schema"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS approval_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS approval_decisions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for range createApprovalIndexSQL {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	store, err := NewSQLStore(db, "sqlite",
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return store, mock
}

func validRequest() *Request {
	return &Request{
		Domain:          "asi",
		RunID:           "run-1",
		Workflow:        "daily_ops_brief",
		Requester:       "ops-worker",
		TrustLevel:      schema.L3,
		ActionType:      "post_alert",
		ActionPayload:   map[string]any{"severity": "warning"},
		ReviewerVerdict: schema.VerdictPass,
	}
}

func TestComputeEligibility(t *testing.T) {
	deny := DefaultAutoApproveDeny
	allow := DefaultAutoApproveAllow

	tests := []struct {
		name     string
		mutate   func(*Request)
		eligible bool
	}{
		{"allow-listed action with PASS", func(r *Request) {}, true},
		{"L4 never eligible", func(r *Request) {
			r.TrustLevel = schema.L4
		}, false},
		{"verdict FAIL not eligible", func(r *Request) {
			r.ReviewerVerdict = schema.VerdictFail
		}, false},
		{"missing verdict not eligible", func(r *Request) {
			r.ReviewerVerdict = ""
		}, false},
		{"deny-listed action beats allow-listed workflow", func(r *Request) {
			r.ActionType = "send_invoice"
		}, false},
		{"mark_checkpoint_complete denied", func(r *Request) {
			r.ActionType = "mark_checkpoint_complete"
		}, false},
		{"deny-listed workflow", func(r *Request) {
			r.Workflow = "billing_reconciliation"
			r.ActionType = "reconcile"
		}, false},
		{"allow-listed workflow", func(r *Request) {
			r.Workflow = "alert_triage"
			r.ActionType = "asi.triage"
		}, true},
		{"unlisted action defaults to ineligible", func(r *Request) {
			r.Workflow = "custom_flow"
			r.ActionType = "asi.custom"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			eligible, reason := computeEligibility(r, deny, allow)
			assert.Equal(t, tt.eligible, eligible)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestCreateRequest(t *testing.T) {
	t.Run("defaults expiry by trust level", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO approval_requests").
			WillReturnResult(sqlmock.NewResult(1, 1))

		req, err := store.CreateRequest(context.Background(), validRequest())
		require.NoError(t, err)
		assert.Equal(t, StatusPending, req.Status)
		assert.Equal(t, testNow.Add(3600*time.Second), req.ExpiresAt)
		assert.True(t, req.AutoApproveEligible)
		assert.NotEmpty(t, req.ID)
	})

	t.Run("L4 gets the long expiry and no eligibility", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO approval_requests").
			WillReturnResult(sqlmock.NewResult(1, 1))

		r := validRequest()
		r.TrustLevel = schema.L4
		req, err := store.CreateRequest(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, testNow.Add(86400*time.Second), req.ExpiresAt)
		assert.False(t, req.AutoApproveEligible)
	})

	t.Run("validation failure never reaches the database", func(t *testing.T) {
		store, mock := newMockStore(t)

		r := validRequest()
		r.ActionType = ""
		_, err := store.CreateRequest(context.Background(), r)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fail-closed: request.action_type")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSetAutoApprovePolicy(t *testing.T) {
	t.Run("a reloaded deny entry blocks a previously eligible action", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO approval_requests").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO approval_requests").
			WillReturnResult(sqlmock.NewResult(1, 1))

		req, err := store.CreateRequest(context.Background(), validRequest())
		require.NoError(t, err)
		require.True(t, req.AutoApproveEligible)

		store.SetAutoApprovePolicy(append([]string{"post_alert"}, DefaultAutoApproveDeny...),
			DefaultAutoApproveAllow)

		req, err = store.CreateRequest(context.Background(), validRequest())
		require.NoError(t, err)
		assert.False(t, req.AutoApproveEligible)
		assert.Contains(t, req.AutoApproveReason, "deny")
	})

	t.Run("a reloaded allow entry admits a previously ineligible action", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO approval_requests").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO approval_requests").
			WillReturnResult(sqlmock.NewResult(1, 1))

		r := validRequest()
		r.Workflow = "custom_flow"
		r.ActionType = "asi.custom"
		req, err := store.CreateRequest(context.Background(), r)
		require.NoError(t, err)
		require.False(t, req.AutoApproveEligible)

		store.SetAutoApprovePolicy(DefaultAutoApproveDeny,
			append([]string{"asi.custom"}, DefaultAutoApproveAllow...))

		r = validRequest()
		r.Workflow = "custom_flow"
		r.ActionType = "asi.custom"
		req, err = store.CreateRequest(context.Background(), r)
		require.NoError(t, err)
		assert.True(t, req.AutoApproveEligible)
	})
}

func expectRequestStatus(mock sqlmock.Sqlmock, id, status string, expiresAt time.Time) {
	mock.ExpectQuery("SELECT status, expires_at FROM approval_requests WHERE id = \\?").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).
			AddRow(status, expiresAt))
}

func TestCreateDecision(t *testing.T) {
	future := testNow.Add(time.Hour)

	t.Run("approve transitions the request transactionally", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectRequestStatus(mock, "req-1", "PENDING", future)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM approval_decisions").
			WithArgs("req-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("INSERT INTO approval_decisions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE approval_requests SET status = \\? WHERE id = \\?").
			WithArgs("APPROVED", "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		dec, err := store.CreateDecision(context.Background(), &Decision{
			RequestID: "req-1",
			DecidedBy: "reviewer@example.com",
			Decision:  DecisionApprove,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, dec.ID)
		assert.Equal(t, testNow, dec.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reject transitions to REJECTED", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectRequestStatus(mock, "req-1", "PENDING", future)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM approval_decisions").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("INSERT INTO approval_decisions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE approval_requests SET status = \\? WHERE id = \\?").
			WithArgs("REJECTED", "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := store.CreateDecision(context.Background(), &Decision{
			RequestID: "req-1",
			DecidedBy: "reviewer@example.com",
			Decision:  DecisionReject,
			Notes:     "numbers do not reconcile",
		})
		require.NoError(t, err)
	})

	t.Run("second decision is a distinguishable conflict", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectRequestStatus(mock, "req-1", "APPROVED", future)
		mock.ExpectRollback()

		_, err := store.CreateDecision(context.Background(), &Decision{
			RequestID: "req-1",
			DecidedBy: "reviewer@example.com",
			Decision:  DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrAlreadyDecided)
	})

	t.Run("concurrent decider losing the insert race gets the conflict error", func(t *testing.T) {
		// The COUNT pre-check saw no decision, but another transaction
		// committed one before this insert landed.
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectRequestStatus(mock, "req-1", "PENDING", future)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM approval_decisions").
			WithArgs("req-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("INSERT INTO approval_decisions").
			WillReturnError(errors.New("UNIQUE constraint failed: approval_decisions.approval_request_id"))
		mock.ExpectRollback()

		_, err := store.CreateDecision(context.Background(), &Decision{
			RequestID: "req-1",
			DecidedBy: "reviewer@example.com",
			Decision:  DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrAlreadyDecided)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired request rejected", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectRequestStatus(mock, "req-1", "PENDING", testNow.Add(-time.Minute))
		mock.ExpectRollback()

		_, err := store.CreateDecision(context.Background(), &Decision{
			RequestID: "req-1",
			DecidedBy: "reviewer@example.com",
			Decision:  DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("missing request rejected", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status, expires_at FROM approval_requests").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}))
		mock.ExpectRollback()

		_, err := store.CreateDecision(context.Background(), &Decision{
			RequestID: "nope",
			DecidedBy: "reviewer@example.com",
			Decision:  DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"sqlite", errors.New("UNIQUE constraint failed: approval_decisions.approval_request_id"), true},
		{"postgres", errors.New(`pq: duplicate key value violates unique constraint "approval_decisions_approval_request_id_key"`), true},
		{"mysql", errors.New("Error 1062: Duplicate entry 'req-1' for key 'approval_request_id'"), true},
		{"other error", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func expectFullRequest(mock sqlmock.Sqlmock, r *Request) {
	cols := []string{
		"id", "created_at", "domain", "run_id", "workflow", "requester",
		"trust_level", "action_type", "action_payload_json", "status",
		"expires_at", "context_json", "reviewer_verdict", "reviewer_notes",
		"auto_approve_eligible", "auto_approve_reason",
	}
	mock.ExpectQuery("SELECT id, created_at, domain, run_id, workflow").
		WithArgs(r.ID).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			r.ID, r.CreatedAt, r.Domain, r.RunID, r.Workflow, r.Requester,
			string(r.TrustLevel), r.ActionType, "{}", string(r.Status),
			r.ExpiresAt, "{}", string(r.ReviewerVerdict), r.ReviewerNotes,
			r.AutoApproveEligible, r.AutoApproveReason))
}

func TestAutoApprove(t *testing.T) {
	base := func() *Request {
		r := validRequest()
		r.ID = "req-1"
		r.CreatedAt = testNow
		r.Status = StatusPending
		r.ExpiresAt = testNow.Add(time.Hour)
		r.AutoApproveEligible = true
		r.AutoApproveReason = "reviewer PASS on allow-listed action"
		return r
	}

	t.Run("all gates pass produces the system decision", func(t *testing.T) {
		store, mock := newMockStore(t)
		r := base()
		expectFullRequest(mock, r)

		mock.ExpectBegin()
		expectRequestStatus(mock, "req-1", "PENDING", r.ExpiresAt)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM approval_decisions").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("INSERT INTO approval_decisions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE approval_requests SET status = \\? WHERE id = \\?").
			WithArgs("APPROVED", "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE approval_requests SET auto_approve_reason").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		dec, err := store.AutoApprove(context.Background(), "req-1")
		require.NoError(t, err)
		require.NotNil(t, dec)
		assert.Equal(t, DecidedByAutoApprove, dec.DecidedBy)
		assert.Equal(t, DecisionApprove, dec.Decision)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	gateFailures := []struct {
		name   string
		mutate func(*Request)
	}{
		{"L4 request", func(r *Request) { r.TrustLevel = schema.L4 }},
		{"not pending", func(r *Request) { r.Status = StatusApproved }},
		{"not eligible", func(r *Request) { r.AutoApproveEligible = false }},
		{"verdict not PASS", func(r *Request) { r.ReviewerVerdict = schema.VerdictFail }},
		{"expired", func(r *Request) { r.ExpiresAt = testNow.Add(-time.Minute) }},
	}
	for _, tt := range gateFailures {
		t.Run(tt.name+" produces no decision and no error", func(t *testing.T) {
			store, mock := newMockStore(t)
			r := base()
			tt.mutate(r)
			expectFullRequest(mock, r)

			dec, err := store.AutoApprove(context.Background(), "req-1")
			require.NoError(t, err)
			assert.Nil(t, dec)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("missing request produces no decision", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT id, created_at, domain, run_id, workflow").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		dec, err := store.AutoApprove(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, dec)
	})
}

func TestExpireStaleRequests(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE approval_requests SET status = \\? WHERE status = \\? AND expires_at <= \\?").
		WithArgs("EXPIRED", "PENDING", testNow).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE approval_requests SET status = \\? WHERE status = \\? AND expires_at <= \\?").
		WithArgs("EXPIRED", "PENDING", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := store.ExpireStaleRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// A second sweep with no intervening creation is a no-op.
	n, err = store.ExpireStaleRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRequestRowRoundTrip(t *testing.T) {
	r := validRequest()
	r.ID = "req-1"
	r.CreatedAt = testNow
	r.Status = StatusPending
	r.ExpiresAt = testNow.Add(time.Hour)
	r.Context = map[string]any{"intent": "post overnight alert"}
	r.AutoApproveEligible = true
	r.AutoApproveReason = "reviewer PASS on allow-listed action"

	row, err := requestToRow(r)
	require.NoError(t, err)
	back, err := rowToRequest(row)
	require.NoError(t, err)
	assert.Equal(t, r, back)
}
