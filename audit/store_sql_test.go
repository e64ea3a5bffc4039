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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/schema"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agent_action_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for range createEventsIndexSQL {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	store, err := NewSQLStore(db, "sqlite", WithSynchronousWrites())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func validEvent() *Event {
	return &Event{
		Domain:     "asi",
		Workflow:   "daily_ops_brief",
		Agent:      "ops-worker",
		RunID:      "0d9a5bbf-7b51-4b44-9b0e-0e8f6b6a1c11",
		TrustLevel: schema.L2,
		Stage:      schema.StageExecute,
		Intent:     "collect overnight service metrics",
		ToolName:   "asi.fetch_metrics",
		ToolArgs:   map[string]any{"window": "24h"},
		Confidence: 0.9,
	}
}

func TestNewSQLStore(t *testing.T) {
	t.Run("rejects nil database", func(t *testing.T) {
		_, err := NewSQLStore(nil, "sqlite")
		require.Error(t, err)
	})

	t.Run("rejects unknown dialect", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		_, err = NewSQLStore(db, "oracle")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported dialect")
	})
}

func TestSQLStoreAppend(t *testing.T) {
	t.Run("persists a valid event", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("INSERT INTO agent_action_events").
			WillReturnResult(sqlmock.NewResult(1, 1))

		res, err := store.Append(context.Background(), validEvent())
		require.NoError(t, err)
		assert.True(t, res.Persisted)
		assert.NotEmpty(t, res.EventID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validation failure never reaches the database", func(t *testing.T) {
		store, mock := newMockStore(t)

		e := validEvent()
		e.Intent = ""
		res, err := store.Append(context.Background(), e)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fail-closed: event.intent")
		assert.False(t, res.Persisted)
		assert.NotEmpty(t, res.EventID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("confidence out of range rejected", func(t *testing.T) {
		store, _ := newMockStore(t)

		e := validEvent()
		e.Confidence = 1.5
		_, err := store.Append(context.Background(), e)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fail-closed: event.confidence")
	})

	t.Run("synchronous mode surfaces persistence errors", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("INSERT INTO agent_action_events").
			WillReturnError(sql.ErrConnDone)

		res, err := store.Append(context.Background(), validEvent())
		require.Error(t, err)
		assert.False(t, res.Persisted)
	})
}

func TestSQLStoreAppendFireAndForget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agent_action_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for range createEventsIndexSQL {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	// The background writer hits this failure after Append already returned.
	mock.ExpectExec("INSERT INTO agent_action_events").
		WillReturnError(sql.ErrConnDone)

	store, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)

	res, err := store.Append(context.Background(), validEvent())
	require.NoError(t, err)
	assert.True(t, res.Persisted)

	// Close drains the queue, so the insert has been attempted by now.
	require.NoError(t, store.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreQuery(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{
		"id", "created_at", "domain", "workflow", "agent", "run_id",
		"trust_level", "stage", "intent", "tool_name", "tool_args_json",
		"tool_result_json", "artifact_refs_json", "warnings_json",
		"errors_json", "summary", "confidence", "approval_request_id",
		"sandbox_id", "sandbox_artifacts_json",
	}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(cols).AddRow(
		"ev-1", now, "asi", "daily_ops_brief", "ops-worker", "run-1",
		"L2", "execute", "collect metrics", "asi.fetch_metrics",
		`{"window":"24h"}`, `{"count":3}`, `["s3://artifacts/a"]`, `[]`,
		`["timeout on shard 2"]`, "fetched 3 series", 0.9, nil, nil, nil,
	)

	mock.ExpectQuery("SELECT (.+) FROM agent_action_events WHERE run_id = \\? AND stage = \\? ORDER BY created_at DESC LIMIT 10").
		WithArgs("run-1", "execute").
		WillReturnRows(rows)

	events, err := store.Query(context.Background(), Filter{
		RunID: "run-1",
		Stage: schema.StageExecute,
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "ev-1", e.ID)
	assert.Equal(t, schema.L2, e.TrustLevel)
	assert.Equal(t, map[string]any{"window": "24h"}, e.ToolArgs)
	assert.Equal(t, []string{"s3://artifacts/a"}, e.ArtifactRefs)
	assert.Equal(t, []string{"timeout on shard 2"}, e.Errors)
	assert.Empty(t, e.Warnings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreStats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT trust_level, COUNT\\(\\*\\) FROM agent_action_events WHERE run_id = \\? GROUP BY trust_level").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"trust_level", "count"}).
			AddRow("L0", 4).AddRow("L2", 2))
	mock.ExpectQuery("SELECT stage, COUNT\\(\\*\\) FROM agent_action_events WHERE run_id = \\? GROUP BY stage").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "count"}).
			AddRow("plan", 1).AddRow("execute", 5))
	mock.ExpectQuery("SELECT domain, COUNT\\(\\*\\) FROM agent_action_events WHERE run_id = \\? GROUP BY domain").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"domain", "count"}).
			AddRow("asi", 6))
	mock.ExpectQuery("SELECT tool_name, COUNT\\(\\*\\) FROM agent_action_events WHERE run_id = \\? GROUP BY tool_name").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"tool_name", "count"}).
			AddRow("asi.fetch_metrics", 3).AddRow(nil, 3))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM agent_action_events WHERE run_id = \\? AND errors_json").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	stats, err := store.Stats(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, map[string]int{"L0": 4, "L2": 2}, stats.ByTrustLevel)
	assert.Equal(t, map[string]int{"plan": 1, "execute": 5}, stats.ByStage)
	assert.Equal(t, map[string]int{"asi.fetch_metrics": 3}, stats.ByTool)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRowRoundTrip(t *testing.T) {
	e := validEvent()
	e.normalize()
	e.ToolResult = map[string]any{"series": float64(3)}
	e.ArtifactRefs = []string{"s3://artifacts/a"}
	e.Warnings = []string{"stale cache"}
	e.SandboxID = "sbx-42"
	e.SandboxArtifacts = []string{"/artifacts/out.json"}

	row, err := eventToRow(e)
	require.NoError(t, err)
	back, err := rowToEvent(row)
	require.NoError(t, err)
	assert.Equal(t, e, back)
}
