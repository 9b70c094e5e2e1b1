package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/health"
	"github.com/yanolja/modelrouter/quota"
)

var testTime = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, zaptest.NewLogger(t).Sugar()), mock
}

func TestRecordSample(t *testing.T) {
	sample := modelrouter.PerformanceSample{
		ID:         "sample-1",
		EndpointID: "gpt-4o",
		ProviderID: "openai",
		Latency:    1500 * time.Millisecond,
		Success:    true,
		Quality:    0.9,
		Usage:      modelrouter.NewTokenUsage(100, 50),
		Cost:       0.0125,
		RecordedAt: testTime,
	}

	t.Run("writes both records in a transaction", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO performance_records")).
			WithArgs("sample-1", "gpt-4o", "openai", nil, int64(1500), true, 0.9, nil, testTime).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cost_records")).
			WithArgs("sample-1", "gpt-4o", int64(100), int64(50), 0.0125, testTime).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.RecordSample(context.Background(), sample))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the cost record fails", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO performance_records")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cost_records")).WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		err := store.RecordSample(context.Background(), sample)
		assert.True(t, errors.Is(err, sql.ErrConnDone))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecordFailoverEvent(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO failover_events")).
		WithArgs("event-1", "req-1", "a", nil, "transient_error", testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RecordFailoverEvent(context.Background(), modelrouter.FailoverEvent{
		ID:                 "event-1",
		RequestID:          "req-1",
		OriginalEndpointID: "a",
		Reason:             modelrouter.FailoverTransientError,
		OccurredAt:         testTime,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHealthCheck(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO health_checks")).
		WithArgs("a", false, int64(10000), "timeout", testTime).
		WillReturnError(sql.ErrConnDone)

	err := store.RecordHealthCheck(context.Background(), health.Check{
		EndpointID: "a",
		Latency:    10 * time.Second,
		Error:      "timeout",
		CheckedAt:  testTime,
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRateLimitEvent(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_limit_events")).
		WithArgs("a", true, int64(55), int64(9000), testTime.Add(time.Minute), testTime).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.RecordRateLimitEvent(context.Background(), quota.Event{
		EndpointID: "a",
		Reported:   true,
		Requests:   55,
		Tokens:     9000,
		ResetAt:    testTime.Add(time.Minute),
		OccurredAt: testTime,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailoverEvents(t *testing.T) {
	store, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"id", "request_id", "original_endpoint_id", "alternative_endpoint_id", "reason", "occurred_at"}).
		AddRow("event-1", "req-1", "a", "b", "rate_limited", testTime).
		AddRow("event-2", nil, "b", nil, "transient_error", testTime.Add(time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FROM failover_events")).WithArgs(testTime).WillReturnRows(rows)

	events, err := store.FailoverEvents(context.Background(), testTime)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, modelrouter.FailoverEvent{
		ID:                  "event-1",
		RequestID:           "req-1",
		OriginalEndpointID:  "a",
		Reason:              modelrouter.FailoverRateLimited,
		AlternativeEndpoint: "b",
		OccurredAt:          testTime,
	}, events[0])
	assert.Empty(t, events[1].AlternativeEndpoint)
	assert.Empty(t, events[1].RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchema(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS performance_records")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
