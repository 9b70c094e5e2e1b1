package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/health"
	"github.com/yanolja/modelrouter/quota"
)

const schema = `
CREATE TABLE IF NOT EXISTS performance_records (
	id VARCHAR(64) PRIMARY KEY,
	endpoint_id VARCHAR(255) NOT NULL,
	provider VARCHAR(100) NOT NULL,
	category VARCHAR(100),
	latency_ms BIGINT NOT NULL,
	success BOOLEAN NOT NULL,
	quality DOUBLE PRECISION NOT NULL,
	error_kind VARCHAR(50),
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_records (
	sample_id VARCHAR(64) PRIMARY KEY REFERENCES performance_records(id) ON DELETE CASCADE,
	endpoint_id VARCHAR(255) NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost DECIMAL(14, 8) NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS failover_events (
	id VARCHAR(64) PRIMARY KEY,
	request_id VARCHAR(255),
	original_endpoint_id VARCHAR(255) NOT NULL,
	alternative_endpoint_id VARCHAR(255),
	reason VARCHAR(50) NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS health_checks (
	id BIGSERIAL PRIMARY KEY,
	endpoint_id VARCHAR(255) NOT NULL,
	success BOOLEAN NOT NULL,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	checked_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_events (
	id BIGSERIAL PRIMARY KEY,
	endpoint_id VARCHAR(255) NOT NULL,
	reported BOOLEAN NOT NULL,
	requests BIGINT NOT NULL,
	tokens BIGINT NOT NULL,
	reset_at TIMESTAMPTZ NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_performance_records_endpoint ON performance_records(endpoint_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_failover_events_endpoint ON failover_events(original_endpoint_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_health_checks_endpoint ON health_checks(endpoint_id, checked_at);
`

// Store persists router telemetry. It implements the sinks of the ledger,
// the failover coordinator, the health prober and the quota tracker.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Infow("Database connection established")
	return NewStore(db, logger), nil
}

func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSample writes the performance record and its cost record in one
// transaction.
func (s *Store) RecordSample(ctx context.Context, sample modelrouter.PerformanceSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO performance_records (
			id, endpoint_id, provider, category, latency_ms, success, quality, error_kind, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sample.ID,
		sample.EndpointID,
		sample.ProviderID,
		nullString(sample.Category),
		sample.Latency.Milliseconds(),
		sample.Success,
		sample.Quality,
		nullString(string(sample.ErrorKind)),
		sample.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert performance record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cost_records (
			sample_id, endpoint_id, input_tokens, output_tokens, cost, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		sample.ID,
		sample.EndpointID,
		sample.Usage.Input,
		sample.Usage.Output,
		sample.Cost,
		sample.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sample: %w", err)
	}
	return nil
}

func (s *Store) RecordFailoverEvent(ctx context.Context, event modelrouter.FailoverEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failover_events (
			id, request_id, original_endpoint_id, alternative_endpoint_id, reason, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID,
		nullString(event.RequestID),
		event.OriginalEndpointID,
		nullString(event.AlternativeEndpoint),
		string(event.Reason),
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert failover event: %w", err)
	}
	return nil
}

func (s *Store) RecordHealthCheck(ctx context.Context, check health.Check) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks (
			endpoint_id, success, latency_ms, error_message, checked_at
		) VALUES ($1, $2, $3, $4, $5)`,
		check.EndpointID,
		check.Success,
		check.Latency.Milliseconds(),
		nullString(check.Error),
		check.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health check: %w", err)
	}
	return nil
}

func (s *Store) RecordRateLimitEvent(ctx context.Context, event quota.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_events (
			endpoint_id, reported, requests, tokens, reset_at, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EndpointID,
		event.Reported,
		event.Requests,
		event.Tokens,
		event.ResetAt,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rate limit event: %w", err)
	}
	return nil
}

// FailoverEvents loads persisted events that occurred at or after since,
// oldest first.
func (s *Store) FailoverEvents(ctx context.Context, since time.Time) ([]modelrouter.FailoverEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, original_endpoint_id, alternative_endpoint_id, reason, occurred_at
		FROM failover_events
		WHERE occurred_at >= $1
		ORDER BY occurred_at`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failover events: %w", err)
	}
	defer rows.Close()

	var events []modelrouter.FailoverEvent
	for rows.Next() {
		var event modelrouter.FailoverEvent
		var requestID, alternative sql.NullString
		var reason string
		if err := rows.Scan(&event.ID, &requestID, &event.OriginalEndpointID, &alternative, &reason, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan failover event: %w", err)
		}
		event.RequestID = requestID.String
		event.AlternativeEndpoint = alternative.String
		event.Reason = modelrouter.FailoverReason(reason)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read failover events: %w", err)
	}
	return events, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
