package telephony

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// CallStore records the lifecycle of outbound calls. It keeps call
// metadata only — never transcripts or audio.
type CallStore interface {
	// RecordInitiated inserts a row when the provider accepts the call.
	RecordInitiated(ctx context.Context, callSid, toNumber string) error

	// RecordStreamStarted patches the stream SID once the media stream opens.
	RecordStreamStarted(ctx context.Context, callSid, streamSid string) error

	// RecordCompleted marks the call finished at bridge teardown.
	RecordCompleted(ctx context.Context, callSid string) error
}

// NopCallStore discards all records. Wired when no database is configured.
type NopCallStore struct{}

func (NopCallStore) RecordInitiated(context.Context, string, string) error     { return nil }
func (NopCallStore) RecordStreamStarted(context.Context, string, string) error { return nil }
func (NopCallStore) RecordCompleted(context.Context, string) error             { return nil }

// PostgresCallStore persists call records in the call_records table.
type PostgresCallStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresCallStore creates a store backed by the given pool.
func NewPostgresCallStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresCallStore {
	return &PostgresCallStore{
		db:     db,
		logger: logger.Named("callstore"),
	}
}

func (s *PostgresCallStore) RecordInitiated(ctx context.Context, callSid, toNumber string) error {
	query := `
		INSERT INTO call_records (call_sid, to_number, status, initiated_at, updated_at)
		VALUES ($1, $2, 'initiated', $3, $3)
		ON CONFLICT (call_sid) DO NOTHING
	`

	now := time.Now()
	_, err := s.db.Exec(ctx, query, callSid, toNumber, now)
	if err == nil {
		s.logger.Debug("call record created", zap.String("call_sid", callSid))
	}
	return err
}

func (s *PostgresCallStore) RecordStreamStarted(ctx context.Context, callSid, streamSid string) error {
	query := `
		UPDATE call_records SET
			stream_sid = $1,
			status = 'streaming',
			updated_at = $2
		WHERE call_sid = $3
	`

	_, err := s.db.Exec(ctx, query, streamSid, time.Now(), callSid)
	return err
}

func (s *PostgresCallStore) RecordCompleted(ctx context.Context, callSid string) error {
	query := `
		UPDATE call_records SET
			status = 'completed',
			completed_at = $1,
			updated_at = $1
		WHERE call_sid = $2
	`

	_, err := s.db.Exec(ctx, query, time.Now(), callSid)
	return err
}
