// Package diagstore persists session diagnostics to PostgreSQL. Records
// are written once at session end; nothing on the live audio path touches
// the database.
package diagstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxwire/voxwire/internal/session"
)

// Schema is the SQL DDL for the session_records table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS session_records (
    session_id    TEXT PRIMARY KEY,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_tier  TEXT NOT NULL DEFAULT '',
    barge_ins     BIGINT NOT NULL DEFAULT 0,
    truncations   BIGINT NOT NULL DEFAULT 0,
    overruns      BIGINT NOT NULL DEFAULT 0,
    underruns     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_records_started ON session_records(started_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore archives session records to PostgreSQL.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ session.Archiver = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate] before issuing
// queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the table and index if they
// do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("diagstore: migrate: %w", err)
	}
	return nil
}

// ArchiveSession upserts one finished session's summary.
func (s *PostgresStore) ArchiveSession(ctx context.Context, rec session.SessionRecord) error {
	const query = `
		INSERT INTO session_records (
			session_id, started_at, ended_at, quality_score, quality_tier,
			barge_ins, truncations, overruns, underruns
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			quality_score = EXCLUDED.quality_score,
			quality_tier = EXCLUDED.quality_tier,
			barge_ins = EXCLUDED.barge_ins,
			truncations = EXCLUDED.truncations,
			overruns = EXCLUDED.overruns,
			underruns = EXCLUDED.underruns`

	_, err := s.db.Exec(ctx, query,
		rec.SessionID, rec.StartedAt, rec.EndedAt, rec.QualityScore, rec.QualityTier,
		rec.BargeIns, rec.Truncations, rec.Overruns, rec.Underruns,
	)
	if err != nil {
		return fmt.Errorf("diagstore: archive session: %w", err)
	}
	return nil
}

// Recent returns the most recently started session records, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]session.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT session_id, started_at, ended_at, quality_score, quality_tier,
		       barge_ins, truncations, overruns, underruns
		FROM session_records
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("diagstore: recent: %w", err)
	}
	defer rows.Close()

	var recs []session.SessionRecord
	for rows.Next() {
		var rec session.SessionRecord
		if err := rows.Scan(
			&rec.SessionID, &rec.StartedAt, &rec.EndedAt, &rec.QualityScore, &rec.QualityTier,
			&rec.BargeIns, &rec.Truncations, &rec.Overruns, &rec.Underruns,
		); err != nil {
			return nil, fmt.Errorf("diagstore: scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("diagstore: recent: %w", err)
	}
	return recs, nil
}

// Get retrieves one session record by ID. It returns (nil, nil) if no
// record exists.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*session.SessionRecord, error) {
	const query = `
		SELECT session_id, started_at, ended_at, quality_score, quality_tier,
		       barge_ins, truncations, overruns, underruns
		FROM session_records
		WHERE session_id = $1`

	var rec session.SessionRecord
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.StartedAt, &rec.EndedAt, &rec.QualityScore, &rec.QualityTier,
		&rec.BargeIns, &rec.Truncations, &rec.Overruns, &rec.Underruns,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("diagstore: get %s: %w", sessionID, err)
	}
	return &rec, nil
}

// Prune deletes records older than the retention window and returns how
// many were removed.
func (s *PostgresStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	const query = `DELETE FROM session_records WHERE started_at < $1`
	tag, err := s.db.Exec(ctx, query, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("diagstore: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
