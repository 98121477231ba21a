// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/ManuGH/rcd/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore initializes a new SQLite session store.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rc store: migration failed: %w", err)
	}

	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS rc_sessions (
		session_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		correlation_id TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		stopped_at_ms INTEGER,
		last_activity_ms INTEGER,
		timeout_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_rc_sessions_device_state ON rc_sessions(device_id, state);
	CREATE INDEX IF NOT EXISTS idx_rc_sessions_activity ON rc_sessions(last_activity_ms);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

const activeStatesSQL = "('created','starting','streaming')"

// CreateSession inserts the row after re-checking the device invariant in the
// same transaction. This second check is load-bearing: the orchestrator's
// lookup happens before the transaction opens.
func (s *SqliteStore) CreateSession(ctx context.Context, rec *model.SessionRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rc_sessions WHERE device_id = ? AND state IN "+activeStatesSQL,
		rec.DeviceID).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrDeviceActive
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO rc_sessions (
		session_id, device_id, user_id, state, reason, correlation_id,
		created_at_ms, updated_at_ms, started_at_ms, stopped_at_ms,
		last_activity_ms, timeout_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.DeviceID, rec.UserID, rec.State, rec.Reason, rec.CorrelationID,
		s2ms(rec.CreatedAtUnix), s2ms(rec.UpdatedAtUnix), s2ms(rec.StartedAtUnix), s2ms(rec.StoppedAtUnix),
		s2ms(rec.LastActivityUnix), s2ms(rec.TimeoutAtUnix),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const sessionColumns = `session_id, device_id, user_id, state, reason, correlation_id,
	created_at_ms, updated_at_ms, started_at_ms, stopped_at_ms, last_activity_ms, timeout_at_ms`

func (s *SqliteStore) GetSession(ctx context.Context, id string) (*model.SessionRecord, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM rc_sessions WHERE session_id = ?", id)
	return scanSession(row)
}

func (s *SqliteStore) UpdateSession(ctx context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanSession(tx.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM rc_sessions WHERE session_id = ?", id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE rc_sessions SET
		device_id = ?, user_id = ?, state = ?, reason = ?, correlation_id = ?,
		updated_at_ms = ?, started_at_ms = ?, stopped_at_ms = ?,
		last_activity_ms = ?, timeout_at_ms = ?
	WHERE session_id = ?`,
		rec.DeviceID, rec.UserID, rec.State, rec.Reason, rec.CorrelationID,
		s2ms(rec.UpdatedAtUnix), s2ms(rec.StartedAtUnix), s2ms(rec.StoppedAtUnix),
		s2ms(rec.LastActivityUnix), s2ms(rec.TimeoutAtUnix),
		rec.SessionID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SqliteStore) ActiveSessionForDevice(ctx context.Context, deviceID string) (*model.SessionRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM rc_sessions WHERE device_id = ? AND state IN "+activeStatesSQL+" LIMIT 1",
		deviceID)
	return scanSession(row)
}

func (s *SqliteStore) QuerySessions(ctx context.Context, filter SessionFilter) ([]*model.SessionRecord, error) {
	query := "SELECT " + sessionColumns + " FROM rc_sessions WHERE 1=1"
	args := []interface{}{}

	if filter.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filter.DeviceID)
	}
	if len(filter.States) > 0 {
		query += " AND state IN ("
		for i, st := range filter.States {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, st)
		}
		query += ")"
	}
	if filter.LastActivityBefore > 0 {
		query += " AND COALESCE(NULLIF(last_activity_ms, 0), created_at_ms) < ?"
		args = append(args, s2ms(filter.LastActivityBefore))
	}
	if filter.UpdatedBefore > 0 {
		query += " AND updated_at_ms < ?"
		args = append(args, s2ms(filter.UpdatedBefore))
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (s *SqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM rc_sessions WHERE session_id = ?", id)
	return err
}

// --- Helpers ---

func scanSession(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	var reason, correlationID sql.NullString
	var createdAt, updatedAt, startedAt, stoppedAt, lastActivity, timeoutAt sql.NullInt64

	err := scanner.Scan(
		&rec.SessionID, &rec.DeviceID, &rec.UserID, &rec.State, &reason, &correlationID,
		&createdAt, &updatedAt, &startedAt, &stoppedAt, &lastActivity, &timeoutAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if reason.Valid {
		rec.Reason = model.ReasonCode(reason.String)
	}
	if correlationID.Valid {
		rec.CorrelationID = correlationID.String
	}
	rec.CreatedAtUnix = ms2s(createdAt)
	rec.UpdatedAtUnix = ms2s(updatedAt)
	rec.StartedAtUnix = ms2s(startedAt)
	rec.StoppedAtUnix = ms2s(stoppedAt)
	rec.LastActivityUnix = ms2s(lastActivity)
	rec.TimeoutAtUnix = ms2s(timeoutAt)
	return &rec, nil
}

func s2ms(s int64) int64 { return s * 1000 }
func ms2s(ms sql.NullInt64) int64 {
	if !ms.Valid {
		return 0
	}
	return ms.Int64 / 1000
}
