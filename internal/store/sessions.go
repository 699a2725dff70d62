package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rafsctl/internal/services"
)

// InsertSession records a new daemon session.
func (s *Store) InsertSession(ctx context.Context, record *SessionRecord) error {
	if record == nil || record.ID == "" {
		return services.Wrap(services.ErrValidation, "store", "insert_session", "session record needs an id", nil)
	}
	if record.Mountpoint == "" {
		return services.Wrap(services.ErrValidation, "store", "insert_session", "session record needs a mountpoint", nil)
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (
            id, image_id, mountpoint, api_sock, config_path, state, pid,
            mode, failover_policy, supervisor, last_error, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		nullableString(record.ImageID),
		record.Mountpoint,
		nullableString(record.APISock),
		nullableString(record.ConfigPath),
		record.State,
		record.PID,
		nullableString(record.Mode),
		nullableString(record.FailoverPolicy),
		nullableString(record.Supervisor),
		nullableString(record.LastError),
		record.CreatedAt.Format(time.RFC3339Nano),
		record.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionState advances a session's recorded state. PID is only
// overwritten when non-zero so a failed launch keeps the original value.
func (s *Store) UpdateSessionState(ctx context.Context, id, state string, pid int, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
         SET state = ?,
             pid = CASE WHEN ? > 0 THEN ? ELSE pid END,
             last_error = ?,
             updated_at = ?
         WHERE id = ?`,
		state,
		pid,
		pid,
		nullableString(lastError),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "update_session",
			fmt.Sprintf("session %s not found", id), nil)
	}
	return nil
}

// GetSession fetches a session by exact id. Returns nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return record, nil
}

// ResolveSession finds a session by exact id, unique id prefix, or
// mountpoint, in that order. Mountpoint lookup prefers the newest row.
func (s *Store) ResolveSession(ctx context.Context, ref string) (*SessionRecord, error) {
	if ref == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "resolve_session", "session reference required", nil)
	}
	if record, err := s.GetSession(ctx, ref); err != nil || record != nil {
		return record, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? ORDER BY created_at DESC LIMIT 2`,
		ref+"%")
	if err != nil {
		return nil, fmt.Errorf("resolve session prefix: %w", err)
	}
	matches, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
	default:
		return nil, services.Wrap(services.ErrValidation, "store", "resolve_session",
			fmt.Sprintf("session reference %q is ambiguous", ref), nil)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE mountpoint = ? ORDER BY created_at DESC LIMIT 1`, ref)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "store", "resolve_session",
			fmt.Sprintf("no session matches %q", ref), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session by mountpoint: %w", err)
	}
	return record, nil
}

// ListSessions returns sessions newest first, filtered to the given
// states when any are supplied.
func (s *Store) ListSessions(ctx context.Context, states ...string) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (` + makePlaceholders(len(states)) + `)`
		for _, state := range states {
			args = append(args, state)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// DeleteSession removes a session record, reporting whether a row existed.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteSessionsInStates removes every session in the given states and
// reports how many rows went away. Used by cleanup to drop finished
// sessions.
func (s *Store) DeleteSessionsInStates(ctx context.Context, states ...string) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(states))
	for _, state := range states {
		args = append(args, state)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE state IN (`+makePlaceholders(len(states))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete sessions rows affected: %w", err)
	}
	return affected, nil
}

func collectSessions(rows *sql.Rows) ([]*SessionRecord, error) {
	defer rows.Close()
	var records []*SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

func makePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
