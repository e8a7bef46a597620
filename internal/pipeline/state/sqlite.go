package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// SQLiteStore persists rendition progress in a local SQLite database. WAL
// mode allows concurrent readers, so the single write connection is enough
// for a worker pool on one host.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the state database at path and
// applies pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	registerHook()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Ping verifies the database connection, used by the health endpoint.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("state database ping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureStates(ctx context.Context, videoID string, renditions []string) error {
	if len(renditions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ensure states: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	now := s.now().UTC()
	for _, rendition := range renditions {
		if strings.TrimSpace(rendition) == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO rendition_states (video_id, rendition, status, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (video_id, rendition) DO NOTHING`,
			videoID, rendition, string(StatusPending), now)
		if err != nil {
			return fmt.Errorf("ensure state %s/%s: %w", videoID, rendition, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ensure states: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, videoID, rendition string) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE rendition_states
SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
WHERE video_id = ? AND rendition = ? AND status IN (?, ?)`,
		string(StatusRunning), now, now,
		videoID, rendition, string(StatusPending), string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", videoID, rendition, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish a lost race from a missing record.
	if _, err := s.Get(ctx, videoID, rendition); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) MarkSucceeded(ctx context.Context, videoID, rendition, manifestPath string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE rendition_states
SET status = ?, manifest_path = ?, last_error = '', updated_at = ?
WHERE video_id = ? AND rendition = ?`,
		string(StatusSucceeded), manifestPath, s.now().UTC(), videoID, rendition)
	if err != nil {
		return fmt.Errorf("mark succeeded %s/%s: %w", videoID, rendition, err)
	}
	return requireAffected(res, videoID, rendition)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, videoID, rendition, cause string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE rendition_states
SET status = ?, last_error = ?, updated_at = ?
WHERE video_id = ? AND rendition = ? AND status != ?`,
		string(StatusFailed), cause, s.now().UTC(), videoID, rendition, string(StatusSucceeded))
	if err != nil {
		return fmt.Errorf("mark failed %s/%s: %w", videoID, rendition, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	// Either the record is missing or it already succeeded; succeeded is
	// terminal and stays a no-op.
	if _, err := s.Get(ctx, videoID, rendition); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, videoID, rendition string) (RenditionState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT video_id, rendition, status, attempts, last_error, manifest_path, started_at, updated_at
FROM rendition_states
WHERE video_id = ? AND rendition = ?`, videoID, rendition)
	return scanState(row)
}

func (s *SQLiteStore) ListByVideo(ctx context.Context, videoID string) ([]RenditionState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT video_id, rendition, status, attempts, last_error, manifest_path, started_at, updated_at
FROM rendition_states
WHERE video_id = ?
ORDER BY rendition`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list states for %s: %w", videoID, err)
	}
	defer rows.Close()
	var out []RenditionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResetStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE rendition_states
SET status = ?, updated_at = ?
WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?`,
		string(StatusPending), now, string(StatusRunning), now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stalled states: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (RenditionState, error) {
	var st RenditionState
	var status string
	var startedAt sql.NullTime
	err := row.Scan(&st.VideoID, &st.Rendition, &status, &st.Attempts,
		&st.LastError, &st.ManifestPath, &startedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RenditionState{}, ErrStateNotFound
		}
		return RenditionState{}, fmt.Errorf("scan rendition state: %w", err)
	}
	st.Status = RenditionStatus(status)
	if startedAt.Valid {
		st.StartedAt = startedAt.Time
	}
	return st, nil
}

func requireAffected(res sql.Result, videoID, rendition string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrStateNotFound, videoID, rendition)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
