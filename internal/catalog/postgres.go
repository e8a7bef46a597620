package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes how the catalog connection pool is initialised.
// The videos table itself is owned and migrated by the catalog service; this
// client expects it to exist.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresCatalog reads source videos from, and writes derived status back
// into, the catalog service's Postgres database.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog opens a pgx pool against the catalog database.
func NewPostgresCatalog(ctx context.Context, cfg PostgresConfig) (*PostgresCatalog, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("catalog dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open catalog pool: %w", err)
	}
	return &PostgresCatalog{pool: pool}, nil
}

// Close releases the connection pool, bounded by the context deadline.
func (c *PostgresCatalog) Close(ctx context.Context) error {
	if c == nil || c.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping verifies database connectivity.
func (c *PostgresCatalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *PostgresCatalog) GetSourceVideo(ctx context.Context, id string) (SourceVideo, error) {
	const query = `
SELECT id, title, file_path, category_id, processing_status,
       COALESCE(thumbnail_path, ''), created_at, updated_at
FROM videos
WHERE id = $1`
	var video SourceVideo
	row := c.pool.QueryRow(ctx, query, normalizeID(id))
	err := row.Scan(
		&video.ID,
		&video.Title,
		&video.FilePath,
		&video.CategoryID,
		&video.Status,
		&video.ThumbnailPath,
		&video.CreatedAt,
		&video.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceVideo{}, fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
		}
		return SourceVideo{}, fmt.Errorf("query video %s: %w", id, err)
	}
	return video, nil
}

func (c *PostgresCatalog) SetOverallStatus(ctx context.Context, id string, status VideoStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	const query = `
UPDATE videos SET processing_status = $2, updated_at = now()
WHERE id = $1`
	tag, err := c.pool.Exec(ctx, query, normalizeID(id), string(status))
	if err != nil {
		return fmt.Errorf("update status for video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	return nil
}

func (c *PostgresCatalog) SetThumbnail(ctx context.Context, id, imagePath string) error {
	const query = `
UPDATE videos SET thumbnail_path = $2, updated_at = now()
WHERE id = $1`
	tag, err := c.pool.Exec(ctx, query, normalizeID(id), imagePath)
	if err != nil {
		return fmt.Errorf("update thumbnail for video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	return nil
}

func (c *PostgresCatalog) ListResumable(ctx context.Context) ([]string, error) {
	const query = `
SELECT id FROM videos
WHERE processing_status IN ('pending', 'queued', 'processing')
ORDER BY created_at`
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list resumable videos: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resumable video id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resumable videos: %w", err)
	}
	return ids, nil
}

var _ Catalog = (*PostgresCatalog)(nil)
