package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/facewatch/internal/stream"
)

// StreamRepository persists stream configurations.
type StreamRepository struct {
	pool *Pool
}

// NewStreamRepository creates a new PostgreSQL stream repository.
func NewStreamRepository(pool *Pool) *StreamRepository {
	return &StreamRepository{pool: pool}
}

// ListStreams returns the saved configurations ordered by id.
func (r *StreamRepository) ListStreams(ctx context.Context) ([]stream.Config, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, name, location, source, kind FROM streams ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	var out []stream.Config
	for rows.Next() {
		var cfg stream.Config
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Location, &cfg.Source, &cfg.Kind); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return out, nil
}

// SaveStream inserts or updates a configuration.
func (r *StreamRepository) SaveStream(ctx context.Context, cfg stream.Config) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO streams (id, name, location, source, kind)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			location = EXCLUDED.location,
			source = EXCLUDED.source,
			kind = EXCLUDED.kind,
			updated_at = NOW()
	`, cfg.ID, cfg.Name, cfg.Location, cfg.Source, string(cfg.Kind))
	if err != nil {
		return fmt.Errorf("save stream %s: %w", cfg.ID, err)
	}
	return nil
}

// DeleteStream reports whether a configuration was removed.
func (r *StreamRepository) DeleteStream(ctx context.Context, id string) (bool, error) {
	res, err := r.pool.Exec(ctx, "DELETE FROM streams WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete stream %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
