package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/sink"
)

// DetectionRepository persists detection events. It implements sink.Sink so
// it can be fanned out to directly from the pipeline.
type DetectionRepository struct {
	pool *Pool
}

// NewDetectionRepository creates a new PostgreSQL detection repository.
func NewDetectionRepository(pool *Pool) *DetectionRepository {
	return &DetectionRepository{pool: pool}
}

// Emit stores one event.
func (r *DetectionRepository) Emit(ctx context.Context, e sink.Event) error {
	bbox := []float64{e.BBox.X, e.BBox.Y, e.BBox.X + e.BBox.W, e.BBox.Y + e.BBox.H}

	var embedding any
	if len(e.Embedding) > 0 {
		embedding = pgvector.NewVector(e.Embedding)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO detections (
			id, stream_id, frame_seq, frame_time, bbox, person_id, person_name,
			similarity, quality, confidence, alert, alert_id, embedding, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID, e.StreamID, int64(e.FrameSeq), e.FrameTime, pq.Array(bbox), e.PersonID, e.PersonName,
		e.Score, e.Quality, e.Confidence, e.Alert, nullString(e.AlertID), embedding, e.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("insert detection %s: %w", e.ID, err)
	}
	return nil
}

// ListDetections returns matching detections newest first.
func (r *DetectionRepository) ListDetections(ctx context.Context, q database.DetectionQuery) ([]sink.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.StreamID != "" {
		add("stream_id = $%d", q.StreamID)
	}
	if q.PersonID != "" {
		add("person_id = $%d", q.PersonID)
	}
	if q.AlertsOnly {
		where = append(where, "alert")
	}
	if !q.Since.IsZero() {
		add("detected_at > $%d", q.Since)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, stream_id, frame_seq, frame_time, bbox, person_id, person_name,
		       similarity, quality, confidence, alert, COALESCE(alert_id::text, ''), detected_at
		FROM detections`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf("\n\t\tORDER BY detected_at DESC, id\n\t\tLIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []sink.Event
	for rows.Next() {
		e, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return out, nil
}

// DetectionStats summarizes the stored detections.
func (r *DetectionRepository) DetectionStats(ctx context.Context) (database.DetectionStats, error) {
	var (
		s           database.DetectionStats
		first, last sql.NullTime
	)
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(person_id),
		       COUNT(*) FILTER (WHERE alert),
		       COUNT(DISTINCT stream_id),
		       MIN(detected_at),
		       MAX(detected_at)
		FROM detections
	`).Scan(&s.Total, &s.Matched, &s.Alerts, &s.Streams, &first, &last)
	if err != nil {
		return s, fmt.Errorf("detection stats: %w", err)
	}
	if first.Valid {
		s.FirstSeen = &first.Time
	}
	if last.Valid {
		s.LastSeen = &last.Time
	}
	return s, nil
}

func scanDetection(s scanner) (sink.Event, error) {
	var (
		e        sink.Event
		seq      int64
		bbox     []float64
		personID sql.NullString
		frameAt  time.Time
	)
	err := s.Scan(&e.ID, &e.StreamID, &seq, &frameAt, pq.Array(&bbox), &personID, &e.PersonName,
		&e.Score, &e.Quality, &e.Confidence, &e.Alert, &e.AlertID, &e.DetectedAt)
	if err != nil {
		return e, fmt.Errorf("scan detection: %w", err)
	}
	e.FrameSeq = uint64(seq)
	e.FrameTime = frameAt
	if box, ok := inference.BBoxFromCorners(bbox); ok {
		e.BBox = box
	}
	if personID.Valid {
		id := personID.String
		e.PersonID = &id
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
