package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/gallery"
)

// PersonRepository stores registered persons and their reference embeddings.
type PersonRepository struct {
	pool *Pool
}

// NewPersonRepository creates a new PostgreSQL person repository.
func NewPersonRepository(pool *Pool) *PersonRepository {
	return &PersonRepository{pool: pool}
}

// SavePerson replaces the person row and all of its embeddings in one
// transaction.
func (r *PersonRepository) SavePerson(ctx context.Context, p gallery.Person) error {
	if p.ID == "" {
		return gallery.ErrEmptyPersonID
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	registeredAt := p.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}
	normalized := p.NormalizedName
	if normalized == "" {
		normalized = gallery.NormalizeName(p.Name)
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO persons (id, name, normalized_name, metadata, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			normalized_name = EXCLUDED.normalized_name,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`, p.ID, p.Name, normalized, meta, registeredAt)
	if err != nil {
		return fmt.Errorf("upsert person %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM person_embeddings WHERE person_id = $1", p.ID); err != nil {
		return fmt.Errorf("delete embeddings of %s: %w", p.ID, err)
	}
	for i, emb := range p.Embeddings {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO person_embeddings (person_id, position, embedding, dim) VALUES ($1, $2, $3, $4)",
			p.ID, i, pgvector.NewVector(emb), len(emb),
		)
		if err != nil {
			return fmt.Errorf("insert embedding %d of %s: %w", i, p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit person %s: %w", p.ID, err)
	}
	return nil
}

// DeletePerson removes a person; embeddings cascade.
func (r *PersonRepository) DeletePerson(ctx context.Context, id string) (bool, error) {
	res, err := r.pool.Exec(ctx, "DELETE FROM persons WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete person %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListPersons returns every person ordered by id.
func (r *PersonRepository) ListPersons(ctx context.Context) ([]gallery.Person, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, normalized_name, metadata, registered_at
		FROM persons
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	var persons []gallery.Person
	byID := make(map[string]int)
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = len(persons)
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}

	embRows, err := r.pool.Query(ctx, "SELECT person_id, embedding FROM person_embeddings ORDER BY person_id, position")
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer embRows.Close()

	for embRows.Next() {
		var personID string
		var vec pgvector.Vector
		if err := embRows.Scan(&personID, &vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if i, ok := byID[personID]; ok {
			persons[i].Embeddings = append(persons[i].Embeddings, vec.Slice())
		}
	}
	if err := embRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return persons, nil
}

// GetPerson returns nil when the person does not exist.
func (r *PersonRepository) GetPerson(ctx context.Context, id string) (*gallery.Person, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, normalized_name, metadata, registered_at
		FROM persons
		WHERE id = $1
	`, id)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	embeddings, err := r.embeddings(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Embeddings = embeddings
	return &p, nil
}

// CountPersons returns the number of registered persons.
func (r *PersonRepository) CountPersons(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM persons").Scan(&count); err != nil {
		return 0, fmt.Errorf("count persons: %w", err)
	}
	return count, nil
}

// FindSimilar ranks persons by the cosine distance of their closest reference
// embedding. Embeddings of a different dimension are ignored.
func (r *PersonRepository) FindSimilar(ctx context.Context, embedding []float32, limit int) ([]database.SimilarPerson, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.name, p.normalized_name, p.metadata, p.registered_at, best.distance
		FROM (
			SELECT person_id, MIN(embedding <=> $1) AS distance
			FROM person_embeddings
			WHERE dim = $2
			GROUP BY person_id
		) best
		JOIN persons p ON p.id = best.person_id
		ORDER BY best.distance, p.id
		LIMIT $3
	`, pgvector.NewVector(embedding), len(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query similar persons: %w", err)
	}
	defer rows.Close()

	var out []database.SimilarPerson
	for rows.Next() {
		var (
			s    database.SimilarPerson
			meta []byte
		)
		if err := rows.Scan(&s.Person.ID, &s.Person.Name, &s.Person.NormalizedName, &meta, &s.Person.RegisteredAt, &s.Distance); err != nil {
			return nil, fmt.Errorf("scan similar person: %w", err)
		}
		if err := json.Unmarshal(meta, &s.Person.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", s.Person.ID, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar persons: %w", err)
	}
	return out, nil
}

func (r *PersonRepository) embeddings(ctx context.Context, id string) ([][]float32, error) {
	rows, err := r.pool.Query(ctx, "SELECT embedding FROM person_embeddings WHERE person_id = $1 ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("query embeddings of %s: %w", id, err)
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPerson(s scanner) (gallery.Person, error) {
	var (
		p    gallery.Person
		meta []byte
	)
	if err := s.Scan(&p.ID, &p.Name, &p.NormalizedName, &meta, &p.RegisteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan person: %w", err)
	}
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return p, fmt.Errorf("unmarshal metadata of %s: %w", p.ID, err)
	}
	return p, nil
}
