// Package store is the Postgres/pgvector index backend. Each build writes a
// new generation of rows and flips the repository's current generation in
// the same transaction, so readers see either the old or the new build.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/pkg/models"
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func schema(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS repositories (
  name        TEXT PRIMARY KEY,
  source_url  TEXT NOT NULL,
  local_path  TEXT NOT NULL,
  generation  UUID NOT NULL,
  previous    UUID,
  chunk_count INT NOT NULL,
  dim         INT NOT NULL,
  indexed_at  TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
  generation UUID NOT NULL,
  ordinal    INT NOT NULL,
  repository TEXT NOT NULL,
  file_path  TEXT NOT NULL,
  start_line INT NOT NULL,
  end_line   INT NOT NULL,
  code       TEXT NOT NULL,
  language   TEXT NOT NULL DEFAULT '',
  embedding  vector(%d) NOT NULL,
  PRIMARY KEY (generation, ordinal)
);

CREATE INDEX IF NOT EXISTS chunks_repository_generation_idx
  ON chunks (repository, generation);
`, dim)
}

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return errors.New("embedding dimension must be positive")
	}
	_, err := s.pool.Exec(ctx, schema(dim))
	return err
}

// Build implements index.Builder. Chunks are validated and normalised the
// same way as the in-memory index, written under a fresh generation, and
// made current in one transaction. Generations older than the previous one
// are pruned.
func (s *Store) Build(ctx context.Context, repo models.Repository, chunks []models.Chunk) (index.Index, error) {
	flat, err := index.NewFlat(chunks)
	if err != nil {
		return nil, err
	}
	gen := uuid.New()
	if repo.IndexedAt.IsZero() {
		repo.IndexedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "begin transaction")
	}
	defer func() {
		// No-op after commit.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	batch := &pgx.Batch{}
	for i, c := range flat.Chunks() {
		batch.Queue(`
INSERT INTO chunks (generation, ordinal, repository, file_path, start_line, end_line, code, language, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector)`,
			gen, i, repo.Name, c.FilePath, c.StartLine, c.EndLine, c.Code, c.Language, pgvector.NewVector(c.Vector))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "insert chunks for %q", repo.Name)
	}

	const upsert = `
INSERT INTO repositories (name, source_url, local_path, generation, previous, chunk_count, dim, indexed_at)
VALUES ($1, $2, $3, $4, NULL, $5, $6, $7)
ON CONFLICT (name) DO UPDATE SET
  source_url  = EXCLUDED.source_url,
  local_path  = EXCLUDED.local_path,
  previous    = repositories.generation,
  generation  = EXCLUDED.generation,
  chunk_count = EXCLUDED.chunk_count,
  dim         = EXCLUDED.dim,
  indexed_at  = EXCLUDED.indexed_at`
	if _, err := tx.Exec(ctx, upsert, repo.Name, repo.SourceURL, repo.LocalPath, gen, flat.Len(), flat.Dim(), repo.IndexedAt); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "record generation for %q", repo.Name)
	}

	const prune = `
DELETE FROM chunks
WHERE repository = $1
  AND generation <> $2
  AND generation IS DISTINCT FROM (SELECT previous FROM repositories WHERE name = $1)`
	tag, err := tx.Exec(ctx, prune, repo.Name, gen)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "prune generations for %q", repo.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "commit generation for %q", repo.Name)
	}

	log.Info().Str("repo", repo.Name).Str("generation", gen.String()).
		Int("chunks", flat.Len()).Int64("pruned", tag.RowsAffected()).Msg("stored index generation")
	return &Index{store: s, generation: gen, n: flat.Len(), dim: flat.Dim()}, nil
}

// LoadAll implements index.Loader with one Index per repository row.
func (s *Store) LoadAll(ctx context.Context) ([]index.Loaded, error) {
	rows, err := s.pool.Query(ctx, `
SELECT name, source_url, local_path, generation, chunk_count, dim, indexed_at
FROM repositories
ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []index.Loaded
	for rows.Next() {
		var repo models.Repository
		var gen uuid.UUID
		var dim int
		if err := rows.Scan(&repo.Name, &repo.SourceURL, &repo.LocalPath, &gen, &repo.ChunkCount, &dim, &repo.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, index.Loaded{
			Repo:  repo,
			Index: &Index{store: s, generation: gen, n: repo.ChunkCount, dim: dim},
		})
	}
	return out, rows.Err()
}

// Index is one stored generation. It is immutable: later builds write new
// generations and never touch this one's rows until it is pruned.
type Index struct {
	store      *Store
	generation uuid.UUID
	n          int
	dim        int
}

func (ix *Index) Len() int { return ix.n }
func (ix *Index) Dim() int { return ix.dim }

// Search implements index.Index using pgvector's cosine distance operator.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, apperr.New(apperr.InvalidQuery, "k must be positive, got %d", k)
	}
	if len(query) != ix.dim {
		return nil, apperr.New(apperr.Internal, "query has dimension %d, index has %d", len(query), ix.dim)
	}
	q, ok := index.Normalize(query)
	if !ok {
		return nil, apperr.New(apperr.Internal, "query vector is zero")
	}

	rows, err := ix.store.pool.Query(ctx, `
SELECT file_path, start_line, end_line, code, language, embedding <=> $1::vector AS distance
FROM chunks
WHERE generation = $2
ORDER BY distance, ordinal
LIMIT $3`, pgvector.NewVector(q), ix.generation, k)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "search generation %s", ix.generation)
	}
	defer rows.Close()

	hits := make([]index.Hit, 0, min(k, ix.n))
	for rows.Next() {
		var h index.Hit
		if err := rows.Scan(&h.Chunk.FilePath, &h.Chunk.StartLine, &h.Chunk.EndLine, &h.Chunk.Code, &h.Chunk.Language, &h.Distance); err != nil {
			return nil, err
		}
		h.Distance = clamp(h.Distance)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func clamp(d float64) float64 {
	switch {
	case d < 0:
		return 0
	case d > index.MaxDistance:
		return index.MaxDistance
	default:
		return d
	}
}
