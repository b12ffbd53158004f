package search

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/internal/metrics"
	"github.com/seanblong/repoqa/pkg/models"
)

// DefaultTopK is used when a caller does not ask for a result count.
const DefaultTopK = 8

// Embedder maps a query to a unit vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Resolver looks up the current index for a repository name.
type Resolver interface {
	Get(name string) (models.Repository, index.Index, error)
}

type Service struct {
	Embedder Embedder
	Registry Resolver
	Metrics  *metrics.Metrics

	cache *lru.Cache[string, []float32]
}

// NewService creates a new search service. cacheSize bounds the number of
// query embeddings kept; 0 disables the cache.
func NewService(e Embedder, r Resolver, cacheSize int, m *metrics.Metrics) (*Service, error) {
	s := &Service{Embedder: e, Registry: r, Metrics: m}
	if cacheSize > 0 {
		c, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

// Query returns up to k chunks of repository name nearest to question,
// nearest first. The index is resolved once, so the whole query is served
// by a single build even if a re-ingest finishes meanwhile.
func (s *Service) Query(ctx context.Context, name, question string, k int) (res []models.QueryResult, err error) {
	start := time.Now()
	defer func() { s.Metrics.ObserveQuery(time.Since(start), err) }()

	_, idx, err := s.Registry.Get(name)
	if err != nil {
		return nil, err
	}
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, apperr.New(apperr.InvalidQuery, "query text is empty")
	}
	if k <= 0 {
		return nil, apperr.New(apperr.InvalidQuery, "top_k must be positive, got %d", k)
	}

	vec, err := s.embed(ctx, q)
	if err != nil {
		return nil, err
	}
	hits, err := idx.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}

	res = make([]models.QueryResult, len(hits))
	for i, h := range hits {
		res[i] = models.QueryResult{
			FilePath:  h.Chunk.FilePath,
			StartLine: h.Chunk.StartLine,
			EndLine:   h.Chunk.EndLine,
			Code:      h.Chunk.Code,
			Language:  h.Chunk.Language,
			Distance:  h.Distance,
		}
	}
	log.Debug().Str("repo", name).Int("k", k).Int("results", len(res)).Dur("took", time.Since(start)).Msg("query served")
	return res, nil
}

func (s *Service) embed(ctx context.Context, q string) ([]float32, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(q); ok {
			s.Metrics.CacheLookup(true)
			return v, nil
		}
		s.Metrics.CacheLookup(false)
	}
	v, err := s.Embedder.Embed(ctx, q)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(q, v)
	}
	return v, nil
}
