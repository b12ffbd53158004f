package indexer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/fetcher"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/internal/metrics"
	"github.com/seanblong/repoqa/internal/registry"
	"github.com/seanblong/repoqa/pkg/models"
	"golang.org/x/sync/singleflight"
)

// Fetcher obtains a snapshot for a source address.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (models.Repository, error)
}

// Embedder maps texts to vectors in input order.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer runs the ingest path: fetch, chunk, embed, build, register.
type Indexer struct {
	Fetcher  Fetcher
	Chunker  *Chunker
	Embedder Embedder
	Builder  index.Builder
	Registry *registry.Registry
	Metrics  *metrics.Metrics

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context of one shared build. It is cancelled once every
// caller waiting on the build has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a new Indexer instance.
func New(f Fetcher, c *Chunker, e Embedder, b index.Builder, r *registry.Registry, m *metrics.Metrics) *Indexer {
	return &Indexer{
		Fetcher:  f,
		Chunker:  c,
		Embedder: e,
		Builder:  b,
		Registry: r,
		Metrics:  m,
	}
}

// Ingest fetches sourceURL and replaces the index registered under its
// derived name. Concurrent calls for the same address share one build;
// calls for different addresses that derive the same name run one after
// the other. Nothing is registered unless every step succeeds.
//
// A caller whose ctx ends returns ctx.Err() at once. The shared build is
// cancelled only when no caller is left waiting for it.
func (ix *Indexer) Ingest(ctx context.Context, sourceURL string) (models.IngestResult, error) {
	src, err := fetcher.Parse(sourceURL)
	if err != nil {
		return models.IngestResult{}, err
	}

	key := src.Name + "\x00" + src.Raw
	f := ix.join(ctx, key)
	defer ix.leave(key, f)

	ch := ix.group.DoChan(key, func() (any, error) {
		return ix.ingest(f.ctx, src)
	})
	select {
	case r := <-ch:
		if r.Shared {
			log.Debug().Str("repo", src.Name).Msg("joined in-flight ingest")
		}
		if r.Err != nil {
			return models.IngestResult{}, r.Err
		}
		return r.Val.(models.IngestResult), nil
	case <-ctx.Done():
		log.Debug().Str("repo", src.Name).Msg("caller left in-flight ingest")
		return models.IngestResult{}, ctx.Err()
	}
}

func (ix *Indexer) join(ctx context.Context, key string) *flight {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.flights == nil {
		ix.flights = make(map[string]*flight)
	}
	f, ok := ix.flights[key]
	if !ok {
		bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: bctx, cancel: cancel}
		ix.flights[key] = f
	}
	f.waiters++
	return f
}

func (ix *Indexer) leave(key string, f *flight) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	delete(ix.flights, key)
	// An abandoned build may still be unwinding; later callers start afresh.
	ix.group.Forget(key)
	f.cancel()
}

func (ix *Indexer) ingest(ctx context.Context, src fetcher.Source) (res models.IngestResult, err error) {
	done := ix.Metrics.IngestStarted()
	defer func() { done(res.ChunkCount, err) }()

	release, err := ix.Registry.BeginIngest(ctx, src.Name)
	if err != nil {
		return models.IngestResult{}, err
	}
	defer release()

	log.Info().Str("repo", src.Name).Str("source", src.Raw).Msg("ingest started")
	repo, err := ix.Fetcher.Fetch(ctx, src.Raw)
	if err != nil {
		log.Warn().Err(err).Str("repo", src.Name).Msg("fetch failed")
		return models.IngestResult{}, err
	}
	return ix.build(ctx, repo)
}

// IngestDir indexes an existing directory under name without fetching.
func (ix *Indexer) IngestDir(ctx context.Context, name, dir string) (res models.IngestResult, err error) {
	if err := fetcher.ValidateName(name); err != nil {
		return models.IngestResult{}, err
	}
	done := ix.Metrics.IngestStarted()
	defer func() { done(res.ChunkCount, err) }()

	release, err := ix.Registry.BeginIngest(ctx, name)
	if err != nil {
		return models.IngestResult{}, err
	}
	defer release()

	return ix.build(ctx, models.Repository{Name: name, SourceURL: "local", LocalPath: dir})
}

func (ix *Indexer) build(ctx context.Context, repo models.Repository) (models.IngestResult, error) {
	start := time.Now()
	logger := log.With().Str("repo", repo.Name).Logger()

	chunks, err := ix.Chunker.Chunk(ctx, repo.LocalPath)
	if err != nil {
		return models.IngestResult{}, wrapInternal(err, "chunk %q", repo.Name)
	}
	chunks = dropBlank(chunks)
	if len(chunks) == 0 {
		return models.IngestResult{}, apperr.New(apperr.EmptyIndex, "repository %q has no indexable text files", repo.Name)
	}
	logger.Info().Int("chunks", len(chunks)).Dur("took", time.Since(start)).Msg("chunked")

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = embedText(c)
	}
	vecs, err := ix.Embedder.EmbedMany(ctx, texts)
	if err != nil {
		return models.IngestResult{}, err
	}
	for i := range chunks {
		chunks[i].Vector = vecs[i]
	}
	logger.Info().Int("vectors", len(vecs)).Dur("took", time.Since(start)).Msg("embedded")

	repo.IndexedAt = time.Now().UTC()
	repo.ChunkCount = len(chunks)
	idx, err := ix.Builder.Build(ctx, repo, chunks)
	if err != nil {
		return models.IngestResult{}, wrapInternal(err, "build index for %q", repo.Name)
	}
	// A cancelled ingest must not register.
	if err := ctx.Err(); err != nil {
		return models.IngestResult{}, err
	}

	ix.Registry.Register(repo, idx)
	ix.Metrics.SetRepositories(ix.Registry.Count())
	logger.Info().Int("chunks", idx.Len()).Dur("took", time.Since(start)).Msg("ingest complete")
	return models.IngestResult{RepoName: repo.Name, ChunkCount: idx.Len()}, nil
}

// embedText is what the model sees for a chunk: its path then its code.
func embedText(c models.Chunk) string {
	return c.FilePath + "\n" + c.Code
}

// dropBlank removes whitespace-only chunks so they never reach the
// embedder.
func dropBlank(chunks []models.Chunk) []models.Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c.Code) != "" {
			out = append(out, c)
		}
	}
	return out
}

// wrapInternal keeps typed errors and context errors as they are.
func wrapInternal(err error, format string, args ...any) error {
	var ae *apperr.Error
	if errors.As(err, &ae) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.Internal, err, format, args...)
}
