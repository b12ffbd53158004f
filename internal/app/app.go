// Package app wires configuration into the running components shared by the
// api and indexer commands.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/seanblong/repoqa/internal/fetcher"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/metrics"
	"github.com/seanblong/repoqa/internal/registry"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/internal/store"
)

// App holds the wired components.
type App struct {
	Metrics  *metrics.Metrics
	Registry *registry.Registry
	Embedder *ai.Embedder
	Indexer  *indexer.Indexer
	Search   *search.Service
	// Store is set for the postgres backend only.
	Store *store.Store

	loader index.Loader
}

// ClientConfig maps the provider settings of cfg.
func ClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	p, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return &ai.ClientConfig{
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		BaseURL:    cfg.BaseURL,
		Provider:   p,
	}, nil
}

// New builds every component from cfg. Call Restore to load persisted
// indexes and Close when done.
func New(ctx context.Context, cfg config.Specification) (*App, error) {
	m := metrics.New()

	cc, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := ai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}
	dim := client.Dim()
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be set for provider %s", cc.Provider)
	}
	log.Info().Str("provider", string(cc.Provider)).Int("embedding_dim", dim).Msg("embedding client initialized")

	emb := ai.NewEmbedder(client, ai.EmbedderConfig{
		BatchSize: cfg.EmbedBatchSize,
		Workers:   cfg.EmbedWorkers,
		RateLimit: cfg.EmbedRateLimit,
		OnBatch:   m.ObserveEmbedBatch,
	})

	a := &App{Metrics: m, Registry: registry.New(), Embedder: emb}

	var builder index.Builder
	switch cfg.IndexBackend {
	case config.BackendPostgres:
		st, err := store.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := st.Migrate(ctx, dim); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.Store, builder, a.loader = st, st, st
	default:
		snaps, err := index.NewSnapshotStore(filepath.Join(cfg.DataDir, "index"))
		if err != nil {
			return nil, err
		}
		builder, a.loader = &index.FlatBuilder{Snapshots: snaps}, snaps
	}

	var checker fetcher.RemoteChecker
	if cfg.GithubPreflight {
		checker = fetcher.NewGitHubChecker(cfg.GithubToken)
	}
	f, err := fetcher.New(fetcher.Config{
		Root:    filepath.Join(cfg.DataDir, "repos"),
		Token:   cfg.GithubToken,
		Ref:     cfg.GitRef,
		Checker: checker,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	chunker := indexer.NewChunker(indexer.ChunkerConfig{
		MaxLines:     cfg.ChunkMaxLines,
		MaxFileBytes: cfg.MaxFileBytes,
	})
	a.Indexer = indexer.New(f, chunker, emb, builder, a.Registry, m)

	a.Search, err = search.NewService(emb, a.Registry, cfg.QueryCacheSize, m)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Restore registers every persisted index whose dimension matches the
// current embedding model.
func (a *App) Restore(ctx context.Context) (int, error) {
	n, err := a.Registry.Restore(ctx, dimFilter{a.loader, a.Embedder.Dim()})
	if err != nil {
		return 0, err
	}
	a.Metrics.SetRepositories(a.Registry.Count())
	return n, nil
}

// Close releases the database pool, if any.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}

// dimFilter drops indexes built with a different embedding width; they
// could never answer a query.
type dimFilter struct {
	index.Loader
	dim int
}

func (d dimFilter) LoadAll(ctx context.Context) ([]index.Loaded, error) {
	all, err := d.Loader.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.Index.Dim() != d.dim {
			log.Warn().Str("repo", l.Repo.Name).Int("index_dim", l.Index.Dim()).Int("model_dim", d.dim).
				Msg("skipping index built with a different embedding model")
			continue
		}
		out = append(out, l)
	}
	return out, nil
}
