package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/index"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// EmbedderConfig bounds batching and concurrency.
type EmbedderConfig struct {
	BatchSize int
	Workers   int
	// RateLimit is provider requests per second; 0 disables limiting.
	RateLimit float64
	// OnBatch, if set, observes each provider call.
	OnBatch func(size int, took time.Duration, err error)
}

// Embedder validates, batches and normalises calls to a Client.
type Embedder struct {
	client  Client
	cfg     EmbedderConfig
	limiter *rate.Limiter
}

// NewEmbedder wraps client. Zero values in cfg fall back to 32 texts per
// batch and 4 workers.
func NewEmbedder(client Client, cfg EmbedderConfig) *Embedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	e := &Embedder{client: client, cfg: cfg}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return e
}

// Dim is the vector width of the underlying model.
func (e *Embedder) Dim() int {
	return e.client.Dim()
}

// Embed maps one text to a unit vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Embedding, "cannot embed empty text")
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	v, err := e.client.Embed(ctx, text)
	e.observe(1, time.Since(start), err)
	if err != nil {
		return nil, apperr.Wrap(apperr.Embedding, err, "embed text")
	}
	return e.check(v)
}

// EmbedMany maps texts to unit vectors. out[i] always corresponds to
// texts[i], whatever the batch size or worker count.
func (e *Embedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, apperr.New(apperr.Embedding, "input %d is empty after trimming", i)
		}
	}
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for lo := 0; lo < len(texts); lo += e.cfg.BatchSize {
		hi := min(lo+e.cfg.BatchSize, len(texts))
		g.Go(func() error {
			if err := e.wait(gctx); err != nil {
				return err
			}
			start := time.Now()
			vecs, err := e.client.EmbedBatch(gctx, texts[lo:hi])
			e.observe(hi-lo, time.Since(start), err)
			if err != nil {
				return apperr.Wrap(apperr.Embedding, err, "embed batch [%d,%d)", lo, hi)
			}
			if len(vecs) != hi-lo {
				return apperr.New(apperr.Embedding, "provider returned %d vectors for %d inputs", len(vecs), hi-lo)
			}
			for i, v := range vecs {
				nv, err := e.check(v)
				if err != nil {
					return fmt.Errorf("input %d: %w", lo+i, err)
				}
				out[lo+i] = nv
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Debug().Int("texts", len(texts)).Int("batch", e.cfg.BatchSize).Msg("embedded batch set")
	return out, nil
}

func (e *Embedder) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func (e *Embedder) observe(n int, took time.Duration, err error) {
	if e.cfg.OnBatch != nil {
		e.cfg.OnBatch(n, took, err)
	}
}

// check rejects vectors of the wrong width or zero length and normalises the
// rest.
func (e *Embedder) check(v []float32) ([]float32, error) {
	if dim := e.client.Dim(); len(v) != dim {
		return nil, apperr.New(apperr.Embedding, "vector has dimension %d, want %d", len(v), dim)
	}
	nv, ok := index.Normalize(v)
	if !ok {
		return nil, apperr.New(apperr.Embedding, "provider returned a zero vector")
	}
	return nv, nil
}
