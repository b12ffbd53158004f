// Package index holds per-repository vector indexes.
//
// The metric is fixed: cosine distance, d(a, b) = 1 - a.b / (|a||b|),
// clamped to [0, 2]. Vectors are normalised to unit length when an index is
// built and when it is searched, so d = 1 - a.b. Callers may turn a distance
// into a similarity percentage with (1 - d/2) * 100.
package index

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/pkg/models"
)

// MaxDistance is the upper bound of the cosine distance.
const MaxDistance = 2.0

// Hit is one search result.
type Hit struct {
	Chunk    models.Chunk
	Distance float64
}

// Index answers nearest-neighbour queries for one repository.
type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Len() int
	Dim() int
}

// Builder builds a fresh, queryable Index from embedded chunks.
type Builder interface {
	Build(ctx context.Context, repo models.Repository, chunks []models.Chunk) (Index, error)
}

// Loaded is an index restored from durable storage.
type Loaded struct {
	Repo  models.Repository
	Index Index
}

// Loader restores every persisted index, used at startup.
type Loader interface {
	LoadAll(ctx context.Context) ([]Loaded, error)
}

// Flat is an exact, brute-force index. It is immutable once built; a new
// build produces a new Flat.
type Flat struct {
	dim    int
	chunks []models.Chunk
}

// NewFlat validates chunks and builds a Flat index over them. Vectors are
// copied and normalised; the caller's slices are not modified.
func NewFlat(chunks []models.Chunk) (*Flat, error) {
	if len(chunks) == 0 {
		return nil, apperr.New(apperr.EmptyIndex, "no chunks to index")
	}
	dim := len(chunks[0].Vector)
	if dim == 0 {
		return nil, apperr.New(apperr.Internal, "chunk %s:%d-%d has no vector",
			chunks[0].FilePath, chunks[0].StartLine, chunks[0].EndLine)
	}

	type span struct {
		path       string
		start, end int
	}
	seen := make(map[span]struct{}, len(chunks))
	out := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		if len(c.Vector) != dim {
			return nil, apperr.New(apperr.Internal, "vector dimension mismatch at %s:%d-%d: got %d, expected %d",
				c.FilePath, c.StartLine, c.EndLine, len(c.Vector), dim)
		}
		key := span{c.FilePath, c.StartLine, c.EndLine}
		if _, dup := seen[key]; dup {
			return nil, apperr.New(apperr.Internal, "duplicate chunk %s:%d-%d", c.FilePath, c.StartLine, c.EndLine)
		}
		seen[key] = struct{}{}

		v, ok := Normalize(c.Vector)
		if !ok {
			return nil, apperr.New(apperr.Internal, "zero vector for chunk %s:%d-%d", c.FilePath, c.StartLine, c.EndLine)
		}
		c.Vector = v
		out[i] = c
	}
	return &Flat{dim: dim, chunks: out}, nil
}

// Len returns the number of chunks.
func (f *Flat) Len() int { return len(f.chunks) }

// Dim returns the vector dimension.
func (f *Flat) Dim() int { return f.dim }

// Chunks returns the indexed chunks in insertion order. Callers must not
// modify them.
func (f *Flat) Chunks() []models.Chunk { return f.chunks }

// Search returns at most k hits ordered by ascending distance. Equal
// distances keep insertion order.
func (f *Flat) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, apperr.New(apperr.InvalidQuery, "k must be a positive integer, got %d", k)
	}
	if len(query) != f.dim {
		return nil, apperr.New(apperr.Internal, "query dimension mismatch: got %d, expected %d", len(query), f.dim)
	}
	q, ok := Normalize(query)
	if !ok {
		return nil, apperr.New(apperr.Internal, "zero query vector")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type scored struct {
		pos  int
		dist float64
	}
	scores := make([]scored, len(f.chunks))
	for i := range f.chunks {
		scores[i] = scored{pos: i, dist: Distance(q, f.chunks[i].Vector)}
	}
	slices.SortStableFunc(scores, func(a, b scored) int {
		return cmp.Compare(a.dist, b.dist)
	})

	if k > len(scores) {
		k = len(scores)
	}
	hits := make([]Hit, k)
	for i := 0; i < k; i++ {
		hits[i] = Hit{Chunk: f.chunks[scores[i].pos], Distance: scores[i].dist}
	}
	return hits, nil
}

// Distance is the cosine distance between two unit vectors, clamped to
// [0, MaxDistance].
func Distance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	d := 1 - dot
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	if d > MaxDistance {
		return MaxDistance
	}
	return d
}

// Normalize returns a unit-length copy of v. ok is false for zero or
// non-finite vectors.
func Normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, true
}
