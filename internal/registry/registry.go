// Package registry maps repository names to their snapshot and current
// vector index.
//
// Replacement is a reference swap: a reader that obtained an index keeps
// using it even if a newer one is registered afterwards, so a query is
// always served entirely by one build. Ingests for the same name are
// serialized; ingests for different names never contend.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/pkg/models"
)

type entry struct {
	repo  models.Repository
	index index.Index // nil until the first successful ingest
	// slot is a one-element semaphore held for the duration of an ingest.
	slot      chan struct{}
	waiters   int
	ingesting bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Status describes one registered name.
type Status struct {
	Repo      models.Repository
	Ready     bool
	Ingesting bool
}

func (r *Registry) entryLocked(name string) *entry {
	e, ok := r.entries[name]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		r.entries[name] = e
	}
	return e
}

// BeginIngest waits for the ingest slot of name and marks the name as
// ingesting. While held, Get returns NotReady and IsReady is false for the
// name. The returned release function must be called exactly once.
func (r *Registry) BeginIngest(ctx context.Context, name string) (release func(), err error) {
	r.mu.Lock()
	e := r.entryLocked(name)
	e.waiters++
	r.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		r.mu.Lock()
		e.waiters--
		r.mu.Unlock()
		r.dropIfUnused(name, e)
		return nil, ctx.Err()
	}

	r.mu.Lock()
	e.waiters--
	e.ingesting = true
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.ingesting = false
			r.mu.Unlock()
			<-e.slot
			r.dropIfUnused(name, e)
		})
	}, nil
}

// dropIfUnused removes a placeholder entry that never got an index and has
// nobody holding or waiting on its slot.
func (r *Registry) dropIfUnused(name string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.index == nil && !e.ingesting && e.waiters == 0 && r.entries[name] == e {
		delete(r.entries, name)
	}
}

// Register installs idx as the current index for repo.Name, replacing any
// previous one in a single step.
func (r *Registry) Register(repo models.Repository, idx index.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(repo.Name)
	repo.ChunkCount = idx.Len()
	e.repo = repo
	e.index = idx
}

// Get returns the repository and its current index. Unknown names yield
// NotFound; names with an ingest in flight yield NotReady.
func (r *Registry) Get(name string) (models.Repository, index.Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return models.Repository{}, nil, apperr.New(apperr.NotFound, "repository %q not found; ingest it first", name)
	}
	if e.ingesting {
		return models.Repository{}, nil, apperr.New(apperr.NotReady, "repository %q is being ingested; retry later", name)
	}
	if e.index == nil {
		return models.Repository{}, nil, apperr.New(apperr.NotFound, "repository %q not found; ingest it first", name)
	}
	return e.repo, e.index, nil
}

// IsReady reports whether name has an index and no ingest in flight.
func (r *Registry) IsReady(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.index != nil && !e.ingesting
}

// Count returns the number of names with a registered index.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.index != nil {
			n++
		}
	}
	return n
}

// List returns every known name sorted, including names whose first ingest
// is still running.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.entries))
	for name, e := range r.entries {
		repo := e.repo
		if repo.Name == "" {
			repo.Name = name
		}
		out = append(out, Status{Repo: repo, Ready: e.index != nil && !e.ingesting, Ingesting: e.ingesting})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repo.Name < out[j].Repo.Name })
	return out
}

// Restore registers every index from l. Used once at startup.
func (r *Registry) Restore(ctx context.Context, l index.Loader) (int, error) {
	loaded, err := l.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range loaded {
		r.Register(item.Repo, item.Index)
	}
	return len(loaded), nil
}
