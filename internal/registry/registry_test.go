package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/pkg/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockIndex implements index.Index for testing
type MockIndex struct {
	Name string
	N    int
}

func (m *MockIndex) Search(ctx context.Context, q []float32, k int) ([]index.Hit, error) {
	return []index.Hit{{Chunk: models.Chunk{FilePath: m.Name}}}, nil
}

func (m *MockIndex) Len() int { return m.N }
func (m *MockIndex) Dim() int { return 3 }

// MockLoader implements index.Loader for testing
type MockLoader struct {
	Loaded []index.Loaded
	Err    error
}

func (m *MockLoader) LoadAll(ctx context.Context) ([]index.Loaded, error) {
	return m.Loaded, m.Err
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := New()
	_, _, err := r.Get("missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if r.IsReady("missing") {
		t.Errorf("Expected unknown name not to be ready")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	r.Register(models.Repository{Name: "widgets", LocalPath: "/tmp/widgets"}, &MockIndex{Name: "v1", N: 4})

	repo, idx, err := r.Get("widgets")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if repo.LocalPath != "/tmp/widgets" || repo.ChunkCount != 4 {
		t.Errorf("Unexpected repo %+v", repo)
	}
	if idx.(*MockIndex).Name != "v1" {
		t.Errorf("Expected v1 index")
	}
	if !r.IsReady("widgets") {
		t.Errorf("Expected widgets to be ready")
	}
}

func TestRegistry_NotReadyDuringFirstIngest(t *testing.T) {
	r := New()
	release, err := r.BeginIngest(context.Background(), "widgets")
	if err != nil {
		t.Fatalf("BeginIngest failed: %v", err)
	}
	if _, _, err := r.Get("widgets"); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("Expected not ready, got %v", err)
	}
	if r.IsReady("widgets") {
		t.Errorf("Expected not ready during ingest")
	}
	list := r.List()
	if len(list) != 1 || !list[0].Ingesting || list[0].Ready {
		t.Errorf("Expected one ingesting entry, got %+v", list)
	}

	r.Register(models.Repository{Name: "widgets"}, &MockIndex{Name: "v1", N: 1})
	if r.IsReady("widgets") {
		t.Errorf("Expected not ready until release")
	}
	release()
	release() // idempotent
	if !r.IsReady("widgets") {
		t.Errorf("Expected ready after release")
	}
}

func TestRegistry_FailedIngestRestoresPrevious(t *testing.T) {
	r := New()
	r.Register(models.Repository{Name: "widgets"}, &MockIndex{Name: "v1", N: 1})

	release, err := r.BeginIngest(context.Background(), "widgets")
	if err != nil {
		t.Fatalf("BeginIngest failed: %v", err)
	}
	if _, _, err := r.Get("widgets"); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("Expected not ready during re-ingest, got %v", err)
	}
	release() // ingest failed, nothing registered

	_, idx, err := r.Get("widgets")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if idx.(*MockIndex).Name != "v1" {
		t.Errorf("Expected previous index to survive a failed ingest")
	}
}

func TestRegistry_FailedFirstIngestForgetsName(t *testing.T) {
	r := New()
	release, _ := r.BeginIngest(context.Background(), "ghost")
	release()
	if _, _, err := r.Get("ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found after failed first ingest, got %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("Expected empty list, got %+v", r.List())
	}
}

func TestRegistry_ReaderKeepsOldReference(t *testing.T) {
	r := New()
	r.Register(models.Repository{Name: "widgets"}, &MockIndex{Name: "v1", N: 1})
	_, held, _ := r.Get("widgets")

	r.Register(models.Repository{Name: "widgets"}, &MockIndex{Name: "v2", N: 2})
	hits, _ := held.Search(context.Background(), nil, 1)
	if hits[0].Chunk.FilePath != "v1" {
		t.Errorf("Expected held reference to keep serving v1")
	}
	_, current, _ := r.Get("widgets")
	if current.(*MockIndex).Name != "v2" {
		t.Errorf("Expected new readers to see v2")
	}
}

func TestRegistry_IngestsSameNameSerialize(t *testing.T) {
	r := New()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.BeginIngest(context.Background(), "widgets")
			if err != nil {
				t.Errorf("BeginIngest failed: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("Expected at most one concurrent ingest per name, got %d", maxActive)
	}
}

func TestRegistry_DifferentNamesDoNotContend(t *testing.T) {
	r := New()
	releaseA, err := r.BeginIngest(context.Background(), "a")
	if err != nil {
		t.Fatalf("BeginIngest failed: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := r.BeginIngest(ctx, "b")
	if err != nil {
		t.Fatalf("Expected ingest of another name to proceed, got %v", err)
	}
	releaseB()
}

func TestRegistry_BeginIngestHonoursContext(t *testing.T) {
	r := New()
	release, _ := r.BeginIngest(context.Background(), "widgets")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.BeginIngest(ctx, "widgets"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestRegistry_Restore(t *testing.T) {
	r := New()
	n, err := r.Restore(context.Background(), &MockLoader{Loaded: []index.Loaded{
		{Repo: models.Repository{Name: "b"}, Index: &MockIndex{Name: "b", N: 2}},
		{Repo: models.Repository{Name: "a"}, Index: &MockIndex{Name: "a", N: 1}},
	}})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 restored, got %d", n)
	}
	list := r.List()
	if len(list) != 2 || list[0].Repo.Name != "a" || list[1].Repo.Name != "b" {
		t.Errorf("Expected sorted [a b], got %+v", list)
	}
	if !list[0].Ready || list[1].Repo.ChunkCount != 2 {
		t.Errorf("Unexpected status %+v", list)
	}

	boom := errors.New("boom")
	if _, err := New().Restore(context.Background(), &MockLoader{Err: boom}); !errors.Is(err, boom) {
		t.Errorf("Expected loader error, got %v", err)
	}
}
