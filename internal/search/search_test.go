package search

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/internal/registry"
	"github.com/seanblong/repoqa/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockEmbedder implements Embedder for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
	Calls     []string
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.Calls = append(m.Calls, text)
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

func buildRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	flat, err := index.NewFlat([]models.Chunk{
		{FilePath: "a.go", StartLine: 1, EndLine: 3, Code: "func A() {}", Language: "go", Vector: []float32{1, 0, 0}},
		{FilePath: "b.go", StartLine: 1, EndLine: 2, Code: "func B() {}", Language: "go", Vector: []float32{0, 1, 0}},
		{FilePath: "c.go", StartLine: 4, EndLine: 9, Code: "func C() {}", Language: "go", Vector: []float32{0.9, 0.1, 0}},
	})
	if err != nil {
		t.Fatalf("NewFlat failed: %v", err)
	}
	reg := registry.New()
	reg.Register(models.Repository{Name: "widgets"}, flat)
	return reg
}

func TestService_Query(t *testing.T) {
	e := &MockEmbedder{}
	s, err := NewService(e, buildRegistry(t), 0, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	res, err := s.Query(context.Background(), "widgets", "  where is A  ", 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(res))
	}
	if res[0].FilePath != "a.go" || res[1].FilePath != "c.go" {
		t.Errorf("Expected [a.go c.go], got [%s %s]", res[0].FilePath, res[1].FilePath)
	}
	if res[0].Distance > res[1].Distance {
		t.Errorf("Expected ascending distance")
	}
	if res[0].Distance < 0 || res[0].Distance > 1e-6 {
		t.Errorf("Expected exact match distance ~0, got %f", res[0].Distance)
	}
	if res[1].StartLine != 4 || res[1].EndLine != 9 || res[1].Code != "func C() {}" || res[1].Language != "go" {
		t.Errorf("Unexpected mapping %+v", res[1])
	}
	if len(e.Calls) != 1 || e.Calls[0] != "where is A" {
		t.Errorf("Expected trimmed query embedded once, got %v", e.Calls)
	}
}

func TestService_QueryErrors(t *testing.T) {
	tests := []struct {
		name     string
		repo     string
		question string
		k        int
		want     error
	}{
		{"unknown repo", "nope", "anything", 5, apperr.ErrNotFound},
		{"empty question", "widgets", "", 5, apperr.ErrInvalidQuery},
		{"blank question", "widgets", " \n\t ", 5, apperr.ErrInvalidQuery},
		{"zero k", "widgets", "a", 0, apperr.ErrInvalidQuery},
		{"negative k", "widgets", "a", -3, apperr.ErrInvalidQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &MockEmbedder{}
			s, _ := NewService(e, buildRegistry(t), 0, nil)
			res, err := s.Query(context.Background(), tt.repo, tt.question, tt.k)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if res != nil {
				t.Errorf("Expected no partial results, got %+v", res)
			}
			if len(e.Calls) != 0 {
				t.Errorf("Expected no embedding call, got %v", e.Calls)
			}
		})
	}
}

func TestService_NotReady(t *testing.T) {
	reg := buildRegistry(t)
	release, err := reg.BeginIngest(context.Background(), "widgets")
	if err != nil {
		t.Fatalf("BeginIngest failed: %v", err)
	}
	defer release()

	s, _ := NewService(&MockEmbedder{}, reg, 0, nil)
	if _, err := s.Query(context.Background(), "widgets", "a", 3); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("Expected not ready, got %v", err)
	}
}

func TestService_EmbedError(t *testing.T) {
	boom := apperr.New(apperr.Embedding, "provider down")
	e := &MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		return nil, boom
	}}
	s, _ := NewService(e, buildRegistry(t), 0, nil)
	if _, err := s.Query(context.Background(), "widgets", "a", 3); !errors.Is(err, boom) {
		t.Errorf("Expected embedding error, got %v", err)
	}
}

func TestService_KLargerThanIndex(t *testing.T) {
	s, _ := NewService(&MockEmbedder{}, buildRegistry(t), 0, nil)
	res, err := s.Query(context.Background(), "widgets", "a", 50)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res) != 3 {
		t.Errorf("Expected all 3 chunks, got %d", len(res))
	}
}

func TestService_Cache(t *testing.T) {
	e := &MockEmbedder{}
	s, err := NewService(e, buildRegistry(t), 4, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Query(context.Background(), "widgets", "same question", 1); err != nil {
			t.Fatalf("Query failed: %v", err)
		}
	}
	if _, err := s.Query(context.Background(), "widgets", "  same question ", 1); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(e.Calls) != 1 {
		t.Errorf("Expected a single embedding call, got %d", len(e.Calls))
	}

	failing := &MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("boom")
	}}
	s.Embedder = failing
	_, _ = s.Query(context.Background(), "widgets", "other", 1)
	_, _ = s.Query(context.Background(), "widgets", "other", 1)
	if len(failing.Calls) != 2 {
		t.Errorf("Expected failures not cached, got %d calls", len(failing.Calls))
	}
}
