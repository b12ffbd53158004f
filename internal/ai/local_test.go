package ai

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/seanblong/repoqa/internal/index"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"parseHTTPRequest_v2", []string{"parse", "http", "request", "v2"}},
		{"def load_config(path):", []string{"def", "load", "config", "path"}},
		{"  ", nil},
		{"XMLParser", []string{"xml", "parser"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := tokenize(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLocalClient_Deterministic(t *testing.T) {
	c := NewLocalClient(128)
	a, err := c.Embed(context.Background(), "func OpenDatabase(dsn string) (*DB, error)")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, _ := NewLocalClient(128).Embed(context.Background(), "func OpenDatabase(dsn string) (*DB, error)")
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Expected identical vectors for identical text")
	}

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("Expected unit norm, got %f", sum)
	}
}

func TestLocalClient_Similarity(t *testing.T) {
	c := NewLocalClient(0)
	q, _ := c.Embed(context.Background(), "open database connection")
	near, _ := c.Embed(context.Background(), "func openDatabaseConnection() { db.Open() }")
	far, _ := c.Embed(context.Background(), "render the html template with css styles")

	if index.Distance(q, near) >= index.Distance(q, far) {
		t.Errorf("Expected related text to be nearer: near=%f far=%f",
			index.Distance(q, near), index.Distance(q, far))
	}
}

func TestLocalClient_PunctuationOnly(t *testing.T) {
	c := NewLocalClient(16)
	for _, text := range []string{"()", "???", "+ -", "}}\n", "{}();"} {
		t.Run(text, func(t *testing.T) {
			v1, err := c.Embed(context.Background(), text)
			if err != nil {
				t.Fatalf("Embed(%q) failed: %v", text, err)
			}
			v2, _ := c.Embed(context.Background(), text)
			if !reflect.DeepEqual(v1, v2) {
				t.Errorf("Embed(%q) is not deterministic", text)
			}
			var sum float64
			for _, x := range v1 {
				sum += float64(x) * float64(x)
			}
			if math.Abs(sum-1) > 1e-4 {
				t.Errorf("Expected unit vector for %q, got squared norm %f", text, sum)
			}
		})
	}
}

func TestLocalClient_BlankText(t *testing.T) {
	c := NewLocalClient(16)
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := c.Embed(context.Background(), text); err == nil {
			t.Errorf("Expected error for blank text %q", text)
		}
	}
}

func TestLocalClient_EmbedBatchOrder(t *testing.T) {
	c := NewLocalClient(32)
	texts := []string{"alpha", "beta", "gamma"}
	batch, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	for i, text := range texts {
		single, _ := c.Embed(context.Background(), text)
		if !reflect.DeepEqual(batch[i], single) {
			t.Errorf("batch[%d] differs from single embed of %q", i, text)
		}
	}
}
