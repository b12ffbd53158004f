package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/seanblong/repoqa/internal/apperr"
)

func TestIngestStarted(t *testing.T) {
	m := New()

	done := m.IngestStarted()
	if got := testutil.ToFloat64(m.ActiveIngestions); got != 1 {
		t.Errorf("Expected 1 active ingest, got %v", got)
	}
	done(12, nil)
	if got := testutil.ToFloat64(m.ActiveIngestions); got != 0 {
		t.Errorf("Expected 0 active ingests, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksIndexed); got != 12 {
		t.Errorf("Expected 12 chunks, got %v", got)
	}

	m.IngestStarted()(0, apperr.New(apperr.EmptyIndex, "nothing"))
	if got := testutil.ToFloat64(m.IngestTotal.WithLabelValues("empty_index")); got != 1 {
		t.Errorf("Expected one empty_index outcome, got %v", got)
	}
	if got := testutil.ToFloat64(m.IngestTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected one ok outcome, got %v", got)
	}
}

func TestObserveQueryAndCache(t *testing.T) {
	m := New()
	m.ObserveQuery(time.Millisecond, nil)
	m.ObserveQuery(time.Millisecond, errors.New("boom"))
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)

	if got := testutil.ToFloat64(m.QueryTotal.WithLabelValues("internal")); got != 1 {
		t.Errorf("Expected foreign error counted as internal, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueryCacheMisses); got != 2 {
		t.Errorf("Expected 2 misses, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IngestStarted()(1, nil)
	m.ObserveEmbedBatch(3, time.Second, nil)
	m.ObserveQuery(time.Second, nil)
	m.CacheLookup(true)
	m.SetRepositories(2)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveEmbedBatch(4, 10*time.Millisecond, nil)
	m.SetRepositories(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"repoqa_embedded_texts_total 4", "repoqa_repositories 3", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}
