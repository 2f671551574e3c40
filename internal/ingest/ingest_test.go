package ingest

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudvoice/cloudvoice/internal/fetch"
	"github.com/cloudvoice/cloudvoice/internal/knowledge"
	_ "modernc.org/sqlite"
)

func TestParseMarkdown(t *testing.T) {
	content := `# Sustainable Compute Guide

Practices for running AI workloads with a smaller footprint.

## Inference

Quantization shrinks models to 4-bit or 8-bit precision.
Distilled models trade a little accuracy for much less energy.

### Batching

Batch requests to keep GPU utilization high.

## Scheduling

Run training jobs when the grid is greenest.

### Carbon-Aware Regions

Some regions run mostly on hydro and wind power.
`

	chunks := parseMarkdown(strings.NewReader(content))

	expected := []struct {
		title   string
		hasText string
	}{
		{"sustainable-compute-guide", "smaller footprint"},
		{"sustainable-compute-guide/inference", "Quantization"},
		{"sustainable-compute-guide/inference/batching", "GPU utilization"},
		{"sustainable-compute-guide/scheduling", "greenest"},
		{"sustainable-compute-guide/scheduling/carbon-aware-regions", "hydro"},
	}

	if len(chunks) != len(expected) {
		t.Fatalf("expected %d chunks, got %d", len(expected), len(chunks))
	}

	for i, exp := range expected {
		if chunks[i].Title != exp.title {
			t.Errorf("chunk %d: title = %q, want %q", i, chunks[i].Title, exp.title)
		}
		if !strings.Contains(chunks[i].Content, exp.hasText) {
			t.Errorf("chunk %d: content %q missing %q", i, chunks[i].Content, exp.hasText)
		}
	}
}

func TestParseMarkdownWithCodeBlocks(t *testing.T) {
	content := `## Instance Rates

Reference emission rates per instance type:

` + "```" + `
Instance     | kg CO2 per hour
-------------|----------------
t3.medium    | 0.05
gpu.large    | 1.2
` + "```" + `

Rates assume average grid intensity.
`

	chunks := parseMarkdown(strings.NewReader(content))

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Content, "gpu.large") {
		t.Error("code block content not preserved")
	}
	if !strings.Contains(chunks[0].Content, "Rates assume") {
		t.Error("text after code block not preserved")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Simple Title", "simple-title"},
		{"API Server", "api-server"},
		{"Phase 1: Foundation", "phase-1-foundation"},
		{"Carbon-Aware Regions", "carbon-aware-regions"},
		{"  Spaces  ", "spaces"},
	}

	for _, tc := range tests {
		if got := slugify(tc.input); got != tc.expected {
			t.Errorf("slugify(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

type stubEmbedder struct{ fail bool }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	return []float32{1, 0}, nil
}

func testStore(t *testing.T) *knowledge.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := knowledge.NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func TestIngestString(t *testing.T) {
	store := testStore(t)
	g := New(store, &stubEmbedder{}, nil, nil)

	n, err := g.IngestString(context.Background(), "# Topic\n\nSome content here.\n", "notes.md")
	if err != nil {
		t.Fatalf("IngestString: %v", err)
	}
	if n != 1 {
		t.Fatalf("ingested %d passages, want 1", n)
	}

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if all[0].Source != "notes.md" {
		t.Errorf("source = %q", all[0].Source)
	}
	if all[0].Title != "topic" {
		t.Errorf("title = %q", all[0].Title)
	}
}

func TestIngestStringEmbedFailure(t *testing.T) {
	store := testStore(t)
	g := New(store, &stubEmbedder{fail: true}, nil, nil)

	n, err := g.IngestString(context.Background(), "# Topic\n\nContent.\n", "notes.md")
	if err != nil {
		t.Fatalf("IngestString: %v", err)
	}
	if n != 0 {
		t.Errorf("ingested %d passages despite embed failures", n)
	}
}

func TestIngestURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Green Ops</title></head><body><p>Carbon-aware scheduling works.</p></body></html>`))
	}))
	defer ts.Close()

	store := testStore(t)
	g := New(store, &stubEmbedder{}, fetch.New(), nil)

	n, err := g.IngestURL(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if n != 1 {
		t.Fatalf("ingested %d passages, want 1", n)
	}

	all, _ := store.All(context.Background())
	if !strings.Contains(all[0].Content, "Carbon-aware scheduling") {
		t.Errorf("content = %q", all[0].Content)
	}
	if all[0].Title != "Green Ops" {
		t.Errorf("title = %q", all[0].Title)
	}
}

func TestIngestURLNoFetcher(t *testing.T) {
	g := New(testStore(t), &stubEmbedder{}, nil, nil)
	if _, err := g.IngestURL(context.Background(), "https://example.com"); err == nil {
		t.Error("expected error without a fetcher")
	}
}
