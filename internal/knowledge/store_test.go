package knowledge

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func TestAddAndAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.Add(ctx, "Quantization", "Use 4-bit quantization.", "seed", []float32{0.1, 0.2})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.ID.String() == "" {
		t.Error("expected generated id")
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d passages, want 1", len(all))
	}
	if all[0].Content != "Use 4-bit quantization." {
		t.Errorf("content = %q", all[0].Content)
	}
	if len(all[0].Embedding) != 2 {
		t.Errorf("embedding dims = %d, want 2", len(all[0].Embedding))
	}
}

func TestCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("empty store count = %d", n)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Add(ctx, "", "passage", "test", nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	n, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.Add(ctx, "", "ephemeral", "test", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := store.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, p.ID); err == nil {
		t.Error("expected error deleting missing passage")
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	original := []float32{0.5, -1.25, 3.75, 0}
	decoded := decodeEmbedding(encodeEmbedding(original))

	if len(decoded) != len(original) {
		t.Fatalf("got %d values, want %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("value %d: got %f, want %f", i, decoded[i], original[i])
		}
	}
}

func TestEmbeddingEncodeEmpty(t *testing.T) {
	if encoded := encodeEmbedding(nil); encoded != nil {
		t.Error("nil embedding should encode to nil")
	}
	if encoded := encodeEmbedding([]float32{}); encoded != nil {
		t.Error("empty embedding should encode to nil")
	}
	if decoded := decodeEmbedding(nil); decoded != nil {
		t.Error("nil blob should decode to nil")
	}
	if decoded := decodeEmbedding([]byte{1, 2, 3}); decoded != nil {
		t.Error("truncated blob should decode to nil")
	}
}
