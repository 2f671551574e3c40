package knowledge

import (
	"context"
	"fmt"
)

// seedPassages is the starter corpus of efficiency guidance loaded
// into an empty knowledge base.
var seedPassages = []string{
	"To reduce LLM inference costs, use quantization (4-bit or 8-bit) which lowers memory usage by up to 75%.",
	"Retrieval-Augmented Generation (RAG) reduces hallucination but increases latency. Use caching to mitigate this.",
	"For speech-to-text efficiency, Whisper-tiny is 32x faster than Whisper-large but has higher error rates.",
	"Kubernetes autoscaling (HPA) should be configured based on GPU memory metrics, not just CPU usage.",
	"Distillation is a technique where a smaller 'student' model learns to mimic a larger 'teacher' model to save energy.",
}

// Seed populates an empty store with the starter corpus. A store that
// already has passages is left untouched.
func Seed(ctx context.Context, store *Store, embedder Embedder) (int, error) {
	count, err := store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	for i, content := range seedPassages {
		emb, err := embedder.Embed(ctx, content)
		if err != nil {
			return i, fmt.Errorf("embed seed passage %d: %w", i, err)
		}
		if _, err := store.Add(ctx, "", content, "seed", emb); err != nil {
			return i, fmt.Errorf("store seed passage %d: %w", i, err)
		}
	}
	return len(seedPassages), nil
}
