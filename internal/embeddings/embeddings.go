// Package embeddings provides interfaces and implementations for embedding providers.
package embeddings

import (
	"context"
	"fmt"
)

// Task tells asymmetric embedding models which side of a retrieval a text is on.
type Task int

const (
	// TaskDocument embeds stored content.
	TaskDocument Task = iota
	// TaskQuery embeds a search query.
	TaskQuery
)

func (t Task) String() string {
	if t == TaskQuery {
		return "query"
	}
	return "document"
}

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string, task Task) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension, or 0 when unknown.
	Dimension() int
}

// InBatches calls fn on consecutive chunks of at most size texts and
// concatenates the results. Each call must return one vector per text.
func InBatches(ctx context.Context, texts []string, size int, fn func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vectors, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embedding batch returned %d vectors for %d texts", len(vectors), end-start)
		}
		out = append(out, vectors...)
	}
	return out, nil
}
