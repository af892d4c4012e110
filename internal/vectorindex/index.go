// Package vectorindex defines named collections of embedded records with
// nearest-neighbour queries. Backends live in the sqlite and postgres
// subpackages.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrDimensionMismatch is returned when a query vector does not match the stored vectors.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

	// ErrInvalidName is returned for empty collection names.
	ErrInvalidName = errors.New("vectorindex: invalid collection name")
)

// Record is one stored document with its embedding.
type Record struct {
	ID        string
	Document  string
	Metadata  map[string]string
	Embedding []float32
}

// Match is a query hit. Lower distance is closer.
type Match struct {
	Record
	Distance float64
}

// Index is a store of named collections.
type Index interface {
	// Collection returns the named collection, creating it when missing.
	Collection(ctx context.Context, name string) (Collection, error)
	// DeleteCollection removes a collection and its records. Missing collections are not an error.
	DeleteCollection(ctx context.Context, name string) error
	// Collections lists the collection names.
	Collections(ctx context.Context) ([]string, error)
	Close() error
}

// Collection is a set of records addressed by ID.
type Collection interface {
	Name() string
	// Upsert inserts or replaces records by ID.
	Upsert(ctx context.Context, records []Record) error
	// Get returns the records that exist among ids, in the order of ids.
	Get(ctx context.Context, ids []string) ([]Record, error)
	// Query returns up to k records ordered by ascending distance to vec.
	Query(ctx context.Context, vec []float32, k int) ([]Match, error)
	Count(ctx context.Context) (int, error)
}

// Replacer is implemented by indexes that can swap a collection's contents atomically.
type Replacer interface {
	ReplaceCollection(ctx context.Context, name string, records []Record) error
}

// Metric is a distance function.
type Metric string

const (
	// MetricL2 is squared euclidean distance.
	MetricL2 Metric = "l2"
	// MetricCosine is one minus cosine similarity.
	MetricCosine Metric = "cosine"
)

// ParseMetric validates a metric name. Empty means l2.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricL2:
		return MetricL2, nil
	case MetricCosine:
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// Distance computes the distance between a and b.
func (m Metric) Distance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	switch m {
	case MetricCosine:
		var dot, normA, normB float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			normA += float64(a[i]) * float64(a[i])
			normB += float64(b[i]) * float64(b[i])
		}
		if normA == 0 || normB == 0 {
			return 1, nil
		}
		return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), nil
	default:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return sum, nil
	}
}

// Nearest scores records against vec and returns the k closest in ascending
// distance order. Ties keep the input order.
func Nearest(metric Metric, vec []float32, records []Record, k int) ([]Match, error) {
	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		d, err := metric.Distance(vec, rec.Embedding)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		matches = append(matches, Match{Record: rec, Distance: d})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Batches splits ids into chunks of at most size.
func Batches(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// ValidateName rejects empty collection names.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	return nil
}
