package vectorindex

import (
	"errors"
	"math"
	"testing"
)

func TestMetricDistance(t *testing.T) {
	tests := []struct {
		name   string
		metric Metric
		a, b   []float32
		want   float64
	}{
		{name: "l2 identical", metric: MetricL2, a: []float32{1, 2}, b: []float32{1, 2}, want: 0},
		{name: "l2 squared", metric: MetricL2, a: []float32{0, 0}, b: []float32{3, 4}, want: 25},
		{name: "cosine identical", metric: MetricCosine, a: []float32{1, 0}, b: []float32{2, 0}, want: 0},
		{name: "cosine orthogonal", metric: MetricCosine, a: []float32{1, 0}, b: []float32{0, 1}, want: 1},
		{name: "cosine opposite", metric: MetricCosine, a: []float32{1, 0}, b: []float32{-1, 0}, want: 2},
		{name: "cosine zero vector", metric: MetricCosine, a: []float32{0, 0}, b: []float32{1, 0}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.metric.Distance(tt.a, tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Distance() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := MetricL2.Distance([]float32{1}, []float32{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestParseMetric(t *testing.T) {
	for in, want := range map[string]Metric{"": MetricL2, "l2": MetricL2, "cosine": MetricCosine} {
		got, err := ParseMetric(in)
		if err != nil || got != want {
			t.Errorf("ParseMetric(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMetric("ip"); err == nil {
		t.Error("expected error for ip")
	}
}

func TestNearestStableAndBounded(t *testing.T) {
	records := []Record{
		{ID: "b", Embedding: []float32{2}},
		{ID: "a", Embedding: []float32{1}},
		{ID: "tie", Embedding: []float32{1}},
		{ID: "c", Embedding: []float32{3}},
	}
	matches, err := Nearest(MetricL2, []float32{0}, records, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "tie", "b"}
	if len(matches) != len(want) {
		t.Fatalf("len = %d", len(matches))
	}
	for i, id := range want {
		if matches[i].ID != id {
			t.Errorf("match[%d] = %s, want %s", i, matches[i].ID, id)
		}
	}
}

func TestBatches(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5"}
	got := Batches(ids, 2)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("Batches() = %v", got)
	}
	if len(Batches(nil, 100)) != 0 {
		t.Error("nil ids should give no batches")
	}
	if len(Batches(ids, 0)) != 1 {
		t.Error("non-positive size should give one batch")
	}
}
