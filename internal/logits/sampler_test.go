package logits

import "testing"

func TestGreedyPicksArgmax(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})
	logits := []float32{0.1, 2.5, -1, 2.4}
	if got := s.Sample(logits); got != 1 {
		t.Fatalf("greedy picked %d", got)
	}
}

func TestSamplingIsSeedDeterministic(t *testing.T) {
	logits := []float32{1, 2, 3, 2.5, 0.5, 1.5}
	a := NewSampler(SamplerConfig{Seed: 7, Temperature: 0.8, TopP: 0.9})
	b := NewSampler(SamplerConfig{Seed: 7, Temperature: 0.8, TopP: 0.9})
	for i := 0; i < 32; i++ {
		if x, y := a.Sample(logits), b.Sample(logits); x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestTopPOneCoversDistribution(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1, TopP: 1})
	counts := make([]int, 3)
	logits := []float32{1, 1, 1}
	for i := 0; i < 300; i++ {
		counts[s.Sample(logits)]++
	}
	for i, c := range counts {
		if c == 0 {
			t.Fatalf("uniform logits never drew index %d", i)
		}
	}
}

func TestTightTopPTruncatesTail(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 5, Temperature: 1, TopP: 0.5})
	logits := []float32{10, 0, 0, 0}
	for i := 0; i < 64; i++ {
		if got := s.Sample(logits); got != 0 {
			t.Fatalf("nucleus should contain only index 0, drew %d", got)
		}
	}
}
