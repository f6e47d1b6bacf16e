// Package logits implements token sampling over the model's output
// distribution.
package logits

import (
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig configures a Sampler. Temperature <= 0 selects greedy
// decoding; TopP in (0, 1) truncates the nucleus.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopP        float32
}

// Sampler draws token ids from logits. With the same seed and the same
// logits sequence, the drawn ids are identical across runs.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	prob []float64
	idx  []int
}

func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws one index from the logits vector.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	if cap(s.prob) < len(logits) {
		s.prob = make([]float64, len(logits))
		s.idx = make([]int, len(logits))
	}
	prob := s.prob[:len(logits)]
	idx := s.idx[:len(logits)]

	invTemp := 1.0 / float64(s.cfg.Temperature)
	maxLogit := float64(logits[argmax(logits)])
	var sum float64
	for i, v := range logits {
		prob[i] = math.Exp((float64(v) - maxLogit) * invTemp)
		sum += prob[i]
		idx[i] = i
	}
	for i := range prob {
		prob[i] /= sum
	}

	// Nucleus truncation: keep the smallest prefix of the sorted
	// distribution whose mass reaches TopP.
	sort.Slice(idx, func(a, b int) bool { return prob[idx[a]] > prob[idx[b]] })
	cutoff := len(idx)
	if s.cfg.TopP < 1 {
		var cum float64
		for i, id := range idx {
			cum += prob[id]
			if cum >= float64(s.cfg.TopP) {
				cutoff = i + 1
				break
			}
		}
	}

	var mass float64
	for _, id := range idx[:cutoff] {
		mass += prob[id]
	}
	r := s.rng.Float64() * mass
	var cum float64
	for _, id := range idx[:cutoff] {
		cum += prob[id]
		if r < cum {
			return id
		}
	}
	return idx[cutoff-1]
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
