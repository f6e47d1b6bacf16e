package inference

import (
	"fmt"
	"math"
	"time"

	"github.com/calderhughes/weft/internal/logits"
)

// Stats summarizes one generation run.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	PrefillDuration time.Duration
	GenDuration     time.Duration
	TPS             float64
}

// Generate evaluates the prompt in multi-token batches, then samples up to
// steps tokens one position at a time. onToken is called for every sampled
// id; returning false stops generation early.
func Generate(root *Root, sampler *logits.Sampler, promptTokens []int, steps int, nBatches int, onToken func(id int) bool) (Stats, error) {
	var stats Stats
	if len(promptTokens) == 0 {
		return stats, fmt.Errorf("empty prompt")
	}
	stats.PromptTokens = len(promptTokens)

	// Prefill every prompt token but the last; the last primes generation.
	prefillStart := time.Now()
	pos := 0
	for pos < len(promptTokens)-1 {
		batch := min(nBatches, len(promptTokens)-1-pos)
		root.SetBatchSize(batch)
		if err := root.SetPosition(pos); err != nil {
			return stats, err
		}
		for i := 0; i < batch; i++ {
			root.SetToken(i, promptTokens[pos+i])
		}
		if err := root.Forward(); err != nil {
			return stats, err
		}
		pos += batch
	}
	stats.PrefillDuration = time.Since(prefillStart)

	genStart := time.Now()
	token := promptTokens[len(promptTokens)-1]
	for step := 0; step < steps; step++ {
		root.SetBatchSize(1)
		if err := root.SetPosition(pos); err != nil {
			break
		}
		root.SetToken(0, token)
		if err := root.Forward(); err != nil {
			return stats, err
		}
		pos++
		token = sampler.Sample(root.Logits(0))
		stats.TokensGenerated++
		if !onToken(token) {
			break
		}
	}
	stats.GenDuration = time.Since(genStart)
	if s := stats.GenDuration.Seconds(); s > 0 {
		stats.TPS = float64(stats.TokensGenerated) / s
	}
	return stats, nil
}

// Perplexity computes the negative log likelihood of the prompt under the
// model, batched over the pipe's batch capacity. Returns per-token average
// NLL and its exponent.
func Perplexity(root *Root, promptTokens []int, nBatches int) (nll float64, ppl float64, err error) {
	if len(promptTokens) < 2 {
		return 0, 0, fmt.Errorf("perplexity needs at least two tokens")
	}
	count := 0
	pos := 0
	for pos < len(promptTokens)-1 {
		batch := min(nBatches, len(promptTokens)-1-pos)
		root.SetBatchSize(batch)
		if err := root.SetPosition(pos); err != nil {
			return 0, 0, err
		}
		for i := 0; i < batch; i++ {
			root.SetToken(i, promptTokens[pos+i])
		}
		if err := root.Forward(); err != nil {
			return 0, 0, err
		}
		for i := 0; i < batch; i++ {
			next := promptTokens[pos+i+1]
			nll -= logSoftmaxAt(root.Logits(i), next)
			count++
		}
		pos += batch
	}
	nll /= float64(count)
	return nll, math.Exp(nll), nil
}

func logSoftmaxAt(logitsVec []float32, index int) float64 {
	maxVal := float64(logitsVec[0])
	for _, v := range logitsVec[1:] {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	var sum float64
	for _, v := range logitsVec {
		sum += math.Exp(float64(v) - maxVal)
	}
	return float64(logitsVec[index]) - maxVal - math.Log(sum)
}
