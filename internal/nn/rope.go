package nn

import "math"

// scaleFrequencyLlama31 applies the Llama 3.1 long-context frequency
// scaling to a single rotary frequency.
func scaleFrequencyLlama31(freq float64, cfg *RopeOpConfig) float64 {
	waveLen := 2.0 * math.Pi / freq
	origMaxSeqLen := float64(cfg.ScalingOrigMaxSeqLen)
	highFreqWavelen := origMaxSeqLen / float64(cfg.ScalingHighFreqFactor)
	if waveLen < highFreqWavelen {
		return freq
	}
	lowFreqWavelen := origMaxSeqLen / float64(cfg.ScalingLowFreqFactor)
	if waveLen > lowFreqWavelen {
		return freq / float64(cfg.ScalingFactor)
	}
	smooth := (origMaxSeqLen/waveLen - float64(cfg.ScalingLowFreqFactor)) /
		float64(cfg.ScalingHighFreqFactor-cfg.ScalingLowFreqFactor)
	return (1-smooth)*freq/float64(cfg.ScalingFactor) + smooth*freq
}

func fillRopeLlamaCache(cfg *RopeOpConfig, cache []float32) {
	applyScaling := cfg.ScalingFactor != 1.0
	theta := float64(cfg.RopeTheta)
	qDimEnd := cfg.QDimStart + cfg.QDimLen
	for pos := uint32(0); pos < cfg.SeqLen; pos++ {
		for i := cfg.KvDimStart; i < qDimEnd; i += 2 {
			h := i % cfg.HeadDim
			freq := 1.0 / math.Pow(theta, float64(h)/float64(cfg.HeadDim))
			if applyScaling {
				freq = scaleFrequencyLlama31(freq, cfg)
			}
			val := float64(pos) * freq
			at := pos*cfg.SliceDim + (i - cfg.KvDimStart)
			cache[at] = float32(math.Cos(val))
			cache[at+1] = float32(math.Sin(val))
		}
	}
}

func fillRopeFalconCache(cfg *RopeOpConfig, cache []float32) {
	theta := float64(cfg.RopeTheta)
	hs := float64(cfg.HeadDim)
	for pos := uint32(0); pos < cfg.SeqLen; pos++ {
		for j := uint32(0); j < cfg.HeadDim/2; j++ {
			freq := 1.0 / math.Pow(theta, 2.0*float64(j)/hs)
			val := float64(pos) * freq
			cache[pos*cfg.HeadDim+j] = float32(math.Cos(val))
			cache[pos*cfg.HeadDim+j+cfg.HeadDim/2] = float32(math.Sin(val))
		}
	}
}

// FillRopeCache populates the rotary cos/sin cache for the op's slice.
// The cache is a pure function of the config: building it twice yields
// identical bytes.
func FillRopeCache(cfg *RopeOpConfig, cache []float32) {
	switch RopeType(cfg.Type) {
	case RopeLlama, RopeLlama31:
		fillRopeLlamaCache(cfg, cache)
	case RopeFalcon:
		fillRopeFalconCache(cfg, cache)
	default:
		panic("unsupported rope type")
	}
}
