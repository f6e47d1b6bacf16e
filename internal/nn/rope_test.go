package nn

import (
	"math"
	"testing"
)

func TestRopeCacheIsDeterministic(t *testing.T) {
	cfg := &RopeOpConfig{
		Type:          int32(RopeLlama),
		QDimStart:     0,
		QDimLen:       64,
		KvDimStart:    0,
		KvDimLen:      64,
		SliceDim:      64,
		SeqLen:        32,
		HeadDim:       16,
		RopeTheta:     10000,
		ScalingFactor: 1,
	}
	a := make([]float32, 32*64)
	b := make([]float32, 32*64)
	FillRopeCache(cfg, a)
	FillRopeCache(cfg, b)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("cache differs at %d", i)
		}
	}
}

func TestRopeCachePositionZeroIsIdentity(t *testing.T) {
	cfg := &RopeOpConfig{
		Type:          int32(RopeLlama),
		QDimLen:       32,
		KvDimLen:      32,
		SliceDim:      32,
		SeqLen:        4,
		HeadDim:       16,
		RopeTheta:     10000,
		ScalingFactor: 1,
	}
	cache := make([]float32, 4*32)
	FillRopeCache(cfg, cache)
	for i := 0; i < 32; i += 2 {
		if cache[i] != 1 || cache[i+1] != 0 {
			t.Fatalf("position 0 pair %d = (%f, %f), want (1, 0)", i, cache[i], cache[i+1])
		}
	}
}

func TestRopeCacheFalconLayout(t *testing.T) {
	cfg := &RopeOpConfig{
		Type:      int32(RopeFalcon),
		SliceDim:  16,
		SeqLen:    8,
		HeadDim:   16,
		RopeTheta: 1000000,
	}
	cache := make([]float32, 8*16)
	FillRopeCache(cfg, cache)
	// Position 1, first (highest-frequency) pair: cos(1), sin(1).
	if math.Abs(float64(cache[16])-math.Cos(1)) > 1e-6 {
		t.Fatalf("cos at pos 1 = %f", cache[16])
	}
	if math.Abs(float64(cache[16+8])-math.Sin(1)) > 1e-6 {
		t.Fatalf("sin at pos 1 = %f", cache[16+8])
	}
}
