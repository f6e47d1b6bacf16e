package quant

import (
	"math"
	"math/rand"
	"testing"
)

func TestQ80RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := 128
	src := make([]float32, n)
	for i := range src {
		src[i] = rng.Float32()*2 - 1
	}
	packed := make([]byte, n/QK80*BlockQ80Bytes)
	QuantizeQ80(packed, src, n)
	back := make([]float32, n)
	DequantizeQ80(back, packed, n)
	for i := range src {
		if diff := math.Abs(float64(src[i] - back[i])); diff > 0.01 {
			t.Fatalf("element %d: %f vs %f", i, src[i], back[i])
		}
	}
}

func TestDotQ80Q80MatchesF32(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n := 96
	a := make([]float32, n)
	b := make([]float32, n)
	var want float64
	for i := range a {
		a[i] = rng.Float32() - 0.5
		b[i] = rng.Float32() - 0.5
		want += float64(a[i]) * float64(b[i])
	}
	pa := make([]byte, n/QK80*BlockQ80Bytes)
	pb := make([]byte, n/QK80*BlockQ80Bytes)
	QuantizeQ80(pa, a, n)
	QuantizeQ80(pb, b, n)
	got := DotQ80Q80(pa, pb, n/QK80)
	if math.Abs(float64(got)-want) > 0.05 {
		t.Fatalf("dot = %f, want %f", got, want)
	}
}

func TestDequantizeQ40KnownBlock(t *testing.T) {
	// One block with scale 1.0 and all nibbles 8 decodes to zeros.
	block := make([]byte, BlockQ40Bytes)
	bits := F32To16(1.0)
	block[0] = byte(bits)
	block[1] = byte(bits >> 8)
	for i := 0; i < QK40/2; i++ {
		block[2+i] = 0x88
	}
	out := make([]float32, QK40)
	DequantizeQ40(out, block, QK40)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("element %d = %f, want 0", i, v)
		}
	}
}

func TestF16RoundTrip(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 3.140625} {
		if got := F16To32(F32To16(v)); got != v {
			t.Fatalf("f16 round trip of %f gave %f", v, got)
		}
	}
}
