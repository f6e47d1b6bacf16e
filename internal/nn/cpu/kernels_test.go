package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/calderhughes/weft/internal/executor"
	"github.com/calderhughes/weft/internal/nn"
	"github.com/calderhughes/weft/pkg/quant"
)

func f32buf(n int) []byte {
	return executor.AllocAligned(n * 4)
}

func rows(buf []byte, nRows, rowBytes int) [][]byte {
	out := make([][]byte, nRows)
	for i := range out {
		out[i] = buf[i*rowBytes : (i+1)*rowBytes]
	}
	return out
}

func fillRand(rng *rand.Rand, b []byte) {
	v := asF32(b)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
}

func TestInvRmsAndRmsNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	n := 64
	in := f32buf(n)
	out := f32buf(n)
	inv := f32buf(1)
	weight := f32buf(n)
	fillRand(rng, in)
	fillRand(rng, weight)

	invCtx := &OpContext{
		Param:     &nn.InvRmsOpConfig{Epsilon: 1e-5, NColumns: 1},
		Input:     [][]byte{in},
		Output:    [][]byte{inv},
		InputSize: nn.Size2D(nn.F32, 1, n),
	}
	invRmsF32(1, 0, 1, invCtx)

	normCtx := &OpContext{
		Param:         &nn.RmsNormOpConfig{InvRmsBufferIndex: 0, NColumns: 1},
		Input:         [][]byte{in},
		Output:        [][]byte{out},
		InputSize:     nn.Size2D(nn.F32, 1, n),
		Weight:        weight,
		Buffers:       [][]byte{inv},
		BufferConfigs: []nn.BufferConfig{{Size: nn.Size2D(nn.F32, 1, 1)}},
	}
	rmsNormF32(1, 0, 1, normCtx)

	x := asF32(in)
	w := asF32(weight)
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	scale := 1.0 / math.Sqrt(sum/float64(n)+1e-5)
	got := asF32(out)
	for i := range got {
		want := float32(float64(x[i]) * scale * float64(w[i]))
		if math.Abs(float64(got[i]-want)) > 1e-5 {
			t.Fatalf("element %d: %f vs %f", i, got[i], want)
		}
	}
}

func matmulRef(in, weight []float32, d0, n int) []float32 {
	out := make([]float32, d0)
	for r := 0; r < d0; r++ {
		var sum float32
		for j := 0; j < n; j++ {
			sum += weight[r*n+j] * in[j]
		}
		out[r] = sum
	}
	return out
}

func TestMatmulF32MatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	n, d0 := 32, 8
	in := f32buf(n)
	out := f32buf(d0)
	weight := f32buf(n * d0)
	fillRand(rng, in)
	fillRand(rng, weight)

	ctx := &OpContext{
		Param:      &nn.MatmulOpConfig{},
		Input:      [][]byte{in},
		Output:     [][]byte{out},
		InputSize:  nn.Size2D(nn.F32, 1, n),
		OutputSize: nn.Size2D(nn.F32, 1, d0),
		WeightSize: nn.Size2D(nn.F32, n, d0),
		Weight:     weight,
		NBatches:   1,
	}
	matmulF32F32(1, 0, 1, ctx)

	want := matmulRef(asF32(in), asF32(weight), d0, n)
	got := asF32(out)
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Fatalf("row %d: %f vs %f", i, got[i], want[i])
		}
	}
}

func TestMatmulQ80Q40TracksF32(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n, d0 := 64, 4

	// Arbitrary valid Q40 blocks serve as the weights; their dequantized
	// form is the reference.
	wq := make([]byte, d0*n/quant.QK40*quant.BlockQ40Bytes)
	for i := range wq {
		wq[i] = byte(rng.Intn(256))
	}
	// Random bytes in the f16 scale slots decode to arbitrary magnitudes
	// (or NaN); give every block a small finite scale instead.
	for b := 0; b < len(wq); b += quant.BlockQ40Bytes {
		bits := quant.F32To16(rng.Float32() * 0.1)
		wq[b] = byte(bits)
		wq[b+1] = byte(bits >> 8)
	}
	wf := make([]float32, d0*n)
	quant.DequantizeQ40(wf, wq, d0*n)

	xf := make([]float32, n)
	for i := range xf {
		xf[i] = rng.Float32() - 0.5
	}
	xq := make([]byte, n/quant.QK80*quant.BlockQ80Bytes)
	quant.QuantizeQ80(xq, xf, n)

	out := f32buf(d0)
	ctx := &OpContext{
		Param:      &nn.MatmulOpConfig{},
		Input:      [][]byte{xq},
		Output:     [][]byte{out},
		InputSize:  nn.Size2D(nn.Q80, 1, n),
		OutputSize: nn.Size2D(nn.F32, 1, d0),
		WeightSize: nn.Size2D(nn.Q40, n, d0),
		Weight:     wq,
		NBatches:   1,
	}
	matmulQ80Q40(1, 0, 1, ctx)

	want := matmulRef(xf, wf, d0, n)
	got := asF32(out)
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 0.5 {
			t.Fatalf("row %d: %f vs %f", i, got[i], want[i])
		}
	}
}

func TestMergeAddAccumulates(t *testing.T) {
	// Input row of two chunks [1..4][10..40] added into a residual of ones.
	in := f32buf(8)
	out := f32buf(4)
	iv := asF32(in)
	ov := asF32(out)
	for i := 0; i < 4; i++ {
		iv[i] = float32(i + 1)
		iv[4+i] = float32((i + 1) * 10)
		ov[i] = 1
	}
	ctx := &OpContext{
		Input:      [][]byte{in},
		Output:     [][]byte{out},
		InputSize:  nn.Size2D(nn.F32, 1, 8),
		OutputSize: nn.Size2D(nn.F32, 1, 4),
	}
	mergeAddF32(1, 0, 1, ctx)
	for i := 0; i < 4; i++ {
		want := 1 + float32(i+1) + float32((i+1)*10)
		if ov[i] != want {
			t.Fatalf("element %d = %f, want %f", i, ov[i], want)
		}
	}
}

func TestCastQ80RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n := 64
	in := f32buf(n)
	fillRand(rng, in)
	packed := make([]byte, n/quant.QK80*quant.BlockQ80Bytes)
	back := f32buf(n)

	down := &OpContext{
		Input:      [][]byte{in},
		Output:     [][]byte{packed},
		InputSize:  nn.Size2D(nn.F32, 1, n),
		OutputSize: nn.Size2D(nn.Q80, 1, n),
		NBatches:   1,
	}
	castF32Q80(1, 0, 1, down)
	up := &OpContext{
		Input:      [][]byte{packed},
		Output:     [][]byte{back},
		InputSize:  nn.Size2D(nn.Q80, 1, n),
		OutputSize: nn.Size2D(nn.F32, 1, n),
		NBatches:   1,
	}
	castQ80F32(1, 0, 1, up)

	a, b := asF32(in), asF32(back)
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 0.01 {
			t.Fatalf("element %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestMultiheadAttPositionZeroReturnsValue(t *testing.T) {
	headDim := 8
	seqLen := 4
	pos := f32buf(1)
	q := f32buf(headDim)
	k := f32buf(seqLen * headDim)
	v := f32buf(seqLen * headDim)
	att := f32buf(seqLen)
	out := f32buf(headDim)

	qv := asF32(q)
	kv := asF32(k)
	vv := asF32(v)
	for i := 0; i < headDim; i++ {
		qv[i] = 1
		kv[i] = 1
		vv[i] = float32(i) + 0.5
	}

	ctx := &OpContext{
		Param: &nn.MultiheadAttOpConfig{
			NHeads: 1, NHeads0: 1, NKvHeads: 1,
			HeadDim: uint32(headDim), SeqLen: uint32(seqLen),
			QSliceD0: uint32(headDim), KvDim0: uint32(headDim),
			PositionPipeIndex: 0, QueryBufferIndex: 1,
			KeyCacheBufferIndex: 2, ValueCacheBufferIndex: 3, AttBufferIndex: 4,
		},
		Output:        [][]byte{out},
		Pipes:         [][]byte{pos},
		Buffers:       [][]byte{nil, q, k, v, att},
		BufferConfigs: []nn.BufferConfig{{}, {}, {}, {}, {Size: nn.Size2D(nn.F32, 1, seqLen)}},
	}
	multiheadAttF32(1, 0, 1, ctx)

	got := asF32(out)
	for i := 0; i < headDim; i++ {
		if math.Abs(float64(got[i]-(float32(i)+0.5))) > 1e-6 {
			t.Fatalf("attention at position 0 must return v[0], got %v", got)
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	in := f32buf(16)
	fillRand(rand.New(rand.NewSource(5)), in)
	ctx := &OpContext{Input: [][]byte{in}}
	softmaxForward(1, 0, 1, ctx)
	var sum float64
	for _, v := range asF32(in) {
		if v < 0 {
			t.Fatalf("negative probability %f", v)
		}
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("probabilities sum to %f", sum)
	}
}

func TestShiftWritesAtPosition(t *testing.T) {
	width := 4
	pos := f32buf(1)
	asF32(pos)[0] = 2
	in := f32buf(width)
	cache := f32buf(8 * width)
	for i := range asF32(in) {
		asF32(in)[i] = float32(i + 1)
	}
	ctx := &OpContext{
		Param:     &nn.ShiftOpConfig{IndexPipeIndex: 0},
		Input:     [][]byte{in},
		Output:    [][]byte{cache},
		InputSize: nn.Size2D(nn.F32, 1, width),
		Pipes:     [][]byte{pos},
	}
	shiftF32(1, 0, 1, ctx)
	cacheView := asF32(cache)
	for i := 0; i < width; i++ {
		if cacheView[2*width+i] != float32(i+1) {
			t.Fatalf("cache row 2 = %v", cacheView[2*width:3*width])
		}
	}
	if cacheView[0] != 0 || cacheView[width] != 0 {
		t.Fatal("rows before the position must stay untouched")
	}
}

func TestMoeGatePicksTopExperts(t *testing.T) {
	nExperts, k := 4, 2
	gt := f32buf(nExperts)
	probs := asF32(gt)
	probs[0] = 0.1
	probs[1] = 0.4
	probs[2] = 0.2
	probs[3] = 0.3
	indexes := f32buf(k)
	s0 := f32buf(1)
	s1 := f32buf(1)

	ctx := &OpContext{
		Param:    &nn.MoeGateOpConfig{K: uint32(k), NormTopk: 1, IndexesBufferIndex: 0},
		Input:    [][]byte{gt},
		Output:   [][]byte{s0, s1},
		Buffers:  [][]byte{indexes},
		NBatches: 1,
	}
	moeGateF32(1, 0, 1, ctx)

	ix := asF32(indexes)
	if int(ix[0]) != 1 || int(ix[1]) != 3 {
		t.Fatalf("picked experts %v, want [1 3]", ix)
	}
	total := asF32(s0)[0] + asF32(s1)[0]
	if math.Abs(float64(total)-1) > 1e-6 {
		t.Fatalf("normalized scores sum to %f", total)
	}
}
