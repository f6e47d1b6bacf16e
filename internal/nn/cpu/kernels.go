package cpu

import (
	"math"

	"github.com/calderhughes/weft/internal/nn"
	"github.com/calderhughes/weft/pkg/quant"
)

func dotF32(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func softmaxF32(x []float32) {
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - maxVal)))
		sum += x[i]
	}
	if sum == 0 {
		sum = 1
	}
	inv := 1.0 / sum
	for i := range x {
		x[i] *= inv
	}
}

func siluF32(v float32) float32 {
	return v / (1.0 + float32(math.Exp(float64(-v))))
}

func geluF32(v float32) float32 {
	const c = 0.797884560804236 // sqrt(2/pi)
	return 0.5 * v * (1.0 + float32(math.Tanh(float64(c*(v+0.044715*v*v*v)))))
}

// position reads the batch row's position from the positions pipe.
func position(ctx *OpContext, pipeIndex uint32, batchIndex int) int {
	return int(asF32(ctx.Pipes[pipeIndex])[batchIndex])
}

// mergeAddF32 accumulates the per-node chunks of each pipe row into the
// node's residual buffer.
func mergeAddF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	outWidth := ctx.OutputSize.X
	nChunks := ctx.InputSize.X / outWidth
	start, end := threadRange(outWidth, nThreads, threadIndex)
	for b := 0; b < batchSize; b++ {
		in := asF32(ctx.Input[b])
		out := asF32(ctx.Output[b])
		for c := 0; c < nChunks; c++ {
			chunk := in[c*outWidth:]
			for j := start; j < end; j++ {
				out[j] += chunk[j]
			}
		}
	}
}

func mergeAddQ80(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	outWidth := ctx.OutputSize.X
	nChunks := ctx.InputSize.X / outWidth
	start, end := threadRangeAligned(outWidth, quant.QK80, nThreads, threadIndex)
	if start == end {
		return
	}
	tmp := make([]float32, end-start)
	for b := 0; b < batchSize; b++ {
		in := ctx.Input[b]
		out := asF32(ctx.Output[b])
		for c := 0; c < nChunks; c++ {
			chunkBytes := in[nn.Bytes(nn.Q80, c*outWidth+start):]
			quant.DequantizeQ80(tmp, chunkBytes, end-start)
			for j := range tmp {
				out[start+j] += tmp[j]
			}
		}
	}
}

// mergeSumF32 sums the expert planes of a 3D buffer into a 2D one.
func mergeSumF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	nZ := ctx.InputSize.Z
	start, end := threadRange(ctx.OutputSize.X, nThreads, threadIndex)
	for b := 0; b < batchSize; b++ {
		out := asF32(ctx.Output[b])
		for j := start; j < end; j++ {
			out[j] = 0
		}
		for z := 0; z < nZ; z++ {
			in := asF32(ctx.Input[z*ctx.NBatches+b])
			for j := start; j < end; j++ {
				out[j] += in[j]
			}
		}
	}
}

// embeddingF32 copies the token's embedding row into the activation pipe.
func embeddingF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	dim := ctx.OutputSize.X
	weight := asF32(ctx.Weight)
	start, end := threadRange(dim, nThreads, threadIndex)
	for b := 0; b < batchSize; b++ {
		token := int(asF32(ctx.Input[b])[0])
		row := weight[token*dim : (token+1)*dim]
		copy(asF32(ctx.Output[b])[start:end], row[start:end])
	}
}

func invRmsF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	cfg := ctx.Param.(*nn.InvRmsOpConfig)
	nColumns := int(cfg.NColumns)
	colLen := ctx.InputSize.X / nColumns
	bStart, bEnd := threadRange(batchSize, nThreads, threadIndex)
	for b := bStart; b < bEnd; b++ {
		in := asF32(ctx.Input[b])
		out := asF32(ctx.Output[b])
		for col := 0; col < nColumns; col++ {
			seg := in[col*colLen : (col+1)*colLen]
			var sum float32
			for _, v := range seg {
				sum += v * v
			}
			mean := sum / float32(colLen)
			out[col] = 1.0 / float32(math.Sqrt(float64(mean)+float64(cfg.Epsilon)))
		}
	}
}

func rmsNormF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	cfg := ctx.Param.(*nn.RmsNormOpConfig)
	nColumns := int(cfg.NColumns)
	colLen := ctx.InputSize.X / nColumns
	weight := asF32(ctx.Weight)
	invRmsWidth := ctx.BufferConfigs[cfg.InvRmsBufferIndex].Size.X
	invRms := asF32(ctx.Buffers[cfg.InvRmsBufferIndex])
	start, end := threadRange(ctx.InputSize.X, nThreads, threadIndex)
	for b := 0; b < batchSize; b++ {
		in := asF32(ctx.Input[b])
		out := asF32(ctx.Output[b])
		inv := invRms[b*invRmsWidth:]
		for i := start; i < end; i++ {
			col := i / colLen
			out[i] = in[i] * inv[col] * weight[i%len(weight)]
		}
	}
}

// matmulForward resolves the rows of input/output for the dense (2D) and
// expert (3D) variants and invokes dot for every output element.
func matmulForward(nThreads, threadIndex, batchSize int, ctx *OpContext,
	dot func(w []byte, wRowBytes int, row int, in []byte) float32) {
	cfg := ctx.Param.(*nn.MatmulOpConfig)
	d0 := ctx.OutputSize.X
	n := ctx.InputSize.X
	wRowBytes := nn.Bytes(ctx.WeightSize.Type, n)
	rStart, rEnd := threadRange(d0, nThreads, threadIndex)

	if cfg.NExperts == 0 {
		for b := 0; b < batchSize; b++ {
			in := ctx.Input[b]
			out := asF32(ctx.Output[b])
			for r := rStart; r < rEnd; r++ {
				out[r] = dot(ctx.Weight, wRowBytes, r, in)
			}
		}
		return
	}

	indexes := asF32(ctx.Buffers[cfg.ActiveExpertIndexesBufferIndex])
	k := int(cfg.NActiveExperts)
	expertBytes := ctx.WeightSize.NBytesXY
	for z := 0; z < k; z++ {
		for b := 0; b < batchSize; b++ {
			expert := int(indexes[b*k+z])
			weight := ctx.Weight[expert*expertBytes : (expert+1)*expertBytes]
			in := ctx.Input[z*ctx.NBatches+b]
			out := asF32(ctx.Output[z*ctx.NBatches+b])
			for r := rStart; r < rEnd; r++ {
				out[r] = dot(weight, wRowBytes, r, in)
			}
		}
	}
}

func matmulF32F32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	matmulForward(nThreads, threadIndex, batchSize, ctx, func(w []byte, wRowBytes, row int, in []byte) float32 {
		return dotF32(asF32(in), asF32(w[row*wRowBytes:row*wRowBytes+wRowBytes]))
	})
}

func matmulF32Q40(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	n := ctx.InputSize.X
	tmp := make([]float32, n)
	matmulForward(nThreads, threadIndex, batchSize, ctx, func(w []byte, wRowBytes, row int, in []byte) float32 {
		quant.DequantizeQ40(tmp, w[row*wRowBytes:], n)
		return dotF32(asF32(in), tmp)
	})
}

func matmulQ80Q40(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	nBlocks := ctx.InputSize.X / quant.QK80
	matmulForward(nThreads, threadIndex, batchSize, ctx, func(w []byte, wRowBytes, row int, in []byte) float32 {
		return quant.DotQ80Q40(in, w[row*wRowBytes:], nBlocks)
	})
}

func matmulQ80Q80(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	nBlocks := ctx.InputSize.X / quant.QK80
	matmulForward(nThreads, threadIndex, batchSize, ctx, func(w []byte, wRowBytes, row int, in []byte) float32 {
		return quant.DotQ80Q80(in, w[row*wRowBytes:], nBlocks)
	})
}

func matmulQ80F32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	n := ctx.InputSize.X
	tmp := make([]float32, n)
	matmulForward(nThreads, threadIndex, batchSize, ctx, func(w []byte, wRowBytes, row int, in []byte) float32 {
		quant.DequantizeQ80(tmp, in, n)
		return dotF32(tmp, asF32(w[row*wRowBytes:row*wRowBytes+wRowBytes]))
	})
}

func ropeF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	cfg := ctx.Param.(*nn.RopeOpConfig)
	cache := asF32(ctx.Buffers[cfg.RopeCacheBufferIndex])
	bStart, bEnd := threadRange(batchSize, nThreads, threadIndex)
	switch nn.RopeType(cfg.Type) {
	case nn.RopeLlama, nn.RopeLlama31:
		cacheOff := 0
		if cfg.IsQ != 0 {
			cacheOff = int(cfg.QShift)
		}
		for b := bStart; b < bEnd; b++ {
			pos := position(ctx, cfg.PositionPipeIndex, b)
			row := cache[pos*int(cfg.SliceDim)+cacheOff:]
			x := asF32(ctx.Input[b])
			for i := 0; i+1 < len(x); i += 2 {
				fcr := row[i]
				fci := row[i+1]
				v0 := x[i]
				v1 := x[i+1]
				x[i] = v0*fcr - v1*fci
				x[i+1] = v0*fci + v1*fcr
			}
		}
	case nn.RopeFalcon:
		headDim := int(cfg.HeadDim)
		half := headDim / 2
		for b := bStart; b < bEnd; b++ {
			pos := position(ctx, cfg.PositionPipeIndex, b)
			row := cache[pos*headDim:]
			x := asF32(ctx.Input[b])
			for h := 0; h < len(x)/headDim; h++ {
				head := x[h*headDim:]
				for j := 0; j < half; j++ {
					fcr := row[j]
					fci := row[j+half]
					v0 := head[j]
					v1 := head[j+half]
					head[j] = v0*fcr - v1*fci
					head[j+half] = v0*fci + v1*fcr
				}
			}
		}
	}
}

func multiheadAttF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	cfg := ctx.Param.(*nn.MultiheadAttOpConfig)
	headDim := int(cfg.HeadDim)
	nHeads0 := int(cfg.NHeads0)
	kvDim0 := int(cfg.KvDim0)
	seqLen := int(cfg.SeqLen)
	gqa := int(cfg.NHeads / cfg.NKvHeads)
	scale := 1.0 / float32(math.Sqrt(float64(headDim)))

	q := asF32(ctx.Buffers[cfg.QueryBufferIndex])
	keyCache := asF32(ctx.Buffers[cfg.KeyCacheBufferIndex])
	valueCache := asF32(ctx.Buffers[cfg.ValueCacheBufferIndex])
	att := asF32(ctx.Buffers[cfg.AttBufferIndex])
	qWidth := int(cfg.QSliceD0)
	attWidth := ctx.BufferConfigs[cfg.AttBufferIndex].Size.X

	hStart, hEnd := threadRange(nHeads0, nThreads, threadIndex)
	for b := 0; b < batchSize; b++ {
		pos := position(ctx, cfg.PositionPipeIndex, b)
		out := asF32(ctx.Output[b])
		qRow := q[b*qWidth:]
		attRow := att[b*attWidth:]
		for h := hStart; h < hEnd; h++ {
			qv := qRow[h*headDim : (h+1)*headDim]
			kvHead := h / gqa
			scores := attRow[h*seqLen : h*seqLen+pos+1]
			for t := 0; t <= pos; t++ {
				kv := keyCache[t*kvDim0+kvHead*headDim:]
				scores[t] = dotF32(qv, kv[:headDim]) * scale
			}
			softmaxF32(scores)
			dst := out[h*headDim : (h+1)*headDim]
			for d := range dst {
				dst[d] = 0
			}
			for t := 0; t <= pos; t++ {
				vv := valueCache[t*kvDim0+kvHead*headDim:]
				a := scores[t]
				for d := 0; d < headDim; d++ {
					dst[d] += a * vv[d]
				}
			}
		}
	}
}

func siluForward(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	rowsPerBatch := ctx.InputSize.Z
	start, end := threadRange(ctx.InputSize.X, nThreads, threadIndex)
	for z := 0; z < rowsPerBatch; z++ {
		for b := 0; b < batchSize; b++ {
			x := asF32(ctx.Input[z*ctx.NBatches+b])
			for i := start; i < end; i++ {
				x[i] = siluF32(x[i])
			}
		}
	}
}

func geluForward(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	rowsPerBatch := ctx.InputSize.Z
	start, end := threadRange(ctx.InputSize.X, nThreads, threadIndex)
	for z := 0; z < rowsPerBatch; z++ {
		for b := 0; b < batchSize; b++ {
			x := asF32(ctx.Input[z*ctx.NBatches+b])
			for i := start; i < end; i++ {
				x[i] = geluF32(x[i])
			}
		}
	}
}

func mulF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	cfg := ctx.Param.(*nn.MulOpConfig)
	mul := asF32(ctx.Buffers[cfg.MultiplierBufferIndex])
	width := ctx.InputSize.X
	start, end := threadRange(width, nThreads, threadIndex)
	for z := 0; z < ctx.InputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			row := z*ctx.NBatches + b
			x := asF32(ctx.Output[row])
			m := mul[row*width:]
			for i := start; i < end; i++ {
				x[i] *= m[i]
			}
		}
	}
}

func scaleF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	cfg := ctx.Param.(*nn.ScaleOpConfig)
	scales := asF32(ctx.Buffers[cfg.ScaleBufferIndex])
	start, end := threadRange(ctx.InputSize.X, nThreads, threadIndex)
	for z := 0; z < ctx.InputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			row := z*ctx.NBatches + b
			s := scales[row]
			x := asF32(ctx.Output[row])
			for i := start; i < end; i++ {
				x[i] *= s
			}
		}
	}
}

func castCopy(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	width := ctx.OutputSize.X
	start, end := threadRange(width, nThreads, threadIndex)
	for z := 0; z < ctx.OutputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			row := z*ctx.NBatches + b
			in := asF32(ctx.Input[row])
			out := asF32(ctx.Output[row])
			copy(out[start:end], in[start:end])
		}
	}
}

func castF32Q80(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	width := ctx.OutputSize.X
	start, end := threadRangeAligned(width, quant.QK80, nThreads, threadIndex)
	if start == end {
		return
	}
	for z := 0; z < ctx.OutputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			row := z*ctx.NBatches + b
			in := asF32(ctx.Input[row])
			out := ctx.Output[row]
			quant.QuantizeQ80(out[nn.Bytes(nn.Q80, start):], in[start:end], end-start)
		}
	}
}

func castQ80F32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	width := ctx.OutputSize.X
	start, end := threadRangeAligned(width, quant.QK80, nThreads, threadIndex)
	if start == end {
		return
	}
	for z := 0; z < ctx.OutputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			row := z*ctx.NBatches + b
			in := ctx.Input[row]
			out := asF32(ctx.Output[row])
			quant.DequantizeQ80(out[start:end], in[nn.Bytes(nn.Q80, start):], end-start)
		}
	}
}

func repeatZF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	width := ctx.OutputSize.X
	start, end := threadRange(width, nThreads, threadIndex)
	for z := 0; z < ctx.OutputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			in := asF32(ctx.Input[b])
			out := asF32(ctx.Output[z*ctx.NBatches+b])
			copy(out[start:end], in[start:end])
		}
	}
}

func repeatZF32Q80(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	width := ctx.OutputSize.X
	start, end := threadRangeAligned(width, quant.QK80, nThreads, threadIndex)
	if start == end {
		return
	}
	for z := 0; z < ctx.OutputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			in := asF32(ctx.Input[b])
			out := ctx.Output[z*ctx.NBatches+b]
			quant.QuantizeQ80(out[nn.Bytes(nn.Q80, start):], in[start:end], end-start)
		}
	}
}

// shiftF32 appends each batch row into the KV cache at its position.
func shiftF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	cfg := ctx.Param.(*nn.ShiftOpConfig)
	width := ctx.InputSize.X
	cache := asF32(ctx.Output[0])
	bStart, bEnd := threadRange(batchSize, nThreads, threadIndex)
	for b := bStart; b < bEnd; b++ {
		pos := position(ctx, cfg.IndexPipeIndex, b)
		copy(cache[pos*width:(pos+1)*width], asF32(ctx.Input[b])[:width])
	}
}

func softmaxForward(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	bStart, bEnd := threadRange(batchSize, nThreads, threadIndex)
	for b := bStart; b < bEnd; b++ {
		softmaxF32(asF32(ctx.Input[b]))
	}
}

// moeGateF32 selects the top-k experts per batch row, records their
// indexes, and emits the (optionally renormalized) gate scores.
func moeGateF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	if threadIndex != 0 {
		return
	}
	cfg := ctx.Param.(*nn.MoeGateOpConfig)
	k := int(cfg.K)
	indexes := asF32(ctx.Buffers[cfg.IndexesBufferIndex])
	for b := 0; b < batchSize; b++ {
		probs := asF32(ctx.Input[b])
		taken := make([]bool, len(probs))
		var sum float32
		picked := make([]int, k)
		scores := make([]float32, k)
		for z := 0; z < k; z++ {
			best := -1
			for e := range probs {
				if taken[e] {
					continue
				}
				if best < 0 || probs[e] > probs[best] {
					best = e
				}
			}
			taken[best] = true
			picked[z] = best
			scores[z] = probs[best]
			sum += probs[best]
		}
		if cfg.NormTopk != 0 && sum > 0 {
			for z := range scores {
				scores[z] /= sum
			}
		}
		for z := 0; z < k; z++ {
			indexes[b*k+z] = float32(picked[z])
			asF32(ctx.Output[z*ctx.NBatches+b])[0] = scores[z]
		}
	}
}
