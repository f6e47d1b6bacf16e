package nn

import "fmt"

// DimSplit partitions a dimension over peers. Starts[0] is always 0, each
// start is the previous start plus length, and the lengths sum to the
// dimension being split.
type DimSplit struct {
	Starts  []int
	Lengths []int
}

// Total returns the sum of all lengths.
func (s *DimSplit) Total() int {
	total := 0
	for _, l := range s.Lengths {
		total += l
	}
	return total
}

// KvCacheSlice is one node's share of the KV cache.
type KvCacheSlice struct {
	KvStart   int
	KvLen     int
	KeySize   Size3D
	ValueSize Size3D
}

// SliceKvCache maps the node's KV-head assignment to cache dimensions.
func SliceKvCache(seqLen, headDim int, plan *PartitionPlan, nodeIndex int) KvCacheSlice {
	kvStart := plan.KvHeadSplit.Starts[nodeIndex] * headDim
	kvLen := plan.KvHeadSplit.Lengths[nodeIndex] * headDim
	return KvCacheSlice{
		KvStart:   kvStart,
		KvLen:     kvLen,
		KeySize:   Size2D(F32, seqLen, kvLen),
		ValueSize: Size2D(F32, seqLen, kvLen),
	}
}

// RowMatmulSlice partitions the output dimension of a matmul: the node owns
// rows [InStart, InStart+InLen) of the global weight.
type RowMatmulSlice struct {
	Type      FloatType
	InStart   int
	InLen     int
	D0        int
	N         int
	Size      Size3D
	SliceSize Size3D
}

// SliceRowMatmulHeads slices a head-partitioned projection (Q, K, or V)
// using the given head split scaled by headDim.
func SliceRowMatmulHeads(t FloatType, globalIn, headDim int, split *DimSplit, globalOut, nodeIndex int) RowMatmulSlice {
	inStart := split.Starts[nodeIndex] * headDim
	inLen := split.Lengths[nodeIndex] * headDim
	return RowMatmulSlice{
		Type:      t,
		InStart:   inStart,
		InLen:     inLen,
		D0:        inLen,
		N:         globalIn,
		Size:      Size2D(t, globalIn, globalOut),
		SliceSize: Size2D(t, globalIn, inLen),
	}
}

// SliceRowMatmulFfn slices W1/W3 by the plan's FFN split.
func SliceRowMatmulFfn(t FloatType, globalIn, ffnDim int, plan *PartitionPlan, nodeIndex int) RowMatmulSlice {
	inStart := plan.FfnSplit.Starts[nodeIndex]
	inLen := plan.FfnSplit.Lengths[nodeIndex]
	return RowMatmulSlice{
		Type:      t,
		InStart:   inStart,
		InLen:     inLen,
		D0:        inLen,
		N:         globalIn,
		Size:      Size2D(t, globalIn, ffnDim),
		SliceSize: Size2D(t, globalIn, inLen),
	}
}

// SliceRowMatmulVocab slices the classifier by the plan's vocab split.
func SliceRowMatmulVocab(t FloatType, globalIn, vocabSize int, plan *PartitionPlan, nodeIndex int) RowMatmulSlice {
	inStart := plan.VocabSplit.Starts[nodeIndex]
	inLen := plan.VocabSplit.Lengths[nodeIndex]
	return RowMatmulSlice{
		Type:      t,
		InStart:   inStart,
		InLen:     inLen,
		D0:        inLen,
		N:         globalIn,
		Size:      Size2D(t, globalIn, vocabSize),
		SliceSize: Size2D(t, globalIn, inLen),
	}
}

// ColMatmulSlice partitions the input dimension of a matmul so that the
// per-node partial outputs sum across peers: the node owns input columns
// [OutStart, OutStart+OutLen).
type ColMatmulSlice struct {
	Type      FloatType
	OutStart  int
	OutLen    int
	N         int
	N0        int
	D         int
	Size      Size3D
	SliceSize Size3D
}

// SliceColMatmulHeads slices Wo by the plan's head split scaled by headDim.
func SliceColMatmulHeads(t FloatType, globalInQ, globalOut, headDim int, plan *PartitionPlan, nodeIndex int) ColMatmulSlice {
	outStart := plan.HeadSplit.Starts[nodeIndex] * headDim
	outLen := plan.HeadSplit.Lengths[nodeIndex] * headDim
	return ColMatmulSlice{
		Type:      t,
		OutStart:  outStart,
		OutLen:    outLen,
		N:         globalInQ,
		N0:        outLen,
		D:         globalOut,
		Size:      Size2D(t, globalInQ, globalOut),
		SliceSize: Size2D(t, outLen, globalOut),
	}
}

// SliceColMatmulFfn slices W2 by the plan's FFN split.
func SliceColMatmulFfn(t FloatType, ffnDim, globalOut int, plan *PartitionPlan, nodeIndex int) ColMatmulSlice {
	outStart := plan.FfnSplit.Starts[nodeIndex]
	outLen := plan.FfnSplit.Lengths[nodeIndex]
	return ColMatmulSlice{
		Type:      t,
		OutStart:  outStart,
		OutLen:    outLen,
		N:         ffnDim,
		N0:        outLen,
		D:         globalOut,
		Size:      Size2D(t, ffnDim, globalOut),
		SliceSize: Size2D(t, outLen, globalOut),
	}
}

// MultiheadAttSlice is one node's attention scratch layout.
type MultiheadAttSlice struct {
	HeadStart int
	HeadLen   int
	NHeads    int
	NHeads0   int
	AttSize   Size3D
}

// SliceMultiheadAtt maps the node's head assignment to attention scratch.
func SliceMultiheadAtt(nBatches, globalNHeads, seqLen int, plan *PartitionPlan, nodeIndex int) MultiheadAttSlice {
	headStart := plan.HeadSplit.Starts[nodeIndex]
	headLen := plan.HeadSplit.Lengths[nodeIndex]
	return MultiheadAttSlice{
		HeadStart: headStart,
		HeadLen:   headLen,
		NHeads:    globalNHeads,
		NHeads0:   headLen,
		AttSize:   Size2D(F32, nBatches, headLen*seqLen),
	}
}

// RopeSlice is one node's rotary-embedding window. For the Llama families
// the cache covers [KvDimStart, QDimStart+QDimLen) and SliceDim must be
// even; for Falcon the cache is head-local.
type RopeSlice struct {
	QDimStart  int
	QDimLen    int
	QShift     int
	KvDim      int
	KvDimStart int
	KvDimLen   int
	SliceDim   int
	SeqLen     int
	HeadDim    int
	NKvHeads   int
	RopeTheta  float32
	CacheSize  Size3D
}

// SliceRope derives the node's rope window from the plan's head and KV-head
// splits.
func SliceRope(ropeType RopeType, seqLen, globalKvDim, globalNKvHeads, headDim int, ropeTheta float32, plan *PartitionPlan, nodeIndex int) (RopeSlice, error) {
	s := RopeSlice{
		QDimStart:  plan.HeadSplit.Starts[nodeIndex] * headDim,
		QDimLen:    plan.HeadSplit.Lengths[nodeIndex] * headDim,
		KvDimStart: plan.KvHeadSplit.Starts[nodeIndex] * headDim,
		KvDimLen:   plan.KvHeadSplit.Lengths[nodeIndex] * headDim,
		KvDim:      globalKvDim,
		NKvHeads:   globalNKvHeads,
		SeqLen:     seqLen,
		HeadDim:    headDim,
		RopeTheta:  ropeTheta,
	}
	switch ropeType {
	case RopeLlama, RopeLlama31:
		s.QShift = s.QDimStart - s.KvDimStart
		qDimEnd := s.QDimStart + s.QDimLen
		s.SliceDim = qDimEnd - s.KvDimStart
		if s.SliceDim%2 != 0 {
			return RopeSlice{}, fmt.Errorf("rope slice dim must be even, got %d for node %d", s.SliceDim, nodeIndex)
		}
		s.CacheSize = Size2D(F32, seqLen, s.SliceDim)
	case RopeFalcon:
		s.SliceDim = headDim
		s.CacheSize = Size2D(F32, seqLen, headDim)
	default:
		return RopeSlice{}, fmt.Errorf("unsupported rope type: %s", ropeType)
	}
	return s, nil
}

// SplitRowMatmulWeight copies the node's contiguous row range from the full
// weight into dst and returns the copied byte count. Row slices are
// contiguous on disk, so this is a single copy.
func SplitRowMatmulWeight(s *RowMatmulSlice, weight, dst []byte) (int, error) {
	blockSize := BlockSize(s.Type)
	if s.N%blockSize != 0 {
		return 0, fmt.Errorf("row split: global input dim %d is not %s block aligned", s.N, s.Type)
	}
	rowBytes := Bytes(s.Type, s.N)
	offset := s.InStart * rowBytes
	total := s.InLen * rowBytes
	if offset+total > len(weight) {
		return 0, fmt.Errorf("row split %q overruns weight: need %d bytes at %d, have %d", s.Type, total, offset, len(weight))
	}
	copy(dst[:total], weight[offset:offset+total])
	return total, nil
}

// SplitColMatmulWeight gathers the node's column stripe from every output
// row of the full weight into dst and returns the copied byte count.
func SplitColMatmulWeight(s *ColMatmulSlice, weight, dst []byte) (int, error) {
	blockSize := BlockSize(s.Type)
	if s.OutLen%blockSize != 0 || s.OutStart%blockSize != 0 || s.N%blockSize != 0 {
		return 0, fmt.Errorf("col split: bounds %d+%d of %d are not %s block aligned", s.OutStart, s.OutLen, s.N, s.Type)
	}
	rowBytes := Bytes(s.Type, s.N)
	row0Bytes := Bytes(s.Type, s.OutLen)
	rowOffsetBytes := Bytes(s.Type, s.OutStart)
	copied := 0
	for d := 0; d < s.D; d++ {
		src := weight[rowBytes*d+rowOffsetBytes:]
		copy(dst[row0Bytes*d:row0Bytes*(d+1)], src[:row0Bytes])
		copied += row0Bytes
	}
	return copied, nil
}
