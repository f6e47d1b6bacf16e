package model

import (
	"fmt"

	"github.com/calderhughes/weft/internal/nn"
)

// Net is the compiled dataflow graph: the net-global pipe registry plus one
// NodeConfig per node, together with the global tensor sizes the weight
// loaders walk.
type Net struct {
	Header *Header
	Plan   *nn.PartitionPlan

	NetConfig   nn.NetConfig
	NodeConfigs []nn.NodeConfig

	TokenEmbeddingSize nn.Size3D
	RmsNormSize        nn.Size3D
	QkRmsNormSize      nn.Size3D
	MoeGateSize        nn.Size3D

	PositionPipeIndex int
	TokenPipeIndex    int
	XPipeIndex        int
	LogitsPipeIndex   int
	ZqPipeIndex       int
}

// UniformStageDefs builds the trivial single-stage, equal-ratio stage list
// used when no ratios are given.
func UniformStageDefs(nNodes, nLayers int) []nn.StageDef {
	ratios := make([]float64, nNodes)
	for i := range ratios {
		ratios[i] = 1
	}
	return []nn.StageDef{{NLayers: nLayers, TpRatios: ratios}}
}

// BuildNet compiles the per-node operator DAG against the plan. Every node
// gets the fixed segment schema: start (embedding on the owner), an
// optional pipeline receive, per-layer attention and FFN segments sized to
// the node's slices, an optional pipeline send, the classifier tail on the
// last stage, and a logits wait on a root that is not on the last stage.
func BuildNet(h *Header, nBatches int, plan *nn.PartitionPlan) (*Net, error) {
	nNodes := plan.NNodes
	n := &Net{
		Header:             h,
		Plan:               plan,
		TokenEmbeddingSize: nn.Size2D(nn.F32, h.VocabSize, h.Dim),
		RmsNormSize:        nn.Size1D(nn.F32, h.Dim),
		QkRmsNormSize:      nn.Size1D(nn.F32, h.HeadDim),
		MoeGateSize:        nn.Size2D(nn.F32, h.Dim, h.NExperts),
	}

	netBuilder := nn.NewNetConfigBuilder(nNodes, nBatches)
	n.PositionPipeIndex = netBuilder.AddPipe("POS", nn.Size2D(nn.F32, nBatches, 1))
	n.TokenPipeIndex = netBuilder.AddPipe("TOK", nn.Size2D(nn.F32, nBatches, 1))
	n.XPipeIndex = netBuilder.AddPipe("X", nn.Size2D(nn.F32, nBatches, h.Dim))
	n.LogitsPipeIndex = netBuilder.AddPipe("LG", nn.Size2D(nn.F32, nBatches, h.VocabSize))
	// ZQ is sized for the worst case of any split so the same pipe can hold
	// every tensor-parallel scatter without rebinding.
	n.ZqPipeIndex = netBuilder.AddPipe("ZQ", nn.Size2D(h.SyncType, nBatches, h.Dim*nNodes))
	netBuilder.AddPreSync(n.PositionPipeIndex)
	n.NetConfig = netBuilder.Build()

	n.NodeConfigs = make([]nn.NodeConfig, nNodes)
	for nodeIndex := 0; nodeIndex < nNodes; nodeIndex++ {
		stage := plan.StageForNode(nodeIndex)
		if stage == nil {
			return nil, fmt.Errorf("node %d is not covered by the partition plan", nodeIndex)
		}
		nodeConfig, err := buildNode(h, n, plan, nBatches, nodeIndex, stage)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", nodeIndex, err)
		}
		nodeConfig.Plan = plan
		n.NodeConfigs[nodeIndex] = nodeConfig
	}
	return n, nil
}

func buildNode(h *Header, n *Net, plan *nn.PartitionPlan, nBatches, nodeIndex int, stage *nn.StageConfig) (nn.NodeConfig, error) {
	nExpertsOr1 := max(h.NExperts, 1)
	nActiveExpertsOr1 := max(h.NActiveExperts, 1)
	isFirstStage := stage.StageIndex == 0
	isLastStage := stage.StageIndex == plan.NStages-1
	singleInStage := len(stage.NodeIndices) == 1

	kvCacheSlice := nn.SliceKvCache(h.SeqLen, h.HeadDim, plan, nodeIndex)
	attSlice := nn.SliceMultiheadAtt(nBatches, h.NHeads, h.SeqLen, plan, nodeIndex)

	qSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.HeadSplit, h.QDim, nodeIndex)
	kSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, nodeIndex)
	vSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, nodeIndex)
	woSlice := nn.SliceColMatmulHeads(h.WeightType, h.QDim, h.Dim, h.HeadDim, plan, nodeIndex)

	w1Slice := nn.SliceRowMatmulFfn(h.WeightType, h.Dim, h.FfnDim(), plan, nodeIndex)
	w2Slice := nn.SliceColMatmulFfn(h.WeightType, h.FfnDim(), h.Dim, plan, nodeIndex)
	w3Slice := nn.SliceRowMatmulFfn(h.WeightType, h.Dim, h.FfnDim(), plan, nodeIndex)
	wclsSlice := nn.SliceRowMatmulVocab(h.WeightType, h.Dim, h.VocabSize, plan, nodeIndex)

	ropeSlice, err := nn.SliceRope(h.RopeType, h.SeqLen, h.KvDim, h.NKvHeads, h.HeadDim, h.RopeTheta, plan, nodeIndex)
	if err != nil {
		return nn.NodeConfig{}, err
	}

	isQwen := h.ArchType == ArchQwen3 || h.ArchType == ArchQwen3Moe
	nQNormColumns, nKNormColumns, nInvBufferColumns := 1, 1, 1
	if isQwen {
		if qSlice.InLen%h.HeadDim != 0 || kSlice.InLen%h.HeadDim != 0 {
			return nn.NodeConfig{}, fmt.Errorf("q/k slice (%d/%d) is not head aligned", qSlice.InLen, kSlice.InLen)
		}
		nQNormColumns = qSlice.InLen / h.HeadDim
		nKNormColumns = kSlice.InLen / h.HeadDim
		nInvBufferColumns = max(nQNormColumns, nKNormColumns)
	}

	b := nn.NewNodeConfigBuilder(nodeIndex)

	xBuffer := b.AddBuffer("x", nn.Size2D(nn.F32, nBatches, h.Dim))
	yBuffer := b.AddBuffer("y", nn.Size2D(nn.F32, nBatches, h.Dim))
	yqBuffer := yBuffer
	if h.SyncType != nn.F32 {
		yqBuffer = b.AddBuffer("q_y", nn.Size2D(h.SyncType, nBatches, h.Dim))
	}
	mhaOutBuffer := b.AddBuffer("mha_out", nn.Size2D(nn.F32, nBatches, qSlice.InLen))
	mhaOutQBuffer := mhaOutBuffer
	if h.SyncType != nn.F32 {
		mhaOutQBuffer = b.AddBuffer("q_mha_out", nn.Size2D(h.SyncType, nBatches, qSlice.InLen))
	}
	qBuffer := b.AddBuffer("q", nn.Size2D(nn.F32, nBatches, qSlice.InLen))
	kTempBuffer := b.AddBuffer("k_temp", nn.Size2D(nn.F32, nBatches, kSlice.InLen))
	vTempBuffer := b.AddBuffer("v_temp", nn.Size2D(nn.F32, nBatches, vSlice.InLen))
	invRmsBuffer := b.AddBuffer("inv_rms", nn.Size2D(nn.F32, nBatches, nInvBufferColumns))
	ropeCacheBuffer := b.AddBuffer("rope_cache", ropeSlice.CacheSize)
	attBuffer := b.AddBuffer("att", attSlice.AttSize)
	logitsSliceBuffer := b.AddBuffer("lg", nn.Size2D(nn.F32, nBatches, wclsSlice.InLen))

	dBuffer := b.AddBuffer("d", nn.Size2D(nn.F32, nBatches, w1Slice.InLen))
	dqBuffer := dBuffer
	if h.SyncType != nn.F32 {
		dqBuffer = b.AddBuffer("q_d", nn.Size2D(h.SyncType, nBatches, w1Slice.InLen))
	}
	lBuffer := b.AddBuffer("l", nn.Size2D(nn.F32, nBatches, w3Slice.InLen))

	moeGtBuffer := b.AddBuffer("gt", nn.Size2D(nn.F32, nBatches, nExpertsOr1))
	moeExpertIndexesBuffer := b.AddBuffer("act_exp_ix", nn.Size2D(nn.F32, nBatches, nActiveExpertsOr1))
	moeYBuffer := b.AddBuffer("moe_y", nn.NewSize3D(nn.F32, nActiveExpertsOr1, nBatches, h.Dim))
	moeYqBuffer := moeYBuffer
	if h.SyncType != nn.F32 {
		moeYqBuffer = b.AddBuffer("q_moe_y", nn.NewSize3D(h.SyncType, nActiveExpertsOr1, nBatches, h.Dim))
	}
	moeDBuffer := b.AddBuffer("moe_d", nn.NewSize3D(nn.F32, nActiveExpertsOr1, nBatches, w1Slice.InLen))
	moeDQBuffer := moeDBuffer
	if h.SyncType != nn.F32 {
		moeDQBuffer = b.AddBuffer("q_moe_d", nn.NewSize3D(h.SyncType, nActiveExpertsOr1, nBatches, w1Slice.InLen))
	}
	moeLBuffer := b.AddBuffer("moe_l", nn.NewSize3D(nn.F32, nActiveExpertsOr1, nBatches, w3Slice.InLen))
	moeSBuffer := b.AddBuffer("moe_s", nn.NewSize3D(nn.F32, nActiveExpertsOr1, nBatches, 1))

	ropeConfig := func(isQ bool) nn.RopeOpConfig {
		cfg := nn.RopeOpConfig{
			Type:                  int32(h.RopeType),
			PositionPipeIndex:     uint32(n.PositionPipeIndex),
			RopeCacheBufferIndex:  uint32(ropeCacheBuffer),
			ScalingFactor:         h.RopeScalingFactor,
			ScalingLowFreqFactor:  h.RopeScalingLowFreqFactor,
			ScalingHighFreqFactor: h.RopeScalingHighFreqFactor,
			ScalingOrigMaxSeqLen:  uint32(h.RopeScalingOrigMaxSeqLen),
			QDimStart:             uint32(ropeSlice.QDimStart),
			QDimLen:               uint32(ropeSlice.QDimLen),
			QShift:                uint32(ropeSlice.QShift),
			KvDimStart:            uint32(ropeSlice.KvDimStart),
			KvDimLen:              uint32(ropeSlice.KvDimLen),
			SliceDim:              uint32(ropeSlice.SliceDim),
			SeqLen:                uint32(h.SeqLen),
			HeadDim:               uint32(h.HeadDim),
			RopeTheta:             h.RopeTheta,
		}
		if isQ {
			cfg.IsQ = 1
		}
		return cfg
	}
	denseMatmul := nn.MatmulOpConfig{ActiveExpertIndexesBufferIndex: uint32(moeExpertIndexesBuffer)}
	expertMatmul := nn.MatmulOpConfig{
		NExperts:                       uint32(h.NExperts),
		NActiveExperts:                 uint32(h.NActiveExperts),
		ActiveExpertIndexesBufferIndex: uint32(moeExpertIndexesBuffer),
	}

	// Start segment: the embedding owner fills X, then the stage shares it.
	var start nn.SegmentBuilder
	if isFirstStage && nodeIndex == 0 {
		start.AddOp(nn.OpEmbedding, "embedding", 0,
			nn.PointerBatch(nn.SrcPipe, n.TokenPipeIndex),
			nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
			n.TokenEmbeddingSize, nil)
	}
	if isFirstStage {
		start.AddSync(n.XPipeIndex, nn.SyncWithRoot)
	}
	b.AddSegment(start.Build())

	if !isFirstStage {
		// The stage root receives X from the previous stage, then fans it
		// out to its tensor-parallel peers.
		var ppRecv nn.SegmentBuilder
		ppRecv.AddSync(n.XPipeIndex, nn.SyncPpRecv)
		ppRecv.AddSync(n.XPipeIndex, nn.SyncWithRoot)
		b.AddSegment(ppRecv.Build())
	}

	for layerIndex := stage.StartLayer; layerIndex < stage.EndLayer; layerIndex++ {
		kBuffer := b.AddBuffer("k", kvCacheSlice.KeySize)
		vBuffer := b.AddBuffer("v", kvCacheSlice.ValueSize)

		var att, ff nn.SegmentBuilder

		switch {
		case layerIndex == 0:
			att.AddOp(nn.OpCast, "block_cast_x", layerIndex,
				nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
				nn.PointerBatch(nn.SrcBuffer, xBuffer),
				nn.Size0(), nil)
		case layerIndex == stage.StartLayer && !isFirstStage:
			att.AddOp(nn.OpCast, "block_cast_x_pp", layerIndex,
				nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
				nn.PointerBatch(nn.SrcBuffer, xBuffer),
				nn.Size0(), nil)
		default:
			att.AddOp(nn.OpMergeAdd, "block_merge_add", layerIndex,
				nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
				nn.PointerBatch(nn.SrcBuffer, xBuffer),
				nn.Size0(), nil)
		}

		att.AddOp(nn.OpInvRms, "block_norm_pre_0", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
			nn.Size0(), nn.InvRmsOpConfig{Epsilon: h.NormEpsilon, NColumns: 1})
		att.AddOp(nn.OpRmsNorm, "block_norm_0", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			n.RmsNormSize, nn.RmsNormOpConfig{InvRmsBufferIndex: uint32(invRmsBuffer), NColumns: 1})
		if yBuffer != yqBuffer {
			att.AddOp(nn.OpCast, "block_cast_y", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, yqBuffer),
				nn.Size0(), nil)
		}
		att.AddOp(nn.OpMatmul, "block_matmul_q", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yqBuffer),
			nn.PointerBatch(nn.SrcBuffer, qBuffer),
			qSlice.SliceSize, denseMatmul)
		att.AddOp(nn.OpMatmul, "block_matmul_k", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yqBuffer),
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			kSlice.SliceSize, denseMatmul)
		att.AddOp(nn.OpMatmul, "block_matmul_v", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yqBuffer),
			nn.PointerBatch(nn.SrcBuffer, vTempBuffer),
			vSlice.SliceSize, denseMatmul)

		if isQwen {
			att.AddOp(nn.OpInvRms, "block_norm_pre_q", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, qBuffer),
				nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
				nn.Size0(), nn.InvRmsOpConfig{Epsilon: h.NormEpsilon, NColumns: uint32(nQNormColumns)})
			att.AddOp(nn.OpRmsNorm, "block_norm_q", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, qBuffer),
				nn.PointerBatch(nn.SrcBuffer, qBuffer),
				n.QkRmsNormSize, nn.RmsNormOpConfig{InvRmsBufferIndex: uint32(invRmsBuffer), NColumns: uint32(nQNormColumns)})
			att.AddOp(nn.OpInvRms, "block_norm_pre_k", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
				nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
				nn.Size0(), nn.InvRmsOpConfig{Epsilon: h.NormEpsilon, NColumns: uint32(nKNormColumns)})
			att.AddOp(nn.OpRmsNorm, "block_norm_k", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
				nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
				n.QkRmsNormSize, nn.RmsNormOpConfig{InvRmsBufferIndex: uint32(invRmsBuffer), NColumns: uint32(nKNormColumns)})
		}

		att.AddOp(nn.OpRope, "block_rope_q", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, qBuffer),
			nn.PointerBatch(nn.SrcBuffer, qBuffer),
			nn.Size0(), ropeConfig(true))
		att.AddOp(nn.OpRope, "block_rope_k", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			nn.Size0(), ropeConfig(false))
		att.AddOp(nn.OpShift, "block_shift_k", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			nn.PointerRaw(nn.SrcBuffer, kBuffer),
			nn.Size0(), nn.ShiftOpConfig{IndexPipeIndex: uint32(n.PositionPipeIndex)})
		att.AddOp(nn.OpShift, "block_shift_v", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, vTempBuffer),
			nn.PointerRaw(nn.SrcBuffer, vBuffer),
			nn.Size0(), nn.ShiftOpConfig{IndexPipeIndex: uint32(n.PositionPipeIndex)})
		att.AddOp(nn.OpMultiheadAtt, "block_multihead_att", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, mhaOutBuffer),
			nn.PointerBatch(nn.SrcBuffer, mhaOutBuffer),
			nn.Size0(), nn.MultiheadAttOpConfig{
				NHeads:                uint32(attSlice.NHeads),
				NHeads0:               uint32(attSlice.NHeads0),
				NKvHeads:              uint32(h.NKvHeads),
				HeadDim:               uint32(h.HeadDim),
				SeqLen:                uint32(h.SeqLen),
				QSliceD0:              uint32(qSlice.InLen),
				KvDim0:                uint32(kvCacheSlice.KvLen),
				PositionPipeIndex:     uint32(n.PositionPipeIndex),
				QueryBufferIndex:      uint32(qBuffer),
				KeyCacheBufferIndex:   uint32(kBuffer),
				ValueCacheBufferIndex: uint32(vBuffer),
				AttBufferIndex:        uint32(attBuffer),
			})
		if mhaOutBuffer != mhaOutQBuffer {
			att.AddOp(nn.OpCast, "block_cast_y2", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, mhaOutBuffer),
				nn.PointerBatch(nn.SrcBuffer, mhaOutQBuffer),
				nn.Size0(), nil)
		}
		att.AddOp(nn.OpMatmul, "block_matmul_wo", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, mhaOutQBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			woSlice.SliceSize, denseMatmul)
		att.AddOp(nn.OpCast, "block_cast_d", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatchedSlice(nn.SrcPipe, n.ZqPipeIndex),
			nn.Size0(), nil)
		if !singleInStage {
			att.AddSync(n.ZqPipeIndex, nn.SyncNodeSlices)
		}

		// FFN segment.
		ff.AddOp(nn.OpMergeAdd, "block_merge_add2", layerIndex,
			nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.Size0(), nil)
		ff.AddOp(nn.OpInvRms, "block_norm_pre_1", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
			nn.Size0(), nn.InvRmsOpConfig{Epsilon: h.NormEpsilon, NColumns: 1})
		ff.AddOp(nn.OpRmsNorm, "block_norm_1", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			n.RmsNormSize, nn.RmsNormOpConfig{InvRmsBufferIndex: uint32(invRmsBuffer), NColumns: 1})

		if h.ArchType == ArchQwen3Moe {
			ff.AddOp(nn.OpRepeatZ, "block_moe_y_repeat", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeYqBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMatmul, "block_moe_gate", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				n.MoeGateSize, denseMatmul)
			ff.AddOp(nn.OpSoftmax, "block_moe_softmax", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMoeGate, "block_moe_gate2", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeSBuffer),
				nn.Size0(), nn.MoeGateOpConfig{
					K:                  uint32(h.NActiveExperts),
					NormTopk:           1,
					IndexesBufferIndex: uint32(moeExpertIndexesBuffer),
				})
			ff.AddOp(nn.OpMatmul, "block_matmul_w1", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYqBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.NewSize3D(h.WeightType, h.NExperts, w1Slice.N, w1Slice.InLen), expertMatmul)
			ff.AddOp(nn.OpMatmul, "block_matmul_w3", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYqBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeLBuffer),
				nn.NewSize3D(h.WeightType, h.NExperts, w3Slice.N, w3Slice.InLen), expertMatmul)
			ff.AddOp(actOpCode(h.HiddenAct), "block_act", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMul, "block_mul", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.Size0(), nn.MulOpConfig{MultiplierBufferIndex: uint32(moeLBuffer)})
			if moeDBuffer != moeDQBuffer {
				ff.AddOp(nn.OpCast, "block_cast_d2", layerIndex,
					nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
					nn.PointerBatch(nn.SrcBuffer, moeDQBuffer),
					nn.Size0(), nil)
			}
			ff.AddOp(nn.OpMatmul, "block_matmul_w2", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeDQBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.NewSize3D(h.WeightType, h.NExperts, w2Slice.N0, w2Slice.D), expertMatmul)
			ff.AddOp(nn.OpScale, "block_moe_scale", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.Size0(), nn.ScaleOpConfig{ScaleBufferIndex: uint32(moeSBuffer)})
			ff.AddOp(nn.OpMergeSum, "block_moe_merge_sum", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.Size0(), nil)
		} else {
			if yBuffer != yqBuffer {
				ff.AddOp(nn.OpCast, "block_cast_y3", layerIndex,
					nn.PointerBatch(nn.SrcBuffer, yBuffer),
					nn.PointerBatch(nn.SrcBuffer, yqBuffer),
					nn.Size0(), nil)
			}
			ff.AddOp(nn.OpMatmul, "block_matmul_w1", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yqBuffer),
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				w1Slice.SliceSize, denseMatmul)
			ff.AddOp(nn.OpMatmul, "block_matmul_w3", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yqBuffer),
				nn.PointerBatch(nn.SrcBuffer, lBuffer),
				w3Slice.SliceSize, denseMatmul)
			ff.AddOp(actOpCode(h.HiddenAct), "block_act", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMul, "block_mul", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.Size0(), nn.MulOpConfig{MultiplierBufferIndex: uint32(lBuffer)})
			if dBuffer != dqBuffer {
				ff.AddOp(nn.OpCast, "block_cast_d2", layerIndex,
					nn.PointerBatch(nn.SrcBuffer, dBuffer),
					nn.PointerBatch(nn.SrcBuffer, dqBuffer),
					nn.Size0(), nil)
			}
			ff.AddOp(nn.OpMatmul, "block_matmul_w2", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, dqBuffer),
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				w2Slice.SliceSize, denseMatmul)
		}

		ff.AddOp(nn.OpCast, "block_cast_d3", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatchedSlice(nn.SrcPipe, n.ZqPipeIndex),
			nn.Size0(), nil)
		if !singleInStage {
			ff.AddSync(n.ZqPipeIndex, nn.SyncNodeSlices)
		}

		b.AddSegment(att.Build())
		b.AddSegment(ff.Build())
	}

	if !isLastStage {
		// Complete the last layer's residual and hand the full activation
		// to the next stage's root.
		var ppSend nn.SegmentBuilder
		ppSend.AddOp(nn.OpMergeAdd, "pp_stage_merge", stage.EndLayer-1,
			nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.Size0(), nil)
		ppSend.AddOp(nn.OpCast, "pp_cast_out", stage.EndLayer-1,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
			nn.Size0(), nil)
		ppSend.AddSync(n.XPipeIndex, nn.SyncPpSend)
		b.AddSegment(ppSend.Build())
	}

	if isLastStage {
		var end nn.SegmentBuilder
		end.AddOp(nn.OpMergeAdd, "final_merge_add", 0,
			nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.Size0(), nil)
		end.AddOp(nn.OpInvRms, "final_norm_pre", 0,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
			nn.Size0(), nn.InvRmsOpConfig{Epsilon: h.NormEpsilon, NColumns: 1})
		end.AddOp(nn.OpRmsNorm, "final_norm", 0,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			n.RmsNormSize, nn.RmsNormOpConfig{InvRmsBufferIndex: uint32(invRmsBuffer), NColumns: 1})
		if yBuffer != yqBuffer {
			end.AddOp(nn.OpCast, "final_cast_y", 0,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, yqBuffer),
				nn.Size0(), nil)
		}
		end.AddOp(nn.OpMatmul, "final_matmul_logits", 0,
			nn.PointerBatch(nn.SrcBuffer, yqBuffer),
			nn.PointerBatch(nn.SrcBuffer, logitsSliceBuffer),
			wclsSlice.SliceSize, denseMatmul)
		end.AddOp(nn.OpCast, "final_cast_logits", 0,
			nn.PointerBatch(nn.SrcBuffer, logitsSliceBuffer),
			nn.PointerBatchedSlice(nn.SrcPipe, n.LogitsPipeIndex),
			nn.Size0(), nil)
		end.AddSync(n.LogitsPipeIndex, nn.SyncNodeSlicesExceptRoot)
		b.AddSegment(end.Build())
	}

	if nodeIndex == 0 && !isLastStage {
		// Sync-only segment: the global root blocks until the last stage
		// gathers logits to it.
		var rootWait nn.SegmentBuilder
		rootWait.AddSync(n.LogitsPipeIndex, nn.SyncNodeSlicesExceptRoot)
		b.AddSegment(rootWait.Build())
	}

	return b.Build(), nil
}

func actOpCode(act HiddenAct) nn.OpCode {
	if act == HiddenActGelu {
		return nn.OpGelu
	}
	return nn.OpSilu
}
