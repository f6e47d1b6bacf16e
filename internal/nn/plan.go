package nn

import (
	"fmt"
	"math"
)

// dimAlign is the alignment of hidden, FFN, and vocab splits. KV heads
// split with alignment 1.
const dimAlign = 32

// StageDef is the input description of one pipeline stage: how many layers
// it owns (0 means assign automatically) and the tensor-parallel ratios of
// its member nodes.
type StageDef struct {
	NLayers  int
	TpRatios []float64
}

// StageConfig is the planned topology of one pipeline stage. NodeIndices
// lists the stage's globally-unique node ids in ascending order and
// RootNodeIndex is always the first of them.
type StageConfig struct {
	StageIndex    int
	StartLayer    int
	EndLayer      int
	NLayers       int
	RootNodeIndex int
	NodeIndices   []int
}

// Contains reports whether the stage owns the given node.
func (s *StageConfig) Contains(nodeIndex int) bool {
	for _, n := range s.NodeIndices {
		if n == nodeIndex {
			return true
		}
	}
	return false
}

// PartitionPlan maps the model's layers and tensor dimensions over a
// two-level topology of pipeline stages times tensor-parallel members.
// It is built once after CLI parsing and shared read-only by the graph
// builder, the device, the weight loader, and the synchronizer.
type PartitionPlan struct {
	NNodes  int
	NStages int
	Stages  []StageConfig

	HeadSplit   DimSplit
	KvHeadSplit DimSplit
	VocabSplit  DimSplit
	FfnSplit    DimSplit
	DimSplit    DimSplit
}

// NewPartitionPlan builds a complete plan from stage definitions and the
// model's global dimensions. Every stage independently owns a full
// tensor-parallel partition of every dimension; the head split is derived
// from the KV-head split so grouped-query attention stays aligned.
func NewPartitionPlan(stageDefs []StageDef, nHeads, nKvHeads, vocabSize, ffnDim, dim int) (*PartitionPlan, error) {
	if len(stageDefs) == 0 {
		return nil, fmt.Errorf("no stages defined")
	}
	if nKvHeads <= 0 || nHeads%nKvHeads != 0 {
		return nil, fmt.Errorf("nHeads (%d) must be divisible by nKvHeads (%d)", nHeads, nKvHeads)
	}
	gqa := nHeads / nKvHeads

	plan := &PartitionPlan{NStages: len(stageDefs)}
	for _, def := range stageDefs {
		if len(def.TpRatios) == 0 {
			return nil, fmt.Errorf("stage must have at least one node")
		}
		if def.NLayers < 1 {
			return nil, fmt.Errorf("stage must own at least one layer")
		}
		plan.NNodes += len(def.TpRatios)
	}

	plan.HeadSplit = newZeroSplit(plan.NNodes)
	plan.KvHeadSplit = newZeroSplit(plan.NNodes)
	plan.VocabSplit = newZeroSplit(plan.NNodes)
	plan.FfnSplit = newZeroSplit(plan.NNodes)
	plan.DimSplit = newZeroSplit(plan.NNodes)

	nodeOffset := 0
	layerOffset := 0
	plan.Stages = make([]StageConfig, len(stageDefs))
	for s, def := range stageDefs {
		stage := &plan.Stages[s]
		stage.StageIndex = s
		stage.StartLayer = layerOffset
		stage.NLayers = def.NLayers
		stage.EndLayer = stage.StartLayer + stage.NLayers
		stage.RootNodeIndex = nodeOffset
		stage.NodeIndices = make([]int, len(def.TpRatios))
		for i := range def.TpRatios {
			stage.NodeIndices[i] = nodeOffset + i
		}

		if err := fillDimSplit(&plan.KvHeadSplit, nodeOffset, nKvHeads, def.TpRatios, 1); err != nil {
			return nil, fmt.Errorf("stage %d kv heads: %w", s, err)
		}
		for i := range def.TpRatios {
			node := nodeOffset + i
			plan.HeadSplit.Starts[node] = plan.KvHeadSplit.Starts[node] * gqa
			plan.HeadSplit.Lengths[node] = plan.KvHeadSplit.Lengths[node] * gqa
		}
		if err := fillDimSplit(&plan.FfnSplit, nodeOffset, ffnDim, def.TpRatios, dimAlign); err != nil {
			return nil, fmt.Errorf("stage %d ffn: %w", s, err)
		}
		if err := fillDimSplit(&plan.DimSplit, nodeOffset, dim, def.TpRatios, dimAlign); err != nil {
			return nil, fmt.Errorf("stage %d dim: %w", s, err)
		}
		if err := fillDimSplit(&plan.VocabSplit, nodeOffset, vocabSize, def.TpRatios, dimAlign); err != nil {
			return nil, fmt.Errorf("stage %d vocab: %w", s, err)
		}

		nodeOffset += len(def.TpRatios)
		layerOffset += def.NLayers
	}
	return plan, nil
}

func newZeroSplit(nNodes int) DimSplit {
	return DimSplit{Starts: make([]int, nNodes), Lengths: make([]int, nNodes)}
}

// fillDimSplit assigns a stage's share of totalDim to its members in
// proportion to ratios. Every member but the last snaps to the nearest
// multiple of alignSize; the last member absorbs the rounding residue and
// may be unaligned.
func fillDimSplit(split *DimSplit, nodeOffset, totalDim int, ratios []float64, alignSize int) error {
	ratioSum := 0.0
	for _, r := range ratios {
		ratioSum += r
	}
	if ratioSum < 1e-6 {
		return fmt.Errorf("ratio sum is too small")
	}

	currentStart := 0
	remaining := totalDim
	for i := range ratios {
		node := nodeOffset + i
		split.Starts[node] = currentStart

		var length int
		if i == len(ratios)-1 {
			length = remaining
		} else {
			ideal := float64(totalDim) * (ratios[i] / ratioSum)
			length = int(math.Round(ideal))
			if alignSize > 1 {
				if rem := length % alignSize; rem != 0 {
					if rem >= alignSize/2 {
						length += alignSize - rem
					} else {
						length -= rem
					}
				}
				if length == 0 && totalDim >= len(ratios)*alignSize {
					length = alignSize
				}
			}
			if length > remaining {
				length = remaining
			}
		}
		split.Lengths[node] = length
		currentStart += length
		remaining -= length
	}
	return nil
}

// StageForNode returns the stage the node belongs to, or nil if the plan
// does not cover it.
func (p *PartitionPlan) StageForNode(nodeIndex int) *StageConfig {
	if p == nil {
		return nil
	}
	for s := range p.Stages {
		if p.Stages[s].Contains(nodeIndex) {
			return &p.Stages[s]
		}
	}
	return nil
}

// StageIndexForNode returns the stage index of the node, or 0 when the plan
// is absent.
func StageIndexForNode(p *PartitionPlan, nodeIndex int) int {
	if stage := p.StageForNode(nodeIndex); stage != nil {
		return stage.StageIndex
	}
	return 0
}

// Span is one node's window into a shared dimension.
type Span struct {
	Start  int
	Length int
}

// SliceSpans resolves every node's window into a dimension of the given
// total. The first split whose total evenly divides the dimension wins, in
// priority order vocab, FFN, heads, KV heads; when no split matches the
// dimension is divided uniformly and the last node absorbs the remainder.
// This is the single matcher consulted by the device's batched-slice
// resolver and by every collective, so senders and receivers always agree.
func (p *PartitionPlan) SliceSpans(total, nNodes int) []Span {
	spans := make([]Span, nNodes)
	if p != nil && p.NNodes == nNodes {
		for _, split := range []*DimSplit{&p.VocabSplit, &p.FfnSplit, &p.HeadSplit, &p.KvHeadSplit} {
			splitTotal := split.Total()
			if splitTotal == 0 || total%splitTotal != 0 {
				continue
			}
			perUnit := total / splitTotal
			offset := 0
			for i := 0; i < nNodes; i++ {
				length := split.Lengths[i] * perUnit
				spans[i] = Span{Start: offset, Length: length}
				offset += length
			}
			return spans
		}
	}
	avg := total / nNodes
	for i := 0; i < nNodes; i++ {
		spans[i] = Span{Start: i * avg, Length: avg}
	}
	spans[nNodes-1].Length = total - spans[nNodes-1].Start
	return spans
}

// SliceSpan resolves a single node's window; see SliceSpans.
func (p *PartitionPlan) SliceSpan(total, nNodes, nodeIndex int) Span {
	return p.SliceSpans(total, nNodes)[nodeIndex]
}

// Validate checks the plan invariants: layer coverage, contiguous node
// numbering, and that every stage owns the same total of every dimension
// as stage 0.
func (p *PartitionPlan) Validate(nLayers int) error {
	layers := 0
	next := 0
	for s := range p.Stages {
		stage := &p.Stages[s]
		layers += stage.NLayers
		for _, n := range stage.NodeIndices {
			if n != next {
				return fmt.Errorf("stage %d: node indices are not contiguous (got %d, want %d)", s, n, next)
			}
			next++
		}
		for _, split := range []*DimSplit{&p.HeadSplit, &p.KvHeadSplit, &p.VocabSplit, &p.FfnSplit, &p.DimSplit} {
			stageSum := 0
			for _, n := range stage.NodeIndices {
				stageSum += split.Lengths[n]
			}
			want := 0
			for _, n := range p.Stages[0].NodeIndices {
				want += split.Lengths[n]
			}
			if stageSum != want {
				return fmt.Errorf("stage %d owns %d of a dimension, stage 0 owns %d", s, stageSum, want)
			}
		}
	}
	if layers != nLayers {
		return fmt.Errorf("stages cover %d layers, model has %d", layers, nLayers)
	}
	if next != p.NNodes {
		return fmt.Errorf("stages cover %d nodes, plan has %d", next, p.NNodes)
	}
	return nil
}
