package nn

import "testing"

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestTrivialSingleNodePlan(t *testing.T) {
	plan, err := NewPartitionPlan([]StageDef{{NLayers: 4, TpRatios: []float64{1}}}, 8, 8, 1000, 512, 256)
	if err != nil {
		t.Fatal(err)
	}
	if plan.NNodes != 1 || plan.NStages != 1 {
		t.Fatalf("expected 1 node / 1 stage, got %d / %d", plan.NNodes, plan.NStages)
	}
	stage := plan.Stages[0]
	if stage.StartLayer != 0 || stage.EndLayer != 4 {
		t.Fatalf("stage covers layers %d..%d", stage.StartLayer, stage.EndLayer)
	}
	if plan.HeadSplit.Lengths[0] != 8 || plan.KvHeadSplit.Lengths[0] != 8 {
		t.Fatalf("single node must own all heads, got %d/%d", plan.HeadSplit.Lengths[0], plan.KvHeadSplit.Lengths[0])
	}
	if plan.DimSplit.Lengths[0] != 256 || plan.VocabSplit.Lengths[0] != 1000 || plan.FfnSplit.Lengths[0] != 512 {
		t.Fatal("single node must own every dimension whole")
	}
	if err := plan.Validate(4); err != nil {
		t.Fatal(err)
	}
}

func TestGqaAlignedFourWaySplit(t *testing.T) {
	plan, err := NewPartitionPlan(
		[]StageDef{{NLayers: 8, TpRatios: []float64{1, 1, 1, 1}}},
		32, 8, 32000, 4096, 1024)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if got := plan.KvHeadSplit.Lengths[i]; got != 2 {
			t.Errorf("kv head split[%d] = %d, want 2", i, got)
		}
		if got := plan.HeadSplit.Lengths[i]; got != 8 {
			t.Errorf("head split[%d] = %d, want 8", i, got)
		}
	}
	gqa := 32 / 8
	for i := 0; i < 4; i++ {
		if plan.HeadSplit.Starts[i] != plan.KvHeadSplit.Starts[i]*gqa {
			t.Errorf("head start[%d] not aligned to kv start * gqa", i)
		}
		if plan.HeadSplit.Lengths[i] != plan.KvHeadSplit.Lengths[i]*gqa {
			t.Errorf("head length[%d] not kv length * gqa", i)
		}
	}
}

func TestUnevenTwoStagePlan(t *testing.T) {
	// Two stages, four nodes: stage 0 splits 1:1, stage 1 splits 2:3.
	plan, err := NewPartitionPlan([]StageDef{
		{NLayers: 10, TpRatios: []float64{1, 1}},
		{NLayers: 14, TpRatios: []float64{2, 3}},
	}, 16, 8, 151936, 3072, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := plan.Validate(24); err != nil {
		t.Fatal(err)
	}

	if got := plan.Stages[0].NodeIndices; len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("stage 0 nodes = %v", got)
	}
	if got := plan.Stages[1].NodeIndices; len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("stage 1 nodes = %v", got)
	}
	if plan.Stages[1].RootNodeIndex != 2 {
		t.Fatalf("stage 1 root = %d", plan.Stages[1].RootNodeIndex)
	}
	if plan.Stages[0].StartLayer != 0 || plan.Stages[0].EndLayer != 10 ||
		plan.Stages[1].StartLayer != 10 || plan.Stages[1].EndLayer != 24 {
		t.Fatal("layer ranges do not accumulate across stages")
	}

	// Stage 0: even KV split.
	if plan.KvHeadSplit.Lengths[0] != 4 || plan.KvHeadSplit.Lengths[1] != 4 {
		t.Fatalf("stage 0 kv split = %v", plan.KvHeadSplit.Lengths[:2])
	}
	if plan.HeadSplit.Lengths[0] != 8 || plan.HeadSplit.Lengths[1] != 8 {
		t.Fatalf("stage 0 head split = %v", plan.HeadSplit.Lengths[:2])
	}
	if plan.DimSplit.Lengths[0] != 512 || plan.DimSplit.Lengths[1] != 512 {
		t.Fatalf("stage 0 dim split = %v", plan.DimSplit.Lengths[:2])
	}

	// Stage 1: 2:3 over 8 KV heads rounds to 3 with the residue on the tail.
	if plan.KvHeadSplit.Lengths[2] != 3 || plan.KvHeadSplit.Lengths[3] != 5 {
		t.Fatalf("stage 1 kv split = %v", plan.KvHeadSplit.Lengths[2:])
	}
	// Hidden dims align to 32 and each stage independently covers the dim.
	for s := 0; s < 2; s++ {
		nodes := plan.Stages[s].NodeIndices
		total := 0
		for _, n := range nodes {
			if plan.DimSplit.Lengths[n] < 32 {
				t.Errorf("stage %d node %d dim slice %d < 32", s, n, plan.DimSplit.Lengths[n])
			}
			total += plan.DimSplit.Lengths[n]
		}
		if total != 1024 {
			t.Errorf("stage %d dim total = %d, want 1024", s, total)
		}
	}
	if plan.DimSplit.Lengths[2]%32 != 0 {
		t.Errorf("non-last dim slice %d is not 32 aligned", plan.DimSplit.Lengths[2])
	}
}

func TestPlanRejectsBadGqa(t *testing.T) {
	_, err := NewPartitionPlan([]StageDef{{NLayers: 1, TpRatios: []float64{1}}}, 10, 3, 100, 100, 100)
	if err == nil {
		t.Fatal("expected error for non-divisible GQA")
	}
}

func TestPlanRejectsTinyRatioSum(t *testing.T) {
	_, err := NewPartitionPlan([]StageDef{{NLayers: 1, TpRatios: []float64{0, 0}}}, 8, 8, 100, 128, 128)
	if err == nil {
		t.Fatal("expected error for near-zero ratio sum")
	}
}

func TestSliceSpansMatchesVocabSplit(t *testing.T) {
	plan, err := NewPartitionPlan([]StageDef{{NLayers: 2, TpRatios: []float64{1, 1}}}, 8, 8, 1000, 512, 256)
	if err != nil {
		t.Fatal(err)
	}
	spans := plan.SliceSpans(1000*4, 2)
	if spans[0].Start != 0 || spans[1].Start != spans[0].Length {
		t.Fatalf("spans not contiguous: %+v", spans)
	}
	if spans[0].Length+spans[1].Length != 4000 {
		t.Fatalf("spans do not cover the dimension: %+v", spans)
	}
	if spans[0].Length != plan.VocabSplit.Lengths[0]*4 {
		t.Fatalf("span %d does not track vocab split %d", spans[0].Length, plan.VocabSplit.Lengths[0]*4)
	}
}

func TestSliceSpansUniformFallback(t *testing.T) {
	var plan *PartitionPlan
	spans := plan.SliceSpans(103, 4)
	if sum([]int{spans[0].Length, spans[1].Length, spans[2].Length, spans[3].Length}) != 103 {
		t.Fatalf("uniform fallback loses bytes: %+v", spans)
	}
	if spans[3].Length != 103-3*25 {
		t.Fatalf("last span must absorb the remainder, got %d", spans[3].Length)
	}
}
