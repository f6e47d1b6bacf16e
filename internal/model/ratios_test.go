package model

import "testing"

func TestParseStageDefsSimpleTwoStage(t *testing.T) {
	stages, err := ParseStageDefs("1*1", 2, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 {
		t.Fatalf("got %d stages", len(stages))
	}
	if stages[0].NLayers != 4 || stages[1].NLayers != 4 {
		t.Fatalf("layers = %d/%d, want 4/4", stages[0].NLayers, stages[1].NLayers)
	}
	if len(stages[0].TpRatios) != 1 || len(stages[1].TpRatios) != 1 {
		t.Fatal("each stage must have one node")
	}
}

func TestParseStageDefsExplicitLayers(t *testing.T) {
	stages, err := ParseStageDefs("1:1@10*1:1@18", 4, 28)
	if err != nil {
		t.Fatal(err)
	}
	if stages[0].NLayers != 10 || stages[1].NLayers != 18 {
		t.Fatalf("layers = %d/%d", stages[0].NLayers, stages[1].NLayers)
	}
}

func TestParseStageDefsLegacyColonLayers(t *testing.T) {
	stages, err := ParseStageDefs("1,1:10*1,1:18", 4, 28)
	if err != nil {
		t.Fatal(err)
	}
	if stages[0].NLayers != 10 || stages[1].NLayers != 18 {
		t.Fatalf("legacy layers = %d/%d", stages[0].NLayers, stages[1].NLayers)
	}
}

func TestParseStageDefsTwoLevel(t *testing.T) {
	// Stage weights 1:2, stage 0 nodes 1:1, stage 1 nodes 2:3.
	stages, err := ParseStageDefs("1:2*1:1*2:3", 4, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 {
		t.Fatalf("got %d stages", len(stages))
	}
	if stages[0].NLayers != 8 || stages[1].NLayers != 16 {
		t.Fatalf("auto layers = %d/%d, want 8/16", stages[0].NLayers, stages[1].NLayers)
	}
	if len(stages[0].TpRatios) != 2 || len(stages[1].TpRatios) != 2 {
		t.Fatal("stage node counts wrong")
	}
	if stages[1].TpRatios[0] != 2 || stages[1].TpRatios[1] != 3 {
		t.Fatalf("stage 1 ratios = %v", stages[1].TpRatios)
	}
}

func TestParseStageDefsTwoLevelWithExplicitLayers(t *testing.T) {
	stages, err := ParseStageDefs("1:2*1:1@10*2:3@14", 4, 24)
	if err != nil {
		t.Fatal(err)
	}
	if stages[0].NLayers != 10 || stages[1].NLayers != 14 {
		t.Fatalf("layers = %d/%d", stages[0].NLayers, stages[1].NLayers)
	}
}

func TestParseStageDefsSeparatorNormalization(t *testing.T) {
	a, err := ParseStageDefs("1;1", 2, 8)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseStageDefs("1|1", 2, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 2 || len(b) != 2 {
		t.Fatal("';' and '|' must behave like '*'")
	}
}

func TestParseStageDefsRejectsExcessLayers(t *testing.T) {
	if _, err := ParseStageDefs("1@10*1@10", 2, 8); err == nil {
		t.Fatal("expected error when explicit layers exceed the total")
	}
}

func TestParseStageDefsRejectsWrongNodeCount(t *testing.T) {
	if _, err := ParseStageDefs("1:1*1:1*1:1", 5, 8); err == nil {
		t.Fatal("expected error for node count mismatch")
	}
}

func TestParseStageDefsRejectsEmpty(t *testing.T) {
	if _, err := ParseStageDefs("", 1, 8); err == nil {
		t.Fatal("expected error for empty ratios")
	}
}

func TestParseStageDefsZeroLayerStage(t *testing.T) {
	// A tiny stage weight rounds to zero layers; a config that starves a
	// stage entirely must be rejected.
	if _, err := ParseStageDefs("0.01*100", 2, 2); err == nil {
		t.Fatal("expected error when a stage gets no layers")
	}
}
