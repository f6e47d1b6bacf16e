package model

import (
	"testing"

	"github.com/calderhughes/weft/internal/logger"
	"github.com/calderhughes/weft/internal/nn"
)

// captureExecutor records every LoadWeight call.
type captureExecutor struct {
	loads map[string]int
}

func newCaptureExecutor() *captureExecutor {
	return &captureExecutor{loads: map[string]int{}}
}

func (c *captureExecutor) LoadWeight(opName string, opIndex, offset, nBytes int, weight []byte) error {
	c.loads[opName] += nBytes
	return nil
}

func quietLogger() logger.Logger {
	return logger.Text(discard{}, 8)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func buildTestNet(t *testing.T, h *Header, stageDefs []nn.StageDef) (*Net, *nn.PartitionPlan) {
	t.Helper()
	plan, err := nn.NewPartitionPlan(stageDefs, h.NHeads, h.NKvHeads, h.VocabSize, h.FfnDim(), h.Dim)
	if err != nil {
		t.Fatal(err)
	}
	net, err := BuildNet(h, 4, plan)
	if err != nil {
		t.Fatal(err)
	}
	return net, plan
}

func loadedHeader(t *testing.T, path string) *Header {
	t.Helper()
	h, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestLocalLoadSingleNodeConsumesWholeFile(t *testing.T) {
	path := writeTestModel(t, testHeader())
	h := loadedHeader(t, path)
	net, plan := buildTestNet(t, h, UniformStageDefs(1, h.NLayers))

	exec := newCaptureExecutor()
	if err := LoadWeightsLocal(path, net, exec, plan, 0, quietLogger()); err != nil {
		t.Fatal(err)
	}

	// The single node owns every byte of every tensor.
	if got := exec.loads["embedding"]; got != net.TokenEmbeddingSize.NBytes {
		t.Fatalf("embedding bytes = %d, want %d", got, net.TokenEmbeddingSize.NBytes)
	}
	perQ := nn.Size2D(h.WeightType, h.Dim, h.QDim).NBytes
	if got := exec.loads["block_matmul_q"]; got != h.NLayers*perQ {
		t.Fatalf("q bytes = %d, want %d", got, h.NLayers*perQ)
	}
	if got := exec.loads["final_matmul_logits"]; got != nn.Size2D(h.WeightType, h.Dim, h.VocabSize).NBytes {
		t.Fatalf("classifier bytes = %d", got)
	}
}

func TestLocalLoadTwoNodeSlices(t *testing.T) {
	path := writeTestModel(t, testHeader())
	h := loadedHeader(t, path)
	net, plan := buildTestNet(t, h, []nn.StageDef{{NLayers: h.NLayers, TpRatios: []float64{1, 1}}})

	for nodeIndex := 0; nodeIndex < 2; nodeIndex++ {
		exec := newCaptureExecutor()
		if err := LoadWeightsLocal(path, net, exec, plan, nodeIndex, quietLogger()); err != nil {
			t.Fatalf("node %d: %v", nodeIndex, err)
		}
		qSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.HeadSplit, h.QDim, nodeIndex)
		if got := exec.loads["block_matmul_q"]; got != h.NLayers*qSlice.SliceSize.NBytes {
			t.Fatalf("node %d q bytes = %d, want %d", nodeIndex, got, h.NLayers*qSlice.SliceSize.NBytes)
		}
		woSlice := nn.SliceColMatmulHeads(h.WeightType, h.QDim, h.Dim, h.HeadDim, plan, nodeIndex)
		if got := exec.loads["block_matmul_wo"]; got != h.NLayers*woSlice.SliceSize.NBytes {
			t.Fatalf("node %d wo bytes = %d, want %d", nodeIndex, got, h.NLayers*woSlice.SliceSize.NBytes)
		}
		// Norms load whole on every owner.
		if got := exec.loads["block_norm_0"]; got != h.NLayers*net.RmsNormSize.NBytes {
			t.Fatalf("node %d norm bytes = %d", nodeIndex, got)
		}
	}
}

func TestLocalLoadSkipsForeignStage(t *testing.T) {
	path := writeTestModel(t, testHeader())
	h := loadedHeader(t, path)
	// Two stages of one node each; node 0 owns the first layer only.
	net, plan := buildTestNet(t, h, []nn.StageDef{
		{NLayers: 1, TpRatios: []float64{1}},
		{NLayers: 1, TpRatios: []float64{1}},
	})

	exec := newCaptureExecutor()
	if err := LoadWeightsLocal(path, net, exec, plan, 0, quietLogger()); err != nil {
		t.Fatal(err)
	}
	perQ := nn.Size2D(h.WeightType, h.Dim, h.QDim).NBytes
	if got := exec.loads["block_matmul_q"]; got != perQ {
		t.Fatalf("stage 0 must load exactly one layer of q, got %d bytes", got)
	}
	// Only the last stage loads the classifier.
	if got := exec.loads["final_matmul_logits"]; got != 0 {
		t.Fatalf("stage 0 must not load the classifier, got %d bytes", got)
	}

	exec = newCaptureExecutor()
	if err := LoadWeightsLocal(path, net, exec, plan, 1, quietLogger()); err != nil {
		t.Fatal(err)
	}
	if got := exec.loads["embedding"]; got != 0 {
		t.Fatal("stage 1 must not load the embedding")
	}
	if got := exec.loads["final_matmul_logits"]; got == 0 {
		t.Fatal("stage 1 must load the classifier")
	}
}

func TestRootDistributionSingleNodeWalksWholeFile(t *testing.T) {
	path := writeTestModel(t, testHeader())
	h := loadedHeader(t, path)
	net, _ := buildTestNet(t, h, UniformStageDefs(1, h.NLayers))

	exec := newCaptureExecutor()
	loader := NewRootWeightLoader(exec, nil, 1)
	if err := LoadWeightsRoot(path, net, loader, quietLogger()); err != nil {
		t.Fatal(err)
	}
	if got := exec.loads["final_matmul_logits"]; got != nn.Size2D(h.WeightType, h.Dim, h.VocabSize).NBytes {
		t.Fatalf("classifier bytes = %d", got)
	}
}

func TestLayerBytesMatchesWalkedBytes(t *testing.T) {
	h := testHeader()
	h.HeadDim = h.Dim / h.NHeads
	h.QDim = h.HeadDim * h.NHeads
	h.KvDim = h.HeadDim * h.NKvHeads
	want := nn.Size2D(h.WeightType, h.Dim, h.QDim).NBytes +
		2*nn.Size2D(h.WeightType, h.Dim, h.KvDim).NBytes +
		nn.Size2D(h.WeightType, h.QDim, h.Dim).NBytes +
		2*nn.Size2D(h.WeightType, h.Dim, h.HiddenDim).NBytes +
		nn.Size2D(h.WeightType, h.HiddenDim, h.Dim).NBytes +
		2*nn.Size1D(nn.F32, h.Dim).NBytes
	if got := LayerBytes(h); got != want {
		t.Fatalf("layer bytes = %d, want %d", got, want)
	}
}
