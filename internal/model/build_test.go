package model

import (
	"testing"

	"github.com/calderhughes/weft/internal/nn"
)

func countSyncs(node *nn.NodeConfig, syncType nn.SyncType) int {
	count := 0
	for _, segment := range node.Segments {
		for _, sync := range segment.Syncs {
			if sync.Type == syncType {
				count++
			}
		}
	}
	return count
}

func TestBuildNetSingleNodeHasNoSliceExchanges(t *testing.T) {
	h := loadedHeader(t, writeTestModel(t, testHeader()))
	net, _ := buildTestNet(t, h, UniformStageDefs(1, h.NLayers))

	node := &net.NodeConfigs[0]
	if got := countSyncs(node, nn.SyncNodeSlices); got != 0 {
		t.Fatalf("singleton stage emitted %d SYNC_NODE_SLICES", got)
	}
	if got := countSyncs(node, nn.SyncPpSend) + countSyncs(node, nn.SyncPpRecv); got != 0 {
		t.Fatalf("single stage emitted %d pipeline syncs", got)
	}
}

func TestBuildNetTwoNodeTpEmitsSliceExchanges(t *testing.T) {
	h := loadedHeader(t, writeTestModel(t, testHeader()))
	net, _ := buildTestNet(t, h, []nn.StageDef{{NLayers: h.NLayers, TpRatios: []float64{1, 1}}})

	for nodeIndex := range net.NodeConfigs {
		node := &net.NodeConfigs[nodeIndex]
		// One exchange per attention segment and one per FFN segment.
		if got := countSyncs(node, nn.SyncNodeSlices); got != 2*h.NLayers {
			t.Fatalf("node %d emitted %d SYNC_NODE_SLICES, want %d", nodeIndex, got, 2*h.NLayers)
		}
	}
}

func TestBuildNetPipelineSeam(t *testing.T) {
	h := loadedHeader(t, writeTestModel(t, testHeader()))
	net, plan := buildTestNet(t, h, []nn.StageDef{
		{NLayers: 1, TpRatios: []float64{1}},
		{NLayers: 1, TpRatios: []float64{1}},
	})
	if plan.NStages != 2 {
		t.Fatal("expected two stages")
	}

	node0 := &net.NodeConfigs[0]
	node1 := &net.NodeConfigs[1]

	// Exactly one send per forward on the first stage, one receive on the
	// second: the seam, not one per layer.
	if got := countSyncs(node0, nn.SyncPpSend); got != 1 {
		t.Fatalf("node 0 emits %d PP_SEND, want 1", got)
	}
	if got := countSyncs(node0, nn.SyncPpRecv); got != 0 {
		t.Fatal("first stage must not receive")
	}
	if got := countSyncs(node1, nn.SyncPpRecv); got != 1 {
		t.Fatalf("node 1 emits %d PP_RECV, want 1", got)
	}
	if got := countSyncs(node1, nn.SyncPpSend); got != 0 {
		t.Fatal("last stage must not send")
	}

	// Logits: the last stage gathers to root, and the root (off the last
	// stage) blocks on the same pipe.
	if got := countSyncs(node1, nn.SyncNodeSlicesExceptRoot); got != 1 {
		t.Fatalf("node 1 emits %d logits gathers, want 1", got)
	}
	if got := countSyncs(node0, nn.SyncNodeSlicesExceptRoot); got != 1 {
		t.Fatalf("node 0 emits %d logits waits, want 1", got)
	}

	// Only node 0 embeds.
	hasEmbedding := func(node *nn.NodeConfig) bool {
		for _, segment := range node.Segments {
			for _, op := range segment.Ops {
				if op.Code == nn.OpEmbedding {
					return true
				}
			}
		}
		return false
	}
	if !hasEmbedding(node0) || hasEmbedding(node1) {
		t.Fatal("embedding must live on the first stage's first node only")
	}
}

func TestBuildNetBindsPlan(t *testing.T) {
	h := loadedHeader(t, writeTestModel(t, testHeader()))
	net, plan := buildTestNet(t, h, UniformStageDefs(1, h.NLayers))
	if net.NodeConfigs[0].Plan != plan {
		t.Fatal("node config must carry the partition plan")
	}
}

func TestBuildNetZqPipeIsOverAllocated(t *testing.T) {
	h := loadedHeader(t, writeTestModel(t, testHeader()))
	net, _ := buildTestNet(t, h, []nn.StageDef{{NLayers: h.NLayers, TpRatios: []float64{1, 1}}})
	zq := net.NetConfig.Pipes[net.ZqPipeIndex]
	if zq.Size.X != h.Dim*2 {
		t.Fatalf("ZQ x = %d, want dim*nNodes = %d", zq.Size.X, h.Dim*2)
	}
}
