package transport

import (
	"testing"
	"unsafe"

	"github.com/calderhughes/weft/internal/executor"
	"github.com/calderhughes/weft/internal/nn"
)

func f32view(b []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func syncFixture(t *testing.T, network *Network, nodeIndex int, plan *nn.PartitionPlan, syncType nn.SyncType) (*Synchronizer, *executor.NetExecution) {
	t.Helper()
	netConfig := &nn.NetConfig{
		NBatches: 1,
		NNodes:   2,
		Pipes:    []nn.PipeConfig{{Name: "LG", Size: nn.Size2D(nn.F32, 1, 64)}},
	}
	nodeConfig := &nn.NodeConfig{
		NodeIndex: nodeIndex,
		Segments: []nn.SegmentConfig{
			{Syncs: []nn.SyncConfig{{PipeIndex: 0, Type: syncType}}},
		},
		Plan: plan,
	}
	execution := executor.NewNetExecution(1, netConfig)
	execution.SetBatchSize(1)
	return NewSynchronizer(network, execution, netConfig, nodeConfig, plan), execution
}

func exchangePlan(t *testing.T) *nn.PartitionPlan {
	t.Helper()
	plan, err := nn.NewPartitionPlan([]nn.StageDef{{NLayers: 1, TpRatios: []float64{1, 1}}}, 2, 2, 64, 64, 64)
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestSyncNodeSlicesExchangesBothHalves(t *testing.T) {
	rootNet, workerNet := newLoopbackPair(t)
	plan := exchangePlan(t)
	rootSync, rootExec := syncFixture(t, rootNet, 0, plan, nn.SyncNodeSlices)
	workerSync, workerExec := syncFixture(t, workerNet, 1, plan, nn.SyncNodeSlices)

	rootPipe := f32view(rootExec.Pipes[0])
	workerPipe := f32view(workerExec.Pipes[0])
	for i := 0; i < 32; i++ {
		rootPipe[i] = float32(i + 1)
		workerPipe[32+i] = float32(100 + i)
	}

	errs := make(chan error, 2)
	go func() { errs <- rootSync.SyncSegment(0, 1, 0) }()
	go func() { errs <- workerSync.SyncSegment(0, 1, 0) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 32; i++ {
		if rootPipe[32+i] != float32(100+i) {
			t.Fatalf("root did not receive worker slice: %v", rootPipe)
		}
		if workerPipe[i] != float32(i+1) {
			t.Fatalf("worker did not receive root slice: %v", workerPipe)
		}
	}

	// Each peer moves exactly its own slice out and the peer's slice in.
	sent, recv := rootNet.Stats()
	if sent != 128 || recv != 128 {
		t.Fatalf("root moved %d/%d bytes, want 128/128", sent, recv)
	}
}

func TestSyncNodeSlicesExceptRootGathersOnly(t *testing.T) {
	rootNet, workerNet := newLoopbackPair(t)
	plan := exchangePlan(t)
	rootSync, rootExec := syncFixture(t, rootNet, 0, plan, nn.SyncNodeSlicesExceptRoot)
	workerSync, workerExec := syncFixture(t, workerNet, 1, plan, nn.SyncNodeSlicesExceptRoot)

	workerPipe := f32view(workerExec.Pipes[0])
	for i := 0; i < 32; i++ {
		workerPipe[32+i] = float32(7 + i)
	}

	errs := make(chan error, 2)
	go func() { errs <- rootSync.SyncSegment(0, 1, 0) }()
	go func() { errs <- workerSync.SyncSegment(0, 1, 0) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	rootPipe := f32view(rootExec.Pipes[0])
	for i := 0; i < 32; i++ {
		if rootPipe[32+i] != float32(7+i) {
			t.Fatalf("root missed the gathered slice: %v", rootPipe)
		}
	}
	sent, _ := rootNet.Stats()
	if sent != 0 {
		t.Fatalf("root must not send during the gather, sent %d bytes", sent)
	}
}

func TestSyncWithRootBroadcasts(t *testing.T) {
	rootNet, workerNet := newLoopbackPair(t)
	plan := exchangePlan(t)
	rootSync, rootExec := syncFixture(t, rootNet, 0, plan, nn.SyncWithRoot)
	workerSync, workerExec := syncFixture(t, workerNet, 1, plan, nn.SyncWithRoot)

	rootPipe := f32view(rootExec.Pipes[0])
	for i := range rootPipe {
		rootPipe[i] = float32(i) * 2
	}

	errs := make(chan error, 2)
	go func() { errs <- rootSync.SyncSegment(0, 1, 0) }()
	go func() { errs <- workerSync.SyncSegment(0, 1, 0) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	workerPipe := f32view(workerExec.Pipes[0])
	for i := range workerPipe {
		if workerPipe[i] != float32(i)*2 {
			t.Fatalf("broadcast mismatch at %d: %v", i, workerPipe)
		}
	}
}

func TestFakeSynchronizerIsNoOp(t *testing.T) {
	var s FakeSynchronizer
	if err := s.SyncSegment(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.SyncPipe(0, 1, 0); err != nil {
		t.Fatal(err)
	}
}
