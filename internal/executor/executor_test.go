package executor

import (
	"sync"
	"testing"

	"github.com/calderhughes/weft/internal/nn"
)

type recordingSegment struct {
	mu    sync.Mutex
	calls []int
}

func (s *recordingSegment) LoadWeight(opIndex, offset, nBytes int, weight []byte) error {
	return nil
}

func (s *recordingSegment) Forward(opIndex, nThreads, threadIndex, batchSize int) {
	s.mu.Lock()
	s.calls = append(s.calls, opIndex)
	s.mu.Unlock()
}

type recordingDevice struct {
	segments map[int]*recordingSegment
}

func (d *recordingDevice) MaxThreads() int { return 4 }

func (d *recordingDevice) CreateSegment(segmentIndex int) (DeviceSegment, error) {
	s := &recordingSegment{}
	d.segments[segmentIndex] = s
	return s, nil
}

type recordingSynchronizer struct {
	mu       sync.Mutex
	segments []int
	pipes    []int
}

func (s *recordingSynchronizer) SyncSegment(segmentIndex, nThreads, threadIndex int) error {
	s.mu.Lock()
	s.segments = append(s.segments, segmentIndex)
	s.mu.Unlock()
	return nil
}

func (s *recordingSynchronizer) SyncPipe(pipeIndex, nThreads, threadIndex int) error {
	s.mu.Lock()
	s.pipes = append(s.pipes, pipeIndex)
	s.mu.Unlock()
	return nil
}

func testConfigs() (*nn.NetConfig, *nn.NodeConfig) {
	netConfig := &nn.NetConfig{
		NBatches: 2,
		NNodes:   1,
		Pipes:    []nn.PipeConfig{{Name: "POS", Size: nn.Size2D(nn.F32, 2, 1)}},
		PreSyncs: []int{0},
	}
	op := nn.OpConfig{Code: nn.OpSilu, Name: "block_act", Index: 0}
	nodeConfig := &nn.NodeConfig{
		Segments: []nn.SegmentConfig{
			{Ops: []nn.OpConfig{op, op}, Syncs: []nn.SyncConfig{{PipeIndex: 0, Type: nn.SyncNodeSlices}}},
			{Syncs: []nn.SyncConfig{{PipeIndex: 0, Type: nn.SyncPpSend}}},
		},
	}
	return netConfig, nodeConfig
}

func TestExecutorWalksSegmentsInOrder(t *testing.T) {
	netConfig, nodeConfig := testConfigs()
	device := &recordingDevice{segments: map[int]*recordingSegment{}}
	synchronizer := &recordingSynchronizer{}
	execution := NewNetExecution(3, netConfig)
	execution.SetBatchSize(2)

	exec, err := NewExecutor(netConfig, nodeConfig,
		[]ExecutorDevice{{Device: device, SegmentFrom: -1, SegmentTo: -1}},
		execution, synchronizer, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.Forward(); err != nil {
		t.Fatal(err)
	}

	// Each op runs once per pool thread.
	if got := len(device.segments[0].calls); got != 2*3 {
		t.Fatalf("segment 0 saw %d op calls, want 6", got)
	}
	// The sync-only segment gets no device segment but its sync runs.
	if _, ok := device.segments[1]; ok {
		t.Fatal("sync-only segment must not be compiled on the device")
	}
	if len(synchronizer.pipes) != 3 {
		t.Fatalf("pre-sync ran %d times, want once per thread", len(synchronizer.pipes))
	}
	if len(synchronizer.segments) != 2*3 {
		t.Fatalf("segment syncs ran %d times, want 6", len(synchronizer.segments))
	}
}

func TestExecutorRequiresBatchSize(t *testing.T) {
	netConfig, nodeConfig := testConfigs()
	device := &recordingDevice{segments: map[int]*recordingSegment{}}
	execution := NewNetExecution(1, netConfig)
	exec, err := NewExecutor(netConfig, nodeConfig,
		[]ExecutorDevice{{Device: device, SegmentFrom: -1, SegmentTo: -1}},
		execution, &recordingSynchronizer{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.Forward(); err == nil {
		t.Fatal("expected error without a batch size")
	}
}

func TestAllocAlignedIsAligned(t *testing.T) {
	for _, size := range []int{1, 63, 64, 1000} {
		buf := AllocAligned(size)
		if len(buf) != size {
			t.Fatalf("len = %d, want %d", len(buf), size)
		}
		if uintptrOf(buf)%64 != 0 {
			t.Fatalf("buffer of %d bytes is not 64-byte aligned", size)
		}
	}
}
