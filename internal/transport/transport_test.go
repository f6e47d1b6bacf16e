package transport

import (
	"net"
	"reflect"
	"testing"

	"github.com/calderhughes/weft/internal/nn"
)

// newLoopbackPair wires a root and a worker network over one TCP loopback
// connection.
func newLoopbackPair(t *testing.T) (*Network, *Network) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	clientConn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	serverConn := <-accepted

	root := &Network{nodeIndex: 0, nNodes: 2, sockets: []*socket{newSocket(clientConn)}}
	worker := &Network{nodeIndex: 1, nNodes: 2, sockets: []*socket{newSocket(serverConn)}}
	t.Cleanup(func() {
		root.Close()
		worker.Close()
	})
	return root, worker
}

func TestControlPacketRoundTrip(t *testing.T) {
	p := ControlPacket{Position: 41, BatchSize: 7, Flags: CtrlProfile}
	got := DecodeControlPacket(p.Encode())
	if got != p {
		t.Fatalf("round trip gave %+v", got)
	}
}

func TestPerfPacketRoundTrip(t *testing.T) {
	p := PerfPacket{Position: 3, BatchSize: 1, NodeIndex: 2, StageIndex: 1, ExecUs: 123456, SyncUs: 789}
	got := DecodePerfPacket(p.Encode())
	if got != p {
		t.Fatalf("round trip gave %+v", got)
	}
}

func TestBootstrapPacketRoundTrip(t *testing.T) {
	root, worker := newLoopbackPair(t)
	sent := &BootstrapPacket{
		Magic:            BootstrapMagic,
		Version:          BootstrapVersion,
		BenchmarkEnabled: 1,
		MaxSeqLen:        4096,
		SyncType:         uint32(int32(nn.Q80)),
		ModelPath:        "/models/test.m",
		Ratios:           "1:1@10*2:3@14",
	}
	errs := make(chan error, 1)
	go func() { errs <- root.WriteBootstrapPacket(0, sent) }()
	got, err := worker.ReadBootstrapPacket(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	if got.ModelPath != sent.ModelPath || got.Ratios != sent.Ratios {
		t.Fatalf("strings did not survive: %+v", got)
	}
	if got.MaxSeqLen != sent.MaxSeqLen || got.BenchmarkEnabled != 1 || got.SyncTypeFloat() != nn.Q80 {
		t.Fatalf("fields did not survive: %+v", got)
	}
}

func TestBootstrapPacketRejectsBadMagic(t *testing.T) {
	root, worker := newLoopbackPair(t)
	bad := &BootstrapPacket{Magic: 0xDEADBEEF, Version: BootstrapVersion}
	go func() { _ = root.WriteBootstrapPacket(0, bad) }()
	if _, err := worker.ReadBootstrapPacket(0); err == nil {
		t.Fatal("expected magic mismatch error")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	root, worker := newLoopbackPair(t)

	netConfig := &nn.NetConfig{
		NBatches: 4,
		NNodes:   2,
		Pipes: []nn.PipeConfig{
			{Name: "POS", Size: nn.Size2D(nn.F32, 4, 1)},
			{Name: "X", Size: nn.Size2D(nn.F32, 4, 64)},
		},
		PreSyncs: []int{0},
	}
	nodeConfig := &nn.NodeConfig{
		NodeIndex: 1,
		Buffers: []nn.BufferConfig{
			{Name: "x", Size: nn.Size2D(nn.F32, 4, 64)},
		},
		Segments: []nn.SegmentConfig{
			{
				Ops: []nn.OpConfig{{
					Code:       nn.OpRmsNorm,
					Name:       "block_norm_0",
					Index:      3,
					Input:      nn.PointerBatch(nn.SrcBuffer, 0),
					Output:     nn.PointerBatchedSlice(nn.SrcPipe, 1),
					WeightSize: nn.Size1D(nn.F32, 64),
					Config:     nn.PackOpConfig(nn.RmsNormOpConfig{InvRmsBufferIndex: 2, NColumns: 1}),
				}},
				Syncs: []nn.SyncConfig{{PipeIndex: 1, Type: nn.SyncNodeSlices}},
			},
			{
				Syncs: []nn.SyncConfig{{PipeIndex: 0, Type: nn.SyncPpSend}},
			},
		},
	}

	errs := make(chan error, 2)
	go func() {
		writer := NewRootConfigWriter(root)
		errs <- writer.WriteNet(0, netConfig)
		errs <- writer.WriteNode(0, nodeConfig)
	}()
	reader := NewWorkerConfigReader(worker)
	gotNet, err := reader.ReadNet()
	if err != nil {
		t.Fatal(err)
	}
	gotNode, err := reader.ReadNode()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	if !reflect.DeepEqual(gotNet, netConfig) {
		t.Fatalf("net config mismatch:\n got %+v\nwant %+v", gotNet, netConfig)
	}
	if !reflect.DeepEqual(gotNode, nodeConfig) {
		t.Fatalf("node config mismatch:\n got %+v\nwant %+v", gotNode, nodeConfig)
	}
}

func TestTryReadWithMaxAttemptsTimesOut(t *testing.T) {
	_, worker := newLoopbackPair(t)
	buf := make([]byte, 12)
	ok, err := worker.TryReadWithMaxAttempts(0, buf, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("read must time out with no data pending")
	}
}

func TestSocketIndexForNode(t *testing.T) {
	root := &Network{nodeIndex: 0, nNodes: 3}
	if root.SocketIndexForNode(1) != 0 || root.SocketIndexForNode(2) != 1 {
		t.Fatal("root socket mapping is off")
	}
	// Worker 2 (global node 2) holds [root, worker1] in socket order.
	w := &Network{nodeIndex: 2, nNodes: 3}
	if w.SocketIndexForNode(0) != 0 {
		t.Fatal("worker must reach root on socket 0")
	}
	if w.SocketIndexForNode(1) != 1 {
		t.Fatal("worker 2 must reach worker 1 on socket 1")
	}
	// Worker 1 (global node 1) holds [root, worker2].
	w1 := &Network{nodeIndex: 1, nNodes: 3}
	if w1.SocketIndexForNode(2) != 1 {
		t.Fatal("worker 1 must reach worker 2 on socket 1")
	}
}
