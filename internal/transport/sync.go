package transport

import (
	"fmt"

	"github.com/calderhughes/weft/internal/executor"
	"github.com/calderhughes/weft/internal/nn"
)

// Synchronizer runs the collective primitives over the socket mesh. The
// group of a collective is the stage containing this node when a partition
// plan is bound, otherwise the whole net. Slice offsets come from the
// plan's single span matcher so every peer agrees on the exchange layout.
type Synchronizer struct {
	network    *Network
	execution  *executor.NetExecution
	netConfig  *nn.NetConfig
	nodeConfig *nn.NodeConfig
	plan       *nn.PartitionPlan
	myStage    *nn.StageConfig
}

func NewSynchronizer(network *Network, execution *executor.NetExecution, netConfig *nn.NetConfig, nodeConfig *nn.NodeConfig, plan *nn.PartitionPlan) *Synchronizer {
	return &Synchronizer{
		network:    network,
		execution:  execution,
		netConfig:  netConfig,
		nodeConfig: nodeConfig,
		plan:       plan,
		myStage:    plan.StageForNode(nodeConfig.NodeIndex),
	}
}

// groupNodes returns the node ids participating in a collective.
func (s *Synchronizer) groupNodes(stage *nn.StageConfig) []int {
	if stage != nil {
		return stage.NodeIndices
	}
	nodes := make([]int, s.netConfig.NNodes)
	for i := range nodes {
		nodes[i] = i
	}
	return nodes
}

func groupRoot(stage *nn.StageConfig) int {
	if stage != nil {
		return stage.RootNodeIndex
	}
	return 0
}

// threadShare deals a contiguous share of targets to one pool thread.
func threadShare(nTargets, nThreads, threadIndex int) (int, int) {
	count := nTargets/nThreads + boolToInt(nTargets%nThreads > threadIndex)
	start := 0
	for t := 0; t < threadIndex; t++ {
		start += nTargets/nThreads + boolToInt(nTargets%nThreads > t)
	}
	return start, start + count
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// syncWithRoot broadcasts one batch row from the group root to every other
// member. A singleton group is a no-op.
func (s *Synchronizer) syncWithRoot(row []byte, nThreads, threadIndex int, stage *nn.StageConfig) error {
	root := groupRoot(stage)
	me := s.nodeConfig.NodeIndex
	if me == root {
		var targets []int
		for _, node := range s.groupNodes(stage) {
			if node != me {
				targets = append(targets, s.network.SocketIndexForNode(node))
			}
		}
		start, end := threadShare(len(targets), nThreads, threadIndex)
		ios := make([]SocketIo, 0, end-start)
		for _, socketIndex := range targets[start:end] {
			ios = append(ios, SocketIo{SocketIndex: socketIndex, Data: row})
		}
		return s.network.WriteMany(ios)
	}
	if threadIndex != 0 {
		return nil
	}
	return s.network.Read(s.network.SocketIndexForNode(root), row)
}

// syncNodeSlices exchanges per-node slices of one batch row. With
// onlyToRoot set, workers send their slice to the group root and the root
// only receives (the logits gather).
func (s *Synchronizer) syncNodeSlices(onlyToRoot bool, row []byte, nThreads, threadIndex int, stage *nn.StageConfig) error {
	root := groupRoot(stage)
	me := s.nodeConfig.NodeIndex
	amRoot := me == root

	var targetSockets []int
	var targetNodes []int
	for _, node := range s.groupNodes(stage) {
		if node == me {
			continue
		}
		if onlyToRoot && !amRoot && node != root {
			continue
		}
		targetSockets = append(targetSockets, s.network.SocketIndexForNode(node))
		targetNodes = append(targetNodes, node)
	}

	start, end := threadShare(len(targetSockets), nThreads, threadIndex)
	if start == end {
		return nil
	}
	spans := s.plan.SliceSpans(len(row), s.netConfig.NNodes)

	// Send and receive overlap so two peers pushing large slices at each
	// other cannot stall on full socket buffers.
	writeDone := make(chan error, 1)
	if !(onlyToRoot && amRoot) {
		mine := spans[me]
		ios := make([]SocketIo, 0, end-start)
		for _, socketIndex := range targetSockets[start:end] {
			ios = append(ios, SocketIo{SocketIndex: socketIndex, Data: row[mine.Start : mine.Start+mine.Length]})
		}
		go func() { writeDone <- s.network.WriteMany(ios) }()
	} else {
		writeDone <- nil
	}
	var readErr error
	if !(onlyToRoot && !amRoot) {
		ios := make([]SocketIo, 0, end-start)
		for i := start; i < end; i++ {
			span := spans[targetNodes[i]]
			ios = append(ios, SocketIo{SocketIndex: targetSockets[i], Data: row[span.Start : span.Start+span.Length]})
		}
		readErr = s.network.ReadMany(ios)
	}
	if err := <-writeDone; err != nil {
		return err
	}
	return readErr
}

// syncPpSend forwards one full batch row from this stage's root to the
// next stage's root. Single thread only.
func (s *Synchronizer) syncPpSend(row []byte) error {
	if s.myStage == nil || s.myStage.RootNodeIndex != s.nodeConfig.NodeIndex {
		return nil
	}
	next := s.myStage.StageIndex + 1
	if next >= s.plan.NStages {
		return nil
	}
	return s.network.SendToNode(s.plan.Stages[next].RootNodeIndex, row)
}

// syncPpRecv reads one full batch row from the previous stage's root.
func (s *Synchronizer) syncPpRecv(row []byte) error {
	if s.myStage == nil || s.myStage.RootNodeIndex != s.nodeConfig.NodeIndex {
		return nil
	}
	prev := s.myStage.StageIndex - 1
	if prev < 0 {
		return nil
	}
	return s.network.RecvFromNode(s.plan.Stages[prev].RootNodeIndex, row)
}

// SyncSegment runs every collective declared on a segment, batch row by
// batch row.
func (s *Synchronizer) SyncSegment(segmentIndex, nThreads, threadIndex int) error {
	segment := &s.nodeConfig.Segments[segmentIndex]
	for _, syncConfig := range segment.Syncs {
		pipe := s.execution.Pipes[syncConfig.PipeIndex]
		pipeConfig := &s.netConfig.Pipes[syncConfig.PipeIndex]
		batchBytes := nn.Bytes(pipeConfig.Size.Type, pipeConfig.Size.X)

		for batchIndex := 0; batchIndex < s.execution.BatchSize(); batchIndex++ {
			row := pipe[batchIndex*batchBytes : (batchIndex+1)*batchBytes]
			var err error
			switch syncConfig.Type {
			case nn.SyncWithRoot:
				err = s.syncWithRoot(row, nThreads, threadIndex, s.myStage)
			case nn.SyncNodeSlices:
				err = s.syncNodeSlices(false, row, nThreads, threadIndex, s.myStage)
			case nn.SyncNodeSlicesExceptRoot:
				err = s.syncNodeSlices(true, row, nThreads, threadIndex, nil)
			case nn.SyncPpSend:
				if threadIndex == 0 {
					err = s.syncPpSend(row)
				}
			case nn.SyncPpRecv:
				if threadIndex == 0 {
					err = s.syncPpRecv(row)
				}
			default:
				err = fmt.Errorf("unknown sync type: %d", syncConfig.Type)
			}
			if err != nil {
				return fmt.Errorf("%s pipe %s: %w", syncConfig.Type, pipeConfig.Name, err)
			}
		}
	}
	return nil
}

// SyncPipe broadcasts a whole pipe from the global root to every node; the
// executor calls it for every pre-sync pipe before the first segment.
func (s *Synchronizer) SyncPipe(pipeIndex, nThreads, threadIndex int) error {
	pipe := s.execution.Pipes[pipeIndex]
	pipeConfig := &s.netConfig.Pipes[pipeIndex]
	batchBytes := nn.Bytes(pipeConfig.Size.Type, pipeConfig.Size.X)
	for batchIndex := 0; batchIndex < s.execution.BatchSize(); batchIndex++ {
		row := pipe[batchIndex*batchBytes : (batchIndex+1)*batchBytes]
		if err := s.syncWithRoot(row, nThreads, threadIndex, nil); err != nil {
			return err
		}
	}
	return nil
}

// FakeSynchronizer is the single-node synchronizer: every primitive is a
// no-op because there are no peers.
type FakeSynchronizer struct{}

func (FakeSynchronizer) SyncSegment(segmentIndex, nThreads, threadIndex int) error { return nil }

func (FakeSynchronizer) SyncPipe(pipeIndex, nThreads, threadIndex int) error { return nil }
