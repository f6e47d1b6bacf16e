package executor

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/calderhughes/weft/internal/nn"
)

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Step identifies a profiling bucket.
type Step int

const (
	StepExecuteOp Step = iota
	StepSyncNodes
	nSteps
)

// Device allocates buffers and compiles segments into executable form.
type Device interface {
	MaxThreads() int
	CreateSegment(segmentIndex int) (DeviceSegment, error)
}

// DeviceSegment executes the ops of one segment. Forward is called once per
// thread per op; the threads collectively produce the op's full output.
type DeviceSegment interface {
	LoadWeight(opIndex, offset, nBytes int, weight []byte) error
	Forward(opIndex, nThreads, threadIndex, batchSize int)
}

// Synchronizer runs the collectives declared on a segment and the
// pre-forward pipe broadcasts.
type Synchronizer interface {
	SyncSegment(segmentIndex, nThreads, threadIndex int) error
	SyncPipe(pipeIndex, nThreads, threadIndex int) error
}

// ExecutorDevice binds a device to an inclusive segment range
// [SegmentFrom, SegmentTo]. A negative SegmentFrom means "all segments".
type ExecutorDevice struct {
	Device      Device
	SegmentFrom int
	SegmentTo   int
}

// Executor walks a node's segments: ops fan out over the thread pool with a
// barrier at every op boundary, then the segment's syncs run.
type Executor struct {
	netConfig    *nn.NetConfig
	nodeConfig   *nn.NodeConfig
	execution    *NetExecution
	synchronizer Synchronizer
	segments     []DeviceSegment
	profile      bool

	totalTime [nSteps]uint64
}

// NewExecutor compiles every op-bearing segment on the device covering its
// index. Sync-only segments need no device segment.
func NewExecutor(netConfig *nn.NetConfig, nodeConfig *nn.NodeConfig, devices []ExecutorDevice, execution *NetExecution, synchronizer Synchronizer, profile bool) (*Executor, error) {
	e := &Executor{
		netConfig:    netConfig,
		nodeConfig:   nodeConfig,
		execution:    execution,
		synchronizer: synchronizer,
		segments:     make([]DeviceSegment, len(nodeConfig.Segments)),
		profile:      profile,
	}
	for segmentIndex := range nodeConfig.Segments {
		if len(nodeConfig.Segments[segmentIndex].Ops) == 0 {
			continue
		}
		device := resolveDevice(devices, segmentIndex)
		if device == nil {
			return nil, fmt.Errorf("no device covers segment %d", segmentIndex)
		}
		segment, err := device.CreateSegment(segmentIndex)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", segmentIndex, err)
		}
		e.segments[segmentIndex] = segment
	}
	return e, nil
}

func resolveDevice(devices []ExecutorDevice, segmentIndex int) Device {
	for i := range devices {
		d := &devices[i]
		if d.SegmentFrom < 0 || (segmentIndex >= d.SegmentFrom && segmentIndex <= d.SegmentTo) {
			return d.Device
		}
	}
	return nil
}

// LoadWeight places weight bytes into the op identified by name and index.
func (e *Executor) LoadWeight(opName string, opIndex, offset, nBytes int, weight []byte) error {
	for segmentIndex := range e.nodeConfig.Segments {
		segment := &e.nodeConfig.Segments[segmentIndex]
		for i := range segment.Ops {
			op := &segment.Ops[i]
			if op.Name == opName && op.Index == opIndex {
				return e.segments[segmentIndex].LoadWeight(i, offset, nBytes, weight)
			}
		}
	}
	return fmt.Errorf("op not found: %s index %d", opName, opIndex)
}

// fanOut runs fn once per pool thread and blocks until all return. The
// first error wins.
func (e *Executor) fanOut(fn func(nThreads, threadIndex int) error) error {
	nThreads := e.execution.NThreads
	if nThreads == 1 {
		return fn(1, 0)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	wg.Add(nThreads)
	for threadIndex := range nThreads {
		go func() {
			defer wg.Done()
			if err := fn(nThreads, threadIndex); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Forward runs one full pass: pre-sync pipes, then every segment's ops and
// syncs in order.
func (e *Executor) Forward() error {
	batchSize := e.execution.BatchSize()
	if batchSize < 1 {
		return fmt.Errorf("batch size is not set")
	}
	for s := range e.totalTime {
		e.totalTime[s] = 0
	}

	for _, pipeIndex := range e.netConfig.PreSyncs {
		start := time.Now()
		if err := e.fanOut(func(nThreads, threadIndex int) error {
			return e.synchronizer.SyncPipe(pipeIndex, nThreads, threadIndex)
		}); err != nil {
			return fmt.Errorf("pre-sync pipe %d: %w", pipeIndex, err)
		}
		e.record(StepSyncNodes, start)
	}

	for segmentIndex := range e.nodeConfig.Segments {
		segment := &e.nodeConfig.Segments[segmentIndex]
		if deviceSegment := e.segments[segmentIndex]; deviceSegment != nil {
			start := time.Now()
			for opIndex := range segment.Ops {
				if err := e.fanOut(func(nThreads, threadIndex int) error {
					deviceSegment.Forward(opIndex, nThreads, threadIndex, batchSize)
					return nil
				}); err != nil {
					return err
				}
			}
			e.record(StepExecuteOp, start)
		}
		if len(segment.Syncs) > 0 {
			start := time.Now()
			if err := e.fanOut(func(nThreads, threadIndex int) error {
				return e.synchronizer.SyncSegment(segmentIndex, nThreads, threadIndex)
			}); err != nil {
				return fmt.Errorf("segment %d sync: %w", segmentIndex, err)
			}
			e.record(StepSyncNodes, start)
		}
	}
	return nil
}

func (e *Executor) record(step Step, start time.Time) {
	if e.profile {
		e.totalTime[step] += uint64(time.Since(start).Microseconds())
	}
}

// TotalTime returns the microseconds accumulated in a profiling bucket
// during the last Forward. Zero when profiling is disabled.
func (e *Executor) TotalTime(step Step) uint64 {
	return e.totalTime[step]
}
