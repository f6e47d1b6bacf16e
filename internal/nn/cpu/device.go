// Package cpu implements the CPU device: aligned buffer allocation,
// pointer resolution against the partition plan, and the operator kernel
// table.
package cpu

import (
	"fmt"

	"github.com/calderhughes/weft/internal/executor"
	"github.com/calderhughes/weft/internal/nn"
)

// Device owns a node's scratch buffers and compiles segments into kernel
// call lists. The partition plan is consulted to resolve batched-slice
// pointers against the true, possibly non-uniform, per-node offsets.
type Device struct {
	netConfig  *nn.NetConfig
	nodeConfig *nn.NodeConfig
	execution  *executor.NetExecution
	plan       *nn.PartitionPlan

	buffers     [][]byte
	bufferFlags []byte
}

func NewDevice(netConfig *nn.NetConfig, nodeConfig *nn.NodeConfig, execution *executor.NetExecution, plan *nn.PartitionPlan) *Device {
	d := &Device{
		netConfig:   netConfig,
		nodeConfig:  nodeConfig,
		execution:   execution,
		plan:        plan,
		buffers:     make([][]byte, len(nodeConfig.Buffers)),
		bufferFlags: make([]byte, len(nodeConfig.Buffers)),
	}
	for i := range nodeConfig.Buffers {
		d.buffers[i] = executor.AllocAligned(nodeConfig.Buffers[i].Size.NBytes)
	}
	return d
}

func (d *Device) MaxThreads() int {
	return maxHardwareThreads()
}

// OpContext is the per-op state handed to a kernel on every call.
type OpContext struct {
	Name       string
	Code       nn.OpCode
	Quant      nn.OpQuant
	Config     []byte
	Param      any
	WeightSize nn.Size3D
	Weight     []byte
	NBatches   int

	Input      [][]byte
	Output     [][]byte
	InputSize  nn.Size3D
	OutputSize nn.Size3D

	Pipes         [][]byte
	PipeConfigs   []nn.PipeConfig
	Buffers       [][]byte
	BufferConfigs []nn.BufferConfig
	BufferFlags   []byte
}

// Segment is a compiled segment: one forward function and context per op.
type Segment struct {
	forwards []opForward
	contexts []*OpContext
}

// CreateSegment resolves every op's pointers, selects its kernel by
// (code, quant triple), and runs one-time kernel init (e.g. the rope cache).
func (d *Device) CreateSegment(segmentIndex int) (executor.DeviceSegment, error) {
	segmentConfig := &d.nodeConfig.Segments[segmentIndex]
	if len(segmentConfig.Ops) == 0 {
		return nil, fmt.Errorf("segment %d has no ops", segmentIndex)
	}

	segment := &Segment{
		forwards: make([]opForward, len(segmentConfig.Ops)),
		contexts: make([]*OpContext, len(segmentConfig.Ops)),
	}
	for opIndex := range segmentConfig.Ops {
		opConfig := &segmentConfig.Ops[opIndex]

		input, inputSize := d.resolvePointer(&opConfig.Input)
		output, outputSize := d.resolvePointer(&opConfig.Output)

		// A cast into a batched slice of an over-allocated pipe trusts the
		// input size: the plan matcher sizes the slot, the input is the
		// ground truth for how much the op actually writes.
		if opConfig.Code == nn.OpCast && opConfig.Output.Kind == nn.PtrBatchedSlice && inputSize.X != outputSize.X {
			outputSize = nn.NewSize3D(outputSize.Type, outputSize.Z, outputSize.Y, inputSize.X)
		}

		opQuant, err := nn.GetOpQuant(inputSize.Type, opConfig.WeightSize.Type, outputSize.Type)
		if err != nil {
			return nil, fmt.Errorf("op %s: %w", opConfig.Name, err)
		}
		forward := getOpForward(opConfig.Code, opQuant)
		if forward == nil {
			return nil, fmt.Errorf("unsupported cpu op: %s quant %s (op %s)", opConfig.Code, opQuant, opConfig.Name)
		}

		ctx := &OpContext{
			Name:          opConfig.Name,
			Code:          opConfig.Code,
			Quant:         opQuant,
			Config:        opConfig.Config,
			WeightSize:    opConfig.WeightSize,
			NBatches:      d.netConfig.NBatches,
			Input:         input,
			Output:        output,
			InputSize:     inputSize,
			OutputSize:    outputSize,
			Pipes:         d.execution.Pipes,
			PipeConfigs:   d.netConfig.Pipes,
			Buffers:       d.buffers,
			BufferConfigs: d.nodeConfig.Buffers,
			BufferFlags:   d.bufferFlags,
		}
		if ctx.WeightSize.NBytes > 0 {
			ctx.Weight = executor.AllocAligned(ctx.WeightSize.NBytes)
		}
		if init := getOpInit(opConfig.Code); init != nil {
			if err := init(ctx); err != nil {
				return nil, fmt.Errorf("op %s init: %w", opConfig.Name, err)
			}
		}
		segment.contexts[opIndex] = ctx
		segment.forwards[opIndex] = forward
	}
	return segment, nil
}

// resolvePointer expands a pointer config into per-row byte slices. RAW
// yields a single slice over the whole slot; BATCH yields one per batch
// row; BATCHED_SLICE additionally narrows each row to this node's span of
// the x dimension, resolved through the partition plan.
func (d *Device) resolvePointer(config *nn.PointerConfig) ([][]byte, nn.Size3D) {
	var source []byte
	var sourceSize nn.Size3D
	switch config.Source {
	case nn.SrcBuffer:
		source = d.buffers[config.Index]
		sourceSize = d.nodeConfig.Buffers[config.Index].Size
	case nn.SrcPipe:
		source = d.execution.Pipes[config.Index]
		sourceSize = d.netConfig.Pipes[config.Index].Size
	default:
		panic("unsupported pointer source")
	}

	if config.Kind == nn.PtrRaw {
		return [][]byte{source}, nn.Size1D(sourceSize.Type, sourceSize.Length)
	}

	rowBytes := nn.Bytes(sourceSize.Type, sourceSize.X)
	rows := make([][]byte, sourceSize.Z*sourceSize.Y)
	for z := 0; z < sourceSize.Z; z++ {
		for y := 0; y < sourceSize.Y; y++ {
			at := (z*sourceSize.Y + y) * rowBytes
			rows[z*sourceSize.Y+y] = source[at : at+rowBytes]
		}
	}
	if config.Kind == nn.PtrBatch {
		return rows, sourceSize
	}

	span := d.plan.SliceSpan(sourceSize.X, d.netConfig.NNodes, d.nodeConfig.NodeIndex)
	offsetBytes := nn.Bytes(sourceSize.Type, span.Start)
	lengthBytes := nn.Bytes(sourceSize.Type, span.Length)
	for i := range rows {
		rows[i] = rows[i][offsetBytes : offsetBytes+lengthBytes]
	}
	return rows, nn.NewSize3D(sourceSize.Type, sourceSize.Z, sourceSize.Y, span.Length)
}

// LoadWeight copies weight bytes into an op's weight slot, verifying the
// write stays inside the allocated size.
func (s *Segment) LoadWeight(opIndex, offset, nBytes int, weight []byte) error {
	ctx := s.contexts[opIndex]
	if offset+nBytes > ctx.WeightSize.NBytes {
		return fmt.Errorf("weight overflow in op %s: offset %d + %d bytes exceeds allocated %d",
			ctx.Name, offset, nBytes, ctx.WeightSize.NBytes)
	}
	copy(ctx.Weight[offset:offset+nBytes], weight[:nBytes])
	return nil
}

func (s *Segment) Forward(opIndex, nThreads, threadIndex, batchSize int) {
	s.forwards[opIndex](nThreads, threadIndex, batchSize, s.contexts[opIndex])
}
