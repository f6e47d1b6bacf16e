package nn

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PipeConfig describes a shared inter-segment tensor slot. Pipes are sized
// once at net level and never rebound.
type PipeConfig struct {
	Name string
	Size Size3D
}

// BufferConfig describes a node-local scratch slot.
type BufferConfig struct {
	Name string
	Size Size3D
}

// PointerConfig is a tagged reference into a pipe or buffer.
type PointerConfig struct {
	Source PointerSource
	Index  int
	Kind   PointerKind
}

func PointerRaw(source PointerSource, index int) PointerConfig {
	return PointerConfig{Source: source, Index: index, Kind: PtrRaw}
}

func PointerBatch(source PointerSource, index int) PointerConfig {
	return PointerConfig{Source: source, Index: index, Kind: PtrBatch}
}

func PointerBatchedSlice(source PointerSource, index int) PointerConfig {
	return PointerConfig{Source: source, Index: index, Kind: PtrBatchedSlice}
}

// HasContinuousMemory reports whether the resolved pointers address one
// contiguous region (false only for per-node slices of a wider row).
func (p PointerConfig) HasContinuousMemory() bool {
	return p.Kind != PtrBatchedSlice
}

// OpConfig is one operator instance in a segment. Config is the kernel's
// opaque parameter blob (see PackOpConfig).
type OpConfig struct {
	Code       OpCode
	Name       string
	Index      int
	Input      PointerConfig
	Output     PointerConfig
	WeightSize Size3D
	Config     []byte
}

// SyncConfig is one collective run after a segment's ops.
type SyncConfig struct {
	PipeIndex int
	Type      SyncType
}

// SegmentConfig is an ordered list of ops followed by an ordered list of syncs.
type SegmentConfig struct {
	Ops   []OpConfig
	Syncs []SyncConfig
}

// NetConfig is the net-global topology: batch capacity, node count, pipes,
// and the pipes replicated from root before every forward.
type NetConfig struct {
	NBatches int
	NNodes   int
	Pipes    []PipeConfig
	PreSyncs []int
}

// NodeConfig is one node's executable graph. Plan is bound by the builder so
// the device can resolve batched-slice pointers against the true offsets.
type NodeConfig struct {
	NodeIndex int
	Buffers   []BufferConfig
	Segments  []SegmentConfig
	Plan      *PartitionPlan
}

// Typed op parameter blobs. All fields are fixed-width so the blobs stream
// over the wire byte-identically on every node.

type InvRmsOpConfig struct {
	Epsilon  float32
	NColumns uint32
}

type RmsNormOpConfig struct {
	InvRmsBufferIndex uint32
	NColumns          uint32
}

type MatmulOpConfig struct {
	NExperts                       uint32
	NActiveExperts                 uint32
	ActiveExpertIndexesBufferIndex uint32
}

type RopeOpConfig struct {
	Type                  int32
	IsQ                   uint32
	PositionPipeIndex     uint32
	RopeCacheBufferIndex  uint32
	ScalingFactor         float32
	ScalingLowFreqFactor  float32
	ScalingHighFreqFactor float32
	ScalingOrigMaxSeqLen  uint32
	QDimStart             uint32
	QDimLen               uint32
	QShift                uint32
	KvDimStart            uint32
	KvDimLen              uint32
	SliceDim              uint32
	SeqLen                uint32
	HeadDim               uint32
	RopeTheta             float32
}

type MultiheadAttOpConfig struct {
	NHeads                uint32
	NHeads0               uint32
	NKvHeads              uint32
	HeadDim               uint32
	SeqLen                uint32
	QSliceD0              uint32
	KvDim0                uint32
	PositionPipeIndex     uint32
	QueryBufferIndex      uint32
	KeyCacheBufferIndex   uint32
	ValueCacheBufferIndex uint32
	AttBufferIndex        uint32
}

type MulOpConfig struct {
	MultiplierBufferIndex uint32
}

type ScaleOpConfig struct {
	ScaleBufferIndex uint32
}

type ShiftOpConfig struct {
	IndexPipeIndex uint32
}

type MoeGateOpConfig struct {
	K                  uint32
	NormTopk           uint32
	IndexesBufferIndex uint32
}

// PackOpConfig serializes a typed op parameter blob to its wire form.
// Passing nil returns an empty blob.
func PackOpConfig(v any) []byte {
	if v == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("pack op config: %v", err))
	}
	return buf.Bytes()
}

// UnpackOpConfig deserializes an op parameter blob into out, which must be
// a pointer to the matching typed blob.
func UnpackOpConfig(blob []byte, out any) error {
	return binary.Read(bytes.NewReader(blob), binary.LittleEndian, out)
}

// NetConfigBuilder accumulates pipes and pre-syncs.
type NetConfigBuilder struct {
	config NetConfig
}

func NewNetConfigBuilder(nNodes, nBatches int) *NetConfigBuilder {
	return &NetConfigBuilder{config: NetConfig{NBatches: nBatches, NNodes: nNodes}}
}

// AddPipe registers a pipe and returns its index.
func (b *NetConfigBuilder) AddPipe(name string, size Size3D) int {
	b.config.Pipes = append(b.config.Pipes, PipeConfig{Name: name, Size: size})
	return len(b.config.Pipes) - 1
}

// AddPreSync marks a pipe for broadcast from root before every forward.
func (b *NetConfigBuilder) AddPreSync(pipeIndex int) {
	b.config.PreSyncs = append(b.config.PreSyncs, pipeIndex)
}

func (b *NetConfigBuilder) Build() NetConfig {
	return b.config
}

// SegmentBuilder accumulates one segment's ops and syncs.
type SegmentBuilder struct {
	segment SegmentConfig
}

func (b *SegmentBuilder) AddOp(code OpCode, name string, index int, input, output PointerConfig, weightSize Size3D, config any) {
	b.segment.Ops = append(b.segment.Ops, OpConfig{
		Code:       code,
		Name:       name,
		Index:      index,
		Input:      input,
		Output:     output,
		WeightSize: weightSize,
		Config:     PackOpConfig(config),
	})
}

func (b *SegmentBuilder) AddSync(pipeIndex int, syncType SyncType) {
	b.segment.Syncs = append(b.segment.Syncs, SyncConfig{PipeIndex: pipeIndex, Type: syncType})
}

func (b *SegmentBuilder) Build() SegmentConfig {
	return b.segment
}

// NodeConfigBuilder accumulates one node's buffers and segments.
type NodeConfigBuilder struct {
	config NodeConfig
}

func NewNodeConfigBuilder(nodeIndex int) *NodeConfigBuilder {
	return &NodeConfigBuilder{config: NodeConfig{NodeIndex: nodeIndex}}
}

// AddBuffer registers a scratch slot and returns its index.
func (b *NodeConfigBuilder) AddBuffer(name string, size Size3D) int {
	b.config.Buffers = append(b.config.Buffers, BufferConfig{Name: name, Size: size})
	return len(b.config.Buffers) - 1
}

func (b *NodeConfigBuilder) AddSegment(segment SegmentConfig) {
	b.config.Segments = append(b.config.Segments, segment)
}

func (b *NodeConfigBuilder) Build() NodeConfig {
	return b.config
}

// RequiredMemory totals the pipes, buffers, weights, and config blobs one
// node allocates for a net.
func RequiredMemory(netConfig *NetConfig, nodeConfig *NodeConfig) int {
	total := 0
	for i := range netConfig.Pipes {
		total += netConfig.Pipes[i].Size.NBytes
	}
	for i := range nodeConfig.Buffers {
		total += nodeConfig.Buffers[i].Size.NBytes
	}
	for i := range nodeConfig.Segments {
		segment := &nodeConfig.Segments[i]
		for j := range segment.Ops {
			total += segment.Ops[j].WeightSize.NBytes
			total += len(segment.Ops[j].Config)
		}
	}
	return total
}
