package nn

import "fmt"

// OpCode identifies an operator kernel.
type OpCode int32

const (
	OpMergeAdd OpCode = iota
	OpMergeSum
	OpEmbedding
	OpInvRms
	OpRmsNorm
	OpMatmul
	OpRope
	OpMultiheadAtt
	OpGelu
	OpSilu
	OpMul
	OpScale
	OpCast
	OpRepeatZ
	OpShift
	OpSoftmax
	OpMoeGate
)

func (c OpCode) String() string {
	switch c {
	case OpMergeAdd:
		return "MERGE_ADD"
	case OpMergeSum:
		return "MERGE_SUM"
	case OpEmbedding:
		return "EMBEDDING"
	case OpInvRms:
		return "INV_RMS"
	case OpRmsNorm:
		return "RMS_NORM"
	case OpMatmul:
		return "MATMUL"
	case OpRope:
		return "ROPE"
	case OpMultiheadAtt:
		return "MULTIHEAD_ATT"
	case OpGelu:
		return "GELU"
	case OpSilu:
		return "SILU"
	case OpMul:
		return "MUL"
	case OpScale:
		return "SCALE"
	case OpCast:
		return "CAST"
	case OpRepeatZ:
		return "REPEAT_Z"
	case OpShift:
		return "SHIFT"
	case OpSoftmax:
		return "SOFTMAX"
	case OpMoeGate:
		return "MOE_GATE"
	}
	return fmt.Sprintf("opCode(%d)", int32(c))
}

// PointerSource selects where a pointer config resolves from.
type PointerSource int32

const (
	SrcPipe PointerSource = iota
	SrcBuffer
)

// PointerKind selects how a pointer config is expanded by the device.
type PointerKind int32

const (
	// PtrRaw resolves to a single pointer at the start of the slot.
	PtrRaw PointerKind = iota
	// PtrBatch resolves to one pointer per batch row.
	PtrBatch
	// PtrBatchedSlice resolves to one pointer per batch row, shifted to
	// this node's slice of the slot's x dimension.
	PtrBatchedSlice
)

// SyncType identifies a collective primitive run at a segment boundary.
type SyncType int32

const (
	// SyncWithRoot broadcasts the whole pipe row from the group root.
	SyncWithRoot SyncType = iota
	// SyncNodeSlices all-to-all exchanges per-node slices inside the group.
	SyncNodeSlices
	// SyncNodeSlicesExceptRoot gathers worker slices to root only.
	SyncNodeSlicesExceptRoot
	// SyncPpSend sends the full row from this stage's root to the next stage's root.
	SyncPpSend
	// SyncPpRecv reads the full row from the previous stage's root.
	SyncPpRecv
)

func (s SyncType) String() string {
	switch s {
	case SyncWithRoot:
		return "SYNC_WITH_ROOT"
	case SyncNodeSlices:
		return "SYNC_NODE_SLICES"
	case SyncNodeSlicesExceptRoot:
		return "SYNC_NODE_SLICES_EXCEPT_ROOT"
	case SyncPpSend:
		return "SYNC_PP_SEND"
	case SyncPpRecv:
		return "SYNC_PP_RECV"
	}
	return fmt.Sprintf("syncType(%d)", int32(s))
}

// RopeType selects the rotary embedding family.
type RopeType int32

const (
	RopeLlama RopeType = iota
	RopeFalcon
	RopeLlama31
)

func (r RopeType) String() string {
	switch r {
	case RopeLlama:
		return "Llama"
	case RopeFalcon:
		return "Falcon"
	case RopeLlama31:
		return "Llama3.1"
	}
	return fmt.Sprintf("ropeType(%d)", int32(r))
}
