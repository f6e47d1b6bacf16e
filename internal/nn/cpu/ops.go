package cpu

import (
	"fmt"

	"github.com/calderhughes/weft/internal/nn"
)

type opForward func(nThreads, threadIndex, batchSize int, ctx *OpContext)

type opInit func(ctx *OpContext) error

type opKey struct {
	code  nn.OpCode
	quant nn.OpQuant
}

// opTable is the flat (code, quant triple) → kernel lookup. A missing entry
// means the combination is unsupported and segment compilation fails.
var opTable = map[opKey]opForward{
	{nn.OpMergeAdd, nn.F32F32F32}: mergeAddF32,
	{nn.OpMergeAdd, nn.Q80Q80F32}: mergeAddQ80,
	{nn.OpMergeSum, nn.F32F32F32}: mergeSumF32,

	{nn.OpEmbedding, nn.F32F32F32}: embeddingF32,

	{nn.OpInvRms, nn.F32F32F32}:  invRmsF32,
	{nn.OpRmsNorm, nn.F32F32F32}: rmsNormF32,

	{nn.OpMatmul, nn.F32F32F32}: matmulF32F32,
	{nn.OpMatmul, nn.F32Q40F32}: matmulF32Q40,
	{nn.OpMatmul, nn.Q80Q40F32}: matmulQ80Q40,
	{nn.OpMatmul, nn.Q80Q80F32}: matmulQ80Q80,
	{nn.OpMatmul, nn.Q80F32F32}: matmulQ80F32,

	{nn.OpRope, nn.F32F32F32}:         ropeF32,
	{nn.OpMultiheadAtt, nn.F32F32F32}: multiheadAttF32,

	{nn.OpGelu, nn.F32F32F32}:  geluForward,
	{nn.OpSilu, nn.F32F32F32}:  siluForward,
	{nn.OpMul, nn.F32F32F32}:   mulF32,
	{nn.OpScale, nn.F32F32F32}: scaleF32,

	{nn.OpCast, nn.F32F32F32}: castCopy,
	{nn.OpCast, nn.F32F32Q80}: castF32Q80,
	{nn.OpCast, nn.Q80Q80F32}: castQ80F32,

	{nn.OpRepeatZ, nn.F32F32F32}: repeatZF32,
	{nn.OpRepeatZ, nn.F32F32Q80}: repeatZF32Q80,

	{nn.OpShift, nn.F32F32F32}:   shiftF32,
	{nn.OpSoftmax, nn.F32F32F32}: softmaxForward,
	{nn.OpMoeGate, nn.F32F32F32}: moeGateF32,
}

func getOpForward(code nn.OpCode, quant nn.OpQuant) opForward {
	return opTable[opKey{code, quant}]
}

func getOpInit(code nn.OpCode) opInit {
	switch code {
	case nn.OpInvRms:
		return decodeParam[nn.InvRmsOpConfig]
	case nn.OpRmsNorm:
		return decodeParam[nn.RmsNormOpConfig]
	case nn.OpMatmul:
		return decodeParam[nn.MatmulOpConfig]
	case nn.OpRope:
		return initRope
	case nn.OpMultiheadAtt:
		return decodeParam[nn.MultiheadAttOpConfig]
	case nn.OpMul:
		return decodeParam[nn.MulOpConfig]
	case nn.OpScale:
		return decodeParam[nn.ScaleOpConfig]
	case nn.OpShift:
		return decodeParam[nn.ShiftOpConfig]
	case nn.OpMoeGate:
		return decodeParam[nn.MoeGateOpConfig]
	}
	return nil
}

func decodeParam[T any](ctx *OpContext) error {
	param := new(T)
	if err := nn.UnpackOpConfig(ctx.Config, param); err != nil {
		return fmt.Errorf("decode %s config: %w", ctx.Code, err)
	}
	ctx.Param = param
	return nil
}

// initRope decodes the rope config and fills the shared cos/sin cache once
// per cache buffer (the Q and K rope ops of a layer share one cache).
func initRope(ctx *OpContext) error {
	if err := decodeParam[nn.RopeOpConfig](ctx); err != nil {
		return err
	}
	cfg := ctx.Param.(*nn.RopeOpConfig)
	cacheIndex := int(cfg.RopeCacheBufferIndex)
	if ctx.BufferFlags[cacheIndex] == 0 {
		nn.FillRopeCache(cfg, asF32(ctx.Buffers[cacheIndex]))
		ctx.BufferFlags[cacheIndex] = 1
	}
	return nil
}
