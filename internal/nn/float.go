package nn

import (
	"fmt"

	"github.com/calderhughes/weft/pkg/quant"
)

// FloatType identifies the storage format of a tensor.
type FloatType int32

const (
	// FUnk is the sentinel type used only for zero-size slots.
	FUnk FloatType = iota - 1
	F32
	F16
	Q40
	Q80
)

func (t FloatType) String() string {
	switch t {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case Q40:
		return "q40"
	case Q80:
		return "q80"
	case FUnk:
		return "unk"
	}
	return fmt.Sprintf("floatType(%d)", int32(t))
}

// ParseFloatType parses the CLI spelling of a float type.
func ParseFloatType(s string) (FloatType, error) {
	switch s {
	case "f32":
		return F32, nil
	case "f16":
		return F16, nil
	case "q40":
		return Q40, nil
	case "q80":
		return Q80, nil
	}
	return FUnk, fmt.Errorf("invalid float type: %q", s)
}

// BlockSize returns the quantization block size of t. F32 and F16 are
// element-addressable and report 1.
func BlockSize(t FloatType) int {
	switch t {
	case F32, F16:
		return 1
	case Q40:
		return quant.QK40
	case Q80:
		return quant.QK80
	}
	panic(fmt.Sprintf("unsupported float type: %d", t))
}

// Bytes returns the byte size of n elements of type t. For quantized types
// n must be a multiple of the block size.
func Bytes(t FloatType, n int) int {
	switch t {
	case F32:
		return n * 4
	case F16:
		return n * 2
	case Q40:
		if n%quant.QK40 != 0 {
			panic(fmt.Sprintf("q40 element count %d is not block aligned", n))
		}
		return (n / quant.QK40) * quant.BlockQ40Bytes
	case Q80:
		if n%quant.QK80 != 0 {
			panic(fmt.Sprintf("q80 element count %d is not block aligned", n))
		}
		return (n / quant.QK80) * quant.BlockQ80Bytes
	}
	panic(fmt.Sprintf("unsupported float type: %d", t))
}

// OpQuant is the <input>_<weight>_<output> quantization triple an operator
// kernel is compiled for.
type OpQuant int32

const (
	F32F32F32 OpQuant = iota
	F32Q40F32
	F32Q40Q80
	F32F32Q80
	Q80Q80Q80
	Q80Q80F32
	Q80Q40F32
	Q80F32F32
)

func (q OpQuant) String() string {
	switch q {
	case F32F32F32:
		return "F32_F32_F32"
	case F32Q40F32:
		return "F32_Q40_F32"
	case F32Q40Q80:
		return "F32_Q40_Q80"
	case F32F32Q80:
		return "F32_F32_Q80"
	case Q80Q80Q80:
		return "Q80_Q80_Q80"
	case Q80Q80F32:
		return "Q80_Q80_F32"
	case Q80Q40F32:
		return "Q80_Q40_F32"
	case Q80F32F32:
		return "Q80_F32_F32"
	}
	return fmt.Sprintf("opQuant(%d)", int32(q))
}

// GetOpQuant resolves the quant triple for an op. A weight type of FUnk
// means the op has no weight and the triple degrades to <input>_<input>_<output>.
func GetOpQuant(input, weight, output FloatType) (OpQuant, error) {
	switch {
	case input == F32 && output == F32:
		if weight == FUnk || weight == F32 {
			return F32F32F32, nil
		}
		if weight == Q40 {
			return F32Q40F32, nil
		}
	case input == F32 && output == Q80:
		if weight == FUnk || weight == F32 {
			return F32F32Q80, nil
		}
		if weight == Q40 {
			return F32Q40Q80, nil
		}
	case input == Q80 && output == F32:
		if weight == FUnk || weight == Q80 {
			return Q80Q80F32, nil
		}
		if weight == F32 {
			return Q80F32F32, nil
		}
		if weight == Q40 {
			return Q80Q40F32, nil
		}
	case input == Q80 && output == Q80:
		if weight == FUnk || weight == Q80 {
			return Q80Q80Q80, nil
		}
	}
	return 0, fmt.Errorf("unsupported op quant: %s/%s/%s", input, weight, output)
}
