// Package quant implements the block-quantized weight formats used by the
// engine: Q40 (4-bit, 32-element blocks) and Q80 (8-bit, 32-element blocks),
// plus scalar F16 conversion helpers.
//
// A Q40 block stores a float16 scale followed by 16 bytes of packed nibbles.
// A Q80 block stores a float16 scale followed by 32 signed bytes. Both block
// layouts match the on-disk weight format byte for byte, so slices of the
// memory-mapped model file can be consumed without conversion.
package quant

import (
	"math"

	"github.com/x448/float16"
)

const (
	// QK40 is the number of elements in one Q40 block.
	QK40 = 32
	// QK80 is the number of elements in one Q80 block.
	QK80 = 32

	// BlockQ40Bytes is the byte size of one Q40 block (f16 scale + 16 packed nibbles).
	BlockQ40Bytes = 2 + QK40/2
	// BlockQ80Bytes is the byte size of one Q80 block (f16 scale + 32 int8 values).
	BlockQ80Bytes = 2 + QK80
)

// F16To32 converts one IEEE half-precision value.
func F16To32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// F32To16 converts one float32 to IEEE half-precision bits.
func F32To16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

// DequantizeQ40 expands n Q40-quantized elements from src into dst.
// n must be a multiple of QK40 and dst must hold at least n values.
func DequantizeQ40(dst []float32, src []byte, n int) {
	nBlocks := n / QK40
	for b := 0; b < nBlocks; b++ {
		block := src[b*BlockQ40Bytes:]
		scale := F16To32(uint16(block[0]) | uint16(block[1])<<8)
		out := dst[b*QK40:]
		for i := 0; i < QK40/2; i++ {
			q := block[2+i]
			out[i] = (float32(q&0x0F) - 8) * scale
			out[i+QK40/2] = (float32(q>>4) - 8) * scale
		}
	}
}

// QuantizeQ80 packs n float32 values from src into Q80 blocks in dst.
// n must be a multiple of QK80 and dst must hold n/QK80 blocks.
func QuantizeQ80(dst []byte, src []float32, n int) {
	nBlocks := n / QK80
	for b := 0; b < nBlocks; b++ {
		in := src[b*QK80 : b*QK80+QK80]
		var amax float32
		for _, v := range in {
			a := float32(math.Abs(float64(v)))
			if a > amax {
				amax = a
			}
		}
		scale := amax / 127.0
		inv := float32(0)
		if scale != 0 {
			inv = 1.0 / scale
		}
		block := dst[b*BlockQ80Bytes:]
		bits := F32To16(scale)
		block[0] = byte(bits)
		block[1] = byte(bits >> 8)
		for i, v := range in {
			block[2+i] = byte(int8(math.Round(float64(v * inv))))
		}
	}
}

// DequantizeQ80 expands n Q80-quantized elements from src into dst.
func DequantizeQ80(dst []float32, src []byte, n int) {
	nBlocks := n / QK80
	for b := 0; b < nBlocks; b++ {
		block := src[b*BlockQ80Bytes:]
		scale := F16To32(uint16(block[0]) | uint16(block[1])<<8)
		out := dst[b*QK80:]
		for i := 0; i < QK80; i++ {
			out[i] = float32(int8(block[2+i])) * scale
		}
	}
}

// DotQ80Q40 computes the dot product of nBlocks aligned blocks where x is
// Q80-quantized activations and w is Q40-quantized weights.
func DotQ80Q40(x, w []byte, nBlocks int) float32 {
	var sum float32
	for b := 0; b < nBlocks; b++ {
		xb := x[b*BlockQ80Bytes:]
		wb := w[b*BlockQ40Bytes:]
		xs := F16To32(uint16(xb[0]) | uint16(xb[1])<<8)
		ws := F16To32(uint16(wb[0]) | uint16(wb[1])<<8)
		var acc int32
		for i := 0; i < QK40/2; i++ {
			q := wb[2+i]
			acc += int32(int8(xb[2+i])) * (int32(q&0x0F) - 8)
			acc += int32(int8(xb[2+i+QK40/2])) * (int32(q>>4) - 8)
		}
		sum += float32(acc) * xs * ws
	}
	return sum
}

// DotQ80Q80 computes the dot product of nBlocks aligned Q80 blocks.
func DotQ80Q80(x, w []byte, nBlocks int) float32 {
	var sum float32
	for b := 0; b < nBlocks; b++ {
		xb := x[b*BlockQ80Bytes:]
		wb := w[b*BlockQ80Bytes:]
		xs := F16To32(uint16(xb[0]) | uint16(xb[1])<<8)
		ws := F16To32(uint16(wb[0]) | uint16(wb[1])<<8)
		var acc int32
		for i := 0; i < QK80; i++ {
			acc += int32(int8(xb[2+i])) * int32(int8(wb[2+i]))
		}
		sum += float32(acc) * xs * ws
	}
	return sum
}
