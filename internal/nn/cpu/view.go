package cpu

import (
	"runtime"
	"unsafe"
)

func maxHardwareThreads() int {
	return runtime.NumCPU()
}

// asF32 reinterprets a byte slice as float32 values. Buffers and pipes are
// 64-byte aligned so the cast is always legal.
func asF32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// threadRange shards [0, n) over the pool: thread t owns [start, end).
func threadRange(n, nThreads, threadIndex int) (int, int) {
	chunk := (n + nThreads - 1) / nThreads
	start := threadIndex * chunk
	end := min(start+chunk, n)
	if start > end {
		start = end
	}
	return start, end
}

// threadRangeAligned shards [0, n) with both bounds snapped to align, so
// quantized blocks never straddle threads. The last owner takes the tail.
func threadRangeAligned(n, align, nThreads, threadIndex int) (int, int) {
	blocks := n / align
	bStart, bEnd := threadRange(blocks, nThreads, threadIndex)
	start := bStart * align
	end := bEnd * align
	if bEnd == blocks {
		end = n
	}
	return start, end
}
