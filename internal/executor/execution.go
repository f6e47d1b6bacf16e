// Package executor drives a node's operator graph: it owns the shared
// pipes, fans each op out over a fixed thread pool, and calls the
// synchronizer between segments.
package executor

import (
	"golang.org/x/sys/unix"

	"github.com/calderhughes/weft/internal/nn"
)

const bufferAlignment = 64

// AllocAligned returns a 64-byte-aligned, zeroed byte slice. On Unix the
// region is pinned with mlock; pinning failures (e.g. RLIMIT_MEMLOCK) are
// ignored.
func AllocAligned(size int) []byte {
	if size == 0 {
		return nil
	}
	raw := make([]byte, size+bufferAlignment)
	offset := 0
	if rem := int(uintptrOf(raw)) % bufferAlignment; rem != 0 {
		offset = bufferAlignment - rem
	}
	buf := raw[offset : offset+size : offset+size]
	_ = unix.Mlock(buf)
	return buf
}

// NetExecution owns the pipe storage shared by the device, the executor,
// and the synchronizer, plus the live batch size of the current forward.
type NetExecution struct {
	NThreads    int
	NBatches    int
	Pipes       [][]byte
	PipeConfigs []nn.PipeConfig

	batchSize int
}

func NewNetExecution(nThreads int, netConfig *nn.NetConfig) *NetExecution {
	e := &NetExecution{
		NThreads:    nThreads,
		NBatches:    netConfig.NBatches,
		Pipes:       make([][]byte, len(netConfig.Pipes)),
		PipeConfigs: netConfig.Pipes,
	}
	for i := range netConfig.Pipes {
		e.Pipes[i] = AllocAligned(netConfig.Pipes[i].Size.NBytes)
	}
	return e
}

// SetBatchSize sets the number of live batch rows for the next forward.
func (e *NetExecution) SetBatchSize(batchSize int) {
	e.batchSize = batchSize
}

func (e *NetExecution) BatchSize() int {
	return e.batchSize
}
