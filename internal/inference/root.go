// Package inference drives forward passes: the root side owns token input,
// sampling, and the control plane; the worker side mirrors the control loop
// until the stop sentinel arrives.
package inference

import (
	"fmt"
	"unsafe"

	"github.com/calderhughes/weft/internal/executor"
	"github.com/calderhughes/weft/internal/model"
	"github.com/calderhughes/weft/internal/nn"
	"github.com/calderhughes/weft/internal/transport"
)

func f32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Root coordinates the cluster: it writes one control packet per forward,
// feeds tokens and positions, and owns the gathered logits.
type Root struct {
	header    *model.Header
	execution *executor.NetExecution
	executor  *executor.Executor
	network   *transport.Network
	plan      *nn.PartitionPlan
	profile   bool

	control      transport.ControlPacket
	tokenPipe    []float32
	positionPipe []float32
	logitsPipe   []float32

	// LastPerf holds the per-node timings of the last profiled forward,
	// root first.
	LastPerf []transport.PerfPacket
}

func NewRoot(net *model.Net, execution *executor.NetExecution, exec *executor.Executor, network *transport.Network, profile bool) *Root {
	r := &Root{
		header:       net.Header,
		execution:    execution,
		executor:     exec,
		network:      network,
		plan:         net.Plan,
		profile:      profile,
		tokenPipe:    f32(execution.Pipes[net.TokenPipeIndex]),
		positionPipe: f32(execution.Pipes[net.PositionPipeIndex]),
		logitsPipe:   f32(execution.Pipes[net.LogitsPipeIndex]),
	}
	if profile {
		r.control.Flags = transport.CtrlProfile
	}
	return r
}

// SetBatchSize sets the live row count for the next forward.
func (r *Root) SetBatchSize(batchSize int) {
	r.execution.SetBatchSize(batchSize)
	r.control.BatchSize = uint32(batchSize)
}

// SetPosition assigns consecutive positions to the live batch rows.
func (r *Root) SetPosition(position int) error {
	if position+r.execution.BatchSize() > r.header.SeqLen {
		return fmt.Errorf("position %d with batch %d exceeds seq len %d", position, r.execution.BatchSize(), r.header.SeqLen)
	}
	r.control.Position = uint32(position)
	for i := 0; i < r.execution.BatchSize(); i++ {
		r.positionPipe[i] = float32(position + i)
	}
	return nil
}

// SetToken places a token id into a batch row.
func (r *Root) SetToken(batchIndex, token int) {
	r.tokenPipe[batchIndex] = float32(token)
}

// Logits returns one batch row of the gathered logits.
func (r *Root) Logits(batchIndex int) []float32 {
	return r.logitsPipe[batchIndex*r.header.VocabSize : (batchIndex+1)*r.header.VocabSize]
}

// Forward runs one pass across the cluster, then collects worker perf
// packets when profiling is on. Perf collection failures are recorded as
// zeros, never fatal.
func (r *Root) Forward() error {
	if r.network != nil {
		if err := r.network.WriteAll(r.control.Encode()); err != nil {
			return err
		}
	}
	if err := r.executor.Forward(); err != nil {
		return err
	}
	if !r.profile {
		return nil
	}

	r.LastPerf = r.LastPerf[:0]
	r.LastPerf = append(r.LastPerf, transport.PerfPacket{
		Position:   r.control.Position,
		BatchSize:  r.control.BatchSize,
		NodeIndex:  0,
		StageIndex: uint32(nn.StageIndexForNode(r.plan, 0)),
		ExecUs:     r.executor.TotalTime(executor.StepExecuteOp),
		SyncUs:     r.executor.TotalTime(executor.StepSyncNodes),
	})
	if r.network != nil {
		buf := make([]byte, 32)
		for socketIndex := 0; socketIndex < r.network.NSockets(); socketIndex++ {
			if err := r.network.Read(socketIndex, buf); err != nil {
				r.LastPerf = append(r.LastPerf, transport.PerfPacket{})
				continue
			}
			r.LastPerf = append(r.LastPerf, transport.DecodePerfPacket(buf))
		}
	}
	return nil
}

// Finish sends the stop sentinel. Position is zeroed: it carries no
// meaning when the batch size is zero.
func (r *Root) Finish() {
	if r.network == nil {
		return
	}
	r.control.BatchSize = 0
	r.control.Position = 0
	_ = r.network.WriteAll(r.control.Encode())
}
