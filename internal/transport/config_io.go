package transport

import (
	"github.com/calderhughes/weft/internal/nn"
)

// Config streaming: root serializes the NetConfig and each worker's
// NodeConfig as explicit field writes with length-prefixed strings,
// bracketed by ACKs. The partition plan itself is not streamed; workers
// rebuild it from the bootstrap ratios so both sides derive identical
// offsets from the same input.

func (n *Network) writeSize(socketIndex int, size nn.Size3D) error {
	if err := n.writeU32(socketIndex, uint32(int32(size.Type))); err != nil {
		return err
	}
	for _, v := range [3]int{size.Z, size.Y, size.X} {
		if err := n.writeU32(socketIndex, uint32(v)); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) readSize(socketIndex int) (nn.Size3D, error) {
	var vals [4]uint32
	for i := range vals {
		v, err := n.readU32(socketIndex)
		if err != nil {
			return nn.Size3D{}, err
		}
		vals[i] = v
	}
	t := nn.FloatType(int32(vals[0]))
	if t == nn.FUnk {
		return nn.Size0(), nil
	}
	return nn.NewSize3D(t, int(vals[1]), int(vals[2]), int(vals[3])), nil
}

func (n *Network) writePointer(socketIndex int, p nn.PointerConfig) error {
	for _, v := range [3]uint32{uint32(p.Source), uint32(p.Index), uint32(p.Kind)} {
		if err := n.writeU32(socketIndex, v); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) readPointer(socketIndex int) (nn.PointerConfig, error) {
	var vals [3]uint32
	for i := range vals {
		v, err := n.readU32(socketIndex)
		if err != nil {
			return nn.PointerConfig{}, err
		}
		vals[i] = v
	}
	return nn.PointerConfig{
		Source: nn.PointerSource(vals[0]),
		Index:  int(vals[1]),
		Kind:   nn.PointerKind(vals[2]),
	}, nil
}

// RootConfigWriter streams configs from root to workers.
type RootConfigWriter struct {
	network *Network
}

func NewRootConfigWriter(network *Network) *RootConfigWriter {
	return &RootConfigWriter{network: network}
}

func (w *RootConfigWriter) WriteNet(socketIndex int, config *nn.NetConfig) error {
	n := w.network
	if err := n.WriteAck(socketIndex); err != nil {
		return err
	}
	for _, v := range [2]int{config.NBatches, config.NNodes} {
		if err := n.writeU32(socketIndex, uint32(v)); err != nil {
			return err
		}
	}
	if err := n.writeU32(socketIndex, uint32(len(config.Pipes))); err != nil {
		return err
	}
	for i := range config.Pipes {
		if err := n.writeSize(socketIndex, config.Pipes[i].Size); err != nil {
			return err
		}
		if err := n.writeString(socketIndex, config.Pipes[i].Name); err != nil {
			return err
		}
	}
	if err := n.writeU32(socketIndex, uint32(len(config.PreSyncs))); err != nil {
		return err
	}
	for _, pipeIndex := range config.PreSyncs {
		if err := n.writeU32(socketIndex, uint32(pipeIndex)); err != nil {
			return err
		}
	}
	return n.ReadAck(socketIndex)
}

func (w *RootConfigWriter) WriteNode(socketIndex int, config *nn.NodeConfig) error {
	n := w.network
	if err := n.WriteAck(socketIndex); err != nil {
		return err
	}
	for _, v := range [3]int{config.NodeIndex, len(config.Buffers), len(config.Segments)} {
		if err := n.writeU32(socketIndex, uint32(v)); err != nil {
			return err
		}
	}
	for i := range config.Buffers {
		if err := n.writeSize(socketIndex, config.Buffers[i].Size); err != nil {
			return err
		}
		if err := n.writeString(socketIndex, config.Buffers[i].Name); err != nil {
			return err
		}
	}
	for s := range config.Segments {
		segment := &config.Segments[s]
		if err := n.writeU32(socketIndex, uint32(len(segment.Syncs))); err != nil {
			return err
		}
		if err := n.writeU32(socketIndex, uint32(len(segment.Ops))); err != nil {
			return err
		}
		for _, sync := range segment.Syncs {
			if err := n.writeU32(socketIndex, uint32(sync.PipeIndex)); err != nil {
				return err
			}
			if err := n.writeU32(socketIndex, uint32(int32(sync.Type))); err != nil {
				return err
			}
		}
		for i := range segment.Ops {
			op := &segment.Ops[i]
			if err := n.writeU32(socketIndex, uint32(int32(op.Code))); err != nil {
				return err
			}
			if err := n.writeU32(socketIndex, uint32(op.Index)); err != nil {
				return err
			}
			if err := n.writeSize(socketIndex, op.WeightSize); err != nil {
				return err
			}
			if err := n.writeU32(socketIndex, uint32(len(op.Config))); err != nil {
				return err
			}
			if err := n.writeString(socketIndex, op.Name); err != nil {
				return err
			}
			if err := n.writePointer(socketIndex, op.Input); err != nil {
				return err
			}
			if err := n.writePointer(socketIndex, op.Output); err != nil {
				return err
			}
			if len(op.Config) > 0 {
				if err := n.Write(socketIndex, op.Config); err != nil {
					return err
				}
			}
		}
	}
	return n.ReadAck(socketIndex)
}

// WriteToWorkers streams the net config and each worker's node config.
func (w *RootConfigWriter) WriteToWorkers(netConfig *nn.NetConfig, nodeConfigs []nn.NodeConfig) error {
	for nodeIndex := 1; nodeIndex < netConfig.NNodes; nodeIndex++ {
		socketIndex := nodeIndex - 1
		if err := w.WriteNet(socketIndex, netConfig); err != nil {
			return err
		}
		if err := w.WriteNode(socketIndex, &nodeConfigs[nodeIndex]); err != nil {
			return err
		}
	}
	return nil
}

// RootSocketIndex is a worker's socket to the root node.
const RootSocketIndex = 0

// WorkerConfigReader mirrors RootConfigWriter on the worker side.
type WorkerConfigReader struct {
	network *Network
}

func NewWorkerConfigReader(network *Network) *WorkerConfigReader {
	return &WorkerConfigReader{network: network}
}

func (r *WorkerConfigReader) ReadNet() (*nn.NetConfig, error) {
	n := r.network
	if err := n.ReadAck(RootSocketIndex); err != nil {
		return nil, err
	}
	config := &nn.NetConfig{}
	var err error
	var v uint32
	if v, err = n.readU32(RootSocketIndex); err != nil {
		return nil, err
	}
	config.NBatches = int(v)
	if v, err = n.readU32(RootSocketIndex); err != nil {
		return nil, err
	}
	config.NNodes = int(v)
	if v, err = n.readU32(RootSocketIndex); err != nil {
		return nil, err
	}
	config.Pipes = make([]nn.PipeConfig, v)
	for i := range config.Pipes {
		if config.Pipes[i].Size, err = n.readSize(RootSocketIndex); err != nil {
			return nil, err
		}
		if config.Pipes[i].Name, err = n.readString(RootSocketIndex); err != nil {
			return nil, err
		}
	}
	if v, err = n.readU32(RootSocketIndex); err != nil {
		return nil, err
	}
	config.PreSyncs = make([]int, v)
	for i := range config.PreSyncs {
		if v, err = n.readU32(RootSocketIndex); err != nil {
			return nil, err
		}
		config.PreSyncs[i] = int(v)
	}
	return config, n.WriteAck(RootSocketIndex)
}

func (r *WorkerConfigReader) ReadNode() (*nn.NodeConfig, error) {
	n := r.network
	if err := n.ReadAck(RootSocketIndex); err != nil {
		return nil, err
	}
	config := &nn.NodeConfig{}
	var err error
	var nodeIndex, nBuffers, nSegments uint32
	if nodeIndex, err = n.readU32(RootSocketIndex); err != nil {
		return nil, err
	}
	if nBuffers, err = n.readU32(RootSocketIndex); err != nil {
		return nil, err
	}
	if nSegments, err = n.readU32(RootSocketIndex); err != nil {
		return nil, err
	}
	config.NodeIndex = int(nodeIndex)
	config.Buffers = make([]nn.BufferConfig, nBuffers)
	config.Segments = make([]nn.SegmentConfig, nSegments)

	for i := range config.Buffers {
		if config.Buffers[i].Size, err = n.readSize(RootSocketIndex); err != nil {
			return nil, err
		}
		if config.Buffers[i].Name, err = n.readString(RootSocketIndex); err != nil {
			return nil, err
		}
	}
	for s := range config.Segments {
		segment := &config.Segments[s]
		var nSyncs, nOps uint32
		if nSyncs, err = n.readU32(RootSocketIndex); err != nil {
			return nil, err
		}
		if nOps, err = n.readU32(RootSocketIndex); err != nil {
			return nil, err
		}
		if nSyncs > 0 {
			segment.Syncs = make([]nn.SyncConfig, nSyncs)
		}
		if nOps > 0 {
			segment.Ops = make([]nn.OpConfig, nOps)
		}
		for i := range segment.Syncs {
			var pipeIndex, syncType uint32
			if pipeIndex, err = n.readU32(RootSocketIndex); err != nil {
				return nil, err
			}
			if syncType, err = n.readU32(RootSocketIndex); err != nil {
				return nil, err
			}
			segment.Syncs[i] = nn.SyncConfig{PipeIndex: int(pipeIndex), Type: nn.SyncType(int32(syncType))}
		}
		for i := range segment.Ops {
			op := &segment.Ops[i]
			var code, index, configSize uint32
			if code, err = n.readU32(RootSocketIndex); err != nil {
				return nil, err
			}
			if index, err = n.readU32(RootSocketIndex); err != nil {
				return nil, err
			}
			op.Code = nn.OpCode(int32(code))
			op.Index = int(index)
			if op.WeightSize, err = n.readSize(RootSocketIndex); err != nil {
				return nil, err
			}
			if configSize, err = n.readU32(RootSocketIndex); err != nil {
				return nil, err
			}
			if op.Name, err = n.readString(RootSocketIndex); err != nil {
				return nil, err
			}
			if op.Input, err = n.readPointer(RootSocketIndex); err != nil {
				return nil, err
			}
			if op.Output, err = n.readPointer(RootSocketIndex); err != nil {
				return nil, err
			}
			if configSize > 0 {
				op.Config = make([]byte, configSize)
				if err = n.Read(RootSocketIndex, op.Config); err != nil {
					return nil, err
				}
			}
		}
	}
	return config, n.WriteAck(RootSocketIndex)
}
