package model

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"

	"github.com/calderhughes/weft/internal/logger"
	"github.com/calderhughes/weft/internal/nn"
	"github.com/calderhughes/weft/internal/transport"
)

// WeightExecutor receives weight bytes addressed by op name and index.
type WeightExecutor interface {
	LoadWeight(opName string, opIndex, offset, nBytes int, weight []byte) error
}

// weightFile is a memory-mapped model file with a moving read cursor.
type weightFile struct {
	data   []byte
	cursor int
}

func openWeightFile(path string) (*weightFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open model file: %w", err)
	}
	defer func() { _ = f.Close() }()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap model file: %w", err)
	}
	return &weightFile{data: data}, nil
}

func (w *weightFile) Close() {
	_ = unix.Munmap(w.data)
}

// take returns the next nBytes at the cursor without copying and advances.
func (w *weightFile) take(nBytes int) ([]byte, error) {
	if w.cursor+nBytes > len(w.data) {
		return nil, fmt.Errorf("weight file truncated: need %d bytes at %d, file has %d", nBytes, w.cursor, len(w.data))
	}
	b := w.data[w.cursor : w.cursor+nBytes]
	w.cursor += nBytes
	return b, nil
}

// skip advances the cursor without touching the bytes.
func (w *weightFile) skip(nBytes int) error {
	if w.cursor+nBytes > len(w.data) {
		return fmt.Errorf("weight file truncated while skipping %d bytes at %d", nBytes, w.cursor)
	}
	w.cursor += nBytes
	return nil
}

// LayerBytes is the exact byte size of one transformer layer's weights in
// the file. The loader uses it both to skip foreign layers and to verify
// its own advance, so a drift here is caught on the first layer.
func LayerBytes(h *Header) int {
	bytes := 0
	bytes += nn.Size2D(h.WeightType, h.Dim, h.QDim).NBytes
	bytes += nn.Size2D(h.WeightType, h.Dim, h.KvDim).NBytes * 2
	bytes += nn.Size2D(h.WeightType, h.QDim, h.Dim).NBytes

	ffDim := h.FfnDim()
	if h.NExperts > 0 {
		bytes += nn.Size2D(nn.F32, h.Dim, h.NExperts).NBytes
		bytes += h.NExperts * (nn.Size2D(h.WeightType, h.Dim, ffDim).NBytes*2 + nn.Size2D(h.WeightType, ffDim, h.Dim).NBytes)
	} else {
		bytes += nn.Size2D(h.WeightType, h.Dim, ffDim).NBytes * 2
		bytes += nn.Size2D(h.WeightType, ffDim, h.Dim).NBytes
	}
	if h.ArchType == ArchQwen3 || h.ArchType == ArchQwen3Moe {
		bytes += nn.Size1D(nn.F32, h.HeadDim).NBytes * 2
	}
	bytes += nn.Size1D(nn.F32, h.Dim).NBytes * 2
	return bytes
}

// LoadWeightsLocal walks the weight file once and loads exactly the bytes
// this node owns: row slices straight from the mapping (zero copy), column
// slices gathered into a scratch buffer, norms whole. Layers outside the
// node's stage are skipped by their precomputed size, and every loaded
// layer's advance is verified against that size.
func LoadWeightsLocal(path string, net *Net, exec WeightExecutor, plan *nn.PartitionPlan, nodeIndex int, log logger.Logger) error {
	h := net.Header
	stage := plan.StageForNode(nodeIndex)
	if stage == nil {
		return fmt.Errorf("node %d has no stage in the plan", nodeIndex)
	}
	isFirstStage := stage.StageIndex == 0
	isLastStage := stage.StageIndex == plan.NStages-1

	file, err := openWeightFile(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := file.skip(h.HeaderSize); err != nil {
		return err
	}

	log.Info("loading weights locally",
		"node", nodeIndex,
		"startLayer", stage.StartLayer,
		"endLayer", stage.EndLayer,
		"file", humanize.IBytes(uint64(len(file.data))))
	bar := progressbar.Default(int64(h.NLayers), "layers")
	defer func() { _ = bar.Finish() }()

	loader := &localLoader{exec: exec}

	if isFirstStage {
		if err := loader.loadWhole(file, "embedding", 0, net.TokenEmbeddingSize.NBytes); err != nil {
			return err
		}
	} else if err := file.skip(net.TokenEmbeddingSize.NBytes); err != nil {
		return err
	}

	qSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.HeadSplit, h.QDim, nodeIndex)
	kSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, nodeIndex)
	vSlice := kSlice
	woSlice := nn.SliceColMatmulHeads(h.WeightType, h.QDim, h.Dim, h.HeadDim, plan, nodeIndex)
	w1Slice := nn.SliceRowMatmulFfn(h.WeightType, h.Dim, h.FfnDim(), plan, nodeIndex)
	w2Slice := nn.SliceColMatmulFfn(h.WeightType, h.FfnDim(), h.Dim, plan, nodeIndex)
	w3Slice := w1Slice
	wclsSlice := nn.SliceRowMatmulVocab(h.WeightType, h.Dim, h.VocabSize, plan, nodeIndex)
	isQwen := h.ArchType == ArchQwen3 || h.ArchType == ArchQwen3Moe

	layerBytes := LayerBytes(h)
	for layerIndex := 0; layerIndex < h.NLayers; layerIndex++ {
		if layerIndex < stage.StartLayer || layerIndex >= stage.EndLayer {
			if err := file.skip(layerBytes); err != nil {
				return err
			}
			_ = bar.Add(1)
			continue
		}

		layerStart := file.cursor
		if err := loader.loadRowSlice(file, "block_matmul_q", layerIndex, 0, &qSlice); err != nil {
			return err
		}
		if err := loader.loadRowSlice(file, "block_matmul_k", layerIndex, 0, &kSlice); err != nil {
			return err
		}
		if err := loader.loadRowSlice(file, "block_matmul_v", layerIndex, 0, &vSlice); err != nil {
			return err
		}
		if err := loader.loadColSlice(file, "block_matmul_wo", layerIndex, 0, &woSlice); err != nil {
			return err
		}

		if h.NExperts > 0 {
			if err := loader.loadWhole(file, "block_moe_gate", layerIndex, net.MoeGateSize.NBytes); err != nil {
				return err
			}
			for expertIndex := 0; expertIndex < h.NExperts; expertIndex++ {
				if err := loader.loadRowSlice(file, "block_matmul_w1", layerIndex, expertIndex, &w1Slice); err != nil {
					return err
				}
				if err := loader.loadColSlice(file, "block_matmul_w2", layerIndex, expertIndex, &w2Slice); err != nil {
					return err
				}
				if err := loader.loadRowSlice(file, "block_matmul_w3", layerIndex, expertIndex, &w3Slice); err != nil {
					return err
				}
			}
		} else {
			if err := loader.loadRowSlice(file, "block_matmul_w1", layerIndex, 0, &w1Slice); err != nil {
				return err
			}
			if err := loader.loadColSlice(file, "block_matmul_w2", layerIndex, 0, &w2Slice); err != nil {
				return err
			}
			if err := loader.loadRowSlice(file, "block_matmul_w3", layerIndex, 0, &w3Slice); err != nil {
				return err
			}
		}

		if isQwen {
			if err := loader.loadWhole(file, "block_norm_q", layerIndex, net.QkRmsNormSize.NBytes); err != nil {
				return err
			}
			if err := loader.loadWhole(file, "block_norm_k", layerIndex, net.QkRmsNormSize.NBytes); err != nil {
				return err
			}
		}
		if err := loader.loadWhole(file, "block_norm_0", layerIndex, net.RmsNormSize.NBytes); err != nil {
			return err
		}
		if err := loader.loadWhole(file, "block_norm_1", layerIndex, net.RmsNormSize.NBytes); err != nil {
			return err
		}

		if advanced := file.cursor - layerStart; advanced != layerBytes {
			return fmt.Errorf("weight file alignment error at layer %d: advanced %d bytes, expected %d",
				layerIndex, advanced, layerBytes)
		}
		_ = bar.Add(1)
	}

	finalBlockBytes := net.RmsNormSize.NBytes + nn.Size2D(h.WeightType, h.Dim, h.VocabSize).NBytes
	if isLastStage {
		finalStart := file.cursor
		if err := loader.loadWhole(file, "final_norm", 0, net.RmsNormSize.NBytes); err != nil {
			return err
		}
		if err := loader.loadRowSlice(file, "final_matmul_logits", 0, 0, &wclsSlice); err != nil {
			return err
		}
		if advanced := file.cursor - finalStart; advanced != finalBlockBytes {
			return fmt.Errorf("final block size mismatch: advanced %d bytes, expected %d", advanced, finalBlockBytes)
		}
	} else if err := file.skip(finalBlockBytes); err != nil {
		return err
	}

	if drift := int64(file.cursor) - h.FileSize; drift != 0 {
		return fmt.Errorf("weight file pointer drift: %d bytes", drift)
	}
	log.Info("weights loaded", "node", nodeIndex)
	return nil
}

// localLoader places this node's slices into the executor without network
// traffic.
type localLoader struct {
	exec WeightExecutor
	temp []byte
}

func (l *localLoader) scratch(n int) []byte {
	if len(l.temp) < n {
		l.temp = make([]byte, n)
	}
	return l.temp[:n]
}

func (l *localLoader) loadWhole(file *weightFile, opName string, opIndex, nBytes int) error {
	data, err := file.take(nBytes)
	if err != nil {
		return err
	}
	return l.exec.LoadWeight(opName, opIndex, 0, nBytes, data)
}

// loadRowSlice hands the node's contiguous row range straight out of the
// mapping; no intermediate buffer.
func (l *localLoader) loadRowSlice(file *weightFile, opName string, opIndex, expertIndex int, slice *nn.RowMatmulSlice) error {
	data, err := file.take(slice.Size.NBytes)
	if err != nil {
		return err
	}
	rowBytes := nn.Bytes(slice.Type, slice.N)
	if slice.InStart%nn.BlockSize(slice.Type) != 0 || slice.InLen%nn.BlockSize(slice.Type) != 0 {
		return fmt.Errorf("row slice of %s is not block aligned (%d+%d)", opName, slice.InStart, slice.InLen)
	}
	sub := data[slice.InStart*rowBytes : slice.InStart*rowBytes+slice.InLen*rowBytes]
	return l.exec.LoadWeight(opName, opIndex, expertIndex*slice.SliceSize.NBytes, slice.SliceSize.NBytes, sub)
}

// loadColSlice gathers the node's column stripes into scratch before the
// executor copy; column slices are strided in the file.
func (l *localLoader) loadColSlice(file *weightFile, opName string, opIndex, expertIndex int, slice *nn.ColMatmulSlice) error {
	data, err := file.take(slice.Size.NBytes)
	if err != nil {
		return err
	}
	dst := l.scratch(slice.SliceSize.NBytes)
	copied, err := nn.SplitColMatmulWeight(slice, data, dst)
	if err != nil {
		return fmt.Errorf("op %s: %w", opName, err)
	}
	if copied != slice.SliceSize.NBytes {
		return fmt.Errorf("op %s: gathered %d bytes, slice is %d", opName, copied, slice.SliceSize.NBytes)
	}
	return l.exec.LoadWeight(opName, opIndex, expertIndex*slice.SliceSize.NBytes, slice.SliceSize.NBytes, dst)
}

// RootWeightLoader is the legacy distribution path: root reads every
// tensor, splits it per node, keeps its own slice, and streams the rest
// over the worker sockets as (name, index, offset, bytes, payload) records.
type RootWeightLoader struct {
	exec    WeightExecutor
	network *transport.Network
	nNodes  int
	temp    []byte
}

func NewRootWeightLoader(exec WeightExecutor, network *transport.Network, nNodes int) *RootWeightLoader {
	return &RootWeightLoader{exec: exec, network: network, nNodes: nNodes}
}

func (l *RootWeightLoader) scratch(n int) []byte {
	if len(l.temp) < n {
		l.temp = make([]byte, n)
	}
	return l.temp[:n]
}

func (l *RootWeightLoader) writeWeight(nodeIndex int, opName string, opIndex, offset, nBytes int, weight []byte) error {
	socketIndex := nodeIndex - 1
	header := make([]byte, 0, 4+len(opName)+1+4+16)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(opName)+1))
	header = append(header, opName...)
	header = append(header, 0)
	header = binary.LittleEndian.AppendUint32(header, uint32(opIndex))
	header = binary.LittleEndian.AppendUint64(header, uint64(offset))
	header = binary.LittleEndian.AppendUint64(header, uint64(nBytes))
	if err := l.network.Write(socketIndex, header); err != nil {
		return err
	}
	return l.network.Write(socketIndex, weight[:nBytes])
}

func (l *RootWeightLoader) loadRoot(opName string, opIndex, nBytes int, weight []byte) error {
	return l.exec.LoadWeight(opName, opIndex, 0, nBytes, weight)
}

func (l *RootWeightLoader) loadAll(opName string, opIndex, nBytes int, weight []byte) error {
	if err := l.exec.LoadWeight(opName, opIndex, 0, nBytes, weight); err != nil {
		return err
	}
	for nodeIndex := 1; nodeIndex < l.nNodes; nodeIndex++ {
		if err := l.writeWeight(nodeIndex, opName, opIndex, 0, nBytes, weight); err != nil {
			return err
		}
	}
	return nil
}

func (l *RootWeightLoader) loadRowSlices(opName string, opIndex, expertIndex int, slicer func(int) nn.RowMatmulSlice, weight []byte) error {
	first := slicer(0)
	offset := expertIndex * first.SliceSize.NBytes
	if l.nNodes == 1 {
		return l.exec.LoadWeight(opName, opIndex, offset, first.SliceSize.NBytes, weight[:first.SliceSize.NBytes])
	}
	for nodeIndex := 0; nodeIndex < l.nNodes; nodeIndex++ {
		slice := slicer(nodeIndex)
		dst := l.scratch(slice.SliceSize.NBytes)
		if _, err := nn.SplitRowMatmulWeight(&slice, weight, dst); err != nil {
			return fmt.Errorf("op %s: %w", opName, err)
		}
		if nodeIndex == 0 {
			if err := l.exec.LoadWeight(opName, opIndex, offset, slice.SliceSize.NBytes, dst); err != nil {
				return err
			}
		} else if err := l.writeWeight(nodeIndex, opName, opIndex, offset, slice.SliceSize.NBytes, dst); err != nil {
			return err
		}
	}
	return nil
}

func (l *RootWeightLoader) loadColSlices(opName string, opIndex, expertIndex int, slicer func(int) nn.ColMatmulSlice, weight []byte) error {
	first := slicer(0)
	offset := expertIndex * first.SliceSize.NBytes
	if l.nNodes == 1 {
		return l.exec.LoadWeight(opName, opIndex, offset, first.SliceSize.NBytes, weight[:first.SliceSize.NBytes])
	}
	for nodeIndex := 0; nodeIndex < l.nNodes; nodeIndex++ {
		slice := slicer(nodeIndex)
		dst := l.scratch(slice.SliceSize.NBytes)
		if _, err := nn.SplitColMatmulWeight(&slice, weight, dst); err != nil {
			return fmt.Errorf("op %s: %w", opName, err)
		}
		if nodeIndex == 0 {
			if err := l.exec.LoadWeight(opName, opIndex, offset, slice.SliceSize.NBytes, dst); err != nil {
				return err
			}
		} else if err := l.writeWeight(nodeIndex, opName, opIndex, offset, slice.SliceSize.NBytes, dst); err != nil {
			return err
		}
	}
	return nil
}

// Finish terminates every worker's record stream and waits for their ACKs.
func (l *RootWeightLoader) Finish() error {
	for socketIndex := 0; socketIndex < l.nNodes-1; socketIndex++ {
		var zero [4]byte
		if err := l.network.Write(socketIndex, zero[:]); err != nil {
			return err
		}
		if err := l.network.ReadAck(socketIndex); err != nil {
			return err
		}
	}
	l.temp = nil
	return nil
}

// LoadWeightsRoot walks the full weight file on root and distributes each
// tensor's slices to their owners over the network.
func LoadWeightsRoot(path string, net *Net, loader *RootWeightLoader, log logger.Logger) error {
	h := net.Header
	plan := net.Plan
	file, err := openWeightFile(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := file.skip(h.HeaderSize); err != nil {
		return err
	}

	log.Info("distributing weights", "nodes", loader.nNodes, "file", humanize.IBytes(uint64(len(file.data))))
	bar := progressbar.Default(int64(h.NLayers), "layers")
	defer func() { _ = bar.Finish() }()

	rowQ := func(i int) nn.RowMatmulSlice {
		return nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.HeadSplit, h.QDim, i)
	}
	rowKv := func(i int) nn.RowMatmulSlice {
		return nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, i)
	}
	colWo := func(i int) nn.ColMatmulSlice {
		return nn.SliceColMatmulHeads(h.WeightType, h.QDim, h.Dim, h.HeadDim, plan, i)
	}
	rowFfn := func(i int) nn.RowMatmulSlice {
		return nn.SliceRowMatmulFfn(h.WeightType, h.Dim, h.FfnDim(), plan, i)
	}
	colFfn := func(i int) nn.ColMatmulSlice {
		return nn.SliceColMatmulFfn(h.WeightType, h.FfnDim(), h.Dim, plan, i)
	}
	rowCls := func(i int) nn.RowMatmulSlice {
		return nn.SliceRowMatmulVocab(h.WeightType, h.Dim, h.VocabSize, plan, i)
	}

	isQwen := h.ArchType == ArchQwen3 || h.ArchType == ArchQwen3Moe

	rowStep := func(opName string, layerIndex, expertIndex int, slicer func(int) nn.RowMatmulSlice) error {
		data, err := file.take(slicer(0).Size.NBytes)
		if err != nil {
			return err
		}
		return loader.loadRowSlices(opName, layerIndex, expertIndex, slicer, data)
	}
	colStep := func(opName string, layerIndex, expertIndex int, slicer func(int) nn.ColMatmulSlice) error {
		data, err := file.take(slicer(0).Size.NBytes)
		if err != nil {
			return err
		}
		return loader.loadColSlices(opName, layerIndex, expertIndex, slicer, data)
	}
	wholeStep := func(opName string, layerIndex, nBytes int) error {
		data, err := file.take(nBytes)
		if err != nil {
			return err
		}
		return loader.loadAll(opName, layerIndex, nBytes, data)
	}

	embedding, err := file.take(net.TokenEmbeddingSize.NBytes)
	if err != nil {
		return err
	}
	if err := loader.loadRoot("embedding", 0, net.TokenEmbeddingSize.NBytes, embedding); err != nil {
		return err
	}
	for layerIndex := 0; layerIndex < h.NLayers; layerIndex++ {
		if err := rowStep("block_matmul_q", layerIndex, 0, rowQ); err != nil {
			return err
		}
		if err := rowStep("block_matmul_k", layerIndex, 0, rowKv); err != nil {
			return err
		}
		if err := rowStep("block_matmul_v", layerIndex, 0, rowKv); err != nil {
			return err
		}
		if err := colStep("block_matmul_wo", layerIndex, 0, colWo); err != nil {
			return err
		}
		if h.NExperts > 0 {
			if err := wholeStep("block_moe_gate", layerIndex, net.MoeGateSize.NBytes); err != nil {
				return err
			}
			for expertIndex := 0; expertIndex < h.NExperts; expertIndex++ {
				if err := rowStep("block_matmul_w1", layerIndex, expertIndex, rowFfn); err != nil {
					return err
				}
				if err := colStep("block_matmul_w2", layerIndex, expertIndex, colFfn); err != nil {
					return err
				}
				if err := rowStep("block_matmul_w3", layerIndex, expertIndex, rowFfn); err != nil {
					return err
				}
			}
		} else {
			if err := rowStep("block_matmul_w1", layerIndex, 0, rowFfn); err != nil {
				return err
			}
			if err := colStep("block_matmul_w2", layerIndex, 0, colFfn); err != nil {
				return err
			}
			if err := rowStep("block_matmul_w3", layerIndex, 0, rowFfn); err != nil {
				return err
			}
		}
		if isQwen {
			if err := wholeStep("block_norm_q", layerIndex, net.QkRmsNormSize.NBytes); err != nil {
				return err
			}
			if err := wholeStep("block_norm_k", layerIndex, net.QkRmsNormSize.NBytes); err != nil {
				return err
			}
		}
		if err := wholeStep("block_norm_0", layerIndex, net.RmsNormSize.NBytes); err != nil {
			return err
		}
		if err := wholeStep("block_norm_1", layerIndex, net.RmsNormSize.NBytes); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	if err := wholeStep("final_norm", 0, net.RmsNormSize.NBytes); err != nil {
		return err
	}
	if err := rowStep("final_matmul_logits", 0, 0, rowCls); err != nil {
		return err
	}
	if missing := int64(file.cursor) - h.FileSize; missing != 0 {
		return fmt.Errorf("missing bytes in weight file: %d", missing)
	}
	log.Info("weights distributed")
	return loader.Finish()
}

// WorkerWeightReader consumes the root's weight record stream.
type WorkerWeightReader struct {
	exec    WeightExecutor
	network *transport.Network
	log     logger.Logger
}

func NewWorkerWeightReader(exec WeightExecutor, network *transport.Network, log logger.Logger) *WorkerWeightReader {
	return &WorkerWeightReader{exec: exec, network: network, log: log}
}

// Read loops on weight records until the zero-length terminator, then ACKs.
func (r *WorkerWeightReader) Read() error {
	var u32 [4]byte
	var u64 [8]byte
	for {
		if err := r.network.Read(transport.RootSocketIndex, u32[:]); err != nil {
			return err
		}
		nameLen := binary.LittleEndian.Uint32(u32[:])
		if nameLen == 0 {
			r.log.Info("weights loaded")
			return r.network.WriteAck(transport.RootSocketIndex)
		}
		nameBuf := make([]byte, nameLen)
		if err := r.network.Read(transport.RootSocketIndex, nameBuf); err != nil {
			return err
		}
		opName := string(nameBuf[:nameLen-1])
		if err := r.network.Read(transport.RootSocketIndex, u32[:]); err != nil {
			return err
		}
		opIndex := int(binary.LittleEndian.Uint32(u32[:]))
		if err := r.network.Read(transport.RootSocketIndex, u64[:]); err != nil {
			return err
		}
		offset := int(binary.LittleEndian.Uint64(u64[:]))
		if err := r.network.Read(transport.RootSocketIndex, u64[:]); err != nil {
			return err
		}
		nBytes := int(binary.LittleEndian.Uint64(u64[:]))
		payload := make([]byte, nBytes)
		if err := r.network.Read(transport.RootSocketIndex, payload); err != nil {
			return err
		}
		if err := r.exec.LoadWeight(opName, opIndex, offset, nBytes, payload); err != nil {
			return err
		}
		r.log.Debug("loaded weight", "op", opName, "index", opIndex, "size", humanize.IBytes(uint64(nBytes)))
	}
}
