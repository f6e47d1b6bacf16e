package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/calderhughes/weft/internal/nn"
)

// CtrlProfile asks workers to reply with a PerfPacket after each forward.
const CtrlProfile uint32 = 1 << 0

// ControlPacket is the 12-byte header root writes to every worker at the
// start of each forward. BatchSize == 0 is the stop sentinel; Position is
// meaningless in that case and must not be read.
type ControlPacket struct {
	Position  uint32
	BatchSize uint32
	Flags     uint32
}

const controlPacketBytes = 12

func (p *ControlPacket) Encode() []byte {
	buf := make([]byte, controlPacketBytes)
	binary.LittleEndian.PutUint32(buf[0:], p.Position)
	binary.LittleEndian.PutUint32(buf[4:], p.BatchSize)
	binary.LittleEndian.PutUint32(buf[8:], p.Flags)
	return buf
}

func DecodeControlPacket(buf []byte) ControlPacket {
	return ControlPacket{
		Position:  binary.LittleEndian.Uint32(buf[0:]),
		BatchSize: binary.LittleEndian.Uint32(buf[4:]),
		Flags:     binary.LittleEndian.Uint32(buf[8:]),
	}
}

// Bootstrap packet constants. The magic spells DLBM; version bumps are
// breaking.
const (
	BootstrapMagic   uint32 = 'D' | 'L'<<8 | 'B'<<16 | 'M'<<24
	BootstrapVersion uint32 = 2

	BootstrapHasModelPath uint32 = 1 << 0
	BootstrapHasRatios    uint32 = 1 << 1
)

// BootstrapPacket carries everything a worker needs to rebuild the plan
// and load its weight slices locally, so workers run without model CLI
// flags.
type BootstrapPacket struct {
	Magic            uint32
	Version          uint32
	Flags            uint32
	BenchmarkEnabled uint32
	MaxSeqLen        uint32
	SyncType         uint32

	ModelPath string
	Ratios    string
}

// WriteBootstrapPacket streams the fixed header followed by the optional
// NUL-terminated path and ratios blobs.
func (n *Network) WriteBootstrapPacket(socketIndex int, p *BootstrapPacket) error {
	flags := p.Flags
	modelPathLen, ratiosLen := 0, 0
	if p.ModelPath != "" {
		flags |= BootstrapHasModelPath
		modelPathLen = len(p.ModelPath) + 1
	}
	if p.Ratios != "" {
		flags |= BootstrapHasRatios
		ratiosLen = len(p.Ratios) + 1
	}
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], p.Magic)
	binary.LittleEndian.PutUint32(buf[4:], p.Version)
	binary.LittleEndian.PutUint32(buf[8:], flags)
	binary.LittleEndian.PutUint32(buf[12:], p.BenchmarkEnabled)
	binary.LittleEndian.PutUint32(buf[16:], p.MaxSeqLen)
	binary.LittleEndian.PutUint32(buf[20:], p.SyncType)
	binary.LittleEndian.PutUint32(buf[24:], uint32(modelPathLen))
	binary.LittleEndian.PutUint32(buf[28:], uint32(ratiosLen))
	if err := n.Write(socketIndex, buf); err != nil {
		return err
	}
	if modelPathLen > 0 {
		if err := n.Write(socketIndex, append([]byte(p.ModelPath), 0)); err != nil {
			return err
		}
	}
	if ratiosLen > 0 {
		if err := n.Write(socketIndex, append([]byte(p.Ratios), 0)); err != nil {
			return err
		}
	}
	return nil
}

// ReadBootstrapPacket validates magic and version before consuming the
// variable-length strings; a mismatch means root and worker binaries are
// incompatible.
func (n *Network) ReadBootstrapPacket(socketIndex int) (*BootstrapPacket, error) {
	buf := make([]byte, 32)
	if err := n.Read(socketIndex, buf); err != nil {
		return nil, err
	}
	p := &BootstrapPacket{
		Magic:            binary.LittleEndian.Uint32(buf[0:]),
		Version:          binary.LittleEndian.Uint32(buf[4:]),
		Flags:            binary.LittleEndian.Uint32(buf[8:]),
		BenchmarkEnabled: binary.LittleEndian.Uint32(buf[12:]),
		MaxSeqLen:        binary.LittleEndian.Uint32(buf[16:]),
		SyncType:         binary.LittleEndian.Uint32(buf[20:]),
	}
	modelPathLen := binary.LittleEndian.Uint32(buf[24:])
	ratiosLen := binary.LittleEndian.Uint32(buf[28:])
	if p.Magic != BootstrapMagic {
		return nil, fmt.Errorf("invalid bootstrap magic 0x%08x (root/worker binary mismatch)", p.Magic)
	}
	if p.Version != BootstrapVersion {
		return nil, fmt.Errorf("unsupported bootstrap version %d (root/worker binary mismatch)", p.Version)
	}
	if p.Flags&BootstrapHasModelPath != 0 {
		blob := make([]byte, modelPathLen)
		if err := n.Read(socketIndex, blob); err != nil {
			return nil, err
		}
		p.ModelPath = string(blob[:modelPathLen-1])
	}
	if p.Flags&BootstrapHasRatios != 0 {
		blob := make([]byte, ratiosLen)
		if err := n.Read(socketIndex, blob); err != nil {
			return nil, err
		}
		p.Ratios = string(blob[:ratiosLen-1])
	}
	return p, nil
}

// SyncTypeFloat converts the wire sync type back to a float type.
func (p *BootstrapPacket) SyncTypeFloat() nn.FloatType {
	return nn.FloatType(int32(p.SyncType))
}

// PerfPacket is a worker's per-forward timing reply, sent only when the
// control packet requests profiling.
type PerfPacket struct {
	Position   uint32
	BatchSize  uint32
	NodeIndex  uint32
	StageIndex uint32
	ExecUs     uint64
	SyncUs     uint64
}

const perfPacketBytes = 32

func (p *PerfPacket) Encode() []byte {
	buf := make([]byte, perfPacketBytes)
	binary.LittleEndian.PutUint32(buf[0:], p.Position)
	binary.LittleEndian.PutUint32(buf[4:], p.BatchSize)
	binary.LittleEndian.PutUint32(buf[8:], p.NodeIndex)
	binary.LittleEndian.PutUint32(buf[12:], p.StageIndex)
	binary.LittleEndian.PutUint64(buf[16:], p.ExecUs)
	binary.LittleEndian.PutUint64(buf[24:], p.SyncUs)
	return buf
}

func DecodePerfPacket(buf []byte) PerfPacket {
	return PerfPacket{
		Position:   binary.LittleEndian.Uint32(buf[0:]),
		BatchSize:  binary.LittleEndian.Uint32(buf[4:]),
		NodeIndex:  binary.LittleEndian.Uint32(buf[8:]),
		StageIndex: binary.LittleEndian.Uint32(buf[12:]),
		ExecUs:     binary.LittleEndian.Uint64(buf[16:]),
		SyncUs:     binary.LittleEndian.Uint64(buf[24:]),
	}
}
