// Package model implements the model file format, the ratios grammar, the
// per-node dataflow graph builder, and the weight loaders.
package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/calderhughes/weft/internal/logger"
	"github.com/calderhughes/weft/internal/nn"
)

// Model file magic. The two older magics identify a format revision this
// engine refuses to load.
const (
	headerMagic     uint32 = 0x0A00ABCD
	oldHeaderMagic  uint32 = 0x00ABCD00
	oldHeaderMagic2 uint32 = 0x00ABCD01
)

var (
	ErrInvalidMagic   = errors.New("unsupported magic number")
	ErrOldFormat      = errors.New("old model format is not supported")
	ErrNoWeightType   = errors.New("model does not specify weight type")
	ErrUnsupportedKey = errors.New("unsupported header key")
)

// Header key ids of the (key, value) pairs following the fixed prefix.
const (
	keyVersion = iota
	keyArchType
	keyDim
	keyHiddenDim
	keyNLayers
	keyNHeads
	keyNKvHeads
	keyNExperts
	keyNActiveExperts
	keyVocabSize
	keySeqLen
	keyHiddenAct
	keyRopeTheta
	keyWeightFloatType
	keyRopeScalingFactor
	keyRopeScalingLowFreqFactor
	keyRopeScalingHighFreqFactor
	keyRopeScalingOrigMaxSeqLen
	keyRopeType
	keyHeadDim
	keyNormEpsilon
	keyMoeHiddenDim
)

// ArchType identifies the transformer architecture variant.
type ArchType int32

const (
	ArchLlama    ArchType = 0xABCD00
	ArchQwen3    ArchType = 0xABCD01
	ArchQwen3Moe ArchType = 0xABCD02
)

func (a ArchType) String() string {
	switch a {
	case ArchLlama:
		return "Llama"
	case ArchQwen3:
		return "Qwen3"
	case ArchQwen3Moe:
		return "Qwen3 MoE"
	}
	return fmt.Sprintf("archType(%d)", int32(a))
}

// HiddenAct selects the FFN activation.
type HiddenAct int32

const (
	HiddenActGelu HiddenAct = iota
	HiddenActSilu
)

func (a HiddenAct) String() string {
	if a == HiddenActGelu {
		return "Gelu"
	}
	return "Silu"
}

// Header is the decoded model file header plus the derived dimensions the
// rest of the engine works with.
type Header struct {
	Version                   int
	ArchType                  ArchType
	Dim                       int
	HiddenDim                 int
	NLayers                   int
	NHeads                    int
	NKvHeads                  int
	NExperts                  int
	NActiveExperts            int
	VocabSize                 int
	SeqLen                    int
	OrigSeqLen                int
	HiddenAct                 HiddenAct
	RopeTheta                 float32
	WeightType                nn.FloatType
	SyncType                  nn.FloatType
	RopeScalingFactor         float32
	RopeScalingLowFreqFactor  float32
	RopeScalingHighFreqFactor float32
	RopeScalingOrigMaxSeqLen  int
	RopeType                  nn.RopeType
	HeadDim                   int
	NormEpsilon               float32
	MoeHiddenDim              int

	QDim       int
	KvDim      int
	HeaderSize int
	FileSize   int64
}

// FfnDim returns the dimension the FFN splits operate on: the MoE expert
// hidden dim for MoE architectures, the dense hidden dim otherwise.
func (h *Header) FfnDim() int {
	if h.ArchType == ArchQwen3Moe {
		return h.MoeHiddenDim
	}
	return h.HiddenDim
}

func convertNormEpsilon(value int32) (float32, error) {
	switch value {
	case 5:
		return 1e-5, nil
	case 6:
		return 1e-6, nil
	}
	return 0, fmt.Errorf("unsupported norm epsilon code: %d", value)
}

// LoadHeader reads and validates the model file header. maxSeqLen > 0 caps
// the model's sequence length; syncType selects the activation exchange
// format.
func LoadHeader(path string, maxSeqLen int, syncType nn.FloatType) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open model file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var prefix [2]uint32
	if err := binary.Read(f, binary.LittleEndian, &prefix); err != nil {
		return nil, fmt.Errorf("cannot read model prefix: %w", err)
	}
	magic, headerSize := prefix[0], prefix[1]
	if magic == oldHeaderMagic || magic == oldHeaderMagic2 {
		return nil, ErrOldFormat
	}
	if magic != headerMagic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, magic)
	}

	// headerSize counts the whole prefix, so the key/value region is what
	// remains after magic and headerSize themselves.
	nKv := (int(headerSize) - 8) / 4
	kv := make([]int32, nKv)
	if err := binary.Read(f, binary.LittleEndian, kv); err != nil {
		return nil, fmt.Errorf("cannot read header values: %w", err)
	}

	h := &Header{
		HeaderSize:        int(headerSize),
		WeightType:        nn.FUnk,
		HiddenAct:         HiddenActSilu,
		RopeType:          nn.RopeLlama,
		RopeTheta:         10000.0,
		RopeScalingFactor: 1.0,
		NormEpsilon:       1e-5,
	}
	for i := 0; i+1 < nKv; i += 2 {
		key, value := kv[i], kv[i+1]
		switch key {
		case keyVersion:
			h.Version = int(value)
		case keyArchType:
			h.ArchType = ArchType(value)
		case keyDim:
			h.Dim = int(value)
		case keyHiddenDim:
			h.HiddenDim = int(value)
		case keyNLayers:
			h.NLayers = int(value)
		case keyNHeads:
			h.NHeads = int(value)
		case keyNKvHeads:
			h.NKvHeads = int(value)
		case keyNExperts:
			h.NExperts = int(value)
		case keyNActiveExperts:
			h.NActiveExperts = int(value)
		case keyVocabSize:
			h.VocabSize = int(value)
		case keySeqLen:
			h.SeqLen = int(value)
		case keyHiddenAct:
			h.HiddenAct = HiddenAct(value)
		case keyRopeTheta:
			h.RopeTheta = float32(value)
		case keyWeightFloatType:
			h.WeightType = nn.FloatType(value)
		case keyRopeScalingFactor:
			h.RopeScalingFactor = float32(value)
		case keyRopeScalingLowFreqFactor:
			h.RopeScalingLowFreqFactor = float32(value)
		case keyRopeScalingHighFreqFactor:
			h.RopeScalingHighFreqFactor = float32(value)
		case keyRopeScalingOrigMaxSeqLen:
			h.RopeScalingOrigMaxSeqLen = int(value)
		case keyRopeType:
			h.RopeType = nn.RopeType(value)
		case keyHeadDim:
			h.HeadDim = int(value)
		case keyNormEpsilon:
			eps, err := convertNormEpsilon(value)
			if err != nil {
				return nil, err
			}
			h.NormEpsilon = eps
		case keyMoeHiddenDim:
			h.MoeHiddenDim = int(value)
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedKey, key)
		}
	}

	if h.WeightType == nn.FUnk {
		return nil, ErrNoWeightType
	}

	h.OrigSeqLen = h.SeqLen
	if maxSeqLen > 0 && h.SeqLen > maxSeqLen {
		h.SeqLen = maxSeqLen
	}
	if h.HeadDim == 0 {
		h.HeadDim = h.Dim / h.NHeads
	}
	h.QDim = h.HeadDim * h.NHeads
	h.KvDim = h.HeadDim * h.NKvHeads
	h.SyncType = syncType

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	h.FileSize = stat.Size()

	// The Qwen3 families rotate whole half-heads.
	if h.ArchType == ArchQwen3 || h.ArchType == ArchQwen3Moe {
		h.RopeType = nn.RopeFalcon
	}
	return h, nil
}

// Log reports the decoded header the way the CLI presents a model.
func (h *Header) Log(log logger.Logger) {
	log.Info("model header",
		"arch", h.ArchType.String(),
		"hiddenAct", h.HiddenAct.String(),
		"dim", h.Dim,
		"headDim", h.HeadDim,
		"qDim", h.QDim,
		"kvDim", h.KvDim,
		"hiddenDim", h.HiddenDim,
		"vocabSize", h.VocabSize,
		"nLayers", h.NLayers,
		"nHeads", h.NHeads,
		"nKvHeads", h.NKvHeads,
		"seqLen", h.SeqLen,
		"ropeType", h.RopeType.String(),
		"ropeTheta", h.RopeTheta,
		"weightType", h.WeightType.String(),
		"syncType", h.SyncType.String(),
	)
	if h.NExperts > 0 {
		log.Info("model experts", "nExperts", h.NExperts, "nActiveExperts", h.NActiveExperts, "moeHiddenDim", h.MoeHiddenDim)
	}
}
