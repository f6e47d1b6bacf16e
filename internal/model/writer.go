package model

import (
	"encoding/binary"
	"fmt"
)

// EncodeHeader serializes a header back into the model file prefix:
// magic, headerSize, then (key, value) pairs. The weights follow the
// prefix in the order the loaders walk them.
func EncodeHeader(h *Header) ([]byte, error) {
	epsCode := int32(0)
	switch h.NormEpsilon {
	case 1e-5:
		epsCode = 5
	case 1e-6:
		epsCode = 6
	default:
		return nil, fmt.Errorf("norm epsilon %g has no encoding", h.NormEpsilon)
	}

	kv := [][2]int32{
		{keyVersion, int32(h.Version)},
		{keyArchType, int32(h.ArchType)},
		{keyDim, int32(h.Dim)},
		{keyHiddenDim, int32(h.HiddenDim)},
		{keyNLayers, int32(h.NLayers)},
		{keyNHeads, int32(h.NHeads)},
		{keyNKvHeads, int32(h.NKvHeads)},
		{keyVocabSize, int32(h.VocabSize)},
		{keySeqLen, int32(h.SeqLen)},
		{keyHiddenAct, int32(h.HiddenAct)},
		{keyRopeTheta, int32(h.RopeTheta)},
		{keyWeightFloatType, int32(h.WeightType)},
		{keyRopeType, int32(h.RopeType)},
		{keyNormEpsilon, epsCode},
	}
	if h.NExperts > 0 {
		kv = append(kv,
			[2]int32{keyNExperts, int32(h.NExperts)},
			[2]int32{keyNActiveExperts, int32(h.NActiveExperts)},
			[2]int32{keyMoeHiddenDim, int32(h.MoeHiddenDim)})
	}
	if h.HeadDim > 0 {
		kv = append(kv, [2]int32{keyHeadDim, int32(h.HeadDim)})
	}
	if h.RopeScalingOrigMaxSeqLen > 0 {
		kv = append(kv,
			[2]int32{keyRopeScalingFactor, int32(h.RopeScalingFactor)},
			[2]int32{keyRopeScalingLowFreqFactor, int32(h.RopeScalingLowFreqFactor)},
			[2]int32{keyRopeScalingHighFreqFactor, int32(h.RopeScalingHighFreqFactor)},
			[2]int32{keyRopeScalingOrigMaxSeqLen, int32(h.RopeScalingOrigMaxSeqLen)})
	}

	// headerSize counts the magic and size fields themselves.
	headerSize := 8 + len(kv)*8
	buf := make([]byte, 0, headerSize)
	buf = binary.LittleEndian.AppendUint32(buf, headerMagic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(headerSize))
	for _, pair := range kv {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(pair[0]))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(pair[1]))
	}
	return buf, nil
}
