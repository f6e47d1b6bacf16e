package model

import (
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/calderhughes/weft/internal/nn"
)

func testHeader() *Header {
	return &Header{
		Version:     1,
		ArchType:    ArchLlama,
		Dim:         64,
		HiddenDim:   64,
		NLayers:     2,
		NHeads:      2,
		NKvHeads:    2,
		VocabSize:   64,
		SeqLen:      16,
		HiddenAct:   HiddenActSilu,
		RopeTheta:   10000,
		WeightType:  nn.F32,
		RopeType:    nn.RopeLlama,
		NormEpsilon: 1e-5,
	}
}

// writeTestModel writes a header plus deterministic pseudo-random F32
// weights in loader walk order and returns the file path.
func writeTestModel(t *testing.T, h *Header) string {
	t.Helper()
	prefix, err := EncodeHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	headDim := h.HeadDim
	if headDim == 0 {
		headDim = h.Dim / h.NHeads
	}
	qDim := headDim * h.NHeads
	kvDim := headDim * h.NKvHeads

	weightFloats := h.VocabSize * h.Dim // embedding
	perLayer := h.Dim*qDim + 2*h.Dim*kvDim + qDim*h.Dim +
		2*h.Dim*h.HiddenDim + h.HiddenDim*h.Dim + 2*h.Dim
	weightFloats += h.NLayers * perLayer
	weightFloats += h.Dim + h.Dim*h.VocabSize // final norm + classifier

	rng := rand.New(rand.NewSource(42))
	buf := make([]byte, 0, len(prefix)+weightFloats*4)
	buf = append(buf, prefix...)
	for i := 0; i < weightFloats; i++ {
		v := rng.Float32()*0.2 - 0.1
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	path := filepath.Join(t.TempDir(), "model.m")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadHeaderRoundTrip(t *testing.T) {
	h := testHeader()
	path := writeTestModel(t, h)

	got, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchType != h.ArchType || got.Dim != h.Dim || got.HiddenDim != h.HiddenDim ||
		got.NLayers != h.NLayers || got.NHeads != h.NHeads || got.NKvHeads != h.NKvHeads ||
		got.VocabSize != h.VocabSize || got.SeqLen != h.SeqLen {
		t.Fatalf("header fields did not survive: %+v", got)
	}
	if got.WeightType != nn.F32 || got.RopeTheta != 10000 || got.NormEpsilon != 1e-5 {
		t.Fatalf("typed fields did not survive: %+v", got)
	}
	if got.HeadDim != 32 || got.QDim != 64 || got.KvDim != 64 {
		t.Fatalf("derived dims wrong: headDim=%d qDim=%d kvDim=%d", got.HeadDim, got.QDim, got.KvDim)
	}
}

func TestLoadHeaderCapsSeqLen(t *testing.T) {
	path := writeTestModel(t, testHeader())
	got, err := LoadHeader(path, 8, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	if got.SeqLen != 8 || got.OrigSeqLen != 16 {
		t.Fatalf("seqLen cap: got %d (orig %d)", got.SeqLen, got.OrigSeqLen)
	}
}

func TestLoadHeaderRejectsOldMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.m")
	buf := binary.LittleEndian.AppendUint32(nil, oldHeaderMagic)
	buf = binary.LittleEndian.AppendUint32(buf, 8)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHeader(path, 0, nn.F32); err == nil {
		t.Fatal("expected old-format rejection")
	}
}

func TestLoadHeaderRejectsUnknownMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.m")
	buf := binary.LittleEndian.AppendUint32(nil, 0x12345678)
	buf = binary.LittleEndian.AppendUint32(buf, 8)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHeader(path, 0, nn.F32); err == nil {
		t.Fatal("expected magic rejection")
	}
}

func TestQwenArchForcesFalconRope(t *testing.T) {
	h := testHeader()
	h.ArchType = ArchQwen3
	h.RopeType = nn.RopeLlama
	path := writeTestModel(t, h)
	got, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	if got.RopeType != nn.RopeFalcon {
		t.Fatalf("qwen3 rope type = %s", got.RopeType)
	}
}
