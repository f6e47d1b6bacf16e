package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/calderhughes/weft/internal/nn"
)

// The ratios grammar, auto-detected in two passes:
//
// (A) Per-stage TP ratios: "tp0*tp1*..." where each tp lists node ratios
// separated by ',' or ':'. Explicit layers append "@<n>"; the legacy form
// ":<n>" is accepted only when the ratios use commas (e.g. "1,1:10"),
// because a trailing ":<digits>" is ambiguous with ':'-separated ratios.
//
// (B) Two-level: "stageWeights*tpStage0*tpStage1*..." — used when pass (A)
// does not account for the expected node count. The first segment weights
// the automatic layer split; the rest are per-stage TP ratios.
//
// Stage separators ';' and '|' are normalized to '*'.

func splitStages(raw string) []string {
	normalized := strings.Map(func(r rune) rune {
		if r == ';' || r == '|' {
			return '*'
		}
		return r
	}, raw)
	var parts []string
	for _, seg := range strings.Split(normalized, "*") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// parseRatiosAndMaybeLayers parses one stage segment into ratios plus an
// optional explicit layer count (0 when absent).
func parseRatiosAndMaybeLayers(segment string) ([]float64, int, error) {
	explicitLayers := 0
	ratioPart := segment

	if at := strings.LastIndexByte(segment, '@'); at >= 0 && at+1 < len(segment) {
		if tail := segment[at+1:]; isAllDigits(tail) {
			n, err := strconv.Atoi(tail)
			if err == nil {
				explicitLayers = n
				ratioPart = segment[:at]
			}
		}
	}
	if explicitLayers == 0 && strings.ContainsRune(segment, ',') {
		if colon := strings.LastIndexByte(segment, ':'); colon >= 0 && colon+1 < len(segment) {
			if tail := segment[colon+1:]; isAllDigits(tail) {
				n, err := strconv.Atoi(tail)
				if err == nil {
					explicitLayers = n
					ratioPart = segment[:colon]
				}
			}
		}
	}

	var ratios []float64
	for _, item := range strings.FieldsFunc(ratioPart, func(r rune) bool { return r == ',' || r == ':' }) {
		v, err := strconv.ParseFloat(item, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid ratio value: %q", item)
		}
		ratios = append(ratios, v)
	}
	if len(ratios) == 0 {
		return nil, 0, fmt.Errorf("empty ratio list in segment: %q", segment)
	}
	return ratios, explicitLayers, nil
}

func sumNodeCounts(stages []nn.StageDef) int {
	n := 0
	for _, s := range stages {
		n += len(s.TpRatios)
	}
	return n
}

// autoAssignLayers distributes the layers not claimed explicitly over the
// auto stages in proportion to their weights. The last auto stage absorbs
// rounding residue; a near-zero weight sum falls back to a uniform split
// with the residue spread over trailing stages.
func autoAssignLayers(stages []nn.StageDef, stageWeights []float64, nLayers int) error {
	totalExplicit := 0
	var autoIndices []int
	for i := range stages {
		if stages[i].NLayers == 0 {
			autoIndices = append(autoIndices, i)
		} else {
			totalExplicit += stages[i].NLayers
		}
	}
	if totalExplicit > nLayers {
		return fmt.Errorf("explicit layers count (%d) exceeds total model layers (%d)", totalExplicit, nLayers)
	}
	remaining := nLayers - totalExplicit
	if len(autoIndices) == 0 {
		if remaining != 0 {
			return fmt.Errorf("explicit layers sum (%d) does not match total model layers (%d)", totalExplicit, nLayers)
		}
		return nil
	}

	totalWeight := 0.0
	weights := make([]float64, len(autoIndices))
	for i, idx := range autoIndices {
		if idx < len(stageWeights) {
			weights[i] = stageWeights[idx]
		}
		totalWeight += weights[i]
	}

	if totalWeight <= 1e-6 {
		base := remaining / len(autoIndices)
		rem := remaining % len(autoIndices)
		for i, idx := range autoIndices {
			stages[idx].NLayers = base
			if i >= len(autoIndices)-rem {
				stages[idx].NLayers++
			}
		}
		return nil
	}

	allocated := 0
	for i, idx := range autoIndices {
		var layers int
		if i == len(autoIndices)-1 {
			layers = remaining - allocated
		} else {
			layers = int(math.Round(float64(remaining) * weights[i] / totalWeight))
			if allocated+layers > remaining {
				layers = remaining - allocated
			}
		}
		stages[idx].NLayers = layers
		allocated += layers
	}
	return nil
}

// ParseStageDefs parses a ratios specification into stage definitions with
// layer counts resolved. nNodes is the expected total node count and
// nLayers the model's layer count.
func ParseStageDefs(ratiosStr string, nNodes, nLayers int) ([]nn.StageDef, error) {
	parts := splitStages(ratiosStr)
	if len(parts) == 0 {
		return nil, fmt.Errorf("ratios string is empty")
	}

	// Pass 1: every segment is a stage's TP ratios.
	stages := make([]nn.StageDef, 0, len(parts))
	pass1Ok := true
	for _, seg := range parts {
		ratios, layers, err := parseRatiosAndMaybeLayers(seg)
		if err != nil {
			pass1Ok = false
			break
		}
		stages = append(stages, nn.StageDef{NLayers: layers, TpRatios: ratios})
	}
	if pass1Ok && sumNodeCounts(stages) == nNodes {
		stageWeights := make([]float64, len(stages))
		for i, s := range stages {
			for _, r := range s.TpRatios {
				stageWeights[i] += r
			}
		}
		if err := autoAssignLayers(stages, stageWeights, nLayers); err != nil {
			return nil, err
		}
		return checkStageLayers(stages)
	}

	// Pass 2: first segment is stage weights, the rest per-stage TP ratios.
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid ratios format: not enough segments in %q", ratiosStr)
	}
	stageWeights, layers, err := parseRatiosAndMaybeLayers(parts[0])
	if err != nil {
		return nil, err
	}
	if layers != 0 {
		return nil, fmt.Errorf("stage-weights segment must not specify layers: %q", parts[0])
	}
	if len(parts) != 1+len(stageWeights) {
		return nil, fmt.Errorf(
			"two-level ratios expects 1+%d segments, got %d (format: stageWeights*tpStage0*tpStage1*..., e.g. %q)",
			len(stageWeights), len(parts), "1:2*1:1*2:3")
	}
	stages = stages[:0]
	for _, seg := range parts[1:] {
		ratios, layers, err := parseRatiosAndMaybeLayers(seg)
		if err != nil {
			return nil, err
		}
		stages = append(stages, nn.StageDef{NLayers: layers, TpRatios: ratios})
	}
	if total := sumNodeCounts(stages); total != nNodes {
		return nil, fmt.Errorf("ratios defined %d nodes, but expected %d", total, nNodes)
	}
	if err := autoAssignLayers(stages, stageWeights, nLayers); err != nil {
		return nil, err
	}
	return checkStageLayers(stages)
}

func checkStageLayers(stages []nn.StageDef) ([]nn.StageDef, error) {
	for i := range stages {
		if stages[i].NLayers < 1 {
			return nil, fmt.Errorf("stage %d was assigned no layers; give it an explicit @<layers> or adjust stage weights", i)
		}
	}
	return stages, nil
}
