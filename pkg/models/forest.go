package models

import (
	"context"
	"sort"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/types"
)

// PatternForest scores symptom and length patterns with an offline-trained
// tree ensemble. It is the primary source of per-prediction feature
// importance. Per-user online adjustment is an exponentially-forgotten
// leaf-bias correction applied outside Predict by the feedback loop.
type PatternForest struct{}

func (m *PatternForest) Kind() Kind { return KindPatternForest }

func (m *PatternForest) Predict(_ context.Context, in *Input) (Output, error) {
	p := in.Artifact.Forest
	f := in.Features.Values

	dev := 0.0
	for _, tree := range p.Trees {
		dev += evalTree(tree, f)
	}
	if len(p.Trees) > 0 {
		dev /= float64(len(p.Trees))
	}
	if in.State != nil && in.State.Forest != nil {
		dev += in.State.Forest.Bias
	}

	mean := in.Features.At(features.IdxMeanLength)
	std := in.Features.At(features.IdxStdLength)

	out := Output{
		Kind:    m.Kind(),
		Factors: topImportances(p.Importances, f, 4),
	}

	switch in.Type {
	case types.PredictSymptom:
		si := symptomIndex(in.Symptom)
		freq := in.Features.SymptomFreq(si) * 30 / 30
		sev := in.Features.SymptomSeverity(si)
		out.Estimate = clamp01(0.8*freq + 0.2*sev)
		out.Uncertainty = 0.12
		out.Factors = symptomFactors(in, si)
	case types.PredictFertilityWindow:
		out.Estimate = mean + dev - 14
		out.Uncertainty = uncertaintyFloor(std, 0.5) + 0.8
	default:
		out.Estimate = mean + dev
		out.Uncertainty = uncertaintyFloor(std*0.8, 0.5)
	}
	return out, nil
}

// evalTree walks a flat-array tree to its leaf value
func evalTree(tree []TreeNode, f []float64) float64 {
	i := 0
	for steps := 0; steps < len(tree); steps++ {
		n := tree[i]
		if n.Leaf {
			return n.Value
		}
		if n.Feature < len(f) && f[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		if i < 0 || i >= len(tree) {
			return 0
		}
	}
	return 0
}

// topImportances returns the k most important features weighted by the
// forest's importance scores and the current feature magnitudes
func topImportances(importances, f []float64, k int) []types.ContributingFactor {
	type scored struct {
		idx    int
		weight float64
	}
	ranked := make([]scored, 0, len(importances))
	for i, imp := range importances {
		if imp > 0 {
			ranked = append(ranked, scored{i, imp})
		}
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].weight > ranked[b].weight })
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]types.ContributingFactor, len(ranked))
	for i, r := range ranked {
		out[i] = types.ContributingFactor{Name: features.Name(r.idx), Weight: r.weight}
	}
	return out
}

func symptomFactors(in *Input, si int) []types.ContributingFactor {
	return []types.ContributingFactor{
		{Name: features.Name(features.IdxSymptomBase + si*2), Weight: 0.8},
		{Name: features.Name(features.IdxSymptomBase + si*2 + 1), Weight: 0.2},
	}
}

// ForgetLeafBias applies exponential forgetting plus the newest observed
// error to a user's forest correction. Called by the feedback loop only.
func ForgetLeafBias(state *ForestState, observedErr, rate float64) {
	state.Bias = state.Bias*(1-rate) - observedErr*rate
}
