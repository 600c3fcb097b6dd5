package models

import (
	"context"
	"math"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/types"
)

// IrregularityClassifier scores cycle irregularity with an SVM-style
// linear decision function calibrated offline by Platt scaling
type IrregularityClassifier struct{}

func (c *IrregularityClassifier) Kind() Kind { return KindIrregularity }

func (c *IrregularityClassifier) Predict(_ context.Context, in *Input) (Output, error) {
	p := in.Artifact.Classifier
	f := in.Features.Values

	score := p.Bias
	for i, w := range p.Weights {
		if w != 0 && i < len(f) {
			score += w * f[i]
		}
	}
	prob := p.Platt.Apply(score)

	mean := in.Features.At(features.IdxMeanLength)
	std := in.Features.At(features.IdxStdLength)

	switch in.Type {
	case types.PredictSymptom:
		// Irregular cycles raise the odds of cycle-linked symptoms
		base := in.Features.SymptomFreq(symptomIndex(in.Symptom)) * 30 / 30
		est := clamp01(base*(0.8+0.4*prob) + 0.02*prob)
		return Output{
			Kind:        c.Kind(),
			Estimate:    est,
			Uncertainty: 0.15 + 0.1*prob,
		}, nil
	case types.PredictFertilityWindow:
		// Irregularity widens the ovulation estimate around mean-14
		return Output{
			Kind:        c.Kind(),
			Estimate:    mean - 14,
			Uncertainty: 1.0 + std*(0.5+prob),
		}, nil
	default:
		// Length forecast: mean, skewed by the irregularity probability
		return Output{
			Kind:        c.Kind(),
			Estimate:    mean + (prob-0.5)*2*std*0.3,
			Uncertainty: 0.5 + std*(0.5+prob),
			Factors: []types.ContributingFactor{
				{Name: features.Name(features.IdxIrregularity), Weight: prob},
			},
		}, nil
	}
}

// IrregularityScore exposes the calibrated probability directly for the
// condition pattern detector
func (c *IrregularityClassifier) IrregularityScore(in *Input) float64 {
	p := in.Artifact.Classifier
	score := p.Bias
	for i, w := range p.Weights {
		if w != 0 && i < len(in.Features.Values) {
			score += w * in.Features.Values[i]
		}
	}
	return p.Platt.Apply(score)
}

func symptomIndex(s types.SymptomType) int {
	for i, st := range types.SymptomTypes {
		if st == s {
			return i
		}
	}
	return 0
}

// uncertaintyFloor keeps self-reported spreads away from zero so no
// model can claim perfect certainty
func uncertaintyFloor(u, floor float64) float64 {
	return math.Max(u, floor)
}
