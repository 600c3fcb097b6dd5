package models

import (
	"context"
	"math"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/types"
)

// NonlinearRegressor is a feedforward network with one tanh hidden layer
// predicting the next cycle length as a deviation from the user's mean.
// The hidden layer is trained offline on population data; the output
// layer may carry a per-user copy adjusted by single gradient steps in
// the feedback loop.
type NonlinearRegressor struct{}

func (m *NonlinearRegressor) Kind() Kind { return KindRegressor }

func (m *NonlinearRegressor) Predict(_ context.Context, in *Input) (Output, error) {
	p := in.Artifact.Regressor
	f := in.Features.Values

	h := hiddenActivations(p, f)

	w2, b2 := p.W2, p.B2
	if in.State != nil && in.State.Regressor != nil && len(in.State.Regressor.W2) == len(w2) {
		w2 = in.State.Regressor.W2
		b2 = in.State.Regressor.B2
	}

	dev := b2
	for i, hi := range h {
		dev += w2[i] * hi
	}

	mean := in.Features.At(features.IdxMeanLength)
	std := in.Features.At(features.IdxStdLength)

	switch in.Type {
	case types.PredictSymptom:
		si := symptomIndex(in.Symptom)
		freq := in.Features.SymptomFreq(si) * 30 / 30
		// Deviation in days nudges cycle-linked symptom odds
		return Output{
			Kind:        m.Kind(),
			Estimate:    clamp01(freq + 0.01*dev),
			Uncertainty: 0.15,
		}, nil
	case types.PredictFertilityWindow:
		return Output{
			Kind:        m.Kind(),
			Estimate:    mean + dev - 14,
			Uncertainty: uncertaintyFloor(std, 0.5) + 0.7,
		}, nil
	default:
		return Output{
			Kind:        m.Kind(),
			Estimate:    mean + dev,
			Uncertainty: uncertaintyFloor(std*0.7, 0.5),
		}, nil
	}
}

func hiddenActivations(p RegressorParams, f []float64) []float64 {
	h := make([]float64, len(p.W1))
	for i, row := range p.W1 {
		z := p.B1[i]
		for j, w := range row {
			if w != 0 && j < len(f) {
				z += w * f[j]
			}
		}
		h[i] = math.Tanh(z)
	}
	return h
}

// GradientStep performs one SGD step on the user's copy of the output
// layer. Called by the feedback loop only, never inside Predict.
func GradientStep(state *RegressorState, artifact RegressorParams, f []float64, observedErr, lr float64) {
	if len(state.W2) != len(artifact.W2) {
		state.W2 = append([]float64(nil), artifact.W2...)
		state.B2 = artifact.B2
	}
	h := hiddenActivations(artifact, f)
	// observedErr = predicted - actual; descend the squared error
	for i, hi := range h {
		state.W2[i] -= lr * observedErr * hi
	}
	state.B2 -= lr * observedErr
}
