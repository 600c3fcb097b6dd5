package models

import (
	"context"
	"math"

	"github.com/flowsense/cyclecore/pkg/types"
)

// BayesianEstimator maintains a per-user conjugate Gaussian posterior
// over cycle length (known observation variance), updated with each new
// completed cycle outside Predict. For symptom likelihood it uses a
// Beta-binomial posterior over the 30-day occurrence window. Its output
// carries a 95% credible interval, not a point confidence.
type BayesianEstimator struct{}

func (m *BayesianEstimator) Kind() Kind { return KindBayesian }

func (m *BayesianEstimator) Predict(_ context.Context, in *Input) (Output, error) {
	p := in.Artifact.Bayes

	if in.Type == types.PredictSymptom {
		si := symptomIndex(in.Symptom)
		occurrences := in.Features.SymptomFreq(si) * 30
		alpha := 1 + occurrences
		beta := 1 + 30 - occurrences
		est := alpha / (alpha + beta)
		v := alpha * beta / ((alpha + beta) * (alpha + beta) * (alpha + beta + 1))
		std := math.Sqrt(v)
		return Output{
			Kind:        m.Kind(),
			Estimate:    est,
			Uncertainty: std,
			Lower:       clamp01(est - 1.96*std),
			Upper:       clamp01(est + 1.96*std),
		}, nil
	}

	mean, postVar := p.PriorMean, p.PriorVar
	if in.State != nil && in.State.Bayes != nil && in.State.Bayes.Count > 0 {
		mean, postVar = in.State.Bayes.PostMean, in.State.Bayes.PostVar
	}

	// Posterior predictive spread for the next observation
	std := math.Sqrt(postVar + p.ObsVar)

	est := mean
	if in.Type == types.PredictFertilityWindow {
		est = mean - 14
	}

	return Output{
		Kind:        m.Kind(),
		Estimate:    est,
		Uncertainty: std,
		Lower:       est - 1.96*std,
		Upper:       est + 1.96*std,
	}, nil
}

// ConjugateUpdate folds one observed cycle length into the posterior.
// Called when a cycle completes, under the user's writer lock.
func ConjugateUpdate(state *BayesState, params BayesParams, observedLength float64) {
	priorMean, priorVar := params.PriorMean, params.PriorVar
	if state.Count > 0 {
		priorMean, priorVar = state.PostMean, state.PostVar
	}

	precision := 1/priorVar + 1/params.ObsVar
	state.PostVar = 1 / precision
	state.PostMean = state.PostVar * (priorMean/priorVar + observedLength/params.ObsVar)
	state.Count++
}

// RebuildBayesState replays a full cycle history into a fresh posterior
func RebuildBayesState(params BayesParams, lengths []float64) *BayesState {
	s := &BayesState{}
	for _, l := range lengths {
		ConjugateUpdate(s, params, l)
	}
	return s
}
