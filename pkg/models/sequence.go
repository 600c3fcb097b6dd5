package models

import (
	"context"
	"math"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/types"
)

// SequenceModel consumes the user's ordered cycle history through a
// gated recurrent cell. A per-user hidden-state snapshot keyed by
// (user, model version, schema version) lets Predict replay only the
// cycles logged since the snapshot; any version change orphans it.
type SequenceModel struct{}

func (m *SequenceModel) Kind() Kind { return KindSequence }

func (m *SequenceModel) Predict(_ context.Context, in *Input) (Output, error) {
	p := in.Artifact.Sequence

	h, start := m.restore(in)
	residuals := make([]float64, 0, len(in.Cycles))

	for i := start; i < len(in.Cycles); i++ {
		x := in.Cycles[i] / p.InputScale
		residuals = append(residuals, (x-h)*p.InputScale)
		h = step(p, h, x)
	}

	est := h * p.InputScale
	if len(in.Cycles) == 0 {
		est = in.Artifact.Population.MeanCycleLength
	}

	unc := uncertaintyFloor(residualStd(residuals), 0.6)
	if len(in.Cycles) < 4 {
		unc += 1.5 // cold hidden state
	}

	switch in.Type {
	case types.PredictSymptom:
		si := symptomIndex(in.Symptom)
		return Output{
			Kind:        m.Kind(),
			Estimate:    clamp01(in.Features.SymptomFreq(si) * 30 / 30),
			Uncertainty: 0.18,
		}, nil
	case types.PredictFertilityWindow:
		return Output{Kind: m.Kind(), Estimate: est - 14, Uncertainty: unc + 0.8}, nil
	default:
		return Output{Kind: m.Kind(), Estimate: est, Uncertainty: unc}, nil
	}
}

// restore returns the starting hidden value and the index of the first
// unconsumed cycle, discarding snapshots from other model or schema
// versions
func (m *SequenceModel) restore(in *Input) (float64, int) {
	s := in.State
	if s == nil || s.Sequence == nil {
		return in.Artifact.Population.MeanCycleLength / in.Artifact.Sequence.InputScale, 0
	}
	snap := s.Sequence
	if snap.ModelVersion != in.Artifact.Version ||
		snap.SchemaVersion != features.SchemaVersion ||
		snap.Consumed > len(in.Cycles) {
		return in.Artifact.Population.MeanCycleLength / in.Artifact.Sequence.InputScale, 0
	}
	return snap.Hidden, snap.Consumed
}

// Advance folds newly completed cycles into a hidden-state snapshot.
// Called from the log-ingestion path under the user's writer lock.
func (m *SequenceModel) Advance(snap *SequenceState, artifact *Artifact, cycles []float64) {
	p := artifact.Sequence
	h := artifact.Population.MeanCycleLength / p.InputScale
	start := 0
	if snap.ModelVersion == artifact.Version &&
		snap.SchemaVersion == features.SchemaVersion &&
		snap.Consumed <= len(cycles) {
		h = snap.Hidden
		start = snap.Consumed
	}
	for i := start; i < len(cycles); i++ {
		h = step(p, h, cycles[i]/p.InputScale)
	}
	snap.Hidden = h
	snap.Consumed = len(cycles)
	snap.ModelVersion = artifact.Version
	snap.SchemaVersion = features.SchemaVersion
}

// step applies the gated recurrence h' = (1-z)h + z*tanh(g*x)
func step(p SequenceParams, h, x float64) float64 {
	z := sigmoid(p.GateBias)
	cand := math.Tanh(p.CandGain * x)
	return (1-z)*h + z*cand
}

func residualStd(residuals []float64) float64 {
	if len(residuals) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range residuals {
		mean += r
	}
	mean /= float64(len(residuals))
	v := 0.0
	for _, r := range residuals {
		v += (r - mean) * (r - mean)
	}
	return math.Sqrt(v / float64(len(residuals)-1))
}
