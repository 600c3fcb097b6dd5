package models

import (
	"context"
	"math"
	"sort"

	"github.com/flowsense/cyclecore/pkg/types"
)

// HistoricalAverage is the tier-3 legacy baseline: the plain mean of the
// user's recent completed cycles
type HistoricalAverage struct{}

func (m *HistoricalAverage) Kind() Kind { return KindHistorical }

func (m *HistoricalAverage) Predict(_ context.Context, in *Input) (Output, error) {
	if in.Type == types.PredictSymptom {
		si := symptomIndex(in.Symptom)
		return Output{
			Kind:        m.Kind(),
			Estimate:    clamp01(in.Features.SymptomFreq(si)),
			Uncertainty: 0.2,
		}, nil
	}

	if len(in.Cycles) == 0 {
		est := in.Artifact.Population.MeanCycleLength
		if in.Type == types.PredictFertilityWindow {
			est -= 14
		}
		return Output{Kind: m.Kind(), Estimate: est, Uncertainty: in.Artifact.Population.StdCycleLength}, nil
	}

	mean := 0.0
	for _, l := range in.Cycles {
		mean += l
	}
	mean /= float64(len(in.Cycles))

	std := math.Sqrt(sampleVar(in.Cycles))

	est := mean
	if in.Type == types.PredictFertilityWindow {
		est = mean - 14
	}
	return Output{Kind: m.Kind(), Estimate: est, Uncertainty: uncertaintyFloor(std, 0.8)}, nil
}

// CalendarMethod is the tier-3 statistical baseline: median length for
// forecasts and the classic shortest-18 / longest-11 rule for the
// fertile window
type CalendarMethod struct{}

func (m *CalendarMethod) Kind() Kind { return KindCalendar }

func (m *CalendarMethod) Predict(_ context.Context, in *Input) (Output, error) {
	if in.Type == types.PredictSymptom {
		si := symptomIndex(in.Symptom)
		base := in.Artifact.Population.SymptomRates[in.Symptom]
		freq := in.Features.SymptomFreq(si)
		return Output{
			Kind:        m.Kind(),
			Estimate:    clamp01(0.5*freq + 0.5*base),
			Uncertainty: 0.25,
		}, nil
	}

	if len(in.Cycles) == 0 {
		est := in.Artifact.Population.MeanCycleLength
		if in.Type == types.PredictFertilityWindow {
			est -= 14
		}
		return Output{Kind: m.Kind(), Estimate: est, Uncertainty: in.Artifact.Population.StdCycleLength + 1}, nil
	}

	sorted := append([]float64(nil), in.Cycles...)
	sort.Float64s(sorted)
	med := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		med = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	if in.Type == types.PredictFertilityWindow {
		// Fertile window per calendar rule; the point estimate is its
		// midpoint, the spread covers the window
		shortest, longest := sorted[0], sorted[len(sorted)-1]
		winStart := shortest - 18
		winEnd := longest - 11
		mid := (winStart + winEnd) / 2
		return Output{
			Kind:        m.Kind(),
			Estimate:    mid,
			Uncertainty: uncertaintyFloor((winEnd-winStart)/2, 1.5),
		}, nil
	}

	return Output{Kind: m.Kind(), Estimate: med, Uncertainty: 2.5}, nil
}
