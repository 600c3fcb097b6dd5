package models

import (
	"context"
	"math"

	"github.com/sajari/regression"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Trend signals emitted by the detector
const (
	SignalStable            = "stable"
	SignalRegularityChange  = "regularity_changing"
	SignalInsufficientData  = "insufficient_data"
)

// TrendDetector decomposes the cycle series into a moving average plus a
// fitted drift term and flags departures from the user's long-run
// baseline. It contributes a qualitative "regularity changing" signal
// alongside its trend-adjusted estimate.
type TrendDetector struct{}

func (m *TrendDetector) Kind() Kind { return KindTrendDetector }

func (m *TrendDetector) Predict(_ context.Context, in *Input) (Output, error) {
	p := in.Artifact.Trend

	if in.Type == types.PredictSymptom {
		si := symptomIndex(in.Symptom)
		return Output{
			Kind:        m.Kind(),
			Estimate:    clamp01(in.Features.SymptomFreq(si) * 30 / 30),
			Uncertainty: 0.18,
			Signal:      SignalStable,
		}, nil
	}

	if len(in.Cycles) < 3 {
		est := in.Artifact.Population.MeanCycleLength
		if len(in.Cycles) > 0 {
			est = in.Cycles[len(in.Cycles)-1]
		}
		if in.Type == types.PredictFertilityWindow {
			est -= 14
		}
		return Output{
			Kind:        m.Kind(),
			Estimate:    est,
			Uncertainty: 3,
			Signal:      SignalInsufficientData,
		}, nil
	}

	window := p.Window
	if window <= 0 || window > len(in.Cycles) {
		window = len(in.Cycles)
	}
	recent := in.Cycles[len(in.Cycles)-window:]

	ma := 0.0
	for _, l := range recent {
		ma += l
	}
	ma /= float64(len(recent))

	slope := driftSlope(in.Cycles)

	// Seasonal adjustment: long-run mean pulls the moving average back
	// when the recent window drifts without a sustained trend
	longRun := in.Features.At(features.IdxMeanLength)
	seasonal := 0.3 * (longRun - ma)
	if math.Abs(slope) > p.Sensitivity {
		seasonal = 0 // genuine drift, do not dampen it
	}

	est := ma + slope + seasonal

	signal := SignalStable
	if math.Abs(slope) > p.Sensitivity || varianceRatio(in.Cycles, window) > 2 {
		signal = SignalRegularityChange
	}

	unc := uncertaintyFloor(in.Features.At(features.IdxStdLength), 0.5)
	if signal == SignalRegularityChange {
		unc *= 1.5
	}

	if in.Type == types.PredictFertilityWindow {
		est -= 14
	}
	return Output{Kind: m.Kind(), Estimate: est, Uncertainty: unc, Signal: signal}, nil
}

// driftSlope fits length against cycle index and returns days/cycle
func driftSlope(cycles []float64) float64 {
	r := new(regression.Regression)
	r.SetObserved("cycle_length")
	r.SetVar(0, "cycle_index")
	for i, l := range cycles {
		r.Train(regression.DataPoint(l, []float64{float64(i)}))
	}
	if err := r.Run(); err != nil {
		return 0
	}
	coeffs := r.GetCoeffs()
	if len(coeffs) < 2 {
		return 0
	}
	return coeffs[1]
}

// varianceRatio compares recent spread against the earlier baseline
func varianceRatio(cycles []float64, window int) float64 {
	if len(cycles) < window*2 {
		return 1
	}
	recent := cycles[len(cycles)-window:]
	earlier := cycles[:len(cycles)-window]
	rv, ev := sampleVar(recent), sampleVar(earlier)
	if ev < 0.25 {
		ev = 0.25 // avoid exploding the ratio on a perfectly regular baseline
	}
	return rv / ev
}

func sampleVar(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs)-1)
}
