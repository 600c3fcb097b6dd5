package models

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/flowsense/cyclecore/pkg/types"
)

// GPRegressor is a Gaussian-process regressor over the cycle-index axis
// with an RBF kernel. Its closed-form posterior variance is the
// principled uncertainty source for fertility predictions. The feedback
// loop may scale its noise term per user as a periodic hyperparameter
// refresh.
type GPRegressor struct{}

func (m *GPRegressor) Kind() Kind { return KindGaussianProcess }

func (m *GPRegressor) Predict(_ context.Context, in *Input) (Output, error) {
	p := in.Artifact.GP

	noise := p.NoiseVar
	if in.State != nil && in.State.GP != nil && in.State.GP.NoiseScale > 0 {
		noise *= in.State.GP.NoiseScale
	}

	ys := in.Cycles
	if p.MaxPoints > 0 && len(ys) > p.MaxPoints {
		ys = ys[len(ys)-p.MaxPoints:]
	}

	var est, variance float64
	if len(ys) == 0 {
		est = in.Artifact.Population.MeanCycleLength
		variance = p.SignalVar + noise
	} else {
		est, variance = posterior(p, noise, ys)
	}

	std := math.Sqrt(math.Max(variance, 1e-9))

	switch in.Type {
	case types.PredictSymptom:
		si := symptomIndex(in.Symptom)
		return Output{
			Kind:        m.Kind(),
			Estimate:    clamp01(in.Features.SymptomFreq(si) * 30 / 30),
			Uncertainty: 0.2,
		}, nil
	case types.PredictFertilityWindow:
		// Ovulation estimate: luteal offset from the predicted length,
		// carrying the GP's own posterior spread
		return Output{Kind: m.Kind(), Estimate: est - 14, Uncertainty: std}, nil
	default:
		return Output{Kind: m.Kind(), Estimate: est, Uncertainty: std}, nil
	}
}

// posterior computes the GP posterior mean and variance at the next
// cycle index, regressing length against cycle index around the sample
// mean
func posterior(p GPParams, noise float64, ys []float64) (float64, float64) {
	n := len(ys)

	meanY := 0.0
	for _, y := range ys {
		meanY += y
	}
	meanY /= float64(n)

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := rbf(p, float64(i), float64(j))
			if i == j {
				v += noise
			}
			k.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		// Kernel matrix numerically unusable: fall back to the sample mean
		return meanY, p.SignalVar + noise
	}

	yCentered := mat.NewVecDense(n, nil)
	for i, y := range ys {
		yCentered.SetVec(i, y-meanY)
	}

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, yCentered); err != nil {
		return meanY, p.SignalVar + noise
	}

	// Cross-covariance between training indices and the next index n
	kStar := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		kStar.SetVec(i, rbf(p, float64(i), float64(n)))
	}

	est := meanY + mat.Dot(kStar, alpha)

	v := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(v, kStar); err != nil {
		return est, p.SignalVar + noise
	}
	variance := p.SignalVar + noise - mat.Dot(kStar, v)
	if variance < 0 {
		variance = 0
	}
	return est, variance
}

func rbf(p GPParams, a, b float64) float64 {
	d := a - b
	return p.SignalVar * math.Exp(-d*d/(2*p.LengthScale*p.LengthScale))
}

// RefreshNoise is the per-user hyperparameter refresh: recent absolute
// error nudges the user's noise scale. Called by the feedback loop only.
func RefreshNoise(state *GPState, observedAbsErr, typicalErr float64) {
	if state.NoiseScale == 0 {
		state.NoiseScale = 1
	}
	ratio := (observedAbsErr + 0.1) / (typicalErr + 0.1)
	state.NoiseScale = 0.8*state.NoiseScale + 0.2*math.Min(math.Max(ratio, 0.5), 3)
}
