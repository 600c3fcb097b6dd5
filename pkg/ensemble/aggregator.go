package ensemble

import (
	"math"
	"sort"

	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

// uncertainty scale per estimate space: days for cycle forecasts,
// probability for symptom likelihood
const (
	dayScale  = 3.0
	probScale = 0.3
)

// Combined is the aggregator's calibrated output before the engine wraps
// it into a PredictionResult
type Combined struct {
	Estimate           float64
	Confidence         float64
	Uncalibrated       bool
	Degraded           bool
	DegradationPenalty float64
	Factors            []types.ContributingFactor
	Provenance         []types.ModelContribution
	Signals            []string
}

// Aggregator folds model outputs into one calibrated estimate
type Aggregator struct {
	cfg config.Ensemble
}

// NewAggregator creates an aggregator with the given settings
func NewAggregator(cfg config.Ensemble) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// EffectiveWeights renormalizes a user's weights over the models that
// actually responded, preserving relative ratios among them. With every
// model present this is exactly tierMix x sub-weight; with k models
// missing it equals recomputing directly over the remaining n-k.
func EffectiveWeights(w *Weights, present [models.NumKinds]bool) [models.NumKinds]float64 {
	var eff [models.NumKinds]float64
	total := 0.0
	for k := models.Kind(0); k < models.NumKinds; k++ {
		if present[k] {
			eff[k] = w.WeightFor(k)
			total += eff[k]
		}
	}
	if total <= 0 {
		return eff
	}
	for k := range eff {
		eff[k] /= total
	}
	return eff
}

// Combine aggregates the responding models' outputs under the user's
// weights, applying the degraded-confidence penalty for every excluded
// model and the per-type calibration curve. excluded lists models that
// timed out or failed this call.
func (a *Aggregator) Combine(
	predType types.PredictionType,
	outputs []models.Output,
	w *Weights,
	excluded []models.Kind,
	artifact *models.Artifact,
) Combined {
	var present [models.NumKinds]bool
	for _, o := range outputs {
		present[o.Kind] = true
	}
	eff := EffectiveWeights(w, present)

	scale := dayScale
	if predType == types.PredictSymptom {
		scale = probScale
	}

	// Weighted point estimate
	estimate := 0.0
	for _, o := range outputs {
		estimate += eff[o.Kind] * o.Estimate
	}

	// Self-reported certainty, weighted across the pool
	selfConf := 0.0
	for _, o := range outputs {
		selfConf += eff[o.Kind] / (1 + o.Uncertainty/scale)
	}

	// Disagreement penalty from the weighted spread of estimates
	spread := 0.0
	for _, o := range outputs {
		d := o.Estimate - estimate
		spread += eff[o.Kind] * d * d
	}
	raw := selfConf / (1 + math.Sqrt(spread)/scale)

	out := Combined{
		Estimate:   estimate,
		Provenance: provenance(outputs, eff, excluded),
		Factors:    mergeFactors(outputs, eff),
		Signals:    collectSignals(outputs),
	}

	// Calibration, or an explicit uncalibrated flag
	if platt, ok := artifact.Calibration[predType]; ok {
		out.Confidence = platt.Apply(raw)
	} else {
		out.Confidence = raw
		out.Uncalibrated = true
	}

	// Documented degradation: each missing model shaves the confidence
	if len(excluded) > 0 {
		penalty := math.Pow(a.cfg.DegradationPenalty, float64(len(excluded)))
		out.Confidence *= penalty
		out.Degraded = true
		out.DegradationPenalty = penalty
	}

	if out.Confidence < 0.05 {
		out.Confidence = 0.05
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out
}

func provenance(outputs []models.Output, eff [models.NumKinds]float64, excluded []models.Kind) []types.ModelContribution {
	prov := make([]types.ModelContribution, 0, len(outputs)+len(excluded))
	for _, o := range outputs {
		prov = append(prov, types.ModelContribution{
			Model:       o.Kind.String(),
			Estimate:    o.Estimate,
			Uncertainty: o.Uncertainty,
			Weight:      eff[o.Kind],
		})
	}
	for _, k := range excluded {
		prov = append(prov, types.ModelContribution{
			Model:       k.String(),
			Excluded:    true,
			ExcludedFor: "timeout",
		})
	}
	sort.Slice(prov, func(i, j int) bool { return prov[i].Model < prov[j].Model })
	return prov
}

// mergeFactors pools contributing factors across models, weighting each
// by its reporting model's effective weight
func mergeFactors(outputs []models.Output, eff [models.NumKinds]float64) []types.ContributingFactor {
	merged := make(map[string]float64)
	for _, o := range outputs {
		for _, f := range o.Factors {
			merged[f.Name] += f.Weight * eff[o.Kind]
		}
	}
	out := make([]types.ContributingFactor, 0, len(merged))
	for name, weight := range merged {
		out = append(out, types.ContributingFactor{Name: name, Weight: weight})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

func collectSignals(outputs []models.Output) []string {
	var signals []string
	for _, o := range outputs {
		if o.Signal != "" && o.Signal != models.SignalStable {
			signals = append(signals, o.Signal)
		}
	}
	return signals
}
