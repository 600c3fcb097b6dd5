// Package ensemble combines model-pool outputs into calibrated
// predictions under tiered, renormalizable per-user weights
package ensemble

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

// SumTolerance is the allowed drift of any weight group away from 1
const SumTolerance = 1e-6

// tierSizes maps tier index to member count
var tierSizes = [3]int{4, 3, 2}

// Weights is a user's tiered ensemble weighting plus the per-model error
// EWMAs that drive adaptive renormalization. Exclusively owned by one
// user's context; mutated only by the feedback loop under a single
// writer.
type Weights struct {
	Version int        `json:"version"`
	TierMix [3]float64 `json:"tier_mix"`
	Tier1   [4]float64 `json:"tier1"`
	Tier2   [3]float64 `json:"tier2"`
	Tier3   [2]float64 `json:"tier3"`

	ErrEWMA   [models.NumKinds]float64 `json:"err_ewma"`
	Observed  [models.NumKinds]bool    `json:"observed"`
	Pending   int                      `json:"pending"` // feedback events since last renorm
	UpdatedAt time.Time                `json:"updated_at"`
}

// NewWeights builds a user's initial weights from the configured defaults
func NewWeights(defaults config.Weights) *Weights {
	return &Weights{
		Version: 1,
		TierMix: defaults.TierMix,
		Tier1:   defaults.Tier1,
		Tier2:   defaults.Tier2,
		Tier3:   defaults.Tier3,
	}
}

// tier returns the sub-weight slice for a tier index
func (w *Weights) tier(t int) []float64 {
	switch t {
	case 0:
		return w.Tier1[:]
	case 1:
		return w.Tier2[:]
	default:
		return w.Tier3[:]
	}
}

// WeightFor returns a model's effective weight: its tier mass times its
// sub-weight within the tier
func (w *Weights) WeightFor(k models.Kind) float64 {
	return w.TierMix[k.Tier()] * w.tier(k.Tier())[k.TierIndex()]
}

// Validate checks the sum-to-one invariants on every group
func (w *Weights) Validate() error {
	groups := map[string][]float64{
		"tier_mix": w.TierMix[:],
		"tier1":    w.Tier1[:],
		"tier2":    w.Tier2[:],
		"tier3":    w.Tier3[:],
	}
	for name, g := range groups {
		sum := 0.0
		for _, x := range g {
			if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("%w: %s contains invalid weight %v", types.ErrCorruptWeights, name, x)
			}
			sum += x
		}
		if math.Abs(sum-1) > SumTolerance {
			return fmt.Errorf("%w: %s sums to %v", types.ErrCorruptWeights, name, sum)
		}
	}
	return nil
}

// Marshal serializes the weights to a versioned blob
func (w *Weights) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

// UnmarshalWeights decodes a persisted blob, reporting corrupt state so
// the caller can reset the user to defaults
func UnmarshalWeights(blob []byte) (*Weights, error) {
	var w Weights
	if err := json.Unmarshal(blob, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorruptWeights, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateError folds one observed error magnitude into a model's EWMA
func (w *Weights) UpdateError(k models.Kind, absErr, decay float64) {
	if !w.Observed[k] {
		w.ErrEWMA[k] = absErr
		w.Observed[k] = true
	} else {
		w.ErrEWMA[k] = (1-decay)*w.ErrEWMA[k] + decay*absErr
	}
	w.Pending++
}

// Renormalize adapts sub-weights within each tier toward a softmax over
// negative error EWMAs, honoring the stability cap and diversity bounds:
// each step moves a weight at most ±cap of its current relative mass,
// and no weight leaves [floor, ceiling]. Models with no observed
// feedback are treated as sitting at their tier's mean error so they
// drift neither up nor down on their own.
func (w *Weights) Renormalize(cfg config.Ensemble) {
	for t := 0; t < 3; t++ {
		w.renormalizeTier(t, cfg)
	}
	w.Pending = 0
	w.Version++
	w.UpdatedAt = time.Now().UTC()
}

func (w *Weights) renormalizeTier(t int, cfg config.Ensemble) {
	sub := w.tier(t)
	errs := make([]float64, len(sub))

	// Tier mean error stands in for unobserved models
	sum, n := 0.0, 0
	for k := models.Kind(0); k < models.NumKinds; k++ {
		if k.Tier() == t && w.Observed[k] {
			sum += w.ErrEWMA[k]
			n++
		}
	}
	if n == 0 {
		return // no feedback for this tier yet
	}
	mean := sum / float64(n)

	for k := models.Kind(0); k < models.NumKinds; k++ {
		if k.Tier() != t {
			continue
		}
		if w.Observed[k] {
			errs[k.TierIndex()] = w.ErrEWMA[k]
		} else {
			errs[k.TierIndex()] = mean
		}
	}

	target := softmaxNeg(errs, cfg.RenormTemperature)

	// Capped move toward target, then redistribute back to sum 1 without
	// breaching the diversity bounds
	next := make([]float64, len(sub))
	for i := range sub {
		delta := target[i] - sub[i]
		maxStep := cfg.WeightStepCap * sub[i]
		if delta > maxStep {
			delta = maxStep
		} else if delta < -maxStep {
			delta = -maxStep
		}
		next[i] = clampWeight(sub[i]+delta, cfg.WeightFloor, cfg.WeightCeiling)
	}
	boundedNormalize(next, cfg.WeightFloor, cfg.WeightCeiling)
	copy(sub, next)
}

// boundedNormalize restores sum-to-one by moving mass proportionally to
// each weight's slack against the bound being approached, so no weight
// leaves [floor, ceiling]
func boundedNormalize(ws []float64, floor, ceiling float64) {
	for iter := 0; iter < 4; iter++ {
		sum := 0.0
		for _, w := range ws {
			sum += w
		}
		if math.Abs(sum-1) <= SumTolerance/10 {
			return
		}
		if sum > 1 {
			excess := sum - 1
			free := 0.0
			for _, w := range ws {
				free += w - floor
			}
			if free <= 0 {
				normalize(ws)
				return
			}
			for i := range ws {
				ws[i] -= excess * (ws[i] - floor) / free
			}
		} else {
			deficit := 1 - sum
			room := 0.0
			for _, w := range ws {
				room += ceiling - w
			}
			if room <= 0 {
				normalize(ws)
				return
			}
			for i := range ws {
				ws[i] += deficit * (ceiling - ws[i]) / room
			}
		}
	}
}

// softmaxNeg returns softmax(-errs/temperature)
func softmaxNeg(errs []float64, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	out := make([]float64, len(errs))
	maxNeg := math.Inf(-1)
	for _, e := range errs {
		if -e > maxNeg {
			maxNeg = -e
		}
	}
	sum := 0.0
	for i, e := range errs {
		out[i] = math.Exp((-e - maxNeg) / temperature)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func normalize(ws []float64) {
	sum := 0.0
	for _, w := range ws {
		sum += w
	}
	if sum <= 0 {
		for i := range ws {
			ws[i] = 1 / float64(len(ws))
		}
		return
	}
	for i := range ws {
		ws[i] /= sum
	}
}

func clampWeight(w, floor, ceiling float64) float64 {
	if w < floor {
		return floor
	}
	if w > ceiling {
		return ceiling
	}
	return w
}
