// Package models implements the prediction model pool: seven adapters
// plus two legacy baselines behind a single enum-keyed contract
package models

import (
	"context"
	"math"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Kind identifies a model in the pool. Weight arrays are indexed by Kind,
// which keeps dispatch exhaustive at compile time instead of stringly
// typed.
type Kind int

const (
	KindIrregularity Kind = iota // tier 1: calibrated irregularity classifier
	KindPatternForest            // tier 1: symptom-pattern forest
	KindRegressor                // tier 1: feedforward length regressor
	KindTrendDetector            // tier 1: trend/seasonal decomposition
	KindSequence                 // tier 2: recurrent sequence model
	KindGaussianProcess          // tier 2: GP ovulation/length regressor
	KindBayesian                 // tier 2: conjugate fertility estimator
	KindHistorical               // tier 3: historical-average baseline
	KindCalendar                 // tier 3: calendar-method baseline

	NumKinds
)

var kindNames = [NumKinds]string{
	"irregularity_classifier",
	"pattern_forest",
	"nonlinear_regressor",
	"trend_detector",
	"sequence_model",
	"gaussian_process",
	"bayesian_estimator",
	"historical_average",
	"calendar_method",
}

func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return "unknown"
	}
	return kindNames[k]
}

// KindFromName resolves a persisted model name back to its Kind
func KindFromName(name string) (Kind, bool) {
	for k := Kind(0); k < NumKinds; k++ {
		if kindNames[k] == name {
			return k, true
		}
	}
	return 0, false
}

// Tier returns the ensemble tier (0, 1 or 2) a model belongs to
func (k Kind) Tier() int {
	switch k {
	case KindIrregularity, KindPatternForest, KindRegressor, KindTrendDetector:
		return 0
	case KindSequence, KindGaussianProcess, KindBayesian:
		return 1
	default:
		return 2
	}
}

// TierIndex returns the model's position inside its tier's weight array
func (k Kind) TierIndex() int {
	switch k {
	case KindIrregularity, KindSequence, KindHistorical:
		return 0
	case KindPatternForest, KindGaussianProcess, KindCalendar:
		return 1
	case KindRegressor, KindBayesian:
		return 2
	default: // KindTrendDetector
		return 3
	}
}

// Input is everything an adapter may read during Predict. All per-user
// state and the current artifact snapshot are loaded once before fan-out
// and passed in here; adapters perform no I/O of their own.
type Input struct {
	Type     types.PredictionType
	Symptom  types.SymptomType
	Features *features.Vector
	Cycles   []float64 // completed cycle lengths, oldest first, capped at 12
	State    *UserState
	Artifact *Artifact
}

// Output is the uniform (estimate, uncertainty) adapter result.
// Estimate units follow the prediction type: days for cycle and
// fertility forecasts, probability for symptom likelihood. Uncertainty
// is a one-sigma spread in the same units.
type Output struct {
	Kind        Kind
	Estimate    float64
	Uncertainty float64
	// Lower/Upper carry a 95% credible interval where the model produces
	// one (the Bayesian estimator); zero otherwise.
	Lower, Upper float64
	Factors      []types.ContributingFactor
	Signal       string
}

// Adapter is the uniform model contract. Predict must be a pure function
// of its input: no calls may mutate user state, and repeated calls with
// identical input return identical output.
type Adapter interface {
	Kind() Kind
	Predict(ctx context.Context, in *Input) (Output, error)
}

// SequenceState is a per-user hidden-state snapshot for the sequence
// model, keyed by (user, model version, schema version). Any version
// mismatch orphans the snapshot and forces a replay from scratch.
type SequenceState struct {
	Hidden        float64 `json:"hidden"`
	Consumed      int     `json:"consumed"` // cycles already folded in
	ModelVersion  string  `json:"model_version"`
	SchemaVersion int     `json:"schema_version"`
}

// BayesState is the per-user conjugate posterior over cycle length
type BayesState struct {
	PostMean float64 `json:"post_mean"`
	PostVar  float64 `json:"post_var"`
	Count    int     `json:"count"`
}

// RegressorState holds a per-user copy of the network's final layer,
// adjusted by single gradient steps in the feedback loop
type RegressorState struct {
	W2 []float64 `json:"w2"`
	B2 float64   `json:"b2"`
}

// ForestState holds per-user leaf-statistic corrections with
// exponential forgetting
type ForestState struct {
	Bias float64 `json:"bias"`
}

// GPState holds the per-user noise refresh applied during periodic
// hyperparameter updates
type GPState struct {
	NoiseScale float64 `json:"noise_scale"`
}

// UserState bundles all per-user model state, exclusively owned by one
// user's context and loaded before fan-out. ArtifactVersion records the
// artifact the state was built under; state from another artifact is
// discarded on load rather than migrated.
type UserState struct {
	ArtifactVersion string          `json:"artifact_version,omitempty"`
	Sequence        *SequenceState  `json:"sequence,omitempty"`
	Bayes           *BayesState     `json:"bayes,omitempty"`
	Regressor       *RegressorState `json:"regressor,omitempty"`
	Forest          *ForestState    `json:"forest,omitempty"`
	GP              *GPState        `json:"gp,omitempty"`
}

// Pool holds one adapter per kind
type Pool struct {
	adapters [NumKinds]Adapter
}

// NewPool constructs the full model pool
func NewPool() *Pool {
	p := &Pool{}
	p.adapters[KindIrregularity] = &IrregularityClassifier{}
	p.adapters[KindPatternForest] = &PatternForest{}
	p.adapters[KindRegressor] = &NonlinearRegressor{}
	p.adapters[KindTrendDetector] = &TrendDetector{}
	p.adapters[KindSequence] = &SequenceModel{}
	p.adapters[KindGaussianProcess] = &GPRegressor{}
	p.adapters[KindBayesian] = &BayesianEstimator{}
	p.adapters[KindHistorical] = &HistoricalAverage{}
	p.adapters[KindCalendar] = &CalendarMethod{}
	return p
}

// Adapter returns the adapter for a kind
func (p *Pool) Adapter(k Kind) Adapter { return p.adapters[k] }

// All returns the adapters in kind order
func (p *Pool) All() []Adapter { return p.adapters[:] }

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
