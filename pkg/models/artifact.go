package models

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/types"
)

// PlattParams holds a fitted sigmoid calibration p = 1/(1+exp(A*s+B))
type PlattParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Apply maps a raw score through the calibration curve
func (p PlattParams) Apply(s float64) float64 {
	return sigmoid(-(p.A*s + p.B))
}

// ClassifierParams holds the offline-trained decision function and its
// Platt calibration
type ClassifierParams struct {
	Weights []float64   `json:"weights"` // length features.Dim
	Bias    float64     `json:"bias"`
	Platt   PlattParams `json:"platt"`
}

// TreeNode is one node of a decision tree in flat-array form. Leaf nodes
// carry Value; internal nodes branch on Feature <= Threshold.
type TreeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
	Leaf      bool    `json:"leaf"`
}

// ForestParams holds the offline-trained pattern forest. Trees predict a
// deviation from the user's mean cycle length; Importances are the
// per-feature importance scores used for contributing factors.
type ForestParams struct {
	Trees       [][]TreeNode `json:"trees"`
	Importances []float64    `json:"importances"` // length features.Dim
}

// RegressorParams holds the feedforward network. One hidden tanh layer;
// the output layer (W2, B2) is the part adjusted per user online.
type RegressorParams struct {
	W1 [][]float64 `json:"w1"` // hidden x features.Dim
	B1 []float64   `json:"b1"`
	W2 []float64   `json:"w2"`
	B2 float64     `json:"b2"`
}

// SequenceParams holds the gated recurrent cell. Lengths are scaled by
// 1/InputScale before entering the cell.
type SequenceParams struct {
	InputScale float64 `json:"input_scale"`
	CandGain   float64 `json:"cand_gain"`
	GateBias   float64 `json:"gate_bias"`
}

// GPParams holds the RBF-kernel Gaussian process hyperparameters
type GPParams struct {
	LengthScale float64 `json:"length_scale"`
	SignalVar   float64 `json:"signal_var"`
	NoiseVar    float64 `json:"noise_var"`
	MaxPoints   int     `json:"max_points"`
}

// BayesParams holds the population prior for the conjugate estimator
type BayesParams struct {
	PriorMean float64 `json:"prior_mean"`
	PriorVar  float64 `json:"prior_var"`
	ObsVar    float64 `json:"obs_var"`
}

// TrendParams holds the decomposition settings
type TrendParams struct {
	Window      int     `json:"window"`
	Sensitivity float64 `json:"sensitivity"` // days/cycle drift that flags change
}

// Artifact is an immutable, versioned snapshot of all offline-trained
// model parameters plus population statistics. Shared read-only across
// users; replaced only by atomic swap.
type Artifact struct {
	Version       string                                `json:"version"`
	SchemaVersion int                                   `json:"schema_version"`
	Classifier    ClassifierParams                      `json:"classifier"`
	Forest        ForestParams                          `json:"forest"`
	Regressor     RegressorParams                       `json:"regressor"`
	Sequence      SequenceParams                        `json:"sequence"`
	GP            GPParams                              `json:"gp"`
	Bayes         BayesParams                           `json:"bayes"`
	Trend         TrendParams                           `json:"trend"`
	Calibration   map[types.PredictionType]PlattParams  `json:"calibration"`
	Population    features.Population                   `json:"population"`
}

// ArtifactStore hands out the current artifact and hot-swaps retrained
// ones without readers ever observing a half-updated model
type ArtifactStore struct {
	ptr atomic.Pointer[Artifact]
}

// NewArtifactStore creates a store holding the given snapshot
func NewArtifactStore(a *Artifact) *ArtifactStore {
	s := &ArtifactStore{}
	s.ptr.Store(a)
	return s
}

// Current returns the active artifact snapshot
func (s *ArtifactStore) Current() *Artifact { return s.ptr.Load() }

// Swap atomically replaces the active artifact
func (s *ArtifactStore) Swap(a *Artifact) { s.ptr.Store(a) }

// LoadArtifact reads a trained artifact from disk, validating it against
// the current feature schema
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if a.SchemaVersion != features.SchemaVersion {
		return nil, fmt.Errorf("artifact %s trained for schema %d, engine expects %d",
			path, a.SchemaVersion, features.SchemaVersion)
	}
	if len(a.Classifier.Weights) != features.Dim {
		return nil, fmt.Errorf("artifact %s: classifier width %d != %d",
			path, len(a.Classifier.Weights), features.Dim)
	}
	return &a, nil
}

// DefaultArtifact returns the shipped baseline parameters used until a
// trained artifact is installed
func DefaultArtifact() *Artifact {
	cw := make([]float64, features.Dim)
	cw[features.IdxIrregularity] = 8.0
	cw[features.IdxStdLength] = 0.25
	cw[features.IdxLengthSlope] = 0.5

	imp := make([]float64, features.Dim)
	imp[features.IdxMeanLength] = 0.22
	imp[features.IdxLengthSlope] = 0.20
	imp[features.IdxIrregularity] = 0.18
	imp[features.IdxLastLength] = 0.14
	imp[features.IdxStdLength] = 0.10
	imp[features.IdxMeanFlow] = 0.06
	imp[features.IdxCycleDay] = 0.05
	imp[features.IdxMeanPeriodDays] = 0.05

	// Three shallow trees predicting length deviation from the mean:
	// recent trend, last-cycle momentum, irregularity damping.
	trees := [][]TreeNode{
		{
			{Feature: features.IdxLengthSlope, Threshold: 0.5, Left: 1, Right: 4},
			{Feature: features.IdxLengthSlope, Threshold: -0.5, Left: 2, Right: 3},
			{Leaf: true, Value: -0.8},
			{Leaf: true, Value: 0},
			{Leaf: true, Value: 0.8},
		},
		{
			{Feature: features.IdxIrregularity, Threshold: 0.12, Left: 1, Right: 2},
			{Leaf: true, Value: 0},
			{Feature: features.IdxLengthSlope, Threshold: 0, Left: 3, Right: 4},
			{Leaf: true, Value: -0.5},
			{Leaf: true, Value: 0.5},
		},
		{
			{Feature: features.IdxCycleCount, Threshold: 0.25, Left: 1, Right: 2},
			{Leaf: true, Value: 0}, // too little history to trust momentum
			{Feature: features.IdxStdLength, Threshold: 4.0, Left: 3, Right: 4},
			{Leaf: true, Value: 0},
			{Leaf: true, Value: 0.3},
		},
	}

	hidden := 6
	w1 := make([][]float64, hidden)
	b1 := make([]float64, hidden)
	for i := range w1 {
		w1[i] = make([]float64, features.Dim)
	}
	// Unit 0 reads the length trend, unit 1 the last-cycle deviation;
	// remaining units start inactive until offline training fills them.
	w1[0][features.IdxLengthSlope] = 0.5
	w1[1][features.IdxLastLength] = 0.05
	w1[1][features.IdxMeanLength] = -0.05
	w2 := make([]float64, hidden)
	w2[0] = 1.6
	w2[1] = 4.0

	return &Artifact{
		Version:       "baseline-1",
		SchemaVersion: features.SchemaVersion,
		Classifier: ClassifierParams{
			Weights: cw,
			Bias:    -1.8,
			Platt:   PlattParams{A: -1.5, B: 0},
		},
		Forest:    ForestParams{Trees: trees, Importances: imp},
		Regressor: RegressorParams{W1: w1, B1: b1, W2: w2, B2: 0},
		Sequence:  SequenceParams{InputScale: 100, CandGain: 1.03, GateBias: 0},
		GP:        GPParams{LengthScale: 3, SignalVar: 9, NoiseVar: 0.5, MaxPoints: 12},
		Bayes:     BayesParams{PriorMean: 28.2, PriorVar: 9, ObsVar: 4},
		Trend:     TrendParams{Window: 6, Sensitivity: 0.5},
		Calibration: map[types.PredictionType]PlattParams{
			types.PredictCycleStart:      {A: -6, B: 2.5},
			types.PredictCycleLength:     {A: -6, B: 2.5},
			types.PredictFertilityWindow: {A: -5, B: 2.2},
			// symptom_likelihood intentionally absent until fitted on
			// outcome history; results carry the uncalibrated flag.
		},
		Population: features.DefaultPopulation(),
	}
}
