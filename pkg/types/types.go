// Package types defines the domain records shared by the cyclecore engine
package types

import (
	"time"
)

// FlowIntensity grades menstrual flow on a coarse scale
type FlowIntensity int

const (
	FlowNone FlowIntensity = iota
	FlowSpotting
	FlowLight
	FlowMedium
	FlowHeavy
)

// CycleRecord represents one logged menstrual cycle.
// Records for a user are chronologically ordered and non-overlapping;
// corrections produce a new version of the same record instead of
// deleting it.
type CycleRecord struct {
	ID            string        `json:"id"`
	StartDate     time.Time     `json:"start_date"`
	EndDate       *time.Time    `json:"end_date,omitempty"`
	FlowIntensity FlowIntensity `json:"flow_intensity"`
	LengthDays    int           `json:"length_days"`
	Version       int           `json:"version"`
}

// SymptomType names a tracked symptom group
type SymptomType string

const (
	SymptomCramps   SymptomType = "cramps"
	SymptomHeadache SymptomType = "headache"
	SymptomMood     SymptomType = "mood"
	SymptomFatigue  SymptomType = "fatigue"
	SymptomBloating SymptomType = "bloating"
	SymptomAcne     SymptomType = "acne"
)

// SymptomTypes lists all tracked symptom groups in schema order
var SymptomTypes = []SymptomType{
	SymptomCramps, SymptomHeadache, SymptomMood,
	SymptomFatigue, SymptomBloating, SymptomAcne,
}

// SymptomEntry is an immutable symptom observation. A correction creates
// a new entry whose Supersedes field points back at the replaced one.
type SymptomEntry struct {
	ID         string      `json:"id"`
	Type       SymptomType `json:"type"`
	Severity   int         `json:"severity"` // 0-10
	Timestamp  time.Time   `json:"timestamp"`
	Supersedes string      `json:"supersedes,omitempty"`
}

// BiometricMetric names a biometric stream
type BiometricMetric string

const (
	MetricBasalTemp  BiometricMetric = "basal_temp"
	MetricRestingHR  BiometricMetric = "resting_hr"
	MetricSleepHours BiometricMetric = "sleep_hours"
	MetricWeight     BiometricMetric = "weight"
)

// BiometricMetrics lists all tracked biometric streams in schema order
var BiometricMetrics = []BiometricMetric{
	MetricBasalTemp, MetricRestingHR, MetricSleepHours, MetricWeight,
}

// BiometricSample is a read-only sample ingested from a device collaborator
type BiometricSample struct {
	Metric       BiometricMetric `json:"metric"`
	Value        float64         `json:"value"`
	Timestamp    time.Time       `json:"timestamp"`
	SourceDevice string          `json:"source_device"`
}

// AgeBand buckets users for population statistics
type AgeBand string

const (
	AgeBandUnder20 AgeBand = "under_20"
	AgeBand20s     AgeBand = "20s"
	AgeBand30s     AgeBand = "30s"
	AgeBand40Plus  AgeBand = "40_plus"
)

// CycleStats summarizes a user's cycle history
type CycleStats struct {
	MeanLength   float64 `json:"mean_length"`
	StdLength    float64 `json:"std_length"`
	MedianLength float64 `json:"median_length"`
	CycleCount   int     `json:"cycle_count"`
}

// UserProfile is the engine-owned per-user context record
type UserProfile struct {
	UserID             string     `json:"user_id"`
	AgeBand            AgeBand    `json:"age_band"`
	BaselineCycleStats CycleStats `json:"baseline_cycle_stats"`
	ConditionRiskFlags []string   `json:"condition_risk_flags,omitempty"`
}

// PredictionType names a forecast the engine can produce
type PredictionType string

const (
	PredictCycleStart      PredictionType = "cycle_start"
	PredictCycleLength     PredictionType = "cycle_length"
	PredictFertilityWindow PredictionType = "fertility_window"
	PredictSymptom         PredictionType = "symptom_likelihood"
)

// ContributingFactor explains one input's influence on a prediction
type ContributingFactor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// ModelContribution records one model's share of a delivered prediction
type ModelContribution struct {
	Model       string  `json:"model"`
	Estimate    float64 `json:"estimate"`
	Uncertainty float64 `json:"uncertainty"`
	Weight      float64 `json:"weight"`
	Excluded    bool    `json:"excluded,omitempty"`
	ExcludedFor string  `json:"excluded_for,omitempty"`
}

// PredictionResult is the engine's delivered forecast
type PredictionResult struct {
	ID                  string               `json:"id"`
	UserID              string               `json:"user_id"`
	Type                PredictionType       `json:"type"`
	Value               float64              `json:"value"`
	Confidence          float64              `json:"confidence"` // in [0,1]
	Uncalibrated        bool                 `json:"uncalibrated,omitempty"`
	Degraded            bool                 `json:"degraded,omitempty"`
	DegradationPenalty  float64              `json:"degradation_penalty,omitempty"`
	PopulationBaseline  bool                 `json:"population_baseline,omitempty"`
	ContributingFactors []ContributingFactor `json:"contributing_factors,omitempty"`
	ModelProvenance     []ModelContribution  `json:"model_provenance"`
	CreatedAt           time.Time            `json:"created_at"`
	SchemaVersion       int                  `json:"schema_version"`
}

// FeedbackOutcome carries either an observed numeric outcome or a
// user rating for a delivered prediction
type FeedbackOutcome struct {
	ObservedValue *float64 `json:"observed_value,omitempty"`
	Rating        *int     `json:"rating,omitempty"` // 1-5
}

// FeedbackRecord is consumed exactly once by the weight-update step
type FeedbackRecord struct {
	PredictionID string          `json:"prediction_id"`
	Outcome      FeedbackOutcome `json:"outcome"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// LogKind discriminates SubmitLog payloads
type LogKind string

const (
	LogCycle     LogKind = "cycle"
	LogSymptom   LogKind = "symptom"
	LogBiometric LogKind = "biometric"
)

// LogEntry is the union payload accepted by SubmitLog
type LogEntry struct {
	Kind      LogKind          `json:"kind"`
	Cycle     *CycleRecord     `json:"cycle,omitempty"`
	Symptom   *SymptomEntry    `json:"symptom,omitempty"`
	Biometric *BiometricSample `json:"biometric,omitempty"`
}

// UserLogs is an ordered snapshot of everything a user has logged.
// Version increases on every accepted log entry so feature vectors and
// cache keys can be tied to an exact snapshot.
type UserLogs struct {
	UserID     string            `json:"user_id"`
	Cycles     []CycleRecord     `json:"cycles"`
	Symptoms   []SymptomEntry    `json:"symptoms"`
	Biometrics []BiometricSample `json:"biometrics"`
	Version    uint64            `json:"version"`
}

// CompletedCycles returns the cycles that have a known length, oldest first
func (l *UserLogs) CompletedCycles() []CycleRecord {
	out := make([]CycleRecord, 0, len(l.Cycles))
	for _, c := range l.Cycles {
		if c.LengthDays > 0 {
			out = append(out, c)
		}
	}
	return out
}
