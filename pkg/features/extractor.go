// Package features turns raw per-user logs into fixed-schema numeric
// feature vectors
package features

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/flowsense/cyclecore/pkg/types"
)

// Population carries population-level statistics used when a user has no
// history of their own. Shipped with the model artifact, versioned and
// read-only.
type Population struct {
	MeanCycleLength float64                             `json:"mean_cycle_length"`
	StdCycleLength  float64                             `json:"std_cycle_length"`
	MeanPeriodDays  float64                             `json:"mean_period_days"`
	SymptomRates    map[types.SymptomType]float64       `json:"symptom_rates"`
	BiometricMeans  map[types.BiometricMetric]float64   `json:"biometric_means"`
}

// DefaultPopulation returns baseline population statistics used until an
// artifact supplies fitted ones
func DefaultPopulation() Population {
	return Population{
		MeanCycleLength: 28.2,
		StdCycleLength:  3.5,
		MeanPeriodDays:  5.0,
		SymptomRates: map[types.SymptomType]float64{
			types.SymptomCramps:   0.25,
			types.SymptomHeadache: 0.12,
			types.SymptomMood:     0.20,
			types.SymptomFatigue:  0.18,
			types.SymptomBloating: 0.15,
			types.SymptomAcne:     0.10,
		},
		BiometricMeans: map[types.BiometricMetric]float64{
			types.MetricBasalTemp:  36.5,
			types.MetricRestingHR:  62.0,
			types.MetricSleepHours: 7.2,
			types.MetricWeight:     65.0,
		},
	}
}

// Extractor builds feature vectors from log snapshots. Stateless and
// safe for concurrent use.
type Extractor struct {
	locfHorizon time.Duration
	population  Population
}

// NewExtractor creates an extractor with the given carry-forward horizon
func NewExtractor(locfHorizonDays int, population Population) *Extractor {
	if locfHorizonDays <= 0 {
		locfHorizonDays = 7
	}
	return &Extractor{
		locfHorizon: time.Duration(locfHorizonDays) * 24 * time.Hour,
		population:  population,
	}
}

// Extract builds the schema-v1 vector for a log snapshot as of the given
// date. Deterministic: identical snapshot and asOf yield an identical
// vector. The snapshot is never mutated.
func (e *Extractor) Extract(logs *types.UserLogs, asOf time.Time) *Vector {
	v := &Vector{
		UserID:          logs.UserID,
		AsOf:            asOf,
		SchemaVersion:   SchemaVersion,
		SnapshotVersion: logs.Version,
		Values:          make([]float64, Dim),
	}

	observed := 0

	observed += e.cycleFeatures(v, logs, asOf)
	observed += e.temporalFeatures(v, logs, asOf)
	observed += e.symptomFeatures(v, logs, asOf)
	observed += e.biometricFeatures(v, logs, asOf)

	if last := lastLogTime(logs); !last.IsZero() && !last.After(asOf) {
		days := asOf.Sub(last).Hours() / 24
		v.Values[IdxDaysSinceLog] = math.Min(days/30, 1)
		observed++
	} else {
		v.Values[IdxDaysSinceLog] = 1
	}

	v.Values[IdxCompleteness] = float64(observed+1) / float64(Dim)
	return v
}

// cycleFeatures fills indices 0-11 from completed cycle history
func (e *Extractor) cycleFeatures(v *Vector, logs *types.UserLogs, asOf time.Time) int {
	cycles := completedBefore(logs, asOf)
	if len(cycles) > maxHistoryCycles {
		cycles = cycles[len(cycles)-maxHistoryCycles:]
	}

	if len(cycles) == 0 {
		// No history at all: population fallback
		v.Values[IdxMeanLength] = e.population.MeanCycleLength
		v.Values[IdxStdLength] = e.population.StdCycleLength
		v.Values[IdxMinLength] = e.population.MeanCycleLength - e.population.StdCycleLength
		v.Values[IdxMaxLength] = e.population.MeanCycleLength + e.population.StdCycleLength
		v.Values[IdxMedianLength] = e.population.MeanCycleLength
		v.Values[IdxMeanFlow] = float64(types.FlowMedium)
		v.Values[IdxLastLength] = e.population.MeanCycleLength
		v.Values[IdxPrevLength] = e.population.MeanCycleLength
		v.Values[IdxMeanPeriodDays] = e.population.MeanPeriodDays
		v.Values[IdxIrregularity] = e.population.StdCycleLength / e.population.MeanCycleLength
		return 0
	}

	lengths := make([]float64, len(cycles))
	flows := make([]float64, len(cycles))
	for i, c := range cycles {
		lengths[i] = float64(c.LengthDays)
		flows[i] = float64(c.FlowIntensity)
	}

	mean := stat.Mean(lengths, nil)
	std := 0.0
	if len(lengths) > 1 {
		std = stat.StdDev(lengths, nil)
	}

	sorted := append([]float64(nil), lengths...)
	sort.Float64s(sorted)

	v.Values[IdxMeanLength] = mean
	v.Values[IdxStdLength] = std
	v.Values[IdxMinLength] = sorted[0]
	v.Values[IdxMaxLength] = sorted[len(sorted)-1]
	v.Values[IdxMedianLength] = median(sorted)
	v.Values[IdxLengthSlope] = lengthSlope(lengths)
	v.Values[IdxMeanFlow] = stat.Mean(flows, nil)
	v.Values[IdxCycleCount] = math.Min(float64(len(cycles)), maxHistoryCycles) / maxHistoryCycles
	v.Values[IdxLastLength] = lengths[len(lengths)-1]
	if len(lengths) > 1 {
		v.Values[IdxPrevLength] = lengths[len(lengths)-2]
	} else {
		v.Values[IdxPrevLength] = mean
	}
	v.Values[IdxMeanPeriodDays] = meanPeriodDays(cycles, e.population.MeanPeriodDays)
	if mean > 0 {
		v.Values[IdxIrregularity] = std / mean
	}

	return 12
}

// temporalFeatures fills indices 12-17
func (e *Extractor) temporalFeatures(v *Vector, logs *types.UserLogs, asOf time.Time) int {
	observed := 0

	cycleDay := currentCycleDay(logs, asOf)
	if cycleDay >= 0 {
		meanLen := v.Values[IdxMeanLength]
		if meanLen <= 0 {
			meanLen = e.population.MeanCycleLength
		}
		phase := 2 * math.Pi * float64(cycleDay) / meanLen
		v.Values[IdxCycleDay] = math.Min(float64(cycleDay)/35, 1.5)
		v.Values[IdxCycleDaySin] = math.Sin(phase)
		v.Values[IdxCycleDayCos] = math.Cos(phase)
		observed = 3
	}

	month := 2 * math.Pi * float64(asOf.Month()-1) / 12
	v.Values[IdxMonthSin] = math.Sin(month)
	v.Values[IdxMonthCos] = math.Cos(month)
	v.Values[IdxSeason] = float64((int(asOf.Month())%12)/3) / 3

	return observed + 3
}

// symptomFeatures fills the 30-day rolling symptom block
func (e *Extractor) symptomFeatures(v *Vector, logs *types.UserLogs, asOf time.Time) int {
	windowStart := asOf.AddDate(0, 0, -30)
	superseded := make(map[string]bool)
	for _, s := range logs.Symptoms {
		if s.Supersedes != "" {
			superseded[s.Supersedes] = true
		}
	}

	counts := make(map[types.SymptomType]int)
	sevSums := make(map[types.SymptomType]float64)
	any := false
	for _, s := range logs.Symptoms {
		if superseded[s.ID] || s.Timestamp.After(asOf) || s.Timestamp.Before(windowStart) {
			continue
		}
		counts[s.Type]++
		sevSums[s.Type] += float64(s.Severity)
		any = true
	}

	observed := 0
	for i, st := range types.SymptomTypes {
		freqIdx := IdxSymptomBase + i*symptomStride
		sevIdx := freqIdx + 1
		if n := counts[st]; n > 0 {
			v.Values[freqIdx] = float64(n) / 30
			v.Values[sevIdx] = sevSums[st] / float64(n) / 10
			observed += 2
		} else if any {
			// User logs symptoms but not this one: genuine zero
			v.Values[freqIdx] = 0
			v.Values[sevIdx] = 0
			observed += 2
		} else {
			// No symptom logging at all: population base rate
			v.Values[freqIdx] = e.population.SymptomRates[st]
			v.Values[sevIdx] = 0.3
		}
	}
	return observed
}

// biometricFeatures fills the biometric block with the missing-value
// policy: last observation carried forward within the horizon, then the
// user's own historical mean, then the population mean.
func (e *Extractor) biometricFeatures(v *Vector, logs *types.UserLogs, asOf time.Time) int {
	windowStart := asOf.AddDate(0, 0, -30)
	observed := 0

	for i, metric := range types.BiometricMetrics {
		base := IdxBioBase + i*bioStride

		var inWindow []types.BiometricSample
		var all []float64
		var latest *types.BiometricSample
		for j := range logs.Biometrics {
			s := logs.Biometrics[j]
			if s.Metric != metric || s.Timestamp.After(asOf) {
				continue
			}
			all = append(all, s.Value)
			if latest == nil || s.Timestamp.After(latest.Timestamp) {
				latest = &logs.Biometrics[j]
			}
			if !s.Timestamp.Before(windowStart) {
				inWindow = append(inWindow, s)
			}
		}

		// Current value: LOCF within horizon, else user mean, else population
		switch {
		case latest != nil && asOf.Sub(latest.Timestamp) <= e.locfHorizon:
			v.Values[base] = latest.Value
			observed++
		case len(all) > 0:
			v.Values[base] = stat.Mean(all, nil)
		default:
			v.Values[base] = e.population.BiometricMeans[metric]
		}

		// 30-day mean and slope
		if len(inWindow) > 0 {
			vals := make([]float64, len(inWindow))
			days := make([]float64, len(inWindow))
			for k, s := range inWindow {
				vals[k] = s.Value
				days[k] = asOf.Sub(s.Timestamp).Hours() / -24
			}
			v.Values[base+1] = stat.Mean(vals, nil)
			if len(inWindow) > 1 {
				_, slope := stat.LinearRegression(days, vals, nil, false)
				v.Values[base+2] = slope
			}
			observed += 2
		} else {
			v.Values[base+1] = v.Values[base]
		}
	}
	return observed
}

// completedBefore returns completed cycles that started before asOf,
// keeping only the latest version of each record, oldest first
func completedBefore(logs *types.UserLogs, asOf time.Time) []types.CycleRecord {
	latest := make(map[string]types.CycleRecord, len(logs.Cycles))
	for _, c := range logs.Cycles {
		if c.LengthDays <= 0 || c.StartDate.After(asOf) {
			continue
		}
		if prev, ok := latest[c.ID]; !ok || c.Version > prev.Version {
			latest[c.ID] = c
		}
	}
	out := make([]types.CycleRecord, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

// currentCycleDay returns the day count since the most recent cycle start
// on or before asOf, or -1 if no cycle has been logged
func currentCycleDay(logs *types.UserLogs, asOf time.Time) int {
	var last time.Time
	for _, c := range logs.Cycles {
		if !c.StartDate.After(asOf) && c.StartDate.After(last) {
			last = c.StartDate
		}
	}
	if last.IsZero() {
		return -1
	}
	return int(asOf.Sub(last).Hours() / 24)
}

func lengthSlope(lengths []float64) float64 {
	if len(lengths) < 2 {
		return 0
	}
	xs := make([]float64, len(lengths))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, lengths, nil, false)
	return slope
}

func meanPeriodDays(cycles []types.CycleRecord, fallback float64) float64 {
	sum, n := 0.0, 0
	for _, c := range cycles {
		if c.EndDate != nil && c.EndDate.After(c.StartDate) {
			sum += c.EndDate.Sub(c.StartDate).Hours() / 24
			n++
		}
	}
	if n == 0 {
		return fallback
	}
	return sum / float64(n)
}

func lastLogTime(logs *types.UserLogs) time.Time {
	var last time.Time
	for _, c := range logs.Cycles {
		if c.StartDate.After(last) {
			last = c.StartDate
		}
	}
	for _, s := range logs.Symptoms {
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}
	for _, b := range logs.Biometrics {
		if b.Timestamp.After(last) {
			last = b.Timestamp
		}
	}
	return last
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
