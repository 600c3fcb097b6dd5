// Package conditions scores sustained health-risk patterns from features
// and model outputs
package conditions

import (
	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Condition names a monitored pattern
type Condition string

const (
	CondPCOS          Condition = "pcos_pattern"
	CondEndometriosis Condition = "endometriosis_pattern"
)

// Conditions lists the monitored patterns in evaluation order
var Conditions = []Condition{CondPCOS, CondEndometriosis}

// RiskTier grades a condition score
type RiskTier int

const (
	TierNone RiskTier = iota
	TierLow
	TierModerate
	TierHigh
	TierCritical
)

var tierNames = [...]string{"none", "low", "moderate", "high", "critical"}

func (t RiskTier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return "unknown"
	}
	return tierNames[t]
}

// Assessment is one condition's risk evaluation
type Assessment struct {
	Condition Condition                  `json:"condition"`
	Score     float64                    `json:"score"`
	Tier      RiskTier                   `json:"tier"`
	Streak    int                        `json:"streak"`
	Factors   []types.ContributingFactor `json:"factors,omitempty"`
}

// UserState tracks per-user qualifying streaks across evaluation
// windows. One evaluation window is one completed cycle; escalation to
// critical requires the qualifying condition to hold over consecutive
// windows, never a single observation.
type UserState struct {
	Streaks    map[Condition]int `json:"streaks"`
	LastWindow map[Condition]int `json:"last_window"`
}

// NewUserState creates empty streak tracking
func NewUserState() *UserState {
	return &UserState{
		Streaks:    make(map[Condition]int),
		LastWindow: make(map[Condition]int),
	}
}

// Config holds detector thresholds
type Config struct {
	CriticalWindows int // consecutive qualifying windows before critical

	// Score cut points for the tier ladder
	LowThreshold      float64
	ModerateThreshold float64
	HighThreshold     float64
}

// DefaultConfig returns the shipped thresholds
func DefaultConfig(criticalWindows int) Config {
	if criticalWindows <= 0 {
		criticalWindows = 3
	}
	return Config{
		CriticalWindows:   criticalWindows,
		LowThreshold:      0.25,
		ModerateThreshold: 0.45,
		HighThreshold:     0.65,
	}
}

// Detector scores risk patterns against heuristic thresholds
type Detector struct {
	cfg    Config
	logger *logx.Logger
}

// New creates a detector
func New(cfg Config, logger *logx.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger}
}

// Evaluate scores every monitored condition for one evaluation window.
// window is a monotonically increasing identifier (the completed-cycle
// count); irregularityScore is the classifier's calibrated probability
// from the current model-pool outputs. Mutates state under the caller's
// per-user writer lock.
func (d *Detector) Evaluate(state *UserState, fv *features.Vector, irregularityScore float64, window int) []Assessment {
	out := make([]Assessment, 0, len(Conditions))
	for _, cond := range Conditions {
		var a Assessment
		switch cond {
		case CondPCOS:
			a = d.scorePCOS(fv, irregularityScore)
		case CondEndometriosis:
			a = d.scoreEndometriosis(fv)
		}
		a.Tier = d.escalate(state, cond, a.Score, window)
		a.Streak = state.Streaks[cond]
		out = append(out, a)

		if a.Tier >= TierHigh {
			d.logger.Warn("condition risk elevated",
				"condition", string(cond),
				"tier", a.Tier.String(),
				"score", a.Score,
				"streak", a.Streak,
			)
		}
	}
	return out
}

// scorePCOS looks for sustained irregularity clustering: long, highly
// variable cycles with an elevated classifier probability
func (d *Detector) scorePCOS(fv *features.Vector, irregularityScore float64) Assessment {
	meanLen := fv.At(features.IdxMeanLength)
	irregularity := fv.At(features.IdxIrregularity)

	longCycles := ramp(meanLen, 32, 45)       // oligomenorrhea-like lengths
	variability := ramp(irregularity, 0.10, 0.30)
	acne := fv.SymptomSeverity(symptomIdx(types.SymptomAcne))

	score := 0.35*variability + 0.30*longCycles + 0.25*irregularityScore + 0.10*acne

	return Assessment{
		Condition: CondPCOS,
		Score:     clamp01(score),
		Factors: []types.ContributingFactor{
			{Name: features.Name(features.IdxIrregularity), Weight: 0.35 * variability},
			{Name: features.Name(features.IdxMeanLength), Weight: 0.30 * longCycles},
			{Name: "irregularity_classifier_score", Weight: 0.25 * irregularityScore},
		},
	}
}

// scoreEndometriosis looks for persistently severe cramps correlated
// with heavy flow and fatigue across cycles
func (d *Detector) scoreEndometriosis(fv *features.Vector) Assessment {
	crampSev := fv.SymptomSeverity(symptomIdx(types.SymptomCramps))
	crampFreq := ramp(fv.SymptomFreq(symptomIdx(types.SymptomCramps)), 0.05, 0.30)
	fatigue := fv.SymptomSeverity(symptomIdx(types.SymptomFatigue))
	heavyFlow := ramp(fv.At(features.IdxMeanFlow), float64(types.FlowMedium), float64(types.FlowHeavy))

	score := 0.40*crampSev + 0.25*crampFreq + 0.20*heavyFlow + 0.15*fatigue

	return Assessment{
		Condition: CondEndometriosis,
		Score:     clamp01(score),
		Factors: []types.ContributingFactor{
			{Name: "symptom_cramps_severity", Weight: 0.40 * crampSev},
			{Name: "symptom_cramps_frequency", Weight: 0.25 * crampFreq},
			{Name: features.Name(features.IdxMeanFlow), Weight: 0.20 * heavyFlow},
		},
	}
}

// escalate maps a score to its tier, raising to critical only after the
// configured run of consecutive qualifying windows
func (d *Detector) escalate(state *UserState, cond Condition, score float64, window int) RiskTier {
	qualifies := score >= d.cfg.HighThreshold

	if qualifies {
		if last, ok := state.LastWindow[cond]; ok && window == last+1 {
			state.Streaks[cond]++
		} else if ok && window == last {
			// Re-evaluation of the same window keeps the streak
		} else {
			state.Streaks[cond] = 1
		}
		state.LastWindow[cond] = window
	} else {
		state.Streaks[cond] = 0
		state.LastWindow[cond] = window
	}

	switch {
	case qualifies && state.Streaks[cond] >= d.cfg.CriticalWindows:
		return TierCritical
	case qualifies:
		return TierHigh
	case score >= d.cfg.ModerateThreshold:
		return TierModerate
	case score >= d.cfg.LowThreshold:
		return TierLow
	default:
		return TierNone
	}
}

// ramp maps x linearly from 0 at lo to 1 at hi
func ramp(x, lo, hi float64) float64 {
	if x <= lo {
		return 0
	}
	if x >= hi {
		return 1
	}
	return (x - lo) / (hi - lo)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func symptomIdx(s types.SymptomType) int {
	for i, st := range types.SymptomTypes {
		if st == s {
			return i
		}
	}
	return 0
}
