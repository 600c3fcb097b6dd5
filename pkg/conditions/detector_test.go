package conditions

import (
	"testing"
	"time"

	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/types"
)

func testDetector() *Detector {
	return New(DefaultConfig(3), logx.New("error"))
}

// irregularVector builds a feature vector with long, highly variable
// cycles and prominent acne, the PCOS-like cluster
func irregularVector(t *testing.T) *features.Vector {
	t.Helper()
	ex := features.NewExtractor(7, features.DefaultPopulation())
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	logs := &types.UserLogs{UserID: "u-irregular"}
	lengths := []int{36, 48, 33, 52, 38, 47}
	day := start
	for i, n := range lengths {
		end := day.AddDate(0, 0, 5)
		logs.Cycles = append(logs.Cycles, types.CycleRecord{
			ID: "c" + string(rune('0'+i)), StartDate: day, EndDate: &end,
			FlowIntensity: types.FlowMedium, LengthDays: n, Version: 1,
		})
		day = day.AddDate(0, 0, n)
	}
	asOf := day.AddDate(0, 0, 10)
	for i := 0; i < 4; i++ {
		logs.Symptoms = append(logs.Symptoms, types.SymptomEntry{
			ID: "s" + string(rune('0'+i)), Type: types.SymptomAcne, Severity: 8,
			Timestamp: asOf.AddDate(0, 0, -2-i*6),
		})
	}
	return ex.Extract(logs, asOf)
}

func regularVector(t *testing.T) *features.Vector {
	t.Helper()
	ex := features.NewExtractor(7, features.DefaultPopulation())
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	logs := &types.UserLogs{UserID: "u-regular"}
	day := start
	for i := 0; i < 6; i++ {
		end := day.AddDate(0, 0, 5)
		logs.Cycles = append(logs.Cycles, types.CycleRecord{
			ID: "r" + string(rune('0'+i)), StartDate: day, EndDate: &end,
			FlowIntensity: types.FlowMedium, LengthDays: 28, Version: 1,
		})
		day = day.AddDate(0, 0, 28)
	}
	return ex.Extract(logs, day.AddDate(0, 0, 10))
}

func findAssessment(t *testing.T, got []Assessment, cond Condition) Assessment {
	t.Helper()
	for _, a := range got {
		if a.Condition == cond {
			return a
		}
	}
	t.Fatalf("no assessment for %s", cond)
	return Assessment{}
}

func TestRegularHistoryStaysLow(t *testing.T) {
	d := testDetector()
	state := NewUserState()
	fv := regularVector(t)

	got := d.Evaluate(state, fv, 0.05, 1)
	for _, a := range got {
		if a.Tier > TierLow {
			t.Fatalf("%s: tier %s for regular history, score %.3f", a.Condition, a.Tier, a.Score)
		}
	}
}

func TestConsecutiveWindowsReachCritical(t *testing.T) {
	d := testDetector()
	state := NewUserState()
	fv := irregularVector(t)

	var tier RiskTier
	for w := 1; w <= 3; w++ {
		got := d.Evaluate(state, fv, 0.85, w)
		tier = findAssessment(t, got, CondPCOS).Tier
		if w < 3 && tier >= TierCritical {
			t.Fatalf("window %d: critical before %d consecutive windows", w, 3)
		}
	}
	if tier != TierCritical {
		t.Fatalf("after 3 consecutive qualifying windows: tier %s, want critical", tier)
	}
}

func TestNonConsecutiveWindowsDoNotEscalate(t *testing.T) {
	d := testDetector()
	state := NewUserState()
	irr := irregularVector(t)
	reg := regularVector(t)

	d.Evaluate(state, irr, 0.85, 1)
	d.Evaluate(state, irr, 0.85, 2)
	// A clean window breaks the run
	d.Evaluate(state, reg, 0.05, 3)
	got := d.Evaluate(state, irr, 0.85, 4)

	a := findAssessment(t, got, CondPCOS)
	if a.Tier >= TierCritical {
		t.Fatalf("critical after interrupted run, streak %d", a.Streak)
	}
	if a.Streak != 1 {
		t.Fatalf("streak = %d after reset, want 1", a.Streak)
	}
}

func TestWindowGapResetsStreak(t *testing.T) {
	d := testDetector()
	state := NewUserState()
	fv := irregularVector(t)

	d.Evaluate(state, fv, 0.85, 1)
	d.Evaluate(state, fv, 0.85, 2)
	// Windows 3 and 4 were never evaluated
	got := d.Evaluate(state, fv, 0.85, 5)

	a := findAssessment(t, got, CondPCOS)
	if a.Streak != 1 {
		t.Fatalf("streak = %d across window gap, want 1", a.Streak)
	}
}

func TestSameWindowReevaluationKeepsStreak(t *testing.T) {
	d := testDetector()
	state := NewUserState()
	fv := irregularVector(t)

	d.Evaluate(state, fv, 0.85, 1)
	d.Evaluate(state, fv, 0.85, 2)
	d.Evaluate(state, fv, 0.85, 2)

	if got := state.Streaks[CondPCOS]; got != 2 {
		t.Fatalf("streak = %d after same-window re-evaluation, want 2", got)
	}
}

func TestTierLadder(t *testing.T) {
	d := testDetector()
	cases := []struct {
		score float64
		want  RiskTier
	}{
		{0.10, TierNone},
		{0.30, TierLow},
		{0.50, TierModerate},
		{0.70, TierHigh},
	}
	for _, tc := range cases {
		state := NewUserState()
		got := d.escalate(state, CondPCOS, tc.score, 1)
		if got != tc.want {
			t.Fatalf("score %.2f: tier %s, want %s", tc.score, got, tc.want)
		}
	}
}
