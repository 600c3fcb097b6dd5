package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/retry"
	"github.com/flowsense/cyclecore/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cyclecore.db"), retry.NewRunner(retry.DefaultConfig()), logx.New("error"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserLogsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 5)
	if err := s.SaveCycle(ctx, "u1", types.CycleRecord{
		ID: "c1", StartDate: start, EndDate: &end,
		FlowIntensity: types.FlowMedium, LengthDays: 28, Version: 1,
	}); err != nil {
		t.Fatalf("save cycle: %v", err)
	}
	if err := s.SaveSymptom(ctx, "u1", types.SymptomEntry{
		ID: "s1", Type: types.SymptomCramps, Severity: 6, Timestamp: start.AddDate(0, 0, 1),
	}); err != nil {
		t.Fatalf("save symptom: %v", err)
	}
	if err := s.SaveBiometric(ctx, "u1", types.BiometricSample{
		Metric: types.MetricBasalTemp, Value: 36.6, Timestamp: start, SourceDevice: "ring",
	}); err != nil {
		t.Fatalf("save biometric: %v", err)
	}

	logs, err := s.LoadUserLogs(ctx, "u1")
	if err != nil {
		t.Fatalf("load logs: %v", err)
	}
	if logs.Version != 3 {
		t.Fatalf("snapshot version = %d after 3 log entries, want 3", logs.Version)
	}
	if len(logs.Cycles) != 1 || logs.Cycles[0].ID != "c1" || logs.Cycles[0].LengthDays != 28 {
		t.Fatalf("cycles round trip: %+v", logs.Cycles)
	}
	if logs.Cycles[0].EndDate == nil || !logs.Cycles[0].EndDate.Equal(end) {
		t.Fatalf("end date lost: %+v", logs.Cycles[0].EndDate)
	}
	if len(logs.Symptoms) != 1 || logs.Symptoms[0].Type != types.SymptomCramps {
		t.Fatalf("symptoms round trip: %+v", logs.Symptoms)
	}
	if len(logs.Biometrics) != 1 || logs.Biometrics[0].Metric != types.MetricBasalTemp {
		t.Fatalf("biometrics round trip: %+v", logs.Biometrics)
	}
}

func TestUnknownUserIsEmptySnapshot(t *testing.T) {
	s := testStore(t)
	logs, err := s.LoadUserLogs(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("load logs: %v", err)
	}
	if logs.Version != 0 || len(logs.Cycles) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", logs)
	}
}

func TestCycleCorrectionKeepsBothVersions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for v, days := range map[int]int{1: 30, 2: 28} {
		if err := s.SaveCycle(ctx, "u1", types.CycleRecord{
			ID: "c1", StartDate: start, LengthDays: days, Version: v,
		}); err != nil {
			t.Fatalf("save version %d: %v", v, err)
		}
	}
	logs, err := s.LoadUserLogs(ctx, "u1")
	if err != nil {
		t.Fatalf("load logs: %v", err)
	}
	if len(logs.Cycles) != 2 {
		t.Fatalf("correction must not overwrite: %d records", len(logs.Cycles))
	}
}

func TestWeightsChecksum(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.LoadWeights(ctx, "u1"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	blob := []byte(`{"version":3}`)
	if err := s.SaveWeights(ctx, "u1", 3, blob); err != nil {
		t.Fatalf("save weights: %v", err)
	}
	got, err := s.LoadWeights(ctx, "u1")
	if err != nil {
		t.Fatalf("load weights: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("weights round trip: %s", got)
	}

	// Corrupt the stored blob behind the checksum
	if _, err := s.db.Exec(`UPDATE weights SET blob = ? WHERE user_id = ?`, []byte(`{"version":9}`), "u1"); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}
	if _, err := s.LoadWeights(ctx, "u1"); !errors.Is(err, types.ErrCorruptWeights) {
		t.Fatalf("expected ErrCorruptWeights, got %v", err)
	}
}

func TestModelStateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := &models.UserState{
		Sequence: &models.SequenceState{Hidden: 0.28, Consumed: 7, ModelVersion: "v1", SchemaVersion: 1},
		Bayes:    &models.BayesState{PostMean: 28.3, PostVar: 1.2, Count: 7},
	}
	if err := s.SaveModelState(ctx, "u1", state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, err := s.LoadModelState(ctx, "u1")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got.Sequence == nil || got.Sequence.Consumed != 7 {
		t.Fatalf("sequence state lost: %+v", got.Sequence)
	}
	if got.Bayes == nil || got.Bayes.Count != 7 {
		t.Fatalf("bayes state lost: %+v", got.Bayes)
	}

	empty, err := s.LoadModelState(ctx, "u2")
	if err != nil {
		t.Fatalf("load empty state: %v", err)
	}
	if empty.Sequence != nil || empty.Bayes != nil {
		t.Fatalf("unknown user must start empty: %+v", empty)
	}
}

func TestPredictionArchiveAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"p1", "p2"} {
		p := &types.PredictionResult{
			ID: id, UserID: "u1", Type: types.PredictCycleStart,
			Value: 12, Confidence: 0.8, CreatedAt: base.AddDate(0, 0, i),
			ModelProvenance: []types.ModelContribution{{Model: "bayesian", Weight: 1}},
		}
		if err := s.ArchivePrediction(ctx, p); err != nil {
			t.Fatalf("archive %s: %v", id, err)
		}
	}

	got, err := s.LoadPrediction(ctx, "p1")
	if err != nil {
		t.Fatalf("load prediction: %v", err)
	}
	if len(got.ModelProvenance) != 1 || got.ModelProvenance[0].Model != "bayesian" {
		t.Fatalf("provenance lost: %+v", got.ModelProvenance)
	}

	listed, err := s.ListPredictions(ctx, "u1", types.PredictCycleStart, base)
	if err != nil {
		t.Fatalf("list predictions: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "p2" {
		t.Fatalf("expected newest first, got %+v", listed)
	}

	if _, err := s.LoadPrediction(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFeedbackConsumedOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	observed := 27.0

	rec := &types.FeedbackRecord{
		PredictionID: "p1",
		Outcome:      types.FeedbackOutcome{ObservedValue: &observed},
		ReceivedAt:   time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
	}
	if err := s.SaveFeedback(ctx, rec); err != nil {
		t.Fatalf("save feedback: %v", err)
	}
	if err := s.SaveFeedback(ctx, rec); err == nil {
		t.Fatalf("duplicate feedback accepted")
	}

	has, err := s.HasFeedback(ctx, "p1")
	if err != nil || !has {
		t.Fatalf("HasFeedback = %v, %v", has, err)
	}

	pending, err := s.UnconsumedFeedback(ctx, 10)
	if err != nil {
		t.Fatalf("unconsumed: %v", err)
	}
	if len(pending) != 1 || pending[0].PredictionID != "p1" {
		t.Fatalf("pending feedback: %+v", pending)
	}

	if err := s.MarkFeedbackConsumed(ctx, "p1"); err != nil {
		t.Fatalf("mark consumed: %v", err)
	}
	pending, err = s.UnconsumedFeedback(ctx, 10)
	if err != nil {
		t.Fatalf("unconsumed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("feedback served twice: %+v", pending)
	}
}
