package feedback

import (
	"math"
	"testing"
	"time"

	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/ensemble"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

func testLoop() *Loop {
	return New(config.Default().Ensemble, logx.New("error"))
}

func testPrediction() *types.PredictionResult {
	return &types.PredictionResult{
		ID:     "p1",
		UserID: "u1",
		Type:   types.PredictCycleLength,
		Value:  29,
		ModelProvenance: []types.ModelContribution{
			{Model: models.KindBayesian.String(), Estimate: 28.5, Weight: 0.3},
			{Model: models.KindHistorical.String(), Estimate: 30, Weight: 0.3},
			{Model: models.KindRegressor.String(), Estimate: 28, Weight: 0.4},
			{Model: models.KindSequence.String(), Excluded: true, ExcludedFor: "timeout"},
		},
		CreatedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func feedbackWith(observed float64) *types.FeedbackRecord {
	return &types.FeedbackRecord{
		PredictionID: "p1",
		Outcome:      types.FeedbackOutcome{ObservedValue: &observed},
		ReceivedAt:   time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestObservedOutcomeScoresEachModel(t *testing.T) {
	l := testLoop()
	w := ensemble.NewWeights(config.DefaultWeights())
	state := &models.UserState{}

	out, err := l.Apply(w, state, models.DefaultArtifact(), nil, testPrediction(), feedbackWith(28))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if math.Abs(out.ObservedErr-1) > 1e-9 {
		t.Fatalf("ensemble error = %v, want 1", out.ObservedErr)
	}
	if len(out.ModelErrs) != 3 {
		t.Fatalf("scored %d models, want 3 (excluded skipped)", len(out.ModelErrs))
	}
	if math.Abs(out.ModelErrs[models.KindHistorical.String()]-2) > 1e-9 {
		t.Fatalf("historical error = %v, want 2", out.ModelErrs[models.KindHistorical.String()])
	}
	if !w.Observed[models.KindBayesian] || !w.Observed[models.KindHistorical] {
		t.Fatalf("error EWMAs not marked observed")
	}
	if w.Observed[models.KindSequence] {
		t.Fatalf("excluded model must not be scored")
	}
	if w.Pending != 3 {
		t.Fatalf("pending = %d, want 3", w.Pending)
	}
}

func TestOnlineUpdatesTouchModelState(t *testing.T) {
	l := testLoop()
	w := ensemble.NewWeights(config.DefaultWeights())
	state := &models.UserState{}

	_, err := l.Apply(w, state, models.DefaultArtifact(), nil, testPrediction(), feedbackWith(28))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if state.Bayes == nil || state.Bayes.Count != 1 {
		t.Fatalf("bayes posterior not updated: %+v", state.Bayes)
	}
	// Regressor gradient step needs the feature vector
	if state.Regressor != nil {
		t.Fatalf("gradient step without features: %+v", state.Regressor)
	}
}

func TestRenormalizeAfterConfiguredBatch(t *testing.T) {
	cfg := config.Default().Ensemble
	l := New(cfg, logx.New("error"))
	w := ensemble.NewWeights(config.DefaultWeights())
	state := &models.UserState{}

	renormed := 0
	for i := 0; i < 3; i++ {
		out, err := l.Apply(w, state, models.DefaultArtifact(), nil, testPrediction(), feedbackWith(28))
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if out.Renormalized {
			renormed++
		}
	}
	// 3 applications x 3 scored models = 9 pending events, RenormEvery=5
	if renormed == 0 {
		t.Fatalf("no renormalization after %d scored outcomes", 9)
	}
	if w.Pending >= cfg.RenormEvery {
		t.Fatalf("pending = %d not reset below threshold", w.Pending)
	}
	if err := w.Validate(); err != nil {
		t.Fatalf("weights invalid after renorm: %v", err)
	}
}

func TestRatingOnlyFeedback(t *testing.T) {
	l := testLoop()
	w := ensemble.NewWeights(config.DefaultWeights())
	state := &models.UserState{}
	rating := 2

	out, err := l.Apply(w, state, models.DefaultArtifact(), nil, testPrediction(), &types.FeedbackRecord{
		PredictionID: "p1",
		Outcome:      types.FeedbackOutcome{Rating: &rating},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !out.RatingOnly {
		t.Fatalf("rating feedback not flagged")
	}
	if out.ObservedErr <= 0 {
		t.Fatalf("low rating must read as error, got %v", out.ObservedErr)
	}
	if state.Bayes != nil || state.Forest != nil {
		t.Fatalf("rating feedback must not touch model state")
	}
	if w.Pending != 3 {
		t.Fatalf("pending = %d, want 3", w.Pending)
	}
}

func TestEmptyFeedbackRejected(t *testing.T) {
	l := testLoop()
	w := ensemble.NewWeights(config.DefaultWeights())

	_, err := l.Apply(w, &models.UserState{}, models.DefaultArtifact(), nil, testPrediction(), &types.FeedbackRecord{PredictionID: "p1"})
	if err == nil {
		t.Fatalf("empty outcome accepted")
	}
}

func TestWorsePerformanceRaisesEWMA(t *testing.T) {
	l := testLoop()
	w := ensemble.NewWeights(config.DefaultWeights())
	state := &models.UserState{}

	for i := 0; i < 4; i++ {
		if _, err := l.Apply(w, state, models.DefaultArtifact(), nil, testPrediction(), feedbackWith(28)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	// Historical missed by 2 each time, bayesian by 0.5
	if w.ErrEWMA[models.KindHistorical] <= w.ErrEWMA[models.KindBayesian] {
		t.Fatalf("historical EWMA %v not above bayesian %v",
			w.ErrEWMA[models.KindHistorical], w.ErrEWMA[models.KindBayesian])
	}
}
