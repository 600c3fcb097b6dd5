package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

// memStore is an in-memory Storage for engine tests
type memStore struct {
	mu          sync.Mutex
	logs        map[string]*types.UserLogs
	weights     map[string][]byte
	states      map[string][]byte
	predictions map[string]*types.PredictionResult
	feedback    map[string]*types.FeedbackRecord
	consumed    map[string]bool
	incidents   []string
}

func newMemStore() *memStore {
	return &memStore{
		logs:        make(map[string]*types.UserLogs),
		weights:     make(map[string][]byte),
		states:      make(map[string][]byte),
		predictions: make(map[string]*types.PredictionResult),
		feedback:    make(map[string]*types.FeedbackRecord),
		consumed:    make(map[string]bool),
	}
}

func (m *memStore) userLogs(userID string) *types.UserLogs {
	if _, ok := m.logs[userID]; !ok {
		m.logs[userID] = &types.UserLogs{UserID: userID}
	}
	return m.logs[userID]
}

func (m *memStore) LoadUserLogs(_ context.Context, userID string) (*types.UserLogs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.userLogs(userID)
	cp := *l
	return &cp, nil
}

func (m *memStore) SaveCycle(_ context.Context, userID string, rec types.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.userLogs(userID)
	l.Cycles = append(l.Cycles, rec)
	l.Version++
	return nil
}

func (m *memStore) SaveSymptom(_ context.Context, userID string, rec types.SymptomEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.userLogs(userID)
	l.Symptoms = append(l.Symptoms, rec)
	l.Version++
	return nil
}

func (m *memStore) SaveBiometric(_ context.Context, userID string, rec types.BiometricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.userLogs(userID)
	l.Biometrics = append(l.Biometrics, rec)
	l.Version++
	return nil
}

func (m *memStore) SaveWeights(_ context.Context, userID string, _ uint64, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weights[userID] = blob
	return nil
}

func (m *memStore) LoadWeights(_ context.Context, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.weights[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return blob, nil
}

func (m *memStore) SaveModelState(_ context.Context, userID string, state *models.UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[userID] = []byte("set")
	return nil
}

func (m *memStore) LoadModelState(_ context.Context, userID string) (*models.UserState, error) {
	return &models.UserState{}, nil
}

func (m *memStore) ArchivePrediction(_ context.Context, p *types.PredictionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[p.ID] = p
	return nil
}

func (m *memStore) LoadPrediction(_ context.Context, id string) (*types.PredictionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predictions[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListPredictions(_ context.Context, userID string, typ types.PredictionType, since time.Time) ([]*types.PredictionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.PredictionResult
	for _, p := range m.predictions {
		if p.UserID == userID && p.Type == typ && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) SaveFeedback(_ context.Context, rec *types.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feedback[rec.PredictionID]; ok {
		return fmt.Errorf("%w: duplicate feedback", types.ErrPersistence)
	}
	m.feedback[rec.PredictionID] = rec
	return nil
}

func (m *memStore) HasFeedback(_ context.Context, predictionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.feedback[predictionID]
	return ok, nil
}

func (m *memStore) MarkFeedbackConsumed(_ context.Context, predictionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[predictionID] = true
	return nil
}

func (m *memStore) RecordIncident(_ context.Context, userID, condition, tier string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, condition+":"+tier)
	return nil
}

func testEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	st := newMemStore()
	e, err := New(config.Default(), st, logx.New("error"), Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, st
}

// seedRegularCycles logs n completed 28-day cycles ending near now
func seedRegularCycles(t *testing.T, e *Engine, userID string, n int) {
	t.Helper()
	ctx := context.Background()
	start := time.Now().UTC().AddDate(0, 0, -28*(n-1)-10)
	for i := 0; i < n; i++ {
		end := start.AddDate(0, 0, 5)
		err := e.SubmitLog(ctx, userID, types.LogEntry{
			Kind: types.LogCycle,
			Cycle: &types.CycleRecord{
				ID:            fmt.Sprintf("c%02d", i),
				StartDate:     start,
				EndDate:       &end,
				FlowIntensity: types.FlowMedium,
				LengthDays:    28,
				Version:       1,
			},
		})
		if err != nil {
			t.Fatalf("seed cycle %d: %v", i, err)
		}
		start = start.AddDate(0, 0, 28)
	}
}

func TestRegularHistoryPrediction(t *testing.T) {
	e, _ := testEngine(t)
	seedRegularCycles(t, e, "u1", 12)

	got, err := e.RequestPrediction(context.Background(), Request{
		UserID: "u1", Type: types.PredictCycleLength,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if math.Abs(got.Value-28) > 1.5 {
		t.Fatalf("cycle length = %v for 12x28-day history", got.Value)
	}
	if got.Confidence <= 0.85 {
		t.Fatalf("confidence = %v for highly regular history, want > 0.85", got.Confidence)
	}
	if got.PopulationBaseline || got.Uncalibrated {
		t.Fatalf("unexpected flags on regular-history result: %+v", got)
	}
	if len(got.ModelProvenance) != int(models.NumKinds) {
		t.Fatalf("provenance covers %d models, want %d", len(got.ModelProvenance), models.NumKinds)
	}
	for _, mc := range got.ModelProvenance {
		if mc.Excluded {
			t.Fatalf("model %s excluded without cause", mc.Model)
		}
	}
}

func TestCycleStartConvertsToDaysUntil(t *testing.T) {
	e, _ := testEngine(t)
	seedRegularCycles(t, e, "u1", 12)

	got, err := e.RequestPrediction(context.Background(), Request{
		UserID: "u1", Type: types.PredictCycleStart,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// Seeded history ends 10 days into the current cycle, so the next
	// start is about 18 days out
	if got.Value < 14 || got.Value > 22 {
		t.Fatalf("days until next start = %v, want about 18", got.Value)
	}
}

func TestInsufficientHistoryServesPopulationBaseline(t *testing.T) {
	e, _ := testEngine(t)
	seedRegularCycles(t, e, "u1", 1)

	got, err := e.RequestPrediction(context.Background(), Request{
		UserID: "u1", Type: types.PredictCycleLength,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !got.PopulationBaseline {
		t.Fatalf("population baseline not flagged: %+v", got)
	}
	if got.Confidence > e.cfg.Engine.InsufficientCap {
		t.Fatalf("confidence = %v above the insufficient-history cap %v",
			got.Confidence, e.cfg.Engine.InsufficientCap)
	}
	if math.Abs(got.Value-28.2) > 0.5 {
		t.Fatalf("baseline value = %v, want population mean", got.Value)
	}
}

func TestSymptomPredictionUncalibrated(t *testing.T) {
	e, _ := testEngine(t)
	seedRegularCycles(t, e, "u1", 6)

	got, err := e.RequestPrediction(context.Background(), Request{
		UserID: "u1", Type: types.PredictSymptom, Symptom: types.SymptomCramps,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !got.Uncalibrated {
		t.Fatalf("symptom forecast must be flagged uncalibrated with the default artifact")
	}
	if got.Value < 0 || got.Value > 1 {
		t.Fatalf("symptom likelihood = %v outside [0,1]", got.Value)
	}
}

func TestPredictionDeterminism(t *testing.T) {
	e, _ := testEngine(t)
	seedRegularCycles(t, e, "u1", 12)
	ctx := context.Background()
	req := Request{UserID: "u1", Type: types.PredictCycleLength}

	a, err := e.RequestPrediction(ctx, req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	b, err := e.RequestPrediction(ctx, req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if math.Abs(a.Value-b.Value) > 1e-6 || math.Abs(a.Confidence-b.Confidence) > 1e-6 {
		t.Fatalf("identical snapshot produced different results: %v/%v vs %v/%v",
			a.Value, a.Confidence, b.Value, b.Confidence)
	}
}

func TestCacheInvalidatedByNewLog(t *testing.T) {
	e, _ := testEngine(t)
	seedRegularCycles(t, e, "u1", 12)
	ctx := context.Background()
	req := Request{UserID: "u1", Type: types.PredictCycleLength}

	a, err := e.RequestPrediction(ctx, req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	b, err := e.RequestPrediction(ctx, req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("identical snapshot not served from cache")
	}

	err = e.SubmitLog(ctx, "u1", types.LogEntry{
		Kind: types.LogSymptom,
		Symptom: &types.SymptomEntry{
			ID: "s-new", Type: types.SymptomCramps, Severity: 5, Timestamp: time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("submit log: %v", err)
	}

	c, err := e.RequestPrediction(ctx, req)
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	if c.ID == a.ID {
		t.Fatalf("cache served a stale result across a log entry")
	}
}

func TestRejectsInvalidLogs(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	cases := []types.LogEntry{
		{Kind: types.LogCycle, Cycle: &types.CycleRecord{ID: "", StartDate: time.Now(), Version: 1}},
		{Kind: types.LogCycle, Cycle: &types.CycleRecord{ID: "c1", StartDate: time.Now(), LengthDays: 400, Version: 1}},
		{Kind: types.LogSymptom, Symptom: &types.SymptomEntry{ID: "s1", Type: "migraine", Severity: 5, Timestamp: time.Now()}},
		{Kind: types.LogSymptom, Symptom: &types.SymptomEntry{ID: "s1", Type: types.SymptomCramps, Severity: 15, Timestamp: time.Now()}},
		{Kind: types.LogBiometric, Biometric: &types.BiometricSample{Metric: "steps", Value: 1, Timestamp: time.Now()}},
		{Kind: "note"},
	}
	for i, entry := range cases {
		err := e.SubmitLog(ctx, "u1", entry)
		if !errors.Is(err, types.ErrInputValidation) {
			t.Fatalf("case %d: err = %v, want input validation", i, err)
		}
	}
}

func TestCorrectionRequiresHigherVersion(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	start := time.Now().UTC().AddDate(0, 0, -30)

	if err := e.SubmitLog(ctx, "u1", types.LogEntry{
		Kind:  types.LogCycle,
		Cycle: &types.CycleRecord{ID: "c1", StartDate: start, LengthDays: 30, Version: 1},
	}); err != nil {
		t.Fatalf("initial: %v", err)
	}
	err := e.SubmitLog(ctx, "u1", types.LogEntry{
		Kind:  types.LogCycle,
		Cycle: &types.CycleRecord{ID: "c1", StartDate: start, LengthDays: 28, Version: 1},
	})
	if !errors.Is(err, types.ErrInputValidation) {
		t.Fatalf("same-version correction accepted: %v", err)
	}
	if err := e.SubmitLog(ctx, "u1", types.LogEntry{
		Kind:  types.LogCycle,
		Cycle: &types.CycleRecord{ID: "c1", StartDate: start, LengthDays: 28, Version: 2},
	}); err != nil {
		t.Fatalf("higher-version correction rejected: %v", err)
	}
}

func TestFeedbackAppliedOnce(t *testing.T) {
	e, _ := testEngine(t)
	seedRegularCycles(t, e, "u1", 12)
	ctx := context.Background()

	pred, err := e.RequestPrediction(ctx, Request{UserID: "u1", Type: types.PredictCycleLength})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	observed := 27.0
	rec := &types.FeedbackRecord{
		PredictionID: pred.ID,
		Outcome:      types.FeedbackOutcome{ObservedValue: &observed},
	}
	if err := e.SubmitFeedback(ctx, "u1", rec); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if err := e.SubmitFeedback(ctx, "u1", rec); !errors.Is(err, types.ErrInputValidation) {
		t.Fatalf("duplicate feedback: err = %v, want input validation", err)
	}
}

func TestFeedbackForUnknownPrediction(t *testing.T) {
	e, _ := testEngine(t)
	observed := 27.0
	err := e.SubmitFeedback(context.Background(), "u1", &types.FeedbackRecord{
		PredictionID: "ghost",
		Outcome:      types.FeedbackOutcome{ObservedValue: &observed},
	})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestFeedbackMovesWeights(t *testing.T) {
	e, st := testEngine(t)
	seedRegularCycles(t, e, "u1", 12)
	ctx := context.Background()

	pred, err := e.RequestPrediction(ctx, Request{UserID: "u1", Type: types.PredictCycleLength})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	observed := 27.0
	if err := e.SubmitFeedback(ctx, "u1", &types.FeedbackRecord{
		PredictionID: pred.ID,
		Outcome:      types.FeedbackOutcome{ObservedValue: &observed},
	}); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	if _, ok := st.weights["u1"]; !ok {
		t.Fatalf("weights not persisted after feedback")
	}
	if !st.consumed[pred.ID] {
		t.Fatalf("feedback not marked consumed")
	}
}

func TestAutoFeedbackOnCycleStart(t *testing.T) {
	e, st := testEngine(t)
	seedRegularCycles(t, e, "u1", 12)
	ctx := context.Background()

	pred, err := e.RequestPrediction(ctx, Request{UserID: "u1", Type: types.PredictCycleStart})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// The actual start lands close to the forecast horizon
	actual := time.Now().UTC().AddDate(0, 0, int(pred.Value))
	if err := e.SubmitLog(ctx, "u1", types.LogEntry{
		Kind: types.LogCycle,
		Cycle: &types.CycleRecord{
			ID: "c-next", StartDate: actual, FlowIntensity: types.FlowMedium, Version: 1,
		},
	}); err != nil {
		t.Fatalf("submit start: %v", err)
	}

	if _, ok := st.feedback[pred.ID]; !ok {
		t.Fatalf("cycle start did not settle the outstanding forecast")
	}
	if !st.consumed[pred.ID] {
		t.Fatalf("auto feedback not consumed")
	}
}

func TestDegradedOnModelTimeout(t *testing.T) {
	cfg := config.Default()
	e, err := New(cfg, newMemStore(), logx.New("error"), Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	seedRegularCycles(t, e, "u1", 12)

	// An already-expired context forces every model over budget
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.RequestPrediction(ctx, Request{UserID: "u1", Type: types.PredictCycleLength})
	if !errors.Is(err, types.ErrModelUnavailable) {
		t.Fatalf("err = %v, want model unavailable", err)
	}
}
