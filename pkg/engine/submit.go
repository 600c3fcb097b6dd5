package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/flowsense/cyclecore/pkg/conditions"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

// SubmitLog validates and persists one log entry, advances the
// incremental model state it feeds, and invalidates the user's cached
// predictions. A completed cycle additionally drives the condition
// detector and the automatic feedback match against earlier cycle-start
// forecasts.
func (e *Engine) SubmitLog(ctx context.Context, userID string, entry types.LogEntry) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", types.ErrInputValidation)
	}

	uc := e.user(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if err := e.load(ctx, userID, uc); err != nil {
		return err
	}

	switch entry.Kind {
	case types.LogCycle:
		if err := e.submitCycle(ctx, userID, uc, entry.Cycle); err != nil {
			return err
		}
	case types.LogSymptom:
		if err := e.submitSymptom(ctx, userID, uc, entry.Symptom); err != nil {
			return err
		}
	case types.LogBiometric:
		if err := e.submitBiometric(ctx, userID, uc, entry.Biometric); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown log kind %q", types.ErrInputValidation, entry.Kind)
	}

	uc.logs.Version++
	dropped := e.cache.InvalidateUser(userID)
	e.logger.Debug("log accepted",
		"user_id", userID,
		"kind", string(entry.Kind),
		"snapshot_version", uc.logs.Version,
		"cache_dropped", dropped,
	)
	return nil
}

func (e *Engine) submitCycle(ctx context.Context, userID string, uc *userContext, rec *types.CycleRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: cycle payload missing", types.ErrInputValidation)
	}
	if rec.ID == "" || rec.StartDate.IsZero() {
		return &types.ValidationError{Field: "cycle", Reason: "id and start_date are required"}
	}
	if rec.Version < 1 {
		return &types.ValidationError{Field: "cycle.version", Reason: "must be >= 1"}
	}
	if rec.LengthDays < 0 || rec.LengthDays > 120 {
		return &types.ValidationError{Field: "cycle.length_days", Reason: "out of plausible range"}
	}
	if rec.EndDate != nil && rec.EndDate.Before(rec.StartDate) {
		return &types.ValidationError{Field: "cycle.end_date", Reason: "before start_date"}
	}

	// Corrections target an existing record; new records must not start
	// inside the latest cycle's bleeding window
	correction := false
	for _, c := range uc.logs.Cycles {
		if c.ID == rec.ID {
			correction = true
			if rec.Version <= c.Version {
				return &types.ValidationError{Field: "cycle.version", Reason: "must exceed the corrected version"}
			}
		}
	}
	if !correction {
		for _, c := range uc.logs.Cycles {
			if c.EndDate != nil && rec.StartDate.After(c.StartDate) && rec.StartDate.Before(*c.EndDate) {
				return &types.ValidationError{Field: "cycle.start_date", Reason: "overlaps an existing cycle"}
			}
		}
	}

	if err := e.storage.SaveCycle(ctx, userID, *rec); err != nil {
		return err
	}
	uc.logs.Cycles = append(uc.logs.Cycles, *rec)

	// A new cycle start settles any outstanding cycle-start forecast
	if !correction {
		e.autoFeedback(ctx, userID, uc, rec.StartDate)
	}

	if rec.LengthDays > 0 {
		e.onCompletedCycle(ctx, userID, uc)
	}
	return nil
}

func (e *Engine) submitSymptom(ctx context.Context, userID string, uc *userContext, rec *types.SymptomEntry) error {
	if rec == nil {
		return fmt.Errorf("%w: symptom payload missing", types.ErrInputValidation)
	}
	if rec.ID == "" || rec.Timestamp.IsZero() {
		return &types.ValidationError{Field: "symptom", Reason: "id and timestamp are required"}
	}
	if rec.Severity < 0 || rec.Severity > 10 {
		return &types.ValidationError{Field: "symptom.severity", Reason: "must be in [0,10]"}
	}
	known := false
	for _, s := range types.SymptomTypes {
		if s == rec.Type {
			known = true
		}
	}
	if !known {
		return &types.ValidationError{Field: "symptom.type", Reason: "unknown symptom group"}
	}
	if rec.Supersedes != "" {
		found := false
		for _, s := range uc.logs.Symptoms {
			if s.ID == rec.Supersedes {
				found = true
			}
		}
		if !found {
			return &types.ValidationError{Field: "symptom.supersedes", Reason: "references an unknown entry"}
		}
	}

	if err := e.storage.SaveSymptom(ctx, userID, *rec); err != nil {
		return err
	}
	uc.logs.Symptoms = append(uc.logs.Symptoms, *rec)
	return nil
}

func (e *Engine) submitBiometric(ctx context.Context, userID string, uc *userContext, rec *types.BiometricSample) error {
	if rec == nil {
		return fmt.Errorf("%w: biometric payload missing", types.ErrInputValidation)
	}
	if rec.Timestamp.IsZero() {
		return &types.ValidationError{Field: "biometric.timestamp", Reason: "required"}
	}
	known := false
	for _, m := range types.BiometricMetrics {
		if m == rec.Metric {
			known = true
		}
	}
	if !known {
		return &types.ValidationError{Field: "biometric.metric", Reason: "unknown metric"}
	}
	if math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0) {
		return &types.ValidationError{Field: "biometric.value", Reason: "not a finite number"}
	}

	if err := e.storage.SaveBiometric(ctx, userID, *rec); err != nil {
		return err
	}
	uc.logs.Biometrics = append(uc.logs.Biometrics, *rec)
	return nil
}

// onCompletedCycle folds a newly completed cycle into the incremental
// model state and runs the condition detector over the fresh window
func (e *Engine) onCompletedCycle(ctx context.Context, userID string, uc *userContext) {
	artifact := e.artifacts.Current()
	cycles := cycleLengths(uc.logs)

	if uc.state.Sequence == nil {
		uc.state.Sequence = &models.SequenceState{}
	}
	e.sequenceAdapter().Advance(uc.state.Sequence, artifact, cycles)

	if uc.state.Bayes == nil {
		uc.state.Bayes = &models.BayesState{}
	}
	if len(cycles) > 0 {
		models.ConjugateUpdate(uc.state.Bayes, artifact.Bayes, cycles[len(cycles)-1])
	}
	e.persistState(ctx, userID, uc.state)

	e.evaluateConditions(ctx, userID, uc, len(cycles))
}

func (e *Engine) sequenceAdapter() *models.SequenceModel {
	return e.pool.Adapter(models.KindSequence).(*models.SequenceModel)
}

// evaluateConditions scores risk patterns for the window just closed and
// persists and publishes any escalation at high tier or above
func (e *Engine) evaluateConditions(ctx context.Context, userID string, uc *userContext, window int) {
	artifact := e.artifacts.Current()
	fv := e.ext().Extract(uc.logs, extractionNow())

	classifier := e.pool.Adapter(models.KindIrregularity).(*models.IrregularityClassifier)
	irrScore := classifier.IrregularityScore(&models.Input{
		Type:     types.PredictCycleLength,
		Features: fv,
		Artifact: artifact,
	})

	assessments := e.detector.Evaluate(uc.cond, fv, irrScore, window)
	for _, a := range assessments {
		if e.metrics != nil {
			e.metrics.RecordConditionTier(userID, string(a.Condition), int(a.Tier))
		}
		if a.Tier < conditions.TierHigh {
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordIncident(string(a.Condition), a.Tier.String())
		}
		if err := e.storage.RecordIncident(ctx, userID, string(a.Condition), a.Tier.String(), a.Score); err != nil {
			e.logger.Error("record incident", "user_id", userID, "error", err)
		}
		if e.publisher != nil {
			if err := e.publisher.PublishRiskEscalation(userID, a); err != nil {
				e.logger.Warn("publish risk escalation", "error", err)
			}
		}
	}
}

// autoFeedback settles the newest unanswered cycle-start forecast
// against the actual start date. Only forecasts whose horizon lands
// within the match window qualify; anything older ages out silently.
func (e *Engine) autoFeedback(ctx context.Context, userID string, uc *userContext, actualStart time.Time) {
	matchWindow := time.Duration(e.cfg.Engine.FeedbackMatchDays) * 24 * time.Hour
	since := actualStart.Add(-45 * 24 * time.Hour)

	preds, err := e.storage.ListPredictions(ctx, userID, types.PredictCycleStart, since)
	if err != nil {
		e.logger.Warn("auto feedback lookup", "user_id", userID, "error", err)
		return
	}
	for _, p := range preds {
		if p.PopulationBaseline {
			continue
		}
		has, err := e.storage.HasFeedback(ctx, p.ID)
		if err != nil || has {
			continue
		}

		observed := actualStart.Sub(p.CreatedAt).Hours() / 24
		if observed < 0 || math.Abs(observed-p.Value) > matchWindow.Hours()/24 {
			continue
		}

		rec := &types.FeedbackRecord{
			PredictionID: p.ID,
			Outcome:      types.FeedbackOutcome{ObservedValue: &observed},
			ReceivedAt:   time.Now().UTC(),
		}
		if err := e.applyFeedback(ctx, userID, uc, p, rec, "auto"); err != nil {
			e.logger.Warn("auto feedback apply", "user_id", userID, "prediction_id", p.ID, "error", err)
			continue
		}
		e.logger.Info("auto feedback matched",
			"user_id", userID,
			"prediction_id", p.ID,
			"predicted", p.Value,
			"observed", observed,
		)
		// One actual start settles at most one forecast
		return
	}
}
