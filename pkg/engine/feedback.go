package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowsense/cyclecore/pkg/types"
)

// SubmitFeedback records a user's outcome or rating for a delivered
// prediction and folds it into the ensemble weights and model state.
// Feedback for one prediction is accepted and applied exactly once.
func (e *Engine) SubmitFeedback(ctx context.Context, userID string, rec *types.FeedbackRecord) error {
	if userID == "" || rec == nil || rec.PredictionID == "" {
		return fmt.Errorf("%w: user id and prediction id are required", types.ErrInputValidation)
	}
	if rec.Outcome.ObservedValue == nil && rec.Outcome.Rating == nil {
		return fmt.Errorf("%w: feedback carries neither an observed value nor a rating", types.ErrInputValidation)
	}
	if rec.Outcome.Rating != nil && (*rec.Outcome.Rating < 1 || *rec.Outcome.Rating > 5) {
		return &types.ValidationError{Field: "feedback.rating", Reason: "must be in [1,5]"}
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	uc := e.user(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if err := e.load(ctx, userID, uc); err != nil {
		return err
	}

	pred, err := e.storage.LoadPrediction(ctx, rec.PredictionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("%w: prediction %s", types.ErrNotFound, rec.PredictionID)
		}
		return err
	}
	if pred.UserID != userID {
		return fmt.Errorf("%w: prediction %s does not belong to user", types.ErrInputValidation, rec.PredictionID)
	}

	has, err := e.storage.HasFeedback(ctx, rec.PredictionID)
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("%w: prediction %s already has feedback", types.ErrInputValidation, rec.PredictionID)
	}

	kind := "observed"
	if rec.Outcome.ObservedValue == nil {
		kind = "rating"
	}
	return e.applyFeedback(ctx, userID, uc, pred, rec, kind)
}

// applyFeedback persists one feedback record, runs the loop, and marks
// the record consumed. Callers hold the user's lock.
func (e *Engine) applyFeedback(ctx context.Context, userID string, uc *userContext, pred *types.PredictionResult, rec *types.FeedbackRecord, kind string) error {
	if err := e.storage.SaveFeedback(ctx, rec); err != nil {
		return err
	}

	fv := e.ext().Extract(uc.logs, extractionNow())
	out, err := e.loop.Apply(uc.weights, uc.state, e.artifacts.Current(), fv, pred, rec)
	if err != nil {
		return err
	}
	if err := e.storage.MarkFeedbackConsumed(ctx, rec.PredictionID); err != nil {
		return err
	}

	e.persistWeights(ctx, userID, uc.weights)
	e.persistState(ctx, userID, uc.state)

	if e.metrics != nil {
		e.metrics.RecordFeedback(kind, out.Renormalized)
	}
	e.logger.Info("feedback applied",
		"user_id", userID,
		"prediction_id", rec.PredictionID,
		"kind", kind,
		"ensemble_err", out.ObservedErr,
		"renormalized", out.Renormalized,
	)
	return nil
}
