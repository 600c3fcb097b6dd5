// Package feedback folds observed outcomes back into per-user ensemble
// weights and per-model state
package feedback

import (
	"fmt"
	"math"

	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/ensemble"
	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Online learning rates. Small on purpose: one outcome nudges a user's
// state, it never rewrites it.
const (
	forestForgetRate = 0.20
	regressorLR      = 0.01
	gpTypicalErr     = 2.0
)

// probErrScale converts probability-type errors into day-commensurate
// magnitudes so one EWMA per model can span prediction types
const probErrScale = 10.0

// Outcome reports what one feedback application changed
type Outcome struct {
	ObservedErr  float64            `json:"observed_err"` // ensemble-level signed error
	ModelErrs    map[string]float64 `json:"model_errs"`   // per-model signed errors
	Renormalized bool               `json:"renormalized"`
	RatingOnly   bool               `json:"rating_only"`
}

// Loop applies feedback records to a user's weights and model state.
// Callers hold the user's writer lock; the loop itself is stateless.
type Loop struct {
	cfg    config.Ensemble
	logger *logx.Logger
}

// New creates a feedback loop
func New(cfg config.Ensemble, logger *logx.Logger) *Loop {
	return &Loop{cfg: cfg, logger: logger}
}

// Apply folds one feedback record for an archived prediction into the
// user's weights and per-model state. The feature vector is the one the
// prediction was computed from and may be nil, which skips the
// regressor's gradient step. Each record must be applied exactly once;
// the store's consumed flag enforces that above this layer.
func (l *Loop) Apply(w *ensemble.Weights, state *models.UserState, artifact *models.Artifact, fv *features.Vector, pred *types.PredictionResult, rec *types.FeedbackRecord) (*Outcome, error) {
	if pred == nil || rec == nil {
		return nil, fmt.Errorf("%w: feedback requires a prediction and a record", types.ErrInputValidation)
	}
	if rec.Outcome.ObservedValue == nil && rec.Outcome.Rating == nil {
		return nil, fmt.Errorf("%w: feedback carries neither an observed value nor a rating", types.ErrInputValidation)
	}

	out := &Outcome{ModelErrs: make(map[string]float64)}

	if rec.Outcome.ObservedValue != nil {
		l.applyObserved(w, state, artifact, fv, pred, *rec.Outcome.ObservedValue, out)
	} else {
		l.applyRating(w, pred, *rec.Outcome.Rating, out)
	}

	if w.Pending >= l.cfg.RenormEvery {
		w.Renormalize(l.cfg)
		out.Renormalized = true
		l.logger.Debug("weights renormalized",
			"user_id", pred.UserID,
			"weights_version", w.Version,
		)
	}
	return out, nil
}

// applyObserved scores every contributing model against the true outcome
// and runs the per-model online updates
func (l *Loop) applyObserved(w *ensemble.Weights, state *models.UserState, artifact *models.Artifact, fv *features.Vector, pred *types.PredictionResult, observed float64, out *Outcome) {
	scale := 1.0
	if pred.Type == types.PredictSymptom {
		scale = probErrScale
	}
	out.ObservedErr = pred.Value - observed

	for _, mc := range pred.ModelProvenance {
		if mc.Excluded {
			continue
		}
		kind, ok := models.KindFromName(mc.Model)
		if !ok {
			l.logger.Warn("unknown model in provenance", "model", mc.Model)
			continue
		}
		signed := mc.Estimate - observed
		out.ModelErrs[mc.Model] = signed
		w.UpdateError(kind, math.Abs(signed)*scale, l.cfg.EWMADecay)

		l.onlineUpdate(state, artifact, fv, pred.Type, kind, signed, observed)
	}
}

// applyRating converts a 1-5 star rating into a pseudo error magnitude
// spread over the contributing models. Ratings carry no true outcome, so
// they shift relative trust without touching model state.
func (l *Loop) applyRating(w *ensemble.Weights, pred *types.PredictionResult, rating int, out *Outcome) {
	if rating < 1 {
		rating = 1
	}
	if rating > 5 {
		rating = 5
	}
	out.RatingOnly = true

	// 5 stars reads as roughly right, 1 star as a couple of days off
	pseudo := float64(5-rating) / 4 * 3.0
	out.ObservedErr = pseudo

	for _, mc := range pred.ModelProvenance {
		if mc.Excluded {
			continue
		}
		kind, ok := models.KindFromName(mc.Model)
		if !ok {
			continue
		}
		w.UpdateError(kind, pseudo, l.cfg.EWMADecay)
	}
}

// onlineUpdate applies the matching per-model state adjustment for one
// scored contribution. Only length-valued outcomes move the Bayesian
// posterior; symptom outcomes have no day-valued observation to fold in.
func (l *Loop) onlineUpdate(state *models.UserState, artifact *models.Artifact, fv *features.Vector, predType types.PredictionType, kind models.Kind, signedErr, observed float64) {
	switch kind {
	case models.KindPatternForest:
		if state.Forest == nil {
			state.Forest = &models.ForestState{}
		}
		models.ForgetLeafBias(state.Forest, signedErr, forestForgetRate)

	case models.KindRegressor:
		if fv == nil {
			return
		}
		if state.Regressor == nil {
			state.Regressor = &models.RegressorState{}
		}
		models.GradientStep(state.Regressor, artifact.Regressor, fv.Values, signedErr, regressorLR)

	case models.KindBayesian:
		// The posterior is over cycle length; other outcome units
		// cannot be folded in directly
		if predType != types.PredictCycleLength {
			return
		}
		if state.Bayes == nil {
			state.Bayes = &models.BayesState{}
		}
		models.ConjugateUpdate(state.Bayes, artifact.Bayes, observed)

	case models.KindGaussianProcess:
		if state.GP == nil {
			state.GP = &models.GPState{}
		}
		models.RefreshNoise(state.GP, math.Abs(signedErr), gpTypicalErr)
	}
}
