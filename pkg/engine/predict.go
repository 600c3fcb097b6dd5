package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flowsense/cyclecore/pkg/cache"
	"github.com/flowsense/cyclecore/pkg/ensemble"
	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Request asks for one prediction. Symptom is required for
// symptom_likelihood and ignored otherwise.
type Request struct {
	UserID  string
	Type    types.PredictionType
	Symptom types.SymptomType
}

// request lifecycle states, logged as the request moves through them
const (
	statePending     = "pending"
	stateExtracting  = "extracting"
	stateFanOut      = "fan_out"
	stateAggregating = "aggregating"
	stateDelivered   = "delivered"
	stateFailed      = "failed"
)

func (e *Engine) validateRequest(req Request) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", types.ErrInputValidation)
	}
	switch req.Type {
	case types.PredictCycleStart, types.PredictCycleLength, types.PredictFertilityWindow:
	case types.PredictSymptom:
		found := false
		for _, s := range types.SymptomTypes {
			if s == req.Symptom {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: unknown symptom %q", types.ErrInputValidation, req.Symptom)
		}
	default:
		return fmt.Errorf("%w: unknown prediction type %q", types.ErrInputValidation, req.Type)
	}
	return nil
}

// RequestPrediction runs one forecast end to end: feature extraction,
// cache lookup, model fan-out under per-model timeouts, aggregation,
// and archival. The overall request deadline bounds the whole call.
func (e *Engine) RequestPrediction(ctx context.Context, req Request) (*types.PredictionResult, error) {
	started := time.Now()
	if err := e.validateRequest(req); err != nil {
		e.recordError(req.Type, "validation")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestDeadline())
	defer cancel()

	uc := e.user(req.UserID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if err := e.load(ctx, req.UserID, uc); err != nil {
		e.recordError(req.Type, "storage")
		return nil, err
	}

	e.logger.Debug("prediction request", "user_id", req.UserID, "type", string(req.Type), "state", stateExtracting)
	artifact := e.artifacts.Current()
	fv := e.ext().Extract(uc.logs, extractionNow())

	key := cache.Key{
		UserID:         req.UserID,
		Type:           req.Type,
		FeatureHash:    cacheHash(fv, req),
		ModelVersion:   artifact.Version,
		WeightsVersion: uint64(uc.weights.Version),
	}
	if cached := e.cache.Get(key); cached != nil {
		if e.metrics != nil {
			e.metrics.RecordCacheHit()
			e.metrics.RecordPrediction(string(req.Type), "cache", cached.Confidence, time.Since(started), cached.Degraded)
		}
		return cached, nil
	}
	if e.metrics != nil {
		e.metrics.RecordCacheMiss()
	}

	cycles := cycleLengths(uc.logs)
	var result *types.PredictionResult
	if len(cycles) < e.cfg.Engine.MinCycles {
		result = e.populationBaseline(req, fv, artifact, cycles)
	} else {
		in := &models.Input{
			Type:     req.Type,
			Symptom:  req.Symptom,
			Features: fv,
			Cycles:   cycles,
			State:    uc.state,
			Artifact: artifact,
		}
		e.logger.Debug("prediction request", "user_id", req.UserID, "type", string(req.Type), "state", stateFanOut)
		outputs, excluded := e.fanOut(ctx, in)
		if len(outputs) == 0 {
			e.recordError(req.Type, "all_models_failed")
			e.logger.Error("prediction failed", "user_id", req.UserID, "type", string(req.Type), "state", stateFailed)
			return nil, fmt.Errorf("%w: no model responded within deadline", types.ErrModelUnavailable)
		}

		e.logger.Debug("prediction request", "user_id", req.UserID, "type", string(req.Type), "state", stateAggregating)
		combined := e.aggregator.Combine(req.Type, outputs, uc.weights, excluded, artifact)
		result = e.wrap(req, fv, combined)
	}

	if err := e.storage.ArchivePrediction(ctx, result); err != nil {
		e.logger.Error("archive prediction", "user_id", req.UserID, "error", err)
	}
	e.cache.Put(key, result)

	if e.metrics != nil {
		e.metrics.RecordPrediction(string(req.Type), "computed", result.Confidence, time.Since(started), result.Degraded)
	}
	if e.publisher != nil {
		if err := e.publisher.PublishPrediction(result); err != nil {
			e.logger.Warn("publish prediction", "error", err)
		}
	}
	e.logger.Info("prediction delivered",
		"user_id", req.UserID,
		"type", string(req.Type),
		"prediction_id", result.ID,
		"value", result.Value,
		"confidence", result.Confidence,
		"state", stateDelivered,
	)
	return result, nil
}

// cacheHash extends the feature-vector hash with the requested symptom
// so per-symptom forecasts occupy distinct cache slots
func cacheHash(fv *features.Vector, req Request) string {
	h := fv.Hash()
	if req.Type == types.PredictSymptom {
		return h + ":" + string(req.Symptom)
	}
	return h
}

// fanOut runs every adapter concurrently under the per-model timeout.
// A model that misses its budget or errors is excluded, never awaited.
func (e *Engine) fanOut(ctx context.Context, in *models.Input) ([]models.Output, []models.Kind) {
	type verdict struct {
		kind models.Kind
		out  models.Output
		ok   bool
	}

	results := make(chan verdict, models.NumKinds)
	for _, ad := range e.pool.All() {
		go func(ad models.Adapter) {
			mctx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout())
			defer cancel()
			if mctx.Err() != nil {
				results <- verdict{kind: ad.Kind()}
				return
			}

			done := make(chan verdict, 1)
			go func() {
				out, err := ad.Predict(mctx, in)
				if err != nil {
					e.logger.Warn("model failed", "model", ad.Kind().String(), "error", err)
					done <- verdict{kind: ad.Kind()}
					return
				}
				done <- verdict{kind: ad.Kind(), out: out, ok: true}
			}()

			select {
			case v := <-done:
				results <- v
			case <-mctx.Done():
				if e.metrics != nil {
					e.metrics.RecordModelTimeout(ad.Kind().String())
				}
				results <- verdict{kind: ad.Kind()}
			}
		}(ad)
	}

	var outputs []models.Output
	var excluded []models.Kind
	for i := 0; i < int(models.NumKinds); i++ {
		v := <-results
		if v.ok {
			outputs = append(outputs, v.out)
		} else {
			excluded = append(excluded, v.kind)
		}
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Kind < outputs[j].Kind })
	sort.Slice(excluded, func(i, j int) bool { return excluded[i] < excluded[j] })
	return outputs, excluded
}

// wrap converts the aggregator's combined estimate into the delivered
// result, translating length-space estimates into days-until for
// cycle_start and fertility_window
func (e *Engine) wrap(req Request, fv *features.Vector, c ensemble.Combined) *types.PredictionResult {
	value := c.Estimate
	switch req.Type {
	case types.PredictCycleStart, types.PredictFertilityWindow:
		value = daysUntil(c.Estimate, fv)
	}

	return &types.PredictionResult{
		ID:                  uuid.NewString(),
		UserID:              req.UserID,
		Type:                req.Type,
		Value:               value,
		Confidence:          c.Confidence,
		Uncalibrated:        c.Uncalibrated,
		Degraded:            c.Degraded,
		DegradationPenalty:  c.DegradationPenalty,
		ContributingFactors: c.Factors,
		ModelProvenance:     c.Provenance,
		CreatedAt:           time.Now().UTC(),
		SchemaVersion:       fv.SchemaVersion,
	}
}

// daysUntil converts a day-of-cycle estimate into days from now,
// floored at zero for users already past the estimated day
func daysUntil(estimate float64, fv *features.Vector) float64 {
	currentDay := fv.At(features.IdxCycleDay) * 35
	d := estimate - currentDay
	if d < 0 {
		return 0
	}
	return d
}

// populationBaseline serves users below the minimum history with
// population statistics, the confidence capped well under the
// calibrated range
func (e *Engine) populationBaseline(req Request, fv *features.Vector, artifact *models.Artifact, cycles []float64) *types.PredictionResult {
	pop := artifact.Population

	var value float64
	switch req.Type {
	case types.PredictCycleLength:
		value = pop.MeanCycleLength
	case types.PredictCycleStart:
		value = daysUntil(pop.MeanCycleLength, fv)
	case types.PredictFertilityWindow:
		value = daysUntil(pop.MeanCycleLength-14, fv)
	case types.PredictSymptom:
		value = pop.SymptomRates[req.Symptom]
	}

	// Scale within the cap as history approaches the minimum
	n := float64(len(cycles))
	confidence := e.cfg.Engine.InsufficientCap * (n + 1) / float64(e.cfg.Engine.MinCycles+1)
	confidence = math.Min(confidence, e.cfg.Engine.InsufficientCap)

	e.logger.Info("population baseline served",
		"user_id", req.UserID,
		"type", string(req.Type),
		"cycles", len(cycles),
		"confidence", confidence,
	)
	return &types.PredictionResult{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		Type:               req.Type,
		Value:              value,
		Confidence:         confidence,
		Uncalibrated:       true,
		PopulationBaseline: true,
		ContributingFactors: []types.ContributingFactor{
			{Name: "population_mean_cycle_length", Weight: 1},
		},
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: fv.SchemaVersion,
	}
}

// cycleLengths returns the latest-version completed cycle lengths,
// oldest first, capped at the feature window
func cycleLengths(logs *types.UserLogs) []float64 {
	latest := make(map[string]types.CycleRecord)
	for _, c := range logs.CompletedCycles() {
		if prev, ok := latest[c.ID]; !ok || c.Version > prev.Version {
			latest[c.ID] = c
		}
	}
	recs := make([]types.CycleRecord, 0, len(latest))
	for _, c := range latest {
		recs = append(recs, c)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartDate.Before(recs[j].StartDate) })

	if len(recs) > 12 {
		recs = recs[len(recs)-12:]
	}
	out := make([]float64, 0, len(recs))
	for _, c := range recs {
		out = append(out, float64(c.LengthDays))
	}
	return out
}

func (e *Engine) recordError(predType types.PredictionType, reason string) {
	if e.metrics != nil {
		e.metrics.RecordPredictionError(string(predType), reason)
	}
}
