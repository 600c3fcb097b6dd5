// Package engine orchestrates feature extraction, model fan-out,
// ensemble aggregation, and the feedback loop behind one per-user
// serialized surface
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowsense/cyclecore/pkg/cache"
	"github.com/flowsense/cyclecore/pkg/conditions"
	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/ensemble"
	"github.com/flowsense/cyclecore/pkg/features"
	"github.com/flowsense/cyclecore/pkg/feedback"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/metrics"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Storage is the persistence surface the engine depends on. *store.Store
// implements it; tests substitute an in-memory fake.
type Storage interface {
	LoadUserLogs(ctx context.Context, userID string) (*types.UserLogs, error)
	SaveCycle(ctx context.Context, userID string, rec types.CycleRecord) error
	SaveSymptom(ctx context.Context, userID string, rec types.SymptomEntry) error
	SaveBiometric(ctx context.Context, userID string, rec types.BiometricSample) error

	SaveWeights(ctx context.Context, userID string, version uint64, blob []byte) error
	LoadWeights(ctx context.Context, userID string) ([]byte, error)
	SaveModelState(ctx context.Context, userID string, state *models.UserState) error
	LoadModelState(ctx context.Context, userID string) (*models.UserState, error)

	ArchivePrediction(ctx context.Context, p *types.PredictionResult) error
	LoadPrediction(ctx context.Context, id string) (*types.PredictionResult, error)
	ListPredictions(ctx context.Context, userID string, typ types.PredictionType, since time.Time) ([]*types.PredictionResult, error)

	SaveFeedback(ctx context.Context, rec *types.FeedbackRecord) error
	HasFeedback(ctx context.Context, predictionID string) (bool, error)
	MarkFeedbackConsumed(ctx context.Context, predictionID string) error

	RecordIncident(ctx context.Context, userID, condition, tier string, score float64) error
}

// Publisher is the outbound notification surface. Nil disables publishing.
type Publisher interface {
	PublishPrediction(p *types.PredictionResult) error
	PublishRiskEscalation(userID string, a conditions.Assessment) error
}

// Options carries the engine's optional collaborators
type Options struct {
	Metrics   *metrics.Server
	Publisher Publisher
}

// extractionNow pins feature extraction to day granularity so repeated
// requests over an unchanged snapshot produce the same feature hash
func extractionNow() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}

// userContext serializes all work for one user. The mutex covers the
// snapshot, weights, model state, and condition streaks; fan-out reads
// them under the lock but never mutates them.
type userContext struct {
	mu      sync.Mutex
	loaded  bool
	logs    *types.UserLogs
	weights *ensemble.Weights
	state   *models.UserState
	cond    *conditions.UserState
}

// Engine is the prediction engine
type Engine struct {
	cfg        *config.Config
	logger     *logx.Logger
	storage    Storage
	cache      *cache.Cache
	pool       *models.Pool
	artifacts  *models.ArtifactStore
	aggregator *ensemble.Aggregator
	extractor  *features.Extractor
	detector   *conditions.Detector
	loop       *feedback.Loop
	metrics    *metrics.Server
	publisher  Publisher

	mu    sync.Mutex
	users map[string]*userContext
}

// New creates an engine around the given storage. The model artifact is
// loaded from cfg.Engine.ArtifactPath when set, otherwise the shipped
// default artifact is used.
func New(cfg *config.Config, storage Storage, logger *logx.Logger, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	artifact := models.DefaultArtifact()
	if cfg.Engine.ArtifactPath != "" {
		loaded, err := models.LoadArtifact(cfg.Engine.ArtifactPath)
		if err != nil {
			return nil, fmt.Errorf("load artifact: %w", err)
		}
		artifact = loaded
	}
	artifacts := &models.ArtifactStore{}
	artifacts.Swap(artifact)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		storage:    storage,
		cache:      cache.New(cache.Config{TTL: cfg.CacheTTL()}),
		pool:       models.NewPool(),
		artifacts:  artifacts,
		aggregator: ensemble.NewAggregator(cfg.Ensemble),
		extractor:  features.NewExtractor(cfg.Engine.LOCFHorizonDays, artifact.Population),
		detector:   conditions.New(conditions.DefaultConfig(cfg.Engine.CriticalWindows), logger),
		loop:       feedback.New(cfg.Ensemble, logger),
		metrics:    opts.Metrics,
		publisher:  opts.Publisher,
		users:      make(map[string]*userContext),
	}

	logger.Info("engine initialized",
		"model_version", artifact.Version,
		"schema_version", artifact.SchemaVersion,
	)
	return e, nil
}

// SwapArtifact hot-swaps a retrained model artifact. In-flight requests
// finish against the snapshot they started with; per-user sequence
// snapshots keyed to the old version replay on their next prediction.
func (e *Engine) SwapArtifact(a *models.Artifact) {
	e.artifacts.Swap(a)

	// Drop loaded contexts; the next touch reloads them and the version
	// check discards incremental state built under the old artifact
	e.mu.Lock()
	e.extractor = features.NewExtractor(e.cfg.Engine.LOCFHorizonDays, a.Population)
	e.users = make(map[string]*userContext)
	e.mu.Unlock()

	e.logger.Info("model artifact swapped", "model_version", a.Version)
}

// ModelVersion returns the active artifact version
func (e *Engine) ModelVersion() string {
	return e.artifacts.Current().Version
}

func (e *Engine) ext() *features.Extractor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.extractor
}

// user returns the context owning userID, creating it on first touch
func (e *Engine) user(userID string) *userContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	uc, ok := e.users[userID]
	if !ok {
		uc = &userContext{cond: conditions.NewUserState()}
		e.users[userID] = uc
	}
	return uc
}

// load populates a user context from storage on first use. Corrupt
// weights reset to defaults rather than failing the request.
func (e *Engine) load(ctx context.Context, userID string, uc *userContext) error {
	if uc.loaded {
		return nil
	}

	logs, err := e.storage.LoadUserLogs(ctx, userID)
	if err != nil {
		return err
	}
	uc.logs = logs

	blob, err := e.storage.LoadWeights(ctx, userID)
	switch {
	case err == nil:
		w, werr := ensemble.UnmarshalWeights(blob)
		if werr != nil {
			e.resetCorruptWeights(ctx, userID, uc, werr)
		} else {
			uc.weights = w
		}
	case errors.Is(err, types.ErrNotFound):
		uc.weights = ensemble.NewWeights(e.cfg.Ensemble.Defaults)
	case errors.Is(err, types.ErrCorruptWeights):
		e.resetCorruptWeights(ctx, userID, uc, err)
	default:
		return err
	}

	state, err := e.storage.LoadModelState(ctx, userID)
	if err != nil {
		return err
	}
	// Incremental snapshots do not survive an artifact rollout; the
	// next completed cycle rebuilds them under the current version
	if current := e.artifacts.Current().Version; state.ArtifactVersion != "" && state.ArtifactVersion != current {
		e.logger.Info("model state from old artifact discarded",
			"user_id", userID,
			"state_version", state.ArtifactVersion,
			"artifact_version", current,
		)
		state = &models.UserState{}
	}
	uc.state = state
	uc.loaded = true
	return nil
}

// resetCorruptWeights replaces an unreadable weights blob with the
// shipped defaults and leaves an incident row behind for the audit trail
func (e *Engine) resetCorruptWeights(ctx context.Context, userID string, uc *userContext, cause error) {
	e.logger.Warn("stored weights corrupt, resetting to defaults",
		"user_id", userID, "error", cause)
	uc.weights = ensemble.NewWeights(e.cfg.Ensemble.Defaults)
	if err := e.storage.RecordIncident(ctx, userID, "corrupt_weights", "reset", 0); err != nil {
		e.logger.Error("record corrupt-weights incident", "user_id", userID, "error", err)
	}
}

// persistWeights writes a user's weights back, logging rather than
// failing on persistence trouble so a delivered result is never lost to
// a bookkeeping write
func (e *Engine) persistWeights(ctx context.Context, userID string, w *ensemble.Weights) {
	blob, err := w.Marshal()
	if err != nil {
		e.logger.Error("marshal weights", "user_id", userID, "error", err)
		return
	}
	if err := e.storage.SaveWeights(ctx, userID, uint64(w.Version), blob); err != nil {
		e.logger.Error("persist weights", "user_id", userID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordWeightsVersion(userID, w.Version)
	}
}

func (e *Engine) persistState(ctx context.Context, userID string, state *models.UserState) {
	state.ArtifactVersion = e.artifacts.Current().Version
	if err := e.storage.SaveModelState(ctx, userID, state); err != nil {
		e.logger.Error("persist model state", "user_id", userID, "error", err)
	}
}
