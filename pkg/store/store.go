// Package store persists user logs, model state, weights, and delivered
// predictions in a local sqlite database
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/models"
	"github.com/flowsense/cyclecore/pkg/retry"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Store wraps the sqlite database behind the engine
type Store struct {
	db     *sql.DB
	runner *retry.Runner
	logger *logx.Logger
}

// New opens (or creates) the database at dbPath and initializes the schema
func New(dbPath string, runner *retry.Runner, logger *logx.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)

	s := &Store{db: db, runner: runner, logger: logger}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initializeSchema creates the database tables
func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		snapshot_version INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cycles (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME,
		flow_intensity INTEGER NOT NULL,
		length_days INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_user ON cycles(user_id, start_date);

	CREATE TABLE IF NOT EXISTS symptoms (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		supersedes TEXT,
		PRIMARY KEY (user_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_symptoms_user ON symptoms(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS biometrics (
		user_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		source_device TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_biometrics_user ON biometrics(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS weights (
		user_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		blob BLOB NOT NULL,
		checksum TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS model_state (
		user_id TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		blob BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_user ON predictions(user_id, type, created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		prediction_id TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		received_at DATETIME NOT NULL,
		consumed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_consumed ON feedback(consumed);

	CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		condition TEXT NOT NULL,
		tier TEXT NOT NULL,
		score REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	return s.runner.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// SaveCycle appends one cycle record version and bumps the user's
// snapshot version
func (s *Store) SaveCycle(ctx context.Context, userID string, rec types.CycleRecord) error {
	var end interface{}
	if rec.EndDate != nil {
		end = rec.EndDate.UTC()
	}
	err := s.exec(ctx,
		`INSERT INTO cycles (user_id, id, version, start_date, end_date, flow_intensity, length_days)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, rec.ID, rec.Version, rec.StartDate.UTC(), end, int(rec.FlowIntensity), rec.LengthDays)
	if err != nil {
		return fmt.Errorf("%w: save cycle: %w", types.ErrPersistence, err)
	}
	return s.bumpSnapshot(ctx, userID)
}

// SaveSymptom appends one immutable symptom entry
func (s *Store) SaveSymptom(ctx context.Context, userID string, rec types.SymptomEntry) error {
	err := s.exec(ctx,
		`INSERT INTO symptoms (user_id, id, type, severity, timestamp, supersedes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, rec.ID, string(rec.Type), rec.Severity, rec.Timestamp.UTC(), rec.Supersedes)
	if err != nil {
		return fmt.Errorf("%w: save symptom: %w", types.ErrPersistence, err)
	}
	return s.bumpSnapshot(ctx, userID)
}

// SaveBiometric appends one biometric sample
func (s *Store) SaveBiometric(ctx context.Context, userID string, rec types.BiometricSample) error {
	err := s.exec(ctx,
		`INSERT INTO biometrics (user_id, metric, value, timestamp, source_device)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, string(rec.Metric), rec.Value, rec.Timestamp.UTC(), rec.SourceDevice)
	if err != nil {
		return fmt.Errorf("%w: save biometric: %w", types.ErrPersistence, err)
	}
	return s.bumpSnapshot(ctx, userID)
}

func (s *Store) bumpSnapshot(ctx context.Context, userID string) error {
	err := s.exec(ctx,
		`INSERT INTO users (user_id, snapshot_version, updated_at)
		 VALUES (?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET
			snapshot_version = snapshot_version + 1,
			updated_at = CURRENT_TIMESTAMP`,
		userID)
	if err != nil {
		return fmt.Errorf("%w: bump snapshot: %w", types.ErrPersistence, err)
	}
	return nil
}

// LoadUserLogs reads back a user's full log snapshot, oldest first.
// Returns an empty snapshot (version 0) for an unknown user.
func (s *Store) LoadUserLogs(ctx context.Context, userID string) (*types.UserLogs, error) {
	logs := &types.UserLogs{UserID: userID}

	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_version FROM users WHERE user_id = ?`, userID).Scan(&logs.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return logs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %w", types.ErrPersistence, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, start_date, end_date, flow_intensity, length_days
		 FROM cycles WHERE user_id = ? ORDER BY start_date, version`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load cycles: %w", types.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c types.CycleRecord
		var end sql.NullTime
		var flow int
		if err := rows.Scan(&c.ID, &c.Version, &c.StartDate, &end, &flow, &c.LengthDays); err != nil {
			return nil, fmt.Errorf("%w: scan cycle: %w", types.ErrPersistence, err)
		}
		if end.Valid {
			t := end.Time
			c.EndDate = &t
		}
		c.FlowIntensity = types.FlowIntensity(flow)
		logs.Cycles = append(logs.Cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load cycles: %w", types.ErrPersistence, err)
	}

	srows, err := s.db.QueryContext(ctx,
		`SELECT id, type, severity, timestamp, supersedes
		 FROM symptoms WHERE user_id = ? ORDER BY timestamp`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load symptoms: %w", types.ErrPersistence, err)
	}
	defer srows.Close()
	for srows.Next() {
		var e types.SymptomEntry
		var typ string
		if err := srows.Scan(&e.ID, &typ, &e.Severity, &e.Timestamp, &e.Supersedes); err != nil {
			return nil, fmt.Errorf("%w: scan symptom: %w", types.ErrPersistence, err)
		}
		e.Type = types.SymptomType(typ)
		logs.Symptoms = append(logs.Symptoms, e)
	}
	if err := srows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load symptoms: %w", types.ErrPersistence, err)
	}

	brows, err := s.db.QueryContext(ctx,
		`SELECT metric, value, timestamp, source_device
		 FROM biometrics WHERE user_id = ? ORDER BY timestamp`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load biometrics: %w", types.ErrPersistence, err)
	}
	defer brows.Close()
	for brows.Next() {
		var b types.BiometricSample
		var metric string
		if err := brows.Scan(&metric, &b.Value, &b.Timestamp, &b.SourceDevice); err != nil {
			return nil, fmt.Errorf("%w: scan biometric: %w", types.ErrPersistence, err)
		}
		b.Metric = types.BiometricMetric(metric)
		logs.Biometrics = append(logs.Biometrics, b)
	}
	if err := brows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load biometrics: %w", types.ErrPersistence, err)
	}

	return logs, nil
}

// SaveWeights persists a user's serialized ensemble weights with a
// content checksum for corruption detection on reload
func (s *Store) SaveWeights(ctx context.Context, userID string, version uint64, blob []byte) error {
	sum := sha256.Sum256(blob)
	err := s.exec(ctx,
		`INSERT INTO weights (user_id, version, blob, checksum, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET
			version = excluded.version,
			blob = excluded.blob,
			checksum = excluded.checksum,
			updated_at = CURRENT_TIMESTAMP`,
		userID, version, blob, hex.EncodeToString(sum[:]))
	if err != nil {
		return fmt.Errorf("%w: save weights: %w", types.ErrPersistence, err)
	}
	return nil
}

// LoadWeights reads back a user's weights blob. Returns ErrNotFound for
// a user with no stored weights and ErrCorruptWeights when the stored
// checksum no longer matches the blob.
func (s *Store) LoadWeights(ctx context.Context, userID string) ([]byte, error) {
	var blob []byte
	var checksum string
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, checksum FROM weights WHERE user_id = ?`, userID).Scan(&blob, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load weights: %w", types.ErrPersistence, err)
	}
	sum := sha256.Sum256(blob)
	if hex.EncodeToString(sum[:]) != checksum {
		s.logger.Warn("weights checksum mismatch", "user_id", userID)
		return nil, fmt.Errorf("%w: checksum mismatch for user %s", types.ErrCorruptWeights, userID)
	}
	return blob, nil
}

// SaveModelState persists a user's bundled per-model state
func (s *Store) SaveModelState(ctx context.Context, userID string, state *models.UserState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshal model state: %w", types.ErrPersistence, err)
	}
	err = s.exec(ctx,
		`INSERT INTO model_state (user_id, blob, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = CURRENT_TIMESTAMP`,
		userID, blob)
	if err != nil {
		return fmt.Errorf("%w: save model state: %w", types.ErrPersistence, err)
	}
	return nil
}

// LoadModelState reads back a user's bundled per-model state, or an
// empty bundle for an unknown user
func (s *Store) LoadModelState(ctx context.Context, userID string) (*models.UserState, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM model_state WHERE user_id = ?`, userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.UserState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load model state: %w", types.ErrPersistence, err)
	}
	var state models.UserState
	if err := json.Unmarshal(blob, &state); err != nil {
		s.logger.Warn("model state blob corrupt, resetting", "user_id", userID, "error", err)
		return &models.UserState{}, nil
	}
	return &state, nil
}

// ArchivePrediction stores a delivered prediction with its full
// provenance for later feedback matching
func (s *Store) ArchivePrediction(ctx context.Context, p *types.PredictionResult) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: marshal prediction: %w", types.ErrPersistence, err)
	}
	err = s.exec(ctx,
		`INSERT INTO predictions (id, user_id, type, blob, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, string(p.Type), blob, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: archive prediction: %w", types.ErrPersistence, err)
	}
	return nil
}

// LoadPrediction reads back one archived prediction by ID
func (s *Store) LoadPrediction(ctx context.Context, id string) (*types.PredictionResult, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM predictions WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load prediction: %w", types.ErrPersistence, err)
	}
	var p types.PredictionResult
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal prediction: %w", types.ErrPersistence, err)
	}
	return &p, nil
}

// ListPredictions returns a user's archived predictions of one type
// created at or after since, newest first
func (s *Store) ListPredictions(ctx context.Context, userID string, typ types.PredictionType, since time.Time) ([]*types.PredictionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blob FROM predictions
		 WHERE user_id = ? AND type = ? AND created_at >= ?
		 ORDER BY created_at DESC`,
		userID, string(typ), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list predictions: %w", types.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*types.PredictionResult
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: scan prediction: %w", types.ErrPersistence, err)
		}
		var p types.PredictionResult
		if err := json.Unmarshal(blob, &p); err != nil {
			return nil, fmt.Errorf("%w: unmarshal prediction: %w", types.ErrPersistence, err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list predictions: %w", types.ErrPersistence, err)
	}
	return out, nil
}

// SaveFeedback stores one feedback record. A prediction accepts feedback
// at most once.
func (s *Store) SaveFeedback(ctx context.Context, rec *types.FeedbackRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal feedback: %w", types.ErrPersistence, err)
	}
	err = s.exec(ctx,
		`INSERT INTO feedback (prediction_id, blob, received_at)
		 VALUES (?, ?, ?)`,
		rec.PredictionID, blob, rec.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: save feedback: %w", types.ErrPersistence, err)
	}
	return nil
}

// HasFeedback reports whether a prediction already has feedback stored
func (s *Store) HasFeedback(ctx context.Context, predictionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM feedback WHERE prediction_id = ?`, predictionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check feedback: %w", types.ErrPersistence, err)
	}
	return n > 0, nil
}

// UnconsumedFeedback returns stored feedback the weight-update step has
// not applied yet, oldest first
func (s *Store) UnconsumedFeedback(ctx context.Context, limit int) ([]types.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blob FROM feedback WHERE consumed = FALSE ORDER BY received_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load feedback: %w", types.ErrPersistence, err)
	}
	defer rows.Close()

	var out []types.FeedbackRecord
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: scan feedback: %w", types.ErrPersistence, err)
		}
		var rec types.FeedbackRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, fmt.Errorf("%w: unmarshal feedback: %w", types.ErrPersistence, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load feedback: %w", types.ErrPersistence, err)
	}
	return out, nil
}

// MarkFeedbackConsumed flags one feedback record as applied so it is
// never folded into the weights twice
func (s *Store) MarkFeedbackConsumed(ctx context.Context, predictionID string) error {
	err := s.exec(ctx,
		`UPDATE feedback SET consumed = TRUE WHERE prediction_id = ?`, predictionID)
	if err != nil {
		return fmt.Errorf("%w: mark feedback consumed: %w", types.ErrPersistence, err)
	}
	return nil
}

// RecordIncident appends one condition-risk escalation for audit
func (s *Store) RecordIncident(ctx context.Context, userID, condition, tier string, score float64) error {
	err := s.exec(ctx,
		`INSERT INTO incidents (user_id, condition, tier, score) VALUES (?, ?, ?, ?)`,
		userID, condition, tier, score)
	if err != nil {
		return fmt.Errorf("%w: record incident: %w", types.ErrPersistence, err)
	}
	return nil
}
