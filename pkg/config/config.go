// Package config loads and validates cyclecore engine configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Default configuration values
const (
	DefaultLogLevel           = "info"
	DefaultDBPath             = "cyclecore.db"
	DefaultMinCycles          = 3
	DefaultLOCFHorizonDays    = 7
	DefaultModelTimeoutMS     = 250
	DefaultRequestDeadlineMS  = 1000
	DefaultCacheTTLHours      = 24
	DefaultEWMADecay          = 0.3
	DefaultRenormEvery        = 5
	DefaultRenormTemperature  = 0.25
	DefaultWeightStepCap      = 0.10
	DefaultWeightFloor        = 0.02
	DefaultWeightCeiling      = 0.70
	DefaultDegradationPenalty = 0.92
	DefaultInsufficientCap    = 0.35
	DefaultCriticalWindows    = 3
	DefaultMetricsPort        = 9417
)

// Weights holds the default tier layout. Documented constants are
// configuration, not guaranteed behavior; every figure here may be
// overridden per deployment and the engine adapts them per user.
type Weights struct {
	TierMix [3]float64 `json:"tier_mix"`
	Tier1   [4]float64 `json:"tier1"` // classifier, forest, regressor, trend
	Tier2   [3]float64 `json:"tier2"` // sequence, gaussian process, bayesian
	Tier3   [2]float64 `json:"tier3"` // historical average, calendar method
}

// Ensemble holds aggregation and reweighting settings
type Ensemble struct {
	EWMADecay          float64 `json:"ewma_decay"`
	RenormEvery        int     `json:"renorm_every"`
	RenormTemperature  float64 `json:"renorm_temperature"`
	WeightStepCap      float64 `json:"weight_step_cap"`
	WeightFloor        float64 `json:"weight_floor"`
	WeightCeiling      float64 `json:"weight_ceiling"`
	DegradationPenalty float64 `json:"degradation_penalty"`
	Defaults           Weights `json:"defaults"`
}

// Engine holds request-path settings
type Engine struct {
	MinCycles          int     `json:"min_cycles"`
	LOCFHorizonDays    int     `json:"locf_horizon_days"`
	ModelTimeoutMS     int     `json:"model_timeout_ms"`
	RequestDeadlineMS  int     `json:"request_deadline_ms"`
	CacheTTLHours      int     `json:"cache_ttl_hours"`
	InsufficientCap    float64 `json:"insufficient_confidence_cap"`
	CriticalWindows    int     `json:"critical_windows"`
	ArtifactPath       string  `json:"artifact_path"`
	FeedbackMatchDays  int     `json:"feedback_match_days"`
}

// MQTT holds publisher settings for the notification collaborator
type MQTT struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
}

// Config represents the full cyclecore configuration
type Config struct {
	LogLevel    string   `json:"log_level"`
	DBPath      string   `json:"db_path"`
	MetricsPort int      `json:"metrics_port"`
	Engine      Engine   `json:"engine"`
	Ensemble    Ensemble `json:"ensemble"`
	MQTT        MQTT     `json:"mqtt"`
}

// DefaultWeights returns the shipped tier layout
func DefaultWeights() Weights {
	return Weights{
		TierMix: [3]float64{0.50, 0.30, 0.20},
		Tier1:   [4]float64{0.30, 0.25, 0.30, 0.15},
		Tier2:   [3]float64{0.40, 0.35, 0.25},
		Tier3:   [2]float64{0.60, 0.40},
	}
}

// Default returns a fully-populated default configuration
func Default() *Config {
	return &Config{
		LogLevel:    DefaultLogLevel,
		DBPath:      DefaultDBPath,
		MetricsPort: DefaultMetricsPort,
		Engine: Engine{
			MinCycles:         DefaultMinCycles,
			LOCFHorizonDays:   DefaultLOCFHorizonDays,
			ModelTimeoutMS:    DefaultModelTimeoutMS,
			RequestDeadlineMS: DefaultRequestDeadlineMS,
			CacheTTLHours:     DefaultCacheTTLHours,
			InsufficientCap:   DefaultInsufficientCap,
			CriticalWindows:   DefaultCriticalWindows,
			FeedbackMatchDays: 14,
		},
		Ensemble: Ensemble{
			EWMADecay:          DefaultEWMADecay,
			RenormEvery:        DefaultRenormEvery,
			RenormTemperature:  DefaultRenormTemperature,
			WeightStepCap:      DefaultWeightStepCap,
			WeightFloor:        DefaultWeightFloor,
			WeightCeiling:      DefaultWeightCeiling,
			DegradationPenalty: DefaultDegradationPenalty,
			Defaults:           DefaultWeights(),
		},
		MQTT: MQTT{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "cycled",
			TopicPrefix: "cyclecore",
			QoS:         1,
		},
	}
}

// Load reads a JSON config file over the defaults. A missing file is not
// an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the engine depends on
func (c *Config) Validate() error {
	if c.Engine.MinCycles < 1 {
		return fmt.Errorf("engine.min_cycles must be >= 1, got %d", c.Engine.MinCycles)
	}
	if c.Engine.ModelTimeoutMS <= 0 {
		return fmt.Errorf("engine.model_timeout_ms must be positive, got %d", c.Engine.ModelTimeoutMS)
	}
	if c.Engine.RequestDeadlineMS < c.Engine.ModelTimeoutMS {
		return fmt.Errorf("engine.request_deadline_ms %d must cover model_timeout_ms %d",
			c.Engine.RequestDeadlineMS, c.Engine.ModelTimeoutMS)
	}
	if c.Ensemble.EWMADecay <= 0 || c.Ensemble.EWMADecay > 1 {
		return fmt.Errorf("ensemble.ewma_decay must be in (0,1], got %v", c.Ensemble.EWMADecay)
	}
	if c.Ensemble.WeightFloor < 0 || c.Ensemble.WeightCeiling <= c.Ensemble.WeightFloor {
		return fmt.Errorf("ensemble weight floor/ceiling invalid: %v/%v",
			c.Ensemble.WeightFloor, c.Ensemble.WeightCeiling)
	}
	if c.Ensemble.DegradationPenalty <= 0 || c.Ensemble.DegradationPenalty > 1 {
		return fmt.Errorf("ensemble.degradation_penalty must be in (0,1], got %v",
			c.Ensemble.DegradationPenalty)
	}
	if err := validateGroup("tier_mix", c.Ensemble.Defaults.TierMix[:]); err != nil {
		return err
	}
	if err := validateGroup("tier1", c.Ensemble.Defaults.Tier1[:]); err != nil {
		return err
	}
	if err := validateGroup("tier2", c.Ensemble.Defaults.Tier2[:]); err != nil {
		return err
	}
	if err := validateGroup("tier3", c.Ensemble.Defaults.Tier3[:]); err != nil {
		return err
	}
	return nil
}

func validateGroup(name string, ws []float64) error {
	sum := 0.0
	for _, w := range ws {
		if w < 0 {
			return fmt.Errorf("ensemble.%s has negative weight %v", name, w)
		}
		sum += w
	}
	if sum < 1-1e-6 || sum > 1+1e-6 {
		return fmt.Errorf("ensemble.%s must sum to 1, got %v", name, sum)
	}
	return nil
}

// ModelTimeout returns the per-model fan-out timeout
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Engine.ModelTimeoutMS) * time.Millisecond
}

// RequestDeadline returns the overall prediction deadline
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.Engine.RequestDeadlineMS) * time.Millisecond
}

// CacheTTL returns the prediction cache lifetime
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Engine.CacheTTLHours) * time.Hour
}
