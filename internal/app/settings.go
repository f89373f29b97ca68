package app

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml.
// Field names match snake_case YAML keys.
type Settings struct {
	DBPath     string `yaml:"db_path"`
	KeyDir     string `yaml:"key_dir"`
	ArchiveDir string `yaml:"archive_dir"`

	AgentID string `yaml:"agent_id"`

	EntropyThreshold   float64 `yaml:"entropy_threshold"`
	CoherenceThreshold float64 `yaml:"coherence_threshold"`
	PonderLimit        int     `yaml:"ponder_limit"`

	WorkRoundDelayMs     int     `yaml:"work_round_delay_ms"`
	SolitudeRoundDelayMs int     `yaml:"solitude_round_delay_ms"`
	DreamRoundDelayMs    int     `yaml:"dream_round_delay_ms"`
	DreamDurationMin     int     `yaml:"dream_duration_min"`
	SpeedMultiplier      float64 `yaml:"speed_multiplier"`

	ConsolidationIntervalMin int `yaml:"consolidation_interval_min"`
	RawRetentionHours        int `yaml:"raw_retention_hours"`
	ArchiveOlderThanHours    int `yaml:"archive_older_than_hours"`

	VarianceThreshold float64 `yaml:"variance_threshold"`

	EmergencyKeyHex string `yaml:"emergency_key_hex"`

	LogLevel string `yaml:"log_level"`
}

// RuntimeSettings are the effective, validated values the runtime wires
// through its context. Invalid or missing config falls back to defaults.
type RuntimeSettings struct {
	AgentID string

	EntropyThreshold   float64
	CoherenceThreshold float64
	PonderLimit        int

	WorkRoundDelay     time.Duration
	SolitudeRoundDelay time.Duration
	DreamRoundDelay    time.Duration
	DreamDuration      time.Duration
	SpeedMultiplier    float64

	ConsolidationInterval time.Duration
	RawRetention          time.Duration
	ArchiveOlderThan      time.Duration

	VarianceThreshold float64
}

const (
	defaultEntropyThreshold   = 0.40
	defaultCoherenceThreshold = 0.60
	defaultPonderLimit        = 5

	defaultWorkRoundDelay     = 1 * time.Second
	defaultSolitudeRoundDelay = 30 * time.Second
	defaultDreamRoundDelay    = 5 * time.Second
	defaultDreamDuration      = 30 * time.Minute

	defaultConsolidationInterval = time.Hour
	defaultRawRetention          = 24 * time.Hour
	defaultArchiveOlderThan      = 24 * time.Hour

	defaultVarianceThreshold = 0.20
)

// EffectiveRuntimeSettings returns validated runtime values with defaults.
func EffectiveRuntimeSettings() RuntimeSettings {
	cfg := RuntimeSettings{
		AgentID:               "ciris",
		EntropyThreshold:      defaultEntropyThreshold,
		CoherenceThreshold:    defaultCoherenceThreshold,
		PonderLimit:           defaultPonderLimit,
		WorkRoundDelay:        defaultWorkRoundDelay,
		SolitudeRoundDelay:    defaultSolitudeRoundDelay,
		DreamRoundDelay:       defaultDreamRoundDelay,
		DreamDuration:         defaultDreamDuration,
		SpeedMultiplier:       1.0,
		ConsolidationInterval: defaultConsolidationInterval,
		RawRetention:          defaultRawRetention,
		ArchiveOlderThan:      defaultArchiveOlderThan,
		VarianceThreshold:     defaultVarianceThreshold,
	}

	s, err := LoadSettings()
	if err != nil {
		return cfg
	}

	if s.AgentID != "" {
		cfg.AgentID = s.AgentID
	}
	if s.EntropyThreshold > 0 && s.EntropyThreshold <= 1 {
		cfg.EntropyThreshold = s.EntropyThreshold
	}
	if s.CoherenceThreshold > 0 && s.CoherenceThreshold <= 1 {
		cfg.CoherenceThreshold = s.CoherenceThreshold
	}
	if s.PonderLimit > 0 {
		cfg.PonderLimit = s.PonderLimit
	}
	if s.WorkRoundDelayMs > 0 {
		cfg.WorkRoundDelay = time.Duration(s.WorkRoundDelayMs) * time.Millisecond
	}
	if s.SolitudeRoundDelayMs > 0 {
		cfg.SolitudeRoundDelay = time.Duration(s.SolitudeRoundDelayMs) * time.Millisecond
	}
	if s.DreamRoundDelayMs > 0 {
		cfg.DreamRoundDelay = time.Duration(s.DreamRoundDelayMs) * time.Millisecond
	}
	if s.DreamDurationMin > 0 {
		cfg.DreamDuration = time.Duration(s.DreamDurationMin) * time.Minute
	}
	if s.SpeedMultiplier >= 0.1 && s.SpeedMultiplier <= 10 {
		cfg.SpeedMultiplier = s.SpeedMultiplier
	}
	if s.ConsolidationIntervalMin > 0 {
		cfg.ConsolidationInterval = time.Duration(s.ConsolidationIntervalMin) * time.Minute
	}
	if s.RawRetentionHours > 0 {
		cfg.RawRetention = time.Duration(s.RawRetentionHours) * time.Hour
	}
	if s.ArchiveOlderThanHours > 0 {
		cfg.ArchiveOlderThan = time.Duration(s.ArchiveOlderThanHours) * time.Hour
	}
	if s.VarianceThreshold > 0 && s.VarianceThreshold < 1 {
		cfg.VarianceThreshold = s.VarianceThreshold
	}
	return cfg
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// dbPathOverrideMu and dbPathOverride implement a mutex-protected process-wide override for CLI --db-path.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex override are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	dbPathOverrideMu sync.RWMutex
	dbPathOverride   string
)

// SetDBPathOverride sets a process-wide database path override.
// Intended for CLI flag support (e.g. --db-path).
func SetDBPathOverride(path string) {
	dbPathOverrideMu.Lock()
	dbPathOverride = path
	dbPathOverrideMu.Unlock()
}

func getDBPathOverride() string {
	dbPathOverrideMu.RLock()
	v := dbPathOverride
	dbPathOverrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order.
// Lookup order (first found wins):
// 1) ~/.config/ciris/config.yaml
// 2) /etc/ciris/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
// Environment variables are handled separately.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Settings{}

		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}
		if s, err := loadSettingsFile(filepath.Join(dir, "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile(filepath.Join(string(os.PathSeparator), "etc", "ciris", "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile("config.yaml"); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
