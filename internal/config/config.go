package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/storelens/audit-orchestrator/internal/scoring"
)

// Config holds all application configuration
type Config struct {
	Backend      BackendConfig      `toml:"backend"`
	Realtime     RealtimeConfig     `toml:"realtime"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Scoring      ScoringConfig      `toml:"scoring"`
	Sim          SimConfig          `toml:"sim"`
}

// BackendConfig holds audit backend API settings
type BackendConfig struct {
	BaseURL  string `toml:"base_url"`
	RecordID string `toml:"record_id"`
}

// RealtimeConfig holds realtime store settings
type RealtimeConfig struct {
	URL string `toml:"url"`
}

// OrchestratorConfig holds batch sequencing settings
type OrchestratorConfig struct {
	SettleDelay  time.Duration `toml:"settle_delay"`
	PollInterval time.Duration `toml:"poll_interval"`
	AuditTimeout time.Duration `toml:"audit_timeout"`
	SchedulePath string        `toml:"schedule_path"`
}

// ScoringConfig holds campaign score weights and readiness cut-offs
type ScoringConfig struct {
	Weights    map[string]float64 `toml:"weights"`
	Thresholds ThresholdConfig    `toml:"thresholds"`
}

// ThresholdConfig holds the readiness boundaries
type ThresholdConfig struct {
	Ready   float64 `toml:"ready"`
	Partial float64 `toml:"partial"`
}

// SimConfig holds the local simulator settings
type SimConfig struct {
	DatabasePath string `toml:"database_path"`
	Port         int    `toml:"port"`
	CatalogPath  string `toml:"catalog_path"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8090",
		},
		Realtime: RealtimeConfig{
			URL: "ws://127.0.0.1:8090/ws",
		},
		Orchestrator: OrchestratorConfig{
			SettleDelay:  2 * time.Second,
			PollInterval: 2 * time.Second,
			AuditTimeout: 3 * time.Minute,
			SchedulePath: filepath.Join(home, ".config", "audit-orchestrator", "schedule.toml"),
		},
		Scoring: ScoringConfig{
			Weights: map[string]float64{
				"tracking":    50,
				"ads":         30,
				"seo":         20,
				"performance": 20,
			},
			Thresholds: ThresholdConfig{
				Ready:   80,
				Partial: 50,
			},
		},
		Sim: SimConfig{
			DatabasePath: filepath.Join(home, ".audit-orchestrator", "sim.db"),
			Port:         8090,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.Orchestrator.SchedulePath = ExpandPath(cfg.Orchestrator.SchedulePath)
	cfg.Sim.DatabasePath = ExpandPath(cfg.Sim.DatabasePath)
	cfg.Sim.CatalogPath = ExpandPath(cfg.Sim.CatalogPath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "audit-orchestrator", "config.toml")
}

// ScoringWeights converts the configured weights into the scorer's type
func (c *Config) ScoringWeights() scoring.Weights {
	w := make(scoring.Weights, len(c.Scoring.Weights))
	for k, v := range c.Scoring.Weights {
		w[k] = v
	}
	return w
}

// ScoringThresholds converts the configured cut-offs into the scorer's type
func (c *Config) ScoringThresholds() scoring.Thresholds {
	return scoring.Thresholds{
		Ready:   c.Scoring.Thresholds.Ready,
		Partial: c.Scoring.Thresholds.Partial,
	}
}
