package settings

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use values like "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config holds the engine's tunable limits. Every field has a documented
// default; a missing or partial config file degrades to defaults.
type Config struct {
	// SelectionTimeout bounds the phase-1 model call. On expiry the engine
	// falls back to the default selection descriptor.
	SelectionTimeout Duration `yaml:"selection_timeout"`
	// AnalysisTimeout bounds one full phase-2 turn.
	AnalysisTimeout Duration `yaml:"analysis_timeout"`
	// SandboxTimeout bounds one code execution inside the sandbox.
	SandboxTimeout Duration `yaml:"sandbox_timeout"`
	// CompactionMaxCells is the non-empty-cell count above which grid
	// rendering switches to a representative sample.
	CompactionMaxCells int `yaml:"compaction_max_cells"`
	// DocumentMaxBytes caps the decoded size of an attached document.
	DocumentMaxBytes int64 `yaml:"document_max_bytes"`
	// HistoryWindow is the trailing number of prior turns sent to the model.
	HistoryWindow int `yaml:"history_window"`
	// DefaultSelectionRange is the bounded window used when selection falls
	// back.
	DefaultSelectionRange string `yaml:"default_selection_range"`
}

func Default() Config {
	return Config{
		SelectionTimeout:      Duration{15 * time.Second},
		AnalysisTimeout:       Duration{30 * time.Second},
		SandboxTimeout:        Duration{5 * time.Second},
		CompactionMaxCells:    500,
		DocumentMaxBytes:      10 * 1024 * 1024,
		HistoryWindow:         10,
		DefaultSelectionRange: "A1:J50",
	}
}

// Store loads the YAML config once and serves it to callers.
type Store struct {
	path string
	mu   sync.Mutex
	cfg  *Config
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil {
		return *s.cfg, nil
	}
	cfg, err := load(s.path)
	if err != nil {
		return Default(), err
	}
	s.cfg = &cfg
	return cfg, nil
}

func load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), err
	}
	backfill(&cfg)
	return cfg, nil
}

func backfill(cfg *Config) {
	def := Default()
	if cfg.SelectionTimeout.Duration <= 0 {
		cfg.SelectionTimeout = def.SelectionTimeout
	}
	if cfg.AnalysisTimeout.Duration <= 0 {
		cfg.AnalysisTimeout = def.AnalysisTimeout
	}
	if cfg.SandboxTimeout.Duration <= 0 {
		cfg.SandboxTimeout = def.SandboxTimeout
	}
	if cfg.CompactionMaxCells <= 0 {
		cfg.CompactionMaxCells = def.CompactionMaxCells
	}
	if cfg.DocumentMaxBytes <= 0 {
		cfg.DocumentMaxBytes = def.DocumentMaxBytes
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.DefaultSelectionRange == "" {
		cfg.DefaultSelectionRange = def.DefaultSelectionRange
	}
}
