package lifecycled

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Verification policies for ambiguous transaction receipts.
const (
	VerificationLenient = "lenient"
	VerificationStrict  = "strict"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for lifecycled.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabaseDSN   string        `yaml:"database"`
	ChainsFile    string        `yaml:"chains_file"`
	Verification  string        `yaml:"verification"`
	AutoSwitch    bool          `yaml:"auto_switch"`
	Verify        VerifyConfig  `yaml:"verify"`
	Recon         ReconConfig   `yaml:"reconciliation"`
	Environment   string        `yaml:"environment"`
	LogFile       LogFileConfig `yaml:"log_file"`
}

// VerifyConfig tunes transaction confirmation polling.
type VerifyConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	Timeout       Duration `yaml:"timeout"`
	Confirmations uint64   `yaml:"confirmations"`
	RatePerSecond float64  `yaml:"rate_per_second"`
}

// ReconConfig tunes the reconciliation scheduler.
type ReconConfig struct {
	Grace     Duration `yaml:"grace"`
	ReportDir string   `yaml:"report_dir"`
}

// LogFileConfig enables the optional rotating file sink.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "/var/data/lifecycled.sqlite"
	}
	if cfg.Verification == "" {
		cfg.Verification = VerificationLenient
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Verify.PollInterval.Duration == 0 {
		cfg.Verify.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Verify.Timeout.Duration == 0 {
		cfg.Verify.Timeout.Duration = 90 * time.Second
	}
	if cfg.Verify.Confirmations == 0 {
		cfg.Verify.Confirmations = 1
	}
	if cfg.Verify.RatePerSecond <= 0 {
		cfg.Verify.RatePerSecond = 4
	}
	if cfg.Recon.Grace.Duration == 0 {
		cfg.Recon.Grace.Duration = 15 * time.Second
	}
}

func validate(cfg Config) error {
	switch strings.ToLower(cfg.Verification) {
	case VerificationLenient, VerificationStrict:
	default:
		return fmt.Errorf("verification must be %q or %q, got %q",
			VerificationLenient, VerificationStrict, cfg.Verification)
	}
	if strings.TrimSpace(cfg.ChainsFile) == "" {
		return fmt.Errorf("chains_file is required")
	}
	return nil
}

// StrictVerification reports whether ambiguous receipts must fail.
func (c Config) StrictVerification() bool {
	return strings.EqualFold(c.Verification, VerificationStrict)
}
