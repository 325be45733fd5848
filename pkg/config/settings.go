package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

// EnvPrefix prefixes every environment override, e.g. N8N_ANALYTICS_DATABASE_DSN.
const EnvPrefix = "N8N_ANALYTICS"

// LogLevelEnv overrides logging.level for a single run.
const LogLevelEnv = "LOG_LEVEL"

// Settings is the process configuration read at startup. Runtime tunables
// live in the config Store instead.
type Settings struct {
	DataDir       string                  `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	Database      DatabaseSettings        `mapstructure:"database" yaml:"database"`
	MasterKey     string                  `mapstructure:"master_key" yaml:"-"`
	MasterKeyFile string                  `mapstructure:"master_key_file" yaml:"master_key_file"`
	Environment   string                  `mapstructure:"environment" yaml:"environment" validate:"required"`
	Logging       telemetry.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics       telemetry.MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing       telemetry.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// DatabaseSettings selects and sizes the relational store.
type DatabaseSettings struct {
	DSN          string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
}

// DefaultDataDir returns ~/.n8n-analytics, or a relative directory when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".n8n-analytics"
	}
	return filepath.Join(home, ".n8n-analytics")
}

func setDefaults(v *viper.Viper) {
	tel := telemetry.DefaultConfig()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("master_key", "")
	v.SetDefault("master_key_file", "")
	v.SetDefault("environment", tel.Environment)

	v.SetDefault("logging.level", tel.Logging.Level)
	v.SetDefault("logging.format", tel.Logging.Format)
	v.SetDefault("logging.output", tel.Logging.Output)
	v.SetDefault("logging.enable_caller", false)

	v.SetDefault("metrics.enabled", tel.Metrics.Enabled)
	v.SetDefault("metrics.listen_address", tel.Metrics.ListenAddress)
	v.SetDefault("metrics.path", tel.Metrics.Path)
	v.SetDefault("metrics.namespace", tel.Metrics.Namespace)

	v.SetDefault("tracing.enabled", tel.Tracing.Enabled)
	v.SetDefault("tracing.exporter", tel.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampling_rate", tel.Tracing.SamplingRate)
	v.SetDefault("tracing.export_timeout", tel.Tracing.ExportTimeout)
	v.SetDefault("tracing.insecure", tel.Tracing.Insecure)
}

// Load reads process settings. Sources, lowest precedence first: built-in
// defaults, the YAML file at path (if it exists), a .env file, and
// N8N_ANALYTICS_* environment variables.
func Load(path string) (*Settings, error) {
	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.applyDerived()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// loadDotEnv loads .env from the working directory and next to the config
// file. Variables already set in the environment win.
func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func (s *Settings) applyDerived() {
	if s.Database.DSN == "" {
		s.Database.DSN = filepath.Join(s.DataDir, "analytics.db")
	}
	if s.MasterKeyFile == "" {
		s.MasterKeyFile = filepath.Join(s.DataDir, "master.key")
	}
}

// Validate checks struct tags and the telemetry sections.
func (s *Settings) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Key: verrs[0].Namespace(), Reason: verrs[0].Tag()}
		}
		return err
	}
	if err := s.Telemetry("").Validate(); err != nil {
		return &ValidationError{Key: "telemetry", Reason: err.Error()}
	}
	return nil
}

// Telemetry builds the telemetry configuration for this process.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Environment = s.Environment
	cfg.Logging = s.Logging
	cfg.Logging.Level = s.LogLevel()
	cfg.Metrics = s.Metrics
	cfg.Tracing = s.Tracing
	return cfg
}

// LogLevel returns LOG_LEVEL when it names a valid level and logging.level
// otherwise.
func (s *Settings) LogLevel() string {
	if level := strings.ToLower(os.Getenv(LogLevelEnv)); telemetry.ValidLevel(level) {
		return level
	}
	return s.Logging.Level
}

// ResolveMasterKey returns the vault master key from N8N_ANALYTICS_MASTER_KEY
// or, failing that, from MasterKeyFile.
func (s *Settings) ResolveMasterKey() (string, error) {
	if key := strings.TrimSpace(s.MasterKey); key != "" {
		return key, nil
	}
	if s.MasterKeyFile == "" {
		return "", vault.ErrMissingMasterKey
	}

	data, err := os.ReadFile(s.MasterKeyFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist, run init or set %s_MASTER_KEY",
			vault.ErrMissingMasterKey, s.MasterKeyFile, EnvPrefix)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read master key file: %w", err)
	}

	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("%w: %s is empty", vault.ErrMissingMasterKey, s.MasterKeyFile)
	}
	return key, nil
}

// WriteFile saves the settings as YAML. The master key itself is never written.
func (s *Settings) WriteFile(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
