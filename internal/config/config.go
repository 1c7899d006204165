// Package config loads and validates the malipat configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable that points at a config file.
const EnvConfig = "MALIPAT_CONFIG"

// Source kinds
const (
	SourceSpool = "spool"
	SourceMbox  = "mbox"
)

// DefaultPaths are tried in order when neither --config nor $MALIPAT_CONFIG
// is set.
var DefaultPaths = []string{
	filepath.Join(".malipat", "config.yaml"),
	"/etc/malipat.yaml",
}

// Config is the complete malipat configuration.
type Config struct {
	Source   SourceConfig   `yaml:"source" toml:"source"`
	Target   TargetConfig   `yaml:"target" toml:"target"`
	Test     TestConfig     `yaml:"test" toml:"test"`
	Pipeline PipelineConfig `yaml:"pipeline" toml:"pipeline"`
	State    StateConfig    `yaml:"state" toml:"state"`
	Report   ReportConfig   `yaml:"report" toml:"report"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

// SourceConfig selects where patches are discovered.
type SourceConfig struct {
	Kind string `yaml:"kind" toml:"kind" validate:"required,oneof=spool mbox"`
	Path string `yaml:"path" toml:"path" validate:"required"`
}

// TargetConfig describes the tree patches are applied to.
type TargetConfig struct {
	Path         string `yaml:"path" toml:"path" validate:"required"`
	Mode         string `yaml:"mode" toml:"mode" validate:"oneof=worktree copy"`
	UpdateBase   bool   `yaml:"update_base" toml:"update_base"`
	WorkspaceDir string `yaml:"workspace_dir,omitempty" toml:"workspace_dir,omitempty"`
}

// TestConfig describes the test procedure run in each workspace.
type TestConfig struct {
	Command     []string `yaml:"command" toml:"command" validate:"required,min=1,dive,required"`
	Timeout     Duration `yaml:"timeout" toml:"timeout" validate:"gt=0"`
	OutputLimit int      `yaml:"output_limit" toml:"output_limit" validate:"gte=0"`
}

// PipelineConfig controls batch size and concurrency.
type PipelineConfig struct {
	Workers      int      `yaml:"workers" toml:"workers" validate:"min=1,max=256"`
	BatchSize    int      `yaml:"batch_size" toml:"batch_size" validate:"min=1"`
	MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts" validate:"gte=0"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval" validate:"gt=0"`
}

// StateConfig locates the state database and lock file.
type StateConfig struct {
	Dir string `yaml:"dir" toml:"dir" validate:"required"`
}

// ReportConfig selects reporters.
type ReportConfig struct {
	Console bool   `yaml:"console" toml:"console"`
	JSONL   string `yaml:"jsonl,omitempty" toml:"jsonl,omitempty"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
	Output string `yaml:"output,omitempty" toml:"output,omitempty"`
}

// Duration is a time.Duration written as "10m" in config files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Source: SourceConfig{Kind: SourceSpool},
		Target: TargetConfig{Mode: "worktree"},
		Test: TestConfig{
			Timeout:     Duration(10 * time.Minute),
			OutputLimit: 64 * 1024,
		},
		Pipeline: PipelineConfig{
			Workers:      2,
			BatchSize:    50,
			MaxAttempts:  3,
			PollInterval: Duration(5 * time.Minute),
		},
		State:  StateConfig{Dir: "state"},
		Report: ReportConfig{Console: true},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// DatabasePath returns the location of the state database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.State.Dir, "malipat.db")
}

// LockPath returns the location of the pipeline lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.State.Dir, "malipat.lock")
}

// WorkspaceDir returns where workspaces are provisioned.
func (c *Config) WorkspaceDir() string {
	if c.Target.WorkspaceDir != "" {
		return c.Target.WorkspaceDir
	}
	return filepath.Join(c.State.Dir, "workspaces")
}

// ResolvePath picks the config file to load.
// Resolution order: flag, $MALIPAT_CONFIG, then DefaultPaths.
func ResolvePath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no configuration found (tried %s); run `malipat init` or pass --config", strings.Join(DefaultPaths, ", "))
}

// LoadConfig reads the file at path over the defaults, applies a .env file
// from the working directory and MALIPAT_* overrides, and validates the
// result. Relative paths in the file are resolved against its directory;
// relative paths from the environment stay relative to the working
// directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))

	// Existing environment variables win over .env entries.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in the format its extension names.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	var buf bytes.Buffer
	switch format(path) {
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		enc.Close()
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
		} else {
			msgs[i] = fmt.Sprintf("%s: %s", field, fe.Tag())
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

func decode(path string, data []byte, cfg *Config) error {
	switch format(path) {
	case "toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// applyEnv overrides fields from MALIPAT_* variables.
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"MALIPAT_SOURCE_KIND":   &cfg.Source.Kind,
		"MALIPAT_SOURCE_PATH":   &cfg.Source.Path,
		"MALIPAT_TARGET_PATH":   &cfg.Target.Path,
		"MALIPAT_TARGET_MODE":   &cfg.Target.Mode,
		"MALIPAT_WORKSPACE_DIR": &cfg.Target.WorkspaceDir,
		"MALIPAT_STATE_DIR":     &cfg.State.Dir,
		"MALIPAT_REPORT_JSONL":  &cfg.Report.JSONL,
		"MALIPAT_LOG_LEVEL":     &cfg.Log.Level,
		"MALIPAT_LOG_FORMAT":    &cfg.Log.Format,
		"MALIPAT_LOG_OUTPUT":    &cfg.Log.Output,
	}
	for name, field := range str {
		if v, ok := os.LookupEnv(name); ok {
			*field = v
		}
	}

	ints := map[string]*int{
		"MALIPAT_WORKERS":      &cfg.Pipeline.Workers,
		"MALIPAT_BATCH_SIZE":   &cfg.Pipeline.BatchSize,
		"MALIPAT_MAX_ATTEMPTS": &cfg.Pipeline.MaxAttempts,
		"MALIPAT_OUTPUT_LIMIT": &cfg.Test.OutputLimit,
	}
	for name, field := range ints {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*field = n
		}
	}

	durations := map[string]*Duration{
		"MALIPAT_TEST_TIMEOUT":  &cfg.Test.Timeout,
		"MALIPAT_POLL_INTERVAL": &cfg.Pipeline.PollInterval,
	}
	for name, field := range durations {
		if v, ok := os.LookupEnv(name); ok {
			if err := field.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}

	if v, ok := os.LookupEnv("MALIPAT_UPDATE_BASE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid MALIPAT_UPDATE_BASE: %w", err)
		}
		cfg.Target.UpdateBase = b
	}
	if v, ok := os.LookupEnv("MALIPAT_TEST_COMMAND"); ok {
		cfg.Test.Command = strings.Fields(v)
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Source.Path, &c.Target.Path, &c.Target.WorkspaceDir, &c.State.Dir, &c.Report.JSONL} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	if c.Log.Output != "" && c.Log.Output != "stderr" && c.Log.Output != "stdout" && !filepath.IsAbs(c.Log.Output) {
		c.Log.Output = filepath.Join(base, c.Log.Output)
	}
}
