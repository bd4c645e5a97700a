package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fleetkit/handoff/pkg/artifact"
	"github.com/fleetkit/handoff/pkg/handoff"
	"github.com/fleetkit/handoff/pkg/platform"
	"github.com/fleetkit/handoff/pkg/security"
)

// Platform backends.
const (
	PlatformBridge   = "bridge"
	PlatformSimulate = "simulate"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`

	// Artifact
	ArtifactURL     string        `mapstructure:"artifact-url"`
	ExpectedDigest  string        `mapstructure:"expected-digest"`
	ConnectTimeout  time.Duration `mapstructure:"connect-timeout"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout"`
	MaxArtifactSize int64         `mapstructure:"max-artifact-size"`
	S3Region        string        `mapstructure:"s3-region"`

	// Agents
	BootstrapPackage string   `mapstructure:"bootstrap-package"`
	BootstrapAdmin   string   `mapstructure:"bootstrap-admin"`
	TargetPackage    string   `mapstructure:"target-package"`
	TargetAdmin      string   `mapstructure:"target-admin"`
	Capabilities     []string `mapstructure:"capabilities"`

	// Handoff timing
	PollInterval         time.Duration `mapstructure:"poll-interval"`
	PollMaxAttempts      int           `mapstructure:"poll-max-attempts"`
	InstallSignalTimeout time.Duration `mapstructure:"install-signal-timeout"`

	// Platform access
	Platform         string            `mapstructure:"platform"`
	BridgeURL        string            `mapstructure:"bridge-url"`
	ListenAddr       string            `mapstructure:"listen-addr"`
	CallbackURL      string            `mapstructure:"callback-url"`
	TransferMetadata map[string]string `mapstructure:"transfer-metadata"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	HoldOnFailure bool   `mapstructure:"hold-on-failure"`
	LogLevel      string `mapstructure:"log-level"`
	LogFormat     string `mapstructure:"log-format"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".handoff/sessions.db")
	viper.SetDefault("fsm-db-path", ".handoff/fsm")
	viper.SetDefault("work-dir", ".handoff/work")
	viper.SetDefault("connect-timeout", artifact.DefaultConnectTimeout)
	viper.SetDefault("read-timeout", artifact.DefaultReadTimeout)
	viper.SetDefault("max-artifact-size", 512*1024*1024)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("capabilities", platform.DefaultCapabilities)
	viper.SetDefault("poll-interval", 500*time.Millisecond)
	viper.SetDefault("poll-max-attempts", 20)
	viper.SetDefault("install-signal-timeout", 10*time.Minute)
	viper.SetDefault("platform", PlatformSimulate)
	viper.SetDefault("listen-addr", "127.0.0.1:8089")
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")

	// Environment variables (HANDOFF_ARTIFACT_URL, etc.)
	viper.SetEnvPrefix("HANDOFF")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("handoff")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.handoff")
	viper.AddConfigPath("/etc/handoff")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.ArtifactURL == "" {
		return fmt.Errorf("artifact-url cannot be empty")
	}
	if c.ExpectedDigest != "" {
		if _, err := security.DecodeDigest(c.ExpectedDigest); err != nil {
			return fmt.Errorf("expected-digest: %w", err)
		}
	}
	if _, err := c.component("bootstrap-admin", c.BootstrapAdmin, c.BootstrapPackage); err != nil {
		return err
	}
	if _, err := c.component("target-admin", c.TargetAdmin, c.TargetPackage); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("poll-max-attempts must be positive")
	}
	if c.InstallSignalTimeout < 0 {
		return fmt.Errorf("install-signal-timeout must be non-negative")
	}
	switch c.Platform {
	case PlatformSimulate:
	case PlatformBridge:
		if c.BridgeURL == "" {
			return fmt.Errorf("bridge-url is required with platform %q", PlatformBridge)
		}
	default:
		return fmt.Errorf("unknown platform %q, want %q or %q", c.Platform, PlatformBridge, PlatformSimulate)
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// component parses an admin component. A class given without a package,
// such as ".AdminReceiver", is resolved against pkg.
func (c *Config) component(key, value, pkg string) (platform.Component, error) {
	if value == "" {
		return platform.Component{}, fmt.Errorf("%s cannot be empty", key)
	}
	if !strings.Contains(value, "/") && pkg != "" {
		value = pkg + "/" + value
	}
	comp, err := platform.ParseComponent(value)
	if err != nil {
		return platform.Component{}, fmt.Errorf("%s: %w", key, err)
	}
	if pkg != "" && comp.Package != pkg {
		return platform.Component{}, fmt.Errorf("%s belongs to %q, not %q", key, comp.Package, pkg)
	}
	return comp, nil
}

// Settings converts the configuration into handoff machine settings. Call
// Validate first.
func (c *Config) Settings() (handoff.Settings, error) {
	bootstrap, err := c.component("bootstrap-admin", c.BootstrapAdmin, c.BootstrapPackage)
	if err != nil {
		return handoff.Settings{}, err
	}
	target, err := c.component("target-admin", c.TargetAdmin, c.TargetPackage)
	if err != nil {
		return handoff.Settings{}, err
	}

	return handoff.Settings{
		ArtifactURL:          c.ArtifactURL,
		ExpectedDigest:       c.ExpectedDigest,
		WorkDir:              c.WorkDir,
		BootstrapAdmin:       bootstrap,
		TargetAdmin:          target,
		Capabilities:         c.Capabilities,
		PollInterval:         c.PollInterval,
		PollMaxAttempts:      c.PollMaxAttempts,
		InstallSignalTimeout: c.InstallSignalTimeout,
		CallbackURL:          c.callbackURL(),
		TransferMetadata:     c.TransferMetadata,
		MaxRetries:           c.FSMMaxRetries,
	}, nil
}

// callbackURL defaults to the control API's signal endpoint.
func (c *Config) callbackURL() string {
	if c.CallbackURL != "" || c.ListenAddr == "" {
		return c.CallbackURL
	}
	return "http://" + c.ListenAddr + "/v1/install-signals"
}

// AcquirerOptions returns the artifact download options.
func (c *Config) AcquirerOptions() artifact.Options {
	return artifact.Options{
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		S3Region:       c.S3Region,
		Validator:      security.NewValidator(c.MaxArtifactSize),
	}
}

// Logger builds the process logger from log-level and log-format.
func (c *Config) Logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log-level %q", c.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch c.LogFormat {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return nil, fmt.Errorf("invalid log-format %q, want text or json", c.LogFormat)
}
