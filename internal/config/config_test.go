package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkit/handoff/pkg/platform"
	"github.com/fleetkit/handoff/pkg/security"
)

var testDigest = security.EncodeDigest(make([]byte, 32))

func loadIn(t *testing.T, dir string) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func validConfig() *Config {
	return &Config{
		SQLitePath:      "sessions.db",
		FSMDBPath:       "fsm",
		WorkDir:         "work",
		ArtifactURL:     "https://artifacts.example.com/agent.apk",
		ExpectedDigest:  testDigest,
		BootstrapAdmin:  "com.fleetkit.bootstrap/.OwnerReceiver",
		TargetAdmin:     "com.fleetkit.agent/.AdminReceiver",
		PollInterval:    time.Second,
		PollMaxAttempts: 5,
		Platform:        PlatformSimulate,
		ListenAddr:      "127.0.0.1:8089",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadIn(t, t.TempDir())

	assert.Equal(t, ".handoff/sessions.db", cfg.SQLitePath)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 20, cfg.PollMaxAttempts)
	assert.Equal(t, PlatformSimulate, cfg.Platform)
	assert.Equal(t, platform.DefaultCapabilities, cfg.Capabilities)
	assert.Equal(t, 3, cfg.FSMMaxRetries)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handoff.yaml"), []byte(`
artifact-url: https://artifacts.example.com/agent.apk
target-admin: com.fleetkit.agent/.AdminReceiver
poll-interval: 2s
transfer-metadata:
  enrollment_token: abc
`), 0o644))
	t.Setenv("HANDOFF_POLL_MAX_ATTEMPTS", "7")

	cfg := loadIn(t, dir)
	assert.Equal(t, "https://artifacts.example.com/agent.apk", cfg.ArtifactURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 7, cfg.PollMaxAttempts)
	assert.Equal(t, "abc", cfg.TransferMetadata["enrollment_token"])
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing artifact", func(c *Config) { c.ArtifactURL = "" }, "artifact-url"},
		{"bad digest", func(c *Config) { c.ExpectedDigest = "not-a-digest!" }, "expected-digest"},
		{"bad admin", func(c *Config) { c.TargetAdmin = "com.fleetkit.agent" }, "target-admin"},
		{"admin package mismatch", func(c *Config) { c.TargetPackage = "com.other" }, "target-admin"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll-interval"},
		{"zero poll attempts", func(c *Config) { c.PollMaxAttempts = 0 }, "poll-max-attempts"},
		{"bridge without url", func(c *Config) { c.Platform = PlatformBridge }, "bridge-url"},
		{"unknown platform", func(c *Config) { c.Platform = "adb" }, "unknown platform"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_EmptyDigestAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.ExpectedDigest = ""
	assert.NoError(t, cfg.Validate())
}

func TestSettings(t *testing.T) {
	cfg := validConfig()
	cfg.TargetPackage = "com.fleetkit.agent"
	cfg.TargetAdmin = ".AdminReceiver"

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, platform.Component{Package: "com.fleetkit.agent", Class: ".AdminReceiver"}, s.TargetAdmin)
	assert.Equal(t, "com.fleetkit.bootstrap", s.BootstrapAdmin.Package)
	assert.Equal(t, "http://127.0.0.1:8089/v1/install-signals", s.CallbackURL)

	cfg.CallbackURL = "http://10.0.0.2/cb"
	s, err = cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2/cb", s.CallbackURL)
}

func TestLogger(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel, cfg.LogFormat = "debug", "json"
	_, err := cfg.Logger()
	assert.NoError(t, err)

	cfg.LogFormat = "xml"
	_, err = cfg.Logger()
	assert.Error(t, err)

	cfg.LogFormat, cfg.LogLevel = "text", "loud"
	_, err = cfg.Logger()
	assert.Error(t, err)
}
