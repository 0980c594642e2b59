package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rosfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.Environment)
	assert.Equal(t, 60, cfg.Health.IntervalSeconds)
	assert.Equal(t, 500, cfg.Queue.SoftCap)
	assert.Equal(t, 24*time.Hour, cfg.Plans.Expiry())
	assert.Equal(t, 10*time.Minute, cfg.Approval.Lifetime())
	assert.False(t, cfg.Plans.AutoApprove)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: staging
data_dir: /tmp/rosfleet-test
health:
  interval_seconds: 120
  jitter_seconds: 15
queue:
  workers: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "/tmp/rosfleet-test", cfg.DataDir)
	assert.Equal(t, 120*time.Second, cfg.Health.Interval())
	assert.Equal(t, 8, cfg.Queue.Workers)
	// Untouched sections keep defaults
	assert.Equal(t, 300, cfg.Cache.TTLSeconds)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "environment: staging\n")
	t.Setenv("ROSFLEET_ENVIRONMENT", "prod")
	t.Setenv("ROSFLEET_QUEUE_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 2, cfg.Queue.Workers)
}

func TestSecretsComeFromEnvironmentOnly(t *testing.T) {
	// A YAML file cannot smuggle secrets in
	path := writeConfig(t, `
encryption_key: from-yaml
approval_secret: from-yaml
`)
	t.Setenv("ROSFLEET_ENCRYPTION_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.EncryptionKey)
	assert.Empty(t, cfg.ApprovalSecret)
}

func TestSecretsNeverSerialize(t *testing.T) {
	cfg := Default()
	cfg.EncryptionKey = "super-secret-key"
	cfg.ApprovalSecret = "super-secret-hmac"

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret")
}

func TestValidateRejectsBadEnvironment(t *testing.T) {
	t.Setenv("ROSFLEET_ENVIRONMENT", "qa")
	_, err := Load("")
	assert.ErrorContains(t, err, "invalid environment")
}

func TestValidateRejectsAutoApproveOutsideLab(t *testing.T) {
	path := writeConfig(t, `
environment: prod
plans:
  auto_approve: true
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "auto_approve")
}

func TestValidateRejectsJitterAboveInterval(t *testing.T) {
	path := writeConfig(t, `
health:
  interval_seconds: 10
  jitter_seconds: 10
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "jitter")
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
