package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  dsn: postgres://localhost/iam
jwt:
  secret: `+validSecret+`
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/iam", cfg.Database.DSN)
	// Untouched sections keep their defaults.
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, int64(10), cfg.RateLimit.AuthPerMinute)
	assert.Equal(t, 10000, cfg.Audit.QueueDepth)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  dsn: postgres://localhost/iam
jwt:
  secret: `+validSecret+`
`)
	t.Setenv("AGENT_IAM__SERVER__PORT", "7070")
	t.Setenv("AGENT_IAM__REDIS__ADDR", "redis:6380")
	t.Setenv("AGENT_IAM__JWT__ACCESS_TTL", "5m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
}

func TestJWTSecretEnvName(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/iam
`)
	secret := "env-sourced-secret-0123456789abcdef0"
	t.Setenv("AGENT_IAM__AUTH__JWT_SECRET", secret)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, secret, cfg.JWT.Secret)
}

func TestEnvironmentOverlayFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "default.yaml")
	require.NoError(t, os.WriteFile(base, []byte(`
server:
  port: 9090
database:
  dsn: postgres://localhost/iam
jwt:
  secret: `+validSecret+`
logging:
  level: info
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "staging.yaml"), []byte(`
server:
  port: 9191
logging:
  level: debug
`), 0o600))
	t.Setenv("AGENT_IAM__ENV", "staging")

	cfg, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Keys the overlay does not touch come from the base file.
	assert.Equal(t, "postgres://localhost/iam", cfg.Database.DSN)
}

func TestEnvironmentOverlayMissingFileIsSkipped(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/iam
jwt:
  secret: `+validSecret+`
`)
	t.Setenv("AGENT_IAM__ENV", "absent-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateRejectsShortSecret(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/iam
jwt:
  secret: tooshort
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestValidateRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
jwt:
  secret: ` + validSecret)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
