package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
CCS:
  SenderID: "123456"
  APIKey: "secret"
`

func TestParse_AppliesDefaults(t *testing.T) {
	config, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultCCSEndpoint, config.CCS.Endpoint)
	assert.Equal(t, DefaultConnectAttempts, config.CCS.ConnectAttempts)
	assert.Equal(t, DefaultDrainAttempts, config.CCS.DrainAttempts)
	assert.Equal(t, DefaultHealthInterval, config.CCS.HealthInterval)
	assert.Equal(t, 2*time.Second, config.Delivery.BackoffUnit)
	assert.Equal(t, DefaultMaxRetries, config.Delivery.MaxRetries)
	assert.Equal(t, DefaultDirectoryEndpoint, config.Directory.Endpoint)
	assert.Equal(t, uint32(DefaultBreakerMaxFailures), config.Directory.BreakerMaxFailures)
	assert.Equal(t, DefaultIntakeTopic+DefaultDLQTopicSuffix, config.NSQ.DLQTopic)
	assert.Equal(t, DefaultHTTPAddress, config.App.Addr)
	assert.Equal(t, DefaultLogLevel, config.Log.Level)
	assert.Equal(t, DefaultStatusTTL, config.Storage.StatusTTL)
	assert.Equal(t, "123456@gcm.googleapis.com", config.CCS.LoginUser())
}

func TestParse_DevEndpoint(t *testing.T) {
	config, err := Parse([]byte(minimalYAML + "  Dev: true\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultCCSDevEndpoint, config.CCS.Endpoint)
}

func TestParse_MissingCredentials(t *testing.T) {
	t.Setenv(EnvSenderID, "")
	t.Setenv(EnvAPIKey, "")

	_, err := Parse([]byte("App:\n  Addr: \":9000\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SenderID")
}

func TestParse_EnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvRedisAddr, "redis:6379")

	config, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.CCS.APIKey)
	assert.Equal(t, "redis:6379", config.Storage.RedisAddr)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML+"Delivery:\n  BackoffUnit: 3s\n"), 0o600))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, config.Delivery.BackoffUnit)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CCS: [oops"), 0o600))

	assert.Panics(t, func() { MustLoad(path) })
}
