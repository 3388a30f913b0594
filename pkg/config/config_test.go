package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 5*time.Second, cfg.WhatsApp.ReconnectDelay.Std())
	assert.Equal(t, time.Second, cfg.WhatsApp.PurgeGrace.Std())
	assert.Equal(t, 3, cfg.Webhooks.MaxRetries)
	assert.Equal(t, time.Second, cfg.Webhooks.BaseBackoff.Std())
	assert.Equal(t, 10*time.Second, cfg.Webhooks.Timeout.Std())
	assert.Equal(t, "/media/", cfg.Media.URLPrefix)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"webhooks": {"max_retries": 5, "timeout": "3s"},
		"dashboard": {"host": "0.0.0.0", "port": 9000}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	t.Setenv("WABRIDGE_DASHBOARD_PORT", "9100")
	t.Setenv("WABRIDGE_WHATSAPP_RECONNECT_DELAY", "2s")
	t.Setenv("WABRIDGE_DASHBOARD_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Webhooks.MaxRetries)
	assert.Equal(t, 3*time.Second, cfg.Webhooks.Timeout.Std())
	assert.Equal(t, "0.0.0.0", cfg.Dashboard.Host)
	assert.Equal(t, 9100, cfg.Dashboard.Port)
	assert.Equal(t, 2*time.Second, cfg.WhatsApp.ReconnectDelay.Std())
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Dashboard.AllowedOrigins)
	assert.Equal(t, "0.0.0.0:9100", cfg.DashboardAddr())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPostgresURLFromParts(t *testing.T) {
	t.Setenv("WABRIDGE_STORAGE_TYPE", "postgres")
	t.Setenv("POSTGRES_USER", "bridge")
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("POSTGRES_DB", "wa")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://bridge:pw@db:5432/wa", cfg.Storage.DatabaseURL)
}

func TestValidateUnsupportedStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "mongo"
	assert.Error(t, cfg.Validate())
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "*****", MaskSecret("abc"))
	assert.Equal(t, "*****", MaskSecret("1234567890"))
	assert.Equal(t, "*****9012", MaskSecret("123456789012"))

	cfg := DefaultConfig()
	cfg.Dashboard.Token = "supersecret-token"
	masked := SecretMaskMap(cfg)
	assert.Equal(t, "*****oken", masked["dashboard.token"])
	_, hasURL := masked["storage.database_url"]
	assert.False(t, hasURL)
}

func useTempTokenFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".dashboard-token")
	orig := fallbackTokenPath
	fallbackTokenPath = func() string { return path }
	t.Cleanup(func() { fallbackTokenPath = orig })
	return path
}

func TestEnsureDashboardTokenPersists(t *testing.T) {
	keyring.MockInit()
	useTempTokenFile(t)

	cfg := DefaultConfig()
	token, created, err := cfg.EnsureDashboardToken()
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, token)

	again := DefaultConfig()
	token2, created2, err := again.EnsureDashboardToken()
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, token, token2)
}

func TestEnsureDashboardTokenKeepsConfigured(t *testing.T) {
	keyring.MockInit()

	cfg := DefaultConfig()
	cfg.Dashboard.Token = "explicit"
	token, created, err := cfg.EnsureDashboardToken()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "explicit", token)
}

func TestEnsureDashboardTokenFallbackFile(t *testing.T) {
	keyring.MockInitWithError(keyring.ErrUnsupportedPlatform)
	t.Cleanup(keyring.MockInit)

	path := useTempTokenFile(t)

	cfg := DefaultConfig()
	token, created, err := cfg.EnsureDashboardToken()
	require.NoError(t, err)
	assert.True(t, created)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, token, string(data))

	again := DefaultConfig()
	token2, created2, err := again.EnsureDashboardToken()
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, token, token2)
}
