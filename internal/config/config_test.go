package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".cfg.json"), []byte(body), 0o644))
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, "fieldlink", `{
		"logLevel": "debug",
		"backend": "redis",
		"redis": { "addr": "10.0.0.1:6380", "db": 2 }
	}`)

	require.NoError(t, Load(dir, "fieldlink"))

	assert.Equal(t, "debug", GetString("logLevel"))
	sc := GetStorageConfig()
	assert.Equal(t, BackendRedis, sc.Backend)
	assert.Equal(t, "10.0.0.1:6380", sc.Redis.Addr)
	assert.Equal(t, 2, sc.Redis.DB)
	assert.Equal(t, "fieldlink:", sc.Redis.Prefix)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(t.TempDir(), "fieldlink"))

	assert.Equal(t, "info", GetString("logLevel"))
	assert.Equal(t, "./logs", GetString("logsDir"))
	assert.Equal(t, "admin123", AdminPassword())

	sc := GetStorageConfig()
	assert.Equal(t, BackendRelay, sc.Backend)
	assert.Equal(t, 10*time.Second, sc.WriteTimeout)
	assert.Equal(t, "http://localhost:8085", sc.Relay.URL)
	assert.Empty(t, sc.Firestore.ProjectID)

	assert.Equal(t, MirrorConfig{Type: "file", Dir: "./fieldlink-data"}, GetMirrorConfig())
	assert.Equal(t, ScannerConfig{Debounce: 2 * time.Second, Timeout: time.Minute}, GetScannerConfig())
	assert.Equal(t, MonitorConfig{Interval: time.Second}, GetMonitorConfig())
	assert.False(t, GetInfluxConfig().Enabled)
	assert.Equal(t, GraylogConfig{Enabled: false, Address: "localhost:12201"}, GetGraylogConfig())

	oc := GetOTelConfig()
	assert.False(t, oc.Enabled)
	assert.Equal(t, "fieldlink", oc.ServiceName)
	assert.Equal(t, 5*time.Second, oc.BatchTimeout)
	assert.True(t, oc.Insecure)
}

func TestLoad_MalformedFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, "fieldlink", `{ "logLevel": `)

	err := Load(dir, "fieldlink")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, "fieldhq", `{ "hq": { "listen": ":9000", "jwtSecret": "from-file" } }`)
	t.Setenv("FIELDLINK_HQ_JWTSECRET", "from-env")

	require.NoError(t, Load(dir, "fieldhq"))

	hq := GetRelayServerConfig()
	assert.Equal(t, ":9000", hq.Listen)
	assert.Equal(t, "from-env", hq.JWTSecret)
}

func TestLoad_DotEnv(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FIELDLINK_ADMIN_PASSWORD=s3cret\n"), 0o644))
	t.Setenv("FIELDLINK_ADMIN_PASSWORD", "") // registered for restore
	require.NoError(t, os.Unsetenv("FIELDLINK_ADMIN_PASSWORD"))

	require.NoError(t, Load(dir, "fieldlink"))
	assert.Equal(t, "s3cret", AdminPassword())
}

func TestBindFlags(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	writeConfig(t, dir, "fieldlink", `{ "backend": "firestore" }`)
	require.NoError(t, Load(dir, "fieldlink"))

	fs := pflag.NewFlagSet("fieldlink", pflag.ContinueOnError)
	fs.String("backend", "", "")
	fs.String("logLevel", "", "")
	require.NoError(t, fs.Parse([]string{"--backend=LOCAL"}))
	require.NoError(t, BindFlags(fs))

	assert.Equal(t, BackendLocal, GetStorageConfig().Backend)
	assert.Equal(t, "info", GetString("logLevel"), "unset flags keep the configured value")
}

func TestGetRelayServerConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(t.TempDir(), "fieldhq"))

	hq := GetRelayServerConfig()
	assert.Equal(t, ":8085", hq.Listen)
	assert.Equal(t, 24*time.Hour, hq.TokenTTL)
	assert.Equal(t, 50.0, hq.RateLimit)
	assert.Equal(t, 100, hq.RateBurst)
	assert.Empty(t, hq.DB.Host)
	assert.Equal(t, "fieldhq", hq.DB.Database)
	assert.Equal(t, "./fieldhq.db", hq.SqlitePath)
}

func TestGetters(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	viper.Set("testInt", 42)
	viper.Set("testBool", true)
	assert.Equal(t, "testValue", GetString("testKey"))
	assert.Equal(t, 42, GetInt("testInt"))
	assert.True(t, GetBool("testBool"))
}
