package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: hq.jwtSecret is read from
// FIELDLINK_HQ_JWTSECRET.
const EnvPrefix = "FIELDLINK"

// Backend names accepted by the "backend" key.
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendRelay     = "relay"
	BackendLocal     = "local"
)

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("backend", BackendRelay)
	viper.SetDefault("writeTimeout", "10s")
	viper.SetDefault("firestore.projectId", "")
	viper.SetDefault("firestore.credentialsFile", "")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "fieldlink:")
	viper.SetDefault("relay.url", "http://localhost:8085")

	viper.SetDefault("mirror.type", "file")
	viper.SetDefault("mirror.dir", "./fieldlink-data")

	viper.SetDefault("admin.password", "admin123")

	viper.SetDefault("scanner.device", "")
	viper.SetDefault("scanner.debounce", "2s")
	viper.SetDefault("scanner.timeout", "60s")

	viper.SetDefault("monitor.interval", "1s")
	viper.SetDefault("monitor.statusFile", "")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.url", "http://localhost:8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "fieldlink")
	viper.SetDefault("influx.backupPath", "")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "fieldlink")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("hq.listen", ":8085")
	viper.SetDefault("hq.jwtSecret", "")
	viper.SetDefault("hq.tokenTTL", "24h")
	viper.SetDefault("hq.rateLimit", 50.0)
	viper.SetDefault("hq.rateBurst", 100)
	viper.SetDefault("hq.db.host", "")
	viper.SetDefault("hq.db.port", "5432")
	viper.SetDefault("hq.db.username", "postgres")
	viper.SetDefault("hq.db.password", "postgres")
	viper.SetDefault("hq.db.database", "fieldhq")
	viper.SetDefault("hq.sqlitePath", "./fieldhq.db")
}

// Load sets defaults, then layers <name>.cfg.json from configDir, a .env
// file in configDir and FIELDLINK_* environment variables on top. Both
// files are optional.
func Load(configDir, name string) error {
	setDefaults()

	envFile := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error reading %s: %w", envFile, err)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(name + ".cfg.json")
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// BindFlags lets command-line flags named after config keys win over every
// other source.
func BindFlags(fs *pflag.FlagSet) error {
	return viper.BindPFlags(fs)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// AdminPassword gates the console's admin commands.
func AdminPassword() string {
	return viper.GetString("admin.password")
}

type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RelayConfig struct {
	URL string
}

// StorageConfig selects and configures the remote document store.
type StorageConfig struct {
	Backend      string
	WriteTimeout time.Duration
	Firestore    FirestoreConfig
	Redis        RedisConfig
	Relay        RelayConfig
}

func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:      strings.ToLower(viper.GetString("backend")),
		WriteTimeout: viper.GetDuration("writeTimeout"),
		Firestore: FirestoreConfig{
			ProjectID:       viper.GetString("firestore.projectId"),
			CredentialsFile: viper.GetString("firestore.credentialsFile"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Prefix:   viper.GetString("redis.prefix"),
		},
		Relay: RelayConfig{URL: viper.GetString("relay.url")},
	}
}

// MirrorConfig holds the local mirror settings; Type is "file" or "sqlite".
type MirrorConfig struct {
	Type string
	Dir  string
}

func GetMirrorConfig() MirrorConfig {
	return MirrorConfig{
		Type: strings.ToLower(viper.GetString("mirror.type")),
		Dir:  viper.GetString("mirror.dir"),
	}
}

// ScannerConfig names a code reader. An empty Device means codes are typed
// into the console.
type ScannerConfig struct {
	Device   string
	Debounce time.Duration
	Timeout  time.Duration
}

func GetScannerConfig() ScannerConfig {
	return ScannerConfig{
		Device:   viper.GetString("scanner.device"),
		Debounce: viper.GetDuration("scanner.debounce"),
		Timeout:  viper.GetDuration("scanner.timeout"),
	}
}

type InfluxConfig struct {
	Enabled    bool
	URL        string
	Token      string
	Org        string
	BackupPath string
}

func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		URL:        viper.GetString("influx.url"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

type GraylogConfig struct {
	Enabled bool
	Address string
}

func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// RelayServerConfig configures fieldhq.
type RelayServerConfig struct {
	Listen     string
	JWTSecret  string
	TokenTTL   time.Duration
	RateLimit  float64
	RateBurst  int
	DB         DBConfig
	SqlitePath string
}

func GetRelayServerConfig() RelayServerConfig {
	return RelayServerConfig{
		Listen:    viper.GetString("hq.listen"),
		JWTSecret: viper.GetString("hq.jwtSecret"),
		TokenTTL:  viper.GetDuration("hq.tokenTTL"),
		RateLimit: viper.GetFloat64("hq.rateLimit"),
		RateBurst: viper.GetInt("hq.rateBurst"),
		DB: DBConfig{
			Host:     viper.GetString("hq.db.host"),
			Port:     viper.GetString("hq.db.port"),
			Username: viper.GetString("hq.db.username"),
			Password: viper.GetString("hq.db.password"),
			Database: viper.GetString("hq.db.database"),
		},
		SqlitePath: viper.GetString("hq.sqlitePath"),
	}
}

// MonitorConfig drives the timer watch. StatusFile is optional.
type MonitorConfig struct {
	Interval   time.Duration
	StatusFile string
}

// GetMonitorConfig returns the monitor configuration.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}
