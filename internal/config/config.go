package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// ConfigFileName is the JSON file Load looks for in the config directory.
const ConfigFileName = "localizer.cfg.json"

// SQLiteConfig holds settings for the SQLite presence store
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	PollInterval time.Duration `json:"pollInterval" mapstructure:"pollInterval" validate:"gt=0"`
}

// SQLServerConfig holds connection settings for a Postgres or MySQL presence store
type SQLServerConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         string        `json:"port" mapstructure:"port"`
	Username     string        `json:"username" mapstructure:"username"`
	Password     string        `json:"password" mapstructure:"password"`
	Database     string        `json:"database" mapstructure:"database"`
	PollInterval time.Duration `json:"pollInterval" mapstructure:"pollInterval" validate:"gt=0"`
}

// WebSocketConfig points the client at a presence hub. Subject names the
// client in its dial token and is taken from user.id.
type WebSocketConfig struct {
	URL     string `json:"url" mapstructure:"url" validate:"omitempty,url"`
	Secret  string `json:"secret" mapstructure:"secret"`
	Subject string `json:"-" mapstructure:"-"`
}

// RedisConfig holds connection settings for the Redis presence store
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr" validate:"required"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db" validate:"gte=0"`
	PoolSize int    `json:"poolSize" mapstructure:"poolSize" validate:"gte=0"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

// NotifyConfig enables revision announcements between SQL store processes.
// An empty NATSURL disables them.
type NotifyConfig struct {
	NATSURL string `json:"natsUrl" mapstructure:"natsUrl" validate:"omitempty,url"`
	Subject string `json:"subject" mapstructure:"subject"`
}

// MemoryConfig controls the snapshot file of the in-memory store
type MemoryConfig struct {
	SnapshotPath string `json:"snapshotPath" mapstructure:"snapshotPath"`
	Compress     bool   `json:"compress" mapstructure:"compress"`
}

// StoreConfig selects and configures the presence store backend
type StoreConfig struct {
	Type      string          `json:"type" mapstructure:"type" validate:"oneof=memory sqlite postgres mysql redis websocket"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	SQLite    SQLiteConfig    `json:"sqlite" mapstructure:"sqlite"`
	Postgres  SQLServerConfig `json:"postgres" mapstructure:"postgres"`
	MySQL     SQLServerConfig `json:"mysql" mapstructure:"mysql"`
	Redis     RedisConfig     `json:"redis" mapstructure:"redis"`
	Notify    NotifyConfig    `json:"notify" mapstructure:"notify"`
	WebSocket WebSocketConfig `json:"websocket" mapstructure:"websocket"`
}

// SamplerConfig controls position sampling
type SamplerConfig struct {
	Provider   string        `json:"provider" mapstructure:"provider" validate:"oneof=static randomwalk replay"`
	Interval   time.Duration `json:"interval" mapstructure:"interval" validate:"gt=0"`
	ReplayFile string        `json:"replayFile" mapstructure:"replayFile" validate:"required_if=Provider replay"`
}

// BlobConfig selects where avatar images live
type BlobConfig struct {
	Type   string `json:"type" mapstructure:"type" validate:"oneof=fs http"`
	Dir    string `json:"dir" mapstructure:"dir" validate:"required_if=Type fs"`
	URL    string `json:"url" mapstructure:"url" validate:"required_if=Type http"`
	APIKey string `json:"apiKey" mapstructure:"apiKey"`
}

// IconConfig sets the marker icon size and fetch concurrency
type IconConfig struct {
	Width   int `json:"width" mapstructure:"width" validate:"gt=0,lte=1024"`
	Height  int `json:"height" mapstructure:"height" validate:"gt=0,lte=1024"`
	Workers int `json:"workers" mapstructure:"workers" validate:"gt=0"`
}

// SessionConfig holds the local user and camera defaults
type SessionConfig struct {
	UserID            string
	UserName          string
	UserPhone         string
	TrackingEnabled   bool
	PermissionGranted bool
	CameraZoom        float64 `validate:"gt=0,lte=22"`
	DefaultLat        float64 `validate:"gte=-90,lte=90"`
	DefaultLong       float64 `validate:"gte=-180,lte=180"`
	PublisherQueue    int     `validate:"gt=0"`
	GeoJSONPath       string
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled        bool
	ServiceName    string
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Endpoint       string
	Insecure       bool
}

// InfluxConfig holds settings for the position history sink
type InfluxConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Protocol string `validate:"oneof=http https"`
	Token    string
	Org      string `validate:"required_if=Enabled true"`
	Bucket   string `validate:"required_if=Enabled true"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("user.id", "")
	viper.SetDefault("user.name", "")
	viper.SetDefault("user.phone", "")
	viper.SetDefault("tracking.enabled", true)
	viper.SetDefault("permission.granted", true)

	viper.SetDefault("sampler.provider", "randomwalk")
	viper.SetDefault("sampler.interval", "10s")
	viper.SetDefault("sampler.replayFile", "")

	// Bogota, where new users are placed until their first fix
	viper.SetDefault("session.cameraZoom", 17)
	viper.SetDefault("session.defaultLat", 4.7110)
	viper.SetDefault("session.defaultLong", -74.0721)

	viper.SetDefault("store.type", "memory")
	viper.SetDefault("store.memory.snapshotPath", "")
	viper.SetDefault("store.memory.compress", true)
	viper.SetDefault("store.sqlite.path", "")
	viper.SetDefault("store.sqlite.pollInterval", "2s")
	viper.SetDefault("store.postgres.host", "localhost")
	viper.SetDefault("store.postgres.port", "5432")
	viper.SetDefault("store.postgres.username", "postgres")
	viper.SetDefault("store.postgres.password", "postgres")
	viper.SetDefault("store.postgres.database", "localizer")
	viper.SetDefault("store.postgres.pollInterval", "2s")
	viper.SetDefault("store.mysql.host", "localhost")
	viper.SetDefault("store.mysql.port", "3306")
	viper.SetDefault("store.mysql.username", "root")
	viper.SetDefault("store.mysql.password", "")
	viper.SetDefault("store.mysql.database", "localizer")
	viper.SetDefault("store.mysql.pollInterval", "2s")
	viper.SetDefault("store.redis.addr", "localhost:6379")
	viper.SetDefault("store.redis.password", "")
	viper.SetDefault("store.redis.db", 0)
	viper.SetDefault("store.redis.poolSize", 10)
	viper.SetDefault("store.redis.prefix", "localizer:")
	viper.SetDefault("store.notify.natsUrl", "")
	viper.SetDefault("store.notify.subject", "localizer.users.changed")
	viper.SetDefault("store.websocket.url", "ws://localhost:8090/presence")
	viper.SetDefault("store.websocket.secret", "")

	viper.SetDefault("blob.type", "fs")
	viper.SetDefault("blob.dir", "./blobs")
	viper.SetDefault("blob.url", "http://localhost:8090/blobs")
	viper.SetDefault("blob.apiKey", "")

	viper.SetDefault("icon.width", 64)
	viper.SetDefault("icon.height", 64)
	viper.SetDefault("icon.workers", 4)

	viper.SetDefault("publisher.queueSize", 16)
	viper.SetDefault("surface.geojsonPath", "./markers.geojson")

	viper.SetDefault("hub.listen", ":8090")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "localizer")
	viper.SetDefault("influx.bucket", "presence")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "localizer")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "30s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
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

func sqlServer(prefix string) SQLServerConfig {
	return SQLServerConfig{
		Host:         viper.GetString(prefix + ".host"),
		Port:         viper.GetString(prefix + ".port"),
		Username:     viper.GetString(prefix + ".username"),
		Password:     viper.GetString(prefix + ".password"),
		Database:     viper.GetString(prefix + ".database"),
		PollInterval: viper.GetDuration(prefix + ".pollInterval"),
	}
}

// GetStoreConfig returns the presence store settings.
func GetStoreConfig() StoreConfig {
	return StoreConfig{
		Type: viper.GetString("store.type"),
		Memory: MemoryConfig{
			SnapshotPath: viper.GetString("store.memory.snapshotPath"),
			Compress:     viper.GetBool("store.memory.compress"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("store.sqlite.path"),
			PollInterval: viper.GetDuration("store.sqlite.pollInterval"),
		},
		Postgres: sqlServer("store.postgres"),
		MySQL:    sqlServer("store.mysql"),
		Redis: RedisConfig{
			Addr:     viper.GetString("store.redis.addr"),
			Password: viper.GetString("store.redis.password"),
			DB:       viper.GetInt("store.redis.db"),
			PoolSize: viper.GetInt("store.redis.poolSize"),
			Prefix:   viper.GetString("store.redis.prefix"),
		},
		Notify: NotifyConfig{
			NATSURL: viper.GetString("store.notify.natsUrl"),
			Subject: viper.GetString("store.notify.subject"),
		},
		WebSocket: WebSocketConfig{
			URL:     viper.GetString("store.websocket.url"),
			Secret:  viper.GetString("store.websocket.secret"),
			Subject: viper.GetString("user.id"),
		},
	}
}

// GetSamplerConfig returns the position sampler settings.
func GetSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Provider:   viper.GetString("sampler.provider"),
		Interval:   viper.GetDuration("sampler.interval"),
		ReplayFile: viper.GetString("sampler.replayFile"),
	}
}

// GetBlobConfig returns the avatar blob store settings.
func GetBlobConfig() BlobConfig {
	return BlobConfig{
		Type:   viper.GetString("blob.type"),
		Dir:    viper.GetString("blob.dir"),
		URL:    viper.GetString("blob.url"),
		APIKey: viper.GetString("blob.apiKey"),
	}
}

// GetIconConfig returns the icon resolver settings.
func GetIconConfig() IconConfig {
	return IconConfig{
		Width:   viper.GetInt("icon.width"),
		Height:  viper.GetInt("icon.height"),
		Workers: viper.GetInt("icon.workers"),
	}
}

// GetSessionConfig returns the local user, tracking and camera settings.
func GetSessionConfig() SessionConfig {
	return SessionConfig{
		UserID:            viper.GetString("user.id"),
		UserName:          viper.GetString("user.name"),
		UserPhone:         viper.GetString("user.phone"),
		TrackingEnabled:   viper.GetBool("tracking.enabled"),
		PermissionGranted: viper.GetBool("permission.granted"),
		CameraZoom:        viper.GetFloat64("session.cameraZoom"),
		DefaultLat:        viper.GetFloat64("session.defaultLat"),
		DefaultLong:       viper.GetFloat64("session.defaultLong"),
		PublisherQueue:    viper.GetInt("publisher.queueSize"),
		GeoJSONPath:       viper.GetString("surface.geojsonPath"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		BatchTimeout:   viper.GetDuration("otel.batchTimeout"),
		MetricInterval: viper.GetDuration("otel.metricInterval"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// Validate checks every typed config section against its constraints.
func Validate() error {
	sections := []struct {
		name string
		cfg  any
	}{
		{"store", GetStoreConfig()},
		{"sampler", GetSamplerConfig()},
		{"blob", GetBlobConfig()},
		{"icon", GetIconConfig()},
		{"session", GetSessionConfig()},
		{"influx", GetInfluxConfig()},
	}
	for _, s := range sections {
		if err := validate.Struct(s.cfg); err != nil {
			return fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}
	return nil
}
