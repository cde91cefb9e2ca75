package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, /metrics is registered.
	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("COLLAB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("COLLAB_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("COLLAB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COLLAB_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COLLAB_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COLLAB_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COLLAB_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COLLAB_DATABASE_URL", ""),
		DBSchema:    EnvString("COLLAB_DB_SCHEMA", "collab"),
		DBMaxConns:  EnvInt32("COLLAB_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COLLAB_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("COLLAB_READINESS_REQUIRE_DB", false),

		MetricsEnabled: EnvBool("COLLAB_METRICS_ENABLED", true),
	}
}
