package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultStoreDriver     = "redis"
	defaultRedisURL        = "redis://localhost:6379"
	defaultSQLitePath      = "toolforge.db"
	defaultNATSURL         = "nats://localhost:4222"
	defaultExecutorSubject = "toolforge.exec"
	defaultHTTPAddr        = ":8081"
	defaultMetricsAddr     = ":9092"
	defaultPolicyPath      = "config/lifecycle.yaml"
	defaultReapInterval    = time.Minute

	envStoreDriver     = "STORE_DRIVER"
	envRedisURL        = "REDIS_URL"
	envSQLitePath      = "SQLITE_PATH"
	envNATSURL         = "NATS_URL"
	envExecutorSubject = "EXECUTOR_SUBJECT"
	envHTTPAddr        = "GATEWAY_HTTP_ADDR"
	envMetricsAddr     = "GATEWAY_METRICS_ADDR"
	envPolicyPath      = "LIFECYCLE_POLICY_PATH"
	envAPIKeys         = "TOOLFORGE_API_KEYS"
	envReapInterval    = "SNAPSHOT_REAP_INTERVAL"

	envRedisTLSCA         = "REDIS_TLS_CA"
	envRedisTLSServerName = "REDIS_TLS_SERVER_NAME"
	envRedisTLSInsecure   = "REDIS_TLS_INSECURE"
)

// Store drivers.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Config holds runtime configuration for the toolforge processes.
type Config struct {
	StoreDriver     string
	RedisURL        string
	RedisTLS        RedisTLS
	SQLitePath      string
	NatsURL         string
	ExecutorSubject string
	HTTPAddr        string
	MetricsAddr     string
	PolicyPath      string
	APIKeys         []string
	ReapInterval    time.Duration
}

// RedisTLS supplements a redis:// or rediss:// URL.
type RedisTLS struct {
	CAFile     string
	ServerName string
	Insecure   bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(envStoreDriver, defaultStoreDriver)
	v.SetDefault(envRedisURL, defaultRedisURL)
	v.SetDefault(envSQLitePath, defaultSQLitePath)
	v.SetDefault(envNATSURL, defaultNATSURL)
	v.SetDefault(envExecutorSubject, defaultExecutorSubject)
	v.SetDefault(envHTTPAddr, defaultHTTPAddr)
	v.SetDefault(envMetricsAddr, defaultMetricsAddr)
	v.SetDefault(envPolicyPath, defaultPolicyPath)
	v.SetDefault(envReapInterval, defaultReapInterval)
	return v
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	v := newViper()

	driver := strings.ToLower(strings.TrimSpace(v.GetString(envStoreDriver)))
	if driver != DriverSQLite {
		driver = DriverRedis
	}
	reap := v.GetDuration(envReapInterval)
	if reap <= 0 {
		reap = defaultReapInterval
	}

	return &Config{
		StoreDriver:     driver,
		RedisURL:        v.GetString(envRedisURL),
		RedisTLS: RedisTLS{
			CAFile:     strings.TrimSpace(v.GetString(envRedisTLSCA)),
			ServerName: strings.TrimSpace(v.GetString(envRedisTLSServerName)),
			Insecure:   v.GetBool(envRedisTLSInsecure),
		},
		SQLitePath:      v.GetString(envSQLitePath),
		NatsURL:         v.GetString(envNATSURL),
		ExecutorSubject: v.GetString(envExecutorSubject),
		HTTPAddr:        v.GetString(envHTTPAddr),
		MetricsAddr:     v.GetString(envMetricsAddr),
		PolicyPath:      v.GetString(envPolicyPath),
		APIKeys:         splitList(v.GetString(envAPIKeys)),
		ReapInterval:    reap,
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
