package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.StoreDriver != DriverRedis {
		t.Fatalf("expected redis driver, got %q", cfg.StoreDriver)
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("expected default nats url")
	}
	if cfg.ExecutorSubject != defaultExecutorSubject {
		t.Fatalf("expected default executor subject")
	}
	if cfg.HTTPAddr != defaultHTTPAddr || cfg.MetricsAddr != defaultMetricsAddr {
		t.Fatalf("expected default addrs, got %q %q", cfg.HTTPAddr, cfg.MetricsAddr)
	}
	if cfg.PolicyPath != defaultPolicyPath {
		t.Fatalf("expected default policy path")
	}
	if cfg.ReapInterval != defaultReapInterval {
		t.Fatalf("expected default reap interval")
	}
	if len(cfg.APIKeys) != 0 {
		t.Fatalf("expected no api keys")
	}
	if cfg.RedisTLS != (RedisTLS{}) {
		t.Fatalf("expected no redis tls, got %+v", cfg.RedisTLS)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envStoreDriver, "SQLite")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envSQLitePath, "/var/lib/toolforge.db")
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envExecutorSubject, "runners.exec")
	t.Setenv(envHTTPAddr, ":9000")
	t.Setenv(envMetricsAddr, ":9001")
	t.Setenv(envPolicyPath, "custom/lifecycle.yaml")
	t.Setenv(envAPIKeys, " k1, ,k2 ")
	t.Setenv(envReapInterval, "30s")
	t.Setenv(envRedisTLSCA, " /etc/redis/ca.pem ")
	t.Setenv(envRedisTLSServerName, "redis.internal")
	t.Setenv(envRedisTLSInsecure, "true")

	cfg := Load()
	if cfg.StoreDriver != DriverSQLite {
		t.Fatalf("unexpected driver %q", cfg.StoreDriver)
	}
	if cfg.RedisURL != "redis://example:6379" || cfg.SQLitePath != "/var/lib/toolforge.db" {
		t.Fatalf("unexpected store settings")
	}
	if cfg.NatsURL != "nats://example:4222" || cfg.ExecutorSubject != "runners.exec" {
		t.Fatalf("unexpected nats settings")
	}
	if cfg.HTTPAddr != ":9000" || cfg.MetricsAddr != ":9001" {
		t.Fatalf("unexpected addrs")
	}
	if cfg.PolicyPath != "custom/lifecycle.yaml" {
		t.Fatalf("unexpected policy path")
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "k1" || cfg.APIKeys[1] != "k2" {
		t.Fatalf("unexpected api keys %v", cfg.APIKeys)
	}
	if cfg.ReapInterval != 30*time.Second {
		t.Fatalf("unexpected reap interval %v", cfg.ReapInterval)
	}
	want := RedisTLS{CAFile: "/etc/redis/ca.pem", ServerName: "redis.internal", Insecure: true}
	if cfg.RedisTLS != want {
		t.Fatalf("unexpected redis tls %+v", cfg.RedisTLS)
	}
}

func TestLoadUnknownDriverFallsBackToRedis(t *testing.T) {
	t.Setenv(envStoreDriver, "postgres")
	if got := Load().StoreDriver; got != DriverRedis {
		t.Fatalf("expected redis fallback, got %q", got)
	}
}
