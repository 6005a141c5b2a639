// Package redisutil builds the single go-redis client shared by the Redis
// store and the reaper lease.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	pingTimeout     = 2 * time.Second
)

// TLS carries the transport settings a redis:// URL cannot express. A
// rediss:// URL alone already enables TLS with system roots.
type TLS struct {
	CAFile     string
	ServerName string
	Insecure   bool
}

func (t TLS) enabled() bool {
	return t.CAFile != "" || t.ServerName != "" || t.Insecure
}

type Option func(*redis.Options) error

// WithTLS layers t over whatever TLS the URL selected.
func WithTLS(t TLS) Option {
	return func(opts *redis.Options) error {
		if !t.enabled() {
			return nil
		}
		cfg, err := t.config(opts.TLSConfig)
		if err != nil {
			return err
		}
		opts.TLSConfig = cfg
		return nil
	}
}

// Connect builds a single-node client from url and pings it. Tool
// transactions span keys in different slots, so cluster mode is not
// supported.
func Connect(ctx context.Context, url string, options ...Option) (*redis.Client, error) {
	opts, err := ParseOptions(url, options...)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// ParseOptions parses url (empty means localhost) and applies options.
func ParseOptions(url string, options ...Option) (*redis.Options, error) {
	if strings.TrimSpace(url) == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	for _, apply := range options {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func (t TLS) config(existing *tls.Config) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if existing != nil {
		cfg = existing.Clone()
	}
	if t.ServerName != "" {
		cfg.ServerName = t.ServerName
	}
	// #nosec G402 -- opt-in for development clusters with self-signed certs.
	cfg.InsecureSkipVerify = cfg.InsecureSkipVerify || t.Insecure
	if t.CAFile == "" {
		return cfg, nil
	}
	// #nosec G304 -- CA path is operator-provided.
	pem, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read redis ca %s: %w", t.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("redis ca %s holds no certificates", t.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
