package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy tunes the lifecycle, snapshot and session behaviour. Zero fields
// fall back to defaults.
type Policy struct {
	DraftLockTTLSeconds    int64 `yaml:"draft_lock_ttl_seconds"`
	SnapshotTTLSeconds     int64 `yaml:"snapshot_ttl_seconds"`
	SnapshotGraceSeconds   int64 `yaml:"snapshot_purge_grace_seconds"`
	MaxSnapshotBytes       int64 `yaml:"max_snapshot_bytes"`
	ExecutorTimeoutSeconds int64 `yaml:"executor_timeout_seconds"`
	ChatHistoryTTLSeconds  int64 `yaml:"chat_history_ttl_seconds"`
	TxMaxRetries           int   `yaml:"tx_max_retries"`
	ExecutorConcurrency    int64 `yaml:"executor_concurrency"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		DraftLockTTLSeconds:    15 * 60,
		SnapshotTTLSeconds:     60 * 60,
		SnapshotGraceSeconds:   10 * 60,
		MaxSnapshotBytes:       1 << 20,
		ExecutorTimeoutSeconds: 60,
		ChatHistoryTTLSeconds:  30 * 24 * 60 * 60,
		TxMaxRetries:           8,
		ExecutorConcurrency:    16,
	}
}

// LoadPolicy loads a YAML policy file; returns defaults if missing.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPolicy(), fmt.Errorf("read lifecycle policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses policy data from YAML/JSON bytes.
func ParsePolicy(data []byte) (*Policy, error) {
	if len(data) == 0 {
		return DefaultPolicy(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultPolicy(), fmt.Errorf("parse lifecycle policy: %w", err)
	}
	if err := validateConfigSchema("lifecycle policy", policySchemaFile, data); err != nil {
		return DefaultPolicy(), err
	}
	def := DefaultPolicy()
	if p.DraftLockTTLSeconds <= 0 {
		p.DraftLockTTLSeconds = def.DraftLockTTLSeconds
	}
	if p.SnapshotTTLSeconds <= 0 {
		p.SnapshotTTLSeconds = def.SnapshotTTLSeconds
	}
	if p.SnapshotGraceSeconds <= 0 {
		p.SnapshotGraceSeconds = def.SnapshotGraceSeconds
	}
	if p.MaxSnapshotBytes <= 0 {
		p.MaxSnapshotBytes = def.MaxSnapshotBytes
	}
	if p.ExecutorTimeoutSeconds <= 0 {
		p.ExecutorTimeoutSeconds = def.ExecutorTimeoutSeconds
	}
	if p.ChatHistoryTTLSeconds <= 0 {
		p.ChatHistoryTTLSeconds = def.ChatHistoryTTLSeconds
	}
	if p.TxMaxRetries <= 0 {
		p.TxMaxRetries = def.TxMaxRetries
	}
	if p.ExecutorConcurrency <= 0 {
		p.ExecutorConcurrency = def.ExecutorConcurrency
	}
	return &p, nil
}

func (p *Policy) DraftLockTTL() time.Duration {
	return time.Duration(p.DraftLockTTLSeconds) * time.Second
}

func (p *Policy) SnapshotTTL() time.Duration {
	return time.Duration(p.SnapshotTTLSeconds) * time.Second
}

func (p *Policy) SnapshotGrace() time.Duration {
	return time.Duration(p.SnapshotGraceSeconds) * time.Second
}

func (p *Policy) ExecutorTimeout() time.Duration {
	return time.Duration(p.ExecutorTimeoutSeconds) * time.Second
}

func (p *Policy) ChatHistoryTTL() time.Duration {
	return time.Duration(p.ChatHistoryTTLSeconds) * time.Second
}
