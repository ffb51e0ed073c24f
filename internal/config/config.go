/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Package config holds the configuration snapshot for the cache
// subsystem. A Config value is built once (by Load or NewDefaultConfig)
// and passed into constructors; nothing in this module re-reads
// globals after construction (spec.md §9, "Global configuration
// registry").
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the full configuration snapshot for one server
// or viewer process. It mirrors the "Configuration surface" table in
// spec.md §6 field-for-field.
type Config struct {
	ContentCache   ContentCacheConfig   `toml:"content_cache"`
	PersistentCache PersistentCacheConfig `toml:"persistent_cache"`
	Cache          CacheConfig          `toml:"cache"`
	Batch          BatchConfig          `toml:"batch"`
	Debug          DebugConfig          `toml:"debug"`
	Logging        LoggingConfig        `toml:"logging"`
	Tracing        TracingConfig        `toml:"tracing"`
}

// ContentCacheConfig configures the session-only, in-memory reference
// cache (spec.md §6: contentCache.*).
type ContentCacheConfig struct {
	Enabled bool `toml:"enabled"`
	SizeMB  int  `toml:"size_mb"`
}

// PersistentCacheConfig configures the cross-session disk-backed cache
// (spec.md §6: persistentCache.*).
type PersistentCacheConfig struct {
	Enabled bool   `toml:"enabled"`
	MemMB   int    `toml:"mem_mb"`
	DiskMB  int    `toml:"disk_mb"` // 0 means 2*MemMB
	ShardMB int    `toml:"shard_mb"`
	Path    string `toml:"path"` // empty means the default XDG-based path
}

// CacheConfig configures server-side caching policy (spec.md §6:
// cache.*).
type CacheConfig struct {
	MinRectSize int `toml:"min_rect_size"`
	MaxAgeSec   int `toml:"max_age_sec"`
}

// BatchConfig configures miss-query batching thresholds (spec.md §6:
// batch.*, §4.5 "Batching and backpressure").
type BatchConfig struct {
	QueryCount         int `toml:"query_count"`
	QueryBytes         int `toml:"query_bytes"`
	QueryTimeoutMs      int `toml:"query_timeout_ms"`
	MaxOutstandingBatch int `toml:"max_outstanding_batch"`
}

// DebugConfig configures the optional stats/health HTTP server
// (SPEC_FULL.md §A.4).
type DebugConfig struct {
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
}

// LoggingConfig configures the injected logger's minimum level.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Implementation string `toml:"implementation"` // "stdout" or "jaeger"
	CollectorURL   string `toml:"collector_url"`
}

// NewDefaultConfig returns a Config populated entirely with the
// defaults enumerated in spec.md §6.
func NewDefaultConfig() *Config {
	return &Config{
		ContentCache: ContentCacheConfig{
			Enabled: defaultContentCacheEnabled,
			SizeMB:  defaultSessionCacheMBViewer,
		},
		PersistentCache: PersistentCacheConfig{
			Enabled: defaultPersistentCacheEnabled,
			MemMB:   defaultPersistentMemMB,
			DiskMB:  defaultPersistentDiskMB,
			ShardMB: defaultShardMB,
		},
		Cache: CacheConfig{
			MinRectSize: defaultMinRectSize,
			MaxAgeSec:   defaultMaxAgeSec,
		},
		Batch: BatchConfig{
			QueryCount:          defaultBatchQueryCount,
			QueryBytes:          defaultBatchQueryBytes,
			QueryTimeoutMs:      defaultBatchQueryTimeoutMs,
			MaxOutstandingBatch: defaultBatchMaxOutstanding,
		},
		Debug: DebugConfig{
			ListenAddress: defaultDebugListenAddress,
			ListenPort:    defaultDebugListenPort,
		},
		Logging: LoggingConfig{Level: defaultLogLevel},
		Tracing: TracingConfig{Implementation: defaultTracerImplementation},
	}
}

// Load reads a TOML file at path over a default configuration and
// resolves it (filling in derived fields such as PersistentCache.DiskMB
// and PersistentCache.Path). Values are not otherwise validated.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}
	resolve(c)
	return c, nil
}

// LoadBytes parses TOML content directly, for tests and for embedding
// configuration without a filesystem round trip.
func LoadBytes(b []byte) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.NewDecoder(bytes.NewReader(b)).Decode(c); err != nil {
		return nil, fmt.Errorf("config: decoding buffer: %w", err)
	}
	resolve(c)
	return c, nil
}

func resolve(c *Config) {
	if c.PersistentCache.DiskMB <= 0 {
		c.PersistentCache.DiskMB = 2 * c.PersistentCache.MemMB
	}
	if c.PersistentCache.Path == "" {
		c.PersistentCache.Path = DefaultCacheDir("")
	}
}

// DefaultCacheDir implements the exact default path algorithm from
// spec.md §6:
//
//	${XDG_CACHE_HOME:-$HOME/.cache}/tigervnc/persistentcache[/<server-fingerprint>]
//
// serverFingerprint may be empty, in which case the fingerprint
// subdirectory is omitted.
func DefaultCacheDir(serverFingerprint string) string {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".cache")
	}
	dir := filepath.Join(base, "tigervnc", "persistentcache")
	if serverFingerprint != "" {
		dir = filepath.Join(dir, serverFingerprint)
	}
	return dir
}
