// Copyright (c) 2024-2026 Shardstore, Inc.
//
// This file is part of Shardstore Object Storage stack
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Config is the TOML configuration surface of the core. Environment
// variables override file values (SHARDSTORE_ prefix).
type Config struct {
	Storage StorageConfig `toml:"storage"`
	OSD     OSDConfig     `toml:"osd"`
}

// StorageConfig configures the local engine of one OSD.
type StorageConfig struct {
	BlockSize string   `toml:"block_size"`
	Disks     []string `toml:"disks"`

	WAL      WALConfig        `toml:"wal"`
	Cache    CacheConfig      `toml:"cache"`
	Metadata MetadataConfig   `toml:"metadata"`
}

// WALConfig tunes the data WAL.
type WALConfig struct {
	SyncOnWrite bool  `toml:"sync_on_write"`
	MaxSizeMB   int64 `toml:"max_size_mb"`
}

// CacheConfig holds the block cache settings.
type CacheConfig struct {
	BlockCache BlockCacheConfig `toml:"block_cache"`
}

// BlockCacheConfig tunes the block data cache.
type BlockCacheConfig struct {
	Enabled bool   `toml:"enabled"`
	SizeMB  int64  `toml:"size_mb"`
	Policy  string `toml:"policy"`
}

// MetadataConfig tunes the metadata store.
type MetadataConfig struct {
	SnapshotThreshold uint64 `toml:"snapshot_threshold"`
	SnapshotRetention int    `toml:"snapshot_retention"`
	CacheSize         int    `toml:"cache_size"`
}

// OSDConfig holds the OSD's cluster identity.
type OSDConfig struct {
	NodeID        string              `toml:"node_id"`
	ListenAddr    string              `toml:"listen_addr"`
	CCSAddr       string              `toml:"ccs_addr"`
	FailureDomain FailureDomainConfig `toml:"failure_domain"`
}

// FailureDomainConfig locates this OSD in the physical hierarchy.
type FailureDomainConfig struct {
	Region     string `toml:"region"`
	Datacenter string `toml:"datacenter"`
	Rack       string `toml:"rack"`
}

// defaultConfig returns the tuning seeds.
func defaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			BlockSize: "4MiB",
			WAL:       WALConfig{SyncOnWrite: true, MaxSizeMB: 1024},
			Cache: CacheConfig{
				BlockCache: BlockCacheConfig{Enabled: true, SizeMB: 256, Policy: "write-through"},
			},
			Metadata: MetadataConfig{
				SnapshotThreshold: 8192,
				SnapshotRetention: 3,
				CacheSize:         4096,
			},
		},
		OSD: OSDConfig{ListenAddr: ":9420"},
	}
}

// loadConfig reads path (optional) and applies environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "reading config %s", path)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHARDSTORE_BLOCK_SIZE"); v != "" {
		cfg.Storage.BlockSize = v
	}
	if v := os.Getenv("SHARDSTORE_WAL_SYNC_ON_WRITE"); v != "" {
		cfg.Storage.WAL.SyncOnWrite = v == "true" || v == "1"
	}
	if v := os.Getenv("SHARDSTORE_WAL_MAX_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Storage.WAL.MaxSizeMB = n
		}
	}
	if v := os.Getenv("SHARDSTORE_BLOCK_CACHE_POLICY"); v != "" {
		cfg.Storage.Cache.BlockCache.Policy = v
	}
	if v := os.Getenv("SHARDSTORE_NODE_ID"); v != "" {
		cfg.OSD.NodeID = v
	}
	if v := os.Getenv("SHARDSTORE_CCS_ADDR"); v != "" {
		cfg.OSD.CCSAddr = v
	}
}

// blockSizeBytes parses the configured block size.
func (c *Config) blockSizeBytes() (uint32, error) {
	n, err := humanize.ParseBytes(c.Storage.BlockSize)
	if err != nil {
		return 0, errors.Wrap(err, "parsing storage.block_size")
	}
	return uint32(n), nil
}
