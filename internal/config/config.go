// Package config loads the node's environment-variable-driven
// configuration, following the same getenv/mustGetenv convention as the
// teacher's cmd/node and cmd/coordinator entry points. See doc.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashd/vault/internal/gc"
	"github.com/hashd/vault/internal/shardmap"
)

// Config is the full enumerated node configuration from spec.md §6.
type Config struct {
	NodeEnv               string
	NodeID                string
	Port                  int
	NodeURL               string
	DataDir               string
	ShardCount            int
	NodeShards            string // raw ownership spec, e.g. "0-1023"
	ReplicationFactor     int
	ReplicationTimeoutMs  int
	ReplicationEnabled    bool
	MaxBlobSizeMB         int64
	MaxStorageGB          int64
	CompressionEnabled    bool
	GCEnabled             bool
	GCRetentionMode       gc.RetentionMode
	GCMaxStorageMB        int64
	GCMaxBlobAgeDays      int
	GCMinFreeDiskMB       int64
	GCReservedForPinnedMB int64
	GCIntervalMinutes     int
	GCVerifyReplicas      bool
	GCVerifyProofs        bool
	EnableBlockedContent  bool
	RequireAppRegistry    bool
	AllowedApps           []string
	PeerSeedFile          string
	BlockedCIDsFile       string
}

// getenv retrieves an environment variable with a default fallback, the
// same convention the node and coordinator entry points use.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads the process environment into a Config, applying spec.md §6's
// defaults for anything unset.
func Load() Config {
	var allowedApps []string
	if raw := os.Getenv("ALLOWED_APPS"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				allowedApps = append(allowedApps, a)
			}
		}
	}

	return Config{
		NodeEnv:               getenv("NODE_ENV", "development"),
		NodeID:                os.Getenv("NODE_ID"),
		Port:                  getenvInt("PORT", 3004),
		NodeURL:               os.Getenv("NODE_URL"),
		DataDir:               getenv("DATA_DIR", "./data"),
		ShardCount:            getenvInt("SHARD_COUNT", shardmap.DefaultShardCount),
		NodeShards:            getenv("NODE_SHARDS", "0-1023"),
		ReplicationFactor:     getenvInt("REPLICATION_FACTOR", 3),
		ReplicationTimeoutMs:  getenvInt("REPLICATION_TIMEOUT_MS", 5000),
		ReplicationEnabled:    getenvBool("REPLICATION_ENABLED", true),
		MaxBlobSizeMB:         getenvInt64("MAX_BLOB_SIZE_MB", 10),
		MaxStorageGB:          getenvInt64("MAX_STORAGE_GB", 100),
		CompressionEnabled:    getenvBool("COMPRESSION_ENABLED", false),
		GCEnabled:             getenvBool("GC_ENABLED", true),
		GCRetentionMode:       gc.RetentionMode(getenv("GC_RETENTION_MODE", string(gc.RetentionHybrid))),
		GCMaxStorageMB:        getenvInt64("GC_MAX_STORAGE_MB", 5000),
		GCMaxBlobAgeDays:      getenvInt("GC_MAX_BLOB_AGE_DAYS", 30),
		GCMinFreeDiskMB:       getenvInt64("GC_MIN_FREE_DISK_MB", 1000),
		GCReservedForPinnedMB: getenvInt64("GC_RESERVED_FOR_PINNED_MB", 1000),
		GCIntervalMinutes:     getenvInt("GC_INTERVAL_MINUTES", 10),
		GCVerifyReplicas:      getenvBool("GC_VERIFY_REPLICAS", true),
		GCVerifyProofs:        getenvBool("GC_VERIFY_PROOFS", false),
		EnableBlockedContent:  getenvBool("ENABLE_BLOCKED_CONTENT", true),
		RequireAppRegistry:    getenvBool("REQUIRE_APP_REGISTRY", false),
		AllowedApps:           allowedApps,
		PeerSeedFile:          os.Getenv("PEER_SEED_FILE"),
		BlockedCIDsFile:       os.Getenv("BLOCKED_CIDS_FILE"),
	}
}

// ParseShardRanges parses NodeShards into shardmap ranges/explicit shards.
func (c Config) ParseShardRanges() ([]shardmap.Range, []int, error) {
	return shardmap.ParseOwnership(c.NodeShards)
}

// productionLikeMarkers are dataDir substrings that suggest the directory
// is a real deployment's data volume rather than a scratch/test path.
var productionLikeMarkers = []string{"/var/lib/", "/data/prod", "/mnt/vault-data"}

// CheckDataDirSafety forbids a development/test node from pointing at a
// production-looking dataDir, per spec.md §6's safety check.
func (c Config) CheckDataDirSafety() error {
	if c.NodeEnv == "production" {
		return nil
	}
	lower := strings.ToLower(c.DataDir)
	for _, marker := range productionLikeMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("config: nodeEnv=%q refuses to use production-looking dataDir %q", c.NodeEnv, c.DataDir)
		}
	}
	return nil
}

// MaxBlobSizeBytes converts MaxBlobSizeMB to bytes.
func (c Config) MaxBlobSizeBytes() int64 { return c.MaxBlobSizeMB * 1024 * 1024 }

// MaxStorageBytes converts MaxStorageGB to bytes.
func (c Config) MaxStorageBytes() int64 { return c.MaxStorageGB * 1024 * 1024 * 1024 }

// GCMaxStorageBytes converts GCMaxStorageMB to bytes.
func (c Config) GCMaxStorageBytes() int64 { return c.GCMaxStorageMB * 1024 * 1024 }

// GCMinFreeDiskBytes converts GCMinFreeDiskMB to bytes.
func (c Config) GCMinFreeDiskBytes() int64 { return c.GCMinFreeDiskMB * 1024 * 1024 }

// GCReservedForPinnedBytes converts GCReservedForPinnedMB to bytes.
func (c Config) GCReservedForPinnedBytes() int64 { return c.GCReservedForPinnedMB * 1024 * 1024 }
