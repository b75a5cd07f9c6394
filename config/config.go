// Package config loads the workspace configuration the snapbase
// binaries run with: which backend to talk to, lock and hashing tuning,
// and the artifact server's listener settings. Values come from
// snapbase.yaml with SNAPBASE_* environment overrides applied on top.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// DefaultFile is the config file looked for in the working directory.
const DefaultFile = "snapbase.yaml"

type Config struct {
	// Workspace is the default workspace commands operate in.
	Workspace string `yaml:"workspace" env:"SNAPBASE_WORKSPACE"`

	Store   StoreConfig   `yaml:"store" envPrefix:"SNAPBASE_STORE_"`
	Hashing HashingConfig `yaml:"hashing" envPrefix:"SNAPBASE_HASH_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SNAPBASE_SERVER_"`
}

// StoreConfig selects the backend. URL wins over Root when both are
// set, so one file can carry a workstation's local root alongside the
// team server it sometimes points at.
type StoreConfig struct {
	// Root is the local backend's root directory.
	Root string `yaml:"root" env:"ROOT"`

	// URL is the remote artifact server's base URL. Empty means local.
	URL string `yaml:"url" env:"URL"`

	// LockWait bounds how long a snapshot commit waits on a contended
	// dataset. Zero means the store default.
	LockWait time.Duration `yaml:"lock_wait" env:"LOCK_WAIT"`
}

// HashingConfig tunes snapshot creation. Zeroes mean the library
// defaults.
type HashingConfig struct {
	Workers   int `yaml:"workers" env:"WORKERS"`
	ChunkRows int `yaml:"chunk_rows" env:"CHUNK_ROWS"`
}

// ServerConfig configures the snapserver binary.
type ServerConfig struct {
	Addr             string `yaml:"addr" env:"ADDR"`
	ListenerMaxConns int    `yaml:"max_conns" env:"MAX_CONNS"`
	RateLimitPerSec  int    `yaml:"rate_limit_per_sec" env:"RATE_LIMIT_PER_SEC"`
	BurstLimitPerSec int    `yaml:"burst_limit_per_sec" env:"BURST_LIMIT_PER_SEC"`

	// CacheBytes sizes the in-memory artifact cache in front of the
	// server's backend. Zero disables caching.
	CacheBytes int64 `yaml:"cache_bytes" env:"CACHE_BYTES"`
}

// Default returns the zero-config baseline: a local store under
// .snapbase in the working directory.
func Default() Config {
	return Config{
		Workspace: "default",
		Store: StoreConfig{
			Root: ".snapbase",
		},
		Server: ServerConfig{
			Addr: "localhost:9010",
		},
	}
}

// Load reads path and applies environment overrides. A missing file is
// not an error, the defaults apply; an unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing config %s", path)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing environment overrides")
	}
	return cfg, nil
}
