// Package config loads server configuration from a TOML file. Every field
// has a default, so an empty path or a sparse file still yields a runnable
// configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  Server  `toml:"server"`
	Storage Storage `toml:"storage"`
	Relay   Relay   `toml:"relay"`
	Log     Log     `toml:"log"`
	Limits  Limits  `toml:"limits"`
}

type Server struct {
	Listen         string `toml:"listen"`
	MaxConns       int    `toml:"max_conns"`
	MaxConnsPerDoc int    `toml:"max_conns_per_doc"`
}

// Storage selects the document store backend. Path feeds the pebble
// backend, Postgres is a pgx connection string.
type Storage struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	Postgres string `toml:"postgres"`
}

// Relay configures the cross-instance operation relay. An empty Redis
// address runs the server standalone.
type Relay struct {
	Redis string `toml:"redis"`
}

type Log struct {
	Level string `toml:"level"`
}

type Limits struct {
	SaveDebounce  Duration `toml:"save_debounce"`
	CacheDocs     int      `toml:"cache_docs"`
	CacheMaxBytes int64    `toml:"cache_max_bytes"`
}

// Duration lets TOML carry values like "250ms" or "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() Config {
	return Config{
		Server: Server{
			Listen:         ":8080",
			MaxConns:       500,
			MaxConnsPerDoc: 50,
		},
		Storage: Storage{
			Backend: "pebble",
			Path:    "./data",
		},
		Log: Log{
			Level: "info",
		},
		Limits: Limits{
			SaveDebounce:  Duration{3 * time.Second},
			CacheDocs:     20,
			CacheMaxBytes: 1 << 20,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults untouched. Unknown keys are rejected, a typo in a config file
// should fail loudly rather than silently fall back.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("config: server.listen must not be empty")
	}
	switch c.Storage.Backend {
	case "pebble":
		if c.Storage.Path == "" {
			return errors.New("config: storage.path is required for the pebble backend")
		}
	case "postgres":
		if c.Storage.Postgres == "" {
			return errors.New("config: storage.postgres is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
