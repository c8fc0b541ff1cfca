// Package config loads revcache settings from an HCL file.
//
//	database {
//	  driver = "sqlite"
//	  dsn    = "/var/cache/revcache/cache.db"
//	}
//	repository {
//	  path   = "/srv/git/project"
//	  branch = "main"
//	}
//	cache {
//	  tip_entries = 64
//	  batch_size  = 1000
//	}
//
// Every block and attribute is optional; missing values keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

// ErrUnknownDriver is returned when the configured driver has no dialect.
var ErrUnknownDriver = store.ErrUnknownDriver

type Database struct {
	Driver string `hcl:"driver,optional"`
	DSN    string `hcl:"dsn,optional"`
}

type Repository struct {
	Path   string `hcl:"path,optional"`
	Branch string `hcl:"branch,optional"`
}

type Cache struct {
	// TipEntries bounds the number of branch histories kept in memory.
	TipEntries int `hcl:"tip_entries,optional"`
	// BatchSize bounds parent lookups per provider call.
	BatchSize int `hcl:"batch_size,optional"`
}

type Config struct {
	Database   *Database   `hcl:"database,block"`
	Repository *Repository `hcl:"repository,block"`
	Cache      *Cache      `hcl:"cache,block"`
}

// Dir is where revcache keeps its files unless told otherwise.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".revcache"), nil
}

// Default returns a configuration with an SQLite cache under dir.
func Default(dir string) *Config {
	return &Config{
		Database:   &Database{Driver: "sqlite", DSN: filepath.Join(dir, "cache.db")},
		Repository: &Repository{Path: ".", Branch: ""},
		Cache:      &Cache{TipEntries: 64, BatchSize: store.MaxBatch},
	}
}

// DefaultPath is the file Load reads when no path is given.
func DefaultPath(dir string) string {
	return filepath.Join(dir, "revcache.hcl")
}

// Load reads path over the defaults. A missing file is not an error unless
// required is set.
func Load(path string, required bool) (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	cfg := Default(dir)
	if path == "" {
		path = DefaultPath(dir)
	}
	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(path, src, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes HCL source into cfg, keeping values the source leaves out.
func Parse(filename string, src []byte, cfg *Config) error {
	var file Config
	if err := hclsimple.Decode(filename, src, nil, &file); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	cfg.merge(&file)
	return nil
}

func (c *Config) merge(o *Config) {
	if o.Database != nil {
		if o.Database.Driver != "" {
			c.Database.Driver = o.Database.Driver
		}
		if o.Database.DSN != "" {
			c.Database.DSN = o.Database.DSN
		}
	}
	if o.Repository != nil {
		if o.Repository.Path != "" {
			c.Repository.Path = o.Repository.Path
		}
		if o.Repository.Branch != "" {
			c.Repository.Branch = o.Repository.Branch
		}
	}
	if o.Cache != nil {
		if o.Cache.TipEntries != 0 {
			c.Cache.TipEntries = o.Cache.TipEntries
		}
		if o.Cache.BatchSize != 0 {
			c.Cache.BatchSize = o.Cache.BatchSize
		}
	}
}

// Validate checks the values that would otherwise fail much later.
func (c *Config) Validate() error {
	if _, err := store.DialectFor(c.Database.Driver); err != nil {
		return err
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is empty")
	}
	if c.Cache.TipEntries <= 0 {
		return fmt.Errorf("config: tip_entries must be positive, got %d", c.Cache.TipEntries)
	}
	if c.Cache.BatchSize <= 0 || c.Cache.BatchSize > store.MaxBatch {
		return fmt.Errorf("config: batch_size must be in 1..%d, got %d", store.MaxBatch, c.Cache.BatchSize)
	}
	return nil
}
