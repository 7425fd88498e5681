// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package modeldepot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/poiesic/modeldepot/storage"
	"github.com/poiesic/modeldepot/storage/badgerstore"
	"github.com/poiesic/modeldepot/storage/filelog"
	"github.com/poiesic/modeldepot/storage/sqlstore"
)

// Config selects and parameterizes a storage backend. It is usually
// read from a YAML file, but Open also accepts two shorthands that skip
// the file entirely: a path ending in .log or .fs opens a file-log
// store there, and a path naming a directory opens a badger store in
// it.
type Config struct {
	// Driver is one of filelog, badger, sqlite, postgres, mysql.
	Driver string `yaml:"driver"`
	// Path locates file-backed stores (filelog, badger, sqlite).
	Path string `yaml:"path"`
	// DSN is the connection string for server-backed stores.
	DSN string `yaml:"dsn"`
}

// LoadConfig reads a YAML backend configuration from path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Driver == "" {
		return nil, fmt.Errorf("config %s: missing driver", path)
	}
	return &cfg, nil
}

// resolveBackend interprets path per the Open contract and opens the
// backend it names.
func resolveBackend(ctx context.Context, path string, logger *slog.Logger) (storage.Backend, error) {
	if strings.HasSuffix(path, ".log") || strings.HasSuffix(path, ".fs") {
		return filelog.Open(path, filelog.WithLogger(logger))
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return badgerstore.Open(path)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg.open(ctx, logger)
}

func (cfg *Config) open(ctx context.Context, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Driver {
	case "filelog":
		return filelog.Open(cfg.Path, filelog.WithLogger(logger))
	case "badger":
		return badgerstore.Open(cfg.Path)
	case sqlstore.DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, sqlstore.WithLogger(logger))
	case sqlstore.DriverPostgres, sqlstore.DriverMySQL:
		return sqlstore.Open(ctx, cfg.Driver, cfg.DSN, sqlstore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", storage.ErrBackendUnavailable, cfg.Driver)
	}
}
