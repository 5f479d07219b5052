// Package config loads sprout's settings. Later sources override earlier
// ones: built-in defaults, the YAML config file, SPROUT_ environment
// variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable sprout reads. A double
// underscore separates nested keys: SPROUT_LOG__LEVEL sets log.level.
const EnvPrefix = "SPROUT_"

// DefaultFile is the config file looked up in the data directory when no
// file is named.
const DefaultFile = "config.yaml"

type Config struct {
	Vault   string `koanf:"vault" validate:"required"`
	DataDir string `koanf:"data_dir" validate:"required"`
	// DB is the SQLite file; relative paths are taken from DataDir.
	DB string `koanf:"db" validate:"required"`
	// Snapshot is the JSON export written after each persist, relative to
	// DataDir. Recovery reads it back.
	Snapshot string `koanf:"snapshot" validate:"required"`

	Concurrency int `koanf:"concurrency" validate:"gte=1,lte=256"`

	Log      Log      `koanf:"log"`
	Recovery Recovery `koanf:"recovery"`
	Git      Git      `koanf:"git"`
	Watch    Watch    `koanf:"watch"`
}

type Log struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
	// File, when set, receives logs through a rotating writer in addition
	// to stderr.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
}

type Recovery struct {
	MinKeyRatio float64 `koanf:"min_key_ratio" validate:"gt=0,lte=1"`
	BackupDir   string  `koanf:"backup_dir"`
}

type Git struct {
	Remote     string `koanf:"remote" validate:"omitempty,min=3"`
	PullOnSync bool   `koanf:"pull_on_sync"`
}

type Watch struct {
	Debounce time.Duration `koanf:"debounce" validate:"gte=0"`
}

// Defaults returns the built-in settings.
func Defaults() map[string]any {
	return map[string]any{
		"vault":                  ".",
		"data_dir":               defaultDataDir(),
		"db":                     "sprout.db",
		"snapshot":               "sprout.json",
		"concurrency":            8,
		"log.level":              "info",
		"log.format":             "text",
		"log.file":               "",
		"log.max_size_mb":        10,
		"log.max_backups":        3,
		"log.max_age_days":       28,
		"recovery.min_key_ratio": 0.7,
		"recovery.backup_dir":    "backups",
		"git.remote":             "",
		"git.pull_on_sync":       false,
		"watch.debounce":         "500ms",
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sprout")
	}
	return ".sprout"
}

// Load builds the configuration. path names the YAML file; when empty the
// file is looked up as DefaultFile in the data directory and skipped if it
// doesn't exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	// The data directory may itself come from the environment or a flag,
	// so it is resolved before looking for the default file.
	overrides := func() error {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return fmt.Errorf("failed to load environment: %w", err)
		}
		if flags != nil {
			if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
				return fmt.Errorf("failed to load flags: %w", err)
			}
		}
		return nil
	}
	if err := overrides(); err != nil {
		return nil, err
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(k.String("data_dir"), DefaultFile)
	}
	if _, err := os.Stat(path); err == nil || explicit {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		// The file sits below environment and flags.
		if err := overrides(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SPROUT_LOG__LEVEL to log.level.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// DBPath is the SQLite file, resolved against DataDir.
func (c *Config) DBPath() string {
	return c.resolve(c.DB)
}

// ReposDir is where vault remotes are cloned.
func (c *Config) ReposDir() string {
	return filepath.Join(c.DataDir, "repos")
}

func (c *Config) resolve(p string) string {
	if p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
