// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the bot configuration.
//
// Sources are layered, later ones winning: built-in defaults, a YAML file,
// the legacy environment variables (HOMESERVER, BOT_USER_ID, ...), TRINITY_
// prefixed environment variables and finally command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/trinity/internal/xdg"
)

// EnvPrefix prefixes environment variables read by Load. A double
// underscore separates nesting levels: TRINITY_LOG__FORMAT sets log.format.
const EnvPrefix = "TRINITY_"

// CodeInvalid tags validation errors.
const CodeInvalid = "CONFIG_INVALID"

// Config is the complete bot configuration.
type Config struct {
	Homeserver  string `koanf:"homeserver" json:"homeserver" yaml:"homeserver"`
	UserID      string `koanf:"user_id" json:"user_id" yaml:"user_id"`
	Password    string `koanf:"password" json:"-" yaml:"-"`
	AccessToken string `koanf:"access_token" json:"-" yaml:"-"`
	DeviceID    string `koanf:"device_id" json:"device_id,omitempty" yaml:"device_id,omitempty"`
	AdminUserID string `koanf:"admin_user_id" json:"admin_user_id" yaml:"admin_user_id"`

	Store   StoreConfig   `koanf:"store" json:"store" yaml:"store"`
	Modules ModulesConfig `koanf:"modules" json:"modules" yaml:"modules"`
	Reload  ReloadConfig  `koanf:"reload" json:"reload" yaml:"reload"`
	Log     LogConfig     `koanf:"log" json:"log" yaml:"log"`
	Metrics MetricsConfig `koanf:"metrics" json:"metrics" yaml:"metrics"`
}

// StoreConfig selects the key/value store.
type StoreConfig struct {
	// URL is a leveldb://, postgres://, redis:// or memory: URL. A bare path
	// is a LevelDB directory.
	URL string `koanf:"url" json:"url" yaml:"url"`
}

// ModulesConfig controls guest module loading.
type ModulesConfig struct {
	Paths       []string                     `koanf:"paths" json:"paths" yaml:"paths"`
	Config      map[string]map[string]string `koanf:"config" json:"config,omitempty" yaml:"config,omitempty"`
	CallTimeout time.Duration                `koanf:"call_timeout" json:"call_timeout" yaml:"call_timeout"`
	Workers     int                          `koanf:"workers" json:"workers" yaml:"workers"`
}

// ReloadConfig controls the module directory watcher.
type ReloadConfig struct {
	Enabled  bool          `koanf:"enabled" json:"enabled" yaml:"enabled"`
	Debounce time.Duration `koanf:"debounce" json:"debounce" yaml:"debounce"`
}

// LogConfig controls log output.
type LogConfig struct {
	Format string `koanf:"format" json:"format" yaml:"format"`
	Level  string `koanf:"level" json:"level" yaml:"level"`
}

// MetricsConfig controls the metrics and health endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `koanf:"addr" json:"addr" yaml:"addr"`
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"store.url":            "leveldb://" + filepath.Join(xdg.DataDir(), "store"),
		"modules.call_timeout": "5s",
		"modules.workers":      4,
		"reload.enabled":       true,
		"reload.debounce":      "1s",
		"log.format":           "json",
		"log.level":            "info",
		"metrics.addr":         "",
	}
}

// legacyEnv maps the environment variables the bot has always read to
// configuration keys.
var legacyEnv = map[string]string{
	"HOMESERVER":       "homeserver",
	"BOT_USER_ID":      "user_id",
	"BOT_PWD":          "password",
	"BOT_ACCESS_TOKEN": "access_token",
	"BOT_DEVICE_ID":    "device_id",
	"ADMIN_USER_ID":    "admin_user_id",
	"MODULES_PATHS":    "modules.paths",
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"homeserver":    "homeserver",
	"user-id":       "user_id",
	"admin-user-id": "admin_user_id",
	"store-url":     "store.url",
	"modules":       "modules.paths",
	"workers":       "modules.workers",
	"call-timeout":  "modules.call_timeout",
	"reload":        "reload.enabled",
	"log-format":    "log.format",
	"log-level":     "log.level",
	"metrics-addr":  "metrics.addr",
}

// DefaultPath returns the configuration file read when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigDir(), "config.yaml")
}

// Load reads the configuration. An empty path falls back to DefaultPath,
// which may be absent; an explicit path must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, oops.In("config").Code("CONFIG_DEFAULTS").With("key", key).Wrap(err)
		}
	}

	optional := path == ""
	if optional {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil || !optional {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").Code("CONFIG_READ_FAILED").
				With("path", path).
				Hint("check the file exists and is valid YAML").
				Wrap(err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", legacyValue), nil); err != nil {
		return nil, oops.In("config").Code("CONFIG_ENV_FAILED").Wrap(err)
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", prefixedValue), nil); err != nil {
		return nil, oops.In("config").Code("CONFIG_ENV_FAILED").Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	return &cfg, nil
}

func legacyValue(key, value string) (string, any) {
	target, ok := legacyEnv[key]
	if !ok {
		return "", nil
	}
	if target == "modules.paths" {
		return target, splitList(value)
	}
	return target, value
}

func prefixedValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "modules.paths" {
		return key, splitList(value)
	}
	return key, value
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first problem that would prevent the bot from
// starting. Module paths must exist so a typo fails fast instead of
// producing an empty registry.
func (c *Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return oops.In("config").Code(CodeInvalid).With("key", key).Errorf(format, args...)
	}

	if c.Homeserver == "" {
		return invalid("homeserver", "homeserver is required")
	}
	if err := validUserID(c.UserID); err != nil {
		return invalid("user_id", "user_id %q: %v", c.UserID, err)
	}
	if err := validUserID(c.AdminUserID); err != nil {
		return invalid("admin_user_id", "admin_user_id %q: %v", c.AdminUserID, err)
	}
	if c.Password == "" && c.AccessToken == "" {
		return invalid("password", "either password or access_token is required")
	}
	if err := c.ValidateModules(); err != nil {
		return err
	}
	if c.Reload.Enabled && c.Reload.Debounce <= 0 {
		return invalid("reload.debounce", "reload.debounce must be positive, got %s", c.Reload.Debounce)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", "log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// ValidateModules checks only the module settings. It is all a dry run
// needs.
func (c *Config) ValidateModules() error {
	if len(c.Modules.Paths) == 0 {
		return oops.In("config").Code(CodeInvalid).With("key", "modules.paths").
			Hint("set MODULES_PATHS or modules.paths to the directories holding .wasm and .lua modules").
			Errorf("at least one module path is required")
	}
	for _, p := range c.Modules.Paths {
		info, err := os.Stat(p)
		if err != nil {
			return oops.In("config").Code(CodeInvalid).With("key", "modules.paths").With("path", p).Wrap(err)
		}
		if !info.IsDir() {
			return oops.In("config").Code(CodeInvalid).With("key", "modules.paths").With("path", p).
				Errorf("module path %s is not a directory", p)
		}
	}
	if c.Modules.CallTimeout <= 0 {
		return oops.In("config").Code(CodeInvalid).With("key", "modules.call_timeout").
			Errorf("modules.call_timeout must be positive, got %s", c.Modules.CallTimeout)
	}
	if c.Modules.Workers <= 0 {
		return oops.In("config").Code(CodeInvalid).With("key", "modules.workers").
			Errorf("modules.workers must be positive, got %d", c.Modules.Workers)
	}
	return nil
}

func validUserID(userID string) error {
	if userID == "" {
		return oops.Errorf("required")
	}
	if !strings.HasPrefix(userID, "@") || !strings.Contains(userID, ":") {
		return oops.Errorf("expected @localpart:server")
	}
	return nil
}
