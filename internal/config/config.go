// Package config loads the offline core configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// AGRIOS_* environment variables. Secrets such as the sync token usually
// arrive through the environment after the decrypted .env file is loaded.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agrios/offline/internal/logging"
)

// DatabaseFile is the store file name inside DataDir.
const DatabaseFile = "agrios.db"

type Config struct {
	DataDir string        `yaml:"data_dir"`
	Sync    SyncConfig    `yaml:"sync"`
	Log     LogConfig     `yaml:"log"`
	Secrets SecretsConfig `yaml:"secrets"`
}

type SyncConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	Interval   time.Duration `yaml:"interval"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	WatchDB    bool          `yaml:"watch_db"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type SecretsConfig struct {
	EncryptedPath string `yaml:"encrypted_path"`
	EnvPath       string `yaml:"env_path"`
	PasswordEnv   string `yaml:"password_env"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Sync: SyncConfig{
			Timeout:    30 * time.Second,
			Interval:   15 * time.Minute,
			MaxBackoff: 5 * time.Minute,
			WatchDB:    true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Secrets: SecretsConfig{
			EncryptedPath: ".env.enc",
			EnvPath:       ".env",
			PasswordEnv:   "AGRIOS_SECRETS_PASSWORD",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment. A missing file is an error when path is given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AGRIOS_* environment variables.
func (c *Config) ApplyEnv() error {
	c.DataDir = getEnv("AGRIOS_DATA_DIR", c.DataDir)
	c.Sync.BaseURL = getEnv("AGRIOS_SYNC_URL", c.Sync.BaseURL)
	c.Sync.Token = getEnv("AGRIOS_SYNC_TOKEN", c.Sync.Token)
	c.Log.Level = getEnv("AGRIOS_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("AGRIOS_LOG_FILE", c.Log.File)

	var err error
	if c.Sync.Timeout, err = getEnvDuration("AGRIOS_SYNC_TIMEOUT", c.Sync.Timeout); err != nil {
		return err
	}
	if c.Sync.Interval, err = getEnvDuration("AGRIOS_SYNC_INTERVAL", c.Sync.Interval); err != nil {
		return err
	}
	if c.Sync.MaxBackoff, err = getEnvDuration("AGRIOS_SYNC_MAX_BACKOFF", c.Sync.MaxBackoff); err != nil {
		return err
	}
	if v := os.Getenv("AGRIOS_SYNC_WATCH_DB"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AGRIOS_SYNC_WATCH_DB %q: %w", v, err)
		}
		c.Sync.WatchDB = b
	}
	return nil
}

// Validate checks the configuration for values the app cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is empty")
	}
	if c.Sync.BaseURL != "" {
		u, err := url.Parse(c.Sync.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("sync.base_url %q is not an http(s) URL", c.Sync.BaseURL))
		}
	}
	if c.Sync.Timeout <= 0 {
		problems = append(problems, "sync.timeout must be positive")
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.MaxBackoff < time.Second {
		problems = append(problems, "sync.max_backoff must be at least 1s")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DBPath returns the store file path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DatabaseFile)
}

// SyncEnabled reports whether a sync server is configured.
func (c *Config) SyncEnabled() bool {
	return c.Sync.BaseURL != ""
}

// SecretsPassword returns the secret file password from the environment.
func (c *Config) SecretsPassword() string {
	if c.Secrets.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Secrets.PasswordEnv)
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. It reports whether the file existed.
func LoadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return true, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
