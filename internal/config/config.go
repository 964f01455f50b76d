// Copyright 2024 LatentFS Authors
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

// Package config loads the webdavd configuration from the embedded defaults,
// an optional YAML file and WEBDAVD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"webdavd/internal/artifacts"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "WEBDAVD_"

// Config is the effective server configuration
type Config struct {
	Listen          string        `yaml:"listen" validate:"required"`
	Prefix          string        `yaml:"prefix" validate:"omitempty,startswith=/"`
	Root            string        `yaml:"root" validate:"required"`
	Auth            AuthConfig    `yaml:"auth"`
	Log             LogConfig     `yaml:"log"`
	Locks           LockConfig    `yaml:"locks"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" validate:"gte=0"`
	MaxDepth        int           `yaml:"max_depth" validate:"gte=1"`
	TrashDir        string        `yaml:"trash_dir" validate:"required"`
	StateDir        string        `yaml:"state_dir" validate:"required"`
	Hide            []string      `yaml:"hide"`
	CORS            bool          `yaml:"cors"`
	Metrics         MetricsConfig `yaml:"metrics"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// AuthConfig holds the single static credential pair.
// Both fields empty disables authentication.
type AuthConfig struct {
	Username string `yaml:"username" validate:"required_with=Password"`
	Password string `yaml:"password" validate:"required_with=Username"`
}

// Enabled reports whether requests must authenticate
func (a AuthConfig) Enabled() bool {
	return a.Username != "" || a.Password != ""
}

// LogConfig selects the logrus formatter and level
type LogConfig struct {
	Format string `yaml:"format" validate:"oneof=text json pretty"`
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error off"`
}

// LockConfig holds lock timeouts in seconds
type LockConfig struct {
	DefaultTimeout int `yaml:"default_timeout" validate:"gt=0"`
	MaxTimeout     int `yaml:"max_timeout" validate:"gtefield=DefaultTimeout"`
}

// Default returns the lock timeout used when the client sends none
func (l LockConfig) Default() time.Duration {
	return time.Duration(l.DefaultTimeout) * time.Second
}

// Max returns the upper bound applied to requested lock timeouts
func (l LockConfig) Max() time.Duration {
	return time.Duration(l.MaxTimeout) * time.Second
}

// MetricsConfig configures the Prometheus listener
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Enabled reports whether the metrics listener should start
func (m MetricsConfig) Enabled() bool {
	return m.Listen != ""
}

// Default parses the embedded default configuration
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	return &cfg
}

// Load builds a configuration from the embedded defaults, the file at path
// (skipped when empty) and environment overrides. The result still needs
// Finalize once command-line overrides have been applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize resolves the root to an absolute path, derives the trash and
// state directories and validates the result.
func (c *Config) Finalize() error {
	if c.Root == "" {
		return errors.New("root directory is required")
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve root %q: %w", c.Root, err)
	}
	c.Root = root
	if c.TrashDir == "" {
		c.TrashDir = filepath.Join(root, ".trash")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(root, ".state")
	}
	if c.TrashDir, err = filepath.Abs(c.TrashDir); err != nil {
		return fmt.Errorf("failed to resolve trash dir: %w", err)
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("failed to resolve state dir: %w", err)
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, "/")
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Log.Level = strings.ToLower(c.Log.Level)
	return Validate(c)
}

// Validate checks struct constraints
func Validate(c *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	if out.Auth.Password != "" {
		out.Auth.Password = "********"
	}
	out.Hide = append([]string(nil), c.Hide...)
	return &out
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

type envLookup func(string) (string, bool)

func (c *Config) applyEnv(lookup envLookup) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}

	str("LISTEN", &c.Listen)
	str("PREFIX", &c.Prefix)
	str("ROOT", &c.Root)
	str("AUTH_USERNAME", &c.Auth.Username)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_LEVEL", &c.Log.Level)
	str("TRASH_DIR", &c.TrashDir)
	str("STATE_DIR", &c.StateDir)
	str("METRICS_LISTEN", &c.Metrics.Listen)

	if err := num("LOCKS_DEFAULT_TIMEOUT", &c.Locks.DefaultTimeout); err != nil {
		return err
	}
	if err := num("LOCKS_MAX_TIMEOUT", &c.Locks.MaxTimeout); err != nil {
		return err
	}
	if err := num("MAX_DEPTH", &c.MaxDepth); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_UPLOAD_BYTES: %w", EnvPrefix, err)
		}
		c.MaxUploadBytes = n
	}
	if v, ok := lookup(EnvPrefix + "CORS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCORS: %w", EnvPrefix, err)
		}
		c.CORS = b
	}
	if v, ok := lookup(EnvPrefix + "SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSHUTDOWN_TIMEOUT: %w", EnvPrefix, err)
		}
		c.ShutdownTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "HIDE"); ok {
		c.Hide = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Hide = append(c.Hide, p)
			}
		}
	}
	return nil
}

// WriteDefault writes the embedded default configuration to path.
// Existing files are never overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, artifacts.DefaultConfig, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
