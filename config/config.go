// Package config loads the edge configuration from a YAML file,
// a .env file and RSC_EDGE_* environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/rsc-edge/cache"
	"github.com/always-cache/rsc-edge/normalize"
	responsetransformer "github.com/always-cache/rsc-edge/pkg/response-transformer"
)

type Config struct {
	Port      int `yaml:"port"`
	AdminPort int `yaml:"adminPort"`
	// Origin URL to proxy to.
	Origin string `yaml:"origin"`
	// Hostname of the origin, if Origin is an IP address.
	Host  string            `yaml:"host"`
	Store cache.StoreConfig `yaml:"store"`
	// Query parameters to normalize. Defaults to `_rsc` -> `1`.
	Normalize []normalize.Rule `yaml:"normalize"`
	// Disable query normalization, for comparing hit rates.
	DisableNormalization bool `yaml:"disableNormalization"`
	// Cache-Control rules for origin responses.
	Rules          responsetransformer.Rules `yaml:"rules"`
	DisableUpdates bool                      `yaml:"disableUpdates"`
	RefreshWindow  time.Duration             `yaml:"refreshWindow"`
	RefreshRate    float64                   `yaml:"refreshRate"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Port:          8080,
		AdminPort:     9090,
		Store:         cache.StoreConfig{Provider: "sqlite", Path: "cache.db"},
		RefreshWindow: 15 * time.Second,
		RefreshRate:   5,
	}
}

// Load reads the configuration. An empty filename skips the YAML file;
// a missing .env file is not an error.
func Load(filename string) (Config, error) {
	config := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("loading .env: %w", err)
	}

	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parsing %s: %w", filename, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return config, err
	}
	return config, config.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RSC_EDGE_ORIGIN"); v != "" {
		c.Origin = v
	}
	if v := os.Getenv("RSC_EDGE_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("RSC_EDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RSC_EDGE_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("RSC_EDGE_STORE"); v != "" {
		c.Store.Provider = v
	}
	if v := os.Getenv("RSC_EDGE_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RSC_EDGE_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("RSC_EDGE_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	param, sentinel := os.Getenv("RSC_EDGE_PARAM"), os.Getenv("RSC_EDGE_SENTINEL")
	if param != "" || sentinel != "" {
		c.SetRule(param, sentinel)
	}
	return nil
}

// SetRule replaces the normalization rules with a single rule.
// Empty values keep those of the default rule.
func (c *Config) SetRule(param, sentinel string) {
	rule := normalize.DefaultRule
	if param != "" {
		rule.Param = param
	}
	if sentinel != "" {
		rule.Sentinel = sentinel
	}
	c.Normalize = []normalize.Rule{rule}
}

// Normalizer builds the normalizer for the configured rules.
func (c Config) Normalizer() (*normalize.Normalizer, error) {
	return normalize.New(c.Normalize...)
}

// OriginURL parses the origin.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL: %s", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origins with paths are not supported: %s", c.Origin)
	}
	return u, nil
}

// Validate checks everything that can be checked without connecting anywhere.
// An empty origin is allowed, it may still be set by flags.
func (c Config) Validate() error {
	if c.Port <= 0 || c.AdminPort < 0 {
		return fmt.Errorf("invalid port")
	}
	if c.Origin != "" {
		if _, err := c.OriginURL(); err != nil {
			return err
		}
	}
	if _, err := c.Normalizer(); err != nil {
		return err
	}
	if c.RefreshRate < 0 || c.RefreshWindow < 0 {
		return fmt.Errorf("refresh window and rate must not be negative")
	}
	return nil
}
