// Package config loads the settings of the hmh-server and hmh-demo commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/logutil"
)

type Config struct {
	DBPath string            `yaml:"db-path"`
	Port   string            `yaml:"port"`
	Log    logutil.LogConfig `yaml:"log"`
	Server ServerConfig      `yaml:"server"`
}

type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read-timeout"`
	WriteTimeout    time.Duration `yaml:"write-timeout"`
	IdleTimeout     time.Duration `yaml:"idle-timeout"`
	QueryTimeout    time.Duration `yaml:"query-timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"cors-origins"`
}

func Default() Config {
	return Config{
		DBPath: "hmh.sqlite",
		Port:   "8080",
		Log:    logutil.DefaultConfig(),
		Server: ServerConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			QueryTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("HMH_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := getenv("HMH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db-path is required")
	}
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.Server.QueryTimeout <= 0 {
		return errors.New("server.query-timeout must be positive")
	}
	return nil
}
