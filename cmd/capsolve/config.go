package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/capsolve/browser"
	"github.com/hazyhaar/capsolve/server"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	DBPath   string         `yaml:"db_path"`
	LogLevel string         `yaml:"log_level"`
	Browser  browser.Config `yaml:"browser"`
	Server   server.Config  `yaml:"server"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// MCPConfig controls the MCP transport.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8597"
	}
	if c.DBPath == "" {
		c.DBPath = "capsolve.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MCP.Listen == "" {
		c.MCP.Listen = "127.0.0.1:8598"
	}
}

// loadConfig reads a YAML configuration file; a missing path yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}
