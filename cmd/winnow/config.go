package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the winnow configuration file
// (~/.config/winnow/config.yaml). Fields mirror the CLI flags they
// default.
type Config struct {
	Device      string `yaml:"device"`
	Calibration string `yaml:"calibration"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "winnow", "config.yaml")
}

// loadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func loadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyLoggingConfig fills logging variables from the config file when
// the corresponding CLI flag was not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyCompressConfig fills compress command variables from the config
// file when the corresponding CLI flag was not explicitly set.
func applyCompressConfig(c *cli.Command, cfg Config) {
	if cfg.Device != "" && !c.IsSet("device") {
		devicePref = cfg.Device
	}
	if cfg.Calibration != "" && !c.IsSet("calibration") {
		calibPath = cfg.Calibration
	}
}

// applyServeConfig fills serve command variables from the config file.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
