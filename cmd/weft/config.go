package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the optional defaults file (~/.config/weft/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	Steps       *int64   `yaml:"steps"`
	Seed        *int64   `yaml:"seed"`
	NThreads    *int64   `yaml:"nthreads"`
	MaxSeqLen   *int64   `yaml:"max_seq_len"`
	NetTurbo    *bool    `yaml:"net_turbo"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`
	StatusAddr  string   `yaml:"status_addr"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "weft", "config.yaml")
}

func loadConfig() Config {
	var cfg Config
	path := configPath()
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	_ = yaml.Unmarshal(data, &cfg)
	return cfg
}

// applyConfig fills in config-file defaults for every flag the user did
// not set on the command line.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		temperature = *cfg.Temperature
	}
	if cfg.TopP != nil && !c.IsSet("topp") {
		topp = *cfg.TopP
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		steps = *cfg.Steps
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.NThreads != nil && !c.IsSet("nthreads") {
		nThreads = *cfg.NThreads
	}
	if cfg.MaxSeqLen != nil && !c.IsSet("max-seq-len") {
		maxSeqLen = *cfg.MaxSeqLen
	}
	if cfg.NetTurbo != nil && !c.IsSet("net-turbo") {
		netTurbo = *cfg.NetTurbo
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.StatusAddr != "" && !c.IsSet("status-addr") {
		statusAddr = cfg.StatusAddr
	}
}
