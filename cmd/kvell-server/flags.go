package main

// flags.go defines kvell-server's command-line surface and the YAML config
// file it can be loaded from, kept in a dedicated flags.go next to main.go.
//
// © 2025 kvell authors. MIT License.

import (
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the subset of kvell.Option that makes sense to set from
// a config file rather than a flag; flags always take precedence when both
// are given.
type fileConfig struct {
	DataDir             string `yaml:"data_dir"`
	Shards              int    `yaml:"shards"`
	QueueDepth          int    `yaml:"queue_depth"`
	NeverExceedQueue    bool   `yaml:"never_exceed_queue_depth"`
	MaxActiveTxns       int    `yaml:"max_active_transactions"`
	TransactionLogBytes int    `yaml:"transaction_object_size"`
	Addr                string `yaml:"addr"`
	MetricsAddr         string `yaml:"metrics_addr"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		DataDir:             "/scratch0/kvell",
		Shards:              8,
		QueueDepth:          4096,
		MaxActiveTxns:       1 << 14,
		TransactionLogBytes: 64,
		Addr:                ":6060",
		MetricsAddr:         ":6061",
	}
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
