package utils

import (
	"encoding/json"
	"fmt"
	"os"
)

// DataDir is the installed share directory holding templates, set at
// build time. The GOCUBE_DATA_DIR environment variable overrides it.
var DataDir = "."

const DefaultConcurrency = 4
const DefaultWarpWorkers = 2

type ServiceConfig struct {
	// IndexStore is an sqlite file path or a postgres:// URL.
	IndexStore     string `json:"index_store"`
	WarpWorkers    int    `json:"warp_workers"`
	WarpExecutable string `json:"warp_executable"`
	Concurrency    int    `json:"concurrency"`
	MetricsLogDir  string `json:"metrics_log_dir"`
	MaxLogFileSize int64  `json:"max_log_file_size"`
	MaxLogFiles    int    `json:"max_log_files"`
}

type Config struct {
	ServiceConfig ServiceConfig `json:"service_config"`
}

func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	cfg, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("error while reading config file: %s. Error: %v", configFile, err)
	}

	err = json.Unmarshal(cfg, config)
	if err != nil {
		return fmt.Errorf("error at JSON parsing config document: %s. Error: %v", configFile, err)
	}

	if config.ServiceConfig.Concurrency <= 0 {
		config.ServiceConfig.Concurrency = DefaultConcurrency
	}
	if config.ServiceConfig.WarpWorkers <= 0 {
		config.ServiceConfig.WarpWorkers = DefaultWarpWorkers
	}
	return nil
}
