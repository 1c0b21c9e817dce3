// Copyright (C) 2025 The sbdd Authors

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/sbdd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	BlkDevPath string `toml:"blk_dev_path" env:"SBDD_BLKDEV_PATH" env-default:"/dev/sdb" env-description:"Path to the backing block device or file all I/O is forwarded to. For the nbd backing this is the server address."`
	Name       string `toml:"name" env:"SBDD_NAME" env-default:"sbdd" env-description:"Name the proxy device is exported under."`
	Listen     string `toml:"listen" env:"SBDD_LISTEN" env-default:"localhost:10809" env-description:"Address the NBD export listens on. host:port or unix:/path/to/socket."`

	Backing     string `toml:"backing" env:"SBDD_BACKING" env-default:"file" env-description:"Backing kind: file, nbd or null. null acknowledges immediately, for benchmarking the proxy itself."`
	Direct      bool   `toml:"direct" env:"SBDD_DIRECT" env-default:"false" env-description:"Open the backing device with O_DIRECT. Requires block-aligned requests."`
	MaxTransfer int64  `toml:"max_transfer" env:"SBDD_MAXTRANSFER" env-default:"2048" env-description:"Largest single transfer to the backing device in sectors. 0 disables splitting."`
	Workers     int    `toml:"workers" env:"SBDD_WORKERS" env-default:"16" env-description:"Number of goroutines serving backing device I/O."`

	Log struct {
		Level  int  `toml:"level" env:"SBDD_LOG_LEVEL" env-default:"1" env-description:"Log level."`
		Pretty bool `toml:"pretty" env:"SBDD_LOG_PRETTY" env-default:"true" env-description:"Pretty logging."`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"SBDD_PROFILER" env-default:"false" env-description:"Enable golang web profiler."`
	ProfilerPort int  `toml:"profiler_port" env:"SBDD_PROFILER_PORT" env-default:"6060" env-description:"Port to listen on."`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment variables
// have the highest priority. It is perfectly fine to use just one of these
// or to combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and read the environment variables. After
// that it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	if Cfg.Workers < 1 {
		Cfg.Workers = 1
	}

	if Cfg.MaxTransfer < 0 {
		Cfg.MaxTransfer = 0
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("sbdd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
