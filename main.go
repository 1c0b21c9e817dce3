// Copyright (C) 2025 The sbdd Authors

// sbdd is a userspace daemon implementing a transparent block device proxy.
// It opens a backing block device, publishes a virtual device of the same
// capacity as an NBD export and forwards every request it receives to the
// backing device, passing completions back unchanged. The daemon stores
// nothing itself; its value is the teardown protocol which guarantees no
// request is lost when the device is removed while I/O is in flight.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/sbdd contains the core: request forwarding and the device
// lifecycle. See the package descriptions in the source code for more
// details.
//
// - internal/backing contains the Backing implementations the proxy can
// forward to: a local file or block device and a remote NBD export.
//
// - internal/null contains trivial implementation of a backing which does
// nothing but correctly. It can be used for benchmarking the proxy and
// export layers. The null implementation is part of sbdd because it shares
// configuration and makes benchmarking easier and without code duplication.
//
// - internal/export publishes the proxy device as an NBD export and
// internal/nbd holds the wire protocol both the export and the remote
// backing use.
//
// - internal/config contains configuration package which is common for all
// backing implementations.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmitry-o6/sbdd/internal/backing/file"
	"github.com/dmitry-o6/sbdd/internal/backing/remote"
	"github.com/dmitry-o6/sbdd/internal/config"
	"github.com/dmitry-o6/sbdd/internal/export"
	"github.com/dmitry-o6/sbdd/internal/null"
	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// Fallback capacity of the null backing, which has no real device to ask.
// In sectors, equals 1 GiB.
const nullCapacity = 1 << (30 - sbdd.SectorShift)

// Parse configuration from file and environment variables, open the backing
// device and publish the proxy device. The device is served until SIGINT or
// SIGTERM asks for a graceful removal, which drains all in-flight requests
// before releasing the backing device.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	host := export.New(config.Cfg.Listen)

	dev, err := sbdd.Create(config.Cfg.Name, getBackingOpener(), host)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Str("device", dev.Name()).Msg("device published")

	waitForSignal()

	log.Info().Str("device", dev.Name()).Msg("removing device")
	if err := dev.Delete(); err != nil {
		log.Error().Err(err).Msg("removal finished with error")
	}
}

// Return the backing opener selected by the configuration, file backing
// being the default.
func getBackingOpener() sbdd.OpenBacking {
	switch config.Cfg.Backing {
	case "null":
		return func() (sbdd.Backing, error) {
			return null.NewNull(nullCapacity), nil
		}
	case "nbd":
		return func() (sbdd.Backing, error) {
			return remote.Connect(remote.Options{
				Addr:        config.Cfg.BlkDevPath,
				Export:      config.Cfg.Name,
				MaxTransfer: config.Cfg.MaxTransfer,
			})
		}
	default:
		return func() (sbdd.Backing, error) {
			return file.Open(file.Options{
				Path:        config.Cfg.BlkDevPath,
				Direct:      config.Cfg.Direct,
				Workers:     config.Cfg.Workers,
				MaxTransfer: config.Cfg.MaxTransfer,
			})
		}
	}
}

// Block until SIGINT or SIGTERM comes in.
func waitForSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
