// Command spiced runs the Accelerated Dataset Engine as a long-running
// server: it loads a Spicepod document, brings up every dataset's Source
// Adapter and Acceleration Store, starts the Refresh Engine and Retention
// Sweeper, and serves the HTTP query surface until signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/spiceai/spice/internal/config"
	"github.com/spiceai/spice/internal/logger"
	"github.com/spiceai/spice/internal/runtime"
	"github.com/spiceai/spice/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	podPathFlag := flag.StringP("pod", "p", "spicepod.yaml", "path to the spicepod document (or set SPICEPOD_PATH env var)")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP listen address, overrides runtime.listen_addr (or set SPICE_LISTEN_ADDR env var)")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "emit logs as JSON instead of colorized console output")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "grace period for in-flight requests during shutdown")
	flag.Parse()

	if env := os.Getenv("SPICEPOD_PATH"); env != "" {
		*podPathFlag = env
	}
	if env := os.Getenv("SPICE_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}

	log := logger.New(logger.Options{Verbose: *verboseFlag, JSON: *jsonLogsFlag})

	pod, err := config.Load(*podPathFlag)
	if err != nil {
		return fmt.Errorf("load spicepod: %w", err)
	}
	log.Info("spiced: loaded spicepod", "name", pod.Name, "datasets", len(pod.Datasets))

	srvCfg := server.DefaultConfig()
	srvCfg.ShutdownTimeout = *shutdownTimeoutFlag
	if pod.Runtime.ListenAddr != "" {
		srvCfg.ListenAddr = pod.Runtime.ListenAddr
	}
	if *listenAddrFlag != "" {
		srvCfg.ListenAddr = *listenAddrFlag
	}
	if pod.Runtime.ResultsCacheMaxBytes > 0 {
		srvCfg.CacheMaxBytes = pod.Runtime.ResultsCacheMaxBytes
	}
	if pod.Runtime.ResultsCacheTTL != "" {
		ttl, err := config.ParseDuration(pod.Runtime.ResultsCacheTTL)
		if err != nil {
			return fmt.Errorf("runtime.results_cache_ttl: %w", err)
		}
		srvCfg.CacheTTL = ttl
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := runtime.New(ctx, log, runtime.Config{
		Pod:         pod,
		Server:      srvCfg,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("spiced: shutdown cleanup error", "error", err)
		}
	}()

	log.Info("spiced: starting", "listen_addr", srvCfg.ListenAddr)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("runtime stopped: %w", err)
	}
	log.Info("spiced: stopped cleanly")
	return nil
}
