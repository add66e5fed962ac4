// oreboard-indexer tracks an on-chain mining-game program, attributing
// rewards as rounds finalize and serving the resulting history over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oreboard/indexer/internal/aggregate"
	"github.com/oreboard/indexer/internal/api"
	"github.com/oreboard/indexer/internal/chain"
	"github.com/oreboard/indexer/internal/config"
	"github.com/oreboard/indexer/internal/poller"
	"github.com/oreboard/indexer/internal/profiling"
	"github.com/oreboard/indexer/internal/readmodel"
	"github.com/oreboard/indexer/internal/store"
	"github.com/oreboard/indexer/internal/telemetry"
	"github.com/oreboard/indexer/internal/util"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("oreboard-indexer v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("oreboard-indexer v%s starting", version)

	programID, err := util.DecodePubkey(cfg.RPC.ProgramID)
	if err != nil {
		util.Fatalf("Invalid rpc.program_id: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		util.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	cache := readmodel.New()
	maintainer := aggregate.NewMaintainer(s)
	chainClient := chain.NewClient(cfg.RPC.URL, programID, cfg.Node.Timeout)

	var pprofServer *profiling.Server

	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	// Always constructed, even when disabled: the Agent's domain methods are
	// nil-safe at the inner *newrelic.Application level but not at the
	// receiver level, so poller/api always get a real (if inert) Agent.
	nrAgent := telemetry.NewAgent(&cfg.NewRelic)
	if cfg.NewRelic.Enabled {
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	p := poller.New(poller.Config{
		TreasuryAddress: cfg.RPC.TreasuryAddress,
		BoardAddress:    cfg.RPC.BoardAddress,
		ProgramID:       programID,
		RPCTimeout:      cfg.Node.Timeout,
	}, chainClient, s, cache, maintainer, nrAgent)
	p.Start(ctx)

	apiServer := api.NewServer(cfg, s, cache, nrAgent)
	if err := apiServer.Start(); err != nil {
		util.Fatalf("Failed to start API server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Indexer started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if err := apiServer.Stop(); err != nil {
		util.Errorf("API server shutdown error: %v", err)
	}
	p.Stop()
	if pprofServer != nil {
		if err := pprofServer.Stop(); err != nil {
			util.Errorf("pprof server shutdown error: %v", err)
		}
	}
	nrAgent.Stop()
	cancel()

	util.Info("Indexer stopped")
}
