// Command headersd runs the headers-only blockchain engine as a
// standalone daemon: it loads (or initializes) a chainstate, serves the
// read/mutate RPC surface over HTTP, optionally runs the devnet miner,
// and persists a snapshot on a periodic tick and on shutdown.
//
// Grounded on node/main.go's flag-parsing-then-dispatch CLI shape and
// cmd/rubin-node/main.go's signal-driven graceful-shutdown sequence,
// adapted from the teacher's transaction-aware node bring-up to this
// engine's headers-only startup (config -> chainparams -> chainstate ->
// rpc, no UTXO/mempool/wallet wiring).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/chainstate"
	"rubin.dev/node/internal/config"
	"rubin.dev/node/internal/devminer"
	"rubin.dev/node/internal/headerfeed"
	"rubin.dev/node/internal/log"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/internal/rpc"
	"rubin.dev/node/pkg/notify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "headersd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "path to a JSON config file (optional; defaults applied otherwise)")
		network      = flag.String("network", "", "override network (mainnet|testnet|regtest)")
		bindAddr     = flag.String("bind", "", "override RPC bind address")
		dataDir      = flag.String("datadir", "", "override data directory")
		snapshotTick = flag.Duration("snapshot-interval", 5*time.Minute, "periodic snapshot save interval")
		feedPath     = flag.String("feed", "", "path to a newline-delimited hex-header file to submit at startup (stands in for a peer feed; see internal/headerfeed)")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(cfg.LogLevel, cfg.LogJSON)

	params, ok := chainparams.ByName(cfg.Network)
	if !ok {
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	params.MaxOrphanHeaders = cfg.MaxOrphanHeaders
	params.MaxOrphanHeadersPerPeer = cfg.MaxOrphanHeadersPerPeer
	params.OrphanExpireTime = cfg.OrphanExpireTimeSecs
	params.SuspiciousReorgDepth = cfg.SuspiciousReorgDepth

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	snapshotPath := filepath.Join(cfg.DataDir, "chainstate.json")
	mirrorPath := filepath.Join(cfg.DataDir, "chainstate.bbolt")

	dispatcher := notify.NewDispatcher(256)
	defer dispatcher.Close()
	dispatcher.Subscribe(func(e notify.Event) { logEvent(e) })

	hasher := randomx.NewStub()
	manager := chainstate.NewManager(params, hasher, dispatcher)

	if _, err := os.Stat(snapshotPath); err == nil {
		log.Chain.Info().Str("path", snapshotPath).Msg("loading chainstate snapshot")
		if err := manager.Load(snapshotPath); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if err := manager.OpenMirror(mirrorPath); err != nil {
			return fmt.Errorf("open bbolt mirror: %w", err)
		}
	} else if _, err := os.Stat(mirrorPath); err == nil {
		log.Chain.Info().Str("path", mirrorPath).Msg("no JSON snapshot found; rebuilding chainstate from bbolt mirror")
		if err := manager.LoadFromMirror(mirrorPath, params.GenesisHash); err != nil {
			return fmt.Errorf("load from bbolt mirror: %w", err)
		}
	} else {
		log.Chain.Info().Str("network", cfg.Network).Msg("initializing fresh chainstate from genesis")
		if err := manager.OpenMirror(mirrorPath); err != nil {
			return fmt.Errorf("open bbolt mirror: %w", err)
		}
		if _, err := manager.InitializeGenesis(time.Now().Unix()); err != nil {
			return fmt.Errorf("initialize genesis: %w", err)
		}
	}
	defer manager.CloseMirror()

	if *feedPath != "" {
		headers, err := headerfeed.LoadHexFile(*feedPath)
		if err != nil {
			return fmt.Errorf("load header feed: %w", err)
		}
		errs := headerfeed.SubmitAll(manager, headers, "feed", true, time.Now().Unix())
		for i, err := range errs {
			if err != nil {
				log.Chain.Warn().Int("index", i).Err(err).Msg("header feed entry rejected")
			}
		}
	}

	server := rpc.New(cfg.BindAddr, manager)
	errc, err := server.Start()
	if err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}
	log.RPC.Info().Str("addr", cfg.BindAddr).Msg("rpc server listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DevMinerEnabled {
		miner := devminer.New(manager, hasher, params, devminer.DefaultConfig())
		interval := time.Duration(cfg.DevMinerIntervalMs) * time.Millisecond
		go miner.Run(ctx, interval, func(hash [32]byte, height int64, err error) {
			if err != nil {
				log.Miner.Warn().Err(err).Msg("dev miner round failed")
				return
			}
			log.Miner.Info().Str("hash", fmt.Sprintf("%x", hash)).Int64("height", height).Msg("mined header")
		})
	}

	ticker := time.NewTicker(*snapshotTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Chain.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Shutdown(shutdownCtx)
			cancel()
			if err := manager.Save(snapshotPath); err != nil {
				return fmt.Errorf("save snapshot on shutdown: %w", err)
			}
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("rpc server error: %w", err)
			}
		case <-ticker.C:
			if err := manager.Save(snapshotPath); err != nil {
				log.Storage.Warn().Err(err).Msg("periodic snapshot save failed")
			}
		}
	}
}

func logEvent(e notify.Event) {
	switch e.Kind {
	case notify.BlockConnected:
		log.Chain.Debug().Str("hash", fmt.Sprintf("%x", e.HeaderHash)).Int64("height", e.Height).Msg("block connected")
	case notify.BlockDisconnected:
		log.Chain.Debug().Str("hash", fmt.Sprintf("%x", e.HeaderHash)).Int64("height", e.Height).Msg("block disconnected")
	case notify.ChainTip:
		log.Chain.Info().Str("hash", fmt.Sprintf("%x", e.TipHash)).Int64("height", e.TipHeight).Msg("new chain tip")
	case notify.SuspiciousReorg:
		log.Chain.Warn().Int64("depth", e.ReorgDepth).Int64("max_allowed", e.MaxAllowed).Msg("suspicious reorg refused")
	case notify.NetworkExpired:
		log.Chain.Warn().Int64("height", e.CurrentHeight).Int64("expiration_height", e.ExpirationHeight).Msg("network expiration reached")
	}
}
