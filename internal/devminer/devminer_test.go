package devminer

import (
	"context"
	"testing"
	"time"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/chainstate"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/pkg/notify"
)

func TestMineOneExtendsTip(t *testing.T) {
	params := chainparams.Regtest()
	hasher := randomx.NewStub()
	chain := chainstate.NewManager(params, hasher, notify.NewDispatcher(16))
	if _, err := chain.InitializeGenesis(int64(params.GenesisHeader.Time) + 1); err != nil {
		t.Fatalf("InitializeGenesis: %v", err)
	}

	cfg := DefaultConfig()
	cfg.TimestampSource = func() int64 { return int64(params.GenesisHeader.Time) + 1000 }
	miner := New(chain, hasher, params, cfg)

	hash, height, err := miner.MineOne(context.Background())
	if err != nil {
		t.Fatalf("MineOne: %v", err)
	}
	if height != 1 {
		t.Fatalf("expected height 1 after mining one block, got %d", height)
	}
	if chain.Tip() == nil || chain.Tip().Hash() != hash {
		t.Fatalf("mined block did not become tip")
	}
}

func TestMineOneFailsWithoutGenesis(t *testing.T) {
	params := chainparams.Regtest()
	hasher := randomx.NewStub()
	chain := chainstate.NewManager(params, hasher, notify.NewDispatcher(16))
	miner := New(chain, hasher, params, DefaultConfig())

	if _, _, err := miner.MineOne(context.Background()); err == nil {
		t.Fatalf("expected error mining with no tip")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	params := chainparams.Regtest()
	hasher := randomx.NewStub()
	chain := chainstate.NewManager(params, hasher, notify.NewDispatcher(16))
	if _, err := chain.InitializeGenesis(int64(params.GenesisHeader.Time) + 1); err != nil {
		t.Fatalf("InitializeGenesis: %v", err)
	}
	cfg := DefaultConfig()
	cfg.TimestampSource = func() int64 { return int64(params.GenesisHeader.Time) + 1000 }
	miner := New(chain, hasher, params, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		miner.Run(ctx, time.Millisecond, nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
