package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/chainstate"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/pkg/notify"
)

func newTestServer(t *testing.T) (*Server, *chainstate.Manager) {
	t.Helper()
	params := chainparams.Regtest()
	chain := chainstate.NewManager(params, randomx.NewStub(), notify.NewDispatcher(64))
	chain.SetSkipPowChecks(true)
	now := int64(params.GenesisHeader.Time) + 1_000_000
	if _, err := chain.InitializeGenesis(now); err != nil {
		t.Fatalf("InitializeGenesis: %v", err)
	}

	s := New("127.0.0.1:0", chain)
	errc, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
		}
	})
	return s, chain
}

func TestHandleTipReturnsGenesis(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/tip")
	if err != nil {
		t.Fatalf("GET /tip: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var got blockView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Height != 0 {
		t.Fatalf("want genesis height 0, got %d", got.Height)
	}
}

func TestHandleBlockCount(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/blockcount")
	if err != nil {
		t.Fatalf("GET /blockcount: %v", err)
	}
	defer resp.Body.Close()
	var got map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["block_count"] != 1 {
		t.Fatalf("want 1 known block (genesis), got %d", got["block_count"])
	}
}

func TestHandleInvalidateBlockRejectsGenesis(t *testing.T) {
	s, chain := newTestServer(t)
	genesisHash := chain.Tip().Hash()

	body, _ := json.Marshal(invalidateBlockRequest{Hash: genesisHash.String()})
	resp, err := http.Post("http://"+s.Addr()+"/invalidateblock", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /invalidateblock: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 rejecting genesis invalidation, got %d", resp.StatusCode)
	}
}

func TestHandleSkipPowChecksToggles(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(skipPowChecksRequest{Skip: false})
	resp, err := http.Post("http://"+s.Addr()+"/skippowchecks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /skippowchecks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}
