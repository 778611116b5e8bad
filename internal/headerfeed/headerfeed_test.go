package headerfeed

import (
	"encoding/hex"
	"strings"
	"testing"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/chainstate"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/pkg/notify"
)

func TestParseHexLinesSkipsBlankAndComment(t *testing.T) {
	var h header.Header
	h.Version = 1
	raw := hex.EncodeToString(h.Serialize())
	input := "# a comment\n\n" + raw + "\n"
	out, err := parseHexLines(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseHexLines: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 header, got %d", len(out))
	}
	if out[0].Version != 1 {
		t.Fatalf("unexpected parsed header: %+v", out[0])
	}
}

func TestParseHexLinesRejectsBadHex(t *testing.T) {
	if _, err := parseHexLines(strings.NewReader("not-hex\n")); err == nil {
		t.Fatal("expected error for invalid hex line")
	}
}

func TestSubmitAllStashesOrphanOnMissingParent(t *testing.T) {
	params := chainparams.Regtest()
	chain := chainstate.NewManager(params, randomx.NewStub(), notify.NewDispatcher(16))
	chain.SetSkipPowChecks(true)
	now := int64(params.GenesisHeader.Time) + 1_000_000
	if _, err := chain.InitializeGenesis(now); err != nil {
		t.Fatalf("InitializeGenesis: %v", err)
	}

	orphan := header.Header{
		Version:  1,
		PrevHash: header.Header{Version: 99}.Hash(), // an unknown parent
		Time:     uint32(now) + 150,
		Bits:     params.GenesisHeader.Bits,
		Nonce:    1,
	}

	errs := SubmitAll(chain, []header.Header{orphan}, "peer0", true, now)
	if errs[0] != nil {
		t.Fatalf("expected orphan to be stashed without error, got %v", errs[0])
	}
	if chain.OrphanCount() != 1 {
		t.Fatalf("expected 1 orphan stashed, got %d", chain.OrphanCount())
	}
}
