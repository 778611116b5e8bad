package blockstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

const snapshotVersion = 1

// snapshotDisk mirrors node/chainstate.go's chainStateDisk shape: a
// versioned record with a height-ordered block list, generalized from a
// whole-chainstate-with-UTXOs snapshot to a headers-only one.
type snapshotDisk struct {
	Version     uint32           `json:"version"`
	BlockCount  int              `json:"block_count"`
	TipHash     string           `json:"tip_hash"`
	GenesisHash string           `json:"genesis_hash"`
	Blocks      []blockEntryDisk `json:"blocks"`
}

type blockEntryDisk struct {
	HeaderHex       string `json:"header_hex"`
	Hash            string `json:"hash"`
	ParentHash      string `json:"parent_hash"`
	Height          int64  `json:"height"`
	ChainworkHex    string `json:"chainwork_hex"`
	ValidationLevel int    `json:"validation_level"`
	Failure         int    `json:"failure"`
	TimeReceived    int64  `json:"time_received"`
}

// Save writes a deterministic, height-ordered snapshot of every known
// node to path using the temp-file-then-rename pattern used throughout
// the node package (node/chainstate.go's writeFileAtomic,
// node/blockstore.go's writeFileIfAbsent).
func (s *Store) Save(path string) error {
	chain := s.AllNodes()
	sort.Slice(chain, func(i, j int) bool { return chain[i].Height() < chain[j].Height() })

	snap := snapshotDisk{
		Version:     snapshotVersion,
		BlockCount:  len(chain),
		GenesisHash: s.genesisHash.String(),
		Blocks:      make([]blockEntryDisk, 0, len(chain)),
	}
	if tip := s.Tip(); tip != nil {
		snap.TipHash = tip.Hash().String()
	}
	for _, n := range chain {
		var parentHash string
		if p := n.Parent(); p != nil {
			parentHash = p.Hash().String()
		}
		h := n.Header()
		snap.Blocks = append(snap.Blocks, blockEntryDisk{
			HeaderHex:       fmt.Sprintf("%x", h.Serialize()),
			Hash:            n.Hash().String(),
			ParentHash:      parentHash,
			Height:          n.Height(),
			ChainworkHex:    n.Chainwork().Big().Text(16),
			ValidationLevel: int(n.ValidationLevel()),
			Failure:         int(n.Failure()),
			TimeReceived:    n.TimeReceived(),
		})
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("blockstore: marshal snapshot: %w", err)
	}
	return writeFileAtomic(path, raw, 0o600)
}

// Load reconstructs a store from a snapshot written by Save, validating
// every invariant the persistence section requires: version, genesis
// hash, dangling parents, exactly one genesis, height contiguity, and a
// hash round-trip per header. Chainwork, time_max, and the skip pointer
// are always recomputed from the header bytes and parent chain rather
// than trusted from disk — on-disk chainwork is treated as a hint only
// and is never read back.
//
// Load does not select an active tip: chainwork recomputation can change
// which branch has the most work, so the caller re-runs its own
// candidate selection (see the project's notes on reload tip selection)
// and calls SetActiveTip once it has decided.
func Load(path string, expectedGenesisHash uint256.Hash) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read snapshot: %w", err)
	}
	var snap snapshotDisk
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("blockstore: parse snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("blockstore: unknown snapshot version %d", snap.Version)
	}
	if snap.GenesisHash != expectedGenesisHash.String() {
		return nil, fmt.Errorf("blockstore: snapshot genesis hash does not match configured network")
	}

	blocks := append([]blockEntryDisk(nil), snap.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })

	s := New()
	genesisSeen := false

	for _, b := range blocks {
		headerBytes, err := hexDecode(b.HeaderHex)
		if err != nil {
			return nil, fmt.Errorf("blockstore: bad header hex at height %d: %w", b.Height, err)
		}
		h, err := header.Parse(headerBytes)
		if err != nil {
			return nil, fmt.Errorf("blockstore: bad header at height %d: %w", b.Height, err)
		}
		hash := h.Hash()
		wantHash, err := uint256.HashFromHex(b.Hash)
		if err != nil {
			return nil, fmt.Errorf("blockstore: bad hash hex at height %d: %w", b.Height, err)
		}
		if hash != wantHash {
			return nil, fmt.Errorf("blockstore: header at height %d does not hash to its stored hash (corruption)", b.Height)
		}

		var node *blockindex.Node
		if h.IsGenesisShaped() {
			if genesisSeen {
				return nil, fmt.Errorf("blockstore: snapshot contains more than one genesis-shaped node")
			}
			if hash != expectedGenesisHash {
				return nil, fmt.Errorf("blockstore: genesis-shaped node does not match configured genesis hash")
			}
			genesisSeen = true
			node = blockindex.New(h, hash, b.TimeReceived)
		} else {
			parentHash, err := uint256.HashFromHex(b.ParentHash)
			if err != nil {
				return nil, fmt.Errorf("blockstore: bad parent hash hex at height %d: %w", b.Height, err)
			}
			parent, ok := s.nodes[parentHash]
			if !ok {
				return nil, fmt.Errorf("blockstore: dangling parent for node at height %d", b.Height)
			}
			if parent.Height()+1 != b.Height {
				return nil, fmt.Errorf("blockstore: height discontinuity at height %d", b.Height)
			}
			node = blockindex.NewChild(parent, h, hash, b.TimeReceived)
			if s.children[parentHash] == nil {
				s.children[parentHash] = make(map[uint256.Hash]struct{})
			}
			s.children[parentHash][hash] = struct{}{}
		}

		// b.ValidationLevel and b.Failure are deliberately never applied
		// here: the persistence format treats on-disk status as an
		// untrusted hint (spec.md §4.4.3 step 7). Every loaded node starts
		// at Unknown/NotFailed; the caller (chainstate.Load) re-derives
		// validity from scratch by replaying the same checks
		// accept_header would have run.
		s.nodes[hash] = node
	}

	if !genesisSeen {
		return nil, fmt.Errorf("blockstore: snapshot contains no genesis node")
	}
	s.genesisHash = expectedGenesisHash
	return s, nil
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// writeFileAtomic mirrors node/chainstate.go's helper: write to a
// temp file in the same directory, then rename, so a crash mid-write
// never leaves a half-written snapshot in place of a good one.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
