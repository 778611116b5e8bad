package blockstore

import (
	"encoding/binary"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

// Mirror incrementally persists the block index into an embedded bbolt
// database, generalizing node/store/db.go's bucket-per-concern layout
// (bucketHeaders/bucketIndex/bucketUndo) to a headers-only schema. It
// exists so a crash between JSON snapshot writes still leaves a
// recoverable on-disk index: every insertion into the in-memory Store
// can be mirrored here transactionally, and RebuildFromMirror can
// reconstruct a Store from it if no JSON snapshot is present.
type Mirror struct {
	db *bolt.DB
}

var (
	bucketHeaders   = []byte("bucket_headers")
	bucketIndex     = []byte("bucket_index")
	bucketByHeight  = []byte("bucket_by_height")
	bucketMeta      = []byte("bucket_meta")
	metaKeyTip      = []byte("tip_hash")
	metaKeyGenesis  = []byte("genesis_hash")
)

// OpenMirror opens (creating if absent) the bbolt file at path and
// ensures all buckets exist.
func OpenMirror(path string) (*Mirror, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open bbolt mirror: %w", err)
	}
	m := &Mirror{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHeaders, bucketIndex, bucketByHeight, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the underlying bbolt handle.
func (m *Mirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// indexRecord is the bbolt-encoded form of one node, mirroring
// node/store/db.go's BlockIndexEntry layout generalized with the two
// status axes and a parent hash instead of a UTXO-chain-specific status
// byte.
type indexRecord struct {
	Height          int64
	ParentHash      uint256.Hash
	HasParent       bool
	ChainworkHex    string
	ValidationLevel int
	Failure         int
	TimeReceived    int64
}

func encodeIndexRecord(r indexRecord) []byte {
	parentFlag := byte(0)
	if r.HasParent {
		parentFlag = 1
	}
	work := []byte(r.ChainworkHex)
	out := make([]byte, 0, 8+32+1+1+1+8+2+len(work))
	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], uint64(r.Height))
	out = append(out, heightBuf[:]...)
	out = append(out, r.ParentHash[:]...)
	out = append(out, parentFlag)
	out = append(out, byte(r.ValidationLevel))
	out = append(out, byte(r.Failure))
	var trBuf [8]byte
	binary.LittleEndian.PutUint64(trBuf[:], uint64(r.TimeReceived))
	out = append(out, trBuf[:]...)
	var workLenBuf [2]byte
	binary.LittleEndian.PutUint16(workLenBuf[:], uint16(len(work)))
	out = append(out, workLenBuf[:]...)
	out = append(out, work...)
	return out
}

func decodeIndexRecord(b []byte) (indexRecord, error) {
	if len(b) < 8+32+1+1+1+8+2 {
		return indexRecord{}, fmt.Errorf("blockstore: truncated index record")
	}
	var r indexRecord
	r.Height = int64(binary.LittleEndian.Uint64(b[0:8]))
	copy(r.ParentHash[:], b[8:40])
	r.HasParent = b[40] == 1
	r.ValidationLevel = int(b[41])
	r.Failure = int(b[42])
	r.TimeReceived = int64(binary.LittleEndian.Uint64(b[43:51]))
	workLen := int(binary.LittleEndian.Uint16(b[51:53]))
	if 53+workLen != len(b) {
		return indexRecord{}, fmt.Errorf("blockstore: bad work length in index record")
	}
	r.ChainworkHex = string(b[53:])
	return r, nil
}

// SyncNode writes n's header and index record into the mirror in a
// single transaction.
func (m *Mirror) SyncNode(n *blockindex.Node) error {
	rec := indexRecord{
		Height:          n.Height(),
		ValidationLevel: int(n.ValidationLevel()),
		Failure:         int(n.Failure()),
		TimeReceived:    n.TimeReceived(),
		ChainworkHex:    n.Chainwork().Big().Text(16),
	}
	if p := n.Parent(); p != nil {
		rec.HasParent = true
		rec.ParentHash = p.Hash()
	}
	hash := n.Hash()
	h := n.Header()
	// The by-height key is the big-endian height followed by the hash, so
	// sibling nodes at the same height each keep their own entry.
	var heightKey [8 + 32]byte
	binary.BigEndian.PutUint64(heightKey[:8], uint64(n.Height()))
	copy(heightKey[8:], hash[:])

	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeaders).Put(hash[:], h.Serialize()); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Put(hash[:], encodeIndexRecord(rec)); err != nil {
			return err
		}
		return tx.Bucket(bucketByHeight).Put(heightKey[:], hash[:])
	})
}

// SetMeta records the current tip and genesis hashes.
func (m *Mirror) SetMeta(tip, genesis uint256.Hash) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(metaKeyTip, tip[:]); err != nil {
			return err
		}
		return b.Put(metaKeyGenesis, genesis[:])
	})
}

// RebuildFromMirror reconstructs a Store by scanning bucket_by_height in
// ascending key order (bbolt's B+tree iteration is already
// lexicographic, and the height key is big-endian, so this visits nodes
// in height order directly) and replaying the same construction path
// Load uses, so chainwork and time_max are recomputed rather than
// trusted from the mirror.
func RebuildFromMirror(m *Mirror, expectedGenesisHash uint256.Hash) (*Store, error) {
	type rawEntry struct {
		hash uint256.Hash
		h    header.Header
		rec  indexRecord
	}
	var entries []rawEntry

	err := m.db.View(func(tx *bolt.Tx) error {
		byHeight := tx.Bucket(bucketByHeight)
		headers := tx.Bucket(bucketHeaders)
		index := tx.Bucket(bucketIndex)
		c := byHeight.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var hash uint256.Hash
			copy(hash[:], v)
			headerBytes := headers.Get(hash[:])
			if headerBytes == nil {
				return fmt.Errorf("blockstore: mirror missing header for %x", hash)
			}
			h, err := header.Parse(headerBytes)
			if err != nil {
				return fmt.Errorf("blockstore: mirror header corrupt: %w", err)
			}
			recBytes := index.Get(hash[:])
			if recBytes == nil {
				return fmt.Errorf("blockstore: mirror missing index record for %x", hash)
			}
			rec, err := decodeIndexRecord(recBytes)
			if err != nil {
				return err
			}
			entries = append(entries, rawEntry{hash: hash, h: h, rec: rec})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rec.Height < entries[j].rec.Height })

	s := New()
	genesisSeen := false
	for _, e := range entries {
		var node *blockindex.Node
		if e.h.IsGenesisShaped() {
			if genesisSeen {
				return nil, fmt.Errorf("blockstore: mirror has more than one genesis node")
			}
			if e.hash != expectedGenesisHash {
				return nil, fmt.Errorf("blockstore: mirror genesis does not match configured network")
			}
			genesisSeen = true
			node = blockindex.New(e.h, e.hash, e.rec.TimeReceived)
		} else {
			parent, ok := s.nodes[e.rec.ParentHash]
			if !ok {
				return nil, fmt.Errorf("blockstore: mirror dangling parent at height %d", e.rec.Height)
			}
			node = blockindex.NewChild(parent, e.h, e.hash, e.rec.TimeReceived)
			if s.children[e.rec.ParentHash] == nil {
				s.children[e.rec.ParentHash] = make(map[uint256.Hash]struct{})
			}
			s.children[e.rec.ParentHash][e.hash] = struct{}{}
		}
		// rec.ValidationLevel and rec.Failure are deliberately never
		// applied here, mirroring Load's treatment of the JSON snapshot's
		// on-disk status as an untrusted hint: every rebuilt node starts at
		// Unknown/NotFailed and the caller re-derives validity from
		// scratch (chainstate.Manager's defense-in-depth revalidation
		// pass).
		s.nodes[e.hash] = node
	}
	if !genesisSeen {
		return nil, fmt.Errorf("blockstore: mirror contains no genesis node")
	}
	s.genesisHash = expectedGenesisHash
	return s, nil
}
