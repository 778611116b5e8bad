// Package headerfeed stands in for "headers arriving from a peer" in
// tests and local demos: it reads a newline-delimited hex-encoded header
// file and submits each entry through the normal acceptance pipeline.
// The real P2P transport is out of scope (spec.md §1); this is the file-
// based substitute the daemon and tests use in its place.
package headerfeed

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"rubin.dev/node/internal/chainstate"
	"rubin.dev/node/internal/header"
)

// LoadHexFile reads newline-delimited hex-encoded 100-byte headers from
// path, skipping blank lines and lines starting with '#'.
func LoadHexFile(path string) ([]header.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("headerfeed: open %s: %w", path, err)
	}
	defer f.Close()
	return parseHexLines(f)
}

func parseHexLines(r io.Reader) ([]header.Header, error) {
	var out []header.Header
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("headerfeed: line %d: invalid hex: %w", lineNo, err)
		}
		h, err := header.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("headerfeed: line %d: %w", lineNo, err)
		}
		out = append(out, h)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("headerfeed: scan: %w", err)
	}
	return out, nil
}

// SubmitAll submits every header in order through chain, peerID
// identifying this feed's source for the orphan pool's per-peer
// accounting. A header rejected with prev-blk-not-found is stashed via
// AddOrphanHeader instead of being treated as a hard failure, mirroring
// how a real peer-network collaborator would react to that soft-reject
// reason (spec.md §6.4).
func SubmitAll(chain *chainstate.Manager, headers []header.Header, peerID string, minPowChecked bool, nowUnix int64) []error {
	errs := make([]error, len(headers))
	for i, h := range headers {
		_, err := chain.ProcessNewBlockHeader(h, peerID, minPowChecked, nowUnix)
		if err == nil {
			continue
		}
		if ve, ok := chainstate.AsValidationError(err); ok && ve.Code == chainstate.ErrPrevBlockNotFound {
			if chain.AddOrphanHeader(h, peerID, nowUnix) {
				continue
			}
		}
		errs[i] = err
	}
	return errs
}
