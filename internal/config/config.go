// Package config implements the headers daemon's on-disk/flag
// configuration, following node/config.go's shape and validation style:
// a plain JSON-tagged struct, a DefaultConfig constructor, and a
// ValidateConfig pass that rejects a malformed operator-supplied file
// before the daemon touches the chainstate engine.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Config is the daemon's full startup configuration: the teacher's own
// network/data-dir/bind-addr/log-level/peers fields, plus the
// headers-engine-specific knobs an operator may legitimately want to
// tune per deployment (orphan pool caps, suspicious-reorg depth).
type Config struct {
	Network  string   `json:"network"`
	DataDir  string   `json:"data_dir"`
	BindAddr string   `json:"bind_addr"`
	LogLevel string   `json:"log_level"`
	LogJSON  bool     `json:"log_json"`
	Peers    []string `json:"peers"`
	MaxPeers int      `json:"max_peers"`

	MaxOrphanHeaders        int   `json:"max_orphan_headers"`
	MaxOrphanHeadersPerPeer int   `json:"max_orphan_headers_per_peer"`
	OrphanExpireTimeSecs    int64 `json:"orphan_expire_time_secs"`
	SuspiciousReorgDepth    int64 `json:"suspicious_reorg_depth"`

	DevMinerEnabled    bool  `json:"dev_miner_enabled"`
	DevMinerIntervalMs int64 `json:"dev_miner_interval_ms"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedNetworks = map[string]struct{}{
	"mainnet": {},
	"testnet": {},
	"regtest": {},
}

// DefaultDataDir mirrors node/config.go's home-directory fallback.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".headersd"
	}
	return filepath.Join(home, ".headersd")
}

// DefaultConfig returns the daemon's out-of-the-box configuration:
// regtest, a local RPC bind address, and the same orphan/reorg defaults
// chainparams.Regtest wires in, kept in sync by convention rather than
// importing chainparams here (config must not depend on the engine it
// configures).
func DefaultConfig() Config {
	return Config{
		Network:                 "regtest",
		DataDir:                 DefaultDataDir(),
		BindAddr:                "127.0.0.1:19211",
		LogLevel:                "info",
		MaxPeers:                64,
		MaxOrphanHeaders:        100,
		MaxOrphanHeadersPerPeer: 10,
		OrphanExpireTimeSecs:    20 * 60,
		SuspiciousReorgDepth:    0,
		DevMinerEnabled:         false,
		DevMinerIntervalMs:      500,
	}
}

// NormalizePeers flattens and dedupes a set of comma-joined peer address
// tokens the way node/config.go's flag parsing does.
func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ValidateConfig rejects a malformed configuration before it reaches the
// daemon's startup sequence.
func ValidateConfig(cfg Config) error {
	network := strings.ToLower(strings.TrimSpace(cfg.Network))
	if _, ok := allowedNetworks[network]; !ok {
		return fmt.Errorf("invalid network %q", cfg.Network)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.MaxPeers <= 0 || cfg.MaxPeers > 4096 {
		return errors.New("max_peers must be in (0, 4096]")
	}
	if cfg.MaxOrphanHeaders < 0 {
		return errors.New("max_orphan_headers must be >= 0")
	}
	if cfg.MaxOrphanHeadersPerPeer < 0 {
		return errors.New("max_orphan_headers_per_peer must be >= 0")
	}
	if cfg.SuspiciousReorgDepth < 0 {
		return errors.New("suspicious_reorg_depth must be >= 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// Load reads and validates a JSON configuration file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, using the same temp-file-
// then-rename pattern internal/blockstore's snapshot writer uses.
func Save(path string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
