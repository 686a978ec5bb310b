package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk daemon configuration, decoded from rpsd.toml in
// the data directory.
type Config struct {
	ListenAddr     string `toml:"ListenAddr"`
	RPCEndpoint    string `toml:"RPCEndpoint"`
	ProgramAddress string `toml:"ProgramAddress"`
	ServiceKey     string `toml:"ServiceKey"`
	PlatformWallet string `toml:"PlatformWallet"`
	DebugLevel     string `toml:"DebugLevel"`
}

const defaultConfig = `# rpsd configuration

# HTTP and websocket listen address.
ListenAddr = "localhost:8080"

# Ledger node JSON-RPC endpoint.
RPCEndpoint = "http://localhost:8899"

# Escrow program address, 64 hex characters.
ProgramAddress = ""

# Custodial finalization key, 64 hex characters. Keep this file private.
ServiceKey = ""

# Wallet that collects the platform's share of match fees.
PlatformWallet = ""

DebugLevel = "info"
`

// loadConfig reads the config from dataDir, writing a commented template
// on first run so the operator has something to fill in.
func loadConfig(dataDir string) (*Config, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "rpsd.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConfig), 0o600); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return nil, fmt.Errorf("wrote template config to %s, fill it in and restart", path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "localhost:8080"
	}
	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("missing RPCEndpoint in %s", path)
	}
	if err := checkHex32(cfg.ProgramAddress); err != nil {
		return nil, fmt.Errorf("invalid ProgramAddress in %s: %w", path, err)
	}
	if err := checkHex32(cfg.ServiceKey); err != nil {
		return nil, fmt.Errorf("invalid ServiceKey in %s: %w", path, err)
	}
	if cfg.PlatformWallet == "" {
		return nil, fmt.Errorf("missing PlatformWallet in %s", path)
	}
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = "info"
	}
	return cfg, nil
}

func checkHex32(s string) error {
	if s == "" {
		return fmt.Errorf("missing value")
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("expected 64 hex chars (32 bytes)")
	}
	return nil
}
