package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the profile config file inside a profile directory.
const FileName = "config.toml"

// IPCConfig defines socket settings for the daemon.
type IPCConfig struct {
	SocketPath string `toml:"socketPath"`
}

// StorageConfig defines SQLite tuning options.
type StorageConfig struct {
	DBPath      string `toml:"dbPath"`
	JournalMode string `toml:"journalMode"`
	Synchronous string `toml:"synchronous"`
}

// VCSRemote config.
type VCSRemote struct {
	URL           string `toml:"url"`
	CredentialRef string `toml:"credentialRef"`
}

// VCSConfig controls the connection history repository.
type VCSConfig struct {
	Enabled  bool      `toml:"enabled"`
	Branch   string    `toml:"branch"`
	AutoPush bool      `toml:"autoPush"`
	Remote   VCSRemote `toml:"remote"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
}

// Network is a chain the wallet can hand to dapps.
type Network struct {
	Name    string `toml:"name"`
	ChainID uint64 `toml:"chainId"`
	RPCURL  string `toml:"rpcUrl"`
}

// WalletConfig holds the chain registry and request policy.
type WalletConfig struct {
	DefaultChainID uint64    `toml:"defaultChainId"`
	RequestTimeout Duration  `toml:"requestTimeout"`
	Networks       []Network `toml:"networks"`
}

// ProfileConfig aggregates service configuration for a profile.
type ProfileConfig struct {
	ProfileName string        `toml:"profileName"`
	Storage     StorageConfig `toml:"storage"`
	VCS         VCSConfig     `toml:"vcs"`
	IPC         IPCConfig     `toml:"ipc"`
	Logging     LoggingConfig `toml:"logging"`
	Wallet      WalletConfig  `toml:"wallet"`
}

// Duration is a time.Duration that reads and writes as a TOML string ("30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultProfile returns a config with local paths and Ethereum mainnet plus Sepolia.
func DefaultProfile(name string) *ProfileConfig {
	return &ProfileConfig{
		ProfileName: name,
		Storage: StorageConfig{
			DBPath:      "state.db",
			JournalMode: "WAL",
			Synchronous: "NORMAL",
		},
		VCS: VCSConfig{Branch: "main"},
		IPC: IPCConfig{SocketPath: "ipc.sock"},
		Logging: LoggingConfig{
			Level: "info",
		},
		Wallet: WalletConfig{
			DefaultChainID: 1,
			RequestTimeout: Duration{60 * time.Second},
			Networks: []Network{
				{Name: "mainnet", ChainID: 1, RPCURL: "https://cloudflare-eth.com"},
				{Name: "sepolia", ChainID: 11155111, RPCURL: "https://rpc.sepolia.org"},
			},
		},
	}
}

// Load reads config.toml from the provided path.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads config.toml from a profile directory.
func LoadProfile(profileDir string) (*ProfileConfig, error) {
	return Load(filepath.Join(profileDir, FileName))
}

// Save writes cfg as TOML to path.
func Save(path string, cfg *ProfileConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath makes p absolute relative to the profile directory.
func ResolvePath(profileDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(profileDir, p)
}

// Network looks up a configured network by chain id.
func (cfg *ProfileConfig) Network(chainID uint64) (Network, bool) {
	for _, n := range cfg.Wallet.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.Storage.DBPath == "" {
		return fmt.Errorf("storage.dbPath required")
	}
	if cfg.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socketPath required")
	}
	if cfg.VCS.Branch == "" {
		cfg.VCS.Branch = "main"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if len(cfg.Wallet.Networks) == 0 {
		return fmt.Errorf("wallet.networks requires at least one network")
	}
	seen := make(map[uint64]struct{}, len(cfg.Wallet.Networks))
	for i, n := range cfg.Wallet.Networks {
		if n.ChainID == 0 {
			return fmt.Errorf("wallet.networks[%d]: chainId required", i)
		}
		if strings.TrimSpace(n.RPCURL) == "" {
			return fmt.Errorf("wallet.networks[%d]: rpcUrl required", i)
		}
		if _, dup := seen[n.ChainID]; dup {
			return fmt.Errorf("wallet.networks[%d]: duplicate chainId %d", i, n.ChainID)
		}
		seen[n.ChainID] = struct{}{}
	}
	if cfg.Wallet.DefaultChainID == 0 {
		cfg.Wallet.DefaultChainID = cfg.Wallet.Networks[0].ChainID
	}
	if _, ok := cfg.Network(cfg.Wallet.DefaultChainID); !ok {
		return fmt.Errorf("wallet.defaultChainId %d is not a configured network", cfg.Wallet.DefaultChainID)
	}
	if cfg.Wallet.RequestTimeout.Duration < 0 {
		return fmt.Errorf("wallet.requestTimeout must not be negative")
	}
	return nil
}
