package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanbeam/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanbeam"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANBEAM_DATA_DIR"
	// DefaultListeningPort is the TLS port peers connect to.
	DefaultListeningPort = 4000
	// DefaultDiscoveryPort is the UDP port beacons are sent to.
	DefaultDiscoveryPort = 57143
	// DefaultBeaconIntervalMS is the pause between beacons.
	DefaultBeaconIntervalMS = 300
	// DefaultChunkSize is the transfer chunk size in bytes.
	DefaultChunkSize = transfer.DefaultChunkSize
	// MinChunkSize and MaxChunkSize bound the configurable chunk size. Peers
	// reject descriptors implying chunks outside the same range.
	MinChunkSize = transfer.MinChunkSize
	MaxChunkSize = transfer.MaxChunkSize
	// DefaultTLSServerName is the name certificates are issued for and verified against.
	DefaultTLSServerName = "lanbeam"
	// DefaultLogLevel is the logrus level used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	ListeningPort    int    `json:"listening_port"`
	DiscoveryPort    int    `json:"discovery_port"`
	BeaconIntervalMS int    `json:"beacon_interval_ms"`
	ChunkSize        int    `json:"chunk_size"`
	DownloadDir      string `json:"download_dir"`
	CertPath         string `json:"cert_path"`
	KeyPath          string `json:"key_path"`
	// TrustedCAPath pins peers to one CA. Empty trusts each peer certificate
	// on first use and pins its fingerprint.
	TrustedCAPath    string `json:"trusted_ca_path"`
	TLSServerName    string `json:"tls_server_name"`
	EnableMDNS       bool   `json:"enable_mdns"`
	LogLevel         string `json:"log_level"`
	LogFile          string `json:"log_file"`
}

// BeaconInterval returns the beacon interval as a duration.
func (c *DeviceConfig) BeaconInterval() time.Duration {
	return time.Duration(c.BeaconIntervalMS) * time.Millisecond
}

// Validate rejects settings the node cannot run with.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if strings.Contains(c.DeviceName, "|") {
		return errors.New("device name must not contain '|'")
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening port %d out of range", c.ListeningPort)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery port %d out of range", c.DiscoveryPort)
	}
	if c.ListeningPort == c.DiscoveryPort {
		return errors.New("listening and discovery ports must differ")
	}
	if c.BeaconIntervalMS <= 0 {
		return errors.New("beacon interval must be > 0")
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d outside [%d, %d]", c.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if c.DownloadDir == "" {
		return errors.New("download directory is required")
	}
	if c.TLSServerName == "" {
		return errors.New("tls server name is required")
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANBEAM_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "tls"),
		filepath.Join(dataDir, "downloads"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return strings.ReplaceAll(host, "|", "-")
	}
	return "LANBeam Device"
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

// normalizeDefaults back-fills missing fields and reports whether any changed.
// EnableMDNS is left alone since false is a valid choice.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	tlsDir := filepath.Join(dataDir, "tls")

	fill := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	fillInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	fill(&cfg.DeviceID, uuid.NewString())
	fill(&cfg.DeviceName, defaultDeviceName())
	fillInt(&cfg.ListeningPort, DefaultListeningPort)
	fillInt(&cfg.DiscoveryPort, DefaultDiscoveryPort)
	fillInt(&cfg.BeaconIntervalMS, DefaultBeaconIntervalMS)
	fillInt(&cfg.ChunkSize, DefaultChunkSize)
	fill(&cfg.DownloadDir, filepath.Join(dataDir, "downloads"))
	fill(&cfg.CertPath, filepath.Join(tlsDir, "cert.pem"))
	fill(&cfg.KeyPath, filepath.Join(tlsDir, "key.pem"))
	fill(&cfg.TLSServerName, DefaultTLSServerName)
	fill(&cfg.LogLevel, DefaultLogLevel)

	return updated
}
