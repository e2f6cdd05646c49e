// Package cmd implements the lanbeam command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lanbeam/config"
	"lanbeam/logging"
	"lanbeam/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lanbeam",
	Short: "Send files to devices on the same local network",
	Long: `lanbeam finds nearby devices by UDP broadcast, opens a TLS connection to one of
them, and moves a file across chunk by chunk.

Usage:
  Wait for files:  lanbeam receive
  Send a file:     lanbeam send ./photo.jpg --peer "Alice Laptop"
  Pair by text:    lanbeam send ./photo.jpg --pair "tcp://192.168.1.20:4000|Alice Laptop"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "overlay config file (yaml, json or toml)")
	flags.String("data-dir", "", "data directory (default is the per-user config directory)")
	flags.String("name", "", "device name announced to peers")
	flags.Int("port", 0, "TLS listening port")
	flags.Int("discovery-port", 0, "UDP discovery port")
	flags.Int("chunk-size", 0, "transfer chunk size in bytes")
	flags.String("download-dir", "", "directory received files are written to")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "rotating log file path")
	flags.Bool("mdns", false, "also advertise and browse over mDNS")
	flags.String("trusted-ca", "", "CA certificate peers must chain to (default trusts each peer on first use)")

	for _, key := range []string{"data-dir", "name", "port", "discovery-port", "chunk-size", "download-dir", "log-level", "log-file", "mdns", "trusted-ca"} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}

	viper.SetEnvPrefix("LANBEAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// initConfig reads the optional overlay file.
func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

// runtime is the per-invocation state shared by subcommands.
type runtime struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	logger  *logrus.Logger
	store   *storage.Store

	closers []io.Closer
}

func loadRuntime() (*runtime, error) {
	dataDir := viper.GetString("data-dir")
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = resolved
	}

	cfg, cfgPath, err := config.LoadOrCreateIn(dataDir)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(dataDir, "logs", "lanbeam.log")
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level: cfg.LogLevel,
		File:  logFile,
	})
	if err != nil {
		return nil, err
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		logger:  logger,
		store:   store,
		closers: []io.Closer{store, logCloser},
	}, nil
}

// applyOverrides copies flag, env, and overlay-file values over the persisted config.
func applyOverrides(cfg *config.DeviceConfig) {
	if v := viper.GetString("name"); v != "" {
		cfg.DeviceName = v
	}
	if v := viper.GetInt("port"); v > 0 {
		cfg.ListeningPort = v
	}
	if v := viper.GetInt("discovery-port"); v > 0 {
		cfg.DiscoveryPort = v
	}
	if v := viper.GetInt("chunk-size"); v > 0 {
		cfg.ChunkSize = v
	}
	if v := viper.GetString("download-dir"); v != "" {
		cfg.DownloadDir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("log-file"); v != "" {
		cfg.LogFile = v
	}
	if viper.IsSet("mdns") {
		cfg.EnableMDNS = viper.GetBool("mdns")
	}
	if v := viper.GetString("trusted-ca"); v != "" {
		cfg.TrustedCAPath = v
	}
}

func (r *runtime) Close() {
	for _, closer := range r.closers {
		_ = closer.Close()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
