package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrite-bft/ferrite/internal/config"
	"github.com/ferrite-bft/ferrite/internal/crypto"
	"github.com/ferrite-bft/ferrite/internal/node"
	"github.com/ferrite-bft/ferrite/internal/sim"
	"github.com/ferrite-bft/ferrite/internal/telemetry"
	"github.com/ferrite-bft/ferrite/internal/types"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Ferrite replica",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "replica home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().String("genesis", "", "path to genesis file (default: <home>/genesis.json)")
	cmd.Flags().String("log-level", "development", "log level: development or production")
	cmd.Flags().Bool("dev", false, "dev mode: self-drive height advancement with generated feeds")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	logLevel, _ := cmd.Flags().GetString("log-level")
	devMode, _ := cmd.Flags().GetBool("dev")

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewReplicaLogger(logLevel, cfg.Moniker)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	if !filepath.IsAbs(cfg.WAL.Path) {
		cfg.WAL.Path = filepath.Join(homeDir, cfg.WAL.Path)
	}

	// The node key yields the local authority address.
	privKey, err := loadNodeKey(filepath.Join(homeDir, "node_key.json"))
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}
	localAddr := crypto.AddressFromPubKey(privKey.Public().(crypto.PublicKey))

	genesisPath, _ := cmd.Flags().GetString("genesis")
	if genesisPath == "" {
		genesisPath = filepath.Join(homeDir, "genesis.json")
	}

	authorities, err := loadGenesisAuthorities(genesisPath, localAddr)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}

	metrics := telemetry.NewMetrics("ferrite")

	n, err := node.New(node.Options{
		Config:       cfg,
		LocalAddress: localAddr,
		Authorities:  authorities,
		FeedSource:   sim.NewBlockSource(time.Now().UnixNano()),
		DevMode:      devMode,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	fmt.Println("Ferrite replica started. Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutdown signal received...")

	return n.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadFile(path)
}

// nodeKeyFile represents the JSON structure for storing replica keys.
type nodeKeyFile struct {
	PrivateKey []byte `json:"private_key"`
	PublicKey  []byte `json:"public_key"`
}

func loadNodeKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	var kf nodeKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse node key: %w", err)
	}

	return crypto.PrivateKey(kf.PrivateKey), nil
}

// genesisDoc lists the authority addresses of the first height.
type genesisDoc struct {
	Authorities []string `json:"authorities"`
}

func loadGenesisAuthorities(path string, localAddr types.Address) ([]types.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Single-authority devnet fallback.
			return []types.Address{localAddr}, nil
		}
		return nil, err
	}

	var gen genesisDoc
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}

	if len(gen.Authorities) == 0 {
		return []types.Address{localAddr}, nil
	}

	authorities := make([]types.Address, len(gen.Authorities))
	for i, s := range gen.Authorities {
		addr, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("genesis authority %d: %w", i, err)
		}
		authorities[i] = types.Address(addr)
	}

	return authorities, nil
}
