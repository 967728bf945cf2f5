package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/ferrite-bft/ferrite/internal/config"
	"github.com/ferrite-bft/ferrite/internal/crypto"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a new Ferrite replica",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "replica home directory")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	moniker := args[0]
	homeDir, _ := cmd.Flags().GetString("home")

	dirs := []string{
		homeDir,
		filepath.Join(homeDir, "data"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Generate the replica key.
	pubKey, privKey, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	keyPath := filepath.Join(homeDir, "node_key.json")
	if err := writeNodeKey(keyPath, privKey, pubKey); err != nil {
		return err
	}

	// Write default config.
	cfg := config.DefaultConfig()
	cfg.Moniker = moniker
	configPath := filepath.Join(homeDir, "config.toml")
	if err := writeConfig(configPath, cfg); err != nil {
		return err
	}

	// Write a single-authority genesis; multi-replica deployments replace it.
	addr := crypto.AddressFromPubKey(pubKey)
	genesisPath := filepath.Join(homeDir, "genesis.json")
	if err := writeGenesis(genesisPath, addr.String()); err != nil {
		return err
	}

	fmt.Printf("Initialized Ferrite replica\n")
	fmt.Printf("  Home:     %s\n", homeDir)
	fmt.Printf("  Address:  %s\n", addr)
	fmt.Printf("  Moniker:  %s\n", moniker)
	fmt.Printf("\nStart with: ferrited start --home %s --dev\n", homeDir)

	return nil
}

func writeNodeKey(path string, privKey crypto.PrivateKey, pubKey crypto.PublicKey) error {
	kf := nodeKeyFile{
		PrivateKey: []byte(privKey),
		PublicKey:  []byte(pubKey),
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal node key: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}

	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func writeGenesis(path string, localAddr string) error {
	gen := genesisDoc{
		Authorities: []string{localAddr},
	}

	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}

	return nil
}
