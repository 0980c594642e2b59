package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rosfleet/rosfleet/pkg/config"
	"github.com/rosfleet/rosfleet/pkg/server"
	"github.com/rosfleet/rosfleet/pkg/vault"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rosfleet",
	Short: "rosfleet - MCP control plane for MikroTik RouterOS fleets",
	Long: `rosfleet exposes a RouterOS fleet to MCP clients through a safe
change pipeline: reads are cached and cheap, writes go through
plan, approval, and apply with automatic snapshot rollback.

The MCP message stream runs on stdio; admin HTTP serves health
and Prometheus metrics.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rosfleet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(keygenCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the rosfleet service",
	Long: `Run the rosfleet service: the MCP loop on stdio, the health
scheduler, the job executor, and the admin HTTP listener.

Configuration resolves from defaults, then the --config YAML file,
then ROSFLEET_* environment variables, then flags. The encryption
key (ROSFLEET_ENCRYPTION_KEY) and approval secret
(ROSFLEET_APPROVAL_SECRET) are read from the environment only.`,
	RunE: runServer,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a credential vault encryption key",
	Long: `Generate a random AES-256 key, base64-encoded, for
ROSFLEET_ENCRYPTION_KEY. Store it in your secret manager; losing it
makes every stored credential unrecoverable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("environment", "", "Service environment: lab, staging, or prod")
	serverCmd.Flags().String("data-dir", "", "Data directory for the bolt store")
	serverCmd.Flags().String("listen-http", "", "Admin HTTP listen address")
	serverCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	serverCmd.Flags().String("identity", "local-operator", "Identity attached to the stdio MCP connection")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Flags are the last override layer
	if v, _ := cmd.Flags().GetString("environment"); v != "" {
		cfg.Environment = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("listen-http"); v != "" {
		cfg.Listen.HTTP = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(cfg, Version)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		srv.Stop()
	}()

	identity, _ := cmd.Flags().GetString("identity")
	return srv.Run(ctx, os.Stdin, os.Stdout, identity)
}
