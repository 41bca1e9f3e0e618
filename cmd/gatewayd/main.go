// Command gatewayd runs the agent orchestration gateway: it loads config,
// wires every module through internal/app, and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chozzz/agentfabric/internal/app"
	"github.com/chozzz/agentfabric/internal/config"
	"github.com/chozzz/agentfabric/internal/protocol"
	"github.com/chozzz/agentfabric/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=v1.0.0"
var version = "dev"

var (
	cfgFile string
	verbose bool
	jsonLog bool
)

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "agentfabric gateway",
	Long:  "agentfabric: multi-tenant AI agent orchestration gateway with WebSocket RPC, tool execution, and channel integration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $AGENTFABRIC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "emit structured JSON logs instead of text")
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatewayd %s (protocol %d)\n", version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENTFABRIC_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

func runGateway() error {
	log := telemetry.NewLogger(telemetry.LogConfig{Verbose: verbose, JSON: jsonLog})

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("failed to load config", "error", err, "path", cfgPath)
		return err
	}
	cfg.ApplyEnvOverrides()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build app", "error", err)
		return err
	}

	log.Info("agentfabric gateway starting",
		"version", version,
		"protocol", protocol.ProtocolVersion,
		"gatewayAddr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
	)

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("gateway exited with error", "error", err)
		return err
	}
	log.Info("agentfabric gateway stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("gatewayd failed", "error", err)
		os.Exit(1)
	}
}
