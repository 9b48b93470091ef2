// ABOUTME: serve subcommand: loads config, prints the startup banner, and runs the gateway
// ABOUTME: Blocks until SIGINT or SIGTERM, then shuts down gracefully

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
)

func newServeCmd() *cobra.Command {
	var noReload bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			cyan.Print(banner)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := setupLogger(cfg.Logging, cmd.OutOrStdout())
			printStartup(cfg)

			logger.Info("starting switchboard",
				"config", configPath,
				"ws_addr", cfg.Server.WSAddr,
				"bridge_addr", cfg.Server.BridgeAddr,
				"runner", cfg.Agent.Runner,
			)

			opts := []gateway.Option{gateway.WithVersion(version)}
			if !noReload {
				opts = append(opts, gateway.WithConfigPath(configPath))
			}
			gw, err := gateway.New(cfg, logger, opts...)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}

			return gw.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "do not watch the config file for auth changes")
	return cmd
}

func printStartup(cfg *config.Config) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("WebSocket", cfg.Server.WSAddr)
	line("Bridge", cfg.Server.BridgeAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Runner", cfg.Agent.Runner)
	line("Auth", cfg.Auth.Mode)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.TrustTailnet {
			yellow.Print(" [trusted]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}
