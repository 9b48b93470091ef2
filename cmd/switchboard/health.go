// ABOUTME: health subcommand: queries a running gateway over HTTP or gRPC
// ABOUTME: Exits non-zero when the gateway reports itself unhealthy

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
)

func newHealthCmd() *cobra.Command {
	var (
		useGRPC bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if useGRPC {
				return checkGRPCHealth(ctx, cfg.Server.GRPCAddr, cmd.OutOrStdout())
			}
			return checkHTTPHealth(ctx, cfg.Server.WSAddr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&useGRPC, "grpc", false, "use the gRPC health service instead of HTTP")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func checkHTTPHealth(ctx context.Context, addr string, out io.Writer) error {
	url := fmt.Sprintf("http://%s/health", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var snap gateway.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	printSnapshot(out, snap)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printSnapshot(out io.Writer, snap gateway.HealthSnapshot) {
	status := color.GreenString("healthy")
	if !snap.OK {
		status = color.RedString("unhealthy")
	}
	fmt.Fprintf(out, "%s (version %s, up %s)\n", status, snap.Version, time.Duration(snap.UptimeMs)*time.Millisecond)
	fmt.Fprintf(out, "  clients:   %d\n", snap.State.Clients)
	fmt.Fprintf(out, "  nodes:     %d\n", snap.State.Nodes)
	fmt.Fprintf(out, "  sessions:  %d\n", snap.State.Sessions)
	fmt.Fprintf(out, "  pending:   %d\n", snap.State.PendingRuns)
	fmt.Fprintf(out, "  database:  %s\n", snap.State.Database)
	fmt.Fprintf(out, "  runner:    %s\n", snap.State.Runner)
}

func checkGRPCHealth(ctx context.Context, addr string, out io.Writer) error {
	if addr == "" {
		return fmt.Errorf("server.grpc_addr is not configured")
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: gateway.HealthServiceName,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Fprintln(out, resp.GetStatus().String())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}
	return nil
}
