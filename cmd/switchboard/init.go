// ABOUTME: init subcommand: interactively writes a new gateway config file
// ABOUTME: Generates a random JWT secret so token and pair work out of the box

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// initAnswers is everything init asks for.
type initAnswers struct {
	WSAddr        string
	BridgeAddr    string
	DBPath        string
	AuthMode      string
	Token         string
	JWTSecret     string
	AgentCommand  string
	Tailscale     bool
	TSHostname    string
	TSTrust       bool
	LogLevel      string
	LogFormat     string
	EnableMetrics bool
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())
		},
	}
}

func runInit(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "switchboard configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", configPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	a := initAnswers{JWTSecret: secret}

	fmt.Fprintln(out, "\n--- Listeners ---")
	a.WSAddr = prompt(reader, out, "WebSocket address", "127.0.0.1:18789")
	a.BridgeAddr = prompt(reader, out, "Bridge address", "127.0.0.1:18790")

	fmt.Fprintln(out, "\n--- Database ---")
	a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(defaultDataPath(), "sessions.db"))

	fmt.Fprintln(out, "\n--- Authentication ---")
	a.AuthMode = prompt(reader, out, "Auth mode (none/token/password)", "token")
	if a.AuthMode == "token" {
		a.Token = prompt(reader, out, "Shared token (leave empty to use signed tokens only)", "")
	}

	fmt.Fprintln(out, "\n--- Agent ---")
	a.AgentCommand = prompt(reader, out, "Agent command", "switchboard-agent")

	fmt.Fprintln(out, "\n--- Tailscale ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "switchboard")
		a.TSTrust = yes(prompt(reader, out, "Trust tailnet peers without a token?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")
	a.EnableMetrics = yes(prompt(reader, out, "Expose Prometheus metrics?", "yes"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  switchboard serve")
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# switchboard configuration\n")
	b.WriteString("# Generated by switchboard init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  ws_addr: %q\n", a.WSAddr)
	fmt.Fprintf(&b, "  bridge_addr: %q\n\n", a.BridgeAddr)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.DBPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  mode: %q\n", a.AuthMode)
	if a.Token != "" {
		fmt.Fprintf(&b, "  token: %q\n", a.Token)
	}
	fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	b.WriteString("  allow_loopback: true\n\n")

	b.WriteString("gateway:\n")
	b.WriteString("  handshake_timeout: \"10s\"\n")
	b.WriteString("  tick_interval: \"30s\"\n")
	b.WriteString("  delta_interval: \"150ms\"\n\n")

	b.WriteString("agent:\n")
	b.WriteString("  runner: \"exec\"\n")
	fmt.Fprintf(&b, "  command: %q\n", a.AgentCommand)
	b.WriteString("  timeout: \"10m\"\n\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		fmt.Fprintf(&b, "  trust_tailnet: %t\n", a.TSTrust)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", a.LogFormat)

	b.WriteString("metrics:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.EnableMetrics)
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
