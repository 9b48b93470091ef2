// ABOUTME: Tests for the CLI helpers: generated config, credentials, and log output
// ABOUTME: Commands run in-process through the cobra root with a temp config file

package main

import (
	"bufio"
	"bytes"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
)

func TestRenderConfigProducesValidConfig(t *testing.T) {
	cfgText := renderConfig(initAnswers{
		WSAddr:        "127.0.0.1:18789",
		BridgeAddr:    "127.0.0.1:18790",
		DBPath:        filepath.Join(t.TempDir(), "sessions.db"),
		AuthMode:      "token",
		JWTSecret:     "c2VjcmV0",
		AgentCommand:  "my-agent",
		Tailscale:     true,
		TSHostname:    "gw",
		LogLevel:      "debug",
		LogFormat:     "json",
		EnableMetrics: true,
	})

	cfg, err := config.Parse([]byte(cfgText), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "token", cfg.Auth.Mode)
	assert.Equal(t, "c2VjcmV0", cfg.Auth.JWTSecret)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "gw", cfg.Tailscale.Hostname)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestRunInitWithDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	configPath = filepath.Join(dir, "gateway.yaml")

	var out bytes.Buffer
	require.NoError(t, runInit(bufio.NewReader(strings.NewReader("")), &out))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "token", cfg.Auth.Mode)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, filepath.Join(dir, "switchboard", "sessions.db"), cfg.Database.Path)
	assert.Contains(t, out.String(), "Config written to")
}

func TestPairingURI(t *testing.T) {
	uri := pairingURI("gw.tailnet:18790", "kitchen", "abc.def")

	u, err := url.Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "switchboard", u.Scheme)
	assert.Equal(t, "gw.tailnet:18790", u.Host)
	assert.Equal(t, "kitchen", u.Query().Get("node"))
	assert.Equal(t, "abc.def", u.Query().Get("token"))

	assert.NotContains(t, pairingURI("h:1", "n", ""), "token=")
}

func TestNodeCredential(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{Mode: "token", Token: "shared"}}
	token, err := nodeCredential(cfg, "kitchen", defaultTokenTTL)
	require.NoError(t, err)
	assert.Equal(t, "shared", token)

	cfg.Auth.JWTSecret = "signing-secret"
	token, err = nodeCredential(cfg, "kitchen", defaultTokenTTL)
	require.NoError(t, err)
	claims, err := auth.NewJWTVerifier([]byte("signing-secret")).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", claims.Subject)
	assert.Equal(t, auth.RoleNode, claims.Role)

	_, err = nodeCredential(&config.Config{Auth: config.AuthConfig{Mode: "password", Password: "pw"}}, "kitchen", defaultTokenTTL)
	assert.Error(t, err)
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := `
database:
  path: ":memory:"
auth:
  mode: token
  jwt_secret: "test-secret"
agent:
  command: "true"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestTokenCommand(t *testing.T) {
	path := writeTestConfig(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "token", "--subject", "alice"})
	require.NoError(t, root.Execute())

	claims, err := auth.NewJWTVerifier([]byte("test-secret")).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func TestTokenCommandRejectsUnknownRole(t *testing.T) {
	path := writeTestConfig(t)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "token", "--subject", "alice", "--role", "admin"})
	assert.Error(t, root.Execute())
}

func TestPairCommandPrintsURI(t *testing.T) {
	path := writeTestConfig(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "pair", "--node-id", "kitchen", "--host", "gw.example:18790"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	last := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(last, "switchboard://gw.example:18790?"), last)
	assert.Greater(t, len(lines), 10, "QR code rows precede the URI")
}

func TestHashPasswordCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("hunter2\n"))
	root.SetArgs([]string{"hash-password"})
	require.NoError(t, root.Execute())

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}

func TestColorHandlerWritesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "gateway").Debug("client connected", "conn_id", "c1")
	logger.Info("plain")

	out := buf.String()
	assert.Contains(t, out, "client connected")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "gateway")
	assert.Contains(t, out, "c1")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestSetupLoggerJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelError))
}
