// ABOUTME: Tests for config loading, defaults, validation, env overrides, and reload
// ABOUTME: Covers both YAML and TOML inputs

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
database:
  path: ":memory:"
agent:
  command: "echo"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "gateway.yaml", minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultWSAddr, cfg.Server.WSAddr)
	assert.Equal(t, DefaultBridgeAddr, cfg.Server.BridgeAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, "none", cfg.Auth.Mode)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Gateway.HandshakeTimeout)
	assert.Equal(t, DefaultTickInterval, cfg.Gateway.TickInterval)
	assert.Equal(t, DefaultDeltaInterval, cfg.Gateway.DeltaInterval)
	assert.Equal(t, DefaultDedupeTTL, cfg.Gateway.DedupeTTL)
	assert.Equal(t, DefaultDedupeMaxEntries, cfg.Gateway.DedupeMaxEntries)
	assert.Equal(t, int64(DefaultMaxBuffered), cfg.Gateway.MaxBufferedBytes)
	assert.Equal(t, RunnerExec, cfg.Agent.Runner)
	assert.Equal(t, DefaultAgentTimeout, cfg.Agent.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadFullYAML(t *testing.T) {
	t.Setenv("TEST_SB_TOKEN", "from-env")
	path := writeFile(t, "gateway.yaml", `
server:
  ws_addr: "0.0.0.0:9000"
  bridge_addr: "0.0.0.0:9001"
  grpc_addr: "127.0.0.1:9002"
database:
  path: "/tmp/sb.db"
auth:
  mode: "token"
  token: "${TEST_SB_TOKEN}"
gateway:
  handshake_timeout: "3s"
  tick_interval: "15s"
  delta_interval: "50ms"
  dedupe_ttl: "1m"
  dedupe_max_entries: 10
  max_payload_bytes: 1024
  max_buffered_bytes: 4096
agent:
  command: "/usr/bin/agent"
  args: ["--session", "{{sessionKey}}"]
  timeout: "30s"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.WSAddr)
	assert.Equal(t, "127.0.0.1:9002", cfg.Server.GRPCAddr)
	assert.Equal(t, "from-env", cfg.Auth.Token)
	assert.Equal(t, 3*time.Second, cfg.Gateway.HandshakeTimeout)
	assert.Equal(t, 15*time.Second, cfg.Gateway.TickInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Gateway.DeltaInterval)
	assert.Equal(t, time.Minute, cfg.Gateway.DedupeTTL)
	assert.Equal(t, 10, cfg.Gateway.DedupeMaxEntries)
	assert.Equal(t, int64(4096), cfg.Gateway.MaxBufferedBytes)
	assert.Equal(t, []string{"--session", "{{sessionKey}}"}, cfg.Agent.Args)
	assert.Equal(t, 30*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "gateway.toml", `
[database]
path = ":memory:"

[auth]
mode = "password"
password = "hunter2"

[gateway]
tick_interval = "5s"

[agent]
runner = "kafka"

[kafka]
brokers = ["localhost:9092"]
request_topic = "agent.requests"
event_topic = "agent.events"
group_id = "switchboard"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "password", cfg.Auth.Mode)
	assert.Equal(t, 5*time.Second, cfg.Gateway.TickInterval)
	assert.Equal(t, RunnerKafka, cfg.Agent.Runner)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "agent.events", cfg.Kafka.EventTopic)
}

func TestEnvOverridesAuthAndAgent(t *testing.T) {
	t.Setenv("SWITCHBOARD_AUTH_MODE", "token")
	t.Setenv("SWITCHBOARD_AUTH_TOKEN", "override")
	t.Setenv("SWITCHBOARD_AUTH_ALLOW_LOOPBACK", "true")
	t.Setenv("SWITCHBOARD_AGENT_COMMAND", "/opt/agent")
	t.Setenv("SWITCHBOARD_AGENT_TIMEOUT", "45s")

	cfg, err := Load(writeFile(t, "gateway.yaml", minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "token", cfg.Auth.Mode)
	assert.Equal(t, "override", cfg.Auth.Token)
	assert.True(t, cfg.Auth.AllowLoopback)
	assert.Equal(t, "/opt/agent", cfg.Agent.Command)
	assert.Equal(t, 45*time.Second, cfg.Agent.Timeout)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"missing database": `
agent:
  command: "echo"
`,
		"token mode without secret": minimalYAML + `
auth:
  mode: "token"
`,
		"unknown auth mode": minimalYAML + `
auth:
  mode: "magic"
`,
		"kafka without brokers": `
database:
  path: ":memory:"
agent:
  runner: "kafka"
`,
		"exec without command": `
database:
  path: ":memory:"
`,
		"tailscale without hostname": minimalYAML + `
tailscale:
  enabled: true
`,
		"bad duration": minimalYAML + `
gateway:
  tick_interval: "soon"
`,
		"negative duration": minimalYAML + `
gateway:
  delta_interval: "-1s"
`,
		"buffer smaller than payload": minimalYAML + `
gateway:
  max_payload_bytes: 2048
  max_buffered_bytes: 1024
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content), "yaml")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "gateway.yaml", minimalYAML)

	var (
		mu     sync.Mutex
		latest *Config
	)
	w, err := Watch(t.Context(), path, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		latest = cfg
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	updated := minimalYAML + `
auth:
  mode: "token"
  token: "rotated"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.Auth.Token == "rotated"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchIgnoresInvalidReload(t *testing.T) {
	path := writeFile(t, "gateway.yaml", minimalYAML)

	calls := make(chan struct{}, 1)
	w, err := Watch(t.Context(), path, func(*Config) { calls <- struct{}{} }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(path, []byte("auth:\n  mode: \"magic\"\n"), 0600))

	select {
	case <-calls:
		t.Fatal("invalid config should not be applied")
	case <-time.After(600 * time.Millisecond):
	}
}
