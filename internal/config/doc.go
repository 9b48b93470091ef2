// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion, defaults, and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${SWITCHBOARD_TOKEN}"
//
// After decoding, SWITCHBOARD_AUTH_* and SWITCHBOARD_AGENT_* variables
// override fields of the auth and agent sections, for example
// SWITCHBOARD_AUTH_MODE=token or SWITCHBOARD_AGENT_ARGS=--fast,--quiet.
//
// # Configuration Sections
//
//	server:
//	  ws_addr: "127.0.0.1:18789"      # WebSocket control protocol, /health, /metrics
//	  bridge_addr: "127.0.0.1:18790"  # line-delimited JSON bridge for nodes
//	  grpc_addr: ""                   # gRPC health service, disabled when empty
//
//	database:
//	  path: "~/.local/share/switchboard/switchboard.db"
//
//	auth:
//	  mode: "token"          # none, token, password
//	  token: "${SWITCHBOARD_TOKEN}"
//	  password: ""           # plain text or bcrypt hash
//	  jwt_secret: ""         # also accept HS256 tokens minted by `switchboard token`
//	  allow_loopback: false
//
//	gateway:
//	  handshake_timeout: "10s"
//	  tick_interval: "30s"
//	  health_interval: "1m"
//	  delta_interval: "150ms"
//	  max_payload_bytes: 524288
//	  max_buffered_bytes: 1572864
//	  dedupe_ttl: "5m"
//	  dedupe_max_entries: 1000
//
//	agent:
//	  runner: "exec"         # exec or kafka
//	  command: "my-agent"
//	  args: ["--session", "{{sessionKey}}"]
//	  timeout: "10m"
//
//	kafka:
//	  brokers: ["localhost:9092"]
//	  request_topic: "agent.requests"
//	  event_topic: "agent.events"
//	  group_id: "switchboard"
//
//	tailscale:
//	  enabled: false
//	  hostname: "switchboard"
//	  auth_key: "${TS_AUTHKEY}"
//	  trust_tailnet: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Hot Reload
//
// Watch reloads the file on change and hands the new Config to a callback.
// The gateway applies only the auth section without a restart.
package config
