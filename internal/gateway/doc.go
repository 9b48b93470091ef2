// Package gateway orchestrates the switchboard server components.
//
// # Overview
//
// The gateway owns every server-instance registry and wires them together:
// the session registry, the presence table, the dedupe cache, the request
// dispatcher, the WebSocket broadcaster, the bridge server, and the chat run
// multiplexer. Nothing is global; two gateways in one process share no state.
//
// # Listeners
//
//   - WebSocket on server.ws_addr: GET /ws for clients, GET /health for
//     probes, and the Prometheus handler on metrics.path when enabled
//   - Bridge on server.bridge_addr: newline-delimited JSON for nodes
//   - gRPC on server.grpc_addr (optional): the standard health service
//
// With tailscale.enabled the same ports are served on a tsnet node instead.
//
// # Connection Lifecycle
//
// A WebSocket client must send a connect request as its first frame within
// gateway.handshake_timeout. The handshake checks the protocol range and the
// credentials, registers the client with the broadcaster, records presence,
// and answers with hello-ok. After that every frame is a request answered by
// the dispatcher on its own goroutine.
//
// Each client has one writer goroutine draining a bounded queue. The queue
// tracks buffered bytes; see Broadcaster for the backpressure rules.
//
// # Agent Runs
//
// chat.send resolves the session, registers the run with the multiplexer,
// and starts it on the configured runner with the session id as the internal
// run id. The runner publishes agent events on the bus; the multiplexer turns
// them into chat events for clients and subscribed nodes. Finished runs are
// handed to the archiver, which appends the assistant reply to the session
// transcript.
//
// # Shutdown
//
// Shutdown broadcasts a shutdown event, closes every client with status 1012
// after flushing its queue, closes bridge nodes, stops the servers and
// background loops, and closes the runner, bus, dedupe cache, and store.
package gateway
