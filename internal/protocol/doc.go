// Package protocol defines the wire frames exchanged between the gateway and
// its WebSocket clients and bridge nodes: requests, responses, events, the
// connect handshake, and the per-method parameter shapes.
package protocol
