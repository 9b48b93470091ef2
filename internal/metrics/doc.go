// Package metrics holds the Prometheus collectors exported by the gateway.
// Every recording method is safe to call on a nil *Metrics.
package metrics
