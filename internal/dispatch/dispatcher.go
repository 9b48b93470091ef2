// ABOUTME: Method routing with typed params, panic recovery, and idempotent replay
// ABOUTME: Shared by WebSocket clients and bridge nodes so both see identical semantics

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/protocol"
)

// Caller identifies the connection a request arrived on.
type Caller struct {
	ConnID     string
	Mode       string
	NodeID     string
	RemoteAddr string
	Auth       auth.Result
}

// IsNode reports whether the caller is a bridge node.
func (c Caller) IsNode() bool {
	return c.Mode == protocol.ModeNode
}

// Keyed is implemented by params of idempotent methods.
type Keyed interface {
	DedupeKey() string
}

// Handler handles one decoded request. A returned error that is not a
// *protocol.Error is reported as UNAVAILABLE.
type Handler[P any] func(ctx context.Context, caller Caller, params P) (any, error)

// Option configures a registered method.
type Option func(*route)

// NodeOnly restricts a method to bridge nodes.
func NodeOnly() Option {
	return func(r *route) { r.nodeOnly = true }
}

// Idempotent stores outcomes of the method under "<class>:<key>" and replays
// them for repeated keys. The params type must implement Keyed.
func Idempotent(class string) Option {
	return func(r *route) { r.dedupeClass = class }
}

type call func(ctx context.Context) (any, error)

type route struct {
	nodeOnly    bool
	dedupeClass string
	// bind decodes params and returns the bound handler and its dedupe key.
	bind func(caller Caller, raw json.RawMessage) (call, string, error)
}

// Dispatcher maps method names to handlers.
type Dispatcher struct {
	mu      sync.RWMutex
	routes  map[string]*route
	dedupe  *dedupe.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a dispatcher. cache may be nil when no method is idempotent.
func New(cache *dedupe.Cache, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		routes:  make(map[string]*route),
		dedupe:  cache,
		metrics: m,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Register adds method with params type P. It panics on duplicate methods and
// on Idempotent params that cannot produce a key, both programmer errors.
func Register[P any](d *Dispatcher, method string, h Handler[P], opts ...Option) {
	r := &route{}
	for _, opt := range opts {
		opt(r)
	}

	if r.dedupeClass != "" {
		var zero P
		if _, ok := any(zero).(Keyed); !ok {
			panic(fmt.Sprintf("dispatch: %s params %T do not implement Keyed", method, zero))
		}
		if d.dedupe == nil {
			panic(fmt.Sprintf("dispatch: %s is idempotent but the dispatcher has no cache", method))
		}
	}

	r.bind = func(caller Caller, raw json.RawMessage) (call, string, error) {
		params, err := protocol.DecodeParams[P](method, raw)
		if err != nil {
			return nil, "", err
		}
		var key string
		if k, ok := any(params).(Keyed); ok {
			key = k.DedupeKey()
		}
		return func(ctx context.Context) (any, error) {
			return h(ctx, caller, params)
		}, key, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.routes[method]; exists {
		panic("dispatch: duplicate method " + method)
	}
	d.routes[method] = r
}

// Methods returns every routable method plus connect, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.routes)+1)
	out = append(out, protocol.MethodConnect)
	for m := range d.routes {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Dispatch handles req and returns its single response.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, req protocol.RequestFrame) protocol.ResponseFrame {
	start := time.Now()
	resp := d.dispatch(ctx, caller, req)
	d.metrics.ObserveRequest(req.Method, resp.OK, time.Since(start))
	if !resp.OK {
		d.logger.Debug("request failed",
			"method", req.Method,
			"conn_id", caller.ConnID,
			"code", resp.Error.Code,
			"error", resp.Error.Message,
		)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, caller Caller, req protocol.RequestFrame) protocol.ResponseFrame {
	if req.Method == protocol.MethodConnect {
		return protocol.NewErrorResponse(req.ID, protocol.InvalidRequest("connect is only valid as the first request"))
	}

	d.mu.RLock()
	r, ok := d.routes[req.Method]
	d.mu.RUnlock()
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.Forbidden("unknown method: %s", req.Method))
	}
	if r.nodeOnly && !caller.IsNode() {
		return protocol.NewErrorResponse(req.ID, protocol.Forbidden("%s is only available to nodes", req.Method))
	}

	fn, key, err := r.bind(caller, req.Params)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}

	if r.dedupeClass == "" {
		payload, err := d.invoke(ctx, req.Method, fn)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, err)
		}
		return protocol.NewResponse(req.ID, payload)
	}

	outcome, replayed := d.dedupe.Do(dedupe.Key(r.dedupeClass, key), func() dedupe.Outcome {
		return d.outcome(ctx, req.Method, fn)
	})
	if replayed {
		d.metrics.DedupeReplay(r.dedupeClass)
		d.logger.Debug("replaying stored outcome", "method", req.Method, "key", key)
	}
	if !outcome.OK {
		return protocol.ResponseFrame{Type: protocol.FrameResponse, ID: req.ID, Error: outcome.Error}
	}
	return protocol.NewResponse(req.ID, outcome.Payload)
}

// outcome runs fn and captures its result in storable form.
func (d *Dispatcher) outcome(ctx context.Context, method string, fn call) dedupe.Outcome {
	payload, err := d.invoke(ctx, method, fn)
	if err != nil {
		return dedupe.Outcome{Error: protocol.AsError(err).Shape()}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return dedupe.Outcome{Error: protocol.Unavailable("encoding %s result: %v", method, err).Shape()}
	}
	return dedupe.Outcome{OK: true, Payload: raw}
}

func (d *Dispatcher) invoke(ctx context.Context, method string, fn call) (payload any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("handler panicked",
				"method", method,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			payload, err = nil, protocol.Unavailable("internal error handling %s", method)
		}
	}()
	return fn(ctx)
}
