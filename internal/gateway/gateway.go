// ABOUTME: Gateway orchestrator that wires the protocol engine to its listeners
// ABOUTME: Owns the WebSocket, bridge, gRPC health, and metrics servers plus background loops

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/chat"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/protocol"
	"github.com/2389/switchboard/internal/session"
)

// HealthServiceName is the gRPC health service reported next to the overall
// server status.
const HealthServiceName = "switchboard.Gateway"

const (
	busSize          = 1024
	terminalQueue    = 256
	sessionCacheSize = 512
	archiveTimeout   = 5 * time.Second
)

// Gateway runs one switchboard instance.
type Gateway struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	version    string
	host       string
	started    time.Time

	store       session.Store
	sessions    *session.Registry
	presence    *presence.Registry
	dedupe      *dedupe.Cache
	auth        *auth.Authenticator
	metrics     *metrics.Metrics
	registry    *prometheus.Registry
	dispatcher  *dispatch.Dispatcher
	broadcaster *Broadcaster
	bridge      *bridge.Server
	bus         *agent.Bus
	runner      agent.Runner
	runnerName  string
	kafka       *agent.KafkaRunner
	mux         *chat.Mux
	health      *healthMonitor

	grpcHealth  *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	watcher     *config.Watcher

	terminals chan chat.Terminal

	// startMu orders run registration with runner starts.
	startMu sync.Mutex

	// runCtx outlives requests; agent runs and background loops use it.
	runCtx    context.Context
	runCancel context.CancelFunc
	loops     sync.WaitGroup
	wg        sync.WaitGroup

	shuttingDown atomic.Bool
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	version    string
	configPath string
	bus        *agent.Bus
	runner     agent.Runner
	store      session.Store
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithConfigPath enables hot reload of the auth section from path.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithRunner replaces the configured agent runner. The runner must publish
// its events to bus, which the multiplexer then consumes.
func WithRunner(bus *agent.Bus, r agent.Runner) Option {
	return func(o *options) {
		o.bus = bus
		o.runner = r
	}
}

// WithStore replaces the SQLite session store.
func WithStore(s session.Store) Option {
	return func(o *options) { o.store = s }
}

// fanout routes multiplexer output to WebSocket clients and session nodes.
type fanout struct {
	clients *Broadcaster
	nodes   *bridge.Server
}

func (f fanout) Broadcast(event string, payload any, opts protocol.BroadcastOptions) {
	f.clients.Broadcast(event, payload, opts)
}

func (f fanout) SendToSession(sessionKey, event string, payload any) {
	f.nodes.SendToSession(sessionKey, event, payload)
}

// initStore opens the session database, honoring SWITCHBOARD_DB_PATH.
func initStore(cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := session.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRunner builds the configured agent runner on bus.
func initRunner(cfg *config.Config, bus *agent.Bus, logger *slog.Logger) (agent.Runner, *agent.KafkaRunner, error) {
	switch cfg.Agent.Runner {
	case config.RunnerKafka:
		k := agent.NewKafkaRunner(agent.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			RequestTopic: cfg.Kafka.RequestTopic,
			EventTopic:   cfg.Kafka.EventTopic,
			GroupID:      cfg.Kafka.GroupID,
		}, bus, logger)
		return k, k, nil
	case config.RunnerExec:
		return agent.NewExecRunner(agent.ExecConfig{
			Command: cfg.Agent.Command,
			Args:    cfg.Agent.Args,
			Timeout: cfg.Agent.Timeout,
		}, agent.NewEmitter(bus), logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown agent runner %q", cfg.Agent.Runner)
	}
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer(healthSrv *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthSrv)
	return server
}

// AuthSettings converts the auth section to authenticator settings.
func AuthSettings(cfg *config.Config) auth.Settings {
	return auth.Settings{
		Mode:          auth.Mode(cfg.Auth.Mode),
		Token:         cfg.Auth.Token,
		Password:      cfg.Auth.Password,
		JWTSecret:     cfg.Auth.JWTSecret,
		AllowLoopback: cfg.Auth.AllowLoopback,
		TrustTailnet:  cfg.Tailscale.TrustTailnet,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg, logger); err != nil {
			return nil, err
		}
	}

	sessions, err := session.NewRegistry(s, sessionCacheSize, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	bus, runner := o.bus, o.runner
	runnerName := "custom"
	var kafkaRunner *agent.KafkaRunner
	if runner == nil {
		bus = agent.NewBus(busSize)
		if runner, kafkaRunner, err = initRunner(cfg, bus, logger); err != nil {
			_ = s.Close()
			return nil, err
		}
		runnerName = cfg.Agent.Runner
	}

	host, _ := os.Hostname()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(registry)

	runCtx, runCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:     cfg,
		configPath: o.configPath,
		logger:     logger.With("component", "gateway"),
		version:    o.version,
		host:       host,
		started:    time.Now(),
		store:      s,
		sessions:   sessions,
		presence:   presence.NewRegistry(),
		dedupe:     dedupe.New(cfg.Gateway.DedupeTTL, cfg.Gateway.DedupeMaxEntries),
		auth:       auth.NewAuthenticator(AuthSettings(cfg), nil, logger),
		metrics:    m,
		registry:   registry,
		bus:        bus,
		runner:     runner,
		runnerName: runnerName,
		kafka:      kafkaRunner,
		terminals:  make(chan chat.Terminal, terminalQueue),
		runCtx:     runCtx,
		runCancel:  runCancel,
	}

	gw.dispatcher = dispatch.New(gw.dedupe, m, logger)
	gw.broadcaster = NewBroadcaster(m, logger)
	gw.bridge = bridge.NewServer(bridge.Config{
		ServerName:   host,
		HelloTimeout: cfg.Gateway.HandshakeTimeout,
		MaxLineBytes: int(cfg.Gateway.MaxPayloadBytes),
	}, gw.auth, gw.dispatcher, bridge.Hooks{
		OnConnect:    gw.nodeConnected,
		OnDisconnect: gw.nodeDisconnected,
		OnEvent:      gw.handleNodeEvent,
	}, m, logger)
	gw.mux = chat.New(bus.Events(), fanout{clients: gw.broadcaster, nodes: gw.bridge}, sessions, chat.Config{
		DeltaInterval: cfg.Gateway.DeltaInterval,
		OnTerminal:    gw.archive,
		Metrics:       m,
	}, logger)

	gw.grpcHealth = health.NewServer()
	gw.health = newHealthMonitor(gw.probe, o.version)
	gw.health.setServing = func(status healthpb.HealthCheckResponse_ServingStatus) {
		gw.grpcHealth.SetServingStatus("", status)
		gw.grpcHealth.SetServingStatus(HealthServiceName, status)
	}
	gw.health.onChange = gw.broadcastHealth

	gw.registerMethods()

	gw.presence.Upsert(presence.Entry{
		Key:      presence.KeyFor("", host, "gateway"),
		Host:     host,
		Version:  o.version,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Mode:     "gateway",
		Reason:   presence.ReasonSelf,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWS)
	mux.HandleFunc("/health", gw.handleHTTPHealth)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}
	gw.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving /ws, /health, and metrics.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Start launches the background loops. Run calls it; tests that serve the
// handler themselves call it directly.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		g.goLoop(func() { g.mux.Run(g.runCtx) })
		g.health.Refresh(g.runCtx)
		g.goLoop(g.archiveLoop)
		g.goLoop(g.tickLoop)
		g.goLoop(func() { g.health.loop(g.runCtx, g.config.Gateway.HealthInterval) })
		if g.kafka != nil {
			g.goLoop(func() {
				if err := g.kafka.Run(g.runCtx); err != nil {
					g.logger.Error("kafka consumer stopped", "error", err)
				}
			})
		}
	})
}

func (g *Gateway) goLoop(fn func()) {
	g.loops.Add(1)
	go func() {
		defer g.loops.Done()
		fn()
	}()
}

// listeners holds the sockets the gateway serves on. grpc may be nil.
type listeners struct {
	ws     net.Listener
	bridge net.Listener
	grpc   net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.ws, l.bridge, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// setupTCPListeners creates standard TCP listeners for the configured addresses.
func (g *Gateway) setupTCPListeners() (listeners, error) {
	g.logger.Info("starting gateway",
		"ws_addr", g.config.Server.WSAddr,
		"bridge_addr", g.config.Server.BridgeAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	var ls listeners
	var err error
	if ls.ws, err = net.Listen("tcp", g.config.Server.WSAddr); err != nil {
		return ls, fmt.Errorf("listening on WebSocket address: %w", err)
	}
	if ls.bridge, err = net.Listen("tcp", g.config.Server.BridgeAddr); err != nil {
		ls.close()
		return ls, fmt.Errorf("listening on bridge address: %w", err)
	}
	if g.config.Server.GRPCAddr != "" {
		if ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
			ls.close()
			return ls, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return ls, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts every server in its own goroutine, returning the error channel.
func (g *Gateway) startServers(ls listeners) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("WebSocket server listening", "addr", ls.ws.Addr().String())
		if err := g.httpServer.Serve(ls.ws); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		if err := g.bridge.Serve(g.runCtx, ls.bridge); err != nil {
			errCh <- fmt.Errorf("bridge server: %w", err)
		}
	}()

	if ls.grpc != nil {
		g.grpcServer = createGRPCServer(g.grpcHealth)
		go func() {
			g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.configPath != "" {
		g.watcher, err = config.Watch(g.runCtx, g.configPath, g.applyConfig, g.logger)
		if err != nil {
			g.logger.Warn("config hot reload disabled", "path", g.configPath, "error", err)
		}
	}

	g.Start()
	errCh := g.startServers(ls)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// applyConfig hot-applies a reloaded config. Only auth settings take effect.
func (g *Gateway) applyConfig(cfg *config.Config) {
	g.auth.Update(AuthSettings(cfg))
	g.logger.Info("auth settings reloaded", "mode", cfg.Auth.Mode)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// tailnetAddr keeps the port of a configured address for use on the tailnet.
func tailnetAddr(addr string) (string, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parsing listen address %q: %w", addr, err)
	}
	return ":" + port, nil
}

// setupTailscaleListeners starts a tsnet node and listens on it with the
// ports of the configured addresses. Tailnet peers can then be trusted.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("getting tailscale local client: %w", err)
	}
	g.auth.SetPeerIdentifier(lc)

	var ls listeners
	bind := []struct {
		addr string
		ln   *net.Listener
		name string
	}{
		{g.config.Server.WSAddr, &ls.ws, "WebSocket"},
		{g.config.Server.BridgeAddr, &ls.bridge, "bridge"},
		{g.config.Server.GRPCAddr, &ls.grpc, "gRPC"},
	}
	for _, b := range bind {
		if b.addr == "" {
			continue
		}
		addr, err := tailnetAddr(b.addr)
		if err == nil {
			*b.ln, err = g.tsnetServer.Listen("tcp", addr)
		}
		if err != nil {
			ls.close()
			_ = g.tsnetServer.Close()
			return listeners{}, fmt.Errorf("listening on tailscale %s port: %w", b.name, err)
		}
	}
	return ls, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// waitFor blocks until done is closed or ctx expires.
func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown notifies every connection, closes them with a restart status, and
// releases all resources. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.shuttingDown.Store(true)

	notice := shutdownPayload{Reason: protocol.CloseServiceRestart}
	g.broadcaster.Broadcast(protocol.EventShutdown, notice, protocol.BroadcastOptions{})
	g.bridge.Broadcast(protocol.EventShutdown, notice)

	clients := g.broadcaster.CloseAll(websocket.StatusServiceRestart, protocol.CloseServiceRestart)
	g.bridge.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.grpcHealth.Shutdown()
	g.shutdownGRPCServer(ctx)

	for _, c := range clients {
		if err := waitFor(ctx, c.written); err != nil {
			errs = appendCloseError(errs, "client close", err)
			break
		}
	}
	handlers := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(handlers)
	}()
	errs = appendCloseError(errs, "websocket handlers", waitFor(ctx, handlers))

	g.runCancel()
	g.loops.Wait()

	if g.watcher != nil {
		g.watcher.Stop()
	}
	// Runners still reporting must not block on a bus nobody drains.
	if g.bus != nil {
		g.bus.Close()
	}
	errs = appendCloseError(errs, "runner close", g.runner.Close())
	g.dedupe.Close()
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

type shutdownPayload struct {
	Reason string `json:"reason"`
}

type tickPayload struct {
	TS int64 `json:"ts"`
}

// tickLoop sends keepalive ticks to clients and nodes.
func (g *Gateway) tickLoop() {
	ticker := time.NewTicker(g.config.Gateway.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.runCtx.Done():
			return
		case now := <-ticker.C:
			payload := tickPayload{TS: now.UnixMilli()}
			g.broadcaster.Broadcast(protocol.EventTick, payload, protocol.BroadcastOptions{DropIfSlow: true})
			g.bridge.Broadcast(protocol.EventTick, payload)
		}
	}
}

// archive hands a terminal run to the archiver without blocking the
// multiplexer loop.
func (g *Gateway) archive(t chat.Terminal) {
	if t.State != protocol.ChatFinal || t.Text == "" {
		return
	}
	select {
	case g.terminals <- t:
	default:
		g.logger.Warn("archive queue full, dropping transcript line", "run_id", t.RunID, "session_key", t.SessionKey)
	}
}

// archiveLoop persists assistant replies of finished runs.
func (g *Gateway) archiveLoop() {
	for {
		select {
		case t := <-g.terminals:
			g.persist(t)
		case <-g.runCtx.Done():
			for {
				select {
				case t := <-g.terminals:
					g.persist(t)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) persist(t chat.Terminal) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.runCtx), archiveTimeout)
	defer cancel()
	if err := g.sessions.AppendMessage(ctx, t.SessionKey, session.RoleAssistant, t.Text, t.RunID); err != nil {
		g.logger.Warn("recording assistant message failed", "session_key", t.SessionKey, "run_id", t.RunID, "error", err)
	}
}

// probe gathers the health state.
func (g *Gateway) probe(ctx context.Context) HealthState {
	state := HealthState{
		Clients:     g.broadcaster.Count(),
		Nodes:       g.bridge.Count(),
		Database:    "ok",
		Multiplexer: "ok",
		Runner:      g.runnerName,
	}
	if entries, err := g.sessions.List(ctx, 0, 0); err != nil {
		state.Database = err.Error()
	} else {
		state.Sessions = len(entries)
	}
	if stats, err := g.mux.Stats(); err != nil {
		state.Multiplexer = err.Error()
	} else {
		state.PendingRuns = stats.PendingRuns
	}
	return state
}

// broadcastHealth sends a changed health snapshot to every client.
func (g *Gateway) broadcastHealth(snap HealthSnapshot, version uint64) {
	g.broadcaster.Broadcast(protocol.EventHealth, snap, protocol.BroadcastOptions{
		DropIfSlow: true,
		StateVersion: &protocol.StateVersion{
			Presence: g.presence.Version(),
			Health:   version,
		},
	})
}

// handleHTTPHealth serves the cached health snapshot for load balancers.
func (g *Gateway) handleHTTPHealth(w http.ResponseWriter, r *http.Request) {
	snap, _ := g.health.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !snap.OK || g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// nodeConnected records a bridge node in presence.
func (g *Gateway) nodeConnected(info bridge.NodeInfo) {
	host, _, _ := net.SplitHostPort(info.RemoteAddr)
	g.presence.Upsert(presence.Entry{
		Key:        presence.KeyFor(info.NodeID, "", info.ConnID),
		Host:       info.DisplayName,
		IP:         host,
		Version:    info.Version,
		Platform:   info.Platform,
		Mode:       protocol.ModeNode,
		Reason:     presence.ReasonNodeConnected,
		InstanceID: info.NodeID,
	})
	g.broadcastPresence()
}

// nodeDisconnected marks a bridge node as gone.
func (g *Gateway) nodeDisconnected(info bridge.NodeInfo) {
	if _, ok := g.presence.MarkReason(presence.KeyFor(info.NodeID, "", info.ConnID), presence.ReasonNodeDisconnected); ok {
		g.broadcastPresence()
	}
}
