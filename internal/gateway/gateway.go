// ABOUTME: Gateway orchestrator that wires the registry, broker clients, and HTTP server
// ABOUTME: Manages the answer consumer, optional embedded worker, ledger, and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/recognize"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/worker"
)

// Gateway orchestrates the coven-relay HTTP side.
type Gateway struct {
	config      *config.Config
	registry    *session.Registry
	store       store.Store
	rewriter    *recognize.Rewriter
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// pubClient carries question publishes; consumeClient holds the answer
	// queue consumer. They never share a connection.
	pubClient     *broker.Client
	consumeClient *broker.Client
	publisher     *relay.Publisher
	consumer      *relay.Consumer

	// pool and workerClient are set in embedded worker mode
	pool         *worker.Pool
	workerClient *broker.Client

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// initStore creates the SQLite session ledger.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// buildAuthMiddleware returns the middleware guarding the API routes.
func buildAuthMiddleware(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return auth.Passthrough, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("HTTP auth middleware enabled")
	return auth.HTTPAuthMiddleware(verifier), nil
}

// registerHTTPRoutes mounts the chat, ledger and health endpoints.
func (g *Gateway) registerHTTPRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("/chat", authMiddleware(http.HandlerFunc(g.handleChat)))
	mux.Handle("/api/sessions", authMiddleware(http.HandlerFunc(g.handleListSessions)))
	mux.Handle("/api/sessions/", authMiddleware(http.HandlerFunc(g.handleGetSession)))
	mux.Handle("/api/stats/sessions", authMiddleware(http.HandlerFunc(g.handleSessionStats)))

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
}

// New creates a gateway from cfg. No connection is made until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return newGateway(cfg, broker.DialerFromConfig(cfg.Broker, "coven-relay-gateway"), logger)
}

func newGateway(cfg *config.Config, dialer broker.Dialer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	authMiddleware, err := buildAuthMiddleware(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	registry := session.NewRegistry(cfg.Gateway.SessionBuffer, logger)
	brokerOpts := broker.OptionsFromConfig(cfg.Broker, logger)
	pubClient := broker.NewClient(dialer, brokerOpts)
	consumeClient := broker.NewClient(dialer, brokerOpts)

	recognizer := recognize.NewClient(cfg.Services.ImageURL, cfg.Services.Timeout)
	if !recognizer.Configured() {
		logger.Warn("attachment recognition disabled - no services.image_url configured")
	}

	gw := &Gateway{
		config:        cfg,
		registry:      registry,
		store:         s,
		rewriter:      recognize.NewRewriter(recognizer, logger),
		logger:        logger,
		pubClient:     pubClient,
		consumeClient: consumeClient,
		publisher:     relay.NewPublisher(pubClient, cfg.Broker.QuestionQueue),
		consumer:      relay.NewConsumer(consumeClient, cfg.Broker.AnswerQueue, registry, logger),
	}

	if cfg.Gateway.EmbeddedWorker {
		gw.workerClient = broker.NewClient(dialer, brokerOpts)
		emitter := relay.NewAnswerPublisher(gw.workerClient, cfg.Broker.AnswerQueue)
		gw.pool, err = worker.NewFromConfig(cfg, gw.workerClient, emitter, logger)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating embedded worker: %w", err)
		}
		logger.Info("embedded worker enabled", "functions", len(cfg.Worker.Functions))
	}

	mux := http.NewServeMux()
	gw.registerHTTPRoutes(mux, authMiddleware)

	// No WriteTimeout: responses are long-lived streams.
	gw.httpServer = &http.Server{
		Addr:              cfg.Gateway.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for embedding in another server.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startBackground launches the answer consumer and, if configured, the
// embedded worker pool.
func (g *Gateway) startBackground(ctx context.Context) {
	ctx, g.bgCancel = context.WithCancel(ctx)

	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		if err := g.consumer.Run(ctx); err != nil {
			g.logger.Error("answer consumer stopped", "error", err)
		}
	}()

	if g.pool != nil {
		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			if err := g.pool.Run(ctx); err != nil {
				g.logger.Error("embedded worker stopped", "error", err)
			}
		}()
	}
}

// stopBackground cancels the consume loops and waits for them and for any
// in-flight embedded turns.
func (g *Gateway) stopBackground(ctx context.Context) error {
	if g.bgCancel == nil {
		return nil
	}
	g.bgCancel()

	done := make(chan struct{})
	go func() {
		g.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for consumers: %w", ctx.Err())
	}

	if g.pool != nil {
		return g.pool.Wait(ctx)
	}
	return nil
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Gateway.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Gateway.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.logger.Warn("gateway.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Gateway.HTTPAddr,
		)
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
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
		return err
	}
}

// Run starts the consumer and the HTTP server and blocks until ctx is
// canceled. Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startBackground(ctx)
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens for HTTP on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
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

// createTailscaleHTTPListener picks plain, TLS, or Funnel based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves HTTPS with tailnet-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown ends every live stream, stops the servers and consumers, and
// releases resources. Live sessions are recorded as aborted.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "live_sessions", g.registry.Len())

	var errs []error

	// Closing the registry ends every stream, so the HTTP shutdown below does
	// not wait on them.
	g.registry.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "consumer shutdown", g.stopBackground(ctx))

	errs = appendCloseError(errs, "publisher close", g.pubClient.Close())
	errs = appendCloseError(errs, "consumer close", g.consumeClient.Close())
	if g.workerClient != nil {
		errs = appendCloseError(errs, "worker close", g.workerClient.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the answer consumer holds a connection.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.consumeClient.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("answer consumer not connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live sessions)", g.registry.Len())
}
