// ABOUTME: Gateway orchestrator that owns sessions, runs, auth, channels, and the HTTP server
// ABOUTME: Manages listener setup (TCP or Tailscale), routing, and graceful shutdown

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
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/clawd-gateway/internal/adapter"
	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/agent/openai"
	"github.com/2389/clawd-gateway/internal/auth"
	"github.com/2389/clawd-gateway/internal/channels"
	"github.com/2389/clawd-gateway/internal/config"
	"github.com/2389/clawd-gateway/internal/dedupe"
	"github.com/2389/clawd-gateway/internal/run"
	"github.com/2389/clawd-gateway/internal/session"
	"github.com/2389/clawd-gateway/internal/store"
)

// Version is reported by the status method and the banner.
var Version = "dev"

// publicPaths skip HTTP authentication. /ws authenticates on its own.
var publicPaths = []string{"/health", "/health/live", "/health/ready", "/ws"}

// Gateway owns every component of one gateway instance. Multiple
// instances can run in one process.
type Gateway struct {
	config      *config.Config
	engine      agent.Engine
	sessions    *session.Store
	coordinator *run.Coordinator
	keys        *auth.KeyManager
	authn       *auth.Authenticator
	channels    *channels.Registry
	dedupe      *dedupe.Cache
	store       *store.SQLiteStore // nil without database.path
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	startedAt   time.Time

	// defaultKey is the raw admin key created on first start, if any.
	defaultKey string

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}

	// background tracks delivery goroutines.
	background sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	engine   agent.Engine
	channels []channels.Channel
}

// Option customizes a Gateway.
type Option func(*options)

// WithEngine replaces the engine selected by engine.provider.
func WithEngine(e agent.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithChannel registers an extra outbound channel.
func WithChannel(ch channels.Channel) Option {
	return func(o *options) { o.channels = append(o.channels, ch) }
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sqlStore, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	engine := o.engine
	if engine == nil {
		engine = newEngine(cfg.Engine, logger)
	}

	gw := &Gateway{
		config:    cfg,
		engine:    engine,
		store:     sqlStore,
		dedupe:    dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	sessOpts := session.Options{
		IdleTTL:      cfg.Sessions.IdleTTL,
		ReapInterval: cfg.Sessions.ReapInterval,
		MaxSessions:  cfg.Sessions.MaxSessions,
		Logger:       logger,
	}
	if sqlStore != nil {
		sessOpts.Persister = sqlStore
	}
	gw.sessions = session.NewStore(sessOpts)

	gw.coordinator = run.NewCoordinator(engine, run.Config{
		CancelGrace: cfg.Runs.CancelGrace,
		RunTimeout:  cfg.Runs.RunTimeout,
		Retention:   cfg.Runs.Retention,
		BufferSize:  cfg.Runs.BufferSize,
		Logger:      logger,
		OnFinish:    gw.recordUsage,
	})

	if err := gw.initAuth(cfg.Auth, logger); err != nil {
		gw.closeComponents()
		return nil, err
	}

	gw.channels, err = newChannelRegistry(cfg.Channels, o.channels, logger)
	if err != nil {
		gw.closeComponents()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initStore opens the SQLite store, or returns nil when no path is configured.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

func newEngine(cfg config.EngineConfig, logger *slog.Logger) agent.Engine {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.New(openai.Config{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			SystemPrompt: cfg.SystemPrompt,
			Models:       cfg.Models,
			Logger:       logger,
		})
	default:
		e := agent.NewEchoEngine()
		e.Model = cfg.Model
		return e
	}
}

func (g *Gateway) initAuth(cfg config.AuthConfig, logger *slog.Logger) error {
	var keyStore auth.KeyStore = auth.NewMemoryKeyStore()
	if g.store != nil {
		keyStore = g.store
	}
	g.keys = auth.NewKeyManager(keyStore, logger)

	if !cfg.Enabled {
		return nil
	}

	raw, err := g.keys.EnsureDefault(context.Background(), cfg.BootstrapKey)
	if err != nil {
		return fmt.Errorf("bootstrapping API keys: %w", err)
	}
	g.defaultKey = raw

	authCfg := auth.AuthenticatorConfig{
		Keys:    g.keys,
		Limiter: auth.NewRateLimiter(auth.RateLimitConfig{RequestsPerMinute: cfg.DefaultRateLimit}),
		Logger:  logger,
	}
	if cfg.JWTSecret != "" {
		authCfg.JWT = auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	g.authn = auth.NewAuthenticator(authCfg)
	return nil
}

func newChannelRegistry(cfg config.ChannelsConfig, extra []channels.Channel, logger *slog.Logger) (*channels.Registry, error) {
	reg := channels.NewRegistry(logger)
	if cfg.Log.Enabled {
		reg.Register(channels.NewLogChannel("log", 100, logger))
	}
	if cfg.Matrix.Enabled {
		mx, err := channels.NewMatrixChannel(channels.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating matrix channel: %w", err)
		}
		reg.Register(mx)
	}
	for _, ch := range extra {
		reg.Register(ch)
	}
	return reg, nil
}

// Handler returns the gateway's HTTP handler with authentication applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/live", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	g.registerRESTRoutes(mux)
	g.registerOpenAIRoutes(mux)
	mux.HandleFunc("GET /ws", g.handleWebSocket)

	if g.authn == nil {
		return auth.AnonymousMiddleware()(mux)
	}
	native := auth.HTTPAuthMiddleware(g.authn, adapter.WriteError, publicPaths...)(mux)
	compat := auth.HTTPAuthMiddleware(g.authn, adapter.WriteOpenAIError, publicPaths...)(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// OpenAI clients expect their own error envelope, auth failures included
		if strings.HasPrefix(r.URL.Path, "/v1/") {
			compat.ServeHTTP(w, r)
			return
		}
		native.ServeHTTP(w, r)
	})
}

// DefaultAPIKey returns the admin key generated on first start, or "" if
// keys already existed or auth is disabled.
func (g *Gateway) DefaultAPIKey() string {
	return g.defaultKey
}

// Keys exposes the key manager for the CLI.
func (g *Gateway) Keys() *auth.KeyManager {
	return g.keys
}

// models lists the model ids advertised on /v1/models.
func (g *Gateway) models() []string {
	if len(g.config.Engine.Models) > 0 {
		return slices.Clone(g.config.Engine.Models)
	}
	if lister, ok := g.engine.(agent.ModelLister); ok {
		if ids := lister.Models(); len(ids) > 0 {
			return ids
		}
	}
	return []string{g.config.Engine.Model}
}

// recordUsage persists token usage for completed runs.
func (g *Gateway) recordUsage(res *run.Result) {
	if g.store == nil || res.State != run.StateCompleted || res.Usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.store.SaveRunUsage(ctx, &store.RunUsage{
		RunID:            res.RunID,
		SessionID:        res.SessionID,
		Model:            res.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CreatedAt:        res.EndedAt,
	})
	if err != nil {
		g.logger.Warn("failed to record run usage", "run_id", res.RunID, "error", err)
	}
}

// deliver forwards the final text of a completed run to a channel.
func (g *Gateway) deliver(h *run.Handle, d *adapter.Delivery) {
	g.background.Add(1)
	go func() {
		defer g.background.Done()

		<-h.Done()
		res := h.Result()
		if res == nil || res.State != run.StateCompleted {
			g.logger.Info("skipping delivery for unfinished run", "run_id", h.ID(), "channel", d.Channel)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.channels.Send(ctx, d.Channel, d.To, res.Text); err != nil {
			g.logger.Warn("delivery failed", "run_id", h.ID(), "channel", d.Channel, "error", err)
		}
	}()
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
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
	return filepath.Join(homeDir, ".local", "share", "clawd", "tsnet"), nil
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

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
	}

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

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS || tsCfg.CertFile != "":
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using a static cert pair
// when configured, otherwise Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tsCfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tls cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else {
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		tlsCfg.GetCertificate = lc.GetCertificate
	}

	g.logger.Info("enabling HTTPS on tailscale :443", "static_cert", tsCfg.CertFile != "")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops background workers owned by the gateway.
func (g *Gateway) closeComponents() {
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.sessions != nil {
		g.sessions.Close()
	}
	if g.store != nil {
		_ = g.store.Close()
	}
}

// Shutdown gracefully stops the HTTP server, finishes or cancels in-flight
// runs, and releases resources. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Runs end first so open SSE streams can finish before the HTTP
	// server waits on them.
	var errs []error
	g.closeClients()
	errs = appendCloseError(errs, "run shutdown", g.coordinator.Close(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.background.Wait()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.dedupe.Close()
	g.sessions.Close()
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store is reachable and runs can be admitted.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.store != nil {
		if err := g.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	active, _ := g.coordinator.Stats()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions, %d active runs)", g.sessions.Len(), active)
}
