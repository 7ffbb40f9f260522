// ABOUTME: Gateway orchestrator that wires the authorization server and the tool transport
// ABOUTME: Manages the store, session manager, HTTP server, tailscale listener and shutdown

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
	"strings"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tollgate/internal/auth"
	"github.com/2389/tollgate/internal/clients"
	"github.com/2389/tollgate/internal/config"
	"github.com/2389/tollgate/internal/dedupe"
	"github.com/2389/tollgate/internal/login"
	"github.com/2389/tollgate/internal/mcp"
	"github.com/2389/tollgate/internal/oauth"
	"github.com/2389/tollgate/internal/store"
	"github.com/2389/tollgate/internal/tools"
)

// housekeepingInterval is how often expired codes, tokens and limiter state are dropped.
const housekeepingInterval = time.Minute

// Gateway orchestrates the tollgate server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	clients     *clients.Registry
	parser      *oauth.Parser
	consent     *oauth.Coordinator
	tokens      *oauth.TokenService
	login       login.Authenticator
	gate        *auth.Gate
	sessions    *mcp.Manager
	catalog     *tools.Catalog
	mcpServer   *mcp.Server
	pages       *pages
	limiter     *ipLimiter
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// replays remembers finalized consent tickets
	replays *dedupe.Cache

	// baseURL is the public URL used in metadata and challenges (e.g. "https://auth.example.com")
	baseURL string

	now func() time.Time

	bgWG     sync.WaitGroup
	bgCancel context.CancelFunc
}

// determineBaseURL resolves the public base URL from config or environment.
func determineBaseURL(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Server.Issuer != "" {
		return strings.TrimSuffix(cfg.Server.Issuer, "/")
	}
	if envURL := os.Getenv("TOLLGATE_ISSUER"); envURL != "" {
		return strings.TrimSuffix(envURL, "/")
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	logger.Warn("server.issuer not set; metadata will use the bare tailscale hostname. Set server.issuer to the full tailnet URL (e.g., https://tollgate.your-tailnet.ts.net)")
	return "https://" + cfg.Tailscale.Hostname
}

// OpenStore opens the credential store selected by config. TOLLGATE_DB_PATH overrides the sqlite path.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TOLLGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	var s store.Store
	var err error
	switch cfg.Database.Driver {
	case config.DriverMemory:
		s = store.NewMemoryStore()
	case config.DriverRedis:
		rc := cfg.Database.Redis
		s, err = store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		})
	case config.DriverSQLite3:
		s, err = store.NewSQLiteStore(store.DriverMattn, dbPath)
	default:
		s, err = store.NewSQLiteStore(store.DriverModernc, dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newAuthenticator builds the login collaborator selected by config.
func newAuthenticator(cfg config.LoginConfig, logger *slog.Logger) (login.Authenticator, error) {
	if cfg.Mode == config.LoginMock {
		logger.Warn("mock login enabled - every visitor is signed in as one user", "user_id", cfg.MockUserID)
		return login.MockAuthenticator{UserID: cfg.MockUserID}, nil
	}
	users := make([]login.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, login.User{Username: u.Username, UserID: u.UserID, PasswordHash: u.PasswordHash})
	}
	a, err := login.NewStaticAuthenticator(users)
	if err != nil {
		return nil, fmt.Errorf("loading login users: %w", err)
	}
	if len(users) == 0 {
		logger.Warn("no login users configured - nobody can approve consent")
	}
	return a, nil
}

// staticClients converts configured clients for the registry.
func staticClients(cfg []config.ClientConfig) []clients.StaticClient {
	out := make([]clients.StaticClient, 0, len(cfg))
	for _, c := range cfg {
		out = append(out, clients.StaticClient{
			ID:           c.ClientID,
			Name:         c.ClientName,
			RedirectURIs: c.RedirectURIs,
			SecretHash:   c.ClientSecretHash,
			AuthMethod:   c.TokenEndpointAuthMethod,
		})
	}
	return out
}

// Option customizes a Gateway. Used by tests.
type Option func(*options)

type options struct {
	store store.Store
	now   func() time.Time
	tools []tools.Tool
}

// WithStore uses s instead of opening the configured store. The gateway takes ownership.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithClock sets the clock used for every expiry decision.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTools registers extra tools next to the builtins.
func WithTools(t ...tools.Tool) Option {
	return func(o *options) { o.tools = append(o.tools, t...) }
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	s := o.store
	if s == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		s, err = OpenStore(ctx, cfg)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	gw, err := build(cfg, logger, s, o)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func build(cfg *config.Config, logger *slog.Logger, s store.Store, o options) (*Gateway, error) {
	gw := &Gateway{
		config:  cfg,
		store:   s,
		logger:  logger.With("component", "gateway"),
		baseURL: determineBaseURL(cfg, logger),
		now:     o.now,
	}

	registry, err := clients.New(clients.Config{
		Store:  s,
		Logger: logger,
		Now:    o.now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating client registry: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.LoadStatic(ctx, staticClients(cfg.Clients)); err != nil {
		return nil, fmt.Errorf("loading static clients: %w", err)
	}
	gw.clients = registry

	sealer, err := oauth.NewSealer([]byte(cfg.OAuth.RoundTripSecret), cfg.OAuth.ConsentTTL, o.now)
	if err != nil {
		return nil, fmt.Errorf("creating consent sealer: %w", err)
	}

	gw.parser, err = oauth.NewParser(oauth.ParserConfig{
		Clients:        registry,
		Sealer:         sealer,
		Scopes:         cfg.OAuth.Scopes,
		DefaultScopes:  cfg.OAuth.DefaultScopes,
		RequirePKCE:    cfg.OAuth.RequirePKCE,
		AllowPlainPKCE: cfg.OAuth.AllowPlainPKCE,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating request parser: %w", err)
	}

	// A ticket is only worth replaying while it is still valid.
	gw.replays = dedupe.New(dedupe.Config{
		TTL: cfg.OAuth.ConsentTTL,
		Now: o.now,
	})
	gw.consent, err = oauth.NewCoordinator(oauth.CoordinatorConfig{
		Codes:   s,
		Clients: registry,
		Sealer:  sealer,
		CodeTTL: cfg.OAuth.CodeTTL,
		Replays: gw.replays,
		Logger:  logger,
		Now:     o.now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consent coordinator: %w", err)
	}

	gw.tokens, err = oauth.NewTokenService(oauth.TokenConfig{
		Store:          s,
		Clients:        registry,
		AccessTTL:      cfg.Tokens.AccessTTL,
		RefreshTTL:     cfg.Tokens.RefreshTTL,
		IssueRefresh:   cfg.Tokens.IssueRefresh(),
		RotateRefresh:  cfg.Tokens.RotateRefresh(),
		RevokeOnReplay: cfg.Tokens.RevokeOnReplay(),
		Logger:         logger,
		Now:            o.now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	gw.login, err = newAuthenticator(cfg.Login, gw.logger)
	if err != nil {
		return nil, err
	}

	gw.catalog = tools.NewCatalog(tools.CatalogConfig{
		Timeout: cfg.Sessions.ToolTimeout,
		Logger:  logger,
	})
	served := append(tools.Builtins(), tools.Notes(tools.NewNotebook())...)
	if err := gw.catalog.Register(append(served, o.tools...)...); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	gw.sessions, err = mcp.NewManager(mcp.ManagerConfig{
		Tokens:         gw.tokens,
		IdleTimeout:    cfg.Sessions.IdleTimeout,
		SweepInterval:  cfg.Sessions.SweepInterval,
		OutboundBuffer: cfg.Sessions.OutboundBuffer,
		Logger:         logger,
		Now:            o.now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}
	gw.mcpServer, err = mcp.NewServer(mcp.Config{
		Sessions: gw.sessions,
		Catalog:  gw.catalog,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	gw.gate = auth.NewGate(auth.GateConfig{
		Validator:           gw.tokens,
		ResourceMetadataURL: gw.baseURL + protectedResourcePath,
		AuthorizationURL:    gw.baseURL + authorizePath,
		OnInvalid:           gw.mcpServer.InvalidTokenHook,
		Logger:              logger,
	})

	gw.pages, err = newPages()
	if err != nil {
		return nil, fmt.Errorf("loading pages: %w", err)
	}
	gw.limiter = newIPLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, o.now)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr, "issuer", g.baseURL)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
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

// startBackground runs the session sweeper and store housekeeping until Shutdown.
func (g *Gateway) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	g.bgCancel = cancel

	g.bgWG.Add(2)
	go func() {
		defer g.bgWG.Done()
		g.sessions.Run(ctx)
	}()
	go func() {
		defer g.bgWG.Done()
		ticker := time.NewTicker(housekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.housekeeping(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// housekeeping drops expired credentials, replay entries and idle rate limiters.
func (g *Gateway) housekeeping(ctx context.Context) {
	now := g.now()
	n, err := g.store.DeleteExpired(ctx, now)
	if err != nil {
		g.logger.Warn("deleting expired credentials", "error", err)
	} else if n > 0 {
		g.logger.Debug("deleted expired credentials", "count", n)
	}
	g.replays.Sweep()
	g.limiter.sweep(now)
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startBackground()
	errCh := g.startServer(ln)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The original context is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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
	return filepath.Join(homeDir, ".local", "share", "tollgate", "tailscale"), nil
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

// setupTailscaleListener starts a tsnet node and returns its HTTPS listener.
// OAuth needs TLS, so the tailnet listener always serves HTTPS.
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

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}
	return g.createTailscaleTLSListener()
}

// logTailscaleStatus logs info about the tailscale node and checks the issuer against it.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if dnsName != "" && g.baseURL != "https://"+dnsName {
		g.logger.Warn("issuer does not match the tailnet name; clients may reject metadata", "issuer", g.baseURL, "dns_name", dnsName)
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
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

// Shutdown gracefully stops the server, closes every session and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	// Streams block Shutdown until their sessions end.
	g.sessions.CloseAll(mcp.ReasonShutdown)
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.bgCancel != nil {
		g.bgCancel()
		g.bgWG.Wait()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.replays.Close()

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

// handleReady returns 200 OK if the credential store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := g.store.ListClients(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.sessions.Len())
}
