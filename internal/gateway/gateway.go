// ABOUTME: Gateway orchestrator that coordinates the HTTP, WebSocket and gRPC health servers
// ABOUTME: Wires store, conversation service, broker and event export, and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/support-broker/internal/auth"
	"github.com/2389/support-broker/internal/broker"
	"github.com/2389/support-broker/internal/config"
	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/dedupe"
	"github.com/2389/support-broker/internal/eventbus"
	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

// shutdownTimeout bounds graceful shutdown once the run context is cancelled.
const shutdownTimeout = 5 * time.Second

// Gateway orchestrates the support-broker server components.
type Gateway struct {
	config        *config.Config
	store         store.Store
	conversations *conversation.Service
	broker        *broker.Broker
	registry      *registry.Registry
	broadcaster   *conversation.EventBroadcaster
	replay        *dedupe.Cache
	auth          *auth.Authenticator

	// exporter is nil unless nats.enabled
	exporter *eventbus.Exporter
	nats     atomic.Pointer[eventbus.JetStream]

	router     chi.Router
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// sockets tracks live WebSocket connections so shutdown can close them;
	// http.Server.Shutdown does not touch hijacked connections.
	sockets     sync.WaitGroup
	connCtx     context.Context
	closeConns  context.CancelFunc
	ready       atomic.Bool
	shutdownOne sync.Once

	logger *slog.Logger
}

// initStore creates the SQLite store named by the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newAuthenticator returns a JWT authenticator, or an anonymous one when no
// secret is configured.
func newAuthenticator(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		return auth.NewAuthenticator(nil, logger), nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return auth.NewAuthenticator(verifier, logger), nil
}

// createGRPCServer creates the health-only gRPC server.
func createGRPCServer() (*grpc.Server, *health.Server) {
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
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	authenticator, err := newAuthenticator(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	replay := dedupe.New(cfg.Broker.DedupeTTL, cfg.Broker.DedupeSize)
	convService := conversation.New(s, conversation.Options{
		LockTimeout:      cfg.Broker.LockTimeout,
		MaxMessageLength: cfg.Broker.MaxMessageLength,
		Replay:           replay,
		Logger:           logger,
	})
	reg := registry.New(logger)
	brk := broker.New(convService, reg, logger)
	broadcaster := conversation.NewEventBroadcaster(logger)

	connCtx, closeConns := context.WithCancel(context.Background())
	gw := &Gateway{
		config:        cfg,
		store:         s,
		conversations: convService,
		broker:        brk,
		registry:      reg,
		broadcaster:   broadcaster,
		replay:        replay,
		auth:          authenticator,
		connCtx:       connCtx,
		closeConns:    closeConns,
		logger:        logger.With("component", "gateway"),
	}

	sinks := conversation.MultiSink{brk, broadcaster}
	if cfg.NATS.Enabled {
		gw.exporter = eventbus.NewExporter(gw.publish, eventbus.Options{
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			QueueSize:     cfg.NATS.QueueSize,
			Logger:        logger,
		})
		sinks = append(sinks, gw.exporter)
	}
	convService.SetSink(sinks)

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = createGRPCServer()
	}

	gw.router = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP router.
func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(g.config.Server.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: g.config.Server.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	// The socket authenticates itself before the upgrade
	r.Get("/ws", g.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(g.auth.Middleware)
		r.Use(auth.RequireRole(store.RoleAgent))

		r.Get("/presence", g.handlePresence)
		r.Get("/events", g.handleEvents)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", g.handleListConversations)
			r.Get("/{id}", g.handleGetConversation)
			r.Get("/{id}/messages", g.handleMessages)
			r.Get("/{id}/transcript", g.handleTranscript)
		})
	})

	return r
}

// Handler exposes the HTTP router, mainly for tests.
func (g *Gateway) Handler() http.Handler { return g.router }

// publish forwards exported events to JetStream once connected.
func (g *Gateway) publish(ctx context.Context, subject string, data []byte, msgID string) error {
	js := g.nats.Load()
	if js == nil {
		return errors.New("nats not connected")
	}
	return js.Publish(ctx, subject, data, msgID)
}

// setupListeners opens the HTTP listener and, when configured, the gRPC one.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// connectNATS dials JetStream when event export is enabled.
func (g *Gateway) connectNATS(ctx context.Context) error {
	if g.exporter == nil {
		return nil
	}
	js, err := eventbus.Dial(ctx, eventbus.Config{
		URL:           g.config.NATS.URL,
		Stream:        g.config.NATS.Stream,
		SubjectPrefix: g.config.NATS.SubjectPrefix,
		MaxAge:        g.config.NATS.MaxAge,
	}, g.logger)
	if err != nil {
		return err
	}
	g.nats.Store(js)
	return nil
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.connectNATS(ctx); err != nil {
		return err
	}

	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		group.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	if g.exporter != nil {
		group.Go(func() error {
			return g.exporter.Run(groupCtx)
		})
	}

	g.markReady()

	group.Go(func() error {
		<-groupCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Gateway) markReady() {
	g.ready.Store(true)
	if g.health != nil {
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

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

// closeSockets disconnects every WebSocket client and waits for their
// handlers to finish.
func (g *Gateway) closeSockets(ctx context.Context) {
	g.closeConns()

	done := make(chan struct{})
	go func() {
		g.sockets.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("timed out waiting for sockets to close")
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.shutdownOne.Do(func() {
		g.logger.Info("shutting down gateway")
		g.ready.Store(false)

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)
		g.closeSockets(ctx)

		if js := g.nats.Load(); js != nil {
			js.Close()
		}
		g.broadcaster.Close()
		g.replay.Close()
		errs = appendCloseError(errs, "store close", g.store.Close())
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// originPatterns converts allowed CORS origins into the host patterns the
// WebSocket handshake checks.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once listeners are up and, when export is
// enabled, NATS is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if g.exporter != nil {
		if js := g.nats.Load(); js == nil || !js.Connected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("nats disconnected"))
			return
		}
	}
	counts := g.registry.Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sockets)", counts.Sockets)
}
