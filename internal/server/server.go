// Package server assembles the relay from its configuration and runs it
// until shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/wudi/eventrelay/internal/config"
	"github.com/wudi/eventrelay/internal/listener"
	"github.com/wudi/eventrelay/internal/logging"
	"github.com/wudi/eventrelay/internal/metrics"
	"github.com/wudi/eventrelay/internal/middleware"
	"github.com/wudi/eventrelay/internal/middleware/decompress"
	"github.com/wudi/eventrelay/internal/relay"
	"github.com/wudi/eventrelay/internal/shutdown"
	"github.com/wudi/eventrelay/internal/sink"
	"github.com/wudi/eventrelay/internal/tracing"
	"github.com/wudi/eventrelay/internal/transform"
	"go.uber.org/zap"
)

// Listener IDs.
const (
	ListenerHTTP  = "http"
	ListenerHTTPS = "https"
)

// Server wraps the relay handler with listeners and the shutdown sequencer
type Server struct {
	config    *config.Config
	tracer    *tracing.Tracer
	metrics   *metrics.Collector
	relay     *relay.Handler
	handler   http.Handler
	manager   *listener.Manager
	registry  *shutdown.Registry
	sequencer *shutdown.Sequencer
}

// New builds a Server. Every error it returns is a boot error: the
// programs failed to compile or a listener or the sink could not be set up.
func New(cfg *config.Config) (*Server, error) {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	s := &Server{
		config:  cfg,
		tracer:  tracer,
		metrics: metrics.NewCollector(),
		manager: listener.NewManager(),
	}

	if err := s.initRelay(); err != nil {
		return nil, err
	}
	s.handler = s.buildChain().Then(relay.NewRouter(s.relay, s.metrics.Handler()))

	s.registry = shutdown.NewRegistry(s.metrics.SetOpenConnections)
	if err := s.initListeners(); err != nil {
		return nil, fmt.Errorf("failed to initialize listeners: %w", err)
	}

	s.sequencer = shutdown.NewSequencer(cfg.Shutdown, s.registry, s.manager,
		shutdown.WithStateObserver(func(st shutdown.State) {
			s.metrics.SetShutdownState(int(st))
		}),
	)
	s.sequencer.AddHook("tracer", s.tracer.Close)
	s.sequencer.AddHook("logger", func(context.Context) error {
		logging.Sync()
		return nil
	})

	return s, nil
}

// initRelay compiles the programs and builds the relay handler
func (s *Server) initRelay() error {
	cfg := s.config

	program, err := transform.CompileFile(cfg.Transform.File, cfg.Transform.Language)
	if err != nil {
		return err
	}
	opts := relay.Options{
		Program:             program,
		DiscardResponseBody: cfg.Sink.DiscardResponseBody,
		MaxBodyBytes:        cfg.Server.MaxBodyBytes,
		Tracer:              s.tracer,
		Metrics:             s.metrics,
	}

	if cfg.ResponseTransform.File != "" {
		if opts.ResponseProgram, err = transform.CompileFile(cfg.ResponseTransform.File, cfg.ResponseTransform.Language); err != nil {
			return err
		}
	}

	if cfg.Sink.Enabled() {
		fwd, err := sink.New(cfg.Sink, sink.WithInjector(s.tracer))
		if err != nil {
			return fmt.Errorf("failed to initialize sink: %w", err)
		}
		opts.Forwarder = fwd
	}

	h, err := relay.NewHandler(opts)
	if err != nil {
		return err
	}
	s.relay = h

	logging.Info("Relay configured",
		zap.String("transform", cfg.Transform.File),
		zap.String("language", program.Language()),
		zap.Bool("sink", cfg.Sink.Enabled()),
		zap.Stringer("response_mode", h.ResponseMode()),
	)
	return nil
}

// buildChain assembles the global middleware, outermost first
func (s *Server) buildChain() *middleware.Chain {
	probes := []string{relay.HealthPath, relay.ReadyPath, relay.MetricsPath}

	return middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(middleware.Recovery()).
		Use(s.tracer.Middleware()).
		Use(s.metrics.Middleware(append([]string{"/"}, probes...)...)).
		Use(middleware.LoggingWithConfig(middleware.LoggingConfig{SkipPaths: probes})).
		UseIf(s.config.Decompression.Enabled, decompress.New(s.config.Decompression).Middleware()).
		Build()
}

// initListeners creates the plain listener and, with TLS material, the
// HTTPS one. Both feed the same connection registry.
func (s *Server) initListeners() error {
	srv := s.config.Server

	base := listener.HTTPListenerConfig{
		Handler:           s.handler,
		ReadHeaderTimeout: srv.ReadHeaderTimeout,
		IdleTimeout:       srv.IdleTimeout,
		ConnState:         s.registry.Track,
	}

	plain := base
	plain.ID = ListenerHTTP
	plain.Address = net.JoinHostPort("", strconv.Itoa(srv.Port))
	if err := s.addListener(plain); err != nil {
		return err
	}

	if srv.TLS.Enabled() {
		secure := base
		secure.ID = ListenerHTTPS
		secure.Address = net.JoinHostPort("", strconv.Itoa(srv.HTTPSPort))
		secure.TLS = srv.TLS
		if err := s.addListener(secure); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) addListener(cfg listener.HTTPListenerConfig) error {
	l, err := listener.NewHTTPListener(cfg)
	if err != nil {
		return fmt.Errorf("failed to create listener %s: %w", cfg.ID, err)
	}
	return s.manager.Add(l)
}

// Start binds every listener
func (s *Server) Start(ctx context.Context) error {
	return s.manager.StartAll(ctx)
}

// Run starts the listeners and blocks until the shutdown sequence driven
// by signals has finished. It returns the process exit code.
func (s *Server) Run(ctx context.Context, signals <-chan shutdown.Signal) int {
	if err := s.Start(ctx); err != nil {
		logging.Error("Failed to start listeners", zap.Error(err))
		return 1
	}
	code := s.sequencer.Run(ctx, signals)
	logging.Info("Server shutdown complete", zap.Int("exit_code", code))
	return code
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address of a listener, or "" if it does not exist.
func (s *Server) Addr(id string) string {
	l, ok := s.manager.Get(id)
	if !ok {
		return ""
	}
	return l.Addr()
}

// State returns the shutdown state
func (s *Server) State() shutdown.State {
	return s.sequencer.State()
}

// Registry returns the open connection registry
func (s *Server) Registry() *shutdown.Registry {
	return s.registry
}
