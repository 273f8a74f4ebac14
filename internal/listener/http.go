package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/eventrelay/internal/config"
	"github.com/wudi/eventrelay/internal/logging"
	"go.uber.org/zap"
)

// HTTPListener wraps an HTTP server as a Listener
type HTTPListener struct {
	id       string
	address  string
	server   *http.Server
	tlsCfg   *tls.Config
	certPtr  atomic.Pointer[tls.Certificate] // for hot TLS cert reload
	watcher  *CertWatcher
	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               config.TLSConfig
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	// ConnState is installed as the server's connection state hook.
	ConnState func(net.Conn, http.ConnState)
}

// NewHTTPListener creates a new HTTP listener. TLS is enabled when the
// config carries both a certificate and a key.
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
	}

	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.certPtr.Store(&cert)

		h.tlsCfg = &tls.Config{
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				return h.certPtr.Load(), nil
			},
			MinVersion: tls.VersionTLS12,
		}

		if cfg.TLS.Watch {
			w, err := NewCertWatcher(cfg.TLS.CertFile, cfg.TLS.KeyFile, h.ReloadTLSCert)
			if err != nil {
				return nil, fmt.Errorf("failed to watch TLS certificates: %w", err)
			}
			h.watcher = w
		}
	}

	// Apply defaults
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}

	// No ReadTimeout/WriteTimeout: a request lives as long as the sink call
	// and the shutdown sequencer bounds it from the outside.
	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           cfg.Handler,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         h.tlsCfg,
		ConnState:         cfg.ConnState,
		ErrorLog:          zap.NewStdLog(logging.Global().Named("http")),
	}

	return h, nil
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Protocol returns "https" when TLS is configured, "http" otherwise
func (h *HTTPListener) Protocol() string {
	if h.tlsCfg != nil {
		return "https"
	}
	return "http"
}

// Addr returns the bound address once started, the configured one before.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Start binds the address and serves in the background.
func (h *HTTPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	if h.tlsCfg != nil {
		ln = tls.NewListener(ln, h.tlsCfg)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	if h.watcher != nil {
		if err := h.watcher.Start(); err != nil {
			ln.Close()
			return fmt.Errorf("failed to start TLS certificate watcher: %w", err)
		}
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Listener stopped serving",
				zap.String("id", h.id),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Stop refuses new connections, disables keep-alives and waits for the
// active requests to finish or ctx to be done.
func (h *HTTPListener) Stop(ctx context.Context) error {
	if h.watcher != nil {
		h.watcher.Stop()
	}
	h.server.SetKeepAlivesEnabled(false)
	return h.server.Shutdown(ctx)
}

// ReloadTLSCert hot-swaps the TLS certificate without restarting the listener.
func (h *HTTPListener) ReloadTLSCert(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	h.certPtr.Store(&cert)
	return nil
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}

// CertPtr returns the certificate currently served, or nil without TLS.
func (h *HTTPListener) CertPtr() *tls.Certificate {
	return h.certPtr.Load()
}
