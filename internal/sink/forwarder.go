// Package sink delivers transformed payloads to the downstream endpoint.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/eventrelay/internal/config"
	"github.com/wudi/eventrelay/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRedirect is returned when the sink answers with a redirect.
var ErrRedirect = errors.New("sink redirects are not followed")

// errServerStatus marks a 5xx response so the breaker counts it as a failure
// while the response itself is still relayed.
var errServerStatus = errors.New("sink returned server error")

// ForwardError reports a failed delivery: transport failure, disallowed
// redirect, timeout, open circuit or canceled rate-limit wait.
type ForwardError struct {
	URL string
	Err error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.URL, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Injector writes trace propagation headers for ctx.
type Injector interface {
	Inject(ctx context.Context, header http.Header)
}

type globalInjector struct{}

func (globalInjector) Inject(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// Option customizes a Forwarder.
type Option func(*Forwarder)

// WithInjector sets the trace propagation source. The default is the otel
// global propagator.
func WithInjector(i Injector) Option {
	return func(f *Forwarder) { f.injector = i }
}

// WithTransport replaces the outbound round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) { f.client.Transport = rt }
}

// Forwarder posts payloads to a single sink URL.
type Forwarder struct {
	url       string
	tokenFile string
	timeout   time.Duration
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	limiter   *rate.Limiter
	injector  Injector
}

// New builds a Forwarder from the sink configuration.
func New(cfg config.SinkConfig, opts ...Option) (*Forwarder, error) {
	tcfg := DefaultTransportConfig
	tcfg.CAFile = cfg.CAFile
	tcfg.InsecureSkipVerify = cfg.InsecureSkipVerify
	transport, err := NewTransport(tcfg)
	if err != nil {
		return nil, err
	}

	f := &Forwarder{
		url:       cfg.URL,
		tokenFile: cfg.TokenFile,
		timeout:   cfg.Timeout,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return ErrRedirect
			},
		},
		injector: globalInjector{},
	}

	if cfg.CircuitBreaker.Enabled {
		f.breaker = newBreaker(cfg.URL, cfg.CircuitBreaker)
	}
	if cfg.RateLimit.Rate > 0 {
		f.limiter = newLimiter(cfg.RateLimit)
	}

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func newBreaker(name string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker[*http.Response] {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(maxRequests),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Sink circuit breaker state changed",
				zap.String("sink", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	period := cfg.Period
	if period <= 0 {
		period = time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Rate
	}
	return rate.NewLimiter(rate.Every(period/time.Duration(cfg.Rate)), burst)
}

// URL returns the sink URL.
func (f *Forwarder) URL() string {
	return f.url
}

// Forward posts body to the sink with the given content type. The request is
// bound to ctx, so canceling the inbound request cancels the outbound one.
// On success the caller owns resp.Body; every failure is a *ForwardError.
func (f *Forwarder) Forward(ctx context.Context, body []byte, contentType string) (*http.Response, error) {
	var cancel context.CancelFunc
	if f.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
	}

	resp, err := f.forward(ctx, body, contentType)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, &ForwardError{URL: f.url, Err: err}
	}
	if cancel != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

func (f *Forwarder) forward(ctx context.Context, body []byte, contentType string) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	if f.breaker == nil {
		return f.do(ctx, body, contentType)
	}

	resp, err := f.breaker.Execute(func() (*http.Response, error) {
		resp, err := f.do(ctx, body, contentType)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

func (f *Forwarder) do(ctx context.Context, body []byte, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	if token := f.readToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	f.injector.Inject(ctx, req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		// a refused redirect still hands back the (closed) redirect response
		return nil, err
	}
	return resp, nil
}

// readToken reads the token file on every call so rotated tokens are picked
// up. Failures mean no Authorization header.
func (f *Forwarder) readToken() string {
	if f.tokenFile == "" {
		return ""
	}
	data, err := os.ReadFile(f.tokenFile)
	if err != nil {
		logging.Debug("Failed to read sink token file",
			zap.String("path", f.tokenFile),
			zap.Error(err),
		)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// cancelOnClose releases the per-call timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
