// Package relay implements the transform-and-forward pipeline behind POST /.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wudi/eventrelay/internal/config"
	"github.com/wudi/eventrelay/internal/envelope"
	errs "github.com/wudi/eventrelay/internal/errors"
	"github.com/wudi/eventrelay/internal/logging"
	"github.com/wudi/eventrelay/internal/metrics"
	"github.com/wudi/eventrelay/internal/middleware"
	"github.com/wudi/eventrelay/internal/tracing"
	"github.com/wudi/eventrelay/internal/transform"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Pipeline stages, used as metric labels.
const (
	StageRequest  = "request"
	StageResponse = "response"
)

// Forwarder delivers a serialized payload to the sink.
type Forwarder interface {
	Forward(ctx context.Context, body []byte, contentType string) (*http.Response, error)
}

// Options configures a Handler.
type Options struct {
	// Program transforms every inbound value. Required.
	Program transform.Program
	// ResponseProgram transforms sink responses. Requires Forwarder.
	ResponseProgram transform.Program
	// Forwarder is nil when no sink is configured.
	Forwarder Forwarder
	// DiscardResponseBody returns only the sink status. It takes precedence
	// over ResponseProgram.
	DiscardResponseBody bool
	// MaxBodyBytes bounds the inbound body and a buffered sink body.
	// Zero means unbounded.
	MaxBodyBytes int64

	Tracer  *tracing.Tracer
	Metrics *metrics.Collector
}

// Handler runs decode, transform, forward and the response stage for one
// request at a time; it is safe for concurrent use.
type Handler struct {
	program   transform.Program
	decoder   *envelope.Decoder
	forwarder Forwarder
	response  *responseStage
	maxBytes  int64
	tracer    *tracing.Tracer
	metrics   *metrics.Collector
}

// NewHandler validates opts and builds a Handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Program == nil {
		return nil, errors.New("relay: a transform program is required")
	}
	if opts.ResponseProgram != nil && opts.Forwarder == nil {
		return nil, errors.New("relay: a response transform requires a sink")
	}

	tracer := opts.Tracer
	if tracer == nil {
		var err error
		if tracer, err = tracing.New(config.TracingConfig{}); err != nil {
			return nil, err
		}
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	h := &Handler{
		program:   opts.Program,
		decoder:   envelope.NewRequestDecoder(),
		forwarder: opts.Forwarder,
		maxBytes:  opts.MaxBodyBytes,
		tracer:    tracer,
		metrics:   collector,
	}

	if opts.Forwarder != nil {
		mode := ModePassthrough
		switch {
		case opts.DiscardResponseBody:
			mode = ModeDiscard
		case opts.ResponseProgram != nil:
			mode = ModeTransform
		}
		h.response = &responseStage{
			mode:     mode,
			program:  opts.ResponseProgram,
			decoder:  envelope.NewResponseDecoder(),
			maxBytes: opts.MaxBodyBytes,
			tracer:   tracer,
			metrics:  collector,
		}
	}
	return h, nil
}

// ResponseMode reports how sink responses are returned. Without a sink it
// is ModePassthrough.
func (h *Handler) ResponseMode() ResponseMode {
	if h.response == nil {
		return ModePassthrough
	}
	return h.response.mode
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, errs.ErrRequestEntityTooLarge, err)
			return
		}
		h.fail(w, r, errs.Wrap(err, http.StatusBadRequest, "failed to read request body"), err)
		return
	}

	value, err := h.decode(ctx, r.Header, body)
	if err != nil {
		h.metrics.RecordBatchRejection()
		h.fail(w, r, errs.ErrBatchInput, err)
		return
	}

	out, err := h.transform(ctx, value)
	if err != nil {
		h.metrics.RecordTransformFailure(StageRequest)
		h.fail(w, r, errs.FromError(err, http.StatusInternalServerError), err)
		return
	}

	payload, err := marshal(out)
	if err != nil {
		h.fail(w, r, errs.Wrap(err, http.StatusInternalServerError, "failed to serialize transform output"), err)
		return
	}
	contentType := ResolveContentType(out)

	if h.forwarder == nil {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
		return
	}

	resp, err := h.forward(ctx, payload, contentType)
	if err != nil {
		h.fail(w, r, errs.FromError(err, http.StatusBadGateway), err)
		return
	}

	if rerr := h.response.write(ctx, w, resp); rerr != nil {
		h.fail(w, r, rerr, rerr)
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var body io.Reader = r.Body
	if h.maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}
	return io.ReadAll(body)
}

func (h *Handler) decode(ctx context.Context, header http.Header, body []byte) (any, error) {
	ctx, span := h.tracer.StartSpan(ctx, "relay.decode", attribute.Int("body.size", len(body)))
	defer span.End()

	value, tier, err := h.decoder.Decode(ctx, header, body)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	h.metrics.RecordDecode(StageRequest, tier.String())
	span.SetAttributes(attribute.String("decode.tier", tier.String()))
	return value, nil
}

func (h *Handler) transform(ctx context.Context, value any) (any, error) {
	ctx, span := h.tracer.StartSpan(ctx, "relay.transform",
		attribute.String("transform.language", h.program.Language()),
	)
	defer span.End()

	out, err := transform.Invoke(ctx, h.program, value)
	tracing.RecordError(span, err)
	return out, err
}

func (h *Handler) forward(ctx context.Context, payload []byte, contentType string) (*http.Response, error) {
	ctx, span := h.tracer.StartSpan(ctx, "relay.forward",
		attribute.String("http.request.header.content-type", contentType),
	)
	defer span.End()

	start := time.Now()
	resp, err := h.forwarder.Forward(ctx, payload, contentType)
	if err != nil {
		h.metrics.RecordSink(0, time.Since(start), err)
		tracing.RecordError(span, err)
		return nil, err
	}
	h.metrics.RecordSink(resp.StatusCode, time.Since(start), nil)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// fail logs a per-request failure and writes it as a Reason header.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, rerr *errs.RelayError, cause error) {
	requestID := middleware.RequestIDFromContext(r.Context())
	logging.Warn("Relay request failed",
		zap.String("request_id", requestID),
		zap.Int("status", rerr.Code),
		zap.String("reason", rerr.Reason),
		zap.Error(cause),
	)
	rerr.WithRequestID(requestID).WriteReason(w)
}

// marshal serializes v as JSON without HTML escaping or a trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
