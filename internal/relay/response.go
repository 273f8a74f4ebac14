package relay

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/wudi/eventrelay/internal/envelope"
	errs "github.com/wudi/eventrelay/internal/errors"
	"github.com/wudi/eventrelay/internal/logging"
	"github.com/wudi/eventrelay/internal/metrics"
	"github.com/wudi/eventrelay/internal/tracing"
	"github.com/wudi/eventrelay/internal/transform"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ResponseMode selects how a sink response reaches the caller.
type ResponseMode int

const (
	// ModePassthrough streams the sink body verbatim.
	ModePassthrough ResponseMode = iota
	// ModeDiscard returns only the sink status.
	ModeDiscard
	// ModeTransform runs the sink body through the response program.
	ModeTransform
)

func (m ResponseMode) String() string {
	switch m {
	case ModeDiscard:
		return "discard"
	case ModeTransform:
		return "transform"
	default:
		return "passthrough"
	}
}

// chunkSize is the passthrough copy unit; the writer is flushed after each.
const chunkSize = 32 * 1024

// responseStage turns a sink response into the reply to the caller.
type responseStage struct {
	mode     ResponseMode
	program  transform.Program
	decoder  *envelope.Decoder
	maxBytes int64
	tracer   *tracing.Tracer
	metrics  *metrics.Collector
}

// write consumes and closes resp. A non-nil error means nothing was written
// yet and the caller reports it.
func (s *responseStage) write(ctx context.Context, w http.ResponseWriter, resp *http.Response) *errs.RelayError {
	defer resp.Body.Close()

	switch s.mode {
	case ModeDiscard:
		io.Copy(io.Discard, resp.Body)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(resp.StatusCode)
		return nil
	case ModeTransform:
		return s.transform(ctx, w, resp)
	default:
		s.passthrough(w, resp)
		return nil
	}
}

func (s *responseStage) passthrough(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	for {
		_, err := io.CopyN(w, resp.Body, chunkSize)
		if flusher != nil {
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				// headers are gone; all we can do is stop
				logging.Warn("Failed to stream sink response", zap.Error(err))
			}
			return
		}
	}
}

func (s *responseStage) transform(ctx context.Context, w http.ResponseWriter, resp *http.Response) *errs.RelayError {
	ctx, span := s.tracer.StartSpan(ctx, "relay.response_transform",
		attribute.Int("sink.status_code", resp.StatusCode),
	)
	defer span.End()

	body, err := readLimited(resp.Body, s.maxBytes)
	if err != nil {
		tracing.RecordError(span, err)
		return errs.Wrap(err, http.StatusBadGateway, "failed to read sink response")
	}

	// a batch is never an error here
	value, tier, _ := s.decoder.Decode(ctx, resp.Header, body)
	s.metrics.RecordDecode(StageResponse, tier.String())
	span.SetAttributes(attribute.String("decode.tier", tier.String()))

	out, err := transform.Invoke(ctx, s.program, value)
	if err != nil {
		tracing.RecordError(span, err)
		s.metrics.RecordTransformFailure(StageResponse)
		return errs.FromError(err, http.StatusInternalServerError)
	}

	payload, err := marshal(out)
	if err != nil {
		tracing.RecordError(span, err)
		return errs.FromError(err, http.StatusInternalServerError)
	}

	w.Header().Set("Content-Type", ResolveContentType(out))
	w.WriteHeader(resp.StatusCode)
	w.Write(payload)
	return nil
}

// errResponseTooLarge is returned when a buffered sink body exceeds the limit.
var errResponseTooLarge = errors.New("sink response exceeds size limit")

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errResponseTooLarge
	}
	return body, nil
}
