// Package envelope turns an HTTP body and its headers into the value a
// transform program sees.
//
// Decoding falls back in a fixed order: a CloudEvent (binary or structured
// mode) renders as its structured JSON form; otherwise the body is parsed as
// generic JSON; otherwise it is passed through as a string. Only a batch of
// CloudEvents is rejected.
package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/wudi/eventrelay/internal/logging"
	"go.uber.org/zap"
)

// Media types of the CloudEvents JSON formats.
const (
	MediaTypeStructured = "application/cloudevents+json"
	MediaTypeBatch      = "application/cloudevents-batch+json"
)

// ErrBatchInput is returned for a batch of CloudEvents, whatever its length.
var ErrBatchInput = errors.New("unsupported batch input")

// Tier reports which decoding step produced a value.
type Tier int

const (
	TierEvent Tier = iota
	TierJSON
	TierString
)

func (t Tier) String() string {
	switch t {
	case TierEvent:
		return "cloudevent"
	case TierJSON:
		return "json"
	case TierString:
		return "string"
	default:
		return "unknown"
	}
}

// Decoder decodes inbound bodies.
type Decoder struct {
	// RejectBatch makes a batch an ErrBatchInput. When false a batch body
	// degrades to the generic JSON tier.
	RejectBatch bool
}

// NewRequestDecoder returns the decoder used for inbound relay requests.
func NewRequestDecoder() *Decoder {
	return &Decoder{RejectBatch: true}
}

// NewResponseDecoder returns the decoder used for sink responses.
func NewResponseDecoder() *Decoder {
	return &Decoder{}
}

// Decode returns the structured value for body. The only error is
// ErrBatchInput.
func (d *Decoder) Decode(ctx context.Context, header http.Header, body []byte) (any, Tier, error) {
	if isBatch(header, body) {
		if d.RejectBatch {
			return nil, 0, ErrBatchInput
		}
	} else if v, err := decodeEvent(ctx, header, body); err == nil {
		return v, TierEvent, nil
	} else {
		logging.Debug("Failed to decode CloudEvent, falling back to raw body", zap.Error(err))
	}

	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v, TierJSON, nil
	}
	return string(body), TierString, nil
}

// isBatch reports a batch-mode content type, or a structured-mode content
// type carrying a JSON array.
func isBatch(header http.Header, body []byte) bool {
	mt := mediaType(header)
	switch mt {
	case MediaTypeBatch:
		return true
	case MediaTypeStructured:
		trimmed := bytes.TrimLeft(body, " \t\r\n")
		return len(trimmed) > 0 && trimmed[0] == '['
	}
	return false
}

func mediaType(header http.Header) string {
	ct := header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

// decodeEvent parses a binary or structured mode CloudEvent and renders it in
// structured JSON form.
func decodeEvent(ctx context.Context, header http.Header, body []byte) (any, error) {
	msg := cehttp.NewMessage(header, io.NopCloser(bytes.NewReader(body)))
	defer msg.Finish(nil)

	if msg.ReadEncoding() == binding.EncodingUnknown {
		return nil, binding.ErrUnknownEncoding
	}

	ev, err := binding.ToEvent(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	structured, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(structured, &v); err != nil {
		return nil, err
	}
	return v, nil
}
