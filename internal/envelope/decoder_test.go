package envelope

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestDecodeStructured(t *testing.T) {
	body := []byte(`{"specversion":"1.0","id":"1","source":"/s","type":"t","datacontenttype":"application/json","data":{"x":1}}`)

	v, tier, err := NewRequestDecoder().Decode(context.Background(), header("Content-Type", MediaTypeStructured), body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tier != TierEvent {
		t.Errorf("expected event tier, got %s", tier)
	}

	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", v)
	}
	if m["id"] != "1" || m["type"] != "t" || m["source"] != "/s" {
		t.Errorf("attributes not preserved: %v", m)
	}
	if !reflect.DeepEqual(m["data"], map[string]any{"x": float64(1)}) {
		t.Errorf("unexpected data %#v", m["data"])
	}
}

func TestDecodeBinary(t *testing.T) {
	h := header(
		"Content-Type", "application/json",
		"Ce-Specversion", "1.0",
		"Ce-Id", "abc",
		"Ce-Source", "/binary",
		"Ce-Type", "dev.relay.binary",
		"Ce-Traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
	)

	v, tier, err := NewRequestDecoder().Decode(context.Background(), h, []byte(`{"name":"relay"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tier != TierEvent {
		t.Fatalf("expected event tier, got %s", tier)
	}

	m := v.(map[string]any)
	if m["id"] != "abc" || m["type"] != "dev.relay.binary" {
		t.Errorf("attributes not decoded: %v", m)
	}
	if m["traceparent"] == nil {
		t.Error("extension attribute should be kept")
	}
	if !reflect.DeepEqual(m["data"], map[string]any{"name": "relay"}) {
		t.Errorf("unexpected data %#v", m["data"])
	}
}

func TestDecodeFallback(t *testing.T) {
	tests := []struct {
		name     string
		header   http.Header
		body     string
		wantTier Tier
		want     any
	}{
		{
			name:     "plain json object",
			header:   header("Content-Type", "application/json"),
			body:     `{"a":[1,2]}`,
			wantTier: TierJSON,
			want:     map[string]any{"a": []any{float64(1), float64(2)}},
		},
		{
			name:     "plain json array",
			header:   header("Content-Type", "application/json"),
			body:     `[1,"two"]`,
			wantTier: TierJSON,
			want:     []any{float64(1), "two"},
		},
		{
			name:     "malformed structured event",
			header:   header("Content-Type", MediaTypeStructured),
			body:     `{"specversion":"1.0"`,
			wantTier: TierString,
			want:     `{"specversion":"1.0"`,
		},
		{
			name:     "structured event missing required attributes",
			header:   header("Content-Type", MediaTypeStructured),
			body:     `{"specversion":"1.0","data":{"x":1}}`,
			wantTier: TierJSON,
			want:     map[string]any{"specversion": "1.0", "data": map[string]any{"x": float64(1)}},
		},
		{
			name:     "text body",
			header:   header("Content-Type", "text/plain"),
			body:     "hello relay",
			wantTier: TierString,
			want:     "hello relay",
		},
		{
			name:     "empty body",
			header:   http.Header{},
			body:     "",
			wantTier: TierString,
			want:     "",
		},
		{
			name:     "json scalar",
			header:   http.Header{},
			body:     "42",
			wantTier: TierJSON,
			want:     float64(42),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, tier, err := NewRequestDecoder().Decode(context.Background(), tt.header, []byte(tt.body))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if tier != tt.wantTier {
				t.Errorf("tier = %s, want %s", tier, tt.wantTier)
			}
			if !reflect.DeepEqual(v, tt.want) {
				t.Errorf("got %#v, want %#v", v, tt.want)
			}
		})
	}
}

func TestDecodeBatchRejected(t *testing.T) {
	event := `{"specversion":"1.0","id":"1","source":"/s","type":"t"}`

	tests := []struct {
		name   string
		header http.Header
		body   string
	}{
		{"batch content type", header("Content-Type", MediaTypeBatch), "[" + event + "," + event + "]"},
		{"batch content type with charset", header("Content-Type", MediaTypeBatch+"; charset=utf-8"), "[" + event + "]"},
		{"single element structured array", header("Content-Type", MediaTypeStructured), "[" + event + "]"},
		{"empty structured array", header("Content-Type", MediaTypeStructured), " []"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewRequestDecoder().Decode(context.Background(), tt.header, []byte(tt.body))
			if !errors.Is(err, ErrBatchInput) {
				t.Errorf("expected ErrBatchInput, got %v", err)
			}
		})
	}
}

func TestDecodeBatchDegradesForResponses(t *testing.T) {
	body := `[{"specversion":"1.0","id":"1","source":"/s","type":"t"}]`

	v, tier, err := NewResponseDecoder().Decode(context.Background(), header("Content-Type", MediaTypeBatch), []byte(body))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tier != TierJSON {
		t.Errorf("expected json tier, got %s", tier)
	}
	if arr, ok := v.([]any); !ok || len(arr) != 1 {
		t.Errorf("expected one-element array, got %#v", v)
	}
}
