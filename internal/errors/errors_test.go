package errors

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Reason != "bad request" {
		t.Errorf("Reason = %q, want %q", e.Reason, "bad request")
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 502, "sink error")

	want := "sink error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestUnwrapNil(t *testing.T) {
	e := New(404, "not found")
	if e.Unwrap() != nil {
		t.Error("Unwrap on a non-wrapped error should return nil")
	}
}

func TestFromError(t *testing.T) {
	e := FromError(fmt.Errorf("dial tcp: connection refused"), http.StatusBadGateway)
	if e.Code != http.StatusBadGateway {
		t.Errorf("Code = %d, want 502", e.Code)
	}
	if e.Reason != "dial tcp: connection refused" {
		t.Errorf("Reason = %q", e.Reason)
	}
}

func TestWithRequestIDPreservesFields(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, 500, "wrapped").WithRequestID("req-789")

	if e.RequestID != "req-789" {
		t.Errorf("RequestID = %q, want %q", e.RequestID, "req-789")
	}
	if e.Unwrap() != inner {
		t.Error("WithRequestID should preserve underlying error")
	}
	if e.Code != 500 {
		t.Errorf("Code = %d, want 500", e.Code)
	}
}

func TestIsRelayError(t *testing.T) {
	t.Run("RelayError", func(t *testing.T) {
		re, ok := IsRelayError(New(404, "Not Found"))
		if !ok {
			t.Fatal("IsRelayError should return true for RelayError")
		}
		if re.Code != 404 {
			t.Errorf("Code = %d, want 404", re.Code)
		}
	})

	t.Run("regular error", func(t *testing.T) {
		if _, ok := IsRelayError(fmt.Errorf("regular error")); ok {
			t.Error("IsRelayError should return false for regular error")
		}
	})

	t.Run("nil", func(t *testing.T) {
		if _, ok := IsRelayError(nil); ok {
			t.Error("IsRelayError should return false for nil")
		}
	})
}

func TestWriteReason(t *testing.T) {
	singletons := []*RelayError{
		ErrNotFound, ErrMethodNotAllowed, ErrBatchInput, ErrBadGateway,
		ErrServiceUnavailable, ErrInternalServer, ErrRequestEntityTooLarge,
	}

	for _, e := range singletons {
		t.Run(e.Reason, func(t *testing.T) {
			w := httptest.NewRecorder()
			w.Header().Set("Content-Type", "application/json")
			e.WriteReason(w)

			if w.Code != e.Code {
				t.Errorf("status = %d, want %d", w.Code, e.Code)
			}
			if got := w.Header().Get(ReasonHeader); got != e.Reason {
				t.Errorf("Reason = %q, want %q", got, e.Reason)
			}
			if w.Body.Len() != 0 {
				t.Errorf("body should be empty, got %q", w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "" {
				t.Errorf("Content-Type should be cleared, got %q", ct)
			}
		})
	}
}

func TestWriteReasonSingleLine(t *testing.T) {
	w := httptest.NewRecorder()
	New(500, "line one\nline two\r\n").WithRequestID("req-1").WriteReason(w)

	if got := w.Header().Get(ReasonHeader); got != "line one line two  " {
		t.Errorf("Reason = %q", got)
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-1" {
		t.Errorf("X-Request-ID = %q, want req-1", got)
	}
}
