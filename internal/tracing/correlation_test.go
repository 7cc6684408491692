package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCorrelationID_IsValid(t *testing.T) {
	if !NewCorrelationID().IsValid() {
		t.Error("generated correlation ID should be valid")
	}
	if CorrelationID("not-a-uuid").IsValid() {
		t.Error("malformed correlation ID should be invalid")
	}
	if CorrelationID("").IsValid() {
		t.Error("empty correlation ID should be invalid")
	}
}

func TestFromContext_MintsWhenAbsent(t *testing.T) {
	id := FromContext(context.Background())
	if !id.IsValid() {
		t.Errorf("expected a minted UUID, got %q", id)
	}

	if got := FromContextOrEmpty(context.Background()); got != "" {
		t.Errorf("expected empty ID, got %q", got)
	}

	ctx := ToContext(context.Background(), CorrelationID("123e4567-e89b-12d3-a456-426614174000"))
	if got := FromContext(ctx); got != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("expected stored ID back, got %q", got)
	}
}

func TestCorrelationMiddleware_MintsID(t *testing.T) {
	var seen CorrelationID
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContextOrEmpty(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if !seen.IsValid() {
		t.Errorf("handler should see a minted ID, got %q", seen)
	}
	if got := rec.Header().Get(HeaderCorrelationID); got != seen.String() {
		t.Errorf("response header %q does not match context ID %q", got, seen)
	}
}

func TestCorrelationMiddleware_AcceptsInboundID(t *testing.T) {
	const inbound = "123e4567-e89b-12d3-a456-426614174000"

	var seen CorrelationID
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContextOrEmpty(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(HeaderCorrelationID, inbound)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen.String() != inbound {
		t.Errorf("expected inbound ID %q, got %q", inbound, seen)
	}
}

func TestCorrelationMiddleware_AcceptsRequestIDHeader(t *testing.T) {
	const inbound = "123e4567-e89b-12d3-a456-426614174000"

	var seen CorrelationID
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContextOrEmpty(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(HeaderRequestID, inbound)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen.String() != inbound {
		t.Errorf("expected inbound request ID %q, got %q", inbound, seen)
	}
}

func TestCorrelationMiddleware_RejectsMalformedID(t *testing.T) {
	called := false
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(HeaderCorrelationID, "nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if called {
		t.Error("handler should not run for a malformed ID")
	}
}

type captureTransport struct {
	req *http.Request
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.req = req
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestCorrelationRoundTripper_InjectsID(t *testing.T) {
	capture := &captureTransport{}
	rt := &CorrelationRoundTripper{Transport: capture}

	const id = "123e4567-e89b-12d3-a456-426614174000"
	ctx := ToContext(context.Background(), CorrelationID(id))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://daemon/v1/runs", nil)

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	resp.Body.Close()

	if got := capture.req.Header.Get(HeaderCorrelationID); got != id {
		t.Errorf("expected injected ID %q, got %q", id, got)
	}
}

func TestCorrelationRoundTripper_NoIDNoHeader(t *testing.T) {
	capture := &captureTransport{}
	rt := &CorrelationRoundTripper{Transport: capture}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://daemon/v1/runs", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	resp.Body.Close()

	if got := capture.req.Header.Get(HeaderCorrelationID); got != "" {
		t.Errorf("expected no header, got %q", got)
	}
}
