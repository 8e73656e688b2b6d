package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openkore/busbridge/pkg/bus"
	"github.com/rs/zerolog"
)

func newTestHandler() (*Handler, *bus.Registry, *bus.Router) {
	reg := bus.NewRegistry()
	router := &bus.Router{
		Registry: reg,
		Sink:     bus.NopSink{},
		Audit:    bus.NopAuditLogger{},
		Metrics:  bus.NewMetrics(),
		Logger:   zerolog.Nop(),
	}
	return &Handler{Registry: reg, Router: router, Metrics: router.Metrics}, reg, router
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorObj {
	t.Helper()
	var body struct {
		Error errorObj `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (body=%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestServeStatusEmpty(t *testing.T) {
	h, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 0 || resp.Identified != 0 || len(resp.Clients) != 0 {
		t.Errorf("expected empty status, got %+v", resp)
	}
}

func TestServeStatusWrongMethod(t *testing.T) {
	h, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestServeBroadcastGetMissingPlayerOrComm(t *testing.T) {
	h, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/bc?player=bob", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "bad_request" {
		t.Errorf("expected bad_request, got %q", e.Code)
	}
}

func TestServeBroadcastGetDelivers(t *testing.T) {
	h, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/bc?player=bob&comm=hello", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestServeBroadcastPostDelivers(t *testing.T) {
	h, _, _ := newTestHandler()

	body, _ := json.Marshal(broadcastRequest{ID: "SAY", Args: map[string]any{"text": "hi"}})
	req := httptest.NewRequest(http.MethodPost, "/api/broadcast", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["delivered"].(float64) != 0 {
		t.Errorf("expected delivered=0 with no connected clients, got %v", resp["delivered"])
	}
}

func TestServeBroadcastPostMissingID(t *testing.T) {
	h, _, _ := newTestHandler()
	body, _ := json.Marshal(broadcastRequest{Args: map[string]any{"text": "hi"}})
	req := httptest.NewRequest(http.MethodPost, "/api/broadcast", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeMessageClientNotFound(t *testing.T) {
	h, _, _ := newTestHandler()
	body, _ := json.Marshal(messageRequest{ClientID: "999", ID: "SAY", Args: nil})
	req := httptest.NewRequest(http.MethodPost, "/api/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "client_not_found" {
		t.Errorf("expected client_not_found, got %q", e.Code)
	}
}

func TestServeMetricsRequiresSecret(t *testing.T) {
	h, _, _ := newTestHandler()
	h.MetricsSecret = "s3cr3t"

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without secret, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics?secret=s3cr3t", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct secret, got %d", rec.Code)
	}
}

func TestServeUnknownPath(t *testing.T) {
	h, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOptionsIsCORSPreflight(t *testing.T) {
	h, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected permissive CORS header")
	}
}

func TestArgsFromJSON(t *testing.T) {
	m := map[string]any{
		"text":  "hi",
		"count": float64(3),
		"flag":  true,
	}
	args := argsFromJSON(m)
	if s, ok := args.GetString("text"); !ok || s != "hi" {
		t.Errorf("text = %q, %v", s, ok)
	}
	if _, ok := args["count"]; !ok {
		t.Error("expected count key present")
	}
	if _, ok := args["flag"]; !ok {
		t.Error("expected flag key present")
	}
}
