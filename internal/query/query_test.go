package query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/store"
	"github.com/jarv/meshmap/internal/wsclient"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Retention.HistoryHours = 1
	derived, err := cfg.Derive()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	st := store.New()
	clock := func() time.Time { return time.Unix(1000, 0) }
	return New(cfg, derived, st, nil, wsclient.NewRegistry(), clock), st
}

func TestHandleSnapshot(t *testing.T) {
	s, st := testServer(t)
	st.UpsertDevice(model.Device{DeviceID: "abcd", Lat: 42.36, Lon: -71.05, TS: 1000}, 10)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	devices, ok := body["devices"].(map[string]any)
	if !ok || devices["abcd"] == nil {
		t.Fatalf("expected device abcd in snapshot, got %+v", body["devices"])
	}
}

func TestHandleNodesFlatFormat(t *testing.T) {
	s, st := testServer(t)
	st.UpsertDevice(model.Device{DeviceID: "abcd", Lat: 42.36, Lon: -71.05, TS: 1000}, 10)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/nodes?format=flat", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var nodes []nodeView
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(nodes) != 1 || nodes[0].DeviceID != "abcd" {
		t.Fatalf("got nodes %+v", nodes)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	s, _ := testServer(t)
	s.cfg.Prod.Enabled = true
	s.cfg.Prod.Token = "secret"

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestAuthAcceptsTokenQueryParam(t *testing.T) {
	s, _ := testServer(t)
	s.cfg.Prod.Enabled = true
	s.cfg.Prod.Token = "secret"

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/snapshot?token=secret", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}
