package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/ledger"
	"CrossFlow/internal/observability/metrics"
)

func newTestServer(t *testing.T, store ledger.Store, routes []bridge.RouteConfig) *Server {
	t.Helper()
	registry, err := bridge.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	source := func(context.Context) ([]bridge.RouteConfig, error) {
		return routes, nil
	}
	return NewServer(":0", store, source, registry, metrics.NewCollector())
}

func TestHandleTransfers(t *testing.T) {
	store := ledger.NewMemoryStore()
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}
	transfer := &ledger.Transfer{
		ID:           "1-8453-usdc-abcd1234",
		Bridge:       "cctp",
		Amount:       big.NewInt(1000),
		Origin:       route.Origin,
		Destination:  route.Destination,
		Asset:        route.Asset,
		OriginTxHash: "0xaa",
		Recipient:    "0xbb",
	}
	if _, err := store.AddRebalances(context.Background(), []*ledger.Transfer{transfer}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	server := newTestServer(t, store, []bridge.RouteConfig{{Route: route}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transfers", nil)
	rec := httptest.NewRecorder()
	server.handleTransfers(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", rec.Code)
	}
	var got []*ledger.Transfer
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != transfer.ID {
		t.Fatalf("unexpected response %+v", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil)
	rec = httptest.NewRecorder()
	server.handleTransfers(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestHandlePause(t *testing.T) {
	store := ledger.NewMemoryStore()
	server := newTestServer(t, store, nil)

	body, _ := json.Marshal(pauseRequest{Paused: true})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pause", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.handlePause(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", rec.Code)
	}
	var resp pauseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Paused {
		t.Fatal("pause switch not set")
	}

	paused, err := store.IsPaused(context.Background())
	if err != nil {
		t.Fatalf("is paused: %v", err)
	}
	if !paused {
		t.Fatal("store not paused")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/pause", nil)
	rec = httptest.NewRecorder()
	server.handlePause(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Paused {
		t.Fatal("pause state lost on read")
	}
}
