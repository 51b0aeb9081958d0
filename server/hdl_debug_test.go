package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServeGrainShutdown(t *testing.T) {
	fake := withGatewayGlobals(t)

	prevToken := globals.debugToken
	globals.debugToken = "op-secret"
	t.Cleanup(func() { globals.debugToken = prevToken })

	// No operator token: refused outright.
	req := httptest.NewRequest(http.MethodPost, "http://example.com/_debug/shutdown-grain?grain=grain-1", nil)
	rec := httptest.NewRecorder()
	serveGrainShutdown(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("without token: status = %d", rec.Code)
	}

	// Wrong verb.
	req = httptest.NewRequest(http.MethodGet, "http://example.com/_debug/shutdown-grain?grain=grain-1", nil)
	req.Header.Set("Authorization", "Bearer op-secret")
	rec = httptest.NewRecorder()
	serveGrainShutdown(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: status = %d", rec.Code)
	}

	// Missing grain id.
	req = httptest.NewRequest(http.MethodPost, "http://example.com/_debug/shutdown-grain", nil)
	req.Header.Set("Authorization", "Bearer op-secret")
	rec = httptest.NewRecorder()
	serveGrainShutdown(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no grain id: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "http://example.com/_debug/shutdown-grain?grain=grain-1", nil)
	req.Header.Set("Authorization", "Bearer op-secret")
	rec = httptest.NewRecorder()
	serveGrainShutdown(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	fake.lock.Lock()
	shutdowns := append([]string(nil), fake.shutdowns...)
	fake.lock.Unlock()
	if len(shutdowns) != 1 || shutdowns[0] != "grain-1" {
		t.Errorf("backend shutdowns = %v, want [grain-1]", shutdowns)
	}
}
