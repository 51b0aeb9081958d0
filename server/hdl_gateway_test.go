package main

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/zarvox/sandstorm/server/store"
	"github.com/zarvox/sandstorm/server/store/types"
)

// withGatewayGlobals installs a fake backend and fresh proxy caches for
// one end-to-end dispatch test, restoring the previous globals after.
func withGatewayGlobals(t *testing.T) *fakeBackend {
	t.Helper()
	fake, client := startFakeBackend(t)

	prevBackend := globals.backend
	prevSessions, prevAPI := globals.sessionProxies, globals.apiProxies
	globals.backend = client
	globals.sessionProxies = newSessionProxyCache()
	globals.apiProxies = newAPIProxyCache(time.Hour)
	t.Cleanup(func() {
		globals.sessionProxies.closeAll()
		globals.apiProxies.shutdown()
		globals.backend = prevBackend
		globals.sessionProxies, globals.apiProxies = prevSessions, prevAPI
	})

	if err := store.Grains.Upsert(&types.Grain{ID: "grain-1", Title: "Test Grain"}); err != nil {
		t.Fatal(err)
	}
	return fake
}

func TestServeGatewaySessionHost(t *testing.T) {
	withGatewayGlobals(t)
	sess := seedSession(t, "gwhost")

	// No cookie: the init handshake has not run on this browser.
	req := httptest.NewRequest(http.MethodGet, "http://gwhost.example.com/", nil)
	rec := httptest.NewRecorder()
	serveGateway(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without cookie: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://gwhost.example.com/page", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sess.ID})
	rec = httptest.NewRecorder()
	serveGateway(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	// The request doubled as a keepalive.
	stored, err := store.Sessions.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.LastKeepalive.After(stored.CreatedAt.Add(-time.Second)) {
		t.Error("keepalive timestamp not bumped")
	}

	// A host with no session behind it.
	req = httptest.NewRequest(http.MethodGet, "http://nosuchhost.example.com/", nil)
	rec = httptest.NewRecorder()
	serveGateway(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session host: status = %d", rec.Code)
	}

	// A host outside the wildcard pattern entirely.
	req = httptest.NewRequest(http.MethodGet, "http://unrelated.example.net/", nil)
	rec = httptest.NewRecorder()
	serveGateway(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign host: status = %d", rec.Code)
	}
}

func TestServeGatewayAPIHost(t *testing.T) {
	withGatewayGlobals(t)
	seedToken(t, "gw-api-secret", nil)

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/items", nil)
	req.Header.Set("Authorization", "Bearer gw-api-secret")
	rec := httptest.NewRecorder()
	serveGateway(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	// Bad token is refused before any proxying happens.
	req = httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/items", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec = httptest.NewRecorder()
	serveGateway(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("bad token: status = %d", rec.Code)
	}
}

func TestServeGatewayCORSPreflightBeforeAuth(t *testing.T) {
	withGatewayGlobals(t)

	// Preflights carry no credentials; they must succeed without a token.
	req := httptest.NewRequest(http.MethodOptions, "http://api.example.com/v1/items", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	rec := httptest.NewRecorder()
	serveGateway(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestServeGatewayKeepaliveRevokedAncestor(t *testing.T) {
	withGatewayGlobals(t)
	parent := seedToken(t, "gw-ka-parent", nil)
	child := seedToken(t, "gw-ka-child", func(tok *types.ApiToken) {
		tok.ParentTokenID = parent.TokenID
		tok.Provider = types.TokenProvider{Kind: types.ProviderChild}
		tok.ExpiresIfUnused = time.Now().Add(time.Minute)
	})
	if err := store.Tokens.Revoke(parent.TokenID); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	req.Header.Set("Authorization", "Bearer gw-ka-child")
	req.Header.Set(tokenKeepaliveHeader, strconv.Itoa(60*60*1000))
	rec := httptest.NewRecorder()
	serveGateway(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	// The stored idle expiry must be untouched.
	stored, err := store.Tokens.Get(child.TokenID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExpiresIfUnused.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("idle expiry extended despite revoked ancestor: %v", stored.ExpiresIfUnused)
	}
}

func TestServeGatewayTokenKeepalive(t *testing.T) {
	withGatewayGlobals(t)
	tok := seedToken(t, "gw-keepalive-secret", func(tok *types.ApiToken) {
		tok.ExpiresIfUnused = time.Now().Add(time.Minute)
	})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	req.Header.Set("Authorization", "Bearer gw-keepalive-secret")
	req.Header.Set(tokenKeepaliveHeader, strconv.Itoa(30*60*1000))
	rec := httptest.NewRecorder()
	serveGateway(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Sandstorm-Token-Expires") == "" {
		t.Error("expiry header missing")
	}
	stored, err := store.Tokens.Get(tok.TokenID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.ExpiresIfUnused.After(time.Now().Add(25 * time.Minute)) {
		t.Errorf("idle expiry not extended: %v", stored.ExpiresIfUnused)
	}
}
