package main

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zarvox/sandstorm/server/store"
	"github.com/zarvox/sandstorm/server/store/types"
)

// seedToken stores a webkey token for the given secret and returns the
// record.
func seedToken(tb testing.TB, secret string, mutate func(*types.ApiToken)) *types.ApiToken {
	tb.Helper()
	tok := &types.ApiToken{
		TokenID:     hashToken(secret),
		Permissions: 0xff,
		Owner:       types.TokenOwner{Kind: types.OwnerWebkey},
		Provider:    types.TokenProvider{Kind: types.ProviderUiView, GrainID: "grain-1"},
	}
	if mutate != nil {
		mutate(tok)
	}
	if err := store.Tokens.Create(tok); err != nil {
		tb.Fatal(err)
	}
	return tok
}

func assertForbidden(tb testing.TB, err error, wantMsg string) {
	tb.Helper()
	var ge *GatewayError
	if !errors.As(err, &ge) {
		tb.Fatalf("expected GatewayError, got %v", err)
	}
	if ge.Class != ClassAuthorization {
		tb.Errorf("class = %d, want authorization", ge.Class)
	}
	if wantMsg != "" && ge.Message != wantMsg {
		tb.Errorf("message = %q, want %q", ge.Message, wantMsg)
	}
}

func TestValidateTokenRevoked(t *testing.T) {
	tok := seedToken(t, "revoked-secret", func(tok *types.ApiToken) {
		tok.Revoked = true
	})
	err := validateToken(tok, time.Time{})
	assertForbidden(t, err, "Authorization token has been revoked")
}

func TestValidateTokenKinds(t *testing.T) {
	tok := seedToken(t, "child-owner-secret", func(tok *types.ApiToken) {
		tok.Owner.Kind = types.OwnerChild
	})
	assertForbidden(t, validateToken(tok, time.Time{}), "Wrong kind of authorization token")

	tok = seedToken(t, "raw-cap-secret", func(tok *types.ApiToken) {
		tok.Provider.Kind = types.ProviderGrainObject
	})
	assertForbidden(t, validateToken(tok, time.Time{}), "Authorization token does not name a web view")
}

func TestValidateTokenExpiry(t *testing.T) {
	tok := seedToken(t, "expired-secret", func(tok *types.ApiToken) {
		tok.Expires = time.Now().Add(-time.Minute)
	})
	assertForbidden(t, validateToken(tok, time.Time{}), "Authorization token expired")

	tok = seedToken(t, "fresh-secret", func(tok *types.ApiToken) {
		tok.Expires = time.Now().Add(time.Hour)
	})
	if err := validateToken(tok, time.Time{}); err != nil {
		t.Errorf("unexpired token rejected: %v", err)
	}
}

func TestValidateTokenExpiresIfUnused(t *testing.T) {
	tok := seedToken(t, "idle-secret", func(tok *types.ApiToken) {
		tok.ExpiresIfUnused = time.Now().Add(time.Hour)
	})

	// First plain use clears the idle expiry, in memory and in the store.
	if err := validateToken(tok, time.Time{}); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}
	if !tok.ExpiresIfUnused.IsZero() {
		t.Error("idle expiry not cleared on the in-memory record")
	}
	stored, err := store.Tokens.Get(tok.TokenID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.ExpiresIfUnused.IsZero() {
		t.Error("idle expiry not cleared in the store")
	}

	// An idle expiry in the past rejects the token.
	tok = seedToken(t, "idle-expired-secret", func(tok *types.ApiToken) {
		tok.ExpiresIfUnused = time.Now().Add(-time.Minute)
	})
	assertForbidden(t, validateToken(tok, time.Time{}), "Authorization token expired")
}

func TestValidateTokenKeepaliveRefresh(t *testing.T) {
	tok := seedToken(t, "keepalive-secret", func(tok *types.ApiToken) {
		tok.ExpiresIfUnused = time.Now().Add(time.Minute)
	})
	deadline := time.Now().Add(2 * time.Hour).UTC().Round(time.Millisecond)

	if err := validateToken(tok, deadline); err != nil {
		t.Fatalf("keepalive refresh rejected: %v", err)
	}
	stored, err := store.Tokens.Get(tok.TokenID)
	if err != nil {
		t.Fatal(err)
	}
	// A refresh extends the idle expiry instead of clearing it.
	if !stored.ExpiresIfUnused.Equal(deadline) {
		t.Errorf("idle expiry = %v, want %v", stored.ExpiresIfUnused, deadline)
	}
}

func TestResolveTokenChain(t *testing.T) {
	root := seedToken(t, "chain-root", func(tok *types.ApiToken) {
		tok.Permissions = 0b0111
	})
	child := seedToken(t, "chain-child", func(tok *types.ApiToken) {
		tok.ParentTokenID = root.TokenID
		tok.Permissions = 0b1110
		tok.Provider = types.TokenProvider{Kind: types.ProviderChild}
	})

	grainID, perms, err := resolveTokenChain(child)
	if err != nil {
		t.Fatal(err)
	}
	if grainID != "grain-1" {
		t.Errorf("grainID = %q", grainID)
	}
	if perms != 0b0110 {
		t.Errorf("perms = %b, want intersection 0110", perms)
	}

	// Revoking the parent transitively invalidates the child.
	if err = store.Tokens.Revoke(root.TokenID); err != nil {
		t.Fatal(err)
	}
	_, _, err = resolveTokenChain(child)
	assertForbidden(t, err, "Authorization token has been revoked")
}

func TestResolveTokenChainNoGrain(t *testing.T) {
	tok := seedToken(t, "frontend-root", func(tok *types.ApiToken) {
		tok.Provider = types.TokenProvider{Kind: types.ProviderChild}
	})
	_, _, err := resolveTokenChain(tok)
	assertForbidden(t, err, "Authorization token does not name a web view")
}

func TestCheckBearerTokenUnknown(t *testing.T) {
	_, _, _, err := checkBearerToken("no-such-secret", time.Time{})
	assertForbidden(t, err, "Invalid authorization token")
}

func TestTokenFromRequest(t *testing.T) {
	sharedRoute := hostRoute{class: routeAPIShared, hostID: "api"}
	tokenRoute := hostRoute{class: routeAPIToken, hostID: "api-0123", apiHash: "0123"}

	req := httptest.NewRequest("GET", "http://api.example.com/", nil)
	req.Header.Set("Authorization", "Bearer the-secret")
	secret, err := tokenFromRequest(req, sharedRoute)
	if err != nil || secret != "the-secret" {
		t.Errorf("bearer: got %q, %v", secret, err)
	}

	// No Authorization header at all.
	req = httptest.NewRequest("GET", "http://api.example.com/", nil)
	if _, err = tokenFromRequest(req, sharedRoute); errToStatus(err) != http.StatusUnauthorized {
		t.Errorf("missing header: %v", err)
	}

	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:basic-secret"))

	// Basic from a browser-looking agent on the shared host is refused.
	req = httptest.NewRequest("GET", "http://api.example.com/", nil)
	req.Header.Set("Authorization", basic)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux) Chrome/120.0")
	if _, err = tokenFromRequest(req, sharedRoute); err == nil {
		t.Error("basic auth accepted from a browser agent")
	}

	// Allow-listed DAV client may use Basic anywhere.
	req.Header.Set("User-Agent", "davfs2/1.6.0")
	secret, err = tokenFromRequest(req, sharedRoute)
	if err != nil || secret != "basic-secret" {
		t.Errorf("dav client basic: got %q, %v", secret, err)
	}

	// On a token-specific host Basic is fine when no Origin is present.
	req.Header.Set("User-Agent", "SomethingElse/1.0")
	secret, err = tokenFromRequest(req, tokenRoute)
	if err != nil || secret != "basic-secret" {
		t.Errorf("token host basic: got %q, %v", secret, err)
	}
	req.Header.Set("Origin", "https://evil.example.net")
	if _, err = tokenFromRequest(req, tokenRoute); err == nil {
		t.Error("cross-origin basic auth accepted on token host")
	}
}

func TestTokenMatchesHost(t *testing.T) {
	secret := "host-bound-secret"
	route := hostRoute{class: routeAPIToken, apiHash: apiHostHash(secret)}
	if err := tokenMatchesHost(secret, route); err != nil {
		t.Errorf("matching token rejected: %v", err)
	}
	if err := tokenMatchesHost("different-secret", route); err == nil {
		t.Error("mismatched token accepted on token host")
	}
	// Shared host accepts any token.
	if err := tokenMatchesHost("anything", hostRoute{class: routeAPIShared}); err != nil {
		t.Errorf("shared host: %v", err)
	}
}
