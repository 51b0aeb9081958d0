/******************************************************************************
 *
 *  Description :
 *
 *    Capability token validation: structure, expiry, revocation and
 *    attenuation-chain checks, plus parsing of the Authorization header.
 *    Tokens are stored keyed by a one-way hash of the bearer secret.
 *
 *****************************************************************************/

package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/zarvox/sandstorm/server/logs"
	"github.com/zarvox/sandstorm/server/store"
	t "github.com/zarvox/sandstorm/server/store/types"
)

// Maximum depth of a token attenuation chain. Chains are created one
// derivation at a time through sharing, so anything deeper is corrupt.
const maxTokenChainDepth = 32

// hashToken converts a bearer secret into the id the token record is
// stored under.
func hashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// fetchToken loads the record for a bearer secret.
func fetchToken(secret string) (*t.ApiToken, error) {
	tok, err := store.Tokens.Get(hashToken(secret))
	if err == t.ErrNotFound {
		return nil, errForbidden("Invalid authorization token")
	}
	return tok, err
}

// validateToken checks a token's own validity and persists the
// expires-if-unused transition. Checks run in a fixed order; the first
// failure wins. A non-zero refreshDeadline extends the idle expiry
// instead of clearing it (explicit keepalive-with-refresh).
//
// Invoked on every session establishment and on keepalive refreshes.
func validateToken(tok *t.ApiToken, refreshDeadline time.Time) error {
	if tok == nil {
		return errForbidden("Invalid authorization token")
	}
	if tok.Revoked {
		return errForbidden("Authorization token has been revoked")
	}

	switch tok.Owner.Kind {
	case t.OwnerWebkey:
		// The only kind presentable over HTTP.
	case t.OwnerChild, t.OwnerFrontendRef, t.OwnerGrain:
		return errForbidden("Wrong kind of authorization token")
	default:
		return errForbidden("Wrong kind of authorization token")
	}

	switch tok.Provider.Kind {
	case t.ProviderUiView, t.ProviderChild:
		// Routable to a grain's web view.
	case t.ProviderGrainObject, t.ProviderFrontendRef:
		// A raw capability, not a UI view; not servable over this pathway.
		return errForbidden("Authorization token does not name a web view")
	default:
		return errForbidden("Authorization token does not name a web view")
	}

	now := time.Now()
	if !tok.Expires.IsZero() && tok.Expires.Before(now) {
		return errForbidden("Authorization token expired")
	}
	if !tok.ExpiresIfUnused.IsZero() {
		if tok.ExpiresIfUnused.Before(now) {
			return errForbidden("Authorization token expired")
		}
		if refreshDeadline.IsZero() {
			// First use: the token stops expiring on idleness.
			if err := store.Tokens.SetExpiresIfUnused(tok.TokenID, time.Time{}); err != nil {
				return errInternal("failed to update token", err)
			}
			tok.ExpiresIfUnused = time.Time{}
		}
	}
	if !refreshDeadline.IsZero() {
		if err := store.Tokens.SetExpiresIfUnused(tok.TokenID, refreshDeadline); err != nil {
			return errInternal("failed to update token", err)
		}
		tok.ExpiresIfUnused = refreshDeadline
	}

	return nil
}

// resolveTokenChain walks the parent chain upward, validating each
// ancestor and intersecting permission sets. Returns the root-most
// grain-providing token's grain id and the effective permission set.
// A revoked or expired ancestor transitively invalidates the token.
func resolveTokenChain(tok *t.ApiToken) (string, t.PermissionSet, error) {
	perms := tok.Permissions
	grainID := tok.GrainID()

	cur := tok
	for depth := 0; cur.ParentTokenID != ""; depth++ {
		if depth >= maxTokenChainDepth {
			return "", 0, errForbidden("Authorization token chain too deep")
		}

		parent, err := store.Tokens.Get(cur.ParentTokenID)
		if err == t.ErrNotFound {
			return "", 0, errForbidden("Authorization token has been revoked")
		}
		if err != nil {
			return "", 0, errInternal("failed to load parent token", err)
		}
		if parent.Revoked {
			return "", 0, errForbidden("Authorization token has been revoked")
		}
		now := time.Now()
		if !parent.Expires.IsZero() && parent.Expires.Before(now) {
			return "", 0, errForbidden("Authorization token expired")
		}
		if !parent.ExpiresIfUnused.IsZero() && parent.ExpiresIfUnused.Before(now) {
			return "", 0, errForbidden("Authorization token expired")
		}

		perms = perms.Intersect(parent.Permissions)
		if grainID == "" {
			grainID = parent.GrainID()
		}
		cur = parent
	}

	if grainID == "" {
		return "", 0, errForbidden("Authorization token does not name a web view")
	}
	return grainID, perms, nil
}

// checkBearerToken is the full per-request validation: load by secret,
// validate the token itself, then its ancestry. Also bumps lastUsed.
func checkBearerToken(secret string, refreshDeadline time.Time) (*t.ApiToken, string, t.PermissionSet, error) {
	tok, err := fetchToken(secret)
	if err != nil {
		return nil, "", 0, err
	}
	if err = validateToken(tok, refreshDeadline); err != nil {
		return nil, "", 0, err
	}
	grainID, perms, err := resolveTokenChain(tok)
	if err != nil {
		return nil, "", 0, err
	}
	if err = store.Tokens.UpdateLastUsed(tok.TokenID, time.Now().UTC().Round(time.Millisecond)); err != nil {
		logs.Warn.Println("tokens: failed to update lastUsed", tok.TokenID, err)
	}
	return tok, grainID, perms, nil
}

// Non-browser user agents which are allowed to send HTTP Basic auth on
// any API host. Browsers are kept away from Basic because they cache the
// credentials against the host.
var basicAuthUserAgents = []string{
	"git/",
	"GitHub-Hookshot",
	"mirall/",
	"Mozilla/5.0 (iOS) ownCloud-iOS",
	"Mozilla/5.0 (Android) ownCloud-android",
	"Microsoft Office",
	"Microsoft-WebDAV-MiniRedir",
	"DavClnt",
	"davfs2",
	"cadaver/",
	"litmus/",
	"remotestorage",
}

func allowsBasicAuth(userAgent string) bool {
	for _, pat := range basicAuthUserAgents {
		if strings.Contains(userAgent, pat) {
			return true
		}
	}
	return false
}

// tokenFromRequest extracts the bearer secret from the Authorization
// header. Basic credentials are only honored for the fixed allow-list of
// non-browser agents, or on token-specific hosts when no Origin header is
// present (no cross-origin browser involvement).
func tokenFromRequest(req *http.Request, route hostRoute) (string, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", errUnauthorized("Missing authorization token")
	}

	if secret, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(secret), nil
	}

	if enc, ok := strings.CutPrefix(header, "Basic "); ok {
		basicOK := allowsBasicAuth(req.Header.Get("User-Agent")) ||
			(route.class == routeAPIToken && req.Header.Get("Origin") == "")
		if !basicOK {
			return "", errUnauthorized("Basic authorization not accepted for this client")
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
		if err != nil {
			return "", errProtocol(http.StatusBadRequest, "Malformed Basic authorization")
		}
		_, secret, found := strings.Cut(string(raw), ":")
		if !found {
			return "", errProtocol(http.StatusBadRequest, "Malformed Basic authorization")
		}
		return secret, nil
	}

	return "", errUnauthorized("Unsupported authorization type")
}

// tokenMatchesHost verifies that a secret presented on a token-specific
// API host actually hashes to that host's id. Prevents a token from being
// replayed against another token's host.
func tokenMatchesHost(secret string, route hostRoute) error {
	if route.class != routeAPIToken {
		return nil
	}
	if apiHostHash(secret) != route.apiHash {
		return errForbidden("Authorization token does not match host")
	}
	return nil
}
