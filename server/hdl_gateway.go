/******************************************************************************
 *
 *  Description :
 *
 *    Top-level dispatch of inbound requests: host classification, cookie
 *    and token checks, then handoff to the proxy owning the exchange.
 *    See hdl_websock.go for the websocket relay and hdl_debug.go for the
 *    operator endpoints.
 *
 *****************************************************************************/

package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/zarvox/sandstorm/server/store"
	t "github.com/zarvox/sandstorm/server/store/types"
)

const tokenKeepaliveHeader = "X-Sandstorm-Token-Keepalive"

// serveGateway classifies the hostname and dispatches. Mounted at "/" on
// the wildcard listener; runs on every inbound request before anything
// else.
func serveGateway(wrt http.ResponseWriter, req *http.Request) {
	route := globals.hostRouter.route(req.Host)
	switch route.class {
	case routeSession:
		promRequestsTotal.WithLabelValues("session").Inc()
		serveSessionHost(wrt, req, route)
	case routeAPIShared, routeAPIToken:
		promRequestsTotal.WithLabelValues("api").Inc()
		serveAPIHost(wrt, req, route)
	default:
		promRequestsTotal.WithLabelValues("none").Inc()
		statsInc("RequestsMalformedHost", 1)
		serve404(wrt, req)
	}
}

// serveSessionHost serves a cookie-authenticated UI session host.
func serveSessionHost(wrt http.ResponseWriter, req *http.Request, route hostRoute) {
	if req.URL.Path == "/_sandstorm-init" {
		handleSessionInit(wrt, req, route)
		return
	}

	sess, err := store.Sessions.GetByHost(route.hostID)
	if err == t.ErrNotFound {
		writeErrorResponse(wrt, errNotFound("Session does not exist or has timed out"))
		return
	}
	if err != nil {
		writeErrorResponse(wrt, errInternal("failed to load session", err))
		return
	}
	if err = checkSessionCookie(req, sess); err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	// Any authenticated request is a keepalive.
	if err = store.Sessions.Touch(sess.ID, time.Now().UTC().Round(time.Millisecond)); err != nil {
		statsInc("SessionTouchFailures", 1)
	}

	proxy, err := globals.sessionProxies.getOrCreate(route.hostID, func() (*Proxy, error) {
		return buildSessionProxy(sess, req)
	})
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}
	proxy.serveHTTP(wrt, req)
}

// serveAPIHost serves a bearer-token API host. CORS preflights are
// answered before authorization on purpose: the browser sends them
// without credentials, and a preflight for a request which will later
// 403 must still succeed.
func serveAPIHost(wrt http.ResponseWriter, req *http.Request, route hostRoute) {
	if req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != "" {
		writeCORSPreflight(wrt, req)
		return
	}

	secret, err := tokenFromRequest(req, route)
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}
	if err = tokenMatchesHost(secret, route); err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	if req.Header.Get(tokenKeepaliveHeader) != "" {
		handleTokenKeepalive(wrt, req, secret)
		return
	}

	tok, grainID, perms, err := checkBearerToken(secret, time.Time{})
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	params := connectionParams(req)
	key := apiCacheKey{tokenID: tok.TokenID, paramsHash: hashSessionParams(&params)}
	proxy, err := globals.apiProxies.getOrCreate(key, func() (*Proxy, error) {
		return buildAPIProxy(tok, grainID, perms, params)
	})
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}
	proxy.serveHTTP(wrt, req)
}

// buildAPIProxy constructs the proxy for one (token, connection-params)
// pair.
func buildAPIProxy(tok *t.ApiToken, grainID string, perms t.PermissionSet, params SessionParams) (*Proxy, error) {
	grain, err := store.Grains.Get(grainID)
	if err == t.ErrNotFound {
		return nil, errGone("Grain has been deleted")
	}
	if err != nil {
		return nil, errInternal("failed to load grain", err)
	}

	user, err := userInfoFor(tok.AccountID, perms)
	if err != nil {
		return nil, err
	}
	return newAPIProxy(globals.backend, grainID, grain.OwnerID, tok.TokenID, user, params), nil
}

// hashSessionParams derives the second-level API cache key: connections
// differing in any app-visible parameter must not share a session.
func hashSessionParams(params *SessionParams) string {
	var b strings.Builder
	b.WriteString(params.BasePath)
	b.WriteByte(0)
	b.WriteString(params.UserAgent)
	b.WriteByte(0)
	b.WriteString(strings.Join(params.AcceptLanguages, ","))
	b.WriteByte(0)
	if params.Address != nil {
		var addr [16]byte
		binary.BigEndian.PutUint64(addr[:8], params.Address.Upper)
		binary.BigEndian.PutUint64(addr[8:], params.Address.Lower)
		b.WriteString(hex.EncodeToString(addr[:]))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
