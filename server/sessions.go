/******************************************************************************
 *
 *  Description :
 *
 *    UI session lifecycle: the cookie initialization handshake, keepalive
 *    bookkeeping, and garbage collection of idle sessions and long-
 *    revoked tokens.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zarvox/sandstorm/server/logs"
	"github.com/zarvox/sandstorm/server/store"
	t "github.com/zarvox/sandstorm/server/store/types"
)

const (
	// Session cookie, set only by the init handshake.
	sessionCookieName = "sandstorm-sid"
	sessionCookieAge  = 31536000 // one year, in seconds

	// A session with no keepalive for this long is collected.
	sessionIdleTimeout = 3 * time.Minute
	// How often the session GC runs.
	sessionGCInterval = time.Minute

	// How often live session proxies forward a grain liveness ping.
	grainKeepAliveInterval = time.Minute

	// Revoked tokens are kept for this long before deletion, so the
	// trash can be inspected and un-deletion remains possible.
	tokenTrashWindow = 30 * 24 * time.Hour
	tokenGCInterval  = 24 * time.Hour
)

// handleSessionInit is the dedicated same-origin redirect handshake which
// sets the session cookie. The cookie is never set on ordinary responses.
// GET /_sandstorm-init?sessionid=...&path=...
func handleSessionInit(wrt http.ResponseWriter, req *http.Request, route hostRoute) {
	query := req.URL.Query()
	sessionID := query.Get("sessionid")
	if sessionID == "" {
		writeErrorResponse(wrt, errProtocol(http.StatusBadRequest, "Missing sessionid"))
		return
	}

	sess, err := store.Sessions.Get(sessionID)
	if err == t.ErrNotFound {
		writeErrorResponse(wrt, errNotFound("Session does not exist or has timed out"))
		return
	}
	if err != nil {
		writeErrorResponse(wrt, errInternal("failed to load session", err))
		return
	}
	if sess.HostID != route.hostID {
		// The handshake must run on the session's own host; anything else
		// would let one session plant cookies on another's origin.
		writeErrorResponse(wrt, errForbidden("Session does not belong to this host"))
		return
	}

	path := query.Get("path")
	if path == "" || path[0] != '/' {
		path = "/"
	}
	// Only a path is accepted: no scheme, no host, no protocol-relative
	// tricks.
	if parsed, err := url.Parse(path); err != nil || parsed.IsAbs() || parsed.Host != "" {
		writeErrorResponse(wrt, errProtocol(http.StatusBadRequest, "Invalid redirect path"))
		return
	}

	http.SetCookie(wrt, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionCookieAge,
		HttpOnly: true,
		Secure:   req.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(wrt, req, path, http.StatusSeeOther)
}

// checkSessionCookie verifies that the request carries the cookie
// matching the session bound to this host. The init handshake must have
// completed before any request on the session counts as authenticated.
func checkSessionCookie(req *http.Request, sess *t.Session) error {
	cookie, err := req.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return errUnauthorized("Missing session cookie")
	}
	if cookie.Value != sess.ID {
		return errForbidden("Session cookie does not match this session")
	}
	return nil
}

// buildSessionProxy constructs the proxy for an open UI session.
func buildSessionProxy(sess *t.Session, req *http.Request) (*Proxy, error) {
	grain, err := store.Grains.Get(sess.GrainID)
	if err == t.ErrNotFound {
		return nil, errGone("Grain has been deleted")
	}
	if err != nil {
		return nil, errInternal("failed to load grain", err)
	}

	user, err := userInfoFor(sess.AccountID, sess.Permissions)
	if err != nil {
		return nil, err
	}
	return newSessionProxy(globals.backend, sess, grain.OwnerID, user, connectionParams(req)), nil
}

// userInfoFor resolves the identity passed to the app.
func userInfoFor(accountID t.Uid, perms t.PermissionSet) (UserInfo, error) {
	info := UserInfo{Permissions: uint64(perms)}
	if accountID.IsZero() {
		return info, nil
	}
	user, err := store.Users.Get(accountID)
	if err == t.ErrNotFound {
		// Account deleted while the session record survived; treat the
		// visitor as anonymous.
		return info, nil
	}
	if err != nil {
		return info, errInternal("failed to load user", err)
	}
	info.DisplayName = user.DisplayName
	info.PreferredHandle = user.Handle
	info.AppUserID = user.AppID
	return info, nil
}

// connectionParams captures the per-connection session parameters.
func connectionParams(req *http.Request) SessionParams {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return SessionParams{
		BasePath:        scheme + "://" + req.Host,
		UserAgent:       req.Header.Get("User-Agent"),
		AcceptLanguages: parseAcceptLanguages(req.Header.Get("Accept-Language")),
		Address:         passthroughAddress(req),
	}
}

// sessionGCLoop collects idle sessions, synchronously closing their
// proxies so a dead session never keeps serving.
func sessionGCLoop(stop <-chan bool) {
	ticker := time.NewTicker(sessionGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-sessionIdleTimeout)
			removed, err := store.Sessions.DeleteIdle(cutoff)
			if err != nil {
				logs.Err.Println("sessions: GC failed", err)
				continue
			}
			for i := range removed {
				globals.sessionProxies.removeAndClose(removed[i].HostID)
			}
			if len(removed) > 0 {
				statsInc("SessionsCollected", len(removed))
				logs.Info.Println("sessions: collected", len(removed), "idle sessions")
			}

		case <-stop:
			return
		}
	}
}

// grainKeepAliveLoop forwards liveness pings for the cached session
// proxies, so a grain with an open UI session is not shut down between
// requests.
func grainKeepAliveLoop(stop <-chan bool) {
	ticker := time.NewTicker(grainKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			globals.sessionProxies.keepAliveAll()
		case <-stop:
			return
		}
	}
}

// tokenGCLoop deletes tokens which have sat revoked past the trash
// window.
func tokenGCLoop(stop <-chan bool) {
	ticker := time.NewTicker(tokenGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count, err := store.Tokens.DeleteRevokedBefore(time.Now().Add(-tokenTrashWindow))
			if err != nil {
				logs.Err.Println("tokens: GC failed", err)
			} else if count > 0 {
				logs.Info.Println("tokens: deleted", count, "long-revoked tokens")
			}

		case <-stop:
			return
		}
	}
}

// handleTokenKeepalive services X-Sandstorm-Token-Keepalive: extend the
// token's idle expiry without performing a full request.
func handleTokenKeepalive(wrt http.ResponseWriter, req *http.Request, secret string) {
	millis, err := strconv.ParseInt(req.Header.Get(tokenKeepaliveHeader), 10, 64)
	if err != nil || millis < 0 {
		writeErrorResponse(wrt, errProtocol(http.StatusBadRequest, "Invalid token keepalive value"))
		return
	}
	deadline := time.Now().Add(time.Duration(millis) * time.Millisecond).UTC().Round(time.Millisecond)

	// Ancestry is checked before the refresh is persisted: a token under
	// a revoked or expired ancestor must not get its expiry extended.
	tok, err := fetchToken(secret)
	if err == nil {
		_, _, err = resolveTokenChain(tok)
	}
	if err == nil {
		err = validateToken(tok, deadline)
	}
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	wrt.Header().Set("X-Sandstorm-Token-Expires", strconv.FormatInt(deadline.UnixMilli(), 10))
	writeSecurityHeaders(wrt.Header(), apiResponse, req.Host)
	wrt.WriteHeader(http.StatusNoContent)
}
