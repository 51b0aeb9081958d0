/******************************************************************************
 *
 *  Description :
 *
 *    Routing of inbound hostnames. The gateway serves a wildcard host
 *    pattern; the variable segment ("host id") selects either a UI
 *    session or an API token host. Hostnames outside the pattern are not
 *    ours and fall through to other handlers.
 *
 *****************************************************************************/

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"

	t "github.com/zarvox/sandstorm/server/store/types"
)

// Routing classes for an inbound hostname.
const (
	// routeNone: not served by this gateway.
	routeNone = iota
	// routeSession: a UI session host; hostID selects the session.
	routeSession
	// routeAPIShared: the legacy shared API host; the token comes from the
	// Authorization header alone.
	routeAPIShared
	// routeAPIToken: a token-specific API host; hostID embeds the token's
	// hash so the token can additionally arrive via Basic auth.
	routeAPIToken
)

// hostRoute is the result of classifying one hostname.
type hostRoute struct {
	class int
	// The full variable segment, e.g. "a1b2..." or "api-a1b2...".
	hostID string
	// For routeAPIToken: the 32-char hex token-hash portion of the id.
	apiHash string
}

// hostRouter matches hostnames against the configured wildcard pattern.
type hostRouter struct {
	prefix string
	suffix string
}

// newHostRouter parses a wildcard host pattern such as "*.example.com".
// The pattern must contain exactly one '*'.
func newHostRouter(pattern string) (*hostRouter, error) {
	pattern = strings.ToLower(pattern)
	star := strings.IndexByte(pattern, '*')
	if star < 0 || strings.IndexByte(pattern[star+1:], '*') >= 0 {
		return nil, errors.New("wildcard host must contain exactly one '*': " + pattern)
	}
	return &hostRouter{prefix: pattern[:star], suffix: pattern[star+1:]}, nil
}

// route classifies one inbound Host header value. Evaluated on every
// request before any dispatch.
func (hr *hostRouter) route(host string) hostRoute {
	host = strings.ToLower(host)
	// Strip a port, tolerating bracketed IPv6 literals.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if !strings.HasPrefix(host, hr.prefix) || !strings.HasSuffix(host, hr.suffix) ||
		len(host) <= len(hr.prefix)+len(hr.suffix) {
		return hostRoute{class: routeNone}
	}
	id := host[len(hr.prefix) : len(host)-len(hr.suffix)]
	if !t.ValidHostID(id) {
		return hostRoute{class: routeNone}
	}

	if id == "api" {
		return hostRoute{class: routeAPIShared, hostID: id}
	}
	if rest, ok := strings.CutPrefix(id, "api-"); ok {
		if len(rest) != 2*apiHostHashSize || !isLowerHex(rest) {
			return hostRoute{class: routeNone}
		}
		return hostRoute{class: routeAPIToken, hostID: id, apiHash: rest}
	}
	return hostRoute{class: routeSession, hostID: id}
}

// makeHost substitutes an id into the wildcard pattern.
func (hr *hostRouter) makeHost(hostID string) string {
	return hr.prefix + hostID + hr.suffix
}

// API host ids embed a 128-bit hash of the bearer token.
const apiHostHashSize = 16

// apiHostHash computes the token-hash segment of a per-token API host:
// sha256(sha256("x"+token)) truncated to 128 bits, hex-encoded. The "x"
// salt keeps the host id underivable from the stored token hash, which is
// sha256 of the bare secret.
func apiHostHash(token string) string {
	inner := sha256.Sum256([]byte("x" + token))
	outer := sha256.Sum256(inner[:])
	return hex.EncodeToString(outer[:apiHostHashSize])
}

// apiHostIDForToken returns the full host id ("api-" + hash) serving the
// given token.
func apiHostIDForToken(token string) string {
	return "api-" + apiHostHash(token)
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
