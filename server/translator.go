/******************************************************************************
 *
 *  Description :
 *
 *    Stateless translation between wire-level HTTP and the RPC structs
 *    exchanged with grain supervisors: request metadata in, status lines,
 *    headers and security policy out.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// HTTP methods accepted and mapped 1:1 to session RPC calls. Everything
// else is rejected before reaching the app.
var allowedMethods = map[string]bool{
	"GET":    true,
	"HEAD":   true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
	// WebDAV.
	"PROPFIND":  true,
	"PROPPATCH": true,
	"MKCOL":     true,
	"COPY":      true,
	"MOVE":      true,
	"LOCK":      true,
	"UNLOCK":    true,
	"ACL":       true,
	"REPORT":    true,
	"OPTIONS":   true,
}

// Methods always advertised on CORS preflight responses.
const corsDefaultMethods = "GET, HEAD, POST, PUT, PATCH, DELETE"

// Request headers forwarded to the app beyond the fixed translated set.
var requestHeaderAllowed = map[string]bool{
	"Content-Language": true,
	"X-Oc-Mtime":       true,
	"X-Requested-With": true,
}

// Response headers relayed from the app beyond the fixed translated set.
var responseHeaderAllowed = map[string]bool{
	"Content-Disposition": true,
	"Www-Authenticate":    true,
	"Dav":                 true,
	"Link":                true,
}

// Headers prefixed with this are app-defined and pass both ways.
const appHeaderPrefix = "X-Sandstorm-App-"

// translateRequest converts HTTP request metadata into the RPC parameter
// struct. The body is attached by the caller (buffered or streamed).
// Pure: no I/O, no globals.
func translateRequest(req *http.Request) (*AppRequest, error) {
	method := strings.ToUpper(req.Method)
	if !allowedMethods[method] {
		return nil, errProtocol(http.StatusMethodNotAllowed, "Method not supported: "+method)
	}

	path := strings.TrimPrefix(req.URL.RequestURI(), "/")

	out := &AppRequest{
		Method:          method,
		Path:            path,
		Accept:          req.Header.Get("Accept"),
		AcceptEncoding:  req.Header.Get("Accept-Encoding"),
		ContentType:     req.Header.Get("Content-Type"),
		ContentEncoding: req.Header.Get("Content-Encoding"),
		IfMatch:         parseETagList(req.Header.Get("If-Match")),
		IfNoneMatch:     parseETagList(req.Header.Get("If-None-Match")),
		Depth:           req.Header.Get("Depth"),
		Overwrite:       req.Header.Get("Overwrite"),
	}

	// The Destination of COPY/MOVE must stay inside this host; anything
	// else is a confused-deputy attempt.
	if dest := req.Header.Get("Destination"); dest != "" {
		stripped, err := stripSameHostPrefix(dest, req.Host)
		if err != nil {
			return nil, err
		}
		out.Destination = stripped
	}

	for name, values := range req.Header {
		canonical := http.CanonicalHeaderKey(name)
		if requestHeaderAllowed[canonical] || strings.HasPrefix(canonical, appHeaderPrefix) {
			if out.AdditionalHeaders == nil {
				out.AdditionalHeaders = make(map[string][]string)
			}
			out.AdditionalHeaders[canonical] = values
		}
	}

	return out, nil
}

// stripSameHostPrefix validates a WebDAV Destination header and reduces
// it to an app-relative path.
func stripSameHostPrefix(dest, host string) (string, error) {
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(dest, scheme); ok {
			if rest2, ok := strings.CutPrefix(rest, host+"/"); ok {
				return rest2, nil
			}
			return "", errProtocol(http.StatusBadRequest, "Destination header points outside this host")
		}
	}
	return strings.TrimPrefix(dest, "/"), nil
}

func parseETagList(header string) []string {
	if header == "" {
		return nil
	}
	var tags []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tags = append(tags, part)
	}
	return tags
}

// Response translation modes. UI sessions are cookie-authenticated and
// get same-origin isolation; API responses are bearer-authenticated and
// cookie-less, so they get open CORS with a throwaway CSP instead.
const (
	sessionResponse = iota
	apiResponse
)

// writeResponseHeaders emits the translated headers for one app response.
// host is the request's own hostname, used to permit the app's secure
// websocket origin in the session CSP.
func writeResponseHeaders(wrt http.ResponseWriter, resp *AppResponse, mode int, host string) {
	h := wrt.Header()

	if resp.ContentType != "" {
		h.Set("Content-Type", resp.ContentType)
	}
	if resp.ContentEncoding != "" {
		h.Set("Content-Encoding", resp.ContentEncoding)
	}
	if resp.Language != "" {
		h.Set("Content-Language", resp.Language)
	}
	if resp.ETag != "" {
		h.Set("ETag", `"`+resp.ETag+`"`)
	}
	if resp.Location != "" {
		h.Set("Location", resp.Location)
	}
	if resp.CacheMaxAge < 0 {
		h.Set("Cache-Control", "no-store")
	} else if resp.CacheMaxAge > 0 {
		h.Set("Cache-Control", "private, max-age="+strconv.Itoa(resp.CacheMaxAge))
	}

	for name, values := range resp.AdditionalHeaders {
		canonical := http.CanonicalHeaderKey(name)
		if responseHeaderAllowed[canonical] || strings.HasPrefix(canonical, appHeaderPrefix) {
			for _, v := range values {
				h.Add(canonical, v)
			}
		}
	}

	writeSecurityHeaders(h, mode, host)
}

// writeSecurityHeaders applies the per-mode isolation policy. Reproduced
// exactly: these headers are the boundary between untrusted app output
// and the user's browser.
func writeSecurityHeaders(h http.Header, mode int, host string) {
	switch mode {
	case sessionResponse:
		csp := "default-src 'self'; connect-src 'self' wss://" + host +
			"; sandbox allow-forms allow-scripts; referrer no-referrer"
		h.Set("Content-Security-Policy", csp)
		// Legacy header names for older browsers.
		h.Set("X-Content-Security-Policy", csp)
		h.Set("X-Webkit-Csp", csp)
		h.Set("X-Frame-Options", "ALLOW-FROM "+globals.rootURL)
		h.Set("Referrer-Policy", "no-referrer")

	case apiResponse:
		// No cookies are used for API auth, so a wildcard origin is safe.
		h.Set("Access-Control-Allow-Origin", "*")
		h.Add("Vary", "Authorization")
		// Defense in depth in case the response is ever rendered.
		csp := "default-src 'none'; sandbox"
		h.Set("Content-Security-Policy", csp)
		h.Set("X-Content-Security-Policy", csp)
		h.Set("X-Webkit-Csp", csp)
	}
}

// writeCORSPreflight answers an OPTIONS preflight on an API host. Headers
// are echoed and the default verb set is always allowed; this happens
// before authorization on purpose, so preflights for requests which will
// later 403 still succeed.
func writeCORSPreflight(wrt http.ResponseWriter, req *http.Request) {
	h := wrt.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Max-Age", "3600")
	h.Add("Vary", "Origin")

	methods := corsDefaultMethods
	if requested := req.Header.Get("Access-Control-Request-Method"); requested != "" {
		requested = strings.ToUpper(strings.TrimSpace(requested))
		inDefault := false
		for _, m := range strings.Split(corsDefaultMethods, ", ") {
			if m == requested {
				inDefault = true
				break
			}
		}
		if !inDefault {
			methods += ", " + requested
		}
	}
	h.Set("Access-Control-Allow-Methods", methods)

	if reqHeaders := req.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	wrt.WriteHeader(http.StatusNoContent)
}

// writeOptionsFromMetadata answers OPTIONS from the cached view metadata
// without touching the app. Used when the app does not extend OPTIONS.
func writeOptionsFromMetadata(wrt http.ResponseWriter, view *ViewInfo, mode int, host string) {
	h := wrt.Header()
	methods := make([]string, 0, len(allowedMethods))
	for m := range allowedMethods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	h.Set("Allow", strings.Join(methods, ", "))
	if view != nil && view.SupportsDav {
		h.Set("DAV", "1, 2")
		h.Set("Access-Control-Expose-Headers", "DAV")
	}
	writeSecurityHeaders(h, mode, host)
	wrt.WriteHeader(http.StatusOK)
}
