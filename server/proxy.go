/******************************************************************************
 *
 *  Description :
 *
 *    The per-session (or per-API-token) proxy: a state machine which
 *    lazily connects to a grain's supervisor, negotiates an app session,
 *    and translates HTTP/WebSocket exchanges into RPC calls and back.
 *
 *****************************************************************************/

package main

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zarvox/sandstorm/server/logs"
	"github.com/zarvox/sandstorm/server/store"
	t "github.com/zarvox/sandstorm/server/store/types"
)

const (
	// Request bodies up to this size are buffered; larger or
	// unknown-length bodies go through the streaming path.
	requestBufferLimit = 1 << 20
	// Chunk size for relaying streamed request bodies.
	streamChunkSize = 64 << 10
	// Transient failures are retried at most this many times per logical
	// request, after discarding the cached connection.
	maxTransientRetries = 1
)

// Proxy bridges one UI session or one API-token connection to a grain's
// RPC session. A Proxy is either session-bound (sessionID+hostID set) or
// API-bound (isAPI set); never both, never neither.
type Proxy struct {
	lock sync.Mutex

	grainID string
	ownerID t.Uid

	// Session-bound mode.
	sessionID string
	hostID    string
	// API-bound mode.
	isAPI bool

	// Hash of the originating token, empty for owner-opened sessions.
	tokenID string

	user   UserInfo
	params SessionParams

	backend *BackendClient

	// Lazily established; discarded on transient errors.
	supervisor *supervisorHandle
	session    *sessionHandle
	view       *ViewInfo

	// Open client websocket connections, for liveness tracking by the
	// owning cache.
	websockets map[net.Conn]bool

	hasAnnouncedLoad bool
	closed           bool
}

// newSessionProxy creates a proxy bound to a UI session.
func newSessionProxy(backend *BackendClient, sess *t.Session, ownerID t.Uid, user UserInfo, params SessionParams) *Proxy {
	return &Proxy{
		grainID:    sess.GrainID,
		ownerID:    ownerID,
		sessionID:  sess.ID,
		hostID:     sess.HostID,
		tokenID:    sess.TokenID,
		user:       user,
		params:     params,
		backend:    backend,
		websockets: make(map[net.Conn]bool),
	}
}

// newAPIProxy creates a proxy bound to an API token with no UI session.
func newAPIProxy(backend *BackendClient, grainID string, ownerID t.Uid, tokenID string, user UserInfo, params SessionParams) *Proxy {
	return &Proxy{
		grainID:    grainID,
		ownerID:    ownerID,
		isAPI:      true,
		tokenID:    tokenID,
		user:       user,
		params:     params,
		backend:    backend,
		websockets: make(map[net.Conn]bool),
	}
}

// ensureSession transitions the proxy to session-open, reusing cached
// handles when present. Serialized per proxy: concurrent requests share
// one negotiation.
func (p *Proxy) ensureSession() (*sessionHandle, *ViewInfo, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return nil, nil, errGone("Session was concurrently closed")
	}
	if p.session != nil {
		return p.session, p.view, nil
	}

	if p.supervisor == nil {
		supervisor, err := p.backend.continueGrain(p.grainID)
		if err != nil && errorClass(err) == ClassNotFound && !p.ownerID.IsZero() {
			// Not running; boot it under the owner's identity.
			supervisor, err = p.backend.startGrain(p.grainID, p.ownerID)
		}
		if err != nil {
			return nil, nil, err
		}
		p.supervisor = supervisor
		// Best effort: activity bookkeeping must not fail the request.
		if aerr := p.backend.updateLastActive(p.grainID, time.Now()); aerr != nil {
			logs.Warn.Println("proxy: failed to record grain activity", p.grainID, aerr)
		}
	}
	if p.view == nil {
		view, err := p.supervisor.getMainView()
		if err != nil {
			p.dropConnectionLocked()
			return nil, nil, err
		}
		p.view = view
	}

	session, err := p.supervisor.newSession(p.user, p.params)
	if err != nil {
		p.dropConnectionLocked()
		return nil, nil, err
	}
	p.session = session
	statsInc("AppSessionsEstablished", 1)
	return p.session, p.view, nil
}

// resetConnection discards the cached supervisor and session handles so
// the next attempt reconnects from scratch. Called after transient RPC
// failures (grain restart, backend reconnect).
func (p *Proxy) resetConnection() {
	p.lock.Lock()
	p.dropConnectionLocked()
	p.lock.Unlock()
}

func (p *Proxy) dropConnectionLocked() {
	if p.session != nil {
		go p.session.release()
		p.session = nil
	}
	if p.supervisor != nil {
		go p.supervisor.release()
		p.supervisor = nil
	}
}

// retryOnceOnTransient runs op, and if it fails with a transient error
// discards the cached connection and runs it once more. The retry bound
// and the retriable-error predicate are both explicit; nothing else in
// the pipeline retries.
func (p *Proxy) retryOnceOnTransient(op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !isTransient(err) || attempt >= maxTransientRetries {
			return err
		}
		statsInc("ProxyTransientRetries", 1)
		p.resetConnection()
	}
}

// responseMode returns the translation mode for this proxy's responses.
func (p *Proxy) responseMode() int {
	if p.isAPI {
		return apiResponse
	}
	return sessionResponse
}

// handleRequest serves one buffered HTTP exchange.
func (p *Proxy) handleRequest(wrt http.ResponseWriter, req *http.Request) {
	appReq, err := translateRequest(req)
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	if req.Body != nil {
		body, err := io.ReadAll(io.LimitReader(req.Body, requestBufferLimit+1))
		if err != nil {
			writeErrorResponse(wrt, errProtocol(http.StatusBadRequest, "Failed to read request body"))
			return
		}
		if len(body) > requestBufferLimit {
			writeErrorResponse(wrt, errProtocol(http.StatusRequestEntityTooLarge, "Request body too large to buffer"))
			return
		}
		appReq.Body = body
	}

	p.dispatchBuffered(wrt, req, appReq)
}

// dispatchBuffered issues a fully-buffered exchange with bounded retry.
func (p *Proxy) dispatchBuffered(wrt http.ResponseWriter, req *http.Request, appReq *AppRequest) {
	var resp *AppResponse
	var view *ViewInfo

	err := p.retryOnceOnTransient(func() error {
		session, v, err := p.ensureSession()
		if err != nil {
			return err
		}
		view = v
		resp, err = session.request(appReq)
		return err
	})

	if appReq.Method == "OPTIONS" && isUnimplemented(err) {
		// The app does not extend OPTIONS; answer from metadata.
		writeOptionsFromMetadata(wrt, view, p.responseMode(), req.Host)
		return
	}
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	p.writeAppResponse(wrt, req, resp)
}

// handleRequestStreaming serves a request whose body is too large or of
// unknown length to buffer. The body is relayed as it arrives and the
// response is relayed as soon as the app produces it. If the app does not
// implement streaming, falls back to buffering the whole body and issuing
// a single call.
func (p *Proxy) handleRequestStreaming(wrt http.ResponseWriter, req *http.Request) {
	appReq, err := translateRequest(req)
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	var stream *streamHandle
	err = p.retryOnceOnTransient(func() error {
		session, _, err := p.ensureSession()
		if err != nil {
			return err
		}
		stream, err = session.openRequestStream(appReq)
		return err
	})
	if isUnimplemented(err) {
		// The app cannot stream. Buffer the complete body, however large,
		// and issue the exchange as a single call. The buffered-path size
		// cap does not apply: this path was chosen because the body was
		// already known to exceed it.
		statsInc("StreamingFallbacks", 1)
		body, rerr := io.ReadAll(req.Body)
		if rerr != nil {
			writeErrorResponse(wrt, errProtocol(http.StatusBadRequest, "Failed to read request body"))
			return
		}
		appReq.Body = body
		p.dispatchBuffered(wrt, req, appReq)
		return
	}
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	// Relay the request body concurrently with awaiting the response:
	// apps may respond before consuming the whole upload.
	uploadErr := make(chan error, 1)
	go func() {
		buf := make([]byte, streamChunkSize)
		for {
			n, err := req.Body.Read(buf)
			if n > 0 {
				if werr := stream.write(buf[:n]); werr != nil {
					uploadErr <- werr
					return
				}
			}
			if err == io.EOF {
				uploadErr <- stream.closeWrite()
				return
			}
			if err != nil {
				stream.abort()
				uploadErr <- err
				return
			}
		}
	}()

	// Cancel the app-side stream promptly if the client goes away, so
	// the response capability is rejected rather than left pending.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-req.Context().Done():
			stream.abort()
		case <-done:
		}
	}()

	resp, err := stream.awaitResponse()
	if err != nil {
		// The body may be partially consumed; this exchange cannot be
		// replayed, so no retry here.
		writeErrorResponse(wrt, err)
		return
	}

	p.writeAppResponse(wrt, req, resp)
	if err := <-uploadErr; err != nil {
		logs.Warn.Println("proxy: upload relay failed", p.grainID, err)
	}
}

// writeAppResponse translates and writes one app response: headers, the
// buffered body prefix, then any streaming tail relayed as chunks
// arrive. Apps may answer a buffered call with a streaming body, so the
// tail is honored regardless of which request path produced it.
func (p *Proxy) writeAppResponse(wrt http.ResponseWriter, req *http.Request, resp *AppResponse) {
	writeResponseHeaders(wrt, resp, p.responseMode(), req.Host)
	wrt.WriteHeader(resp.Status)
	if req.Method != "HEAD" && len(resp.Body) > 0 {
		wrt.Write(resp.Body)
		if resp.Streaming {
			if flusher, ok := wrt.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}
	if resp.Streaming {
		tail := &streamHandle{backend: p.backend, id: resp.Stream, epoch: p.currentEpoch()}
		if req.Method == "HEAD" {
			// Headers only; release the unread body stream.
			tail.abort()
		} else if err := relayStreamBody(tail, wrt); err != nil {
			logs.Warn.Println("proxy: response relay failed", p.grainID, err)
		}
	}
	p.announceLoad()
}

func (p *Proxy) currentEpoch() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.session != nil {
		return p.session.epoch
	}
	return 0
}

// announceLoad flips the session's hasLoaded flag on the first successful
// response. One store write, once.
func (p *Proxy) announceLoad() {
	p.lock.Lock()
	if p.hasAnnouncedLoad || p.sessionID == "" {
		p.lock.Unlock()
		return
	}
	p.hasAnnouncedLoad = true
	sessionID := p.sessionID
	p.lock.Unlock()

	if err := store.Sessions.SetHasLoaded(sessionID); err != nil {
		logs.Warn.Println("proxy: failed to mark session loaded", sessionID, err)
	}
}

// keepAlive forwards a liveness ping to the supervisor, keeping the
// grain from shutting down independent of HTTP traffic. A proxy with no
// established supervisor has nothing to keep alive.
func (p *Proxy) keepAlive() error {
	p.lock.Lock()
	supervisor := p.supervisor
	p.lock.Unlock()

	if supervisor == nil {
		return nil
	}
	return supervisor.keepAlive()
}

// trackWebSocket registers an open client websocket for liveness
// accounting. Returns false if the proxy is already closed.
func (p *Proxy) trackWebSocket(conn net.Conn) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return false
	}
	p.websockets[conn] = true
	return true
}

func (p *Proxy) untrackWebSocket(conn net.Conn) {
	p.lock.Lock()
	delete(p.websockets, conn)
	p.lock.Unlock()
}

// hasLiveWebSockets reports whether any client websockets are open; the
// API cache keeps such proxies across sweeps.
func (p *Proxy) hasLiveWebSockets() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.websockets) > 0
}

// close idempotently tears down open sockets and both RPC handles.
func (p *Proxy) close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	sockets := make([]net.Conn, 0, len(p.websockets))
	for conn := range p.websockets {
		sockets = append(sockets, conn)
	}
	p.websockets = make(map[net.Conn]bool)
	session := p.session
	supervisor := p.supervisor
	p.session = nil
	p.supervisor = nil
	p.lock.Unlock()

	for _, conn := range sockets {
		conn.Close()
	}
	if session != nil {
		session.release()
	}
	if supervisor != nil {
		supervisor.release()
	}
	statsInc("ProxiesClosed", 1)
}

// needsStreaming decides between the buffered and streaming request
// paths based on declared length.
func needsStreaming(req *http.Request) bool {
	if req.Method == "GET" || req.Method == "HEAD" || req.Method == "OPTIONS" {
		return false
	}
	if req.ContentLength < 0 {
		return true
	}
	return req.ContentLength > requestBufferLimit
}

// serveHTTP routes one exchange to the right proxy path.
func (p *Proxy) serveHTTP(wrt http.ResponseWriter, req *http.Request) {
	start := time.Now()
	switch {
	case isWebSocketRequest(req):
		p.handleWebSocket(wrt, req)
	case needsStreaming(req):
		p.handleRequestStreaming(wrt, req)
	default:
		p.handleRequest(wrt, req)
	}
	elapsed := time.Since(start)
	statsAddHist("RequestProcessingDuration", float64(elapsed.Microseconds())/1000.0)
	promRequestDuration.Observe(elapsed.Seconds())
}
