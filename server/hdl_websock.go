/******************************************************************************
 *
 *  Description :
 *
 *    WebSocket relay between clients and grains. The handshake is
 *    validated and answered here; after the 101 the gateway pumps raw
 *    bytes in both directions with no further protocol inspection, so
 *    apps and clients negotiate framing, extensions and close frames
 *    between themselves.
 *
 *****************************************************************************/

package main

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/zarvox/sandstorm/server/logs"
)

// Fixed GUID from RFC 6455 used to derive Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// isWebSocketRequest detects an upgrade request.
func isWebSocketRequest(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(req.Header.Get("Connection"), "upgrade")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// computeWebSocketAccept derives the accept key for the 101 response.
func computeWebSocketAccept(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// validateWebSocketHandshake checks the upgrade headers. Fails before
// any byte is written to the socket.
func validateWebSocketHandshake(req *http.Request) (key string, protocols []string, err error) {
	if req.Method != http.MethodGet {
		return "", nil, errProtocol(http.StatusMethodNotAllowed, "WebSocket handshake must be GET")
	}
	key = req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", nil, errProtocol(http.StatusBadRequest, "Missing Sec-WebSocket-Key")
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return "", nil, errProtocol(http.StatusBadRequest, "Unsupported WebSocket version")
	}
	for _, header := range req.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			if proto = strings.TrimSpace(proto); proto != "" {
				protocols = append(protocols, proto)
			}
		}
	}
	return key, protocols, nil
}

// handleWebSocket validates the handshake, opens the app-side byte
// stream, and completes the 101 only after the app accepts.
func (p *Proxy) handleWebSocket(wrt http.ResponseWriter, req *http.Request) {
	key, protocols, err := validateWebSocketHandshake(req)
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	appReq, err := translateRequest(req)
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	var selectedProto string
	var appConn net.Conn
	err = p.retryOnceOnTransient(func() error {
		session, _, err := p.ensureSession()
		if err != nil {
			return err
		}
		selectedProto, appConn, err = session.openWebSocket(appReq, protocols)
		return err
	})
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	hijacker, ok := wrt.(http.Hijacker)
	if !ok {
		appConn.Close()
		writeErrorResponse(wrt, errInternal("connection cannot be hijacked", nil))
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		appConn.Close()
		logs.Err.Println("ws: hijack failed", p.grainID, err)
		return
	}

	if !p.trackWebSocket(clientConn) {
		// Proxy was closed while we negotiated.
		clientConn.Close()
		appConn.Close()
		return
	}

	var accept strings.Builder
	accept.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	accept.WriteString("Upgrade: websocket\r\n")
	accept.WriteString("Connection: Upgrade\r\n")
	accept.WriteString("Sec-WebSocket-Accept: " + computeWebSocketAccept(key) + "\r\n")
	if selectedProto != "" {
		accept.WriteString("Sec-WebSocket-Protocol: " + selectedProto + "\r\n")
	}
	accept.WriteString("\r\n")
	if _, err = clientConn.Write([]byte(accept.String())); err != nil {
		p.untrackWebSocket(clientConn)
		clientConn.Close()
		appConn.Close()
		return
	}
	statsInc("WebSocketsOpened", 1)

	go p.pumpWebSocket(clientConn, clientBuf, appConn)
}

// pumpWebSocket relays bytes both ways as two goroutines joined on first
// failure; closing either side cancels the other.
func (p *Proxy) pumpWebSocket(clientConn net.Conn, clientBuf *bufio.ReadWriter, appConn net.Conn) {
	defer func() {
		p.untrackWebSocket(clientConn)
		clientConn.Close()
		appConn.Close()
		statsInc("WebSocketsOpened", -1)
	}()

	done := make(chan struct{}, 2)

	// Client to app. Drain the hijacked buffer first: the client may have
	// pipelined frames behind the handshake.
	go func() {
		defer func() { done <- struct{}{} }()
		if n := clientBuf.Reader.Buffered(); n > 0 {
			pending, _ := clientBuf.Reader.Peek(n)
			if _, err := appConn.Write(pending); err != nil {
				return
			}
			clientBuf.Reader.Discard(n)
		}
		io.Copy(appConn, clientConn)
	}()

	// App to client.
	go func() {
		defer func() { done <- struct{}{} }()
		io.Copy(clientConn, appConn)
	}()

	// First failure on either side tears down both: the deferred closes
	// unblock the surviving copier.
	<-done
}
