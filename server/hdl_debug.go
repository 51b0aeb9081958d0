/******************************************************************************
 *
 *  Description :
 *
 *    Operator debug endpoints served on the main host: live grain log
 *    streaming over a websocket. Gated by a dedicated bearer token from
 *    the config file, never by app-facing credentials.
 *
 *****************************************************************************/

package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zarvox/sandstorm/server/logs"
)

const (
	// Time allowed to write a log chunk to the peer.
	logWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	logPongWait = 55 * time.Second

	// Send pings to peer with this period. Must be less than logPongWait.
	logPingPeriod = (logPongWait * 9) / 10
)

var logUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint is token-gated; the Origin adds nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// checkDebugToken validates the operator bearer token.
func checkDebugToken(req *http.Request) bool {
	if globals.debugToken == "" {
		// Endpoint disabled unless explicitly configured.
		return false
	}
	header := req.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	supplied := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(globals.debugToken)) == 1
}

// serveGrainLog streams a grain's log to an operator websocket.
// GET /_debug/grain-log?grain=<id>
func serveGrainLog(wrt http.ResponseWriter, req *http.Request) {
	if !checkDebugToken(req) {
		writeErrorResponse(wrt, errForbidden("Missing or invalid operator token"))
		return
	}
	grainID := req.URL.Query().Get("grain")
	if grainID == "" {
		writeErrorResponse(wrt, errProtocol(http.StatusBadRequest, "Missing grain id"))
		return
	}

	stream, err := globals.backend.watchLogOpen(grainID)
	if err != nil {
		writeErrorResponse(wrt, err)
		return
	}

	ws, err := logUpgrader.Upgrade(wrt, req, nil)
	if err != nil {
		stream.abort()
		logs.Err.Println("debug: failed to upgrade log watcher", err)
		return
	}

	logs.Info.Println("debug: log watcher attached to grain", grainID)
	go pumpGrainLog(ws, stream, grainID)
}

// serveGrainShutdown stops a grain's process, severing its live proxies
// first so no request keeps it warm.
// POST /_debug/shutdown-grain?grain=<id>
func serveGrainShutdown(wrt http.ResponseWriter, req *http.Request) {
	if !checkDebugToken(req) {
		writeErrorResponse(wrt, errForbidden("Missing or invalid operator token"))
		return
	}
	if req.Method != http.MethodPost {
		writeErrorResponse(wrt, errProtocol(http.StatusMethodNotAllowed, "Use POST"))
		return
	}
	grainID := req.URL.Query().Get("grain")
	if grainID == "" {
		writeErrorResponse(wrt, errProtocol(http.StatusBadRequest, "Missing grain id"))
		return
	}

	invalidateGrain(grainID)
	if err := globals.backend.shutdownGrain(grainID, 0, true); err != nil {
		writeErrorResponse(wrt, err)
		return
	}
	logs.Info.Println("debug: grain", grainID, "shut down by operator")
	wrt.WriteHeader(http.StatusNoContent)
}

// pumpGrainLog relays log chunks until the grain log closes or the
// client goes away.
func pumpGrainLog(ws *websocket.Conn, stream *streamHandle, grainID string) {
	done := make(chan struct{})

	// Reader side exists only to notice the client disconnecting and to
	// handle pongs.
	go func() {
		defer close(done)
		ws.SetReadDeadline(time.Now().Add(logPongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(logPongWait))
			return nil
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	quit := make(chan struct{})
	chunks := make(chan *StreamChunk)
	readErr := make(chan error, 1)
	go func() {
		for {
			chunk, err := stream.read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case chunks <- chunk:
			case <-quit:
				return
			}
			if chunk.EOF {
				return
			}
		}
	}()

	ticker := time.NewTicker(logPingPeriod)
	defer func() {
		close(quit)
		ticker.Stop()
		stream.abort()
		ws.Close()
	}()

	for {
		select {
		case chunk := <-chunks:
			if len(chunk.Data) > 0 {
				ws.SetWriteDeadline(time.Now().Add(logWriteWait))
				if err := ws.WriteMessage(websocket.TextMessage, chunk.Data); err != nil {
					return
				}
			}
			if chunk.EOF {
				ws.SetWriteDeadline(time.Now().Add(logWriteWait))
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log closed"))
				return
			}

		case err := <-readErr:
			if !isTransient(err) {
				logs.Err.Println("debug: log stream for grain", grainID, "failed:", err)
			}
			return

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(logWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
