/******************************************************************************
 *
 *  Description :
 *
 *    Client of the backend/supervisor daemon: the RPC peer which runs
 *    grains. Owns the single long-lived connection, re-establishes it on
 *    failure, and terminates the process when the backend stays
 *    unresponsive past the health-check window.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"io"
	"net"
	"net/rpc"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zarvox/sandstorm/server/concurrency"
	"github.com/zarvox/sandstorm/server/logs"
	t "github.com/zarvox/sandstorm/server/store/types"
)

const (
	// Delay between attempts to re-dial the backend.
	backendReconnectDelay = 200 * time.Millisecond
	// Interval of background health-check pings.
	healthCheckInterval = 30 * time.Second
	// How long a single health-check ping may take.
	healthCheckTimeout = 10 * time.Second
	// Consecutive failed pings before the process gives up. Two misses
	// mean a full minute of silence; at that point the backend is
	// unrecoverable from here and an external supervisor must restart us.
	healthCheckFailLimit = 2
)

// Wire messages. Encoded with gob by net/rpc; fields must be exported.

type EmptyArgs struct{}
type EmptyReply struct{}

type GrainArgs struct {
	GrainID string
	OwnerID uint64
}

type GrainReply struct {
	// Capability id of the grain's supervisor, valid for this connection
	// epoch only.
	Supervisor uint64
}

type ShutdownGrainArgs struct {
	GrainID      string
	OwnerID      uint64
	KeepMetadata bool
}

type LastActiveArgs struct {
	GrainID string
	When    time.Time
}

type HandleArgs struct {
	ID uint64
}

// IPAddress carries a client address to the app: IPv4 mapped into the
// low bits, IPv6 split into two 64-bit halves.
type IPAddress struct {
	Upper uint64
	Lower uint64
}

// UserInfo describes the authenticated visitor to the app.
type UserInfo struct {
	DisplayName     string
	PreferredHandle string
	// Stable app-visible account id; empty for anonymous visitors.
	AppUserID   string
	Permissions uint64
}

// SessionParams are the per-connection parameters of a UI or API session.
type SessionParams struct {
	BasePath        string
	UserAgent       string
	AcceptLanguages []string
	// Client address, forwarded only when the caller opted in via
	// X-Sandstorm-Passthrough.
	Address *IPAddress
}

type NewSessionArgs struct {
	Supervisor uint64
	User       UserInfo
	Params     SessionParams
}

type NewSessionReply struct {
	Session uint64
}

// ViewInfo is the app's self-description, consulted for OPTIONS replies
// and permission names.
type ViewInfo struct {
	AppTitle string
	// Permission names declared by the app, by bit index.
	Permissions []string
	// Whether the app handles WebDAV verbs.
	SupportsDav bool
}

// AppRequest is the translated form of one HTTP request.
type AppRequest struct {
	Method string
	// Path plus query, without the leading slash.
	Path string

	Accept          string
	AcceptEncoding  string
	ContentType     string
	ContentEncoding string
	IfMatch         []string
	IfNoneMatch     []string
	// WebDAV verb parameters.
	Depth       string
	Destination string
	Overwrite   string
	// App-bound headers outside the fixed set above, pre-filtered by the
	// translator's allow list.
	AdditionalHeaders map[string][]string

	Body []byte
}

// AppResponse is the app's reply before wire translation.
type AppResponse struct {
	Status     int
	StatusText string

	ContentType     string
	ContentEncoding string
	Language        string
	ETag            string
	Location        string
	// Cache lifetime in seconds; negative means no-store.
	CacheMaxAge int

	AdditionalHeaders map[string][]string

	Body []byte
	// More body available via Backend.StreamRead on Stream.
	Streaming bool
	Stream    uint64
}

type StreamOpenArgs struct {
	Session uint64
	Req     AppRequest
}

type StreamOpenReply struct {
	Stream uint64
}

type StreamWriteArgs struct {
	Stream uint64
	Data   []byte
}

type StreamChunk struct {
	Data []byte
	EOF  bool
}

type WsOpenArgs struct {
	Session uint64
	Req     AppRequest
	// Client-requested subprotocols, in preference order.
	Protocols []string
}

type WsOpenReply struct {
	// Subprotocol the app selected, if any.
	Protocol string
	// Address and one-time ticket for the raw byte stream carrying the
	// websocket traffic.
	StreamAddr   string
	StreamTicket string
}

// BackendClient owns the persistent RPC connection to the backend daemon.
// All supervisor and session handles are scoped to one connection epoch:
// after a reconnect, stale handles fail with a transient error and their
// owners re-establish from scratch.
type BackendClient struct {
	lock sync.Mutex

	address string
	// RPC endpoint, swapped wholesale on reconnect.
	endpoint *rpc.Client
	// Incremented on every successful (re)connect.
	epoch uint64
	// True if the endpoint is believed to be connected.
	connected bool
	// Held by the goroutine trying to reconnect, so only one runs.
	reconnecting concurrency.SimpleMutex
	// Consecutive health-check failures.
	failCount int

	// Channel for shutting down the health checker; buffered, 1.
	done chan bool

	// Invoked when the backend is declared unrecoverable. Overridden in
	// tests; defaults to exiting the process.
	fatal func()
}

// newBackendClient dials the backend and starts the health checker.
func newBackendClient(address string) (*BackendClient, error) {
	b := &BackendClient{
		address:      address,
		reconnecting: concurrency.NewSimpleMutex(),
		done:         make(chan bool, 1),
		fatal: func() {
			logs.Err.Println("backend: unresponsive past health-check window, exiting")
			os.Exit(1)
		},
	}
	endpoint, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	b.endpoint = endpoint
	b.connected = true
	b.epoch = 1

	go b.healthCheckLoop()
	return b, nil
}

// current returns the live endpoint and its epoch.
func (b *BackendClient) current() (*rpc.Client, uint64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.connected {
		return nil, 0, errTransient("backend not connected", nil)
	}
	return b.endpoint, b.epoch, nil
}

// teardown closes the connection belonging to the given epoch and kicks
// off a reconnect. A no-op if the connection was already swapped.
func (b *BackendClient) teardown(epoch uint64) {
	b.lock.Lock()
	if b.connected && b.epoch == epoch {
		b.endpoint.Close()
		b.connected = false
		statsInc("LiveBackendConns", -1)
		go b.reconnect()
	}
	b.lock.Unlock()
}

// reconnect re-dials the backend until it succeeds or shutdown is
// requested.
func (b *BackendClient) reconnect() {
	if !b.reconnecting.TryLock() {
		// Another goroutine is already re-dialing.
		return
	}
	defer b.reconnecting.Unlock()

	var reconnTicker *time.Ticker
	count := 0
	for {
		if endpoint, err := rpc.Dial("tcp", b.address); err == nil {
			if reconnTicker != nil {
				reconnTicker.Stop()
			}
			b.lock.Lock()
			b.endpoint = endpoint
			b.epoch++
			b.connected = true
			b.lock.Unlock()
			statsInc("LiveBackendConns", 1)
			logs.Info.Println("backend: connection re-established")
			return
		} else if count == 0 {
			reconnTicker = time.NewTicker(backendReconnectDelay)
		}
		count++

		select {
		case <-reconnTicker.C:
			// Try again.
		case <-b.done:
			reconnTicker.Stop()
			return
		}
	}
}

// shutdown stops the health checker and closes the connection.
func (b *BackendClient) shutdown() {
	select {
	case b.done <- true:
	default:
	}
	b.lock.Lock()
	if b.connected {
		b.endpoint.Close()
		b.connected = false
	}
	b.lock.Unlock()
}

// healthCheckLoop pings the backend on a fixed interval. One failed ping
// tears the connection down for a transparent reconnect; two consecutive
// failures abort the process. Observed backend failures are otherwise
// silent and unrecoverable without an external restart, so failing fast
// is the designed behavior.
func (b *BackendClient) healthCheckLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.pingWithTimeout(); err != nil {
				b.lock.Lock()
				b.failCount++
				failed := b.failCount
				epoch := b.epoch
				b.lock.Unlock()

				logs.Warn.Println("backend: health check failed", failed, err)
				if failed >= healthCheckFailLimit {
					b.fatal()
					return
				}
				b.teardown(epoch)
			} else {
				b.lock.Lock()
				b.failCount = 0
				b.lock.Unlock()
			}

		case <-b.done:
			return
		}
	}
}

func (b *BackendClient) pingWithTimeout() error {
	endpoint, _, err := b.current()
	if err != nil {
		return err
	}
	call := endpoint.Go("Backend.Ping", &EmptyArgs{}, &EmptyReply{}, make(chan *rpc.Call, 1))
	select {
	case done := <-call.Done:
		return done.Error
	case <-time.After(healthCheckTimeout):
		return errors.New("ping timed out")
	}
}

// call issues one RPC on the current connection, classifying failures.
// Network-level errors tear the connection down for reconnect and come
// back transient so the caller's bounded retry can replay the request.
func (b *BackendClient) call(proc string, args, reply any) error {
	endpoint, epoch, err := b.current()
	if err != nil {
		return err
	}
	return b.finishCall(epoch, endpoint.Call(proc, args, reply))
}

// callAt is like call but fails immediately if the connection was swapped
// since the caller obtained its handle.
func (b *BackendClient) callAt(epoch uint64, proc string, args, reply any) error {
	endpoint, cur, err := b.current()
	if err != nil {
		return err
	}
	if cur != epoch {
		return errTransient("backend connection was reset", nil)
	}
	return b.finishCall(epoch, endpoint.Call(proc, args, reply))
}

func (b *BackendClient) finishCall(epoch uint64, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(rpc.ServerError); ok {
		return mapRemoteError(err)
	}
	// Transport-level failure: connection is unusable.
	b.teardown(epoch)
	return errTransient("backend call failed", err)
}

// Remote errors arrive as strings; the backend prefixes them with a fixed
// tag. Transient infra failures and the app declining a feature are
// deliberately distinct tags mapped to distinct classes.
func mapRemoteError(err error) error {
	msg := err.Error()
	tag, rest, found := strings.Cut(msg, ": ")
	if !found {
		tag = msg
		rest = msg
	}
	switch tag {
	case "unimplemented":
		return errUnimplemented(rest)
	case "notfound":
		return errNotFound(rest)
	case "forbidden":
		return errForbidden(rest)
	case "badrequest":
		return errProtocol(400, rest)
	case "disconnected", "badhandle", "overloaded":
		// Grain restarted or handle predates a reconnect.
		return errTransient(rest, nil)
	default:
		return errInternal("backend error", err)
	}
}

// ping checks connectivity without side effects.
func (b *BackendClient) ping() error {
	return b.call("Backend.Ping", &EmptyArgs{}, &EmptyReply{})
}

// startGrain boots a grain and returns its supervisor handle.
func (b *BackendClient) startGrain(grainID string, ownerID t.Uid) (*supervisorHandle, error) {
	return b.grainCall("Backend.StartGrain", grainID, ownerID)
}

// continueGrain attaches to an already-running grain, starting it if
// needed.
func (b *BackendClient) continueGrain(grainID string) (*supervisorHandle, error) {
	return b.grainCall("Backend.ContinueGrain", grainID, 0)
}

func (b *BackendClient) grainCall(proc string, grainID string, ownerID t.Uid) (*supervisorHandle, error) {
	_, epoch, err := b.current()
	if err != nil {
		return nil, err
	}
	var reply GrainReply
	if err = b.callAt(epoch, proc, &GrainArgs{GrainID: grainID, OwnerID: uint64(ownerID)}, &reply); err != nil {
		return nil, err
	}
	return &supervisorHandle{backend: b, id: reply.Supervisor, epoch: epoch}, nil
}

// shutdownGrain stops a grain's process.
func (b *BackendClient) shutdownGrain(grainID string, ownerID t.Uid, keepMetadata bool) error {
	return b.call("Backend.ShutdownGrain",
		&ShutdownGrainArgs{GrainID: grainID, OwnerID: uint64(ownerID), KeepMetadata: keepMetadata},
		&EmptyReply{})
}

// updateLastActive records grain activity for shutdown bookkeeping.
func (b *BackendClient) updateLastActive(grainID string, when time.Time) error {
	return b.call("Backend.UpdateLastActive", &LastActiveArgs{GrainID: grainID, When: when}, &EmptyReply{})
}

// watchLogOpen starts streaming a grain's log; chunks are pulled with
// streamRead on the returned handle.
func (b *BackendClient) watchLogOpen(grainID string) (*streamHandle, error) {
	_, epoch, err := b.current()
	if err != nil {
		return nil, err
	}
	var reply StreamOpenReply
	if err = b.callAt(epoch, "Backend.WatchLog", &GrainArgs{GrainID: grainID}, &reply); err != nil {
		return nil, err
	}
	return &streamHandle{backend: b, id: reply.Stream, epoch: epoch}, nil
}

// supervisorHandle is a capability to one grain's supervisor, valid for
// a single connection epoch.
type supervisorHandle struct {
	backend *BackendClient
	id      uint64
	epoch   uint64
}

func (s *supervisorHandle) getMainView() (*ViewInfo, error) {
	var reply ViewInfo
	if err := s.backend.callAt(s.epoch, "Backend.GetMainView", &HandleArgs{ID: s.id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (s *supervisorHandle) newSession(user UserInfo, params SessionParams) (*sessionHandle, error) {
	var reply NewSessionReply
	args := &NewSessionArgs{Supervisor: s.id, User: user, Params: params}
	if err := s.backend.callAt(s.epoch, "Backend.NewSession", args, &reply); err != nil {
		return nil, err
	}
	return &sessionHandle{backend: s.backend, id: reply.Session, epoch: s.epoch}, nil
}

func (s *supervisorHandle) keepAlive() error {
	return s.backend.callAt(s.epoch, "Backend.KeepAlive", &HandleArgs{ID: s.id}, &EmptyReply{})
}

// release drops the remote capability. Errors are ignored: a failed
// release means the connection died, which released it anyway.
func (s *supervisorHandle) release() {
	s.backend.callAt(s.epoch, "Backend.ReleaseHandle", &HandleArgs{ID: s.id}, &EmptyReply{})
}

// sessionHandle is a capability to one negotiated app session.
type sessionHandle struct {
	backend *BackendClient
	id      uint64
	epoch   uint64
}

// request performs one fully-buffered request/response exchange.
func (s *sessionHandle) request(req *AppRequest) (*AppResponse, error) {
	var reply AppResponse
	args := &StreamOpenArgs{Session: s.id, Req: *req}
	if err := s.backend.callAt(s.epoch, "Backend.Request", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// openRequestStream starts a streaming upload. The app may reply
// unimplemented, in which case the caller falls back to buffering.
func (s *sessionHandle) openRequestStream(req *AppRequest) (*streamHandle, error) {
	var reply StreamOpenReply
	args := &StreamOpenArgs{Session: s.id, Req: *req}
	if err := s.backend.callAt(s.epoch, "Backend.StreamOpen", args, &reply); err != nil {
		return nil, err
	}
	return &streamHandle{backend: s.backend, id: reply.Stream, epoch: s.epoch}, nil
}

// openWebSocket asks the app to accept a websocket. On success the
// returned conn carries raw bytes both ways; the 101 handshake is only
// sent to the client after this returns.
func (s *sessionHandle) openWebSocket(req *AppRequest, protocols []string) (string, net.Conn, error) {
	var reply WsOpenReply
	args := &WsOpenArgs{Session: s.id, Req: *req, Protocols: protocols}
	if err := s.backend.callAt(s.epoch, "Backend.OpenWebSocket", args, &reply); err != nil {
		return "", nil, err
	}

	conn, err := net.Dial("tcp", reply.StreamAddr)
	if err != nil {
		return "", nil, errTransient("failed to dial websocket stream", err)
	}
	if _, err = conn.Write([]byte(reply.StreamTicket + "\n")); err != nil {
		conn.Close()
		return "", nil, errTransient("failed to redeem websocket stream ticket", err)
	}
	return reply.Protocol, conn, nil
}

func (s *sessionHandle) release() {
	s.backend.callAt(s.epoch, "Backend.ReleaseHandle", &HandleArgs{ID: s.id}, &EmptyReply{})
}

// streamHandle drives one server-side stream: request-body upload and/or
// response-body download.
type streamHandle struct {
	backend *BackendClient
	id      uint64
	epoch   uint64
}

// write relays one chunk of the request body.
func (h *streamHandle) write(data []byte) error {
	return h.backend.callAt(h.epoch, "Backend.StreamWrite",
		&StreamWriteArgs{Stream: h.id, Data: data}, &EmptyReply{})
}

// closeWrite signals end of the request body.
func (h *streamHandle) closeWrite() error {
	return h.backend.callAt(h.epoch, "Backend.StreamCloseWrite", &HandleArgs{ID: h.id}, &EmptyReply{})
}

// awaitResponse blocks until the app has produced response headers. May
// be called concurrently with write: responses can start before the
// request body is fully relayed.
func (h *streamHandle) awaitResponse() (*AppResponse, error) {
	var reply AppResponse
	if err := h.backend.callAt(h.epoch, "Backend.StreamAwaitResponse", &HandleArgs{ID: h.id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// read pulls the next chunk of a streaming response body.
func (h *streamHandle) read() (*StreamChunk, error) {
	var reply StreamChunk
	if err := h.backend.callAt(h.epoch, "Backend.StreamRead", &HandleArgs{ID: h.id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// abort cancels the stream, releasing app-side resources. Called when the
// client connection goes away mid-exchange so the response capability is
// rejected rather than left pending.
func (h *streamHandle) abort() {
	h.backend.callAt(h.epoch, "Backend.StreamAbort", &HandleArgs{ID: h.id}, &EmptyReply{})
}

// relayStreamBody copies a streaming response body to w, flushing as
// chunks arrive.
func relayStreamBody(h *streamHandle, w io.Writer) error {
	flusher, _ := w.(interface{ Flush() })
	for {
		chunk, err := h.read()
		if err != nil {
			return err
		}
		if len(chunk.Data) > 0 {
			if _, err = w.Write(chunk.Data); err != nil {
				h.abort()
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if chunk.EOF {
			return nil
		}
	}
}
