/******************************************************************************
 *
 *  Description :
 *
 *    Error taxonomy for the proxy pipeline. Every failure is classified
 *    into one of a small set of classes which determines the HTTP status
 *    sent to the client and whether the request may be retried.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"net/http"

	"github.com/zarvox/sandstorm/server/logs"
	t "github.com/zarvox/sandstorm/server/store/types"
)

// ErrorClass determines the wire behavior of a failure.
type ErrorClass int

// Failure classes, in rough order of severity.
const (
	// ClassAuthorization: missing/invalid/expired/revoked token or
	// insufficient permission. 401/403, never retried.
	ClassAuthorization ErrorClass = iota
	// ClassNotFound: grain/session/resource is gone. 404/410, never retried.
	ClassNotFound
	// ClassTransient: RPC disconnect or grain restart. Retried once per
	// logical request; 500 if the retry fails too.
	ClassTransient
	// ClassUnimplemented: the app does not support the call. Not an error
	// to the client; triggers a fallback path.
	ClassUnimplemented
	// ClassProtocol: malformed handshake, bad method, bad header. 4xx,
	// never retried.
	ClassProtocol
	// ClassInternal: everything else. 500, never retried.
	ClassInternal
)

// GatewayError carries a failure class plus the HTTP status and message
// shown to the client.
type GatewayError struct {
	Class   ErrorClass
	Status  int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

func errUnauthorized(msg string) error {
	return &GatewayError{Class: ClassAuthorization, Status: http.StatusUnauthorized, Message: msg}
}

func errForbidden(msg string) error {
	return &GatewayError{Class: ClassAuthorization, Status: http.StatusForbidden, Message: msg}
}

func errNotFound(msg string) error {
	return &GatewayError{Class: ClassNotFound, Status: http.StatusNotFound, Message: msg}
}

func errGone(msg string) error {
	return &GatewayError{Class: ClassNotFound, Status: http.StatusGone, Message: msg}
}

func errTransient(msg string, cause error) error {
	return &GatewayError{Class: ClassTransient, Status: http.StatusInternalServerError, Message: msg, Cause: cause}
}

func errUnimplemented(msg string) error {
	return &GatewayError{Class: ClassUnimplemented, Status: http.StatusNotImplemented, Message: msg}
}

func errProtocol(status int, msg string) error {
	return &GatewayError{Class: ClassProtocol, Status: status, Message: msg}
}

func errInternal(msg string, cause error) error {
	return &GatewayError{Class: ClassInternal, Status: http.StatusInternalServerError, Message: msg, Cause: cause}
}

// errorClass extracts the class of err. Store-level and unknown errors
// are mapped here so callers can pass any error through the pipeline.
func errorClass(err error) ErrorClass {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Class
	}
	if errors.Is(err, t.ErrNotFound) {
		return ClassNotFound
	}
	return ClassInternal
}

// isTransient reports whether the request which produced err may be
// retried after a reconnect. Kept separate from isUnimplemented: a grain
// restart and an app lacking a feature are different conditions even
// though both arrive as RPC errors.
func isTransient(err error) bool {
	return errorClass(err) == ClassTransient
}

// isUnimplemented reports whether the app declined the call as
// unsupported, which triggers a fallback rather than a client error.
func isUnimplemented(err error) bool {
	return errorClass(err) == ClassUnimplemented
}

// errToStatus maps any error to the HTTP status to report.
func errToStatus(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Status
	}
	if errors.Is(err, t.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeErrorResponse sends a plain-text error body. Internal detail is
// included only when the expose_error_details config flag is set;
// otherwise it goes to the log alone.
func writeErrorResponse(wrt http.ResponseWriter, err error) {
	status := errToStatus(err)
	msg := "internal error"

	var ge *GatewayError
	if errors.As(err, &ge) {
		msg = ge.Message
		if globals.exposeErrorDetails && ge.Cause != nil {
			msg += ": " + ge.Cause.Error()
		}
	} else if globals.exposeErrorDetails {
		msg = err.Error()
	}

	if status >= http.StatusInternalServerError {
		logs.Err.Println("http: request failed:", err)
	}

	wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")
	wrt.WriteHeader(status)
	wrt.Write([]byte(msg + "\n"))
}
