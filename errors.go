package tinyweb

import (
	"strconv"

	"github.com/pkg/errors"
)

// Protocol errors produced while reading a request. The connection handler
// maps each of them to an error response; HTTP/1.0 permits no mid-stream
// recovery, so the connection closes afterwards either way.
var (
	ErrBadRequestLine     = errors.New("tinyweb: malformed request line")
	ErrMethodNotSupported = errors.New("tinyweb: method not supported")
	ErrBadVersion         = errors.New("tinyweb: unsupported HTTP version")
	ErrBadHeader          = errors.New("tinyweb: malformed header line")
	ErrLineTooLong        = errors.New("tinyweb: request line exceeds limit")
	ErrHeaderTooLarge     = errors.New("tinyweb: header line exceeds limit")
	ErrTooManyHeaders     = errors.New("tinyweb: too many header lines")
	ErrBodyTooLarge       = errors.New("tinyweb: request body exceeds route limit")
	ErrBodyTruncated      = errors.New("tinyweb: connection closed before body complete")
)

// Registration and runtime errors.
var (
	ErrRouteConflict   = errors.New("tinyweb: overlapping route registration")
	ErrBadPattern      = errors.New("tinyweb: malformed route pattern")
	ErrNoMethods       = errors.New("tinyweb: route registered with empty method set")
	ErrNotResource     = errors.New("tinyweb: value implements no resource verb")
	ErrResponseStarted = errors.New("tinyweb: response headers already sent")
	ErrBacklogTooSmall = errors.New("tinyweb: backlog must exceed concurrency limit")
	ErrServerStopped   = errors.New("tinyweb: server is shut down")
	ErrFileNotFound    = errors.New("tinyweb: file not found or can't open")
	ErrHandlerPanic    = errors.New("tinyweb: handler panicked")
)

// Status codes emitted by the engine. Handlers may use any code; these are
// the ones the built-in error paths reach for.
const (
	StatusOK                  = 200
	StatusFound               = 302
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusPayloadTooLarge     = 413
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
)

var statusReasons = map[int]string{
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	413: "Payload Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

// StatusReason returns the reason phrase for code, falling back to the bare
// numeric string for codes outside the table.
func StatusReason(code int) string {
	if r, ok := statusReasons[code]; ok {
		return r
	}
	return strconv.Itoa(code)
}
