// Package rperrors implements the error taxonomy of spec.md §7: codec-level
// error kinds, stream reset reasons, and response flags, plus the
// serializable HandlerError used when a local reply is synthesized from an
// error. Grounded on modules/caddyhttp/errors.go's HandlerError (Error/ID/
// Trace/StatusCode, errors.As-based merging, weak-random id generation).
package rperrors

import (
	"errors"
	"fmt"
	weakrand "math/rand"
	"path"
	"runtime"
	"strings"
)

// CodecErrorKind distinguishes the three codec-level error kinds of
// spec.md §7 (1-3).
type CodecErrorKind int

const (
	_ CodecErrorKind = iota
	CodecProtocolError
	CodecClientError
	PrematureResponseError
)

func (k CodecErrorKind) String() string {
	switch k {
	case CodecProtocolError:
		return "CodecProtocolError"
	case CodecClientError:
		return "CodecClientError"
	case PrematureResponseError:
		return "PrematureResponseError"
	default:
		return "UnknownCodecError"
	}
}

// CodecError pairs a CodecErrorKind with the detail string the spec requires
// codec validation failures to carry (e.g. "body-disallowed",
// "chunked-content-length").
type CodecError struct {
	Kind    CodecErrorKind
	Detail  string
	Code    int // HTTP status the detail maps to, when applicable (server side)
	wrapped error
}

func NewCodecError(kind CodecErrorKind, detail string, code int) *CodecError {
	return &CodecError{Kind: kind, Detail: detail, Code: code}
}

func (e *CodecError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Kind, e.Detail, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *CodecError) Unwrap() error { return e.wrapped }

// StreamResetReason enumerates spec.md §7.4.
type StreamResetReason int

const (
	_ StreamResetReason = iota
	LocalReset
	RemoteReset
	LocalRefusedStreamReset
	RemoteRefusedStreamReset
	LocalConnectionFailure
	RemoteConnectionFailure
	ConnectionTimeout
	ConnectionTermination
	ProtocolError
	ConnectError
	Overflow
	Http1PrematureUpstreamHalfClose
	OverloadManager
)

func (r StreamResetReason) String() string {
	names := map[StreamResetReason]string{
		LocalReset:                      "LocalReset",
		RemoteReset:                     "RemoteReset",
		LocalRefusedStreamReset:         "LocalRefusedStreamReset",
		RemoteRefusedStreamReset:        "RemoteRefusedStreamReset",
		LocalConnectionFailure:          "LocalConnectionFailure",
		RemoteConnectionFailure:         "RemoteConnectionFailure",
		ConnectionTimeout:               "ConnectionTimeout",
		ConnectionTermination:           "ConnectionTermination",
		ProtocolError:                   "ProtocolError",
		ConnectError:                    "ConnectError",
		Overflow:                        "Overflow",
		Http1PrematureUpstreamHalfClose: "Http1PrematureUpstreamHalfClose",
		OverloadManager:                 "OverloadManager",
	}
	if s, ok := names[r]; ok {
		return s
	}
	return "UnknownResetReason"
}

// ResponseStatus maps a StreamResetReason to the HTTP status the router
// assigns a downstream response, per spec.md §7's mapping table:
// "ProtocolError -> 502; all others -> 503".
func (r StreamResetReason) ResponseStatus() int {
	if r == ProtocolError {
		return 502
	}
	return 503
}

// ResponseFlag enumerates spec.md §7.5, informative flags stashed on stream
// info for logging/metrics, independent of the HTTP status chosen.
type ResponseFlag int

const (
	_ ResponseFlag = iota
	NoRouteFound
	NoClusterFound
	UpstreamConnectionFailure
	UpstreamConnectionTermination
	UpstreamRemoteReset
	UpstreamOverflow
	UpstreamProtocolError
	FlagLocalReset
	FlagOverloadManager
)

// FlagForResetReason maps a reset reason to the response flag recorded on
// stream info, per spec.md §4.5's reset handling ("map reason->response-flag").
func FlagForResetReason(r StreamResetReason) ResponseFlag {
	switch r {
	case ProtocolError:
		return UpstreamProtocolError
	case Overflow:
		return UpstreamOverflow
	case RemoteReset, RemoteRefusedStreamReset:
		return UpstreamRemoteReset
	case ConnectionTermination:
		return UpstreamConnectionTermination
	case LocalConnectionFailure, RemoteConnectionFailure, ConnectionTimeout, ConnectError:
		return UpstreamConnectionFailure
	case OverloadManager:
		return FlagOverloadManager
	default:
		return FlagLocalReset
	}
}

// HandlerError is a serializable representation of an error surfaced from a
// filter or the router, for use when synthesizing a local reply. Grounded on
// modules/caddyhttp/errors.go's HandlerError.
type HandlerError struct {
	Err        error
	StatusCode int
	Details    string // spec.md's "details" string (e.g. "route_not_found")

	ID    string
	Trace string
}

func (e HandlerError) Error() string {
	var s string
	if e.ID != "" {
		s += fmt.Sprintf("{id=%s}", e.ID)
	}
	if e.Trace != "" {
		s += " " + e.Trace
	}
	if e.StatusCode != 0 {
		s += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Details != "" {
		s += " (" + e.Details + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return strings.TrimSpace(s)
}

func (e HandlerError) Unwrap() error { return e.Err }

// Wrap is the HandlerError equivalent of modules/caddyhttp/errors.go's
// Error(): populates essential fields that aren't already set, merging into
// an existing HandlerError found via errors.As rather than double-wrapping.
func Wrap(statusCode int, details string, err error) HandlerError {
	const idLen = 9
	var he HandlerError
	if errors.As(err, &he) {
		if he.ID == "" {
			he.ID = randString(idLen)
		}
		if he.Trace == "" {
			he.Trace = trace()
		}
		if he.StatusCode == 0 {
			he.StatusCode = statusCode
		}
		if he.Details == "" {
			he.Details = details
		}
		return he
	}
	return HandlerError{
		ID:         randString(idLen),
		StatusCode: statusCode,
		Details:    details,
		Err:        err,
		Trace:      trace(),
	}
}

func randString(n int) string {
	if n <= 0 {
		return ""
	}
	const dict = "abcdefghijkmnpqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		//nolint:gosec
		b[i] = dict[weakrand.Int63()%int64(len(dict))]
	}
	return string(b)
}

func trace() string {
	if pc, file, line, ok := runtime.Caller(2); ok {
		filename := path.Base(file)
		pkgAndFuncName := path.Base(runtime.FuncForPC(pc).Name())
		return fmt.Sprintf("%s (%s:%d)", pkgAndFuncName, filename, line)
	}
	return ""
}
