package panel

import "errors"

// Failure categories. Every error returned by this package wraps exactly one
// of them, so callers branch with errors.Is.
var (
	// ErrTransport covers timeouts, refused connections, DNS failures and
	// unexpected HTTP error statuses.
	ErrTransport = errors.New("panel unreachable")
	// ErrAuth means the panel rejected the credentials or the session.
	ErrAuth = errors.New("panel authentication failed")
	// ErrNotFound means a remote resource the caller expected is absent.
	ErrNotFound = errors.New("not found on panel")
	// ErrResourceExhausted means the configured port range has no free port.
	ErrResourceExhausted = errors.New("no free port in range")
	// ErrMalformedResponse means the panel answered with an unparseable body.
	ErrMalformedResponse = errors.New("malformed panel response")
	// ErrRejected means the panel understood the request and refused it
	// (success=false in the envelope).
	ErrRejected = errors.New("panel rejected the request")
)
