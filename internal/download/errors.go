package download

import (
	"errors"
	"fmt"
)

// ErrUnsupportedDigests means the remote artifact carries expected digests
// but none of them use an algorithm this downloader can compute. The mirror
// ladder treats it as a pre-stream failure and moves on.
var ErrUnsupportedDigests = errors.New("no supported digest algorithm to validate against")

// ConnectionError wraps a transport failure that happened before any response
// arrived. Always safe to retry against another mirror.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatusError is an upstream response with a 4xx/5xx status. It is raised
// before any byte reaches the client, so mirror fallback may continue.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s answered %d", e.URL, e.Status)
}

// DigestValidationError means the downloaded bytes hash to something other
// than the expected digest. By the time it is known the body has already been
// (partly) forwarded, so the caller must abort the client connection instead
// of retrying.
type DigestValidationError struct {
	URL       string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *DigestValidationError) Error() string {
	return fmt.Sprintf("%s digest mismatch for %s: expected %s, got %s; the response body was already streamed and cannot be retried",
		e.Algorithm, e.URL, e.Expected, e.Actual)
}

// SizeValidationError means the downloaded byte count does not match the
// expected size. Same no-retry semantics as a digest mismatch.
type SizeValidationError struct {
	URL      string
	Expected int64
	Actual   int64
}

func (e *SizeValidationError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d; the response body was already streamed and cannot be retried",
		e.URL, e.Expected, e.Actual)
}

// IsPreStream reports whether the error happened before the first body byte
// was forwarded, meaning another mirror may still serve the request.
func IsPreStream(err error) bool {
	var connErr *ConnectionError
	var statusErr *StatusError
	return errors.As(err, &connErr) ||
		errors.As(err, &statusErr) ||
		errors.Is(err, ErrUnsupportedDigests)
}

// IsValidationFailure reports whether the downloaded bytes failed digest or
// size validation.
func IsValidationFailure(err error) bool {
	var digestErr *DigestValidationError
	var sizeErr *SizeValidationError
	return errors.As(err, &digestErr) || errors.As(err, &sizeErr)
}
