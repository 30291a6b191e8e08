package content

import (
	"errors"
	"fmt"
)

// errNoMatch steers the dispatcher ladder: the branch had nothing at the
// relative path and the next branch (or the final 404) should run.
var errNoMatch = errors.New("no content matched")

// errAborted marks a request whose connection was already torn down
// mid-stream. The central error writer must not touch the response.
var errAborted = errors.New("connection aborted")

// PathError is a 404: the path resolved to no distribution, checkpoint, or
// content.
type PathError struct {
	Reason string
}

func (e *PathError) Error() string { return e.Reason }

func pathNotResolved(format string, args ...interface{}) error {
	return &PathError{Reason: fmt.Sprintf(format, args...)}
}

// RangeError is a 416: the Range header was malformed or out of bounds.
// Size, when known, feeds the Content-Range: bytes */<size> header.
type RangeError struct {
	Size *int64
}

func (e *RangeError) Error() string { return "requested range not satisfiable" }

// UpstreamError surfaces a pull-through upstream failure to the client with
// the upstream's own status code (502 for transport failures).
type UpstreamError struct {
	Status int
	URL    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed with status %d", e.URL, e.Status)
}
