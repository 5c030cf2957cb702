package pool

import "errors"

// ErrNotFound is returned when a session id has no resident slot and no
// persisted slot file on disk, matching the façade's NotFound error kind.
var ErrNotFound = errors.New("pool: session not found")

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
