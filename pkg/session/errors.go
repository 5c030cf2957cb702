package session

import "errors"

// Error kinds returned by Session operations, matching the error taxonomy in
// the façade specification. Use errors.Is against these sentinels.
var (
	ErrLoadFailed       = errors.New("session: load failed")
	ErrEvalFailed        = errors.New("session: evaluation failed")
	ErrSnapshotMismatch  = errors.New("session: snapshot does not match this session")
	ErrContextMismatch   = errors.New("session: deserialized context size differs from this session")
	ErrSerializationIO   = errors.New("session: serialization I/O failure")
	ErrInvalidArgument   = errors.New("session: invalid argument")
)

// IsLoadFailed reports whether err is, or wraps, ErrLoadFailed.
func IsLoadFailed(err error) bool { return errors.Is(err, ErrLoadFailed) }

// IsEvalFailed reports whether err is, or wraps, ErrEvalFailed.
func IsEvalFailed(err error) bool { return errors.Is(err, ErrEvalFailed) }

// IsSnapshotMismatch reports whether err is, or wraps, ErrSnapshotMismatch.
func IsSnapshotMismatch(err error) bool { return errors.Is(err, ErrSnapshotMismatch) }

// IsContextMismatch reports whether err is, or wraps, ErrContextMismatch.
func IsContextMismatch(err error) bool { return errors.Is(err, ErrContextMismatch) }

// IsSerializationIO reports whether err is, or wraps, ErrSerializationIO.
func IsSerializationIO(err error) bool { return errors.Is(err, ErrSerializationIO) }

// IsInvalidArgument reports whether err is, or wraps, ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }
