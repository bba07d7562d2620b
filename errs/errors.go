// Package errs defines the sentinel error values shared across gaze packages.
//
// Transient conditions such as data not being resident yet are NOT errors in
// gaze; they are ordinary partial results carried in return values. The
// sentinels below cover the genuine failure modes: invalid edits, sticky I/O
// failures, budget starvation, and internal invariant violations.
package errs

import "errors"

var (
	// ErrInvalidEdit indicates an edit that crosses a character boundary in a
	// disallowed way. The edit is rejected before any mutation takes place.
	ErrInvalidEdit = errors.New("edit crosses a character boundary")

	// ErrInvalidOffset indicates an offset or range outside the buffer.
	ErrInvalidOffset = errors.New("offset out of range")

	// ErrReadFailed indicates a sticky I/O failure. The affected file region
	// becomes permanently unavailable and the buffer records the error.
	ErrReadFailed = errors.New("backing file read failed")

	// ErrBudgetExceeded indicates the loader cannot make progress under the
	// current memory budget.
	ErrBudgetExceeded = errors.New("memory budget exceeded")

	// ErrCorruption indicates an internal invariant violation. This is fatal;
	// the buffer is quarantined and rejects further operations.
	ErrCorruption = errors.New("internal invariant violated")

	// ErrBufferClosed indicates an operation on a closed buffer.
	ErrBufferClosed = errors.New("buffer is closed")

	// ErrQuarantined indicates an operation on a buffer that was quarantined
	// after corruption was detected.
	ErrQuarantined = errors.New("buffer is quarantined")

	// ErrStateVersion indicates a persisted state blob with an unknown
	// version. Persisted state is not byte-stable across releases.
	ErrStateVersion = errors.New("unknown persisted state version")

	// ErrStateChecksum indicates a persisted state blob whose checksum does
	// not match its payload.
	ErrStateChecksum = errors.New("persisted state checksum mismatch")

	// ErrStateTruncated indicates a persisted state blob that is too short to
	// hold a header, does not start with the state magic, or ends before its
	// declared payload does.
	ErrStateTruncated = errors.New("persisted state truncated")

	// ErrUnknownCompression indicates an unsupported compression type.
	ErrUnknownCompression = errors.New("unknown compression type")
)
