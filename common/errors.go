package common

import "errors"

// Sentinel errors returned by the frame and element engine. Protocol errors
// reported by the browser are not wrapped; they surface as *cdproto.Error.
var (
	// ErrTimedOut is returned when a waited-for condition, such as an
	// execution context becoming ready, did not materialize in the
	// caller's budget.
	ErrTimedOut = errors.New("timed out")

	// ErrNotFound is returned when a query executed against a ready
	// context and no element matched within the timeout.
	ErrNotFound = errors.New("no element found")

	// ErrFrameNotFound is returned when a frame selector resolves to no
	// live frame.
	ErrFrameNotFound = errors.New("frame not found")

	// ErrStaleElement is returned when an element handle is used after
	// its owning frame navigated or detached.
	ErrStaleElement = errors.New("element is stale")

	// ErrConnectionClosed is returned for every operation that was
	// pending when the browser connection terminated.
	ErrConnectionClosed = errors.New("connection closed")

	ErrTargetCrashed         = errors.New("target crashed")
	ErrChannelClosed         = errors.New("channel closed")
	ErrContextDetached       = errors.New("execution context detached")
	ErrWrongExecutionContext = errors.New("object belongs to a different execution context")
	ErrHandleDisposed        = errors.New("handle is disposed")
)
