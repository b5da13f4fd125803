// Package metering writes one usage record per intercepted call and runs the
// follow-up work (automatic tagging, budget evaluation) that hangs off it.
package metering

import "errors"

var (
	// ErrStorageUnavailable is returned by Record when the store rejects
	// the write.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidTagPattern marks a tag whose pattern does not compile. It is
	// logged and the tag skipped.
	ErrInvalidTagPattern = errors.New("invalid tag pattern")

	// ErrClassificationFailed wraps store failures during classification.
	ErrClassificationFailed = errors.New("classification failed")

	// ErrQueueFull is returned when a follow-up job cannot be queued.
	ErrQueueFull = errors.New("follow-up queue is full")

	// ErrDispatcherClosed is returned when dispatching after shutdown.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)
