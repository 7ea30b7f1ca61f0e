package drm

import "errors"

// Sentinel errors for commit operations.
// Check them with errors.Is; the wrapped cause follows the sentinel.
var (
	// ErrResourceExhausted indicates the property transaction could not be allocated
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidRequest indicates a property failed to apply: malformed mode or
	// color data, or a plane state conflict
	ErrInvalidRequest = errors.New("invalid commit request")

	// ErrCommitRejected indicates the kernel refused the transaction
	ErrCommitRejected = errors.New("commit rejected by kernel")

	// ErrFenceWaitDegraded indicates a fence wait timed out or errored
	ErrFenceWaitDegraded = errors.New("fence wait degraded")

	// ErrEngineClosed indicates a commit after the engine shut down
	ErrEngineClosed = errors.New("commit engine is closed")

	// ErrNoDevices indicates the device path pattern matched no DRM node
	ErrNoDevices = errors.New("no DRM devices found")

	// ErrPipelineExists indicates a pipeline name is already registered
	ErrPipelineExists = errors.New("pipeline already exists")
)

// failureReason maps an engine error onto a short metric label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrCommitRejected):
		return "commit_rejected"
	case errors.Is(err, ErrFenceWaitDegraded):
		return "fence_wait_degraded"
	case errors.Is(err, ErrEngineClosed):
		return "engine_closed"
	default:
		return "unknown"
	}
}
