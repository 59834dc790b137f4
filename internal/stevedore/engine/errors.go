package engine

import "errors"

// Sentinel errors forming the gateway's error taxonomy. Gateway
// implementations wrap these so callers can classify failures with errors.Is
// without knowing which engine client produced them.
var (
	// ErrNotFound indicates the named unit does not exist.
	ErrNotFound = errors.New("unit not found")

	// ErrUnavailable indicates the engine control channel is unreachable.
	// This is a transient condition; callers may retry.
	ErrUnavailable = errors.New("container engine unavailable")
)
