// Package engine defines the container-engine gateway abstraction: the
// capability set the bot needs from a container runtime (list, lifecycle,
// logs, inspect) without awareness of the underlying wire protocol.
package engine

import (
	"context"
	"time"
)

// Engine is the gateway contract. Implementations translate each call into
// exactly one operation against the container runtime's control channel.
// Units are addressed by name; the bot holds no durable reference to them.
type Engine interface {
	// Ping checks that the control channel is reachable.
	Ping(ctx context.Context) error

	// List enumerates all managed units, running or stopped.
	List(ctx context.Context) ([]UnitSummary, error)

	// Inspect returns structured metadata for one unit.
	Inspect(ctx context.Context, name string) (UnitDetail, error)

	// Start starts a stopped unit. Starting an already-running unit is a
	// no-op at the engine level.
	Start(ctx context.Context, name string) error

	// Stop gracefully stops a running unit, escalating to a kill after the
	// configured grace period. Stopping a stopped unit is a no-op.
	Stop(ctx context.Context, name string) error

	// Restart stops and starts a unit.
	Restart(ctx context.Context, name string) error

	// Remove stops and deletes a unit entirely.
	Remove(ctx context.Context, name string) error

	// Logs returns the most recent tail lines of a unit's output as text.
	// Not a live stream; the fetch is bounded by the gateway's logs timeout.
	Logs(ctx context.Context, name string, tail int) (string, error)
}

// UnitState mirrors the container states reported by the engine.
type UnitState string

const (
	StateRunning    UnitState = "running"
	StateExited     UnitState = "exited"
	StateCreated    UnitState = "created"
	StatePaused     UnitState = "paused"
	StateRestarting UnitState = "restarting"
	StateRemoving   UnitState = "removing"
	StateDead       UnitState = "dead"
	StateUnknown    UnitState = "unknown"
)

// UnitSummary is one row of a List result.
type UnitSummary struct {
	// Name is the unit's primary name with any leading slash stripped.
	Name string
	// ID is the engine-assigned container ID.
	ID string
	// Image is the image reference the unit was created from.
	Image string
	// State is the parsed lifecycle state.
	State UnitState
	// Status is the engine's human-readable status line (e.g. "Up 2 hours").
	Status string
}

// UnitDetail holds the structured metadata returned by Inspect.
type UnitDetail struct {
	Name         string
	ID           string
	Image        string
	State        UnitState
	Running      bool
	ExitCode     int
	StartedAt    time.Time
	FinishedAt   time.Time
	CreatedAt    time.Time
	RestartCount int
	// IPAddresses maps network name to the unit's address on that network.
	IPAddresses map[string]string
}
