/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package guest

import (
	"io"
)

// CaptureOptions control how machine state is captured. Block device
// state travels over its own replication path, so checkpoint captures
// disable block and shared-storage transfer.
type CaptureOptions struct {
	IncludeBlockState  bool
	IncludeSharedState bool
}

// Controller starts and stops guest execution. Callers hold the
// session's guest lock around these operations.
type Controller interface {
	// Pause stops guest execution and quiesces device emulation.
	// Pausing a stopped guest is a no-op.
	Pause() error
	// Resume restarts guest execution.
	Resume() error
	// IsStopped reports whether the guest is currently stopped.
	IsStopped() bool
	// Reset force-resets the machine without guest-visible output,
	// dropping stale device state before a checkpoint is applied.
	Reset() error
}

// StateCapturer serializes the complete machine state of a stopped
// guest.
type StateCapturer interface {
	CaptureState(w io.Writer, options CaptureOptions) error
}

// StateApplier loads a serialized machine state into a stopped guest.
type StateApplier interface {
	ApplyState(r io.Reader) error
}

// RAMCache manages the secondary-side staging area for incoming RAM
// state. It must exist before any checkpoint is applied and is
// released when the session ends.
type RAMCache interface {
	CreateRAMCache() error
	ReleaseRAMCache()
}

// ShutdownRequester asks the hosting process to begin an orderly
// shutdown, mirroring a shutdown the guest initiated itself.
type ShutdownRequester interface {
	RequestShutdown()
}

// Guest is the full collaborator surface a replication session needs.
type Guest interface {
	Controller
	StateCapturer
	StateApplier
	RAMCache
	ShutdownRequester
}
