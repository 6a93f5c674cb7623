/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package comparator

import (
	"github.com/NealSCarffery/qemu-colo/go/base"
)

// Signal is the comparator's verdict on one poll.
type Signal int

const (
	// SignalNone: outputs still agree, no checkpoint needed.
	SignalNone Signal = iota
	// SignalCheckpoint: divergence observed, checkpoint now.
	SignalCheckpoint
)

func (this Signal) String() string {
	if this == SignalCheckpoint {
		return "checkpoint"
	}
	return "none"
}

// Comparator watches the primary and secondary guests' network output
// and decides when divergence requires a checkpoint. The packet
// matching itself happens outside this process; implementations bridge
// to it.
type Comparator interface {
	// Init prepares the comparison plane for the given role. Called
	// once, before the first checkpoint.
	Init(role base.Role) error
	// Poll reports whether divergence was observed since the last
	// checkpoint. Only the primary polls. An error is session-fatal.
	Poll() (Signal, error)
	// Checkpoint notifies that a checkpoint just completed, letting
	// the comparison plane release queued packets.
	Checkpoint() error
	// Failover switches the comparison plane out of lockstep on a
	// secondary takeover.
	Failover() error
	// Destroy tears the comparison plane down for the given role.
	Destroy(role base.Role) error
}
