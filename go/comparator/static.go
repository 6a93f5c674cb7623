/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package comparator

import (
	"sync/atomic"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

// Static is a fixed-behavior comparator for the demo binary and for
// environments with no comparison plane: it never reports divergence
// when checkpointEveryPolls is zero, otherwise it reports divergence
// on every Nth poll.
type Static struct {
	checkpointEveryPolls int64
	polls                int64
}

func NewStatic(checkpointEveryPolls int64) *Static {
	return &Static{checkpointEveryPolls: checkpointEveryPolls}
}

func (this *Static) Init(role base.Role) error {
	return nil
}

func (this *Static) Poll() (Signal, error) {
	if this.checkpointEveryPolls <= 0 {
		return SignalNone, nil
	}
	if atomic.AddInt64(&this.polls, 1)%this.checkpointEveryPolls == 0 {
		return SignalCheckpoint, nil
	}
	return SignalNone, nil
}

func (this *Static) Checkpoint() error {
	return nil
}

func (this *Static) Failover() error {
	return nil
}

func (this *Static) Destroy(role base.Role) error {
	return nil
}
