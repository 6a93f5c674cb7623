/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"sync/atomic"

	"github.com/openark/golib/log"

	"github.com/NealSCarffery/qemu-colo/go/base"
	"github.com/NealSCarffery/qemu-colo/go/comparator"
	"github.com/NealSCarffery/qemu-colo/go/guest"
)

func init() {
	log.SetLevel(log.ERROR)
}

// newColoContext returns a context already in lockstep, the state the
// checkpointers expect, with pacing floors removed so tests run fast.
func newColoContext(role base.Role) *base.SessionContext {
	migrationContext := base.NewSessionContext()
	migrationContext.SetRole(role)
	migrationContext.TransitionStatus(base.StatusActive, base.StatusColo)
	migrationContext.SetCheckpointMinPeriodMillis(0)
	return migrationContext
}

// countingComparator records calls for assertions; divergence signals
// and failures are injected by tests.
type countingComparator struct {
	initCount       int64
	pollCount       int64
	checkpointCount int64
	failoverCount   int64
	destroyCount    int64
	lastDestroyRole int64

	signals       chan comparator.Signal
	pollErr       error
	checkpointErr error
}

func newCountingComparator() *countingComparator {
	return &countingComparator{
		signals: make(chan comparator.Signal, 16),
	}
}

func (this *countingComparator) Init(role base.Role) error {
	atomic.AddInt64(&this.initCount, 1)
	return nil
}

func (this *countingComparator) Poll() (comparator.Signal, error) {
	atomic.AddInt64(&this.pollCount, 1)
	if this.pollErr != nil {
		return comparator.SignalNone, this.pollErr
	}
	select {
	case signal := <-this.signals:
		return signal, nil
	default:
		return comparator.SignalNone, nil
	}
}

func (this *countingComparator) Checkpoint() error {
	atomic.AddInt64(&this.checkpointCount, 1)
	return this.checkpointErr
}

func (this *countingComparator) Failover() error {
	atomic.AddInt64(&this.failoverCount, 1)
	return nil
}

func (this *countingComparator) Destroy(role base.Role) error {
	atomic.AddInt64(&this.destroyCount, 1)
	atomic.StoreInt64(&this.lastDestroyRole, int64(role))
	return nil
}

// countingGuest is a MemGuest that records pause/resume calls.
type countingGuest struct {
	*guest.MemGuest
	pauseCount  int64
	resumeCount int64
}

func newCountingGuest(imageSize int) *countingGuest {
	return &countingGuest{MemGuest: guest.NewMemGuest(imageSize)}
}

func (this *countingGuest) Pause() error {
	atomic.AddInt64(&this.pauseCount, 1)
	return this.MemGuest.Pause()
}

func (this *countingGuest) Resume() error {
	atomic.AddInt64(&this.resumeCount, 1)
	return this.MemGuest.Resume()
}
