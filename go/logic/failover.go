/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/NealSCarffery/qemu-colo/go/base"
	"github.com/NealSCarffery/qemu-colo/go/comparator"
	"github.com/NealSCarffery/qemu-colo/go/guest"
)

// Handoff is the message a completed secondary takeover delivers to
// the task that owns normal, non-lockstep incoming processing. The
// receiver reconstructs its context from the message; it does not
// resume a suspended call stack.
type Handoff struct {
	Role               base.Role
	Reason             string
	CheckpointsApplied int64
}

// FailoverController funnels every fault into one takeover code path.
// Heartbeat loss, protocol failure and the operator's trigger-failover
// command all call Request; only the first request per session wins.
// The takeover itself runs deferred on the session main loop, so it
// never executes on the call stack that detected the fault.
type FailoverController struct {
	migrationContext *base.SessionContext
	mainLoop         *MainLoop
	guest            guest.Guest
	comparator       comparator.Comparator
	hooksExecutor    *HooksExecutor

	requestedFlag int64

	mu            sync.Mutex
	reason        string
	requestedCh   chan struct{}
	completedCh   chan struct{}
	controlCloser io.Closer
	handoffCh     chan Handoff
}

func NewFailoverController(migrationContext *base.SessionContext, mainLoop *MainLoop, g guest.Guest, comp comparator.Comparator, hooksExecutor *HooksExecutor) *FailoverController {
	return &FailoverController{
		migrationContext: migrationContext,
		mainLoop:         mainLoop,
		guest:            g,
		comparator:       comp,
		hooksExecutor:    hooksExecutor,
		requestedCh:      make(chan struct{}),
		completedCh:      make(chan struct{}),
		handoffCh:        make(chan Handoff, 1),
	}
}

// SetControlCloser hands the controller something that unblocks the
// role task: closing the control connection aborts any channel read
// the task is parked in, letting it observe the failover and exit.
func (this *FailoverController) SetControlCloser(closer io.Closer) {
	this.mu.Lock()
	defer this.mu.Unlock()
	this.controlCloser = closer
}

// HandoffCh delivers at most one Handoff per session, sent when a
// secondary takeover completes.
func (this *FailoverController) HandoffCh() <-chan Handoff {
	return this.handoffCh
}

// Request asks for failover. The first request per session records the
// reason and schedules the takeover; later requests are no-ops. It
// returns immediately, safe to call from any goroutine.
func (this *FailoverController) Request(reason string) {
	if !atomic.CompareAndSwapInt64(&this.requestedFlag, 0, 1) {
		return
	}
	this.mu.Lock()
	this.reason = reason
	close(this.requestedCh)
	this.mu.Unlock()

	this.migrationContext.Log.Errorf("failover requested: %s", reason)
	this.mainLoop.Schedule("failover takeover", this.executeTakeover)
}

func (this *FailoverController) IsRequested() bool {
	return atomic.LoadInt64(&this.requestedFlag) > 0
}

// RequestedCh is closed once failover has been requested. It is
// replaced by Clear.
func (this *FailoverController) RequestedCh() <-chan struct{} {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.requestedCh
}

// Reason returns the winning request's reason.
func (this *FailoverController) Reason() string {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.reason
}

// WaitForCompletion blocks until the scheduled takeover has fully
// finished. The checkpointer that detected a fault waits on this
// before tearing down the buffer and channel the takeover may still
// reach.
func (this *FailoverController) WaitForCompletion() {
	this.mu.Lock()
	completedCh := this.completedCh
	this.mu.Unlock()
	<-completedCh
}

// Clear re-arms the controller for a subsequent session. Only call
// after WaitForCompletion.
func (this *FailoverController) Clear() {
	this.mu.Lock()
	defer this.mu.Unlock()
	this.requestedCh = make(chan struct{})
	this.completedCh = make(chan struct{})
	atomic.StoreInt64(&this.requestedFlag, 0)
}

func (this *FailoverController) executeTakeover() {
	this.mu.Lock()
	reason := this.reason
	completedCh := this.completedCh
	closer := this.controlCloser
	this.mu.Unlock()
	defer close(completedCh)

	role := this.migrationContext.GetRole()
	this.migrationContext.Log.Infof("failover: taking over as %s", role)
	if this.hooksExecutor != nil {
		if err := this.hooksExecutor.onFailover(reason); err != nil {
			this.migrationContext.Log.Errore(err)
		}
	}

	switch role {
	case base.RolePrimary:
		this.primaryTakeover()
	case base.RoleSecondary:
		this.secondaryTakeover(reason)
	}

	if closer != nil {
		// Unblocks a role task parked in a channel read.
		closer.Close()
	}
	this.migrationContext.Log.Infof("failover: takeover complete")
}

// primaryTakeover ends replication and leaves the primary guest
// running standalone.
func (this *FailoverController) primaryTakeover() {
	this.migrationContext.LockGuest()
	if !this.guest.IsStopped() {
		if err := this.guest.Pause(); err != nil {
			this.migrationContext.Log.Errore(err)
		}
	}
	this.migrationContext.UnlockGuest()

	if err := this.comparator.Destroy(base.RolePrimary); err != nil {
		this.migrationContext.Log.Errore(err)
	}

	if this.migrationContext.GetStatus() != base.StatusFailed {
		this.migrationContext.TransitionStatus(base.StatusColo, base.StatusCompleted)
	}

	this.migrationContext.LockGuest()
	if err := this.guest.Resume(); err != nil {
		this.migrationContext.Log.Errore(err)
	}
	this.migrationContext.UnlockGuest()
}

// secondaryTakeover promotes the standby: it continues from the last
// applied checkpoint. An in-flight state apply always finishes first;
// interrupting one would promote a torn state.
func (this *FailoverController) secondaryTakeover(reason string) {
	this.migrationContext.WaitStateLoadingDone()

	if err := this.comparator.Failover(); err != nil {
		this.migrationContext.Log.Errore(err)
	}
	if err := this.comparator.Destroy(base.RoleSecondary); err != nil {
		this.migrationContext.Log.Errore(err)
	}

	if this.migrationContext.GetStatus() != base.StatusFailed {
		this.migrationContext.TransitionStatus(base.StatusColo, base.StatusCompleted)
	}

	this.migrationContext.LockGuest()
	if this.guest.IsStopped() {
		if err := this.guest.Resume(); err != nil {
			this.migrationContext.Log.Errore(err)
		}
	}
	this.migrationContext.UnlockGuest()

	handoff := Handoff{
		Role:               base.RoleSecondary,
		Reason:             reason,
		CheckpointsApplied: this.migrationContext.GetTotalCheckpoints(),
	}
	select {
	case this.handoffCh <- handoff:
	default:
	}
}
