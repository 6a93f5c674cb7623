/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"sync"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

type deferredWork struct {
	name string
	fn   func()
}

// MainLoop is the session's deferred-execution context: a single
// goroutine running scheduled work items one at a time. Failover
// takeover and session start run here, never on the call stack that
// requested them, so a requester's locks are always released before
// the work begins.
type MainLoop struct {
	migrationContext *base.SessionContext

	workQueue chan deferredWork
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func NewMainLoop(migrationContext *base.SessionContext) *MainLoop {
	return &MainLoop{
		migrationContext: migrationContext,
		workQueue:        make(chan deferredWork, 16),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

func (this *MainLoop) Start() {
	go this.run()
}

func (this *MainLoop) run() {
	defer close(this.done)
	for {
		select {
		case work := <-this.workQueue:
			this.migrationContext.Log.Debugf("main loop: running %s", work.name)
			work.fn()
		case <-this.stop:
			return
		}
	}
}

// Schedule queues fn for execution on the loop goroutine. It never
// runs fn inline. Work scheduled on a stopped loop is dropped.
func (this *MainLoop) Schedule(name string, fn func()) {
	select {
	case this.workQueue <- deferredWork{name: name, fn: fn}:
	case <-this.stop:
		this.migrationContext.Log.Warningf("main loop stopped; dropping %s", name)
	}
}

// Stop ends the loop after the work item in flight, if any, and blocks
// until the loop goroutine has exited. Queued, unstarted items are
// dropped. Must not be called from a scheduled work item.
func (this *MainLoop) Stop() {
	this.stopOnce.Do(func() {
		close(this.stop)
	})
	<-this.done
}
