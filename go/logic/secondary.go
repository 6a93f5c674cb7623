/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/NealSCarffery/qemu-colo/go/base"
	"github.com/NealSCarffery/qemu-colo/go/comparator"
	"github.com/NealSCarffery/qemu-colo/go/guest"
	"github.com/NealSCarffery/qemu-colo/go/protocol"
)

// stateDumpKeep bounds how many archived checkpoints the dump
// directory retains.
const stateDumpKeep = 3

// SecondaryAbortError means the secondary hit a session failure and no
// failover request arrived within the grace window. The hosting
// process must exit: a standby with no primary driving checkpoints
// would serve stale state forever.
type SecondaryAbortError struct {
	Cause error
}

func (this *SecondaryAbortError) Error() string {
	return fmt.Sprintf("secondary abort: no failover requested within grace window after: %v", this.Cause)
}

func (this *SecondaryAbortError) Unwrap() error {
	return this.Cause
}

// SecondaryProcessor receives checkpoints on the secondary side,
// stages them in the replication buffer and applies them to the
// standby guest.
type SecondaryProcessor struct {
	migrationContext *base.SessionContext
	conversation     *protocol.Conversation
	buffer           *protocol.ReplicationBuffer
	guest            guest.Guest
	comparator       comparator.Comparator
	failover         *FailoverController

	hooksExecutor *HooksExecutor
	history       *CheckpointHistory
	dumpFs        afero.Fs
}

func NewSecondaryProcessor(migrationContext *base.SessionContext, conversation *protocol.Conversation, buffer *protocol.ReplicationBuffer, g guest.Guest, comp comparator.Comparator, failover *FailoverController) *SecondaryProcessor {
	return &SecondaryProcessor{
		migrationContext: migrationContext,
		conversation:     conversation,
		buffer:           buffer,
		guest:            g,
		comparator:       comp,
		failover:         failover,
		history:          NewCheckpointHistory(),
		dumpFs:           afero.NewOsFs(),
	}
}

// Run owns the secondary side: announce readiness, then serve
// checkpoint transactions until shutdown, failover or failure.
func (this *SecondaryProcessor) Run() error {
	defer this.guest.ReleaseRAMCache()

	if err := this.initiate(); err != nil {
		return this.abort(err)
	}

	for {
		code, err := this.conversation.Recv()
		if err != nil {
			return this.abort(err)
		}
		switch code {
		case protocol.CheckpointNew:
			if err := this.processCheckpoint(); err != nil {
				return this.abort(err)
			}
		case protocol.GuestShutdown:
			this.migrationContext.TransitionStatus(base.StatusColo, base.StatusCompleted)
			this.migrationContext.Log.Infof("secondary: guest shutdown propagated by primary; shutting down")
			if this.hooksExecutor != nil {
				if err := this.hooksExecutor.onGuestShutdown(); err != nil {
					this.migrationContext.Log.Errore(err)
				}
			}
			this.guest.RequestShutdown()
			return nil
		}
	}
}

// initiate prepares the standby: comparator role, RAM cache, readiness
// announcement, then the guest runs until the first checkpoint
// arrives.
func (this *SecondaryProcessor) initiate() error {
	if err := this.comparator.Init(base.RoleSecondary); err != nil {
		return err
	}
	if err := this.guest.CreateRAMCache(); err != nil {
		return err
	}
	if err := this.conversation.Send(protocol.Ready); err != nil {
		return err
	}
	this.migrationContext.Log.Infof("secondary: ready announced; entering lockstep")
	if this.hooksExecutor != nil {
		if err := this.hooksExecutor.onReady(); err != nil {
			this.migrationContext.Log.Errore(err)
		}
	}

	this.migrationContext.LockGuest()
	err := this.guest.Resume()
	this.migrationContext.UnlockGuest()
	return err
}

// processCheckpoint runs the secondary's half of one checkpoint
// transaction: pause, acknowledge, buffer the incoming state in full,
// apply it, confirm, resume.
func (this *SecondaryProcessor) processCheckpoint() error {
	startedAt := time.Now()

	if this.failover.IsRequested() {
		return fmt.Errorf("failover requested; abandoning checkpoint")
	}
	this.migrationContext.LockGuest()
	err := this.guest.Pause()
	this.migrationContext.UnlockGuest()
	if err != nil {
		return err
	}

	if err := this.conversation.Send(protocol.CheckpointSuspended); err != nil {
		return err
	}
	if err := this.comparator.Checkpoint(); err != nil {
		return err
	}

	if _, err := this.conversation.Recv(); err != nil { // checkpoint-send
		return err
	}
	if err := this.buffer.Reset(); err != nil {
		return err
	}
	stateBytes, err := this.conversation.Channel().ReceiveBuffer(this.buffer)
	if err != nil {
		return err
	}
	if err := this.conversation.Send(protocol.CheckpointReceived); err != nil {
		return err
	}

	if err := this.applyGuestState(); err != nil {
		return err
	}

	if err := this.conversation.Send(protocol.CheckpointLoaded); err != nil {
		return err
	}

	this.migrationContext.LockGuest()
	err = this.guest.Resume()
	this.migrationContext.UnlockGuest()
	if err != nil {
		return err
	}

	duration := time.Since(startedAt)
	this.migrationContext.MarkCheckpoint(duration, stateBytes, "applied")
	this.history.MarkCheckpoint(startedAt, duration, stateBytes)
	if err := this.dumpState(); err != nil {
		// Dumps are a diagnostic; losing one does not end the session.
		this.migrationContext.Log.Errore(err)
	}
	this.migrationContext.Log.Debugf("checkpoint applied: %s in %s", base.FormatBytes(stateBytes), base.PrettifyDurationOutput(duration))
	return nil
}

// applyGuestState loads the staged checkpoint into the guest. The
// loading window is marked on the session so a concurrent takeover
// waits for it instead of promoting a torn state; the guest is
// silently reset first so no stale device state survives.
func (this *SecondaryProcessor) applyGuestState() error {
	reader, err := this.buffer.OpenReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	this.migrationContext.SetStateLoading(true)
	defer this.migrationContext.SetStateLoading(false)

	this.migrationContext.LockGuest()
	defer this.migrationContext.UnlockGuest()
	if this.failover.IsRequested() {
		// A takeover won the guest lock first; the staged state must
		// not touch the promoted guest.
		return fmt.Errorf("failover requested; abandoning state apply")
	}
	if err := this.guest.Reset(); err != nil {
		return err
	}
	return this.guest.ApplyState(reader)
}

// dumpState archives the applied checkpoint under the state dump
// directory and prunes old archives. Disabled unless a directory is
// configured.
func (this *SecondaryProcessor) dumpState() error {
	if this.migrationContext.StateDumpDir == "" {
		return nil
	}
	if err := this.dumpFs.MkdirAll(this.migrationContext.StateDumpDir, 0755); err != nil {
		return err
	}

	reader, err := this.buffer.OpenReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	name := fmt.Sprintf("checkpoint-%06d.state", this.migrationContext.GetTotalCheckpoints())
	if err := afero.WriteReader(this.dumpFs, filepath.Join(this.migrationContext.StateDumpDir, name), reader); err != nil {
		return err
	}
	return this.pruneStateDumps()
}

func (this *SecondaryProcessor) pruneStateDumps() error {
	entries, err := afero.ReadDir(this.dumpFs, this.migrationContext.StateDumpDir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "checkpoint-") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for len(names) > stateDumpKeep {
		if err := this.dumpFs.Remove(filepath.Join(this.migrationContext.StateDumpDir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// abort handles a session-ending failure. If failover is already
// requested, or gets requested within the grace window, the processor
// waits for its own orderly takeover. Otherwise the primary is
// presumed gone without a management-plane verdict and the process
// must exit.
func (this *SecondaryProcessor) abort(err error) error {
	this.migrationContext.Log.Errore(err)

	if !this.failover.IsRequested() && !this.waitForFailoverRequest() {
		this.migrationContext.TransitionStatus(base.StatusColo, base.StatusFailed)
		return &SecondaryAbortError{Cause: err}
	}
	this.failover.WaitForCompletion()
	this.failover.Clear()
	return err
}

// waitForFailoverRequest grants the management plane a grace window to
// request failover after a local failure.
func (this *SecondaryProcessor) waitForFailoverRequest() bool {
	grace := time.Duration(this.migrationContext.SecondaryErrorGraceMillis) * time.Millisecond
	this.migrationContext.Log.Warningf("secondary: waiting up to %s for a failover request", grace)
	select {
	case <-this.failover.RequestedCh():
		return true
	case <-time.After(grace):
		return this.failover.IsRequested()
	}
}
