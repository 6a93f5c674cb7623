/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NealSCarffery/qemu-colo/go/base"
	"github.com/NealSCarffery/qemu-colo/go/comparator"
	"github.com/NealSCarffery/qemu-colo/go/guest"
	"github.com/NealSCarffery/qemu-colo/go/protocol"
)

// checkpointPollInterval is how often the primary loop re-checks the
// comparator and its timers between checkpoints.
const checkpointPollInterval = 100 * time.Millisecond

// PrimaryCheckpointer drives the primary side of a replication
// session: it paces checkpoints off comparator signals, operator
// requests and the periodic cap, and runs each checkpoint transaction
// against the secondary.
type PrimaryCheckpointer struct {
	migrationContext *base.SessionContext
	conversation     *protocol.Conversation
	buffer           *protocol.ReplicationBuffer
	guest            guest.Guest
	comparator       comparator.Comparator
	failover         *FailoverController

	hooksExecutor *HooksExecutor
	journal       *CheckpointJournal
	history       *CheckpointHistory

	shutdownSent bool
}

func NewPrimaryCheckpointer(migrationContext *base.SessionContext, conversation *protocol.Conversation, buffer *protocol.ReplicationBuffer, g guest.Guest, comp comparator.Comparator, failover *FailoverController) *PrimaryCheckpointer {
	return &PrimaryCheckpointer{
		migrationContext: migrationContext,
		conversation:     conversation,
		buffer:           buffer,
		guest:            g,
		comparator:       comp,
		failover:         failover,
		history:          NewCheckpointHistory(),
	}
}

// Run owns the primary side from handshake to session end. It returns
// nil when replication ended deliberately (guest shutdown propagated)
// and the fatal error otherwise, but only after the failover takeover
// that error triggered has completed.
func (this *PrimaryCheckpointer) Run() error {
	if err := this.initiate(); err != nil {
		return this.abort(err)
	}
	lastCheckpoint := time.Now()

	for this.migrationContext.GetStatus() == base.StatusColo {
		if this.failover.IsRequested() {
			return this.abort(fmt.Errorf("failover requested: %s", this.failover.Reason()))
		}

		reason, err := this.nextCheckpointReason(lastCheckpoint)
		if err != nil {
			return this.abort(err)
		}
		if reason == "" {
			time.Sleep(checkpointPollInterval)
			continue
		}

		if err := this.checkpointTransaction(reason); err != nil {
			return this.abort(err)
		}
		lastCheckpoint = time.Now()

		if this.shutdownSent {
			this.migrationContext.TransitionStatus(base.StatusColo, base.StatusCompleted)
			this.migrationContext.Log.Infof("primary: guest shutdown propagated; replication ended")
			return nil
		}
	}
	return this.abort(fmt.Errorf("session left lockstep: status is %s", this.migrationContext.GetStatus()))
}

// initiate performs the primary's half of the session handshake: tell
// the comparator its role, wait for the secondary's ready
// announcement, then let the guest run.
func (this *PrimaryCheckpointer) initiate() error {
	if err := this.comparator.Init(base.RolePrimary); err != nil {
		return err
	}

	this.migrationContext.Log.Infof("primary: waiting for secondary ready announcement")
	if _, err := this.conversation.Recv(); err != nil {
		return err
	}
	this.migrationContext.Log.Infof("primary: secondary is ready; entering lockstep")
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

// nextCheckpointReason decides whether a checkpoint starts now, and
// why. An empty reason with nil error means no checkpoint is due yet;
// the caller sleeps one poll interval before asking again.
func (this *PrimaryCheckpointer) nextCheckpointReason(lastCheckpoint time.Time) (string, error) {
	signal, err := this.comparator.Poll()
	if err != nil {
		return "", err
	}

	reason := ""
	switch {
	case signal == comparator.SignalCheckpoint:
		reason = "comparator"
	case this.migrationContext.ConsumeCheckpointRequest():
		reason = "operator"
	case this.migrationContext.GuestShutdownRequested():
		reason = "guest-shutdown"
	}

	elapsed := time.Since(lastCheckpoint)
	if reason != "" {
		// Enforce the minimum inter-checkpoint gap: a comparator storm
		// must not thrash the guest with back-to-back pause/resume
		// cycles.
		minPeriod := time.Duration(this.migrationContext.GetCheckpointMinPeriodMillis()) * time.Millisecond
		if elapsed < minPeriod {
			time.Sleep(minPeriod - elapsed)
		}
		return reason, nil
	}

	maxPeriod := time.Duration(this.migrationContext.GetCheckpointMaxPeriodMillis()) * time.Millisecond
	if elapsed >= maxPeriod {
		return "periodic", nil
	}
	return "", nil
}

// checkpointTransaction runs one transaction and records its outcome
// in the journal, the sliding history and the session counters.
func (this *PrimaryCheckpointer) checkpointTransaction(reason string) error {
	startedAt := time.Now()
	err := this.runTransaction(reason)
	duration := time.Since(startedAt)
	stateBytes := int64(this.buffer.Len())

	if this.journal != nil {
		record := CheckpointRecord{
			Id:             uuid.NewString(),
			StartedAt:      startedAt,
			DurationMillis: duration.Milliseconds(),
			StateBytes:     stateBytes,
			Reason:         reason,
			Ok:             err == nil,
		}
		if err != nil {
			record.Error = err.Error()
		}
		if journalErr := this.journal.Append(record); journalErr != nil {
			this.migrationContext.Log.Errore(journalErr)
		}
	}
	if err != nil {
		return err
	}

	this.migrationContext.MarkCheckpoint(duration, stateBytes, reason)
	this.history.MarkCheckpoint(startedAt, duration, stateBytes)
	this.migrationContext.Log.Infof("checkpoint done: %s of state in %s (%s)", base.FormatBytes(stateBytes), base.PrettifyDurationOutput(duration), reason)
	return nil
}

// runTransaction executes one checkpoint conversation end to end. Any
// failed step ends the session. The failover flag is re-checked around
// the guest pause but never mid-capture: an interrupted capture would
// leave a torn checkpoint.
func (this *PrimaryCheckpointer) runTransaction(reason string) error {
	this.migrationContext.Log.Debugf("checkpoint starting (%s)", reason)

	if err := this.conversation.Send(protocol.CheckpointNew); err != nil {
		return err
	}
	if _, err := this.conversation.Recv(); err != nil { // checkpoint-suspended
		return err
	}

	if err := this.captureGuestState(); err != nil {
		return err
	}

	// The comparator releases its buffered packets once the checkpoint
	// is committed to happen.
	if err := this.comparator.Checkpoint(); err != nil {
		return err
	}

	if err := this.conversation.Send(protocol.CheckpointSend); err != nil {
		return err
	}
	if err := this.conversation.Channel().SendBuffer(this.buffer); err != nil {
		return err
	}

	if _, err := this.conversation.Recv(); err != nil { // checkpoint-received
		return err
	}
	if _, err := this.conversation.Recv(); err != nil { // checkpoint-loaded
		return err
	}

	if this.migrationContext.GuestShutdownRequested() {
		if err := this.conversation.Send(protocol.GuestShutdown); err != nil {
			return err
		}
		this.shutdownSent = true
		if this.hooksExecutor != nil {
			if err := this.hooksExecutor.onGuestShutdown(); err != nil {
				this.migrationContext.Log.Errore(err)
			}
		}
		// Both sides now hold the same final state; the hosting process
		// may shut down for real.
		this.guest.RequestShutdown()
		return nil
	}

	this.migrationContext.LockGuest()
	err := this.guest.Resume()
	this.migrationContext.UnlockGuest()
	return err
}

// captureGuestState pauses the guest and serializes its machine state
// into the replication buffer.
func (this *PrimaryCheckpointer) captureGuestState() error {
	if err := this.buffer.Reset(); err != nil {
		return err
	}
	writer, err := this.buffer.OpenWriter()
	if err != nil {
		return err
	}
	defer writer.Close()

	if this.failover.IsRequested() {
		return fmt.Errorf("failover requested before guest pause; abandoning checkpoint")
	}
	this.migrationContext.LockGuest()
	err = this.guest.Pause()
	this.migrationContext.UnlockGuest()
	if err != nil {
		return err
	}
	if this.failover.IsRequested() {
		return fmt.Errorf("failover requested after guest pause; abandoning checkpoint")
	}

	// Block device and shared storage state replicate out of band; the
	// checkpoint carries core machine state only.
	options := guest.CaptureOptions{IncludeBlockState: false, IncludeSharedState: false}
	this.migrationContext.LockGuest()
	err = this.guest.CaptureState(writer, options)
	this.migrationContext.UnlockGuest()
	if err != nil {
		return err
	}
	return writer.Close()
}

// abort funnels a session-ending failure into failover: request it if
// nobody has yet, wait for the takeover to finish, then re-arm the
// controller and hand the error up. Teardown of the buffer and channel
// must not begin while the takeover can still reach them. A locally
// detected fault marks the session failed; a failover somebody else
// requested is not this endpoint's failure to declare.
func (this *PrimaryCheckpointer) abort(err error) error {
	this.migrationContext.Log.Errore(err)
	if !this.failover.IsRequested() {
		this.migrationContext.TransitionStatus(base.StatusColo, base.StatusFailed)
		this.failover.Request(err.Error())
	}
	this.failover.WaitForCompletion()
	this.failover.Clear()
	return err
}
