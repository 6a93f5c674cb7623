/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NealSCarffery/qemu-colo/go/base"
	"github.com/NealSCarffery/qemu-colo/go/comparator"
	"github.com/NealSCarffery/qemu-colo/go/guest"
	"github.com/NealSCarffery/qemu-colo/go/protocol"
)

type PrintStatusRule int

const (
	NoPrintStatusRule PrintStatusRule = iota
	HeuristicPrintStatusRule
	ForcePrintStatusOnlyRule
	ForcePrintStatusAndHintRule
)

const statusIntervalSeconds = 30

// Session binds one replication pairing end to end: the control
// conversation, the replication buffer, the main loop, the failover
// controller and the role task. A session runs exactly once.
type Session struct {
	migrationContext *base.SessionContext
	guest            guest.Guest
	comparator       comparator.Comparator

	hooksExecutor *HooksExecutor
	journal       *CheckpointJournal
	history       *CheckpointHistory
	mainLoop      *MainLoop
	failover      *FailoverController

	buffer *protocol.ReplicationBuffer
	conn   io.ReadWriteCloser

	startedFlag int64
	doneCh      chan error
	stopStatus  chan struct{}
	stopOnce    sync.Once
}

func NewSession(migrationContext *base.SessionContext, g guest.Guest, comp comparator.Comparator) *Session {
	hooksExecutor := NewHooksExecutor(migrationContext)
	mainLoop := NewMainLoop(migrationContext)
	return &Session{
		migrationContext: migrationContext,
		guest:            g,
		comparator:       comp,
		hooksExecutor:    hooksExecutor,
		history:          NewCheckpointHistory(),
		mainLoop:         mainLoop,
		failover:         NewFailoverController(migrationContext, mainLoop, g, comp, hooksExecutor),
		doneCh:           make(chan error, 1),
		stopStatus:       make(chan struct{}),
	}
}

// Start enters lockstep: it transitions the session status, fixes the
// role, spawns the infrastructure goroutines and launches the role
// task through the main loop. It returns once the session is under
// way; Wait blocks for the outcome.
func (this *Session) Start(role base.Role, conn io.ReadWriteCloser) error {
	if !atomic.CompareAndSwapInt64(&this.startedFlag, 0, 1) {
		return fmt.Errorf("session already started")
	}
	if role != base.RolePrimary && role != base.RoleSecondary {
		return fmt.Errorf("cannot start a session as %s", role)
	}
	if !this.migrationContext.TransitionStatus(base.StatusActive, base.StatusColo) {
		return fmt.Errorf("cannot enter lockstep: session status is %s", this.migrationContext.GetStatus())
	}
	this.migrationContext.SetRole(role)

	if err := this.hooksExecutor.initHooks(); err != nil {
		return err
	}
	if this.migrationContext.JournalPath != "" {
		journal, err := NewCheckpointJournal(this.migrationContext.JournalPath)
		if err != nil {
			return err
		}
		this.journal = journal
	}

	this.conn = conn
	this.buffer = protocol.NewReplicationBuffer()
	conversation := protocol.NewConversation(protocol.NewControlChannel(conn))

	this.failover.SetControlCloser(conn)
	this.mainLoop.Start()
	go this.initiateStatus()

	if err := this.hooksExecutor.onStartup(); err != nil {
		this.migrationContext.Log.Errore(err)
	}
	this.migrationContext.Log.Infof("session %s starting as %s", this.migrationContext.Uuid, role)

	// The role task launches through the main loop, the same deferred
	// context that will host its takeover.
	this.mainLoop.Schedule("session start", func() {
		go this.runRole(role, conversation)
	})
	return nil
}

func (this *Session) runRole(role base.Role, conversation *protocol.Conversation) {
	var err error
	switch role {
	case base.RolePrimary:
		checkpointer := NewPrimaryCheckpointer(this.migrationContext, conversation, this.buffer, this.guest, this.comparator, this.failover)
		checkpointer.hooksExecutor = this.hooksExecutor
		checkpointer.journal = this.journal
		checkpointer.history = this.history
		err = checkpointer.Run()
	case base.RoleSecondary:
		processor := NewSecondaryProcessor(this.migrationContext, conversation, this.buffer, this.guest, this.comparator, this.failover)
		processor.hooksExecutor = this.hooksExecutor
		processor.history = this.history
		err = processor.Run()
	}
	this.doneCh <- err
}

// Wait blocks until the role task ends, then tears the session down
// and returns the task's verdict. A nil error means replication ended
// deliberately; after a failover the error that triggered it is
// returned and the session status tells the rest of the story.
func (this *Session) Wait() error {
	err := <-this.doneCh
	this.teardown()
	return err
}

// TriggerFailover requests failover on the operator's behalf.
func (this *Session) TriggerFailover(reason string) {
	this.failover.Request(reason)
}

// FailoverController exposes the controller to the management plane
// (heartbeat prober, tests).
func (this *Session) FailoverController() *FailoverController {
	return this.failover
}

// HandoffCh delivers the secondary takeover's handoff message; the
// receiver resumes standalone incoming processing from it.
func (this *Session) HandoffCh() <-chan Handoff {
	return this.failover.HandoffCh()
}

// InitiateServer binds and serves the interactive command sockets,
// wired to this session's status printer.
func (this *Session) InitiateServer() (*Server, error) {
	var f printStatusFunc = func(rule PrintStatusRule, writer io.Writer) {
		this.printStatus(rule, writer)
	}
	server := NewServer(this.migrationContext, this, this.hooksExecutor, f)
	if err := server.BindSocketFile(); err != nil {
		return nil, err
	}
	if err := server.BindTCPPort(); err != nil {
		return nil, err
	}
	if err := server.Serve(); err != nil {
		return nil, err
	}
	return server, nil
}

func (this *Session) teardown() {
	this.stopOnce.Do(func() {
		close(this.stopStatus)
	})
	this.mainLoop.Stop()
	if this.conn != nil {
		this.conn.Close()
	}
	this.migrationContext.Log.Infof("session %s ended: status %s; %d checkpoints, %s of state",
		this.migrationContext.Uuid,
		this.migrationContext.GetStatus(),
		this.migrationContext.GetTotalCheckpoints(),
		base.FormatBytes(this.migrationContext.GetTotalStateBytes()))
}

func (this *Session) initiateStatus() {
	ticker := time.NewTicker(statusIntervalSeconds * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-this.stopStatus:
			return
		case <-ticker.C:
			if this.migrationContext.GetStatus() == base.StatusColo {
				this.printStatus(HeuristicPrintStatusRule)
			}
		}
	}
}

// printStatus writes one status line, plus setting hints when asked
// for. With no writers the line goes to the log; heuristic prints also
// feed the on-status hook.
func (this *Session) printStatus(rule PrintStatusRule, writers ...io.Writer) {
	if rule == NoPrintStatusRule {
		return
	}
	checkpointRate, byteRate := this.history.Rates()
	status := fmt.Sprintf("%s/%s: uptime %s; checkpoints: %d (%.1f/s, %s/s); state: %s total",
		this.migrationContext.GetStatus(),
		this.migrationContext.GetRole(),
		base.PrettifyDurationOutput(this.migrationContext.ElapsedTime()),
		this.migrationContext.GetTotalCheckpoints(),
		checkpointRate,
		base.FormatBytes(int64(byteRate)),
		base.FormatBytes(this.migrationContext.GetTotalStateBytes()),
	)
	lastTime, lastDuration, lastBytes, lastReason := this.migrationContext.GetLastCheckpoint()
	if !lastTime.IsZero() {
		status += fmt.Sprintf("; last: %s in %s, %s ago (%s)",
			base.FormatBytes(lastBytes),
			base.PrettifyDurationOutput(lastDuration),
			base.PrettifyDurationOutput(time.Since(lastTime)),
			lastReason,
		)
	}
	if this.failover.IsRequested() {
		status += fmt.Sprintf("; failover: %s", this.failover.Reason())
	}

	if len(writers) == 0 {
		this.migrationContext.Log.Infof("%s", status)
	} else {
		w := io.MultiWriter(writers...)
		fmt.Fprintln(w, status)
		if rule == ForcePrintStatusAndHintRule {
			fmt.Fprintf(w, "# session %s; cluster %q; checkpoint period %dms..%dms; heartbeat interval %dms\n",
				this.migrationContext.Uuid,
				this.migrationContext.ClusterName,
				this.migrationContext.GetCheckpointMinPeriodMillis(),
				this.migrationContext.GetCheckpointMaxPeriodMillis(),
				this.migrationContext.GetHeartbeatIntervalMillis(),
			)
			if hint := this.migrationContext.HooksHintMessage; hint != "" {
				fmt.Fprintf(w, "# hint: %s\n", hint)
			}
		}
	}

	if rule == HeuristicPrintStatusRule {
		if err := this.hooksExecutor.onStatus(status); err != nil {
			this.migrationContext.Log.Errore(err)
		}
	}
}
