/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/NealSCarffery/qemu-colo/go/base"
	"github.com/NealSCarffery/qemu-colo/go/comparator"
	"github.com/NealSCarffery/qemu-colo/go/protocol"
)

// endpointHarness assembles one side of a replication session around
// one end of an in-memory control connection.
type endpointHarness struct {
	migrationContext *base.SessionContext
	mainLoop         *MainLoop
	guest            *countingGuest
	comparator       *countingComparator
	failover         *FailoverController
	conversation     *protocol.Conversation
	buffer           *protocol.ReplicationBuffer
	conn             net.Conn
}

func newEndpointHarness(t *testing.T, role base.Role, conn net.Conn) *endpointHarness {
	t.Helper()
	migrationContext := newColoContext(role)
	mainLoop := NewMainLoop(migrationContext)
	mainLoop.Start()
	t.Cleanup(mainLoop.Stop)
	t.Cleanup(func() { conn.Close() })

	g := newCountingGuest(4096)
	comp := newCountingComparator()
	failover := NewFailoverController(migrationContext, mainLoop, g, comp, nil)
	failover.SetControlCloser(conn)

	return &endpointHarness{
		migrationContext: migrationContext,
		mainLoop:         mainLoop,
		guest:            g,
		comparator:       comp,
		failover:         failover,
		conversation:     protocol.NewConversation(protocol.NewControlChannel(conn)),
		buffer:           protocol.NewReplicationBuffer(),
		conn:             conn,
	}
}

func (this *endpointHarness) primary() *PrimaryCheckpointer {
	return NewPrimaryCheckpointer(this.migrationContext, this.conversation, this.buffer, this.guest, this.comparator, this.failover)
}

func (this *endpointHarness) secondary() *SecondaryProcessor {
	return NewSecondaryProcessor(this.migrationContext, this.conversation, this.buffer, this.guest, this.comparator, this.failover)
}

func requireShutdownRequested(t *testing.T, g *countingGuest) {
	t.Helper()
	select {
	case <-g.ShutdownCh():
	default:
		t.Fatal("guest shutdown was not requested")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	primaryConn, secondaryConn := net.Pipe()
	p := newEndpointHarness(t, base.RolePrimary, primaryConn)
	s := newEndpointHarness(t, base.RoleSecondary, secondaryConn)

	var g errgroup.Group
	g.Go(p.primary().Run)
	g.Go(s.secondary().Run)

	// Handshake completed: both guests run.
	require.Eventually(t, func() bool {
		return !p.guest.IsStopped() && !s.guest.IsStopped()
	}, 5*time.Second, 10*time.Millisecond)

	p.guest.Mutate()
	p.migrationContext.RequestCheckpoint()
	require.Eventually(t, func() bool {
		return p.migrationContext.GetTotalCheckpoints() >= 1 && s.migrationContext.GetTotalCheckpoints() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, p.guest.Revision(), s.guest.Revision())
	require.Equal(t, p.guest.Image(), s.guest.Image())
	_, _, _, reason := p.migrationContext.GetLastCheckpoint()
	require.Equal(t, "operator", reason)

	// A guest-initiated shutdown rides one final checkpoint, then ends
	// the session on both sides.
	p.guest.Mutate()
	p.migrationContext.RequestGuestShutdown()
	require.NoError(t, g.Wait())

	require.Equal(t, p.guest.Revision(), s.guest.Revision())
	require.Equal(t, p.guest.Image(), s.guest.Image())
	require.EqualValues(t, 2, p.migrationContext.GetTotalCheckpoints())
	require.EqualValues(t, 2, s.migrationContext.GetTotalCheckpoints())
	require.Equal(t, p.migrationContext.GetTotalStateBytes(), s.migrationContext.GetTotalStateBytes())
	require.Greater(t, p.migrationContext.GetTotalStateBytes(), int64(0))

	require.Equal(t, base.StatusCompleted, p.migrationContext.GetStatus())
	require.Equal(t, base.StatusCompleted, s.migrationContext.GetStatus())
	requireShutdownRequested(t, p.guest)
	requireShutdownRequested(t, s.guest)

	require.False(t, p.failover.IsRequested())
	require.False(t, s.failover.IsRequested())
	require.EqualValues(t, 2, atomic.LoadInt64(&p.comparator.checkpointCount))
	require.EqualValues(t, 2, atomic.LoadInt64(&s.comparator.checkpointCount))
	require.Zero(t, atomic.LoadInt64(&p.comparator.destroyCount))
	require.Zero(t, atomic.LoadInt64(&s.comparator.destroyCount))
}

func TestCheckpointPeriodicCap(t *testing.T) {
	primaryConn, secondaryConn := net.Pipe()
	p := newEndpointHarness(t, base.RolePrimary, primaryConn)
	s := newEndpointHarness(t, base.RoleSecondary, secondaryConn)
	p.migrationContext.SetCheckpointMaxPeriodMillis(300)

	start := time.Now()
	var g errgroup.Group
	g.Go(p.primary().Run)
	g.Go(s.secondary().Run)

	// With no divergence and no operator request, the periodic cap
	// alone forces a checkpoint, and not before the period elapsed.
	require.Eventually(t, func() bool {
		return p.migrationContext.GetTotalCheckpoints() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	firstAt, _, _, reason := p.migrationContext.GetLastCheckpoint()
	require.Equal(t, "periodic", reason)
	require.GreaterOrEqual(t, firstAt.Sub(start), 300*time.Millisecond)

	// Tuning the period mid-session takes effect on later pacing
	// decisions.
	p.migrationContext.SetCheckpointMaxPeriodMillis(150)
	require.Eventually(t, func() bool {
		return p.migrationContext.GetTotalCheckpoints() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	p.migrationContext.RequestGuestShutdown()
	require.NoError(t, g.Wait())
	require.Equal(t, base.StatusCompleted, p.migrationContext.GetStatus())
	require.Equal(t, base.StatusCompleted, s.migrationContext.GetStatus())
}

func TestCheckpointMinimumPeriod(t *testing.T) {
	primaryConn, secondaryConn := net.Pipe()
	p := newEndpointHarness(t, base.RolePrimary, primaryConn)
	s := newEndpointHarness(t, base.RoleSecondary, secondaryConn)
	p.migrationContext.SetCheckpointMinPeriodMillis(250)

	var g errgroup.Group
	g.Go(p.primary().Run)
	g.Go(s.secondary().Run)
	require.Eventually(t, func() bool {
		return !p.guest.IsStopped() && !s.guest.IsStopped()
	}, 5*time.Second, 10*time.Millisecond)

	p.comparator.signals <- comparator.SignalCheckpoint
	require.Eventually(t, func() bool {
		return p.migrationContext.GetTotalCheckpoints() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	firstAt, _, _, reason := p.migrationContext.GetLastCheckpoint()
	require.Equal(t, "comparator", reason)

	// A second divergence signal right away must still wait out the
	// minimum gap.
	p.comparator.signals <- comparator.SignalCheckpoint
	require.Eventually(t, func() bool {
		return p.migrationContext.GetTotalCheckpoints() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	secondAt, _, _, _ := p.migrationContext.GetLastCheckpoint()
	require.GreaterOrEqual(t, secondAt.Sub(firstAt), 250*time.Millisecond)

	p.migrationContext.RequestGuestShutdown()
	require.NoError(t, g.Wait())
}

func TestPrimaryDesyncFailsSession(t *testing.T) {
	primaryConn, peerConn := net.Pipe()
	p := newEndpointHarness(t, base.RolePrimary, primaryConn)
	p.migrationContext.RequestCheckpoint()

	// A scripted peer acknowledges the checkpoint announcement with the
	// wrong control code.
	var g errgroup.Group
	g.Go(func() error {
		channel := protocol.NewControlChannel(peerConn)
		if err := channel.PutCode(protocol.Ready); err != nil {
			return err
		}
		if _, err := channel.GetCode(); err != nil { // checkpoint-new
			return err
		}
		return channel.PutCode(protocol.CheckpointLoaded)
	})

	err := p.primary().Run()
	require.NoError(t, g.Wait())
	require.Error(t, err)

	var desyncErr *protocol.DesyncError
	require.ErrorAs(t, err, &desyncErr)
	require.Equal(t, protocol.CheckpointSuspended, desyncErr.Expected)
	require.Equal(t, protocol.CheckpointLoaded, desyncErr.Received)

	// The desync ended the session: failed status, comparison plane
	// torn down, guest running standalone.
	require.Equal(t, base.StatusFailed, p.migrationContext.GetStatus())
	require.EqualValues(t, 1, atomic.LoadInt64(&p.comparator.destroyCount))
	require.EqualValues(t, base.RolePrimary, atomic.LoadInt64(&p.comparator.lastDestroyRole))
	require.False(t, p.guest.IsStopped())
	require.False(t, p.failover.IsRequested())
}

func TestSecondaryShortReadAborts(t *testing.T) {
	secondaryConn, peerConn := net.Pipe()
	s := newEndpointHarness(t, base.RoleSecondary, secondaryConn)
	s.migrationContext.SecondaryErrorGraceMillis = 200

	// A scripted primary announces 1024 state bytes but hangs up after
	// 500.
	var g errgroup.Group
	g.Go(func() error {
		channel := protocol.NewControlChannel(peerConn)
		if _, err := channel.GetCode(); err != nil { // ready
			return err
		}
		if err := channel.PutCode(protocol.CheckpointNew); err != nil {
			return err
		}
		if _, err := channel.GetCode(); err != nil { // checkpoint-suspended
			return err
		}
		if err := channel.PutCode(protocol.CheckpointSend); err != nil {
			return err
		}
		if err := channel.PutUint64(1024); err != nil {
			return err
		}
		if _, err := peerConn.Write(make([]byte, 500)); err != nil {
			return err
		}
		return peerConn.Close()
	})

	err := s.secondary().Run()
	require.NoError(t, g.Wait())
	require.Error(t, err)

	// Partial state never reaches the guest, and with no failover
	// verdict inside the grace window the process must exit.
	var abortErr *SecondaryAbortError
	require.ErrorAs(t, err, &abortErr)
	require.ErrorIs(t, err, io.EOF)
	require.Contains(t, err.Error(), "short checkpoint read")
	require.Equal(t, base.StatusFailed, s.migrationContext.GetStatus())
	require.EqualValues(t, 0, s.guest.Revision())
	require.True(t, s.guest.IsStopped())
	require.False(t, s.failover.IsRequested())
	require.Zero(t, atomic.LoadInt64(&s.comparator.destroyCount))
}

func TestSecondaryFailoverPromotesStandby(t *testing.T) {
	secondaryConn, peerConn := net.Pipe()
	s := newEndpointHarness(t, base.RoleSecondary, secondaryConn)

	// The peer consumes the ready announcement, then goes silent; the
	// takeover unblocks the parked processor by closing the connection.
	var g errgroup.Group
	g.Go(func() error {
		channel := protocol.NewControlChannel(peerConn)
		if _, err := channel.GetCode(); err != nil { // ready
			return err
		}
		channel.GetCode()
		return nil
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.secondary().Run()
	}()
	require.Eventually(t, func() bool {
		return !s.guest.IsStopped()
	}, 5*time.Second, 10*time.Millisecond)

	s.failover.Request("lost heartbeat: peer probes failing")

	var err error
	select {
	case err = <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("secondary did not exit after failover")
	}
	require.NoError(t, g.Wait())
	require.Error(t, err)
	var abortErr *SecondaryAbortError
	require.False(t, errors.As(err, &abortErr))

	select {
	case handoff := <-s.failover.HandoffCh():
		require.Equal(t, base.RoleSecondary, handoff.Role)
		require.Equal(t, "lost heartbeat: peer probes failing", handoff.Reason)
		require.EqualValues(t, 0, handoff.CheckpointsApplied)
	default:
		t.Fatal("no handoff delivered")
	}

	require.Equal(t, base.StatusCompleted, s.migrationContext.GetStatus())
	require.EqualValues(t, 1, atomic.LoadInt64(&s.comparator.failoverCount))
	require.EqualValues(t, 1, atomic.LoadInt64(&s.comparator.destroyCount))
	require.False(t, s.guest.IsStopped())
	require.False(t, s.failover.IsRequested())
}
