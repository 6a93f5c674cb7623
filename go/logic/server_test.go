package logic

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

func newCommandServer(t *testing.T) (*Server, *Session) {
	t.Helper()
	migrationContext := newColoContext(base.RolePrimary)
	migrationContext.AppVersion = "1.2.3"
	session := NewSession(migrationContext, newCountingGuest(16), newCountingComparator())
	server := NewServer(migrationContext, session, NewHooksExecutor(migrationContext), nil)
	return server, session
}

func applyCommand(t *testing.T, s *Server, command string) (PrintStatusRule, string, error) {
	t.Helper()
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	rule, err := s.applyServerCommand(command, writer)
	require.NoError(t, writer.Flush())
	return rule, buf.String(), err
}

func TestServerRunCPUProfile(t *testing.T) {
	t.Parallel()

	t.Run("failed already running", func(t *testing.T) {
		s := &Server{isCPUProfiling: 1}
		profile, err := s.runCPUProfile("15ms")
		require.Equal(t, err, ErrCPUProfilingInProgress)
		require.Nil(t, profile)
	})

	t.Run("failed bad duration", func(t *testing.T) {
		s := &Server{isCPUProfiling: 0}
		profile, err := s.runCPUProfile("should-fail")
		require.Error(t, err)
		require.Nil(t, profile)
	})

	t.Run("failed bad option", func(t *testing.T) {
		s := &Server{isCPUProfiling: 0}
		profile, err := s.runCPUProfile("10ms,badoption")
		require.Equal(t, err, ErrCPUProfilingBadOption)
		require.Nil(t, profile)
	})

	t.Run("success", func(t *testing.T) {
		s := &Server{
			isCPUProfiling:   0,
			migrationContext: base.NewSessionContext(),
		}
		defaultCPUProfileDuration = time.Millisecond * 10
		profile, err := s.runCPUProfile("")
		require.NoError(t, err)
		require.NotNil(t, profile)
		require.Equal(t, int64(0), s.isCPUProfiling)
	})

	t.Run("success with block", func(t *testing.T) {
		s := &Server{
			isCPUProfiling:   0,
			migrationContext: base.NewSessionContext(),
		}
		profile, err := s.runCPUProfile("10ms,block")
		require.NoError(t, err)
		require.NotNil(t, profile)
		require.Equal(t, int64(0), s.isCPUProfiling)
	})

	t.Run("success with gzip", func(t *testing.T) {
		s := &Server{
			isCPUProfiling:   0,
			migrationContext: base.NewSessionContext(),
		}
		profile, err := s.runCPUProfile("10ms,gzip")
		require.NoError(t, err)
		require.NotNil(t, profile)

		data, err := io.ReadAll(profile)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(data), 2)
		require.Equal(t, []byte{0x1f, 0x8b}, data[:2])
	})
}

func TestServerApplyCommand(t *testing.T) {
	t.Parallel()

	t.Run("help", func(t *testing.T) {
		server, _ := newCommandServer(t)
		rule, output, err := applyCommand(t, server, "help")
		require.NoError(t, err)
		require.Equal(t, NoPrintStatusRule, rule)
		require.Contains(t, output, "available commands")
	})

	t.Run("status rules", func(t *testing.T) {
		server, _ := newCommandServer(t)
		rule, _, err := applyCommand(t, server, "status")
		require.NoError(t, err)
		require.Equal(t, ForcePrintStatusAndHintRule, rule)

		rule, _, err = applyCommand(t, server, "sup")
		require.NoError(t, err)
		require.Equal(t, ForcePrintStatusOnlyRule, rule)
	})

	t.Run("version and uuid", func(t *testing.T) {
		server, _ := newCommandServer(t)
		_, output, err := applyCommand(t, server, "version")
		require.NoError(t, err)
		require.Equal(t, "1.2.3\n", output)

		_, output, err = applyCommand(t, server, "uuid")
		require.NoError(t, err)
		require.Equal(t, server.migrationContext.Uuid+"\n", output)
	})

	t.Run("checkpoint", func(t *testing.T) {
		server, _ := newCommandServer(t)
		_, output, err := applyCommand(t, server, "checkpoint")
		require.NoError(t, err)
		require.Contains(t, output, "checkpoint requested")
		require.True(t, server.migrationContext.ConsumeCheckpointRequest())
	})

	t.Run("checkpoint-period", func(t *testing.T) {
		server, _ := newCommandServer(t)
		rule, output, err := applyCommand(t, server, "checkpoint-period=500")
		require.NoError(t, err)
		require.Equal(t, ForcePrintStatusOnlyRule, rule)
		require.Equal(t, "500\n", output)
		require.EqualValues(t, 500, server.migrationContext.GetCheckpointMaxPeriodMillis())

		rule, output, err = applyCommand(t, server, "checkpoint-period=?")
		require.NoError(t, err)
		require.Equal(t, NoPrintStatusRule, rule)
		require.Equal(t, "500\n", output)
	})

	t.Run("min-period", func(t *testing.T) {
		server, _ := newCommandServer(t)
		_, output, err := applyCommand(t, server, "min-period=250")
		require.NoError(t, err)
		require.Equal(t, "250\n", output)
		require.EqualValues(t, 250, server.migrationContext.GetCheckpointMinPeriodMillis())
	})

	t.Run("heartbeat-interval", func(t *testing.T) {
		server, _ := newCommandServer(t)
		_, output, err := applyCommand(t, server, "heartbeat-interval=400")
		require.NoError(t, err)
		require.Equal(t, "400\n", output)
		require.EqualValues(t, 400, server.migrationContext.GetHeartbeatIntervalMillis())
	})

	t.Run("bad period argument", func(t *testing.T) {
		server, _ := newCommandServer(t)
		_, _, err := applyCommand(t, server, "checkpoint-period=often")
		require.Error(t, err)
	})

	t.Run("trigger-failover", func(t *testing.T) {
		server, session := newCommandServer(t)
		rule, output, err := applyCommand(t, server, "trigger-failover")
		require.NoError(t, err)
		require.Equal(t, ForcePrintStatusOnlyRule, rule)
		require.Contains(t, output, "failover requested")
		require.True(t, session.FailoverController().IsRequested())
		require.Contains(t, session.FailoverController().Reason(), "operator command")
	})

	t.Run("guest-shutdown", func(t *testing.T) {
		server, _ := newCommandServer(t)
		_, output, err := applyCommand(t, server, "guest-shutdown")
		require.NoError(t, err)
		require.Contains(t, output, "guest shutdown flagged")
		require.True(t, server.migrationContext.GuestShutdownRequested())
	})

	t.Run("panic", func(t *testing.T) {
		server, _ := newCommandServer(t)
		received := make(chan error, 1)
		go func() {
			received <- <-server.migrationContext.PanicAbort
		}()
		_, _, err := applyCommand(t, server, "panic")
		require.NoError(t, err)
		select {
		case panicErr := <-received:
			require.Contains(t, panicErr.Error(), "panic")
		case <-time.After(5 * time.Second):
			t.Fatal("panic command did not feed the abort channel")
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		server, _ := newCommandServer(t)
		_, _, err := applyCommand(t, server, "make-coffee")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown command: make-coffee")
	})
}

func TestServerOnCommand(t *testing.T) {
	t.Parallel()

	server, _ := newCommandServer(t)
	var lastRule PrintStatusRule
	server.printStatus = func(rule PrintStatusRule, w io.Writer) {
		lastRule = rule
		fmt.Fprintln(w, "status line")
	}

	var buf bytes.Buffer
	require.NoError(t, server.onServerCommand("sup", bufio.NewWriter(&buf)))
	require.Contains(t, buf.String(), "status line")
	require.Equal(t, ForcePrintStatusOnlyRule, lastRule)

	buf.Reset()
	err := server.onServerCommand("make-coffee", bufio.NewWriter(&buf))
	require.Error(t, err)
	require.Contains(t, buf.String(), "unknown command")
}
