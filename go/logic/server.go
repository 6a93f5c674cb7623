/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

var (
	ErrCPUProfilingBadOption  = errors.New("unrecognized cpu profiling option")
	ErrCPUProfilingInProgress = errors.New("cpu profiling already in progress")

	defaultCPUProfileDuration = time.Second * 30
)

// maxTCPCommandConns caps concurrent operator connections on the TCP
// listener.
const maxTCPCommandConns = 4

type printStatusFunc func(PrintStatusRule, io.Writer)

// Server listens for operator commands on a socket file or via TCP:
// inspect status, force a checkpoint, tune periods, trigger failover.
type Server struct {
	migrationContext *base.SessionContext
	session          *Session
	unixListener     net.Listener
	tcpListener      net.Listener
	hooksExecutor    *HooksExecutor
	printStatus      printStatusFunc
	isCPUProfiling   int64
}

func NewServer(migrationContext *base.SessionContext, session *Session, hooksExecutor *HooksExecutor, printStatus printStatusFunc) *Server {
	return &Server{
		migrationContext: migrationContext,
		session:          session,
		hooksExecutor:    hooksExecutor,
		printStatus:      printStatus,
	}
}

func (this *Server) BindSocketFile() (err error) {
	if this.migrationContext.ServeSocketFile == "" {
		return nil
	}
	if this.migrationContext.DropServeSocket && base.FileExists(this.migrationContext.ServeSocketFile) {
		os.Remove(this.migrationContext.ServeSocketFile)
	}
	this.unixListener, err = net.Listen("unix", this.migrationContext.ServeSocketFile)
	if err != nil {
		return err
	}
	this.migrationContext.Log.Infof("listening on unix socket file: %s", this.migrationContext.ServeSocketFile)
	return nil
}

func (this *Server) RemoveSocketFile() (err error) {
	this.migrationContext.Log.Infof("removing socket file: %s", this.migrationContext.ServeSocketFile)
	return os.Remove(this.migrationContext.ServeSocketFile)
}

func (this *Server) BindTCPPort() (err error) {
	if this.migrationContext.ServeTCPPort == 0 {
		return nil
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", this.migrationContext.ServeTCPPort))
	if err != nil {
		return err
	}
	this.tcpListener = netutil.LimitListener(listener, maxTCPCommandConns)
	this.migrationContext.Log.Infof("listening on tcp port: %d", this.migrationContext.ServeTCPPort)
	return nil
}

// Serve begins listening & serving on whichever socket(s) exist.
func (this *Server) Serve() (err error) {
	go func() {
		for {
			conn, err := this.unixListener.Accept()
			if err != nil {
				this.migrationContext.Log.Errore(err)
				return
			}
			go this.handleConnection(conn)
		}
	}()

	go func() {
		if this.tcpListener == nil {
			return
		}
		for {
			conn, err := this.tcpListener.Accept()
			if err != nil {
				this.migrationContext.Log.Errore(err)
				return
			}
			go this.handleConnection(conn)
		}
	}()

	return nil
}

func (this *Server) handleConnection(conn net.Conn) (err error) {
	defer conn.Close()

	command, _, err := bufio.NewReader(conn).ReadLine()
	if err != nil {
		return err
	}
	return this.onServerCommand(string(command), bufio.NewWriter(conn))
}

// onServerCommand responds to a user's interactive command.
func (this *Server) onServerCommand(command string, writer *bufio.Writer) (err error) {
	defer writer.Flush()

	printStatusRule, err := this.applyServerCommand(command, writer)
	if err == nil {
		err = this.hooksExecutor.onInteractiveCommand(command)
	}

	if err != nil {
		fmt.Fprintf(writer, "%s\n", err.Error())
		return this.migrationContext.Log.Errore(err)
	}
	if this.printStatus != nil {
		this.printStatus(printStatusRule, writer)
	}
	return nil
}

// runCPUProfile lazily runs a CPU profile for a given duration, and
// optionally with a block profile rate and gzip compression.
func (this *Server) runCPUProfile(args string) (io.Reader, error) {
	duration := defaultCPUProfileDuration

	var err error
	var blockProfile, useGzip bool
	if args != "" {
		s := strings.Split(args, ",")
		// a duration string must be the 1st field, if any
		if duration, err = time.ParseDuration(s[0]); err != nil {
			return nil, err
		}
		for _, arg := range s[1:] {
			switch arg {
			case "block", "blocking":
				blockProfile = true
			case "gzip":
				useGzip = true
			default:
				return nil, ErrCPUProfilingBadOption
			}
		}
	}

	if !atomic.CompareAndSwapInt64(&this.isCPUProfiling, 0, 1) {
		return nil, ErrCPUProfilingInProgress
	}
	defer atomic.StoreInt64(&this.isCPUProfiling, 0)

	var buf bytes.Buffer
	var writer io.Writer = &buf
	if blockProfile {
		runtime.SetBlockProfileRate(1)
		defer runtime.SetBlockProfileRate(0)
	}
	if useGzip {
		gzipWriter := gzip.NewWriter(writer)
		defer gzipWriter.Close()
		writer = gzipWriter
	}

	if err = pprof.StartCPUProfile(writer); err != nil {
		return nil, err
	}
	time.Sleep(duration)
	pprof.StopCPUProfile()

	this.migrationContext.Log.Infof("collected %d bytes of cpu profile data", buf.Len())
	return &buf, nil
}

// applyServerCommand parses and executes commands by user.
func (this *Server) applyServerCommand(command string, writer *bufio.Writer) (printStatusRule PrintStatusRule, err error) {
	printStatusRule = NoPrintStatusRule

	tokens := strings.SplitN(command, "=", 2)
	command = strings.TrimSpace(tokens[0])
	arg := ""
	if len(tokens) > 1 {
		arg = strings.TrimSpace(tokens[1])
		if unquoted, err := strconv.Unquote(arg); err == nil {
			arg = unquoted
		}
	}
	argIsQuestion := (arg == "?")

	switch command {
	case "help":
		{
			fmt.Fprint(writer, `available commands:
status                               # Print a detailed status message
sup                                  # Print a short status message
checkpoint                           # Force a checkpoint now
checkpoint-period=<millis>           # Set the maximum inter-checkpoint period ('?' to read)
min-period=<millis>                  # Set the minimum inter-checkpoint period ('?' to read)
heartbeat-interval=<millis>          # Set the peer heartbeat interval ('?' to read)
trigger-failover                     # Leave lockstep; this endpoint continues standalone
guest-shutdown                       # Propagate a guest shutdown through the next checkpoint
cpu-profile=<duration>[,block][,gzip] # Print a binary CPU profile to this connection
panic                                # Abort the process without cleanup
version                              # Print the version
help                                 # This message
`)
		}
	case "info", "status":
		printStatusRule = ForcePrintStatusAndHintRule
	case "sup":
		printStatusRule = ForcePrintStatusOnlyRule
	case "version":
		fmt.Fprintf(writer, "%s\n", this.migrationContext.AppVersion)
	case "uuid":
		fmt.Fprintf(writer, "%s\n", this.migrationContext.Uuid)
	case "checkpoint":
		{
			this.migrationContext.RequestCheckpoint()
			fmt.Fprintf(writer, "checkpoint requested\n")
		}
	case "checkpoint-period", "max-period":
		{
			if argIsQuestion {
				fmt.Fprintf(writer, "%+v\n", this.migrationContext.GetCheckpointMaxPeriodMillis())
				return NoPrintStatusRule, nil
			}
			periodMillis, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return NoPrintStatusRule, err
			}
			this.migrationContext.SetCheckpointMaxPeriodMillis(periodMillis)
			fmt.Fprintf(writer, "%+v\n", this.migrationContext.GetCheckpointMaxPeriodMillis())
			printStatusRule = ForcePrintStatusOnlyRule
		}
	case "min-period":
		{
			if argIsQuestion {
				fmt.Fprintf(writer, "%+v\n", this.migrationContext.GetCheckpointMinPeriodMillis())
				return NoPrintStatusRule, nil
			}
			periodMillis, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return NoPrintStatusRule, err
			}
			this.migrationContext.SetCheckpointMinPeriodMillis(periodMillis)
			fmt.Fprintf(writer, "%+v\n", this.migrationContext.GetCheckpointMinPeriodMillis())
			printStatusRule = ForcePrintStatusOnlyRule
		}
	case "heartbeat-interval":
		{
			if argIsQuestion {
				fmt.Fprintf(writer, "%+v\n", this.migrationContext.GetHeartbeatIntervalMillis())
				return NoPrintStatusRule, nil
			}
			intervalMillis, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return NoPrintStatusRule, err
			}
			this.migrationContext.SetHeartbeatIntervalMillis(intervalMillis)
			fmt.Fprintf(writer, "%+v\n", this.migrationContext.GetHeartbeatIntervalMillis())
		}
	case "trigger-failover", "failover", "lost-heartbeat":
		{
			this.session.TriggerFailover(fmt.Sprintf("operator command: %s", command))
			fmt.Fprintf(writer, "failover requested\n")
			printStatusRule = ForcePrintStatusOnlyRule
		}
	case "guest-shutdown", "shutdown":
		{
			this.migrationContext.RequestGuestShutdown()
			fmt.Fprintf(writer, "guest shutdown flagged; it propagates with the next checkpoint\n")
		}
	case "cpu-profile":
		{
			cpuProfile, err := this.runCPUProfile(arg)
			if err == nil {
				_, err = io.Copy(writer, cpuProfile)
			}
			return NoPrintStatusRule, err
		}
	case "panic":
		{
			err := fmt.Errorf("user commanded 'panic'. The session will be aborted without cleanup. Please stand by")
			this.migrationContext.PanicAbort <- err
		}
	default:
		err = fmt.Errorf("unknown command: %s", command)
		return NoPrintStatusRule, err
	}
	return printStatusRule, err
}
