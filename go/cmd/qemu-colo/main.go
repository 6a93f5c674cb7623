/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/openark/golib/log"
	"golang.org/x/term"

	"github.com/NealSCarffery/qemu-colo/go/base"
	"github.com/NealSCarffery/qemu-colo/go/comparator"
	"github.com/NealSCarffery/qemu-colo/go/guest"
	"github.com/NealSCarffery/qemu-colo/go/logic"
)

var AppVersion string

// acceptSignals registers for OS signals
func acceptSignals(migrationContext *base.SessionContext) {
	c := make(chan os.Signal, 1)

	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for sig := range c {
			switch sig {
			case syscall.SIGHUP:
				migrationContext.Log.Infof("received SIGHUP, reloading configuration")
				if err := migrationContext.ReadConfigFile(); err != nil {
					migrationContext.Log.Errore(err)
				} else {
					migrationContext.ApplyConfiguration()
				}
			}
		}
	}()
}

// main is the application's entry point. It pairs this endpoint with
// its peer and runs one replication session to completion.
func main() {
	migrationContext := base.NewSessionContext()

	roleName := flag.String("role", "", "endpoint role: primary|secondary (mandatory)")
	flag.StringVar(&migrationContext.ClusterName, "cluster", "", "cluster name, shared by both endpoints (mandatory, may come from config file)")
	flag.StringVar(&migrationContext.ConfigFile, "conf", "", "Config file")
	askSecret := flag.Bool("ask-secret", false, "prompt for cluster secret")

	flag.StringVar(&migrationContext.ControlConnectAddr, "control-connect", "", "address of the secondary's control listener; primary role only")
	flag.StringVar(&migrationContext.ControlListenAddr, "control-listen", "", "address to accept the primary's control connection on; secondary role only")
	flag.StringVar(&migrationContext.HeartbeatListenAddr, "heartbeat-listen", "", "address to serve heartbeat HTTP on. Default: disabled")
	flag.StringVar(&migrationContext.PeerHeartbeatURL, "peer-heartbeat-url", "", "base URL of the peer's heartbeat listener; enables handshake and active probing")

	checkpointMaxPeriodMillis := flag.Int64("checkpoint-period-millis", 10000, "longest run between checkpoints; a periodic checkpoint is forced at this cadence")
	checkpointMinPeriodMillis := flag.Int64("checkpoint-min-period-millis", 100, "shortest gap between checkpoints; triggered checkpoints wait out the remainder")
	heartbeatIntervalMillis := flag.Int64("heartbeat-interval-millis", 1000, "peer probe cadence")
	flag.Int64Var(&migrationContext.HeartbeatMissThreshold, "heartbeat-miss-threshold", 3, "consecutive probe failures that request failover")
	flag.Int64Var(&migrationContext.SecondaryErrorGraceMillis, "secondary-error-grace-millis", 2000, "how long a failing secondary waits for a failover request before aborting")

	flag.BoolVar(&migrationContext.DropServeSocket, "initially-drop-socket-file", false, "Should this process forcibly delete an existing socket file. Be careful: this might drop the socket file of a running session!")
	flag.StringVar(&migrationContext.ServeSocketFile, "serve-socket-file", "", "Unix socket file to serve on. Default: auto-determined and advertised upon startup")
	flag.Int64Var(&migrationContext.ServeTCPPort, "serve-tcp-port", 0, "TCP port to serve on. Default: disabled")

	flag.StringVar(&migrationContext.HooksPath, "hooks-path", "", "directory where hook files are found (default: empty, ie. hooks disabled). Hook files found on this path, and conforming to hook naming conventions will be executed")
	flag.StringVar(&migrationContext.HooksHintMessage, "hooks-hint", "", "arbitrary message to be injected to hooks via COLO_HOOKS_HINT, for your convenience")
	flag.StringVar(&migrationContext.ComparatorScript, "comparator-script", "", "external comparison-plane control script (default: empty, ie. built-in static comparator)")
	flag.StringVar(&migrationContext.ComparatorSignalFile, "comparator-signal-file", "", "file whose presence signals output divergence; created by the comparator script, consumed by this process")
	flag.StringVar(&migrationContext.JournalPath, "journal-path", "", "directory for the checkpoint journal (default: empty, ie. journaling disabled)")
	flag.StringVar(&migrationContext.StateDumpDir, "state-dump-dir", "", "directory where the secondary keeps copies of applied checkpoint state (default: empty, ie. disabled)")

	guestImageBytes := flag.Int64("guest-image-bytes", 4*1024*1024, "machine state image size of the built-in demo guest")
	guestMutateIntervalMillis := flag.Int64("guest-mutate-interval-millis", 50, "how often the demo guest dirties its state")
	comparatorCheckpointEveryPolls := flag.Int64("comparator-checkpoint-every-polls", 0, "built-in comparator: report divergence every N polls (0: never)")

	enableGops := flag.Bool("gops", false, "run a gops agent for live diagnostics")
	quiet := flag.Bool("quiet", false, "quiet")
	verbose := flag.Bool("verbose", false, "verbose")
	debug := flag.Bool("debug", false, "debug mode (very verbose)")
	stack := flag.Bool("stack", false, "add stack trace upon error")
	help := flag.Bool("help", false, "Display usage")
	version := flag.Bool("version", false, "Print version & exit")
	flag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, "Usage of qemu-colo:\n")
		flag.PrintDefaults()
		return
	}
	if *version {
		appVersion := AppVersion
		if appVersion == "" {
			appVersion = "unversioned"
		}
		fmt.Println(appVersion)
		return
	}

	migrationContext.Log.SetLevel(log.ERROR)
	if *verbose {
		migrationContext.Log.SetLevel(log.INFO)
	}
	if *debug {
		migrationContext.Log.SetLevel(log.DEBUG)
	}
	if *stack {
		migrationContext.Log.SetPrintStackTrace(*stack)
	}
	if *quiet {
		// Override!!
		migrationContext.Log.SetLevel(log.ERROR)
	}

	hostname, err := os.Hostname()
	if err != nil {
		migrationContext.Log.Fatale(err)
	}
	migrationContext.Hostname = hostname
	migrationContext.AppVersion = AppVersion
	if migrationContext.AppVersion == "" {
		migrationContext.AppVersion = "0.9.0-dev"
	}

	if *roleName == "" {
		migrationContext.Log.Fatalf("--role must be provided: primary or secondary")
	}
	role, err := base.ParseRole(*roleName)
	if err != nil {
		migrationContext.Log.Fatale(err)
	}
	migrationContext.SetRole(role)

	if *askSecret {
		fmt.Println("Cluster secret:")
		byteSecret, err := term.ReadPassword(syscall.Stdin)
		if err != nil {
			migrationContext.Log.Fatale(err)
		}
		migrationContext.SetPeerSecret(string(byteSecret))
	}

	migrationContext.SetCheckpointMaxPeriodMillis(*checkpointMaxPeriodMillis)
	migrationContext.SetCheckpointMinPeriodMillis(*checkpointMinPeriodMillis)
	migrationContext.SetHeartbeatIntervalMillis(*heartbeatIntervalMillis)
	if err := migrationContext.ReadConfigFile(); err != nil {
		migrationContext.Log.Fatale(err)
	}
	migrationContext.ApplyConfiguration()

	if migrationContext.ClusterName == "" {
		migrationContext.Log.Fatalf("--cluster must be provided and cluster name must not be empty")
	}
	switch role {
	case base.RolePrimary:
		if migrationContext.ControlConnectAddr == "" {
			migrationContext.Log.Fatalf("--control-connect must be provided when running as primary")
		}
		if migrationContext.ControlListenAddr != "" {
			migrationContext.Log.Fatalf("--control-listen only applies to the secondary role")
		}
	case base.RoleSecondary:
		if migrationContext.ControlListenAddr == "" {
			migrationContext.Log.Fatalf("--control-listen must be provided when running as secondary")
		}
		if migrationContext.ControlConnectAddr != "" {
			migrationContext.Log.Fatalf("--control-connect only applies to the primary role")
		}
	}
	if migrationContext.ServeSocketFile == "" {
		migrationContext.ServeSocketFile = fmt.Sprintf("/tmp/qemu-colo.%s.%s.sock", migrationContext.ClusterName, role)
	}

	if *enableGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			migrationContext.Log.Fatale(err)
		}
	}

	migrationContext.Log.Infof("starting qemu-colo %+v as %s", AppVersion, role)
	acceptSignals(migrationContext)

	memGuest := guest.NewMemGuest(int(*guestImageBytes))
	var comp comparator.Comparator
	if migrationContext.ComparatorScript != "" {
		comp = comparator.NewScript(migrationContext)
	} else {
		comp = comparator.NewStatic(*comparatorCheckpointEveryPolls)
	}
	session := logic.NewSession(migrationContext, memGuest, comp)

	heartbeat := logic.NewHeartbeatService(migrationContext, session.FailoverController())
	if err := heartbeat.Listen(); err != nil {
		migrationContext.Log.Fatale(err)
	}
	defer heartbeat.Stop()
	if err := heartbeat.Handshake(); err != nil {
		migrationContext.Log.Fatale(err)
	}

	var conn net.Conn
	switch role {
	case base.RolePrimary:
		migrationContext.Log.Infof("control: connecting to %s", migrationContext.ControlConnectAddr)
		if conn, err = net.DialTimeout("tcp", migrationContext.ControlConnectAddr, 30*time.Second); err != nil {
			migrationContext.Log.Fatale(err)
		}
	case base.RoleSecondary:
		listener, err := net.Listen("tcp", migrationContext.ControlListenAddr)
		if err != nil {
			migrationContext.Log.Fatale(err)
		}
		migrationContext.Log.Infof("control: waiting for primary at %s", listener.Addr())
		if conn, err = listener.Accept(); err != nil {
			migrationContext.Log.Fatale(err)
		}
		listener.Close()
	}

	if err := session.Start(role, conn); err != nil {
		migrationContext.Log.Fatale(err)
	}
	server, err := session.InitiateServer()
	if err != nil {
		migrationContext.Log.Fatale(err)
	}
	defer server.RemoveSocketFile()
	heartbeat.Probe()

	go func() {
		err := <-migrationContext.PanicAbort
		migrationContext.Log.Fatale(err)
	}()
	go func() {
		<-memGuest.ShutdownCh()
		if !migrationContext.GuestShutdownRequested() {
			migrationContext.Log.Infof("guest requested shutdown")
			migrationContext.RequestGuestShutdown()
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Duration(*guestMutateIntervalMillis) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-memGuest.ShutdownCh():
				return
			case <-ticker.C:
				memGuest.Mutate()
			}
		}
	}()
	go func() {
		handoff := <-session.HandoffCh()
		migrationContext.Log.Infof("handoff: continuing as %s after %d applied checkpoints (%s)", handoff.Role, handoff.CheckpointsApplied, handoff.Reason)
	}()

	err = session.Wait()
	switch {
	case err == nil:
		fmt.Fprintf(os.Stdout, "# Done\n")
	case migrationContext.GetStatus() == base.StatusCompleted:
		// An error alongside a completed status means a takeover won;
		// the fault is reported and this endpoint carries on alone.
		migrationContext.Log.Errore(err)
		fmt.Fprintf(os.Stdout, "# Took over\n")
	default:
		var abortErr *logic.SecondaryAbortError
		if errors.As(err, &abortErr) {
			migrationContext.Log.Errorf("no failover arrived; secondary is expendable: %v", abortErr.Cause)
		}
		migrationContext.Log.Fatale(err)
	}
}
