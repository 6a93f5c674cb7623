/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package base

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ini/ini"
	"github.com/google/uuid"
)

// Role is the part this endpoint plays in a replication session.
type Role int64

const (
	// RoleUnprotected: not in a replication session.
	RoleUnprotected Role = iota
	// RolePrimary runs the active guest and drives checkpoints.
	RolePrimary
	// RoleSecondary runs the standby guest and applies checkpoints.
	RoleSecondary
)

func (this Role) String() string {
	switch this {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	}
	return "unprotected"
}

// ParseRole maps a CLI/config role name onto a Role. Only the two
// session roles are accepted; "unprotected" is a state, not a choice.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(name) {
	case "primary", "master":
		return RolePrimary, nil
	case "secondary", "slave":
		return RoleSecondary, nil
	}
	return RoleUnprotected, fmt.Errorf("unknown role: %s", name)
}

// MigrationStatus is the lifecycle state of the replication session.
// The checkpoint engine transitions Active to Colo when a session
// starts and Colo to Completed/Failed on the way out. Any other
// writer (an external cancel) is only ever observed, never fought:
// all transitions are compare-and-swap.
type MigrationStatus int64

const (
	StatusNone MigrationStatus = iota
	StatusActive
	StatusColo
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (this MigrationStatus) String() string {
	switch this {
	case StatusNone:
		return "none"
	case StatusActive:
		return "active"
	case StatusColo:
		return "colo"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int64(this))
}

const (
	defaultCheckpointMaxPeriodMillis = 10000
	defaultCheckpointMinPeriodMillis = 100
	defaultHeartbeatIntervalMillis   = 1000
	defaultHeartbeatMissThreshold    = 3
	defaultSecondaryErrorGraceMillis = 2000
)

var envVariableRegexp = regexp.MustCompile("[$][{](.*)[}]")

// SessionContext has the general, shared state of a replication
// session. It is handed to every component; there is no process-global
// instance.
type SessionContext struct {
	Uuid       string
	Hostname   string
	AppVersion string

	ClusterName string
	peerSecret  string

	config      ContextConfig
	configMutex *sync.Mutex
	ConfigFile  string

	role   int64
	status int64

	CheckpointMaxPeriodMillis int64
	CheckpointMinPeriodMillis int64
	HeartbeatIntervalMillis   int64
	HeartbeatMissThreshold    int64
	SecondaryErrorGraceMillis int64

	ControlListenAddr  string
	ControlConnectAddr string

	HeartbeatListenAddr string
	PeerHeartbeatURL    string

	DropServeSocket bool
	ServeSocketFile string
	ServeTCPPort    int64

	HooksPath            string
	HooksHintMessage     string
	ComparatorScript     string
	ComparatorSignalFile string
	JournalPath          string
	StateDumpDir         string

	StartTime time.Time

	TotalCheckpoints int64
	TotalStateBytes  int64

	lastCheckpointTime     time.Time
	lastCheckpointDuration time.Duration
	lastCheckpointBytes    int64
	lastCheckpointReason   string
	checkpointMutex        *sync.Mutex

	checkpointRequestedFlag    int64
	guestShutdownRequestedFlag int64

	guestMutex   *sync.Mutex
	loadingMutex *sync.Mutex
	loadingCond  *sync.Cond
	loading      bool

	PanicAbort chan error

	Log Logger
}

// ContextConfig is the ini config file layout.
type ContextConfig struct {
	Cluster struct {
		Name   string
		Secret string
	}
	Checkpoint struct {
		MaxPeriodMillis int64
		MinPeriodMillis int64
	}
	Heartbeat struct {
		IntervalMillis int64
		MissThreshold  int64
	}
}

func NewSessionContext() *SessionContext {
	context := &SessionContext{
		Uuid:                      uuid.NewString(),
		CheckpointMaxPeriodMillis: defaultCheckpointMaxPeriodMillis,
		CheckpointMinPeriodMillis: defaultCheckpointMinPeriodMillis,
		HeartbeatIntervalMillis:   defaultHeartbeatIntervalMillis,
		HeartbeatMissThreshold:    defaultHeartbeatMissThreshold,
		SecondaryErrorGraceMillis: defaultSecondaryErrorGraceMillis,
		StartTime:                 time.Now(),
		status:                    int64(StatusActive),
		configMutex:               &sync.Mutex{},
		checkpointMutex:           &sync.Mutex{},
		guestMutex:                &sync.Mutex{},
		loadingMutex:              &sync.Mutex{},
		PanicAbort:                make(chan error),
		Log:                       NewDefaultLogger(),
	}
	context.loadingCond = sync.NewCond(context.loadingMutex)
	return context
}

func (this *SessionContext) GetRole() Role {
	return Role(atomic.LoadInt64(&this.role))
}

// SetRole fixes this endpoint's role. It is set once at session start
// and never changes for the session's lifetime.
func (this *SessionContext) SetRole(role Role) {
	atomic.StoreInt64(&this.role, int64(role))
}

// GetStatus returns the current session lifecycle state.
func (this *SessionContext) GetStatus() MigrationStatus {
	return MigrationStatus(atomic.LoadInt64(&this.status))
}

// TransitionStatus moves the lifecycle state from `from` to `to`. It
// reports whether the transition won; losing means some other actor
// moved the state first, and the caller must respect that.
func (this *SessionContext) TransitionStatus(from, to MigrationStatus) bool {
	return atomic.CompareAndSwapInt64(&this.status, int64(from), int64(to))
}

// ElapsedTime returns time since very beginning of the session.
func (this *SessionContext) ElapsedTime() time.Duration {
	return time.Since(this.StartTime)
}

func (this *SessionContext) GetCheckpointMaxPeriodMillis() int64 {
	return atomic.LoadInt64(&this.CheckpointMaxPeriodMillis)
}

// SetCheckpointMaxPeriodMillis tunes the periodic checkpoint cap. It
// takes effect on the next pacing decision; a running checkpoint is
// never interrupted.
func (this *SessionContext) SetCheckpointMaxPeriodMillis(periodMillis int64) {
	if periodMillis < this.GetCheckpointMinPeriodMillis() {
		periodMillis = this.GetCheckpointMinPeriodMillis()
	}
	if periodMillis > 3600000 {
		periodMillis = 3600000
	}
	atomic.StoreInt64(&this.CheckpointMaxPeriodMillis, periodMillis)
}

func (this *SessionContext) GetCheckpointMinPeriodMillis() int64 {
	return atomic.LoadInt64(&this.CheckpointMinPeriodMillis)
}

// SetCheckpointMinPeriodMillis tunes the minimum gap between
// consecutive checkpoints, the guard against comparator storms.
func (this *SessionContext) SetCheckpointMinPeriodMillis(periodMillis int64) {
	if periodMillis < 0 {
		periodMillis = 0
	}
	if periodMillis > 10000 {
		periodMillis = 10000
	}
	atomic.StoreInt64(&this.CheckpointMinPeriodMillis, periodMillis)
}

func (this *SessionContext) GetHeartbeatIntervalMillis() int64 {
	return atomic.LoadInt64(&this.HeartbeatIntervalMillis)
}

func (this *SessionContext) SetHeartbeatIntervalMillis(intervalMillis int64) {
	if intervalMillis < 100 {
		intervalMillis = 100
	}
	if intervalMillis > 10000 {
		intervalMillis = 10000
	}
	atomic.StoreInt64(&this.HeartbeatIntervalMillis, intervalMillis)
}

func (this *SessionContext) GetHeartbeatMissThreshold() int64 {
	return atomic.LoadInt64(&this.HeartbeatMissThreshold)
}

// MarkCheckpoint records a completed checkpoint for counters and
// status reporting.
func (this *SessionContext) MarkCheckpoint(duration time.Duration, stateBytes int64, reason string) {
	atomic.AddInt64(&this.TotalCheckpoints, 1)
	atomic.AddInt64(&this.TotalStateBytes, stateBytes)

	this.checkpointMutex.Lock()
	defer this.checkpointMutex.Unlock()
	this.lastCheckpointTime = time.Now()
	this.lastCheckpointDuration = duration
	this.lastCheckpointBytes = stateBytes
	this.lastCheckpointReason = reason
}

func (this *SessionContext) GetTotalCheckpoints() int64 {
	return atomic.LoadInt64(&this.TotalCheckpoints)
}

func (this *SessionContext) GetTotalStateBytes() int64 {
	return atomic.LoadInt64(&this.TotalStateBytes)
}

// GetLastCheckpoint returns when the last checkpoint completed, how
// long it took, how many state bytes it moved and why it ran. A zero
// time means no checkpoint has completed yet.
func (this *SessionContext) GetLastCheckpoint() (time.Time, time.Duration, int64, string) {
	this.checkpointMutex.Lock()
	defer this.checkpointMutex.Unlock()
	return this.lastCheckpointTime, this.lastCheckpointDuration, this.lastCheckpointBytes, this.lastCheckpointReason
}

// RequestCheckpoint flags an operator-forced checkpoint. The primary
// loop consumes the flag on its next pacing decision.
func (this *SessionContext) RequestCheckpoint() {
	atomic.StoreInt64(&this.checkpointRequestedFlag, 1)
}

// ConsumeCheckpointRequest reports and clears a pending operator
// checkpoint request.
func (this *SessionContext) ConsumeCheckpointRequest() bool {
	return atomic.CompareAndSwapInt64(&this.checkpointRequestedFlag, 1, 0)
}

// RequestGuestShutdown flags a guest-initiated shutdown. The primary
// propagates it to the secondary inside the next checkpoint. The flag
// is never cleared; shutdown is terminal for the session.
func (this *SessionContext) RequestGuestShutdown() {
	atomic.StoreInt64(&this.guestShutdownRequestedFlag, 1)
}

func (this *SessionContext) GuestShutdownRequested() bool {
	return atomic.LoadInt64(&this.guestShutdownRequestedFlag) > 0
}

// LockGuest takes the guest-state lock. Pause, resume, reset, state
// apply and failover takeover all run under it; it is released for
// the duration of channel I/O.
func (this *SessionContext) LockGuest() {
	this.guestMutex.Lock()
}

func (this *SessionContext) UnlockGuest() {
	this.guestMutex.Unlock()
}

// SetStateLoading marks the window in which checkpointed state is
// being applied to the guest. Failover must never interrupt it.
func (this *SessionContext) SetStateLoading(loading bool) {
	this.loadingMutex.Lock()
	defer this.loadingMutex.Unlock()
	this.loading = loading
	if !loading {
		this.loadingCond.Broadcast()
	}
}

// WaitStateLoadingDone blocks until no state apply is in flight.
func (this *SessionContext) WaitStateLoadingDone() {
	this.loadingMutex.Lock()
	defer this.loadingMutex.Unlock()
	for this.loading {
		this.loadingCond.Wait()
	}
}

func (this *SessionContext) SetPeerSecret(secret string) {
	this.configMutex.Lock()
	defer this.configMutex.Unlock()
	this.peerSecret = secret
}

// GetPeerSecret returns the cluster secret, CLI-given value winning
// over the config file.
func (this *SessionContext) GetPeerSecret() string {
	this.configMutex.Lock()
	defer this.configMutex.Unlock()
	if this.peerSecret != "" {
		return this.peerSecret
	}
	return this.config.Cluster.Secret
}

// ReadConfigFile attempts to read the config file, if it exists
func (this *SessionContext) ReadConfigFile() error {
	this.configMutex.Lock()
	defer this.configMutex.Unlock()

	if this.ConfigFile == "" {
		return nil
	}
	cfg, err := ini.Load(this.ConfigFile)
	if err != nil {
		return err
	}

	clusterSection := cfg.Section("cluster")
	this.config.Cluster.Name = clusterSection.Key("name").String()
	this.config.Cluster.Secret = clusterSection.Key("secret").String()

	checkpointSection := cfg.Section("checkpoint")
	this.config.Checkpoint.MaxPeriodMillis = checkpointSection.Key("max_period_millis").MustInt64(0)
	this.config.Checkpoint.MinPeriodMillis = checkpointSection.Key("min_period_millis").MustInt64(0)

	heartbeatSection := cfg.Section("heartbeat")
	this.config.Heartbeat.IntervalMillis = heartbeatSection.Key("interval_millis").MustInt64(0)
	this.config.Heartbeat.MissThreshold = heartbeatSection.Key("miss_threshold").MustInt64(0)

	// The secret may be given as "${SOME_ENV_VARIABLE}", in which case
	// we pull the variable from os env.
	if submatch := envVariableRegexp.FindSubmatch([]byte(this.config.Cluster.Secret)); len(submatch) > 1 {
		this.config.Cluster.Secret = os.Getenv(string(submatch[1]))
	}

	return nil
}

// ApplyConfiguration merges config file values into live settings.
// CLI-given values win over the config file.
func (this *SessionContext) ApplyConfiguration() {
	this.configMutex.Lock()
	config := this.config
	this.configMutex.Unlock()

	if config.Cluster.Name != "" && this.ClusterName == "" {
		this.ClusterName = config.Cluster.Name
	}
	if config.Checkpoint.MaxPeriodMillis > 0 {
		this.SetCheckpointMaxPeriodMillis(config.Checkpoint.MaxPeriodMillis)
	}
	if config.Checkpoint.MinPeriodMillis > 0 {
		this.SetCheckpointMinPeriodMillis(config.Checkpoint.MinPeriodMillis)
	}
	if config.Heartbeat.IntervalMillis > 0 {
		this.SetHeartbeatIntervalMillis(config.Heartbeat.IntervalMillis)
	}
	if config.Heartbeat.MissThreshold > 0 {
		atomic.StoreInt64(&this.HeartbeatMissThreshold, config.Heartbeat.MissThreshold)
	}
}
