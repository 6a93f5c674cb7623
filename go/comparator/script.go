/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package comparator

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

// Script bridges to an operator-provided comparator program, typically
// a wrapper around the packet-comparison module. The program is
// invoked as:
//
//	<script> <primary|secondary> install
//	<script> <primary|secondary> uninstall
//	<script> <primary|secondary> checkpoint
//	<script> <primary|secondary> failover
//
// with COLO_CLUSTER, COLO_SESSION_UUID and COLO_SIGNAL_FILE in its
// environment. Divergence is signalled back through the signal file:
// the program creates it when a checkpoint is needed, Poll consumes
// it. Combined script output goes to stderr.
type Script struct {
	migrationContext *base.SessionContext
	role             base.Role
}

func NewScript(migrationContext *base.SessionContext) *Script {
	return &Script{migrationContext: migrationContext}
}

func (this *Script) runCommand(role base.Role, action string) error {
	scriptPath := this.migrationContext.ComparatorScript
	if scriptPath == "" {
		return nil
	}
	cmd := exec.Command(scriptPath, role.String(), action)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("COLO_CLUSTER=%s", this.migrationContext.ClusterName),
		fmt.Sprintf("COLO_SESSION_UUID=%s", this.migrationContext.Uuid),
		fmt.Sprintf("COLO_SIGNAL_FILE=%s", this.migrationContext.ComparatorSignalFile),
	)
	combinedOutput, err := cmd.CombinedOutput()
	fmt.Fprintln(os.Stderr, string(combinedOutput))
	if err != nil {
		return fmt.Errorf("comparator script %s %s: %w", role, action, err)
	}
	return nil
}

func (this *Script) Init(role base.Role) error {
	this.role = role
	this.migrationContext.Log.Infof("comparator: installing for role %s", role)
	return this.runCommand(role, "install")
}

// Poll consumes the divergence signal file if present.
func (this *Script) Poll() (Signal, error) {
	signalFile := this.migrationContext.ComparatorSignalFile
	if signalFile == "" {
		return SignalNone, nil
	}
	if !base.FileExists(signalFile) {
		return SignalNone, nil
	}
	if err := os.Remove(signalFile); err != nil && !os.IsNotExist(err) {
		return SignalNone, err
	}
	this.migrationContext.Log.Debugf("comparator: divergence signal consumed")
	return SignalCheckpoint, nil
}

func (this *Script) Checkpoint() error {
	return this.runCommand(this.role, "checkpoint")
}

func (this *Script) Failover() error {
	return this.runCommand(this.role, "failover")
}

func (this *Script) Destroy(role base.Role) error {
	this.migrationContext.Log.Infof("comparator: uninstalling for role %s", role)
	return this.runCommand(role, "uninstall")
}
