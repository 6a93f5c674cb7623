/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

const (
	onStartup            = "qemu-colo-on-startup"
	onReady              = "qemu-colo-on-ready"
	onFailover           = "qemu-colo-on-failover"
	onGuestShutdown      = "qemu-colo-on-guest-shutdown"
	onInteractiveCommand = "qemu-colo-on-interactive-command"
	onStatus             = "qemu-colo-on-status"
)

// HooksExecutor runs operator-provided scripts on replication
// lifecycle events. Hooks are looked up by name prefix under the
// configured hooks path; an empty path disables them entirely.
type HooksExecutor struct {
	migrationContext *base.SessionContext
	writer           io.Writer
}

func NewHooksExecutor(migrationContext *base.SessionContext) *HooksExecutor {
	return &HooksExecutor{
		migrationContext: migrationContext,
		writer:           os.Stderr,
	}
}

func (this *HooksExecutor) initHooks() error {
	return nil
}

func (this *HooksExecutor) applyEnvironmentVariables(extraVariables ...string) []string {
	env := os.Environ()
	env = append(env, fmt.Sprintf("COLO_ROLE=%s", this.migrationContext.GetRole()))
	env = append(env, fmt.Sprintf("COLO_CLUSTER=%s", this.migrationContext.ClusterName))
	env = append(env, fmt.Sprintf("COLO_SESSION_UUID=%s", this.migrationContext.Uuid))
	env = append(env, fmt.Sprintf("COLO_EXECUTING_HOST=%s", this.migrationContext.Hostname))
	env = append(env, fmt.Sprintf("COLO_STATUS=%s", this.migrationContext.GetStatus()))
	env = append(env, fmt.Sprintf("COLO_CHECKPOINT_COUNT=%d", this.migrationContext.GetTotalCheckpoints()))
	env = append(env, fmt.Sprintf("COLO_STATE_BYTES=%d", this.migrationContext.GetTotalStateBytes()))
	env = append(env, fmt.Sprintf("COLO_ELAPSED_SECONDS=%f", this.migrationContext.ElapsedTime().Seconds()))
	env = append(env, fmt.Sprintf("COLO_HOOKS_HINT=%s", this.migrationContext.HooksHintMessage))

	env = append(env, extraVariables...)
	return env
}

// executeHook executes a command and sets relevant environment
// variables. Combined output & error are written to the executor's
// writer.
func (this *HooksExecutor) executeHook(hook string, extraVariables ...string) error {
	cmd := exec.Command(hook)
	cmd.Env = this.applyEnvironmentVariables(extraVariables...)

	combinedOutput, err := cmd.CombinedOutput()
	fmt.Fprintln(this.writer, string(combinedOutput))
	return err
}

func (this *HooksExecutor) detectHooks(baseName string) (hooks []string, err error) {
	if this.migrationContext.HooksPath == "" {
		return hooks, err
	}
	pattern := fmt.Sprintf("%s/%s*", this.migrationContext.HooksPath, baseName)
	hooks, err = filepath.Glob(pattern)
	return hooks, err
}

func (this *HooksExecutor) executeHooks(baseName string, extraVariables ...string) error {
	hooks, err := this.detectHooks(baseName)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		this.migrationContext.Log.Infof("executing %+v hook: %+v", baseName, hook)
		if err := this.executeHook(hook, extraVariables...); err != nil {
			return err
		}
	}
	return nil
}

func (this *HooksExecutor) onStartup() error {
	return this.executeHooks(onStartup)
}

func (this *HooksExecutor) onReady() error {
	return this.executeHooks(onReady)
}

func (this *HooksExecutor) onFailover(reason string) error {
	v := fmt.Sprintf("COLO_FAILOVER_REASON='%s'", reason)
	return this.executeHooks(onFailover, v)
}

func (this *HooksExecutor) onGuestShutdown() error {
	return this.executeHooks(onGuestShutdown)
}

func (this *HooksExecutor) onInteractiveCommand(command string) error {
	v := fmt.Sprintf("COLO_COMMAND='%s'", command)
	return this.executeHooks(onInteractiveCommand, v)
}

func (this *HooksExecutor) onStatus(statusMessage string) error {
	v := fmt.Sprintf("COLO_STATUS_MESSAGE='%s'", statusMessage)
	return this.executeHooks(onStatus, v)
}
