/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"sync"
	"time"
)

const maxHistoryDuration time.Duration = 10 * time.Minute

type checkpointState struct {
	mark       time.Time
	duration   time.Duration
	stateBytes int64
}

func newCheckpointState(mark time.Time, duration time.Duration, stateBytes int64) *checkpointState {
	result := &checkpointState{
		mark:       mark,
		duration:   duration,
		stateBytes: stateBytes,
	}
	return result
}

// CheckpointHistory keeps a sliding window of recent checkpoints for
// rate reporting. Only the window needed by status output is retained;
// the durable record is the journal's business.
type CheckpointHistory struct {
	history      [](*checkpointState)
	historyMutex *sync.Mutex
}

func NewCheckpointHistory() *CheckpointHistory {
	result := &CheckpointHistory{
		history:      make([](*checkpointState), 0),
		historyMutex: &sync.Mutex{},
	}
	return result
}

func (this *CheckpointHistory) oldestState() *checkpointState {
	if len(this.history) == 0 {
		return nil
	}
	return this.history[0]
}

func (this *CheckpointHistory) newestState() *checkpointState {
	if len(this.history) == 0 {
		return nil
	}
	return this.history[len(this.history)-1]
}

func (this *CheckpointHistory) oldestMark() (mark time.Time) {
	if oldest := this.oldestState(); oldest != nil {
		return oldest.mark
	}
	return mark
}

// MarkCheckpoint appends one completed checkpoint and expires history
// that has fallen out of the window.
func (this *CheckpointHistory) MarkCheckpoint(mark time.Time, duration time.Duration, stateBytes int64) {
	this.historyMutex.Lock()
	defer this.historyMutex.Unlock()

	this.history = append(this.history, newCheckpointState(mark, duration, stateBytes))
	for time.Since(this.oldestMark()) > maxHistoryDuration {
		if len(this.history) == 0 {
			return
		}
		this.history = this.history[1:]
	}
}

// hasEnoughData tells us whether there's at all enough information to
// compute rates. This function is not concurrent-safe.
func (this *CheckpointHistory) hasEnoughData() bool {
	oldest := this.oldestState()
	if oldest == nil {
		return false
	}
	newest := this.newestState()

	if !oldest.mark.Before(newest.mark) {
		// single point in time; cannot extrapolate
		return false
	}
	return true
}

// Rates returns checkpoints per second and state bytes per second over
// the retained window. Both are zero until two checkpoints exist.
func (this *CheckpointHistory) Rates() (checkpointsPerSecond float64, bytesPerSecond float64) {
	this.historyMutex.Lock()
	defer this.historyMutex.Unlock()

	if !this.hasEnoughData() {
		return 0, 0
	}
	window := this.newestState().mark.Sub(this.oldestMark()).Seconds()
	totalBytes := int64(0)
	for _, state := range this.history {
		totalBytes += state.stateBytes
	}
	checkpointsPerSecond = float64(len(this.history)-1) / window
	bytesPerSecond = float64(totalBytes) / window
	return checkpointsPerSecond, bytesPerSecond
}

// AverageDuration returns the mean checkpoint duration over the
// retained window.
func (this *CheckpointHistory) AverageDuration() time.Duration {
	this.historyMutex.Lock()
	defer this.historyMutex.Unlock()

	if len(this.history) == 0 {
		return 0
	}
	total := time.Duration(0)
	for _, state := range this.history {
		total += state.duration
	}
	return total / time.Duration(len(this.history))
}

func (this *CheckpointHistory) Count() int {
	this.historyMutex.Lock()
	defer this.historyMutex.Unlock()
	return len(this.history)
}
