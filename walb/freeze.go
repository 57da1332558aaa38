package walb

import (
	"time"

	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/util"
)

// iocoreFreeze pauses the pack stage and waits for packed-but-pending
// work to drain. Queued and newly submitted writes stay queued until
// melt; reads bypass the freeze entirely.
func (e *Engine) iocoreFreeze() {
	e.mu.Lock()
	e.packFrozen = true
	e.mu.Unlock()
	e.waitDrainInflight()
}

// iocoreMelt resumes the pack stage.
func (e *Engine) iocoreMelt() {
	e.mu.Lock()
	e.packFrozen = false
	e.condPack.Broadcast()
	e.mu.Unlock()
}

// Freeze pauses writes and checkpointing. With timeout zero the device
// stays frozen until Melt; otherwise it melts automatically after the
// timeout. Re-freezing an already frozen device cancels any pending
// auto-melt; a nonzero timeout (re)arms it.
func (e *Engine) Freeze(timeout time.Duration) error {
	if timeout < 0 || timeout > MaxFreezeTimeout {
		return errors.Wrapf(common.ErrInvalidArgument,
			"freeze timeout %v out of range", timeout)
	}
	if e.readOnly.Load() {
		return errors.WithStack(common.ErrReadOnly)
	}
	e.freezeLock.Lock()
	defer e.freezeLock.Unlock()
	switch e.freezeState {
	case Melted:
		util.DPrintf(1, "freeze %q\n", e.Name())
		e.iocoreFreeze()
		e.stopCheckpointing()
		e.freezeState = Frozen
	case Frozen:
		// already frozen
	case FrozenWithTimeout:
		e.cancelMeltTimer()
		e.freezeState = Frozen
	}
	if timeout > 0 {
		util.DPrintf(1, "(re)set frozen timeout to %v\n", timeout)
		e.meltGen++
		gen := e.meltGen
		e.meltTimer = time.AfterFunc(timeout, func() { e.taskMelt(gen) })
		e.freezeState = FrozenWithTimeout
	}
	return nil
}

// Melt resumes writes and checkpointing. Idempotent.
func (e *Engine) Melt() error {
	e.freezeLock.Lock()
	defer e.freezeLock.Unlock()
	e.meltLocked()
	return nil
}

func (e *Engine) meltLocked() {
	switch e.freezeState {
	case Melted:
	case Frozen, FrozenWithTimeout:
		e.cancelMeltTimer()
		util.DPrintf(1, "melt %q\n", e.Name())
		e.startCheckpointing()
		e.iocoreMelt()
		e.freezeState = Melted
	}
}

// taskMelt fires when a freeze timeout expires. The generation guards
// against a stale timer racing a re-freeze.
func (e *Engine) taskMelt(gen uint64) {
	e.freezeLock.Lock()
	defer e.freezeLock.Unlock()
	if e.freezeState != FrozenWithTimeout || gen != e.meltGen {
		// an explicit freeze or melt got there first
		return
	}
	util.DPrintf(1, "auto-melt %q\n", e.Name())
	e.meltTimer = nil
	e.startCheckpointing()
	e.iocoreMelt()
	e.freezeState = Melted
}

// cancelMeltTimer stops any pending auto-melt. Idempotent; callers
// hold freezeLock.
func (e *Engine) cancelMeltTimer() {
	e.meltGen++
	if e.meltTimer != nil {
		e.meltTimer.Stop()
		e.meltTimer = nil
	}
}

// IsFrozen reports whether the pipeline is currently frozen.
func (e *Engine) IsFrozen() bool {
	e.freezeLock.Lock()
	defer e.freezeLock.Unlock()
	return e.freezeState != Melted
}
