package walb

import (
	"time"

	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/super"
	"github.com/walb-linux/walb/util"
)

// syncSuper snapshots the LSID set into the in-memory super image and
// writes both mirrors. LSIDs are captured before taking lsuperLock;
// the lsid lock is never held under it.
func (e *Engine) syncSuper() error {
	snap := e.lsids.Get()
	e.lsuperLock.Lock()
	e.lsuper.OldestLsid = snap.Oldest
	e.lsuper.WrittenLsid = snap.Written
	img := e.lsuper.Clone()
	e.lsuperLock.Unlock()
	return super.WriteSuper(e.ldev, img)
}

// TakeCheckpoint persists oldest_lsid and written_lsid into the super
// once, synchronously. On failure the engine latches read-only.
func (e *Engine) TakeCheckpoint() error {
	if e.readOnly.Load() {
		return errors.WithStack(common.ErrReadOnly)
	}
	written := e.lsids.Get().Written
	if err := e.syncSuper(); err != nil {
		e.setReadOnly()
		return err
	}
	if err := e.lsids.SetPrevWritten(written); err != nil {
		e.setReadOnly()
		return err
	}
	util.DPrintf(5, "checkpoint: written %d\n", written)
	return nil
}

// CheckpointInterval returns the current checkpoint period.
func (e *Engine) CheckpointInterval() time.Duration {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	return e.cpInterval
}

// SetCheckpointInterval changes the checkpoint period, bounded by
// MaxCheckpointInterval.
func (e *Engine) SetCheckpointInterval(d time.Duration) error {
	if d <= 0 || d > MaxCheckpointInterval {
		return errors.Wrapf(common.ErrInvalidArgument,
			"checkpoint interval %v out of range", d)
	}
	e.cpMu.Lock()
	e.cpInterval = d
	e.cpMu.Unlock()
	return nil
}

// startCheckpointing launches the periodic checkpoint task. Idempotent
// under freezeLock (callers serialise start/stop).
func (e *Engine) startCheckpointing() {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	if e.cpStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.cpStop = stop
	e.cpDone = done
	go e.checkpointLoop(stop, done)
}

// stopCheckpointing stops the periodic task and waits for it.
func (e *Engine) stopCheckpointing() {
	e.cpMu.Lock()
	stop, done := e.cpStop, e.cpDone
	e.cpStop, e.cpDone = nil, nil
	e.cpMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (e *Engine) checkpointLoop(stop chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-time.After(e.CheckpointInterval()):
		}
		if err := e.TakeCheckpoint(); err != nil {
			util.DPrintf(1, "checkpoint failed, stopping: %v\n", err)
			return
		}
	}
}
