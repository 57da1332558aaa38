package walb

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/lsid"
	"github.com/walb-linux/walb/ring"
	"github.com/walb-linux/walb/super"
	"github.com/walb-linux/walb/util"
)

// ClearLog discards the whole log history: all LSIDs return to zero,
// the device gets a fresh UUID and checksum salt (so no stale pack
// ever validates again), all snapshots are deleted and the overflow
// latch clears. Holding freezeLock for the whole operation serialises
// it against FREEZE/MELT; the state machine passes through Frozen
// explicitly.
func (e *Engine) ClearLog() error {
	// An overflow-induced read-only latch is exactly what CLEAR_LOG
	// recovers from; any other latch is final.
	wasOverflow := e.overflow.Load()
	if e.readOnly.Load() && !wasOverflow {
		return errors.WithStack(common.ErrReadOnly)
	}
	e.freezeLock.Lock()
	defer e.freezeLock.Unlock()
	util.DPrintf(1, "clear log %q\n", e.Name())

	switch e.freezeState {
	case Melted:
		e.iocoreFreeze()
		e.stopCheckpointing()
		e.freezeState = Frozen
	case FrozenWithTimeout:
		e.cancelMeltTimer()
		e.freezeState = Frozen
	case Frozen:
	}

	// Backup for the failure path.
	backup := e.lsids.Backup()
	oldRing := e.ring

	e.lsids.Reset(0)

	// The log device may have grown since format; recompute the ring.
	ldevSectors, err := e.ldev.Size()
	if err != nil {
		e.restoreClearLog(backup, oldRing)
		e.setReadOnly()
		return err
	}

	newSalt := super.NewSalt()
	newUuid := uuid.New()
	e.lsuperLock.Lock()
	ringStart := e.lsuper.RingStart()
	if ldevSectors <= ringStart {
		e.lsuperLock.Unlock()
		e.restoreClearLog(backup, oldRing)
		e.setReadOnly()
		return errors.Wrapf(common.ErrInvalidArgument,
			"log device shrunk to %d sectors", ldevSectors)
	}
	newRingSize := ldevSectors - ringStart
	if newRingSize != e.lsuper.RingBufferSize {
		util.DPrintf(1, "ring grown from %d to %d sectors\n",
			e.lsuper.RingBufferSize, newRingSize)
	}
	e.lsuper.Uuid = newUuid
	e.lsuper.LogChecksumSalt = newSalt
	e.lsuper.RingBufferSize = newRingSize
	e.lsuper.OldestLsid = 0
	e.lsuper.WrittenLsid = 0
	e.lsuperLock.Unlock()
	e.ring = ring.Ring{Start: ringStart, Size: newRingSize}

	if err := e.syncSuper(); err != nil {
		e.restoreClearLog(backup, oldRing)
		e.setReadOnly()
		return err
	}

	// Invalidate the on-disk pack at LSID 0.
	zero := make(disk.Sector, e.sectorSize)
	if err := e.ldev.Write(e.ring.OffsetOf(0), zero); err != nil {
		e.restoreClearLog(backup, oldRing)
		e.setReadOnly()
		return err
	}
	if err := e.ldev.Barrier(); err != nil {
		e.restoreClearLog(backup, oldRing)
		e.setReadOnly()
		return err
	}

	if _, err := e.snapd.DelRange(0, common.InvalidLsid); err != nil {
		e.restoreClearLog(backup, oldRing)
		e.setReadOnly()
		return err
	}

	e.overflow.Store(false)
	if wasOverflow {
		e.readOnly.Store(false)
	}

	e.startCheckpointing()
	e.iocoreMelt()
	e.freezeState = Melted
	return nil
}

// restoreClearLog restores the LSID set, the ring geometry and the
// super's LSID fields after a failed clear-log. The new UUID and salt
// stay in the in-memory super, and deleted snapshots are not brought
// back. The engine latches read-only right after, so the restored
// state is only ever read.
func (e *Engine) restoreClearLog(backup lsid.Snapshot, oldRing ring.Ring) {
	if err := e.lsids.Restore(backup); err != nil {
		util.DPrintf(1, "clear log: restore failed: %v\n", err)
	}
	e.lsuperLock.Lock()
	e.lsuper.RingBufferSize = oldRing.Size
	e.lsuper.OldestLsid = backup.Oldest
	e.lsuper.WrittenLsid = backup.Written
	e.lsuperLock.Unlock()
	e.ring = oldRing
}
