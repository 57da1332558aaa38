package walb

import (
	"time"

	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/logpack"
	"github.com/walb-linux/walb/snapshot"
)

// GetOldestLsid returns the retention boundary.
func (e *Engine) GetOldestLsid() common.Lsid {
	return e.lsids.Get().Oldest
}

// GetWrittenLsid returns the data-durable boundary.
func (e *Engine) GetWrittenLsid() common.Lsid {
	return e.lsids.Get().Written
}

// GetPermanentLsid returns the crash-safe log boundary.
func (e *Engine) GetPermanentLsid() common.Lsid {
	return e.lsids.Get().Permanent
}

// GetCompletedLsid returns the log-durable boundary.
func (e *Engine) GetCompletedLsid() common.Lsid {
	return e.lsids.Get().Completed
}

// GetLogUsage returns latest - oldest in sectors.
func (e *Engine) GetLogUsage() uint64 {
	s := e.lsids.Get()
	return s.Latest - s.Oldest
}

// GetLogCapacity returns the ring size in sectors.
func (e *Engine) GetLogCapacity() uint64 {
	return e.ring.Size
}

// IsLogOverflow reports the sticky overflow flag; only CLEAR_LOG
// clears it.
func (e *Engine) IsLogOverflow() bool {
	return e.overflow.Load()
}

// checkLsidValid reports whether lsid names a live log-pack header.
func (e *Engine) checkLsidValid(lsid common.Lsid) bool {
	buf, err := e.ldev.Read(e.ring.OffsetOf(lsid))
	if err != nil {
		return false
	}
	if !logpack.Valid(buf, e.salt()) {
		return false
	}
	h, err := logpack.Decode(buf)
	return err == nil && h.Lsid == lsid
}

// SetOldestLsid advances the retention boundary. lsid must equal
// written or lie in [oldest, written) referencing a valid pack header.
func (e *Engine) SetOldestLsid(lsid common.Lsid) error {
	if e.readOnly.Load() {
		return errors.WithStack(common.ErrReadOnly)
	}
	s := e.lsids.Get()
	if lsid != s.Written {
		if lsid < s.Oldest || lsid >= s.Written || !e.checkLsidValid(lsid) {
			return errors.Wrapf(common.ErrInvalidLsid,
				"oldest %d outside [%d, %d]", lsid, s.Oldest, s.Written)
		}
	}
	// oldest may pass the last checkpoint's written; drag prev_written
	// along (the following sync persists the current state anyway)
	if err := e.lsids.SetPrevWritten(lsid); err != nil {
		return err
	}
	if err := e.lsids.SetOldest(lsid); err != nil {
		return err
	}
	if err := e.syncSuper(); err != nil {
		e.setReadOnly()
		return err
	}
	return nil
}

// CreateSnapshot records (name, lsid, timestamp). InvalidLsid selects
// the current permanent LSID.
func (e *Engine) CreateSnapshot(name string, lsid common.Lsid, timestamp uint64) (snapshot.Record, error) {
	if e.readOnly.Load() {
		return snapshot.Record{}, errors.WithStack(common.ErrReadOnly)
	}
	if lsid == common.InvalidLsid {
		lsid = e.lsids.Get().Permanent
	}
	rec, err := e.snapd.Add(name, lsid, timestamp)
	if err != nil {
		if errors.Is(err, common.ErrIo) {
			e.setReadOnly()
		}
		return snapshot.Record{}, err
	}
	return rec, nil
}

// DeleteSnapshot removes the named snapshot.
func (e *Engine) DeleteSnapshot(name string) error {
	if e.readOnly.Load() {
		return errors.WithStack(common.ErrReadOnly)
	}
	if err := e.snapd.Del(name); err != nil {
		if errors.Is(err, common.ErrIo) {
			e.setReadOnly()
		}
		return err
	}
	return nil
}

// DeleteSnapshotRange removes snapshots with lsid in [lsid0, lsid1)
// and returns the count.
func (e *Engine) DeleteSnapshotRange(lsid0, lsid1 common.Lsid) (int, error) {
	if e.readOnly.Load() {
		return 0, errors.WithStack(common.ErrReadOnly)
	}
	if lsid0 > lsid1 {
		return 0, errors.Wrapf(common.ErrInvalidArgument,
			"bad range [%d, %d)", lsid0, lsid1)
	}
	n, err := e.snapd.DelRange(lsid0, lsid1)
	if err != nil {
		if errors.Is(err, common.ErrIo) {
			e.setReadOnly()
		}
		return n, err
	}
	return n, nil
}

// GetSnapshot returns the named snapshot record.
func (e *Engine) GetSnapshot(name string) (snapshot.Record, error) {
	return e.snapd.Get(name)
}

// NumOfSnapshotRange counts snapshots with lsid in [lsid0, lsid1).
func (e *Engine) NumOfSnapshotRange(lsid0, lsid1 common.Lsid) (int, error) {
	if lsid0 > lsid1 {
		return 0, errors.Wrapf(common.ErrInvalidArgument,
			"bad range [%d, %d)", lsid0, lsid1)
	}
	return e.snapd.NRecordsRange(lsid0, lsid1), nil
}

// ListSnapshotRange returns up to max records with lsid in
// [lsid0, lsid1) ordered by lsid then name, plus the lsid to resume
// from (InvalidLsid when exhausted).
func (e *Engine) ListSnapshotRange(lsid0, lsid1 common.Lsid, max int) ([]snapshot.Record, common.Lsid, error) {
	if lsid0 > lsid1 {
		return nil, common.InvalidLsid, errors.Wrapf(common.ErrInvalidArgument,
			"bad range [%d, %d)", lsid0, lsid1)
	}
	recs := e.snapd.ListRange(lsid0, lsid1, max)
	next := common.InvalidLsid
	if max > 0 && len(recs) == max {
		next = recs[len(recs)-1].Lsid + 1
	}
	return recs, next, nil
}

// ListSnapshotFrom returns up to max records with id >= snapshotID
// ordered by id, plus the id to resume from (InvalidID when
// exhausted).
func (e *Engine) ListSnapshotFrom(snapshotID uint32, max int) ([]snapshot.Record, uint32, error) {
	recs := e.snapd.ListFrom(snapshotID, max)
	next := snapshot.InvalidID
	if max > 0 && len(recs) == max {
		next = recs[len(recs)-1].SnapshotID + 1
	}
	return recs, next, nil
}

// Resize grows the exposed device. Shrinking is not supported.
func (e *Engine) Resize(newSize uint64) error {
	if e.readOnly.Load() {
		return errors.WithStack(common.ErrReadOnly)
	}
	ddevSize, err := e.ddev.Size()
	if err != nil {
		return err
	}
	e.sizeLock.Lock()
	defer e.sizeLock.Unlock()
	if newSize < e.devSize {
		return errors.Wrapf(common.ErrInvalidArgument,
			"shrink from %d to %d not supported", e.devSize, newSize)
	}
	if newSize > ddevSize {
		return errors.Wrapf(common.ErrInvalidArgument,
			"new size %d exceeds data device %d", newSize, ddevSize)
	}
	if newSize == e.devSize {
		return nil
	}
	e.lsuperLock.Lock()
	e.lsuper.DeviceSize = newSize
	e.lsuperLock.Unlock()
	if err := e.syncSuper(); err != nil {
		e.setReadOnly()
		return err
	}
	e.devSize = newSize
	return nil
}

// GetVersion returns the engine version.
func (e *Engine) GetVersion() uint32 {
	return Version
}

// FreezeSeconds is Freeze with the control-surface second-granularity
// argument.
func (e *Engine) FreezeSeconds(timeoutSec uint32) error {
	return e.Freeze(time.Duration(timeoutSec) * time.Second)
}
