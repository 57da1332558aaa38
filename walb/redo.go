package walb

import (
	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/logpack"
	"github.com/walb-linux/walb/util"
)

// redo replays the log from written_lsid until the tail, applying data
// records to the data device. A pack whose header fails to validate
// ends the log; a pack with a corrupt payload record is truncated to
// the records before it and its header rewritten. Afterwards every
// LSID except oldest equals the cursor and the super is persisted, so
// running redo again is a no-op.
func (e *Engine) redo() error {
	salt := e.salt()
	cursor := e.lsids.Get().Written
	util.DPrintf(1, "redo: start at lsid %d\n", cursor)

	for {
		buf, err := e.ldev.Read(e.ring.OffsetOf(cursor))
		if err != nil {
			return err
		}
		if !logpack.Valid(buf, salt) {
			break
		}
		h, err := logpack.Decode(buf)
		if err != nil || h.Lsid != cursor {
			break
		}

		truncateAt := -1
		for k, rec := range h.Records {
			if !rec.HasPayload() {
				continue
			}
			payload, err := e.readPayload(cursor, rec)
			if err != nil {
				return err
			}
			if logpack.PayloadChecksum(payload, salt) != rec.Checksum {
				truncateAt = k
				break
			}
			if err := e.ddev.WriteBatch(rec.Offset, payload); err != nil {
				return err
			}
		}
		if truncateAt >= 0 {
			cursor, err = e.rewriteTruncated(h, truncateAt, salt)
			if err != nil {
				return err
			}
			break
		}
		cursor = h.NextLsid()
	}

	if err := e.ddev.Barrier(); err != nil {
		return err
	}
	if err := e.lsids.Equalize(cursor); err != nil {
		return err
	}
	util.DPrintf(1, "redo: done at lsid %d\n", cursor)
	return e.syncSuper()
}

func (e *Engine) readPayload(packLsid common.Lsid, rec logpack.Record) ([]disk.Sector, error) {
	payload := make([]disk.Sector, 0, rec.IoSize)
	for j := uint32(0); j < rec.IoSize; j++ {
		buf, err := e.ldev.Read(e.ring.OffsetOf(rec.Lsid(packLsid) + common.Lsid(j)))
		if err != nil {
			return nil, err
		}
		payload = append(payload, buf)
	}
	return payload, nil
}

// rewriteTruncated rewrites the latest pack's header keeping only the
// records before index k, and returns the LSID following the truncated
// pack.
func (e *Engine) rewriteTruncated(h *logpack.Header, k int, salt uint32) (common.Lsid, error) {
	kept := h.Records[:k]
	var total uint32
	for _, rec := range kept {
		total += rec.IoSize
	}
	nh := &logpack.Header{
		Lsid:        h.Lsid,
		TotalIoSize: total,
		Records:     kept,
	}
	buf := nh.Encode(e.sectorSize, salt)
	if err := e.ldev.Write(e.ring.OffsetOf(nh.Lsid), buf); err != nil {
		return 0, err
	}
	if err := e.ldev.Barrier(); err != nil {
		return 0, err
	}
	util.DPrintf(1, "redo: truncated pack %d to %d records\n", nh.Lsid, k)
	return nh.NextLsid(), nil
}
