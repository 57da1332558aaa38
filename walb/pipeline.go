package walb

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/logpack"
	"github.com/walb-linux/walb/util"
)

// dataWrite is one record's pending write against the data device.
type dataWrite struct {
	off  uint64
	data []disk.Sector
}

// packWork tracks one appended pack from log durability to data
// durability.
type packWork struct {
	endLsid common.Lsid
	writes  []dataWrite
	reqs    []*request
	bytes   uint64
}

// packLoop consumes the submit queue, appends packs to the log and
// acknowledges requests once their pack is permanent.
func (e *Engine) packLoop() {
	e.mu.Lock()
	e.nthread++
	for !e.shutdown {
		if e.packFrozen || e.readOnly.Load() || len(e.queue) == 0 {
			if len(e.pendingAck) > 0 && !e.readOnly.Load() {
				// nothing new to pack; make what is logged
				// permanent so its acks can fire
				e.mu.Unlock()
				if err := e.maybeFlushLog(true); err == nil {
					e.ackPermanent(nil)
				}
				e.mu.Lock()
				continue
			}
			e.condDrain.Broadcast()
			e.condPack.Wait()
			continue
		}
		batch := e.queue
		e.queue = nil
		e.packing = true
		e.mu.Unlock()

		e.processBatch(batch)

		e.mu.Lock()
		e.packing = false
		e.condDrain.Broadcast()
	}
	util.DPrintf(1, "packer: shutdown\n")
	e.nthread--
	e.condShut.Signal()
	e.mu.Unlock()
}

// processBatch groups batch into packs, appends them, runs the FLUSH
// discipline, and acknowledges what became permanent.
func (e *Engine) processBatch(batch []*request) {
	salt := e.salt()
	var works []*packWork
	forceFlush := false

	b := logpack.NewBuilder(e.sectorSize, e.params.MaxLogpackSectors, salt)
	cur := &packWork{}
	emit := func() error {
		if b.Empty() {
			return nil
		}
		w, err := e.appendPack(b, cur)
		if err != nil {
			for _, r := range cur.reqs {
				r.completeInflight(e, err)
			}
			return err
		}
		works = append(works, w...)
		b = logpack.NewBuilder(e.sectorSize, e.params.MaxLogpackSectors, salt)
		cur = &packWork{}
		return nil
	}

	var failErr error
	for _, r := range batch {
		if failErr != nil {
			r.completeInflight(e, failErr)
			continue
		}
		switch r.kind {
		case reqFlush:
			if err := emit(); err != nil {
				failErr = err
				r.completeInflight(e, failErr)
				continue
			}
			forceFlush = true
			works = append(works, &packWork{
				endLsid: e.lsids.Get().Latest,
				reqs:    []*request{r},
			})
		case reqWrite:
			if !b.CanAdd(uint64(len(r.data))) {
				if err := emit(); err != nil {
					failErr = err
					r.completeInflight(e, failErr)
					continue
				}
			}
			b.AddWrite(r.off, r.data)
			cur.reqs = append(cur.reqs, r)
			cur.writes = append(cur.writes, dataWrite{off: r.off, data: r.data})
			cur.bytes += uint64(len(r.data)) * e.sectorSize
		case reqDiscard:
			if !b.CanAdd(uint64(r.nSectors)) {
				if err := emit(); err != nil {
					failErr = err
					r.completeInflight(e, failErr)
					continue
				}
			}
			b.AddDiscard(r.off, r.nSectors)
			cur.reqs = append(cur.reqs, r)
		}
	}
	if failErr == nil {
		if err := emit(); err != nil {
			failErr = err
		}
	}
	if failErr != nil {
		for _, w := range works {
			for _, r := range w.reqs {
				r.completeInflight(e, failErr)
			}
		}
		return
	}

	e.mu.Lock()
	queueEmpty := len(e.queue) == 0
	e.mu.Unlock()
	if err := e.maybeFlushLog(forceFlush || queueEmpty); err != nil {
		for _, w := range works {
			for _, r := range w.reqs {
				r.completeInflight(e, err)
			}
		}
		return
	}
	e.ackPermanent(works)
}

func (r *request) completeInflight(e *Engine, err error) {
	e.mu.Lock()
	delete(e.inflight, r.id)
	if r.kind == reqWrite {
		e.pendingBytes -= uint64(len(r.data)) * e.sectorSize
	}
	e.mu.Unlock()
	r.complete(err)
}

// appendPack assigns LSIDs and writes one pack (plus a padding pack if
// the ring end is in the way) to the log device. Only the pack stage
// advances latest, so the read-decide-advance sequence is race-free.
func (e *Engine) appendPack(b *logpack.Builder, w *packWork) ([]*packWork, error) {
	salt := e.salt()
	size := b.PackSectors()
	snap := e.lsids.Get()
	var works []*packWork

	needed := size
	var padSectors uint64
	if e.ring.WouldWrap(snap.Latest, size) {
		padSectors = e.ring.SpaceToEnd(snap.Latest)
		needed += padSectors
	}
	if e.ring.Overflows(snap.Oldest, snap.Latest, needed) {
		e.overflow.Store(true)
		e.setReadOnly()
		return nil, errors.Wrapf(common.ErrLogOverflow,
			"pack of %d sectors, %d free", needed,
			e.ring.Free(snap.Oldest, snap.Latest))
	}

	if padSectors > 0 {
		pb := logpack.NewBuilder(e.sectorSize, padSectors, salt)
		pb.AddPadding(uint32(padSectors - 1))
		start := e.lsids.AdvanceLatest(padSectors)
		hdr, _, _ := pb.Finish(start)
		if err := e.ldev.Write(e.ring.OffsetOf(start), hdr); err != nil {
			e.setReadOnly()
			return nil, err
		}
		if err := e.lsids.SetCompleted(start + padSectors); err != nil {
			e.setReadOnly()
			return nil, err
		}
		e.noteLogged(padSectors, start+padSectors)
		works = append(works, &packWork{endLsid: start + padSectors})
		util.DPrintf(5, "padding pack at %d, %d sectors\n", start, padSectors)
	}

	start := e.lsids.AdvanceLatest(size)
	hdr, payload, ph := b.Finish(start)
	if err := e.ldev.Write(e.ring.OffsetOf(start), hdr); err != nil {
		e.setReadOnly()
		return nil, err
	}
	pi := 0
	for _, rec := range ph.Records {
		if !rec.HasPayload() {
			continue
		}
		secs := payload[pi : pi+int(rec.IoSize)]
		pi += int(rec.IoSize)
		off := e.ring.OffsetOf(rec.Lsid(start))
		if err := e.ldev.WriteBatch(off, secs); err != nil {
			e.setReadOnly()
			return nil, err
		}
	}
	if err := e.lsids.SetCompleted(start + size); err != nil {
		e.setReadOnly()
		return nil, err
	}
	e.noteLogged(size, start+size)
	w.endLsid = start + size
	util.DPrintf(5, "pack at lsid %d, %d records, %d sectors\n",
		start, len(ph.Records), size)
	return append(works, w), nil
}

// noteLogged updates the FLUSH bookkeeping after log writes covering
// up to endLsid.
func (e *Engine) noteLogged(sectors uint64, endLsid common.Lsid) {
	if e.ldev.Fua() {
		e.lsids.PromotePermanent(endLsid)
		return
	}
	e.mu.Lock()
	e.sectorsSinceFlush += sectors
	e.mu.Unlock()
}

// maybeFlushLog issues a FLUSH on the log device when forced or when
// the interval/sector thresholds are due, then promotes permanent.
func (e *Engine) maybeFlushLog(force bool) error {
	if e.ldev.Fua() {
		return nil
	}
	e.mu.Lock()
	due := force ||
		e.sectorsSinceFlush >= e.params.LogFlushIntervalSectors ||
		time.Since(e.lastFlush) >= e.params.LogFlushInterval
	pending := e.sectorsSinceFlush
	e.mu.Unlock()
	if !due || pending == 0 {
		return nil
	}
	completed := e.lsids.Get().Completed
	if err := e.lsids.SetFlush(completed); err != nil {
		e.setReadOnly()
		return err
	}
	if err := e.ldev.Barrier(); err != nil {
		e.setReadOnly()
		return err
	}
	if err := e.lsids.PromotePermanent(completed); err != nil {
		e.setReadOnly()
		return err
	}
	e.mu.Lock()
	e.sectorsSinceFlush = 0
	e.lastFlush = time.Now()
	e.mu.Unlock()
	return nil
}

// ackPermanent acknowledges every pending pack whose end is permanent
// and hands it to the data stage.
func (e *Engine) ackPermanent(works []*packWork) {
	perm := e.lsids.Get().Permanent
	e.mu.Lock()
	e.pendingAck = append(e.pendingAck, works...)
	var still []*packWork
	for _, w := range e.pendingAck {
		if w.endLsid > perm {
			still = append(still, w)
			continue
		}
		for _, r := range w.reqs {
			delete(e.inflight, r.id)
			r.complete(nil)
		}
		e.dataQueue = append(e.dataQueue, w)
	}
	e.pendingAck = still
	if len(e.dataQueue) > 0 {
		e.condData.Signal()
	}
	e.mu.Unlock()
}

// dataLoop drains acknowledged packs onto the data device and advances
// written.
func (e *Engine) dataLoop() {
	e.mu.Lock()
	e.nthread++
	for !e.shutdown {
		if len(e.dataQueue) == 0 {
			e.condDrain.Broadcast()
			e.condData.Wait()
			continue
		}
		n := len(e.dataQueue)
		if n > e.params.NIoBulk {
			n = e.params.NIoBulk
		}
		works := e.dataQueue[:n]
		e.dataQueue = e.dataQueue[n:]
		e.mu.Unlock()

		err := e.applyWorks(works)

		e.mu.Lock()
		var freed uint64
		for _, w := range works {
			freed += w.bytes
		}
		e.pendingBytes -= freed
		if e.stopped && e.pendingBytes < e.minPendingBytes() {
			e.stopped = false
			e.condSpace.Broadcast()
		}
		if err != nil {
			e.condDrain.Broadcast()
		}
	}
	util.DPrintf(1, "data writer: shutdown\n")
	e.nthread--
	e.condShut.Signal()
	e.mu.Unlock()
}

// applyWorks writes the packs' records to the data device, sorted by
// offset and submitted concurrently up to NIoBulk, then advances
// written past the last pack.
func (e *Engine) applyWorks(works []*packWork) error {
	var writes []dataWrite
	for _, w := range works {
		writes = append(writes, w.writes...)
	}
	sort.SliceStable(writes, func(i, j int) bool {
		return writes[i].off < writes[j].off
	})
	var g errgroup.Group
	g.SetLimit(e.params.NIoBulk)
	for _, wr := range writes {
		wr := wr
		g.Go(func() error {
			return e.ddev.WriteBatch(wr.off, wr.data)
		})
	}
	if err := g.Wait(); err != nil {
		e.setReadOnly()
		return err
	}
	if !e.ddev.Fua() {
		if err := e.ddev.Barrier(); err != nil {
			e.setReadOnly()
			return err
		}
	}
	end := works[len(works)-1].endLsid
	if err := e.lsids.SetWritten(end); err != nil {
		e.setReadOnly()
		return err
	}
	return nil
}
