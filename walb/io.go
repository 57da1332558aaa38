package walb

import (
	"time"

	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/util"
)

type reqKind int

const (
	reqWrite reqKind = iota
	reqDiscard
	reqFlush
)

// request is one upstream IO borrowed by the pipeline until its
// completion fires. Identity is the monotonically-assigned id, never
// the address.
type request struct {
	id       uint64
	kind     reqKind
	off      uint64 // sector offset on the exposed device
	data     []disk.Sector
	nSectors uint32 // discard length
	err      error
	done     chan struct{}
}

func (r *request) complete(err error) {
	r.err = err
	close(r.done)
}

func (e *Engine) checkRange(off, n uint64) error {
	size := e.DeviceSize()
	if n == 0 || off >= size || off+n > size {
		return errors.Wrapf(common.ErrInvalidArgument,
			"range [%d, %d) outside device of %d sectors", off, off+n, size)
	}
	return nil
}

// Read returns n sectors starting at off. Reads always go to the data
// device and bypass the freeze state.
func (e *Engine) Read(off, n uint64) ([]disk.Sector, error) {
	if err := e.checkRange(off, n); err != nil {
		return nil, err
	}
	bufs := make([]disk.Sector, 0, n)
	for i := uint64(0); i < n; i++ {
		buf, err := e.ddev.Read(off + i)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, buf)
	}
	return bufs, nil
}

// Write logs buf (a whole number of sectors) at sector offset off and
// returns once the write is durable in the log.
func (e *Engine) Write(off uint64, buf []byte) error {
	ss := e.sectorSize
	if uint64(len(buf)) == 0 || uint64(len(buf))%ss != 0 {
		return errors.Wrapf(common.ErrInvalidArgument,
			"write of %d bytes is not sector-aligned", len(buf))
	}
	n := uint64(len(buf)) / ss
	if err := e.checkRange(off, n); err != nil {
		return err
	}
	// A write larger than one pack's payload budget is split into
	// sequential chunk writes.
	if max := e.params.MaxLogpackSectors; n > max {
		for done := uint64(0); done < n; done += max {
			end := util.Min(done+max, n)
			if err := e.Write(off+done, buf[done*ss:end*ss]); err != nil {
				return err
			}
		}
		return nil
	}
	data := make([]disk.Sector, n)
	for i := uint64(0); i < n; i++ {
		data[i] = buf[i*ss : (i+1)*ss]
	}
	req := &request{
		kind: reqWrite,
		off:  off,
		data: data,
		done: make(chan struct{}),
	}
	if err := e.submit(req, uint64(len(buf))); err != nil {
		return err
	}
	<-req.done
	return req.err
}

// Discard logs a discard of n sectors at off. The data device is left
// untouched; the record orders against surrounding writes.
func (e *Engine) Discard(off, n uint64) error {
	if err := e.checkRange(off, n); err != nil {
		return err
	}
	if n > e.params.MaxLogpackSectors {
		return errors.Wrapf(common.ErrInvalidArgument,
			"discard of %d sectors exceeds pack budget", n)
	}
	req := &request{
		kind:     reqDiscard,
		off:      off,
		nSectors: uint32(n),
		done:     make(chan struct{}),
	}
	if err := e.submit(req, 0); err != nil {
		return err
	}
	<-req.done
	return req.err
}

// Flush acts as a barrier: when it returns, every previously
// acknowledged write is permanent.
func (e *Engine) Flush() error {
	req := &request{
		kind: reqFlush,
		done: make(chan struct{}),
	}
	if err := e.submit(req, 0); err != nil {
		return err
	}
	<-req.done
	return req.err
}

// submit enqueues a request for the pack stage, applying back-pressure
// on in-flight data bytes.
func (e *Engine) submit(req *request, bytes uint64) error {
	if e.readOnly.Load() {
		return errors.WithStack(common.ErrReadOnly)
	}
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return errors.Wrap(common.ErrBusy, "engine shut down")
	}
	if e.pendingBytes > e.maxPendingBytes() {
		e.stopped = true
	}
	if e.stopped {
		expired := false
		timer := time.AfterFunc(e.params.QueueStopTimeout, func() {
			e.mu.Lock()
			expired = true
			e.condSpace.Broadcast()
			e.mu.Unlock()
		})
		for e.stopped && !expired && !e.shutdown && !e.readOnly.Load() {
			e.condSpace.Wait()
		}
		timer.Stop()
		if e.stopped && expired {
			e.mu.Unlock()
			e.setReadOnly()
			return errors.Wrap(common.ErrReadOnly, "queue stop timeout")
		}
		if e.readOnly.Load() || e.shutdown {
			e.mu.Unlock()
			return errors.WithStack(common.ErrReadOnly)
		}
	}
	e.nextReqID++
	req.id = e.nextReqID
	e.inflight[req.id] = req
	e.queue = append(e.queue, req)
	e.pendingBytes += bytes
	e.condPack.Signal()
	e.mu.Unlock()
	return nil
}

func (e *Engine) maxPendingBytes() uint64 {
	return e.params.MaxPendingMB << 20
}

func (e *Engine) minPendingBytes() uint64 {
	return e.params.MinPendingMB << 20
}
