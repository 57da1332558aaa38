// Package walb implements the write-ahead-log block device engine.
//
// Writes submitted to the engine are appended to a circular log on the
// log device, acknowledged once durable there, and applied to the data
// device in the background. On mount the unapplied log tail is redone
// onto the data device.
//
// The pipeline:
//
//	[ submitted | packed/logged | acked, awaiting data | applied ]
//	             ^               ^                      ^
//	             latest          permanent              written
//
// One packer goroutine consumes the submit queue, builds log packs and
// appends them to the ring; one data goroutine drains acknowledged
// packs onto the data device. Both are counted in nthread and drained
// by Shutdown.
package walb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/lsid"
	"github.com/walb-linux/walb/ring"
	"github.com/walb-linux/walb/snapshot"
	"github.com/walb-linux/walb/super"
	"github.com/walb-linux/walb/util"
)

// Version is the engine version reported by the VERSION control op.
const Version uint32 = super.FormatVersion

const (
	// MaxCheckpointInterval bounds SET_CHECKPOINT_INTERVAL.
	MaxCheckpointInterval = 24 * time.Hour
	// MaxFreezeTimeout bounds the FREEZE timeout argument.
	MaxFreezeTimeout = 86400 * time.Second
)

// Params are the engine tunables. Zero fields take defaults.
type Params struct {
	// MaxLogpackSectors bounds one pack's payload.
	MaxLogpackSectors uint64
	// MaxPendingMB / MinPendingMB bound in-flight data bytes; above
	// max the engine stops accepting writes until below min.
	MaxPendingMB uint64
	MinPendingMB uint64
	// QueueStopTimeout is how long a submitter waits on back-pressure
	// before the engine goes read-only.
	QueueStopTimeout time.Duration
	// LogFlushInterval / LogFlushIntervalSectors bound how long a
	// logged write may stay un-FLUSHed on a non-FUA log device.
	LogFlushInterval        time.Duration
	LogFlushIntervalSectors uint64
	// NIoBulk bounds data-stage sorting and concurrent submission.
	NIoBulk int
	// CheckpointInterval is the initial checkpoint period.
	CheckpointInterval time.Duration
}

// DefaultParams returns the default tunables.
func DefaultParams() Params {
	return Params{
		MaxLogpackSectors:       256,
		MaxPendingMB:            32,
		MinPendingMB:            16,
		QueueStopTimeout:        10 * time.Second,
		LogFlushInterval:        100 * time.Millisecond,
		LogFlushIntervalSectors: 2048,
		NIoBulk:                 64,
		CheckpointInterval:      10 * time.Second,
	}
}

func (p *Params) fillDefaults() {
	d := DefaultParams()
	if p.MaxLogpackSectors == 0 {
		p.MaxLogpackSectors = d.MaxLogpackSectors
	}
	if p.MaxPendingMB == 0 {
		p.MaxPendingMB = d.MaxPendingMB
	}
	if p.MinPendingMB == 0 {
		p.MinPendingMB = d.MinPendingMB
	}
	if p.QueueStopTimeout == 0 {
		p.QueueStopTimeout = d.QueueStopTimeout
	}
	if p.LogFlushInterval == 0 {
		p.LogFlushInterval = d.LogFlushInterval
	}
	if p.LogFlushIntervalSectors == 0 {
		p.LogFlushIntervalSectors = d.LogFlushIntervalSectors
	}
	if p.NIoBulk == 0 {
		p.NIoBulk = d.NIoBulk
	}
	if p.CheckpointInterval == 0 {
		p.CheckpointInterval = d.CheckpointInterval
	}
}

// FreezeState is the administrative pause state of the pipeline.
type FreezeState int

const (
	Melted FreezeState = iota
	Frozen
	FrozenWithTimeout
)

// Engine exposes one walb device over a log device and a data device.
// It exclusively owns both for its lifetime; the host passes the
// Engine value into every operation (no process-wide registry).
type Engine struct {
	ldev       disk.Disk
	ddev       disk.Disk
	params     Params
	sectorSize uint64

	// lsuperLock guards the in-memory super image. Never acquire the
	// lsid lock while holding it; sync paths snapshot LSIDs first.
	lsuperLock sync.Mutex
	lsuper     *super.Super

	lsids *lsid.Set
	ring  ring.Ring
	snapd *snapshot.Store

	// sizeLock guards the exposed device size.
	sizeLock sync.Mutex
	devSize  uint64

	readOnly atomic.Bool
	overflow atomic.Bool

	// mu guards the pipeline state below.
	mu         sync.Mutex
	condPack   *sync.Cond
	condData   *sync.Cond
	condSpace  *sync.Cond
	condDrain  *sync.Cond
	condShut   *sync.Cond
	queue      []*request
	pendingAck []*packWork
	dataQueue  []*packWork
	inflight   map[uint64]*request
	nextReqID  uint64

	pendingBytes uint64
	stopped      bool // back-pressure gate
	packFrozen   bool
	packing      bool
	shutdown     bool
	nthread      int

	sectorsSinceFlush uint64
	lastFlush         time.Time

	// freezeLock serialises freeze, melt and clear-log. It may sleep
	// (drain) while held.
	freezeLock  sync.Mutex
	freezeState FreezeState
	meltTimer   *time.Timer
	meltGen     uint64

	cpMu       sync.Mutex
	cpInterval time.Duration
	cpStop     chan struct{}
	cpDone     chan struct{}
}

// Format initialises a fresh device pair and returns the super image.
func Format(ldev, ddev disk.Disk, p super.FormatParams) (*super.Super, error) {
	if ldev.SectorSize() != ddev.SectorSize() {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"sector sizes differ: log %d, data %d",
			ldev.SectorSize(), ddev.SectorSize())
	}
	ddevSize, err := ddev.Size()
	if err != nil {
		return nil, err
	}
	if p.DeviceSize == 0 {
		p.DeviceSize = ddevSize
	}
	if p.DeviceSize > ddevSize {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"device size %d exceeds data device %d", p.DeviceSize, ddevSize)
	}
	return super.Format(ldev, p)
}

// Mount loads the super, replays the unapplied log tail onto the data
// device, and starts the pipeline.
func Mount(ldev, ddev disk.Disk, params Params) (*Engine, error) {
	if ldev.SectorSize() != ddev.SectorSize() {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"sector sizes differ: log %d, data %d",
			ldev.SectorSize(), ddev.SectorSize())
	}
	params.fillDefaults()
	sup, err := super.ReadSuper(ldev)
	if err != nil {
		return nil, err
	}
	ddevSize, err := ddev.Size()
	if err != nil {
		return nil, err
	}
	if sup.DeviceSize > ddevSize {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"device size %d exceeds data device %d", sup.DeviceSize, ddevSize)
	}
	snapd, err := snapshot.Load(ldev, super.MetadataOffset(ldev.SectorSize()),
		sup.SnapshotMetadataSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		ldev:       ldev,
		ddev:       ddev,
		params:     params,
		sectorSize: ldev.SectorSize(),
		lsuper:     sup,
		lsids:      lsid.New(sup.OldestLsid, sup.WrittenLsid),
		ring:       ring.Ring{Start: sup.RingStart(), Size: sup.RingBufferSize},
		snapd:      snapd,
		devSize:    sup.DeviceSize,
		inflight:   make(map[uint64]*request),
		cpInterval: params.CheckpointInterval,
		lastFlush:  time.Now(),
	}
	// a pack (header included) must always fit in the ring
	if e.params.MaxLogpackSectors+1 > e.ring.Size {
		e.params.MaxLogpackSectors = e.ring.Size / 2
	}
	e.condPack = sync.NewCond(&e.mu)
	e.condData = sync.NewCond(&e.mu)
	e.condSpace = sync.NewCond(&e.mu)
	e.condDrain = sync.NewCond(&e.mu)
	e.condShut = sync.NewCond(&e.mu)

	if err := e.redo(); err != nil {
		return nil, err
	}
	e.startBackgroundThreads()
	e.startCheckpointing()
	util.DPrintf(1, "mount: %q ring %d sectors, written %d\n",
		sup.Name, e.ring.Size, e.lsids.Get().Written)
	return e, nil
}

func (e *Engine) startBackgroundThreads() {
	go func() { e.packLoop() }()
	go func() { e.dataLoop() }()
}

// Name returns the device name from the super.
func (e *Engine) Name() string {
	e.lsuperLock.Lock()
	defer e.lsuperLock.Unlock()
	return e.lsuper.Name
}

// Uuid returns the device UUID from the super.
func (e *Engine) Uuid() uuid.UUID {
	e.lsuperLock.Lock()
	defer e.lsuperLock.Unlock()
	return e.lsuper.Uuid
}

// DeviceSize returns the exposed capacity in sectors.
func (e *Engine) DeviceSize() uint64 {
	e.sizeLock.Lock()
	defer e.sizeLock.Unlock()
	return e.devSize
}

// SectorSize returns the physical sector size.
func (e *Engine) SectorSize() uint64 {
	return e.sectorSize
}

func (e *Engine) salt() uint32 {
	e.lsuperLock.Lock()
	defer e.lsuperLock.Unlock()
	return e.lsuper.LogChecksumSalt
}

// IsReadOnly reports whether the engine has latched read-only.
func (e *Engine) IsReadOnly() bool {
	return e.readOnly.Load()
}

func (e *Engine) setReadOnly() {
	first := !e.readOnly.Swap(true)
	e.mu.Lock()
	if first {
		util.DPrintf(1, "engine latched read-only\n")
		// nothing queued or awaiting ack can ever complete now
		roErr := errors.WithStack(common.ErrReadOnly)
		for _, w := range e.pendingAck {
			for _, r := range w.reqs {
				delete(e.inflight, r.id)
				r.complete(roErr)
			}
		}
		e.pendingAck = nil
		for _, r := range e.queue {
			delete(e.inflight, r.id)
			if r.kind == reqWrite {
				e.pendingBytes -= uint64(len(r.data)) * e.sectorSize
			}
			r.complete(roErr)
		}
		e.queue = nil
	}
	// wake anything gated on pipeline progress
	e.condPack.Broadcast()
	e.condSpace.Broadcast()
	e.condDrain.Broadcast()
	e.mu.Unlock()
}

// Shutdown checkpoints, stops the pipeline, and flushes both devices.
// The engine is unusable afterwards.
func (e *Engine) Shutdown() error {
	util.DPrintf(1, "shutdown walb engine\n")
	// let in-flight work finish when the pipeline is running
	e.freezeLock.Lock()
	if e.freezeState == Melted && !e.readOnly.Load() {
		e.waitDrainQueue()
	}
	e.freezeLock.Unlock()

	e.stopCheckpointing()
	if !e.readOnly.Load() {
		if err := e.TakeCheckpoint(); err != nil {
			util.DPrintf(1, "shutdown checkpoint failed: %v\n", err)
		}
	}

	e.mu.Lock()
	e.shutdown = true
	e.condPack.Broadcast()
	e.condData.Broadcast()
	for e.nthread > 0 {
		e.condShut.Wait()
	}
	// fail whatever is still queued (frozen or read-only shutdown)
	for _, r := range e.queue {
		r.complete(errors.Wrap(common.ErrBusy, "engine shut down"))
	}
	e.queue = nil
	e.mu.Unlock()

	if err := e.ldev.Barrier(); err != nil {
		return err
	}
	return e.ddev.Barrier()
}

// waitDrainQueue waits until the submit queue and all in-flight packs
// have fully drained.
func (e *Engine) waitDrainQueue() {
	e.mu.Lock()
	for (len(e.queue) > 0 || e.packing || len(e.pendingAck) > 0 ||
		len(e.dataQueue) > 0) && !e.readOnly.Load() {
		e.condDrain.Wait()
	}
	e.mu.Unlock()
}

// waitDrainInflight waits until packed-but-unfinished work has
// drained; queued requests stay queued (used while freezing).
func (e *Engine) waitDrainInflight() {
	e.mu.Lock()
	for (e.packing || len(e.pendingAck) > 0 || len(e.dataQueue) > 0) &&
		!e.readOnly.Load() {
		e.condDrain.Wait()
	}
	e.mu.Unlock()
}
