package walb

import (
	"time"

	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/snapshot"
)

// Opcode selects a control operation.
type Opcode int

const (
	OpGetOldestLsid Opcode = iota
	OpSetOldestLsid
	OpTakeCheckpoint
	OpGetCheckpointInterval
	OpSetCheckpointInterval
	OpGetWrittenLsid
	OpGetPermanentLsid
	OpGetCompletedLsid
	OpGetLogUsage
	OpGetLogCapacity
	OpCreateSnapshot
	OpDeleteSnapshot
	OpDeleteSnapshotRange
	OpGetSnapshot
	OpNumOfSnapshotRange
	OpListSnapshotRange
	OpListSnapshotFrom
	OpResize
	OpClearLog
	OpIsLogOverflow
	OpFreeze
	OpIsFrozen
	OpMelt
	OpVersion
)

// CtlRequest carries an opcode and its input payload.
type CtlRequest struct {
	Op        Opcode
	Lsid      common.Lsid
	Lsid0     common.Lsid
	Lsid1     common.Lsid
	Name      string
	Timestamp uint64
	Val32     uint32
	Val64     uint64
	Max       int
}

// CtlResponse carries the typed out-params of a control operation.
type CtlResponse struct {
	Lsid    common.Lsid
	Val32   uint32
	Val64   uint64
	Bool    bool
	Record  snapshot.Record
	Records []snapshot.Record
	// NextLsid / NextSid resume pagination.
	NextLsid common.Lsid
	NextSid  uint32
}

// Dispatch executes one synchronous control request.
func (e *Engine) Dispatch(req CtlRequest) (CtlResponse, error) {
	var resp CtlResponse
	var err error
	switch req.Op {
	case OpGetOldestLsid:
		resp.Lsid = e.GetOldestLsid()
	case OpSetOldestLsid:
		err = e.SetOldestLsid(req.Lsid)
	case OpTakeCheckpoint:
		err = e.TakeCheckpoint()
	case OpGetCheckpointInterval:
		resp.Val32 = uint32(e.CheckpointInterval() / time.Millisecond)
	case OpSetCheckpointInterval:
		err = e.SetCheckpointInterval(time.Duration(req.Val32) * time.Millisecond)
	case OpGetWrittenLsid:
		resp.Lsid = e.GetWrittenLsid()
	case OpGetPermanentLsid:
		resp.Lsid = e.GetPermanentLsid()
	case OpGetCompletedLsid:
		resp.Lsid = e.GetCompletedLsid()
	case OpGetLogUsage:
		resp.Val64 = e.GetLogUsage()
	case OpGetLogCapacity:
		resp.Val64 = e.GetLogCapacity()
	case OpCreateSnapshot:
		resp.Record, err = e.CreateSnapshot(req.Name, req.Lsid, req.Timestamp)
	case OpDeleteSnapshot:
		err = e.DeleteSnapshot(req.Name)
	case OpDeleteSnapshotRange:
		var n int
		n, err = e.DeleteSnapshotRange(req.Lsid0, req.Lsid1)
		resp.Val32 = uint32(n)
	case OpGetSnapshot:
		resp.Record, err = e.GetSnapshot(req.Name)
	case OpNumOfSnapshotRange:
		var n int
		n, err = e.NumOfSnapshotRange(req.Lsid0, req.Lsid1)
		resp.Val32 = uint32(n)
	case OpListSnapshotRange:
		resp.Records, resp.NextLsid, err = e.ListSnapshotRange(req.Lsid0, req.Lsid1, req.Max)
	case OpListSnapshotFrom:
		resp.Records, resp.NextSid, err = e.ListSnapshotFrom(req.Val32, req.Max)
	case OpResize:
		err = e.Resize(req.Val64)
	case OpClearLog:
		err = e.ClearLog()
	case OpIsLogOverflow:
		resp.Bool = e.IsLogOverflow()
	case OpFreeze:
		err = e.FreezeSeconds(req.Val32)
	case OpIsFrozen:
		resp.Bool = e.IsFrozen()
	case OpMelt:
		err = e.Melt()
	case OpVersion:
		resp.Val32 = e.GetVersion()
	default:
		err = errors.Wrapf(common.ErrInvalidArgument, "opcode %d", req.Op)
	}
	return resp, err
}
