package walb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/logpack"
	"github.com/walb-linux/walb/super"
)

func validPack(buf disk.Sector, salt uint32) bool {
	return logpack.Valid(buf, salt)
}

const (
	testSectorSize = 4096
	testRingSize   = 1024
	testDataSize   = 2048
	// NSnapshots 64 -> 2 metadata sectors -> ring starts at sector 5
	testLdevSize = 5 + testRingSize
)

type WalbSuite struct {
	suite.Suite
	ldev disk.Disk
	ddev disk.Disk
	e    *Engine
}

func (suite *WalbSuite) SetupTest() {
	suite.ldev = disk.NewMemDisk(testSectorSize, testLdevSize)
	suite.ddev = disk.NewMemDisk(testSectorSize, testDataSize)
	_, err := Format(suite.ldev, suite.ddev, super.FormatParams{
		DeviceSize: testDataSize,
		NSnapshots: 64,
		Name:       "walb-test0",
	})
	suite.Require().NoError(err)
	suite.mount()
}

func (suite *WalbSuite) TearDownTest() {
	if suite.e != nil {
		suite.e.Shutdown()
		suite.e = nil
	}
}

func (suite *WalbSuite) mount() {
	e, err := Mount(suite.ldev, suite.ddev, Params{})
	suite.Require().NoError(err)
	suite.e = e
}

// crash abandons the engine without the final checkpoint, simulating a
// power cut after whatever the devices already hold.
func (suite *WalbSuite) crash() {
	e := suite.e
	e.stopCheckpointing()
	e.freezeLock.Lock()
	e.cancelMeltTimer()
	e.freezeState = Melted
	e.freezeLock.Unlock()
	e.mu.Lock()
	e.shutdown = true
	e.condPack.Broadcast()
	e.condData.Broadcast()
	for e.nthread > 0 {
		e.condShut.Wait()
	}
	e.mu.Unlock()
	suite.e = nil
}

// waitDrain waits until every assigned LSID is durable on the data
// device.
func (suite *WalbSuite) waitDrain() {
	deadline := time.Now().Add(10 * time.Second)
	for {
		s := suite.e.lsids.Get()
		if s.Written == s.Latest {
			return
		}
		if time.Now().After(deadline) {
			suite.FailNow("pipeline drain timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

func (suite *WalbSuite) assertLsidOrdered() {
	s := suite.e.lsids.Get()
	suite.LessOrEqual(s.Oldest, s.PrevWritten)
	suite.LessOrEqual(s.PrevWritten, s.Written)
	suite.LessOrEqual(s.Written, s.Permanent)
	suite.LessOrEqual(s.Permanent, s.Completed)
	suite.LessOrEqual(s.Completed, s.Flush)
	suite.LessOrEqual(s.Flush, s.Latest)
}

func mkBuf(nSectors int, b byte) []byte {
	buf := make([]byte, nSectors*testSectorSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestWalb(t *testing.T) {
	suite.Run(t, new(WalbSuite))
}

func (suite *WalbSuite) TestFreshInit() {
	suite.Equal(uint64(0), suite.e.GetOldestLsid())
	suite.Equal(uint64(0), suite.e.GetWrittenLsid())
	suite.Equal(uint64(0), suite.e.lsids.Get().Latest)
	suite.Equal(uint64(0), suite.e.GetLogUsage())
	suite.Equal(uint64(testRingSize), suite.e.GetLogCapacity())
	suite.Equal("walb-test0", suite.e.Name())
	suite.False(suite.e.IsFrozen())
	suite.False(suite.e.IsLogOverflow())
	recs, _, err := suite.e.ListSnapshotFrom(0, 0)
	suite.NoError(err)
	suite.Empty(recs)
	suite.assertLsidOrdered()
}

func (suite *WalbSuite) TestWriteReadBack() {
	buf := mkBuf(4, 0x5a)
	suite.Require().NoError(suite.e.Write(100, buf))
	suite.waitDrain()
	secs, err := suite.e.Read(100, 4)
	suite.NoError(err)
	for _, s := range secs {
		suite.Equal(disk.Sector(buf[:testSectorSize]), s)
	}
	suite.Equal(uint64(5), suite.e.GetLogUsage(), "header plus four sectors")
	suite.assertLsidOrdered()
}

func (suite *WalbSuite) TestWriteCrashRedo() {
	buf := mkBuf(8, 0xab)
	suite.Require().NoError(suite.e.Write(1000, buf))
	// acked but never checkpointed
	suite.Equal(uint64(0), mustReadSuper(suite).WrittenLsid)
	suite.crash()

	suite.mount()
	suite.Equal(uint64(9), suite.e.GetWrittenLsid(),
		"redo applied the pack and advanced written")
	suite.Equal(uint64(9), mustReadSuper(suite).WrittenLsid,
		"redo persisted the super")
	secs, err := suite.e.Read(1000, 8)
	suite.NoError(err)
	for _, s := range secs {
		suite.Equal(disk.Sector(buf[:testSectorSize]), s)
	}
	suite.assertLsidOrdered()
}

func mustReadSuper(suite *WalbSuite) *super.Super {
	s, err := super.ReadSuper(suite.ldev)
	suite.Require().NoError(err)
	return s
}

func (suite *WalbSuite) TestRedoIsIdempotent() {
	suite.Require().NoError(suite.e.Write(50, mkBuf(2, 0x11)))
	suite.crash()

	suite.mount()
	written := suite.e.GetWrittenLsid()
	suite.crash()

	suite.mount()
	suite.Equal(written, suite.e.GetWrittenLsid())
}

func (suite *WalbSuite) TestLargeWriteSplits() {
	n := int(DefaultParams().MaxLogpackSectors) + 10
	suite.Require().NoError(suite.e.Write(0, mkBuf(n, 0x77)))
	suite.waitDrain()
	secs, err := suite.e.Read(uint64(n)-1, 1)
	suite.NoError(err)
	suite.Equal(byte(0x77), secs[0][0])
	suite.assertLsidOrdered()
}

func (suite *WalbSuite) TestFlushMakesPermanent() {
	suite.Require().NoError(suite.e.Write(10, mkBuf(1, 1)))
	suite.Require().NoError(suite.e.Flush())
	s := suite.e.lsids.Get()
	suite.Equal(s.Latest, s.Permanent)
	suite.assertLsidOrdered()
}

func (suite *WalbSuite) TestDiscardOrders() {
	suite.Require().NoError(suite.e.Write(10, mkBuf(2, 1)))
	suite.Require().NoError(suite.e.Discard(10, 2))
	suite.waitDrain()
	// a discard consumes lsid space like padding
	suite.Equal(uint64(3+3), suite.e.lsids.Get().Latest)
	suite.assertLsidOrdered()
}

func (suite *WalbSuite) TestCheckpointPersists() {
	suite.Require().NoError(suite.e.Write(10, mkBuf(1, 1)))
	suite.waitDrain()
	suite.Require().NoError(suite.e.TakeCheckpoint())
	suite.Equal(suite.e.GetWrittenLsid(), mustReadSuper(suite).WrittenLsid)
	suite.Equal(suite.e.GetWrittenLsid(), suite.e.lsids.Get().PrevWritten)
}

func (suite *WalbSuite) TestSetOldestLsid() {
	suite.Require().NoError(suite.e.Write(10, mkBuf(2, 1))) // pack [0, 3)
	suite.Require().NoError(suite.e.Write(20, mkBuf(2, 2))) // pack [3, 6)
	suite.waitDrain()

	suite.NoError(suite.e.SetOldestLsid(3), "pack boundary inside the log")
	suite.Equal(uint64(3), suite.e.GetOldestLsid())
	suite.Equal(uint64(3), suite.e.GetLogUsage())

	suite.ErrorIs(suite.e.SetOldestLsid(4), common.ErrInvalidLsid,
		"mid-pack lsid is no header")
	suite.ErrorIs(suite.e.SetOldestLsid(100), common.ErrInvalidLsid)

	written := suite.e.GetWrittenLsid()
	suite.NoError(suite.e.SetOldestLsid(written), "written itself is allowed")
	suite.assertLsidOrdered()
}

func (suite *WalbSuite) TestSnapshotLifecycle() {
	_, err := suite.e.CreateSnapshot("s1", 100, 111)
	suite.Require().NoError(err)
	_, err = suite.e.CreateSnapshot("s2", 200, 222)
	suite.Require().NoError(err)

	recs, next, err := suite.e.ListSnapshotRange(0, 300, 0)
	suite.NoError(err)
	suite.Require().Len(recs, 2)
	suite.Equal("s1", recs[0].Name)
	suite.Equal("s2", recs[1].Name)
	suite.Equal(common.InvalidLsid, next)

	n, err := suite.e.DeleteSnapshotRange(150, 250)
	suite.NoError(err)
	suite.Equal(1, n)

	rec, err := suite.e.GetSnapshot("s1")
	suite.NoError(err)
	suite.Equal(uint64(100), rec.Lsid)
	_, err = suite.e.GetSnapshot("s2")
	suite.ErrorIs(err, common.ErrNotFound)
}

func (suite *WalbSuite) TestSnapshotSurvivesRemount() {
	_, err := suite.e.CreateSnapshot("persist", 42, 7)
	suite.Require().NoError(err)
	suite.crash()
	suite.mount()
	rec, err := suite.e.GetSnapshot("persist")
	suite.NoError(err)
	suite.Equal(uint64(42), rec.Lsid)
}

func (suite *WalbSuite) TestSnapshotDefaultLsid() {
	suite.Require().NoError(suite.e.Write(10, mkBuf(1, 1)))
	rec, err := suite.e.CreateSnapshot("auto", common.InvalidLsid, 0)
	suite.NoError(err)
	suite.Equal(suite.e.GetPermanentLsid(), rec.Lsid)
}

func (suite *WalbSuite) TestFreezeBlocksWritesUntilTimeout() {
	suite.Require().NoError(suite.e.FreezeSeconds(1))
	suite.True(suite.e.IsFrozen())

	done := make(chan error, 1)
	go func() {
		done <- suite.e.Write(10, mkBuf(1, 0x99))
	}()
	select {
	case <-done:
		suite.FailNow("write completed while frozen")
	case <-time.After(200 * time.Millisecond):
	}

	// reads bypass the freeze
	_, err := suite.e.Read(10, 1)
	suite.NoError(err)

	select {
	case err := <-done:
		suite.NoError(err, "auto-melt released the write")
	case <-time.After(5 * time.Second):
		suite.FailNow("auto-melt never fired")
	}
	suite.False(suite.e.IsFrozen())
}

func (suite *WalbSuite) TestFreezeMeltExplicit() {
	suite.Require().NoError(suite.e.FreezeSeconds(0))
	suite.True(suite.e.IsFrozen())
	// freezing again is idempotent
	suite.Require().NoError(suite.e.FreezeSeconds(0))
	suite.Require().NoError(suite.e.Melt())
	suite.False(suite.e.IsFrozen())
	suite.Require().NoError(suite.e.Melt(), "melt is idempotent")
	suite.Require().NoError(suite.e.Write(10, mkBuf(1, 1)))
}

func (suite *WalbSuite) TestClearLog() {
	suite.Require().NoError(suite.e.Write(1000, mkBuf(8, 0xab)))
	suite.waitDrain()
	_, err := suite.e.CreateSnapshot("gone", 1, 0)
	suite.Require().NoError(err)

	oldUuid := suite.e.Uuid()
	oldSalt := suite.e.salt()

	suite.Require().NoError(suite.e.ClearLog())

	suite.Equal(uint64(0), suite.e.GetOldestLsid())
	suite.Equal(uint64(0), suite.e.GetWrittenLsid())
	suite.Equal(uint64(0), suite.e.GetLogUsage())
	suite.NotEqual(oldUuid, suite.e.Uuid())
	suite.NotEqual(oldSalt, suite.e.salt())
	suite.False(suite.e.IsFrozen())
	suite.Equal(0, suite.e.snapd.NRecords())

	// the old pack at lsid 0 no longer validates under any epoch
	buf, err := suite.ldev.Read(suite.e.ring.OffsetOf(0))
	suite.Require().NoError(err)
	suite.False(validPack(buf, suite.e.salt()))
	suite.False(validPack(buf, oldSalt))

	// and the device keeps working
	suite.Require().NoError(suite.e.Write(5, mkBuf(1, 0x31)))
	suite.waitDrain()
	suite.assertLsidOrdered()
}

func (suite *WalbSuite) TestResize() {
	suite.ErrorIs(suite.e.Resize(100), common.ErrInvalidArgument, "shrink")
	suite.ErrorIs(suite.e.Resize(testDataSize+1), common.ErrInvalidArgument,
		"beyond data device")
	suite.NoError(suite.e.Resize(testDataSize), "same size is a no-op")
}

func (suite *WalbSuite) TestResizeGrow() {
	suite.crash()
	// re-format with a smaller exposed size, leaving room to grow
	_, err := Format(suite.ldev, suite.ddev, super.FormatParams{
		DeviceSize: 1500,
		NSnapshots: 64,
		Name:       "walb-grow",
	})
	suite.Require().NoError(err)
	suite.mount()

	suite.ErrorIs(suite.e.checkRange(1500, 1), common.ErrInvalidArgument)
	suite.Require().NoError(suite.e.Resize(2000))
	suite.Equal(uint64(2000), suite.e.DeviceSize())
	suite.Require().NoError(suite.e.Write(1999, mkBuf(1, 1)))
	suite.Equal(uint64(2000), mustReadSuper(suite).DeviceSize)
}

func (suite *WalbSuite) TestDispatch() {
	resp, err := suite.e.Dispatch(CtlRequest{Op: OpVersion})
	suite.NoError(err)
	suite.Equal(Version, resp.Val32)

	resp, err = suite.e.Dispatch(CtlRequest{Op: OpGetLogCapacity})
	suite.NoError(err)
	suite.Equal(uint64(testRingSize), resp.Val64)

	_, err = suite.e.Dispatch(CtlRequest{
		Op: OpCreateSnapshot, Name: "viactl", Lsid: 9, Timestamp: 1,
	})
	suite.NoError(err)
	resp, err = suite.e.Dispatch(CtlRequest{Op: OpGetSnapshot, Name: "viactl"})
	suite.NoError(err)
	suite.Equal(uint64(9), resp.Record.Lsid)

	resp, err = suite.e.Dispatch(CtlRequest{Op: OpIsFrozen})
	suite.NoError(err)
	suite.False(resp.Bool)

	_, err = suite.e.Dispatch(CtlRequest{Op: Opcode(999)})
	suite.ErrorIs(err, common.ErrInvalidArgument)
}

func (suite *WalbSuite) TestCheckpointInterval() {
	suite.NoError(suite.e.SetCheckpointInterval(5 * time.Second))
	suite.Equal(5*time.Second, suite.e.CheckpointInterval())
	suite.ErrorIs(suite.e.SetCheckpointInterval(0), common.ErrInvalidArgument)
	suite.ErrorIs(suite.e.SetCheckpointInterval(25*time.Hour),
		common.ErrInvalidArgument)
}

func (suite *WalbSuite) TestWriteBounds() {
	suite.ErrorIs(suite.e.Write(testDataSize, mkBuf(1, 1)),
		common.ErrInvalidArgument)
	suite.ErrorIs(suite.e.Write(10, []byte{1, 2, 3}),
		common.ErrInvalidArgument, "unaligned buffer")
	_, err := suite.e.Read(testDataSize-1, 2)
	suite.ErrorIs(err, common.ErrInvalidArgument)
}
