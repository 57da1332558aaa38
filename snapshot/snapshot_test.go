package snapshot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/tchajed/marshal"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/sector"
)

const (
	testSectorSize = 4096
	testOff        = 2
	testNSectors   = 2
)

type SnapshotSuite struct {
	suite.Suite
	d disk.Disk
	s *Store
}

func (suite *SnapshotSuite) SetupTest() {
	suite.d = disk.NewMemDisk(testSectorSize, 16)
	for i := uint64(0); i < testNSectors; i++ {
		enc := marshal.NewEnc(testSectorSize)
		suite.Require().NoError(
			sector.WriteStamped(suite.d, testOff+i, enc.Finish(), 0))
	}
	s, err := Load(suite.d, testOff, testNSectors)
	suite.Require().NoError(err)
	suite.s = s
}

func (suite *SnapshotSuite) reload() {
	s, err := Load(suite.d, testOff, testNSectors)
	suite.Require().NoError(err)
	suite.s = s
}

func TestSnapshot(t *testing.T) {
	suite.Run(t, new(SnapshotSuite))
}

func (suite *SnapshotSuite) TestLayout() {
	suite.Equal(uint32(32), MaxRecordsPerSector(4096))
	suite.Equal(uint32(6), MaxRecordsPerSector(512))
	suite.Equal(uint32(2), MetadataSectors(4096, 40))
	suite.Equal(uint32(1), MetadataSectors(4096, 32))
}

func (suite *SnapshotSuite) TestAddGetDel() {
	rec, err := suite.s.Add("snap0", 100, 1234)
	suite.NoError(err)
	suite.Equal("snap0", rec.Name)

	got, err := suite.s.Get("snap0")
	suite.NoError(err)
	suite.Equal(rec, got)

	suite.NoError(suite.s.Del("snap0"))
	_, err = suite.s.Get("snap0")
	suite.ErrorIs(err, common.ErrNotFound)
	suite.ErrorIs(suite.s.Del("snap0"), common.ErrNotFound)
}

func (suite *SnapshotSuite) TestNameConflict() {
	_, err := suite.s.Add("dup", 1, 0)
	suite.NoError(err)
	_, err = suite.s.Add("dup", 2, 0)
	suite.ErrorIs(err, common.ErrNameConflict)
}

func (suite *SnapshotSuite) TestBadNames() {
	_, err := suite.s.Add("", 1, 0)
	suite.ErrorIs(err, common.ErrInvalidArgument)
	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = suite.s.Add(string(long), 1, 0)
	suite.ErrorIs(err, common.ErrInvalidArgument)
}

func (suite *SnapshotSuite) TestFullStoreIsBusy() {
	capacity := int(testNSectors * MaxRecordsPerSector(testSectorSize))
	for i := 0; i < capacity; i++ {
		_, err := suite.s.Add(fmt.Sprintf("s%03d", i), uint64(i), 0)
		suite.Require().NoError(err)
	}
	_, err := suite.s.Add("one-too-many", 999, 0)
	suite.ErrorIs(err, common.ErrBusy)

	// deleting frees a slot again
	suite.NoError(suite.s.Del("s000"))
	_, err = suite.s.Add("one-too-many", 999, 0)
	suite.NoError(err)
}

func (suite *SnapshotSuite) TestDelRange() {
	for i, lsid := range []uint64{50, 100, 150, 200, 250} {
		_, err := suite.s.Add(fmt.Sprintf("s%d", i), lsid, 0)
		suite.Require().NoError(err)
	}
	n, err := suite.s.DelRange(100, 250)
	suite.NoError(err)
	suite.Equal(3, n)
	suite.Equal(2, suite.s.NRecords())
	suite.Equal(1, suite.s.NRecordsRange(0, 100))
}

func (suite *SnapshotSuite) TestListRangeOrder() {
	suite.s.Add("b", 200, 0)
	suite.s.Add("a", 200, 0)
	suite.s.Add("c", 100, 0)
	recs := suite.s.ListRange(0, 300, 0)
	suite.Require().Len(recs, 3)
	suite.Equal("c", recs[0].Name)
	suite.Equal("a", recs[1].Name, "lsid ties break by name")
	suite.Equal("b", recs[2].Name)

	recs = suite.s.ListRange(150, 300, 1)
	suite.Require().Len(recs, 1)
	suite.Equal("a", recs[0].Name)
}

func (suite *SnapshotSuite) TestListFrom() {
	var ids []uint32
	for i := 0; i < 4; i++ {
		rec, err := suite.s.Add(fmt.Sprintf("s%d", i), uint64(100*i), 0)
		suite.Require().NoError(err)
		ids = append(ids, rec.SnapshotID)
	}
	recs := suite.s.ListFrom(0, 0)
	suite.Require().Len(recs, 4)
	for i, rec := range recs {
		suite.Equal(ids[i], rec.SnapshotID)
	}
	recs = suite.s.ListFrom(ids[2], 10)
	suite.Len(recs, 2)
}

func (suite *SnapshotSuite) TestPersistence() {
	suite.s.Add("keep", 123, 777)
	suite.s.Add("drop", 456, 0)
	suite.NoError(suite.s.Del("drop"))

	suite.reload()
	rec, err := suite.s.Get("keep")
	suite.NoError(err)
	suite.Equal(uint64(123), rec.Lsid)
	suite.Equal(uint64(777), rec.Timestamp)
	suite.Equal(1, suite.s.NRecords())
	_, err = suite.s.Get("drop")
	suite.ErrorIs(err, common.ErrNotFound)
}

func (suite *SnapshotSuite) TestSectorChecksumsHold() {
	suite.s.Add("x", 1, 0)
	suite.s.Add("y", 2, 0)
	for i := uint64(0); i < testNSectors; i++ {
		_, err := sector.ReadVerify(suite.d, testOff+i, 0)
		suite.NoError(err)
	}
}

func (suite *SnapshotSuite) TestCorruptSectorRejected() {
	suite.s.Add("x", 1, 0)
	buf, err := suite.d.Read(testOff)
	suite.Require().NoError(err)
	buf[100] ^= 1
	suite.Require().NoError(suite.d.Write(testOff, buf))
	_, err = Load(suite.d, testOff, testNSectors)
	suite.ErrorIs(err, common.ErrChecksum)
}
