package walb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/super"
)

// tinyEngine mounts a device pair with a 16-sector ring.
func tinyEngine(t *testing.T) (*Engine, disk.Disk, disk.Disk) {
	// NSnapshots 8 -> 1 metadata sector -> ring starts at sector 4
	ldev := disk.NewMemDisk(testSectorSize, 20)
	ddev := disk.NewMemDisk(testSectorSize, 64)
	_, err := Format(ldev, ddev, super.FormatParams{
		DeviceSize: 64,
		NSnapshots: 8,
		Name:       "tiny",
	})
	require.NoError(t, err)
	e, err := Mount(ldev, ddev, Params{MaxLogpackSectors: 8})
	require.NoError(t, err)
	require.Equal(t, uint64(16), e.GetLogCapacity())
	return e, ldev, ddev
}

func waitWritten(t *testing.T, e *Engine, want uint64) {
	deadline := time.Now().Add(10 * time.Second)
	for e.GetWrittenLsid() < want {
		if time.Now().After(deadline) {
			t.Fatal("data stage never caught up")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOverflowLatches(t *testing.T) {
	assert := assert.New(t)
	e, _, _ := tinyEngine(t)
	defer e.Shutdown()

	require.NoError(t, e.Write(0, mkBuf(8, 0x11))) // pack [0, 9)
	waitWritten(t, e, 9)

	err := e.Write(8, mkBuf(8, 0x22))
	assert.ErrorIs(err, common.ErrLogOverflow)
	assert.True(e.IsLogOverflow())
	assert.True(e.IsReadOnly())

	// sticky: later writes fail read-only
	assert.ErrorIs(e.Write(0, mkBuf(1, 1)), common.ErrReadOnly)
	assert.True(e.IsLogOverflow())
}

func TestClearLogRecoversOverflow(t *testing.T) {
	assert := assert.New(t)
	e, _, _ := tinyEngine(t)
	defer e.Shutdown()

	require.NoError(t, e.Write(0, mkBuf(8, 0x11)))
	waitWritten(t, e, 9)
	require.Error(t, e.Write(8, mkBuf(8, 0x22)))
	require.True(t, e.IsLogOverflow())

	require.NoError(t, e.ClearLog())
	assert.False(e.IsLogOverflow())
	assert.False(e.IsReadOnly())
	assert.Equal(uint64(0), e.GetLogUsage())

	assert.NoError(e.Write(0, mkBuf(8, 0x33)))
	waitWritten(t, e, 9)
	secs, err := e.Read(0, 1)
	assert.NoError(err)
	assert.Equal(byte(0x33), secs[0][0])
}

func TestRingWrapWithPadding(t *testing.T) {
	assert := assert.New(t)
	e, ldev, ddev := tinyEngine(t)

	// three packs of 5 sectors fill [0, 15)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Write(uint64(i*8), mkBuf(4, byte(0x10+i))))
	}
	waitWritten(t, e, 15)
	// retire everything so the ring has room past the wrap
	require.NoError(t, e.SetOldestLsid(15))

	// the next pack cannot fit in the single sector before the ring
	// end; a padding pack fills it and the data lands at lsid 16
	require.NoError(t, e.Write(40, mkBuf(4, 0x44)))
	waitWritten(t, e, 21)
	assert.Equal(uint64(21), e.lsids.Get().Latest)
	assert.Equal(uint64(6), e.GetLogUsage())
	assert.False(e.IsLogOverflow())

	secs, err := e.Read(40, 4)
	assert.NoError(err)
	assert.Equal(byte(0x44), secs[0][0])

	// crash and redo across the wrap: SetOldestLsid synced the super,
	// so replay starts at 15, walks the padding pack and reapplies
	suiteCrash(e)
	for i := uint64(40); i < 44; i++ {
		buf := make(disk.Sector, testSectorSize)
		for j := range buf {
			buf[j] = 0
		}
		require.NoError(t, ddev.Write(i, buf))
	}
	e2, err := Mount(ldev, ddev, Params{MaxLogpackSectors: 8})
	require.NoError(t, err)
	defer e2.Shutdown()
	assert.Equal(uint64(21), e2.GetWrittenLsid())
	secs, err = e2.Read(40, 4)
	assert.NoError(err)
	assert.Equal(byte(0x44), secs[0][0])
}

// suiteCrash abandons an engine without checkpointing, like
// WalbSuite.crash but for standalone engines.
func suiteCrash(e *Engine) {
	e.stopCheckpointing()
	e.mu.Lock()
	e.shutdown = true
	e.condPack.Broadcast()
	e.condData.Broadcast()
	for e.nthread > 0 {
		e.condShut.Wait()
	}
	e.mu.Unlock()
}
