package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walb-linux/walb/common"
)

func mkSector(sz uint64, b byte) Sector {
	s := make(Sector, sz)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestMemDiskReadWrite(t *testing.T) {
	assert := assert.New(t)
	d := NewMemDisk(512, 16)
	assert.Equal(uint64(512), d.SectorSize())
	sz, err := d.Size()
	assert.NoError(err)
	assert.Equal(uint64(16), sz)

	s := mkSector(512, 0xab)
	assert.NoError(d.Write(3, s))
	got, err := d.Read(3)
	assert.NoError(err)
	assert.Equal(s, got)

	zero, err := d.Read(4)
	assert.NoError(err)
	assert.Equal(mkSector(512, 0), zero)
}

func TestMemDiskBounds(t *testing.T) {
	assert := assert.New(t)
	d := NewMemDisk(512, 4)
	_, err := d.Read(4)
	assert.ErrorIs(err, common.ErrInvalidArgument)
	err = d.Write(7, mkSector(512, 1))
	assert.ErrorIs(err, common.ErrInvalidArgument)
	err = d.Write(1, mkSector(100, 1))
	assert.ErrorIs(err, common.ErrInvalidArgument, "short buffer")
}

func TestMemDiskWriteBatch(t *testing.T) {
	assert := assert.New(t)
	d := NewMemDisk(512, 8)
	vs := []Sector{mkSector(512, 1), mkSector(512, 2), mkSector(512, 3)}
	assert.NoError(d.WriteBatch(2, vs))
	for i, v := range vs {
		got, err := d.Read(2 + uint64(i))
		assert.NoError(err)
		assert.Equal(v, got)
	}
}

func TestFileDiskRoundTrip(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "dev.img")
	d, err := NewFileDisk(path, 4096, 32)
	require.NoError(t, err)
	defer d.Close()

	s := mkSector(4096, 0x5a)
	assert.NoError(d.Write(10, s))
	assert.NoError(d.Barrier())
	got, err := d.Read(10)
	assert.NoError(err)
	assert.Equal(s, got)
	assert.False(d.Fua())
}

func TestFileDiskBadSectorSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	_, err := NewFileDisk(path, 1000, 32)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}
