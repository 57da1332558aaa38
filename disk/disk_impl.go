package disk

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/walb-linux/walb/common"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd         int
	sectorSize uint64
	numSectors uint64
}

// NewFileDisk opens (creating and sizing if a regular file) a device
// backed by path.
func NewFileDisk(path string, sectorSize uint64, numSectors uint64) (Disk, error) {
	if !common.ValidSectorSize(sectorSize) {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"bad sector size %d", sectorSize)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIo, "open %s: %v", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(common.ErrIo, "fstat %s: %v", path, err)
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numSectors*sectorSize {
		if err := unix.Ftruncate(fd, int64(numSectors*sectorSize)); err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(common.ErrIo, "ftruncate %s: %v", path, err)
		}
	}
	return &fileDisk{fd: fd, sectorSize: sectorSize, numSectors: numSectors}, nil
}

func (d *fileDisk) ReadTo(a uint64, buf Sector) error {
	if uint64(len(buf)) != d.sectorSize {
		return errors.Wrapf(common.ErrInvalidArgument,
			"buffer is not sector-sized (%d bytes)", len(buf))
	}
	if a >= d.numSectors {
		return errors.Wrapf(common.ErrInvalidArgument,
			"out-of-bounds read at %v", a)
	}
	if _, err := unix.Pread(d.fd, buf, int64(a*d.sectorSize)); err != nil {
		return errors.Wrapf(common.ErrIo, "pread sector %d: %v", a, err)
	}
	return nil
}

func (d *fileDisk) Read(a uint64) (Sector, error) {
	buf := make(Sector, d.sectorSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *fileDisk) Write(a uint64, v Sector) error {
	if uint64(len(v)) != d.sectorSize {
		return errors.Wrapf(common.ErrInvalidArgument,
			"v is not sector-sized (%d bytes)", len(v))
	}
	if a >= d.numSectors {
		return errors.Wrapf(common.ErrInvalidArgument,
			"out-of-bounds write at %v", a)
	}
	if _, err := unix.Pwrite(d.fd, v, int64(a*d.sectorSize)); err != nil {
		return errors.Wrapf(common.ErrIo, "pwrite sector %d: %v", a, err)
	}
	return nil
}

func (d *fileDisk) WriteBatch(a uint64, vs []Sector) error {
	for i, v := range vs {
		if err := d.Write(a+uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numSectors, nil
}

func (d *fileDisk) SectorSize() uint64 {
	return d.sectorSize
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS this flushes to the drive but doesn't actually
	// issue a disk barrier; the replacement is fcntl F_FULLFSYNC.
	if err := unix.Fsync(d.fd); err != nil {
		return errors.Wrapf(common.ErrIo, "fsync: %v", err)
	}
	return nil
}

func (d *fileDisk) Fua() bool { return false }

func (d *fileDisk) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return errors.Wrapf(common.ErrIo, "close: %v", err)
	}
	return nil
}

var _ Disk = (*memDisk)(nil)

type memDisk struct {
	l          *sync.RWMutex
	sectorSize uint64
	sectors    [][]byte
	fua        bool
}

// NewMemDisk creates an in-memory device of numSectors zeroed sectors.
func NewMemDisk(sectorSize uint64, numSectors uint64) Disk {
	sectors := make([][]byte, numSectors)
	for i := range sectors {
		sectors[i] = make([]byte, sectorSize)
	}
	return &memDisk{l: new(sync.RWMutex), sectorSize: sectorSize, sectors: sectors}
}

// NewMemDiskFua is NewMemDisk with writes reported as durable on
// completion (a device with a forced-unit-access write path).
func NewMemDiskFua(sectorSize uint64, numSectors uint64) Disk {
	d := NewMemDisk(sectorSize, numSectors).(*memDisk)
	d.fua = true
	return d
}

func (d *memDisk) ReadTo(a uint64, buf Sector) error {
	d.l.RLock()
	defer d.l.RUnlock()
	if a >= uint64(len(d.sectors)) {
		return errors.Wrapf(common.ErrInvalidArgument,
			"out-of-bounds read at %v", a)
	}
	copy(buf, d.sectors[a])
	return nil
}

func (d *memDisk) Read(a uint64) (Sector, error) {
	buf := make(Sector, d.sectorSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *memDisk) Write(a uint64, v Sector) error {
	if uint64(len(v)) != d.sectorSize {
		return errors.Wrapf(common.ErrInvalidArgument,
			"v is not sector-sized (%d bytes)", len(v))
	}
	d.l.Lock()
	defer d.l.Unlock()
	if a >= uint64(len(d.sectors)) {
		return errors.Wrapf(common.ErrInvalidArgument,
			"out-of-bounds write at %v", a)
	}
	copy(d.sectors[a], v)
	return nil
}

func (d *memDisk) WriteBatch(a uint64, vs []Sector) error {
	for i, v := range vs {
		if err := d.Write(a+uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	// this never changes so it is safe to run lock-free
	return uint64(len(d.sectors)), nil
}

func (d *memDisk) SectorSize() uint64 {
	return d.sectorSize
}

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Fua() bool { return d.fua }

func (d *memDisk) Close() error { return nil }
