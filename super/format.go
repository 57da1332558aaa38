package super

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/sector"
	"github.com/walb-linux/walb/snapshot"
	"github.com/walb-linux/walb/util"
)

// FormatParams describes a fresh log device.
type FormatParams struct {
	// DeviceSize is the exposed capacity in sectors. Must not exceed
	// the data device size.
	DeviceSize uint64
	// NSnapshots is the snapshot record capacity.
	NSnapshots uint32
	// Name is the device name, at most NameSize-1 bytes.
	Name string
}

// NewSalt draws a fresh log checksum salt. The all-ones value is
// excluded: under it an all-zero sector verifies, which would defeat
// pack invalidation.
func NewSalt() uint32 {
	for {
		salt := uint32(machine.RandomUint64())
		if salt != ^uint32(0) {
			return salt
		}
	}
}

// Format initialises a fresh log device: writes the super pair, empty
// snapshot metadata, and invalidates the pack position at LSID 0.
func Format(d disk.Disk, p FormatParams) (*Super, error) {
	ss := d.SectorSize()
	if !common.ValidSectorSize(ss) {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"bad sector size %d", ss)
	}
	if len(p.Name) >= NameSize {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"name too long (%d bytes)", len(p.Name))
	}
	devSectors, err := d.Size()
	if err != nil {
		return nil, err
	}
	s := &Super{
		SectorSize:           uint32(ss),
		SnapshotMetadataSize: snapshot.MetadataSectors(ss, p.NSnapshots),
		LogChecksumSalt:      NewSalt(),
		Uuid:                 uuid.New(),
		Name:                 p.Name,
		DeviceSize:           p.DeviceSize,
	}
	ringStart := s.RingStart()
	if devSectors <= ringStart+1 {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"log device too small (%d sectors, metadata needs %d)",
			devSectors, ringStart)
	}
	s.RingBufferSize = devSectors - ringStart

	// Empty snapshot sectors: zero bitmap, valid checksum.
	mdOff := MetadataOffset(ss)
	for i := uint32(0); i < s.SnapshotMetadataSize; i++ {
		enc := marshal.NewEnc(ss)
		if err := sector.WriteStamped(d, mdOff+uint64(i), enc.Finish(), 0); err != nil {
			return nil, err
		}
	}

	// Invalidate the first pack position so redo on a fresh device
	// stops immediately.
	if err := d.Write(ringStart, make(disk.Sector, ss)); err != nil {
		return nil, err
	}

	if err := WriteSuper(d, s); err != nil {
		return nil, err
	}
	util.DPrintf(1, "format: ring %d sectors, %d snapshot sectors\n",
		s.RingBufferSize, s.SnapshotMetadataSize)
	return s, nil
}
