// Package super manages the mirrored super sectors describing the log
// device layout.
//
// On-disk layout of the log device, little-endian, packed:
//
//	offset 0:            reserved page
//	+page:               super0 (one sector)
//	+page+sector:        snapshot metadata (SnapshotMetadataSize sectors)
//	following:           super1 (one sector)
//	following:           ring buffer (RingBufferSize sectors)
package super

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/sector"
)

// FormatVersion is bumped on any on-disk format change.
const FormatVersion uint32 = 1

const (
	NameSize = 64
	uuidSize = 16

	// checksum + version + sector_size + snapshot_metadata_size +
	// salt + reserved + uuid + name + 4 u64s
	fixedSize = 6*4 + uuidSize + NameSize + 4*8
)

// Super is the in-memory image of a super sector.
type Super struct {
	SectorSize           uint32
	SnapshotMetadataSize uint32
	LogChecksumSalt      uint32
	Uuid                 uuid.UUID
	Name                 string
	RingBufferSize       uint64
	OldestLsid           common.Lsid
	WrittenLsid          common.Lsid
	DeviceSize           uint64
}

// Super0Offset is the sector address of the primary super sector: the
// reserved page is skipped.
func Super0Offset(sectorSize uint64) uint64 {
	return common.PageSize / sectorSize
}

// MetadataOffset is the sector address of the first snapshot metadata
// sector.
func MetadataOffset(sectorSize uint64) uint64 {
	return Super0Offset(sectorSize) + 1
}

// Super1Offset is the sector address of the secondary super sector.
func (s *Super) Super1Offset() uint64 {
	return MetadataOffset(uint64(s.SectorSize)) + uint64(s.SnapshotMetadataSize)
}

// RingStart is the sector address of the first ring buffer sector.
func (s *Super) RingStart() uint64 {
	return s.Super1Offset() + 1
}

// Clone returns a copy of s.
func (s *Super) Clone() *Super {
	s2 := *s
	return &s2
}

// Encode serialises s into a sector buffer. The checksum field is left
// zero; sector.Stamp fills it at write time.
func (s *Super) Encode() disk.Sector {
	enc := marshal.NewEnc(uint64(s.SectorSize))
	enc.PutInt32(0) // checksum
	enc.PutInt32(FormatVersion)
	enc.PutInt32(s.SectorSize)
	enc.PutInt32(s.SnapshotMetadataSize)
	enc.PutInt32(s.LogChecksumSalt)
	enc.PutInt32(0) // reserved
	enc.PutBytes(s.Uuid[:])
	name := make([]byte, NameSize)
	copy(name, s.Name)
	enc.PutBytes(name)
	enc.PutInt(s.RingBufferSize)
	enc.PutInt(s.OldestLsid)
	enc.PutInt(s.WrittenLsid)
	enc.PutInt(s.DeviceSize)
	return enc.Finish()
}

// Decode parses a super sector image, checking structural invariants
// but not the checksum.
func Decode(buf disk.Sector) (*Super, error) {
	if uint64(len(buf)) < fixedSize {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"super sector too small (%d bytes)", len(buf))
	}
	dec := marshal.NewDec(buf)
	dec.GetInt32() // checksum
	version := dec.GetInt32()
	if version != FormatVersion {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"unsupported format version %d", version)
	}
	s := &Super{}
	s.SectorSize = dec.GetInt32()
	s.SnapshotMetadataSize = dec.GetInt32()
	s.LogChecksumSalt = dec.GetInt32()
	dec.GetInt32() // reserved
	copy(s.Uuid[:], dec.GetBytes(uuidSize))
	name := dec.GetBytes(NameSize)
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	s.Name = string(name)
	s.RingBufferSize = dec.GetInt()
	s.OldestLsid = dec.GetInt()
	s.WrittenLsid = dec.GetInt()
	s.DeviceSize = dec.GetInt()

	if uint64(s.SectorSize) != uint64(len(buf)) ||
		!common.ValidSectorSize(uint64(s.SectorSize)) {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"bad sector size %d", s.SectorSize)
	}
	if s.RingBufferSize == 0 {
		return nil, errors.Wrap(common.ErrInvalidArgument,
			"empty ring buffer")
	}
	if s.OldestLsid > s.WrittenLsid {
		return nil, errors.Wrapf(common.ErrInvalidLsid,
			"oldest %d > written %d", s.OldestLsid, s.WrittenLsid)
	}
	return s, nil
}

// ReadSuper loads the super sector from the log device, preferring
// super0 and falling back to the mirror when the primary is corrupt.
// It fails only if neither copy verifies.
func ReadSuper(d disk.Disk) (*Super, error) {
	ss := d.SectorSize()
	buf0, err := d.Read(Super0Offset(ss))
	if err != nil {
		return nil, err
	}
	var err0 error
	if sector.Verify(buf0, 0) {
		s0, errDec := Decode(buf0)
		if errDec == nil {
			return s0, nil
		}
		err0 = errDec
	} else {
		err0 = errors.Wrap(common.ErrChecksum, "super0")
	}

	// The mirror's location depends on the metadata size, which only
	// the (possibly torn) primary records. Trust the field just far
	// enough to locate super1, then require a full verify.
	guess, err := Decode(buf0)
	if err != nil {
		return nil, errors.Wrapf(common.ErrChecksum,
			"both super sectors unusable: %v", err0)
	}
	buf1, err := sector.ReadVerify(d, guess.Super1Offset(), 0)
	if err != nil {
		return nil, errors.Wrapf(common.ErrChecksum,
			"both super sectors unusable: %v", err0)
	}
	s1, err := Decode(buf1)
	if err != nil {
		return nil, errors.Wrapf(common.ErrChecksum,
			"both super sectors unusable: %v", err0)
	}
	return s1, nil
}

// WriteSuper durably writes both super copies. A FLUSH separates the
// two writes so a crash never leaves super0 new while super1 is torn.
func WriteSuper(d disk.Disk, s *Super) error {
	ss := d.SectorSize()
	if uint64(s.SectorSize) != ss {
		return errors.Wrapf(common.ErrInvalidArgument,
			"super sector size %d does not match device %d",
			s.SectorSize, ss)
	}
	if err := sector.WriteStamped(d, Super0Offset(ss), s.Encode(), 0); err != nil {
		return err
	}
	if err := d.Barrier(); err != nil {
		return err
	}
	if err := sector.WriteStamped(d, s.Super1Offset(), s.Encode(), 0); err != nil {
		return err
	}
	return d.Barrier()
}
