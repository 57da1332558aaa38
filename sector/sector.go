// Package sector provides checksum-aware reads and writes of single
// metadata sectors. Every structure stored through it keeps its
// checksum in the first four bytes, chosen so the whole sector
// checksums to zero under the given salt.
package sector

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
)

// Verify reports whether buf checksums to zero under salt.
func Verify(buf disk.Sector, salt uint32) bool {
	return common.Checksum(buf, salt) == 0
}

// Stamp sets the leading checksum field so that buf verifies under
// salt.
func Stamp(buf disk.Sector, salt uint32) {
	binary.LittleEndian.PutUint32(buf[:4], 0)
	binary.LittleEndian.PutUint32(buf[:4], common.Checksum(buf, salt))
}

// ReadVerify reads the sector at off and verifies its checksum.
func ReadVerify(d disk.Disk, off uint64, salt uint32) (disk.Sector, error) {
	buf, err := d.Read(off)
	if err != nil {
		return nil, err
	}
	if !Verify(buf, salt) {
		return nil, errors.Wrapf(common.ErrChecksum, "sector %d", off)
	}
	return buf, nil
}

// ReadVerifyVec reads n consecutive sectors starting at off, verifying
// each.
func ReadVerifyVec(d disk.Disk, off uint64, n uint64, salt uint32) ([]disk.Sector, error) {
	bufs := make([]disk.Sector, 0, n)
	for i := uint64(0); i < n; i++ {
		buf, err := ReadVerify(d, off+i, salt)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, buf)
	}
	return bufs, nil
}

// WriteStamped stamps buf's checksum and writes it at off.
func WriteStamped(d disk.Disk, off uint64, buf disk.Sector, salt uint32) error {
	Stamp(buf, salt)
	return d.Write(off, buf)
}

// WriteStampedVec stamps and writes consecutive sectors starting at
// off.
func WriteStampedVec(d disk.Disk, off uint64, bufs []disk.Sector, salt uint32) error {
	for _, buf := range bufs {
		Stamp(buf, salt)
	}
	return d.WriteBatch(off, bufs)
}
