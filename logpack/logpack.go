// Package logpack encodes and decodes log packs: one header sector
// followed by the payload sectors of its records.
//
// Header sector, little-endian, packed:
//
//	checksum     u32   salted; whole sector sums to zero
//	total_io_size u32  payload sectors (pack size = 1 + total_io_size)
//	n_records    u32
//	reserved     u32
//	logpack_lsid u64
//	record[n_records]:
//	  flags      u32   bit0 exist, bit1 padding, bit2 discard
//	  io_size    u32   sectors of LSID space this record consumes
//	  lsid_local u32   record lsid = logpack_lsid + lsid_local
//	  checksum   u32   salted payload checksum (data records only)
//	  offset     u64   target sector on the data device
//
// Record k's lsid_local is 1 plus the io_size sum of records 0..k-1,
// so lsid_locals are strictly increasing and the sum matches
// total_io_size.
package logpack

import (
	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/sector"
)

const (
	headerFixedSize uint64 = 4*4 + 8
	recordSize      uint64 = 4*4 + 8

	flagExist   uint32 = 1 << 0
	flagPadding uint32 = 1 << 1
	flagDiscard uint32 = 1 << 2
)

// MaxRecords reports how many records fit in a header sector.
func MaxRecords(sectorSize uint64) int {
	return int((sectorSize - headerFixedSize) / recordSize)
}

// Record describes one IO inside a pack.
type Record struct {
	Exist     bool
	Padding   bool
	Discard   bool
	Offset    uint64
	IoSize    uint32
	LsidLocal uint32
	Checksum  uint32
}

// Lsid returns the record's own LSID.
func (r Record) Lsid(packLsid common.Lsid) common.Lsid {
	return packLsid + common.Lsid(r.LsidLocal)
}

// HasPayload reports whether payload sectors were written for the
// record (padding and discard records consume LSID space only).
func (r Record) HasPayload() bool {
	return r.Exist && !r.Padding && !r.Discard
}

// Header is the decoded log-pack header.
type Header struct {
	Lsid        common.Lsid
	TotalIoSize uint32
	Records     []Record
}

// PackSectors is the total pack size including the header sector.
func (h *Header) PackSectors() uint64 {
	return 1 + uint64(h.TotalIoSize)
}

// NextLsid is the LSID of the following pack.
func (h *Header) NextLsid() common.Lsid {
	return h.Lsid + h.PackSectors()
}

// Encode serialises the header into a sector buffer, checksum salted.
func (h *Header) Encode(sectorSize uint64, salt uint32) disk.Sector {
	enc := marshal.NewEnc(sectorSize)
	enc.PutInt32(0) // checksum
	enc.PutInt32(h.TotalIoSize)
	enc.PutInt32(uint32(len(h.Records)))
	enc.PutInt32(0) // reserved
	enc.PutInt(h.Lsid)
	for _, r := range h.Records {
		var flags uint32
		if r.Exist {
			flags |= flagExist
		}
		if r.Padding {
			flags |= flagPadding
		}
		if r.Discard {
			flags |= flagDiscard
		}
		enc.PutInt32(flags)
		enc.PutInt32(r.IoSize)
		enc.PutInt32(r.LsidLocal)
		enc.PutInt32(r.Checksum)
		enc.PutInt(r.Offset)
	}
	buf := enc.Finish()
	sector.Stamp(buf, salt)
	return buf
}

// Decode parses a header sector, enforcing the structural invariants.
// It does not verify the sector checksum; see Valid.
func Decode(buf disk.Sector) (*Header, error) {
	dec := marshal.NewDec(buf)
	dec.GetInt32() // checksum
	h := &Header{}
	h.TotalIoSize = dec.GetInt32()
	nRecords := dec.GetInt32()
	dec.GetInt32() // reserved
	h.Lsid = dec.GetInt()
	if int(nRecords) > MaxRecords(uint64(len(buf))) {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"n_records %d exceeds sector capacity", nRecords)
	}
	var running uint32
	for i := uint32(0); i < nRecords; i++ {
		flags := dec.GetInt32()
		r := Record{
			Exist:     flags&flagExist != 0,
			Padding:   flags&flagPadding != 0,
			Discard:   flags&flagDiscard != 0,
			IoSize:    dec.GetInt32(),
			LsidLocal: dec.GetInt32(),
			Checksum:  dec.GetInt32(),
			Offset:    dec.GetInt(),
		}
		if !r.Exist {
			return nil, errors.Wrapf(common.ErrInvalidArgument,
				"record %d not marked existing", i)
		}
		if r.LsidLocal != running+1 {
			return nil, errors.Wrapf(common.ErrInvalidArgument,
				"record %d lsid_local %d, want %d", i, r.LsidLocal, running+1)
		}
		if i > 0 && r.LsidLocal <= h.Records[i-1].LsidLocal {
			return nil, errors.Wrapf(common.ErrInvalidArgument,
				"record %d lsid_local not increasing", i)
		}
		running += r.IoSize
		h.Records = append(h.Records, r)
	}
	if running != h.TotalIoSize {
		return nil, errors.Wrapf(common.ErrInvalidArgument,
			"io sizes sum to %d, total_io_size %d", running, h.TotalIoSize)
	}
	return h, nil
}

// Valid reports whether buf holds a well-formed header for the given
// salt epoch.
func Valid(buf disk.Sector, salt uint32) bool {
	if !sector.Verify(buf, salt) {
		return false
	}
	_, err := Decode(buf)
	return err == nil
}

// PayloadChecksum computes the salted checksum of a record's payload
// sectors.
func PayloadChecksum(payload []disk.Sector, salt uint32) uint32 {
	var sum uint32
	for _, s := range payload {
		sum += common.Sum32(s)
	}
	return ^(sum + salt)
}
