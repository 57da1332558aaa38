package logpack

import (
	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
)

// Builder accumulates upstream write requests into one pack, honouring
// a total payload budget and the header's record capacity.
type Builder struct {
	sectorSize uint64
	maxTotal   uint64
	salt       uint32
	hdr        Header
	payload    []disk.Sector
}

// NewBuilder returns an empty builder. maxTotal bounds total_io_size
// (the pack payload, excluding the header sector).
func NewBuilder(sectorSize uint64, maxTotal uint64, salt uint32) *Builder {
	return &Builder{sectorSize: sectorSize, maxTotal: maxTotal, salt: salt}
}

// Empty reports whether nothing has been added.
func (b *Builder) Empty() bool {
	return len(b.hdr.Records) == 0
}

// TotalIoSize is the payload size accumulated so far, in sectors.
func (b *Builder) TotalIoSize() uint64 {
	return uint64(b.hdr.TotalIoSize)
}

// PackSectors is the pack size so far including the header.
func (b *Builder) PackSectors() uint64 {
	return 1 + b.TotalIoSize()
}

// CanAdd reports whether a record of n payload sectors still fits.
func (b *Builder) CanAdd(n uint64) bool {
	if len(b.hdr.Records) >= MaxRecords(b.sectorSize) {
		return false
	}
	return b.TotalIoSize()+n <= b.maxTotal
}

func (b *Builder) addRecord(r Record) {
	r.LsidLocal = b.hdr.TotalIoSize + 1
	b.hdr.Records = append(b.hdr.Records, r)
	b.hdr.TotalIoSize += r.IoSize
}

// AddWrite appends a data record. data must be sector-sized buffers.
// Returns false when the record does not fit.
func (b *Builder) AddWrite(off uint64, data []disk.Sector) bool {
	if !b.CanAdd(uint64(len(data))) {
		return false
	}
	b.addRecord(Record{
		Exist:    true,
		Offset:   off,
		IoSize:   uint32(len(data)),
		Checksum: PayloadChecksum(data, b.salt),
	})
	b.payload = append(b.payload, data...)
	return true
}

// AddDiscard appends a discard record. It consumes n sectors of LSID
// space but carries no payload.
func (b *Builder) AddDiscard(off uint64, n uint32) bool {
	if !b.CanAdd(uint64(n)) {
		return false
	}
	b.addRecord(Record{
		Exist:   true,
		Discard: true,
		Offset:  off,
		IoSize:  n,
	})
	return true
}

// AddPadding appends a padding record consuming n sectors, used to
// keep a pack from crossing the physical end of the ring.
func (b *Builder) AddPadding(n uint32) bool {
	if !b.CanAdd(uint64(n)) {
		return false
	}
	b.addRecord(Record{
		Exist:   true,
		Padding: true,
		IoSize:  n,
	})
	return true
}

// Finish assigns the pack LSID and returns the encoded header sector,
// the payload sectors, and the decoded header.
func (b *Builder) Finish(lsid common.Lsid) (disk.Sector, []disk.Sector, *Header) {
	b.hdr.Lsid = lsid
	return b.hdr.Encode(b.sectorSize, b.salt), b.payload, &b.hdr
}
