// Package snapshot implements the persistent snapshot record store.
//
// Records live in the snapshot metadata sectors between super0 and
// super1. Each sector holds a checksum, an occupancy bitmap and up to
// 32 fixed-size records:
//
//	checksum  u32
//	bitmap    u32   record i occupied iff bitmap & (1 << i)
//	record[]  { lsid u64, timestamp u64, name u8[64] }
package snapshot

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/walb-linux/walb/common"
	"github.com/walb-linux/walb/disk"
	"github.com/walb-linux/walb/sector"
	"github.com/walb-linux/walb/util"
)

const (
	// MaxNameLen bounds snapshot names; names are NUL-padded to 64
	// bytes on disk.
	MaxNameLen = 63

	// InvalidID is never assigned to a record.
	InvalidID uint32 = ^uint32(0)

	nameFieldSize    uint64 = 64
	recordSize       uint64 = 8 + 8 + nameFieldSize
	sectorHeaderSize uint64 = 8
	bitmapBits       uint32 = 32
)

// Record is one named snapshot referencing a log position.
type Record struct {
	SnapshotID uint32
	Name       string
	Lsid       common.Lsid
	Timestamp  uint64
}

// MaxRecordsPerSector reports how many records fit in one metadata
// sector, bounded by the bitmap width.
func MaxRecordsPerSector(sectorSize uint64) uint32 {
	n := (sectorSize - sectorHeaderSize) / recordSize
	if n > uint64(bitmapBits) {
		return bitmapBits
	}
	return uint32(n)
}

// MetadataSectors reports how many metadata sectors are needed to hold
// nSnapshots records.
func MetadataSectors(sectorSize uint64, nSnapshots uint32) uint32 {
	return uint32(util.RoundUp(uint64(nSnapshots),
		uint64(MaxRecordsPerSector(sectorSize))))
}

// Store keeps the snapshot records with a primary index by id and a
// secondary index by name (unique). There is no lsid index: the lsid
// range operations scan every record.
type Store struct {
	mu        sync.Mutex
	d         disk.Disk
	off       uint64
	nSectors  uint32
	perSector uint32

	records map[uint32]Record
	byName  map[string]uint32
	slots   map[uint32]uint32 // id -> sector*perSector + index
	used    []bool            // by slot
	nextID  uint32
}

// Load reads the nSectors metadata sectors at off, verifies them, and
// builds the in-memory indexes. Ids are reassigned monotonically from
// zero in on-disk order.
func Load(d disk.Disk, off uint64, nSectors uint32) (*Store, error) {
	s := &Store{
		d:         d,
		off:       off,
		nSectors:  nSectors,
		perSector: MaxRecordsPerSector(d.SectorSize()),
		records:   make(map[uint32]Record),
		byName:    make(map[string]uint32),
		slots:     make(map[uint32]uint32),
	}
	s.used = make([]bool, nSectors*s.perSector)
	for si := uint32(0); si < nSectors; si++ {
		buf, err := sector.ReadVerify(d, off+uint64(si), 0)
		if err != nil {
			return nil, err
		}
		dec := marshal.NewDec(buf)
		dec.GetInt32() // checksum
		bitmap := dec.GetInt32()
		for i := uint32(0); i < s.perSector; i++ {
			lsid := dec.GetInt()
			ts := dec.GetInt()
			name := dec.GetBytes(nameFieldSize)
			if bitmap&(1<<i) == 0 {
				continue
			}
			slot := si*s.perSector + i
			rec := Record{
				SnapshotID: s.allocID(),
				Name:       trimName(name),
				Lsid:       lsid,
				Timestamp:  ts,
			}
			s.records[rec.SnapshotID] = rec
			s.byName[rec.Name] = rec.SnapshotID
			s.slots[rec.SnapshotID] = slot
			s.used[slot] = true
		}
	}
	return s, nil
}

func trimName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (s *Store) allocID() uint32 {
	id := s.nextID
	s.nextID++
	if s.nextID == InvalidID {
		s.nextID++
	}
	return id
}

// writeSector rebuilds and persists the metadata sector si from the
// current in-memory state.
func (s *Store) writeSector(si uint32) error {
	enc := marshal.NewEnc(s.d.SectorSize())
	enc.PutInt32(0) // checksum
	var bitmap uint32
	recs := make([]Record, s.perSector)
	for id, slot := range s.slots {
		if slot/s.perSector != si {
			continue
		}
		i := slot % s.perSector
		bitmap |= 1 << i
		recs[i] = s.records[id]
	}
	enc.PutInt32(bitmap)
	for i := uint32(0); i < s.perSector; i++ {
		enc.PutInt(recs[i].Lsid)
		enc.PutInt(recs[i].Timestamp)
		name := make([]byte, nameFieldSize)
		copy(name, recs[i].Name)
		enc.PutBytes(name)
	}
	return sector.WriteStamped(s.d, s.off+uint64(si), enc.Finish(), 0)
}

func (s *Store) freeSlot() (uint32, bool) {
	for slot, u := range s.used {
		if !u {
			return uint32(slot), true
		}
	}
	return 0, false
}

// Add inserts a record. It fails with ErrNameConflict if the name is
// taken, ErrBusy if every slot is occupied.
func (s *Store) Add(name string, lsid common.Lsid, timestamp uint64) (Record, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return Record{}, errors.Wrapf(common.ErrInvalidArgument,
			"bad snapshot name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return Record{}, errors.Wrapf(common.ErrNameConflict, "%q", name)
	}
	slot, ok := s.freeSlot()
	if !ok {
		return Record{}, errors.Wrap(common.ErrBusy, "snapshot store full")
	}
	rec := Record{
		SnapshotID: s.allocID(),
		Name:       name,
		Lsid:       lsid,
		Timestamp:  timestamp,
	}
	s.records[rec.SnapshotID] = rec
	s.byName[name] = rec.SnapshotID
	s.slots[rec.SnapshotID] = slot
	s.used[slot] = true
	if err := s.writeSector(slot / s.perSector); err != nil {
		s.dropLocked(rec.SnapshotID)
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) dropLocked(id uint32) {
	rec := s.records[id]
	slot := s.slots[id]
	delete(s.records, id)
	delete(s.byName, rec.Name)
	delete(s.slots, id)
	s.used[slot] = false
}

// Del removes the record with the given name.
func (s *Store) Del(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return errors.Wrapf(common.ErrNotFound, "snapshot %q", name)
	}
	si := s.slots[id] / s.perSector
	s.dropLocked(id)
	return s.writeSector(si)
}

// DelRange removes all records with lsid in [lsid0, lsid1) and returns
// how many were removed.
func (s *Store) DelRange(lsid0, lsid1 common.Lsid) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := make(map[uint32]bool)
	var ids []uint32
	for id, rec := range s.records {
		if rec.Lsid >= lsid0 && rec.Lsid < lsid1 {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		dirty[s.slots[id]/s.perSector] = true
		s.dropLocked(id)
	}
	for si := range dirty {
		if err := s.writeSector(si); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Get returns the record with the given name.
func (s *Store) Get(name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return Record{}, errors.Wrapf(common.ErrNotFound, "snapshot %q", name)
	}
	return s.records[id], nil
}

// NRecords returns the total number of records.
func (s *Store) NRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// NRecordsRange counts records with lsid in [lsid0, lsid1).
func (s *Store) NRecordsRange(lsid0, lsid1 common.Lsid) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.Lsid >= lsid0 && rec.Lsid < lsid1 {
			n++
		}
	}
	return n
}

// ListRange returns up to max records with lsid in [lsid0, lsid1),
// ordered by lsid then name. max <= 0 means no limit.
func (s *Store) ListRange(lsid0, lsid1 common.Lsid, max int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []Record
	for _, rec := range s.records {
		if rec.Lsid >= lsid0 && rec.Lsid < lsid1 {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Lsid != recs[j].Lsid {
			return recs[i].Lsid < recs[j].Lsid
		}
		return recs[i].Name < recs[j].Name
	})
	if max > 0 && len(recs) > max {
		recs = recs[:max]
	}
	return recs
}

// ListFrom returns up to max records with id >= snapshotID, ordered by
// id. max <= 0 means no limit.
func (s *Store) ListFrom(snapshotID uint32, max int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []Record
	for id, rec := range s.records {
		if id >= snapshotID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].SnapshotID < recs[j].SnapshotID
	})
	if max > 0 && len(recs) > max {
		recs = recs[:max]
	}
	return recs
}
