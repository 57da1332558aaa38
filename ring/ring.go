// Package ring maps LSIDs to sector offsets within the circular log
// region of the log device.
package ring

import "github.com/walb-linux/walb/common"

// Ring describes the circular log region.
type Ring struct {
	// Start is the sector address of the first ring sector.
	Start uint64
	// Size is the ring capacity in sectors.
	Size uint64
}

// OffsetOf returns the sector address holding lsid.
func (r Ring) OffsetOf(lsid common.Lsid) uint64 {
	return r.Start + lsid%r.Size
}

// SpaceToEnd returns how many sectors remain from lsid's position to
// the physical end of the ring.
func (r Ring) SpaceToEnd(lsid common.Lsid) uint64 {
	return r.Size - lsid%r.Size
}

// WouldWrap reports whether a pack of n sectors starting at lsid would
// cross the physical end of the ring.
func (r Ring) WouldWrap(lsid common.Lsid, n uint64) bool {
	return lsid%r.Size+n > r.Size
}

// Overflows reports whether appending n sectors at latest would exceed
// the ring capacity given the retention boundary oldest.
func (r Ring) Overflows(oldest, latest common.Lsid, n uint64) bool {
	return latest-oldest+n > r.Size
}

// Free returns the unreserved ring capacity in sectors.
func (r Ring) Free(oldest, latest common.Lsid) uint64 {
	return r.Size - (latest - oldest)
}
