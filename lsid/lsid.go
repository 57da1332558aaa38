// Package lsid tracks the monotonic LSID set of a walb device under a
// single lock.
//
// The ordering invariant held at all times:
//
//	oldest <= prevWritten <= written <= permanent <= completed <= flush <= latest
//
// latest is the next LSID to assign; completed covers log writes
// durable on the log device; permanent additionally crash-safe via
// FLUSH; written covers data writes durable on the data device.
package lsid

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/walb-linux/walb/common"
)

// Snapshot is a consistent copy of the set.
type Snapshot struct {
	Oldest      common.Lsid
	PrevWritten common.Lsid
	Written     common.Lsid
	Permanent   common.Lsid
	Completed   common.Lsid
	Flush       common.Lsid
	Latest      common.Lsid
}

func (s Snapshot) ordered() bool {
	return s.Oldest <= s.PrevWritten &&
		s.PrevWritten <= s.Written &&
		s.Written <= s.Permanent &&
		s.Permanent <= s.Completed &&
		s.Completed <= s.Flush &&
		s.Flush <= s.Latest
}

// Set is the LSID set. The zero value is unusable; use New.
type Set struct {
	mu sync.Mutex
	s  Snapshot
}

// New returns a set with written..latest at written and oldest at
// oldest (the state after loading a super and before redo).
func New(oldest, written common.Lsid) *Set {
	return &Set{s: Snapshot{
		Oldest:      oldest,
		PrevWritten: written,
		Written:     written,
		Permanent:   written,
		Completed:   written,
		Flush:       written,
		Latest:      written,
	}}
}

// Get returns a copy of the set.
func (l *Set) Get() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s
}

func (l *Set) apply(mutate func(*Snapshot)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.s
	mutate(&next)
	if !next.ordered() {
		return errors.Wrapf(common.ErrInvalidLsid,
			"ordering violated: %+v -> %+v", l.s, next)
	}
	l.s = next
	return nil
}

// AdvanceLatest reserves n LSIDs and returns the first one assigned.
func (l *Set) AdvanceLatest(n uint64) common.Lsid {
	l.mu.Lock()
	defer l.mu.Unlock()
	first := l.s.Latest
	l.s.Latest += n
	return first
}

// SetFlush records that a flush has been scheduled covering all log
// writes up to lsid.
func (l *Set) SetFlush(lsid common.Lsid) error {
	return l.apply(func(s *Snapshot) {
		if lsid > s.Flush {
			s.Flush = lsid
		}
	})
}

// SetCompleted records that log writes up to lsid are durable on the
// log device.
func (l *Set) SetCompleted(lsid common.Lsid) error {
	return l.apply(func(s *Snapshot) {
		if lsid > s.Completed {
			s.Completed = lsid
		}
		if s.Flush < s.Completed {
			s.Flush = s.Completed
		}
	})
}

// PromotePermanent records that a FLUSH has made log writes up to lsid
// crash-safe.
func (l *Set) PromotePermanent(lsid common.Lsid) error {
	return l.apply(func(s *Snapshot) {
		if lsid > s.Permanent {
			s.Permanent = lsid
		}
	})
}

// SetWritten records that data writes up to lsid are durable on the
// data device.
func (l *Set) SetWritten(lsid common.Lsid) error {
	return l.apply(func(s *Snapshot) {
		if lsid > s.Written {
			s.Written = lsid
		}
	})
}

// SetPrevWritten records the written value captured by the last
// completed checkpoint.
func (l *Set) SetPrevWritten(lsid common.Lsid) error {
	return l.apply(func(s *Snapshot) {
		if lsid > s.PrevWritten {
			s.PrevWritten = lsid
		}
	})
}

// SetOldest advances the retention boundary. Validation that lsid
// references a live pack header is the caller's job; ordering is
// enforced here.
func (l *Set) SetOldest(lsid common.Lsid) error {
	return l.apply(func(s *Snapshot) {
		s.Oldest = lsid
	})
}

// Equalize sets every member except oldest to lsid; redo uses it once
// the tail of the log has been located.
func (l *Set) Equalize(lsid common.Lsid) error {
	return l.apply(func(s *Snapshot) {
		s.PrevWritten = lsid
		s.Written = lsid
		s.Permanent = lsid
		s.Completed = lsid
		s.Flush = lsid
		s.Latest = lsid
	})
}

// Reset sets the whole set to lsid, dropping history. Only clear-log
// uses it.
func (l *Set) Reset(lsid common.Lsid) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s = Snapshot{
		Oldest:      lsid,
		PrevWritten: lsid,
		Written:     lsid,
		Permanent:   lsid,
		Completed:   lsid,
		Flush:       lsid,
		Latest:      lsid,
	}
}

// Backup returns the current state for a later Restore.
func (l *Set) Backup() Snapshot {
	return l.Get()
}

// Restore replaces the whole set, validating ordering.
func (l *Set) Restore(s Snapshot) error {
	if !s.ordered() {
		return errors.Wrapf(common.ErrInvalidLsid,
			"ordering violated: %+v", s)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s = s
	return nil
}
