package counttable

import (
	"sync/atomic"

	"plda.lopezb.com/internal/lda/coop"
)

// groupFull is the ballot mask with every lane set.
const groupFull = uint32(1)<<coop.Width - 1

// This file holds the cooperative front-ends: the same probe sequences as
// the scalar operations, but with one lane per line slot. Each step, every
// lane reads its own slot of the current line and votes; the group acts on
// the combined mask, and a single elected lane performs any CAS. All lanes
// must call these methods together with identical arguments.

// GroupGet returns the count stored for topic, or 0 if absent. The whole
// line is inspected in one cooperative step: lanes vote "match", "empty" or
// "displaced less than the search distance", and the first vote to appear
// resolves the lookup.
func (t *Table) GroupGet(ln *coop.Lane, topic uint32) int32 {
	home := t.homeLine(topic)
	stride := t.lineStride(topic)

	for dist := uint32(0); dist <= uint32(t.cfg.MaxProbeLines); dist++ {
		line := (home + dist*stride) & t.mask
		base := int(line) * LineSlots

		k, c := unpack(atomic.LoadUint64(&t.slots[base+ln.ID()]))
		match := ln.Ballot(k == topic)
		if src := coop.Elect(match); src >= 0 {
			return int32(uint32(ln.Broadcast(uint64(uint32(c)), src)))
		}
		stop := k == EmptyKey || t.displacement(k, line) < dist
		if ln.Ballot(stop) != 0 {
			return 0
		}
	}
	return 0
}

// GroupAccumulate adds delta to topic's count with the full group working a
// line per step. If the table's resize flag is up on entry, or comes up
// during the operation, the group resizes before returning, so the table is
// always clean (no flag, no stashed records) when this method returns nil.
func (t *Table) GroupAccumulate(ln *coop.Lane, topic uint32, delta int32) error {
	if ln.Ballot(t.resizeNeeded.Load()) != 0 {
		if err := t.Resize(ln); err != nil {
			return err
		}
	}

	curKey, curVal := topic, delta
	home := t.homeLine(curKey)
	stride := t.lineStride(curKey)
	dist := uint32(0)
	total := 0

probe:
	for {
		line := (home + dist*stride) & t.mask
		base := int(line) * LineSlots

	rescan:
		w := atomic.LoadUint64(&t.slots[base+ln.ID()])
		k, c := unpack(w)

		// Match: the elected lane merges the delta in place.
		if e := coop.Elect(ln.Ballot(k == curKey)); e >= 0 {
			var ok uint64
			if ln.ID() == e && atomic.CompareAndSwapUint64(&t.slots[base+e], w, pack(k, c+curVal)) {
				ok = 1
			}
			if ln.Broadcast(ok, e) == 1 {
				break probe
			}
			goto rescan
		}

		// Empty slot: the elected lane inserts the carried record.
		if e := coop.Elect(ln.Ballot(k == EmptyKey)); e >= 0 {
			var ok uint64
			if ln.ID() == e && atomic.CompareAndSwapUint64(&t.slots[base+e], w, pack(curKey, curVal)) {
				t.live.Add(1)
				ok = 1
			}
			if ln.Broadcast(ok, e) == 1 {
				break probe
			}
			goto rescan
		}

		// Robin-Hood eviction: displace an occupant shallower than our
		// probe distance and carry it onward. Every lane re-derives the
		// displaced record's home, stride and distance from the
		// broadcast word, keeping the group in step without shared
		// mutable state.
		evict := t.displacement(k, line) < dist
		if e := coop.Elect(ln.Ballot(evict)); e >= 0 {
			var ok uint64
			if ln.ID() == e && atomic.CompareAndSwapUint64(&t.slots[base+e], w, pack(curKey, curVal)) {
				ok = 1
			}
			if ln.Broadcast(ok, e) != 1 {
				goto rescan
			}
			dw := ln.Broadcast(w, e)
			curKey, curVal = unpack(dw)
			home = t.homeLine(curKey)
			stride = t.lineStride(curKey)
			dist = t.displacement(curKey, line) + 1
		} else {
			dist++
		}

		total++
		if total >= t.cfg.MaxProbeLines && ln.ID() == 0 {
			t.resizeNeeded.Store(true)
		}
		if total >= t.hardProbeCap() {
			if ln.ID() == 0 {
				t.stash(curKey, curVal)
			}
			ln.Sync()
			break probe
		}
	}

	if ln.Ballot(t.resizeNeeded.Load()) != 0 {
		return t.Resize(ln)
	}
	return nil
}

// Resize grows the table under full-group coordination: lane 0 allocates
// fresh storage at the next capacity step, all lanes reinsert the surviving
// entries and any stashed records concurrently through the lock-free
// Accumulate path, and only once migration lands cleanly does lane 0 adopt
// the new storage. A migration that overflows the new storage escalates to
// the next power of two and restarts; escalation past the capacity ceiling
// fails with ErrAllocationFailure, leaving the old storage intact.
//
// All lanes of the owning group must call Resize together; the entry
// barrier guarantees no operation is still probing the old slots.
func (t *Table) Resize(ln *coop.Lane) error {
	ln.Sync()

	lines := t.nextLines(t.lines)
	for {
		if int(lines)*LineSlots > t.cfg.MaxCapacity {
			if ln.ID() == 0 {
				t.growErr = ErrAllocationFailure
			}
			ln.Sync()
			return t.growErr
		}

		if ln.ID() == 0 {
			nt := &Table{
				cfg:     t.cfg,
				slotA:   t.slotA,
				slotB:   t.slotB,
				strideA: t.strideA,
				strideB: t.strideB,
			}
			nt.setStorage(makeSlots(lines), lines)
			t.growNext = nt
		}
		ln.Sync()
		nt := t.growNext

		ok := true
		for i := ln.ID(); i < len(t.slots); i += coop.Width {
			k, c := unpack(atomic.LoadUint64(&t.slots[i]))
			if k == EmptyKey {
				continue
			}
			if !nt.Accumulate(k, c) {
				ok = false
				break
			}
		}
		if ok {
			for i := ln.ID(); i < int(t.pendingN.Load()); i += coop.Width {
				if k, c := unpack(t.pending[i].Load()); !nt.Accumulate(k, c) {
					ok = false
				}
			}
		}

		allOK := ln.Ballot(ok) == groupFull
		// The ballot barrier makes every lane's migration writes
		// visible; a raised flag or stash on the new storage means it
		// was too small after all.
		clean := allOK && !nt.resizeNeeded.Load() && nt.pendingN.Load() == 0
		if clean {
			if ln.ID() == 0 {
				t.setStorage(nt.slots, nt.lines)
				t.live.Store(nt.live.Load())
				t.pendingN.Store(0)
				t.resizeNeeded.Store(false)
				t.growNext = nil
			}
			ln.Sync()
			return nil
		}
		lines <<= 1
	}
}

// nextLines applies the growth factor, rounded up to a power of two and at
// least one doubling.
func (t *Table) nextLines(lines uint32) uint32 {
	target := int(float64(lines) * t.cfg.GrowthFactor)
	next := lines
	for int(next) < target || next == lines {
		next <<= 1
	}
	return next
}

// GroupBulkAdd applies delta for every key, lane-partitioned by index, with
// resize rendezvous coordinated across the group. The keys must be distinct
// unless already present in the table: racing insertions of the same absent
// key are outside the Accumulate contract.
func (t *Table) GroupBulkAdd(ln *coop.Lane, keys []uint32, delta int32) error {
	idx := ln.ID()
	var pending uint32
	havePending := false

	for {
		if havePending && t.Accumulate(pending, delta) {
			havePending = false
			idx += coop.Width
		}
		for !havePending && idx < len(keys) {
			if t.Accumulate(keys[idx], delta) {
				idx += coop.Width
			} else {
				pending = keys[idx]
				havePending = true
			}
		}

		// Every lane is now finished or stalled on the resize flag.
		if ln.Ballot(havePending || t.resizeNeeded.Load()) == 0 {
			return nil
		}
		if err := t.Resize(ln); err != nil {
			return err
		}
	}
}
