// Package counttable implements the per-document concurrent topic-count
// store: a Robin-Hood hash table over packed (topic, signed count) entries,
// updated exclusively through single-word compare-and-swap, probed in
// 16-entry cache lines, and grown in place under group coordination.
//
// Layout
// ======
//
// Storage is a flat array of 64-bit slot words grouped into lines of
// LineSlots entries; the line count is always a power of two. A key hashes
// to a home line and to an odd line stride, drawn from two independent
// hash parameter pairs chosen at construction. Probe step i of a key
// inspects line (home + i*stride) mod lines; within a line, slots are
// unordered and all count as probe distance i.
//
// Robin-Hood Invariant
// ====================
//
// An entry resting at probe distance d is never preceded, along its own
// probe sequence, by an empty slot or by an entry at strictly smaller
// displacement. Lookups may therefore stop as soon as a line contains an
// empty slot or an occupant displaced less than the current search
// distance. Displacement of an arbitrary occupant is recovered from its
// key alone: with a power-of-two line count and odd strides, the probe
// index solves to (line - home) * stride^-1 mod lines, and the inverse of
// an odd word is four Newton steps.
//
// Concurrency
// ===========
//
// Every mutation is one compare-and-swap against the exact previously
// observed slot word, so no interleaving of concurrent accumulates can
// lose an update: an increment lands on the observed value or the CAS
// fails and the slot is reread. A failed CAS is not an error, it is the
// progress mechanism. There are no mutexes and no blocking waits outside
// the explicit group barriers of the resize protocol.
//
// When a probe chain exceeds the configured line budget the table raises
// its resize flag rather than blocking; the operation itself still runs to
// completion, falling back to a bounded stash if the chain cannot land at
// all. Accumulate refuses new work (returns false) once the flag is up, so
// a rendezvous and Resize must follow before the table is read again.
package counttable

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/rand"

	"plda.lopezb.com/internal/lda/coop"
)

// LineSlots is the number of packed entries per probe line. It equals the
// cooperative group width so a group inspects one line per step.
const LineSlots = coop.Width

// pendingCap bounds the stash of records displaced mid-chain when a probe
// hits the hard cap. At most one record per concurrently executing
// operation can be stashed between resize rendezvous, and a table is owned
// by a single group of coop.Width lanes.
const pendingCap = 4 * coop.Width

// ErrAllocationFailure is returned when table storage cannot be obtained
// within the configured capacity ceiling, at construction or after repeated
// growth escalation. It is fatal to the current pass.
var ErrAllocationFailure = errors.New("counttable: allocation failure")

// Config holds table construction parameters.
type Config struct {
	// CapacityHint is the expected number of live topics. Storage is
	// sized with headroom and rounded up to whole lines.
	CapacityHint int

	// MaxProbeLines is the probe-chain line budget before an operation
	// raises the resize flag.
	MaxProbeLines int

	// GrowthFactor scales capacity on each resize. Values below 2 still
	// grow by at least one power of two, since line counts are powers
	// of two.
	GrowthFactor float64

	// MaxCapacity is the hard slot ceiling; growth past it fails with
	// ErrAllocationFailure.
	MaxCapacity int
}

// DefaultConfig returns the parameters used by the sampling engine unless
// overridden: one line of headroom per 8 expected topics, a 4-line probe
// budget, doubling growth, and a 16M-entry ceiling.
func DefaultConfig() Config {
	return Config{
		CapacityHint:  64,
		MaxProbeLines: 4,
		GrowthFactor:  2.0,
		MaxCapacity:   1 << 24,
	}
}

// Table is a concurrent topic -> count map owned by one cooperative group
// for the duration of a document pass.
type Table struct {
	slots []uint64
	lines uint32
	mask  uint32

	// Hash parameter pairs for the home-line and stride functions,
	// drawn from the owning pass's RNG stream at construction.
	slotA, slotB     uint64
	strideA, strideB uint64

	cfg  Config
	live atomic.Int32

	resizeNeeded atomic.Bool
	pendingN     atomic.Int32
	pending      [pendingCap]atomic.Uint64

	// Resize scratch, written by lane 0 between barriers.
	growNext *Table
	growErr  error
}

// New allocates a table sized for cfg.CapacityHint live entries and draws
// its hash parameters from rng. All slots start empty.
func New(cfg Config, rng *rand.Rand) (*Table, error) {
	if cfg.MaxProbeLines <= 0 {
		cfg.MaxProbeLines = DefaultConfig().MaxProbeLines
	}
	if cfg.GrowthFactor < 1 {
		cfg.GrowthFactor = DefaultConfig().GrowthFactor
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = DefaultConfig().MaxCapacity
	}

	lines := linesFor(cfg.CapacityHint)
	if int(lines)*LineSlots > cfg.MaxCapacity {
		return nil, ErrAllocationFailure
	}

	t := &Table{
		cfg:     cfg,
		slotA:   rng.Uint64(),
		slotB:   rng.Uint64(),
		strideA: rng.Uint64(),
		strideB: rng.Uint64(),
	}
	t.setStorage(makeSlots(lines), lines)
	return t, nil
}

// linesFor converts an entry-count hint into a power-of-two line count with
// 2x load headroom.
func linesFor(hint int) uint32 {
	if hint < 1 {
		hint = 1
	}
	need := (2*hint + LineSlots - 1) / LineSlots
	lines := uint32(1)
	for int(lines) < need {
		lines <<= 1
	}
	return lines
}

func makeSlots(lines uint32) []uint64 {
	s := make([]uint64, int(lines)*LineSlots)
	for i := range s {
		s[i] = emptyWord
	}
	return s
}

func (t *Table) setStorage(slots []uint64, lines uint32) {
	t.slots = slots
	t.lines = lines
	t.mask = lines - 1
}

// Capacity returns the total slot count.
func (t *Table) Capacity() int { return len(t.slots) }

// Live returns the number of occupied slots. Entries whose count has
// returned to zero remain live.
func (t *Table) Live() int { return int(t.live.Load()) }

// NeedsResize reports whether a probe chain has exceeded the line budget
// since the last resize.
func (t *Table) NeedsResize() bool { return t.resizeNeeded.Load() }

// hash mixes a 32-bit key with one parameter pair: xxhash over the key and
// the first parameter, then the SplitMix64 finalizer keyed by the second.
func hash(key uint32, a, b uint64) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], key)
	binary.LittleEndian.PutUint64(buf[4:12], a)
	h := xxhash.Sum64(buf[:]) ^ b
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}

// homeLine returns the ideal line of a key.
func (t *Table) homeLine(key uint32) uint32 {
	return uint32(hash(key, t.slotA, t.slotB)) & t.mask
}

// lineStride returns the per-key line step. Forcing the stride odd makes it
// coprime with the power-of-two line count, so a probe sequence visits
// every line, and makes the stride invertible for displacement recovery.
func (t *Table) lineStride(key uint32) uint32 {
	return uint32(hash(key, t.strideA, t.strideB)) | 1
}

// displacement returns the probe distance at which key occupies line.
func (t *Table) displacement(key uint32, line uint32) uint32 {
	d := (line - t.homeLine(key)) * oddInverse(t.lineStride(key))
	return d & t.mask
}

// hardProbeCap bounds a single operation's total line scans, chains
// included, past which the carried record is stashed for the next resize.
func (t *Table) hardProbeCap() int {
	return 4*int(t.lines) + t.cfg.MaxProbeLines
}

// Get returns the count stored for topic, or 0 if absent. Lookups terminate
// early on an empty slot or on an occupant displaced less than the search
// distance, per the Robin-Hood invariant. Get must not race with an
// in-flight resize; the owning group drains the resize flag before reading.
func (t *Table) Get(topic uint32) int32 {
	home := t.homeLine(topic)
	stride := t.lineStride(topic)

	for dist := uint32(0); dist <= uint32(t.cfg.MaxProbeLines); dist++ {
		line := (home + dist*stride) & t.mask
		base := int(line) * LineSlots
		for s := 0; s < LineSlots; s++ {
			k, c := unpack(atomic.LoadUint64(&t.slots[base+s]))
			if k == topic {
				return c
			}
			if k == EmptyKey {
				return 0
			}
			if t.displacement(k, line) < dist {
				return 0
			}
		}
	}
	return 0
}

// Accumulate adds delta to topic's count, inserting the entry if absent.
// It returns false, without applying anything, when the resize flag is
// already up; the caller must rendezvous and Resize, then retry. A true
// return means the delta is applied, though the operation itself may have
// raised the flag along the way.
//
// Concurrent calls from the owning group's lanes are safe: each step is a
// CAS validated against the exact observed slot word, and displaced
// Robin-Hood records are carried by the displacing operation until they
// land (or reach the stash). One restriction applies: concurrent calls may
// freely update existing entries, but two calls must not race to insert
// the same absent key, or both can materialize a copy. Token resampling is
// strictly sequential per table so the case never arises there; the bulk
// paths (migration, GroupBulkAdd) feed one record per distinct key.
func (t *Table) Accumulate(topic uint32, delta int32) bool {
	if t.resizeNeeded.Load() {
		return false
	}

	curKey, curVal := topic, delta
	home := t.homeLine(curKey)
	stride := t.lineStride(curKey)
	dist := uint32(0)
	total := 0

	for {
		line := (home + dist*stride) & t.mask
		base := int(line) * LineSlots

	rescan:
		evictSlot := -1
		var evictWord uint64
		for s := 0; s < LineSlots; s++ {
			w := atomic.LoadUint64(&t.slots[base+s])
			k, c := unpack(w)
			if k == curKey {
				if atomic.CompareAndSwapUint64(&t.slots[base+s], w, pack(k, c+curVal)) {
					return true
				}
				goto rescan
			}
			if k == EmptyKey {
				if atomic.CompareAndSwapUint64(&t.slots[base+s], w, pack(curKey, curVal)) {
					t.live.Add(1)
					return true
				}
				goto rescan
			}
			if evictSlot < 0 && t.displacement(k, line) < dist {
				evictSlot, evictWord = s, w
			}
		}

		if evictSlot >= 0 {
			// Robin-Hood swap: our record takes the slot, the
			// shallower occupant is carried onward along its own
			// probe sequence.
			if !atomic.CompareAndSwapUint64(&t.slots[base+evictSlot], evictWord, pack(curKey, curVal)) {
				goto rescan
			}
			curKey, curVal = unpack(evictWord)
			home = t.homeLine(curKey)
			stride = t.lineStride(curKey)
			dist = t.displacement(curKey, line) + 1
		} else {
			dist++
		}

		total++
		if total >= t.cfg.MaxProbeLines {
			t.resizeNeeded.Store(true)
		}
		if total >= t.hardProbeCap() {
			// The chain cannot land. Park the carried record for
			// migration; it is reinserted before the new storage
			// becomes readable, so nothing is dropped.
			t.stash(curKey, curVal)
			return true
		}
	}
}

func (t *Table) stash(key uint32, count int32) {
	n := t.pendingN.Add(1) - 1
	if int(n) >= pendingCap {
		// Unreachable while the single-group ownership contract
		// holds: each lane stalls after at most one stash.
		panic("counttable: pending stash overflow")
	}
	t.pending[n].Store(pack(key, count))
}

// Slots returns the slot-array length, for indexed cooperative scans.
func (t *Table) Slots() int { return len(t.slots) }

// At returns the entry stored in slot i, with ok false for vacant slots.
func (t *Table) At(i int) (topic uint32, count int32, ok bool) {
	k, c := unpack(atomic.LoadUint64(&t.slots[i]))
	if k == EmptyKey {
		return 0, 0, false
	}
	return k, c, true
}

// Range calls fn for every live entry until fn returns false. It must not
// race with writers.
func (t *Table) Range(fn func(topic uint32, count int32) bool) {
	for i := range t.slots {
		k, c := unpack(atomic.LoadUint64(&t.slots[i]))
		if k == EmptyKey {
			continue
		}
		if !fn(k, c) {
			return
		}
	}
}
