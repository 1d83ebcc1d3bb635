// Package coop provides fixed-width cooperative lane groups: a small set of
// goroutines that execute the same protocol in near-lockstep and communicate
// through barrier-separated exchange buffers instead of locks.
//
// The primitives mirror what a SIMT machine gives a warp for free:
//
//	Sync       - barrier; every write before it is visible to every lane after it
//	Ballot     - each lane contributes one predicate bit, all lanes see the mask
//	Broadcast  - one lane publishes a word, all lanes receive it
//	Scan       - cooperative inclusive prefix sum plus grand total
//
// Emulation Model
// ===============
//
// A Group owns Width goroutines for its whole lifetime. Lanes are not
// preempted into lockstep; instead, every exchange is bracketed by two
// barrier crossings: one so that all inputs are published before anyone
// reads, and one so that all reads complete before anyone reuses the
// buffer. The barrier is a plain generation-counting monitor, which also
// supplies the happens-before edges, so the exchange buffers themselves
// need no atomics.
//
// The mask-manipulation helpers (Elect, Rank) are free functions because
// they are pure bit arithmetic on a ballot result.
package coop

import (
	"math/bits"
	"sync"
)

// Width is the number of lanes in every group. It matches the number of
// packed count-table entries that fit in one 64-byte probe line, so a group
// inspects exactly one line per cooperative probe step.
const Width = 16

// Group is a reusable cooperative lane group. A Group may be reused across
// any number of Run invocations, but only one Run may be active at a time.
type Group struct {
	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64

	// Exchange buffers, one slot per lane. Guarded by barrier ordering,
	// not by mu: lanes only touch their own slot between crossings.
	votes [Width]bool
	words [Width]uint64
	sums  [Width]float64
}

// NewGroup creates an idle lane group.
func NewGroup() *Group {
	g := &Group{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Run spawns Width lanes, executes fn on each, and returns when every lane
// has finished. fn must call the exchange primitives uniformly: either all
// lanes reach a given Sync/Ballot/Broadcast/Scan call or none do, exactly
// as on the hardware being emulated.
func (g *Group) Run(fn func(ln *Lane)) {
	var wg sync.WaitGroup
	wg.Add(Width)
	for id := 0; id < Width; id++ {
		go func(id int) {
			defer wg.Done()
			fn(&Lane{g: g, id: id})
		}(id)
	}
	wg.Wait()
}

// Lane is one member of a running group. A Lane is only valid inside the
// fn passed to Run and must not be shared with other goroutines.
type Lane struct {
	g  *Group
	id int
}

// ID returns the lane index in [0, Width).
func (ln *Lane) ID() int { return ln.id }

// Sync blocks until every lane of the group has reached it.
func (ln *Lane) Sync() {
	g := ln.g
	g.mu.Lock()
	gen := g.gen
	g.arrived++
	if g.arrived == Width {
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		g.mu.Unlock()
		return
	}
	for gen == g.gen {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// Ballot submits this lane's predicate and returns the group-wide vote mask,
// bit i set iff lane i voted true.
func (ln *Lane) Ballot(pred bool) uint32 {
	g := ln.g
	g.votes[ln.id] = pred
	ln.Sync()
	var mask uint32
	for i := 0; i < Width; i++ {
		if g.votes[i] {
			mask |= 1 << uint(i)
		}
	}
	ln.Sync()
	return mask
}

// Broadcast publishes v from lane src and returns it on every lane. Lanes
// other than src pass their own (ignored) value for v.
func (ln *Lane) Broadcast(v uint64, src int) uint64 {
	g := ln.g
	if ln.id == src {
		g.words[src] = v
	}
	ln.Sync()
	out := g.words[src]
	ln.Sync()
	return out
}

// Scan performs an inclusive prefix sum of one float64 per lane. It returns
// this lane's inclusive prefix (the sum over lanes 0..ID) and the grand
// total over all lanes.
func (ln *Lane) Scan(x float64) (incl, total float64) {
	g := ln.g
	g.sums[ln.id] = x
	ln.Sync()
	for i := 0; i < Width; i++ {
		total += g.sums[i]
		if i == ln.id {
			incl = total
		}
	}
	ln.Sync()
	return incl, total
}

// Elect returns the lowest-numbered lane set in mask, or -1 if mask is zero.
func Elect(mask uint32) int {
	if mask == 0 {
		return -1
	}
	return bits.TrailingZeros32(mask)
}

// Rank returns the number of lanes below lane that are set in mask: the
// prefix popcount used to assign each voting lane a dense write offset.
func Rank(mask uint32, lane int) int {
	return bits.OnesCount32(mask & (1<<uint(lane) - 1))
}
