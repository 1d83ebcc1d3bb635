// Package alias builds Walker alias tables: O(1)-per-draw samplers for
// fixed discrete distributions, constructed in one linear pass.
//
// A table of N entries splits the probability mass into N equal-width
// columns. Each column holds a threshold and an alias index; a draw picks a
// column from one uniform variate and uses the variate's fractional
// remainder against the threshold to choose between the column's own index
// and its alias. Construction is the small/large two-queue pairing of
// Vose's method: every column below average mass is topped up by exactly
// one column above average mass.
//
// Two builders are provided. Build is the plain sequential form, used for
// the Poisson rate-bucket tables. BuildGroup populates the two queues
// cooperatively: each lane classifies one entry per step, qualifying lanes
// ballot, and one elected lane reserves a contiguous block of queue slots
// for the whole vote so that every qualifying lane writes at its prefix-
// popcount rank with a single atomic reservation per group step instead of
// one per lane. The residual pairing once the queues shrink below group
// width is drained by lane 0 alone.
package alias

import (
	"errors"
	"sync/atomic"

	"plda.lopezb.com/internal/lda/coop"
)

var (
	// ErrEmptyPMF is returned for a zero-length mass array.
	ErrEmptyPMF = errors.New("alias: empty probability mass array")

	// ErrInvalidPMF is returned when the mass array contains a negative
	// entry or sums to zero.
	ErrInvalidPMF = errors.New("alias: invalid probability mass array")
)

// Entry is one column of an alias table.
type Entry struct {
	Threshold float64
	Alias     uint32
}

// Table is an immutable alias table. The zero value is empty.
type Table struct {
	entries []Entry
}

// Len returns the number of columns.
func (t Table) Len() int { return len(t.entries) }

// Draw maps one uniform variate in [0, 1) to an outcome index. The integer
// part of u*N selects the column; the fractional remainder, reused as a
// second uniform, picks the column's own index below the threshold and the
// alias above it.
func (t Table) Draw(u float64) uint32 {
	n := len(t.entries)
	scaled := u * float64(n)
	i := int(scaled)
	if i >= n {
		i = n - 1
	}
	e := t.entries[i]
	if scaled-float64(i) < e.Threshold {
		return uint32(i)
	}
	return e.Alias
}

// Build constructs an alias table from pmf sequentially. The masses are
// normalized by their own sum, so slight drift from 1 is tolerated.
func Build(pmf []float64) (Table, error) {
	n := len(pmf)
	if n == 0 {
		return Table{}, ErrEmptyPMF
	}
	var sum float64
	for _, p := range pmf {
		if p < 0 {
			return Table{}, ErrInvalidPMF
		}
		sum += p
	}
	if sum <= 0 {
		return Table{}, ErrInvalidPMF
	}

	scaled := make([]float64, n)
	small := make([]uint32, 0, n)
	large := make([]uint32, 0, n)
	scale := float64(n) / sum
	for i, p := range pmf {
		scaled[i] = p * scale
		if scaled[i] >= 1 {
			large = append(large, uint32(i))
		} else {
			small = append(small, uint32(i))
		}
	}

	entries := make([]Entry, n)
	pair(scaled, small, large, entries)
	return Table{entries: entries}, nil
}

// pair runs the two-queue pairing: each below-average column records its
// threshold and borrows its excess from one above-average column, whose
// reduced mass is re-queued wherever it now belongs. Leftovers in either
// queue carry full columns and alias to themselves.
func pair(scaled []float64, small, large []uint32, entries []Entry) {
	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]

		entries[s] = Entry{Threshold: scaled[s], Alias: l}
		scaled[l] -= 1 - scaled[s]
		if scaled[l] < 1 {
			large = large[:len(large)-1]
			small = append(small, l)
		}
	}
	for len(small) > 0 {
		i := small[len(small)-1]
		small = small[:len(small)-1]
		entries[i] = Entry{Threshold: 1, Alias: uint32(i)}
	}
	for len(large) > 0 {
		i := large[len(large)-1]
		large = large[:len(large)-1]
		entries[i] = Entry{Threshold: 1, Alias: uint32(i)}
	}
}

// Scratch holds the reusable queue storage for cooperative builds. One
// Scratch belongs to one group and may be reused across any number of
// BuildGroup calls with pmf lengths up to its capacity.
type Scratch struct {
	scaled []float64
	small  []uint32
	large  []uint32
	smallN atomic.Int32
	largeN atomic.Int32

	result Table
	err    error
}

// NewScratch allocates scratch for pmf lengths up to maxN.
func NewScratch(maxN int) *Scratch {
	return &Scratch{
		scaled: make([]float64, maxN),
		small:  make([]uint32, maxN),
		large:  make([]uint32, maxN),
	}
}

// BuildGroup constructs an alias table with the whole group populating the
// small/large queues cooperatively. All lanes must call it together with
// the same pmf and the group's shared Scratch; every lane returns the same
// table.
func BuildGroup(ln *coop.Lane, pmf []float64, s *Scratch) (Table, error) {
	n := len(pmf)

	// Lane-partitioned validation and mass total.
	var partial float64
	bad := false
	for i := ln.ID(); i < n; i += coop.Width {
		if pmf[i] < 0 {
			bad = true
		}
		partial += pmf[i]
	}
	_, sum := ln.Scan(partial)
	if n == 0 || ln.Ballot(bad) != 0 || sum <= 0 {
		if ln.ID() == 0 {
			s.err = ErrInvalidPMF
			if n == 0 {
				s.err = ErrEmptyPMF
			}
		}
		ln.Sync()
		return Table{}, s.err
	}

	if ln.ID() == 0 {
		s.smallN.Store(0)
		s.largeN.Store(0)
	}
	ln.Sync()

	// Queue population: one entry per lane per step. Qualifying lanes
	// form a ballot mask; the elected lane reserves one contiguous block
	// per queue for the whole vote, and each lane writes at its prefix-
	// popcount rank inside the block.
	scale := float64(n) / sum
	for chunk := 0; chunk < n; chunk += coop.Width {
		idx := chunk + ln.ID()
		valid := idx < n
		var m float64
		if valid {
			m = pmf[idx] * scale
			s.scaled[idx] = m
		}

		largeMask := ln.Ballot(valid && m >= 1)
		if e := coop.Elect(largeMask); e >= 0 {
			var base uint64
			if ln.ID() == e {
				count := int32(popcount(largeMask))
				base = uint64(s.largeN.Add(count) - count)
			}
			base = ln.Broadcast(base, e)
			if largeMask&(1<<uint(ln.ID())) != 0 {
				s.large[int(base)+coop.Rank(largeMask, ln.ID())] = uint32(idx)
			}
		}

		smallMask := ln.Ballot(valid && m < 1)
		if e := coop.Elect(smallMask); e >= 0 {
			var base uint64
			if ln.ID() == e {
				count := int32(popcount(smallMask))
				base = uint64(s.smallN.Add(count) - count)
			}
			base = ln.Broadcast(base, e)
			if smallMask&(1<<uint(ln.ID())) != 0 {
				s.small[int(base)+coop.Rank(smallMask, ln.ID())] = uint32(idx)
			}
		}
	}
	ln.Sync()

	// Single-lane pairing and residual drain.
	if ln.ID() == 0 {
		entries := make([]Entry, n)
		pair(s.scaled[:n], s.small[:s.smallN.Load()], s.large[:s.largeN.Load()], entries)
		s.result = Table{entries: entries}
		s.err = nil
	}
	ln.Sync()
	return s.result, s.err
}

func popcount(mask uint32) int {
	return coop.Rank(mask, coop.Width)
}
