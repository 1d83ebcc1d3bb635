// Package mixture implements the per-token topic resampler: each token's
// topic is redrawn from an exact two-term mixture without ever
// materializing a distribution over all topics.
//
// The full conditional for a token of word w factors into a sparse term,
// count(k) * phi[w,k] over the topics live in the document's count table,
// and a dense term, alpha * phi[w,k] over all topics. The sparse term's
// mass sigma_b is a cooperative reduction over the (few) occupied table
// entries; the dense term's mass sigma_a[w] and its O(1) alias-table
// proposal are precomputed by the urn refresh. One uniform variate picks
// the term in proportion to the two masses, a second locates the topic
// inside the chosen term: a cooperative wary search over scanned prefix
// sums for the sparse term, a single alias-table probe for the dense one.
// Per-token cost is therefore independent of the total topic count.
//
// Tokens of one document are strictly sequential: each draw must condition
// on the table with the current token's own contribution removed, so the
// owning group processes remove, score, draw, commit one token at a time.
// One Sampler belongs to one cooperative group and one RNG stream; groups
// working different documents never share a Sampler.
package mixture

import (
	"math"

	"golang.org/x/exp/rand"

	"plda.lopezb.com/internal/lda/coop"
	"plda.lopezb.com/internal/lda/counttable"
	"plda.lopezb.com/internal/lda/model"
)

// Sampler resamples token topics for one cooperative group. Only lane 0
// touches the RNG stream; variates reach the other lanes by broadcast.
type Sampler struct {
	m   *model.Model
	rng *rand.Rand
}

// NewSampler binds a group's sampler to the global model and the group's
// RNG stream.
func NewSampler(m *model.Model, rng *rand.Rand) *Sampler {
	return &Sampler{m: m, rng: rng}
}

// Draw samples a replacement topic for one token of word, conditioned on
// the document counts in tbl (the token's own contribution must already be
// removed). All lanes of the owning group call it together and all return
// the same topic.
func (s *Sampler) Draw(ln *coop.Lane, tbl *counttable.Table, word uint32) uint32 {
	phiCol := s.m.PhiT.RawRowView(int(word))
	sigmaA := s.m.SigmaA[word]

	// Sparse-term mass: lane-strided partial sums of count*phi over the
	// live entries, combined by the group scan.
	var partial float64
	n := tbl.Slots()
	for i := ln.ID(); i < n; i += coop.Width {
		if k, c, ok := tbl.At(i); ok && c > 0 {
			partial += float64(c) * phiCol[k]
		}
	}
	_, sigmaB := ln.Scan(partial)

	var u1, u2 float64
	if ln.ID() == 0 {
		u1 = s.rng.Float64()
		u2 = s.rng.Float64()
	}
	u1 = math.Float64frombits(ln.Broadcast(math.Float64bits(u1), 0))
	u2 = math.Float64frombits(ln.Broadcast(math.Float64bits(u2), 0))

	// Term choice. With an empty table sigma_b is 0 and the inequality
	// can never hold, so the sparse branch is unreachable then.
	if u1*(sigmaA+sigmaB) > sigmaA {
		return s.searchSparse(ln, tbl, phiCol, u2*sigmaB)
	}
	return s.m.Word[word].Draw(u2)
}

// searchSparse locates the topic whose cumulative count*phi bucket contains
// target, walking the table line by line with a cooperative inclusive scan
// and a carried prefix. The search is wary of the sparse, float-summed
// occupancy: if rounding leaves the target just past the grand total, the
// last live topic encountered wins.
func (s *Sampler) searchSparse(ln *coop.Lane, tbl *counttable.Table, phiCol []float64, target float64) uint32 {
	n := tbl.Slots()
	carry := 0.0
	lastTopic := -1 // this lane's most recent live topic, for the fallback

	for base := 0; base < n; base += coop.Width {
		var (
			mass  float64
			topic uint32
			live  bool
		)
		if i := base + ln.ID(); i < n {
			if k, c, ok := tbl.At(i); ok && c > 0 {
				topic, mass, live = k, float64(c)*phiCol[k], true
			}
		}

		incl, total := ln.Scan(mass)
		hit := live && carry+incl >= target
		if e := coop.Elect(ln.Ballot(hit)); e >= 0 {
			return uint32(ln.Broadcast(uint64(topic), e))
		}
		carry += total
		if live {
			lastTopic = int(topic)
		}
	}

	// Rounding pushed the target past every bucket: highest lane holding
	// a live topic resolves the draw.
	for src := coop.Width - 1; src >= 0; src-- {
		cand := int64(-1)
		if ln.ID() == src {
			cand = int64(lastTopic)
		}
		if got := int64(ln.Broadcast(uint64(cand), src)); got >= 0 {
			return uint32(got)
		}
	}
	// Unreachable: the sparse branch is only taken when sigma_b > 0.
	return 0
}

// ResampleToken runs the remove/score/draw/commit cycle for one token and
// returns its new topic. The commit is also recorded in the global
// sufficient statistics for the next urn refresh.
func (s *Sampler) ResampleToken(ln *coop.Lane, tbl *counttable.Table, word, cur uint32) (uint32, error) {
	if err := tbl.GroupAccumulate(ln, cur, -1); err != nil {
		return 0, err
	}
	next := s.Draw(ln, tbl, word)
	if err := tbl.GroupAccumulate(ln, next, 1); err != nil {
		return 0, err
	}
	if ln.ID() == 0 {
		s.m.AddStat(word, next)
	}
	return next, nil
}

// ResampleDocument seeds tbl from the document's current assignments, then
// resamples every token in order, writing new topics back into topics.
// words and topics are the document's parallel token arrays.
func (s *Sampler) ResampleDocument(ln *coop.Lane, tbl *counttable.Table, words, topics []uint32) error {
	for _, k := range topics {
		if err := tbl.GroupAccumulate(ln, k, 1); err != nil {
			return err
		}
	}
	for i := range words {
		next, err := s.ResampleToken(ln, tbl, words[i], topics[i])
		if err != nil {
			return err
		}
		if ln.ID() == 0 {
			topics[i] = next
		}
	}
	return nil
}
