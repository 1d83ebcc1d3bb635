// Package model holds the global topic-word state shared between the
// Polya-urn refresh and the token resampling passes: the dense topic-word
// matrix Phi, its word-major transpose, the per-word dense-term masses, the
// per-word mixture proposal alias tables, and the accumulated sufficient
// statistics.
//
// Ownership is phase-exclusive, never lock-based. The state machine
//
//	Stale -> Sampling -> Normalizing -> Ready
//
// makes the contract checkable: the urn sampler is the only writer and only
// while the state is Sampling or Normalizing; resampling passes read
// Phi/SigmaA/Word only in Ready. Transitions happen at full synchronization
// barriers in the host orchestration, so the atomic state word is a guard
// rail, not a synchronization mechanism. The one exception is the
// sufficient-statistic array, which resampling passes update with atomic
// increments while Ready.
package model

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"plda.lopezb.com/internal/lda/alias"
)

// ErrInvalidTransition is returned when a state advance does not start from
// the expected phase, indicating overlapping refresh and resample passes.
var ErrInvalidTransition = errors.New("model: invalid state transition")

// State is a phase of the global model lifecycle.
type State int32

const (
	// Stale: a refresh is due; readers must not touch Phi.
	Stale State = iota
	// Sampling: the urn sampler is redrawing raw topic-word counts.
	Sampling
	// Normalizing: rows are being normalized and derived artifacts
	// (transpose, SigmaA, alias tables) rebuilt.
	Normalizing
	// Ready: Phi, SigmaA and the alias tables are immutable and safe to
	// read from any number of resampling passes.
	Ready
)

func (s State) String() string {
	switch s {
	case Stale:
		return "stale"
	case Sampling:
		return "sampling"
	case Normalizing:
		return "normalizing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Model is the single live instance of the global topic-word state.
type Model struct {
	Topics int
	Vocab  int
	Alpha  float64
	Beta   float64

	// Phi is the topic-word matrix, Topics x Vocab; row k is topic k's
	// word distribution. PhiT is its word-major transpose, maintained for
	// the resamplers' per-word scans.
	Phi  *mat.Dense
	PhiT *mat.Dense

	// SigmaA[w] is the precomputed dense-term mass for word w:
	// Alpha times the column sum of Phi over topics.
	SigmaA []float64

	// Word[w] is the alias table over topics proportional to Phi[:, w],
	// the O(1) proposal for the dense mixture term.
	Word []alias.Table

	// n is the word-major sufficient-statistic array, n[w*Topics+k]
	// counting commits of topic k to word w since the last refresh.
	n []uint32

	state atomic.Int32
}

// New allocates a model in the Stale state with zeroed statistics.
func New(topics, vocab int, alpha, beta float64) *Model {
	return &Model{
		Topics: topics,
		Vocab:  vocab,
		Alpha:  alpha,
		Beta:   beta,
		Phi:    mat.NewDense(topics, vocab, nil),
		PhiT:   mat.NewDense(vocab, topics, nil),
		SigmaA: make([]float64, vocab),
		Word:   make([]alias.Table, vocab),
		n:      make([]uint32, topics*vocab),
	}
}

// State returns the current lifecycle phase.
func (m *Model) State() State {
	return State(m.state.Load())
}

// Advance moves the state machine from from to to, failing if the model is
// not in from.
func (m *Model) Advance(from, to State) error {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %v -> %v, currently %v", ErrInvalidTransition, from, to, m.State())
	}
	return nil
}

// AddStat records one committed (word, topic) assignment. Safe for
// concurrent use by resampling passes while the model is Ready.
func (m *Model) AddStat(word, topic uint32) {
	atomic.AddUint32(&m.n[int(word)*m.Topics+int(topic)], 1)
}

// Stat returns the accumulated count for (word, topic).
func (m *Model) Stat(word, topic uint32) uint32 {
	return atomic.LoadUint32(&m.n[int(word)*m.Topics+int(topic)])
}

// ResetStats zeroes the sufficient statistics. Called by the urn sampler
// once a refresh has consumed them; no resampling pass may be running.
func (m *Model) ResetStats() {
	clear(m.n)
}

// SyncTranspose refreshes the word-major transpose from Phi. The copy is
// delegated to gonum's dense kernels.
func (m *Model) SyncTranspose() {
	m.PhiT.Copy(m.Phi.T())
}
