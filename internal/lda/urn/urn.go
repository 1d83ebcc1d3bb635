// Package urn implements the Polya-urn refresh of the global topic-word
// matrix: every (topic, word) cell is redrawn from its Dirichlet-
// multinomial posterior via a Poisson draw with rate count+beta, rows are
// normalized into probability distributions, and the derived read-only
// artifacts (word-major transpose, per-word dense-term masses, per-word
// alias tables) are rebuilt before the sufficient statistics are reset for
// the next round of resampling commits.
//
// Poisson draws below a fixed rate cutoff come from precomputed per-rate-
// bucket alias tables in O(1); integer counts make the buckets exact (the
// rate of bucket i is exactly beta+i). Above the cutoff a Gaussian
// approximation takes over, transforming one uniform variate through the
// inverse normal CDF and scaling by the rate's mean and standard deviation,
// which keeps the bucket family bounded.
package urn

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"plda.lopezb.com/internal/lda/alias"
	"plda.lopezb.com/internal/lda/coop"
	"plda.lopezb.com/internal/lda/model"
)

// Config holds urn sampler parameters.
type Config struct {
	// PoissonCutoff is the first count served by the Gaussian
	// approximation instead of an alias-table bucket.
	PoissonCutoff int

	// Workers is the number of concurrent topic/word partitions used
	// during a refresh. Defaults to GOMAXPROCS.
	Workers int
}

// DefaultConfig returns the refresh parameters used unless overridden.
func DefaultConfig() Config {
	return Config{
		PoissonCutoff: 32,
		Workers:       runtime.GOMAXPROCS(0),
	}
}

// Sampler redraws a model's Phi from accumulated sufficient statistics. It
// is the exclusive writer of the model's global artifacts while a refresh
// runs; refreshes never overlap resampling passes.
type Sampler struct {
	m       *model.Model
	rng     *rand.Rand
	cfg     Config
	buckets []alias.Table // bucket i serves rate beta + i

	raw *rawMatrix // scratch for unnormalized draws, reused across refreshes
}

// rawMatrix is the refresh scratch: topics x vocab unnormalized draws.
type rawMatrix struct {
	rows int
	cols int
	data []float64
}

func (r *rawMatrix) row(k int) []float64 {
	return r.data[k*r.cols : (k+1)*r.cols]
}

// NewSampler builds the per-rate-bucket alias tables for rates beta+i,
// i < cfg.PoissonCutoff, and binds the sampler to m and to the global
// model's RNG stream.
func NewSampler(m *model.Model, rng *rand.Rand, cfg Config) (*Sampler, error) {
	if cfg.PoissonCutoff <= 0 {
		cfg.PoissonCutoff = DefaultConfig().PoissonCutoff
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	buckets := make([]alias.Table, cfg.PoissonCutoff)
	for i := range buckets {
		rate := m.Beta + float64(i)
		tbl, err := alias.Build(poissonPMF(rate))
		if err != nil {
			return nil, fmt.Errorf("urn: bucket %d: %w", i, err)
		}
		buckets[i] = tbl
	}

	return &Sampler{
		m:       m,
		rng:     rng,
		cfg:     cfg,
		buckets: buckets,
		raw:     &rawMatrix{rows: m.Topics, cols: m.Vocab, data: make([]float64, m.Topics*m.Vocab)},
	}, nil
}

// poissonPMF evaluates the Poisson mass function over a support wide enough
// that the truncated tail is negligible for the given rate.
func poissonPMF(rate float64) []float64 {
	n := int(rate+10*math.Sqrt(rate)) + 16
	dist := distuv.Poisson{Lambda: rate}
	pmf := make([]float64, n)
	for k := range pmf {
		pmf[k] = dist.Prob(float64(k))
	}
	return pmf
}

// drawCount redraws one cell: an alias-table bucket draw for accumulated
// counts below the cutoff, the Gaussian inverse-CDF approximation above it.
func (s *Sampler) drawCount(count uint32, rng *rand.Rand) float64 {
	if int(count) < len(s.buckets) {
		return float64(s.buckets[count].Draw(rng.Float64()))
	}
	rate := float64(count) + s.m.Beta
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	d := math.Round(rate + math.Sqrt(rate)*distuv.UnitNormal.Quantile(u))
	if d < 0 {
		return 0
	}
	return d
}

// Refresh runs one full urn pass: Stale -> Sampling (raw Poisson draws) ->
// Normalizing (row normalization, transpose, SigmaA, alias rebuild, stat
// reset) -> Ready. If the model is Ready from a previous round it is first
// returned to Stale, which is the only legal way back.
func (s *Sampler) Refresh() error {
	m := s.m
	if m.State() == model.Ready {
		if err := m.Advance(model.Ready, model.Stale); err != nil {
			return err
		}
	}
	if err := m.Advance(model.Stale, model.Sampling); err != nil {
		return err
	}

	s.drawRaw()

	if err := m.Advance(model.Sampling, model.Normalizing); err != nil {
		return err
	}

	s.normalize()
	m.SyncTranspose()
	s.deriveSigmaA()
	if err := s.rebuildWordTables(); err != nil {
		return err
	}
	m.ResetStats()

	return m.Advance(model.Normalizing, model.Ready)
}

// drawRaw redraws every cell of the raw matrix, topic rows partitioned
// across workers, each worker on a sub-stream split from the global model
// stream.
func (s *Sampler) drawRaw() {
	m := s.m
	workers := s.cfg.Workers
	if workers > m.Topics {
		workers = m.Topics
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(s.rng.Uint64()))
		go func(w int, rng *rand.Rand) {
			defer wg.Done()
			for k := w; k < m.Topics; k += workers {
				row := s.raw.row(k)
				for v := 0; v < m.Vocab; v++ {
					row[v] = s.drawCount(m.Stat(uint32(v), uint32(k)), rng)
				}
			}
		}(w, rng)
	}
	wg.Wait()
}

// normalize turns each raw topic row into a probability row of Phi. A row
// whose draws all came up zero falls back to uniform, keeping Phi a valid
// stochastic matrix.
func (s *Sampler) normalize() {
	m := s.m
	for k := 0; k < m.Topics; k++ {
		row := s.raw.row(k)
		dst := m.Phi.RawRowView(k)
		total := floats.Sum(row)
		if total == 0 {
			uniform := 1 / float64(m.Vocab)
			for v := range dst {
				dst[v] = uniform
			}
			continue
		}
		copy(dst, row)
		floats.Scale(1/total, dst)
	}
}

// deriveSigmaA recomputes the per-word dense-term masses from the freshly
// transposed Phi: alpha times each word's column sum over topics.
func (s *Sampler) deriveSigmaA() {
	m := s.m
	for v := 0; v < m.Vocab; v++ {
		m.SigmaA[v] = m.Alpha * floats.Sum(m.PhiT.RawRowView(v))
	}
}

// rebuildWordTables rebuilds every word's mixture-proposal alias table from
// its Phi column. Words are partitioned across workers; each worker owns
// one cooperative group and one build scratch for its whole range. A word
// no topic drew any mass for gets a uniform proposal, matching the uniform
// conditional its zero column implies.
func (s *Sampler) rebuildWordTables() error {
	m := s.m
	workers := s.cfg.Workers
	if workers > m.Vocab {
		workers = m.Vocab
	}

	uniform := make([]float64, m.Topics)
	for i := range uniform {
		uniform[i] = 1
	}
	errs := make([]error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			g := coop.NewGroup()
			scratch := alias.NewScratch(m.Topics)
			g.Run(func(ln *coop.Lane) {
				for v := w; v < m.Vocab; v += workers {
					pmf := m.PhiT.RawRowView(v)
					if floats.Sum(pmf) == 0 {
						pmf = uniform
					}
					tbl, err := alias.BuildGroup(ln, pmf, scratch)
					if err != nil {
						if ln.ID() == 0 {
							errs[w] = fmt.Errorf("urn: word %d: %w", v, err)
						}
						return
					}
					if ln.ID() == 0 {
						m.Word[v] = tbl
					}
				}
			})
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
