package urn

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/floats"

	"plda.lopezb.com/internal/lda/model"
)

func newSampler(t *testing.T, m *model.Model, seed uint64, cfg Config) *Sampler {
	t.Helper()
	s, err := NewSampler(m, rand.New(rand.NewSource(seed)), cfg)
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	return s
}

func TestPoissonPMF(t *testing.T) {
	for _, rate := range []float64{0.01, 1, 5, 31.5} {
		pmf := poissonPMF(rate)
		sum := floats.Sum(pmf)
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("rate %v: pmf sums to %v", rate, sum)
		}
		// Mean of the truncated PMF tracks the rate.
		var mean float64
		for k, p := range pmf {
			mean += float64(k) * p
		}
		if math.Abs(mean-rate) > 1e-6+rate*1e-6 {
			t.Errorf("rate %v: pmf mean %v", rate, mean)
		}
	}
}

func TestDrawCountBucketPath(t *testing.T) {
	m := model.New(2, 2, 0.1, 0.5)
	s := newSampler(t, m, 1, Config{PoissonCutoff: 8, Workers: 1})
	rng := rand.New(rand.NewSource(2))

	// count=4 -> rate 4.5 served by bucket 4; the empirical mean of the
	// draws must track the rate.
	const trials = 200000
	var sum float64
	for i := 0; i < trials; i++ {
		sum += s.drawCount(4, rng)
	}
	mean := sum / trials
	// 5 sigma of the sample mean, sd ~ sqrt(4.5).
	if tol := 5 * math.Sqrt(4.5/trials); math.Abs(mean-4.5) > tol {
		t.Errorf("bucket mean = %v, want 4.5 +- %v", mean, tol)
	}
}

func TestDrawCountGaussianPath(t *testing.T) {
	m := model.New(2, 2, 0.1, 0.5)
	s := newSampler(t, m, 1, Config{PoissonCutoff: 8, Workers: 1})
	rng := rand.New(rand.NewSource(3))

	// count=400 is far past the cutoff: Gaussian approximation, mean
	// 400.5, never negative.
	const trials = 100000
	var sum float64
	for i := 0; i < trials; i++ {
		d := s.drawCount(400, rng)
		if d < 0 {
			t.Fatalf("negative draw %v", d)
		}
		sum += d
	}
	mean := sum / trials
	if tol := 5 * math.Sqrt(400.5/trials); math.Abs(mean-400.5) > tol {
		t.Errorf("gaussian mean = %v, want 400.5 +- %v", mean, tol)
	}
}

func TestRefreshProducesReadyModel(t *testing.T) {
	const topics, vocab = 4, 12
	m := model.New(topics, vocab, 0.1, 0.05)
	s := newSampler(t, m, 7, Config{Workers: 2})

	// Accumulate some commits, concentrated on (word 3, topic 1).
	for i := 0; i < 500; i++ {
		m.AddStat(3, 1)
	}
	m.AddStat(7, 0)

	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if m.State() != model.Ready {
		t.Fatalf("state = %v, want %v", m.State(), model.Ready)
	}

	// Every Phi row is a probability distribution.
	for k := 0; k < topics; k++ {
		row := m.Phi.RawRowView(k)
		if s := floats.Sum(row); math.Abs(s-1) > 1e-9 {
			t.Errorf("row %d sums to %v", k, s)
		}
		for v, p := range row {
			if p < 0 {
				t.Errorf("Phi[%d,%d] = %v < 0", k, v, p)
			}
		}
	}

	// Transpose, SigmaA and the word tables are all derived.
	for v := 0; v < vocab; v++ {
		col := m.PhiT.RawRowView(v)
		want := m.Alpha * floats.Sum(col)
		if math.Abs(m.SigmaA[v]-want) > 1e-12 {
			t.Errorf("SigmaA[%d] = %v, want %v", v, m.SigmaA[v], want)
		}
		if m.Word[v].Len() != topics {
			t.Errorf("Word[%d].Len = %d, want %d", v, m.Word[v].Len(), topics)
		}
	}

	// The concentrated stat dominates its topic row.
	if got := m.Phi.At(1, 3); got < 0.5 {
		t.Errorf("Phi[1,3] = %v, want the concentrated word to dominate", got)
	}

	// Stats were consumed.
	if m.Stat(3, 1) != 0 {
		t.Error("stats not reset after refresh")
	}
}

func TestRefreshCyclesFromReady(t *testing.T) {
	m := model.New(2, 4, 0.1, 0.5)
	s := newSampler(t, m, 11, Config{Workers: 1})

	if err := s.Refresh(); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if err := s.Refresh(); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if m.State() != model.Ready {
		t.Errorf("state = %v, want %v", m.State(), model.Ready)
	}
}

func TestRefreshRejectsMidPhaseModel(t *testing.T) {
	m := model.New(2, 4, 0.1, 0.5)
	if err := m.Advance(model.Stale, model.Sampling); err != nil {
		t.Fatal(err)
	}

	s := newSampler(t, m, 13, Config{Workers: 1})
	if err := s.Refresh(); err == nil {
		t.Error("Refresh succeeded against a model mid-phase")
	}
}
