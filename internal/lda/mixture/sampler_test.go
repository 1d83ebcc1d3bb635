package mixture

import (
	"testing"

	"golang.org/x/exp/rand"

	"plda.lopezb.com/internal/lda/alias"
	"plda.lopezb.com/internal/lda/coop"
	"plda.lopezb.com/internal/lda/counttable"
	"plda.lopezb.com/internal/lda/model"
)

// fixedModel builds a Ready single-word model with the given phi column
// over topics, sigma_a = alpha * sum(phi), and the matching alias proposal.
func fixedModel(t *testing.T, phi []float64, alpha float64) *model.Model {
	t.Helper()
	m := model.New(len(phi), 1, alpha, 0.01)
	var sum float64
	for k, p := range phi {
		m.Phi.Set(k, 0, p)
		sum += p
	}
	m.SyncTranspose()
	m.SigmaA[0] = alpha * sum

	tbl, err := alias.Build(phi)
	if err != nil {
		t.Fatalf("alias.Build: %v", err)
	}
	m.Word[0] = tbl

	for _, step := range []struct{ from, to model.State }{
		{model.Stale, model.Sampling},
		{model.Sampling, model.Normalizing},
		{model.Normalizing, model.Ready},
	} {
		if err := m.Advance(step.from, step.to); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	return m
}

func newTable(t *testing.T, counts map[uint32]int32) *counttable.Table {
	t.Helper()
	tbl, err := counttable.New(counttable.DefaultConfig(), rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("counttable.New: %v", err)
	}
	for k, c := range counts {
		tbl.Accumulate(k, c)
	}
	return tbl
}

// TestDrawConditionalDistribution checks the drawn topic frequencies
// against the exact conditional count(k)*phi[k] + alpha*phi[k] with a
// chi-square goodness-of-fit test.
func TestDrawConditionalDistribution(t *testing.T) {
	phi := []float64{0.1, 0.6, 0.3}
	const alpha = 1.0
	m := fixedModel(t, phi, alpha)
	tbl := newTable(t, map[uint32]int32{0: 5, 2: 2}) // counts [5, 0, 2]

	counts := []float64{5, 0, 2}
	want := make([]float64, 3)
	var total float64
	for k := range want {
		want[k] = counts[k]*phi[k] + alpha*phi[k]
		total += want[k]
	}

	const trials = 100000
	got := make([]int, 3)
	s := NewSampler(m, rand.New(rand.NewSource(123)))
	g := coop.NewGroup()
	g.Run(func(ln *coop.Lane) {
		for i := 0; i < trials; i++ {
			k := s.Draw(ln, tbl, 0)
			if ln.ID() == 0 {
				got[k]++
			}
			ln.Sync()
		}
	})

	// Chi-square against df=2; 13.82 is the 99.9th percentile.
	var chi2 float64
	for k := range want {
		expected := want[k] / total * trials
		d := float64(got[k]) - expected
		chi2 += d * d / expected
	}
	if chi2 > 13.82 {
		t.Errorf("chi-square = %v over 13.82; observed %v", chi2, got)
	}
}

// TestDrawEmptyTableUsesDenseTerm checks that with no live counts every
// draw comes from the dense alias proposal.
func TestDrawEmptyTableUsesDenseTerm(t *testing.T) {
	phi := []float64{0.5, 0.5}
	m := fixedModel(t, phi, 0.1)
	tbl := newTable(t, nil)

	s := NewSampler(m, rand.New(rand.NewSource(99)))
	g := coop.NewGroup()
	g.Run(func(ln *coop.Lane) {
		for i := 0; i < 1000; i++ {
			k := s.Draw(ln, tbl, 0)
			if k > 1 {
				t.Errorf("draw %d: topic %d out of range", i, k)
				return
			}
		}
	})
}

// TestDrawZeroCountEntriesIgnored verifies entries whose count returned to
// zero contribute nothing to the sparse term.
func TestDrawZeroCountEntriesIgnored(t *testing.T) {
	phi := []float64{0.0, 1.0}
	m := fixedModel(t, phi, 0.5)
	// Topic 1 has a live zero-count entry; topic 0 carries all the count
	// but zero phi. The sparse term is therefore empty and every draw
	// must fall through to the dense term, which always yields topic 1.
	tbl := newTable(t, map[uint32]int32{0: 3})
	tbl.Accumulate(1, 1)
	tbl.Accumulate(1, -1)

	s := NewSampler(m, rand.New(rand.NewSource(4)))
	g := coop.NewGroup()
	g.Run(func(ln *coop.Lane) {
		for i := 0; i < 1000; i++ {
			if k := s.Draw(ln, tbl, 0); k != 1 {
				t.Errorf("draw %d: topic %d, want 1", i, k)
				return
			}
		}
	})
}

func tableSum(tbl *counttable.Table) int {
	total := 0
	tbl.Range(func(_ uint32, c int32) bool {
		total += int(c)
		return true
	})
	return total
}

// TestResampleDocumentConservation verifies the per-document invariant:
// live counts sum to the token count immediately after seeding and after a
// full sweep.
func TestResampleDocumentConservation(t *testing.T) {
	const topics = 8
	const tokens = 120

	rng := rand.New(rand.NewSource(21))
	phi := make([]float64, topics)
	for k := range phi {
		phi[k] = 1.0 / topics
	}
	m := fixedModel(t, phi, 0.7)

	words := make([]uint32, tokens) // single-word vocabulary
	z := make([]uint32, tokens)
	for i := range z {
		z[i] = uint32(rng.Intn(topics))
	}

	tbl := newTable(t, nil)
	s := NewSampler(m, rand.New(rand.NewSource(8)))
	g := coop.NewGroup()
	g.Run(func(ln *coop.Lane) {
		if err := s.ResampleDocument(ln, tbl, words, z); err != nil {
			t.Errorf("lane %d: ResampleDocument: %v", ln.ID(), err)
		}
	})

	if got := tableSum(tbl); got != tokens {
		t.Errorf("post-sweep table sum = %d, want %d", got, tokens)
	}
	for i, k := range z {
		if k >= topics {
			t.Errorf("token %d: topic %d out of range", i, k)
		}
	}
}

// TestResampleTokenRecordsStats verifies commits feed the sufficient
// statistics consumed by the next urn refresh.
func TestResampleTokenRecordsStats(t *testing.T) {
	phi := []float64{0.5, 0.5}
	m := fixedModel(t, phi, 0.1)
	tbl := newTable(t, map[uint32]int32{0: 1})

	s := NewSampler(m, rand.New(rand.NewSource(31)))
	g := coop.NewGroup()
	g.Run(func(ln *coop.Lane) {
		if _, err := s.ResampleToken(ln, tbl, 0, 0); err != nil {
			t.Errorf("ResampleToken: %v", err)
		}
	})

	if got := m.Stat(0, 0) + m.Stat(0, 1); got != 1 {
		t.Errorf("recorded stats = %d, want exactly 1 commit", got)
	}
}
