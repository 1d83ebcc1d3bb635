package corpus

import (
	"testing"

	"golang.org/x/exp/rand"
)

func TestSyntheticShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := Synthetic(20, 30, 4, 40, 0.9, rng)

	if len(c.Docs) != 20 {
		t.Fatalf("docs = %d, want 20", len(c.Docs))
	}
	for d, doc := range c.Docs {
		if len(doc.Words) != 30 {
			t.Fatalf("doc %d has %d tokens, want 30", d, len(doc.Words))
		}
		for i, w := range doc.Words {
			if w >= c.VocabSize {
				t.Fatalf("doc %d token %d: word %d out of vocabulary", d, i, w)
			}
		}
	}
}

func TestSyntheticConcentration(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const topics = 4
	c := Synthetic(50, 200, topics, 40, 0.95, rng)

	// With 95% concentration the dominant band must hold a clear majority
	// of every document's tokens.
	for d, doc := range c.Docs {
		var hist [topics]int
		for _, w := range doc.Words {
			hist[c.DominantBandTopic(w, topics)]++
		}
		best := 0
		for t := 1; t < topics; t++ {
			if hist[t] > hist[best] {
				best = t
			}
		}
		if hist[best] <= len(doc.Words)/2 {
			t.Fatalf("doc %d: dominant band holds only %d of %d tokens", d, hist[best], len(doc.Words))
		}
	}
}

func TestRandomAssignments(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	c := Synthetic(10, 25, 3, 30, 0.8, rng)
	z := c.RandomAssignments(8, rng)

	if len(z) != len(c.Docs) {
		t.Fatalf("assignment rows = %d, want %d", len(z), len(c.Docs))
	}
	seen := map[uint32]bool{}
	for d := range z {
		if len(z[d]) != len(c.Docs[d].Words) {
			t.Fatalf("doc %d: %d assignments for %d tokens", d, len(z[d]), len(c.Docs[d].Words))
		}
		for _, topic := range z[d] {
			if topic >= 8 {
				t.Fatalf("assignment %d out of range", topic)
			}
			seen[topic] = true
		}
	}
	if len(seen) < 4 {
		t.Fatalf("only %d distinct topics in 250 uniform draws", len(seen))
	}
}
