// Package corpus provides the minimal in-memory document container used by
// the trainer and a synthetic generator with planted topic structure for
// exercising the samplers end to end. Document file formats are out of
// scope; the tokenizer feeding real data lives with the host.
package corpus

import "golang.org/x/exp/rand"

// Document is an ordered sequence of word ids.
type Document struct {
	Words []uint32
}

// Corpus is a document collection over a dense vocabulary [0, VocabSize).
type Corpus struct {
	Docs      []Document
	VocabSize uint32
}

// Synthetic generates docs documents of docLen tokens each over a planted
// structure: the vocabulary is split into one contiguous band per topic,
// every document gets a dominant topic, and each token comes from the
// dominant band with probability concentration, otherwise uniformly from
// the whole vocabulary. High concentration makes per-document topic
// recovery unambiguous, which is what the convergence tests need.
func Synthetic(docs, docLen int, topics, vocab uint32, concentration float64, rng *rand.Rand) *Corpus {
	c := &Corpus{
		Docs:      make([]Document, docs),
		VocabSize: vocab,
	}
	band := vocab / topics
	if band == 0 {
		band = 1
	}

	for d := range c.Docs {
		dom := uint32(rng.Intn(int(topics)))
		words := make([]uint32, docLen)
		for i := range words {
			if rng.Float64() < concentration {
				words[i] = (dom*band + uint32(rng.Intn(int(band)))) % vocab
			} else {
				words[i] = uint32(rng.Intn(int(vocab)))
			}
		}
		c.Docs[d] = Document{Words: words}
	}
	return c
}

// DominantBandTopic reports which band a word belongs to, the inverse of
// Synthetic's planting.
func (c *Corpus) DominantBandTopic(word, topics uint32) uint32 {
	band := c.VocabSize / topics
	if band == 0 {
		band = 1
	}
	t := word / band
	if t >= topics {
		t = topics - 1
	}
	return t
}

// RandomAssignments draws an independent uniform topic for every token,
// the usual Gibbs initialization.
func (c *Corpus) RandomAssignments(topics uint32, rng *rand.Rand) [][]uint32 {
	z := make([][]uint32, len(c.Docs))
	for d, doc := range c.Docs {
		z[d] = make([]uint32, len(doc.Words))
		for i := range z[d] {
			z[d][i] = uint32(rng.Intn(int(topics)))
		}
	}
	return z
}
