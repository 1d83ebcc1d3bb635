// main.go is the entry point for the plda-train binary. It wires the corpus
// generator, the staging buffers, and the sampling engine into a training
// loop, and reports progress as it runs.
//
// Training Loop
// =============
//
// Each iteration is one full Gibbs sweep over the corpus:
//
// First, every buffer's documents are resampled against the current global
// model. Buffers are swept concurrently since documents are independent
// given the model; within each buffer, cooperative lane groups pull
// documents from a shared queue. Then, once every buffer has been awaited,
// the global model is refreshed: Phi is redrawn from the sweep's
// accumulated word/topic statistics through the Polya-urn sampler and the
// per-word alias tables are rebuilt. The refresh never overlaps a sweep.
//
// Corpus
// ======
//
// The binary trains on a synthetic corpus with planted topic structure:
// the vocabulary is split into one band per topic and each document draws
// most of its tokens from a single band. The -concentration flag controls
// the band purity. A planted corpus makes convergence directly observable:
// the per-document majority fraction reported each -log-every iterations
// should climb from near 1/K toward the planted concentration.
//
// Sharding
// ========
//
// Documents are dealt round-robin across -buffers staging buffers. With
// more than one buffer the sweeps overlap, which is the intended operating
// mode on many-core hosts; with -buffers=1 and -groups=1 the run is fully
// deterministic for a given -seed.

package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"golang.org/x/exp/rand"

	"plda.lopezb.com/internal/lda/checkpoint"
	"plda.lopezb.com/internal/lda/corpus"
	"plda.lopezb.com/internal/lda/engine"
)

type config struct {
	topics        int
	vocab         int
	alpha         float64
	beta          float64
	docs          int
	docLen        int
	concentration float64
	iterations    int
	buffers       int
	groups        int
	logEvery      int
	seed          uint64
	savePath      string
}

func main() {
	var cfg config

	def := engine.DefaultConfig()
	flag.IntVar(&cfg.topics, "topics", 16, "Topic dimension K")
	flag.IntVar(&cfg.vocab, "vocab", 4096, "Vocabulary size V")
	flag.Float64Var(&cfg.alpha, "alpha", def.Alpha, "Symmetric document-topic prior")
	flag.Float64Var(&cfg.beta, "beta", def.Beta, "Symmetric topic-word prior")
	flag.IntVar(&cfg.docs, "docs", 2000, "Synthetic corpus document count")
	flag.IntVar(&cfg.docLen, "doc-len", 256, "Tokens per synthetic document")
	flag.Float64Var(&cfg.concentration, "concentration", 0.9, "Planted topic purity of each document")
	flag.IntVar(&cfg.iterations, "iterations", 200, "Gibbs sweeps over the corpus")
	flag.IntVar(&cfg.buffers, "buffers", 2, "Staging buffers (sweeps overlap across buffers)")
	flag.IntVar(&cfg.groups, "groups", def.Groups, "Cooperative lane groups per buffer sweep")
	flag.IntVar(&cfg.logEvery, "log-every", 10, "Iterations between progress reports")
	flag.Uint64Var(&cfg.seed, "seed", 1, "RNG seed for corpus and sampling streams")
	flag.StringVar(&cfg.savePath, "save", "", "Checkpoint path for the trained model (empty to skip)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ecfg := engine.DefaultConfig()
	ecfg.Topics = cfg.topics
	ecfg.VocabSize = cfg.vocab
	ecfg.Alpha = cfg.alpha
	ecfg.Beta = cfg.beta
	ecfg.Groups = cfg.groups
	ecfg.Seed = cfg.seed
	ecfg.MaxDocLength = cfg.docLen
	ecfg.BufferTokens = ((cfg.docs*cfg.docLen + cfg.buffers - 1) / cfg.buffers) + cfg.docLen

	eng, err := engine.New(ecfg, cfg.buffers)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	rng := rand.New(rand.NewSource(cfg.seed))
	c := corpus.Synthetic(cfg.docs, cfg.docLen, uint32(cfg.topics), uint32(cfg.vocab), cfg.concentration, rng)
	z := c.RandomAssignments(uint32(cfg.topics), rng)

	// Deal documents round-robin across buffers and stage each shard once.
	// Assignments live in the buffers from here on, carried between sweeps.
	words := make([][][]uint32, cfg.buffers)
	topics := make([][][]uint32, cfg.buffers)
	for d := range c.Docs {
		s := d % cfg.buffers
		words[s] = append(words[s], c.Docs[d].Words)
		topics[s] = append(topics[s], z[d])
	}
	total := 0
	for i := 0; i < cfg.buffers; i++ {
		if err := eng.Stage(eng.Buffer(i), words[i], topics[i]); err != nil {
			logger.Error("staging failed", "buffer", i, "error", err)
			os.Exit(1)
		}
		total += eng.Buffer(i).Tokens()
	}

	logger.Info("training",
		"topics", cfg.topics,
		"vocab", cfg.vocab,
		"docs", cfg.docs,
		"tokens", total,
		"buffers", cfg.buffers,
		"groups", cfg.groups)

	start := time.Now()
	windowStart := start
	windowTokens := 0

	for iter := 1; iter <= cfg.iterations; iter++ {
		for i := 0; i < cfg.buffers; i++ {
			if err := eng.ResampleAsync(eng.Buffer(i)); err != nil {
				logger.Error("resample failed", "iteration", iter, "buffer", i, "error", err)
				os.Exit(1)
			}
		}
		for i := 0; i < cfg.buffers; i++ {
			if err := eng.AwaitBuffer(eng.Buffer(i)); err != nil {
				logger.Error("sweep failed", "iteration", iter, "buffer", i, "error", err)
				os.Exit(1)
			}
		}
		if err := eng.RefreshGlobalModel(); err != nil {
			logger.Error("refresh failed", "iteration", iter, "error", err)
			os.Exit(1)
		}
		windowTokens += total

		if iter%cfg.logEvery == 0 || iter == cfg.iterations {
			elapsed := time.Since(windowStart)
			logger.Info("progress",
				"iteration", iter,
				"tokens_per_sec", int(float64(windowTokens)/elapsed.Seconds()),
				"majority_fraction", meanMajority(eng, cfg.buffers, cfg.topics))
			windowStart = time.Now()
			windowTokens = 0
		}
	}

	if cfg.savePath != "" {
		if err := checkpoint.SaveFile(cfg.savePath, eng.Model()); err != nil {
			logger.Error("checkpoint save failed", "path", cfg.savePath, "error", err)
			os.Exit(1)
		}
		logger.Info("checkpoint written", "path", cfg.savePath)
	}

	logger.Info("done", "iterations", cfg.iterations, "duration", time.Since(start))
}

// meanMajority averages, over all staged documents, the share of each
// document's tokens held by its most common topic. It climbs toward the
// planted concentration as the sampler converges.
func meanMajority(eng *engine.Engine, buffers, topics int) float64 {
	sum := 0.0
	docs := 0
	hist := make([]int, topics)
	for i := 0; i < buffers; i++ {
		b := eng.Buffer(i)
		for d := 0; d < b.Docs(); d++ {
			_, z := b.Doc(d)
			for j := range hist {
				hist[j] = 0
			}
			for _, t := range z {
				hist[t]++
			}
			best := 0
			for _, n := range hist {
				if n > best {
					best = n
				}
			}
			sum += float64(best) / float64(len(z))
			docs++
		}
	}
	if docs == 0 {
		return 0
	}
	return sum / float64(docs)
}
