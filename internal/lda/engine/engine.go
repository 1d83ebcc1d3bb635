// Package engine wires the Polya-urn refresh and the cooperative token
// resampler into the three host entry points of a training loop:
//
//	Refresh    ====  redraw the global model from last pass's statistics
//	Resample   ====  asynchronously resweep one staged token buffer
//	Await      ====  block until a buffer's sweep finishes
//
// A training iteration is Refresh, then Resample for each buffer, then
// Await for each buffer. Refresh and resampling never overlap: Refresh
// fails with ErrPassActive while any buffer is in flight.
//
// Each in-flight buffer is swept by cfg.Groups cooperative lane groups.
// Documents are independent given the global model, so groups pull
// documents from a shared queue; within a document, tokens are resampled
// strictly in order against a per-document topic count table. The table
// is built fresh per document and discarded after it, so its capacity
// tracks the document's distinct-topic count rather than the full topic
// dimension.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"plda.lopezb.com/internal/lda/coop"
	"plda.lopezb.com/internal/lda/counttable"
	"plda.lopezb.com/internal/lda/mixture"
	"plda.lopezb.com/internal/lda/model"
	"plda.lopezb.com/internal/lda/urn"
)

var (
	// ErrPassActive is returned when a refresh or Close is attempted while
	// a resampling pass is still in flight.
	ErrPassActive = errors.New("engine: resampling pass still active")

	// ErrBufferBusy is returned when a buffer is staged or resampled while
	// its previous pass has not been awaited.
	ErrBufferBusy = errors.New("engine: buffer has an unawaited pass")

	// ErrBufferFull is returned by Stage when the documents exceed the
	// buffer's token capacity.
	ErrBufferFull = errors.New("engine: documents exceed buffer token capacity")

	// ErrDocTooLong is returned by Stage for a document longer than the
	// configured maximum.
	ErrDocTooLong = errors.New("engine: document exceeds configured maximum length")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine: closed")
)

// Config holds the training parameters shared by every phase.
type Config struct {
	// Topics is the topic dimension K.
	Topics int

	// VocabSize is the vocabulary dimension V.
	VocabSize int

	// Alpha is the symmetric document-topic prior.
	Alpha float64

	// Beta is the symmetric topic-word prior.
	Beta float64

	// MaxDocLength bounds a single staged document's token count.
	MaxDocLength int

	// BufferTokens is each buffer's token capacity.
	BufferTokens int

	// Groups is the number of cooperative lane groups sweeping one
	// buffer. Defaults to GOMAXPROCS.
	Groups int

	// MaxProbeLines and GrowthFactor are passed through to every
	// per-document count table.
	MaxProbeLines int
	GrowthFactor  float64

	// PoissonCutoff is forwarded to the urn sampler.
	PoissonCutoff int

	// Seed fixes every RNG stream the engine derives. A given seed,
	// corpus and schedule reproduce the same trajectory when buffers are
	// swept by a single group.
	Seed uint64
}

// DefaultConfig returns the parameters used by the trainer unless
// overridden.
func DefaultConfig() Config {
	return Config{
		Topics:        64,
		VocabSize:     1 << 16,
		Alpha:         0.1,
		Beta:          0.01,
		MaxDocLength:  1 << 14,
		BufferTokens:  1 << 20,
		Groups:        runtime.GOMAXPROCS(0),
		MaxProbeLines: 4,
		GrowthFactor:  2.0,
		PoissonCutoff: 32,
		Seed:          1,
	}
}

func (c Config) validate() error {
	if c.Topics <= 0 || c.VocabSize <= 0 {
		return fmt.Errorf("engine: topics %d and vocab %d must be positive", c.Topics, c.VocabSize)
	}
	if c.Alpha <= 0 || c.Beta <= 0 {
		return fmt.Errorf("engine: priors alpha %g and beta %g must be positive", c.Alpha, c.Beta)
	}
	if c.MaxDocLength <= 0 || c.BufferTokens < c.MaxDocLength {
		return fmt.Errorf("engine: buffer capacity %d must cover max document length %d", c.BufferTokens, c.MaxDocLength)
	}
	if c.Groups <= 0 {
		return errors.New("engine: at least one lane group required")
	}
	return nil
}

// Buffer is one unit of staged work: flattened token word ids and topic
// assignments plus per-document extents. Stage fills it, ResampleAsync
// sweeps it, AwaitBuffer returns its outcome. A buffer belongs to exactly
// one pass at a time.
type Buffer struct {
	// W and Z hold word ids and topic assignments for all staged tokens,
	// documents back to back.
	W []uint32
	Z []uint32

	// DocLen holds each staged document's token count; docIdx holds its
	// exclusive prefix sum, each document's starting offset in W and Z.
	DocLen []uint32
	docIdx []uint32

	tokens int
	rng    *rand.Rand
	done   chan error
}

// Docs reports the number of staged documents.
func (b *Buffer) Docs() int { return len(b.DocLen) }

// Tokens reports the number of staged tokens.
func (b *Buffer) Tokens() int { return b.tokens }

// Doc returns the word and assignment slices of staged document d. The
// slices alias buffer storage; the assignments hold the post-sweep topics
// once the pass has been awaited.
func (b *Buffer) Doc(d int) (words, topics []uint32) {
	start := b.docIdx[d]
	end := start + b.DocLen[d]
	return b.W[start:end], b.Z[start:end]
}

// Engine owns the global model, the urn sampler and a fixed set of
// buffers.
type Engine struct {
	cfg     Config
	model   *model.Model
	urn     *urn.Sampler
	buffers []*Buffer

	active atomic.Int32
	closed bool
}

// New builds an engine with the given number of buffers, derives one RNG
// stream per buffer plus one for the global model, and seeds Phi with an
// initial urn refresh so the first resampling pass sees a Ready model.
func New(cfg Config, buffers int) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if buffers <= 0 {
		return nil, errors.New("engine: at least one buffer required")
	}

	seeder := rand.New(rand.NewSource(cfg.Seed))
	m := model.New(cfg.Topics, cfg.VocabSize, cfg.Alpha, cfg.Beta)
	u, err := urn.NewSampler(m, rand.New(rand.NewSource(seeder.Uint64())), urn.Config{
		PoissonCutoff: cfg.PoissonCutoff,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, model: m, urn: u}
	for i := 0; i < buffers; i++ {
		e.buffers = append(e.buffers, &Buffer{
			W:   make([]uint32, 0, cfg.BufferTokens),
			Z:   make([]uint32, 0, cfg.BufferTokens),
			rng: rand.New(rand.NewSource(seeder.Uint64())),
		})
	}

	// With no statistics yet every Phi row redraws from the prior alone,
	// which is exactly the initialization the first pass needs.
	if err := u.Refresh(); err != nil {
		return nil, err
	}
	return e, nil
}

// Model exposes the global model for host-side inspection between phases.
func (e *Engine) Model() *model.Model { return e.model }

// Buffer returns staging buffer i.
func (e *Engine) Buffer(i int) *Buffer { return e.buffers[i] }

// Buffers reports how many staging buffers the engine owns.
func (e *Engine) Buffers() int { return len(e.buffers) }

// Stage replaces b's contents with the given documents and their current
// topic assignments. Each words[d] pairs with topics[d] of equal length.
// The previous pass, if any, must have been awaited.
func (e *Engine) Stage(b *Buffer, words, topics [][]uint32) error {
	if e.closed {
		return ErrClosed
	}
	if b.done != nil {
		return ErrBufferBusy
	}
	if len(words) != len(topics) {
		return fmt.Errorf("engine: %d documents with %d assignment rows", len(words), len(topics))
	}

	total := 0
	for d := range words {
		if len(words[d]) != len(topics[d]) {
			return fmt.Errorf("engine: document %d has %d tokens but %d assignments", d, len(words[d]), len(topics[d]))
		}
		if len(words[d]) > e.cfg.MaxDocLength {
			return fmt.Errorf("%w: document %d has %d tokens", ErrDocTooLong, d, len(words[d]))
		}
		total += len(words[d])
	}
	if total > e.cfg.BufferTokens {
		return fmt.Errorf("%w: %d tokens staged", ErrBufferFull, total)
	}

	b.W = b.W[:0]
	b.Z = b.Z[:0]
	b.DocLen = b.DocLen[:0]
	b.docIdx = b.docIdx[:0]
	off := uint32(0)
	for d := range words {
		b.W = append(b.W, words[d]...)
		b.Z = append(b.Z, topics[d]...)
		b.DocLen = append(b.DocLen, uint32(len(words[d])))
		b.docIdx = append(b.docIdx, off)
		off += uint32(len(words[d]))
	}
	b.tokens = total
	return nil
}

// RefreshGlobalModel redraws Phi from the statistics accumulated by the
// last pass and rebuilds the dense-term alias tables. It must not run
// while any buffer's pass is in flight.
func (e *Engine) RefreshGlobalModel() error {
	if e.closed {
		return ErrClosed
	}
	if e.active.Load() != 0 {
		return ErrPassActive
	}
	return e.urn.Refresh()
}

// ResampleAsync starts a sweep of b's documents against the current model
// and returns immediately. The outcome is delivered by AwaitBuffer. The
// model must be Ready; staging b or refreshing the model while the pass
// runs is an error.
func (e *Engine) ResampleAsync(b *Buffer) error {
	if e.closed {
		return ErrClosed
	}
	if b.done != nil {
		return ErrBufferBusy
	}
	if st := e.model.State(); st != model.Ready {
		return fmt.Errorf("engine: resample on %v model", st)
	}

	b.done = make(chan error, 1)
	e.active.Add(1)
	go func() {
		err := e.resample(b)
		e.active.Add(-1)
		b.done <- err
	}()
	return nil
}

// AwaitBuffer blocks until b's in-flight pass completes and returns its
// error. A buffer with no pass in flight returns immediately.
func (e *Engine) AwaitBuffer(b *Buffer) error {
	if b.done == nil {
		return nil
	}
	err := <-b.done
	b.done = nil
	return err
}

// Close releases the engine. Every pass must have been awaited first.
func (e *Engine) Close() error {
	if e.closed {
		return ErrClosed
	}
	if e.active.Load() != 0 {
		return ErrPassActive
	}
	e.closed = true
	e.buffers = nil
	e.urn = nil
	return nil
}

// docDone marks the end of the document queue in lane-0 broadcasts.
const docDone = ^uint64(0)

func (e *Engine) resample(b *Buffer) error {
	queue := make(chan int, b.Docs())
	for d := 0; d < b.Docs(); d++ {
		queue <- d
	}
	close(queue)

	groups := e.cfg.Groups
	seeds := make([]uint64, groups)
	for i := range seeds {
		seeds[i] = b.rng.Uint64()
	}

	errs := make([]error, groups)
	var wg sync.WaitGroup
	for gi := 0; gi < groups; gi++ {
		wg.Add(1)
		go func(gi int) {
			defer wg.Done()
			errs[gi] = e.sweep(queue, b, rand.New(rand.NewSource(seeds[gi])))
		}(gi)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// sweep runs one lane group against the document queue until the queue
// drains or a document fails.
func (e *Engine) sweep(queue chan int, b *Buffer, rng *rand.Rand) error {
	g := coop.NewGroup()
	smp := mixture.NewSampler(e.model, rng)

	// Shared across the group's lanes; lane 0 writes before the barrier,
	// everyone reads after it.
	var (
		tbl     *counttable.Table
		initErr error
		passErr error
	)

	g.Run(func(ln *coop.Lane) {
		for {
			enc := docDone
			if ln.ID() == 0 {
				if d, ok := <-queue; ok {
					enc = uint64(d)
				}
			}
			enc = ln.Broadcast(enc, 0)
			if enc == docDone {
				return
			}
			d := int(enc)

			words, topics := b.Doc(d)
			if len(words) == 0 {
				continue
			}

			if ln.ID() == 0 {
				tbl, initErr = counttable.New(counttable.Config{
					CapacityHint:  len(words),
					MaxProbeLines: e.cfg.MaxProbeLines,
					GrowthFactor:  e.cfg.GrowthFactor,
				}, rng)
			}
			ln.Sync()
			if initErr != nil {
				if ln.ID() == 0 {
					passErr = fmt.Errorf("engine: document %d: %w", d, initErr)
				}
				return
			}

			// ResampleDocument reports the same error on every lane, so
			// the group stays converged through the early return.
			if err := smp.ResampleDocument(ln, tbl, words, topics); err != nil {
				if ln.ID() == 0 {
					passErr = fmt.Errorf("engine: document %d: %w", d, err)
				}
				return
			}
		}
	})
	return passErr
}
