// Package detect turns a continuous audio stream into an ordered, bounded-
// latency sequence of authenticity verdicts without ever blocking the audio
// path. Segmentation is driven by buffer availability; classification runs
// asynchronously with multiple segments in flight; verdicts are released in
// sequence order through a bounded reorder buffer.
package detect

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/veridial/veridial/internal/util"
)

var log = logging.Logger("detect")

// Config tunes one pipeline instance. Zero values select the documented
// defaults.
type Config struct {
	// SampleRate of the incoming stream in Hz.
	SampleRate int
	// SegmentMs is the fixed segment duration.
	SegmentMs int
	// ReorderLimit bounds how many completed verdicts may wait for an earlier
	// sequence number before ordering is abandoned for liveness.
	ReorderLimit int
	// TrendWindow is K: how many recent probabilities the trend averages.
	TrendWindow int
	// MaxInflight caps concurrent classifications.
	MaxInflight int
}

const (
	DefaultSampleRate   = 16000
	DefaultSegmentMs    = 1000
	DefaultReorderLimit = 8
	DefaultTrendWindow  = 10
	DefaultMaxInflight  = 4
)

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.SegmentMs <= 0 {
		c.SegmentMs = DefaultSegmentMs
	}
	if c.ReorderLimit <= 0 {
		c.ReorderLimit = DefaultReorderLimit
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = DefaultTrendWindow
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	return c
}

type result struct {
	seq  uint64
	prob float64
	err  error
}

// Pipeline is the per-session detection loop. Owned exclusively by one call
// session; torn down when the session ends.
type Pipeline struct {
	sessionID string
	cfg       Config
	cls       Classifier

	ctx    context.Context
	cancel context.CancelFunc

	segSamples int
	results    chan result
	sem        chan struct{}

	feedMu  sync.Mutex
	pending []float32 // residue below one segment length
	nextSeq uint64

	mu         sync.Mutex
	history    []Verdict
	completed  map[uint64]result // classified but waiting for an earlier seq
	nextAppend uint64
	gaps       int
	trendWin   *util.RingBuffer[float64]
	trend      float64
	closed     bool

	cbMu      sync.RWMutex
	onVerdict []func(Verdict)
	onTrend   []func(float64)

	wg sync.WaitGroup
}

// NewPipeline builds a pipeline for one session around cls.
func NewPipeline(sessionID string, cls Classifier, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		sessionID:  sessionID,
		cfg:        cfg,
		cls:        cls,
		ctx:        ctx,
		cancel:     cancel,
		segSamples: cfg.SampleRate * cfg.SegmentMs / 1000,
		results:    make(chan result, cfg.MaxInflight*2),
		sem:        make(chan struct{}, cfg.MaxInflight),
		completed:  make(map[uint64]result),
		trendWin:   util.NewRingBuffer[float64](cfg.TrendWindow),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// OnVerdict registers a callback fired for each appended verdict.
func (p *Pipeline) OnVerdict(fn func(Verdict)) {
	p.cbMu.Lock()
	p.onVerdict = append(p.onVerdict, fn)
	p.cbMu.Unlock()
}

// OnTrend registers a callback fired when the trend score is recomputed.
func (p *Pipeline) OnTrend(fn func(float64)) {
	p.cbMu.Lock()
	p.onTrend = append(p.onTrend, fn)
	p.cbMu.Unlock()
}

// Feed accepts the next run of samples from the capture boundary. Never
// blocks on classification: full segments are submitted asynchronously and
// the residue is kept for the next call.
func (p *Pipeline) Feed(samples []float32) {
	p.feedMu.Lock()
	defer p.feedMu.Unlock()
	if p.isClosed() {
		return
	}

	p.pending = append(p.pending, samples...)
	for len(p.pending) >= p.segSamples {
		buf := make([]float32, p.segSamples)
		copy(buf, p.pending[:p.segSamples])
		p.pending = p.pending[p.segSamples:]

		seq := p.nextSeq
		p.nextSeq++
		seg := Segment{
			SessionID:     p.sessionID,
			Seq:           seq,
			StartOffsetMs: int64(seq) * int64(p.cfg.SegmentMs),
			DurationMs:    int64(p.cfg.SegmentMs),
			SampleRate:    p.cfg.SampleRate,
			Samples:       buf,
		}
		p.wg.Add(1)
		go p.classify(seg)
	}
}

// classify runs one segment through the classifier and reports the result to
// the run loop. The semaphore bounds concurrency; submission order does not
// wait for earlier results.
func (p *Pipeline) classify(seg Segment) {
	defer p.wg.Done()
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-p.ctx.Done():
		return
	}

	prob, err := p.cls.Classify(p.ctx, seg)
	select {
	case p.results <- result{seq: seg.Seq, prob: prob, err: err}:
	case <-p.ctx.Done():
	}
}

// run is the single reactor goroutine: it serializes verdict ordering, trend
// recomputation and event fan-out.
func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case r := <-p.results:
			p.record(r)
		}
	}
}

func (p *Pipeline) record(r result) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var released []Verdict
	if r.seq < p.nextAppend {
		// A straggler from a forced reorder-buffer flush. Emit it late rather
		// than lose it — ordering strictness was already traded for liveness.
		if r.err != nil {
			p.gaps++
		} else {
			released = append(released, p.verdictLocked(r))
		}
	} else {
		p.completed[r.seq] = r
		released = p.releaseInOrderLocked()

		if len(p.completed) > p.cfg.ReorderLimit {
			// Reorder buffer overflow: give up waiting for the missing earlier
			// sequence and release everything we have, in ascending order.
			log.Warnf("DETECT [%s]: reorder buffer exceeded %d, releasing out of order",
				p.sessionID, p.cfg.ReorderLimit)
			released = append(released, p.flushCompletedLocked()...)
		}
	}
	trend := p.trend
	p.mu.Unlock()

	for _, v := range released {
		p.fireVerdict(v)
	}
	if len(released) > 0 {
		p.fireTrend(trend)
	}
}

// releaseInOrderLocked drains consecutively-numbered completions starting at
// nextAppend. Classifier failures advance the cursor without producing a
// verdict — a recorded gap.
func (p *Pipeline) releaseInOrderLocked() []Verdict {
	var out []Verdict
	for {
		r, ok := p.completed[p.nextAppend]
		if !ok {
			return out
		}
		delete(p.completed, p.nextAppend)
		p.nextAppend++
		if r.err != nil {
			p.gaps++
			log.Warnf("DETECT [%s]: segment %d skipped: %v", p.sessionID, r.seq, r.err)
			continue
		}
		out = append(out, p.verdictLocked(r))
	}
}

// flushCompletedLocked releases every completed verdict in ascending seq and
// moves the cursor past the highest one.
func (p *Pipeline) flushCompletedLocked() []Verdict {
	var out []Verdict
	for len(p.completed) > 0 {
		lowest := uint64(0)
		first := true
		for seq := range p.completed {
			if first || seq < lowest {
				lowest = seq
				first = false
			}
		}
		r := p.completed[lowest]
		delete(p.completed, lowest)
		if lowest >= p.nextAppend {
			p.nextAppend = lowest + 1
		}
		if r.err != nil {
			p.gaps++
			continue
		}
		out = append(out, p.verdictLocked(r))
	}
	return out
}

// verdictLocked appends one verdict to the history and folds its probability
// into the trend window.
func (p *Pipeline) verdictLocked(r result) Verdict {
	v := Verdict{
		SessionID:   p.sessionID,
		Seq:         r.seq,
		Timestamp:   time.Now(),
		Probability: r.prob,
		Label:       BucketLabel(r.prob),
	}
	p.history = append(p.history, v)
	p.trendWin.Push(r.prob)
	probs := p.trendWin.Snapshot()
	sum := 0.0
	for _, pr := range probs {
		sum += pr
	}
	p.trend = sum / float64(len(probs))
	return v
}

// History returns a copy of the verdict history so far.
func (p *Pipeline) History() []Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Verdict, len(p.history))
	copy(out, p.history)
	return out
}

// Trend returns the current rolling confidence score.
func (p *Pipeline) Trend() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trend
}

// Gaps returns how many segments were skipped due to classifier failures.
func (p *Pipeline) Gaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gaps
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close cancels all in-flight classifications, discards their eventual
// results, and returns the final history for archiving. Idempotent.
func (p *Pipeline) Close() []Verdict {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.History()
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	log.Infof("DETECT [%s]: closed — %d verdicts, %d gaps", p.sessionID, len(p.history), p.gaps)
	return p.History()
}

func (p *Pipeline) fireVerdict(v Verdict) {
	p.cbMu.RLock()
	fns := make([]func(Verdict), len(p.onVerdict))
	copy(fns, p.onVerdict)
	p.cbMu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (p *Pipeline) fireTrend(score float64) {
	p.cbMu.RLock()
	fns := make([]func(float64), len(p.onTrend))
	copy(fns, p.onTrend)
	p.cbMu.RUnlock()
	for _, fn := range fns {
		fn(score)
	}
}
