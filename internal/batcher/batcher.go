// Package batcher accumulates documents from concurrent crawl producers into
// fixed-size batches.
package batcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Config controls buffering and batching.
//   - BufferSize: capacity of the shared input channel (default 4096).
//   - OutputSize: capacity of the emission channel (default 4).
//   - BatchSize: emit once this many documents are buffered (default 500).
//   - MaxBatchWait: emit a partial batch this long after its first
//     document arrived (default 30s).
//   - Expected: number of producers whose completion ends collection.
type Config struct {
	BufferSize   int
	OutputSize   int
	BatchSize    int
	MaxBatchWait time.Duration
	Expected     int
	Phase        spider.Phase
	Clock        spider.Clock
	IDs          spider.IDGenerator
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 4096
	defaultOutputSize   = 4
	defaultBatchSize    = 500
	defaultMaxBatchWait = 30 * time.Second
	blockLogInterval    = 5 * time.Second
)

// Emission is one output of the Batcher: a batch, or the terminal marker
// carrying the total document count.
type Emission struct {
	Batch    spider.Batch
	Final    bool
	Total    int
	Complete bool
}

type kind uint8

const (
	kindItem kind = iota
	kindStart
	kindDone
)

type message struct {
	kind     kind
	producer string
	item     spider.Item
}

// Batcher is the single consumer of all producers of one phase.
type Batcher struct {
	cfg       Config
	in        chan message
	out       chan Emission
	stopCh    chan struct{}
	doneCh    chan struct{}
	logger    *zap.Logger
	blockLog  rateLimiter
	blocked   atomic.Int64
	seq       atomic.Int64
	stopOnce  sync.Once
	abortCtx  context.Context
	abortStop context.CancelFunc
}

var _ spider.Outlet = (*Batcher)(nil)

// New starts a Batcher. The caller must drain Out until it closes.
func New(cfg Config) *Batcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.OutputSize <= 0 {
		cfg.OutputSize = defaultOutputSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	abortCtx, abortStop := context.WithCancel(context.Background())
	b := &Batcher{
		cfg:       cfg,
		in:        make(chan message, cfg.BufferSize),
		out:       make(chan Emission, cfg.OutputSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    logger.Named("batcher").With(zap.String("phase", string(cfg.Phase))),
		blockLog:  rateLimiter{interval: blockLogInterval},
		abortCtx:  abortCtx,
		abortStop: abortStop,
	}
	go b.run()
	return b
}

// Out returns the emission channel. It closes after the terminal emission.
func (b *Batcher) Out() <-chan Emission {
	return b.out
}

// Done is closed once the batcher has emitted its terminal marker.
func (b *Batcher) Done() <-chan struct{} {
	return b.doneCh
}

// Producer registers a producer by sending its start marker.
func (b *Batcher) Producer(ctx context.Context, name string) (spider.Producer, error) {
	p := &producer{b: b, name: name}
	if err := b.send(ctx, message{kind: kindStart, producer: name}); err != nil {
		return nil, err
	}
	return p, nil
}

// Abort stops collection before every producer has completed. Buffered
// documents are still flushed and the terminal emission reports
// Complete=false. It blocks until the terminal marker is emitted or ctx ends;
// once ctx ends, pending emissions are discarded.
func (b *Batcher) Abort(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		b.abortStop()
		return fmt.Errorf("batcher abort wait: %w", ctx.Err())
	}
}

// send enqueues a message, blocking while the input is full.
func (b *Batcher) send(ctx context.Context, msg message) error {
	select {
	case b.in <- msg:
		return nil
	case <-b.doneCh:
		return spider.ErrClosed
	default:
	}
	b.blocked.Add(1)
	if b.blockLog.Allow(time.Now()) {
		b.logger.Warn("batcher input full, producers blocked", zap.Int64("blocked_sends", b.blocked.Swap(0)))
	}
	select {
	case b.in <- msg:
		return nil
	case <-b.doneCh:
		return spider.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("batcher send: %w", ctx.Err())
	}
}

type state struct {
	buf         []spider.Item
	total       int
	started     map[string]bool
	done        map[string]bool
	timer       *time.Timer
	timerActive bool
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	defer close(b.out)
	st := &state{
		buf:     make([]spider.Item, 0, b.cfg.BatchSize),
		started: make(map[string]bool),
		done:    make(map[string]bool),
		timer:   time.NewTimer(b.cfg.MaxBatchWait),
	}
	st.timer.Stop()

	if b.cfg.Expected <= 0 {
		b.finish(st, true)
		return
	}
	for {
		select {
		case msg := <-b.in:
			if b.handle(st, msg) {
				b.finish(st, true)
				return
			}
		case <-st.timer.C:
			st.timerActive = false
			b.flush(st)
		case <-b.stopCh:
			b.handleStop(st)
			return
		}
	}
}

// handle processes one message and reports whether every expected producer
// has now completed.
func (b *Batcher) handle(st *state, msg message) bool {
	switch msg.kind {
	case kindStart:
		st.started[msg.producer] = true
		b.logger.Debug("producer started", zap.String("producer", msg.producer))
	case kindDone:
		st.done[msg.producer] = true
		b.logger.Debug("producer done",
			zap.String("producer", msg.producer),
			zap.Int("done", len(st.done)),
			zap.Int("expected", b.cfg.Expected))
		return len(st.done) >= b.cfg.Expected
	default:
		st.buf = append(st.buf, msg.item)
		st.total++
		if len(st.buf) >= b.cfg.BatchSize {
			b.flush(st)
		} else if len(st.buf) == 1 {
			b.startTimer(st)
		}
	}
	return false
}

func (b *Batcher) handleStop(st *state) {
	for {
		select {
		case msg := <-b.in:
			if b.handle(st, msg) {
				b.finish(st, true)
				return
			}
		default:
			b.logger.Warn("collection aborted before all producers completed",
				zap.Int("done", len(st.done)),
				zap.Int("expected", b.cfg.Expected))
			b.finish(st, false)
			return
		}
	}
}

func (b *Batcher) finish(st *state, complete bool) {
	b.flush(st)
	b.emit(Emission{Final: true, Total: st.total, Complete: complete})
	b.logger.Info("collection finished", zap.Int("documents", st.total), zap.Bool("complete", complete))
}

func (b *Batcher) flush(st *state) {
	b.stopTimer(st)
	if len(st.buf) == 0 {
		return
	}
	batch := spider.Batch{
		ID:      b.nextID(),
		Phase:   b.cfg.Phase,
		Created: b.now(),
		Items:   append([]spider.Item(nil), st.buf...),
	}
	st.buf = st.buf[:0]
	b.emit(Emission{Batch: batch})
}

// emit blocks while the output is full.
func (b *Batcher) emit(e Emission) {
	select {
	case b.out <- e:
	case <-b.abortCtx.Done():
		b.logger.Warn("discarding emission after abort deadline", zap.Int("documents", e.Batch.Len()), zap.Bool("final", e.Final))
	}
}

func (b *Batcher) startTimer(st *state) {
	b.stopTimer(st)
	st.timer.Reset(b.cfg.MaxBatchWait)
	st.timerActive = true
}

func (b *Batcher) stopTimer(st *state) {
	if !st.timerActive {
		return
	}
	if !st.timer.Stop() {
		select {
		case <-st.timer.C:
		default:
		}
	}
	st.timerActive = false
}

func (b *Batcher) nextID() string {
	if b.cfg.IDs != nil {
		if id, err := b.cfg.IDs.NewID(); err == nil {
			return id
		}
	}
	return string(b.cfg.Phase) + "-" + strconv.FormatInt(b.seq.Add(1), 10)
}

func (b *Batcher) now() time.Time {
	if b.cfg.Clock != nil {
		return b.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

type producer struct {
	b      *Batcher
	name   string
	closed atomic.Bool
}

func (p *producer) Send(ctx context.Context, item spider.Item) error {
	if p.closed.Load() {
		return spider.ErrClosed
	}
	return p.b.send(ctx, message{kind: kindItem, producer: p.name, item: item})
}

// Close sends the completion marker once.
func (p *producer) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.b.send(ctx, message{kind: kindDone, producer: p.name})
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
