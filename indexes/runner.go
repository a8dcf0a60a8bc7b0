package indexes

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/internal/watch"
)

const (
	// DefaultDebounce is how long a runner coalesces staged writes before
	// committing them.
	DefaultDebounce = 250 * time.Millisecond
	// DefaultMaxCPUWait is the initial pause once the CPU guard trips.
	DefaultMaxCPUWait = 100 * time.Millisecond
	// DefaultMaxCPUMaxPause caps guard pause growth.
	DefaultMaxCPUMaxPause = 2 * time.Second

	// maxBatchLen bounds staged batch growth during full rebuilds.
	maxBatchLen = 4096

	stepRetryDelay = time.Second
	guardWindow    = 50 * time.Millisecond
)

// Options tune how runners drive their indexes.
type Options struct {
	// Debounce is how long staged writes coalesce before committing.
	// Defaults to DefaultDebounce.
	Debounce time.Duration

	// MaxCPU pauses indexing when the indexing goroutine's duty cycle
	// exceeds this percentage. Zero or >= 100 disables the guard. The
	// guard only slows indexing; log writes are never blocked.
	MaxCPU int

	// MaxCPUWait is the initial pause once MaxCPU trips. Pauses double on
	// consecutive trips up to MaxCPUMaxPause and reset once the duty
	// cycle drops.
	MaxCPUWait time.Duration

	// MaxCPUMaxPause caps the pause growth.
	MaxCPUMaxPause time.Duration

	// Logger receives indexing diagnostics.
	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.MaxCPUWait <= 0 {
		o.MaxCPUWait = DefaultMaxCPUWait
	}
	if o.MaxCPUMaxPause <= 0 {
		o.MaxCPUMaxPause = DefaultMaxCPUMaxPause
	}
	return o
}

// Runner drives one index: it tails the log from the index's watermark,
// hands each live record to HandleRecord, and commits the staged batch plus
// the advanced watermark atomically, debounced. Tombstoned records and
// sequences at or below the store's compaction boundary advance the
// watermark without reaching the handler.
type Runner struct {
	idx    Index
	store  *Store
	log    feedlog.Log
	logger zerolog.Logger

	debounce time.Duration
	guard    *cpuGuard

	// mu guards batch and processed. processed is the scan position and
	// runs ahead of the committed watermark between flushes.
	mu        sync.Mutex
	batch     Batch
	processed uint64

	watermark *watch.Value[uint64]

	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner(idx Index, log feedlog.Log, opts Options) *Runner {
	st := idx.Store()
	return &Runner{
		idx:       idx,
		store:     st,
		log:       log,
		logger:    opts.Logger.With().Str("index", st.Name()).Logger(),
		debounce:  opts.Debounce,
		guard:     newCPUGuard(opts.MaxCPU, opts.MaxCPUWait, opts.MaxCPUMaxPause),
		processed: st.Watermark(),
		watermark: watch.NewValue(st.Watermark()),
		done:      make(chan struct{}),
	}
}

func (r *Runner) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Name returns the index name.
func (r *Runner) Name() string { return r.store.Name() }

// Watermark returns the committed watermark.
func (r *Runner) Watermark() uint64 { return r.watermark.Get() }

// WatchWatermark subscribes to committed watermark changes. The channel
// delivers the current value first, then conflates.
func (r *Runner) WatchWatermark() (<-chan uint64, func()) {
	return r.watermark.Subscribe()
}

// WaitCaughtUp blocks until the committed watermark reaches seq or ctx
// ends.
func (r *Runner) WaitCaughtUp(ctx context.Context, seq uint64) error {
	_, err := r.watermark.WaitFor(ctx, func(wm uint64) bool { return wm >= seq })
	return err
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	lastCh, cancelWatch := r.log.WatchLast()
	defer cancelWatch()

	flushTimer := time.NewTimer(time.Hour)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	flushArmed := false
	loadedFired := false

	for {
		if err := r.catchUp(ctx, r.log.LastSeq()); err != nil {
			if ctx.Err() != nil {
				r.finalFlush()
				return
			}
			r.logger.Error().Err(err).Msg("indexing step failed, retrying")
			select {
			case <-ctx.Done():
				r.finalFlush()
				return
			case <-time.After(stepRetryDelay):
			}
			continue
		}

		if r.pendingCommit() {
			if !flushArmed {
				flushTimer.Reset(r.debounce)
				flushArmed = true
			}
		} else if !loadedFired && r.watermark.Get() >= r.log.LastSeq() {
			loadedFired = true
			r.fireLoaded(ctx)
		}

		select {
		case <-ctx.Done():
			r.finalFlush()
			return
		case <-lastCh:
		case <-flushTimer.C:
			flushArmed = false
			if err := r.flush(ctx); err != nil {
				r.logger.Error().Err(err).Msg("index flush failed, retrying")
				flushTimer.Reset(stepRetryDelay)
				flushArmed = true
			}
		}
	}
}

// catchUp processes records up to target. Batches exceeding maxBatchLen
// commit eagerly so rebuild memory stays bounded.
func (r *Runner) catchUp(ctx context.Context, target uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		next := r.processed + 1
		if next > target {
			r.mu.Unlock()
			return nil
		}
		busyStart := time.Now()
		err := r.step(ctx, next)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.processed = next
		flushNow := r.batch.Len() >= maxBatchLen
		r.mu.Unlock()
		r.guard.track(busyStart)

		if flushNow {
			if err := r.flush(ctx); err != nil {
				return err
			}
		}
		if err := r.guard.throttle(ctx); err != nil {
			return err
		}
	}
}

// step stages one record. Called with mu held. A record that cannot be
// decoded is logged and skipped, since every index would fail on it the
// same way and one bad record must not stall the build forever.
func (r *Runner) step(ctx context.Context, seq uint64) error {
	rec, err := r.log.Get(ctx, seq)
	if err != nil {
		return err
	}
	if rec.Tombstone || seq <= r.store.Compacted() {
		return nil
	}
	view, err := NewRecordView(seq, rec.Data)
	if err != nil {
		r.logger.Warn().Err(err).Uint64("seq", seq).Msg("skipping undecodable record")
		return nil
	}
	return r.idx.HandleRecord(ctx, view, &r.batch)
}

func (r *Runner) pendingCommit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch.Len() > 0 || r.processed > r.store.Watermark()
}

// flush commits the staged batch and the processed position as the new
// watermark. The optional OnFlush hook runs immediately before the commit.
func (r *Runner) flush(ctx context.Context) error {
	r.mu.Lock()
	muts := r.batch.take()
	processed := r.processed
	r.mu.Unlock()

	if len(muts) == 0 && processed == r.store.Watermark() {
		return nil
	}

	if f, ok := r.idx.(Flusher); ok {
		if err := f.OnFlush(ctx); err != nil {
			r.restore(muts)
			return err
		}
	}
	if err := r.store.ApplyBatch(ctx, muts, processed); err != nil {
		r.restore(muts)
		return err
	}
	r.watermark.Set(processed)
	return nil
}

// restore puts mutations back at the front of the batch after a failed
// commit, preserving their order ahead of anything staged since.
func (r *Runner) restore(muts []Mutation) {
	if len(muts) == 0 {
		return
	}
	r.mu.Lock()
	r.batch.muts = append(muts, r.batch.muts...)
	r.mu.Unlock()
}

func (r *Runner) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.flush(ctx); err != nil {
		r.logger.Error().Err(err).Msg("final index flush failed")
	}
}

func (r *Runner) fireLoaded(ctx context.Context) {
	if l, ok := r.idx.(Loader); ok {
		if err := l.OnLoaded(ctx); err != nil {
			r.logger.Error().Err(err).Msg("index loaded hook failed")
		}
	}
}

// Apply stages mutations outside the record flow and commits them
// immediately. The watermark is left untouched. Feed removal uses this to
// drop an author's entries from a side store.
func (r *Runner) Apply(ctx context.Context, fn func(*Batch) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b Batch
	if err := fn(&b); err != nil {
		return err
	}
	return r.store.ApplyBatch(ctx, b.take(), r.store.Watermark())
}

// Reindex feeds already-indexed records to the handler again and commits
// the result without moving the watermark. Runners whose index does not
// index content skip the pass.
func (r *Runner) Reindex(ctx context.Context, views []*RecordView) error {
	if !indexesContent(r.idx) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var b Batch
	for _, view := range views {
		if err := r.idx.HandleRecord(ctx, view, &b); err != nil {
			return err
		}
	}
	if f, ok := r.idx.(Flusher); ok {
		if err := f.OnFlush(ctx); err != nil {
			return err
		}
	}
	return r.store.ApplyBatch(ctx, b.take(), r.store.Watermark())
}

// Close stops the runner, flushes staged work, and closes the side store.
// Nil-safe.
func (r *Runner) Close() error {
	if r == nil || r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.watermark.Close()
	return r.store.Close()
}

// cpuGuard throttles the indexing goroutine by duty cycle: when the share
// of wall time spent processing within the current window exceeds the
// ceiling, the goroutine pauses. Pauses back off exponentially up to a cap
// and reset once load drops. A nil guard is disabled.
type cpuGuard struct {
	ceiling  int
	wait     time.Duration
	maxPause time.Duration

	windowStart time.Time
	busy        time.Duration
	pause       time.Duration
}

func newCPUGuard(ceiling int, wait, maxPause time.Duration) *cpuGuard {
	if ceiling <= 0 || ceiling >= 100 {
		return nil
	}
	return &cpuGuard{
		ceiling:     ceiling,
		wait:        wait,
		maxPause:    maxPause,
		windowStart: time.Now(),
	}
}

func (g *cpuGuard) track(busyStart time.Time) {
	if g == nil {
		return
	}
	g.busy += time.Since(busyStart)
}

func (g *cpuGuard) throttle(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	window := time.Since(g.windowStart)
	if window < guardWindow {
		return ctx.Err()
	}

	duty := int(g.busy * 100 / window)
	g.busy = 0
	g.windowStart = time.Now()
	if duty <= g.ceiling {
		g.pause = 0
		return ctx.Err()
	}

	if g.pause == 0 {
		g.pause = g.wait
	} else {
		g.pause *= 2
		if g.pause > g.maxPause {
			g.pause = g.maxPause
		}
	}

	timer := time.NewTimer(g.pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	g.windowStart = time.Now()
	return nil
}
