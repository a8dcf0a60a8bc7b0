package indexes

import (
	"context"
	"slices"
	"sync"

	"github.com/louisbranch/tidepool/feedlog"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Registry owns the runners for every registered index and drives them
// against one log.
type Registry struct {
	log  feedlog.Log
	opts Options

	mu      sync.RWMutex
	order   []string
	runners map[string]*Runner
	closed  bool
}

// NewRegistry returns a registry feeding indexes from log.
func NewRegistry(log feedlog.Log, opts Options) *Registry {
	return &Registry{
		log:     log,
		opts:    opts.withDefaults(),
		runners: make(map[string]*Runner),
	}
}

// Register starts a runner for idx. Index names are unique per registry.
func (g *Registry) Register(idx Index) (*Runner, error) {
	name := idx.Store().Name()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, apperrors.New(apperrors.CodeIndexClosed, "index registry is closed")
	}
	if _, ok := g.runners[name]; ok {
		return nil, apperrors.WithMetadata(apperrors.CodeIndexNameTaken,
			"index name already registered", map[string]string{"name": name})
	}

	r := newRunner(idx, g.log, g.opts)
	g.runners[name] = r
	g.order = append(g.order, name)
	r.start()
	return r, nil
}

// Runner returns the runner registered under name.
func (g *Registry) Runner(name string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[name]
	return r, ok
}

// Names lists registered index names in registration order.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// WaitCaughtUp blocks until the named index's watermark reaches seq.
func (g *Registry) WaitCaughtUp(ctx context.Context, name string, seq uint64) error {
	r, ok := g.Runner(name)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			"unknown index", map[string]string{"name": name})
	}
	return r.WaitCaughtUp(ctx, seq)
}

// OnDrain calls fn once the named index's watermark has reached the log's
// current last sequence, then again on every later catch-up. fn runs on a
// dedicated goroutine; the returned cancel stops the callbacks.
func (g *Registry) OnDrain(name string, fn func()) (func(), error) {
	r, ok := g.Runner(name)
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound,
			"unknown index", map[string]string{"name": name})
	}

	ch, cancelSub := r.WatchWatermark()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case wm, ok := <-ch:
				if !ok {
					return
				}
				if wm >= g.log.LastSeq() {
					fn()
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			cancelSub()
		})
	}
	return cancel, nil
}

// Reindex feeds the records to every content-indexing runner and commits
// the results without moving watermarks. Used when stored ciphertext
// becomes decryptable and content-derived entries must be refreshed.
func (g *Registry) Reindex(ctx context.Context, views []*RecordView) error {
	if len(views) == 0 {
		return nil
	}
	for _, name := range g.Names() {
		r, ok := g.Runner(name)
		if !ok {
			continue
		}
		if err := r.Reindex(ctx, views); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every runner in reverse registration order. Each runner
// flushes staged work and closes its side store.
func (g *Registry) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	order := slices.Clone(g.order)
	runners := g.runners
	g.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		if err := runners[order[i]].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
