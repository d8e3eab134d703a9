package cost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
)

const (
	// DefaultBatchWindow is how long the first request in a group waits
	// for company.
	DefaultBatchWindow = 100 * time.Millisecond
	// DefaultMaxBatch flushes a group early once it fills.
	DefaultMaxBatch = 5
)

type batchResult struct {
	resp *llm.Response
	err  error
}

type batchEntry struct {
	ctx  context.Context
	req  llm.Request
	done chan batchResult
}

type batchGroup struct {
	entries []*batchEntry
	timer   *time.Timer
}

// BatchStats snapshots batching activity.
type BatchStats struct {
	Submitted   int64
	Batches     int64
	Batched     int64 // requests that shared a flush with at least one other
	AvgPerFlush float64
}

// Batcher coalesces requests that share a system prompt into windowed
// flushes. Requests in one flush dispatch together, so concurrent sessions
// asking similar questions ride one burst instead of a trickle. A canceled
// caller is dropped at flush time without an upstream call.
type Batcher struct {
	client   llm.Client
	enabled  bool
	window   time.Duration
	maxBatch int

	mu     sync.Mutex
	groups map[string]*batchGroup

	submitted int64
	batches   int64
	batched   int64
	flushed   int64
}

// NewBatcher wraps client. Disabled batchers pass requests straight through.
func NewBatcher(client llm.Client, enabled bool, window time.Duration, maxBatch int) *Batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Batcher{
		client:   client,
		enabled:  enabled,
		window:   window,
		maxBatch: maxBatch,
		groups:   make(map[string]*batchGroup),
	}
}

var _ llm.Client = (*Batcher)(nil)

// Complete satisfies llm.Client so the batcher can sit between the engine
// and the real client.
func (b *Batcher) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if !b.enabled {
		return b.client.Complete(ctx, req)
	}

	entry := &batchEntry{ctx: ctx, req: req, done: make(chan batchResult, 1)}
	key := groupKey(req)

	b.mu.Lock()
	b.submitted++
	g, ok := b.groups[key]
	if !ok {
		g = &batchGroup{}
		b.groups[key] = g
		g.timer = time.AfterFunc(b.window, func() { b.flush(key) })
	}
	g.entries = append(g.entries, entry)
	full := len(g.entries) >= b.maxBatch
	b.mu.Unlock()

	if full {
		b.flush(key)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-entry.done:
		return res.resp, res.err
	}
}

func (b *Batcher) flush(key string) {
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.groups, key)
	g.timer.Stop()
	entries := g.entries
	b.batches++
	b.flushed += int64(len(entries))
	if len(entries) > 1 {
		b.batched += int64(len(entries))
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if e.ctx.Err() != nil {
			e.done <- batchResult{err: e.ctx.Err()}
			continue
		}
		wg.Add(1)
		go func(e *batchEntry) {
			defer wg.Done()
			resp, err := b.client.Complete(e.ctx, e.req)
			e.done <- batchResult{resp: resp, err: err}
		}(e)
	}
	wg.Wait()
}

// Snapshot returns current batching counters.
func (b *Batcher) Snapshot() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BatchStats{Submitted: b.submitted, Batches: b.batches, Batched: b.batched}
	if b.batches > 0 {
		s.AvgPerFlush = float64(b.flushed) / float64(b.batches)
	}
	return s
}

func groupKey(req llm.Request) string {
	h := sha256.Sum256([]byte(req.Model + "\x1e" + req.System))
	return hex.EncodeToString(h[:8])
}
