// Package modelpool implements the bounded, LRU-evicting, OOM-aware
// resource pool for loaded speech-recognition models. It is the Go
// translation of the reference ModelPool (lazy load, per-tier free
// sets, a global loaded-set LRU, OOM fallback to the next-smaller
// tier), reworked into the mutex-guarded registry idiom the codebase
// uses elsewhere for shared in-memory state: bookkeeping lives behind
// one mutex, and the expensive model load itself happens outside it so
// one slow load never blocks every other Acquire/Release call.
package modelpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxpipe/transcribeq/internal/config"
)

// ErrOutOfMemory is the sentinel a Loader returns to signal the host
// could not satisfy a load at the requested tier. Acquire catches it
// and falls back to the next-smaller tier.
var ErrOutOfMemory = errors.New("modelpool: out of memory")

// ErrTimeout is returned when Acquire could not obtain a handle before
// its context deadline elapsed.
var ErrTimeout = errors.New("modelpool: acquire timed out")

// ErrTierExhausted is returned when the OOM fallback chain reaches
// below the smallest tier without succeeding.
var ErrTierExhausted = errors.New("modelpool: out of memory at smallest tier")

// Model is the loaded payload a Loader produces. The pool never
// inspects it; it is opaque to everything except the engine consuming
// Handle.Model.
type Model any

// Loader loads a model of the given tier. It returns ErrOutOfMemory
// (wrapped or bare, checked with errors.Is) to signal a fallback should
// be attempted at the next-smaller tier.
type Loader func(ctx context.Context, tier config.Tier) (Model, int64, error)

// Unloader releases a model's resources. It reports no error: eviction
// and Release treat unloading as best-effort.
type Unloader func(Model)

// Handle is one pool entry: a loaded model plus its usage bookkeeping.
type Handle struct {
	ID          string
	Tier        config.Tier
	Model       Model
	MemoryBytes int64
	LoadedAt    time.Time
	LastUsed    time.Time
	UseCount    int64
}

// Stats mirrors the reference pool's get_stats() fields.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	OOMFallbacks  int64
	TotalLoaded   int
	FreeByTier    map[config.Tier]int
	HitRate       float64
}

// Pool is a single process-wide bounded pool.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	poolSize    int // soft cap per tier free-set
	maxPoolSize int // hard cap on total simultaneously loaded handles

	free   map[config.Tier][]*Handle
	loaded map[string]*Handle

	hits, misses, evictions, oomFallbacks int64

	loader   Loader
	unloader Unloader
}

// New builds a Pool. poolSize bounds each tier's idle free-set;
// maxPoolSize bounds the total number of simultaneously loaded models
// across all tiers.
func New(poolSize, maxPoolSize int, loader Loader, unloader Unloader) *Pool {
	p := &Pool{
		poolSize:    poolSize,
		maxPoolSize: maxPoolSize,
		free:        make(map[config.Tier][]*Handle),
		loaded:      make(map[string]*Handle),
		loader:      loader,
		unloader:    unloader,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a handle for tier, loading or evicting as needed, and
// falling back to progressively smaller tiers on out-of-memory. It
// blocks up to ctx's deadline when the pool is at capacity with nothing
// evictable.
func (p *Pool) Acquire(ctx context.Context, tier config.Tier) (*Handle, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()

	p.mu.Lock()
	for {
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}

		if h := p.popFree(tier); h != nil {
			p.hits++
			h.LastUsed = time.Now()
			h.UseCount++
			p.mu.Unlock()
			return h, nil
		}

		if len(p.loaded) < p.maxPoolSize {
			p.misses++
			reservation := p.reserveSlotLocked()
			p.mu.Unlock()
			return p.loadWithFallback(ctx, tier, reservation)
		}

		if victim := p.evictLRULocked(); victim != nil {
			reservation := p.reserveSlotLocked()
			p.mu.Unlock()
			p.unloader(victim.Model)
			p.mu.Lock()
			p.evictions++
			p.mu.Unlock()
			return p.loadWithFallback(ctx, tier, reservation)
		}

		// At capacity, nothing idle to evict: block for a release or
		// for ctx cancellation.
		p.cond.Wait()
	}
}

// reserveSlotLocked claims a loaded-set slot before the lock is
// released, so a concurrent Acquire racing for the same headroom sees
// the reservation and cannot also decide capacity is available. Caller
// must hold p.mu. The returned token must be released via
// finalizeReservation or cancelReservation.
func (p *Pool) reserveSlotLocked() string {
	token := "reservation:" + uuid.NewString()
	p.loaded[token] = nil
	return token
}

func (p *Pool) cancelReservation(token string) {
	p.mu.Lock()
	delete(p.loaded, token)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) finalizeReservation(token string, h *Handle) {
	p.mu.Lock()
	delete(p.loaded, token)
	p.loaded[h.ID] = h
	p.mu.Unlock()
}

// loadWithFallback loads tier outside the bookkeeping mutex, recursing
// to the next-smaller tier on ErrOutOfMemory. Recursion is bounded by
// the fixed tier list, matching the "at most len(tiers)-1
// substitutions" rule the worker layer additionally enforces per job.
func (p *Pool) loadWithFallback(ctx context.Context, tier config.Tier, reservation string) (*Handle, error) {
	model, mem, err := p.loader(ctx, tier)
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			p.mu.Lock()
			p.oomFallbacks++
			p.mu.Unlock()

			smaller, ok := config.Smaller(tier)
			if !ok {
				p.cancelReservation(reservation)
				return nil, ErrTierExhausted
			}
			return p.loadWithFallback(ctx, smaller, reservation)
		}
		p.cancelReservation(reservation)
		return nil, err
	}

	id, genErr := uuid.NewV7()
	if genErr != nil {
		p.cancelReservation(reservation)
		return nil, genErr
	}
	now := time.Now()
	h := &Handle{
		ID:          id.String(),
		Tier:        tier,
		Model:       model,
		MemoryBytes: mem,
		LoadedAt:    now,
		LastUsed:    now,
		UseCount:    1,
	}

	p.finalizeReservation(reservation, h)
	return h, nil
}

// Release returns h to its tier's free set, unloading it immediately if
// that set is already at its soft cap.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	if len(p.free[h.Tier]) >= p.poolSize {
		delete(p.loaded, h.ID)
		p.mu.Unlock()
		p.unloader(h.Model)
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
		return
	}
	p.free[h.Tier] = append(p.free[h.Tier], h)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popFree removes and returns a free handle for tier, or nil.
func (p *Pool) popFree(tier config.Tier) *Handle {
	items := p.free[tier]
	if len(items) == 0 {
		return nil
	}
	h := items[len(items)-1]
	p.free[tier] = items[:len(items)-1]
	return h
}

// evictLRULocked finds and removes the globally least-recently-used
// free handle (tie-broken by lowest use_count), across every tier's
// free set — handles currently on loan are never eviction candidates.
// Caller must hold p.mu; the returned handle has already been removed
// from both its tier's free set and the loaded set.
func (p *Pool) evictLRULocked() *Handle {
	var victimTier config.Tier
	var victimIdx = -1
	var victim *Handle

	for tier, items := range p.free {
		for i, h := range items {
			if victim == nil ||
				h.LastUsed.Before(victim.LastUsed) ||
				(h.LastUsed.Equal(victim.LastUsed) && h.UseCount < victim.UseCount) {
				victim = h
				victimTier = tier
				victimIdx = i
			}
		}
	}
	if victim == nil {
		return nil
	}

	items := p.free[victimTier]
	p.free[victimTier] = append(items[:victimIdx:victimIdx], items[victimIdx+1:]...)
	delete(p.loaded, victim.ID)
	return victim
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := make(map[config.Tier]int, len(p.free))
	for tier, items := range p.free {
		free[tier] = len(items)
	}

	var hitRate float64
	if total := p.hits + p.misses; total > 0 {
		hitRate = float64(p.hits) / float64(total)
	}

	return Stats{
		Hits:         p.hits,
		Misses:       p.misses,
		Evictions:    p.evictions,
		OOMFallbacks: p.oomFallbacks,
		TotalLoaded:  len(p.loaded),
		FreeByTier:   free,
		HitRate:      hitRate,
	}
}
