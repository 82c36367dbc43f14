package modelpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxpipe/transcribeq/internal/config"
)

type fakeModel struct {
	tier config.Tier
	n    int64
}

func countingLoader(loadCount *int64) Loader {
	return func(ctx context.Context, tier config.Tier) (Model, int64, error) {
		n := atomic.AddInt64(loadCount, 1)
		return &fakeModel{tier: tier, n: n}, 100, nil
	}
}

func noopUnloader(Model) {}

func TestAcquireFastPathHitsOnRelease(t *testing.T) {
	var loads int64
	p := New(2, 4, countingLoader(&loads), noopUnloader)

	h1, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)
	p.Release(h1)

	h2, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)

	require.Equal(t, h1.ID, h2.ID, "second acquire should reuse the released handle")
	require.Equal(t, int64(1), loads, "only one model should have been loaded")
	require.Equal(t, int64(2), h2.UseCount)

	stats := p.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestAcquireNeverExceedsMaxPoolSize(t *testing.T) {
	var loads int64
	p := New(2, 2, countingLoader(&loads), noopUnloader)

	h1, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), config.TierBase)
	require.NoError(t, err)

	require.Equal(t, 2, p.Stats().TotalLoaded)
	require.NotEqual(t, h1.ID, h2.ID)
}

func TestReleaseEvictsAboveSoftCap(t *testing.T) {
	var loads, unloads int64
	unloader := func(Model) { atomic.AddInt64(&unloads, 1) }
	p := New(1, 4, countingLoader(&loads), unloader)

	h1, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)

	p.Release(h1)
	p.Release(h2) // free set for tiny already has 1 (== poolSize), so this one must unload

	require.Equal(t, int64(1), unloads)
	require.Equal(t, 1, p.Stats().FreeByTier[config.TierTiny])
}

func TestEvictionAtCapacityLoadsNewTier(t *testing.T) {
	var loads, evicted int64
	unloader := func(Model) { atomic.AddInt64(&evicted, 1) }
	p := New(4, 1, countingLoader(&loads), unloader)

	h1, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)
	p.Release(h1) // now idle, evictable

	h2, err := p.Acquire(context.Background(), config.TierLarge)
	require.NoError(t, err)

	require.Equal(t, config.TierLarge, h2.Tier)
	require.Equal(t, int64(1), p.Stats().Evictions)
	require.Equal(t, int64(1), evicted)
}

func TestAcquireBlocksThenSucceedsAfterRelease(t *testing.T) {
	var loads int64
	p := New(1, 1, countingLoader(&loads), noopUnloader)

	h1, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var h2 *Handle
	var acquireErr error
	go func() {
		defer wg.Done()
		h2, acquireErr = p.Acquire(context.Background(), config.TierBase)
	}()

	time.Sleep(50 * time.Millisecond) // let the goroutine block
	p.Release(h1)
	wg.Wait()

	require.NoError(t, acquireErr)
	require.Equal(t, config.TierBase, h2.Tier)
}

func TestAcquireTimesOutWhenNothingEvictable(t *testing.T) {
	var loads int64
	p := New(1, 1, countingLoader(&loads), noopUnloader)

	h1, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)
	_ = h1 // kept in use, not released: nothing is evictable

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, config.TierBase)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestOOMFallsBackToSmallerTier(t *testing.T) {
	loader := func(ctx context.Context, tier config.Tier) (Model, int64, error) {
		if tier == config.TierLarge || tier == config.TierMedium {
			return nil, 0, ErrOutOfMemory
		}
		return &fakeModel{tier: tier}, 100, nil
	}
	p := New(2, 4, loader, noopUnloader)

	h, err := p.Acquire(context.Background(), config.TierLarge)
	require.NoError(t, err)
	require.Equal(t, config.TierSmall, h.Tier)
	require.GreaterOrEqual(t, p.Stats().OOMFallbacks, int64(2))
}

func TestOOMAtSmallestTierFails(t *testing.T) {
	loader := func(ctx context.Context, tier config.Tier) (Model, int64, error) {
		return nil, 0, ErrOutOfMemory
	}
	p := New(2, 4, loader, noopUnloader)

	_, err := p.Acquire(context.Background(), config.TierTiny)
	require.ErrorIs(t, err, ErrTierExhausted)
}

func TestUseCountMatchesAcquireCount(t *testing.T) {
	var loads int64
	p := New(2, 2, countingLoader(&loads), noopUnloader)

	h, err := p.Acquire(context.Background(), config.TierTiny)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		p.Release(h)
		h, err = p.Acquire(context.Background(), config.TierTiny)
		require.NoError(t, err)
	}
	require.Equal(t, int64(5), h.UseCount)
}

func TestConcurrentAcquireReleaseNeverExceedsMax(t *testing.T) {
	var loads int64
	p := New(2, 3, countingLoader(&loads), noopUnloader)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			h, err := p.Acquire(ctx, config.TierTiny)
			if err != nil {
				errs <- err
				return
			}
			if p.Stats().TotalLoaded > 3 {
				errs <- fmt.Errorf("pool exceeded max size")
			}
			time.Sleep(time.Millisecond)
			p.Release(h)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
