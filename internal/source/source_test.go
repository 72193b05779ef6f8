package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lotus-agent/internal/clock"
	"github.com/tinytelemetry/lotus-agent/internal/health"
	"github.com/tinytelemetry/lotus-agent/internal/model"
)

func newFakeClock() *clock.Fake {
	return clock.NewFake(time.Unix(1_700_000_000, 0))
}

func TestFetchSingleFlightWithinFreshWindow(t *testing.T) {
	clk := newFakeClock()
	var calls atomic.Int32
	release := make(chan struct{})

	src := New(Config{Name: "api", Interval: 10 * time.Second},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			calls.Add(1)
			<-release
			return model.Fields{"reqs": model.Int(5)}, nil
		}),
		WithClock(clk))

	first := make(chan model.Fields, 1)
	go func() {
		v, _ := src.Fetch(context.Background())
		first <- v
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// Callers arriving during the fetch do not wait and do not fetch.
	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := src.Fetch(context.Background())
			assert.False(t, ok, "nothing cached yet")
		}()
	}
	wg.Wait()

	close(release)
	assert.Equal(t, model.Int(5), (<-first)["reqs"])
	assert.Equal(t, int32(1), calls.Load())

	// Still inside 0.75 x interval: served from cache.
	clk.Advance(7 * time.Second)
	v, ok := src.Fetch(context.Background())
	assert.True(t, ok)
	assert.Equal(t, model.Int(5), v["reqs"])
	assert.Equal(t, int32(1), calls.Load())

	// Past the freshness window: fetch again.
	clk.Advance(time.Second)
	_, ok = src.Fetch(context.Background())
	assert.True(t, ok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallerDuringInFlightFetchGetsPreviousValue(t *testing.T) {
	clk := newFakeClock()
	var calls atomic.Int32
	release := make(chan struct{})

	src := New(Config{Name: "api", Interval: 10 * time.Second},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			n := calls.Add(1)
			if n > 1 {
				<-release
			}
			return model.Fields{"reqs": model.Int(int64(n))}, nil
		}),
		WithClock(clk))

	_, ok := src.Fetch(context.Background())
	require.True(t, ok)

	clk.Advance(8 * time.Second)
	refreshed := make(chan model.Fields, 1)
	go func() {
		v, _ := src.Fetch(context.Background())
		refreshed <- v
	}()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	returned := make(chan model.Fields, 1)
	go func() {
		v, ok := src.Fetch(context.Background())
		assert.True(t, ok)
		returned <- v
	}()
	select {
	case v := <-returned:
		assert.Equal(t, model.Int(1), v["reqs"])
	case <-time.After(time.Second):
		t.Fatal("caller waited for the in-flight fetch")
	}

	close(release)
	assert.Equal(t, model.Int(2), (<-refreshed)["reqs"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestCircuitOpensAfterConsecutiveFailuresAndRecovers(t *testing.T) {
	clk := newFakeClock()
	reg := health.NewRegistry(clk)
	var calls atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)

	src := New(Config{Name: "db", Interval: 10 * time.Second, PauseWindow: time.Minute},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			calls.Add(1)
			if fail.Load() {
				return nil, errors.New("connection refused")
			}
			return model.Fields{"up": model.Bool(true)}, nil
		}),
		WithClock(clk), WithHealth(reg))

	// Back-to-back failures each reach the fetcher.
	for i := 0; i < 5; i++ {
		_, ok := src.Fetch(context.Background())
		assert.False(t, ok)
		assert.Equal(t, int32(i+1), calls.Load())
	}
	assert.False(t, src.Active())

	conn, ok := reg.Source("db")
	require.True(t, ok)
	assert.Equal(t, health.StatusFailed, conn.Status)
	assert.Equal(t, "connection refused", conn.LastError)

	// Paused: no fetcher calls for the rest of the window.
	fail.Store(false)
	for i := 0; i < 3; i++ {
		_, ok := src.Fetch(context.Background())
		assert.False(t, ok)
		clk.Advance(10 * time.Second)
	}
	assert.Equal(t, int32(5), calls.Load())

	clk.Advance(31 * time.Second)
	v, ok := src.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, model.Bool(true), v["up"])
	assert.Equal(t, int32(6), calls.Load())
	assert.True(t, src.Active())

	conn, _ = reg.Source("db")
	assert.Equal(t, health.StatusOK, conn.Status)
}

func TestFailureClearsCachedValue(t *testing.T) {
	clk := newFakeClock()
	fail := atomic.Bool{}

	src := New(Config{Name: "api", Interval: 10 * time.Second},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			if fail.Load() {
				return nil, errors.New("timeout")
			}
			return model.Fields{"g": model.Float(1.5)}, nil
		}),
		WithClock(clk))

	_, ok := src.Fetch(context.Background())
	require.True(t, ok)

	fail.Store(true)
	clk.Advance(8 * time.Second)
	_, ok = src.Fetch(context.Background())
	assert.False(t, ok)

	// A failure is never fresh: the very next call fetches again and
	// recovers without waiting for a freshness window.
	fail.Store(false)
	v, ok := src.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, model.Float(1.5), v["g"])
}

func TestCircuitStaysPausedWhenRetrippedDuringReactivation(t *testing.T) {
	clk := newFakeClock()
	src := New(Config{Name: "db", Interval: 10 * time.Second, FailureThreshold: 1, PauseWindow: time.Minute},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			return nil, errors.New("down")
		}),
		WithClock(clk))

	_, ok := src.Fetch(context.Background())
	require.False(t, ok)
	require.False(t, src.Active())

	// A reader past the first pause waits for the fetch section while the
	// circuit trips again. Once it gets the section it must see the new trip.
	clk.Advance(2 * time.Minute)
	now := clk.Now()
	src.mu.Lock()
	result := make(chan bool, 1)
	go func() { result <- src.allow(now) }()
	time.Sleep(20 * time.Millisecond)
	src.inactiveSince.Store(now.UnixNano())
	src.mu.Unlock()

	assert.False(t, <-result)
	assert.False(t, src.Active())

	clk.Advance(61 * time.Second)
	assert.True(t, src.allow(clk.Now()))
	assert.True(t, src.Active())
}

func TestEmptyResultCountsAsFailure(t *testing.T) {
	clk := newFakeClock()
	src := New(Config{Name: "empty", Interval: time.Second, FailureThreshold: 2},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			return model.Fields{}, nil
		}),
		WithClock(clk))

	_, ok := src.Fetch(context.Background())
	assert.False(t, ok)
	clk.Advance(time.Second)
	_, ok = src.Fetch(context.Background())
	assert.False(t, ok)
	assert.False(t, src.Active())
}

func TestFetcherPanicIsContained(t *testing.T) {
	src := New(Config{Name: "boom", Interval: time.Second},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			panic("parser exploded")
		}),
		WithClock(newFakeClock()))

	assert.NotPanics(t, func() {
		_, ok := src.Fetch(context.Background())
		assert.False(t, ok)
	})
}

func TestFetchTimeoutIsAFailure(t *testing.T) {
	src := New(Config{Name: "slow", Interval: time.Second, FetchTimeout: 10 * time.Millisecond},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	_, ok := src.Fetch(context.Background())
	assert.False(t, ok)
}

func TestBackgroundModeNeverBlocksCallers(t *testing.T) {
	clk := newFakeClock()
	var calls atomic.Int32

	src := New(Config{Name: "bg", Interval: 10 * time.Second, Background: true},
		FetcherFunc[model.Fields](func(ctx context.Context) (model.Fields, error) {
			n := calls.Add(1)
			return model.Fields{"n": model.Int(int64(n))}, nil
		}),
		WithClock(clk))

	_, ok := src.Fetch(context.Background())
	assert.False(t, ok, "nothing cached before the first refresh")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Start(ctx) }()

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	v, ok := src.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, model.Int(1), v["n"])

	// Reads do not trigger fetches even after the freshness window.
	clk.Set(clk.Now().Add(9 * time.Second))
	_, _ = src.Fetch(context.Background())
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	clk.Advance(10 * time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("background loop did not stop")
	}
}
