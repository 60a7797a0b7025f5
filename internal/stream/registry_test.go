package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
)

// fakeSource feeds scripted ticks to the registry and lets the test control
// when each connection attempt ends.
type fakeSource struct {
	mu       sync.Mutex
	runs     int
	ticks    chan domain.TradeTick
	finished chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		ticks:    make(chan domain.TradeTick, 64),
		finished: make(chan error, 8),
	}
}

func (s *fakeSource) Run(ctx context.Context, emit func(domain.TradeTick)) error {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-s.ticks:
			emit(tick)
		case err := <-s.finished:
			return err
		}
	}
}

func (s *fakeSource) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type barEvent struct {
	bar    domain.Candle
	action candles.Action
}

func collect(ch chan barEvent) BarFunc {
	return func(bar domain.Candle, action candles.Action) {
		ch <- barEvent{bar: bar, action: action}
	}
}

func waitBar(t *testing.T, ch chan barEvent) barEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bar")
		return barEvent{}
	}
}

func waitRuns(t *testing.T, src *fakeSource, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if src.runCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("source run count = %d, want at least %d", src.runCount(), want)
}

func newTestRegistry(src TickSource) *Registry {
	cfg := RegistryConfig{RetryAttempts: 3, RetryDelay: 10 * time.Millisecond}
	return NewRegistry(src, &cfg, zerolog.Nop())
}

func TestRegistryDispatchesInOrder(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	bars := make(chan barEvent, 16)
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, nil, collect(bars))
	waitRuns(t, src, 1)

	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 100, TimestampMs: 0}
	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 105, TimestampMs: 30_000}
	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 103, TimestampMs: 65_000}

	ev := waitBar(t, bars)
	if ev.action != candles.ActionNew || ev.bar.Open != 100 {
		t.Fatalf("first event = %+v", ev)
	}
	ev = waitBar(t, bars)
	if ev.action != candles.ActionUpdate || ev.bar.High != 105 || ev.bar.Close != 105 {
		t.Fatalf("second event = %+v", ev)
	}
	ev = waitBar(t, bars)
	if ev.action != candles.ActionNew || ev.bar.TimestampMs != 60_000 || ev.bar.Open != 103 {
		t.Fatalf("third event = %+v", ev)
	}
}

func TestRegistryPerSubscriberResolutions(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	oneMin := make(chan barEvent, 16)
	fiveMin := make(chan barEvent, 16)
	reg.Subscribe("Crypto.BTC/USD", "sub-1m", candles.Res1m, nil, collect(oneMin))
	reg.Subscribe("Crypto.BTC/USD", "sub-5m", candles.Res5m, nil, collect(fiveMin))
	waitRuns(t, src, 1)
	if src.runCount() != 1 {
		t.Fatalf("second subscriber opened a second connection")
	}

	// 90s in: a fresh 1m bucket but still the first 5m bucket.
	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 100, TimestampMs: 0}
	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 101, TimestampMs: 90_000}

	waitBar(t, oneMin)
	ev := waitBar(t, oneMin)
	if ev.action != candles.ActionNew || ev.bar.TimestampMs != 60_000 {
		t.Fatalf("1m second event = %+v", ev)
	}

	waitBar(t, fiveMin)
	ev = waitBar(t, fiveMin)
	if ev.action != candles.ActionUpdate || ev.bar.TimestampMs != 0 {
		t.Fatalf("5m second event = %+v", ev)
	}
}

func TestRegistrySubscribeIdempotent(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	bars := make(chan barEvent, 16)
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, nil, collect(bars))
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, nil, collect(bars))

	if got := reg.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
}

func TestRegistrySeedsLastBar(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	bars := make(chan barEvent, 16)
	last := domain.Candle{TimestampMs: 60_000, Open: 100, High: 101, Low: 99, Close: 100}
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, &last, collect(bars))
	waitRuns(t, src, 1)

	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 102, TimestampMs: 90_000}

	ev := waitBar(t, bars)
	if ev.action != candles.ActionUpdate || ev.bar.Open != 100 || ev.bar.High != 102 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRegistryUnsubscribeStopsStream(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	bars := make(chan barEvent, 16)
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, nil, collect(bars))
	waitRuns(t, src, 1)

	reg.Unsubscribe("sub-1")
	if got := reg.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}

	// The run goroutine must observe the cancellation and not reconnect.
	time.Sleep(50 * time.Millisecond)
	if got := src.runCount(); got != 1 {
		t.Fatalf("source run count = %d after unsubscribe, want 1", got)
	}

	// Unknown IDs are a no-op.
	reg.Unsubscribe("sub-1")
}

func TestRegistryReconnectsWhileSubscribed(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	bars := make(chan barEvent, 16)
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, nil, collect(bars))
	waitRuns(t, src, 1)

	src.finished <- nil
	waitRuns(t, src, 2)

	// The stream still works after the reconnect.
	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 100, TimestampMs: 0}
	waitBar(t, bars)
}

func TestRegistryRetryBudgetExhausted(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	bars := make(chan barEvent, 16)
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, nil, collect(bars))
	waitRuns(t, src, 1)

	// Initial attempt plus three retries, then the registry gives up.
	for i := 0; i < 4; i++ {
		src.finished <- nil
	}
	waitRuns(t, src, 4)

	time.Sleep(100 * time.Millisecond)
	if got := src.runCount(); got != 4 {
		t.Fatalf("source run count = %d, want 4", got)
	}

	// A fresh subscription restarts the stream with a new budget.
	reg.Subscribe("Crypto.ETH/USD", "sub-2", candles.Res1m, nil, collect(bars))
	waitRuns(t, src, 5)
}

func TestRegistryIgnoresUnknownChannel(t *testing.T) {
	src := newFakeSource()
	reg := newTestRegistry(src)
	defer reg.Close()

	bars := make(chan barEvent, 16)
	reg.Subscribe("Crypto.BTC/USD", "sub-1", candles.Res1m, nil, collect(bars))
	waitRuns(t, src, 1)

	src.ticks <- domain.TradeTick{Channel: "Crypto.DOGE/USD", Price: 1, TimestampMs: 0}
	src.ticks <- domain.TradeTick{Channel: "Crypto.BTC/USD", Price: 100, TimestampMs: 0}

	ev := waitBar(t, bars)
	if ev.bar.Close != 100 {
		t.Fatalf("event = %+v, want the BTC tick only", ev)
	}
}
