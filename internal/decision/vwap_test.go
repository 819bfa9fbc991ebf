package decision

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/internal/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func tick(symbol, price, qty string) schema.TradeTick {
	return schema.TradeTick{
		Symbol:   symbol,
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestVWAPRequiresMinimumSamples(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tracker := NewVWAPTracker(5*time.Minute, 3, clock.Now)

	tracker.Observe(tick("BTCUSDT", "50000", "1"))
	tracker.Observe(tick("BTCUSDT", "50100", "1"))
	if _, ok := tracker.Value("BTCUSDT"); ok {
		t.Fatal("VWAP reported before minimum samples")
	}

	tracker.Observe(tick("BTCUSDT", "50200", "1"))
	if _, ok := tracker.Value("BTCUSDT"); !ok {
		t.Fatal("VWAP missing after minimum samples")
	}
}

func TestVWAPIsVolumeWeighted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tracker := NewVWAPTracker(5*time.Minute, 2, clock.Now)

	tracker.Observe(tick("BTCUSDT", "100", "1"))
	tracker.Observe(tick("BTCUSDT", "200", "3"))

	got, ok := tracker.Value("BTCUSDT")
	if !ok {
		t.Fatal("VWAP missing")
	}
	if want := decimal.RequireFromString("175"); !got.Equal(want) {
		t.Fatalf("VWAP = %s, want %s", got, want)
	}
}

func TestVWAPPrunesOutsideWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tracker := NewVWAPTracker(time.Minute, 2, clock.Now)

	tracker.Observe(tick("BTCUSDT", "100", "1"))
	tracker.Observe(tick("BTCUSDT", "100", "1"))
	clock.Advance(30 * time.Second)
	tracker.Observe(tick("BTCUSDT", "300", "1"))
	tracker.Observe(tick("BTCUSDT", "300", "1"))
	clock.Advance(45 * time.Second)

	// First two samples are now 75s old and must not count.
	got, ok := tracker.Value("BTCUSDT")
	if !ok {
		t.Fatal("VWAP missing")
	}
	if want := decimal.RequireFromString("300"); !got.Equal(want) {
		t.Fatalf("VWAP = %s, want %s", got, want)
	}

	clock.Advance(time.Minute)
	if _, ok := tracker.Value("BTCUSDT"); ok {
		t.Fatal("VWAP survived after all samples expired")
	}
}

func TestDepthCachePicksBestLevels(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := newDepthCache(clock.Now)

	cache.apply(&schema.DepthUpdate{
		Symbol: "BTCUSDT",
		Bids: []schema.DepthLevel{
			{Price: decimal.RequireFromString("49999.8")},
			{Price: decimal.RequireFromString("49999.9")},
		},
		Asks: []schema.DepthLevel{
			{Price: decimal.RequireFromString("50000.4")},
			{Price: decimal.RequireFromString("50000.1")},
		},
	})

	top, ok := cache.top("BTCUSDT")
	if !ok {
		t.Fatal("book top missing")
	}
	if !top.bid.Equal(decimal.RequireFromString("49999.9")) {
		t.Errorf("best bid = %s", top.bid)
	}
	if !top.ask.Equal(decimal.RequireFromString("50000.1")) {
		t.Errorf("best ask = %s", top.ask)
	}
}

func TestDepthCacheRejectsCrossedBook(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := newDepthCache(clock.Now)

	cache.apply(&schema.DepthUpdate{
		Symbol: "BTCUSDT",
		Bids:   []schema.DepthLevel{{Price: decimal.RequireFromString("50001")}},
		Asks:   []schema.DepthLevel{{Price: decimal.RequireFromString("50000")}},
	})
	if _, ok := cache.top("BTCUSDT"); ok {
		t.Fatal("crossed book was cached")
	}
}

func TestDepthCacheExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := newDepthCache(clock.Now)

	cache.apply(&schema.DepthUpdate{
		Symbol: "BTCUSDT",
		Bids:   []schema.DepthLevel{{Price: decimal.RequireFromString("49999")}},
		Asks:   []schema.DepthLevel{{Price: decimal.RequireFromString("50001")}},
	})
	clock.Advance(depthTTL + time.Second)
	if _, ok := cache.top("BTCUSDT"); ok {
		t.Fatal("stale book top served")
	}
}
