package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/cascadefi/liqhunter/internal/schema"
)

func setupTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 2})
	t.Cleanup(bus.Close)
	return bus
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := setupTestBus(t)
	evt := schema.NewEvent(schema.EventToast, "", schema.ToastPayload{Level: "info", Message: "hello"})
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestPublishRejectsEmptyType(t *testing.T) {
	bus := setupTestBus(t)
	if err := bus.Publish(context.Background(), &schema.Event{}); err == nil {
		t.Fatal("expected error for empty event type")
	}
	if err := bus.Publish(context.Background(), nil); err != nil {
		t.Fatalf("nil event should be a no-op, got %v", err)
	}
}

func TestSubscribeReceivesMatchingTypesOnly(t *testing.T) {
	bus := setupTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, ch, err := bus.Subscribe(ctx, schema.EventSLPlaced, schema.EventTPPlaced)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(id)

	_ = bus.Publish(ctx, schema.NewEvent(schema.EventToast, "BTCUSDT", nil))
	_ = bus.Publish(ctx, schema.NewEvent(schema.EventSLPlaced, "BTCUSDT", nil))

	select {
	case got := <-ch:
		if got.Type != schema.EventSLPlaced {
			t.Errorf("received %q, want sl_placed", got.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	if len(ch) != 0 {
		t.Error("toast event leaked to protective-order subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := setupTestBus(t)
	id, ch, err := bus.Subscribe(context.Background(), schema.EventPositionUpdate)
	if err != nil {
		t.Fatal(err)
	}
	bus.Unsubscribe(id)

	select {
	case _, open := <-ch:
		if open {
			t.Error("channel delivered after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestFullBufferDropsOldest(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1})
	defer bus.Close()

	ctx := context.Background()
	id, ch, err := bus.Subscribe(ctx, schema.EventRateLimit)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Unsubscribe(id)

	first := schema.NewEvent(schema.EventRateLimit, "", schema.RateLimitPayload{Threshold: 0.70})
	second := schema.NewEvent(schema.EventRateLimit, "", schema.RateLimitPayload{Threshold: 0.85})
	if err := bus.Publish(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, second); err != nil {
		t.Fatalf("second publish should displace oldest, got %v", err)
	}

	got := <-ch
	payload, ok := got.Payload.(schema.RateLimitPayload)
	if !ok || payload.Threshold != 0.85 {
		t.Errorf("surviving event = %+v, want the newer advisory", got.Payload)
	}
}

func TestSubscriberContextCancelDetaches(t *testing.T) {
	bus := setupTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, schema.EventOrderFilled)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after subscriber context cancel")
		}
	}
}
