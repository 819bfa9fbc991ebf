package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestTelemetryBusDeliversToSubscribers(t *testing.T) {
	bus := NewInMemoryTelemetryBus(4)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	evt := TelemetryEvent{
		Type:     TelemetryEventQuotaThreshold,
		Severity: TelemetrySeverityWarn,
		Metadata: map[string]any{"threshold": 0.85},
	}
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != TelemetryEventQuotaThreshold {
			t.Errorf("Type = %q", got.Type)
		}
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not stamped")
		}
		got.Metadata["threshold"] = 0.99
		if evt.Metadata["threshold"] != 0.85 {
			t.Error("metadata not cloned per subscriber")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for telemetry event")
	}
}

func TestTelemetryBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewInMemoryTelemetryBus(1)
	defer bus.Close()

	ctx := context.Background()
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, TelemetryEvent{Type: TelemetryEventStreamReconnect}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	// Buffer holds one; the rest were dropped without error.
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestTextLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(&buf, LevelInfo)

	logger.Debug("hidden")
	logger.Info("entry placed", F("symbol", "BTCUSDT"), F("qty", 0.01))
	logger.Error("repair failed", F("attempt", 2))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line emitted at info level")
	}
	if !strings.Contains(out, "entry placed symbol=BTCUSDT qty=0.01") {
		t.Errorf("info line malformed: %q", out)
	}
	if !strings.Contains(out, "ERROR repair failed attempt=2") {
		t.Errorf("error line malformed: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != LevelDebug || ParseLevel("warn") != LevelWarn || ParseLevel("") != LevelInfo {
		t.Error("ParseLevel mapping incorrect")
	}
}

func TestGlobalSettersFallBackToNoop(t *testing.T) {
	SetLogger(nil)
	Log().Info("should not panic")
	SetMetrics(nil)
	Telemetry().IncCounter("noop", 1, nil)
}
