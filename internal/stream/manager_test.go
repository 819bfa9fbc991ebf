package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
)

type fakeConn struct {
	incoming chan []byte

	mu     sync.Mutex
	writes [][]byte
	pings  int

	pingErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeConn) Ping(context.Context) error {
	f.mu.Lock()
	f.pings++
	err := f.pingErr
	f.mu.Unlock()
	return err
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) controlFrames() []controlRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]controlRequest, 0, len(f.writes))
	for _, raw := range f.writes {
		var req controlRequest
		if err := json.Unmarshal(raw, &req); err == nil {
			out = append(out, req)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(idx int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx >= len(d.conns) {
		return nil
	}
	return d.conns[idx]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBackoffScheduleIsDeterministic(t *testing.T) {
	bo := newBackoff()
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, expect := range want {
		if got := bo.NextBackOff(); got != expect {
			t.Fatalf("backoff step %d = %v, want %v", i, got, expect)
		}
	}
	bo.Reset()
	if got := bo.NextBackOff(); got != time.Second {
		t.Errorf("after reset NextBackOff() = %v, want 1s", got)
	}
}

func TestDispatchPreservesArrivalOrder(t *testing.T) {
	dialer := new(fakeDialer)

	var mu sync.Mutex
	var symbols []string
	handler := func(msg *schema.StreamMessage) {
		if msg.Liquidation == nil {
			return
		}
		mu.Lock()
		symbols = append(symbols, msg.Liquidation.Symbol)
		mu.Unlock()
	}

	m := NewManager(context.Background(), Config{
		Name:   "market",
		Static: true,
		Dial:   dialer.dial,
	}, handler, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	conn := dialer.conn(0)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		conn.incoming <- []byte(`{"e":"forceOrder","E":1700000000123,"o":{"s":"` + sym + `","S":"SELL","q":"1","p":"100","X":"FILLED"}}`)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(symbols) == 3
	}, "frames not dispatched")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	for i := range want {
		if symbols[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", symbols, want)
		}
	}
}

func TestMalformedPayloadDroppedNotFatal(t *testing.T) {
	dialer := new(fakeDialer)
	telemetry := observability.NewInMemoryTelemetryBus(16)
	defer telemetry.Close()
	events, err := telemetry.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var received int
	m := NewManager(context.Background(), Config{
		Name:   "market",
		Static: true,
		Dial:   dialer.dial,
	}, func(*schema.StreamMessage) {
		mu.Lock()
		received++
		mu.Unlock()
	}, telemetry)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	conn := dialer.conn(0)
	conn.incoming <- []byte(`{"e":"mysteryEvent","E":1}`)
	conn.incoming <- []byte(`{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"50000"}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	}, "valid frame after malformed one was not dispatched")

	select {
	case evt := <-events:
		if evt.Type != observability.TelemetryEventPayloadDropped {
			t.Errorf("telemetry type = %q, want stream.payload_dropped", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no payload_dropped telemetry")
	}
	if got := m.Status().State; got != StateOpen {
		t.Errorf("state after malformed frame = %q, want open", got)
	}
}

func TestSubscribeSendsControlFrameWhenConnected(t *testing.T) {
	dialer := new(fakeDialer)
	m := NewManager(context.Background(), Config{
		Name:   "market",
		Static: true,
		Dial:   dialer.dial,
	}, nil, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.Subscribe("btcusdt@forceOrder", "btcusdt@markPrice"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := m.Subscribe("btcusdt@forceOrder"); err != nil {
		t.Fatalf("duplicate Subscribe() error = %v", err)
	}

	conn := dialer.conn(0)
	frames := conn.controlFrames()
	if len(frames) != 1 {
		t.Fatalf("control frames = %d, want 1 (duplicates suppressed)", len(frames))
	}
	if frames[0].Method != "SUBSCRIBE" || len(frames[0].Params) != 2 {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestLastTopicRemovalClosesConnection(t *testing.T) {
	dialer := new(fakeDialer)
	m := NewManager(context.Background(), Config{
		Name: "market",
		Dial: dialer.dial,
	}, nil, nil)

	if err := m.Subscribe("btcusdt@forceOrder"); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, func() bool { return m.Status().State == StateOpen }, "never connected")

	if err := m.Unsubscribe("btcusdt@forceOrder"); err != nil {
		t.Fatal(err)
	}
	conn := dialer.conn(0)
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after last topic removed")
	}
	waitFor(t, func() bool { return m.Status().State == StateClosed }, "manager did not idle")
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, idle manager must not redial", dialer.dialCount())
	}
}

func TestStaleConnectionForceClosedAndRedialed(t *testing.T) {
	dialer := new(fakeDialer)
	telemetry := observability.NewInMemoryTelemetryBus(16)
	defer telemetry.Close()
	events, err := telemetry.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	clock := struct {
		mu  sync.Mutex
		now time.Time
	}{now: time.Now()}
	now := func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.now
	}

	m := NewManager(context.Background(), Config{
		Name:              "market",
		Static:            true,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        50 * time.Millisecond,
		Dial:              dialer.dial,
		Clock:             now,
	}, nil, telemetry)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	// Push the clock past the stale window with no traffic.
	clock.mu.Lock()
	clock.now = clock.now.Add(time.Minute)
	clock.mu.Unlock()

	conn := dialer.conn(0)
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stale connection not force-closed")
	}

	foundStale := false
	deadline := time.After(2 * time.Second)
	for !foundStale {
		select {
		case evt := <-events:
			if evt.Type == observability.TelemetryEventStreamStale {
				foundStale = true
			}
		case <-deadline:
			t.Fatal("no stream.stale telemetry")
		}
	}
}

func TestAttemptCounterResetsAfterValidation(t *testing.T) {
	dialer := new(fakeDialer)
	m := NewManager(context.Background(), Config{
		Name:              "market",
		Static:            true,
		HeartbeatInterval: 20 * time.Millisecond,
		Dial:              dialer.dial,
	}, nil, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if got := m.Status().Attempts; got < 1 {
		t.Fatalf("attempts after dial = %d, want >= 1", got)
	}
	// The first successful heartbeat ping validates the connection and zeroes
	// the counter.
	waitFor(t, func() bool { return m.Status().Attempts == 0 }, "attempt counter not reset after validation")
	if got := m.Status().State; got != StateOpen {
		t.Errorf("state = %q, want open", got)
	}
}

func TestUnsubscribeCloseNotReportedAsReconnect(t *testing.T) {
	dialer := new(fakeDialer)
	telemetry := observability.NewInMemoryTelemetryBus(16)
	defer telemetry.Close()
	events, err := telemetry.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(context.Background(), Config{
		Name: "market",
		Dial: dialer.dial,
	}, nil, telemetry)
	if err := m.Subscribe("btcusdt@forceOrder"); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	waitFor(t, func() bool { return m.Status().State == StateOpen }, "never connected")

	if err := m.Unsubscribe("btcusdt@forceOrder"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Status().State == StateClosed }, "manager did not idle")

	select {
	case evt := <-events:
		if evt.Type == observability.TelemetryEventStreamReconnect {
			t.Fatal("deliberate close reported as a reconnect")
		}
	case <-time.After(200 * time.Millisecond):
	}

	// A fresh subscribe redials immediately; a backoff sleep in the close
	// path would delay it by at least a second.
	started := time.Now()
	if err := m.Subscribe("ethusdt@forceOrder"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return dialer.dialCount() == 2 }, "no redial after resubscribe")
	if elapsed := time.Since(started); elapsed > 700*time.Millisecond {
		t.Errorf("redial took %v, want immediate", elapsed)
	}
}

func TestReconnectResubscribesTopics(t *testing.T) {
	dialer := new(fakeDialer)
	m := NewManager(context.Background(), Config{
		Name: "market",
		Dial: dialer.dial,
	}, nil, nil)
	if err := m.Subscribe("ethusdt@forceOrder"); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, func() bool { return dialer.conn(0) != nil }, "never dialed")
	first := dialer.conn(0)
	waitFor(t, func() bool { return len(first.controlFrames()) == 1 }, "initial subscribe missing")

	// Drop the connection; the manager redials after backoff and replays the
	// topic set.
	_ = first.Close(websocket.StatusAbnormalClosure, "test drop")

	waitFor(t, func() bool { return dialer.dialCount() >= 2 }, "no redial after drop")
	second := dialer.conn(1)
	waitFor(t, func() bool {
		frames := second.controlFrames()
		return len(frames) == 1 && frames[0].Method == "SUBSCRIBE" &&
			len(frames[0].Params) == 1 && frames[0].Params[0] == "ethusdt@forceOrder"
	}, "topics not replayed on reconnect")
}
