// Package stream maintains the engine's websocket connections to the
// exchange: the combined market stream and the user-data stream. It owns
// reconnection, heartbeat supervision, and live topic subscriptions, and
// hands decoded frames to a single handler in arrival order.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
)

const (
	// The exchange limits control frames (SUBSCRIBE/UNSUBSCRIBE) to 5 per
	// second per connection.
	controlMessageInterval = 250 * time.Millisecond
	maxTopicsPerRequest    = 100
)

// State names one phase of a connection's lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Status is an immutable snapshot of the connection. Transitions replace the
// whole snapshot; readers never observe a half-updated one.
type Status struct {
	State         State
	Attempts      int
	ConnectedAt   time.Time
	LastMessageAt time.Time
}

// Handler receives every decoded frame, in arrival order.
type Handler func(msg *schema.StreamMessage)

// Config describes one managed connection.
type Config struct {
	// Name tags telemetry and logs ("market", "userdata").
	Name string
	URL  string
	// Static connections stay up without topic subscriptions (user-data
	// stream). Non-static connections idle while no topics are registered.
	Static bool
	// HeartbeatInterval is the ping cadence; default 30s.
	HeartbeatInterval time.Duration
	// StaleAfter force-closes a connection with no traffic; default 60s.
	StaleAfter time.Duration
	Dial       Dialer
	Clock      func() time.Time
}

func (c Config) normalize() Config {
	if c.Name == "" {
		c.Name = "stream"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.Dial == nil {
		c.Dial = DialWebSocket
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Manager supervises a single websocket connection.
type Manager struct {
	cfg       Config
	handler   Handler
	telemetry observability.TelemetryBus

	ctx    context.Context
	cancel context.CancelFunc

	conn   Conn
	connMu sync.RWMutex

	topics  map[string]struct{}
	topicMu sync.Mutex
	wake    chan struct{}

	status      atomic.Pointer[Status]
	lastMsgNano atomic.Int64
	attempts    atomic.Int64

	msgID atomic.Uint64

	controlMu       sync.Mutex
	lastControlSend time.Time

	ready     chan struct{}
	readyOnce sync.Once

	done chan struct{}
}

// NewManager constructs a connection manager. The handler is invoked from the
// read loop goroutine, so a slow handler delays subsequent frames.
func NewManager(ctx context.Context, cfg Config, handler Handler, telemetry observability.TelemetryBus) *Manager {
	cfg = cfg.normalize()
	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:       cfg,
		handler:   handler,
		telemetry: telemetry,
		ctx:       mctx,
		cancel:    cancel,
		topics:    make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.setStatus(StateClosed)
	return m
}

// Start launches the connection loop. For static connections and connections
// with registered topics it blocks until the first successful dial.
func (m *Manager) Start() error {
	go m.run()

	if !m.cfg.Static && !m.hasTopics() {
		return nil
	}
	select {
	case <-m.ready:
		return nil
	case <-time.After(15 * time.Second):
		return errs.New("stream/start", errs.CodeNetwork,
			errs.WithMessage("timeout waiting for initial connection"))
	case <-m.ctx.Done():
		return errs.New("stream/start", errs.CodeUnavailable, errs.WithCause(m.ctx.Err()))
	}
}

// Stop tears the connection down and ends the loop.
func (m *Manager) Stop() {
	m.setStatus(StateClosing)
	m.cancel()
	m.closeConn(websocket.StatusNormalClosure, "shutdown")
	<-m.done
	m.setStatus(StateClosed)
}

// Status returns the current connection snapshot.
func (m *Manager) Status() Status {
	s := m.status.Load()
	if s == nil {
		return Status{State: StateClosed}
	}
	return *s
}

// Subscribe registers topics and sends SUBSCRIBE frames if connected. An
// idle non-static connection wakes and dials.
func (m *Manager) Subscribe(topics ...string) error {
	fresh := m.addTopics(topics)
	if len(fresh) == 0 {
		return nil
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	if m.currentConn() == nil {
		// The connect path resubscribes everything once the dial lands.
		return nil
	}
	return m.sendControl("SUBSCRIBE", fresh)
}

// Unsubscribe removes topics and sends UNSUBSCRIBE frames. Removing the last
// topic of a non-static connection closes it.
func (m *Manager) Unsubscribe(topics ...string) error {
	removed, remaining := m.removeTopics(topics)
	if len(removed) == 0 {
		return nil
	}
	if remaining == 0 && !m.cfg.Static {
		m.closeConn(websocket.StatusNormalClosure, "no topics")
		return nil
	}
	if m.currentConn() == nil {
		return nil
	}
	return m.sendControl("UNSUBSCRIBE", removed)
}

// Topics returns the registered topic set.
func (m *Manager) Topics() []string {
	m.topicMu.Lock()
	defer m.topicMu.Unlock()
	out := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		out = append(out, topic)
	}
	return out
}

func (m *Manager) addTopics(topics []string) []string {
	m.topicMu.Lock()
	defer m.topicMu.Unlock()
	fresh := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if _, ok := m.topics[topic]; !ok {
			m.topics[topic] = struct{}{}
			fresh = append(fresh, topic)
		}
	}
	return fresh
}

func (m *Manager) removeTopics(topics []string) ([]string, int) {
	m.topicMu.Lock()
	defer m.topicMu.Unlock()
	removed := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := m.topics[topic]; ok {
			delete(m.topics, topic)
			removed = append(removed, topic)
		}
	}
	return removed, len(m.topics)
}

func (m *Manager) hasTopics() bool {
	m.topicMu.Lock()
	defer m.topicMu.Unlock()
	return len(m.topics) > 0
}

// newBackoff builds the deterministic reconnect schedule: 1s, 2s, 4s, ...
// capped at 30s, no jitter.
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.Reset()
	return b
}

func (m *Manager) run() {
	defer close(m.done)
	bo := newBackoff()

	for {
		if m.ctx.Err() != nil {
			return
		}
		if !m.cfg.Static && !m.hasTopics() {
			m.setStatus(StateClosed)
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}

		m.setStatus(StateConnecting)
		m.attempts.Add(1)
		conn, err := m.cfg.Dial(m.ctx, m.cfg.URL)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.reportReconnect(err)
			if !m.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}

		m.setConn(conn)
		m.lastMsgNano.Store(m.cfg.Clock().UnixNano())
		m.setStatus(StateOpen)
		m.readyOnce.Do(func() { close(m.ready) })

		// The schedule and attempt counter reset only once the connection
		// proves healthy; a connect that drops before the first heartbeat
		// keeps escalating.
		var validated sync.Once
		hbCtx, hbCancel := context.WithCancel(m.ctx)
		go m.heartbeat(hbCtx, conn, func() {
			validated.Do(func() {
				bo.Reset()
				m.attempts.Store(0)
				m.setStatus(StateOpen)
			})
		})

		if err := m.resubscribe(conn); err != nil {
			observability.Log().Warn("stream resubscribe failed",
				observability.F("stream", m.cfg.Name),
				observability.F("error", err.Error()))
		}

		readErr := m.readLoop(conn)
		hbCancel()
		m.setConn(nil)

		if m.ctx.Err() != nil {
			return
		}
		if !m.cfg.Static && !m.hasTopics() {
			// The last unsubscribe closed the connection deliberately; idle
			// right away instead of reporting a reconnect and backing off.
			continue
		}
		m.reportReconnect(readErr)
		if !m.sleep(bo.NextBackOff()) {
			return
		}
	}
}

func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// heartbeat pings on a fixed cadence and force-closes the connection when no
// traffic arrives within the stale window. The first successful ping marks
// the connection healthy.
func (m *Manager) heartbeat(ctx context.Context, conn Conn, healthy func()) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := time.Unix(0, m.lastMsgNano.Load())
		if m.cfg.Clock().Sub(last) > m.cfg.StaleAfter {
			m.publishTelemetry(observability.TelemetryEventStreamStale, observability.TelemetrySeverityWarn, map[string]any{
				"stream":       m.cfg.Name,
				"last_message": last,
			})
			_ = conn.Close(websocket.StatusPolicyViolation, "stale connection")
			return
		}

		if err := conn.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = conn.Close(websocket.StatusPolicyViolation, "ping failed")
			return
		}
		healthy()
	}
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *controlError    `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (m *Manager) resubscribe(conn Conn) error {
	topics := m.Topics()
	if len(topics) == 0 {
		return nil
	}
	return m.writeControl(conn, "SUBSCRIBE", topics)
}

func (m *Manager) sendControl(method string, topics []string) error {
	conn := m.currentConn()
	if conn == nil {
		return errs.New("stream/control", errs.CodeNetwork, errs.WithMessage("not connected"))
	}
	return m.writeControl(conn, method, topics)
}

func (m *Manager) writeControl(conn Conn, method string, topics []string) error {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()

	for _, chunk := range chunkTopics(topics, maxTopicsPerRequest) {
		if err := m.paceControlLocked(); err != nil {
			return err
		}
		req := controlRequest{
			Method: method,
			Params: chunk,
			ID:     m.msgID.Add(1),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return errs.New("stream/control", errs.CodeInvalid, errs.WithCause(err))
		}
		if err := conn.Write(m.ctx, data); err != nil {
			return errs.New("stream/control", errs.CodeNetwork,
				errs.WithMessage("write "+method), errs.WithCause(err))
		}
		m.lastControlSend = time.Now()
	}
	return nil
}

func (m *Manager) paceControlLocked() error {
	if m.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(m.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-m.ctx.Done():
		return errs.New("stream/control", errs.CodeUnavailable, errs.WithCause(m.ctx.Err()))
	}
}

func chunkTopics(topics []string, size int) [][]string {
	if len(topics) == 0 {
		return nil
	}
	if size <= 0 || len(topics) <= size {
		snapshot := make([]string, len(topics))
		copy(snapshot, topics)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(topics)+size-1)/size)
	for start := 0; start < len(topics); start += size {
		end := min(start+size, len(topics))
		chunk := make([]string, end-start)
		copy(chunk, topics[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// readLoop reads frames until the connection fails. Frames dispatch to the
// handler synchronously so downstream consumers observe arrival order.
func (m *Manager) readLoop(conn Conn) error {
	for {
		data, err := conn.Read(m.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
		m.lastMsgNano.Store(m.cfg.Clock().UnixNano())
		m.setStatus(StateOpen)

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				observability.Log().Warn("stream control rejected",
					observability.F("stream", m.cfg.Name),
					observability.F("code", resp.Error.Code),
					observability.F("msg", resp.Error.Msg))
			}
			continue
		}

		msg, err := schema.DecodeStream(data)
		if err != nil {
			m.publishTelemetry(observability.TelemetryEventPayloadDropped, observability.TelemetrySeverityWarn, map[string]any{
				"stream": m.cfg.Name,
				"error":  err.Error(),
			})
			observability.Telemetry().IncCounter("stream.payload.dropped", 1,
				map[string]string{"stream": m.cfg.Name})
			continue
		}
		if m.handler != nil {
			m.handler(&msg)
		}
	}
}

func (m *Manager) setConn(conn Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

func (m *Manager) currentConn() Conn {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn
}

func (m *Manager) closeConn(code websocket.StatusCode, reason string) {
	m.connMu.Lock()
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

func (m *Manager) setStatus(state State) {
	last := time.Unix(0, m.lastMsgNano.Load())
	if m.lastMsgNano.Load() == 0 {
		last = time.Time{}
	}
	s := &Status{
		State:         state,
		Attempts:      int(m.attempts.Load()),
		LastMessageAt: last,
	}
	if state == StateOpen {
		s.ConnectedAt = m.cfg.Clock()
		if prev := m.status.Load(); prev != nil && prev.State == StateOpen {
			s.ConnectedAt = prev.ConnectedAt
		}
	}
	m.status.Store(s)
}

func (m *Manager) reportReconnect(cause error) {
	meta := map[string]any{"stream": m.cfg.Name, "attempts": m.attempts.Load()}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	m.publishTelemetry(observability.TelemetryEventStreamReconnect, observability.TelemetrySeverityWarn, meta)
	observability.Telemetry().IncCounter("stream.reconnects", 1,
		map[string]string{"stream": m.cfg.Name})
}

func (m *Manager) publishTelemetry(typ observability.TelemetryEventType, sev observability.TelemetrySeverity, meta map[string]any) {
	if m.telemetry == nil {
		return
	}
	_ = m.telemetry.Publish(context.Background(), observability.TelemetryEvent{
		Type:      typ,
		Severity:  sev,
		Timestamp: m.cfg.Clock(),
		Metadata:  meta,
	})
}
