package journal

import (
	"context"
	"sync"
	"time"

	"github.com/cascadefi/liqhunter/internal/bus/eventbus"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
)

const insertTimeout = 5 * time.Second

// journaledTypes is the default set of outbound events worth keeping. Toasts
// and rate-limit advisories are operator chatter, not trade history.
var journaledTypes = []schema.EventType{
	schema.EventLiquidation,
	schema.EventPositionUpdate,
	schema.EventOrderFilled,
	schema.EventSLPlaced,
	schema.EventTPPlaced,
	schema.EventOrderCancelled,
	schema.EventError,
}

// EventSink persists a single outbound event.
type EventSink interface {
	Insert(ctx context.Context, evt *schema.Event) (int64, error)
}

// Writer subscribes to the outbound bus and journals selected event types.
type Writer struct {
	bus   eventbus.Bus
	sink  EventSink
	types []schema.EventType

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subID  eventbus.SubscriptionID
}

// NewWriter constructs a Writer. An empty types list journals the default
// trade-history set.
func NewWriter(bus eventbus.Bus, sink EventSink, types ...schema.EventType) *Writer {
	if len(types) == 0 {
		types = journaledTypes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{bus: bus, sink: sink, types: types, ctx: ctx, cancel: cancel}
}

// Start subscribes to the bus and begins journaling.
func (w *Writer) Start() error {
	id, events, err := w.bus.Subscribe(w.ctx, w.types...)
	if err != nil {
		return err
	}
	w.subID = id
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consume(events)
	}()
	return nil
}

// Stop unsubscribes and waits for the in-flight insert to finish.
func (w *Writer) Stop() {
	w.cancel()
	w.bus.Unsubscribe(w.subID)
	w.wg.Wait()
}

func (w *Writer) consume(events <-chan *schema.Event) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			w.persist(evt)
		}
	}
}

func (w *Writer) persist(evt *schema.Event) {
	ctx, cancel := context.WithTimeout(w.ctx, insertTimeout)
	defer cancel()
	if _, err := w.sink.Insert(ctx, evt); err != nil {
		observability.Telemetry().IncCounter("journal.insert_failed", 1,
			map[string]string{"event_type": string(evt.Type)})
		observability.Log().Warn("journal insert failed",
			observability.F("event_type", string(evt.Type)),
			observability.F("symbol", evt.Symbol),
			observability.F("error", err.Error()))
		return
	}
	observability.Telemetry().IncCounter("journal.inserted", 1,
		map[string]string{"event_type": string(evt.Type)})
}
