package exchange

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/admission"
	"github.com/cascadefi/liqhunter/internal/schema"
)

func setupPaper(t *testing.T) (*PaperClient, *[]schema.OrderRecord, *sync.Mutex) {
	t.Helper()
	paper := NewPaperClient(schema.ModeOneWay, nil, nil)
	var mu sync.Mutex
	updates := new([]schema.OrderRecord)
	paper.OnOrderUpdate(func(rec schema.OrderRecord) {
		mu.Lock()
		*updates = append(*updates, rec)
		mu.Unlock()
	})
	return paper, updates, &mu
}

func TestPaperMarketOrderFillsAtMark(t *testing.T) {
	paper, updates, mu := setupPaper(t)
	paper.SetMark("BTCUSDT", decimal.NewFromInt(50000))

	rec, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     schema.SideBuy,
		Kind:     schema.OrderKindMarket,
		Quantity: decimal.RequireFromString("0.01"),
	}, admission.PriorityHigh)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if rec.Status != schema.OrderStatusFilled || !rec.AvgPrice.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("record = %+v", rec)
	}

	positions, _ := paper.Positions(context.Background(), admission.PriorityMedium)
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("positions = %+v", positions)
	}
	if !positions[0].EntryPrice.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("entry = %s", positions[0].EntryPrice)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*updates) != 1 || (*updates)[0].Status != schema.OrderStatusFilled {
		t.Errorf("updates = %+v", *updates)
	}
}

func TestPaperMarketOrderWithoutMarkRejected(t *testing.T) {
	paper, _, _ := setupPaper(t)
	_, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:   "NOMARK",
		Side:     schema.SideBuy,
		Kind:     schema.OrderKindMarket,
		Quantity: decimal.NewFromInt(1),
	}, admission.PriorityHigh)
	if !errs.IsRejection(err) {
		t.Fatalf("error = %v, want exchange_rejected", err)
	}
}

func TestPaperStopTriggersOnAdverseMark(t *testing.T) {
	paper, updates, mu := setupPaper(t)
	paper.SetMark("BTCUSDT", decimal.NewFromInt(50000))

	// Open a long, then protect it with a sell stop below.
	if _, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     schema.SideBuy,
		Kind:     schema.OrderKindMarket,
		Quantity: decimal.RequireFromString("0.01"),
	}, admission.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	stop, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       schema.SideSell,
		Kind:       schema.OrderKindStop,
		Quantity:   decimal.RequireFromString("0.01"),
		StopPrice:  decimal.NewFromInt(49000),
		ReduceOnly: true,
	}, admission.PriorityCritical)
	if err != nil {
		t.Fatal(err)
	}
	if stop.Status != schema.OrderStatusNew {
		t.Fatalf("stop should rest, got %s", stop.Status)
	}

	paper.SetMark("BTCUSDT", decimal.NewFromInt(49500))
	open, _ := paper.OpenOrders(context.Background(), "BTCUSDT", admission.PriorityMedium)
	if len(open) != 1 {
		t.Fatal("stop fired early")
	}

	paper.SetMark("BTCUSDT", decimal.NewFromInt(48900))
	open, _ = paper.OpenOrders(context.Background(), "BTCUSDT", admission.PriorityMedium)
	if len(open) != 0 {
		t.Fatal("stop did not fire through trigger price")
	}
	positions, _ := paper.Positions(context.Background(), admission.PriorityMedium)
	if len(positions) != 0 {
		t.Errorf("position should be closed, got %+v", positions)
	}

	mu.Lock()
	defer mu.Unlock()
	last := (*updates)[len(*updates)-1]
	if last.Kind != schema.OrderKindStop || last.Status != schema.OrderStatusFilled {
		t.Errorf("last update = %+v", last)
	}
}

func TestPaperReduceOnlyNeverFlips(t *testing.T) {
	paper, _, _ := setupPaper(t)
	paper.SetMark("ETHUSDT", decimal.NewFromInt(2500))

	if _, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:   "ETHUSDT",
		Side:     schema.SideBuy,
		Kind:     schema.OrderKindMarket,
		Quantity: decimal.RequireFromString("0.5"),
	}, admission.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	// Reduce-only sell larger than the position must clamp, not flip short.
	if _, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:     "ETHUSDT",
		Side:       schema.SideSell,
		Kind:       schema.OrderKindMarket,
		Quantity:   decimal.RequireFromString("2.0"),
		ReduceOnly: true,
	}, admission.PriorityHigh); err != nil {
		t.Fatal(err)
	}

	positions, _ := paper.Positions(context.Background(), admission.PriorityMedium)
	if len(positions) != 0 {
		t.Errorf("positions = %+v, want flat", positions)
	}
}

func TestPaperCancelRemovesRestingOrder(t *testing.T) {
	paper, _, _ := setupPaper(t)
	paper.SetMark("BTCUSDT", decimal.NewFromInt(50000))

	rec, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     schema.SideBuy,
		Kind:     schema.OrderKindLimit,
		Quantity: decimal.RequireFromString("0.01"),
		Price:    decimal.NewFromInt(49000),
	}, admission.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	if err := paper.CancelOrder(context.Background(), "BTCUSDT", rec.OrderID, admission.PriorityMedium); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if err := paper.CancelOrder(context.Background(), "BTCUSDT", rec.OrderID, admission.PriorityMedium); !errs.IsRejection(err) {
		t.Errorf("double cancel = %v, want exchange_rejected", err)
	}
	open, _ := paper.OpenOrders(context.Background(), "BTCUSDT", admission.PriorityMedium)
	if len(open) != 0 {
		t.Errorf("open orders = %+v", open)
	}
}

func TestPaperHedgeModeTracksLegs(t *testing.T) {
	paper := NewPaperClient(schema.ModeHedge, nil, nil)
	paper.SetMark("BTCUSDT", decimal.NewFromInt(50000))

	if _, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         schema.SideBuy,
		PositionSide: schema.PositionSideLong,
		Kind:         schema.OrderKindMarket,
		Quantity:     decimal.RequireFromString("0.01"),
	}, admission.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if _, err := paper.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         schema.SideSell,
		PositionSide: schema.PositionSideShort,
		Kind:         schema.OrderKindMarket,
		Quantity:     decimal.RequireFromString("0.02"),
	}, admission.PriorityHigh); err != nil {
		t.Fatal(err)
	}

	positions, _ := paper.Positions(context.Background(), admission.PriorityMedium)
	if len(positions) != 2 {
		t.Fatalf("positions = %+v, want both legs", positions)
	}
	for _, pos := range positions {
		if pos.Quantity.Sign() <= 0 {
			t.Errorf("hedge leg quantity must be positive: %+v", pos)
		}
	}
}
