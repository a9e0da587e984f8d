package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func barOf(open, high, low, close string) types.Bar {
	return types.Bar{
		StartTime: time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC),
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    1000,
	}
}

func placePaper(t *testing.T, p *Paper, token, side, orderType string, qty int64, price decimal.Decimal) string {
	t.Helper()
	resp, err := p.PlaceOrder(context.Background(), OrderRequest{
		ExchangeSegment: "nse_cm",
		TradingSymbol:   token + "-EQ",
		InstrumentToken: token,
		TransactionType: side,
		Quantity:        qty,
		Price:           price,
		OrderType:       orderType,
		Product:         "MIS",
		Validity:        "DAY",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !resp.Accepted() {
		t.Fatalf("place rejected: %s", resp.ErrMsg)
	}
	return resp.OrderNo
}

func TestPaperMarketOrderFillsAtBarOpen(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))
	var updates []types.OrderUpdate
	p.SetFillHandler(func(u types.OrderUpdate) { updates = append(updates, u) })

	id := placePaper(t, p, "11536", "B", "MKT", 10, decimal.Zero)
	p.ProcessBar("11536", barOf("100.50", "101.00", "100.10", "100.80"))

	if len(updates) != 1 {
		t.Fatalf("fills = %d, want 1", len(updates))
	}
	if updates[0].ExchangeID != id {
		t.Errorf("fill order id = %s, want %s", updates[0].ExchangeID, id)
	}
	if updates[0].Status != "COMPLETE" {
		t.Errorf("fill status = %s", updates[0].Status)
	}
	if !updates[0].AvgPrice.Equal(d("100.50")) {
		t.Errorf("fill price = %s, want bar open 100.50", updates[0].AvgPrice)
	}

	rows, _ := p.Positions(context.Background())
	if len(rows) != 1 || rows[0].NetQty != 10 {
		t.Fatalf("positions = %+v, want one row of 10", rows)
	}
	if !rows[0].AvgPrice.Equal(d("100.50")) {
		t.Errorf("avg entry = %s, want 100.50", rows[0].AvgPrice)
	}
}

// A resting limit buy fills only when the bar trades through it, at the
// better of limit and open.
func TestPaperLimitBuyFillRule(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))
	placePaper(t, p, "11536", "B", "L", 10, d("99.00"))

	// Bar never reaches the limit: order stays open.
	p.ProcessBar("11536", barOf("100.00", "100.60", "99.50", "100.20"))
	if rows, _ := p.Positions(context.Background()); len(rows) != 0 {
		t.Fatalf("no fill expected, got positions %+v", rows)
	}

	// Bar trades through 99.00: fill at the limit, not the lower print.
	p.ProcessBar("11536", barOf("99.40", "99.60", "98.80", "99.10"))
	rows, _ := p.Positions(context.Background())
	if len(rows) != 1 || rows[0].NetQty != 10 {
		t.Fatalf("positions = %+v, want one row of 10", rows)
	}
	if !rows[0].AvgPrice.Equal(d("99.00")) {
		t.Errorf("fill price = %s, want limit 99.00", rows[0].AvgPrice)
	}

	// Gap-down open below the limit fills at the open (price improvement).
	placePaper(t, p, "22222", "B", "L", 5, d("200.00"))
	p.ProcessBar("22222", barOf("198.00", "199.00", "197.50", "198.50"))
	rows, _ = p.Positions(context.Background())
	for _, row := range rows {
		if row.Token == "22222" && !row.AvgPrice.Equal(d("198.00")) {
			t.Errorf("gap fill price = %s, want open 198.00", row.AvgPrice)
		}
	}
}

func TestPaperLimitSellFillRule(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))
	placePaper(t, p, "11536", "S", "L", 10, d("105.00"))

	p.ProcessBar("11536", barOf("103.00", "104.00", "102.50", "103.50"))
	if rows, _ := p.Positions(context.Background()); len(rows) != 0 {
		t.Fatalf("no fill expected, got positions %+v", rows)
	}

	// High crosses the limit: fill at max(limit, open).
	p.ProcessBar("11536", barOf("103.80", "106.00", "103.50", "105.20"))
	rows, _ := p.Positions(context.Background())
	if len(rows) != 1 || rows[0].NetQty != -10 {
		t.Fatalf("positions = %+v, want one short row of 10", rows)
	}
	if !rows[0].AvgPrice.Equal(d("105.00")) {
		t.Errorf("fill price = %s, want limit 105.00", rows[0].AvgPrice)
	}
}

func TestPaperScaleInWeightedAverage(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))

	placePaper(t, p, "11536", "B", "MKT", 10, decimal.Zero)
	p.ProcessBar("11536", barOf("100.00", "100.50", "99.80", "100.20"))
	placePaper(t, p, "11536", "B", "MKT", 10, decimal.Zero)
	p.ProcessBar("11536", barOf("110.00", "110.50", "109.50", "110.10"))

	rows, _ := p.Positions(context.Background())
	if len(rows) != 1 || rows[0].NetQty != 20 {
		t.Fatalf("positions = %+v, want 20 long", rows)
	}
	if !rows[0].AvgPrice.Equal(d("105.00")) {
		t.Errorf("weighted avg = %s, want 105.00", rows[0].AvgPrice)
	}
}

func TestPaperRealizedPnlOnClose(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))

	placePaper(t, p, "11536", "B", "MKT", 10, decimal.Zero)
	p.ProcessBar("11536", barOf("100.00", "100.50", "99.80", "100.20"))
	placePaper(t, p, "11536", "S", "MKT", 10, decimal.Zero)
	p.ProcessBar("11536", barOf("105.00", "105.50", "104.50", "105.10"))

	rows, _ := p.Positions(context.Background())
	if len(rows) != 1 {
		t.Fatalf("flat row should survive for PnL reporting, got %+v", rows)
	}
	if rows[0].NetQty != 0 {
		t.Errorf("net qty = %d, want 0", rows[0].NetQty)
	}
	if !rows[0].RealizedPnl.Equal(d("50.00")) {
		t.Errorf("realized = %s, want 50.00", rows[0].RealizedPnl)
	}

	limits, _ := p.Limits(context.Background())
	if !limits.Equal(d("100050.00")) {
		t.Errorf("limits = %s, want 100050.00", limits)
	}

	fills := p.Fills()
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if !fills[1].RealizedPnl.Equal(d("50.00")) {
		t.Errorf("closing fill realized = %s, want 50.00", fills[1].RealizedPnl)
	}
}

// Selling more than the held quantity closes the position and flips the
// remainder short at the fill price.
func TestPaperFlipThroughFlat(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))

	placePaper(t, p, "11536", "B", "MKT", 10, decimal.Zero)
	p.ProcessBar("11536", barOf("100.00", "100.50", "99.80", "100.20"))
	placePaper(t, p, "11536", "S", "MKT", 15, decimal.Zero)
	p.ProcessBar("11536", barOf("110.00", "110.50", "109.50", "110.10"))

	rows, _ := p.Positions(context.Background())
	if len(rows) != 1 || rows[0].NetQty != -5 {
		t.Fatalf("positions = %+v, want 5 short", rows)
	}
	// Only the held 10 close against the old entry.
	if !rows[0].RealizedPnl.Equal(d("100.00")) {
		t.Errorf("realized = %s, want 100.00", rows[0].RealizedPnl)
	}
	if !rows[0].AvgPrice.Equal(d("110.00")) {
		t.Errorf("flipped avg entry = %s, want fill price 110.00", rows[0].AvgPrice)
	}
}

func TestPaperCancelLifecycle(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))
	id := placePaper(t, p, "11536", "B", "L", 10, d("99.00"))

	resp, _ := p.CancelOrder(context.Background(), id)
	if !resp.Accepted() {
		t.Fatalf("cancel rejected: %s", resp.ErrMsg)
	}
	resp, _ = p.CancelOrder(context.Background(), id)
	if resp.Accepted() {
		t.Error("second cancel should fail, order no longer OPEN")
	}
	resp, _ = p.CancelOrder(context.Background(), "does-not-exist")
	if resp.Accepted() || resp.StCode != 404 {
		t.Errorf("unknown order cancel = %+v, want 404", resp)
	}

	// A cancelled order never fills.
	p.ProcessBar("11536", barOf("98.00", "99.50", "97.80", "98.20"))
	if rows, _ := p.Positions(context.Background()); len(rows) != 0 {
		t.Errorf("cancelled order filled: %+v", rows)
	}
}

// Modify re-states the order terms; the fill engine sees them on the next
// bar, exactly as a repriced order at the exchange would.
func TestPaperModifyLifecycle(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))
	id := placePaper(t, p, "11536", "B", "L", 10, d("99.00"))

	// Out of reach at the original limit.
	p.ProcessBar("11536", barOf("100.40", "100.60", "99.80", "100.10"))
	if rows, _ := p.Positions(context.Background()); len(rows) != 0 {
		t.Fatalf("no fill expected at 99.00, got %+v", rows)
	}

	resp, err := p.ModifyOrder(context.Background(), id, OrderRequest{
		InstrumentToken: "11536",
		TransactionType: "B",
		OrderType:       "L",
		Quantity:        15,
		Price:           d("100.00"),
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if !resp.Accepted() {
		t.Fatalf("modify rejected: %s", resp.ErrMsg)
	}

	// Same bar shape now trades through the new limit.
	p.ProcessBar("11536", barOf("100.40", "100.60", "99.80", "100.10"))
	rows, _ := p.Positions(context.Background())
	if len(rows) != 1 || rows[0].NetQty != 15 {
		t.Fatalf("positions = %+v, want 15 long", rows)
	}
	if !rows[0].AvgPrice.Equal(d("100.00")) {
		t.Errorf("fill price = %s, want new limit 100.00", rows[0].AvgPrice)
	}

	// Terms are frozen once the order trades.
	resp, _ = p.ModifyOrder(context.Background(), id, OrderRequest{Quantity: 20, Price: d("101.00")})
	if resp.Accepted() {
		t.Error("modify after fill should fail, order no longer OPEN")
	}
	resp, _ = p.ModifyOrder(context.Background(), "does-not-exist", OrderRequest{Quantity: 1})
	if resp.Accepted() || resp.StCode != 404 {
		t.Errorf("unknown order modify = %+v, want 404", resp)
	}
}

func TestPaperRejectsInvalidOrders(t *testing.T) {
	t.Parallel()

	p := NewPaper(decimal.NewFromInt(100000))
	bad := []OrderRequest{
		{InstrumentToken: "", TransactionType: "B", OrderType: "MKT", Quantity: 10},
		{InstrumentToken: "11536", TransactionType: "B", OrderType: "MKT", Quantity: 0},
		{InstrumentToken: "11536", TransactionType: "X", OrderType: "MKT", Quantity: 10},
		{InstrumentToken: "11536", TransactionType: "B", OrderType: "SL-M", Quantity: 10},
	}
	for i, req := range bad {
		resp, err := p.PlaceOrder(context.Background(), req)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if resp.Accepted() {
			t.Errorf("case %d accepted, want rejection", i)
		}
	}
}
