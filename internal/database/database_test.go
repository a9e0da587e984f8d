package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	return d
}

func TestOrderLedgerRoundTrip(t *testing.T) {
	d := testDB(t)

	row := &OrderRow{
		ID:        "leg-1",
		Token:     "11536",
		Symbol:    "TCS",
		Side:      string(types.SideBuy),
		OrderType: string(types.OrderMarket),
		Quantity:  100,
		Price:     decimal.RequireFromString("3201.50"),
		Status:    string(types.StatusPendingBroker),
		Tag:       "orb",
	}
	if err := d.CreateOrder(row); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.SetBrokerOrderID("leg-1", "230823000123"); err != nil {
		t.Fatalf("set broker id: %v", err)
	}

	got, err := d.FindByBrokerOrderID("230823000123")
	if err != nil {
		t.Fatalf("find by broker id: %v", err)
	}
	if got.ID != "leg-1" || got.Quantity != 100 {
		t.Errorf("row = %+v", got)
	}
}

func TestApplyOrderUpdateTerminalSticks(t *testing.T) {
	d := testDB(t)

	if err := d.CreateOrder(&OrderRow{
		ID:     "leg-2",
		Status: string(types.StatusPlaced),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	avg := decimal.RequireFromString("842.10")
	if err := d.ApplyOrderUpdate("leg-2", types.StatusComplete, 50, avg, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A replayed PLACED frame must not resurrect the finished leg.
	if err := d.ApplyOrderUpdate("leg-2", types.StatusPlaced, 0, decimal.Zero, ""); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	got, err := d.GetOrder("leg-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(types.StatusComplete) {
		t.Errorf("status = %s, want COMPLETE", got.Status)
	}
	if got.FilledQty != 50 || !got.AvgPrice.Equal(avg) {
		t.Errorf("fill = %d @ %s, want 50 @ %s", got.FilledQty, got.AvgPrice, avg)
	}
}

func TestApplyOrderUpdateCreatesMissingRow(t *testing.T) {
	d := testDB(t)

	// Websocket can deliver a fill before the placement insert lands.
	if err := d.ApplyOrderUpdate("leg-3", types.StatusComplete, 25, decimal.RequireFromString("100.00"), ""); err != nil {
		t.Fatalf("update unknown leg: %v", err)
	}

	got, err := d.GetOrder("leg-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(types.StatusComplete) || got.FilledQty != 25 {
		t.Errorf("row = %+v", got)
	}
}

func TestOpenOrdersExcludesTerminal(t *testing.T) {
	d := testDB(t)

	legs := []OrderRow{
		{ID: "a", Status: string(types.StatusPlaced)},
		{ID: "b", Status: string(types.StatusComplete)},
		{ID: "c", Status: string(types.StatusPartial)},
		{ID: "d", Status: string(types.StatusRejected)},
		{ID: "e", Status: string(types.StatusPendingBroker)},
	}
	for i := range legs {
		if err := d.CreateOrder(&legs[i]); err != nil {
			t.Fatalf("create %s: %v", legs[i].ID, err)
		}
	}

	open, err := d.OpenOrders()
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("open = %d rows, want 3", len(open))
	}
	for _, row := range open {
		if types.OrderStatus(row.Status).Terminal() {
			t.Errorf("terminal row %s leaked into open set", row.ID)
		}
	}
}

func TestLedgerStats(t *testing.T) {
	d := testDB(t)

	rows := []OrderRow{
		{ID: "s1", Status: string(types.StatusComplete)},
		{ID: "s2", Status: string(types.StatusComplete)},
		{ID: "s3", Status: string(types.StatusRejected)},
	}
	for i := range rows {
		if err := d.CreateOrder(&rows[i]); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stats, err := d.LedgerStats(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[string(types.StatusComplete)] != 2 {
		t.Errorf("complete = %d, want 2", stats[string(types.StatusComplete)])
	}
	if stats[string(types.StatusRejected)] != 1 {
		t.Errorf("rejected = %d, want 1", stats[string(types.StatusRejected)])
	}
}

func TestInstrumentMasterUpsert(t *testing.T) {
	d := testDB(t)

	rows := []InstrumentRow{
		{Token: "11536", TradingSymbol: "TCS-EQ", Symbol: "TCS", LotSize: 1},
		{Token: "2885", TradingSymbol: "RELIANCE-EQ", Symbol: "RELIANCE", LotSize: 1},
	}
	if err := d.UpsertInstruments(rows); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second load with a changed row must replace, not duplicate.
	rows[0].FreezeQty = 500
	if err := d.UpsertInstruments(rows[:1]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	count, err := d.InstrumentCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	all, err := d.ListInstruments()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, row := range all {
		if row.Token == "11536" && row.FreezeQty != 500 {
			t.Errorf("freeze qty = %d, want 500", row.FreezeQty)
		}
	}
}

func TestSystemConfigRoundTrip(t *testing.T) {
	d := testDB(t)

	if err := d.SaveConfig("current_state", `{"kill_switch":true,"day":"2025-06-16"}`); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := d.LoadConfig("current_state")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != `{"kill_switch":true,"day":"2025-06-16"}` {
		t.Errorf("value = %s", got)
	}

	// Overwrite wins.
	if err := d.SaveConfig("current_state", `{"kill_switch":false}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = d.LoadConfig("current_state")
	if got != `{"kill_switch":false}` {
		t.Errorf("value after overwrite = %s", got)
	}

	// Missing key is not an error.
	got, err = d.LoadConfig("no_such_key")
	if err != nil || got != "" {
		t.Errorf("missing key = (%q, %v), want (\"\", nil)", got, err)
	}
}
