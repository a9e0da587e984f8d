package core

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/execution"
	"github.com/manavkr/tradepulse/feeds"
	"github.com/manavkr/tradepulse/guard"
	"github.com/manavkr/tradepulse/instruments"
	"github.com/manavkr/tradepulse/internal/config"
	"github.com/manavkr/tradepulse/internal/database"
	"github.com/manavkr/tradepulse/strategy"
	"github.com/manavkr/tradepulse/types"
)

func init() {
	strategy.Register("BUY_AND_HOLD", func(params strategy.Params) (strategy.Formula, error) {
		return &holdFormula{}, nil
	})
}

// holdFormula buys once on the first closed bar and then sits on the
// position, which makes engine round trips deterministic.
type holdFormula struct{}

func (holdFormula) Name() string { return "BUY_AND_HOLD" }
func (holdFormula) Warmup() int  { return 1 }
func (holdFormula) OnBarClose(v strategy.View, bar types.Bar) *types.Intent {
	if v.Position != 0 {
		return nil
	}
	return &types.Intent{
		Side:       types.SideBuy,
		Price:      bar.Close,
		StopLoss:   bar.Close.Mul(decimal.RequireFromString("0.99")),
		Confidence: decimal.NewFromInt(1),
		Tag:        "HOLD_ENTRY",
	}
}

// stubTransport satisfies the feed without a network: reads block until the
// socket is closed.
type stubTransport struct {
	mu     sync.Mutex
	subs   [][]string
	closed chan struct{}
	once   sync.Once
}

func newStubTransport() *stubTransport {
	return &stubTransport{closed: make(chan struct{})}
}

func (s *stubTransport) Connect(ctx context.Context) error { return nil }

func (s *stubTransport) Subscribe(tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, append([]string(nil), tokens...))
	return nil
}

func (s *stubTransport) ReadMessage() ([]byte, error) {
	<-s.closed
	return nil, io.EOF
}

func (s *stubTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *stubTransport) subscribed() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.subs))
	copy(out, s.subs)
	return out
}

// seededBroker is a live-shaped broker whose position book is fixed.
type seededBroker struct {
	positions []types.BrokerPosition
}

func (b *seededBroker) Login(ctx context.Context) error { return nil }

func (b *seededBroker) PlaceOrder(ctx context.Context, req execution.OrderRequest) (*execution.BrokerResponse, error) {
	return &execution.BrokerResponse{Stat: "Ok", OrderNo: "N1", StCode: 200}, nil
}

func (b *seededBroker) ModifyOrder(ctx context.Context, orderID string, req execution.OrderRequest) (*execution.BrokerResponse, error) {
	return &execution.BrokerResponse{Stat: "Ok", OrderNo: orderID, StCode: 200}, nil
}

func (b *seededBroker) CancelOrder(ctx context.Context, orderID string) (*execution.BrokerResponse, error) {
	return &execution.BrokerResponse{Stat: "Ok", StCode: 200}, nil
}

func (b *seededBroker) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	return b.positions, nil
}

func (b *seededBroker) Limits(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100000), nil
}

type engineHarness struct {
	engine *Engine
	paper  *execution.Paper
	db     *database.Database
	bus    *Bus
	tr     *stubTransport
	stop   chan struct{}
}

// newEngineHarness assembles a full engine. A nil broker selects paper mode.
func newEngineHarness(t *testing.T, broker execution.Broker) *engineHarness {
	t.Helper()

	// The heartbeat trips square-off on wall time; keep the test clear of
	// the daily boundary.
	if h, m, _ := time.Now().UTC().Clock(); h == 23 && m >= 58 {
		t.Skip("too close to the square-off boundary")
	}

	cfg := &config.Config{
		PaperTrading:       broker == nil,
		Capital:            decimal.NewFromInt(100000),
		RiskPerTradePct:    decimal.RequireFromString("0.01"),
		MaxDailyLossPct:    decimal.RequireFromString("0.02"),
		MaxOpenTrades:      2,
		Timezone:           "UTC",
		SquareOffTime:      "23:59",
		FeedSilenceTimeout: 30 * time.Second,
		DefaultFreezeQty:   1800,
		DatabaseURL:        filepath.Join(t.TempDir(), "engine.db"),
	}

	clock, err := NewClock(cfg.Timezone, cfg.SquareOffTime)
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		t.Fatalf("database: %v", err)
	}
	if err := db.UpsertInstruments([]database.InstrumentRow{
		{Token: "11536", TradingSymbol: "TCS-EQ", Symbol: "TCS", LotSize: 1, TickSize: decimal.RequireFromString("0.05"), FreezeQty: 1800, Segment: "nse_cm", Exchange: "NSE"},
		{Token: "2885", TradingSymbol: "RELIANCE-EQ", Symbol: "RELIANCE", LotSize: 1, TickSize: decimal.RequireFromString("0.05"), FreezeQty: 1800, Segment: "nse_cm", Exchange: "NSE"},
	}); err != nil {
		t.Fatalf("seed instruments: %v", err)
	}

	h := &engineHarness{
		db:   db,
		bus:  NewBus(256, 64, time.Second),
		tr:   newStubTransport(),
		stop: make(chan struct{}),
	}
	if broker == nil {
		h.paper = execution.NewPaper(cfg.Capital)
		broker = h.paper
	}

	feed := feeds.NewFeed(feeds.FeedConfig{
		Transport:        h.tr,
		Sink:             h.bus,
		SilenceThreshold: cfg.FeedSilenceTimeout,
	})

	h.engine = NewEngine(Deps{
		Config:        cfg,
		Clock:         clock,
		Bus:           h.bus,
		DB:            db,
		Broker:        broker,
		Feed:          feed,
		Offload:       guard.NewOffload(4),
		Instruments:   instruments.NewCache(),
		OrderCB:       guard.NewBreaker("orders", 3, time.Second),
		Limiter:       guard.NewLimiter(200, 200),
		DataCB:        guard.NewBreaker("data", 5, time.Second),
		BrokerLimiter: guard.NewLimiter(200, 200),
	})

	t.Cleanup(func() {
		close(h.stop)
		h.engine.Shutdown()
	})
	return h
}

func (h *engineHarness) boot(t *testing.T) {
	t.Helper()
	if err := h.engine.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
}

func (h *engineHarness) start(t *testing.T, ec EngineConfig) {
	t.Helper()
	if err := h.engine.ConfigureAndStart(context.Background(), ec); err != nil {
		t.Fatalf("start: %v", err)
	}
}

// pump publishes a steady tick stream, one scripted minute per print, so
// every print closes the previous bar.
func (h *engineHarness) pump(price string) {
	base := time.Date(2026, 8, 25, 9, 15, 0, 0, time.UTC)
	go func() {
		min := 0
		for {
			select {
			case <-h.stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			h.bus.PublishTick(types.Tick{
				Token:     "11536",
				Ltp:       decimal.RequireFromString(price),
				CumVolume: int64(1000 + min),
				Ltt:       base.Add(time.Duration(min) * time.Minute),
			})
			min++
		}
	}()
}

func (h *engineHarness) position(symbol string) int64 {
	for _, snap := range h.engine.Status().Positions {
		if snap.Symbol == symbol {
			return snap.Position
		}
	}
	return 0
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnginePaperRoundTrip(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, nil)
	h.boot(t)
	h.start(t, EngineConfig{StrategyName: "BUY_AND_HOLD", Symbols: []string{"TCS"}})
	h.pump("100")

	// Capital 100k over 2 slots caps the entry at 500 shares; the risk
	// leg (1k risk over a 1 rupee stop) would allow 1000.
	waitFor(t, func() bool { return h.position("TCS") == 500 }, "entry never filled")

	health := h.engine.Health()
	if !health.Running || health.Mode != ModePaper {
		t.Fatalf("health = %+v, want running paper engine", health)
	}
	if health.Status != "healthy" {
		t.Fatalf("health status = %s, want healthy", health.Status)
	}
	if len(health.ActiveStrategies) != 1 || health.ActiveStrategies[0] != "TCS" {
		t.Fatalf("active strategies = %v", health.ActiveStrategies)
	}

	status := h.engine.Status()
	if status.Strategy != "BUY_AND_HOLD" {
		t.Fatalf("status strategy = %s", status.Strategy)
	}
	if status.Risk.OpenTrades != 1 {
		t.Fatalf("open trades = %d, want 1", status.Risk.OpenTrades)
	}

	rows, err := h.db.OrdersSince(time.Now().Add(-time.Minute))
	if err != nil || len(rows) == 0 {
		t.Fatalf("ledger rows = %d (err %v), want at least one", len(rows), err)
	}
	if rows[0].Tag != "HOLD_ENTRY" {
		t.Fatalf("ledger tag = %s, want HOLD_ENTRY", rows[0].Tag)
	}

	subs := h.tr.subscribed()
	if len(subs) == 0 || subs[len(subs)-1][0] != "11536" {
		t.Fatalf("feed subscriptions = %v, want token 11536", subs)
	}
}

func TestEngineRejectsSecondStart(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, nil)
	h.boot(t)
	h.start(t, EngineConfig{StrategyName: "BUY_AND_HOLD", Symbols: []string{"TCS"}})

	err := h.engine.ConfigureAndStart(context.Background(), EngineConfig{
		StrategyName: "BUY_AND_HOLD",
		Symbols:      []string{"RELIANCE"},
	})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestEngineStartValidation(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, nil)
	h.boot(t)

	err := h.engine.ConfigureAndStart(context.Background(), EngineConfig{
		StrategyName: "BUY_AND_HOLD",
		Symbols:      []string{"WIPRO"},
	})
	if err == nil || !strings.Contains(err.Error(), "WIPRO") {
		t.Fatalf("err = %v, want unknown symbol WIPRO", err)
	}

	err = h.engine.ConfigureAndStart(context.Background(), EngineConfig{
		StrategyName: "NO_SUCH_STRATEGY",
		Symbols:      []string{"TCS"},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown strategy") {
		t.Fatalf("err = %v, want unknown strategy", err)
	}
	if h.engine.IsRunning() {
		t.Fatal("engine should stay idle after rejected starts")
	}
}

func TestEngineWebhookSignal(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, nil)
	h.boot(t)

	err := h.engine.WebhookSignal(context.Background(), "TCS", types.SideBuy, decimal.NewFromInt(100))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning before start", err)
	}

	h.start(t, EngineConfig{StrategyName: "BUY_AND_HOLD", Symbols: []string{"TCS"}})

	if err := h.engine.WebhookSignal(context.Background(), "INFY", types.SideBuy, decimal.NewFromInt(100)); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("webhook for unbound symbol: got %v, want ErrUnknownSymbol", err)
	}

	if err := h.engine.WebhookSignal(context.Background(), "tcs", types.SideBuy, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	// Confidence 2 doubles the slot allocation: the whole 100k at 100
	// per share.
	h.pump("100")
	waitFor(t, func() bool { return h.position("TCS") == 1000 }, "webhook entry never filled")
}

func TestEnginePanicSquareOffFlattens(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, nil)
	h.boot(t)
	h.start(t, EngineConfig{StrategyName: "BUY_AND_HOLD", Symbols: []string{"TCS"}})
	h.pump("100")
	waitFor(t, func() bool { return h.position("TCS") == 500 }, "entry never filled")

	if err := h.engine.PanicSquareOff(context.Background()); err != nil {
		t.Fatalf("panic square-off: %v", err)
	}
	if h.engine.IsRunning() {
		t.Fatal("engine should be stopped after panic square-off")
	}

	book, err := h.paper.Positions(context.Background())
	if err != nil {
		t.Fatalf("paper positions: %v", err)
	}
	for _, pos := range book {
		if pos.Token == "11536" && pos.NetQty != 0 {
			t.Fatalf("broker book still holds %d shares after square-off", pos.NetQty)
		}
	}

	health := h.engine.Health()
	if !health.KillSwitch || health.Status != "critical" {
		t.Fatalf("health = %+v, want latched kill switch and critical status", health)
	}

	if err := h.engine.PanicSquareOff(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second panic err = %v, want ErrNotRunning", err)
	}
}

func TestEngineStopAndRestart(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, nil)
	h.boot(t)
	h.start(t, EngineConfig{StrategyName: "BUY_AND_HOLD", Symbols: []string{"TCS"}})

	h.engine.Stop()
	h.engine.Stop()
	if h.engine.IsRunning() {
		t.Fatal("engine still running after Stop")
	}

	h.start(t, EngineConfig{StrategyName: "BUY_AND_HOLD", Symbols: []string{"RELIANCE"}})
	if !h.engine.IsRunning() {
		t.Fatal("engine should accept a fresh start after Stop")
	}
	status := h.engine.Status()
	if len(status.Positions) != 1 || status.Positions[0].Symbol != "RELIANCE" {
		t.Fatalf("positions = %+v, want a single RELIANCE runner", status.Positions)
	}
}

func TestEngineRestoresBrokerPositions(t *testing.T) {
	t.Parallel()

	broker := &seededBroker{positions: []types.BrokerPosition{
		{Token: "11536", Symbol: "TCS", NetQty: 50, AvgPrice: decimal.NewFromInt(3000)},
	}}
	h := newEngineHarness(t, broker)
	h.boot(t)

	if got := h.engine.Mode(); got != ModeLive {
		t.Fatalf("mode = %s, want LIVE", got)
	}

	h.start(t, EngineConfig{StrategyName: "BUY_AND_HOLD", Symbols: []string{"TCS"}})

	status := h.engine.Status()
	if len(status.Positions) != 1 || status.Positions[0].Position != 50 {
		t.Fatalf("positions = %+v, want restored 50 shares", status.Positions)
	}
	if !status.Positions[0].AvgPrice.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("avg price = %s, want 3000", status.Positions[0].AvgPrice)
	}
	if status.Risk.OpenTrades != 1 {
		t.Fatalf("open trades = %d, want 1 from broker book", status.Risk.OpenTrades)
	}
}
