package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/internal/events"
	"daytrader/internal/executor"
	"daytrader/internal/marketdata"
	"daytrader/internal/protector"
	"daytrader/internal/risk"
	"daytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway implements broker.Gateway with scriptable positions and call
// accounting for cancel paths.
type fakeGateway struct {
	mu        sync.Mutex
	positions []types.Position
	orders    []types.Order
	trade     types.Trade

	cancels     []string
	sweeps      []string
	closed      []string
	submits     []broker.OrderRequest
}

func (f *fakeGateway) GetAccount(context.Context) (*types.Account, error) {
	return &types.Account{Equity: 100000, Cash: 50000, BuyingPower: 200000}, nil
}

func (f *fakeGateway) GetClock(context.Context) (*types.Clock, error) {
	return &types.Clock{IsOpen: true}, nil
}

func (f *fakeGateway) GetPositions(context.Context) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Position(nil), f.positions...), nil
}

func (f *fakeGateway) GetOrders(context.Context, broker.OrdersQuery) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Order(nil), f.orders...), nil
}

func (f *fakeGateway) GetOrder(_ context.Context, id string) (*types.Order, error) {
	return &types.Order{ID: id, Status: types.StatusNew}, nil
}

func (f *fakeGateway) SubmitOrder(_ context.Context, req broker.OrderRequest) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	return &types.Order{ID: "sub1", Symbol: req.Symbol, Status: types.StatusNew}, nil
}

func (f *fakeGateway) SubmitBracket(_ context.Context, req broker.BracketRequest) (*types.BracketGroup, error) {
	return &types.BracketGroup{EntryID: "e1", StopID: "s1", TargetID: "t1", Symbol: req.Symbol}, nil
}

func (f *fakeGateway) ReplaceOrder(_ context.Context, id string, _ broker.ReplaceRequest) (*types.Order, error) {
	return &types.Order{ID: id, Status: types.StatusNew}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeGateway) CancelSymbolOrders(_ context.Context, symbol string, _ []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, symbol)
	return 0, nil
}

func (f *fakeGateway) ClosePosition(_ context.Context, symbol string) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, symbol)
	return &types.Order{ID: "c1", Symbol: symbol, Status: types.StatusNew}, nil
}

func (f *fakeGateway) GetBars(context.Context, string, types.Timeframe, int) ([]types.Bar, error) {
	return nil, nil
}

func (f *fakeGateway) GetLatestTrade(_ context.Context, symbol string) (*types.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.trade
	t.Symbol = symbol
	return &t, nil
}

func (f *fakeGateway) GetLatestQuote(_ context.Context, symbol string) (*types.Quote, error) {
	return &types.Quote{Symbol: symbol}, nil
}

func newTestEngine(gw *fakeGateway) *Engine {
	logger := testLogger()
	cfg := config.Config{}
	cfg.Risk.CircuitBreakerPct = 0.05
	cooldowns := risk.NewCooldownTracker(2, time.Hour)

	return &Engine{
		cfg:       cfg,
		loc:       time.UTC,
		gateway:   gw,
		bars:      marketdata.NewCache(gw, types.TF5Min, marketdata.DefaultEMAPeriods, logger),
		risk:      risk.NewManager(cfg.Risk, cooldowns, nil, logger),
		exec:      executor.New(gw, cfg.Executor, logger),
		protector: protector.New(gw, cfg.Protector, logger),
		bus:       events.NewBus(logger),
		state:     NewState([]string{"AAPL", "TSLA"}),
		logger:    logger,
	}
}

func openTestPosition() types.Position {
	return types.Position{
		Symbol: "AAPL", Side: types.Long, Qty: 100,
		AvgEntryPrice: 200, StopLoss: 198, TakeProfit: 206,
		InitialRisk: 2, HighWaterMark: 200,
		Bracket: types.BracketGroup{EntryID: "e1", StopID: "s1", TargetID: "t1"},
	}
}

// A take-profit leg fill closes the position without the engine touching a
// single order: the broker's own bracket handling cancelled the sibling.
func TestTakeProfitFillPreservesBrackets(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	e := newTestEngine(gw)
	e.state.SetPosition(openTestPosition())

	sub, cancel := e.bus.Subscribe()
	defer cancel()

	e.handleTradeUpdate(types.TradeUpdate{
		Event: "fill",
		Order: types.Order{ID: "t1", Symbol: "AAPL", FilledAvgPrice: 206},
	})

	if _, open := e.state.Position("AAPL"); open {
		t.Error("position should be closed after the target leg filled")
	}
	if len(gw.cancels) != 0 || len(gw.sweeps) != 0 || len(gw.closed) != 0 {
		t.Errorf("engine touched broker orders on a bracket fill: cancels=%v sweeps=%v closed=%v",
			gw.cancels, gw.sweeps, gw.closed)
	}

	select {
	case evt := <-sub:
		if evt.Type != events.PositionClosed || evt.Symbol != "AAPL" {
			t.Errorf("event = %+v, want PositionClosed AAPL", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no PositionClosed event")
	}

	// +$600 winner recorded against the cooldown tracker.
	if losses := e.risk.Cooldowns().ConsecutiveLosses("AAPL"); losses != 0 {
		t.Errorf("consecutive losses = %d after a win", losses)
	}
}

func TestStopFillRecordsLoss(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	e := newTestEngine(gw)
	e.state.SetPosition(openTestPosition())

	e.handleTradeUpdate(types.TradeUpdate{
		Event: "fill",
		Order: types.Order{ID: "s1", Symbol: "AAPL", FilledAvgPrice: 198},
	})

	if _, open := e.state.Position("AAPL"); open {
		t.Fatal("position should be closed after the stop filled")
	}
	if losses := e.risk.Cooldowns().ConsecutiveLosses("AAPL"); losses != 1 {
		t.Errorf("consecutive losses = %d, want 1", losses)
	}
	winRate, _, completed := e.state.SessionStats()
	if completed != 1 || winRate != 0 {
		t.Errorf("stats = (%v, %d), want one losing trade", winRate, completed)
	}
}

func TestUnrelatedFillIgnored(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	e := newTestEngine(gw)
	e.state.SetPosition(openTestPosition())

	// An entry fill for the same symbol is not a close.
	e.handleTradeUpdate(types.TradeUpdate{
		Event: "fill",
		Order: types.Order{ID: "e1", Symbol: "AAPL", FilledAvgPrice: 200},
	})
	if _, open := e.state.Position("AAPL"); !open {
		t.Error("entry fill must not close the position")
	}
}

// The reconciler books positions the broker closed while the stream was
// down, and adopts positions the engine doesn't know about.
func TestReconcileAdoptsBrokerTruth(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{trade: types.Trade{Price: 205}}
	// Broker shows TSLA short the engine never opened; AAPL is gone.
	gw.positions = []types.Position{
		{Symbol: "TSLA", Side: types.Short, Qty: 50, AvgEntryPrice: 250},
	}
	gw.orders = []types.Order{
		{ID: "ts1", Symbol: "TSLA", Role: types.RoleStopLoss, StopPrice: 253},
		{ID: "tt1", Symbol: "TSLA", Role: types.RoleTakeProfit, LimitPrice: 241},
	}

	e := newTestEngine(gw)
	e.state.SetPosition(openTestPosition())

	e.reconcile(context.Background())

	if _, open := e.state.Position("AAPL"); open {
		t.Error("AAPL should be booked closed: broker shows it flat")
	}
	adopted, ok := e.state.Position("TSLA")
	if !ok {
		t.Fatal("TSLA should be adopted from broker truth")
	}
	if adopted.Bracket.StopID != "ts1" || adopted.StopLoss != 253 {
		t.Errorf("adopted = %+v, want relinked stop leg", adopted)
	}
	if adopted.InitialRisk != 3 {
		t.Errorf("InitialRisk = %v, want 3 derived from the stop", adopted.InitialRisk)
	}
}

func TestReconcileShrinksAfterPartial(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{trade: types.Trade{Price: 204}}
	pos := openTestPosition()
	remote := pos
	remote.Qty = 75 // a partial exit filled at the broker
	gw.positions = []types.Position{remote}

	e := newTestEngine(gw)
	e.state.SetPosition(pos)

	e.reconcile(context.Background())

	got, ok := e.state.Position("AAPL")
	if !ok || got.Qty != 75 {
		t.Errorf("qty = %d, want the broker's 75", got.Qty)
	}
}

func TestEmergencyStopLatches(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{trade: types.Trade{Price: 201}}
	e := newTestEngine(gw)
	e.state.SetPosition(openTestPosition())

	e.EmergencyStop(context.Background())

	if e.state.OpenCount() != 0 {
		t.Error("emergency stop should flatten everything")
	}
	// Emergency close path: sweep the symbol's orders then market-close.
	if len(gw.sweeps) != 1 || len(gw.closed) != 1 {
		t.Errorf("sweeps=%v closed=%v, want cancel-all then market close", gw.sweeps, gw.closed)
	}

	if e.state.Enabled() {
		t.Error("emergency stop must latch trading off")
	}

	// An explicit operator enable lifts the latch.
	e.EnableTrading()
	if !e.state.Enabled() {
		t.Error("operator enable must clear the emergency latch")
	}
}

func TestDisableBlocksStrategyTick(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	e := newTestEngine(gw)
	e.DisableTrading()

	if e.state.Enabled() {
		t.Fatal("disable did not take")
	}
	// strategyTick must return before touching the regime detector, which is
	// nil here and would panic if reached.
	e.strategyTick(context.Background())
}
