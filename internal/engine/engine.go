// Package engine is the central orchestrator of the trading system.
//
// It wires together all subsystems and runs them on independent loops:
//
//  1. Market data: refreshes the bar cache for the watchlist plus the index.
//  2. Strategy: regime → per-symbol evaluate → risk gates → executor.
//  3. Position monitor: reconciles local positions against broker truth.
//  4. Protection: advances the R-multiple ladder.
//  5. Stuck stops: re-plants stop legs that died at the broker.
//  6. Scanner: swaps the watchlist when an opportunity source is configured.
//  7. Session: equity/clock refresh, sentiment, end-of-day flattening.
//
// The broker's trade stream closes positions in near-real time; the REST
// reconciler is the safety net for anything the stream dropped. Shutdown
// leaves open positions at the broker with their bracket legs working —
// protection resumes from broker truth on the next start.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx cancelled] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/internal/events"
	"daytrader/internal/executor"
	"daytrader/internal/journal"
	"daytrader/internal/marketdata"
	"daytrader/internal/metrics"
	"daytrader/internal/protector"
	"daytrader/internal/regime"
	"daytrader/internal/risk"
	"daytrader/internal/scanner"
	"daytrader/internal/sentiment"
	"daytrader/internal/store"
	"daytrader/internal/strategy"
	"daytrader/pkg/types"
)

// Engine orchestrates all components of the trading system.
type Engine struct {
	cfg config.Config
	loc *time.Location

	gateway   broker.Gateway
	stream    *broker.TradeStream
	bars      *marketdata.Cache
	daily     *marketdata.DailyCache
	regime    *regime.Detector
	sentiment *sentiment.Feed
	strategy  *strategy.Strategy
	risk      *risk.Manager
	exec      *executor.Executor
	protector *protector.Protector
	scanner   *scanner.Scanner // nil without a scanner URL
	store     *store.Store
	journal   *journal.Journal
	bus       *events.Bus
	state     *State
	logger    *slog.Logger

	eodMu   sync.Mutex
	eodDate string // session date the EOD flatten already ran for

	featMu   sync.Mutex
	featAsOf map[string]time.Time // last bar timestamp published per symbol

	wg sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Engine.Timezone, err)
	}

	client := broker.NewClient(cfg.Broker, cfg.DryRun, logger)
	stream := broker.NewTradeStream(cfg.Broker, logger)
	vendor := broker.NewVendorClient(cfg.Vendor, logger)

	periods := marketdata.EMAPeriods{
		Short: cfg.Strategy.EMAShort,
		Long:  cfg.Strategy.EMALong,
		Trend: cfg.Strategy.EMATrend,
	}
	bars := marketdata.NewCache(client, types.Timeframe(cfg.Strategy.Timeframe), periods, logger)
	daily := marketdata.NewDailyCache(vendor, loc, logger)
	detector := regime.NewDetector(bars, vendor, cfg.Vendor.IndexSymbol, cfg.Vendor.VIXSymbol, logger)
	feed := sentiment.NewFeed(cfg.Sentiment, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	jnl, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		return nil, err
	}
	jnl.Attach(bus)

	cooldowns := risk.NewCooldownTracker(cfg.Risk.CooldownLosses, cfg.Risk.CooldownDuration)
	var validator *risk.Validator
	if cfg.Risk.EnableAIValidation && cfg.Risk.AIValidationURL != "" {
		validator = risk.NewValidator(cfg.Risk.AIValidationURL, cfg.Risk.AIValidationTimeout, logger)
	}

	e := &Engine{
		cfg:       cfg,
		loc:       loc,
		gateway:   client,
		stream:    stream,
		bars:      bars,
		daily:     daily,
		regime:    detector,
		sentiment: feed,
		strategy:  strategy.New(cfg.Strategy, logger),
		risk:      risk.NewManager(cfg.Risk, cooldowns, validator, logger),
		exec:      executor.New(client, cfg.Executor, logger),
		protector: protector.New(client, cfg.Protector, logger),
		scanner:   scanner.New(cfg.Watchlist, logger),
		store:     st,
		journal:   jnl,
		bus:       bus,
		state:     NewState(cfg.Watchlist.Symbols),
		logger:    logger.With("component", "engine"),
	}
	return e, nil
}

// Bus exposes the event bus for the API layer.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Journal exposes the journal for the API layer.
func (e *Engine) Journal() *journal.Journal { return e.journal }

// Run starts all loops and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restoreSession(ctx); err != nil {
		return err
	}
	e.adoptBrokerPositions(ctx)

	e.spawn(func() {
		if err := e.stream.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("trade stream stopped", "error", err)
		}
	})
	e.spawn(func() { e.consumeTradeUpdates(ctx) })

	if e.scanner != nil {
		e.spawn(func() { e.scanner.Run(ctx) })
		e.spawn(func() { e.consumeScans(ctx) })
	}

	e.loop(ctx, e.cfg.Engine.MarketDataInterval, e.marketDataTick)
	e.loop(ctx, e.cfg.Engine.StrategyInterval, e.strategyTick)
	e.loop(ctx, e.cfg.Engine.PositionMonitorInterval, e.reconcile)
	e.loop(ctx, e.cfg.Engine.ProtectionInterval, e.protectTick)
	e.loop(ctx, e.cfg.Protector.StuckStopInterval, e.stuckStopTick)
	e.loop(ctx, e.cfg.Engine.MetricsInterval, e.metricsTick)
	e.loop(ctx, e.cfg.Sentiment.RefreshInterval, func(ctx context.Context) {
		if err := e.sentiment.Refresh(ctx); err != nil {
			e.logger.Warn("sentiment refresh failed", "error", err)
		}
	})
	e.loop(ctx, 30*time.Second, e.sessionTick)

	<-ctx.Done()
	e.wg.Wait()
	e.shutdown()
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// loop runs fn immediately, then on every tick until ctx is cancelled.
func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	e.spawn(func() {
		fn(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// shutdown persists session state. Positions stay at the broker with their
// bracket legs working; nothing is flattened here.
func (e *Engine) shutdown() {
	e.logger.Info("shutting down", "open_positions", e.state.OpenCount())
	e.persistSession()
	if err := e.journal.Close(); err != nil {
		e.logger.Error("journal close failed", "error", err)
	}
	e.store.Close()
	e.stream.Close()
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Session lifecycle
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) sessionDate(now time.Time) string {
	return now.In(e.loc).Format("2006-01-02")
}

// restoreSession pulls the account and clock, then restores same-day
// counters and cooldowns from disk if a restart happened mid-session.
func (e *Engine) restoreSession(ctx context.Context) error {
	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("initial account fetch: %w", err)
	}
	clock, err := e.gateway.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("initial clock fetch: %w", err)
	}
	e.state.SetAccount(*account)
	e.state.SetClock(*clock)

	today := e.sessionDate(time.Now())
	counters := types.DailyCounters{
		SessionDate:        today,
		SessionStartEquity: account.Equity,
		CurrentEquity:      account.Equity,
		PerSymbolToday:     map[string]int{},
	}

	if saved, err := e.store.LoadSession(today); err != nil {
		e.logger.Warn("session restore failed, starting fresh", "error", err)
	} else if saved != nil {
		counters = saved.Counters
		counters.CurrentEquity = account.Equity
		e.risk.Cooldowns().Restore(saved.Cooldowns, time.Now())
		e.logger.Info("session restored",
			"trades_today", counters.TradesToday, "cooldowns", len(saved.Cooldowns))
	}
	e.state.SetCounters(counters)
	return nil
}

// adoptBrokerPositions seeds local state from broker truth on startup,
// re-linking bracket legs from the open order book.
func (e *Engine) adoptBrokerPositions(ctx context.Context) {
	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		e.logger.Error("startup position fetch failed", "error", err)
		return
	}
	for _, pos := range positions {
		adopted := pos
		e.relinkBracket(ctx, &adopted)
		if adopted.HighWaterMark == 0 {
			adopted.HighWaterMark = adopted.AvgEntryPrice
		}
		if adopted.InitialRisk == 0 && adopted.StopLoss > 0 {
			adopted.InitialRisk = abs(adopted.AvgEntryPrice - adopted.StopLoss)
		}
		e.state.SetPosition(adopted)
		e.logger.Info("adopted broker position",
			"symbol", adopted.Symbol, "side", adopted.Side, "qty", adopted.Qty)
	}
}

// relinkBracket finds the position's live exit legs among the open orders.
func (e *Engine) relinkBracket(ctx context.Context, pos *types.Position) {
	orders, err := e.gateway.GetOrders(ctx, broker.OrdersQuery{Status: "open", Symbol: pos.Symbol})
	if err != nil {
		e.logger.Warn("bracket relink failed", "symbol", pos.Symbol, "error", err)
		return
	}
	for _, o := range orders {
		switch o.Role {
		case types.RoleStopLoss:
			pos.Bracket.StopID = o.ID
			if o.StopPrice > 0 {
				pos.StopLoss = o.StopPrice
			}
		case types.RoleTakeProfit:
			pos.Bracket.TargetID = o.ID
			if o.LimitPrice > 0 {
				pos.TakeProfit = o.LimitPrice
			}
		}
	}
}

func (e *Engine) persistSession() {
	state := store.SessionState{
		SessionDate: e.sessionDate(time.Now()),
		Counters:    e.state.Counters(),
		Cooldowns:   e.risk.Cooldowns().Snapshot(),
	}
	state.Counters.SessionDate = state.SessionDate
	if err := e.store.SaveSession(state); err != nil {
		e.logger.Error("session persist failed", "error", err)
	}
}

// sessionTick refreshes account/clock, rolls counters at the date boundary,
// and runs the end-of-day flatten when the cutoff passes.
func (e *Engine) sessionTick(ctx context.Context) {
	if account, err := e.gateway.GetAccount(ctx); err == nil {
		e.state.SetAccount(*account)
		e.state.MarkEquity(account.Equity)
	} else {
		e.logger.Warn("account refresh failed", "error", err)
	}
	if clock, err := e.gateway.GetClock(ctx); err == nil {
		e.state.SetClock(*clock)
	}

	now := time.Now().In(e.loc)
	today := e.sessionDate(now)
	if c := e.state.Counters(); c.SessionDate != today {
		account := e.state.Account()
		e.state.SetCounters(types.DailyCounters{
			SessionDate:        today,
			SessionStartEquity: account.Equity,
			CurrentEquity:      account.Equity,
			PerSymbolToday:     map[string]int{},
		})
	}

	if e.pastEODCutoff(now) {
		e.flattenForEOD(ctx, today)
	}
	e.persistSession()
}

func (e *Engine) pastEODCutoff(now time.Time) bool {
	cutoff, err := time.ParseInLocation("15:04", e.cfg.Engine.EODCutoff, e.loc)
	if err != nil {
		return false
	}
	mins := now.Hour()*60 + now.Minute()
	return mins >= cutoff.Hour()*60+cutoff.Minute() && e.state.Clock().IsOpen
}

// flattenForEOD closes every open position through the non-emergency limit
// path, once per session date.
func (e *Engine) flattenForEOD(ctx context.Context, today string) {
	e.eodMu.Lock()
	if e.eodDate == today {
		e.eodMu.Unlock()
		return
	}
	e.eodDate = today
	e.eodMu.Unlock()

	for _, pos := range e.state.Positions() {
		unlock := e.state.lockSymbol(pos.Symbol)
		price := e.realtimeOr(ctx, pos.Symbol, pos.AvgEntryPrice)
		if _, err := e.exec.Close(ctx, pos, types.CloseEndOfDay, price); err != nil {
			e.logger.Error("eod close failed", "symbol", pos.Symbol, "error", err)
		} else {
			e.logger.Info("eod close submitted", "symbol", pos.Symbol, "qty", pos.Qty)
		}
		unlock()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data and strategy
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) marketDataTick(ctx context.Context) {
	symbols := append(e.state.Watchlist(), e.cfg.Vendor.IndexSymbol)
	e.bars.Refresh(ctx, symbols)

	// Publish the fresh snapshots; a symbol whose bar window hasn't rolled
	// since the last tick is skipped.
	e.featMu.Lock()
	defer e.featMu.Unlock()
	if e.featAsOf == nil {
		e.featAsOf = make(map[string]time.Time)
	}
	for _, symbol := range e.state.Watchlist() {
		feats, ok := e.bars.Features(symbol)
		if !ok || e.featAsOf[symbol].Equal(feats.AsOf) {
			continue
		}
		e.featAsOf[symbol] = feats.AsOf
		e.bus.Emit(events.FeaturesUpdated, symbol, feats)
	}
}

func (e *Engine) strategyTick(ctx context.Context) {
	if !e.state.Enabled() {
		return
	}
	clock := e.state.Clock()
	if !clock.IsOpen && !e.cfg.Risk.AllowExtendedHours {
		return
	}

	watchlist := e.state.Watchlist()
	reg := e.regime.Current(ctx, watchlist)
	if e.state.SetRegime(reg) {
		e.bus.Emit(events.RegimeChanged, "", reg)
	}
	metrics.RegimeMultiplier.Set(reg.Multiplier)

	for _, symbol := range watchlist {
		if symbol == e.cfg.Vendor.IndexSymbol {
			continue
		}
		e.evaluateSymbol(ctx, symbol, reg)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, reg types.Regime) {
	unlock := e.state.lockSymbol(symbol)
	defer unlock()

	_, hasPos := e.state.Position(symbol)
	feats, ok := e.bars.Features(symbol)
	if !ok {
		return
	}

	var dailyTrend *types.DailyTrend
	if trend, ok := e.daily.Trend(ctx, symbol); ok {
		dailyTrend = &trend
	}

	now := time.Now().In(e.loc)
	sig := e.strategy.Evaluate(strategy.Inputs{
		Features:    feats,
		DailyTrend:  dailyTrend,
		Regime:      reg,
		Sentiment:   e.sentiment.Current(),
		HasPosition: hasPos,
		Frozen:      e.risk.Cooldowns().Frozen(symbol, now),
		Now:         now,
	})
	if sig == nil {
		return
	}
	e.bus.Emit(events.SignalGenerated, symbol, sig)
	metrics.SignalsGenerated.WithLabelValues(string(sig.Side)).Inc()

	trade, err := e.bars.RealtimePrice(ctx, symbol)
	if err != nil {
		e.logger.Warn("no realtime price, skipping signal", "symbol", symbol, "error", err)
		return
	}

	decision := e.risk.Evaluate(ctx, *sig, risk.Env{
		Account:       e.state.Account(),
		Clock:         e.state.Clock(),
		Regime:        reg,
		Counters:      e.state.Counters(),
		OpenPositions: e.state.OpenCount(),
		Realtime:      trade.Price,
		Now:           now,
	})
	if !decision.Approved {
		e.bus.Emit(events.OrderRejected, symbol, map[string]any{
			"reason": decision.Reason, "detail": decision.Detail,
		})
		metrics.SignalsRejected.WithLabelValues(string(decision.Reason)).Inc()
		return
	}

	e.bus.Emit(events.OrderSubmitted, symbol, decision.Intent)
	res, err := e.exec.Execute(ctx, decision.Intent)
	if err != nil {
		e.logger.Error("execution failed", "symbol", symbol, "error", err)
		e.bus.Emit(events.OrderRejected, symbol, map[string]any{"reason": "execution", "detail": err.Error()})
		return
	}

	e.state.SetPosition(res.Position)
	e.state.RecordTrade(symbol)
	e.bus.Emit(events.PositionOpened, symbol, res.Position)
	e.bus.Emit(events.OrderFilled, symbol, res.Position.AvgEntryPrice)
	metrics.FillsByMethod.WithLabelValues(res.Method).Inc()
}

// ————————————————————————————————————————————————————————————————————————
// Close handling: stream first, reconciler as the safety net
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) consumeTradeUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-e.stream.Updates():
			if !ok {
				return
			}
			e.handleTradeUpdate(update)
		}
	}
}

// handleTradeUpdate reacts to exit-leg fills from the broker stream. When a
// bracket leg fills, the broker's OCO handling has already cancelled the
// sibling — the engine must not cancel anything itself.
func (e *Engine) handleTradeUpdate(update types.TradeUpdate) {
	if update.Event != "fill" {
		return
	}
	order := update.Order

	pos, ok := e.state.Position(order.Symbol)
	if !ok {
		return
	}

	var reason types.CloseReason
	switch order.ID {
	case pos.Bracket.StopID:
		reason = types.CloseStopLoss
		if pos.TrailingActive {
			reason = types.CloseTrailing
		}
	case pos.Bracket.TargetID:
		reason = types.CloseTakeProfit
	default:
		return // entry or partial-exit fill, not a position close
	}

	unlock := e.state.lockSymbol(order.Symbol)
	defer unlock()
	e.finalizeClose(order.Symbol, reason, order.FilledAvgPrice)
}

// finalizeClose books the outcome for a position that is flat at the broker.
// Caller holds the symbol lock.
func (e *Engine) finalizeClose(symbol string, reason types.CloseReason, exitPrice float64) {
	pos, ok := e.state.RemovePosition(symbol)
	if !ok {
		return
	}

	pnl := float64(pos.Qty) * (exitPrice - pos.AvgEntryPrice)
	if pos.Side == types.Short {
		pnl = -pnl
	}
	pnl += pos.RealizedPnL // partials already banked

	e.risk.Cooldowns().RecordResult(symbol, pnl, time.Now())
	e.state.RecordOutcome(pnl)

	outcome := "win"
	if pnl <= 0 {
		outcome = "loss"
	}
	metrics.TradesTotal.WithLabelValues(outcome).Inc()
	e.bus.Emit(events.PositionClosed, symbol, map[string]any{
		"reason": reason, "exit": exitPrice, "pnl": pnl, "qty": pos.Qty,
	})
	e.logger.Info("position closed",
		"symbol", symbol, "reason", reason, "exit", exitPrice, "pnl", pnl)

	if drawdown := e.state.Counters().DrawdownPct(); drawdown >= e.cfg.Risk.CircuitBreakerPct {
		e.bus.Emit(events.CircuitBreakerTripped, "", map[string]any{"drawdown": drawdown})
	}
}

// reconcile adopts broker truth: positions the broker closed without a
// stream event are booked with reason reconciled, and positions opened
// outside the engine are adopted.
func (e *Engine) reconcile(ctx context.Context) {
	brokerPositions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		e.logger.Warn("reconcile fetch failed", "error", err)
		return
	}

	atBroker := make(map[string]types.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		atBroker[p.Symbol] = p
	}

	for _, local := range e.state.Positions() {
		remote, ok := atBroker[local.Symbol]
		if !ok {
			unlock := e.state.lockSymbol(local.Symbol)
			price := e.realtimeOr(ctx, local.Symbol, local.AvgEntryPrice)
			e.finalizeClose(local.Symbol, types.CloseReconciled, price)
			unlock()
			continue
		}
		if remote.Qty != local.Qty {
			// A partial exit filled; trust the broker's remaining quantity.
			unlock := e.state.lockSymbol(local.Symbol)
			if cur, ok := e.state.Position(local.Symbol); ok {
				cur.Qty = remote.Qty
				cur.UnrealizedPnL = remote.UnrealizedPnL
				e.state.SetPosition(cur)
				e.bus.Emit(events.PositionModified, local.Symbol, cur)
			}
			unlock()
		}
	}

	for symbol, remote := range atBroker {
		if _, ok := e.state.Position(symbol); ok {
			continue
		}
		unlock := e.state.lockSymbol(symbol)
		adopted := remote
		e.relinkBracket(ctx, &adopted)
		if adopted.HighWaterMark == 0 {
			adopted.HighWaterMark = adopted.AvgEntryPrice
		}
		if adopted.InitialRisk == 0 && adopted.StopLoss > 0 {
			adopted.InitialRisk = abs(adopted.AvgEntryPrice - adopted.StopLoss)
		}
		e.state.SetPosition(adopted)
		unlock()
		e.logger.Info("reconciler adopted position", "symbol", symbol, "qty", remote.Qty)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Protection
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) protectTick(ctx context.Context) {
	for _, pos := range e.state.Positions() {
		unlock := e.state.lockSymbol(pos.Symbol)
		e.protectSymbol(ctx, pos.Symbol)
		unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) protectSymbol(ctx context.Context, symbol string) {
	pos, ok := e.state.Position(symbol)
	if !ok {
		return
	}
	trade, err := e.bars.RealtimePrice(ctx, symbol)
	if err != nil {
		return
	}

	var atr float64
	if feats, ok := e.bars.Features(symbol); ok {
		atr = feats.ATR14
	}

	before := pos
	if err := e.protector.Manage(ctx, &pos, trade.Price, atr); err != nil {
		e.logger.Warn("protection tick failed", "symbol", symbol, "error", err)
		return
	}
	if pos != before {
		e.state.SetPosition(pos)
		e.bus.Emit(events.PositionModified, symbol, pos)
	}
}

// stuckStopTick scans every open position for a stop leg that died at the
// broker, on its own cadence.
func (e *Engine) stuckStopTick(ctx context.Context) {
	for _, pos := range e.state.Positions() {
		unlock := e.state.lockSymbol(pos.Symbol)
		e.checkStop(ctx, pos.Symbol)
		unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) checkStop(ctx context.Context, symbol string) {
	pos, ok := e.state.Position(symbol)
	if !ok {
		return
	}
	trade, err := e.bars.RealtimePrice(ctx, symbol)
	if err != nil {
		return
	}

	before := pos
	breached, err := e.protector.EnsureStop(ctx, &pos, trade.Price)
	if err != nil {
		e.logger.Warn("stop check failed", "symbol", symbol, "error", err)
		return
	}
	if pos != before {
		e.state.SetPosition(pos)
	}
	if breached {
		// Naked position with price through the stop level: close now.
		if _, err := e.exec.Close(ctx, pos, types.CloseRiskLimit, trade.Price); err != nil {
			e.logger.Error("breach close failed", "symbol", symbol, "error", err)
			return
		}
		e.finalizeClose(symbol, types.CloseRiskLimit, trade.Price)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scanner, metrics, operator controls
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) consumeScans(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-e.scanner.Results():
			e.state.SetWatchlist(result.Symbols)
			e.logger.Info("watchlist updated", "symbols", len(result.Symbols))
		}
	}
}

func (e *Engine) metricsTick(context.Context) {
	counters := e.state.Counters()
	metrics.Equity.Set(counters.CurrentEquity)
	metrics.DrawdownPct.Set(counters.DrawdownPct())
	metrics.PositionsOpen.Set(float64(e.state.OpenCount()))
	metrics.EventsDropped.Set(float64(e.bus.Dropped()))

	winRate, profitFactor, completed := e.state.SessionStats()
	if completed > 0 {
		metrics.WinRate.Set(winRate)
		metrics.ProfitFactor.Set(profitFactor)
	}
}

// EnableTrading re-arms new entries. An explicit operator enable also lifts
// the emergency latch.
func (e *Engine) EnableTrading() {
	if e.state.Emergency() {
		e.logger.Warn("lifting emergency latch on operator enable")
	}
	e.state.Rearm()
	e.bus.Emit(events.EngineLog, "", "trading enabled")
}

// DisableTrading stops new entries; open positions stay protected.
func (e *Engine) DisableTrading() {
	e.state.SetEnabled(false)
	e.bus.Emit(events.EngineLog, "", "trading disabled")
}

// EmergencyStop market-closes everything and latches trading off until an
// explicit EnableTrading.
func (e *Engine) EmergencyStop(ctx context.Context) {
	e.state.SetEmergency()
	e.bus.Emit(events.EngineLog, "", "EMERGENCY STOP")
	e.logger.Error("emergency stop triggered")

	for _, pos := range e.state.Positions() {
		unlock := e.state.lockSymbol(pos.Symbol)
		price := e.realtimeOr(ctx, pos.Symbol, pos.AvgEntryPrice)
		if _, err := e.exec.Close(ctx, pos, types.CloseEmergency, price); err != nil {
			e.logger.Error("emergency close failed", "symbol", pos.Symbol, "error", err)
			unlock()
			continue
		}
		e.finalizeClose(pos.Symbol, types.CloseEmergency, price)
		unlock()
	}
}

// Status is the operator-facing snapshot served by the API.
type Status struct {
	TradingEnabled bool                `json:"trading_enabled"`
	Emergency      bool                `json:"emergency"`
	DryRun         bool                `json:"dry_run"`
	Regime         types.Regime        `json:"regime"`
	Counters       types.DailyCounters `json:"counters"`
	Positions      []types.Position    `json:"positions"`
	Watchlist      []string            `json:"watchlist"`
	Sentiment      types.Sentiment     `json:"sentiment"`
}

// Snapshot returns the current operator status.
func (e *Engine) Snapshot() Status {
	return Status{
		TradingEnabled: e.state.Enabled(),
		Emergency:      e.state.Emergency(),
		DryRun:         e.cfg.DryRun,
		Regime:         e.state.Regime(),
		Counters:       e.state.Counters(),
		Positions:      e.state.Positions(),
		Watchlist:      e.state.Watchlist(),
		Sentiment:      e.sentiment.Current(),
	}
}

func (e *Engine) realtimeOr(ctx context.Context, symbol string, fallback float64) float64 {
	if trade, err := e.bars.RealtimePrice(ctx, symbol); err == nil && trade.Price > 0 {
		return trade.Price
	}
	return fallback
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
