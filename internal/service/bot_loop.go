package service

import (
	"context"
	"fmt"
	"time"

	"tradeloop/engine/internal/exchange"
	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/strategy"
	"tradeloop/engine/internal/util"
)

// runLoop drives one bot until its stop channel closes
func (m *BotManager) runLoop(rt *botRuntime) {
	defer close(rt.done)
	for {
		select {
		case <-rt.stop:
			return
		case <-rt.ticker.C:
			if rt.cancelled.Load() {
				return
			}
			m.tick(rt)
		}
	}
}

// tick executes one evaluation cycle: quote, reconcile, evaluate,
// submit, persist heartbeat.
func (m *BotManager) tick(rt *botRuntime) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.interval+10*time.Second)
	defer cancel()

	rt.mu.Lock()
	if rt.paused || rt.bot.State != model.BotStateRunning {
		rt.mu.Unlock()
		return
	}
	m.rollDailyPnLLocked(rt)
	bot := *rt.bot
	prevPrice := rt.prevPrice
	rt.mu.Unlock()

	symbol := bot.Config.Symbol

	var ticker *exchange.Ticker
	err := exchange.WithRetry(ctx, 3, retryBase, func() error {
		var fetchErr error
		ticker, fetchErr = rt.conn.FetchTicker(ctx, symbol)
		return fetchErr
	})
	if err != nil {
		m.handleTickError(rt, err)
		return
	}
	price := ticker.Last

	m.reconcilePending(ctx, rt)

	pos := m.portfolio.Position(bot.UserID, bot.MarketType, bot.Mode, symbol)

	rt.mu.Lock()
	levels := make(map[int]string, len(rt.bot.EmittedLevels))
	for lvl, id := range rt.bot.EmittedLevels {
		levels[lvl] = id
	}
	dailyPnL := rt.bot.DailyPnL
	rt.mu.Unlock()

	intents := rt.strat.Evaluate(strategy.Input{
		Symbol:        symbol,
		Price:         price,
		PrevPrice:     prevPrice,
		Position:      pos,
		Config:        bot.Config,
		EmittedLevels: levels,
	})
	intents = m.applyRiskLimits(&bot, pos, dailyPnL, price, intents)

	for _, intent := range intents {
		// Stop may have been requested mid-tick; never submit after that
		if rt.cancelled.Load() {
			return
		}
		m.submitIntent(ctx, rt, intent)
	}

	m.portfolio.RefreshPrice(ctx, bot.UserID, bot.MarketType, bot.Mode, symbol, price)

	now := time.Now()
	rt.mu.Lock()
	rt.prevPrice = price
	rt.bot.TickFailures = 0
	rt.bot.LastHeartbeat = &now
	copied := *rt.bot
	rt.mu.Unlock()

	if err := m.bots.Update(ctx, &copied, ""); err != nil {
		m.log.Warnf("Bot %d heartbeat persist failed: %v", copied.ID, err)
	}
	m.notifyBot(&copied)
}

// applyRiskLimits drops buy intents that would breach the position cap
// or the daily loss limit. Sells always pass so the bot can still
// reduce exposure.
func (m *BotManager) applyRiskLimits(bot *model.BotInstance, pos model.Position, dailyPnL, price float64, intents []strategy.OrderIntent) []strategy.OrderIntent {
	cfg := bot.Config
	lossStop := cfg.DailyLossLimit > 0 && dailyPnL <= -cfg.DailyLossLimit
	exposure := pos.Quantity * price

	out := make([]strategy.OrderIntent, 0, len(intents))
	for _, intent := range intents {
		if intent.Side == model.OrderSideBuy {
			if lossStop {
				m.log.Warnf("Bot %d daily loss limit hit (%.2f), buys suspended", bot.ID, dailyPnL)
				continue
			}
			notional := intent.Quantity * intent.Price
			if cfg.MaxPositionQuote > 0 && exposure+notional > cfg.MaxPositionQuote {
				m.log.Debugf("Bot %d buy skipped, position cap %.2f would be exceeded", bot.ID, cfg.MaxPositionQuote)
				continue
			}
			exposure += notional
		}
		out = append(out, intent)
	}
	return out
}

// submitIntent journals the order, submits it, and applies the result
func (m *BotManager) submitIntent(ctx context.Context, rt *botRuntime, intent strategy.OrderIntent) {
	rt.mu.Lock()
	bot := rt.bot
	order := &model.Order{
		ID:             newClientOrderID(bot.ID, intent.Side),
		BotID:          bot.ID,
		UserID:         bot.UserID,
		MarketType:     bot.MarketType,
		Mode:           bot.Mode,
		Symbol:         bot.Config.Symbol,
		Side:           intent.Side,
		Quantity:       util.FloorToPrecision(intent.Quantity, 8),
		Price:          util.RoundToPrecision(intent.Price, 8),
		Status:         model.OrderStatusPending,
		StrategyOrigin: bot.StrategyName,
		GridLevel:      intent.Level,
		CreatedAt:      time.Now(),
	}
	// Reserve the grid level before submission so a crash between
	// submit and persist cannot double-emit it.
	if intent.Level != 0 {
		bot.EmittedLevels[intent.Level] = order.ID
	}
	rt.mu.Unlock()

	if err := m.orders.Save(ctx, order); err != nil {
		m.releaseLevel(rt, intent.Level)
		m.log.Errorf("Bot %d could not journal order %s: %v", order.BotID, order.ID, err)
		return
	}

	var result *exchange.OrderResult
	err := exchange.WithRetry(ctx, 2, retryBase, func() error {
		var placeErr error
		result, placeErr = rt.conn.PlaceOrder(ctx, exchange.OrderRequest{
			ClientOrderID: order.ID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      order.Quantity,
			Price:         order.Price,
		})
		return placeErr
	})
	if err != nil {
		if exchange.IsAuthError(err) {
			m.failAuth(rt, err)
			return
		}
		if exchange.IsTransient(err) {
			// Submission outcome unknown; leave the order pending for
			// reconciliation on a later tick.
			order.ErrorMessage = err.Error()
			if saveErr := m.orders.Save(ctx, order); saveErr != nil {
				m.log.Warnf("Bot %d order %s update failed: %v", order.BotID, order.ID, saveErr)
			}
			m.log.Warnf("Bot %d order %s submission unconfirmed: %v", order.BotID, order.ID, err)
			return
		}
		order.Status = model.OrderStatusRejected
		order.ErrorMessage = err.Error()
		if saveErr := m.orders.Save(ctx, order); saveErr != nil {
			m.log.Warnf("Bot %d order %s update failed: %v", order.BotID, order.ID, saveErr)
		}
		m.releaseLevel(rt, intent.Level)
		m.log.Warnf("Bot %d order %s rejected by exchange: %v", order.BotID, order.ID, err)
		return
	}

	m.applyOrderResult(ctx, rt, order, result)
}

// reconcilePending checks earlier pending orders against the exchange
// and applies any fills that happened between ticks. An order whose
// fill could not reach the portfolio stays pending in the journal, so
// this scan also re-drives it until the tracker accepts it.
func (m *BotManager) reconcilePending(ctx context.Context, rt *botRuntime) {
	rt.mu.Lock()
	botID := rt.bot.ID
	symbol := rt.bot.Config.Symbol
	rt.mu.Unlock()

	orders, err := m.orders.ListRecentByBot(ctx, botID, 20)
	if err != nil {
		m.log.Warnf("Bot %d pending order scan failed: %v", botID, err)
		return
	}

	for _, order := range orders {
		if order.Status != model.OrderStatusPending {
			continue
		}
		result, err := rt.conn.FetchOrderStatus(ctx, symbol, order.ID)
		if err != nil {
			if exchange.IsAuthError(err) {
				m.failAuth(rt, err)
				return
			}
			m.log.Warnf("Bot %d order %s status check failed: %v", botID, order.ID, err)
			continue
		}
		if result.Status == model.OrderStatusPending {
			continue
		}
		m.applyOrderResult(ctx, rt, order, result)
	}
}

// applyOrderResult records the exchange-confirmed outcome of an order,
// updating the portfolio and grid bookkeeping on fills. The journal is
// marked filled only after the portfolio accepted the fill; until then
// the order stays pending so reconciliation retries it.
func (m *BotManager) applyOrderResult(ctx context.Context, rt *botRuntime, order *model.Order, result *exchange.OrderResult) {
	order.ExchangeOrderID = result.ExchangeOrderID

	switch result.Status {
	case model.OrderStatusFilled:
	case model.OrderStatusRejected, model.OrderStatusCancelled:
		order.Status = result.Status
		m.releaseLevel(rt, order.GridLevel)
		if err := m.orders.Save(ctx, order); err != nil {
			m.log.Warnf("Bot %d order %s update failed: %v", order.BotID, order.ID, err)
		}
		return
	default:
		order.Status = result.Status
		if err := m.orders.Save(ctx, order); err != nil {
			m.log.Warnf("Bot %d order %s update failed: %v", order.BotID, order.ID, err)
		}
		return
	}

	now := time.Now()
	order.FilledAt = &now
	if result.FilledQuantity > 0 {
		order.Quantity = result.FilledQuantity
	}
	if result.FilledPrice > 0 {
		order.Price = result.FilledPrice
	}

	realized, err := m.portfolio.ApplyFill(ctx, order)
	if err != nil {
		// Journal stays pending so the next reconciliation re-drives
		// the fill into the portfolio
		order.Status = model.OrderStatusPending
		order.ErrorMessage = err.Error()
		if saveErr := m.orders.Save(ctx, order); saveErr != nil {
			m.log.Warnf("Bot %d order %s update failed: %v", order.BotID, order.ID, saveErr)
		}
		m.log.Errorf("Bot %d fill %s not applied: %v", order.BotID, order.ID, err)
		return
	}

	order.Status = model.OrderStatusFilled
	order.ErrorMessage = ""
	if err := m.orders.Save(ctx, order); err != nil {
		m.log.Warnf("Bot %d order %s update failed: %v", order.BotID, order.ID, err)
	}

	rt.mu.Lock()
	rt.bot.TotalTrades++
	if order.Side == model.OrderSideSell {
		if realized > 0 {
			rt.bot.WinningTrades++
		}
		rt.bot.RealizedPnL += realized
		rt.bot.DailyPnL += realized
		if order.GridLevel > 0 {
			// A completed sell cycle re-arms both sides of the level pair
			delete(rt.bot.EmittedLevels, order.GridLevel)
			delete(rt.bot.EmittedLevels, -order.GridLevel)
		}
	}
	rt.mu.Unlock()

	m.notifyPosition(order)
}

func (m *BotManager) notifyPosition(order *model.Order) {
	if m.notifier == nil {
		return
	}
	pos := m.portfolio.Position(order.UserID, order.MarketType, order.Mode, order.Symbol)
	m.notifier.NotifyPositionUpdate(context.Background(), order.UserID, model.WSPositionUpdatePayload{
		MarketType: order.MarketType,
		Mode:       order.Mode,
		Symbol:     order.Symbol,
		Quantity:   pos.Quantity,
		PnL:        pos.RealizedPnL + pos.UnrealizedPnL,
	})
}

func (m *BotManager) releaseLevel(rt *botRuntime, level int) {
	if level == 0 {
		return
	}
	rt.mu.Lock()
	delete(rt.bot.EmittedLevels, level)
	rt.mu.Unlock()
}

// handleTickError counts consecutive failures and escalates auth
// errors or a failure streak into the error state.
func (m *BotManager) handleTickError(rt *botRuntime, err error) {
	if exchange.IsAuthError(err) {
		m.failAuth(rt, err)
		return
	}

	rt.mu.Lock()
	rt.bot.TickFailures++
	failures := rt.bot.TickFailures
	copied := *rt.bot
	rt.mu.Unlock()

	m.log.Warnf("Bot %d tick failed (%d/%d): %v", copied.ID, failures, m.engineCfg.MaxTickFailures, err)
	if persistErr := m.bots.Update(context.Background(), &copied, ""); persistErr != nil {
		m.log.Warnf("Bot %d failure count persist failed: %v", copied.ID, persistErr)
	}

	if failures >= m.engineCfg.MaxTickFailures {
		m.failInstance(rt, fmt.Sprintf("%d consecutive tick failures, last: %v", failures, err))
	}
}

// failAuth marks the backing credential errored and stops the bot.
// Only this bot is affected; others keep running.
func (m *BotManager) failAuth(rt *botRuntime, err error) {
	rt.mu.Lock()
	userID := rt.bot.UserID
	market := rt.bot.MarketType
	rt.mu.Unlock()

	m.creds.MarkError(context.Background(), userID, model.ExchangeForMarket(market), err.Error())
	m.failInstance(rt, "exchange authentication failed: "+err.Error())
}

// failInstance moves a bot to the error state and tears its loop down
func (m *BotManager) failInstance(rt *botRuntime, reason string) {
	rt.cancelled.Store(true)
	rt.signalStop()
	rt.ticker.Stop()

	now := time.Now()
	rt.mu.Lock()
	old := rt.bot.State
	rt.bot.State = model.BotStateError
	rt.bot.ErrorMessage = reason
	rt.bot.StoppedAt = &now
	copied := *rt.bot
	rt.mu.Unlock()

	ctx := context.Background()
	if err := m.bots.Update(ctx, &copied, old); err != nil {
		m.log.Error("Failed to persist errored bot", err)
	}
	if err := m.bots.ReleaseSlot(ctx, copied.UserID, copied.MarketType); err != nil {
		m.log.Error("Failed to release bot slot", err)
	}
	m.deregister(copied.SlotID())

	m.log.Errorf("Bot %d entered error state: %s", copied.ID, reason)
	m.notifyBot(&copied)
}

// rollDailyPnLLocked resets the daily counter on the first tick of a
// new day. Caller holds rt.mu.
func (m *BotManager) rollDailyPnLLocked(rt *botRuntime) {
	if rt.bot.LastHeartbeat == nil {
		return
	}
	last := *rt.bot.LastHeartbeat
	now := time.Now()
	if last.Year() != now.Year() || last.YearDay() != now.YearDay() {
		rt.bot.DailyPnL = 0
	}
}
