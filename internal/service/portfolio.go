package service

import (
	"context"
	"sync"
	"time"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/pkg/logger"
)

// PortfolioTracker maintains in-memory positions per (user, market,
// mode, symbol) and writes snapshots through to the position store.
// Fills are applied at most once per order ID.
type PortfolioTracker struct {
	mu        sync.Mutex
	store     PositionStore
	positions map[string]*model.Position
	applied   map[string]bool
	log       *logger.Logger
}

func NewPortfolioTracker(store PositionStore) *PortfolioTracker {
	return &PortfolioTracker{
		store:     store,
		positions: make(map[string]*model.Position),
		applied:   make(map[string]bool),
		log:       logger.GetLogger().WithField("component", "portfolio"),
	}
}

// LoadScope hydrates the tracker from persisted positions for one
// (user, market, mode) scope. Used on restore.
func (t *PortfolioTracker) LoadScope(ctx context.Context, userID, market, mode string) error {
	persisted, err := t.store.ListByScope(ctx, userID, market, mode)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pos := range persisted {
		copied := *pos
		t.positions[copied.Key()] = &copied
	}
	return nil
}

// ApplyFill updates the position for a filled order and returns the
// realized P&L delta. Replays of an already applied order ID are
// no-ops returning zero. The fill is committed in memory only after
// the snapshot persists, so a store failure leaves the order eligible
// for a retry.
func (t *PortfolioTracker) ApplyFill(ctx context.Context, order *model.Order) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.applied[order.ID] {
		return 0, nil
	}

	pos := t.positionLocked(order.UserID, order.MarketType, order.Mode, order.Symbol)
	next := *pos

	var realized float64
	switch order.Side {
	case model.OrderSideBuy:
		newQty := next.Quantity + order.Quantity
		if newQty > 0 {
			next.AveragePrice = (next.Quantity*next.AveragePrice + order.Quantity*order.Price) / newQty
		}
		next.Quantity = newQty
	case model.OrderSideSell:
		qty := order.Quantity
		if qty > next.Quantity {
			qty = next.Quantity
		}
		realized = (order.Price - next.AveragePrice) * qty
		next.Quantity -= qty
		next.RealizedPnL += realized
	}

	next.CurrentPrice = order.Price
	next.UnrealizedPnL = (next.CurrentPrice - next.AveragePrice) * next.Quantity
	next.UpdatedAt = time.Now()

	if err := t.store.Save(ctx, &next); err != nil {
		return 0, err
	}

	*pos = next
	t.applied[order.ID] = true

	t.log.Debugf("Fill applied: order=%s %s %s qty=%.8f realized=%.2f",
		order.ID, order.Symbol, order.Side, order.Quantity, realized)
	return realized, nil
}

// RefreshPrice updates the mark price and unrealized P&L for one
// position. Missing positions are ignored.
func (t *PortfolioTracker) RefreshPrice(ctx context.Context, userID, market, mode, symbol string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[model.PositionMapKey(userID, market, mode, symbol)]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.AveragePrice) * pos.Quantity
	pos.UpdatedAt = time.Now()

	if err := t.store.Save(ctx, pos); err != nil {
		t.log.Warnf("Failed to persist position mark for %s: %v", symbol, err)
	}
}

// Position returns a copy of one position, or a zero-valued position
// if none exists yet.
func (t *PortfolioTracker) Position(userID, market, mode, symbol string) model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.positionLocked(userID, market, mode, symbol)
}

// Snapshot returns copies of all positions in a scope
func (t *PortfolioTracker) Snapshot(userID, market, mode string) []model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.Position
	for _, pos := range t.positions {
		if pos.UserID == userID && pos.MarketType == market && pos.Mode == mode {
			out = append(out, *pos)
		}
	}
	return out
}

// TotalPnL returns the realized and unrealized totals across a scope
func (t *PortfolioTracker) TotalPnL(userID, market, mode string) (realized, unrealized float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pos := range t.positions {
		if pos.UserID == userID && pos.MarketType == market && pos.Mode == mode {
			realized += pos.RealizedPnL
			unrealized += pos.UnrealizedPnL
		}
	}
	return realized, unrealized
}

func (t *PortfolioTracker) positionLocked(userID, market, mode, symbol string) *model.Position {
	key := model.PositionMapKey(userID, market, mode, symbol)
	pos, ok := t.positions[key]
	if !ok {
		pos = &model.Position{
			UserID:     userID,
			MarketType: market,
			Mode:       mode,
			Symbol:     symbol,
		}
		t.positions[key] = pos
	}
	return pos
}
