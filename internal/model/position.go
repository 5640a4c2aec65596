package model

import (
	"fmt"
	"time"
)

// Position represents current holdings of one symbol, scoped by
// (user, market, mode). Quantity only changes on confirmed fills;
// current price is refreshed from the exchange connector.
type Position struct {
	UserID     string `json:"user_id"`
	MarketType string `json:"market_type"`
	Mode       string `json:"mode"`
	Symbol     string `json:"symbol"`

	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`

	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the unique position key within a portfolio
func (p *Position) Key() string {
	return PositionMapKey(p.UserID, p.MarketType, p.Mode, p.Symbol)
}

// PositionMapKey builds the position key without a Position value
func PositionMapKey(userID, market, mode, symbol string) string {
	return fmt.Sprintf("%s:%s:%s:%s", userID, market, mode, symbol)
}

// Notional returns the current market value of the position
func (p *Position) Notional() float64 {
	return p.Quantity * p.CurrentPrice
}
