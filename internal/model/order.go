package model

import "time"

// Order status constants
const (
	OrderStatusPending   = "pending"
	OrderStatusFilled    = "filled"
	OrderStatusRejected  = "rejected"
	OrderStatusCancelled = "cancelled"
)

// Order sides
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Order is the audit record of one proposed trade. Status moves to
// filled or rejected only on exchange confirmation, never optimistically.
type Order struct {
	ID         string `json:"id"` // client order ID, engine-generated
	BotID      int64  `json:"bot_id"`
	UserID     string `json:"user_id"`
	MarketType string `json:"market_type"`
	Mode       string `json:"mode"`

	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Status   string  `json:"status"`

	StrategyOrigin  string `json:"strategy_origin"`
	GridLevel       int    `json:"grid_level,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	FilledAt  *time.Time `json:"filled_at,omitempty"`
}

// Notional returns the quote value of the order
func (o *Order) Notional() float64 {
	return o.Quantity * o.Price
}
