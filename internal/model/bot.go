package model

import (
	"fmt"
	"time"
)

// Bot lifecycle states
const (
	BotStateStopped  = "stopped"
	BotStateStarting = "starting"
	BotStateRunning  = "running"
	BotStatePausing  = "pausing"
	BotStatePaused   = "paused"
	BotStateStopping = "stopping"
	BotStateError    = "error"
)

// Market types
const (
	MarketStock  = "stock"
	MarketCrypto = "crypto"
)

// Trading modes
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// StrategyConfig is an immutable parameter snapshot for one bot run.
// Changing parameters requires stopping the bot and starting a new run.
type StrategyConfig struct {
	Symbol             string  `json:"symbol" binding:"required"`
	ReferencePrice     float64 `json:"reference_price" binding:"required,gt=0"`
	GridLevels         int     `json:"grid_levels" binding:"omitempty,gte=2,lte=100"`
	GridSpacingPercent float64 `json:"grid_spacing_percent" binding:"omitempty,gt=0"`
	OrderSizeQuote     float64 `json:"order_size_quote" binding:"required,gt=0"`
	MaxPositionQuote   float64 `json:"max_position_quote" binding:"omitempty,gte=0"`
	DailyLossLimit     float64 `json:"daily_loss_limit" binding:"omitempty,gte=0"`
	TickIntervalSec    int     `json:"tick_interval_sec" binding:"omitempty,gte=1"`
}

// BotInstance is the runtime record of one trading automation for a
// (user, market) pair. At most one instance per pair may be in a
// non-terminal state.
type BotInstance struct {
	ID         int64  `json:"id"`
	UserID     string `json:"user_id"`
	MarketType string `json:"market_type"` // stock, crypto

	State        string `json:"state"`
	StrategyName string `json:"strategy_name"`
	Mode         string `json:"mode"` // live, paper

	Config StrategyConfig `json:"config"`

	// Grid level history: level index -> order ID that was emitted at
	// that level. Persisted so restarts do not re-emit filled levels.
	EmittedLevels map[int]string `json:"emitted_levels,omitempty"`

	// Statistics
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	RealizedPnL   float64 `json:"realized_pnl"`
	DailyPnL      float64 `json:"daily_pnl"`

	TickFailures int    `json:"tick_failures"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SlotID identifies the (user, market) slot this instance occupies
func (b *BotInstance) SlotID() string {
	return fmt.Sprintf("%s:%s", b.UserID, b.MarketType)
}

// Active reports whether the instance is in a non-terminal state
func (b *BotInstance) Active() bool {
	switch b.State {
	case BotStateStopped, BotStateError:
		return false
	}
	return true
}

// WinRate calculates the win rate percentage
func (b *BotInstance) WinRate() float64 {
	if b.TotalTrades == 0 {
		return 0
	}
	return float64(b.WinningTrades) / float64(b.TotalTrades) * 100
}

// ValidMarket reports whether market is a known market type
func ValidMarket(market string) bool {
	return market == MarketStock || market == MarketCrypto
}

// StartBotRequest is the payload for starting a bot
type StartBotRequest struct {
	Strategy string         `json:"strategy" binding:"required"`
	Mode     string         `json:"mode" binding:"required,oneof=live paper"`
	Config   StrategyConfig `json:"config" binding:"required"`
}

// BotStatus is a read-only lifecycle snapshot returned by the status endpoint
type BotStatus struct {
	BotID         int64      `json:"bot_id"`
	MarketType    string     `json:"market_type"`
	State         string     `json:"state"`
	StrategyName  string     `json:"strategy_name"`
	Mode          string     `json:"mode"`
	UptimeSec     int64      `json:"uptime_sec"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	RealizedPnL   float64    `json:"realized_pnl"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	OpenPositions int        `json:"open_positions"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// BotPerformance aggregates trade history and P&L for a bot run
type BotPerformance struct {
	BotID         int64      `json:"bot_id"`
	MarketType    string     `json:"market_type"`
	StrategyName  string     `json:"strategy_name"`
	Mode          string     `json:"mode"`
	TotalTrades   int        `json:"total_trades"`
	WinningTrades int        `json:"winning_trades"`
	WinRate       float64    `json:"win_rate"`
	RealizedPnL   float64    `json:"realized_pnl"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	DailyPnL      float64    `json:"daily_pnl"`
	Positions     []Position `json:"positions"`
	RecentOrders  []*Order   `json:"recent_orders"`
}
