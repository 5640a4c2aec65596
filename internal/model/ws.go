package model

// WSMessageType identifies the kind of WebSocket push message
type WSMessageType string

const (
	WSTypeBotUpdate      WSMessageType = "bot_update"
	WSTypePositionUpdate WSMessageType = "position_update"
)

// WSMessage is the envelope for all WebSocket push messages
type WSMessage struct {
	Type    WSMessageType `json:"type"`
	Payload interface{}   `json:"payload"`
}

// WSBotUpdatePayload notifies the web layer of a bot lifecycle or P&L change
type WSBotUpdatePayload struct {
	BotID       int64   `json:"bot_id"`
	MarketType  string  `json:"market_type"`
	State       string  `json:"state"`
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	RealizedPnL float64 `json:"realized_pnl"`
	DailyPnL    float64 `json:"daily_pnl"`
	Error       string  `json:"error,omitempty"`
}

// WSPositionUpdatePayload notifies the web layer of a position change
type WSPositionUpdatePayload struct {
	MarketType string  `json:"market_type"`
	Mode       string  `json:"mode"`
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	PnL        float64 `json:"pnl"`
}
