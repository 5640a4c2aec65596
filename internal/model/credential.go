package model

import "time"

// Exchange credential status constants. Transitions are driven solely
// by connection attempts, never assumed by callers.
const (
	CredentialStatusConnected    = "connected"
	CredentialStatusDisconnected = "disconnected"
	CredentialStatusError        = "error"
)

// Supported exchanges
const (
	ExchangeBinance = "binance"
	ExchangeKite    = "kite"
)

// ExchangeCredential holds one user's API credentials for one exchange.
// APIKey and APISecret are stored encrypted at rest.
type ExchangeCredential struct {
	UserID   string `json:"user_id"`
	Exchange string `json:"exchange"`

	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`

	Status        string     `json:"status"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialRequest is the payload for storing exchange credentials
type CredentialRequest struct {
	Exchange  string `json:"exchange" binding:"required,oneof=binance kite"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// CredentialView is the credential shape exposed over the API; secrets
// are never returned.
type CredentialView struct {
	Exchange      string     `json:"exchange"`
	Status        string     `json:"status"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// View returns the API-safe projection of the credential
func (c *ExchangeCredential) View() CredentialView {
	return CredentialView{
		Exchange:      c.Exchange,
		Status:        c.Status,
		LastConnected: c.LastConnected,
		ErrorMessage:  c.ErrorMessage,
		CreatedAt:     c.CreatedAt,
	}
}

// ExchangeForMarket maps a market type to its backing exchange
func ExchangeForMarket(market string) string {
	if market == MarketStock {
		return ExchangeKite
	}
	return ExchangeBinance
}
