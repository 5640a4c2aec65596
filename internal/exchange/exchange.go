// Package exchange provides a uniform connector interface over the
// supported exchanges and brokers, plus a paper-trading simulator.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Balance is one asset balance on the exchange
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Ticker is a point-in-time quote for a symbol
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderRequest is a connector-agnostic order submission
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string // buy, sell
	Quantity      float64
	Price         float64
}

// OrderResult reports the exchange-confirmed state of an order
type OrderResult struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          string // pending, filled, rejected, cancelled
	FilledQuantity  float64
	FilledPrice     float64
}

// Connector is the capability set every exchange implementation provides.
// Calls may block on network I/O; callers must not hold locks across them.
type Connector interface {
	Name() string
	FetchBalances(ctx context.Context) ([]Balance, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	FetchOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
}

// AuthError signals invalid or expired credentials. It is never retried
// and marks the backing ExchangeCredential as errored.
type AuthError struct {
	Exchange string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Exchange, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransientError signals a retryable network or availability fault
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is (or wraps) an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
