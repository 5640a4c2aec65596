package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"tradeloop/engine/internal/model"
)

// Known quote assets, longest first so BTCUSDT resolves to BTC, not BTCUSD
var quoteSuffixes = []string{"USDT", "BUSD", "USDC", "USD", "INR", "IDR"}

// PaperConnector fulfils the Connector interface with locally tracked
// synthetic prices and balances. No network calls are made, so a
// strategy behaves identically in paper and live mode.
type PaperConnector struct {
	mu         sync.Mutex
	name       string
	quoteAsset string
	balances   map[string]float64
	prices     map[string]float64
	orders     map[string]*OrderResult
	rng        *rand.Rand
}

// NewPaperConnector creates a simulated connector funded with
// startingQuote units of quoteAsset. seedPrices primes the synthetic
// ticker for each symbol.
func NewPaperConnector(name, quoteAsset string, startingQuote float64, seedPrices map[string]float64) *PaperConnector {
	prices := make(map[string]float64, len(seedPrices))
	for sym, p := range seedPrices {
		prices[sym] = p
	}
	return &PaperConnector{
		name:       name,
		quoteAsset: quoteAsset,
		balances:   map[string]float64{quoteAsset: startingQuote},
		prices:     prices,
		orders:     make(map[string]*OrderResult),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *PaperConnector) Name() string { return c.name }

func (c *PaperConnector) FetchBalances(ctx context.Context) ([]Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make([]Balance, 0, len(c.balances))
	for asset, free := range c.balances {
		balances = append(balances, Balance{Asset: asset, Free: free})
	}
	return balances, nil
}

// FetchTicker applies a small random walk to the tracked price so
// strategies see realistic movement without a market feed.
func (c *PaperConnector) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	price, ok := c.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no seed price for symbol %s", symbol)
	}

	// Drift up to ±0.1% per tick
	price *= 1 + (c.rng.Float64()-0.5)*0.002
	c.prices[symbol] = price

	return &Ticker{
		Symbol:    symbol,
		Bid:       price,
		Ask:       price,
		Last:      price,
		Timestamp: time.Now(),
	}, nil
}

// SetPrice pins the synthetic price for a symbol. Used by tests and by
// replay tooling.
func (c *PaperConnector) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// PlaceOrder fills immediately at the requested price, adjusting the
// virtual balances. Orders the balance cannot cover are rejected.
func (c *PaperConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := baseAssetOf(req.Symbol)
	notional := req.Quantity * req.Price

	result := &OrderResult{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("paper-%d", time.Now().UnixNano()),
	}

	switch req.Side {
	case model.OrderSideBuy:
		if c.balances[c.quoteAsset] < notional {
			result.Status = model.OrderStatusRejected
			c.orders[req.ClientOrderID] = result
			return result, nil
		}
		c.balances[c.quoteAsset] -= notional
		c.balances[base] += req.Quantity
	case model.OrderSideSell:
		if c.balances[base] < req.Quantity {
			result.Status = model.OrderStatusRejected
			c.orders[req.ClientOrderID] = result
			return result, nil
		}
		c.balances[base] -= req.Quantity
		c.balances[c.quoteAsset] += notional
	default:
		return nil, fmt.Errorf("unknown order side %q", req.Side)
	}

	result.Status = model.OrderStatusFilled
	result.FilledQuantity = req.Quantity
	result.FilledPrice = req.Price
	c.orders[req.ClientOrderID] = result
	return result, nil
}

func (c *PaperConnector) FetchOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, ok := c.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", clientOrderID)
	}
	copied := *result
	return &copied, nil
}

func baseAssetOf(symbol string) string {
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
