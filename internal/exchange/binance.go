package exchange

import (
	"context"
	"errors"
	"strconv"
	"time"

	"tradeloop/engine/internal/model"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"
)

// Binance API error codes that indicate bad credentials rather than a
// transient fault.
var binanceAuthCodes = map[int64]bool{
	-1022: true, // invalid signature
	-2014: true, // API-key format invalid
	-2015: true, // invalid API-key, IP, or permissions
}

// BinanceConnector implements Connector against Binance spot
type BinanceConnector struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewBinanceConnector creates a live Binance connector for one
// credential set. baseURL overrides the default endpoint when set
// (testnet, mocks).
func NewBinanceConnector(apiKey, apiSecret, baseURL string) *BinanceConnector {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceConnector{
		client: client,
		// Binance allows 1200 request weight/min; stay well under it
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (c *BinanceConnector) Name() string { return model.ExchangeBinance }

func (c *BinanceConnector) FetchBalances(ctx context.Context) ([]Balance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.wrapErr("fetch balances", err)
	}

	balances := make([]Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

func (c *BinanceConnector) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tickers, err := c.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.wrapErr("fetch ticker", err)
	}
	if len(tickers) == 0 {
		return nil, &TransientError{Op: "fetch ticker", Err: errors.New("empty book ticker response")}
	}

	bid, _ := strconv.ParseFloat(tickers[0].BidPrice, 64)
	ask, _ := strconv.ParseFloat(tickers[0].AskPrice, 64)
	return &Ticker{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      (bid + ask) / 2,
		Timestamp: time.Now(),
	}, nil
}

func (c *BinanceConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	side := binance.SideTypeBuy
	if req.Side == model.OrderSideSell {
		side = binance.SideTypeSell
	}

	resp, err := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', 8, 64)).
		Price(strconv.FormatFloat(req.Price, 'f', 8, 64)).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return nil, c.wrapErr("place order", err)
	}

	filledQty, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	return &OrderResult{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapBinanceStatus(resp.Status),
		FilledQuantity:  filledQty,
		FilledPrice:     req.Price,
	}, nil
}

func (c *BinanceConnector) FetchOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	order, err := c.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, c.wrapErr("fetch order status", err)
	}

	filledQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	price, _ := strconv.ParseFloat(order.Price, 64)
	return &OrderResult{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Status:          mapBinanceStatus(order.Status),
		FilledQuantity:  filledQty,
		FilledPrice:     price,
	}, nil
}

func (c *BinanceConnector) wrapErr(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if binanceAuthCodes[apiErr.Code] {
			return &AuthError{Exchange: model.ExchangeBinance, Err: err}
		}
		// Other API errors (bad symbol, filters) are not retryable but
		// also not credential problems; surface them as-is.
		return err
	}
	return &TransientError{Op: op, Err: err}
}

func mapBinanceStatus(status binance.OrderStatusType) string {
	switch status {
	case binance.OrderStatusTypeFilled:
		return model.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return model.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return model.OrderStatusRejected
	default:
		return model.OrderStatusPending
	}
}
