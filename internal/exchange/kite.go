package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tradeloop/engine/internal/model"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// KiteConnector implements Connector against the Kite Connect stock
// broker REST API.
type KiteConnector struct {
	http    *resty.Client
	limiter *rate.Limiter
}

// NewKiteConnector creates a live stock broker connector for one
// credential set.
func NewKiteConnector(baseURL, apiKey, accessToken string) *KiteConnector {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", apiKey, accessToken))

	return &KiteConnector{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(3), 5),
	}
}

func (c *KiteConnector) Name() string { return model.ExchangeKite }

type kiteMarginsResponse struct {
	Data struct {
		Equity struct {
			Available struct {
				Cash float64 `json:"cash"`
			} `json:"available"`
			Utilised struct {
				Debits float64 `json:"debits"`
			} `json:"utilised"`
		} `json:"equity"`
	} `json:"data"`
}

func (c *KiteConnector) FetchBalances(ctx context.Context) ([]Balance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out kiteMarginsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/user/margins")
	if err != nil {
		return nil, &TransientError{Op: "fetch balances", Err: err}
	}
	if err := c.checkStatus("fetch balances", resp); err != nil {
		return nil, err
	}

	return []Balance{{
		Asset:  "INR",
		Free:   out.Data.Equity.Available.Cash,
		Locked: out.Data.Equity.Utilised.Debits,
	}}, nil
}

type kiteQuoteResponse struct {
	Data map[string]struct {
		LastPrice float64 `json:"last_price"`
	} `json:"data"`
}

func (c *KiteConnector) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	instrument := "NSE:" + symbol
	var out kiteQuoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("i", instrument).
		SetResult(&out).
		Get("/quote/ltp")
	if err != nil {
		return nil, &TransientError{Op: "fetch ticker", Err: err}
	}
	if err := c.checkStatus("fetch ticker", resp); err != nil {
		return nil, err
	}

	quote, ok := out.Data[instrument]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", instrument)
	}

	return &Ticker{
		Symbol:    symbol,
		Bid:       quote.LastPrice,
		Ask:       quote.LastPrice,
		Last:      quote.LastPrice,
		Timestamp: time.Now(),
	}, nil
}

type kiteOrderResponse struct {
	Data struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

func (c *KiteConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out kiteOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"tradingsymbol":    req.Symbol,
			"exchange":         "NSE",
			"transaction_type": kiteSide(req.Side),
			"order_type":       "LIMIT",
			"product":          "CNC",
			"quantity":         strconv.FormatFloat(req.Quantity, 'f', 0, 64),
			"price":            strconv.FormatFloat(req.Price, 'f', 2, 64),
			"tag":              req.ClientOrderID,
		}).
		SetResult(&out).
		Post("/orders/regular")
	if err != nil {
		return nil, &TransientError{Op: "place order", Err: err}
	}
	if err := c.checkStatus("place order", resp); err != nil {
		return nil, err
	}

	return &OrderResult{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: out.Data.OrderID,
		Status:          model.OrderStatusPending,
	}, nil
}

type kiteOrderHistoryResponse struct {
	Data []struct {
		Status         string  `json:"status"`
		FilledQuantity float64 `json:"filled_quantity"`
		AveragePrice   float64 `json:"average_price"`
	} `json:"data"`
}

func (c *KiteConnector) FetchOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out kiteOrderHistoryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/orders/" + clientOrderID)
	if err != nil {
		return nil, &TransientError{Op: "fetch order status", Err: err}
	}
	if err := c.checkStatus("fetch order status", resp); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("order %s not found", clientOrderID)
	}

	last := out.Data[len(out.Data)-1]
	return &OrderResult{
		ClientOrderID:  clientOrderID,
		Status:         mapKiteStatus(last.Status),
		FilledQuantity: last.FilledQuantity,
		FilledPrice:    last.AveragePrice,
	}, nil
}

func (c *KiteConnector) checkStatus(op string, resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return &AuthError{Exchange: model.ExchangeKite, Err: fmt.Errorf("%s: HTTP %d", op, resp.StatusCode())}
	case resp.StatusCode() >= http.StatusInternalServerError:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode())}
	case resp.StatusCode() >= http.StatusBadRequest:
		return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

func kiteSide(side string) string {
	if side == model.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func mapKiteStatus(status string) string {
	switch status {
	case "COMPLETE":
		return model.OrderStatusFilled
	case "CANCELLED":
		return model.OrderStatusCancelled
	case "REJECTED":
		return model.OrderStatusRejected
	default:
		return model.OrderStatusPending
	}
}
