// Package broker is the broker adapter: a semantic facade over a
// Tradier-shaped brokerage HTTP API. Request building, retries, and JSON
// decoding run on a shared *resty.Client with a base URL and retry policy,
// one method per semantic operation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Client is the brokerage REST client.
type Client struct {
	http      *resty.Client
	accountID string
	dryRun    bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithDryRun makes mutating calls (placeOrder, cancelOrder) log and return a
// synthetic accepted response instead of reaching the broker — used under
// TRADING_MODE=DRY_RUN.
func WithDryRun(dryRun bool) Option {
	return func(c *Client) { c.dryRun = dryRun }
}

// NewClient builds a Client against baseURL, authenticating with bearerToken
// on every request.
func NewClient(baseURL, bearerToken, accountID string, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Authorization", "Bearer "+bearerToken).
		SetHeader("Accept", "application/json")

	c := &Client{http: httpClient, accountID: accountID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ───────────────────────────── Quotes & chains ─────────────────────────────

// Quote is a single-symbol market quote.
type Quote struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

// GetUnderlyingQuote fetches the current quote for the underlying equity.
func (c *Client) GetUnderlyingQuote(ctx context.Context, symbol string) (*Quote, error) {
	var out struct {
		Quotes struct {
			Quote Quote `json:"quote"`
		} `json:"quotes"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", symbol).
		SetResult(&out).
		Get("/v1/markets/quotes")
	if err := checkResp(resp, err, "get underlying quote"); err != nil {
		return nil, err
	}
	return &out.Quotes.Quote, nil
}

// OptionContract is a single strike/expiration leg from a chain lookup.
type OptionContract struct {
	Symbol     string          `json:"symbol"` // OCC-format contract symbol
	Strike     decimal.Decimal `json:"strike"`
	OptionType string          `json:"option_type"` // "call" | "put"
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Delta      decimal.Decimal `json:"delta"`
	IV         decimal.Decimal `json:"implied_volatility"`
	OpenInterest int           `json:"open_interest"`
	Volume       int           `json:"volume"`
}

// GetOptionChain fetches every contract for symbol expiring on expiration
// ("YYYY-MM-DD").
func (c *Client) GetOptionChain(ctx context.Context, symbol, expiration string) ([]OptionContract, error) {
	var out struct {
		Options struct {
			Option []OptionContract `json:"option"`
		} `json:"options"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("expiration", expiration).
		SetQueryParam("greeks", "true").
		SetResult(&out).
		Get("/v1/markets/options/chains")
	if err := checkResp(resp, err, "get option chain"); err != nil {
		return nil, err
	}
	return out.Options.Option, nil
}

// Expirations lists available expiration dates for symbol.
func (c *Client) Expirations(ctx context.Context, symbol string) ([]string, error) {
	var out struct {
		Expirations struct {
			Date []string `json:"date"`
		} `json:"expirations"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("includeAllRoots", "true").
		SetResult(&out).
		Get("/v1/markets/options/expirations")
	if err := checkResp(resp, err, "get expirations"); err != nil {
		return nil, err
	}
	return out.Expirations.Date, nil
}

// ───────────────────────────── Account state ─────────────────────────────

// Balances is the account's cash/margin snapshot.
type Balances struct {
	Cash              decimal.Decimal `json:"total_cash"`
	BuyingPower       decimal.Decimal `json:"option_buying_power"`
	Equity            decimal.Decimal `json:"total_equity"`
	MarginRequirement decimal.Decimal `json:"maintenance_requirement"`
}

// GetBalances fetches current account balances.
func (c *Client) GetBalances(ctx context.Context) (*Balances, error) {
	var out struct {
		Balances Balances `json:"balances"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/accounts/%s/balances", c.accountID))
	if err := checkResp(resp, err, "get balances"); err != nil {
		return nil, err
	}
	return &out.Balances, nil
}

// BrokerPosition is a single held leg as reported by the broker.
type BrokerPosition struct {
	Symbol       string          `json:"symbol"` // OCC-format contract symbol, or bare equity ticker
	Quantity     int             `json:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
}

// GetPositions fetches every currently-held position.
func (c *Client) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	var out struct {
		Positions struct {
			Position []BrokerPosition `json:"position"`
		} `json:"positions"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/accounts/%s/positions", c.accountID))
	if err := checkResp(resp, err, "get positions"); err != nil {
		return nil, err
	}
	return out.Positions.Position, nil
}

// BrokerOrder is a single order as reported by the broker.
type BrokerOrder struct {
	ID                int64           `json:"id"`
	ClientOrderID     string          `json:"tag"` // broker echoes the client-supplied tag
	Status            string          `json:"status"`
	AvgFillPrice      decimal.Decimal `json:"avg_fill_price"`
	FilledQuantity    int             `json:"exec_quantity"`
	RemainingQuantity int             `json:"remaining_quantity"`
	RejectReason      string          `json:"reason_description"`
}

// GetAllOrders fetches every order on the account, most recent first.
func (c *Client) GetAllOrders(ctx context.Context) ([]BrokerOrder, error) {
	var out struct {
		Orders struct {
			Order []BrokerOrder `json:"order"`
		} `json:"orders"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/accounts/%s/orders", c.accountID))
	if err := checkResp(resp, err, "get all orders"); err != nil {
		return nil, err
	}
	return out.Orders.Order, nil
}

// GetOrder fetches a single order by broker order ID.
func (c *Client) GetOrder(ctx context.Context, brokerOrderID string) (*BrokerOrder, error) {
	var out struct {
		Order BrokerOrder `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/accounts/%s/orders/%s", c.accountID, brokerOrderID))
	if err := checkResp(resp, err, "get order"); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// GainLoss is a single closed-trade realized P&L record.
type GainLoss struct {
	Symbol      string          `json:"symbol"`
	GainLoss    decimal.Decimal `json:"gain_loss"`
	CloseDate   string          `json:"close_date"`
}

// GetGainLoss fetches the account's realized gain/loss history.
func (c *Client) GetGainLoss(ctx context.Context) ([]GainLoss, error) {
	var out struct {
		GainLoss struct {
			Closed []GainLoss `json:"closed_position"`
		} `json:"gainloss"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/accounts/%s/gainloss", c.accountID))
	if err := checkResp(resp, err, "get gain/loss"); err != nil {
		return nil, err
	}
	return out.GainLoss.Closed, nil
}

// ───────────────────────────── Order placement ─────────────────────────────

// SpreadLeg is one leg of a multi-leg order request.
type SpreadLeg struct {
	OptionSymbol string // OCC format
	Side         string // "buy_to_open" | "sell_to_open" | "buy_to_close" | "sell_to_close"
	Quantity     int
}

// PlaceSpreadOrderRequest describes a multi-leg limit order.
type PlaceSpreadOrderRequest struct {
	ClientOrderID string
	Legs          []SpreadLeg
	LimitPrice    decimal.Decimal // net credit (positive) or debit (negative)
	Duration      string          // "day" | "gtc"
}

// PlaceOrderResult is the broker's synchronous acknowledgement of a placed
// order — not a fill; status converges later via getAllOrders/getOrder.
type PlaceOrderResult struct {
	BrokerOrderID string
	Status        string
	StatusCode    int // HTTP status of the placement call, 0 in dry-run
}

// HTTPStatusError wraps a non-2xx broker response so callers that need the
// raw status code (eventlog's audit trail) don't have to reparse the error
// string checkResp formats for humans.
type HTTPStatusError struct {
	StatusCode int
	Action     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("broker: %s: status %d: %s", e.Action, e.StatusCode, e.Body)
}

// StatusCodeFromError extracts the HTTP status code from an error returned
// by one of the order-placement calls, or 0 if err is nil or carries no
// status (a transport-level failure, or dry-run).
func StatusCodeFromError(err error) int {
	var hse *HTTPStatusError
	if errors.As(err, &hse) {
		return hse.StatusCode
	}
	return 0
}

// PlaceSpreadOrder submits a multi-leg order. In dry-run mode no HTTP call
// is made; a synthetic accepted ID is returned so downstream reconciliation
// logic exercises the same path in both modes.
func (c *Client) PlaceSpreadOrder(ctx context.Context, req PlaceSpreadOrderRequest) (*PlaceOrderResult, error) {
	if c.dryRun {
		log.Info().Str("clientOrderId", req.ClientOrderID).Int("legs", len(req.Legs)).Msg("dry-run: spread order not sent")
		return &PlaceOrderResult{BrokerOrderID: "dryrun-" + req.ClientOrderID, Status: "ok"}, nil
	}

	form := map[string]string{
		"class":    "multileg",
		"symbol":   underlyingFromOCC(req.Legs[0].OptionSymbol),
		"duration": orDefault(req.Duration, "day"),
		"type":     "credit",
		"price":    req.LimitPrice.Abs().StringFixed(2),
		"tag":      req.ClientOrderID,
	}
	if req.LimitPrice.IsNegative() {
		form["type"] = "debit"
	}
	for i, leg := range req.Legs {
		form[fmt.Sprintf("option_symbol[%d]", i)] = leg.OptionSymbol
		form[fmt.Sprintf("side[%d]", i)] = leg.Side
		form[fmt.Sprintf("quantity[%d]", i)] = fmt.Sprint(leg.Quantity)
	}

	var out struct {
		Order struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		Post(fmt.Sprintf("/v1/accounts/%s/orders", c.accountID))
	if err := checkResp(resp, err, "place spread order"); err != nil {
		return nil, err
	}
	return &PlaceOrderResult{BrokerOrderID: fmt.Sprint(out.Order.ID), Status: out.Order.Status, StatusCode: resp.StatusCode()}, nil
}

// PlaceSingleLegCloseOrder submits a single-leg closing order, used by the
// exit executor when a spread must be unwound leg-by-leg.
func (c *Client) PlaceSingleLegCloseOrder(ctx context.Context, clientOrderID, optionSymbol, side string, quantity int, limitPrice decimal.Decimal) (*PlaceOrderResult, error) {
	if c.dryRun {
		log.Info().Str("clientOrderId", clientOrderID).Str("symbol", optionSymbol).Msg("dry-run: single-leg close not sent")
		return &PlaceOrderResult{BrokerOrderID: "dryrun-" + clientOrderID, Status: "ok"}, nil
	}

	form := map[string]string{
		"class":         "option",
		"symbol":        underlyingFromOCC(optionSymbol),
		"option_symbol": optionSymbol,
		"side":          side,
		"quantity":      fmt.Sprint(quantity),
		"type":          "limit",
		"duration":      "day",
		"price":         limitPrice.Abs().StringFixed(2),
		"tag":           clientOrderID,
	}

	var out struct {
		Order struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		Post(fmt.Sprintf("/v1/accounts/%s/orders", c.accountID))
	if err := checkResp(resp, err, "place single-leg close order"); err != nil {
		return nil, err
	}
	return &PlaceOrderResult{BrokerOrderID: fmt.Sprint(out.Order.ID), Status: out.Order.Status, StatusCode: resp.StatusCode()}, nil
}

// CancelOrder cancels a previously placed order by broker order ID.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if c.dryRun {
		log.Info().Str("brokerOrderId", brokerOrderID).Msg("dry-run: cancel not sent")
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/v1/accounts/%s/orders/%s", c.accountID, brokerOrderID))
	return checkResp(resp, err, "cancel order")
}

func checkResp(resp *resty.Response, err error, action string) error {
	if err != nil {
		return fmt.Errorf("broker: %s: %w", action, err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return &HTTPStatusError{StatusCode: resp.StatusCode(), Action: action, Body: resp.String()}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
