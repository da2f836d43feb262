// Package httpgw talks to a broker order gateway over JSON/HTTP.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ordergate/internal/apperr"
	"ordergate/internal/broker"
	"ordergate/internal/domain"
)

var gwLog = logrus.WithField("component", "httpgw")

// TokenSource supplies the Authorization header. Reset is called when the
// gateway rejects the current credential.
type TokenSource interface {
	Authorization(ctx context.Context) (string, error)
	Reset()
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     TokenSource
}

var _ broker.Port = (*Client)(nil)

func New(cfg Config, tokens TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		tokens:     tokens,
	}
}

type placeRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	AccountID     string           `json:"account_id"`
	Symbol        string           `json:"symbol"`
	Side          domain.Side      `json:"side"`
	OrderType     domain.OrderType `json:"order_type"`
	Qty           int64            `json:"qty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
}

type modifyRequest struct {
	Qty   *int64           `json:"qty,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Client) PlaceOrder(ctx context.Context, o domain.Order) (broker.Ack, error) {
	req := placeRequest{
		ClientOrderID: o.OrderID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		OrderType:     o.OrderType,
		Qty:           o.Qty,
	}
	if o.OrderType == domain.OrderTypeLimit {
		price := o.Price
		req.Price = &price
	}
	var ack broker.Ack
	if err := c.do(ctx, http.MethodPost, "/orders", req, &ack); err != nil {
		return broker.Ack{}, err
	}
	if ack.Success && ack.BrokerOrderNo == "" {
		return broker.Ack{}, apperr.Broker(apperr.ClassServerError, "gateway accepted order without a broker order number", nil)
	}
	return ack, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (broker.Result, error) {
	var res broker.Result
	err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/cancel", nil, &res)
	return res, err
}

func (c *Client) ModifyOrder(ctx context.Context, orderID string, newQty *int64, newPrice *decimal.Decimal) (broker.Result, error) {
	var res broker.Result
	err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/modify", modifyRequest{Qty: newQty, Price: newPrice}, &res)
	return res, err
}

func (c *Client) GetOrderStatus(ctx context.Context, brokerOrderNo string) (broker.Status, error) {
	return c.status(ctx, "/orders/by-broker-no/"+url.PathEscape(brokerOrderNo))
}

func (c *Client) LookupOrder(ctx context.Context, orderID string) (broker.Status, error) {
	st, err := c.status(ctx, "/orders/by-client-id/"+url.PathEscape(orderID))
	if err != nil {
		return broker.Status{}, err
	}
	if st.BrokerOrderNo == "" {
		return broker.Status{}, apperr.Broker(apperr.ClassServerError, "gateway returned order without a broker order number", nil)
	}
	return st, nil
}

func (c *Client) status(ctx context.Context, path string) (broker.Status, error) {
	var st broker.Status
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return broker.Status{}, err
	}
	switch st.Status {
	case domain.StatusSent, domain.StatusAccepted, domain.StatusPartFilled, domain.StatusFilled,
		domain.StatusCancelled, domain.StatusRejected:
		return st, nil
	default:
		return broker.Status{}, apperr.Broker(apperr.ClassServerError, fmt.Sprintf("gateway reported unknown status %q", st.Status), nil)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Broker(apperr.ClassRateLimit, "request throttled", err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperr.Broker(apperr.ClassInvalidRequest, "encode request", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Broker(apperr.ClassInvalidRequest, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		auth, err := c.tokens.Authorization(ctx)
		if err != nil {
			return apperr.Broker(apperr.ClassAuthentication, "obtain broker token", err)
		}
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.Classify(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return broker.Classify(err)
	}

	if resp.StatusCode/100 != 2 {
		return c.statusError(method, path, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Broker(apperr.ClassServerError, "decode gateway response", err)
	}
	return nil
}

func (c *Client) statusError(method, path string, status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	class := classifyStatus(status, eb.ErrorCode)
	if class == apperr.ClassAuthentication && c.tokens != nil {
		c.tokens.Reset()
	}
	gwLog.WithFields(logrus.Fields{"method": method, "path": path, "status": status, "class": class}).Warn("gateway call failed")
	var cause error
	if status == http.StatusNotFound {
		cause = broker.ErrOrderNotFound
	}
	return apperr.Broker(class, fmt.Sprintf("gateway %d: %s", status, msg), cause)
}

func classifyStatus(status int, code string) apperr.BrokerClass {
	if code == "INSUFFICIENT_BALANCE" {
		return apperr.ClassInsufficientBalance
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.ClassAuthentication
	case status == http.StatusTooManyRequests:
		return apperr.ClassRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperr.ClassNetwork
	case status >= 500:
		return apperr.ClassServerError
	default:
		return apperr.ClassInvalidRequest
	}
}
