// Package broker defines the port the order pipeline uses to reach a broker,
// plus the adapters in its subpackages.
package broker

import (
	"context"
	"errors"
	"net"

	"github.com/shopspring/decimal"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
)

// Ack answers a placement. Success false means the broker declined the
// order; communication failures are returned as errors instead.
type Ack struct {
	Success       bool   `json:"success"`
	BrokerOrderNo string `json:"broker_order_no,omitempty"`
	Message       string `json:"message,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type Status struct {
	Status        domain.OrderStatus `json:"status"`
	FilledQty     int64              `json:"filled_qty"`
	AvgPrice      decimal.Decimal    `json:"avg_price"`
	BrokerOrderNo string             `json:"broker_order_no,omitempty"`
}

// ErrOrderNotFound is returned by LookupOrder when the broker has no order
// under the given client order id.
var ErrOrderNotFound = errors.New("broker: order not found")

// Port is implemented by every broker adapter. Implementations must bound
// each call by ctx and return *apperr.Error of kind BROKER for transport
// failures.
type Port interface {
	PlaceOrder(ctx context.Context, order domain.Order) (Ack, error)
	CancelOrder(ctx context.Context, orderID string) (Result, error)
	ModifyOrder(ctx context.Context, orderID string, newQty *int64, newPrice *decimal.Decimal) (Result, error)
	GetOrderStatus(ctx context.Context, brokerOrderNo string) (Status, error)
	// LookupOrder finds an order by the client order id it was placed with.
	// It recovers orders whose acknowledgement never reached the store.
	LookupOrder(ctx context.Context, orderID string) (Status, error)
}

// Classify wraps a raw transport error into a broker error. Errors that are
// already classified pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if apperr.BrokerClassOf(err) != "" {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Broker(apperr.ClassNetwork, "broker call timed out", err)
	case errors.Is(err, context.Canceled):
		return apperr.Broker(apperr.ClassNetwork, "broker call cancelled", err)
	case errors.As(err, &netErr):
		return apperr.Broker(apperr.ClassNetwork, "broker unreachable", err)
	default:
		return apperr.Broker(apperr.ClassServerError, "broker call failed", err)
	}
}
