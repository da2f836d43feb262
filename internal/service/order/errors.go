package order

import (
	"fmt"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
)

// ModificationError reports that the broker refused a modification. The
// local order is unchanged.
type ModificationError struct {
	OrderID       string
	CurrentStatus domain.OrderStatus
	BrokerCode    string
	Message       string
}

func (e *ModificationError) Error() string {
	return fmt.Sprintf("modify order %s (status %s) refused by broker: %s", e.OrderID, e.CurrentStatus, e.Message)
}

func (e *ModificationError) Unwrap() error {
	return &apperr.Error{
		Kind:    apperr.KindBroker,
		Code:    "ORDER_MODIFY_FAILED",
		Message: e.Message,
		Class:   apperr.ClassOrderRejected,
	}
}

// CancellationError reports that the broker did not confirm a cancel. The
// order keeps its current status.
type CancellationError struct {
	OrderID       string
	CurrentStatus domain.OrderStatus
	BrokerCode    string
	Message       string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancel order %s (status %s) refused by broker: %s", e.OrderID, e.CurrentStatus, e.Message)
}

func (e *CancellationError) Unwrap() error {
	return &apperr.Error{
		Kind:    apperr.KindBroker,
		Code:    "ORDER_CANCEL_FAILED",
		Message: e.Message,
		Class:   apperr.ClassOrderRejected,
	}
}
