// Package apperr carries the error taxonomy shared by the order pipeline and
// the API boundary. Every raised condition has a Kind and a stable Code so the
// boundary can classify it without string matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindStateConflict Kind = "STATE_CONFLICT"
	KindRiskRejection Kind = "RISK_REJECTION"
	KindBroker        Kind = "BROKER"
	KindNotFound      Kind = "NOT_FOUND"
	KindInternal      Kind = "INTERNAL"
)

// BrokerClass classifies broker communication failures.
type BrokerClass string

const (
	ClassNetwork             BrokerClass = "NETWORK"
	ClassRateLimit           BrokerClass = "RATE_LIMIT"
	ClassServerError         BrokerClass = "SERVER_ERROR"
	ClassAuthentication      BrokerClass = "AUTHENTICATION"
	ClassInvalidRequest      BrokerClass = "INVALID_REQUEST"
	ClassOrderRejected       BrokerClass = "ORDER_REJECTED"
	ClassInsufficientBalance BrokerClass = "INSUFFICIENT_BALANCE"
)

// Retryable reports whether a caller may retry the same request later.
func (c BrokerClass) Retryable() bool {
	switch c {
	case ClassNetwork, ClassRateLimit, ClassServerError:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Class   BrokerClass
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// RiskRejected builds the raised form of a rejected risk decision.
// The code is RISK_<rule>, e.g. RISK_KILL_SWITCH.
func RiskRejected(rule, reason string) *Error {
	return &Error{Kind: KindRiskRejection, Code: "RISK_" + rule, Message: reason}
}

func Broker(class BrokerClass, message string, err error) *Error {
	return &Error{Kind: KindBroker, Code: "BROKER_" + string(class), Message: message, Class: class, Err: err}
}

func Internal(code string, err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindInternal, Code: code, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in the chain, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

// IsRetryable is true only for broker failures in a retryable class.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindBroker && e.Class.Retryable()
	}
	return false
}

// BrokerClassOf returns the broker class of err, or "" when err is not a
// broker failure.
func BrokerClassOf(err error) BrokerClass {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindBroker {
		return e.Class
	}
	return ""
}
