package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/tucanopay/wallet-core-go/internal/platform/gateway"
)

// Code is the stable machine-readable reason the HTTP layer maps onto
// responses. Codes never change once clients depend on them.
type Code string

const (
	CodeInvalidRequest          Code = "invalid_request"
	CodeIdentityDisabled        Code = "identity_disabled"
	CodeInvalidSourceAccount    Code = "invalid_source_account"
	CodeInsufficientBalance     Code = "insufficient_balance"
	CodeMaxAmountPerTransaction Code = "max_amount_per_transaction_exceeded"
	CodeMaxAmountPerDay         Code = "max_amount_per_day_exceeded"
	CodeMaxCountPerDay          Code = "max_count_per_day_exceeded"
	CodeDuplicateTransaction    Code = "duplicate_transaction"
	CodeVelocityLimitExceeded   Code = "velocity_limit_exceeded"
	CodeTransactionNotFound     Code = "transaction_not_found"
	CodeTransactionNotPending   Code = "transaction_not_pending"
	CodeGatewayProtocol         Code = "gateway_protocol_error"
	CodeGatewayRejected         Code = "gateway_rejected"
	CodeInternal                Code = "internal_error"
)

// BusinessError is a synchronous, user-facing rejection. Never retried.
type BusinessError struct {
	Code    Code
	Message string
	Details map[string]string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func businessErr(code Code, format string, args ...any) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// errInsufficientBalance carries the computed shortfall so operators can see
// how far off the request was without replaying the ledger.
func errInsufficientBalance(available, requested decimal.Decimal) *BusinessError {
	return &BusinessError{
		Code:    CodeInsufficientBalance,
		Message: "available balance is lower than the requested amount",
		Details: map[string]string{
			"available": available.String(),
			"requested": requested.String(),
			"shortfall": requested.Sub(available).String(),
		},
	}
}

// CodeOf extracts the stable code from any error the core returns.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	if gateway.IsProtocolError(err) {
		return CodeGatewayProtocol
	}
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return CodeGatewayRejected
	}
	return CodeInternal
}

// HTTPStatus maps a core error onto the status an HTTP front end should
// answer with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeTransactionNotFound:
		return http.StatusNotFound
	case CodeIdentityDisabled, CodeInvalidSourceAccount:
		return http.StatusForbidden
	case CodeDuplicateTransaction, CodeTransactionNotPending:
		return http.StatusConflict
	case CodeInsufficientBalance,
		CodeMaxAmountPerTransaction,
		CodeMaxAmountPerDay,
		CodeMaxCountPerDay:
		return http.StatusUnprocessableEntity
	case CodeVelocityLimitExceeded:
		return http.StatusTooManyRequests
	case CodeGatewayProtocol, CodeGatewayRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
