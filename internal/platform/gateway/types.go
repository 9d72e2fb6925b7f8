package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Beneficiary is the payee snapshot returned by a transfer quote.
type Beneficiary struct {
	Name     string `json:"name"`
	Document string `json:"document"`
	Bank     string `json:"bank"`
	Account  string `json:"account"`
}

// Quote identifies a transfer intent at the gateway. SettlementID must be
// echoed back on ConfirmTransfer.
type Quote struct {
	SettlementID string      `json:"settlement_id"`
	Beneficiary  Beneficiary `json:"beneficiary"`
}

// Ack is the gateway acknowledgement of an executed transfer.
type Ack struct {
	EndToEndID string `json:"end_to_end_id"`
	Status     string `json:"status"`
}

type StatementEntry struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   string          `json:"direction"`
	Description string          `json:"description"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// GeoPoint is the device location the gateway requires on transactional
// token creation.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ProtocolError marks a response that was not well-formed JSON (an HTML
// error page, a truncated body). It is a hard fault, never retried blindly.
type ProtocolError struct {
	Endpoint string
	Status   int
	Snippet  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway protocol error at %s (status %d): %q", e.Endpoint, e.Status, e.Snippet)
}

// APIError is a well-formed gateway rejection.
type APIError struct {
	Endpoint string
	Status   int
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s rejected (%d %s): %s", e.Endpoint, e.Status, e.Code, e.Message)
}

// IsAuthFailure reports whether err is a gateway authorization rejection,
// which triggers the invalidate-and-retry-once token flow.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 401 || apiErr.Status == 403
	}
	return false
}

// IsProtocolError reports whether err is a malformed-response fault.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
