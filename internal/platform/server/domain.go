package server

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newID() string {
	return uuid.NewString()
}

// PaymentType identifies the settlement rail a transaction rides on.
type PaymentType string

const (
	PaymentPixTransfer PaymentType = "pix_transfer"
	PaymentPixQR       PaymentType = "pix_qr"
	PaymentBoleto      PaymentType = "boleto"
)

func (p PaymentType) Valid() bool {
	switch p {
	case PaymentPixTransfer, PaymentPixQR, PaymentBoleto:
		return true
	}
	return false
}

// limitBuckets returns the limit bucket names that apply to this payment
// type, most general first. Pix sub-types share the "pix" family bucket.
func (p PaymentType) limitBuckets() []string {
	switch p {
	case PaymentPixTransfer:
		return []string{"pix", "pix_transfer"}
	case PaymentPixQR:
		return []string{"pix", "pix_qr"}
	case PaymentBoleto:
		return []string{"boleto"}
	}
	return nil
}

// TransactionStatus is the settlement lifecycle state machine:
// pending -> process -> confirm | error. Error is terminal.
type TransactionStatus string

const (
	StatusPending TransactionStatus = "pending"
	StatusProcess TransactionStatus = "process"
	StatusConfirm TransactionStatus = "confirm"
	StatusError   TransactionStatus = "error"
)

// reservingStatuses are the states whose amounts are held against the
// account balance. Confirmed transactions are already debited and error is
// terminal, so neither reserves.
var reservingStatuses = map[TransactionStatus]bool{
	StatusPending: true,
	StatusProcess: true,
}

// Identity is the person or business that owns accounts and receives
// spending limits.
type Identity struct {
	ID       string
	Document string
	Country  string
	Enabled  bool
}

// Account is a single funds bucket. Balance excludes reservations; callers
// that need spendable funds must go through availableLocked.
type Account struct {
	ID         string
	IdentityID string
	Currency   string
	Balance    decimal.Decimal
	Enabled    bool
}

// Beneficiary is the resolved counterparty snapshot captured at quote time.
type Beneficiary struct {
	Name     string `json:"name"`
	Document string `json:"document"`
	Bank     string `json:"bank"`
	Account  string `json:"account"`
}

// Transaction is one payment attempt. Amount is immutable after creation;
// only Status, SettlementID, Beneficiary, FailureReason and ConfirmedAt
// change afterwards.
type Transaction struct {
	ID             string
	IdentityID     string
	AccountID      string
	Amount         decimal.Decimal
	Currency       string
	Reference      string
	PaymentType    PaymentType
	Status         TransactionStatus
	IdempotencyKey string
	SettlementID   string
	Beneficiary    *Beneficiary
	FailureReason  string
	CreatedAt      time.Time
	ConfirmedAt    time.Time
}

// CreateRequest is the input to PaymentsService.Create. Reference material
// depends on the payment type: pix transfers carry a key, QR payments carry
// the decoded payload, boletos carry the barcode.
type CreateRequest struct {
	SourceAccountID string
	Amount          decimal.Decimal
	Currency        string
	PaymentType     PaymentType
	KeyType         string
	KeyValue        string
	Barcode         string
	Description     string
	IdempotencyKey  string
}

// reference collapses the rail-specific target into the free-text reference
// stored on the transaction and used for near-duplicate detection.
func (r CreateRequest) reference() string {
	if r.PaymentType == PaymentBoleto {
		return strings.TrimSpace(r.Barcode)
	}
	return strings.TrimSpace(r.KeyValue)
}

func (r CreateRequest) validate() error {
	if !r.PaymentType.Valid() {
		return businessErr(CodeInvalidRequest, "unknown payment type %q", r.PaymentType)
	}
	if r.SourceAccountID == "" {
		return businessErr(CodeInvalidRequest, "source account id is required")
	}
	if !r.Amount.IsPositive() {
		return businessErr(CodeInvalidRequest, "amount must be positive, got %s", r.Amount)
	}
	if r.Currency == "" {
		return businessErr(CodeInvalidRequest, "currency is required")
	}
	if r.reference() == "" {
		return businessErr(CodeInvalidRequest, "payment target is required")
	}
	return nil
}

// AccountBalance pairs the authoritative ledger balance with the derived
// spendable value after open reservations.
type AccountBalance struct {
	AccountID string          `json:"accountId"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
}

// TransactionProjection is the read model handed back to callers. It never
// exposes the idempotency key or internal bookkeeping.
type TransactionProjection struct {
	ID            string            `json:"transactionId"`
	AccountID     string            `json:"accountId"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Reference     string            `json:"reference"`
	PaymentType   PaymentType       `json:"paymentType"`
	Status        TransactionStatus `json:"status"`
	SettlementID  string            `json:"settlementId,omitempty"`
	Beneficiary   *Beneficiary      `json:"beneficiary,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ConfirmedAt   *time.Time        `json:"confirmedAt,omitempty"`
}

func projectTransaction(t *Transaction) TransactionProjection {
	p := TransactionProjection{
		ID:            t.ID,
		AccountID:     t.AccountID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Reference:     t.Reference,
		PaymentType:   t.PaymentType,
		Status:        t.Status,
		SettlementID:  t.SettlementID,
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
	}
	if t.Beneficiary != nil {
		b := *t.Beneficiary
		p.Beneficiary = &b
	}
	if !t.ConfirmedAt.IsZero() {
		at := t.ConfirmedAt
		p.ConfirmedAt = &at
	}
	return p
}
