package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tucanopay/wallet-core-go/internal/platform/audit"
	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
	"github.com/tucanopay/wallet-core-go/internal/platform/gateway"
	"github.com/tucanopay/wallet-core-go/internal/platform/queue"
	"github.com/tucanopay/wallet-core-go/internal/platform/resilience"
)

const (
	auditSuccess = audit.ResultSuccess
	auditError   = audit.ResultError

	defaultNearDuplicateWindow = 30 * time.Second
	defaultVelocityWindow      = time.Minute
	defaultVelocityMax         = 3

	jobTypeSettlePayment = "settle_payment"
)

// SettlementGateway is the slice of the external gateway the payments core
// depends on. *gateway.Client satisfies it.
type SettlementGateway interface {
	QuoteTransfer(ctx context.Context, document, keyType, keyValue string) (gateway.Quote, error)
	ConfirmTransfer(ctx context.Context, document, settlementID string, amount decimal.Decimal, description string) (gateway.Ack, error)
	CreateTransactionalToken(ctx context.Context, document string, amount decimal.Decimal, geo gateway.GeoPoint) error
	ConfirmTransactionalPassword(ctx context.Context, document string) error
	GetBalance(ctx context.Context, document string) (decimal.Decimal, error)
	GetStatements(ctx context.Context, document string, from, to time.Time) ([]gateway.StatementEntry, error)
}

// settleJob is the payload serialized onto the settlement queue.
type settleJob struct {
	TransactionID string      `json:"transactionId"`
	PayerID       string      `json:"payerId"`
	PaymentType   PaymentType `json:"paymentType"`
}

// PaymentsService owns transaction lifecycle, spending limits and the
// balance ledger. It is fully functional against in-memory state; when a
// database handle is supplied the database becomes authoritative and all
// funds-movement decisions run inside SQL transactions with row locks.
type PaymentsService struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore
	Gateway    SettlementGateway
	Queue      queue.Queue
	Logger     *slog.Logger
	Metrics    *Metrics

	mu sync.Mutex

	identities   map[string]*Identity
	accounts     map[string]*Account
	transactions map[string]*Transaction
	byAccount    map[string][]string
	profiles     map[string]*LimitProfile
	assignments  map[string]*LimitAssignment

	db        *sql.DB
	dbTimeout time.Duration
	dbRetry   resilience.RetryPolicy

	nearDuplicateWindow time.Duration
	velocityWindow      time.Duration
	velocityMax         int
}

func NewPaymentsService(clk clock.Clock, db ...*sql.DB) *PaymentsService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &PaymentsService{
		Clock:               clk,
		AuditStore:          audit.NewInMemoryStore(),
		Logger:              slog.Default(),
		identities:          make(map[string]*Identity),
		accounts:            make(map[string]*Account),
		transactions:        make(map[string]*Transaction),
		byAccount:           make(map[string][]string),
		profiles:            make(map[string]*LimitProfile),
		assignments:         make(map[string]*LimitAssignment),
		db:                  handle,
		dbTimeout:           5 * time.Second,
		dbRetry:             resilience.DefaultRetryPolicy(),
		nearDuplicateWindow: defaultNearDuplicateWindow,
		velocityWindow:      defaultVelocityWindow,
		velocityMax:         defaultVelocityMax,
	}
}

func (s *PaymentsService) dbEnabled() bool {
	return s != nil && s.db != nil
}

func (s *PaymentsService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *PaymentsService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// SetGuardPolicy overrides the duplicate and velocity windows. Zero values
// restore the defaults.
func (s *PaymentsService) SetGuardPolicy(nearDup, velocityWindow time.Duration, velocityMax int) {
	if s == nil {
		return
	}
	if nearDup <= 0 {
		nearDup = defaultNearDuplicateWindow
	}
	if velocityWindow <= 0 {
		velocityWindow = defaultVelocityWindow
	}
	if velocityMax <= 0 {
		velocityMax = defaultVelocityMax
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nearDuplicateWindow = nearDup
	s.velocityWindow = velocityWindow
	s.velocityMax = velocityMax
}

func (s *PaymentsService) SetDBTimeout(d time.Duration) {
	if s == nil {
		return
	}
	if d <= 0 {
		d = 5 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbTimeout = d
}

// SetDBRetryPolicy overrides the backoff applied to transient database
// faults. Tests shrink the intervals; production keeps the default.
func (s *PaymentsService) SetDBRetryPolicy(p resilience.RetryPolicy) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbRetry = p
}

// UpsertIdentity registers or replaces a payer identity.
func (s *PaymentsService) UpsertIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := id
	s.identities[id.ID] = &cp
}

// UpsertAccount registers or replaces an account.
func (s *PaymentsService) UpsertAccount(acct Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := acct
	s.accounts[acct.ID] = &cp
}

// Credit adds funds to an account balance. Used by the funding flow and by
// fixtures; settlement never credits.
func (s *PaymentsService) Credit(accountID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return businessErr(CodeInvalidRequest, "credit amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return businessErr(CodeInvalidSourceAccount, "account %q not found", accountID)
	}
	acct.Balance = acct.Balance.Add(amount)
	return nil
}

// SetLimitProfile registers a reusable limit profile.
func (s *PaymentsService) SetLimitProfile(p LimitProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.profiles[p.Name] = &cp
}

// AssignLimits binds an identity to a profile or a custom limit set.
func (s *PaymentsService) AssignLimits(a LimitAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.assignments[a.IdentityID] = &cp
}

// resolveLimitsLocked walks the hierarchy for one identity and payment
// type: an inline custom assignment wins, then the assigned profile. A
// missing assignment, or a country branch absent from the configuration,
// yields an unlimited set; the latter is logged because it usually means a
// rollout gap rather than intent.
func (s *PaymentsService) resolveLimitsLocked(identity *Identity, pt PaymentType) LimitSet {
	assignment := s.assignments[identity.ID]
	if assignment == nil {
		return LimitSet{Source: LimitSourceNone}
	}
	if len(assignment.Custom) > 0 {
		ls := resolveLimitSet(assignment.Custom, identity.Country, pt)
		ls.Source = LimitSourceCustom
		if ls.Unlimited() {
			s.logger().Warn("no custom limit bucket for country, treating as unlimited",
				"identity_id", identity.ID, "country", identity.Country, "payment_type", string(pt))
		}
		return ls
	}
	profile := s.profiles[assignment.ProfileName]
	if profile == nil {
		s.logger().Warn("limit assignment references unknown profile, treating as unlimited",
			"identity_id", identity.ID, "profile", assignment.ProfileName)
		return LimitSet{Source: LimitSourceNone}
	}
	ls := resolveLimitSet(profile.Countries, identity.Country, pt)
	ls.Source = LimitSourceProfile
	ls.Profile = profile.Name
	if ls.Unlimited() {
		s.logger().Warn("limit profile has no bucket for country, treating as unlimited",
			"identity_id", identity.ID, "profile", profile.Name, "country", identity.Country, "payment_type", string(pt))
	}
	return ls
}

// availableLocked computes the spendable balance: the authoritative balance
// minus every amount held by a reserving transaction on the account.
func (s *PaymentsService) availableLocked(accountID string) decimal.Decimal {
	acct, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero
	}
	held := decimal.Zero
	for _, txID := range s.byAccount[accountID] {
		tx := s.transactions[txID]
		if tx != nil && reservingStatuses[tx.Status] {
			held = held.Add(tx.Amount)
		}
	}
	return acct.Balance.Sub(held)
}

// memUsage implements dailyUsage over the in-memory store. The service
// mutex must be held for the lifetime of the value.
type memUsage struct {
	s          *PaymentsService
	identityID string
	family     string
	day        time.Time
	exclude    string
}

func (u memUsage) DailyAmount(context.Context) (decimal.Decimal, error) {
	sum := decimal.Zero
	u.s.eachDailyLocked(u.identityID, u.family, u.day, u.exclude, func(tx *Transaction) {
		sum = sum.Add(tx.Amount)
	})
	return sum, nil
}

func (u memUsage) DailyCount(context.Context) (int, error) {
	count := 0
	u.s.eachDailyLocked(u.identityID, u.family, u.day, u.exclude, func(*Transaction) {
		count++
	})
	return count, nil
}

// eachDailyLocked visits the identity's same-family transactions created in
// the UTC day containing ref that still count against daily limits.
func (s *PaymentsService) eachDailyLocked(identityID, family string, ref time.Time, exclude string, visit func(*Transaction)) {
	start, end := clock.DayWindow(ref)
	for _, tx := range s.transactions {
		if tx.IdentityID != identityID || tx.ID == exclude {
			continue
		}
		if tx.Status == StatusError {
			continue
		}
		if paymentFamily(tx.PaymentType) != family {
			continue
		}
		if tx.CreatedAt.Before(start) || tx.CreatedAt.After(end) {
			continue
		}
		visit(tx)
	}
}

// paymentFamily is the outermost limit bucket a payment type belongs to.
func paymentFamily(pt PaymentType) string {
	buckets := pt.limitBuckets()
	if len(buckets) == 0 {
		return string(pt)
	}
	return buckets[0]
}

func snapshotTransaction(tx *Transaction) []byte {
	if tx == nil {
		return []byte(`{}`)
	}
	payload := map[string]any{
		"transaction_id": tx.ID,
		"account_id":     tx.AccountID,
		"amount":         tx.Amount.String(),
		"currency":       tx.Currency,
		"payment_type":   string(tx.PaymentType),
		"status":         string(tx.Status),
	}
	if tx.FailureReason != "" {
		payload["failure_reason"] = tx.FailureReason
	}
	if tx.SettlementID != "" {
		payload["settlement_id"] = tx.SettlementID
	}
	b, _ := json.Marshal(payload)
	return b
}

func (s *PaymentsService) appendAudit(payerID, origin, objectType, objectID, action string, before, after []byte, result audit.Result, reason string) error {
	if s.AuditStore == nil {
		return nil
	}
	now := s.now()
	_, err := s.AuditStore.Append(audit.Event{
		EventID:      newID(),
		OccurredAt:   now,
		RecordedAt:   now,
		PayerID:      payerID,
		Origin:       origin,
		ObjectType:   objectType,
		ObjectID:     objectID,
		Action:       action,
		Before:       before,
		After:        after,
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
	return err
}

func (s *PaymentsService) auditDenied(payerID, origin, objectType, objectID, action, reason string) {
	_ = s.appendAudit(payerID, origin, objectType, objectID, action, []byte(`{}`), []byte(`{}`), audit.ResultDenied, reason)
}

// AuditEvents exposes the audit chain for inspection.
func (s *PaymentsService) AuditEvents() []audit.Event {
	if s.AuditStore == nil {
		return nil
	}
	return s.AuditStore.Events()
}
