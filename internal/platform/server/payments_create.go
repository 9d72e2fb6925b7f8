package server

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Create runs the synchronous reservation pipeline: ownership and guard
// checks, limit enforcement, available-balance verification and insertion of
// the pending transaction, all under one lock. The gateway quote afterwards
// is best effort and never fails the creation.
func (s *PaymentsService) Create(ctx context.Context, payerID string, req CreateRequest) (TransactionProjection, error) {
	proj, err := s.create(ctx, payerID, req)
	s.Metrics.ObserveCreate(req.PaymentType, err)
	return proj, err
}

func (s *PaymentsService) create(ctx context.Context, payerID string, req CreateRequest) (TransactionProjection, error) {
	if payerID == "" {
		return TransactionProjection{}, businessErr(CodeInvalidRequest, "payer id is required")
	}
	if err := req.validate(); err != nil {
		return TransactionProjection{}, err
	}

	if s.dbEnabled() {
		return s.createDB(ctx, payerID, req)
	}

	s.mu.Lock()
	tx, replayed, err := s.createLocked(ctx, payerID, req)
	s.mu.Unlock()
	if err != nil {
		return TransactionProjection{}, err
	}

	// Replays must be side-effect free, so only a fresh creation is quoted.
	if !replayed {
		s.enrichFromQuote(ctx, tx.ID, req.KeyType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return projectTransaction(s.transactions[tx.ID]), nil
}

func (s *PaymentsService) createLocked(ctx context.Context, payerID string, req CreateRequest) (*Transaction, bool, error) {
	identity, ok := s.identities[payerID]
	if !ok || !identity.Enabled {
		s.auditDenied(payerID, "request", "identity", payerID, "create_transaction", "identity not enabled")
		return nil, false, businessErr(CodeIdentityDisabled, "payer identity is not enabled")
	}
	acct, ok := s.accounts[req.SourceAccountID]
	if !ok || acct.IdentityID != payerID || !acct.Enabled {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "account missing, disabled or not owned by payer")
		return nil, false, businessErr(CodeInvalidSourceAccount, "source account is not usable by this payer")
	}
	if acct.Currency != req.Currency {
		return nil, false, businessErr(CodeInvalidRequest, "account currency is %s, request is %s", acct.Currency, req.Currency)
	}

	// Idempotency replay: an already-created transaction with the same key
	// is returned as-is, whatever its current status, with no side effects.
	if req.IdempotencyKey != "" {
		if prev := s.findByIdempotencyLocked(payerID, req.SourceAccountID, req.PaymentType, req.IdempotencyKey); prev != nil {
			return prev, true, nil
		}
	}

	now := s.now()
	reference := req.reference()

	if err := s.checkNearDuplicateLocked(payerID, req.SourceAccountID, req.PaymentType, reference, req.Amount, now); err != nil {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "near-duplicate within guard window")
		return nil, false, err
	}
	if err := s.checkVelocityLocked(payerID, req.SourceAccountID, req.PaymentType, "", now); err != nil {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "creation velocity exceeded")
		return nil, false, err
	}

	ls := s.resolveLimitsLocked(identity, req.PaymentType)
	usage := memUsage{s: s, identityID: payerID, family: paymentFamily(req.PaymentType), day: now}
	if err := checkSpendingLimits(ctx, ls, req.Amount, usage); err != nil {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "spending limit exceeded")
		return nil, false, err
	}

	// Older pending reservations of the same kind are superseded before the
	// available balance is computed, so an abandoned attempt does not starve
	// the retry that replaces it.
	s.supersedeStaleLocked(payerID, req.SourceAccountID, req.PaymentType, now)

	available := s.availableLocked(req.SourceAccountID)
	if available.LessThan(req.Amount) {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "insufficient available balance")
		return nil, false, errInsufficientBalance(available, req.Amount)
	}

	tx := &Transaction{
		ID:             newID(),
		IdentityID:     payerID,
		AccountID:      req.SourceAccountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Reference:      reference,
		PaymentType:    req.PaymentType,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	s.transactions[tx.ID] = tx
	s.byAccount[tx.AccountID] = append(s.byAccount[tx.AccountID], tx.ID)

	if err := s.appendAudit(payerID, "request", "transaction", tx.ID, "create_transaction", []byte(`{}`), snapshotTransaction(tx), auditSuccess, ""); err != nil {
		delete(s.transactions, tx.ID)
		ids := s.byAccount[tx.AccountID]
		s.byAccount[tx.AccountID] = ids[:len(ids)-1]
		return nil, false, businessErr(CodeInternal, "audit unavailable")
	}
	return tx, false, nil
}

func (s *PaymentsService) findByIdempotencyLocked(payerID, accountID string, pt PaymentType, key string) *Transaction {
	for _, txID := range s.byAccount[accountID] {
		tx := s.transactions[txID]
		if tx != nil && tx.IdentityID == payerID && tx.PaymentType == pt && tx.IdempotencyKey == key {
			return tx
		}
	}
	return nil
}

// checkNearDuplicateLocked rejects a creation that repeats the amount and
// reference of a live same-type transaction created moments ago.
// Idempotency keys are the reliable dedupe mechanism; this is the safety
// net for clients that do not send one.
func (s *PaymentsService) checkNearDuplicateLocked(payerID, accountID string, pt PaymentType, reference string, amount decimal.Decimal, now time.Time) error {
	cutoff := now.Add(-s.nearDuplicateWindow)
	for _, txID := range s.byAccount[accountID] {
		tx := s.transactions[txID]
		if tx == nil || tx.Status == StatusError {
			continue
		}
		if tx.IdentityID != payerID || tx.PaymentType != pt || tx.Reference != reference || !tx.Amount.Equal(amount) {
			continue
		}
		if tx.CreatedAt.After(cutoff) {
			return &BusinessError{
				Code:    CodeDuplicateTransaction,
				Message: "an identical transaction was created moments ago",
				Details: map[string]string{"existing_transaction_id": tx.ID},
			}
		}
	}
	return nil
}

// checkVelocityLocked rejects the creation when the payer already created
// the maximum number of live same-type transactions on this account inside
// the velocity window.
func (s *PaymentsService) checkVelocityLocked(payerID, accountID string, pt PaymentType, exclude string, now time.Time) error {
	cutoff := now.Add(-s.velocityWindow)
	recent := 0
	for _, txID := range s.byAccount[accountID] {
		tx := s.transactions[txID]
		if tx == nil || tx.IdentityID != payerID || tx.PaymentType != pt {
			continue
		}
		if tx.ID == exclude || tx.Status == StatusError {
			continue
		}
		if tx.CreatedAt.After(cutoff) {
			recent++
		}
	}
	if recent >= s.velocityMax {
		return &BusinessError{
			Code:    CodeVelocityLimitExceeded,
			Message: "too many transactions created in a short interval",
			Details: map[string]string{"window": s.velocityWindow.String()},
		}
	}
	return nil
}

// supersedeStaleLocked releases abandoned pending reservations of the same
// payer, account and payment type by moving them to error. Only pendings
// older than the velocity window count as abandoned; anything younger is
// still live activity the guard checks must keep seeing.
func (s *PaymentsService) supersedeStaleLocked(payerID, accountID string, pt PaymentType, now time.Time) {
	cutoff := now.Add(-s.velocityWindow)
	for _, txID := range s.byAccount[accountID] {
		tx := s.transactions[txID]
		if tx == nil || tx.Status != StatusPending {
			continue
		}
		if tx.IdentityID != payerID || tx.PaymentType != pt || !tx.CreatedAt.Before(cutoff) {
			continue
		}
		before := snapshotTransaction(tx)
		tx.Status = StatusError
		tx.FailureReason = "superseded by a newer transaction"
		_ = s.appendAudit(payerID, "request", "transaction", tx.ID, "supersede_reservation", before, snapshotTransaction(tx), auditSuccess, tx.FailureReason)
	}
}

// enrichFromQuote asks the gateway to resolve the transfer target and, when
// it answers, stores the settlement id and beneficiary snapshot on the
// still-pending transaction. Failures are logged and swallowed: the quote
// is advisory and the worker re-quotes before executing.
func (s *PaymentsService) enrichFromQuote(ctx context.Context, txID, keyType string) {
	if s.Gateway == nil {
		return
	}

	s.mu.Lock()
	tx := s.transactions[txID]
	if tx == nil || tx.PaymentType != PaymentPixTransfer || tx.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	identity := s.identities[tx.IdentityID]
	document := ""
	if identity != nil {
		document = identity.Document
	}
	keyValue := tx.Reference
	s.mu.Unlock()

	quote, err := s.Gateway.QuoteTransfer(ctx, document, keyType, keyValue)
	if err != nil {
		s.logger().Warn("gateway quote failed, creation stands without beneficiary",
			"transaction_id", txID, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx = s.transactions[txID]
	if tx == nil || tx.Status != StatusPending {
		return
	}
	tx.SettlementID = quote.SettlementID
	tx.Beneficiary = &Beneficiary{
		Name:     quote.Beneficiary.Name,
		Document: quote.Beneficiary.Document,
		Bank:     quote.Beneficiary.Bank,
		Account:  quote.Beneficiary.Account,
	}
}
