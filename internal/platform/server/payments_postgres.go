package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
	"github.com/tucanopay/wallet-core-go/internal/platform/resilience"
)

// The database is authoritative whenever a handle is configured. Every
// funds-movement decision runs inside one SQL transaction holding the
// account row lock, so multiple service instances serialize correctly.

const txColumns = `
  transaction_id, identity_id, account_id, amount::text, currency, reference,
  payment_type, status, COALESCE(idempotency_key, ''), COALESCE(settlement_id, ''),
  beneficiary, COALESCE(failure_reason, ''), created_at, confirmed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx          Transaction
		amount      string
		beneficiary []byte
		confirmedAt sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.IdentityID, &tx.AccountID, &amount, &tx.Currency, &tx.Reference,
		&tx.PaymentType, &tx.Status, &tx.IdempotencyKey, &tx.SettlementID,
		&beneficiary, &tx.FailureReason, &tx.CreatedAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	if len(beneficiary) > 0 {
		var b Beneficiary
		if err := json.Unmarshal(beneficiary, &b); err == nil && b != (Beneficiary{}) {
			tx.Beneficiary = &b
		}
	}
	if confirmedAt.Valid {
		tx.ConfirmedAt = confirmedAt.Time.UTC()
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

func (s *PaymentsService) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.dbTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *PaymentsService) loadIdentityDB(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, identityID string) (*Identity, error) {
	const sel = `
SELECT identity_id, document, country, enabled
FROM identities
WHERE identity_id = $1
`
	var id Identity
	err := q.QueryRowContext(ctx, sel, identityID).Scan(&id.ID, &id.Document, &id.Country, &id.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// dbUsage implements dailyUsage with aggregate queries scoped to the limit
// family's payment types inside the current UTC day.
type dbUsage struct {
	tx         *sql.Tx
	identityID string
	family     string
	day        time.Time
	exclude    string
}

// familyTypes lists the payment types sharing one limit family. Always
// returned as a pair so the SQL IN clause has a fixed arity.
func familyTypes(family string) (string, string) {
	if family == "pix" {
		return string(PaymentPixTransfer), string(PaymentPixQR)
	}
	return family, family
}

func (u dbUsage) DailyAmount(ctx context.Context) (decimal.Decimal, error) {
	start, end := clock.DayWindow(u.day)
	t1, t2 := familyTypes(u.family)
	const q = `
SELECT COALESCE(SUM(amount), 0)::text
FROM transactions
WHERE identity_id = $1
  AND status <> 'error'
  AND payment_type IN ($2, $3)
  AND transaction_id <> $4
  AND created_at BETWEEN $5 AND $6
`
	var sum string
	if err := u.tx.QueryRowContext(ctx, q, u.identityID, t1, t2, u.exclude, start, end).Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

func (u dbUsage) DailyCount(ctx context.Context) (int, error) {
	start, end := clock.DayWindow(u.day)
	t1, t2 := familyTypes(u.family)
	const q = `
SELECT COUNT(*)
FROM transactions
WHERE identity_id = $1
  AND status <> 'error'
  AND payment_type IN ($2, $3)
  AND transaction_id <> $4
  AND created_at BETWEEN $5 AND $6
`
	var count int
	if err := u.tx.QueryRowContext(ctx, q, u.identityID, t1, t2, u.exclude, start, end).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PaymentsService) velocityCountDB(ctx context.Context, dbtx *sql.Tx, identityID, accountID string, pt PaymentType, exclude string, now time.Time) (int, error) {
	const q = `
SELECT COUNT(*)
FROM transactions
WHERE identity_id = $1
  AND account_id = $2
  AND payment_type = $3
  AND status <> 'error'
  AND transaction_id <> $4
  AND created_at > $5
`
	var count int
	err := dbtx.QueryRowContext(ctx, q, identityID, accountID, string(pt), exclude, now.Add(-s.velocityWindow)).Scan(&count)
	return count, err
}

func (s *PaymentsService) createDB(ctx context.Context, payerID string, req CreateRequest) (TransactionProjection, error) {
	var proj TransactionProjection
	err := resilience.Retry(ctx, s.dbRetry, s.logger(), "db.create_transaction", func() error {
		var err error
		proj, err = s.reserveDB(ctx, payerID, req)
		return err
	})
	return proj, err
}

// reserveDB is one attempt of the reservation transaction. Every attempt
// rolls back on failure, so the retry wrapper above can re-run it whole.
func (s *PaymentsService) reserveDB(ctx context.Context, payerID string, req CreateRequest) (TransactionProjection, error) {
	dbctx, cancel := s.dbContext(ctx)
	defer cancel()

	dbtx, err := s.db.BeginTx(dbctx, nil)
	if err != nil {
		return TransactionProjection{}, err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	identity, err := s.loadIdentityDB(dbctx, dbtx, payerID)
	if err != nil {
		return TransactionProjection{}, err
	}
	if identity == nil || !identity.Enabled {
		s.auditDenied(payerID, "request", "identity", payerID, "create_transaction", "identity not enabled")
		return TransactionProjection{}, businessErr(CodeIdentityDisabled, "payer identity is not enabled")
	}

	// Row lock on the account serializes every concurrent reservation and
	// settlement touching it.
	const lockAccount = `
SELECT identity_id, currency, balance::text, enabled
FROM accounts
WHERE account_id = $1
FOR UPDATE
`
	var (
		ownerID  string
		currency string
		balStr   string
		enabled  bool
	)
	err = dbtx.QueryRowContext(dbctx, lockAccount, req.SourceAccountID).Scan(&ownerID, &currency, &balStr, &enabled)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (ownerID != payerID || !enabled)) {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "account missing, disabled or not owned by payer")
		return TransactionProjection{}, businessErr(CodeInvalidSourceAccount, "source account is not usable by this payer")
	}
	if err != nil {
		return TransactionProjection{}, err
	}
	if currency != req.Currency {
		return TransactionProjection{}, businessErr(CodeInvalidRequest, "account currency is %s, request is %s", currency, req.Currency)
	}
	balance, err := decimal.NewFromString(balStr)
	if err != nil {
		return TransactionProjection{}, err
	}

	if req.IdempotencyKey != "" {
		const replayQ = `
SELECT ` + txColumns + `
FROM transactions
WHERE identity_id = $1 AND account_id = $2 AND payment_type = $3 AND idempotency_key = $4
`
		prev, err := scanTransaction(dbtx.QueryRowContext(dbctx, replayQ, payerID, req.SourceAccountID, string(req.PaymentType), req.IdempotencyKey))
		if err == nil {
			return projectTransaction(prev), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return TransactionProjection{}, err
		}
	}

	now := s.now()
	reference := req.reference()

	const nearDupQ = `
SELECT transaction_id
FROM transactions
WHERE account_id = $1
  AND identity_id = $2
  AND payment_type = $3
  AND reference = $4
  AND amount = $5::numeric
  AND status <> 'error'
  AND created_at > $6
LIMIT 1
`
	var dupID string
	err = dbtx.QueryRowContext(dbctx, nearDupQ, req.SourceAccountID, payerID, string(req.PaymentType), reference, req.Amount.String(), now.Add(-s.nearDuplicateWindow)).Scan(&dupID)
	if err == nil {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "near-duplicate within guard window")
		return TransactionProjection{}, &BusinessError{
			Code:    CodeDuplicateTransaction,
			Message: "an identical transaction was created moments ago",
			Details: map[string]string{"existing_transaction_id": dupID},
		}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TransactionProjection{}, err
	}

	recent, err := s.velocityCountDB(dbctx, dbtx, payerID, req.SourceAccountID, req.PaymentType, "", now)
	if err != nil {
		return TransactionProjection{}, err
	}
	if recent >= s.velocityMax {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "creation velocity exceeded")
		return TransactionProjection{}, &BusinessError{
			Code:    CodeVelocityLimitExceeded,
			Message: "too many transactions created in a short interval",
			Details: map[string]string{"window": s.velocityWindow.String()},
		}
	}

	s.mu.Lock()
	ls := s.resolveLimitsLocked(identity, req.PaymentType)
	s.mu.Unlock()
	usage := dbUsage{tx: dbtx, identityID: payerID, family: paymentFamily(req.PaymentType), day: now}
	if err := checkSpendingLimits(dbctx, ls, req.Amount, usage); err != nil {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "spending limit exceeded")
		return TransactionProjection{}, err
	}

	// Only pendings older than the velocity window count as abandoned; the
	// guard checks above must keep seeing anything younger.
	const supersede = `
UPDATE transactions
SET status = 'error', failure_reason = 'superseded by a newer transaction'
WHERE identity_id = $1
  AND account_id = $2
  AND payment_type = $3
  AND status = 'pending'
  AND created_at < $4
`
	if _, err := dbtx.ExecContext(dbctx, supersede, payerID, req.SourceAccountID, string(req.PaymentType), now.Add(-s.velocityWindow)); err != nil {
		return TransactionProjection{}, err
	}

	const heldQ = `
SELECT COALESCE(SUM(amount), 0)::text
FROM transactions
WHERE account_id = $1
  AND status IN ('pending', 'process')
`
	var heldStr string
	if err := dbtx.QueryRowContext(dbctx, heldQ, req.SourceAccountID).Scan(&heldStr); err != nil {
		return TransactionProjection{}, err
	}
	held, err := decimal.NewFromString(heldStr)
	if err != nil {
		return TransactionProjection{}, err
	}
	available := balance.Sub(held)
	if available.LessThan(req.Amount) {
		s.auditDenied(payerID, "request", "account", req.SourceAccountID, "create_transaction", "insufficient available balance")
		return TransactionProjection{}, errInsufficientBalance(available, req.Amount)
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
	const ins = `
INSERT INTO transactions (
  transaction_id, identity_id, account_id, amount, currency, reference,
  payment_type, status, idempotency_key, created_at
)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, 'pending', NULLIF($8, ''), $9)
`
	if _, err := dbtx.ExecContext(dbctx, ins,
		tx.ID, tx.IdentityID, tx.AccountID, tx.Amount.String(), tx.Currency,
		tx.Reference, string(tx.PaymentType), tx.IdempotencyKey, tx.CreatedAt,
	); err != nil {
		return TransactionProjection{}, err
	}
	if err := dbtx.Commit(); err != nil {
		return TransactionProjection{}, err
	}

	_ = s.appendAudit(payerID, "request", "transaction", tx.ID, "create_transaction", []byte(`{}`), snapshotTransaction(tx), auditSuccess, "")

	if tx.PaymentType == PaymentPixTransfer && s.Gateway != nil {
		s.quoteAndStoreDB(ctx, tx, identity.Document, req.KeyType)
	}
	return projectTransaction(tx), nil
}

// quoteAndStoreDB mirrors enrichFromQuote for the database path. Best
// effort only; losing the race against confirm leaves the row untouched.
func (s *PaymentsService) quoteAndStoreDB(ctx context.Context, tx *Transaction, document, keyType string) {
	quote, err := s.Gateway.QuoteTransfer(ctx, document, keyType, tx.Reference)
	if err != nil {
		s.logger().Warn("gateway quote failed, creation stands without beneficiary",
			"transaction_id", tx.ID, "error", err)
		return
	}
	b := Beneficiary{
		Name:     quote.Beneficiary.Name,
		Document: quote.Beneficiary.Document,
		Bank:     quote.Beneficiary.Bank,
		Account:  quote.Beneficiary.Account,
	}
	raw, _ := json.Marshal(b)

	dbctx, cancel := s.dbContext(ctx)
	defer cancel()
	const upd = `
UPDATE transactions
SET settlement_id = $2, beneficiary = $3
WHERE transaction_id = $1 AND status = 'pending'
`
	if _, err := s.db.ExecContext(dbctx, upd, tx.ID, quote.SettlementID, raw); err != nil {
		s.logger().Warn("failed to store quote enrichment", "transaction_id", tx.ID, "error", err)
		return
	}
	tx.SettlementID = quote.SettlementID
	tx.Beneficiary = &b
}

func (s *PaymentsService) confirmDB(ctx context.Context, payerID, transactionID string) (TransactionProjection, error) {
	dbctx, cancel := s.dbContext(ctx)
	defer cancel()

	const claim = `
UPDATE transactions
SET status = 'process'
WHERE transaction_id = $1 AND identity_id = $2 AND status = 'pending'
RETURNING payment_type
`
	var ptStr string
	err := resilience.Retry(ctx, s.dbRetry, s.logger(), "db.confirm_claim", func() error {
		cctx, ccancel := s.dbContext(ctx)
		defer ccancel()
		return s.db.QueryRowContext(cctx, claim, transactionID, payerID).Scan(&ptStr)
	})
	if errors.Is(err, sql.ErrNoRows) {
		const statusQ = `SELECT status FROM transactions WHERE transaction_id = $1 AND identity_id = $2`
		var status string
		serr := s.db.QueryRowContext(dbctx, statusQ, transactionID, payerID).Scan(&status)
		if errors.Is(serr, sql.ErrNoRows) {
			return TransactionProjection{}, businessErr(CodeTransactionNotFound, "transaction %q not found", transactionID)
		}
		if serr != nil {
			return TransactionProjection{}, serr
		}
		switch TransactionStatus(status) {
		case StatusProcess, StatusConfirm:
			return TransactionProjection{}, businessErr(CodeDuplicateTransaction, "transaction was already confirmed")
		default:
			return TransactionProjection{}, businessErr(CodeTransactionNotPending, "transaction is in status %s", status)
		}
	}
	if err != nil {
		return TransactionProjection{}, err
	}

	if err := s.enqueueSettlement(ctx, transactionID, payerID, PaymentType(ptStr)); err != nil {
		const revert = `UPDATE transactions SET status = 'pending' WHERE transaction_id = $1 AND status = 'process'`
		if _, rerr := s.db.ExecContext(dbctx, revert, transactionID); rerr != nil {
			s.logger().Error("failed to roll back confirm after enqueue failure",
				"transaction_id", transactionID, "error", rerr)
		}
		s.logger().Error("settlement enqueue failed, transaction rolled back to pending",
			"transaction_id", transactionID, "error", err)
		return TransactionProjection{}, businessErr(CodeInternal, "settlement queue unavailable")
	}

	tx, err := s.fetchTransactionDB(dbctx, payerID, transactionID)
	if err != nil {
		return TransactionProjection{}, err
	}
	_ = s.appendAudit(payerID, "request", "transaction", transactionID, "confirm_transaction", []byte(`{}`), snapshotTransaction(tx), auditSuccess, "")
	return projectTransaction(tx), nil
}

func (s *PaymentsService) fetchTransactionDB(ctx context.Context, payerID, transactionID string) (*Transaction, error) {
	const q = `SELECT ` + txColumns + ` FROM transactions WHERE transaction_id = $1 AND identity_id = $2`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, q, transactionID, payerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, businessErr(CodeTransactionNotFound, "transaction %q not found", transactionID)
	}
	return tx, err
}

func (s *PaymentsService) getTransactionDB(ctx context.Context, payerID, transactionID string) (TransactionProjection, error) {
	dbctx, cancel := s.dbContext(ctx)
	defer cancel()
	tx, err := s.fetchTransactionDB(dbctx, payerID, transactionID)
	if err != nil {
		return TransactionProjection{}, err
	}
	return projectTransaction(tx), nil
}

func (s *PaymentsService) listTransactionsDB(ctx context.Context, payerID string, opts ListOptions) ([]TransactionProjection, error) {
	dbctx, cancel := s.dbContext(ctx)
	defer cancel()

	const q = `
SELECT ` + txColumns + `
FROM transactions
WHERE identity_id = $1
  AND ($2 = '' OR account_id = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at DESC, transaction_id DESC
LIMIT $4 OFFSET $5
`
	rows, err := s.db.QueryContext(dbctx, q, payerID, opts.AccountID, string(opts.Status), opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TransactionProjection, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, projectTransaction(tx))
	}
	return out, rows.Err()
}

func (s *PaymentsService) availableBalanceDB(ctx context.Context, payerID, accountID string) (AccountBalance, error) {
	dbctx, cancel := s.dbContext(ctx)
	defer cancel()

	const q = `
SELECT a.currency, a.balance::text,
       COALESCE((
         SELECT SUM(t.amount)
         FROM transactions t
         WHERE t.account_id = a.account_id AND t.status IN ('pending', 'process')
       ), 0)::text
FROM accounts a
WHERE a.account_id = $1 AND a.identity_id = $2
`
	var currency, balStr, heldStr string
	err := s.db.QueryRowContext(dbctx, q, accountID, payerID).Scan(&currency, &balStr, &heldStr)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountBalance{}, businessErr(CodeInvalidSourceAccount, "account %q not found for payer", accountID)
	}
	if err != nil {
		return AccountBalance{}, err
	}
	balance, err := decimal.NewFromString(balStr)
	if err != nil {
		return AccountBalance{}, err
	}
	held, err := decimal.NewFromString(heldStr)
	if err != nil {
		return AccountBalance{}, err
	}
	return AccountBalance{
		AccountID: accountID,
		Currency:  currency,
		Balance:   balance,
		Available: balance.Sub(held),
	}, nil
}

func (s *PaymentsService) markErrorDB(ctx context.Context, transactionID, origin, reason string) error {
	dbctx, cancel := s.dbContext(ctx)
	defer cancel()
	const upd = `
UPDATE transactions
SET status = 'error', failure_reason = $2
WHERE transaction_id = $1 AND status = 'process'
RETURNING identity_id
`
	var identityID string
	err := s.db.QueryRowContext(dbctx, upd, transactionID, reason).Scan(&identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	_ = s.appendAudit(identityID, origin, "transaction", transactionID, "fail_transaction", []byte(`{}`), []byte(`{"status":"error"}`), auditError, reason)
	return nil
}

func (s *PaymentsService) settleDB(ctx context.Context, transactionID, payerID string) (PaymentType, string, error) {
	if s.Gateway == nil {
		return "", "", businessErr(CodeInternal, "no settlement gateway configured")
	}

	var (
		tx       *Transaction
		identity *Identity
		outcome  string
	)
	err := resilience.Retry(ctx, s.dbRetry, s.logger(), "db.settle_claim", func() error {
		var err error
		tx, identity, outcome, err = s.settleClaimDB(ctx, transactionID, payerID)
		return err
	})
	if err != nil {
		return "", "", err
	}
	if tx == nil {
		return "", "", nil
	}
	pt := tx.PaymentType
	if outcome != "" {
		return pt, outcome, nil
	}

	// Phase two: the gateway sequence, outside any database transaction.
	document := identity.Document
	settlementID := tx.SettlementID
	if settlementID == "" {
		switch pt {
		case PaymentBoleto:
			settlementID = tx.Reference
		default:
			quote, err := s.Gateway.QuoteTransfer(ctx, document, "", tx.Reference)
			if err != nil {
				return pt, "gateway_error", s.markErrorRetry(ctx, transactionID, "worker", "gateway quote failed: "+err.Error())
			}
			settlementID = quote.SettlementID
		}
		// Persist before the transfer executes, so an interrupted settlement
		// can still be matched against the gateway by settlement id, and a
		// redelivery never re-quotes.
		const stash = `UPDATE transactions SET settlement_id = $2 WHERE transaction_id = $1 AND status = 'process'`
		err := resilience.Retry(ctx, s.dbRetry, s.logger(), "db.stash_settlement_id", func() error {
			sctx, scancel := s.dbContext(ctx)
			defer scancel()
			_, err := s.db.ExecContext(sctx, stash, transactionID, settlementID)
			return err
		})
		if err != nil {
			// No money has moved yet, redelivery is still safe here.
			return pt, "", err
		}
	}
	if err := s.Gateway.CreateTransactionalToken(ctx, document, tx.Amount, geoZero); err != nil {
		return pt, "gateway_error", s.markErrorRetry(ctx, transactionID, "worker", "transactional token rejected: "+err.Error())
	}
	if err := s.Gateway.ConfirmTransactionalPassword(ctx, document); err != nil {
		return pt, "gateway_error", s.markErrorRetry(ctx, transactionID, "worker", "transactional password rejected: "+err.Error())
	}
	if _, err := s.Gateway.ConfirmTransfer(ctx, document, settlementID, tx.Amount, "wallet payment "+tx.ID); err != nil {
		return pt, "gateway_error", s.markErrorRetry(ctx, transactionID, "worker", "transfer execution rejected: "+err.Error())
	}

	// Phase three: debit and finalize atomically under the account lock.
	var final string
	err = resilience.Retry(ctx, s.dbRetry, s.logger(), "db.settle_finalize", func() error {
		var err error
		final, err = s.finalizeSettlementDB(ctx, tx, settlementID)
		return err
	})
	if err == nil {
		return pt, final, nil
	}

	// The transfer already executed. Leaving the row in process would hand
	// the job back to the queue and run the transfer a second time, so a
	// finalize failure forces the terminal error state; the stored
	// settlement id lets operators reconcile the executed transfer.
	reason := "ledger debit failed after transfer execution: " + err.Error()
	s.logger().Error("settlement finalize failed, marking transaction for reconciliation",
		"transaction_id", transactionID, "settlement_id", settlementID, "error", err)
	if merr := s.markErrorRetry(ctx, transactionID, "worker", reason); merr != nil {
		return pt, "", errors.Join(err, merr)
	}
	return pt, "debit_failed", nil
}

// settleClaimDB is the claim check and re-validation under the row lock; it
// never mutates the row. A nil transaction with a nil error means the job
// references nothing and should be dropped; a non-empty outcome means the
// attempt is already decided.
func (s *PaymentsService) settleClaimDB(ctx context.Context, transactionID, payerID string) (*Transaction, *Identity, string, error) {
	dbctx, cancel := s.dbContext(ctx)
	dbtx, err := s.db.BeginTx(dbctx, nil)
	if err != nil {
		cancel()
		return nil, nil, "", err
	}
	rollback := func() {
		_ = dbtx.Rollback()
		cancel()
	}

	const claimQ = `SELECT ` + txColumns + ` FROM transactions WHERE transaction_id = $1 FOR UPDATE`
	tx, err := scanTransaction(dbtx.QueryRowContext(dbctx, claimQ, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		rollback()
		s.logger().Warn("settlement job references unknown transaction, dropping",
			"transaction_id", transactionID, "payer_id", payerID)
		return nil, nil, "", nil
	}
	if err != nil {
		rollback()
		return nil, nil, "", err
	}
	pt := tx.PaymentType
	if tx.IdentityID != payerID || tx.Status != StatusProcess {
		rollback()
		return tx, nil, "noop", nil
	}

	identity, err := s.loadIdentityDB(dbctx, dbtx, tx.IdentityID)
	if err != nil {
		rollback()
		return nil, nil, "", err
	}
	if identity == nil || !identity.Enabled {
		rollback()
		_ = s.markErrorDB(ctx, transactionID, "worker", "payer identity disabled before settlement")
		return tx, nil, "rejected", nil
	}

	now := s.now()
	s.mu.Lock()
	ls := s.resolveLimitsLocked(identity, pt)
	s.mu.Unlock()
	usage := dbUsage{tx: dbtx, identityID: tx.IdentityID, family: paymentFamily(pt), day: now, exclude: tx.ID}
	if err := checkSpendingLimits(dbctx, ls, tx.Amount, usage); err != nil {
		if _, ok := err.(*BusinessError); !ok {
			rollback()
			return nil, nil, "", err
		}
		rollback()
		_ = s.markErrorDB(ctx, transactionID, "worker", "spending limit exceeded at settlement: "+err.Error())
		return tx, identity, "rejected", nil
	}
	recent, err := s.velocityCountDB(dbctx, dbtx, tx.IdentityID, tx.AccountID, pt, tx.ID, now)
	if err != nil {
		rollback()
		return nil, nil, "", err
	}
	if recent >= s.velocityMax {
		rollback()
		_ = s.markErrorDB(ctx, transactionID, "worker", "velocity limit exceeded at settlement")
		return tx, identity, "rejected", nil
	}
	rollback()
	return tx, identity, "", nil
}

// finalizeSettlementDB debits the account and flips the transaction to
// confirm in one database transaction. The status re-check makes a retry
// after an ambiguous commit failure land on noop instead of a second debit.
func (s *PaymentsService) finalizeSettlementDB(ctx context.Context, tx *Transaction, settlementID string) (string, error) {
	dbctx, cancel := s.dbContext(ctx)
	defer cancel()
	final, err := s.db.BeginTx(dbctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = final.Rollback()
	}()

	const lockBalance = `SELECT balance::text FROM accounts WHERE account_id = $1 FOR UPDATE`
	var balStr string
	if err := final.QueryRowContext(dbctx, lockBalance, tx.AccountID).Scan(&balStr); err != nil {
		return "", err
	}
	balance, err := decimal.NewFromString(balStr)
	if err != nil {
		return "", err
	}
	const statusQ = `SELECT status FROM transactions WHERE transaction_id = $1 FOR UPDATE`
	var status string
	if err := final.QueryRowContext(dbctx, statusQ, tx.ID).Scan(&status); err != nil {
		return "", err
	}
	if TransactionStatus(status) != StatusProcess {
		return "noop", nil
	}
	if balance.LessThan(tx.Amount) {
		const fail = `UPDATE transactions SET status = 'error', failure_reason = $2 WHERE transaction_id = $1`
		if _, err := final.ExecContext(dbctx, fail, tx.ID, "insufficient balance at settlement"); err != nil {
			return "", err
		}
		if err := final.Commit(); err != nil {
			return "", err
		}
		_ = s.appendAudit(tx.IdentityID, "worker", "transaction", tx.ID, "fail_transaction", []byte(`{}`), []byte(`{"status":"error"}`), auditError, "insufficient balance at settlement")
		return "insufficient_balance", nil
	}

	confirmedAt := s.now()
	const debit = `UPDATE accounts SET balance = balance - $2::numeric WHERE account_id = $1`
	if _, err := final.ExecContext(dbctx, debit, tx.AccountID, tx.Amount.String()); err != nil {
		return "", err
	}
	const finalize = `
UPDATE transactions
SET status = 'confirm', settlement_id = $2, confirmed_at = $3
WHERE transaction_id = $1
`
	if _, err := final.ExecContext(dbctx, finalize, tx.ID, settlementID, confirmedAt); err != nil {
		return "", err
	}
	if err := final.Commit(); err != nil {
		return "", err
	}
	_ = s.appendAudit(tx.IdentityID, "worker", "transaction", tx.ID, "settle_transaction", snapshotTransaction(tx), []byte(`{"status":"confirm"}`), auditSuccess, "")
	return "confirmed", nil
}

// markErrorRetry is markErrorDB under the transient-fault retry policy, for
// paths where the transition to error must stick.
func (s *PaymentsService) markErrorRetry(ctx context.Context, transactionID, origin, reason string) error {
	return resilience.Retry(ctx, s.dbRetry, s.logger(), "db.mark_error", func() error {
		return s.markErrorDB(ctx, transactionID, origin, reason)
	})
}

func (s *PaymentsService) sweepStaleDB(ctx context.Context, ttl time.Duration) (int, error) {
	const upd = `
UPDATE transactions
SET status = 'error', failure_reason = 'reservation expired without confirmation'
WHERE status = 'pending' AND created_at < $1
`
	var n int64
	err := resilience.Retry(ctx, s.dbRetry, s.logger(), "db.sweep_stale", func() error {
		dbctx, cancel := s.dbContext(ctx)
		defer cancel()
		res, err := s.db.ExecContext(dbctx, upd, s.now().Add(-ttl))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
