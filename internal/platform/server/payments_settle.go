package server

import (
	"context"
	"time"

	"github.com/tucanopay/wallet-core-go/internal/platform/gateway"
)

var geoZero = gateway.GeoPoint{}

// SettleTransaction executes one settlement attempt for a process-state
// transaction. It is the queue consumer's handler body and must stay safe
// under at-least-once delivery: any status other than process is a no-op
// success so redeliveries never double-debit.
//
// Returned errors mean "nothing conclusive happened, redeliver"; business
// failures move the transaction to error and return nil so the message is
// acknowledged.
func (s *PaymentsService) SettleTransaction(ctx context.Context, transactionID, payerID string) error {
	start := time.Now()
	pt, outcome, err := s.settle(ctx, transactionID, payerID)
	if outcome != "" {
		s.Metrics.ObserveSettlement(pt, outcome, time.Since(start))
	}
	return err
}

func (s *PaymentsService) settle(ctx context.Context, transactionID, payerID string) (PaymentType, string, error) {
	if s.dbEnabled() {
		return s.settleDB(ctx, transactionID, payerID)
	}

	s.mu.Lock()
	tx := s.transactions[transactionID]
	if tx == nil || tx.IdentityID != payerID {
		s.mu.Unlock()
		s.logger().Warn("settlement job references unknown transaction, dropping",
			"transaction_id", transactionID, "payer_id", payerID)
		return "", "", nil
	}
	if tx.Status != StatusProcess {
		s.mu.Unlock()
		return tx.PaymentType, "noop", nil
	}
	pt := tx.PaymentType
	if s.Gateway == nil {
		s.mu.Unlock()
		return pt, "", businessErr(CodeInternal, "no settlement gateway configured")
	}

	identity := s.identities[tx.IdentityID]
	if identity == nil || !identity.Enabled {
		s.markErrorLocked(tx, "worker", "payer identity disabled before settlement")
		s.mu.Unlock()
		return pt, "rejected", nil
	}

	// Limits and velocity are re-validated at settlement time because the
	// day window and the payer's other activity may have moved since the
	// reservation was taken. The transaction itself is excluded.
	now := s.now()
	ls := s.resolveLimitsLocked(identity, pt)
	usage := memUsage{s: s, identityID: tx.IdentityID, family: paymentFamily(pt), day: now, exclude: tx.ID}
	if err := checkSpendingLimits(ctx, ls, tx.Amount, usage); err != nil {
		s.markErrorLocked(tx, "worker", "spending limit exceeded at settlement: "+err.Error())
		s.mu.Unlock()
		return pt, "rejected", nil
	}
	if err := s.checkVelocityLocked(tx.IdentityID, tx.AccountID, pt, tx.ID, now); err != nil {
		s.markErrorLocked(tx, "worker", "velocity limit exceeded at settlement")
		s.mu.Unlock()
		return pt, "rejected", nil
	}

	document := identity.Document
	amount := tx.Amount
	reference := tx.Reference
	settlementID := tx.SettlementID
	description := "wallet payment " + tx.ID
	s.mu.Unlock()

	// All three gateway steps must succeed before any ledger mutation.
	if settlementID == "" {
		switch pt {
		case PaymentBoleto:
			// The barcode alone identifies a boleto settlement.
			settlementID = reference
		default:
			quote, err := s.Gateway.QuoteTransfer(ctx, document, "", reference)
			if err != nil {
				return pt, "gateway_error", s.failSettlement(ctx, transactionID, "gateway quote failed", err)
			}
			settlementID = quote.SettlementID
			s.mu.Lock()
			if cur := s.transactions[transactionID]; cur != nil {
				cur.SettlementID = settlementID
				if cur.Beneficiary == nil {
					cur.Beneficiary = &Beneficiary{
						Name:     quote.Beneficiary.Name,
						Document: quote.Beneficiary.Document,
						Bank:     quote.Beneficiary.Bank,
						Account:  quote.Beneficiary.Account,
					}
				}
			}
			s.mu.Unlock()
		}
	}

	if err := s.Gateway.CreateTransactionalToken(ctx, document, amount, geoZero); err != nil {
		return pt, "gateway_error", s.failSettlement(ctx, transactionID, "transactional token rejected", err)
	}
	if err := s.Gateway.ConfirmTransactionalPassword(ctx, document); err != nil {
		return pt, "gateway_error", s.failSettlement(ctx, transactionID, "transactional password rejected", err)
	}
	if _, err := s.Gateway.ConfirmTransfer(ctx, document, settlementID, amount, description); err != nil {
		return pt, "gateway_error", s.failSettlement(ctx, transactionID, "transfer execution rejected", err)
	}

	// Gateway accepted. Re-acquire the lock and finalize: the balance may
	// have moved since the reservation, so it is re-validated before debit.
	s.mu.Lock()
	defer s.mu.Unlock()
	tx = s.transactions[transactionID]
	if tx == nil || tx.Status != StatusProcess {
		return pt, "noop", nil
	}
	acct := s.accounts[tx.AccountID]
	if acct == nil {
		s.markErrorLocked(tx, "worker", "account vanished before debit")
		return pt, "rejected", nil
	}
	if acct.Balance.LessThan(tx.Amount) {
		// Expected outcome, not a fault. The gateway transfer already went
		// out, so the audit reason flags it for manual reconciliation.
		s.markErrorLocked(tx, "worker", "insufficient balance at settlement")
		return pt, "insufficient_balance", nil
	}

	before := snapshotTransaction(tx)
	acct.Balance = acct.Balance.Sub(tx.Amount)
	tx.Status = StatusConfirm
	tx.ConfirmedAt = s.now()
	_ = s.appendAudit(tx.IdentityID, "worker", "transaction", tx.ID, "settle_transaction", before, snapshotTransaction(tx), auditSuccess, "")
	return pt, "confirmed", nil
}

// failSettlement records a terminal gateway failure. The message is then
// acknowledged (nil return) since retrying a rejected settlement cannot
// succeed; protocol faults have already been retried by the client.
func (s *PaymentsService) failSettlement(ctx context.Context, transactionID, reason string, cause error) error {
	s.logger().Error("settlement aborted", "transaction_id", transactionID, "reason", reason, "error", cause)
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.transactions[transactionID]
	if tx == nil || tx.Status != StatusProcess {
		return nil
	}
	s.markErrorLocked(tx, "worker", reason+": "+cause.Error())
	return nil
}

func (s *PaymentsService) markErrorLocked(tx *Transaction, origin, reason string) {
	before := snapshotTransaction(tx)
	tx.Status = StatusError
	tx.FailureReason = reason
	_ = s.appendAudit(tx.IdentityID, origin, "transaction", tx.ID, "fail_transaction", before, snapshotTransaction(tx), auditError, reason)
}

// SweepStaleReservations moves pending transactions older than ttl to
// error, releasing their reservations. Returns how many were reclaimed.
func (s *PaymentsService) SweepStaleReservations(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	if s.dbEnabled() {
		return s.sweepStaleDB(ctx, ttl)
	}

	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for _, tx := range s.transactions {
		if tx.Status != StatusPending || !tx.CreatedAt.Before(cutoff) {
			continue
		}
		s.markErrorLocked(tx, "worker", "reservation expired without confirmation")
		reclaimed++
	}
	return reclaimed, nil
}

// StartStaleReservationSweeper runs SweepStaleReservations on a fixed
// interval until ctx is cancelled.
func (s *PaymentsService) StartStaleReservationSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reclaimed, err := s.SweepStaleReservations(ctx, ttl)
				s.Metrics.ObserveSweep(reclaimed, err)
				s.Metrics.RefreshReservationCounts(ctx, s.db)
				if err != nil {
					s.logger().Error("stale reservation sweep failed", "error", err)
					continue
				}
				if reclaimed > 0 {
					s.logger().Info("stale reservations reclaimed", "count", reclaimed)
				}
			}
		}
	}()
}
