package server

import (
	"context"
	"sort"

	"github.com/tucanopay/wallet-core-go/internal/platform/queue"
)

// Confirm moves a pending transaction to process and enqueues its
// settlement job. Process means "a job is in flight", so an enqueue failure
// rolls the status back to pending before the error is returned.
func (s *PaymentsService) Confirm(ctx context.Context, payerID, transactionID string) (TransactionProjection, error) {
	proj, err := s.confirm(ctx, payerID, transactionID)
	s.Metrics.ObserveConfirm(err)
	return proj, err
}

func (s *PaymentsService) confirm(ctx context.Context, payerID, transactionID string) (TransactionProjection, error) {
	if payerID == "" || transactionID == "" {
		return TransactionProjection{}, businessErr(CodeInvalidRequest, "payer id and transaction id are required")
	}

	if s.dbEnabled() {
		return s.confirmDB(ctx, payerID, transactionID)
	}

	s.mu.Lock()
	tx := s.transactions[transactionID]
	if tx == nil || tx.IdentityID != payerID {
		s.mu.Unlock()
		return TransactionProjection{}, businessErr(CodeTransactionNotFound, "transaction %q not found", transactionID)
	}
	switch tx.Status {
	case StatusPending:
	case StatusProcess, StatusConfirm:
		s.mu.Unlock()
		return TransactionProjection{}, businessErr(CodeDuplicateTransaction, "transaction was already confirmed")
	default:
		s.mu.Unlock()
		return TransactionProjection{}, businessErr(CodeTransactionNotPending, "transaction is in status %s", tx.Status)
	}

	before := snapshotTransaction(tx)
	tx.Status = StatusProcess
	pt := tx.PaymentType
	s.mu.Unlock()

	if err := s.enqueueSettlement(ctx, transactionID, payerID, pt); err != nil {
		s.mu.Lock()
		if cur := s.transactions[transactionID]; cur != nil && cur.Status == StatusProcess {
			cur.Status = StatusPending
		}
		s.mu.Unlock()
		s.logger().Error("settlement enqueue failed, transaction rolled back to pending",
			"transaction_id", transactionID, "error", err)
		return TransactionProjection{}, businessErr(CodeInternal, "settlement queue unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx = s.transactions[transactionID]
	_ = s.appendAudit(payerID, "request", "transaction", transactionID, "confirm_transaction", before, snapshotTransaction(tx), auditSuccess, "")
	return projectTransaction(tx), nil
}

func (s *PaymentsService) enqueueSettlement(ctx context.Context, transactionID, payerID string, pt PaymentType) error {
	if s.Queue == nil {
		return businessErr(CodeInternal, "no settlement queue configured")
	}
	job, err := queue.NewJob(jobTypeSettlePayment, settleJob{
		TransactionID: transactionID,
		PayerID:       payerID,
		PaymentType:   pt,
	})
	if err != nil {
		return err
	}
	return s.Queue.Enqueue(ctx, job)
}

// GetTransaction returns one of the payer's transactions. Other payers'
// transactions are indistinguishable from missing ones.
func (s *PaymentsService) GetTransaction(ctx context.Context, payerID, transactionID string) (TransactionProjection, error) {
	if payerID == "" || transactionID == "" {
		return TransactionProjection{}, businessErr(CodeInvalidRequest, "payer id and transaction id are required")
	}
	if s.dbEnabled() {
		return s.getTransactionDB(ctx, payerID, transactionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.transactions[transactionID]
	if tx == nil || tx.IdentityID != payerID {
		return TransactionProjection{}, businessErr(CodeTransactionNotFound, "transaction %q not found", transactionID)
	}
	return projectTransaction(tx), nil
}

// ListOptions filters and pages ListTransactions. Zero values mean no
// filter; Limit 0 means the default page size.
type ListOptions struct {
	AccountID string
	Status    TransactionStatus
	Limit     int
	Offset    int
}

const defaultListLimit = 50

// ListTransactions returns the payer's transactions, newest first.
func (s *PaymentsService) ListTransactions(ctx context.Context, payerID string, opts ListOptions) ([]TransactionProjection, error) {
	if payerID == "" {
		return nil, businessErr(CodeInvalidRequest, "payer id is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if s.dbEnabled() {
		return s.listTransactionsDB(ctx, payerID, opts)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]*Transaction, 0)
	for _, tx := range s.transactions {
		if tx.IdentityID != payerID {
			continue
		}
		if opts.AccountID != "" && tx.AccountID != opts.AccountID {
			continue
		}
		if opts.Status != "" && tx.Status != opts.Status {
			continue
		}
		matched = append(matched, tx)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if opts.Offset >= len(matched) {
		return []TransactionProjection{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]TransactionProjection, 0, len(matched))
	for _, tx := range matched {
		out = append(out, projectTransaction(tx))
	}
	return out, nil
}

// AvailableBalance exposes the derived spendable balance for one account.
func (s *PaymentsService) AvailableBalance(ctx context.Context, payerID, accountID string) (AccountBalance, error) {
	if payerID == "" || accountID == "" {
		return AccountBalance{}, businessErr(CodeInvalidRequest, "payer id and account id are required")
	}
	if s.dbEnabled() {
		return s.availableBalanceDB(ctx, payerID, accountID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok || acct.IdentityID != payerID {
		return AccountBalance{}, businessErr(CodeInvalidSourceAccount, "account %q not found for payer", accountID)
	}
	return AccountBalance{
		AccountID: accountID,
		Currency:  acct.Currency,
		Balance:   acct.Balance,
		Available: s.availableLocked(accountID),
	}, nil
}
