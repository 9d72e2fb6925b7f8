package server

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tucanopay/wallet-core-go/internal/platform/gateway"
)

// GatewayBalance reads the payer's balance as the settlement gateway sees
// it. Used by reconciliation tooling next to AvailableBalance.
func (s *PaymentsService) GatewayBalance(ctx context.Context, payerID string) (decimal.Decimal, error) {
	document, err := s.payerDocument(ctx, payerID)
	if err != nil {
		return decimal.Zero, err
	}
	if s.Gateway == nil {
		return decimal.Zero, businessErr(CodeInternal, "no settlement gateway configured")
	}
	return s.Gateway.GetBalance(ctx, document)
}

// GatewayStatements reads the payer's gateway-side statement for a window.
func (s *PaymentsService) GatewayStatements(ctx context.Context, payerID string, from, to time.Time) ([]gateway.StatementEntry, error) {
	document, err := s.payerDocument(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if s.Gateway == nil {
		return nil, businessErr(CodeInternal, "no settlement gateway configured")
	}
	if !to.After(from) {
		return nil, businessErr(CodeInvalidRequest, "statement window end must be after start")
	}
	return s.Gateway.GetStatements(ctx, document, from, to)
}

func (s *PaymentsService) payerDocument(ctx context.Context, payerID string) (string, error) {
	if payerID == "" {
		return "", businessErr(CodeInvalidRequest, "payer id is required")
	}
	if s.dbEnabled() {
		dbctx, cancel := s.dbContext(ctx)
		defer cancel()
		identity, err := s.loadIdentityDB(dbctx, s.db, payerID)
		if err != nil {
			return "", err
		}
		if identity == nil || !identity.Enabled {
			return "", businessErr(CodeIdentityDisabled, "payer identity is not enabled")
		}
		return identity.Document, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identity := s.identities[payerID]
	if identity == nil || !identity.Enabled {
		return "", businessErr(CodeIdentityDisabled, "payer identity is not enabled")
	}
	return identity.Document, nil
}
