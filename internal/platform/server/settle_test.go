package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
)

func createAndConfirm(t *testing.T, svc *PaymentsService, amount, key string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := svc.Create(ctx, testPayer, pixRequest(t, amount, key))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	if _, err := svc.Confirm(ctx, testPayer, tx.ID); err != nil {
		t.Fatalf("confirm err: %v", err)
	}
	return tx.ID
}

func TestSettleDebitsAndConfirms(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	ctx := context.Background()
	id := createAndConfirm(t, svc, "40.00", "a@x.com")

	if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
		t.Fatalf("settle err: %v", err)
	}

	got, err := svc.GetTransaction(ctx, testPayer, id)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if got.Status != StatusConfirm {
		t.Fatalf("status = %s, want confirm", got.Status)
	}
	if got.ConfirmedAt == nil || !got.ConfirmedAt.Equal(fixedNow()) {
		t.Fatalf("confirmed_at = %v, want %v", got.ConfirmedAt, fixedNow())
	}

	bal, err := svc.AvailableBalance(ctx, testPayer, testAccount)
	if err != nil {
		t.Fatalf("balance err: %v", err)
	}
	if !bal.Balance.Equal(dec(t, "60.00")) || !bal.Available.Equal(dec(t, "60.00")) {
		t.Fatalf("balance/available = %s/%s, want 60/60", bal.Balance, bal.Available)
	}

	// Quote already ran at reservation time, so the settlement only needs
	// the authorization steps before executing the transfer.
	want := []string{"quote", "token", "password", "transfer"}
	if got := gw.callLog(); len(got) != len(want) {
		t.Fatalf("gateway calls = %v, want %v", got, want)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("gateway calls = %v, want %v", got, want)
			}
		}
	}
}

func TestSettleQuotesWhenReservationHasNone(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	ctx := context.Background()

	// A reservation whose best-effort quote failed carries no settlement id;
	// the worker acquires one before executing.
	gw.quoteErr = errors.New("gateway down")
	id := createAndConfirm(t, svc, "40.00", "a@x.com")
	gw.quoteErr = nil

	if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
		t.Fatalf("settle err: %v", err)
	}
	got, err := svc.GetTransaction(ctx, testPayer, id)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if got.Status != StatusConfirm || got.SettlementID != "stl-001" {
		t.Fatalf("status/settlement = %s/%s, want confirm/stl-001", got.Status, got.SettlementID)
	}
	if got.Beneficiary == nil || got.Beneficiary.Name != "Maria Souza" {
		t.Fatalf("beneficiary = %+v, want quoted beneficiary", got.Beneficiary)
	}
}

func TestSettleBoletoUsesBarcodeWithoutQuoting(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	ctx := context.Background()

	tx, err := svc.Create(ctx, testPayer, CreateRequest{
		SourceAccountID: testAccount,
		Amount:          dec(t, "25.00"),
		Currency:        "BRL",
		PaymentType:     PaymentBoleto,
		Barcode:         "34191790010104351004791020150008291070026000",
	})
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	if _, err := svc.Confirm(ctx, testPayer, tx.ID); err != nil {
		t.Fatalf("confirm err: %v", err)
	}
	if err := svc.SettleTransaction(ctx, tx.ID, testPayer); err != nil {
		t.Fatalf("settle err: %v", err)
	}

	for _, call := range gw.callLog() {
		if call == "quote" {
			t.Fatalf("gateway calls = %v, boleto must not quote", gw.callLog())
		}
	}
	got, err := svc.GetTransaction(ctx, testPayer, tx.ID)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if got.Status != StatusConfirm {
		t.Fatalf("status = %s, want confirm", got.Status)
	}
}

func TestSettleGatewayRejectionMarksErrorWithoutDebit(t *testing.T) {
	cases := []struct {
		name string
		fail func(*fakeGateway)
	}{
		{"token", func(g *fakeGateway) { g.tokenErr = errors.New("token rejected") }},
		{"password", func(g *fakeGateway) { g.passwordErr = errors.New("password rejected") }},
		{"transfer", func(g *fakeGateway) { g.transferErr = errors.New("transfer rejected") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewFixed(fixedNow())
			svc, _, gw := newTestService(t, clk)
			ctx := context.Background()
			id := createAndConfirm(t, svc, "40.00", "a@x.com")
			tc.fail(gw)

			// The failure is terminal, so the handler acknowledges.
			if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
				t.Fatalf("settle err: %v, want nil (acknowledge)", err)
			}
			got, err := svc.GetTransaction(ctx, testPayer, id)
			if err != nil {
				t.Fatalf("get err: %v", err)
			}
			if got.Status != StatusError {
				t.Fatalf("status = %s, want error", got.Status)
			}
			bal, err := svc.AvailableBalance(ctx, testPayer, testAccount)
			if err != nil {
				t.Fatalf("balance err: %v", err)
			}
			if !bal.Balance.Equal(dec(t, "100.00")) || !bal.Available.Equal(dec(t, "100.00")) {
				t.Fatalf("balance/available = %s/%s, want untouched 100/100", bal.Balance, bal.Available)
			}
		})
	}
}

func TestSettleRedeliveryIsNoOp(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	ctx := context.Background()
	id := createAndConfirm(t, svc, "40.00", "a@x.com")

	if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
		t.Fatalf("first settle err: %v", err)
	}
	callsAfterFirst := len(gw.callLog())

	// At-least-once delivery: the second attempt must not touch the gateway
	// or the balance.
	if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
		t.Fatalf("redelivered settle err: %v", err)
	}
	if len(gw.callLog()) != callsAfterFirst {
		t.Fatalf("gateway calls grew to %v on redelivery", gw.callLog())
	}
	bal, err := svc.AvailableBalance(ctx, testPayer, testAccount)
	if err != nil {
		t.Fatalf("balance err: %v", err)
	}
	if !bal.Balance.Equal(dec(t, "60.00")) {
		t.Fatalf("balance = %s, want 60.00 after a single debit", bal.Balance)
	}
}

func TestSettleRevalidatesIdentityAndLimits(t *testing.T) {
	t.Run("identity disabled after confirm", func(t *testing.T) {
		clk := clock.NewFixed(fixedNow())
		svc, _, _ := newTestService(t, clk)
		ctx := context.Background()
		id := createAndConfirm(t, svc, "40.00", "a@x.com")

		svc.UpsertIdentity(Identity{ID: testPayer, Document: "12345678900", Country: "BR", Enabled: false})
		if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
			t.Fatalf("settle err: %v", err)
		}
		got, err := svc.GetTransaction(ctx, testPayer, id)
		if err != nil {
			t.Fatalf("get err: %v", err)
		}
		if got.Status != StatusError {
			t.Fatalf("status = %s, want error", got.Status)
		}
	})

	t.Run("limit tightened after confirm", func(t *testing.T) {
		clk := clock.NewFixed(fixedNow())
		svc, _, _ := newTestService(t, clk)
		ctx := context.Background()
		id := createAndConfirm(t, svc, "40.00", "a@x.com")

		svc.AssignLimits(LimitAssignment{
			IdentityID: testPayer,
			Custom: map[string]CountryLimits{
				"BR": {"pix": LimitBucket{MaxPerTransaction: decPtr(t, "10.00")}},
			},
		})
		if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
			t.Fatalf("settle err: %v", err)
		}
		got, err := svc.GetTransaction(ctx, testPayer, id)
		if err != nil {
			t.Fatalf("get err: %v", err)
		}
		if got.Status != StatusError {
			t.Fatalf("status = %s, want error", got.Status)
		}
		bal, err := svc.AvailableBalance(ctx, testPayer, testAccount)
		if err != nil {
			t.Fatalf("balance err: %v", err)
		}
		if !bal.Balance.Equal(dec(t, "100.00")) {
			t.Fatalf("balance = %s, want untouched 100.00", bal.Balance)
		}
	})
}

func TestSettleInsufficientBalanceAtDebitTime(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	id := createAndConfirm(t, svc, "70.00", "a@x.com")

	// Simulate an out-of-band balance adjustment landing between the
	// reservation and the debit, the one case the reservation cannot cover.
	svc.mu.Lock()
	svc.accounts[testAccount].Balance = dec(t, "50.00")
	svc.mu.Unlock()

	if err := svc.SettleTransaction(ctx, id, testPayer); err != nil {
		t.Fatalf("settle err: %v, want nil (acknowledge)", err)
	}
	got, err := svc.GetTransaction(ctx, testPayer, id)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if got.Status != StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatal("failure reason empty, want a reconciliation note")
	}
	bal, err := svc.AvailableBalance(ctx, testPayer, testAccount)
	if err != nil {
		t.Fatalf("balance err: %v", err)
	}
	if !bal.Balance.Equal(dec(t, "50.00")) {
		t.Fatalf("balance = %s, want 50.00 untouched by the failed debit", bal.Balance)
	}
}

func TestSettleUnknownTransactionIsAcknowledged(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)

	if err := svc.SettleTransaction(context.Background(), "missing", testPayer); err != nil {
		t.Fatalf("settle err: %v, want nil for an unknown transaction", err)
	}
}

func TestSweepStaleReservations(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	stale, err := svc.Create(ctx, testPayer, pixRequest(t, "30.00", "a@x.com"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	clk.Advance(20 * time.Minute)

	reclaimed, err := svc.SweepStaleReservations(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("sweep err: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}
	if got, _ := svc.GetTransaction(ctx, testPayer, stale.ID); got.Status != StatusError {
		t.Fatalf("stale status = %s, want error", got.Status)
	}

	fresh, err := svc.Create(ctx, testPayer, pixRequest(t, "30.00", "b@x.com"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	if got, _ := svc.GetTransaction(ctx, testPayer, fresh.ID); got.Status != StatusPending {
		t.Fatalf("fresh status = %s, want pending", got.Status)
	}

	bal, err := svc.AvailableBalance(ctx, testPayer, testAccount)
	if err != nil {
		t.Fatalf("balance err: %v", err)
	}
	if !bal.Available.Equal(dec(t, "70.00")) {
		t.Fatalf("available = %s, want 70.00 with only the fresh hold", bal.Available)
	}
}
