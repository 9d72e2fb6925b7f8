package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
	"github.com/tucanopay/wallet-core-go/internal/platform/gateway"
	"github.com/tucanopay/wallet-core-go/internal/platform/queue"
)

func dec(t testing.TB, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func decPtr(t testing.TB, s string) *decimal.Decimal {
	d := dec(t, s)
	return &d
}

func intPtr(n int) *int {
	return &n
}

// fakeGateway records call order and lets tests fail any step.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	quote        gateway.Quote
	quoteErr     error
	tokenErr     error
	passwordErr  error
	transferErr  error
	balance      decimal.Decimal
	balanceErr   error
	statements   []gateway.StatementEntry
	statementErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		quote: gateway.Quote{
			SettlementID: "stl-001",
			Beneficiary: gateway.Beneficiary{
				Name:     "Maria Souza",
				Document: "98765432100",
				Bank:     "341",
				Account:  "12345-6",
			},
		},
	}
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *fakeGateway) QuoteTransfer(ctx context.Context, document, keyType, keyValue string) (gateway.Quote, error) {
	g.record("quote")
	if g.quoteErr != nil {
		return gateway.Quote{}, g.quoteErr
	}
	return g.quote, nil
}

func (g *fakeGateway) ConfirmTransfer(ctx context.Context, document, settlementID string, amount decimal.Decimal, description string) (gateway.Ack, error) {
	g.record("transfer")
	if g.transferErr != nil {
		return gateway.Ack{}, g.transferErr
	}
	return gateway.Ack{EndToEndID: "e2e-" + settlementID, Status: "executed"}, nil
}

func (g *fakeGateway) CreateTransactionalToken(ctx context.Context, document string, amount decimal.Decimal, geo gateway.GeoPoint) error {
	g.record("token")
	return g.tokenErr
}

func (g *fakeGateway) ConfirmTransactionalPassword(ctx context.Context, document string) error {
	g.record("password")
	return g.passwordErr
}

func (g *fakeGateway) GetBalance(ctx context.Context, document string) (decimal.Decimal, error) {
	g.record("balance")
	return g.balance, g.balanceErr
}

func (g *fakeGateway) GetStatements(ctx context.Context, document string, from, to time.Time) ([]gateway.StatementEntry, error) {
	g.record("statements")
	return g.statements, g.statementErr
}

const (
	testPayer   = "payer-1"
	testAccount = "acct-1"
)

func newTestService(t testing.TB, clk clock.Clock) (*PaymentsService, *queue.Memory, *fakeGateway) {
	t.Helper()
	svc := NewPaymentsService(clk)
	gw := newFakeGateway()
	q := queue.NewMemory()
	svc.Gateway = gw
	svc.Queue = q
	svc.UpsertIdentity(Identity{ID: testPayer, Document: "12345678900", Country: "BR", Enabled: true})
	svc.UpsertAccount(Account{ID: testAccount, IdentityID: testPayer, Currency: "BRL", Balance: dec(t, "100.00"), Enabled: true})
	return svc, q, gw
}

func pixRequest(t testing.TB, amount, key string) CreateRequest {
	return CreateRequest{
		SourceAccountID: testAccount,
		Amount:          dec(t, amount),
		Currency:        "BRL",
		PaymentType:     PaymentPixTransfer,
		KeyType:         "email",
		KeyValue:        key,
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
}

func TestCreateReservesAndQuotes(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	ctx := context.Background()

	proj, err := svc.Create(ctx, testPayer, pixRequest(t, "40.00", "maria@example.com"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	if proj.Status != StatusPending {
		t.Fatalf("status = %s, want pending", proj.Status)
	}
	if proj.SettlementID != "stl-001" {
		t.Fatalf("settlement id = %q, want stl-001", proj.SettlementID)
	}
	if proj.Beneficiary == nil || proj.Beneficiary.Name != "Maria Souza" {
		t.Fatalf("beneficiary = %+v, want Maria Souza snapshot", proj.Beneficiary)
	}
	if got := gw.callLog(); len(got) != 1 || got[0] != "quote" {
		t.Fatalf("gateway calls = %v, want [quote]", got)
	}

	bal, err := svc.AvailableBalance(ctx, testPayer, testAccount)
	if err != nil {
		t.Fatalf("available balance err: %v", err)
	}
	if !bal.Balance.Equal(dec(t, "100.00")) {
		t.Fatalf("balance = %s, creation must not mutate the ledger", bal.Balance)
	}
	if !bal.Available.Equal(dec(t, "60.00")) {
		t.Fatalf("available = %s, want 60.00 after 40.00 reservation", bal.Available)
	}
}

func TestCreateQuoteFailureIsBestEffort(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	gw.quoteErr = errors.New("gateway down")

	proj, err := svc.Create(context.Background(), testPayer, pixRequest(t, "40.00", "maria@example.com"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	if proj.Status != StatusPending {
		t.Fatalf("status = %s, want pending despite failed quote", proj.Status)
	}
	if proj.Beneficiary != nil || proj.SettlementID != "" {
		t.Fatalf("projection carries quote data after a failed quote: %+v", proj)
	}
}

func TestCreateIdempotencyReplay(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	ctx := context.Background()

	req := pixRequest(t, "30.00", "maria@example.com")
	req.IdempotencyKey = "key-K"
	first, err := svc.Create(ctx, testPayer, req)
	if err != nil {
		t.Fatalf("first create err: %v", err)
	}

	clk.Advance(5 * time.Second)
	second, err := svc.Create(ctx, testPayer, req)
	if err != nil {
		t.Fatalf("replay err: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay created a new transaction: %s vs %s", second.ID, first.ID)
	}

	// Exactly one reservation and one quote: the replay had no side effects.
	bal, _ := svc.AvailableBalance(ctx, testPayer, testAccount)
	if !bal.Available.Equal(dec(t, "70.00")) {
		t.Fatalf("available = %s, want 70.00 with a single reservation", bal.Available)
	}
	if got := gw.callLog(); len(got) != 1 {
		t.Fatalf("gateway calls = %v, replay must not re-quote", got)
	}
}

func TestCreateNearDuplicateRejected(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	if _, err := svc.Create(ctx, testPayer, pixRequest(t, "10.00", "maria@example.com")); err != nil {
		t.Fatalf("first create err: %v", err)
	}

	clk.Advance(5 * time.Second)
	_, err := svc.Create(ctx, testPayer, pixRequest(t, "10.00", "maria@example.com"))
	if CodeOf(err) != CodeDuplicateTransaction {
		t.Fatalf("code = %s, want duplicate_transaction", CodeOf(err))
	}

	// Outside the window the same request is legitimate again.
	clk.Advance(31 * time.Second)
	if _, err := svc.Create(ctx, testPayer, pixRequest(t, "10.00", "maria@example.com")); err != nil {
		t.Fatalf("create after window err: %v", err)
	}
}

func TestCreateVelocityLimit(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	for i, key := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		if _, err := svc.Create(ctx, testPayer, pixRequest(t, "5.00", key)); err != nil {
			t.Fatalf("create %d err: %v", i, err)
		}
		clk.Advance(2 * time.Second)
	}

	_, err := svc.Create(ctx, testPayer, pixRequest(t, "5.00", "d@x.com"))
	if CodeOf(err) != CodeVelocityLimitExceeded {
		t.Fatalf("code = %s, want velocity_limit_exceeded", CodeOf(err))
	}

	// 60 seconds later the window has drained.
	clk.Advance(time.Minute)
	if _, err := svc.Create(ctx, testPayer, pixRequest(t, "5.00", "d@x.com")); err != nil {
		t.Fatalf("create after velocity window err: %v", err)
	}
}

func TestCreateInsufficientAvailableBalance(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	if _, err := svc.Create(ctx, testPayer, pixRequest(t, "80.00", "a@x.com")); err != nil {
		t.Fatalf("first create err: %v", err)
	}

	clk.Advance(time.Second)
	_, err := svc.Create(ctx, testPayer, pixRequest(t, "80.00", "b@x.com"))
	var be *BusinessError
	if !errors.As(err, &be) || be.Code != CodeInsufficientBalance {
		t.Fatalf("err = %v, want insufficient_balance", err)
	}
	if be.Details["available"] != "20" {
		t.Fatalf("available detail = %q, want 20", be.Details["available"])
	}
}

func TestCreateConcurrentReservationsNeverOverspend(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	svc.SetGuardPolicy(time.Millisecond, time.Minute, 1000)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := pixRequest(t, "80.00", "target@x.com")
			req.KeyValue = "target" + string(rune('a'+n)) + "@x.com"
			_, errs[n] = svc.Create(ctx, testPayer, req)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if CodeOf(err) != CodeInsufficientBalance {
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d of %d concurrent 80.00 reservations succeeded on a 100.00 balance, want exactly 1", succeeded, attempts)
	}
}

func TestCreateDisabledIdentityAndForeignAccount(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	svc.UpsertIdentity(Identity{ID: "payer-2", Document: "11122233344", Country: "BR", Enabled: false})
	_, err := svc.Create(ctx, "payer-2", pixRequest(t, "5.00", "a@x.com"))
	if CodeOf(err) != CodeIdentityDisabled {
		t.Fatalf("code = %s, want identity_disabled", CodeOf(err))
	}

	svc.UpsertIdentity(Identity{ID: "payer-3", Document: "55566677788", Country: "BR", Enabled: true})
	_, err = svc.Create(ctx, "payer-3", pixRequest(t, "5.00", "a@x.com"))
	if CodeOf(err) != CodeInvalidSourceAccount {
		t.Fatalf("code = %s, want invalid_source_account for another payer's account", CodeOf(err))
	}
}

func TestCreateSupersedesStalePending(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	svc.SetGuardPolicy(time.Millisecond, time.Minute, 1000)
	ctx := context.Background()

	first, err := svc.Create(ctx, testPayer, pixRequest(t, "70.00", "a@x.com"))
	if err != nil {
		t.Fatalf("first create err: %v", err)
	}

	// The abandoned 70.00 reservation would block the retry; once it is
	// older than the velocity window it must be released before the
	// available balance is computed.
	clk.Advance(2 * time.Minute)
	second, err := svc.Create(ctx, testPayer, pixRequest(t, "70.00", "b@x.com"))
	if err != nil {
		t.Fatalf("second create err: %v", err)
	}

	gotFirst, err := svc.GetTransaction(ctx, testPayer, first.ID)
	if err != nil {
		t.Fatalf("get first err: %v", err)
	}
	if gotFirst.Status != StatusError || gotFirst.FailureReason == "" {
		t.Fatalf("first = %s (%q), want error with a supersede reason", gotFirst.Status, gotFirst.FailureReason)
	}
	if second.Status != StatusPending {
		t.Fatalf("second = %s, want pending", second.Status)
	}
}

func TestConfirmMovesToProcessAndEnqueues(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, q, _ := newTestService(t, clk)
	ctx := context.Background()

	proj, err := svc.Create(ctx, testPayer, pixRequest(t, "25.00", "a@x.com"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	confirmed, err := svc.Confirm(ctx, testPayer, proj.ID)
	if err != nil {
		t.Fatalf("confirm err: %v", err)
	}
	if confirmed.Status != StatusProcess {
		t.Fatalf("status = %s, want process", confirmed.Status)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1 settlement job", q.Len())
	}

	// Double confirm is a conflict, not a second enqueue.
	_, err = svc.Confirm(ctx, testPayer, proj.ID)
	if CodeOf(err) != CodeDuplicateTransaction {
		t.Fatalf("code = %s, want duplicate_transaction", CodeOf(err))
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d after double confirm, want 1", q.Len())
	}
}

func TestConfirmEnqueueFailureRollsBackToPending(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, q, _ := newTestService(t, clk)
	ctx := context.Background()

	proj, err := svc.Create(ctx, testPayer, pixRequest(t, "25.00", "a@x.com"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	q.FailEnqueue(errors.New("broker unreachable"))

	_, err = svc.Confirm(ctx, testPayer, proj.ID)
	if CodeOf(err) != CodeInternal {
		t.Fatalf("code = %s, want internal_error", CodeOf(err))
	}

	got, err := svc.GetTransaction(ctx, testPayer, proj.ID)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, process must not survive a failed enqueue", got.Status)
	}

	// The transaction stays confirmable once the queue recovers.
	q.FailEnqueue(nil)
	if _, err := svc.Confirm(ctx, testPayer, proj.ID); err != nil {
		t.Fatalf("confirm after recovery err: %v", err)
	}
}

func TestConfirmUnknownAndForeignTransaction(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	_, err := svc.Confirm(ctx, testPayer, "tx-missing")
	if CodeOf(err) != CodeTransactionNotFound {
		t.Fatalf("code = %s, want transaction_not_found", CodeOf(err))
	}

	proj, err := svc.Create(ctx, testPayer, pixRequest(t, "5.00", "a@x.com"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	svc.UpsertIdentity(Identity{ID: "payer-2", Document: "11122233344", Country: "BR", Enabled: true})
	_, err = svc.Confirm(ctx, "payer-2", proj.ID)
	if CodeOf(err) != CodeTransactionNotFound {
		t.Fatalf("code = %s, another payer's transaction must look missing", CodeOf(err))
	}
}

func TestListTransactionsFiltersAndPages(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, _ := newTestService(t, clk)
	svc.SetGuardPolicy(time.Millisecond, time.Minute, 1000)
	ctx := context.Background()

	keys := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}
	for _, key := range keys {
		req := pixRequest(t, "1.00", key)
		if _, err := svc.Create(ctx, testPayer, req); err != nil {
			t.Fatalf("create %s err: %v", key, err)
		}
		clk.Advance(2 * time.Minute) // keep each creation outside the stale window of the next
	}

	all, err := svc.ListTransactions(ctx, testPayer, ListOptions{})
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	if len(all) != len(keys) {
		t.Fatalf("list len = %d, want %d", len(all), len(keys))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatalf("list not newest-first at %d", i)
		}
	}

	page, err := svc.ListTransactions(ctx, testPayer, ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("page err: %v", err)
	}
	if len(page) != 2 || page[0].ID != all[1].ID {
		t.Fatalf("paging broken: got %d rows starting %s", len(page), page[0].ID)
	}

	// Each later create superseded the previous pending one of the same
	// account and type, so only the newest is still pending.
	pending, err := svc.ListTransactions(ctx, testPayer, ListOptions{Status: StatusPending})
	if err != nil {
		t.Fatalf("filter err: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != all[0].ID {
		t.Fatalf("pending filter = %d rows, want only the newest", len(pending))
	}
}

func TestGatewayPassthroughs(t *testing.T) {
	clk := clock.NewFixed(fixedNow())
	svc, _, gw := newTestService(t, clk)
	gw.balance = dec(t, "321.55")
	ctx := context.Background()

	got, err := svc.GatewayBalance(ctx, testPayer)
	if err != nil {
		t.Fatalf("gateway balance err: %v", err)
	}
	if !got.Equal(dec(t, "321.55")) {
		t.Fatalf("balance = %s, want 321.55", got)
	}

	_, err = svc.GatewayStatements(ctx, testPayer, fixedNow(), fixedNow().Add(-time.Hour))
	if CodeOf(err) != CodeInvalidRequest {
		t.Fatalf("code = %s, want invalid_request for inverted window", CodeOf(err))
	}
	if _, err := svc.GatewayStatements(ctx, testPayer, fixedNow().Add(-time.Hour), fixedNow()); err != nil {
		t.Fatalf("statements err: %v", err)
	}
}
