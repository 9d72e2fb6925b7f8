package server

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// sqlStub is a scriptable database/sql driver for exercising the postgres
// code paths without a server. Statements are matched by substring; when
// several scripts match, the longest match wins. Unscripted statements fail
// loudly so a test never silently skips a query it should have covered.
type sqlStub struct {
	mu        sync.Mutex
	scripts   []stubScript
	failBegin map[int]error
	begun     int
	log       []string
}

type stubScript struct {
	match string
	cols  []string
	rows  [][]driver.Value
	errs  []error
}

func newSQLStub() *sqlStub {
	return &sqlStub{failBegin: make(map[int]error)}
}

func (s *sqlStub) open() *sql.DB {
	return sql.OpenDB(stubConnector{s})
}

// script registers (or replaces) the result for statements containing match.
// A script with no rows answers row queries with sql.ErrNoRows and execs
// with one affected row.
func (s *sqlStub) script(match string, cols []string, rows ...[]driver.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.scripts {
		if s.scripts[i].match == match {
			s.scripts[i].cols = cols
			s.scripts[i].rows = rows
			return
		}
	}
	s.scripts = append(s.scripts, stubScript{match: match, cols: cols, rows: rows})
}

// failOnce queues one error for the next statement containing match; later
// calls fall through to the scripted result.
func (s *sqlStub) failOnce(match string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.scripts {
		if s.scripts[i].match == match {
			s.scripts[i].errs = append(s.scripts[i].errs, err)
			return
		}
	}
	s.scripts = append(s.scripts, stubScript{match: match, errs: []error{err}})
}

// failBeginTx makes the nth BeginTx (1-based, counted across the test) fail.
func (s *sqlStub) failBeginTx(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBegin[n] = err
}

// calls reports how many dispatched statements contained match.
func (s *sqlStub) calls(match string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.log {
		if strings.Contains(q, match) {
			n++
		}
	}
	return n
}

func (s *sqlStub) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun
}

func (s *sqlStub) dispatch(query string) (stubScript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, query)
	best := -1
	for i := range s.scripts {
		if !strings.Contains(query, s.scripts[i].match) {
			continue
		}
		if best < 0 || len(s.scripts[i].match) > len(s.scripts[best].match) {
			best = i
		}
	}
	if best < 0 {
		return stubScript{}, fmt.Errorf("unscripted statement: %s", strings.Join(strings.Fields(query), " "))
	}
	sc := &s.scripts[best]
	if len(sc.errs) > 0 {
		err := sc.errs[0]
		sc.errs = sc.errs[1:]
		return stubScript{}, err
	}
	return *sc, nil
}

type stubConnector struct{ s *sqlStub }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return stubConn{c.s}, nil }
func (c stubConnector) Driver() driver.Driver                        { return stubDrv{} }

type stubDrv struct{}

func (stubDrv) Open(string) (driver.Conn, error) { return nil, errors.New("open via sql.OpenDB") }

type stubConn struct{ s *sqlStub }

func (c stubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (c stubConn) Close() error { return nil }

func (c stubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c stubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.begun++
	if err := c.s.failBegin[c.s.begun]; err != nil {
		return nil, err
	}
	return stubTx{}, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

func (c stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	sc, err := c.s.dispatch(query)
	if err != nil {
		return nil, err
	}
	return &stubRows{cols: sc.cols, rows: sc.rows}, nil
}

func (c stubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	if _, err := c.s.dispatch(query); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	next int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

var (
	stubTxCols = []string{
		"transaction_id", "identity_id", "account_id", "amount", "currency", "reference",
		"payment_type", "status", "idempotency_key", "settlement_id",
		"beneficiary", "failure_reason", "created_at", "confirmed_at",
	}
	stubIdentityCols = []string{"identity_id", "document", "country", "enabled"}
)

func stubTxRow(settlementID string, status TransactionStatus, createdAt time.Time) []driver.Value {
	return []driver.Value{
		"tx-1", testPayer, testAccount, "40.00", "BRL", "maria@example.com",
		string(PaymentPixTransfer), string(status), "", settlementID,
		nil, "", createdAt, nil,
	}
}

func stubIdentityRow(enabled bool) []driver.Value {
	return []driver.Value{testPayer, "12345678900", "BR", enabled}
}
