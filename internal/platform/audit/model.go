package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event records one mutation or denial against a wallet object. Before/After
// carry JSON snapshots so settlement failures can be reconciled manually
// without replaying the gateway exchange.
type Event struct {
	EventID      string
	OccurredAt   time.Time
	RecordedAt   time.Time
	PayerID      string
	Origin       string // "request" or "worker"
	ObjectType   string // "transaction", "account"
	ObjectID     string
	Action       string
	Before       []byte
	After        []byte
	Result       Result
	Reason       string
	PartitionDay string
	HashPrev     string
	HashCurr     string
}
