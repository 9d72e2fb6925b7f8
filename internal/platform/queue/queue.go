package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is the envelope serialized onto the settlement queue. Payload is
// flow-specific and must carry everything an idempotent reprocess needs.
type Job struct {
	Type    string          `json:"jobType"`
	Payload json.RawMessage `json:"payload"`
}

func NewJob(jobType string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{Type: jobType, Payload: raw}, nil
}

// Message is one delivery. Handle identifies the delivery (not the job):
// deleting by handle acknowledges exactly this receive.
type Message struct {
	ID     string
	Handle string
	Body   []byte
}

// Queue provides at-least-once delivery. A message not deleted before its
// visibility timeout becomes receivable again; consumers must tolerate
// redelivery.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, handle string) error
}
