package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tucanopay/wallet-core-go/internal/platform/queue"
)

// SettlementWorker is the long-lived consumer of the settlement queue. It
// is safe to run multiple instances: the handler no-ops on anything not in
// process state, and funds movement is serialized by the ledger lock.
type SettlementWorker struct {
	Service     *PaymentsService
	Queue       queue.Queue
	Logger      *slog.Logger
	Concurrency int
	PollWait    time.Duration
}

func (w *SettlementWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// Run polls until ctx is cancelled, then drains in-flight handlers before
// returning.
func (w *SettlementWorker) Run(ctx context.Context) error {
	if w.Service == nil || w.Queue == nil {
		return errors.New("settlement worker needs a service and a queue")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	wait := w.PollWait
	if wait <= 0 {
		wait = 10 * time.Second
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(consumer int) {
			defer wg.Done()
			w.consume(ctx, consumer, wait)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *SettlementWorker) consume(ctx context.Context, consumer int, wait time.Duration) {
	log := w.logger().With("consumer", consumer)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.Queue.Receive(ctx, 10, wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			if err := w.handle(ctx, msg); err != nil {
				// Leave the message in flight; it becomes visible again
				// after the timeout and gets redelivered.
				log.Error("settlement handler failed, message will redeliver",
					"message_id", msg.ID, "error", err)
				continue
			}
			if err := w.Queue.Delete(ctx, msg.Handle); err != nil {
				log.Error("queue delete failed, expect a redelivery",
					"message_id", msg.ID, "error", err)
			}
		}
	}
}

// handle decodes and dispatches one delivery. Malformed messages are
// acknowledged rather than redelivered forever.
func (w *SettlementWorker) handle(ctx context.Context, msg queue.Message) error {
	var job queue.Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		w.logger().Error("dropping undecodable queue message", "message_id", msg.ID, "error", err)
		return nil
	}
	switch job.Type {
	case jobTypeSettlePayment:
		var payload settleJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			w.logger().Error("dropping settle job with undecodable payload", "message_id", msg.ID, "error", err)
			return nil
		}
		if payload.TransactionID == "" {
			w.logger().Error("dropping settle job without transaction id", "message_id", msg.ID)
			return nil
		}
		return w.Service.SettleTransaction(ctx, payload.TransactionID, payload.PayerID)
	default:
		w.logger().Warn("dropping queue message of unknown type", "message_id", msg.ID, "job_type", job.Type)
		return nil
	}
}
