// --- File: internal/batch/dispatcher.go ---
// Package batch fans a list of messages out to a bounded pool of delivery workers that
// share one pre-filled queue, and guarantees one result per message.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-notification-gateway/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

const dispatcherWorkerID = -1

var errBatchTimeout = errors.New("batch timeout")

// Limit throttles every send of a batch through a shared token bucket.
type Limit struct {
	Key        string
	RatePerSec float64
	Capacity   float64
}

// Options controls one Dispatch call.
type Options struct {
	// Channel is only used for logging and error details.
	Channel        string
	PoolSize       int
	ConnectTimeout time.Duration
	ItemTimeout    time.Duration
	BatchTimeout   time.Duration
	// CleanupGrace bounds how long Dispatch waits for workers to close their
	// connections once the batch is finished or has timed out.
	CleanupGrace time.Duration
	RateLimit    *Limit
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 15 * time.Second
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 2 * time.Minute
	}
	if o.CleanupGrace <= 0 {
		o.CleanupGrace = 5 * time.Second
	}
	return o
}

// Dispatcher runs batches. It is safe for concurrent use; the rate-limit registry is shared.
type Dispatcher struct {
	limiter *ratelimit.Registry
	logger  *slog.Logger
}

func NewDispatcher(limiter *ratelimit.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		limiter: limiter,
		logger:  logger.With("component", "BatchDispatcher"),
	}
}

// Dispatch delivers messages through adapter and always returns a report holding exactly
// one result per message, whatever happens to connections or individual sends.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	batchIndex int,
	messages []dispatch.Message,
	adapter dispatch.Adapter,
	opts Options,
) *dispatch.BatchReport {
	opts = opts.withDefaults()
	report := &dispatch.BatchReport{BatchIndex: batchIndex, Results: []dispatch.DeliveryResult{}}
	if len(messages) == 0 {
		return report
	}

	poolSize := min(opts.PoolSize, len(messages))
	report.PoolSizeUsed = poolSize

	logger := d.logger.With(
		"batch_id", uuid.NewString(),
		"batch_index", batchIndex,
		"channel", opts.Channel,
	)

	if opts.RateLimit != nil {
		if _, err := d.limiter.GetOrCreate(opts.RateLimit.Key, opts.RateLimit.RatePerSec, opts.RateLimit.Capacity); err != nil {
			logger.Error("Rate limit rejected; failing batch", "err", err)
			detail := fmt.Sprintf("rate limit: %v", err)
			report.PoolSizeUsed = 0
			for _, msg := range messages {
				report.Results = append(report.Results, failedResult(msg, dispatcherWorkerID, detail))
			}
			return report
		}
	}

	queue := newQueue(messages)
	results := newLedger(messages)

	batchCtx, cancel := context.WithTimeout(ctx, opts.BatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for id := 0; id < poolSize; id++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.runWorker(batchCtx, workerID, queue, adapter, opts, results, logger)
		}(id)
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	logger.Debug("Batch started", "messages", len(messages), "pool_size", poolSize)

	var detail string
	select {
	case <-results.complete:
	case <-workersDone:
		select {
		case <-results.complete:
		default:
			detail = "not processed: all workers exited"
		}
	case <-batchCtx.Done():
		if errors.Is(batchCtx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("%v after %s", errBatchTimeout, opts.BatchTimeout)
		} else {
			detail = fmt.Sprintf("batch cancelled: %v", batchCtx.Err())
		}
	}
	cancel()

	if detail != "" {
		drained := drainQueue(queue, results, dispatcherWorkerID, detail)
		abandoned := results.seal(detail + ": in-flight send abandoned")
		if drained+abandoned > 0 {
			logger.Warn("Batch did not complete normally",
				"reason", detail,
				"drained", drained,
				"abandoned_in_flight", abandoned,
			)
		}
	}

	select {
	case <-workersDone:
	case <-time.After(opts.CleanupGrace):
		logger.Warn("Workers still running after cleanup grace; abandoning them", "grace", opts.CleanupGrace)
	}

	results.fill(report)
	logger.Info("Batch finished",
		"messages", len(messages),
		"attempted", report.Attempted,
		"sent", report.SentCount,
		"failed", report.FailedCount(),
	)
	return report
}

func (d *Dispatcher) runWorker(
	ctx context.Context,
	workerID int,
	queue chan queueItem,
	adapter dispatch.Adapter,
	opts Options,
	results *ledger,
	logger *slog.Logger,
) {
	logger = logger.With("worker_id", workerID)

	openCtx, cancelOpen := context.WithTimeout(ctx, opts.ConnectTimeout)
	conn, err := adapter.Open(openCtx)
	cancelOpen()
	if err != nil {
		// This worker cannot deliver anything it dequeues, and messages left in the queue
		// would never get a result, so fail everything that is still queued.
		var connErr *dispatch.ConnectError
		if !errors.As(err, &connErr) {
			connErr = &dispatch.ConnectError{Channel: opts.Channel, Err: err}
		}
		drained := drainQueue(queue, results, workerID, connErr.Error())
		logger.Error("Connection open failed; drained queue", "err", err, "drained", drained)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("Connection close failed", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-queue:
			if !ok {
				return
			}
			d.deliver(ctx, workerID, conn, item, opts, results, logger)
		}
	}
}

func (d *Dispatcher) deliver(
	ctx context.Context,
	workerID int,
	conn dispatch.Conn,
	item queueItem,
	opts Options,
	results *ledger,
	logger *slog.Logger,
) {
	msg := item.msg
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Send panicked", "recipient", msg.Recipient, "panic", r)
			results.record(item.idx, failedResult(msg, workerID, fmt.Sprintf("send panicked: %v", r)))
		}
	}()

	if opts.RateLimit != nil {
		if err := d.limiter.Acquire(ctx, opts.RateLimit.Key, 1); err != nil {
			results.record(item.idx, failedResult(msg, workerID, fmt.Sprintf("rate limit wait aborted: %v", err)))
			return
		}
	}

	results.markAttempted()
	itemCtx, cancel := context.WithTimeout(ctx, opts.ItemTimeout)
	ack, err := conn.Send(itemCtx, msg)
	timedOut := errors.Is(itemCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil {
		detail := err.Error()
		if timedOut {
			detail = fmt.Sprintf("send timed out after %s: %v", opts.ItemTimeout, err)
		}
		result := failedResult(msg, workerID, detail)
		var sendErr *dispatch.SendError
		if errors.As(err, &sendErr) {
			result.Permanent = sendErr.Permanent
		}
		logger.Warn("Send failed", "recipient", msg.Recipient, "permanent", result.Permanent, "err", err)
		results.record(item.idx, result)
		return
	}

	results.record(item.idx, dispatch.DeliveryResult{
		CorrelationIDs: msg.CorrelationIDs,
		Recipient:      msg.Recipient,
		Outcome:        dispatch.OutcomeSent,
		WorkerID:       workerID,
		ProviderID:     ack.ProviderID,
	})
}

// drainQueue fails every message still queued. The queue is closed, so this never blocks.
func drainQueue(queue chan queueItem, results *ledger, workerID int, detail string) int {
	n := 0
	for item := range queue {
		if results.record(item.idx, failedResult(item.msg, workerID, detail)) {
			n++
		}
	}
	return n
}
