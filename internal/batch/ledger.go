package batch

import (
	"sync"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// queueItem carries the message's position so the ledger can tell which
// messages still lack a result.
type queueItem struct {
	idx int
	msg dispatch.Message
}

// newQueue returns a FIFO pre-filled with every message and already closed:
// nothing is ever added after construction, so a drained channel means the work is exhausted.
func newQueue(messages []dispatch.Message) chan queueItem {
	q := make(chan queueItem, len(messages))
	for i, m := range messages {
		q <- queueItem{idx: i, msg: m}
	}
	close(q)
	return q
}

// ledger collects exactly one result per message.
type ledger struct {
	mu        sync.Mutex
	messages  []dispatch.Message
	done      []bool
	results   []dispatch.DeliveryResult
	attempted int
	sent      int
	remaining int
	sealed    bool
	complete  chan struct{}
}

func newLedger(messages []dispatch.Message) *ledger {
	return &ledger{
		messages:  messages,
		done:      make([]bool, len(messages)),
		results:   make([]dispatch.DeliveryResult, 0, len(messages)),
		remaining: len(messages),
		complete:  make(chan struct{}),
	}
}

func (l *ledger) markAttempted() {
	l.mu.Lock()
	l.attempted++
	l.mu.Unlock()
}

// record stores the result for message idx. It returns false when the message already has
// a result or the ledger was sealed after a batch timeout.
func (l *ledger) record(idx int, r dispatch.DeliveryResult) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed || l.done[idx] {
		return false
	}
	l.done[idx] = true
	l.results = append(l.results, r)
	if r.Outcome == dispatch.OutcomeSent {
		l.sent++
	}
	l.remaining--
	if l.remaining == 0 {
		close(l.complete)
	}
	return true
}

// seal records a Failed result for every message still without one and rejects later
// records. It returns how many results it filled in.
func (l *ledger) seal(detail string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return 0
	}
	filled := 0
	for i, ok := range l.done {
		if ok {
			continue
		}
		l.done[i] = true
		l.results = append(l.results, failedResult(l.messages[i], dispatcherWorkerID, detail))
		filled++
	}
	if l.remaining > 0 && filled > 0 {
		l.remaining = 0
		close(l.complete)
	}
	l.sealed = true
	return filled
}

func (l *ledger) fill(report *dispatch.BatchReport) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report.Attempted = l.attempted
	report.SentCount = l.sent
	report.Results = make([]dispatch.DeliveryResult, len(l.results))
	copy(report.Results, l.results)
}

func failedResult(msg dispatch.Message, workerID int, detail string) dispatch.DeliveryResult {
	return dispatch.DeliveryResult{
		CorrelationIDs: msg.CorrelationIDs,
		Recipient:      msg.Recipient,
		Outcome:        dispatch.OutcomeFailed,
		Detail:         detail,
		WorkerID:       workerID,
	}
}
