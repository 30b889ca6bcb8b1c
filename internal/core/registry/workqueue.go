package registry

import (
	"log/slog"
	"sync"
)

// QueueKind names one of the registry's dedicated work queues.
type QueueKind int

const (
	QueuePolicyUpdate QueueKind = iota
	QueueGatewayUpdate
	QueueAddressResolution
	QueueHeartbeatRequest
	QueueMigrationUpdate

	numQueues
)

func (k QueueKind) String() string {
	switch k {
	case QueuePolicyUpdate:
		return "policy_update"
	case QueueGatewayUpdate:
		return "gateway_update"
	case QueueAddressResolution:
		return "address_resolution"
	case QueueHeartbeatRequest:
		return "heartbeat_request"
	case QueueMigrationUpdate:
		return "migration_update"
	default:
		return "unknown"
	}
}

// WorkQueue is an unbounded FIFO drained by a single worker goroutine.
// Items run one at a time in enqueue order.
type WorkQueue struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	busy    bool
	closed  bool
	running bool
	done    chan struct{}
}

func newWorkQueue(name string, logger *slog.Logger) *WorkQueue {
	q := &WorkQueue{
		name:   name,
		logger: logger,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends fn. It returns false while the queue is closed.
func (q *WorkQueue) Enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Debug("work queue closed, item dropped", "queue", q.name)
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Broadcast()
	return true
}

// Len returns the number of items waiting to run.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush blocks until the queue is empty and its worker is idle.
// It returns immediately if the worker was never started.
func (q *WorkQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running && (len(q.items) > 0 || q.busy) {
		q.cond.Wait()
	}
}

// start launches the worker. A queue closed by a previous stop is
// reopened once its old worker has exited.
func (q *WorkQueue) start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	if q.closed {
		q.closed = false
		q.done = make(chan struct{})
	}
	q.running = true
	done := q.done
	q.mu.Unlock()
	go q.run(done)
}

// close stops accepting items, lets the worker finish what is queued and
// waits for it to exit.
func (q *WorkQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	running := q.running
	done := q.done
	q.cond.Broadcast()
	q.mu.Unlock()

	if running {
		<-done
	}
}

func (q *WorkQueue) run(done chan struct{}) {
	defer close(done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.busy = true
		q.mu.Unlock()

		fn()

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
