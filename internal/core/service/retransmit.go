package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// Retransmission defaults.
const (
	DefaultMaxRetransmitEntries = 8192
	DefaultRetransmitAttempts   = 3
)

type retransmitEntry struct {
	msg      *Message
	size     int
	attempts int
}

// RetransmitHandlerConfig configures a RetransmitHandler.
type RetransmitHandlerConfig struct {
	MaxEntries int
	Attempts   int
	Logger     *slog.Logger
	Metrics    *metric.Registry
}

// RetransmitHandler resends unacknowledged messages keyed by query id.
// It does not look at message contents.
type RetransmitHandler struct {
	transport Transport

	mu         sync.Mutex
	entries    map[uint32]*retransmitEntry
	bytes      int
	maxEntries int
	attempts   int

	logger  *slog.Logger
	metrics *metric.Registry
}

// NewRetransmitHandler creates an empty handler.
func NewRetransmitHandler(transport Transport, cfg RetransmitHandlerConfig) *RetransmitHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxRetransmitEntries
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultRetransmitAttempts
	}
	return &RetransmitHandler{
		transport:  transport,
		entries:    make(map[uint32]*retransmitEntry),
		maxEntries: cfg.MaxEntries,
		attempts:   cfg.Attempts,
		logger:     cfg.Logger.With("component", "retransmit"),
		metrics:    cfg.Metrics,
	}
}

// Queue stores msg until DeQueue is called with its query id or its
// attempts run out. It is rejected once the queue length exceeds the cap.
func (h *RetransmitHandler) Queue(queryID uint32, msg *Message, size int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) > h.maxEntries {
		return domain.ErrRetransmitQueueFull.WithDetails(fmt.Sprintf("%d entries", len(h.entries)))
	}
	if _, dup := h.entries[queryID]; dup {
		h.logger.Warn("duplicate retransmit query id", "query_id", queryID)
		h.metrics.AccountingAnomalies.WithLabelValues("retransmit_duplicate").Inc()
		return domain.ErrDuplicateQueryID.WithDetails(fmt.Sprintf("query %d", queryID))
	}

	h.entries[queryID] = &retransmitEntry{msg: msg, size: size, attempts: h.attempts}
	h.bytes += size
	h.updateGauges()
	return nil
}

// DeQueue removes and returns the message for an acknowledged query id.
func (h *RetransmitHandler) DeQueue(queryID uint32) (*Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[queryID]
	if !ok {
		return nil, domain.ErrQueryNotFound.WithDetails(fmt.Sprintf("query %d", queryID))
	}
	h.removeLocked(queryID, e)
	return e.msg, nil
}

// Tick resends every entry that has attempts left and expires the rest.
// Callbacks run after the lock is released.
func (h *RetransmitHandler) Tick() {
	h.mu.Lock()
	var resend, expired []*Message
	for id, e := range h.entries {
		if e.attempts <= 0 {
			h.removeLocked(id, e)
			expired = append(expired, e.msg)
			continue
		}
		e.attempts--
		resend = append(resend, e.msg)
	}
	h.mu.Unlock()

	if len(resend) > 0 {
		h.metrics.Retransmits.Add(float64(len(resend)))
	}
	if len(expired) > 0 {
		h.metrics.RetransmitExpired.Add(float64(len(expired)))
		h.logger.Debug("retransmit entries expired", "count", len(expired))
	}

	for _, msg := range resend {
		h.transport.RetransmitData(msg)
	}
	for _, msg := range expired {
		h.transport.RetransmitTimeout(msg)
	}
}

// Len returns the number of queued messages.
func (h *RetransmitHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Bytes returns the total size of queued messages.
func (h *RetransmitHandler) Bytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytes
}

func (h *RetransmitHandler) removeLocked(queryID uint32, e *retransmitEntry) {
	delete(h.entries, queryID)
	h.bytes -= e.size
	if h.bytes < 0 {
		h.logger.Warn("retransmit byte count underflow", "bytes", h.bytes)
		h.metrics.AccountingAnomalies.WithLabelValues("retransmit_bytes").Inc()
		h.bytes = 0
	}
	h.updateGauges()
}

func (h *RetransmitHandler) updateGauges() {
	h.metrics.RetransmitQueue.Set(float64(len(h.entries)))
	h.metrics.RetransmitBytes.Set(float64(h.bytes))
}
