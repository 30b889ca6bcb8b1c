package service

import (
	"log/slog"
	"sync"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/registry"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// Replication tracker defaults.
const (
	DefaultReplicationExpiryTicks = 3
	DefaultMaxReplicationRequests = 16384
)

// PeerQuery is one replication message the caller must send.
type PeerQuery struct {
	Node    NodeLocation
	QueryID uint32
}

// ReplicationRequest is a client reply held back until every peer has
// acknowledged the replicated update.
type ReplicationRequest struct {
	DomainID    uint32
	Transaction domain.TransactionType
	Reply       *Message

	outstanding map[uint32]struct{}
	expiry      int
	done        bool
}

// Outstanding returns the number of acknowledgements still expected.
func (r *ReplicationRequest) Outstanding() int {
	return len(r.outstanding)
}

// DomainReplicationTracker groups the pending requests of one domain.
type DomainReplicationTracker struct {
	DomainID uint32
	requests map[*ReplicationRequest]struct{}
}

// ReplicationTrackerConfig configures a ReplicationTracker.
type ReplicationTrackerConfig struct {
	MaxRequests int
	ExpiryTicks int
	Logger      *slog.Logger
	Metrics     *metric.Registry
}

// ReplicationTracker correlates peer acknowledgements with the client reply
// they gate.
//
// The tracker lock only guards the tracker's own maps. Paths that also need
// the registry take the global lock first.
type ReplicationTracker struct {
	reg       *registry.Registry
	cluster   ClusterDatabase
	transport Transport

	mu          sync.Mutex
	byQuery     map[uint32]*ReplicationRequest
	domains     map[uint32]*DomainReplicationTracker
	requests    int
	maxRequests int
	expiryTicks int

	logger  *slog.Logger
	metrics *metric.Registry
}

// NewReplicationTracker creates a tracker.
func NewReplicationTracker(reg *registry.Registry, cluster ClusterDatabase, transport Transport, cfg ReplicationTrackerConfig) *ReplicationTracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxReplicationRequests
	}
	if cfg.ExpiryTicks <= 0 {
		cfg.ExpiryTicks = DefaultReplicationExpiryTicks
	}
	return &ReplicationTracker{
		reg:         reg,
		cluster:     cluster,
		transport:   transport,
		byQuery:     make(map[uint32]*ReplicationRequest),
		domains:     make(map[uint32]*DomainReplicationTracker),
		maxRequests: cfg.MaxRequests,
		expiryTicks: cfg.ExpiryTicks,
		logger:      cfg.Logger.With("component", "replication"),
		metrics:     cfg.Metrics,
	}
}

// QueryIDGenerate registers reply against the peers that must acknowledge a
// transaction of type tx in domainID, allocating one query id per peer.
//
// Transient conditions such as an unknown domain or an empty peer set are
// reported as domain.StatusRetry; the caller should ask its client to retry.
func (t *ReplicationTracker) QueryIDGenerate(domainID uint32, tx domain.TransactionType, reply *Message) ([]PeerQuery, domain.Status) {
	t.reg.Lock()
	defer t.reg.Unlock()

	if _, err := t.reg.Domain(domainID); err != nil {
		t.logger.Debug("replication for unknown domain", "domain_id", domainID, "error", err)
		return nil, domain.StatusRetry
	}
	peers, status := t.peers(domainID, tx)
	if status != domain.StatusOK {
		return nil, status
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.requests >= t.maxRequests {
		t.logger.Warn("replication tracker full", "domain_id", domainID, "pending", t.requests)
		return nil, domain.StatusNoResources
	}

	req := &ReplicationRequest{
		DomainID:    domainID,
		Transaction: tx,
		Reply:       reply,
		outstanding: make(map[uint32]struct{}, len(peers)),
		expiry:      t.expiryTicks,
	}
	queries := make([]PeerQuery, 0, len(peers))
	for _, node := range peers {
		id := t.reg.NextQueryID()
		req.outstanding[id] = struct{}{}
		t.byQuery[id] = req
		queries = append(queries, PeerQuery{Node: node, QueryID: id})
	}

	dt, ok := t.domains[domainID]
	if !ok {
		dt = &DomainReplicationTracker{
			DomainID: domainID,
			requests: make(map[*ReplicationRequest]struct{}),
		}
		t.domains[domainID] = dt
	}
	dt.requests[req] = struct{}{}
	t.requests++
	t.metrics.ReplicationPending.Set(float64(t.requests))

	return queries, domain.StatusOK
}

// peers resolves the acknowledgement set. Global lock held.
func (t *ReplicationTracker) peers(domainID uint32, tx domain.TransactionType) ([]NodeLocation, domain.Status) {
	var nodes []NodeLocation
	switch tx {
	case domain.TransactionNormal:
		live, err := t.cluster.LiveNodesForDomain(domainID)
		if err != nil {
			t.logger.Debug("no live nodes for domain", "domain_id", domainID, "error", err)
			return nil, domain.StatusRetry
		}
		seen := make(map[string]struct{}, len(live))
		for _, n := range live {
			seen[n.ID] = struct{}{}
			nodes = append(nodes, n)
		}
		for _, n := range t.cluster.ForwardingNodes(domainID) {
			if _, dup := seen[n.ID]; !dup {
				seen[n.ID] = struct{}{}
				nodes = append(nodes, n)
			}
		}
	case domain.TransactionReplication:
		if len(t.cluster.ForwardingNodes(domainID)) > 0 {
			return nil, domain.StatusRetry
		}
		nodes = []NodeLocation{t.cluster.LocalNode()}
	case domain.TransactionMassTransfer:
		nodes = []NodeLocation{t.cluster.LocalNode()}
	default:
		return nil, domain.StatusInvalidArgument
	}
	if len(nodes) == 0 {
		return nil, domain.StatusRetry
	}
	return nodes, domain.StatusOK
}

// ReplyProcess records a peer acknowledgement. The buffered reply is sent
// once every peer has succeeded, or immediately with the first failure.
func (t *ReplicationTracker) ReplyProcess(queryID uint32, status domain.Status) {
	t.mu.Lock()
	req, ok := t.byQuery[queryID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("replication reply for unknown query", "query_id", queryID, "status", status)
		return
	}

	var finished bool
	if status == domain.StatusOK {
		delete(req.outstanding, queryID)
		delete(t.byQuery, queryID)
		finished = len(req.outstanding) == 0
	} else {
		t.logger.Info("replication failed",
			"domain_id", req.DomainID, "query_id", queryID, "status", status)
		finished = true
	}
	if finished {
		t.forgetLocked(req)
	}
	t.mu.Unlock()

	if finished {
		t.finish(req, status)
	}
}

// Tick expires requests whose peers never answered.
func (t *ReplicationTracker) Tick() {
	t.mu.Lock()
	var expired []*ReplicationRequest
	for _, dt := range t.domains {
		for req := range dt.requests {
			req.expiry--
			if req.expiry > 0 {
				continue
			}
			expired = append(expired, req)
		}
	}
	for _, req := range expired {
		t.logger.Info("replication timed out",
			"domain_id", req.DomainID, "outstanding", len(req.outstanding))
		t.forgetLocked(req)
	}
	t.mu.Unlock()

	for _, req := range expired {
		t.finish(req, domain.StatusRetry)
	}
}

// DomainDelete fails every pending request of a removed domain with a
// retry status.
func (t *ReplicationTracker) DomainDelete(domainID uint32) {
	t.mu.Lock()
	dt, ok := t.domains[domainID]
	if !ok {
		t.mu.Unlock()
		return
	}
	reqs := make([]*ReplicationRequest, 0, len(dt.requests))
	for req := range dt.requests {
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		t.forgetLocked(req)
	}
	t.mu.Unlock()

	for _, req := range reqs {
		t.finish(req, domain.StatusRetry)
	}
}

// Pending returns the number of requests waiting for acknowledgements.
func (t *ReplicationTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests
}

// Outstanding returns the number of query ids still expected.
func (t *ReplicationTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byQuery)
}

// forgetLocked removes req from every index. Tracker lock held.
func (t *ReplicationTracker) forgetLocked(req *ReplicationRequest) {
	for id := range req.outstanding {
		delete(t.byQuery, id)
	}
	req.outstanding = make(map[uint32]struct{})
	if dt, ok := t.domains[req.DomainID]; ok {
		if _, tracked := dt.requests[req]; tracked {
			delete(dt.requests, req)
			t.requests--
		}
		if len(dt.requests) == 0 {
			delete(t.domains, req.DomainID)
		}
	}
	if t.requests < 0 {
		t.logger.Warn("replication request count underflow", "count", t.requests)
		t.metrics.AccountingAnomalies.WithLabelValues("replication_underflow").Inc()
		t.requests = 0
	}
	t.metrics.ReplicationPending.Set(float64(t.requests))
}

// finish sends the buffered reply. It runs without the tracker lock and at
// most once per request.
func (t *ReplicationTracker) finish(req *ReplicationRequest, status domain.Status) {
	t.mu.Lock()
	if req.done {
		t.mu.Unlock()
		return
	}
	req.done = true
	t.mu.Unlock()

	outcome := "success"
	switch status {
	case domain.StatusOK:
	case domain.StatusRetry:
		outcome = "expired"
	default:
		outcome = "failed"
	}
	t.metrics.ReplicationOutcomes.WithLabelValues(outcome).Inc()
	if req.Reply != nil && req.Reply.Complete != nil {
		req.Reply.Complete(status)
		return
	}
	t.transport.SendMessageAndFree(req.Reply, status)
}

// isLocal reports whether node is this node.
func (t *ReplicationTracker) isLocal(node NodeLocation) bool {
	return node.ID == t.cluster.LocalNode().ID
}
