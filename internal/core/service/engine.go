package service

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/registry"
	"github.com/yndnr/dps-go/internal/infra/ticker"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// Config configures an Engine.
type Config struct {
	MaxEndpoints int
	Resolution   domain.ResolutionLimits

	ExpirationQueueSize int
	ExpirationTicks     int

	MaxReplicationRequests int
	ReplicationExpiryTicks int

	MaxRetransmitEntries int
	RetransmitAttempts   int

	ProbesPerSecond      float64
	ProbeBurst           int
	HeartbeatFrequencies domain.HeartbeatFrequencies

	ExpirationInterval  time.Duration
	ResolutionInterval  time.Duration
	ReplicationInterval time.Duration
	RetransmitInterval  time.Duration
	HeartbeatInterval   time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxEndpoints:           registry.DefaultMaxEndpoints,
		Resolution:             domain.DefaultResolutionLimits(),
		ExpirationQueueSize:    DefaultExpirationQueueSize,
		ExpirationTicks:        DefaultExpirationTicks,
		MaxReplicationRequests: DefaultMaxReplicationRequests,
		ReplicationExpiryTicks: DefaultReplicationExpiryTicks,
		MaxRetransmitEntries:   DefaultMaxRetransmitEntries,
		RetransmitAttempts:     DefaultRetransmitAttempts,
		ProbesPerSecond:        DefaultProbesPerSecond,
		ProbeBurst:             DefaultProbeBurst,
		ExpirationInterval:     10 * time.Second,
		ResolutionInterval:     5 * time.Second,
		ReplicationInterval:    6 * time.Second,
		RetransmitInterval:     5 * time.Second,
		HeartbeatInterval:      time.Second,
	}
}

// Engine wires the registry, the services and their tickers together.
type Engine struct {
	Endpoints   *EndpointService
	Resolution  *ResolutionService
	Policies    *PolicyService
	Hosts       *ClientHostService
	Replication *ReplicationTracker
	Retransmit  *RetransmitHandler

	reg       *registry.Registry
	transport Transport
	tickers   []*ticker.Ticker
	metrics   *metric.Registry
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewEngine builds a stopped engine. Zero values in cfg take the defaults.
func NewEngine(cfg Config, transport Transport, cluster ClusterDatabase) *Engine {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ExpirationInterval <= 0 {
		cfg.ExpirationInterval = def.ExpirationInterval
	}
	if cfg.ResolutionInterval <= 0 {
		cfg.ResolutionInterval = def.ResolutionInterval
	}
	if cfg.ReplicationInterval <= 0 {
		cfg.ReplicationInterval = def.ReplicationInterval
	}
	if cfg.RetransmitInterval <= 0 {
		cfg.RetransmitInterval = def.RetransmitInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	if cluster == nil {
		cluster = standalone{}
	}

	reg := registry.New(registry.Config{
		MaxEndpoints: cfg.MaxEndpoints,
		Resolution:   cfg.Resolution,
		Logger:       cfg.Logger,
	})

	e := &Engine{
		reg:       reg,
		transport: transport,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "engine"),
	}
	e.Resolution = NewResolutionService(reg, transport, ResolutionServiceConfig{
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	e.Endpoints = NewEndpointService(reg, e.Resolution, transport, EndpointServiceConfig{
		ExpirationQueueSize: cfg.ExpirationQueueSize,
		ExpirationTicks:     cfg.ExpirationTicks,
		Logger:              cfg.Logger,
		Metrics:             cfg.Metrics,
	})
	e.Policies = NewPolicyService(reg, transport, PolicyServiceConfig{
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	e.Hosts = NewClientHostService(reg, transport, ClientHostServiceConfig{
		Clock:           cfg.Clock,
		Frequencies:     cfg.HeartbeatFrequencies,
		ProbesPerSecond: cfg.ProbesPerSecond,
		ProbeBurst:      cfg.ProbeBurst,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})
	e.Replication = NewReplicationTracker(reg, cluster, transport, ReplicationTrackerConfig{
		MaxRequests: cfg.MaxReplicationRequests,
		ExpiryTicks: cfg.ReplicationExpiryTicks,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	e.Retransmit = NewRetransmitHandler(transport, RetransmitHandlerConfig{
		MaxEntries: cfg.MaxRetransmitEntries,
		Attempts:   cfg.RetransmitAttempts,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})

	e.tickers = []*ticker.Ticker{
		ticker.New("endpoint-expiration", cfg.Clock, cfg.ExpirationInterval, e.Endpoints.ExpireTick),
		ticker.New("resolution-timeout", cfg.Clock, cfg.ResolutionInterval, e.Resolution.ProcessTimeout),
		ticker.New("replication", cfg.Clock, cfg.ReplicationInterval, e.Replication.Tick),
		ticker.New("retransmit", cfg.Clock, cfg.RetransmitInterval, e.Retransmit.Tick),
		ticker.New("heartbeat", cfg.Clock, cfg.HeartbeatInterval, e.Hosts.Sweep),
	}
	return e
}

// Registry returns the shared registry.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Metrics returns the engine's metric registry.
func (e *Engine) Metrics() *metric.Registry {
	return e.metrics
}

// Start launches the work queues and the tickers.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.reg.Start()
	for _, t := range e.tickers {
		t.Start()
	}
	e.logger.Info("engine started")
}

// Stop halts the tickers, then drains and stops the work queues.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	for _, t := range e.tickers {
		t.Stop()
	}
	e.reg.Stop()
	e.logger.Info("engine stopped")
}

// Running reports whether the engine has been started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// AddDomain creates a domain.
func (e *Engine) AddDomain(ctx context.Context, id uint32) error {
	e.reg.Lock()
	defer e.reg.Unlock()
	_, err := e.reg.AddDomain(id)
	return err
}

// RemoveDomain deletes a domain with all of its endpoints, waiters,
// pending replication requests and client host memberships.
func (e *Engine) RemoveDomain(ctx context.Context, id uint32) error {
	e.reg.Lock()
	d, err := e.reg.RemoveDomain(id)
	if err != nil {
		e.reg.Unlock()
		return err
	}
	for _, ep := range d.Endpoints {
		e.Endpoints.deleteLocked(d, ep)
	}
	e.Resolution.clearDomainLocked(d)
	e.reg.Unlock()

	e.Hosts.HostDomainDelete(id)
	e.Replication.DomainDelete(id)
	return nil
}

// AddDVG creates a DVG and installs its default allow self policy.
func (e *Engine) AddDVG(ctx context.Context, domainID, vnid uint32) error {
	e.reg.Lock()
	defer e.reg.Unlock()

	if _, err := e.reg.AddDVG(domainID, vnid); err != nil {
		return err
	}
	d, err := e.reg.Domain(domainID)
	if err != nil {
		return err
	}
	e.Policies.ensureSelfPolicyLocked(d, vnid)
	return nil
}

// RemoveDVG deletes a DVG, its endpoints and every policy naming it.
func (e *Engine) RemoveDVG(ctx context.Context, vnid uint32) error {
	e.reg.Lock()
	defer e.reg.Unlock()

	d, dvg, err := e.reg.DomainByVNID(vnid)
	if err != nil {
		return err
	}
	for mac := range dvg.Endpoints {
		if ep, ok := d.Endpoints[mac]; ok && ep.VNID == vnid {
			e.Endpoints.deleteLocked(d, ep)
		}
	}
	e.Policies.removeDVGLocked(d, dvg)
	_, err = e.reg.RemoveDVG(vnid)
	return err
}

// RegisterTunnel attaches a physical host to a VNID. Gateways trigger a
// gateway list refresh for the domain.
func (e *Engine) RegisterTunnel(ctx context.Context, vnid uint32, ips []netip.Addr, port uint16, ct domain.ClientType) error {
	e.reg.Lock()
	t, err := e.reg.RegisterTunnel(vnid, ips, port, ct)
	if err != nil {
		e.reg.Unlock()
		return err
	}
	domainID := t.DomainID
	e.reg.Unlock()

	if ct.IsGateway() {
		e.Hosts.notifyGateways(domainID)
	}
	return nil
}

// UnregisterTunnel detaches a physical host from a domain.
func (e *Engine) UnregisterTunnel(ctx context.Context, domainID uint32, key netip.Addr) error {
	e.reg.Lock()
	t, err := e.reg.UnregisterTunnel(domainID, key)
	e.reg.Unlock()
	if err != nil {
		return err
	}
	if t.ClientType.IsGateway() {
		e.Hosts.notifyGateways(domainID)
	}
	return nil
}

// HandleAck releases an acknowledged message from the retransmission
// queue. Unknown ids are logged at debug level; duplicates are common on
// lossy links.
func (e *Engine) HandleAck(queryID uint32) {
	if _, err := e.Retransmit.DeQueue(queryID); err != nil {
		e.logger.Debug("ack for unknown query", "query_id", queryID, "error", err)
	}
}

// HandleReplicationAck passes a peer acknowledgement to the replication
// tracker.
func (e *Engine) HandleReplicationAck(queryID uint32, status domain.Status) {
	e.Replication.ReplyProcess(queryID, status)
}

// UpdateEndpoint applies an endpoint update and replicates it to every
// node that must acknowledge it. It returns once the acknowledgement set
// is complete, on the first rejection, or when the request expires.
//
// The replication request is registered before the update is applied, so
// a transaction the cluster cannot take yet leaves local state untouched.
func (e *Engine) UpdateEndpoint(ctx context.Context, u *EndpointUpdate) (EndpointInfo, error) {
	e.reg.Lock()
	d, _, err := e.reg.DomainByVNID(u.VNID)
	if err != nil {
		e.reg.Unlock()
		return EndpointInfo{}, err
	}
	domainID := d.ID
	e.reg.Unlock()

	result := make(chan domain.Status, 1)
	reply := &Message{Complete: func(st domain.Status) { result <- st }}
	queries, st := e.Replication.QueryIDGenerate(domainID, u.Transaction, reply)
	if st != domain.StatusOK {
		return EndpointInfo{}, replicationError(st)
	}

	info, err := e.Endpoints.Update(ctx, u)
	if err != nil {
		// The first failure finishes the request and drops the other ids.
		e.Replication.ReplyProcess(queries[0].QueryID, domain.StatusOf(err))
		<-result
		return EndpointInfo{}, err
	}

	var local []uint32
	for _, q := range queries {
		if e.Replication.isLocal(q.Node) {
			local = append(local, q.QueryID)
			continue
		}
		if err := e.transport.SendEndpointReplication(ctx, q.Node.Addr, q.QueryID, u); err != nil {
			e.logger.Warn("replication send failed", "peer", q.Node.ID, "query_id", q.QueryID, "error", err)
			e.Replication.ReplyProcess(q.QueryID, domain.StatusRetry)
		}
	}
	for _, id := range local {
		e.Replication.ReplyProcess(id, domain.StatusOK)
	}

	select {
	case st = <-result:
	case <-ctx.Done():
		return info, ctx.Err()
	}
	if st != domain.StatusOK {
		return info, replicationError(st)
	}
	return info, nil
}

// HandleEndpointReplication applies an update forwarded by a peer and
// returns the status to acknowledge it with.
func (e *Engine) HandleEndpointReplication(ctx context.Context, u *EndpointUpdate) domain.Status {
	if u.Transaction == domain.TransactionNormal {
		u.Transaction = domain.TransactionReplication
	}
	_, err := e.UpdateEndpoint(ctx, u)
	if err != nil {
		e.logger.Debug("replicated update rejected", "vnid", u.VNID, "mac", u.MAC, "error", err)
	}
	return domain.StatusOf(err)
}

func replicationError(st domain.Status) error {
	switch st {
	case domain.StatusRetry:
		return domain.ErrRetry
	case domain.StatusNoResources:
		return domain.ErrReplicationQueueFull
	case domain.StatusInvalidArgument:
		return domain.ErrInvalidArgument.WithDetails("unknown transaction type")
	}
	err := domain.ErrReplicationFailed.WithDetails(st.String())
	err.Status = st
	return err
}

// standalone is the cluster view of a node without membership: it owns
// every domain alone.
type standalone struct{}

func (standalone) LiveNodesForDomain(uint32) ([]NodeLocation, error) {
	return []NodeLocation{{ID: "local"}}, nil
}

func (standalone) ForwardingNodes(uint32) []NodeLocation { return nil }

func (standalone) LocalNode() NodeLocation { return NodeLocation{ID: "local"} }

// DomainStats summarises one domain.
type DomainStats struct {
	ID                uint32 `json:"id"`
	DVGs              int    `json:"dvgs"`
	Endpoints         int    `json:"endpoints"`
	Tunnels           int    `json:"tunnels"`
	Policies          int    `json:"policies"`
	ResolutionWaiters int    `json:"resolution_waiters"`
	UnresolvedVIPs    int    `json:"unresolved_vips"`
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Domains            []DomainStats `json:"domains"`
	Endpoints          int           `json:"endpoints"`
	PendingExpirations int           `json:"pending_expirations"`
	ClientHosts        int           `json:"client_hosts"`
	ReplicationPending int           `json:"replication_pending"`
	ReplicationQueries int           `json:"replication_queries"`
	RetransmitQueue    int           `json:"retransmit_queue"`
	RetransmitBytes    int           `json:"retransmit_bytes"`
}

// Stats collects a summary. Each subsystem is read under its own lock, so
// the figures are not a single atomic snapshot.
func (e *Engine) Stats() Stats {
	var s Stats

	e.reg.Lock()
	for _, d := range e.reg.Domains() {
		s.Domains = append(s.Domains, DomainStats{
			ID:                d.ID,
			DVGs:              len(d.DVGs),
			Endpoints:         len(d.Endpoints),
			Tunnels:           len(d.Tunnels),
			Policies:          len(d.Policies[domain.TrafficUnicast]) + len(d.Policies[domain.TrafficMulticast]),
			ResolutionWaiters: d.Resolution.Total,
			UnresolvedVIPs:    len(d.Resolution.Waiters),
		})
	}
	s.Endpoints = e.reg.EndpointCount()
	e.reg.Unlock()

	s.PendingExpirations = e.Endpoints.PendingExpirations()
	s.ClientHosts = e.Hosts.Len()
	s.ReplicationPending = e.Replication.Pending()
	s.ReplicationQueries = e.Replication.Outstanding()
	s.RetransmitQueue = e.Retransmit.Len()
	s.RetransmitBytes = e.Retransmit.Bytes()
	return s
}
