// Package registry holds the process-wide DPS state shared by the engine's
// services: the domain table, the VNID index, the global lock, the query-id
// generator and the dedicated work queues.
package registry

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/yndnr/dps-go/internal/core/domain"
)

// DefaultMaxEndpoints is the hard cap on live endpoints across all domains.
const DefaultMaxEndpoints = 1 << 20

// queryIDMask keeps query ids within 31 bits.
const queryIDMask = 0x7fffffff

// Config configures a Registry.
type Config struct {
	MaxEndpoints int
	Resolution   domain.ResolutionLimits
	Logger       *slog.Logger
}

// Registry is the shared state of one DPS node.
//
// Everything reachable from a Domain is guarded by the global lock
// (Lock/Unlock). Methods documented as "locked" expect the caller to hold it.
type Registry struct {
	mu sync.Mutex

	domains       map[uint32]*domain.Domain
	vnids         map[uint32]uint32
	endpointCount int
	maxEndpoints  int
	limits        domain.ResolutionLimits

	queryID atomic.Uint32
	queues  [numQueues]*WorkQueue
	logger  *slog.Logger
}

// New creates an empty registry. Workers are not started until Start.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEndpoints <= 0 {
		cfg.MaxEndpoints = DefaultMaxEndpoints
	}
	if cfg.Resolution.MaxWaiters <= 0 || cfg.Resolution.MaxVIPs <= 0 {
		cfg.Resolution = domain.DefaultResolutionLimits()
	}

	r := &Registry{
		domains:      make(map[uint32]*domain.Domain),
		vnids:        make(map[uint32]uint32),
		maxEndpoints: cfg.MaxEndpoints,
		limits:       cfg.Resolution,
		logger:       cfg.Logger,
	}
	for k := QueueKind(0); k < numQueues; k++ {
		r.queues[k] = newWorkQueue(k.String(), cfg.Logger)
	}
	return r
}

// Lock acquires the global lock.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the global lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Start launches one worker per work queue.
func (r *Registry) Start() {
	for _, q := range r.queues {
		q.start()
	}
}

// Stop drains and stops every work queue.
func (r *Registry) Stop() {
	for _, q := range r.queues {
		q.close()
	}
}

// Queue returns the work queue of the given kind.
func (r *Registry) Queue(kind QueueKind) *WorkQueue {
	return r.queues[kind]
}

// Enqueue appends fn to the given queue.
func (r *Registry) Enqueue(kind QueueKind, fn func()) bool {
	return r.queues[kind].Enqueue(fn)
}

// FlushQueues waits until every queue is idle.
func (r *Registry) FlushQueues() {
	for _, q := range r.queues {
		q.Flush()
	}
}

// NextQueryID returns a fresh, non-zero, wrapping 31-bit query id.
// It does not take the global lock and may be called while holding it.
func (r *Registry) NextQueryID() uint32 {
	for {
		old := r.queryID.Load()
		next := (old + 1) & queryIDMask
		if next == 0 {
			next = 1
		}
		if r.queryID.CompareAndSwap(old, next) {
			return next
		}
	}
}

// ============================================================================
// Domain table (locked)
// ============================================================================

// Domain returns a valid domain by id. Locked.
func (r *Registry) Domain(id uint32) (*domain.Domain, error) {
	d, ok := r.domains[id]
	if !ok || !d.Valid {
		return nil, domain.ErrDomainNotFound.WithDetails(fmt.Sprintf("domain %d", id))
	}
	return d, nil
}

// DomainByVNID resolves a VNID to its domain and DVG. Locked.
func (r *Registry) DomainByVNID(vnid uint32) (*domain.Domain, *domain.DVG, error) {
	id, ok := r.vnids[vnid]
	if !ok {
		return nil, nil, domain.ErrDVGNotFound.WithDetails(fmt.Sprintf("vnid %d", vnid))
	}
	d, err := r.Domain(id)
	if err != nil {
		return nil, nil, err
	}
	dvg, ok := d.DVGs[vnid]
	if !ok || !dvg.Valid {
		return nil, nil, domain.ErrDVGNotFound.WithDetails(fmt.Sprintf("vnid %d", vnid))
	}
	return d, dvg, nil
}

// Domains returns all valid domains ordered by id. Locked.
func (r *Registry) Domains() []*domain.Domain {
	out := make([]*domain.Domain, 0, len(r.domains))
	for _, d := range r.domains {
		if d.Valid {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddDomain registers a new domain. Locked.
func (r *Registry) AddDomain(id uint32) (*domain.Domain, error) {
	if d, ok := r.domains[id]; ok && d.Valid {
		return nil, domain.ErrDomainExists.WithDetails(fmt.Sprintf("domain %d", id))
	}
	d := domain.NewDomain(id, r.limits)
	r.domains[id] = d
	r.logger.Info("domain added", "domain_id", id)
	return d, nil
}

// RemoveDomain invalidates a domain and drops it from the table and the
// VNID index. The caller is responsible for deleting its endpoints. Locked.
func (r *Registry) RemoveDomain(id uint32) (*domain.Domain, error) {
	d, err := r.Domain(id)
	if err != nil {
		return nil, err
	}
	d.Valid = false
	d.Active = false
	d.Resolution.Valid = false
	for vnid, dvg := range d.DVGs {
		dvg.Valid = false
		delete(r.vnids, vnid)
	}
	delete(r.domains, id)
	r.logger.Info("domain removed", "domain_id", id)
	return d, nil
}

// AddDVG registers a VNID under a domain. Locked.
func (r *Registry) AddDVG(domainID, vnid uint32) (*domain.DVG, error) {
	d, err := r.Domain(domainID)
	if err != nil {
		return nil, err
	}
	if owner, ok := r.vnids[vnid]; ok {
		return nil, domain.ErrDVGExists.WithDetails(fmt.Sprintf("vnid %d belongs to domain %d", vnid, owner))
	}
	dvg := domain.NewDVG(domainID, vnid)
	d.DVGs[vnid] = dvg
	r.vnids[vnid] = domainID
	r.logger.Info("dvg added", "domain_id", domainID, "vnid", vnid)
	return dvg, nil
}

// RemoveDVG invalidates a VNID. Endpoints still attached to it must be
// deleted by the caller. Locked.
func (r *Registry) RemoveDVG(vnid uint32) (*domain.DVG, error) {
	d, dvg, err := r.DomainByVNID(vnid)
	if err != nil {
		return nil, err
	}
	dvg.Valid = false
	delete(d.DVGs, vnid)
	delete(r.vnids, vnid)
	for key := range dvg.Tunnels {
		if t, ok := d.Tunnels[key]; ok {
			delete(t.VNIDs, vnid)
		}
	}
	r.logger.Info("dvg removed", "domain_id", d.ID, "vnid", vnid)
	return dvg, nil
}

// RegisterTunnel returns the tunnel keyed by ips[0] in the VNID's domain,
// creating it if needed, and attaches it to the VNID. Locked.
func (r *Registry) RegisterTunnel(vnid uint32, ips []netip.Addr, port uint16, ct domain.ClientType) (*domain.TunnelEndpoint, error) {
	if len(ips) == 0 || !ips[0].IsValid() {
		return nil, domain.ErrInvalidArgument.WithDetails("tunnel needs a physical ip")
	}
	d, dvg, err := r.DomainByVNID(vnid)
	if err != nil {
		return nil, err
	}
	t, ok := d.Tunnels[ips[0]]
	if !ok {
		t = domain.NewTunnelEndpoint(d.ID, ips, port, ct)
		d.Tunnels[t.Key] = t
		r.logger.Debug("tunnel registered", "domain_id", d.ID, "tunnel", t.Key)
	} else if port != 0 {
		t.Port = port
	}
	t.VNIDs[vnid] = struct{}{}
	dvg.Tunnels[t.Key] = struct{}{}
	return t, nil
}

// UnregisterTunnel removes a tunnel from a domain. Endpoints hosted on it
// keep their soft reference until they are deleted or moved. Locked.
func (r *Registry) UnregisterTunnel(domainID uint32, key netip.Addr) (*domain.TunnelEndpoint, error) {
	d, err := r.Domain(domainID)
	if err != nil {
		return nil, err
	}
	t, ok := d.Tunnels[key]
	if !ok {
		return nil, domain.ErrTunnelNotFound.WithDetails(key.String())
	}
	for vnid := range t.VNIDs {
		if dvg, ok := d.DVGs[vnid]; ok {
			delete(dvg.Tunnels, key)
		}
	}
	delete(d.Tunnels, key)
	return t, nil
}

// ============================================================================
// Endpoint accounting (locked)
// ============================================================================

// ReserveEndpoint counts a new endpoint against the global cap. Locked.
func (r *Registry) ReserveEndpoint() error {
	if r.endpointCount >= r.maxEndpoints {
		return domain.ErrEndpointLimit.WithDetails(fmt.Sprintf("limit %d", r.maxEndpoints))
	}
	r.endpointCount++
	return nil
}

// ReleaseEndpoint returns an endpoint slot. Locked.
func (r *Registry) ReleaseEndpoint() {
	if r.endpointCount <= 0 {
		r.logger.Warn("endpoint counter underflow", "count", r.endpointCount)
		r.endpointCount = 0
		return
	}
	r.endpointCount--
}

// EndpointCount returns the number of live endpoints. Locked.
func (r *Registry) EndpointCount() int {
	return r.endpointCount
}

// Logger returns the registry's logger.
func (r *Registry) Logger() *slog.Logger {
	return r.logger
}
