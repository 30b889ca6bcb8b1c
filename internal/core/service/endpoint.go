package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/registry"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// Expiration queue defaults.
const (
	DefaultExpirationQueueSize = 8192
	DefaultExpirationTicks     = 3
)

// EndpointUpdate is one endpoint registration message.
type EndpointUpdate struct {
	VNID        uint32
	MAC         domain.MAC
	TunnelIPs   []netip.Addr
	TunnelPort  uint16
	ClientType  domain.ClientType
	Transaction domain.TransactionType
	Version     uint64
	Operation   domain.Operation
	VIP         netip.Addr
}

// VmotionRequest moves an endpoint to a new host without a prior delete.
type VmotionRequest struct {
	VNID       uint32
	MAC        domain.MAC
	TunnelIPs  []netip.Addr
	TunnelPort uint16
	ClientType domain.ClientType
	VIP        netip.Addr
}

// EndpointInfo is a point-in-time copy of an endpoint.
type EndpointInfo struct {
	DomainID    uint32       `json:"domain_id"`
	VNID        uint32       `json:"vnid"`
	MAC         string       `json:"mac"`
	Tunnel      netip.Addr   `json:"tunnel"`
	PhysicalIPs []netip.Addr `json:"physical_ips,omitempty"`
	VIPs        []netip.Addr `json:"vips"`
	Version     uint64       `json:"version"`
	InMigration bool         `json:"in_migration"`
	Valid       bool         `json:"valid"`
}

// EndpointServiceConfig configures an EndpointService.
type EndpointServiceConfig struct {
	ExpirationQueueSize int
	ExpirationTicks     int
	Logger              *slog.Logger
	Metrics             *metric.Registry
}

// EndpointService owns the endpoint lifecycle: creation, versioned updates,
// migration and deletion.
type EndpointService struct {
	reg        *registry.Registry
	resolution *ResolutionService
	transport  Transport
	expiry     *expirationQueue
	logger     *slog.Logger
	metrics    *metric.Registry
}

// NewEndpointService creates an endpoint service. Resolved lookups are
// delivered through resolution.
func NewEndpointService(reg *registry.Registry, resolution *ResolutionService, transport Transport, cfg EndpointServiceConfig) *EndpointService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.ExpirationQueueSize <= 0 {
		cfg.ExpirationQueueSize = DefaultExpirationQueueSize
	}
	if cfg.ExpirationTicks <= 0 {
		cfg.ExpirationTicks = DefaultExpirationTicks
	}
	return &EndpointService{
		reg:        reg,
		resolution: resolution,
		transport:  transport,
		expiry:     newExpirationQueue(cfg.ExpirationQueueSize, cfg.ExpirationTicks),
		logger:     cfg.Logger.With("component", "endpoint"),
		metrics:    cfg.Metrics,
	}
}

// Update applies an endpoint registration message.
//
// The first sighting of a MAC creates the endpoint. Updates of a known
// endpoint are version checked; an out-of-sequence version returns
// domain.ErrInvalidVersion and the caller decides whether to resync.
func (s *EndpointService) Update(ctx context.Context, req *EndpointUpdate) (EndpointInfo, error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, dvg, err := s.reg.DomainByVNID(req.VNID)
	if err != nil {
		return EndpointInfo{}, err
	}

	ep, ok := d.Endpoints[req.MAC]
	if !ok || !ep.Valid {
		switch req.Operation {
		case domain.OpDelete, domain.OpMigrateOut, domain.OpVIPDelete:
			return EndpointInfo{}, domain.ErrEndpointNotFound.WithDetails(req.MAC.String())
		}
		ep, err = s.createLocked(d, dvg, req)
		if err != nil {
			return EndpointInfo{}, err
		}
		return endpointInfo(d, ep), nil
	}

	if err := s.updateLocked(d, dvg, ep, req); err != nil {
		return EndpointInfo{}, err
	}
	return endpointInfo(d, ep), nil
}

// Vmotion moves an endpoint to a new tunnel and, optionally, a new VNID.
// vIPs are kept unless the VNID changes.
func (s *EndpointService) Vmotion(ctx context.Context, req *VmotionRequest) (EndpointInfo, error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, dvg, err := s.reg.DomainByVNID(req.VNID)
	if err != nil {
		return EndpointInfo{}, err
	}
	ep, ok := d.Endpoints[req.MAC]
	if !ok || !ep.Valid {
		return EndpointInfo{}, domain.ErrEndpointNotFound.WithDetails(req.MAC.String())
	}

	t, err := s.reg.RegisterTunnel(req.VNID, req.TunnelIPs, req.TunnelPort, req.ClientType)
	if err != nil {
		return EndpointInfo{}, err
	}

	oldTunnel := ep.Tunnel
	d.UnlinkTunnel(ep)
	if ep.VNID != dvg.VNID {
		d.UnlinkDVG(ep)
		d.ClearVIPs(ep)
	}
	d.LinkEndpoint(ep, dvg, t)
	ep.InMigration = false
	s.expiry.remove(ep)

	if req.VIP.IsValid() {
		d.AddVIP(ep, req.VIP)
		s.resolution.endpointUpdatedLocked(d, ep, req.VIP)
	}
	if oldTunnel.IsValid() && oldTunnel != t.Key {
		s.notifyMigrationLocked(d, ep, oldTunnel)
	}

	s.logger.Debug("endpoint moved",
		"domain_id", d.ID, "vnid", ep.VNID, "mac", ep.MAC, "from", oldTunnel, "to", t.Key)
	return endpointInfo(d, ep), nil
}

// Delete removes an endpoint. Deleting an unknown endpoint is a no-op.
func (s *EndpointService) Delete(ctx context.Context, vnid uint32, mac domain.MAC) error {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, _, err := s.reg.DomainByVNID(vnid)
	if err != nil {
		return err
	}
	if ep, ok := d.Endpoints[mac]; ok {
		s.deleteLocked(d, ep)
	}
	return nil
}

// Get returns a copy of an endpoint.
func (s *EndpointService) Get(ctx context.Context, domainID uint32, mac domain.MAC) (EndpointInfo, error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, err := s.reg.Domain(domainID)
	if err != nil {
		return EndpointInfo{}, err
	}
	ep, ok := d.Endpoints[mac]
	if !ok || !ep.Valid {
		return EndpointInfo{}, domain.ErrEndpointNotFound.WithDetails(mac.String())
	}
	return endpointInfo(d, ep), nil
}

// ExpireTick advances the expiration queue by one tick and deletes the
// endpoints whose migration never completed.
func (s *EndpointService) ExpireTick() {
	s.reg.Lock()
	defer s.reg.Unlock()

	for _, ep := range s.expiry.tick() {
		if !ep.Valid || !ep.InMigration {
			continue
		}
		d, err := s.reg.Domain(ep.DomainID)
		if err != nil {
			continue
		}
		s.logger.Debug("migrating endpoint expired", "domain_id", ep.DomainID, "mac", ep.MAC)
		s.metrics.EndpointExpirations.Inc()
		s.deleteLocked(d, ep)
	}
}

// PendingExpirations returns the number of endpoints waiting to expire.
func (s *EndpointService) PendingExpirations() int {
	s.reg.Lock()
	defer s.reg.Unlock()
	return s.expiry.len()
}

func (s *EndpointService) createLocked(d *domain.Domain, dvg *domain.DVG, req *EndpointUpdate) (*domain.Endpoint, error) {
	if err := s.reg.ReserveEndpoint(); err != nil {
		s.logger.Warn("endpoint limit reached", "domain_id", d.ID, "mac", req.MAC)
		return nil, err
	}

	var t *domain.TunnelEndpoint
	if len(req.TunnelIPs) > 0 {
		var err error
		t, err = s.reg.RegisterTunnel(req.VNID, req.TunnelIPs, req.TunnelPort, req.ClientType)
		if err != nil {
			s.reg.ReleaseEndpoint()
			return nil, err
		}
	}

	ep := domain.NewEndpoint(d.ID, dvg.VNID, req.MAC, req.ClientType, req.Version)
	d.LinkEndpoint(ep, dvg, t)
	if req.VIP.IsValid() {
		d.AddVIP(ep, req.VIP)
		s.resolution.endpointUpdatedLocked(d, ep, req.VIP)
	}
	s.metrics.Endpoints.Set(float64(s.reg.EndpointCount()))

	s.logger.Debug("endpoint created",
		"domain_id", d.ID, "vnid", dvg.VNID, "mac", req.MAC, "version", req.Version)
	return ep, nil
}

func (s *EndpointService) updateLocked(d *domain.Domain, dvg *domain.DVG, ep *domain.Endpoint, req *EndpointUpdate) error {
	// Any update proves the endpoint is alive.
	s.expiry.remove(ep)

	if ep.VNID != dvg.VNID {
		s.rehomeLocked(d, ep, dvg)
	}

	if err := ep.ApplyVersion(req.Transaction, req.Version); err != nil {
		s.metrics.EndpointVersionConflicts.Inc()
		s.logger.Info("endpoint version out of sequence",
			"domain_id", d.ID, "mac", ep.MAC, "have", ep.Version, "got", req.Version,
			"transaction", req.Transaction)
		return domain.ErrInvalidVersion.WithDetails(fmt.Sprintf("have %d, got %d", ep.Version, req.Version))
	}

	switch req.Operation {
	case domain.OpAdd, domain.OpMigrateIn:
		return s.updateAddLocked(d, dvg, ep, req)
	case domain.OpDelete, domain.OpMigrateOut:
		s.updateDelLocked(d, ep, req)
	case domain.OpVIPAdd:
		if req.VIP.IsValid() {
			d.AddVIP(ep, req.VIP)
			s.resolution.endpointUpdatedLocked(d, ep, req.VIP)
		}
	case domain.OpVIPDelete:
		d.RemoveVIP(ep, req.VIP)
	default:
		s.logger.Warn("no handler for endpoint operation",
			"domain_id", d.ID, "mac", ep.MAC, "operation", req.Operation)
	}
	return nil
}

// rehomeLocked moves ep to dvg. vIPs do not carry across segments.
func (s *EndpointService) rehomeLocked(d *domain.Domain, ep *domain.Endpoint, dvg *domain.DVG) {
	d.UnlinkDVG(ep)
	d.ClearVIPs(ep)
	ep.VNID = dvg.VNID
	dvg.Endpoints[ep.MAC] = struct{}{}
	if t, ok := d.Tunnels[ep.Tunnel]; ok {
		t.VNIDs[dvg.VNID] = struct{}{}
		dvg.Tunnels[t.Key] = struct{}{}
	}
}

func (s *EndpointService) updateAddLocked(d *domain.Domain, dvg *domain.DVG, ep *domain.Endpoint, req *EndpointUpdate) error {
	if len(req.TunnelIPs) > 0 {
		t, err := s.reg.RegisterTunnel(req.VNID, req.TunnelIPs, req.TunnelPort, req.ClientType)
		if err != nil {
			return err
		}
		oldTunnel := ep.Tunnel
		if oldTunnel != t.Key {
			d.UnlinkTunnel(ep)
		}
		d.LinkEndpoint(ep, dvg, t)
		if oldTunnel.IsValid() && oldTunnel != t.Key {
			s.notifyMigrationLocked(d, ep, oldTunnel)
		}
	} else if t, ok := d.Tunnels[ep.Tunnel]; ok && ep.InMigration {
		// Re-link through the retained soft reference.
		d.LinkEndpoint(ep, dvg, t)
	}
	ep.InMigration = false

	if req.VIP.IsValid() {
		d.AddVIP(ep, req.VIP)
		s.resolution.endpointUpdatedLocked(d, ep, req.VIP)
	}
	return nil
}

// updateDelLocked handles delete and migrate-out. The endpoint is parked in
// the expiration queue so that a delete followed by a re-appearance on
// another host (migration) does not lose state.
func (s *EndpointService) updateDelLocked(d *domain.Domain, ep *domain.Endpoint, req *EndpointUpdate) {
	// A stale delete may race a mass transfer resend; keep the vIP.
	if req.VIP.IsValid() {
		d.AddVIP(ep, req.VIP)
	}
	ep.InMigration = true
	d.UnlinkTunnel(ep)

	if !s.expiry.add(ep) {
		s.logger.Warn("expiration queue full, deleting endpoint",
			"domain_id", d.ID, "mac", ep.MAC)
		s.deleteLocked(d, ep)
	}
}

func (s *EndpointService) deleteLocked(d *domain.Domain, ep *domain.Endpoint) {
	if !ep.Valid {
		return
	}
	ep.Valid = false
	d.ClearVIPs(ep)
	d.UnlinkTunnel(ep)
	d.UnlinkDVG(ep)
	if cur, ok := d.Endpoints[ep.MAC]; ok && cur == ep {
		delete(d.Endpoints, ep.MAC)
	}
	s.expiry.remove(ep)
	s.reg.ReleaseEndpoint()
	s.metrics.Endpoints.Set(float64(s.reg.EndpointCount()))

	s.logger.Debug("endpoint deleted", "domain_id", d.ID, "vnid", ep.VNID, "mac", ep.MAC)
}

// notifyMigrationLocked tells the endpoint's previous host where it went.
func (s *EndpointService) notifyMigrationLocked(d *domain.Domain, ep *domain.Endpoint, oldTunnel netip.Addr) {
	old, ok := d.Tunnels[oldTunnel]
	if !ok || old.Port == 0 {
		return
	}
	dest := old.AddrPort()
	domainID, mac := d.ID, ep.MAC

	s.reg.Enqueue(registry.QueueMigrationUpdate, func() {
		s.reg.Lock()
		d, err := s.reg.Domain(domainID)
		if err != nil {
			s.reg.Unlock()
			return
		}
		ep, ok := d.Endpoints[mac]
		if !ok || !ep.Valid {
			s.reg.Unlock()
			return
		}
		reply := locationReply(d, ep, dest, netip.Addr{})
		s.reg.Unlock()

		if err := s.transport.SendEndpointLocationReply(context.Background(), reply); err != nil {
			s.logger.Warn("migration update not delivered",
				"domain_id", domainID, "mac", mac, "dest", dest, "error", err)
		}
	})
}

// endpointInfo copies ep. Locked.
func endpointInfo(d *domain.Domain, ep *domain.Endpoint) EndpointInfo {
	info := EndpointInfo{
		DomainID:    ep.DomainID,
		VNID:        ep.VNID,
		MAC:         ep.MAC.String(),
		Tunnel:      ep.Tunnel,
		VIPs:        ep.ShowVIPs(),
		Version:     ep.Version,
		InMigration: ep.InMigration,
		Valid:       ep.Valid,
	}
	if t, ok := d.Tunnels[ep.Tunnel]; ok {
		info.PhysicalIPs = append([]netip.Addr(nil), t.IPs...)
	}
	return info
}

// locationReply builds the reply describing ep for dest. Locked.
func locationReply(d *domain.Domain, ep *domain.Endpoint, dest netip.AddrPort, vip netip.Addr) LocationReply {
	reply := LocationReply{
		Dest:    dest,
		VNID:    ep.VNID,
		Version: ep.Version,
		MAC:     ep.MAC,
		VIP:     vip,
	}
	if t, ok := d.Tunnels[ep.Tunnel]; ok {
		reply.PhysicalV4, reply.PhysicalV6 = t.SplitIPs()
	}
	return reply
}

// expirationQueue holds soft-deleted endpoints for a fixed number of ticks.
// Guarded by the registry's global lock.
type expirationQueue struct {
	entries map[*domain.Endpoint]int
	max     int
	ticks   int
}

func newExpirationQueue(max, ticks int) *expirationQueue {
	return &expirationQueue{
		entries: make(map[*domain.Endpoint]int),
		max:     max,
		ticks:   ticks,
	}
}

// add queues ep, restarting its countdown. It returns false when full.
func (q *expirationQueue) add(ep *domain.Endpoint) bool {
	if _, ok := q.entries[ep]; !ok && len(q.entries) >= q.max {
		return false
	}
	q.entries[ep] = q.ticks
	return true
}

func (q *expirationQueue) remove(ep *domain.Endpoint) {
	delete(q.entries, ep)
}

func (q *expirationQueue) len() int {
	return len(q.entries)
}

// tick decrements every countdown and returns the entries that reached zero.
func (q *expirationQueue) tick() []*domain.Endpoint {
	var expired []*domain.Endpoint
	for ep, left := range q.entries {
		left--
		if left <= 0 {
			delete(q.entries, ep)
			expired = append(expired, ep)
			continue
		}
		q.entries[ep] = left
	}
	return expired
}
