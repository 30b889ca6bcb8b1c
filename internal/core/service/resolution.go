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

// ResolutionServiceConfig configures a ResolutionService.
type ResolutionServiceConfig struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// ResolutionService parks lookups for unknown virtual IPs and answers the
// waiting clients once the address is registered.
type ResolutionService struct {
	reg       *registry.Registry
	transport Transport
	logger    *slog.Logger
	metrics   *metric.Registry
}

// NewResolutionService creates a resolution service.
func NewResolutionService(reg *registry.Registry, transport Transport, cfg ResolutionServiceConfig) *ResolutionService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	return &ResolutionService{
		reg:       reg,
		transport: transport,
		logger:    cfg.Logger.With("component", "resolution"),
		metrics:   cfg.Metrics,
	}
}

// Lookup resolves vip for a client in vnid. When the address is unknown the
// client is parked and found is false; it will receive a location reply if
// the address registers before the retry budget runs out.
func (s *ResolutionService) Lookup(ctx context.Context, client netip.AddrPort, vnid uint32, vip netip.Addr) (info EndpointInfo, found bool, err error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, _, err := s.reg.DomainByVNID(vnid)
	if err != nil {
		return EndpointInfo{}, false, err
	}
	if ep, ok := d.VIPIndex[vip]; ok && ep.Valid {
		return endpointInfo(d, ep), true, nil
	}
	if err := s.processLookupNotFoundLocked(d, client, vnid, vip); err != nil {
		return EndpointInfo{}, false, err
	}
	return EndpointInfo{}, false, nil
}

// ProcessLookupNotFound records that client asked for vip from vnid and got
// no answer.
func (s *ResolutionService) ProcessLookupNotFound(ctx context.Context, client netip.AddrPort, vnid uint32, vip netip.Addr) error {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, _, err := s.reg.DomainByVNID(vnid)
	if err != nil {
		return err
	}
	return s.processLookupNotFoundLocked(d, client, vnid, vip)
}

func (s *ResolutionService) processLookupNotFoundLocked(d *domain.Domain, client netip.AddrPort, vnid uint32, vip netip.Addr) error {
	res := d.Resolution
	if !res.Valid {
		return domain.ErrDomainNotFound.WithDetails(fmt.Sprintf("domain %d", d.ID))
	}

	w, ok := res.Waiters[vip]
	if ok {
		if set, waiting := w.Waiters[client]; waiting {
			if _, dup := set[vnid]; dup {
				return nil
			}
		}
	}
	if res.Total >= res.Limits.MaxWaiters {
		return domain.ErrResolutionCapacity.WithDetails(fmt.Sprintf("domain %d has %d waiters", d.ID, res.Total))
	}
	if !ok {
		if len(res.Waiters) >= res.Limits.MaxVIPs {
			return domain.ErrResolutionCapacity.WithDetails(fmt.Sprintf("domain %d has %d unresolved vips", d.ID, len(res.Waiters)))
		}
		w = domain.NewAddressResolutionVIP(vip)
		res.Waiters[vip] = w
	}
	if w.Add(client, vnid) {
		res.Total++
		s.metrics.ResolutionWaiters.Inc()
	}
	return nil
}

// endpointUpdatedLocked answers every client waiting for vip, now that ep
// owns it. The replies are built and sent from the resolution work queue.
func (s *ResolutionService) endpointUpdatedLocked(d *domain.Domain, ep *domain.Endpoint, vip netip.Addr) {
	res := d.Resolution
	w, ok := res.Waiters[vip]
	if !ok {
		return
	}
	delete(res.Waiters, vip)
	n := w.Total
	s.subtractLocked(d, n)

	waiters := w.Drain()
	domainID, mac := d.ID, ep.MAC
	s.reg.Enqueue(registry.QueueAddressResolution, func() {
		for _, wt := range waiters {
			s.reply(domainID, mac, vip, wt)
		}
	})
}

// reply revalidates the endpoint under the global lock and sends one
// location reply outside it.
func (s *ResolutionService) reply(domainID uint32, mac domain.MAC, vip netip.Addr, wt domain.Waiter) {
	s.reg.Lock()
	d, err := s.reg.Domain(domainID)
	if err != nil {
		s.reg.Unlock()
		s.metrics.ResolutionReplies.WithLabelValues("stale").Inc()
		return
	}
	ep, ok := d.Endpoints[mac]
	if !ok || !ep.Valid || !ep.HasVIP(vip) {
		s.reg.Unlock()
		s.metrics.ResolutionReplies.WithLabelValues("stale").Inc()
		return
	}
	if dvg, ok := d.DVGs[wt.VNID]; !ok || !dvg.Valid {
		s.reg.Unlock()
		s.metrics.ResolutionReplies.WithLabelValues("stale").Inc()
		return
	}
	msg := locationReply(d, ep, wt.Client, vip)
	s.reg.Unlock()

	if err := s.transport.SendEndpointLocationReply(context.Background(), msg); err != nil {
		s.metrics.ResolutionReplies.WithLabelValues("error").Inc()
		s.logger.Warn("location reply not delivered",
			"domain_id", domainID, "vip", vip, "client", wt.Client, "error", err)
		return
	}
	s.metrics.ResolutionReplies.WithLabelValues("sent").Inc()
}

// ProcessTimeout runs one retry tick over every domain. Waiter lists whose
// budget is spent are dropped without a reply.
func (s *ResolutionService) ProcessTimeout() {
	s.reg.Lock()
	defer s.reg.Unlock()

	total := 0
	for _, d := range s.reg.Domains() {
		res := d.Resolution
		for vip, w := range res.Waiters {
			w.Retry--
			if w.Retry > 0 {
				continue
			}
			delete(res.Waiters, vip)
			s.subtractLocked(d, w.Total)
			s.metrics.ResolutionTimeouts.Inc()
			s.logger.Debug("unresolved vip dropped", "domain_id", d.ID, "vip", vip, "waiters", w.Total)
		}

		if sum := res.SumWaiters(); sum != res.Total {
			s.logger.Warn("resolution waiter count mismatch, resyncing",
				"domain_id", d.ID, "total", res.Total, "sum", sum)
			s.metrics.AccountingAnomalies.WithLabelValues("resolution_total").Inc()
			res.Total = sum
		}
		total += res.Total
	}
	s.metrics.ResolutionWaiters.Set(float64(total))
}

// Pending returns the number of waiting (client, vnid) pairs and unresolved
// vIPs of a domain.
func (s *ResolutionService) Pending(domainID uint32) (waiters, vips int, err error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, err := s.reg.Domain(domainID)
	if err != nil {
		return 0, 0, err
	}
	return d.Resolution.Total, len(d.Resolution.Waiters), nil
}

// clearDomainLocked drops every waiter of a domain that is going away.
func (s *ResolutionService) clearDomainLocked(d *domain.Domain) {
	res := d.Resolution
	s.subtractLocked(d, res.Total)
	res.Waiters = make(map[netip.Addr]*domain.AddressResolutionVIP)
	res.Valid = false
}

func (s *ResolutionService) subtractLocked(d *domain.Domain, n int) {
	res := d.Resolution
	res.Total -= n
	if res.Total < 0 {
		s.logger.Warn("resolution waiter count underflow", "domain_id", d.ID, "total", res.Total)
		s.metrics.AccountingAnomalies.WithLabelValues("resolution_underflow").Inc()
		n += res.Total
		res.Total = 0
	}
	s.metrics.ResolutionWaiters.Sub(float64(n))
}
