package service

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/registry"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
	"github.com/yndnr/dps-go/pkg/cmap"
)

// Heartbeat pacing defaults.
const (
	DefaultProbesPerSecond = 1000
	DefaultProbeBurst      = 100
)

// ClientHostServiceConfig configures a ClientHostService.
type ClientHostServiceConfig struct {
	Clock clock.Clock
	// Frequencies overrides the per-role heartbeat intervals; roles not
	// listed keep their defaults.
	Frequencies domain.HeartbeatFrequencies
	// ProbesPerSecond caps the heartbeat send rate across all hosts.
	ProbesPerSecond float64
	ProbeBurst      int
	Logger          *slog.Logger
	Metrics         *metric.Registry
}

// HostInfo is a copy of a tracked client host.
type HostInfo struct {
	Addr             netip.AddrPort `json:"addr"`
	Domains          []uint32       `json:"domains"`
	Roles            []string       `json:"roles"`
	Frequency        time.Duration  `json:"-"`
	FrequencySeconds float64        `json:"frequency_seconds"`
	LastContact      time.Time      `json:"last_contact"`
}

// ClientHostService tracks the liveness of DPS clients and probes them at
// the rate their roles require.
//
// Hosts live in a sharded map outside the global lock. Callers that hold
// the global lock may use the map; the reverse order is not allowed.
type ClientHostService struct {
	reg       *registry.Registry
	transport Transport
	hosts     *cmap.Map[netip.Addr, *domain.ClientHost]
	freqs     domain.HeartbeatFrequencies
	clock     clock.Clock
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metric.Registry
}

// NewClientHostService creates a client host service.
func NewClientHostService(reg *registry.Registry, transport Transport, cfg ClientHostServiceConfig) *ClientHostService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ProbesPerSecond <= 0 {
		cfg.ProbesPerSecond = DefaultProbesPerSecond
	}
	if cfg.ProbeBurst <= 0 {
		cfg.ProbeBurst = DefaultProbeBurst
	}
	return &ClientHostService{
		reg:       reg,
		transport: transport,
		hosts:     cmap.New[netip.Addr, *domain.ClientHost](),
		freqs:     domain.DefaultHeartbeatFrequencies().With(cfg.Frequencies),
		clock:     cfg.Clock,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), cfg.ProbeBurst),
		logger:    cfg.Logger.With("component", "clienthost"),
		metrics:   cfg.Metrics,
	}
}

// SetProbeRate changes the heartbeat pacing at runtime.
func (s *ClientHostService) SetProbeRate(perSecond float64, burst int) {
	if perSecond > 0 {
		s.limiter.SetLimitAt(s.clock.Now(), rate.Limit(perSecond))
	}
	if burst > 0 {
		s.limiter.SetBurstAt(s.clock.Now(), burst)
	}
}

// HostAdd records that the client at addr serves domainID with role.
// The host is created on first sight; later calls refresh its contact time.
func (s *ClientHostService) HostAdd(ctx context.Context, domainID uint32, addr netip.AddrPort, role domain.ClientType) (HostInfo, error) {
	if !addr.IsValid() {
		return HostInfo{}, domain.ErrInvalidArgument.WithDetails("client address required")
	}
	if _, ok := s.freqs[role]; !ok {
		return HostInfo{}, domain.ErrInvalidArgument.WithDetails("unknown role " + role.String())
	}

	s.reg.Lock()
	defer s.reg.Unlock()

	if _, err := s.reg.Domain(domainID); err != nil {
		return HostInfo{}, err
	}

	now := s.clock.Now()
	var (
		info      HostInfo
		newRole   bool
		newDomain bool
	)
	s.hosts.Compute(addr.Addr(), func(h *domain.ClientHost, loaded bool) (*domain.ClientHost, bool) {
		if !loaded {
			h = domain.NewClientHost(addr.Addr(), addr.Port(), now, s.freqs)
			s.logger.Info("client host added", "addr", addr, "role", role)
		}
		if _, ok := h.Roles[role]; !ok {
			h.AddRole(role)
			newRole = true
		}
		if _, ok := h.Domains[domainID]; !ok {
			h.Domains[domainID] = struct{}{}
			newDomain = true
		}
		h.Port = addr.Port()
		h.LastContact = now
		info = hostInfo(h)
		return h, true
	})
	s.metrics.ClientHosts.Set(float64(s.hosts.Len()))

	if role.IsGateway() && (newRole || newDomain) {
		s.notifyGateways(domainID)
	}
	return info, nil
}

// HostTouch refreshes the contact time of a known host. It reports whether
// the host is tracked.
func (s *ClientHostService) HostTouch(addr netip.Addr) bool {
	now := s.clock.Now()
	_, ok := s.hosts.Compute(addr, func(h *domain.ClientHost, loaded bool) (*domain.ClientHost, bool) {
		if !loaded {
			return nil, false
		}
		h.LastContact = now
		return h, true
	})
	return ok
}

// HostDelete removes domainID from the host. The host is dropped once it
// has neither domains nor roles; HostDelete reports whether that happened.
func (s *ClientHostService) HostDelete(ctx context.Context, domainID uint32, addr netip.Addr) bool {
	var gateway, dropped bool
	s.hosts.Compute(addr, func(h *domain.ClientHost, loaded bool) (*domain.ClientHost, bool) {
		if !loaded {
			return nil, false
		}
		delete(h.Domains, domainID)
		gateway = hasGatewayRole(h)
		h, keep := s.keepOrDrop(h)
		dropped = !keep
		return h, keep
	})
	s.metrics.ClientHosts.Set(float64(s.hosts.Len()))
	if gateway {
		s.notifyGateways(domainID)
	}
	return dropped
}

// HostRoleRemove drops a role from the host.
func (s *ClientHostService) HostRoleRemove(ctx context.Context, addr netip.Addr, role domain.ClientType) {
	var domains []uint32
	s.hosts.Compute(addr, func(h *domain.ClientHost, loaded bool) (*domain.ClientHost, bool) {
		if !loaded {
			return nil, false
		}
		if _, held := h.Roles[role]; !held {
			return h, true
		}
		h.RemoveRole(role)
		if role.IsGateway() {
			domains = sortedDomains(h)
		}
		return s.keepOrDrop(h)
	})
	s.metrics.ClientHosts.Set(float64(s.hosts.Len()))
	for _, id := range domains {
		s.notifyGateways(id)
	}
}

// HostDomainDelete removes a deleted domain from every host.
func (s *ClientHostService) HostDomainDelete(domainID uint32) {
	s.hosts.Sweep(func(_ netip.Addr, h *domain.ClientHost) (*domain.ClientHost, bool) {
		if _, ok := h.Domains[domainID]; !ok {
			return h, true
		}
		delete(h.Domains, domainID)
		return s.keepOrDrop(h)
	})
	s.metrics.ClientHosts.Set(float64(s.hosts.Len()))
}

// Get returns a copy of a tracked host.
func (s *ClientHostService) Get(addr netip.Addr) (HostInfo, bool) {
	var info HostInfo
	_, ok := s.hosts.Compute(addr, func(h *domain.ClientHost, loaded bool) (*domain.ClientHost, bool) {
		if !loaded {
			return nil, false
		}
		info = hostInfo(h)
		return h, true
	})
	return info, ok
}

// Frequency returns the configured heartbeat interval of role.
func (s *ClientHostService) Frequency(role domain.ClientType) (time.Duration, bool) {
	d, ok := s.freqs[role]
	return d, ok
}

// Len returns the number of tracked hosts.
func (s *ClientHostService) Len() int {
	return s.hosts.Len()
}

// Sweep runs one heartbeat tick: silent hosts past their timeout are
// dropped and hosts due a probe get one, within the pacing budget.
func (s *ClientHostService) Sweep() {
	now := s.clock.Now()
	var (
		due    []netip.AddrPort
		notify []uint32
	)
	expired := s.hosts.Sweep(func(_ netip.Addr, h *domain.ClientHost) (*domain.ClientHost, bool) {
		if now.Sub(h.LastContact) > h.Timeout() {
			h.Valid = false
			if hasGatewayRole(h) {
				notify = append(notify, sortedDomains(h)...)
			}
			s.logger.Info("client host timed out",
				"addr", h.AddrPort(), "silent", now.Sub(h.LastContact), "timeout", h.Timeout())
			return nil, false
		}
		if now.Sub(h.LastHeartbeat) >= h.Frequency && s.limiter.AllowN(now, 1) {
			h.LastHeartbeat = now
			due = append(due, h.AddrPort())
		}
		return h, true
	})

	if expired > 0 {
		s.metrics.ClientHostTimeouts.Add(float64(expired))
	}
	s.metrics.ClientHosts.Set(float64(s.hosts.Len()))

	slices.Sort(notify)
	for _, id := range slices.Compact(notify) {
		s.notifyGateways(id)
	}
	for _, dest := range due {
		s.queueHeartbeat(dest)
	}
}

func (s *ClientHostService) queueHeartbeat(dest netip.AddrPort) {
	s.reg.Enqueue(registry.QueueHeartbeatRequest, func() {
		queryID := s.reg.NextQueryID()
		if err := s.transport.SendHeartbeat(context.Background(), dest, 0, queryID); err != nil {
			s.logger.Warn("heartbeat not delivered", "dest", dest, "query_id", queryID, "error", err)
			return
		}
		s.metrics.HeartbeatsSent.Inc()
	})
}

// notifyGateways queues a gateway list refresh for every non-gateway tunnel
// of the domain.
func (s *ClientHostService) notifyGateways(domainID uint32) {
	s.reg.Enqueue(registry.QueueGatewayUpdate, func() {
		s.sendGatewayUpdate(domainID)
	})
}

func (s *ClientHostService) sendGatewayUpdate(domainID uint32) {
	type target struct {
		dest netip.AddrPort
		vnid uint32
	}

	s.reg.Lock()
	d, err := s.reg.Domain(domainID)
	if err != nil {
		s.reg.Unlock()
		return
	}
	var targets []target
	gateways := make(map[netip.Addr]struct{})
	for _, t := range d.Tunnels {
		if t.ClientType.IsGateway() {
			gateways[t.Key] = struct{}{}
			continue
		}
		if t.Port == 0 {
			continue
		}
		for vnid := range t.VNIDs {
			targets = append(targets, target{dest: t.AddrPort(), vnid: vnid})
		}
	}
	s.reg.Unlock()

	for addr, h := range s.hosts.All() {
		if _, ok := h.Domains[domainID]; ok && hasGatewayRole(h) {
			gateways[addr] = struct{}{}
		}
	}

	list := make([]netip.Addr, 0, len(gateways))
	for addr := range gateways {
		list = append(list, addr)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })

	for _, t := range targets {
		if err := s.transport.SendGatewayUpdate(context.Background(), t.dest, t.vnid, list); err != nil {
			s.logger.Warn("gateway update not delivered",
				"domain_id", domainID, "dest", t.dest, "vnid", t.vnid, "error", err)
		}
	}
}

func (s *ClientHostService) keepOrDrop(h *domain.ClientHost) (*domain.ClientHost, bool) {
	if h.Empty() {
		h.Valid = false
		s.logger.Info("client host removed", "addr", h.AddrPort())
		return nil, false
	}
	return h, true
}

func hasGatewayRole(h *domain.ClientHost) bool {
	for role := range h.Roles {
		if role.IsGateway() {
			return true
		}
	}
	return false
}

func sortedDomains(h *domain.ClientHost) []uint32 {
	out := make([]uint32, 0, len(h.Domains))
	for id := range h.Domains {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func hostInfo(h *domain.ClientHost) HostInfo {
	info := HostInfo{
		Addr:             h.AddrPort(),
		Domains:          sortedDomains(h),
		Frequency:        h.Frequency,
		FrequencySeconds: h.Frequency.Seconds(),
		LastContact:      h.LastContact,
	}
	for role := range h.Roles {
		info.Roles = append(info.Roles, role.String())
	}
	sort.Strings(info.Roles)
	return info
}
