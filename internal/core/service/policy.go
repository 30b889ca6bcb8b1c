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

// DefaultSelfPolicyTTL is the TTL of the implicit intra-DVG allow policy.
const DefaultSelfPolicyTTL = 0

// PolicyRequest adds or updates one directional policy.
type PolicyRequest struct {
	DomainID uint32
	Traffic  domain.TrafficType
	Type     domain.PolicyType
	SrcVNID  uint32
	DstVNID  uint32
	TTL      uint32
	Action   []byte
}

// PolicyInfo is a copy of a stored policy.
type PolicyInfo struct {
	DomainID     uint32              `json:"domain_id"`
	Traffic      string              `json:"traffic"`
	SrcVNID      uint32              `json:"src_vnid"`
	DstVNID      uint32              `json:"dst_vnid"`
	TTL          uint32              `json:"ttl"`
	Version      uint32              `json:"version"`
	Connectivity domain.Connectivity `json:"-"`
	Action       string              `json:"action"`
}

// PolicyServiceConfig configures a PolicyService.
type PolicyServiceConfig struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// PolicyService stores connectivity policies and pushes changes to the
// tunnels of the source DVG.
type PolicyService struct {
	reg       *registry.Registry
	transport Transport
	logger    *slog.Logger
	metrics   *metric.Registry
}

// NewPolicyService creates a policy service.
func NewPolicyService(reg *registry.Registry, transport Transport, cfg PolicyServiceConfig) *PolicyService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	return &PolicyService{
		reg:       reg,
		transport: transport,
		logger:    cfg.Logger.With("component", "policy"),
		metrics:   cfg.Metrics,
	}
}

// Add creates a policy, or updates it if one already exists for the pair.
func (s *PolicyService) Add(ctx context.Context, req *PolicyRequest) (PolicyInfo, error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, err := s.resolveLocked(req)
	if err != nil {
		return PolicyInfo{}, err
	}
	if p, ok := d.Policies[req.Traffic][domain.PolicyKey(req.SrcVNID, req.DstVNID)]; ok {
		return s.updateLocked(d, p, req)
	}

	p, err := domain.NewPolicy(d.ID, req.Traffic, req.Type, req.SrcVNID, req.DstVNID, req.TTL, req.Action)
	if err != nil {
		return PolicyInfo{}, err
	}
	s.indexLocked(d, p)
	s.notifyLocked(d, p)

	s.logger.Info("policy added",
		"domain_id", d.ID, "traffic", p.Traffic, "src_vnid", p.SrcVNID, "dst_vnid", p.DstVNID,
		"connectivity", p.Connectivity)
	return policyInfo(p), nil
}

// Update changes an existing policy.
func (s *PolicyService) Update(ctx context.Context, req *PolicyRequest) (PolicyInfo, error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, err := s.resolveLocked(req)
	if err != nil {
		return PolicyInfo{}, err
	}
	p, ok := d.Policies[req.Traffic][domain.PolicyKey(req.SrcVNID, req.DstVNID)]
	if !ok {
		return PolicyInfo{}, domain.ErrPolicyNotFound.WithDetails(domain.PolicyKey(req.SrcVNID, req.DstVNID))
	}
	return s.updateLocked(d, p, req)
}

// Delete removes a policy. The self policy of a DVG cannot be removed; it is
// reset to the default allow rule instead.
func (s *PolicyService) Delete(ctx context.Context, domainID uint32, traffic domain.TrafficType, src, dst uint32) error {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, err := s.reg.Domain(domainID)
	if err != nil {
		return err
	}
	key := domain.PolicyKey(src, dst)
	p, ok := d.Policies[traffic][key]
	if !ok {
		return domain.ErrPolicyNotFound.WithDetails(key)
	}

	if p.IsSelf() {
		p.ResetToAllow()
		s.notifyLocked(d, p)
		s.logger.Info("self policy reset to allow", "domain_id", d.ID, "vnid", src, "traffic", traffic)
		return nil
	}

	s.unindexLocked(d, p)
	s.logger.Info("policy deleted", "domain_id", d.ID, "traffic", traffic, "src_vnid", src, "dst_vnid", dst)
	return nil
}

// Get returns a stored policy.
func (s *PolicyService) Get(ctx context.Context, domainID uint32, traffic domain.TrafficType, src, dst uint32) (PolicyInfo, error) {
	s.reg.Lock()
	defer s.reg.Unlock()

	d, err := s.reg.Domain(domainID)
	if err != nil {
		return PolicyInfo{}, err
	}
	p, ok := d.Policies[traffic][domain.PolicyKey(src, dst)]
	if !ok {
		return PolicyInfo{}, domain.ErrPolicyNotFound.WithDetails(domain.PolicyKey(src, dst))
	}
	return policyInfo(p), nil
}

// ensureSelfPolicyLocked installs the default allow policy of a new DVG for
// both traffic types.
func (s *PolicyService) ensureSelfPolicyLocked(d *domain.Domain, vnid uint32) {
	allow := domain.EncodeAction(domain.ActionForward)
	for _, traffic := range []domain.TrafficType{domain.TrafficUnicast, domain.TrafficMulticast} {
		if _, ok := d.Policies[traffic][domain.PolicyKey(vnid, vnid)]; ok {
			continue
		}
		p, err := domain.NewPolicy(d.ID, traffic, domain.PolicyConnectivity, vnid, vnid, DefaultSelfPolicyTTL, allow)
		if err != nil {
			s.logger.Error("self policy rejected", "domain_id", d.ID, "vnid", vnid, "error", err)
			continue
		}
		s.indexLocked(d, p)
	}
}

// removeDVGLocked drops every policy that names the DVG.
func (s *PolicyService) removeDVGLocked(d *domain.Domain, dvg *domain.DVG) {
	for _, table := range []map[domain.TrafficType]map[string]*domain.Policy{dvg.PolicySrc, dvg.PolicyDst} {
		for _, byKey := range table {
			for _, p := range byKey {
				s.unindexLocked(d, p)
			}
		}
	}
}

func (s *PolicyService) resolveLocked(req *PolicyRequest) (*domain.Domain, error) {
	if req.Traffic != domain.TrafficUnicast && req.Traffic != domain.TrafficMulticast {
		return nil, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("traffic type %d", req.Traffic))
	}
	d, err := s.reg.Domain(req.DomainID)
	if err != nil {
		return nil, err
	}
	for _, vnid := range []uint32{req.SrcVNID, req.DstVNID} {
		if dvg, ok := d.DVGs[vnid]; !ok || !dvg.Valid {
			return nil, domain.ErrDVGNotFound.WithDetails(fmt.Sprintf("vnid %d", vnid))
		}
	}
	return d, nil
}

func (s *PolicyService) updateLocked(d *domain.Domain, p *domain.Policy, req *PolicyRequest) (PolicyInfo, error) {
	if req.Type != p.Type {
		return PolicyInfo{}, domain.ErrInvalidPolicyType.WithDetails(fmt.Sprintf("type %d", req.Type))
	}
	if err := p.Update(req.TTL, req.Action); err != nil {
		return PolicyInfo{}, err
	}
	s.notifyLocked(d, p)
	s.logger.Info("policy updated",
		"domain_id", d.ID, "traffic", p.Traffic, "src_vnid", p.SrcVNID, "dst_vnid", p.DstVNID,
		"version", p.Version)
	return policyInfo(p), nil
}

func (s *PolicyService) indexLocked(d *domain.Domain, p *domain.Policy) {
	d.Policies[p.Traffic][p.Key] = p
	if src, ok := d.DVGs[p.SrcVNID]; ok {
		src.PolicySrc[p.Traffic][p.Key] = p
	}
	if dst, ok := d.DVGs[p.DstVNID]; ok {
		dst.PolicyDst[p.Traffic][p.Key] = p
	}
}

func (s *PolicyService) unindexLocked(d *domain.Domain, p *domain.Policy) {
	delete(d.Policies[p.Traffic], p.Key)
	if src, ok := d.DVGs[p.SrcVNID]; ok {
		delete(src.PolicySrc[p.Traffic], p.Key)
	}
	if dst, ok := d.DVGs[p.DstVNID]; ok {
		delete(dst.PolicyDst[p.Traffic], p.Key)
	}
}

// notifyLocked queues an update for the tunnels of the policy's source
// DVG. The worker reads the policy again, so a burst of changes is
// delivered with the latest version.
func (s *PolicyService) notifyLocked(d *domain.Domain, p *domain.Policy) {
	if !d.Active {
		return
	}
	s.metrics.PolicyUpdates.Inc()
	domainID, traffic, key := d.ID, p.Traffic, p.Key

	s.reg.Enqueue(registry.QueuePolicyUpdate, func() {
		s.reg.Lock()
		d, err := s.reg.Domain(domainID)
		if err != nil {
			s.reg.Unlock()
			return
		}
		p, ok := d.Policies[traffic][key]
		if !ok {
			s.reg.Unlock()
			return
		}
		notice := PolicyNotice{
			DomainID:     p.DomainID,
			Traffic:      p.Traffic,
			SrcVNID:      p.SrcVNID,
			DstVNID:      p.DstVNID,
			TTL:          p.TTL,
			Version:      p.Version,
			Connectivity: p.Connectivity,
			Action:       append([]byte(nil), p.Action...),
		}
		var dests []netip.AddrPort
		for _, t := range d.TunnelsOf(p.SrcVNID) {
			if t.Port != 0 {
				dests = append(dests, t.AddrPort())
			}
		}
		s.reg.Unlock()

		for _, dest := range dests {
			if err := s.transport.SendPolicyUpdate(context.Background(), dest, notice); err != nil {
				s.logger.Warn("policy update not delivered",
					"domain_id", domainID, "policy", key, "dest", dest, "error", err)
			}
		}
	})
}

func policyInfo(p *domain.Policy) PolicyInfo {
	return PolicyInfo{
		DomainID:     p.DomainID,
		Traffic:      p.Traffic.String(),
		SrcVNID:      p.SrcVNID,
		DstVNID:      p.DstVNID,
		TTL:          p.TTL,
		Version:      p.Version,
		Connectivity: p.Connectivity,
		Action:       p.Connectivity.String(),
	}
}
