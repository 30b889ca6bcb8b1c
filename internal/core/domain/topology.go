package domain

import (
	"net/netip"
	"sort"
)

// Domain is an isolated tenant grouping several virtual networks.
//
// Domain, DVG and TunnelEndpoint reference each other by id only. All
// fields are guarded by the registry's global lock.
type Domain struct {
	ID     uint32
	Active bool
	Valid  bool

	DVGs      map[uint32]*DVG
	Endpoints map[MAC]*Endpoint
	// VIPIndex maps a virtual IP to its owning endpoint (conflict detection).
	VIPIndex map[netip.Addr]*Endpoint
	Tunnels  map[netip.Addr]*TunnelEndpoint
	Policies map[TrafficType]map[string]*Policy

	Resolution *AddressResolution
}

// NewDomain creates an active, valid domain with empty indexes.
func NewDomain(id uint32, limits ResolutionLimits) *Domain {
	return &Domain{
		ID:        id,
		Active:    true,
		Valid:     true,
		DVGs:      make(map[uint32]*DVG),
		Endpoints: make(map[MAC]*Endpoint),
		VIPIndex:  make(map[netip.Addr]*Endpoint),
		Tunnels:   make(map[netip.Addr]*TunnelEndpoint),
		Policies: map[TrafficType]map[string]*Policy{
			TrafficUnicast:   make(map[string]*Policy),
			TrafficMulticast: make(map[string]*Policy),
		},
		Resolution: NewAddressResolution(limits),
	}
}

// DVG (distributed virtual group) is one virtual network segment.
type DVG struct {
	VNID     uint32
	DomainID uint32
	Valid    bool

	Endpoints map[MAC]struct{}
	Tunnels   map[netip.Addr]struct{}
	PolicySrc map[TrafficType]map[string]*Policy
	PolicyDst map[TrafficType]map[string]*Policy
}

// NewDVG creates a valid DVG.
func NewDVG(domainID, vnid uint32) *DVG {
	return &DVG{
		VNID:      vnid,
		DomainID:  domainID,
		Valid:     true,
		Endpoints: make(map[MAC]struct{}),
		Tunnels:   make(map[netip.Addr]struct{}),
		PolicySrc: map[TrafficType]map[string]*Policy{
			TrafficUnicast:   make(map[string]*Policy),
			TrafficMulticast: make(map[string]*Policy),
		},
		PolicyDst: map[TrafficType]map[string]*Policy{
			TrafficUnicast:   make(map[string]*Policy),
			TrafficMulticast: make(map[string]*Policy),
		},
	}
}

// TunnelEndpoint is a physical host serving endpoints of a domain.
type TunnelEndpoint struct {
	// Key is the primary physical IP; it identifies the tunnel in its domain.
	Key        netip.Addr
	IPs        []netip.Addr
	Port       uint16
	ClientType ClientType
	DomainID   uint32

	VNIDs     map[uint32]struct{}
	Endpoints map[MAC]struct{}
}

// NewTunnelEndpoint creates a tunnel keyed by the first of ips.
func NewTunnelEndpoint(domainID uint32, ips []netip.Addr, port uint16, ct ClientType) *TunnelEndpoint {
	t := &TunnelEndpoint{
		IPs:        append([]netip.Addr(nil), ips...),
		Port:       port,
		ClientType: ct,
		DomainID:   domainID,
		VNIDs:      make(map[uint32]struct{}),
		Endpoints:  make(map[MAC]struct{}),
	}
	if len(ips) > 0 {
		t.Key = ips[0]
	}
	return t
}

// AddrPort is where DPS messages for this tunnel are delivered.
func (t *TunnelEndpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.Key, t.Port)
}

// SplitIPs returns the tunnel's physical IPv4 and IPv6 addresses.
func (t *TunnelEndpoint) SplitIPs() (v4, v6 []netip.Addr) {
	for _, ip := range t.IPs {
		if ip.Unmap().Is4() {
			v4 = append(v4, ip.Unmap())
		} else {
			v6 = append(v6, ip)
		}
	}
	return v4, v6
}

// LinkEndpoint indexes ep under the domain, its DVG and tunnel t.
// t may be nil for an endpoint whose host is not yet known.
func (d *Domain) LinkEndpoint(ep *Endpoint, dvg *DVG, t *TunnelEndpoint) {
	d.Endpoints[ep.MAC] = ep
	dvg.Endpoints[ep.MAC] = struct{}{}
	if t != nil {
		t.Endpoints[ep.MAC] = struct{}{}
		t.VNIDs[dvg.VNID] = struct{}{}
		dvg.Tunnels[t.Key] = struct{}{}
		ep.Tunnel = t.Key
	}
	ep.VNID = dvg.VNID
}

// UnlinkTunnel removes ep from its tunnel's endpoint set but leaves
// ep.Tunnel in place. The retained key is only a soft reference for
// re-linking during migration; the tunnel's own collection stays the owner.
func (d *Domain) UnlinkTunnel(ep *Endpoint) {
	t, ok := d.Tunnels[ep.Tunnel]
	if !ok {
		return
	}
	delete(t.Endpoints, ep.MAC)
}

// UnlinkDVG removes ep from its DVG's endpoint set.
func (d *Domain) UnlinkDVG(ep *Endpoint) {
	if dvg, ok := d.DVGs[ep.VNID]; ok {
		delete(dvg.Endpoints, ep.MAC)
	}
}

// AddVIP records vip on ep and in the conflict index.
// A vIP owned by another endpoint is taken over.
func (d *Domain) AddVIP(ep *Endpoint, vip netip.Addr) {
	if !vip.IsValid() {
		return
	}
	if prev, ok := d.VIPIndex[vip]; ok && prev != ep {
		delete(prev.VIPs, vip)
	}
	ep.VIPs[vip] = struct{}{}
	d.VIPIndex[vip] = ep
}

// RemoveVIP drops vip from ep and the conflict index.
func (d *Domain) RemoveVIP(ep *Endpoint, vip netip.Addr) {
	delete(ep.VIPs, vip)
	if owner, ok := d.VIPIndex[vip]; ok && owner == ep {
		delete(d.VIPIndex, vip)
	}
}

// ClearVIPs removes every vIP of ep.
func (d *Domain) ClearVIPs(ep *Endpoint) {
	for vip := range ep.VIPs {
		d.RemoveVIP(ep, vip)
	}
}

// TunnelsOf returns the tunnels hosting vnid, sorted by key.
func (d *Domain) TunnelsOf(vnid uint32) []*TunnelEndpoint {
	dvg, ok := d.DVGs[vnid]
	if !ok {
		return nil
	}
	out := make([]*TunnelEndpoint, 0, len(dvg.Tunnels))
	for key := range dvg.Tunnels {
		if t, ok := d.Tunnels[key]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Gateways returns the gateway tunnels of the domain, sorted by key.
func (d *Domain) Gateways() []*TunnelEndpoint {
	var out []*TunnelEndpoint
	for _, t := range d.Tunnels {
		if t.ClientType.IsGateway() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}
