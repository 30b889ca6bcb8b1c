package domain

import (
	"net/netip"
	"sort"
)

// MaxShowVIPs bounds the vIP subset reported by ShowVIPs.
const MaxShowVIPs = 8

// Endpoint is a virtual machine's network identity inside a domain.
type Endpoint struct {
	DomainID uint32
	VNID     uint32
	MAC      MAC

	// Tunnel is the key of the hosting tunnel. It survives UnlinkTunnel.
	Tunnel     netip.Addr
	VIPs       map[netip.Addr]struct{}
	ClientType ClientType

	Version     uint64
	InMigration bool
	Valid       bool
}

// NewEndpoint creates a valid endpoint with the given starting version.
func NewEndpoint(domainID, vnid uint32, mac MAC, ct ClientType, version uint64) *Endpoint {
	return &Endpoint{
		DomainID:   domainID,
		VNID:       vnid,
		MAC:        mac,
		VIPs:       make(map[netip.Addr]struct{}),
		ClientType: ct,
		Version:    version,
		Valid:      true,
	}
}

// ApplyVersion enforces update sequencing.
//
// For normal and replication transactions a non-zero version must be
// exactly Version+1; zero means "sequence locally". Mass transfer keeps the
// higher of the two versions. The stored version is untouched on error.
func (e *Endpoint) ApplyVersion(tx TransactionType, version uint64) error {
	if tx == TransactionMassTransfer {
		if version > e.Version {
			e.Version = version
		}
		return nil
	}
	if version == 0 {
		e.Version++
		return nil
	}
	if version != e.Version+1 {
		return ErrInvalidVersion
	}
	e.Version = version
	return nil
}

// HasVIP reports whether vip belongs to the endpoint.
func (e *Endpoint) HasVIP(vip netip.Addr) bool {
	_, ok := e.VIPs[vip]
	return ok
}

// ShowVIPs returns up to MaxShowVIPs addresses in ascending order.
func (e *Endpoint) ShowVIPs() []netip.Addr {
	all := make([]netip.Addr, 0, len(e.VIPs))
	for vip := range e.VIPs {
		all = append(all, vip)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Less(all[j]) })
	if len(all) > MaxShowVIPs {
		all = all[:MaxShowVIPs]
	}
	return all
}
