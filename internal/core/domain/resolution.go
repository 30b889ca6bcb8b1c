package domain

import "net/netip"

// DefaultResolutionRetry is the number of timeout ticks a waiter survives.
const DefaultResolutionRetry = 2

// ResolutionLimits bound the unresolved-lookup state of one domain.
type ResolutionLimits struct {
	MaxWaiters int
	MaxVIPs    int
}

// DefaultResolutionLimits returns the limits used when none are configured.
func DefaultResolutionLimits() ResolutionLimits {
	return ResolutionLimits{
		MaxWaiters: 4096,
		MaxVIPs:    1024,
	}
}

// AddressResolutionVIP collects the clients waiting for one unresolved vIP.
type AddressResolutionVIP struct {
	VIP netip.Addr
	// Waiters maps a waiting client to the VNIDs it asked from.
	Waiters map[netip.AddrPort]map[uint32]struct{}
	Total   int
	Retry   int
}

// NewAddressResolutionVIP creates an empty waiter list.
func NewAddressResolutionVIP(vip netip.Addr) *AddressResolutionVIP {
	return &AddressResolutionVIP{
		VIP:     vip,
		Waiters: make(map[netip.AddrPort]map[uint32]struct{}),
		Retry:   DefaultResolutionRetry,
	}
}

// Add registers (client, vnid). It returns false if the pair was already waiting.
func (w *AddressResolutionVIP) Add(client netip.AddrPort, vnid uint32) bool {
	set, ok := w.Waiters[client]
	if !ok {
		set = make(map[uint32]struct{})
		w.Waiters[client] = set
	}
	if _, dup := set[vnid]; dup {
		return false
	}
	set[vnid] = struct{}{}
	w.Total++
	return true
}

// Waiter is one (client, vnid) pair waiting for a resolution.
type Waiter struct {
	Client netip.AddrPort
	VNID   uint32
}

// Drain empties the waiter list and returns its former contents.
func (w *AddressResolutionVIP) Drain() []Waiter {
	out := make([]Waiter, 0, w.Total)
	for client, set := range w.Waiters {
		for vnid := range set {
			out = append(out, Waiter{Client: client, VNID: vnid})
		}
	}
	w.Waiters = make(map[netip.AddrPort]map[uint32]struct{})
	w.Total = 0
	return out
}

// AddressResolution holds the unresolved lookups of one domain.
type AddressResolution struct {
	Waiters map[netip.Addr]*AddressResolutionVIP
	Total   int
	Limits  ResolutionLimits
	Valid   bool
}

// NewAddressResolution creates a valid, empty resolution table.
func NewAddressResolution(limits ResolutionLimits) *AddressResolution {
	return &AddressResolution{
		Waiters: make(map[netip.Addr]*AddressResolutionVIP),
		Limits:  limits,
		Valid:   true,
	}
}

// SumWaiters recomputes the total from the per-vIP lists.
func (r *AddressResolution) SumWaiters() int {
	sum := 0
	for _, w := range r.Waiters {
		sum += w.Total
	}
	return sum
}
