package domain

import (
	"net/netip"
	"time"
)

// ClientHost tracks heartbeat liveness of one remote DPS client.
type ClientHost struct {
	Addr    netip.Addr
	Port    uint16
	Domains map[uint32]struct{}
	Roles   map[ClientType]struct{}

	// Frequency is the most frequent heartbeat interval across Roles.
	Frequency     time.Duration
	frequencies   HeartbeatFrequencies
	LastContact   time.Time
	LastHeartbeat time.Time
	Valid         bool
}

// NewClientHost creates a host with no domains or roles. Role frequencies
// come from freqs; a nil table uses the defaults.
func NewClientHost(addr netip.Addr, port uint16, now time.Time, freqs HeartbeatFrequencies) *ClientHost {
	if freqs == nil {
		freqs = DefaultHeartbeatFrequencies()
	}
	return &ClientHost{
		Addr:        addr,
		Port:        port,
		Domains:     make(map[uint32]struct{}),
		Roles:       make(map[ClientType]struct{}),
		Frequency:   DefaultHeartbeatFrequency,
		frequencies: freqs,
		LastContact: now,
		Valid:       true,
	}
}

// AddRole records a role and recomputes the effective frequency.
func (h *ClientHost) AddRole(role ClientType) {
	h.Roles[role] = struct{}{}
	h.recompute()
}

// RemoveRole forgets a role and recomputes the effective frequency.
func (h *ClientHost) RemoveRole(role ClientType) {
	delete(h.Roles, role)
	h.recompute()
}

// Empty reports whether nothing references the host any more.
func (h *ClientHost) Empty() bool {
	return len(h.Domains) == 0 && len(h.Roles) == 0
}

// Timeout is how long the host may stay silent before it is dropped.
func (h *ClientHost) Timeout() time.Duration {
	return h.Frequency * HeartbeatTimeoutFactor
}

// AddrPort is where heartbeats are sent.
func (h *ClientHost) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(h.Addr, h.Port)
}

func (h *ClientHost) recompute() {
	var best time.Duration
	for role := range h.Roles {
		f, ok := h.frequencies[role]
		if !ok {
			continue
		}
		if best == 0 || f < best {
			best = f
		}
	}
	if best == 0 {
		best = DefaultHeartbeatFrequency
	}
	h.Frequency = best
}
