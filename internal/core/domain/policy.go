package domain

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// TrafficType selects the policy table.
type TrafficType uint8

const (
	TrafficUnicast TrafficType = iota
	TrafficMulticast
)

func (t TrafficType) String() string {
	if t == TrafficMulticast {
		return "multicast"
	}
	return "unicast"
}

// ParseTrafficType parses the textual form used by the admin API.
func ParseTrafficType(s string) (TrafficType, error) {
	switch s {
	case "", "unicast":
		return TrafficUnicast, nil
	case "multicast":
		return TrafficMulticast, nil
	}
	return 0, ErrInvalidArgument.WithDetails("unknown traffic type " + s)
}

// PolicyType is the kind of rule carried by a policy.
type PolicyType uint8

const (
	PolicyConnectivity  PolicyType = 1
	PolicySourceRouting PolicyType = 2
)

// Connectivity is the decoded action of a connectivity policy.
type Connectivity uint16

const (
	ActionDrop    Connectivity = 0
	ActionForward Connectivity = 1
)

func (c Connectivity) String() string {
	if c == ActionForward {
		return "forward"
	}
	return "drop"
}

// ActionHeaderLen is the size of the version/pad/action header.
const ActionHeaderLen = 4

// CurrentActionVersion is written into locally generated action blobs.
const CurrentActionVersion = 1

// DecodeAction parses the action header: version byte, pad byte and a
// big-endian 16-bit action value.
func DecodeAction(blob []byte) (version uint8, value uint16, err error) {
	if len(blob) < ActionHeaderLen {
		return 0, 0, ErrInvalidPolicyAction.WithDetails(fmt.Sprintf("action is %d bytes", len(blob)))
	}
	return blob[0], binary.BigEndian.Uint16(blob[2:4]), nil
}

// EncodeAction builds an action blob for value.
func EncodeAction(value Connectivity) []byte {
	blob := make([]byte, ActionHeaderLen)
	blob[0] = CurrentActionVersion
	binary.BigEndian.PutUint16(blob[2:4], uint16(value))
	return blob
}

// PolicyKey returns the "src:dst" identity of a policy.
func PolicyKey(src, dst uint32) string {
	return strconv.FormatUint(uint64(src), 10) + ":" + strconv.FormatUint(uint64(dst), 10)
}

// Policy is a directional connectivity rule between two DVGs.
type Policy struct {
	DomainID uint32
	Traffic  TrafficType
	Type     PolicyType
	SrcVNID  uint32
	DstVNID  uint32
	Key      string
	TTL      uint32

	Action        []byte
	ActionVersion uint8
	Connectivity  Connectivity
	Version       uint32
}

// NewPolicy validates and decodes a policy. It does not index it.
func NewPolicy(domainID uint32, traffic TrafficType, typ PolicyType, src, dst, ttl uint32, action []byte) (*Policy, error) {
	if typ != PolicyConnectivity {
		return nil, ErrInvalidPolicyType.WithDetails(fmt.Sprintf("type %d", typ))
	}
	p := &Policy{
		DomainID: domainID,
		Traffic:  traffic,
		Type:     typ,
		SrcVNID:  src,
		DstVNID:  dst,
		Key:      PolicyKey(src, dst),
		TTL:      ttl,
		Version:  1,
	}
	if err := p.setAction(action); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces ttl and action and bumps the version. Policy versions are
// owned by this node; callers never supply one.
func (p *Policy) Update(ttl uint32, action []byte) error {
	if err := p.setAction(action); err != nil {
		return err
	}
	p.TTL = ttl
	p.Version++
	return nil
}

// ResetToAllow turns the policy into the default forward rule.
func (p *Policy) ResetToAllow() {
	_ = p.setAction(EncodeAction(ActionForward))
	p.Version++
}

// IsSelf reports whether the policy governs traffic inside one DVG.
func (p *Policy) IsSelf() bool {
	return p.SrcVNID == p.DstVNID
}

func (p *Policy) setAction(action []byte) error {
	version, value, err := DecodeAction(action)
	if err != nil {
		return err
	}
	p.Action = append([]byte(nil), action...)
	p.ActionVersion = version
	if p.Type == PolicyConnectivity {
		if value == uint16(ActionForward) {
			p.Connectivity = ActionForward
		} else {
			p.Connectivity = ActionDrop
		}
	}
	return nil
}
