package dpsserver

import (
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/dps-go/internal/core/domain"
)

// MsgType identifies a datagram.
type MsgType uint8

// Datagram types.
const (
	MsgUnknown MsgType = iota
	MsgEndpointLocation
	MsgHeartbeat
	MsgPolicyUpdate
	MsgGatewayUpdate
	MsgReply
	MsgAck
	MsgReplicationAck
	MsgEndpointReplication
)

func (t MsgType) String() string {
	switch t {
	case MsgEndpointLocation:
		return "endpoint_location"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgPolicyUpdate:
		return "policy_update"
	case MsgGatewayUpdate:
		return "gateway_update"
	case MsgReply:
		return "reply"
	case MsgAck:
		return "ack"
	case MsgReplicationAck:
		return "replication_ack"
	case MsgEndpointReplication:
		return "endpoint_replication"
	default:
		return "unknown"
	}
}

const (
	fieldType         protowire.Number = 1
	fieldQueryID      protowire.Number = 2
	fieldStatus       protowire.Number = 3
	fieldVNID         protowire.Number = 4
	fieldVersion      protowire.Number = 5
	fieldAddr         protowire.Number = 6
	fieldMAC          protowire.Number = 7
	fieldVIP          protowire.Number = 8
	fieldDomainID     protowire.Number = 9
	fieldTraffic      protowire.Number = 10
	fieldSrcVNID      protowire.Number = 11
	fieldDstVNID      protowire.Number = 12
	fieldTTL          protowire.Number = 13
	fieldConnectivity protowire.Number = 14
	fieldAction       protowire.Number = 15
	fieldPayload      protowire.Number = 16
	fieldPort         protowire.Number = 17
	fieldClientType   protowire.Number = 18
	fieldOperation    protowire.Number = 19
	fieldTransaction  protowire.Number = 20
)

// ErrMalformed is returned for datagrams that cannot be decoded.
var ErrMalformed = errors.New("dpsserver: malformed datagram")

// Datagram is the decoded form of every message on the DPS socket. Only
// the fields relevant to Type are set.
type Datagram struct {
	Type    MsgType
	QueryID uint32
	Status  domain.Status

	DomainID uint32
	VNID     uint32
	Version  uint64
	Addrs    []netip.Addr
	MAC      domain.MAC
	VIP      netip.Addr

	Traffic      domain.TrafficType
	SrcVNID      uint32
	DstVNID      uint32
	TTL          uint32
	Connectivity domain.Connectivity
	Action       []byte

	// Endpoint replication.
	Port        uint16
	ClientType  domain.ClientType
	Operation   domain.Operation
	Transaction domain.TransactionType

	// Payload carries an opaque buffered reply.
	Payload []byte
}

// Marshal encodes d. Zero numeric fields and empty byte fields are
// omitted, except Type which is always written.
func (d *Datagram) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldType, uint64(d.Type), true)
	b = appendVarint(b, fieldQueryID, uint64(d.QueryID), false)
	b = appendVarint(b, fieldStatus, uint64(d.Status), false)
	b = appendVarint(b, fieldDomainID, uint64(d.DomainID), false)
	b = appendVarint(b, fieldVNID, uint64(d.VNID), false)
	b = appendVarint(b, fieldVersion, d.Version, false)
	for _, a := range d.Addrs {
		b = appendBytes(b, fieldAddr, a.AsSlice())
	}
	if d.MAC != (domain.MAC{}) {
		b = appendBytes(b, fieldMAC, d.MAC[:])
	}
	if d.VIP.IsValid() {
		b = appendBytes(b, fieldVIP, d.VIP.AsSlice())
	}
	b = appendVarint(b, fieldTraffic, uint64(d.Traffic), false)
	b = appendVarint(b, fieldSrcVNID, uint64(d.SrcVNID), false)
	b = appendVarint(b, fieldDstVNID, uint64(d.DstVNID), false)
	b = appendVarint(b, fieldTTL, uint64(d.TTL), false)
	b = appendVarint(b, fieldConnectivity, uint64(d.Connectivity), false)
	b = appendBytes(b, fieldAction, d.Action)
	b = appendBytes(b, fieldPayload, d.Payload)
	b = appendVarint(b, fieldPort, uint64(d.Port), false)
	b = appendVarint(b, fieldClientType, uint64(d.ClientType), false)
	b = appendVarint(b, fieldOperation, uint64(d.Operation), false)
	b = appendVarint(b, fieldTransaction, uint64(d.Transaction), false)
	return b
}

// Unmarshal decodes a datagram written by Marshal. Unknown fields are
// skipped.
func Unmarshal(b []byte) (*Datagram, error) {
	d := &Datagram{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			d.setVarint(num, v)
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			if err := d.setBytes(num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if d.Type == MsgUnknown {
		return nil, malformed(errors.New("missing type"))
	}
	return d, nil
}

func (d *Datagram) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldType:
		d.Type = MsgType(v)
	case fieldQueryID:
		d.QueryID = uint32(v)
	case fieldStatus:
		d.Status = domain.Status(v)
	case fieldDomainID:
		d.DomainID = uint32(v)
	case fieldVNID:
		d.VNID = uint32(v)
	case fieldVersion:
		d.Version = v
	case fieldTraffic:
		d.Traffic = domain.TrafficType(v)
	case fieldSrcVNID:
		d.SrcVNID = uint32(v)
	case fieldDstVNID:
		d.DstVNID = uint32(v)
	case fieldTTL:
		d.TTL = uint32(v)
	case fieldConnectivity:
		d.Connectivity = domain.Connectivity(v)
	case fieldPort:
		d.Port = uint16(v)
	case fieldClientType:
		d.ClientType = domain.ClientType(v)
	case fieldOperation:
		d.Operation = domain.Operation(v)
	case fieldTransaction:
		d.Transaction = domain.TransactionType(v)
	}
}

func (d *Datagram) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldAddr:
		a, ok := netip.AddrFromSlice(v)
		if !ok {
			return malformed(fmt.Errorf("address of %d bytes", len(v)))
		}
		d.Addrs = append(d.Addrs, a)
	case fieldMAC:
		if len(v) != len(d.MAC) {
			return malformed(fmt.Errorf("mac of %d bytes", len(v)))
		}
		copy(d.MAC[:], v)
	case fieldVIP:
		a, ok := netip.AddrFromSlice(v)
		if !ok {
			return malformed(fmt.Errorf("vip of %d bytes", len(v)))
		}
		d.VIP = a
	case fieldAction:
		d.Action = append([]byte(nil), v...)
	case fieldPayload:
		d.Payload = append([]byte(nil), v...)
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64, always bool) []byte {
	if v == 0 && !always {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
