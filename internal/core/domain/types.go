package domain

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Status is the result code carried in replies to DPS clients.
type Status uint8

// Wire status codes.
const (
	StatusOK Status = iota
	StatusInternal
	StatusNoMemory
	StatusNoResources
	StatusRetry
	StatusInvalidVersion
	StatusInvalidDomain
	StatusInvalidDVG
	StatusInvalidTunnel
	StatusInvalidPolicy
	StatusNoSuchEndpoint
	StatusInvalidArgument
)

var statusNames = [...]string{
	StatusOK:              "ok",
	StatusInternal:        "internal",
	StatusNoMemory:        "no_memory",
	StatusNoResources:     "no_resources",
	StatusRetry:           "retry",
	StatusInvalidVersion:  "invalid_version",
	StatusInvalidDomain:   "invalid_domain",
	StatusInvalidDVG:      "invalid_dvg",
	StatusInvalidTunnel:   "invalid_tunnel",
	StatusInvalidPolicy:   "invalid_policy",
	StatusNoSuchEndpoint:  "no_such_endpoint",
	StatusInvalidArgument: "invalid_argument",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// TransactionType says how an update reached this node.
type TransactionType uint8

const (
	// TransactionNormal is a request sent directly by a DPS client.
	TransactionNormal TransactionType = iota
	// TransactionReplication is a copy forwarded by a peer DPS node.
	TransactionReplication
	// TransactionMassTransfer is part of a bulk domain handoff.
	TransactionMassTransfer
)

func (t TransactionType) String() string {
	switch t {
	case TransactionNormal:
		return "normal"
	case TransactionReplication:
		return "replication"
	case TransactionMassTransfer:
		return "mass_transfer"
	default:
		return fmt.Sprintf("transaction(%d)", uint8(t))
	}
}

// ParseTransactionType parses the textual form used by the admin API.
func ParseTransactionType(s string) (TransactionType, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return TransactionNormal, nil
	case "replication":
		return TransactionReplication, nil
	case "mass_transfer", "mass-transfer":
		return TransactionMassTransfer, nil
	}
	return 0, ErrInvalidArgument.WithDetails("unknown transaction type " + s)
}

// Operation is the kind of endpoint update.
type Operation uint8

const (
	OpAdd Operation = iota + 1
	OpDelete
	OpVIPAdd
	OpVIPDelete
	OpMigrateIn
	OpMigrateOut
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpVIPAdd:
		return "vip_add"
	case OpVIPDelete:
		return "vip_delete"
	case OpMigrateIn:
		return "migrate_in"
	case OpMigrateOut:
		return "migrate_out"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// ParseOperation parses the textual form used by the admin API.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(s) {
	case "add":
		return OpAdd, nil
	case "delete":
		return OpDelete, nil
	case "vip_add":
		return OpVIPAdd, nil
	case "vip_delete":
		return OpVIPDelete, nil
	case "migrate_in":
		return OpMigrateIn, nil
	case "migrate_out":
		return OpMigrateOut, nil
	}
	return 0, ErrInvalidArgument.WithDetails("unknown operation " + s)
}

// ClientType is the role a DPS client plays.
type ClientType uint8

const (
	ClientDoveSwitch ClientType = iota + 1
	ClientExternalGateway
	ClientVLANGateway
	ClientController
)

func (c ClientType) String() string {
	switch c {
	case ClientDoveSwitch:
		return "dove_switch"
	case ClientExternalGateway:
		return "external_gateway"
	case ClientVLANGateway:
		return "vlan_gateway"
	case ClientController:
		return "controller"
	default:
		return fmt.Sprintf("client(%d)", uint8(c))
	}
}

// IsGateway reports whether the role forwards traffic out of the overlay.
func (c ClientType) IsGateway() bool {
	return c == ClientExternalGateway || c == ClientVLANGateway
}

// ParseClientType parses the textual form used by the admin API.
func ParseClientType(s string) (ClientType, error) {
	switch strings.ToLower(s) {
	case "dove_switch", "switch":
		return ClientDoveSwitch, nil
	case "external_gateway":
		return ClientExternalGateway, nil
	case "vlan_gateway":
		return ClientVLANGateway, nil
	case "controller":
		return ClientController, nil
	}
	return 0, ErrInvalidArgument.WithDetails("unknown client type " + s)
}

// HeartbeatFrequencies is how often a client holding each role is probed.
type HeartbeatFrequencies map[ClientType]time.Duration

// DefaultHeartbeatFrequencies returns a fresh copy of the built-in table.
func DefaultHeartbeatFrequencies() HeartbeatFrequencies {
	return HeartbeatFrequencies{
		ClientDoveSwitch:      30 * time.Second,
		ClientExternalGateway: 10 * time.Second,
		ClientVLANGateway:     10 * time.Second,
		ClientController:      60 * time.Second,
	}
}

// With returns a copy of f with overrides applied. Non-positive overrides
// are ignored.
func (f HeartbeatFrequencies) With(overrides HeartbeatFrequencies) HeartbeatFrequencies {
	out := make(HeartbeatFrequencies, len(f)+len(overrides))
	for role, d := range f {
		out[role] = d
	}
	for role, d := range overrides {
		if d > 0 {
			out[role] = d
		}
	}
	return out
}

// DefaultHeartbeatFrequency applies to a host that holds no role.
const DefaultHeartbeatFrequency = 60 * time.Second

// HeartbeatTimeoutFactor multiplies the effective frequency to obtain the
// no-contact timeout after which a client host is dropped.
const HeartbeatTimeoutFactor = 3

// MAC is a 48-bit hardware address usable as a map key.
type MAC [6]byte

// ParseMAC parses a textual hardware address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return MAC{}, ErrInvalidArgument.WithDetails("invalid mac " + s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}
